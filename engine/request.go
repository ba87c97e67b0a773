package engine

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/georgepadayatti/gopades/sign/appearance"
	"github.com/georgepadayatti/gopades/sign/dss"
	"github.com/georgepadayatti/gopades/sign/mdp"
	"github.com/georgepadayatti/gopades/sign/token"
)

// SignatureRequest describes one signature. It is not modified by the engine.
type SignatureRequest struct {
	InputPath  string
	OutputPath string
	// FieldName names the new signature field; empty picks Signature_<unix>.
	FieldName string
	// Appearance makes the signature visible; nil signs invisibly.
	Appearance     *appearance.Descriptor
	Reason         string
	Location       string
	ContactInfo    string
	MultiSignature bool
	// TSAURL requests a signature timestamp; empty skips it.
	TSAURL string
	LTV    bool
	Policy mdp.Policy
}

// Validate checks the paths.
func (r *SignatureRequest) Validate() error {
	if r.InputPath == "" {
		return fmt.Errorf("%w: input path is required", ErrInvalidRequest)
	}
	if r.OutputPath == "" {
		return fmt.Errorf("%w: output path is required", ErrInvalidRequest)
	}
	in, err1 := filepath.Abs(r.InputPath)
	out, err2 := filepath.Abs(r.OutputPath)
	if err1 == nil && err2 == nil && in == out {
		return fmt.Errorf("%w: output would overwrite the input", ErrInvalidRequest)
	}
	if r.TSAURL != "" && !strings.HasPrefix(r.TSAURL, "http://") && !strings.HasPrefix(r.TSAURL, "https://") {
		return fmt.Errorf("%w: TSA URL %q is not http(s)", ErrInvalidRequest, r.TSAURL)
	}
	return nil
}

// TimestampStatus reports whether a signature timestamp was embedded.
type TimestampStatus int

const (
	TimestampNotRequested TimestampStatus = iota
	TimestampApplied
)

func (s TimestampStatus) String() string {
	if s == TimestampApplied {
		return "applied"
	}
	return "not requested"
}

// LTVStatus reports the validation material embedded in the DSS.
type LTVStatus int

const (
	LTVNotRequested LTVStatus = iota
	LTVComplete
	LTVPartial
)

func (s LTVStatus) String() string {
	switch s {
	case LTVComplete:
		return "complete"
	case LTVPartial:
		return "partial"
	}
	return "not requested"
}

func ltvStatus(s dss.Status) LTVStatus {
	if s == dss.StatusComplete {
		return LTVComplete
	}
	return LTVPartial
}

// SignatureResult describes a written signature.
type SignatureResult struct {
	OutputPath string
	Size       int64
	FieldName  string
	// SignatureIndex is the 1-based position of the new signature.
	SignatureIndex  int
	AppliedPolicy   mdp.Policy
	SigningTime     time.Time
	TimestampStatus TimestampStatus
	TimestampTime   time.Time
	LTVStatus       LTVStatus
	Warnings        []string
	SignerSerial    string
	SignerSubject   string
	Duration        time.Duration
}

// Credentials unlock the token for one Sign call.
type Credentials struct {
	// PIN is destroyed once the login attempt is over. Nil logs in through a
	// protected authentication path.
	PIN *token.PIN
}
