package engine

import (
	"context"
	"errors"
	"fmt"
	"io/fs"

	"github.com/georgepadayatti/gopades/pdf/reader"
	"github.com/georgepadayatti/gopades/pdf/writer"
	"github.com/georgepadayatti/gopades/sign/chain"
	"github.com/georgepadayatti/gopades/sign/dss"
	"github.com/georgepadayatti/gopades/sign/mdp"
	"github.com/georgepadayatti/gopades/sign/timestamps"
	"github.com/georgepadayatti/gopades/sign/token"
)

var (
	ErrCertificateExpired = errors.New("signing certificate is not valid at signing time")
	ErrBatchAborted       = errors.New("batch aborted")
	ErrInvalidRequest     = errors.New("invalid signature request")
)

// Kind classifies engine failures.
type Kind int

const (
	KindInternal Kind = iota
	KindDiscoveryIncomplete
	KindAuthenticationFailed
	KindTokenLocked
	KindSessionBusy
	KindTokenUnavailable
	KindCertificateExpired
	KindAlreadySigned
	KindAlreadyCertified
	KindPermissionDenied
	KindPlaceholderTooSmall
	KindTimestampUnavailable
	KindTimestampTimeout
	KindPartialLTV
	KindIOFailure
	KindBatchAborted
	KindCancelled
	KindSigningFailed
)

var kindNames = [...]string{
	KindInternal:             "Internal",
	KindDiscoveryIncomplete:  "DiscoveryIncomplete",
	KindAuthenticationFailed: "AuthenticationFailed",
	KindTokenLocked:          "TokenLocked",
	KindSessionBusy:          "SessionBusy",
	KindTokenUnavailable:     "TokenUnavailable",
	KindCertificateExpired:   "CertificateExpired",
	KindAlreadySigned:        "AlreadySigned",
	KindAlreadyCertified:     "AlreadyCertified",
	KindPermissionDenied:     "PermissionDenied",
	KindPlaceholderTooSmall:  "PlaceholderTooSmall",
	KindTimestampUnavailable: "TimestampUnavailable",
	KindTimestampTimeout:     "TimestampTimeout",
	KindPartialLTV:           "PartialLTV",
	KindIOFailure:            "IOFailure",
	KindBatchAborted:         "BatchAborted",
	KindCancelled:            "Cancelled",
	KindSigningFailed:        "SigningFailed",
}

func (k Kind) String() string {
	if k >= 0 && int(k) < len(kindNames) {
		return kindNames[k]
	}
	return fmt.Sprintf("Kind(%d)", int(k))
}

// Error is the structured failure returned by the engine.
type Error struct {
	Kind Kind
	// Op is the pipeline step that failed.
	Op   string
	Path string
	Err  error
}

func (e *Error) Error() string {
	msg := e.Kind.String()
	if e.Op != "" {
		msg += " during " + e.Op
	}
	if e.Path != "" {
		msg += " (" + e.Path + ")"
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// newError classifies err unless kind is given explicitly.
func newError(op, path string, err error, kind ...Kind) *Error {
	var existing *Error
	if errors.As(err, &existing) {
		return existing
	}
	k := classify(err)
	if len(kind) > 0 && k == KindInternal {
		k = kind[0]
	}
	return &Error{Kind: k, Op: op, Path: path, Err: err}
}

// KindOf returns the kind of err. Errors that did not pass through the
// engine are classified by the sentinels they wrap.
func KindOf(err error) Kind {
	if err == nil {
		return KindInternal
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return classify(err)
}

func classify(err error) Kind {
	switch {
	case errors.Is(err, timestamps.ErrTimestampTimeout):
		return KindTimestampTimeout
	case errors.Is(err, timestamps.ErrTimestampUnavailable):
		return KindTimestampUnavailable
	case errors.Is(err, context.Canceled):
		return KindCancelled
	case errors.Is(err, ErrBatchAborted):
		return KindBatchAborted
	case errors.Is(err, token.ErrTokenLocked):
		return KindTokenLocked
	case errors.Is(err, token.ErrAuthenticationFailed):
		return KindAuthenticationFailed
	case errors.Is(err, token.ErrSessionBusy):
		return KindSessionBusy
	case errors.Is(err, token.ErrStaleHandle),
		errors.Is(err, token.ErrNoToken),
		errors.Is(err, token.ErrSessionClosed):
		return KindTokenUnavailable
	case errors.Is(err, token.ErrDiscoveryIncomplete):
		return KindDiscoveryIncomplete
	case errors.Is(err, ErrCertificateExpired):
		return KindCertificateExpired
	case errors.Is(err, chain.ErrAlreadySigned):
		return KindAlreadySigned
	case errors.Is(err, mdp.ErrAlreadyCertified):
		return KindAlreadyCertified
	case errors.Is(err, mdp.ErrPermissionDenied):
		return KindPermissionDenied
	case errors.Is(err, writer.ErrPlaceholderTooSmall):
		return KindPlaceholderTooSmall
	case errors.Is(err, dss.ErrPartialLTV):
		return KindPartialLTV
	case errors.Is(err, reader.ErrEncrypted),
		errors.Is(err, reader.ErrNotPDF),
		errors.Is(err, reader.ErrXRef),
		errors.Is(err, fs.ErrNotExist),
		errors.Is(err, fs.ErrPermission),
		errors.Is(err, ErrInvalidRequest):
		return KindIOFailure
	case errors.Is(err, token.ErrSignFailed),
		errors.Is(err, token.ErrNoKey),
		errors.Is(err, token.ErrNoCertificate),
		errors.Is(err, token.ErrUnsupportedKey),
		errors.Is(err, token.ErrModuleLoad):
		return KindSigningFailed
	}
	var pathErr *fs.PathError
	if errors.As(err, &pathErr) {
		return KindIOFailure
	}
	return KindInternal
}
