package token

import (
	"errors"
	"fmt"
	"strings"

	"github.com/miekg/pkcs11"
)

var (
	ErrModuleLoad           = errors.New("failed to load PKCS#11 module")
	ErrDiscoveryIncomplete  = errors.New("token discovery incomplete")
	ErrAuthenticationFailed = errors.New("token authentication failed")
	ErrTokenLocked          = errors.New("token PIN is locked")
	ErrSessionBusy          = errors.New("token already has an open session")
	ErrStaleHandle          = errors.New("token was removed or replaced")
	ErrSessionClosed        = errors.New("session is closed")
	ErrNoToken              = errors.New("no matching token present")
	ErrNoKey                = errors.New("private key not found")
	ErrNoCertificate        = errors.New("certificate not found")
	ErrUnsupportedKey       = errors.New("unsupported key type")
	ErrSignFailed           = errors.New("token signing failed")
)

// ModuleFailure records one candidate library that could not be used.
type ModuleFailure struct {
	Path string
	Err  error
}

// DiscoveryError lists the candidates skipped during discovery. Modules
// that did load are still returned next to it.
type DiscoveryError struct {
	Failures []ModuleFailure
}

func (e *DiscoveryError) Error() string {
	parts := make([]string, 0, len(e.Failures))
	for _, f := range e.Failures {
		parts = append(parts, fmt.Sprintf("%s: %v", f.Path, f.Err))
	}
	return fmt.Sprintf("%v: %s", ErrDiscoveryIncomplete, strings.Join(parts, "; "))
}

func (e *DiscoveryError) Unwrap() []error {
	errs := []error{ErrDiscoveryIncomplete}
	for _, f := range e.Failures {
		errs = append(errs, f.Err)
	}
	return errs
}

// AuthError is returned when the token rejects the PIN.
type AuthError struct {
	Token string
	// FinalTry and CountLow mirror the token's retry hints after the attempt.
	FinalTry bool
	CountLow bool
	Err      error
}

func (e *AuthError) Error() string {
	msg := fmt.Sprintf("%v on token %q", ErrAuthenticationFailed, e.Token)
	switch {
	case e.FinalTry:
		msg += " (final try remaining)"
	case e.CountLow:
		msg += " (few tries remaining)"
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *AuthError) Is(target error) bool { return target == ErrAuthenticationFailed }

func (e *AuthError) Unwrap() error { return e.Err }

func ckr(err error) (uint, bool) {
	var e pkcs11.Error
	if errors.As(err, &e) {
		return uint(e), true
	}
	return 0, false
}

func isCKR(err error, codes ...uint) bool {
	code, ok := ckr(err)
	if !ok {
		return false
	}
	for _, c := range codes {
		if code == c {
			return true
		}
	}
	return false
}

// isRemoval reports whether err means the token disappeared under us.
func isRemoval(err error) bool {
	return isCKR(err,
		pkcs11.CKR_DEVICE_REMOVED,
		pkcs11.CKR_TOKEN_NOT_PRESENT,
		pkcs11.CKR_TOKEN_NOT_RECOGNIZED,
		pkcs11.CKR_SESSION_HANDLE_INVALID,
		pkcs11.CKR_SESSION_CLOSED,
		pkcs11.CKR_SLOT_ID_INVALID,
	)
}

func isPINRejected(err error) bool {
	return isCKR(err, pkcs11.CKR_PIN_INCORRECT, pkcs11.CKR_PIN_INVALID, pkcs11.CKR_PIN_LEN_RANGE)
}
