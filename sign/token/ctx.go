// Package token discovers PKCS#11 modules, slots, tokens and certificates
// and manages authenticated signing sessions.
//
// All vendor calls go through Ctx, the subset of *pkcs11.Ctx the package
// needs, so that tests can substitute an in-memory token.
package token

import (
	"fmt"

	"github.com/miekg/pkcs11"
)

// Ctx is the narrow capability interface over a loaded PKCS#11 module.
// *pkcs11.Ctx satisfies it.
type Ctx interface {
	Destroy()
	Initialize() error
	Finalize() error
	GetSlotList(tokenPresent bool) ([]uint, error)
	GetSlotInfo(slotID uint) (pkcs11.SlotInfo, error)
	GetTokenInfo(slotID uint) (pkcs11.TokenInfo, error)
	OpenSession(slotID uint, flags uint) (pkcs11.SessionHandle, error)
	CloseSession(sh pkcs11.SessionHandle) error
	Login(sh pkcs11.SessionHandle, userType uint, pin string) error
	Logout(sh pkcs11.SessionHandle) error
	GetAttributeValue(sh pkcs11.SessionHandle, o pkcs11.ObjectHandle, a []*pkcs11.Attribute) ([]*pkcs11.Attribute, error)
	FindObjectsInit(sh pkcs11.SessionHandle, temp []*pkcs11.Attribute) error
	FindObjects(sh pkcs11.SessionHandle, max int) ([]pkcs11.ObjectHandle, bool, error)
	FindObjectsFinal(sh pkcs11.SessionHandle) error
	SignInit(sh pkcs11.SessionHandle, m []*pkcs11.Mechanism, o pkcs11.ObjectHandle) error
	Sign(sh pkcs11.SessionHandle, message []byte) ([]byte, error)
}

var _ Ctx = (*pkcs11.Ctx)(nil)

// Loader opens the PKCS#11 library at path.
type Loader func(path string) (Ctx, error)

// DefaultLoader loads a shared library with pkcs11.New.
func DefaultLoader(path string) (Ctx, error) {
	p := pkcs11.New(path)
	if p == nil {
		return nil, fmt.Errorf("%w: %s", ErrModuleLoad, path)
	}
	return p, nil
}
