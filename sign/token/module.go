package token

import (
	"crypto/x509"
	"encoding/hex"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/miekg/pkcs11"
)

// Module is a loaded and initialized PKCS#11 library.
type Module struct {
	Path string

	ctx       Ctx
	log       *slog.Logger
	closeOnce sync.Once
}

// Ctx exposes the underlying capability interface.
func (m *Module) Ctx() Ctx { return m.ctx }

// Close finalizes and unloads the library.
func (m *Module) Close() error {
	var err error
	m.closeOnce.Do(func() {
		err = m.ctx.Finalize()
		m.ctx.Destroy()
	})
	return err
}

// unload drops this handle without finalizing the library.
func (m *Module) unload() {
	m.closeOnce.Do(m.ctx.Destroy)
}

// Slots lists every slot of the module in the order the library reports
// them, with or without a token.
func (m *Module) Slots() ([]*Slot, error) {
	ids, err := m.ctx.GetSlotList(false)
	if err != nil {
		return nil, fmt.Errorf("list slots of %s: %w", m.Path, err)
	}
	slots := make([]*Slot, 0, len(ids))
	for i, id := range ids {
		info, err := m.ctx.GetSlotInfo(id)
		if err != nil {
			m.log.Debug("slot info unavailable", "module", m.Path, "slot", id, "error", err)
			continue
		}
		slots = append(slots, &Slot{
			Module:       m,
			Index:        i,
			ID:           id,
			Description:  trimPKCS11String(info.SlotDescription),
			TokenPresent: info.Flags&pkcs11.CKF_TOKEN_PRESENT != 0,
		})
	}
	return slots, nil
}

// Tokens returns the tokens present in any slot of the module.
func (m *Module) Tokens() ([]*Token, error) {
	slots, err := m.Slots()
	if err != nil {
		return nil, err
	}
	var out []*Token
	for _, s := range slots {
		t, err := s.Token()
		if err != nil {
			m.log.Debug("token unreadable", "module", m.Path, "slot", s.ID, "error", err)
			continue
		}
		if t != nil {
			out = append(out, t)
		}
	}
	return out, nil
}

// Slot is a reader position of a module.
type Slot struct {
	Module       *Module
	Index        int
	ID           uint
	Description  string
	TokenPresent bool
}

// Token returns the token currently inserted, or nil when the slot is empty.
func (s *Slot) Token() (*Token, error) {
	info, err := s.Module.ctx.GetSlotInfo(s.ID)
	if err != nil {
		if isRemoval(err) {
			return nil, nil
		}
		return nil, err
	}
	if info.Flags&pkcs11.CKF_TOKEN_PRESENT == 0 {
		return nil, nil
	}
	ti, err := s.Module.ctx.GetTokenInfo(s.ID)
	if err != nil {
		if isRemoval(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("token info of slot %d: %w", s.ID, err)
	}
	t := &Token{Slot: s}
	t.apply(ti)
	return t, nil
}

// Token describes the device found in a slot.
type Token struct {
	Slot         *Slot
	Label        string
	Serial       string
	Manufacturer string
	Model        string
	Flags        uint

	PINLocked         bool
	PINCountLow       bool
	PINFinalTry       bool
	ProtectedAuthPath bool
}

func (t *Token) apply(ti pkcs11.TokenInfo) {
	t.Label = trimPKCS11String(ti.Label)
	t.Serial = trimPKCS11String(ti.SerialNumber)
	t.Manufacturer = trimPKCS11String(ti.ManufacturerID)
	t.Model = trimPKCS11String(ti.Model)
	t.Flags = ti.Flags
	t.PINLocked = ti.Flags&pkcs11.CKF_USER_PIN_LOCKED != 0
	t.PINCountLow = ti.Flags&pkcs11.CKF_USER_PIN_COUNT_LOW != 0
	t.PINFinalTry = ti.Flags&pkcs11.CKF_USER_PIN_FINAL_TRY != 0
	t.ProtectedAuthPath = ti.Flags&pkcs11.CKF_PROTECTED_AUTHENTICATION_PATH != 0
}

// Key identifies the token across handles: module path, slot and serial.
func (t *Token) Key() string {
	return fmt.Sprintf("%s#%d#%s", t.Slot.Module.Path, t.Slot.ID, t.Serial)
}

func (t *Token) String() string {
	label := t.Label
	if label == "" {
		label = "<unknown>"
	}
	return fmt.Sprintf("%s (serial %s, slot %d)", label, t.Serial, t.Slot.ID)
}

// refresh re-reads the token in the slot and fails with ErrStaleHandle
// when it is gone or a different token was inserted.
func (t *Token) refresh() error {
	ti, err := t.Slot.Module.ctx.GetTokenInfo(t.Slot.ID)
	if err != nil {
		if isRemoval(err) {
			return fmt.Errorf("%w: %s: %v", ErrStaleHandle, t, err)
		}
		return fmt.Errorf("token info of slot %d: %w", t.Slot.ID, err)
	}
	if serial := trimPKCS11String(ti.SerialNumber); serial != t.Serial {
		return fmt.Errorf("%w: slot %d now holds serial %s", ErrStaleHandle, t.Slot.ID, serial)
	}
	t.apply(ti)
	return nil
}

// Certificate is a certificate object stored on a token.
type Certificate struct {
	Token       *Token
	Certificate *x509.Certificate
	ID          []byte
	Label       string
	// HasKey reports whether a private key with the same CKA_ID exists.
	HasKey bool
}

// Serial returns the certificate serial number in upper-case hex.
func (c *Certificate) Serial() string {
	return strings.ToUpper(c.Certificate.SerialNumber.Text(16))
}

// Subject returns the subject in RFC 4514 form.
func (c *Certificate) Subject() string { return c.Certificate.Subject.String() }

// IDHex returns the CKA_ID in hex.
func (c *Certificate) IDHex() string { return hex.EncodeToString(c.ID) }

// ValidAt reports whether t lies inside the certificate's validity window.
func (c *Certificate) ValidAt(t time.Time) bool {
	return !t.Before(c.Certificate.NotBefore) && !t.After(c.Certificate.NotAfter)
}

func trimPKCS11String(s string) string {
	return strings.TrimRight(strings.TrimSpace(s), "\x00")
}
