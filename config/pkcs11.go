package config

import (
	"encoding/hex"
	"fmt"
	"log/slog"
	"strings"

	"github.com/georgepadayatti/gopades/sign/token"
)

// TokenCriteria defines search criteria for finding a PKCS#11 token.
type TokenCriteria struct {
	// Label is the token label to match. If empty, no label constraint is applied.
	Label string `yaml:"label"`

	// Serial is the token serial number. If empty, no serial constraint is applied.
	Serial string `yaml:"serial"`
}

// IsEmpty returns true if no criteria are specified.
func (c *TokenCriteria) IsEmpty() bool {
	return c == nil || (c.Label == "" && c.Serial == "")
}

// Matches reports whether t satisfies the criteria.
func (c *TokenCriteria) Matches(t *token.Token) bool {
	if c.IsEmpty() {
		return true
	}
	if c.Label != "" && c.Label != t.Label {
		return false
	}
	return c.Serial == "" || strings.EqualFold(c.Serial, t.Serial)
}

// String returns a string representation of the criteria.
func (c *TokenCriteria) String() string {
	if c.IsEmpty() {
		return "<no criteria>"
	}
	var parts []string
	if c.Label != "" {
		parts = append(parts, fmt.Sprintf("label=%q", c.Label))
	}
	if c.Serial != "" {
		parts = append(parts, fmt.Sprintf("serial=%s", c.Serial))
	}
	return fmt.Sprintf("TokenCriteria{%s}", strings.Join(parts, ", "))
}

// PKCS11Config selects the module, token and certificate used for signing.
type PKCS11Config struct {
	// ModulePath is probed before the built-in candidate list.
	ModulePath string `yaml:"module-path"`

	// ScanPATH adds the directories of $PATH to discovery.
	ScanPATH bool `yaml:"scan-path"`

	// SlotNo is the slot index to use. If nil, the first matching slot is used.
	SlotNo *int `yaml:"slot-no"`

	TokenCriteria *TokenCriteria `yaml:"token-criteria"`

	// CertLabel is the PKCS#11 label of the signer's certificate.
	CertLabel string `yaml:"cert-label"`

	// CertID is the hex CKA_ID of the signer's certificate.
	CertID string `yaml:"cert-id"`

	// RawMechanism signs with CKM_RSA_PKCS over a DigestInfo instead of a
	// hash-and-sign mechanism.
	RawMechanism bool `yaml:"raw-mechanism"`
}

// Validate validates the PKCS#11 configuration.
func (c *PKCS11Config) Validate() error {
	if c.SlotNo != nil && *c.SlotNo < 0 {
		return NewConfigError("pkcs11.slot-no", "must not be negative")
	}
	if _, err := c.CertIDBytes(); err != nil {
		return &ConfigError{Field: "pkcs11.cert-id", Message: err.Error(), Err: err}
	}
	return nil
}

// CertIDBytes decodes CertID. Colons and spaces between bytes are allowed.
func (c *PKCS11Config) CertIDBytes() ([]byte, error) {
	s := strings.NewReplacer(":", "", " ", "").Replace(c.CertID)
	if s == "" {
		return nil, nil
	}
	id, err := hex.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("invalid hex ID %q: %w", c.CertID, err)
	}
	return id, nil
}

// Discovery builds a token discovery honoring ModulePath and ScanPATH.
// A nil loader keeps the default one.
func (c *PKCS11Config) Discovery(loader token.Loader, log *slog.Logger) *token.Discovery {
	d := token.NewDiscovery().WithOverride(c.ModulePath).WithLogger(log)
	d.ScanPATH = c.ScanPATH
	if loader != nil {
		d.WithLoader(loader)
	}
	return d
}

// SelectToken returns the first token matching SlotNo and TokenCriteria.
func (c *PKCS11Config) SelectToken(tokens []*token.Token) (*token.Token, error) {
	for _, t := range tokens {
		if c.SlotNo != nil && (t.Slot == nil || t.Slot.Index != *c.SlotNo) {
			continue
		}
		if c.TokenCriteria.Matches(t) {
			return t, nil
		}
	}
	return nil, fmt.Errorf("%w: %s", token.ErrNoToken, c.describe())
}

// SelectCertificate finds the signing certificate in an open session.
func (c *PKCS11Config) SelectCertificate(s *token.Session) (*token.Certificate, error) {
	id, err := c.CertIDBytes()
	if err != nil {
		return nil, err
	}
	return s.FindCertificate(id, c.CertLabel)
}

func (c *PKCS11Config) describe() string {
	s := c.TokenCriteria.String()
	if c.SlotNo != nil {
		s += fmt.Sprintf(" slot=%d", *c.SlotNo)
	}
	return s
}
