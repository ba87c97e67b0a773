package token

import (
	"bytes"
	"context"
	"crypto"
	"crypto/x509"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/georgepadayatti/gopades/logging"
	"github.com/georgepadayatti/gopades/metrics"
	"github.com/miekg/pkcs11"
)

// Manager hands out at most one authenticated session per token.
// Exclusivity holds among callers of the same Manager; engines in one
// process that may reach the same token must share one.
type Manager struct {
	mu   sync.Mutex
	busy map[string]*Session
	// live counts reserved or open sessions per module path.
	live         map[string]int
	log          *slog.Logger
	metrics      *metrics.Metrics
	rawMechanism bool
}

// NewManager creates a session manager. Raw mechanisms are used by default:
// the digest is computed on the host and the token applies CKM_RSA_PKCS or
// CKM_ECDSA, which every token supports.
func NewManager() *Manager {
	return &Manager{
		busy:         make(map[string]*Session),
		live:         make(map[string]int),
		log:          logging.Discard(),
		rawMechanism: true,
	}
}

// WithLogger sets the logger.
func (m *Manager) WithLogger(l *slog.Logger) *Manager {
	m.log = logging.OrDiscard(l)
	return m
}

// WithMetrics sets the metrics sink for login failures.
func (m *Manager) WithMetrics(mt *metrics.Metrics) *Manager {
	m.metrics = mt
	return m
}

// WithRawMechanism selects host-side hashing (true) or the combined
// CKM_SHAxxx_RSA_PKCS / CKM_ECDSA_SHAxxx mechanisms (false).
func (m *Manager) WithRawMechanism(raw bool) *Manager {
	m.rawMechanism = raw
	return m
}

// Open logs in to tok and returns the session. The PIN is destroyed before
// Open returns, whatever the outcome. On failure no session stays open.
func (m *Manager) Open(ctx context.Context, tok *Token, pin *PIN) (*Session, error) {
	defer pin.Destroy()
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := tok.refresh(); err != nil {
		return nil, err
	}
	key := tok.Key()

	m.mu.Lock()
	if _, ok := m.busy[key]; ok {
		m.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrSessionBusy, tok)
	}
	// Reserve the slot while logging in.
	m.busy[key] = nil
	m.live[tok.Slot.Module.Path]++
	m.mu.Unlock()

	s, err := m.open(tok, pin)
	m.mu.Lock()
	if err != nil {
		delete(m.busy, key)
		m.unref(tok.Slot.Module.Path)
	} else {
		m.busy[key] = s
	}
	m.mu.Unlock()
	return s, err
}

func (m *Manager) open(tok *Token, pin *PIN) (*Session, error) {
	if tok.PINLocked {
		m.metrics.RecordLoginFailure("locked")
		return nil, fmt.Errorf("%w: %s", ErrTokenLocked, tok)
	}
	c := tok.Slot.Module.ctx
	sh, err := c.OpenSession(tok.Slot.ID, pkcs11.CKF_SERIAL_SESSION|pkcs11.CKF_RW_SESSION)
	if err != nil {
		if isRemoval(err) {
			return nil, fmt.Errorf("%w: %s: %v", ErrStaleHandle, tok, err)
		}
		return nil, fmt.Errorf("open session on %s: %w", tok, err)
	}

	loginErr := pin.use(func(p string) error {
		if p == "" && !tok.ProtectedAuthPath {
			return pkcs11.Error(pkcs11.CKR_PIN_LEN_RANGE)
		}
		return c.Login(sh, pkcs11.CKU_USER, p)
	})
	if loginErr != nil && !isCKR(loginErr, pkcs11.CKR_USER_ALREADY_LOGGED_IN) {
		_ = c.CloseSession(sh)
		return nil, m.loginError(tok, loginErr)
	}

	m.log.Debug("PKCS#11 session opened", "token", tok.Label, "serial", tok.Serial, "slot", tok.Slot.ID)
	return &Session{
		manager: m,
		token:   tok,
		handle:  sh,
		key:     tok.Key(),
		raw:     m.rawMechanism,
		log:     m.log,
	}, nil
}

func (m *Manager) loginError(tok *Token, err error) error {
	// Refresh retry hints; the counters move after a failed attempt.
	_ = tok.refresh()
	switch {
	case isCKR(err, pkcs11.CKR_PIN_LOCKED) || tok.PINLocked:
		m.metrics.RecordLoginFailure("locked")
		return fmt.Errorf("%w: %s", ErrTokenLocked, tok)
	case isPINRejected(err):
		m.metrics.RecordLoginFailure("pin_incorrect")
		m.log.Warn("PIN rejected", "token", tok.Label, "final_try", tok.PINFinalTry, "count_low", tok.PINCountLow)
		return &AuthError{Token: tok.Label, FinalTry: tok.PINFinalTry, CountLow: tok.PINCountLow, Err: err}
	case isRemoval(err):
		return fmt.Errorf("%w: %s: %v", ErrStaleHandle, tok, err)
	}
	m.metrics.RecordLoginFailure("other")
	return fmt.Errorf("login to %s: %w", tok, err)
}

func (m *Manager) release(key string, s *Session) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.busy[key] == s {
		delete(m.busy, key)
		m.unref(s.token.Slot.Module.Path)
	}
}

func (m *Manager) unref(path string) {
	if m.live[path] <= 1 {
		delete(m.live, path)
		return
	}
	m.live[path]--
}

// Release closes a module handle obtained from discovery. C_Finalize acts
// on the whole library, so while any session of this Manager is open on a
// module with the same path only the handle itself is unloaded.
func (m *Manager) Release(mod *Module) error {
	if mod == nil {
		return nil
	}
	m.mu.Lock()
	inUse := m.live[mod.Path] > 0
	m.mu.Unlock()
	if inUse {
		m.log.Debug("PKCS#11 module in use, not finalizing", "path", mod.Path)
		mod.unload()
		return nil
	}
	return mod.Close()
}

// Busy reports whether tok has an open session.
func (m *Manager) Busy(tok *Token) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.busy[tok.Key()]
	return ok
}

// Session is an authenticated PKCS#11 session. It is owned by one caller;
// its methods are serialized.
type Session struct {
	manager *Manager
	token   *Token
	handle  pkcs11.SessionHandle
	key     string
	raw     bool
	log     *slog.Logger

	mu     sync.Mutex
	closed bool
}

// Token returns the token the session is bound to.
func (s *Session) Token() *Token { return s.token }

// Close logs out and closes the session. Further calls return nil.
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	defer s.manager.release(s.key, s)

	c := s.token.Slot.Module.ctx
	var errs []error
	if err := c.Logout(s.handle); err != nil && !isRemoval(err) &&
		!isCKR(err, pkcs11.CKR_USER_NOT_LOGGED_IN) {
		errs = append(errs, fmt.Errorf("logout: %w", err))
	}
	if err := c.CloseSession(s.handle); err != nil && !isRemoval(err) {
		errs = append(errs, fmt.Errorf("close session: %w", err))
	}
	s.log.Debug("PKCS#11 session closed", "token", s.token.Label)
	return errors.Join(errs...)
}

func (s *Session) check() error {
	if s.closed {
		return ErrSessionClosed
	}
	return s.token.refresh()
}

// Certificates lists the certificates on the token. Certificates backed by
// a private key come first; ties are ordered by CKA_ID then label.
func (s *Session) Certificates() ([]*Certificate, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check(); err != nil {
		return nil, err
	}
	return s.certificates()
}

func (s *Session) certificates() ([]*Certificate, error) {
	c := s.token.Slot.Module.ctx
	handles, err := s.findObjects([]*pkcs11.Attribute{
		pkcs11.NewAttribute(pkcs11.CKA_CLASS, pkcs11.CKO_CERTIFICATE),
	})
	if err != nil {
		return nil, err
	}
	keyIDs, err := s.privateKeyIDs()
	if err != nil {
		return nil, err
	}

	var out []*Certificate
	for _, h := range handles {
		attrs, err := c.GetAttributeValue(s.handle, h, []*pkcs11.Attribute{
			pkcs11.NewAttribute(pkcs11.CKA_VALUE, nil),
			pkcs11.NewAttribute(pkcs11.CKA_ID, nil),
			pkcs11.NewAttribute(pkcs11.CKA_LABEL, nil),
		})
		if err != nil {
			s.log.Debug("certificate attributes unreadable", "error", err)
			continue
		}
		var value, id []byte
		var label string
		for _, a := range attrs {
			switch a.Type {
			case pkcs11.CKA_VALUE:
				value = a.Value
			case pkcs11.CKA_ID:
				id = a.Value
			case pkcs11.CKA_LABEL:
				label = string(a.Value)
			}
		}
		cert, err := x509.ParseCertificate(value)
		if err != nil {
			s.log.Debug("skipping unparsable certificate", "label", label, "error", err)
			continue
		}
		out = append(out, &Certificate{
			Token:       s.token,
			Certificate: cert,
			ID:          id,
			Label:       label,
			HasKey:      len(id) > 0 && keyIDs[string(id)],
		})
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].HasKey != out[j].HasKey {
			return out[i].HasKey
		}
		if c := bytes.Compare(out[i].ID, out[j].ID); c != 0 {
			return c < 0
		}
		return out[i].Label < out[j].Label
	})
	return out, nil
}

func (s *Session) privateKeyIDs() (map[string]bool, error) {
	c := s.token.Slot.Module.ctx
	handles, err := s.findObjects([]*pkcs11.Attribute{
		pkcs11.NewAttribute(pkcs11.CKA_CLASS, pkcs11.CKO_PRIVATE_KEY),
	})
	if err != nil {
		return nil, err
	}
	ids := make(map[string]bool)
	for _, h := range handles {
		attrs, err := c.GetAttributeValue(s.handle, h, []*pkcs11.Attribute{
			pkcs11.NewAttribute(pkcs11.CKA_ID, nil),
		})
		if err != nil || len(attrs) == 0 {
			continue
		}
		ids[string(attrs[0].Value)] = true
	}
	return ids, nil
}

// Chain returns the issuers of cert found on the token, nearest first.
func (s *Session) Chain(cert *Certificate) ([]*x509.Certificate, error) {
	all, err := s.Certificates()
	if err != nil {
		return nil, err
	}
	pool := make([]*x509.Certificate, 0, len(all))
	for _, c := range all {
		pool = append(pool, c.Certificate)
	}
	return IssuerChain(cert.Certificate, pool), nil
}

// IssuerChain walks issuers of leaf through pool, stopping at a
// self-signed certificate or when no issuer is found.
func IssuerChain(leaf *x509.Certificate, pool []*x509.Certificate) []*x509.Certificate {
	var chain []*x509.Certificate
	cur := leaf
	seen := map[string]bool{string(leaf.Raw): true}
	for {
		if bytes.Equal(cur.RawIssuer, cur.RawSubject) {
			return chain
		}
		var next *x509.Certificate
		for _, c := range pool {
			if seen[string(c.Raw)] || !bytes.Equal(c.RawSubject, cur.RawIssuer) {
				continue
			}
			if cur.CheckSignatureFrom(c) == nil {
				next = c
				break
			}
		}
		if next == nil {
			return chain
		}
		seen[string(next.Raw)] = true
		chain = append(chain, next)
		cur = next
	}
}

// Sign signs message with the private key matching cert. The digest h
// must be the one HashFor returns for the certificate key.
func (s *Session) Sign(ctx context.Context, cert *Certificate, message []byte, h crypto.Hash) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check(); err != nil {
		return nil, err
	}

	op, err := selectOperation(cert.Certificate.PublicKey, h, s.raw)
	if err != nil {
		return nil, err
	}
	key, err := s.keyHandle(cert)
	if err != nil {
		return nil, err
	}
	data := message
	if op.pre != nil {
		if data, err = op.pre(message); err != nil {
			return nil, err
		}
	}

	c := s.token.Slot.Module.ctx
	if err := c.SignInit(s.handle, []*pkcs11.Mechanism{pkcs11.NewMechanism(op.mechanism, nil)}, key); err != nil {
		return nil, s.signError(err)
	}
	sig, err := c.Sign(s.handle, data)
	if err != nil {
		return nil, s.signError(err)
	}
	if op.post != nil {
		if sig, err = op.post(sig); err != nil {
			return nil, err
		}
	}
	s.log.Debug("token signature produced", "token", s.token.Label, "mechanism", fmt.Sprintf("0x%x", op.mechanism))
	return sig, nil
}

func (s *Session) signError(err error) error {
	if isRemoval(err) {
		return fmt.Errorf("%w: %s: %v", ErrStaleHandle, s.token, err)
	}
	return fmt.Errorf("%w: %v", ErrSignFailed, err)
}

// keyHandle finds the private key by CKA_ID, falling back to the label.
func (s *Session) keyHandle(cert *Certificate) (pkcs11.ObjectHandle, error) {
	var templates [][]*pkcs11.Attribute
	if len(cert.ID) > 0 {
		templates = append(templates, []*pkcs11.Attribute{
			pkcs11.NewAttribute(pkcs11.CKA_CLASS, pkcs11.CKO_PRIVATE_KEY),
			pkcs11.NewAttribute(pkcs11.CKA_ID, cert.ID),
		})
	}
	if cert.Label != "" {
		templates = append(templates, []*pkcs11.Attribute{
			pkcs11.NewAttribute(pkcs11.CKA_CLASS, pkcs11.CKO_PRIVATE_KEY),
			pkcs11.NewAttribute(pkcs11.CKA_LABEL, cert.Label),
		})
	}
	for _, tmpl := range templates {
		handles, err := s.findObjects(tmpl)
		if err != nil {
			return 0, err
		}
		if len(handles) > 0 {
			return handles[0], nil
		}
	}
	return 0, fmt.Errorf("%w: id=%x label=%q", ErrNoKey, cert.ID, cert.Label)
}

func (s *Session) findObjects(tmpl []*pkcs11.Attribute) ([]pkcs11.ObjectHandle, error) {
	c := s.token.Slot.Module.ctx
	if err := c.FindObjectsInit(s.handle, tmpl); err != nil {
		return nil, s.findError(err)
	}
	var out []pkcs11.ObjectHandle
	for {
		batch, _, err := c.FindObjects(s.handle, 16)
		if err != nil {
			_ = c.FindObjectsFinal(s.handle)
			return nil, s.findError(err)
		}
		if len(batch) == 0 {
			break
		}
		out = append(out, batch...)
	}
	if err := c.FindObjectsFinal(s.handle); err != nil {
		return nil, s.findError(err)
	}
	return out, nil
}

func (s *Session) findError(err error) error {
	if isRemoval(err) {
		return fmt.Errorf("%w: %s: %v", ErrStaleHandle, s.token, err)
	}
	return fmt.Errorf("find objects: %w", err)
}

// FindCertificate returns the certificate matching id or label. With both
// empty the first key-backed certificate is returned.
func (s *Session) FindCertificate(id []byte, label string) (*Certificate, error) {
	certs, err := s.Certificates()
	if err != nil {
		return nil, err
	}
	for _, c := range certs {
		switch {
		case len(id) > 0:
			if bytes.Equal(c.ID, id) {
				return c, nil
			}
		case label != "":
			if c.Label == label {
				return c, nil
			}
		case c.HasKey:
			return c, nil
		}
	}
	return nil, fmt.Errorf("%w: id=%x label=%q", ErrNoCertificate, id, label)
}
