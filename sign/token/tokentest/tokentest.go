// Package tokentest provides an in-memory PKCS#11 context for tests.
//
// Ctx implements the method set of token.Ctx with software keys. Objects are
// matched against search templates by comparing the encoded attribute bytes
// produced by pkcs11.NewAttribute, the same encoding the real library uses.
package tokentest

import (
	"bytes"
	"crypto"
	"crypto/ecdsa"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"fmt"
	"strings"
	"sync"

	"github.com/miekg/pkcs11"
)

// Identity is a certificate with its private key, stored on a token under
// a shared CKA_ID.
type Identity struct {
	ID    []byte
	Label string
	Cert  *x509.Certificate
	// Key is nil for certificates stored without a private key.
	Key crypto.Signer
}

// Token is a simulated device.
type Token struct {
	Label        string
	Serial       string
	Manufacturer string
	Model        string
	PIN          string
	// MaxAttempts locks the PIN after that many consecutive failures; zero
	// never locks.
	MaxAttempts      int
	Locked           bool
	ProtectedAuth    bool
	Identities       []Identity
	failedAttempts   int
	loggedInSessions int
}

// Slot is a simulated reader.
type Slot struct {
	ID          uint
	Description string
	Token       *Token
}

type object struct {
	attrs map[uint][]byte
	key   crypto.Signer
}

type session struct {
	slot     uint
	token    *Token
	loggedIn bool
	found    []pkcs11.ObjectHandle
	finding  bool
	signMech uint
	signKey  crypto.Signer
	signing  bool
}

// Ctx is the fake module.
type Ctx struct {
	mu sync.Mutex

	Slots []*Slot

	// InitializeErr is returned by Initialize when set.
	InitializeErr error
	// SignErr is returned by Sign when set.
	SignErr error

	Initialized bool
	Finalized   bool
	Destroyed   bool
	SignCalls   int
	LoginCalls  int
	Mechanisms  []uint

	sessions map[pkcs11.SessionHandle]*session
	objects  map[pkcs11.ObjectHandle]*object
	owner    map[pkcs11.ObjectHandle]*Token
	next     uint
}

// New creates a module exposing slots.
func New(slots ...*Slot) *Ctx {
	c := &Ctx{
		Slots:    slots,
		sessions: make(map[pkcs11.SessionHandle]*session),
		objects:  make(map[pkcs11.ObjectHandle]*object),
		owner:    make(map[pkcs11.ObjectHandle]*Token),
	}
	for _, s := range slots {
		if s.Token != nil {
			c.index(s.Token)
		}
	}
	return c
}

func (c *Ctx) index(t *Token) {
	for _, id := range t.Identities {
		c.next++
		c.objects[pkcs11.ObjectHandle(c.next)] = &object{attrs: attrMap(
			pkcs11.NewAttribute(pkcs11.CKA_CLASS, pkcs11.CKO_CERTIFICATE),
			pkcs11.NewAttribute(pkcs11.CKA_ID, id.ID),
			pkcs11.NewAttribute(pkcs11.CKA_LABEL, id.Label),
			pkcs11.NewAttribute(pkcs11.CKA_VALUE, id.Cert.Raw),
		)}
		c.owner[pkcs11.ObjectHandle(c.next)] = t
		if id.Key == nil {
			continue
		}
		c.next++
		c.objects[pkcs11.ObjectHandle(c.next)] = &object{
			attrs: attrMap(
				pkcs11.NewAttribute(pkcs11.CKA_CLASS, pkcs11.CKO_PRIVATE_KEY),
				pkcs11.NewAttribute(pkcs11.CKA_ID, id.ID),
				pkcs11.NewAttribute(pkcs11.CKA_LABEL, id.Label),
				pkcs11.NewAttribute(pkcs11.CKA_SIGN, true),
				pkcs11.NewAttribute(pkcs11.CKA_PRIVATE, true),
			),
			key: id.Key,
		}
		c.owner[pkcs11.ObjectHandle(c.next)] = t
	}
}

func attrMap(attrs ...*pkcs11.Attribute) map[uint][]byte {
	m := make(map[uint][]byte, len(attrs))
	for _, a := range attrs {
		m[a.Type] = a.Value
	}
	return m
}

// Remove pulls the token out of slot id.
func (c *Ctx) Remove(id uint) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if s := c.slot(id); s != nil {
		s.Token = nil
	}
}

// Insert puts t into slot id.
func (c *Ctx) Insert(id uint, t *Token) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if s := c.slot(id); s != nil {
		s.Token = t
		c.index(t)
	}
}

// OpenSessions returns the number of sessions not yet closed.
func (c *Ctx) OpenSessions() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.sessions)
}

func (c *Ctx) slot(id uint) *Slot {
	for _, s := range c.Slots {
		if s.ID == id {
			return s
		}
	}
	return nil
}

func (c *Ctx) Destroy() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Destroyed = true
}

func (c *Ctx) Initialize() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.InitializeErr != nil {
		return c.InitializeErr
	}
	if c.Initialized {
		return pkcs11.Error(pkcs11.CKR_CRYPTOKI_ALREADY_INITIALIZED)
	}
	c.Initialized = true
	return nil
}

func (c *Ctx) Finalize() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Finalized = true
	c.Initialized = false
	return nil
}

func (c *Ctx) GetSlotList(tokenPresent bool) ([]uint, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	var ids []uint
	for _, s := range c.Slots {
		if tokenPresent && s.Token == nil {
			continue
		}
		ids = append(ids, s.ID)
	}
	return ids, nil
}

func (c *Ctx) GetSlotInfo(slotID uint) (pkcs11.SlotInfo, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := c.slot(slotID)
	if s == nil {
		return pkcs11.SlotInfo{}, pkcs11.Error(pkcs11.CKR_SLOT_ID_INVALID)
	}
	info := pkcs11.SlotInfo{
		SlotDescription: pad(s.Description, 64),
		ManufacturerID:  pad("gopades", 32),
		Flags:           pkcs11.CKF_REMOVABLE_DEVICE | pkcs11.CKF_HW_SLOT,
	}
	if s.Token != nil {
		info.Flags |= pkcs11.CKF_TOKEN_PRESENT
	}
	return info, nil
}

func (c *Ctx) GetTokenInfo(slotID uint) (pkcs11.TokenInfo, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := c.slot(slotID)
	if s == nil {
		return pkcs11.TokenInfo{}, pkcs11.Error(pkcs11.CKR_SLOT_ID_INVALID)
	}
	t := s.Token
	if t == nil {
		return pkcs11.TokenInfo{}, pkcs11.Error(pkcs11.CKR_TOKEN_NOT_PRESENT)
	}
	flags := uint(pkcs11.CKF_LOGIN_REQUIRED | pkcs11.CKF_TOKEN_INITIALIZED | pkcs11.CKF_USER_PIN_INITIALIZED)
	if t.Locked {
		flags |= pkcs11.CKF_USER_PIN_LOCKED
	}
	if t.MaxAttempts > 0 && !t.Locked {
		switch left := t.MaxAttempts - t.failedAttempts; {
		case left == 1:
			flags |= pkcs11.CKF_USER_PIN_FINAL_TRY | pkcs11.CKF_USER_PIN_COUNT_LOW
		case t.failedAttempts > 0:
			flags |= pkcs11.CKF_USER_PIN_COUNT_LOW
		}
	}
	if t.ProtectedAuth {
		flags |= pkcs11.CKF_PROTECTED_AUTHENTICATION_PATH
	}
	return pkcs11.TokenInfo{
		Label:          pad(t.Label, 32),
		ManufacturerID: pad(t.Manufacturer, 32),
		Model:          pad(t.Model, 16),
		SerialNumber:   pad(t.Serial, 16),
		Flags:          flags,
	}, nil
}

func pad(s string, n int) string {
	if len(s) >= n {
		return s
	}
	return s + strings.Repeat(" ", n-len(s))
}

// sessionFor returns the session, failing when its token left the slot.
func (c *Ctx) sessionFor(sh pkcs11.SessionHandle) (*session, error) {
	s, ok := c.sessions[sh]
	if !ok {
		return nil, pkcs11.Error(pkcs11.CKR_SESSION_HANDLE_INVALID)
	}
	if sl := c.slot(s.slot); sl == nil || sl.Token != s.token {
		return nil, pkcs11.Error(pkcs11.CKR_DEVICE_REMOVED)
	}
	return s, nil
}

func (c *Ctx) OpenSession(slotID uint, flags uint) (pkcs11.SessionHandle, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := c.slot(slotID)
	if s == nil {
		return 0, pkcs11.Error(pkcs11.CKR_SLOT_ID_INVALID)
	}
	if s.Token == nil {
		return 0, pkcs11.Error(pkcs11.CKR_TOKEN_NOT_PRESENT)
	}
	if flags&pkcs11.CKF_SERIAL_SESSION == 0 {
		return 0, pkcs11.Error(pkcs11.CKR_SESSION_PARALLEL_NOT_SUPPORTED)
	}
	c.next++
	h := pkcs11.SessionHandle(c.next)
	c.sessions[h] = &session{slot: slotID, token: s.Token}
	return h, nil
}

func (c *Ctx) CloseSession(sh pkcs11.SessionHandle) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.sessions[sh]
	if !ok {
		return pkcs11.Error(pkcs11.CKR_SESSION_HANDLE_INVALID)
	}
	if s.loggedIn {
		s.token.loggedInSessions--
	}
	delete(c.sessions, sh)
	return nil
}

func (c *Ctx) Login(sh pkcs11.SessionHandle, userType uint, pin string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.LoginCalls++
	s, err := c.sessionFor(sh)
	if err != nil {
		return err
	}
	t := s.token
	if t.Locked {
		return pkcs11.Error(pkcs11.CKR_PIN_LOCKED)
	}
	if s.loggedIn {
		return pkcs11.Error(pkcs11.CKR_USER_ALREADY_LOGGED_IN)
	}
	if !(t.ProtectedAuth && pin == "") && pin != t.PIN {
		t.failedAttempts++
		if t.MaxAttempts > 0 && t.failedAttempts >= t.MaxAttempts {
			t.Locked = true
			return pkcs11.Error(pkcs11.CKR_PIN_LOCKED)
		}
		return pkcs11.Error(pkcs11.CKR_PIN_INCORRECT)
	}
	t.failedAttempts = 0
	s.loggedIn = true
	t.loggedInSessions++
	return nil
}

func (c *Ctx) Logout(sh pkcs11.SessionHandle) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, err := c.sessionFor(sh)
	if err != nil {
		return err
	}
	if !s.loggedIn {
		return pkcs11.Error(pkcs11.CKR_USER_NOT_LOGGED_IN)
	}
	s.loggedIn = false
	s.token.loggedInSessions--
	return nil
}

func (c *Ctx) GetAttributeValue(sh pkcs11.SessionHandle, o pkcs11.ObjectHandle, a []*pkcs11.Attribute) ([]*pkcs11.Attribute, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, err := c.sessionFor(sh)
	if err != nil {
		return nil, err
	}
	obj, ok := c.objects[o]
	if !ok || c.owner[o] != s.token {
		return nil, pkcs11.Error(pkcs11.CKR_OBJECT_HANDLE_INVALID)
	}
	out := make([]*pkcs11.Attribute, 0, len(a))
	for _, want := range a {
		v, ok := obj.attrs[want.Type]
		if !ok {
			return nil, pkcs11.Error(pkcs11.CKR_ATTRIBUTE_TYPE_INVALID)
		}
		out = append(out, &pkcs11.Attribute{Type: want.Type, Value: append([]byte(nil), v...)})
	}
	return out, nil
}

func (c *Ctx) FindObjectsInit(sh pkcs11.SessionHandle, temp []*pkcs11.Attribute) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, err := c.sessionFor(sh)
	if err != nil {
		return err
	}
	if s.finding {
		return pkcs11.Error(pkcs11.CKR_OPERATION_ACTIVE)
	}
	s.finding = true
	s.found = s.found[:0]
	for h := pkcs11.ObjectHandle(1); h <= pkcs11.ObjectHandle(c.next); h++ {
		obj, ok := c.objects[h]
		if !ok || c.owner[h] != s.token {
			continue
		}
		if obj.key != nil && !s.loggedIn {
			continue
		}
		if matches(obj, temp) {
			s.found = append(s.found, h)
		}
	}
	return nil
}

func matches(obj *object, temp []*pkcs11.Attribute) bool {
	for _, a := range temp {
		v, ok := obj.attrs[a.Type]
		if !ok || !bytes.Equal(v, a.Value) {
			return false
		}
	}
	return true
}

func (c *Ctx) FindObjects(sh pkcs11.SessionHandle, max int) ([]pkcs11.ObjectHandle, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, err := c.sessionFor(sh)
	if err != nil {
		return nil, false, err
	}
	if !s.finding {
		return nil, false, pkcs11.Error(pkcs11.CKR_OPERATION_NOT_INITIALIZED)
	}
	n := max
	if n > len(s.found) {
		n = len(s.found)
	}
	out := append([]pkcs11.ObjectHandle(nil), s.found[:n]...)
	s.found = s.found[n:]
	return out, len(s.found) > 0, nil
}

func (c *Ctx) FindObjectsFinal(sh pkcs11.SessionHandle) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, err := c.sessionFor(sh)
	if err != nil {
		return err
	}
	s.finding = false
	s.found = nil
	return nil
}

func (c *Ctx) SignInit(sh pkcs11.SessionHandle, m []*pkcs11.Mechanism, o pkcs11.ObjectHandle) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, err := c.sessionFor(sh)
	if err != nil {
		return err
	}
	if !s.loggedIn {
		return pkcs11.Error(pkcs11.CKR_USER_NOT_LOGGED_IN)
	}
	obj, ok := c.objects[o]
	if !ok || obj.key == nil || c.owner[o] != s.token {
		return pkcs11.Error(pkcs11.CKR_KEY_HANDLE_INVALID)
	}
	if len(m) != 1 {
		return pkcs11.Error(pkcs11.CKR_MECHANISM_INVALID)
	}
	s.signMech = m[0].Mechanism
	s.signKey = obj.key
	s.signing = true
	c.Mechanisms = append(c.Mechanisms, m[0].Mechanism)
	return nil
}

var mechanismHashes = map[uint]crypto.Hash{
	pkcs11.CKM_SHA1_RSA_PKCS:   crypto.SHA1,
	pkcs11.CKM_SHA224_RSA_PKCS: crypto.SHA224,
	pkcs11.CKM_SHA256_RSA_PKCS: crypto.SHA256,
	pkcs11.CKM_SHA384_RSA_PKCS: crypto.SHA384,
	pkcs11.CKM_SHA512_RSA_PKCS: crypto.SHA512,
	pkcs11.CKM_ECDSA_SHA1:      crypto.SHA1,
	pkcs11.CKM_ECDSA_SHA224:    crypto.SHA224,
	pkcs11.CKM_ECDSA_SHA256:    crypto.SHA256,
	pkcs11.CKM_ECDSA_SHA384:    crypto.SHA384,
	pkcs11.CKM_ECDSA_SHA512:    crypto.SHA512,
}

func (c *Ctx) Sign(sh pkcs11.SessionHandle, message []byte) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, err := c.sessionFor(sh)
	if err != nil {
		return nil, err
	}
	if !s.signing {
		return nil, pkcs11.Error(pkcs11.CKR_OPERATION_NOT_INITIALIZED)
	}
	s.signing = false
	c.SignCalls++
	if c.SignErr != nil {
		return nil, c.SignErr
	}

	data := message
	if h, ok := mechanismHashes[s.signMech]; ok {
		w := h.New()
		w.Write(message)
		data = w.Sum(nil)
	}
	switch k := s.signKey.(type) {
	case *rsa.PrivateKey:
		switch s.signMech {
		case pkcs11.CKM_RSA_PKCS:
			return rsa.SignPKCS1v15(rand.Reader, k, 0, data)
		default:
			h, ok := mechanismHashes[s.signMech]
			if !ok {
				return nil, pkcs11.Error(pkcs11.CKR_MECHANISM_INVALID)
			}
			return rsa.SignPKCS1v15(rand.Reader, k, h, data)
		}
	case *ecdsa.PrivateKey:
		if _, ok := mechanismHashes[s.signMech]; !ok && s.signMech != pkcs11.CKM_ECDSA {
			return nil, pkcs11.Error(pkcs11.CKR_MECHANISM_INVALID)
		}
		r, ss, err := ecdsa.Sign(rand.Reader, k, data)
		if err != nil {
			return nil, err
		}
		size := (k.Curve.Params().BitSize + 7) / 8
		out := make([]byte, 2*size)
		r.FillBytes(out[:size])
		ss.FillBytes(out[size:])
		return out, nil
	}
	return nil, fmt.Errorf("tokentest: unsupported key %T", s.signKey)
}
