package token

import (
	"log/slog"
	"sync"
)

// PIN holds a user PIN in a private buffer that Destroy zeroes.
// It formats and logs as a redacted placeholder.
type PIN struct {
	mu  sync.Mutex
	buf []byte
}

// NewPIN copies b into a new PIN. The caller may wipe b afterwards.
func NewPIN(b []byte) *PIN {
	buf := make([]byte, len(b))
	copy(buf, b)
	return &PIN{buf: buf}
}

// Empty reports whether the PIN has no content or was destroyed.
func (p *PIN) Empty() bool {
	if p == nil {
		return true
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.buf) == 0
}

// Destroy zeroes the buffer. Safe to call more than once.
func (p *PIN) Destroy() {
	if p == nil {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	for i := range p.buf {
		p.buf[i] = 0
	}
	p.buf = nil
}

func (p *PIN) String() string { return "[REDACTED]" }

func (p *PIN) GoString() string { return "token.PIN{[REDACTED]}" }

// LogValue implements slog.LogValuer.
func (p *PIN) LogValue() slog.Value { return slog.StringValue("[REDACTED]") }

// use passes the PIN to fn. The string handed to the vendor library is the
// only copy made.
func (p *PIN) use(fn func(pin string) error) error {
	if p == nil {
		return fn("")
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return fn(string(p.buf))
}
