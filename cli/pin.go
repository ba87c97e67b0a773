package cli

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"os"

	"github.com/georgepadayatti/gopades/sign/token"
)

// pinReader reads the PIN from an environment variable or, when none is
// named, one line of stdin. PINs are never accepted as flag values. The
// environment holds a single PIN, so it is handed out once.
type pinReader struct {
	env   string
	stdin *bufio.Reader
	out   io.Writer
	used  bool
}

func (a *app) pinReader(env string) *pinReader {
	return &pinReader{env: env, stdin: bufio.NewReader(a.stdin), out: a.stderr}
}

func (p *pinReader) read(context.Context) (*token.PIN, error) {
	if p.env != "" {
		if p.used {
			return nil, fmt.Errorf("PIN from %s was rejected", p.env)
		}
		p.used = true
		v, ok := os.LookupEnv(p.env)
		if !ok || v == "" {
			return nil, fmt.Errorf("environment variable %s is not set", p.env)
		}
		return token.NewPIN([]byte(v)), nil
	}
	fmt.Fprint(p.out, "PIN: ")
	line, err := p.stdin.ReadBytes('\n')
	if err != nil && (err != io.EOF || len(line) == 0) {
		return nil, fmt.Errorf("read PIN from stdin: %w", err)
	}
	line = bytes.TrimRight(line, "\r\n")
	if len(line) == 0 {
		return nil, fmt.Errorf("empty PIN")
	}
	pin := token.NewPIN(line)
	for i := range line {
		line[i] = 0
	}
	return pin, nil
}
