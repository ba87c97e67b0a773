// Package mdp decides and records DocMDP certification permissions.
package mdp

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/georgepadayatti/gopades/logging"
	"github.com/georgepadayatti/gopades/pdf/generic"
	"github.com/georgepadayatti/gopades/pdf/reader"
	"github.com/georgepadayatti/gopades/pdf/writer"
)

var (
	ErrAlreadyCertified = errors.New("document is already certified")
	ErrPermissionDenied = errors.New("change not permitted by certification")
	ErrUnknownPolicy    = errors.New("unknown certification policy")
)

// Policy is the certification requested for a new signature. PolicyNone
// makes an approval signature.
type Policy int

const (
	PolicyNone Policy = iota
	PolicyNoChanges
	PolicyFormFilling
	PolicyFormFillingAndAnnotations
)

var policyNames = map[Policy]string{
	PolicyNone:                      "none",
	PolicyNoChanges:                 "signing_only",
	PolicyFormFilling:               "form_fill",
	PolicyFormFillingAndAnnotations: "annotations",
}

func (p Policy) String() string {
	if s, ok := policyNames[p]; ok {
		return s
	}
	return fmt.Sprintf("Policy(%d)", int(p))
}

// ParsePolicy accepts the names printed by String. "no_changes" is an alias
// of "signing_only" and the empty string means none.
func ParsePolicy(s string) (Policy, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	switch s {
	case "":
		return PolicyNone, nil
	case "no_changes":
		return PolicyNoChanges, nil
	}
	for p, name := range policyNames {
		if name == s {
			return p, nil
		}
	}
	return PolicyNone, fmt.Errorf("%w: %q", ErrUnknownPolicy, s)
}

// MarshalText implements encoding.TextMarshaler.
func (p Policy) MarshalText() ([]byte, error) { return []byte(p.String()), nil }

// UnmarshalText implements encoding.TextUnmarshaler.
func (p *Policy) UnmarshalText(b []byte) error {
	v, err := ParsePolicy(string(b))
	if err != nil {
		return err
	}
	*p = v
	return nil
}

// P returns the /P value of the policy, 0 for PolicyNone.
func (p Policy) P() int { return int(p) }

// State is the certification level of a document.
type State int

const (
	Uncertified State = iota
	CertifiedLevel1
	CertifiedLevel2
	CertifiedLevel3
)

func (s State) String() string {
	if s == Uncertified {
		return "uncertified"
	}
	return fmt.Sprintf("certified (P=%d)", int(s))
}

// Certified reports whether s is one of the certified levels.
func (s State) Certified() bool { return s != Uncertified }

// Change is a kind of modification made after certification.
type Change int

const (
	ChangeSignature Change = iota
	ChangeFormFill
	ChangeAnnotation
	ChangeContent
)

func (c Change) String() string {
	switch c {
	case ChangeSignature:
		return "signature"
	case ChangeFormFill:
		return "form fill"
	case ChangeAnnotation:
		return "annotation"
	}
	return "content"
}

// Permits reports whether a document in state s accepts change c.
func Permits(s State, c Change) bool {
	switch s {
	case Uncertified:
		return true
	case CertifiedLevel1:
		return c == ChangeSignature
	case CertifiedLevel2:
		return c == ChangeSignature || c == ChangeFormFill
	case CertifiedLevel3:
		return c != ChangeContent
	}
	return false
}

// Decision is the outcome of planning a new signature.
type Decision struct {
	// Certify is set when the signature becomes the certification signature.
	Certify bool
	// Policy is the applied policy, PolicyNone for approval signatures.
	Policy   Policy
	Warnings []string
}

// Controller plans certification for new signatures.
type Controller struct {
	log *slog.Logger
}

// NewController creates a controller.
func NewController() *Controller { return &Controller{log: logging.Discard()} }

// WithLogger sets the logger.
func (c *Controller) WithLogger(l *slog.Logger) *Controller {
	c.log = logging.OrDiscard(l)
	return c
}

// Plan decides how a signature requesting policy is applied to a document in
// state with priorSignatures existing signatures. Only an uncertified,
// unsigned document can be certified; a signed one gets an approval
// signature and a warning instead.
func (c *Controller) Plan(state State, requested Policy, priorSignatures int) (Decision, error) {
	if state.Certified() {
		if requested != PolicyNone {
			return Decision{}, fmt.Errorf("%w: %s", ErrAlreadyCertified, state)
		}
		if !Permits(state, ChangeSignature) {
			return Decision{}, fmt.Errorf("%w: %s after %s", ErrPermissionDenied, ChangeSignature, state)
		}
		return Decision{Policy: PolicyNone}, nil
	}
	if requested == PolicyNone {
		return Decision{Policy: PolicyNone}, nil
	}
	if priorSignatures > 0 {
		w := fmt.Sprintf("document already carries %d signature(s); %s certification applied as approval signature",
			priorSignatures, requested)
		c.log.Warn("certification downgraded", "policy", requested.String(), "signatures", priorSignatures)
		return Decision{Policy: PolicyNone, Warnings: []string{w}}, nil
	}
	return Decision{Certify: true, Policy: requested}, nil
}

// Check returns ErrPermissionDenied when state forbids change.
func Check(state State, change Change) error {
	if Permits(state, change) {
		return nil
	}
	return fmt.Errorf("%w: %s after %s", ErrPermissionDenied, change, state)
}

// ReadState reads the certification level from the catalog's
// /Perms /DocMDP signature. A missing /P means level 2.
func ReadState(r *reader.PdfFileReader) (State, error) {
	cat, err := r.Catalog()
	if err != nil {
		return Uncertified, err
	}
	perms := r.ResolveDict(cat.Get("Perms"))
	if perms == nil {
		return Uncertified, nil
	}
	sig := r.ResolveDict(perms.Get("DocMDP"))
	if sig == nil {
		return Uncertified, nil
	}
	for _, item := range r.ResolveArray(sig.Get("Reference")) {
		ref := r.ResolveDict(item)
		if ref == nil || ref.GetName("TransformMethod") != "DocMDP" {
			continue
		}
		p := int64(2)
		if params := r.ResolveDict(ref.Get("TransformParams")); params != nil {
			if v, ok := params.GetInt("P"); ok {
				p = v
			}
		}
		if p < 1 || p > 3 {
			return Uncertified, fmt.Errorf("%w: DocMDP /P %d", ErrUnknownPolicy, p)
		}
		return State(p), nil
	}
	return CertifiedLevel2, nil
}

// ReferenceDictionary builds the DocMDP signature reference dictionary.
func ReferenceDictionary(p Policy) *generic.DictionaryObject {
	params := generic.NewDictionary()
	params.Set("Type", generic.NameObject("TransformParams"))
	params.Set("V", generic.NameObject("1.2"))
	params.Set("P", generic.IntegerObject(p.P()))

	ref := generic.NewDictionary()
	ref.Set("Type", generic.NameObject("SigRef"))
	ref.Set("TransformMethod", generic.NameObject("DocMDP"))
	ref.Set("TransformParams", params)
	return ref
}

// Apply turns the signature dictionary behind sigRef into the certification
// signature for p: it sets /Reference on sig and catalog /Perms /DocMDP.
func Apply(w *writer.IncrementalPdfFileWriter, sig *generic.DictionaryObject, sigRef generic.Reference, p Policy) error {
	if p == PolicyNone {
		return nil
	}
	sig.Set("Reference", generic.NewArray(ReferenceDictionary(p)))
	cat, err := w.Catalog()
	if err != nil {
		return err
	}
	perms := generic.NewDictionary()
	if existing, err := w.Resolve(cat.Get("Perms")); err == nil {
		if d, ok := existing.(*generic.DictionaryObject); ok {
			perms = generic.Clone(d).(*generic.DictionaryObject)
		}
	}
	perms.Set("DocMDP", sigRef)
	cat.Set("Perms", perms)
	return nil
}
