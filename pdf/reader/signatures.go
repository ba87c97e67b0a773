package reader

import (
	"fmt"
	"strings"

	"github.com/georgepadayatti/gopades/pdf/generic"
)

// Field is a terminal AcroForm field.
type Field struct {
	Name string // fully qualified name
	Ref  generic.Reference
	Dict *generic.DictionaryObject
	Type string // inherited /FT
}

// EmbeddedSignature is a signature field whose /V holds a signature dictionary.
type EmbeddedSignature struct {
	FieldName string
	FieldRef  generic.Reference
	SigRef    generic.Reference
	Field     *generic.DictionaryObject
	Dict      *generic.DictionaryObject
	ByteRange [4]int64
	Contents  []byte
}

// AcroForm returns the interactive form dictionary, or nil.
func (r *PdfFileReader) AcroForm() *generic.DictionaryObject {
	cat, err := r.Catalog()
	if err != nil {
		return nil
	}
	return r.ResolveDict(cat.Get("AcroForm"))
}

// Fields returns every terminal field of the AcroForm in tree order.
func (r *PdfFileReader) Fields() ([]Field, error) {
	form := r.AcroForm()
	if form == nil {
		return nil, nil
	}
	var out []Field
	visited := make(map[int]bool)
	var walk func(obj generic.PdfObject, prefix, ft string) error
	walk = func(obj generic.PdfObject, prefix, ft string) error {
		ref, _ := obj.(generic.Reference)
		if !ref.IsZero() {
			if visited[ref.ObjectNumber] {
				return fmt.Errorf("%w: cycle in field tree at %v", ErrXRef, ref)
			}
			visited[ref.ObjectNumber] = true
		}
		dict := r.ResolveDict(obj)
		if dict == nil {
			return nil
		}
		name := prefix
		if t := generic.TextOf(dict.Get("T")); t != "" {
			if name != "" {
				name += "."
			}
			name += t
		}
		if v := dict.GetName("FT"); v != "" {
			ft = v
		}
		var kids []generic.PdfObject
		for _, kid := range r.ResolveArray(dict.Get("Kids")) {
			// Kids without /T are widget annotations of this field.
			if kd := r.ResolveDict(kid); kd != nil && kd.Has("T") {
				kids = append(kids, kid)
			}
		}
		if len(kids) == 0 {
			out = append(out, Field{Name: name, Ref: ref, Dict: dict, Type: ft})
			return nil
		}
		for _, kid := range kids {
			if err := walk(kid, name, ft); err != nil {
				return err
			}
		}
		return nil
	}
	for _, f := range r.ResolveArray(form.Get("Fields")) {
		if err := walk(f, "", ""); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// FieldNames returns the set of fully qualified field names.
func (r *PdfFileReader) FieldNames() map[string]bool {
	names := make(map[string]bool)
	fields, _ := r.Fields()
	for _, f := range fields {
		names[f.Name] = true
	}
	return names
}

// SignatureFields returns all fields of type /Sig, signed or not.
func (r *PdfFileReader) SignatureFields() ([]Field, error) {
	fields, err := r.Fields()
	if err != nil {
		return nil, err
	}
	var out []Field
	for _, f := range fields {
		if f.Type == "Sig" {
			out = append(out, f)
		}
	}
	return out, nil
}

// EmbeddedSignatures returns the signature fields that carry a value, in
// the order they appear in the field tree.
func (r *PdfFileReader) EmbeddedSignatures() ([]*EmbeddedSignature, error) {
	fields, err := r.SignatureFields()
	if err != nil {
		return nil, err
	}
	var sigs []*EmbeddedSignature
	for _, f := range fields {
		v := f.Dict.Get("V")
		sigDict := r.ResolveDict(v)
		if sigDict == nil {
			continue
		}
		sig := &EmbeddedSignature{
			FieldName: f.Name,
			FieldRef:  f.Ref,
			Field:     f.Dict,
			Dict:      sigDict,
		}
		sig.SigRef, _ = v.(generic.Reference)
		if br := r.ResolveArray(sigDict.Get("ByteRange")); len(br) == 4 {
			for i, item := range br {
				n, _ := item.(generic.IntegerObject)
				sig.ByteRange[i] = int64(n)
			}
		}
		if s, ok := sigDict.Get("Contents").(*generic.StringObject); ok {
			sig.Contents = s.Value
		}
		sigs = append(sigs, sig)
	}
	return sigs, nil
}

// SignedData returns the bytes covered by the signature's byte range.
func (e *EmbeddedSignature) SignedData(data []byte) ([]byte, error) {
	a, b, c, d := e.ByteRange[0], e.ByteRange[1], e.ByteRange[2], e.ByteRange[3]
	if a < 0 || b < 0 || c < a+b || d < 0 || c+d > int64(len(data)) {
		return nil, fmt.Errorf("invalid byte range %v for %d bytes", e.ByteRange, len(data))
	}
	out := make([]byte, 0, b+d)
	out = append(out, data[a:a+b]...)
	return append(out, data[c:c+d]...), nil
}

// SubFilter returns the /SubFilter name.
func (e *EmbeddedSignature) SubFilter() string { return e.Dict.GetName("SubFilter") }

// Reason returns the /Reason text.
func (e *EmbeddedSignature) Reason() string { return generic.TextOf(e.Dict.Get("Reason")) }

// IsDocTimeStamp reports whether this is a document timestamp rather than a signature.
func (e *EmbeddedSignature) IsDocTimeStamp() bool {
	return e.Dict.GetName("Type") == "DocTimeStamp" || strings.EqualFold(e.SubFilter(), "ETSI.RFC3161")
}
