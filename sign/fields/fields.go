// Package fields creates signature form fields in incremental updates.
package fields

import (
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/georgepadayatti/gopades/pdf/generic"
	"github.com/georgepadayatti/gopades/pdf/writer"
)

// Common errors
var (
	ErrInvalidFieldSpec = errors.New("invalid signature field specification")
	ErrFieldExists      = errors.New("signature field name already in use")
)

// SubFilter is a signature dictionary /SubFilter value.
type SubFilter string

const (
	SubFilterAdobePKCS7Detached SubFilter = "adbe.pkcs7.detached"
	SubFilterETSICAdESDetached  SubFilter = "ETSI.CAdES.detached"
)

// ParseSubFilter accepts the two detached sub-filters. The empty string
// selects ETSI.CAdES.detached.
func ParseSubFilter(s string) (SubFilter, error) {
	switch SubFilter(s) {
	case "", SubFilterETSICAdESDetached:
		return SubFilterETSICAdESDetached, nil
	case SubFilterAdobePKCS7Detached:
		return SubFilterAdobePKCS7Detached, nil
	}
	return "", fmt.Errorf("%w: sub-filter %q", ErrInvalidFieldSpec, s)
}

// SigFlags values for the AcroForm.
const (
	SigFlagSignaturesExist = 1
	SigFlagAppendOnly      = 2
)

// Annotation flags: Print and Locked.
const widgetFlags = 4 | 128

// DefaultName returns Signature_<unix seconds of t>.
func DefaultName(t time.Time) string {
	return "Signature_" + strconv.FormatInt(t.Unix(), 10)
}

// UniqueName returns base, or base with the first free _2, _3 ... suffix
// when base is taken.
func UniqueName(base string, existing map[string]bool) string {
	if !existing[base] {
		return base
	}
	for i := 2; ; i++ {
		name := base + "_" + strconv.Itoa(i)
		if !existing[name] {
			return name
		}
	}
}

// SigFieldSpec specifies a signature field to create.
type SigFieldSpec struct {
	// SigFieldName is the partial field name.
	SigFieldName string

	// Page is the page dictionary the widget is attached to.
	Page generic.Reference

	// Box is the widget rectangle; the zero rectangle makes the signature invisible.
	Box generic.Rectangle

	// Appearance is the normal appearance stream of visible signatures.
	Appearance *generic.StreamObject
}

// Visible reports whether the field has an area on the page.
func (s *SigFieldSpec) Visible() bool {
	return s.Box.Width() > 0 && s.Box.Height() > 0
}

// CreateSignatureField builds the merged field and widget dictionary with
// /V pointing at sigRef.
func CreateSignatureField(spec *SigFieldSpec, sigRef generic.Reference) (*generic.DictionaryObject, error) {
	if spec.SigFieldName == "" {
		return nil, fmt.Errorf("%w: field name is required", ErrInvalidFieldSpec)
	}
	if spec.Page.IsZero() {
		return nil, fmt.Errorf("%w: page is required", ErrInvalidFieldSpec)
	}

	field := generic.NewDictionary()
	field.Set("Type", generic.NameObject("Annot"))
	field.Set("Subtype", generic.NameObject("Widget"))
	field.Set("FT", generic.NameObject("Sig"))
	field.Set("T", generic.NewTextString(spec.SigFieldName))
	field.Set("F", generic.IntegerObject(widgetFlags))
	field.Set("P", spec.Page)
	field.Set("Rect", spec.Box.ToArray())
	if !sigRef.IsZero() {
		field.Set("V", sigRef)
	}
	return field, nil
}

// AddSignatureField writes a signature field to the pending revision: the
// field object, its appearance, the page /Annots entry and the AcroForm
// /Fields entry with SigFlags 3.
func AddSignatureField(w *writer.IncrementalPdfFileWriter, spec *SigFieldSpec, sigRef generic.Reference) (generic.Reference, error) {
	field, err := CreateSignatureField(spec, sigRef)
	if err != nil {
		return generic.Reference{}, err
	}
	if spec.Visible() && spec.Appearance != nil {
		ap := generic.NewDictionary()
		ap.Set("N", w.AddObject(spec.Appearance))
		field.Set("AP", ap)
	}
	fieldRef := w.AddObject(field)

	page, err := w.EditDict(spec.Page)
	if err != nil {
		return generic.Reference{}, fmt.Errorf("page %v: %w", spec.Page, err)
	}
	annots, err := resolveArray(w, page.Get("Annots"))
	if err != nil {
		return generic.Reference{}, err
	}
	page.Set("Annots", append(annots, fieldRef))

	cat, err := w.Catalog()
	if err != nil {
		return generic.Reference{}, err
	}
	form, err := editForm(w, cat)
	if err != nil {
		return generic.Reference{}, err
	}
	list, err := resolveArray(w, form.Get("Fields"))
	if err != nil {
		return generic.Reference{}, err
	}
	form.Set("Fields", append(list, fieldRef))
	EnsureSigFlags(form, SigFlagSignaturesExist|SigFlagAppendOnly)
	return fieldRef, nil
}

// editForm returns an editable AcroForm, registering it with the writer.
func editForm(w *writer.IncrementalPdfFileWriter, cat *generic.DictionaryObject) (*generic.DictionaryObject, error) {
	switch v := cat.Get("AcroForm").(type) {
	case generic.Reference:
		return w.EditDict(v)
	case *generic.DictionaryObject:
		return v, nil
	}
	form := generic.NewDictionary()
	cat.Set("AcroForm", form)
	return form, nil
}

func resolveArray(w *writer.IncrementalPdfFileWriter, obj generic.PdfObject) (generic.ArrayObject, error) {
	if obj == nil {
		return generic.ArrayObject{}, nil
	}
	resolved, err := w.Resolve(obj)
	if err != nil {
		return nil, err
	}
	arr, _ := resolved.(generic.ArrayObject)
	return append(generic.ArrayObject{}, arr...), nil
}

// EnsureSigFlags ensures proper SigFlags are set on the AcroForm.
func EnsureSigFlags(acroFormDict *generic.DictionaryObject, flags int) {
	currentFlags := 0
	if f, ok := acroFormDict.Get("SigFlags").(generic.IntegerObject); ok {
		currentFlags = int(f)
	}
	acroFormDict.Set("SigFlags", generic.IntegerObject(currentFlags|flags))
}
