package fields

import (
	"errors"
	"testing"
	"time"

	"github.com/georgepadayatti/gopades/pdf/generic"
	"github.com/georgepadayatti/gopades/pdf/pdftest"
	"github.com/georgepadayatti/gopades/pdf/reader"
	"github.com/georgepadayatti/gopades/pdf/writer"
)

func TestDefaultName(t *testing.T) {
	at := time.Unix(1700000000, 0)
	if got := DefaultName(at); got != "Signature_1700000000" {
		t.Errorf("DefaultName = %q", got)
	}
}

func TestUniqueName(t *testing.T) {
	existing := map[string]bool{"Signature_1": true, "Signature_1_2": true, "Other": true}
	tests := []struct {
		base string
		want string
	}{
		{"Signature_9", "Signature_9"},
		{"Signature_1", "Signature_1_3"},
		{"Other", "Other_2"},
	}
	for _, tt := range tests {
		if got := UniqueName(tt.base, existing); got != tt.want {
			t.Errorf("UniqueName(%q) = %q, want %q", tt.base, got, tt.want)
		}
	}
}

func TestParseSubFilter(t *testing.T) {
	tests := []struct {
		in      string
		want    SubFilter
		wantErr bool
	}{
		{"", SubFilterETSICAdESDetached, false},
		{"ETSI.CAdES.detached", SubFilterETSICAdESDetached, false},
		{"adbe.pkcs7.detached", SubFilterAdobePKCS7Detached, false},
		{"adbe.pkcs7.sha1", "", true},
	}
	for _, tt := range tests {
		got, err := ParseSubFilter(tt.in)
		if tt.wantErr {
			if !errors.Is(err, ErrInvalidFieldSpec) {
				t.Errorf("ParseSubFilter(%q) err = %v", tt.in, err)
			}
			continue
		}
		if err != nil || got != tt.want {
			t.Errorf("ParseSubFilter(%q) = %q, %v", tt.in, got, err)
		}
	}
}

func TestCreateSignatureFieldValidation(t *testing.T) {
	if _, err := CreateSignatureField(&SigFieldSpec{Page: generic.NewReference(3, 0)}, generic.Reference{}); !errors.Is(err, ErrInvalidFieldSpec) {
		t.Errorf("missing name: %v", err)
	}
	if _, err := CreateSignatureField(&SigFieldSpec{SigFieldName: "S"}, generic.Reference{}); !errors.Is(err, ErrInvalidFieldSpec) {
		t.Errorf("missing page: %v", err)
	}
}

func TestEnsureSigFlags(t *testing.T) {
	form := generic.NewDictionary()
	form.Set("SigFlags", generic.IntegerObject(1))
	EnsureSigFlags(form, SigFlagAppendOnly)
	if v, _ := form.GetInt("SigFlags"); v != 3 {
		t.Errorf("SigFlags = %d, want 3", v)
	}
}

func addField(t *testing.T, doc []byte, spec *SigFieldSpec) []byte {
	t.Helper()
	r, err := reader.NewPdfFileReaderFromBytes(doc)
	if err != nil {
		t.Fatal(err)
	}
	page, err := r.Page(0)
	if err != nil {
		t.Fatal(err)
	}
	spec.Page = page.Ref
	w := writer.NewIncrementalPdfFileWriter(r)
	sig := generic.NewDictionary()
	sig.Set("Type", generic.NameObject("Sig"))
	if _, err := AddSignatureField(w, spec, w.AddObject(sig)); err != nil {
		t.Fatalf("AddSignatureField: %v", err)
	}
	out, err := w.Write()
	if err != nil {
		t.Fatal(err)
	}
	return out
}

func TestAddSignatureField(t *testing.T) {
	doc := pdftest.Minimal()
	first := addField(t, doc, &SigFieldSpec{SigFieldName: "Signature_1"})

	ap := generic.NewStream(nil, []byte("q Q"))
	second := addField(t, first, &SigFieldSpec{
		SigFieldName: "Signature_2",
		Box:          generic.Rectangle{LLX: 10, LLY: 10, URX: 110, URY: 60},
		Appearance:   ap,
	})

	r, err := reader.NewPdfFileReaderFromBytes(second)
	if err != nil {
		t.Fatal(err)
	}
	sigs, err := r.EmbeddedSignatures()
	if err != nil {
		t.Fatal(err)
	}
	if len(sigs) != 2 || sigs[0].FieldName != "Signature_1" || sigs[1].FieldName != "Signature_2" {
		t.Fatalf("signatures = %d", len(sigs))
	}
	if v, _ := r.AcroForm().GetInt("SigFlags"); v != 3 {
		t.Errorf("SigFlags = %d", v)
	}
	if sigs[0].Field.Has("AP") {
		t.Error("invisible field has an appearance")
	}
	apDict := r.ResolveDict(sigs[1].Field.Get("AP"))
	if apDict == nil || apDict.Get("N") == nil {
		t.Error("visible field lacks /AP /N")
	}

	page, err := r.Page(0)
	if err != nil {
		t.Fatal(err)
	}
	if annots := r.ResolveArray(page.Dict.Get("Annots")); len(annots) != 2 {
		t.Errorf("page annotations = %d, want 2", len(annots))
	}
}
