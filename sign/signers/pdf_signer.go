package signers

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/georgepadayatti/gopades/logging"
	"github.com/georgepadayatti/gopades/pdf/extensions"
	"github.com/georgepadayatti/gopades/pdf/generic"
	"github.com/georgepadayatti/gopades/pdf/reader"
	"github.com/georgepadayatti/gopades/pdf/writer"
	"github.com/georgepadayatti/gopades/sign/appearance"
	"github.com/georgepadayatti/gopades/sign/cms"
	"github.com/georgepadayatti/gopades/sign/fields"
	"github.com/georgepadayatti/gopades/sign/mdp"
	"github.com/georgepadayatti/gopades/sign/timestamps"
)

// SignatureMetadata contains metadata for the signature dictionary. Empty
// strings are left out.
type SignatureMetadata struct {
	FieldName   string
	Reason      string
	Location    string
	ContactInfo string
	Name        string
	SubFilter   fields.SubFilter
}

// Options configures one signature.
type Options struct {
	Metadata SignatureMetadata
	// Appearance makes the signature visible; nil signs invisibly.
	Appearance *appearance.Descriptor
	// Certify makes this the certification signature with the given policy.
	Certify mdp.Policy
	// PlaceholderSize overrides the estimated /Contents size in bytes.
	PlaceholderSize int
	// Timestamper adds a signature timestamp when set.
	Timestamper Timestamper
}

// Result is a signed document.
type Result struct {
	Data        []byte
	FieldName   string
	SigningTime time.Time
	// Contents is the DER SignedData stored in /Contents.
	Contents  []byte
	Timestamp *timestamps.Token
	Layout    *writer.SignatureLayout
}

// PdfSigner signs PDF documents.
type PdfSigner struct {
	Signer Signer
	Clock  clockwork.Clock
	log    *slog.Logger
}

// NewPdfSigner creates a new PDF signer.
func NewPdfSigner(s Signer) *PdfSigner {
	return &PdfSigner{Signer: s, Clock: clockwork.NewRealClock(), log: logging.Discard()}
}

// WithClock sets the clock used for the signing time.
func (p *PdfSigner) WithClock(c clockwork.Clock) *PdfSigner {
	p.Clock = c
	return p
}

// WithLogger sets the logger.
func (p *PdfSigner) WithLogger(l *slog.Logger) *PdfSigner {
	p.log = logging.OrDiscard(l)
	return p
}

// Sign appends a signature to doc as an incremental update. doc itself is
// not modified.
func (p *PdfSigner) Sign(ctx context.Context, doc []byte, opts Options) (*Result, error) {
	r, err := reader.NewPdfFileReaderFromBytes(doc)
	if err != nil {
		return nil, err
	}
	subFilter, err := fields.ParseSubFilter(string(opts.Metadata.SubFilter))
	if err != nil {
		return nil, err
	}
	size, err := PlaceholderSize(p.Signer, opts.Timestamper != nil, opts.PlaceholderSize)
	if err != nil {
		return nil, err
	}

	now := p.Clock.Now()
	name := opts.Metadata.FieldName
	if name == "" {
		name = fields.DefaultName(now)
	}
	name = fields.UniqueName(name, r.FieldNames())

	w := writer.NewIncrementalPdfFileWriter(r)
	sig := p.signatureDictionary(opts.Metadata, subFilter, size, now)
	sigRef := w.AddObject(sig)

	spec, err := p.fieldSpec(r, name, now, opts)
	if err != nil {
		return nil, err
	}
	if _, err := fields.AddSignatureField(w, spec, sigRef); err != nil {
		return nil, err
	}
	if err := mdp.Apply(w, sig, sigRef, opts.Certify); err != nil {
		return nil, err
	}
	if subFilter == fields.SubFilterETSICAdESDetached {
		cat, err := w.Catalog()
		if err != nil {
			return nil, err
		}
		extensions.Register(cat, w.Resolve, extensions.ESIC)
	}

	data, err := w.Write()
	if err != nil {
		return nil, err
	}
	layout, err := writer.LocateSignature(data, w.Offsets()[sigRef.ObjectNumber])
	if err != nil {
		return nil, err
	}

	h := p.Signer.Hash()
	digest := layout.Digest(data, h.New())
	builder, err := cms.NewBuilder(p.Signer.Certificate(), h)
	if err != nil {
		return nil, err
	}
	builder.WithChain(p.Signer.Chain()).WithSigningTime(now)

	attrs, signed, err := builder.SignedAttributes(digest)
	if err != nil {
		return nil, err
	}
	value, err := p.Signer.SignMessage(ctx, signed)
	if err != nil {
		return nil, err
	}

	res := &Result{FieldName: name, SigningTime: now, Layout: layout}
	var unsigned []cms.Attribute
	if opts.Timestamper != nil {
		th := h.New()
		th.Write(value)
		tok, err := opts.Timestamper.Fetch(ctx, th.Sum(nil), h)
		if err != nil {
			return nil, err
		}
		res.Timestamp = tok
		unsigned = append(unsigned, cms.TimestampAttribute(tok.Raw))
	}

	der, err := builder.Assemble(attrs, value, unsigned)
	if err != nil {
		return nil, err
	}
	if err := writer.EmbedSignature(data, layout, der); err != nil {
		return nil, err
	}
	res.Data = data
	res.Contents = der

	p.log.Info("signature embedded", "field", name, "subfilter", string(subFilter),
		"der_bytes", len(der), "capacity", layout.Capacity(), "timestamped", res.Timestamp != nil)
	return res, nil
}

func (p *PdfSigner) signatureDictionary(m SignatureMetadata, subFilter fields.SubFilter, size int, now time.Time) *generic.DictionaryObject {
	sig := generic.NewDictionary()
	sig.Set("Type", generic.NameObject("Sig"))
	sig.Set("Filter", generic.NameObject(Filter))
	sig.Set("SubFilter", generic.NameObject(string(subFilter)))
	sig.Set("ByteRange", writer.ByteRangePlaceholder())
	sig.Set("Contents", writer.ContentsPlaceholder(size))
	sig.Set("M", generic.NewLiteralString(generic.FormatDate(now)))
	for _, e := range [][2]string{
		{"Name", m.Name},
		{"Reason", m.Reason},
		{"Location", m.Location},
		{"ContactInfo", m.ContactInfo},
	} {
		if v := generic.CleanText(e[1]); v != "" {
			sig.Set(e[0], generic.NewTextString(v))
		}
	}
	return sig
}

func (p *PdfSigner) fieldSpec(r *reader.PdfFileReader, name string, now time.Time, opts Options) (*fields.SigFieldSpec, error) {
	pages, err := r.Pages()
	if err != nil {
		return nil, err
	}
	if len(pages) == 0 {
		return nil, fmt.Errorf("%w: document has no pages", appearance.ErrPageOutOfRange)
	}
	spec := &fields.SigFieldSpec{SigFieldName: name, Page: pages[0].Ref}
	d := opts.Appearance
	if d == nil {
		return spec, nil
	}

	idx, err := d.PageIndex(len(pages))
	if err != nil {
		return nil, err
	}
	page := pages[idx]
	box, err := d.Rect(page.MediaBox)
	if err != nil {
		return nil, err
	}
	if len(d.Content) == 0 && len(d.Lines) == 0 {
		copied := *d
		signer := p.Signer.Certificate().Subject.CommonName
		copied.Lines = appearance.DefaultLines(signer, now,
			generic.CleanText(opts.Metadata.Reason), generic.CleanText(opts.Metadata.Location))
		d = &copied
	}
	spec.Page = page.Ref
	spec.Box = box
	spec.Appearance = d.Stream(box.Width(), box.Height())
	return spec, nil
}
