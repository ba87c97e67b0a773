// Package dss collects long-term validation material and stores it in the
// Document Security Store of a signed PDF.
package dss

import (
	"bytes"
	"crypto/sha1"
	"crypto/x509"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/georgepadayatti/gopades/pdf/filters"
	"github.com/georgepadayatti/gopades/pdf/generic"
	"github.com/georgepadayatti/gopades/pdf/reader"
)

// Common errors
var (
	ErrInvalidDSS = errors.New("invalid DSS structure")
	ErrPartialLTV = errors.New("validation material incomplete")
)

// Item is one certificate, OCSP response or CRL. Ref is set for items
// already stored in the document.
type Item struct {
	Data []byte
	Ref  generic.Reference
}

// DSS is a Document Security Store.
type DSS struct {
	Certs []Item
	OCSPs []Item
	CRLs  []Item
	VRI   map[string]*VRIEntry
}

// VRIEntry is the Validation Related Information for one signature.
type VRIEntry struct {
	Certs [][]byte
	OCSPs [][]byte
	CRLs  [][]byte
	// Updated is the /TU time.
	Updated time.Time
	// raw keeps an entry read from the document untouched.
	raw generic.PdfObject
}

// NewDSS creates an empty DSS.
func NewDSS() *DSS {
	return &DSS{VRI: make(map[string]*VRIEntry)}
}

func addItem(items []Item, data []byte) []Item {
	for _, it := range items {
		if bytes.Equal(it.Data, data) {
			return items
		}
	}
	return append(items, Item{Data: data})
}

func addBytes(list [][]byte, data []byte) [][]byte {
	for _, b := range list {
		if bytes.Equal(b, data) {
			return list
		}
	}
	return append(list, data)
}

// AddCertificate adds a certificate once.
func (d *DSS) AddCertificate(cert *x509.Certificate) { d.Certs = addItem(d.Certs, cert.Raw) }

// AddOCSP adds a DER OCSP response once.
func (d *DSS) AddOCSP(resp []byte) { d.OCSPs = addItem(d.OCSPs, resp) }

// AddCRL adds a DER CRL once.
func (d *DSS) AddCRL(crl []byte) { d.CRLs = addItem(d.CRLs, crl) }

// AddMaterial stores m in the document-wide arrays and in the VRI entry of
// the signature whose /Contents bytes are sigContents.
func (d *DSS) AddMaterial(m *Material, sigContents []byte, at time.Time) {
	key := VRIKey(sigContents)
	vri := &VRIEntry{Updated: at}
	for _, c := range m.Certificates {
		d.AddCertificate(c)
		vri.Certs = addBytes(vri.Certs, c.Raw)
	}
	for _, o := range m.OCSPs {
		d.AddOCSP(o)
		vri.OCSPs = addBytes(vri.OCSPs, o)
	}
	for _, c := range m.CRLs {
		d.AddCRL(c)
		vri.CRLs = addBytes(vri.CRLs, c)
	}
	d.VRI[key] = vri
}

// VRIKey is the upper-case hex SHA-1 of the signature's /Contents bytes.
func VRIKey(sigContents []byte) string {
	sum := sha1.Sum(sigContents)
	return strings.ToUpper(hex.EncodeToString(sum[:]))
}

// IsEmpty reports whether the DSS holds nothing.
func (d *DSS) IsEmpty() bool {
	return len(d.Certs) == 0 && len(d.OCSPs) == 0 && len(d.CRLs) == 0 && len(d.VRI) == 0
}

// Summary describes the DSS contents.
func (d *DSS) Summary() string {
	return fmt.Sprintf("DSS: %d certs, %d OCSPs, %d CRLs, %d VRI entries",
		len(d.Certs), len(d.OCSPs), len(d.CRLs), len(d.VRI))
}

// Certificates parses the stored certificates, skipping malformed ones.
func (d *DSS) Certificates() []*x509.Certificate {
	var out []*x509.Certificate
	for _, it := range d.Certs {
		if c, err := x509.ParseCertificate(it.Data); err == nil {
			out = append(out, c)
		}
	}
	return out
}

// Read loads the DSS of the document behind r. A document without a DSS
// yields an empty one.
func Read(r *reader.PdfFileReader) (*DSS, error) {
	d := NewDSS()
	cat, err := r.Catalog()
	if err != nil {
		return nil, err
	}
	obj := cat.Get("DSS")
	if obj == nil {
		return d, nil
	}
	dict := r.ResolveDict(obj)
	if dict == nil {
		return nil, fmt.Errorf("%w: /DSS is not a dictionary", ErrInvalidDSS)
	}
	if d.Certs, err = readItems(r, dict.Get("Certs")); err != nil {
		return nil, err
	}
	if d.OCSPs, err = readItems(r, dict.Get("OCSPs")); err != nil {
		return nil, err
	}
	if d.CRLs, err = readItems(r, dict.Get("CRLs")); err != nil {
		return nil, err
	}
	if vri := r.ResolveDict(dict.Get("VRI")); vri != nil {
		for _, key := range vri.Keys() {
			entry := &VRIEntry{raw: vri.Get(key)}
			if ed := r.ResolveDict(entry.raw); ed != nil {
				entry.Certs = itemData(readItems(r, ed.Get("Cert")))
				entry.OCSPs = itemData(readItems(r, ed.Get("OCSP")))
				entry.CRLs = itemData(readItems(r, ed.Get("CRL")))
				if tu, err := generic.ParseDate(generic.TextOf(ed.Get("TU"))); err == nil {
					entry.Updated = tu
				}
			}
			d.VRI[key] = entry
		}
	}
	return d, nil
}

func readItems(r *reader.PdfFileReader, obj generic.PdfObject) ([]Item, error) {
	var items []Item
	for _, el := range r.ResolveArray(obj) {
		ref, _ := el.(generic.Reference)
		resolved, err := r.Resolve(el)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidDSS, err)
		}
		stream, ok := resolved.(*generic.StreamObject)
		if !ok {
			return nil, fmt.Errorf("%w: array entry is not a stream", ErrInvalidDSS)
		}
		data, err := filters.Decode(stream)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidDSS, err)
		}
		items = append(items, Item{Data: data, Ref: ref})
	}
	return items, nil
}

func itemData(items []Item, err error) [][]byte {
	if err != nil {
		return nil
	}
	out := make([][]byte, len(items))
	for i, it := range items {
		out[i] = it.Data
	}
	return out
}
