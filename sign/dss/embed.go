package dss

import (
	"time"

	"github.com/georgepadayatti/gopades/pdf/generic"
	"github.com/georgepadayatti/gopades/pdf/reader"
	"github.com/georgepadayatti/gopades/pdf/writer"
)

// Embed appends an incremental update to doc that merges m into the
// document's DSS under the VRI key of sigContents. doc is not modified.
func Embed(doc []byte, m *Material, sigContents []byte, at time.Time) ([]byte, error) {
	r, err := reader.NewPdfFileReaderFromBytes(doc)
	if err != nil {
		return nil, err
	}
	d, err := Read(r)
	if err != nil {
		return nil, err
	}
	d.AddMaterial(m, sigContents, at)
	w := writer.NewIncrementalPdfFileWriter(r)
	if err := Write(w, d); err != nil {
		return nil, err
	}
	return w.Write()
}

// Write stores d as the catalog /DSS of the pending revision. Items that
// already live in the document are referenced, not copied.
func Write(w *writer.IncrementalPdfFileWriter, d *DSS) error {
	refs := make(map[string]generic.Reference)
	place := func(items []Item) generic.ArrayObject {
		arr := generic.ArrayObject{}
		for i := range items {
			it := &items[i]
			if it.Ref.IsZero() {
				if ref, ok := refs[string(it.Data)]; ok {
					it.Ref = ref
				} else {
					it.Ref = w.AddObject(generic.NewStream(nil, it.Data))
				}
			}
			refs[string(it.Data)] = it.Ref
			arr = append(arr, it.Ref)
		}
		return arr
	}
	lookup := func(list [][]byte) generic.ArrayObject {
		arr := generic.ArrayObject{}
		for _, data := range list {
			ref, ok := refs[string(data)]
			if !ok {
				ref = w.AddObject(generic.NewStream(nil, data))
				refs[string(data)] = ref
			}
			arr = append(arr, ref)
		}
		return arr
	}

	dict := generic.NewDictionary()
	dict.Set("Type", generic.NameObject("DSS"))
	if len(d.Certs) > 0 {
		dict.Set("Certs", place(d.Certs))
	}
	if len(d.OCSPs) > 0 {
		dict.Set("OCSPs", place(d.OCSPs))
	}
	if len(d.CRLs) > 0 {
		dict.Set("CRLs", place(d.CRLs))
	}
	if len(d.VRI) > 0 {
		vri := generic.NewDictionary()
		for key, entry := range d.VRI {
			if entry.raw != nil {
				vri.Set(key, entry.raw)
				continue
			}
			ed := generic.NewDictionary()
			if len(entry.Certs) > 0 {
				ed.Set("Cert", lookup(entry.Certs))
			}
			if len(entry.OCSPs) > 0 {
				ed.Set("OCSP", lookup(entry.OCSPs))
			}
			if len(entry.CRLs) > 0 {
				ed.Set("CRL", lookup(entry.CRLs))
			}
			if !entry.Updated.IsZero() {
				ed.Set("TU", generic.NewLiteralString(generic.FormatDate(entry.Updated)))
			}
			vri.Set(key, ed)
		}
		dict.Set("VRI", vri)
	}

	cat, err := w.Catalog()
	if err != nil {
		return err
	}
	if ref, ok := cat.Get("DSS").(generic.Reference); ok {
		w.UpdateObject(ref, dict)
		return nil
	}
	cat.Set("DSS", w.AddObject(dict))
	return nil
}
