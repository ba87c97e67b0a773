// Package chain tracks the signatures already present in a document so that
// new signatures are appended without disturbing them.
package chain

import (
	"bytes"
	"errors"
	"fmt"
	"regexp"
	"strconv"

	"github.com/georgepadayatti/gopades/pdf/reader"
	"github.com/georgepadayatti/gopades/sign/mdp"
)

var (
	ErrAlreadySigned    = errors.New("document is already signed")
	ErrByteRangeOverlap = errors.New("signed byte range not preserved")
)

// Signature is an existing signature of the document.
type Signature struct {
	FieldName    string
	ByteRange    [4]int64
	Contents     []byte
	DocTimeStamp bool
}

// End returns the offset just past the signed region.
func (s Signature) End() int64 { return s.ByteRange[2] + s.ByteRange[3] }

// State describes the signatures of one document revision.
type State struct {
	Signatures    []Signature
	Certification mdp.State
	// FieldNames holds every form field name, signed or not.
	FieldNames map[string]bool
	// Scanned is set when signatures were found by scanning raw bytes
	// because the document has no usable form.
	Scanned bool
}

// Count returns the number of existing signatures.
func (s *State) Count() int { return len(s.Signatures) }

// Next returns the 1-based index the next signature will have.
func (s *State) Next() int { return len(s.Signatures) + 1 }

// Inspect collects the signatures of the document behind r.
func Inspect(r *reader.PdfFileReader) (*State, error) {
	cert, err := mdp.ReadState(r)
	if err != nil {
		return nil, err
	}
	s := &State{Certification: cert, FieldNames: r.FieldNames()}

	if r.AcroForm() != nil {
		sigs, err := r.EmbeddedSignatures()
		if err == nil {
			for _, e := range sigs {
				s.Signatures = append(s.Signatures, Signature{
					FieldName:    e.FieldName,
					ByteRange:    e.ByteRange,
					Contents:     e.Contents,
					DocTimeStamp: e.IsDocTimeStamp(),
				})
			}
			return s, nil
		}
	}
	s.Signatures = scanByteRanges(r.Data())
	s.Scanned = len(s.Signatures) > 0
	return s, nil
}

var byteRangeRe = regexp.MustCompile(`/ByteRange\s*\[\s*(\d+)\s+(\d+)\s+(\d+)\s+(\d+)\s*\]`)

func scanByteRanges(data []byte) []Signature {
	var out []Signature
	seen := make(map[[4]int64]bool)
	for _, m := range byteRangeRe.FindAllSubmatch(data, -1) {
		var br [4]int64
		for i := range br {
			br[i], _ = strconv.ParseInt(string(m[i+1]), 10, 64)
		}
		if br == ([4]int64{}) || seen[br] {
			continue
		}
		seen[br] = true
		out = append(out, Signature{ByteRange: br})
	}
	return out
}

// Admit returns ErrAlreadySigned when s already has a signature and multi
// signing is off.
func Admit(s *State, multi bool) error {
	if s.Count() > 0 && !multi {
		return fmt.Errorf("%w: %d existing signature(s)", ErrAlreadySigned, s.Count())
	}
	return nil
}

// VerifyPreserved checks that every signed region recorded in s lies inside
// input and is byte-identical in output.
func VerifyPreserved(input, output []byte, s *State) error {
	for i, sig := range s.Signatures {
		a, b, c, d := sig.ByteRange[0], sig.ByteRange[1], sig.ByteRange[2], sig.ByteRange[3]
		if a < 0 || b < 0 || c < a+b || d < 0 || sig.End() > int64(len(input)) {
			return fmt.Errorf("%w: signature %d range %v outside input of %d bytes",
				ErrByteRangeOverlap, i+1, sig.ByteRange, len(input))
		}
		if sig.End() > int64(len(output)) || !bytes.Equal(input[a:sig.End()], output[a:sig.End()]) {
			return fmt.Errorf("%w: signature %d range %v changed", ErrByteRangeOverlap, i+1, sig.ByteRange)
		}
	}
	return nil
}
