// Package appearance places the visible signature stamp and renders its
// appearance stream.
package appearance

import (
	"errors"
	"fmt"
	"time"

	"github.com/georgepadayatti/gopades/pdf/content"
	"github.com/georgepadayatti/gopades/pdf/generic"
	"github.com/georgepadayatti/gopades/pdf/layout"
)

var (
	ErrPageOutOfRange = errors.New("page out of range")
	ErrInvalid        = errors.New("invalid appearance")
)

const (
	// DefaultWidthMM is the stamp width when none is given.
	DefaultWidthMM = 60
	// DefaultAspectRatio is width over height for derived heights.
	DefaultAspectRatio = 3.0

	fontName = "F1"
	fontSize = 7.0
	padding  = 3.0
)

// Descriptor describes a visible stamp. The rendered content is opaque: when
// Content is set it is used as the appearance stream as is, with a
// [0 0 width height] bounding box in points.
type Descriptor struct {
	// Page is 0-based; negative values count from the end (-1 is the last page).
	Page      int
	Placement layout.Anchor
	WidthMM   float64
	// HeightMM of zero derives the height from AspectRatio.
	HeightMM    float64
	AspectRatio float64
	MarginXMM   float64
	MarginYMM   float64

	Content   []byte
	Resources *generic.DictionaryObject

	// Lines are drawn when Content is empty.
	Lines []string
}

// Size returns the stamp size in points.
func (d *Descriptor) Size() (width, height float64) {
	wmm := d.WidthMM
	if wmm <= 0 {
		wmm = DefaultWidthMM
	}
	width = layout.ToPoints(wmm, layout.Mm)
	if d.HeightMM > 0 {
		return width, layout.ToPoints(d.HeightMM, layout.Mm)
	}
	ratio := d.AspectRatio
	if ratio <= 0 {
		ratio = DefaultAspectRatio
	}
	return width, width / ratio
}

// Validate checks the numeric fields.
func (d *Descriptor) Validate() error {
	if d.WidthMM < 0 || d.HeightMM < 0 || d.AspectRatio < 0 {
		return fmt.Errorf("%w: negative size", ErrInvalid)
	}
	if d.MarginXMM < 0 || d.MarginYMM < 0 {
		return fmt.Errorf("%w: negative margin", ErrInvalid)
	}
	return nil
}

// PageIndex resolves Page against a document of count pages.
func (d *Descriptor) PageIndex(count int) (int, error) {
	idx := d.Page
	if idx < 0 {
		idx += count
	}
	if idx < 0 || idx >= count {
		return 0, fmt.Errorf("%w: page %d of %d", ErrPageOutOfRange, d.Page, count)
	}
	return idx, nil
}

// Rect places the stamp on a page with the given media box.
func (d *Descriptor) Rect(mediaBox generic.Rectangle) (generic.Rectangle, error) {
	if err := d.Validate(); err != nil {
		return generic.Rectangle{}, err
	}
	w, h := d.Size()
	r, err := layout.Place(mediaBox, w, h,
		layout.ToPoints(d.MarginXMM, layout.Mm), layout.ToPoints(d.MarginYMM, layout.Mm), d.Placement)
	if err != nil {
		return generic.Rectangle{}, fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	return r, nil
}

// Stream builds the form XObject for a stamp of the given size.
func (d *Descriptor) Stream(width, height float64) *generic.StreamObject {
	dict := generic.NewDictionary()
	dict.Set("Type", generic.NameObject("XObject"))
	dict.Set("Subtype", generic.NameObject("Form"))
	dict.Set("BBox", generic.Rectangle{URX: width, URY: height}.ToArray())

	if len(d.Content) > 0 {
		if d.Resources != nil {
			dict.Set("Resources", d.Resources)
		} else {
			dict.Set("Resources", generic.NewDictionary())
		}
		return generic.NewStream(dict, d.Content)
	}

	font := generic.NewDictionary()
	font.Set("Type", generic.NameObject("Font"))
	font.Set("Subtype", generic.NameObject("Type1"))
	font.Set("BaseFont", generic.NameObject("Helvetica"))
	font.Set("Encoding", generic.NameObject("WinAnsiEncoding"))
	fonts := generic.NewDictionary()
	fonts.Set(fontName, font)
	res := generic.NewDictionary()
	res.Set("Font", fonts)
	dict.Set("Resources", res)

	return generic.NewStream(dict, render(width, height, d.Lines))
}

func render(width, height float64, lines []string) []byte {
	cb := content.NewContentBuilder().
		SaveState().
		SetStrokeColor(0.2, 0.2, 0.2).
		SetLineWidth(0.8).
		Rectangle(0.4, 0.4, width-0.8, height-0.8).
		Stroke()
	if len(lines) > 0 {
		leading := fontSize * 1.25
		cb.BeginText().
			SetFillGray(0).
			SetFont(fontName, fontSize).
			SetLeading(leading).
			TextPosition(padding, height-padding-fontSize)
		for i, line := range lines {
			if float64(i+1)*leading > height-padding {
				break
			}
			if i > 0 {
				cb.NextLine()
			}
			cb.ShowText(line)
		}
		cb.EndText()
	}
	return cb.RestoreState().Render()
}

// DefaultLines returns the text drawn when no content is supplied. Empty
// values are left out.
func DefaultLines(signer string, at time.Time, reason, location string) []string {
	lines := []string{"Digitally signed by " + signer, "Date: " + at.Format("2006-01-02 15:04:05 -07:00")}
	if reason != "" {
		lines = append(lines, "Reason: "+reason)
	}
	if location != "" {
		lines = append(lines, "Location: "+location)
	}
	return lines
}
