// Package content builds PDF content streams for appearance XObjects.
package content

import (
	"bytes"
	"strconv"

	"golang.org/x/text/encoding"
	"golang.org/x/text/encoding/charmap"
	"golang.org/x/text/unicode/norm"

	"github.com/georgepadayatti/gopades/pdf/generic"
)

// Operator represents a PDF content stream operator.
type Operator string

// Operators used by the builder.
const (
	OpSaveState    Operator = "q"
	OpRestoreState Operator = "Q"
	OpConcatMatrix Operator = "cm"
	OpSetLineWidth Operator = "w"
	OpRectangle    Operator = "re"
	OpStroke       Operator = "S"
	OpFill         Operator = "f"
	OpBeginText    Operator = "BT"
	OpEndText      Operator = "ET"
	OpSetFont      Operator = "Tf"
	OpSetLeading   Operator = "TL"
	OpMoveText     Operator = "Td"
	OpNextLine     Operator = "T*"
	OpShowText     Operator = "Tj"
	OpSetStrokeRGB Operator = "RG"
	OpSetFillRGB   Operator = "rg"
	OpSetFillGray  Operator = "g"
	OpPaintXObject Operator = "Do"
)

// Operation is a single operator with its operands.
type Operation struct {
	Operator Operator
	Operands []generic.PdfObject
}

// ContentBuilder accumulates operations.
type ContentBuilder struct {
	ops []Operation
}

// NewContentBuilder creates an empty builder.
func NewContentBuilder() *ContentBuilder {
	return &ContentBuilder{}
}

func (cb *ContentBuilder) add(op Operator, operands ...generic.PdfObject) *ContentBuilder {
	cb.ops = append(cb.ops, Operation{Operator: op, Operands: operands})
	return cb
}

func nums(vs ...float64) []generic.PdfObject {
	out := make([]generic.PdfObject, len(vs))
	for i, v := range vs {
		out[i] = generic.RealObject(v)
	}
	return out
}

// SaveState saves the graphics state.
func (cb *ContentBuilder) SaveState() *ContentBuilder { return cb.add(OpSaveState) }

// RestoreState restores the graphics state.
func (cb *ContentBuilder) RestoreState() *ContentBuilder { return cb.add(OpRestoreState) }

// Transform concatenates a matrix to the CTM.
func (cb *ContentBuilder) Transform(a, b, c, d, e, f float64) *ContentBuilder {
	return cb.add(OpConcatMatrix, nums(a, b, c, d, e, f)...)
}

// SetLineWidth sets the line width.
func (cb *ContentBuilder) SetLineWidth(width float64) *ContentBuilder {
	return cb.add(OpSetLineWidth, nums(width)...)
}

// Rectangle appends a rectangle path.
func (cb *ContentBuilder) Rectangle(x, y, width, height float64) *ContentBuilder {
	return cb.add(OpRectangle, nums(x, y, width, height)...)
}

// Stroke strokes the path.
func (cb *ContentBuilder) Stroke() *ContentBuilder { return cb.add(OpStroke) }

// Fill fills the path.
func (cb *ContentBuilder) Fill() *ContentBuilder { return cb.add(OpFill) }

// SetStrokeColor sets the stroke color (RGB).
func (cb *ContentBuilder) SetStrokeColor(r, g, b float64) *ContentBuilder {
	return cb.add(OpSetStrokeRGB, nums(r, g, b)...)
}

// SetFillColor sets the fill color (RGB).
func (cb *ContentBuilder) SetFillColor(r, g, b float64) *ContentBuilder {
	return cb.add(OpSetFillRGB, nums(r, g, b)...)
}

// SetFillGray sets the fill color (grayscale).
func (cb *ContentBuilder) SetFillGray(gray float64) *ContentBuilder {
	return cb.add(OpSetFillGray, nums(gray)...)
}

// BeginText begins a text object.
func (cb *ContentBuilder) BeginText() *ContentBuilder { return cb.add(OpBeginText) }

// EndText ends a text object.
func (cb *ContentBuilder) EndText() *ContentBuilder { return cb.add(OpEndText) }

// SetFont selects a font resource and size.
func (cb *ContentBuilder) SetFont(font string, size float64) *ContentBuilder {
	return cb.add(OpSetFont, generic.NameObject(font), generic.RealObject(size))
}

// SetLeading sets the text leading.
func (cb *ContentBuilder) SetLeading(leading float64) *ContentBuilder {
	return cb.add(OpSetLeading, nums(leading)...)
}

// TextPosition moves to the start of the next line offset by (x, y).
func (cb *ContentBuilder) TextPosition(x, y float64) *ContentBuilder {
	return cb.add(OpMoveText, nums(x, y)...)
}

// NextLine moves to the next text line.
func (cb *ContentBuilder) NextLine() *ContentBuilder { return cb.add(OpNextLine) }

// ShowText shows text in a font using WinAnsiEncoding. Characters outside
// that encoding are replaced.
func (cb *ContentBuilder) ShowText(text string) *ContentBuilder {
	return cb.add(OpShowText, &generic.StringObject{Value: WinAnsi(text)})
}

// PaintXObject paints a named XObject.
func (cb *ContentBuilder) PaintXObject(name string) *ContentBuilder {
	return cb.add(OpPaintXObject, generic.NameObject(name))
}

// Operations returns the accumulated operations.
func (cb *ContentBuilder) Operations() []Operation { return cb.ops }

// Render renders the content stream to bytes.
func (cb *ContentBuilder) Render() []byte {
	var buf bytes.Buffer
	for _, op := range cb.ops {
		for _, operand := range op.Operands {
			if err := operand.Write(&buf); err != nil {
				buf.WriteString(strconv.Quote(err.Error()))
			}
			buf.WriteByte(' ')
		}
		buf.WriteString(string(op.Operator))
		buf.WriteByte('\n')
	}
	return buf.Bytes()
}

var winAnsi = encoding.ReplaceUnsupported(charmap.Windows1252.NewEncoder())

// WinAnsi encodes s for a standard font with WinAnsiEncoding.
func WinAnsi(s string) []byte {
	out, err := winAnsi.Bytes([]byte(norm.NFC.String(s)))
	if err != nil {
		return []byte(s)
	}
	return out
}
