// Package layout positions boxes on PDF pages.
package layout

import (
	"fmt"
	"strings"

	"github.com/georgepadayatti/gopades/pdf/generic"
)

// Unit represents a measurement unit.
type Unit float64

const (
	// Points - the base PDF unit (1/72 inch)
	Pt Unit = 1
	// Inches
	In Unit = 72
	// Centimeters
	Cm Unit = 72 / 2.54
	// Millimeters
	Mm Unit = 72 / 25.4
)

// ToPoints converts a value in the given unit to points.
func ToPoints(value float64, unit Unit) float64 {
	return value * float64(unit)
}

// FromPoints converts points to the given unit.
func FromPoints(points float64, unit Unit) float64 {
	return points / float64(unit)
}

// Anchor is the corner or centre of the page a box is attached to.
type Anchor int

const (
	TopRight Anchor = iota
	TopLeft
	BottomRight
	BottomLeft
	Center
)

var anchorNames = []string{"top-right", "top-left", "bottom-right", "bottom-left", "center"}

func (a Anchor) String() string {
	if int(a) < len(anchorNames) {
		return anchorNames[a]
	}
	return fmt.Sprintf("Anchor(%d)", int(a))
}

// ParseAnchor accepts the names printed by String, with '_' or '-' as
// separator. The empty string is TopRight.
func ParseAnchor(s string) (Anchor, error) {
	s = strings.ReplaceAll(strings.ToLower(strings.TrimSpace(s)), "_", "-")
	if s == "" {
		return TopRight, nil
	}
	for i, name := range anchorNames {
		if name == s {
			return Anchor(i), nil
		}
	}
	return TopRight, fmt.Errorf("unknown placement %q", s)
}

// MarshalText implements encoding.TextMarshaler.
func (a Anchor) MarshalText() ([]byte, error) { return []byte(a.String()), nil }

// UnmarshalText implements encoding.TextUnmarshaler.
func (a *Anchor) UnmarshalText(b []byte) error {
	v, err := ParseAnchor(string(b))
	if err != nil {
		return err
	}
	*a = v
	return nil
}

// Place returns a width x height box inside container, attached to anchor
// and kept marginX/marginY away from the container edges. Margins are
// ignored for Center.
func Place(container generic.Rectangle, width, height, marginX, marginY float64, anchor Anchor) (generic.Rectangle, error) {
	if width <= 0 || height <= 0 {
		return generic.Rectangle{}, fmt.Errorf("box %.2fx%.2f must have a positive size", width, height)
	}
	var x, y float64
	switch anchor {
	case TopRight:
		x, y = container.URX-marginX-width, container.URY-marginY-height
	case TopLeft:
		x, y = container.LLX+marginX, container.URY-marginY-height
	case BottomRight:
		x, y = container.URX-marginX-width, container.LLY+marginY
	case BottomLeft:
		x, y = container.LLX+marginX, container.LLY+marginY
	case Center:
		x = container.LLX + (container.Width()-width)/2
		y = container.LLY + (container.Height()-height)/2
	default:
		return generic.Rectangle{}, fmt.Errorf("unknown anchor %d", int(anchor))
	}
	box := generic.Rectangle{LLX: x, LLY: y, URX: x + width, URY: y + height}
	if !Contains(container, box) {
		return generic.Rectangle{}, fmt.Errorf("box %.2fx%.2f does not fit on %.2fx%.2f page",
			width, height, container.Width(), container.Height())
	}
	return box, nil
}

// Contains reports whether inner lies entirely within outer.
func Contains(outer, inner generic.Rectangle) bool {
	const eps = 1e-6
	return inner.LLX >= outer.LLX-eps && inner.LLY >= outer.LLY-eps &&
		inner.URX <= outer.URX+eps && inner.URY <= outer.URY+eps
}
