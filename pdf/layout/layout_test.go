package layout

import (
	"math"
	"testing"

	"github.com/georgepadayatti/gopades/pdf/generic"
)

const tolerance = 0.0001

func floatEqual(a, b float64) bool {
	return math.Abs(a-b) < tolerance
}

func TestToPoints(t *testing.T) {
	tests := []struct {
		value    float64
		unit     Unit
		expected float64
	}{
		{1, Pt, 1},
		{1, In, 72},
		{2.54, Cm, 72},
		{25.4, Mm, 72},
		{50, Mm, 141.7323},
	}

	for _, tt := range tests {
		result := ToPoints(tt.value, tt.unit)
		if !floatEqual(result, tt.expected) {
			t.Errorf("ToPoints(%v, %v) = %v, want %v", tt.value, tt.unit, result, tt.expected)
		}
		if back := FromPoints(result, tt.unit); !floatEqual(back, tt.value) {
			t.Errorf("FromPoints(%v, %v) = %v, want %v", result, tt.unit, back, tt.value)
		}
	}
}

func TestPlace(t *testing.T) {
	page := generic.Rectangle{LLX: 0, LLY: 0, URX: 600, URY: 800}
	tests := []struct {
		anchor Anchor
		want   generic.Rectangle
	}{
		{TopRight, generic.Rectangle{LLX: 490, LLY: 730, URX: 590, URY: 780}},
		{TopLeft, generic.Rectangle{LLX: 10, LLY: 730, URX: 110, URY: 780}},
		{BottomRight, generic.Rectangle{LLX: 490, LLY: 20, URX: 590, URY: 70}},
		{BottomLeft, generic.Rectangle{LLX: 10, LLY: 20, URX: 110, URY: 70}},
		{Center, generic.Rectangle{LLX: 250, LLY: 375, URX: 350, URY: 425}},
	}

	for _, tt := range tests {
		got, err := Place(page, 100, 50, 10, 20, tt.anchor)
		if err != nil {
			t.Fatalf("Place(%s): %v", tt.anchor, err)
		}
		if !floatEqual(got.LLX, tt.want.LLX) || !floatEqual(got.LLY, tt.want.LLY) ||
			!floatEqual(got.URX, tt.want.URX) || !floatEqual(got.URY, tt.want.URY) {
			t.Errorf("Place(%s) = %+v, want %+v", tt.anchor, got, tt.want)
		}
	}
}

func TestPlaceOffsetMediaBox(t *testing.T) {
	page := generic.Rectangle{LLX: 100, LLY: 100, URX: 300, URY: 300}
	got, err := Place(page, 50, 50, 5, 5, BottomLeft)
	if err != nil {
		t.Fatal(err)
	}
	if got.LLX != 105 || got.LLY != 105 {
		t.Errorf("Place = %+v", got)
	}
}

func TestPlaceErrors(t *testing.T) {
	page := generic.Rectangle{URX: 100, URY: 100}
	if _, err := Place(page, 200, 50, 0, 0, TopLeft); err == nil {
		t.Error("expected error for oversized box")
	}
	if _, err := Place(page, 0, 50, 0, 0, TopLeft); err == nil {
		t.Error("expected error for empty box")
	}
}

func TestParseAnchor(t *testing.T) {
	tests := map[string]Anchor{
		"":             TopRight,
		"top-right":    TopRight,
		"TOP_LEFT":     TopLeft,
		"bottom-right": BottomRight,
		"bottom_left":  BottomLeft,
		"center":       Center,
	}
	for in, want := range tests {
		got, err := ParseAnchor(in)
		if err != nil || got != want {
			t.Errorf("ParseAnchor(%q) = %v, %v; want %v", in, got, err, want)
		}
	}
	if _, err := ParseAnchor("middle"); err == nil {
		t.Error("expected error for unknown anchor")
	}
}
