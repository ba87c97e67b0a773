package appearance

import (
	"bytes"
	"errors"
	"math"
	"testing"
	"time"

	"github.com/georgepadayatti/gopades/pdf/generic"
	"github.com/georgepadayatti/gopades/pdf/layout"
)

var a4 = generic.Rectangle{URX: 595, URY: 842}

func near(a, b float64) bool { return math.Abs(a-b) < 0.01 }

func TestSize(t *testing.T) {
	tests := []struct {
		name  string
		d     Descriptor
		wantW float64
		wantH float64
	}{
		{"defaults", Descriptor{}, 170.08, 56.69},
		{"explicit height", Descriptor{WidthMM: 50, HeightMM: 20}, 141.73, 56.69},
		{"aspect ratio", Descriptor{WidthMM: 50, AspectRatio: 2}, 141.73, 70.87},
	}
	for _, tt := range tests {
		w, h := tt.d.Size()
		if !near(w, tt.wantW) || !near(h, tt.wantH) {
			t.Errorf("%s: Size() = %.2f x %.2f, want %.2f x %.2f", tt.name, w, h, tt.wantW, tt.wantH)
		}
	}
}

func TestRect(t *testing.T) {
	d := Descriptor{WidthMM: 50, HeightMM: 20, MarginXMM: 10, MarginYMM: 10, Placement: layout.TopRight}
	r, err := d.Rect(a4)
	if err != nil {
		t.Fatal(err)
	}
	margin := 10 / 25.4 * 72
	if !near(r.URX, 595-margin) || !near(r.URY, 842-margin) {
		t.Errorf("Rect = %+v", r)
	}
	if !near(r.Width(), 50/25.4*72) || !near(r.Height(), 20/25.4*72) {
		t.Errorf("size = %.2f x %.2f", r.Width(), r.Height())
	}

	d.Placement = layout.BottomLeft
	r, err = d.Rect(a4)
	if err != nil {
		t.Fatal(err)
	}
	if !near(r.LLX, margin) || !near(r.LLY, margin) {
		t.Errorf("bottom-left Rect = %+v", r)
	}
}

func TestRectErrors(t *testing.T) {
	tests := []Descriptor{
		{WidthMM: 500},
		{WidthMM: -1},
		{MarginXMM: -5},
	}
	for _, d := range tests {
		if _, err := d.Rect(a4); !errors.Is(err, ErrInvalid) {
			t.Errorf("Rect(%+v) = %v, want ErrInvalid", d, err)
		}
	}
}

func TestPageIndex(t *testing.T) {
	tests := []struct {
		page, count, want int
		wantErr           bool
	}{
		{0, 3, 0, false},
		{2, 3, 2, false},
		{-1, 3, 2, false},
		{-3, 3, 0, false},
		{3, 3, 0, true},
		{-4, 3, 0, true},
	}
	for _, tt := range tests {
		got, err := (&Descriptor{Page: tt.page}).PageIndex(tt.count)
		if tt.wantErr {
			if !errors.Is(err, ErrPageOutOfRange) {
				t.Errorf("PageIndex(%d of %d) = %v", tt.page, tt.count, err)
			}
			continue
		}
		if err != nil || got != tt.want {
			t.Errorf("PageIndex(%d of %d) = %d, %v; want %d", tt.page, tt.count, got, err, tt.want)
		}
	}
}

func TestStream(t *testing.T) {
	d := Descriptor{Lines: DefaultLines("Test Signer", time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC), "Approval", "")}
	s := d.Stream(150, 50)
	if s.Dict.GetName("Subtype") != "Form" {
		t.Errorf("Subtype = %q", s.Dict.GetName("Subtype"))
	}
	if bbox := s.Dict.GetArray("BBox"); len(bbox) != 4 {
		t.Errorf("BBox = %v", bbox)
	}
	if res := s.Dict.GetDict("Resources"); res == nil || res.GetDict("Font") == nil {
		t.Error("font resources missing")
	}
	for _, want := range []string{"Digitally signed by Test Signer", "Reason: Approval", " re\n", "BT\n"} {
		if !bytes.Contains(s.Data, []byte(want)) {
			t.Errorf("stream misses %q:\n%s", want, s.Data)
		}
	}
	if bytes.Contains(s.Data, []byte("Location")) {
		t.Error("empty location drawn")
	}

	custom := Descriptor{Content: []byte("q 0 0 1 rg 0 0 10 10 re f Q")}
	if got := custom.Stream(10, 10); !bytes.Equal(got.Data, custom.Content) {
		t.Errorf("pre-rendered content replaced: %s", got.Data)
	}
}
