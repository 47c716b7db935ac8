package board

import (
	"math"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
)

const epsilon = 1e-9

func mustMapper(t *testing.T, f Frame, squares int) *Mapper {
	t.Helper()
	m, err := NewMapper(f, squares)
	if err != nil {
		t.Fatalf("NewMapper: %v", err)
	}
	return m
}

func TestBoardToMachine_SquareCenters(t *testing.T) {
	m := mustMapper(t, Frame{OffsetX: 10, OffsetY: 10, PitchX: 25, PitchY: 25}, 8)

	cases := []struct {
		sq   Square
		x, y float64
	}{
		{Square{0, 0}, 22.5, 22.5},
		{Square{7, 7}, 197.5, 197.5},
		{Square{3, 0}, 97.5, 22.5},
		{Square{0, 5}, 22.5, 147.5},
	}
	for _, tc := range cases {
		x, y := m.BoardToMachine(tc.sq)
		if math.Abs(x-tc.x) > epsilon || math.Abs(y-tc.y) > epsilon {
			t.Errorf("BoardToMachine(%v) = (%v, %v), want (%v, %v)", tc.sq, x, y, tc.x, tc.y)
		}
	}
}

func TestMachineToBoard_RoundTrip(t *testing.T) {
	frames := []Frame{
		{OffsetX: 10, OffsetY: 10, PitchX: 25, PitchY: 25},
		{OffsetX: -3.7, OffsetY: 41.2, PitchX: 37.5, PitchY: 36.1},
		{OffsetX: 0, OffsetY: 0, PitchX: 12.5, PitchY: 40.125},
	}
	for _, f := range frames {
		m := mustMapper(t, f, 8)
		for col := 0; col < 8; col++ {
			for row := 0; row < 8; row++ {
				sq := Square{col, row}
				x, y := m.BoardToMachine(sq)
				if got := m.MachineToBoard(x, y); got != sq {
					t.Errorf("frame %+v: round trip of %v gave %v", f, sq, got)
				}
			}
		}
	}
}

func TestMachineToBoard_Truncates(t *testing.T) {
	m := mustMapper(t, Frame{OffsetX: 10, OffsetY: 10, PitchX: 25, PitchY: 25}, 8)
	cases := []struct {
		x, y float64
		want Square
	}{
		{10, 10, Square{0, 0}},
		{34.99, 10, Square{0, 0}},
		{35, 60, Square{1, 2}},
		{209.9, 209.9, Square{7, 7}},
		{210, 10, Square{8, 0}},
	}
	for _, tc := range cases {
		if got := m.MachineToBoard(tc.x, tc.y); got != tc.want {
			t.Errorf("MachineToBoard(%v, %v) = %v, want %v", tc.x, tc.y, got, tc.want)
		}
	}
}

func TestValid(t *testing.T) {
	m := mustMapper(t, Frame{PitchX: 1, PitchY: 1}, 8)
	cases := []struct {
		sq   Square
		want bool
	}{
		{Square{0, 0}, true},
		{Square{7, 7}, true},
		{Square{8, 0}, false},
		{Square{0, 8}, false},
		{Square{-1, 3}, false},
	}
	for _, tc := range cases {
		if got := m.Valid(tc.sq); got != tc.want {
			t.Errorf("Valid(%v) = %v, want %v", tc.sq, got, tc.want)
		}
	}
}

func TestNewMapper_Rejects(t *testing.T) {
	cases := []struct {
		name    string
		f       Frame
		squares int
	}{
		{"zero_squares", Frame{PitchX: 1, PitchY: 1}, 0},
		{"zero_pitch", Frame{PitchX: 0, PitchY: 1}, 8},
		{"negative_pitch", Frame{PitchX: 1, PitchY: -1}, 8},
		{"nan_offset", Frame{OffsetX: math.NaN(), PitchX: 1, PitchY: 1}, 8},
		{"inf_pitch", Frame{PitchX: math.Inf(1), PitchY: 1}, 8},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := NewMapper(tc.f, tc.squares); err == nil {
				t.Error("expected error, got nil")
			}
		})
	}
}

var approx = cmpopts.EquateApprox(0, 1e-9)

func TestFixedSize(t *testing.T) {
	f, err := FixedSize(Point{X: 150, Y: 160}, 200, 8)
	if err != nil {
		t.Fatal(err)
	}
	want := Frame{OffsetX: 50, OffsetY: 60, PitchX: 25, PitchY: 25}
	if diff := cmp.Diff(want, f, approx); diff != "" {
		t.Errorf("FixedSize mismatch (-want +got):\n%s", diff)
	}

	if _, err := FixedSize(Point{}, 0, 8); err == nil {
		t.Error("expected error for zero board size")
	}
}

func TestCorners(t *testing.T) {
	// A slightly skewed 200 x 204 board.
	f, err := Corners(
		Point{X: 20, Y: 10},  // bottom left
		Point{X: 220, Y: 12}, // bottom right
		Point{X: 222, Y: 216},
		Point{X: 22, Y: 214},
		8,
	)
	if err != nil {
		t.Fatal(err)
	}
	want := Frame{OffsetX: 21, OffsetY: 11, PitchX: 202.0 / 8, PitchY: 202.0 / 8}
	if diff := cmp.Diff(want, f, approx); diff != "" {
		t.Errorf("Corners mismatch (-want +got):\n%s", diff)
	}

	if _, err := Corners(Point{X: 100}, Point{X: 0}, Point{X: 0}, Point{X: 100}, 8); err == nil {
		t.Error("expected error for crossed corners")
	}
}

func TestFromLimits(t *testing.T) {
	f, err := FromLimits(0, 280, 0, 300, 8)
	if err != nil {
		t.Fatal(err)
	}
	want := Frame{OffsetX: 0, OffsetY: 0, PitchX: 35, PitchY: 37.5}
	if diff := cmp.Diff(want, f, approx); diff != "" {
		t.Errorf("FromLimits mismatch (-want +got):\n%s", diff)
	}

	m := mustMapper(t, f, 8)
	x, y := m.BoardToMachine(Square{7, 7})
	if x > 280 || y > 300 {
		t.Errorf("last square center (%v, %v) lies outside the travel window", x, y)
	}

	if _, err := FromLimits(10, 10, 0, 100, 8); err == nil {
		t.Error("expected error for empty x window")
	}
}
