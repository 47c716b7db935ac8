package board

import (
	"github.com/pkg/errors"
)

// Strategy names how a Frame was derived.
type Strategy string

const (
	StrategyFixed   Strategy = "fixed"
	StrategyCorners Strategy = "corners"
	StrategyLimits  Strategy = "limits"
)

// Point is a machine XY position in mm.
type Point struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// FixedSize centers a board of known edge length on home, the machine
// position measured over the board's center.
func FixedSize(home Point, sizeMm float64, squares int) (Frame, error) {
	if sizeMm <= 0 || squares <= 0 {
		return Frame{}, errors.Errorf("fixed calibration needs a positive size and square count, got %.2f / %d", sizeMm, squares)
	}
	pitch := sizeMm / float64(squares)
	f := Frame{
		OffsetX: home.X - sizeMm/2,
		OffsetY: home.Y - sizeMm/2,
		PitchX:  pitch,
		PitchY:  pitch,
	}
	return f, f.Validate()
}

// Corners derives a frame from the four outer board corners jogged to by
// hand. Opposite edges are averaged, and the board is treated as square.
func Corners(bottomLeft, bottomRight, topRight, topLeft Point, squares int) (Frame, error) {
	if squares <= 0 {
		return Frame{}, errors.Errorf("square count must be > 0, got %d", squares)
	}
	width := ((bottomRight.X - bottomLeft.X) + (topRight.X - topLeft.X)) / 2
	height := ((topLeft.Y - bottomLeft.Y) + (topRight.Y - bottomRight.Y)) / 2
	if width <= 0 || height <= 0 {
		return Frame{}, errors.Errorf("corners do not enclose a board (width %.2f, height %.2f)", width, height)
	}
	pitch := (width + height) / 2 / float64(squares)
	f := Frame{
		OffsetX: (bottomLeft.X + topLeft.X) / 2,
		OffsetY: (bottomLeft.Y + bottomRight.Y) / 2,
		PitchX:  pitch,
		PitchY:  pitch,
	}
	return f, f.Validate()
}

// FromLimits spreads the board over the homed XY travel window.
func FromLimits(xMin, xMax, yMin, yMax float64, squares int) (Frame, error) {
	if squares <= 0 {
		return Frame{}, errors.Errorf("square count must be > 0, got %d", squares)
	}
	if xMax <= xMin || yMax <= yMin {
		return Frame{}, errors.Errorf("travel window is empty: x [%.2f, %.2f] y [%.2f, %.2f]", xMin, xMax, yMin, yMax)
	}
	f := Frame{
		OffsetX: xMin,
		OffsetY: yMin,
		PitchX:  (xMax - xMin) / float64(squares),
		PitchY:  (yMax - yMin) / float64(squares),
	}
	return f, f.Validate()
}
