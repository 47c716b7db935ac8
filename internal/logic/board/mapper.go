package board

import (
	"math"

	"github.com/pkg/errors"
)

// Square is a board position. Col runs along machine X, Row along machine Y.
type Square struct {
	Col int `json:"col"`
	Row int `json:"row"`
}

// Frame places the board in machine coordinates: the offset of square
// (0,0)'s outer corner and the distance between adjacent square centers.
type Frame struct {
	OffsetX float64 `json:"offset_x"`
	OffsetY float64 `json:"offset_y"`
	PitchX  float64 `json:"pitch_x"`
	PitchY  float64 `json:"pitch_y"`
}

// Validate rejects frames that cannot map squares.
func (f Frame) Validate() error {
	for name, v := range map[string]float64{"offset_x": f.OffsetX, "offset_y": f.OffsetY, "pitch_x": f.PitchX, "pitch_y": f.PitchY} {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return errors.Errorf("calibration %s is not a finite number", name)
		}
	}
	if f.PitchX <= 0 || f.PitchY <= 0 {
		return errors.Errorf("calibration pitch must be > 0, got %.3f x %.3f", f.PitchX, f.PitchY)
	}
	return nil
}

// Mapper converts between board squares and machine millimeters.
type Mapper struct {
	frame   Frame
	squares int
}

// NewMapper builds a Mapper for a squares x squares board.
func NewMapper(frame Frame, squares int) (*Mapper, error) {
	if squares <= 0 {
		return nil, errors.Errorf("board must have at least one square per side, got %d", squares)
	}
	if err := frame.Validate(); err != nil {
		return nil, err
	}
	return &Mapper{frame: frame, squares: squares}, nil
}

// Frame returns the calibration in use.
func (m *Mapper) Frame() Frame { return m.frame }

// Squares returns the number of squares per side.
func (m *Mapper) Squares() int { return m.squares }

// Valid reports whether sq lies on the board.
func (m *Mapper) Valid(sq Square) bool {
	return sq.Col >= 0 && sq.Col < m.squares && sq.Row >= 0 && sq.Row < m.squares
}

// BoardToMachine returns the center of sq. Callers check Valid first.
func (m *Mapper) BoardToMachine(sq Square) (x, y float64) {
	x = m.frame.OffsetX + (float64(sq.Col)+0.5)*m.frame.PitchX
	y = m.frame.OffsetY + (float64(sq.Row)+0.5)*m.frame.PitchY
	return x, y
}

// MachineToBoard returns the square containing (x, y), truncating toward
// zero. The result may be off the board.
func (m *Mapper) MachineToBoard(x, y float64) Square {
	return Square{
		Col: int((x - m.frame.OffsetX) / m.frame.PitchX),
		Row: int((y - m.frame.OffsetY) / m.frame.PitchY),
	}
}
