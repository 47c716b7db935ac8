// Package calibration persists the board frame between runs.
package calibration

import (
	"math"
	"os"
	"path/filepath"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/multierr"
	"gopkg.in/yaml.v3"

	"github.com/cjeanneret/CheckerGantry/internal/debug"
	"github.com/cjeanneret/CheckerGantry/internal/logic/board"
)

// MaxRecordBytes caps the size of a calibration file accepted by Load.
const MaxRecordBytes = 64 << 10

// ErrNotFound means no calibration has been saved yet.
var ErrNotFound = errors.New("no saved calibration")

// Record is the saved calibration. Exactly one of the limit window, the
// pitch pair or the board size describes the square grid; Frame picks them
// in that order.
type Record struct {
	Strategy  board.Strategy `yaml:"strategy"`
	OffsetX   float64        `yaml:"offset_x"`
	OffsetY   float64        `yaml:"offset_y"`
	BoardSize float64        `yaml:"board_size,omitempty"`
	PitchX    float64        `yaml:"pitch_x,omitempty"`
	PitchY    float64        `yaml:"pitch_y,omitempty"`

	XMin *float64 `yaml:"x_min,omitempty"`
	XMax *float64 `yaml:"x_max,omitempty"`
	YMin *float64 `yaml:"y_min,omitempty"`
	YMax *float64 `yaml:"y_max,omitempty"`

	SavedAt time.Time `yaml:"saved_at,omitempty"`
}

// FromFrame records a frame produced by strategy.
func FromFrame(strategy board.Strategy, f board.Frame) Record {
	return Record{
		Strategy: strategy,
		OffsetX:  f.OffsetX,
		OffsetY:  f.OffsetY,
		PitchX:   f.PitchX,
		PitchY:   f.PitchY,
	}
}

// FromLimits records the travel window the board was spread over.
func FromLimits(xMin, xMax, yMin, yMax float64) Record {
	return Record{
		Strategy: board.StrategyLimits,
		OffsetX:  xMin,
		OffsetY:  yMin,
		XMin:     &xMin,
		XMax:     &xMax,
		YMin:     &yMin,
		YMax:     &yMax,
	}
}

func (r Record) hasLimits() bool {
	return r.XMin != nil && r.XMax != nil && r.YMin != nil && r.YMax != nil
}

// Frame rebuilds the board frame for a board of squares per side.
func (r Record) Frame(squares int) (board.Frame, error) {
	switch {
	case r.hasLimits():
		return board.FromLimits(*r.XMin, *r.XMax, *r.YMin, *r.YMax, squares)
	case r.PitchX > 0 && r.PitchY > 0:
		f := board.Frame{OffsetX: r.OffsetX, OffsetY: r.OffsetY, PitchX: r.PitchX, PitchY: r.PitchY}
		return f, f.Validate()
	case r.BoardSize > 0:
		if squares <= 0 {
			return board.Frame{}, errors.Errorf("square count must be > 0, got %d", squares)
		}
		pitch := r.BoardSize / float64(squares)
		f := board.Frame{OffsetX: r.OffsetX, OffsetY: r.OffsetY, PitchX: pitch, PitchY: pitch}
		return f, f.Validate()
	}
	return board.Frame{}, errors.New("calibration record has no limits, pitch or board size")
}

func (r Record) validate() error {
	for name, v := range map[string]float64{
		"offset_x": r.OffsetX, "offset_y": r.OffsetY,
		"board_size": r.BoardSize, "pitch_x": r.PitchX, "pitch_y": r.PitchY,
	} {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return errors.Errorf("calibration %s is not finite", name)
		}
	}
	return nil
}

// Load reads a record. A missing file returns an error wrapping ErrNotFound.
func Load(path string) (Record, error) {
	var rec Record
	info, err := os.Stat(path)
	if os.IsNotExist(err) {
		return rec, errors.Wrap(ErrNotFound, path)
	}
	if err != nil {
		return rec, errors.Wrap(err, "stat calibration file")
	}
	if info.Size() > MaxRecordBytes {
		return rec, errors.Errorf("calibration file is %d bytes, limit is %d", info.Size(), MaxRecordBytes)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return rec, errors.Wrap(err, "read calibration file")
	}
	if err := yaml.Unmarshal(data, &rec); err != nil {
		return rec, errors.Wrap(err, "unmarshal calibration")
	}
	if err := rec.validate(); err != nil {
		return rec, err
	}
	debug.Verbose("calibration loaded from %s (%s)", path, rec.Strategy)
	return rec, nil
}

// Save writes rec next to path and renames it into place, so a reader never
// sees a partial file.
func Save(path string, rec Record) (err error) {
	if err := rec.validate(); err != nil {
		return err
	}
	data, err := yaml.Marshal(rec)
	if err != nil {
		return errors.Wrap(err, "marshal calibration")
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return errors.Wrap(err, "create calibration directory")
	}
	tmp, err := os.CreateTemp(dir, ".calibration-*.yaml")
	if err != nil {
		return errors.Wrap(err, "create temp calibration file")
	}
	defer func() {
		if err != nil {
			err = multierr.Append(err, ignoreMissing(os.Remove(tmp.Name())))
		}
	}()

	if _, err = tmp.Write(data); err != nil {
		_ = tmp.Close()
		return errors.Wrap(err, "write calibration")
	}
	if err = multierr.Append(tmp.Sync(), tmp.Close()); err != nil {
		return errors.Wrap(err, "flush calibration")
	}
	if err = os.Rename(tmp.Name(), path); err != nil {
		return errors.Wrap(err, "install calibration")
	}
	debug.Info("calibration saved to %s (%s)", path, rec.Strategy)
	return nil
}

func ignoreMissing(err error) error {
	if os.IsNotExist(err) {
		return nil
	}
	return err
}
