// Package motion sequences gantry moves. It sits between the request
// surfaces (remote commands, web console) and the axis drivers, and keeps
// the effector clear of the board while X and Y travel.
package motion

import (
	"context"
	"math"
	"sync"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/multierr"

	"github.com/cjeanneret/CheckerGantry/internal/debug"
	"github.com/cjeanneret/CheckerGantry/internal/hw/axis"
	"github.com/cjeanneret/CheckerGantry/internal/hw/timing"
	"github.com/cjeanneret/CheckerGantry/internal/logic/board"
	"github.com/cjeanneret/CheckerGantry/internal/logic/homing"
)

var (
	// ErrOutOfRange is returned, wrapped, for any target outside the soft
	// limits. Nothing moves when it is returned.
	ErrOutOfRange = errors.New("target out of range")
	// ErrLimitsUndefined means an axis has no soft limits yet.
	ErrLimitsUndefined = errors.New("limits undefined")
	// ErrNoCalibration means no board mapper is installed.
	ErrNoCalibration = errors.New("board not calibrated")
	// ErrNoHome means MovePiece has nowhere to return to.
	ErrNoHome = errors.New("home position not set")
)

// Config tunes the pick and place choreography.
type Config struct {
	Settle         time.Duration
	AttachOffsetMm float64
	PlaceOffsetMm  float64
}

// Heights are the Z working points.
type Heights struct {
	Release   float64 // travel height, also where pieces are let go
	MaxHeight float64 // highest usable Z
	Attach    float64 // MaxHeight - attach offset
	Place     float64 // Release + place offset
}

// Planner serializes every move on the gantry.
type Planner struct {
	mu      sync.Mutex
	x, y, z *axis.Driver
	cfg     Config
	sleeper timing.Sleeper

	heights    Heights
	heightsSet bool
	home       [2]float64
	homeSet    bool
	mapper     *board.Mapper
}

// NewPlanner builds a Planner over the three axes.
func NewPlanner(x, y, z *axis.Driver, cfg Config, sleeper timing.Sleeper) (*Planner, error) {
	if x == nil || y == nil || z == nil {
		return nil, errors.New("planner needs X, Y and Z axes")
	}
	if cfg.AttachOffsetMm < 0 || cfg.PlaceOffsetMm < 0 {
		return nil, errors.New("attach and place offsets must be >= 0")
	}
	return &Planner{x: x, y: y, z: z, cfg: cfg, sleeper: sleeper}, nil
}

// SetZHeights installs the release and max heights found by homing Z.
func (p *Planner) SetZHeights(release, maxHeight float64) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.setZHeights(release, maxHeight)
}

func (p *Planner) setZHeights(release, maxHeight float64) error {
	if release >= maxHeight {
		return errors.Errorf("release height %.2f must be below max height %.2f", release, maxHeight)
	}
	h := Heights{
		Release:   release,
		MaxHeight: maxHeight,
		Attach:    maxHeight - p.cfg.AttachOffsetMm,
		Place:     release + p.cfg.PlaceOffsetMm,
	}
	if h.Attach < h.Release || h.Place > h.MaxHeight {
		return errors.Errorf("offsets leave no room between release %.2f and max height %.2f", release, maxHeight)
	}
	p.heights = h
	p.heightsSet = true
	return nil
}

// Heights returns the Z working points, if Z has been homed.
func (p *Planner) Heights() (Heights, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.heights, p.heightsSet
}

// SetMapper installs the board calibration.
func (p *Planner) SetMapper(m *board.Mapper) {
	p.mu.Lock()
	p.mapper = m
	p.mu.Unlock()
}

// Mapper returns the installed board calibration, or nil.
func (p *Planner) Mapper() *board.Mapper {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.mapper
}

// RunHoming homes the gantry under the planner lock and applies the report:
// Z heights from the Z result, and the XY park point as home.
func (p *Planner) RunHoming(ctx context.Context, seq *homing.Sequence) homing.Report {
	p.mu.Lock()
	defer p.mu.Unlock()
	rep := seq.Run(ctx)
	p.applyReport(rep)
	return rep
}

func (p *Planner) applyReport(rep homing.Report) {
	if res, ok := rep.Result(axis.Z); ok && res.OK {
		if err := p.setZHeights(res.ReleaseMm, res.MaxHeightMm); err != nil {
			debug.Error(err)
		}
	} else {
		p.heightsSet = false
	}
	rx, okX := rep.Result(axis.X)
	ry, okY := rep.Result(axis.Y)
	if okX && okY && rx.OK && ry.OK {
		p.home = [2]float64{rx.ParkMm, ry.ParkMm}
		p.homeSet = true
	}
}

// Position returns the current estimate of every axis in mm.
func (p *Planner) Position() (x, y, z float64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.x.Position(), p.y.Position(), p.z.Position()
}

// XYLimits returns the X and Y soft limits.
func (p *Planner) XYLimits() (x, y axis.SoftLimits, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	x, y = p.x.Limits(), p.y.Limits()
	if !x.Defined || !y.Defined {
		return x, y, ErrLimitsUndefined
	}
	return x, y, nil
}

// SetHome records the current XY position as home.
func (p *Planner) SetHome() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.home = [2]float64{p.x.Position(), p.y.Position()}
	p.homeSet = true
	debug.Info("home set to (%.2f, %.2f)", p.home[0], p.home[1])
}

// HomePoint returns the recorded home, if any.
func (p *Planner) HomePoint() (x, y float64, ok bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.home[0], p.home[1], p.homeSet
}

// Home travels to the recorded home at release height.
func (p *Planner) Home() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.homeSet {
		return ErrNoHome
	}
	if !p.heightsSet {
		return errors.Wrap(ErrLimitsUndefined, "z heights")
	}
	return p.moveTo(p.home[0], p.home[1], p.heights.Release)
}

// MoveToMachine drives to (x, y, z) in machine mm. All three targets are
// validated before anything moves.
func (p *Planner) MoveToMachine(x, y, z float64) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.moveTo(x, y, z)
}

// MoveZ drives Z alone.
func (p *Planner) MoveZ(z float64) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.checkZ(z); err != nil {
		return err
	}
	return p.driveZ(z)
}

// MovePiece carries a piece between two squares and returns home.
func (p *Planner) MovePiece(from, to board.Square) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.mapper == nil {
		return ErrNoCalibration
	}
	for _, sq := range []board.Square{from, to} {
		if !p.mapper.Valid(sq) {
			return errors.Wrapf(ErrOutOfRange, "square (%d, %d)", sq.Col, sq.Row)
		}
	}
	if !p.homeSet {
		return ErrNoHome
	}
	if !p.heightsSet {
		return errors.Wrap(ErrLimitsUndefined, "z heights")
	}

	h := p.heights
	fx, fy := p.mapper.BoardToMachine(from)
	tx, ty := p.mapper.BoardToMachine(to)
	steps := []struct {
		name    string
		x, y, z float64
	}{
		{"travel to source", fx, fy, h.Release},
		{"attach", fx, fy, h.Attach},
		{"carry", tx, ty, h.Attach},
		{"place", tx, ty, h.Place},
		{"return home", p.home[0], p.home[1], h.Release},
	}
	for _, s := range steps {
		if err := p.check(s.x, s.y, s.z); err != nil {
			return errors.Wrapf(err, "move piece %v -> %v, %s", from, to, s.name)
		}
	}

	debug.Section("Move piece")
	for i, s := range steps {
		debug.Step(i+1, s.name)
		if err := p.moveTo(s.x, s.y, s.z); err != nil {
			return errors.Wrapf(err, "move piece, %s", s.name)
		}
		p.settle()
	}
	return nil
}

// EnableMotors energizes every axis.
func (p *Planner) EnableMotors() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return multierr.Combine(p.x.Enable(), p.y.Enable(), p.z.Enable())
}

// DisableMotors releases every axis.
func (p *Planner) DisableMotors() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return multierr.Combine(p.x.Disable(), p.y.Disable(), p.z.Disable())
}

func outOfRange(ax *axis.Driver, mm float64) error {
	l := ax.Limits()
	if !l.Defined {
		return errors.Wrapf(ErrOutOfRange, "%s=%.2f: axis not homed", ax.ID(), mm)
	}
	return errors.Wrapf(ErrOutOfRange, "%s=%.2f outside [%.2f, %.2f]", ax.ID(), mm, l.Min, l.Max)
}

func (p *Planner) checkZ(z float64) error {
	if !p.z.InRange(z) {
		return outOfRange(p.z, z)
	}
	if !p.heightsSet {
		return errors.Wrapf(ErrOutOfRange, "z=%.2f: heights unknown", z)
	}
	if z > p.heights.MaxHeight+0.5/p.z.StepsPerMm() {
		return errors.Wrapf(ErrOutOfRange, "z=%.2f above max height %.2f", z, p.heights.MaxHeight)
	}
	return nil
}

func (p *Planner) check(x, y, z float64) error {
	if !p.x.InRange(x) {
		return outOfRange(p.x, x)
	}
	if !p.y.InRange(y) {
		return outOfRange(p.y, y)
	}
	return p.checkZ(z)
}

// moveTo lowers Z before XY travel when the target is below the current
// height, then moves X, Y and finally Z. The early descent stops at the
// release height, or at the target when that is higher.
func (p *Planner) moveTo(x, y, z float64) error {
	if err := p.check(x, y, z); err != nil {
		return err
	}
	debug.Verbose("move to (%.2f, %.2f, %.2f)", x, y, z)

	cur := p.z.Position()
	if cur > p.heights.Release && z < cur {
		if err := p.driveZ(math.Max(z, p.heights.Release)); err != nil {
			return err
		}
	}
	if _, err := p.x.MoveTo(x, axis.Fast); err != nil {
		return err
	}
	if _, err := p.y.MoveTo(y, axis.Fast); err != nil {
		return err
	}
	return p.driveZ(z)
}

func (p *Planner) driveZ(z float64) error {
	_, err := p.z.MoveTo(z, axis.Fast)
	return err
}

func (p *Planner) settle() {
	if p.cfg.Settle > 0 {
		p.sleeper.Sleep(p.cfg.Settle)
	}
}
