// Package axis drives one logical gantry axis and keeps its dead-reckoned
// position and soft limits.
package axis

import (
	"math"
	"time"

	"github.com/pkg/errors"

	"github.com/cjeanneret/CheckerGantry/internal/debug"
	"github.com/cjeanneret/CheckerGantry/internal/hw/gpio"
)

// ID names a logical axis.
type ID int

const (
	X ID = iota
	Y
	Z
)

func (id ID) String() string {
	switch id {
	case X:
		return "x"
	case Y:
		return "y"
	case Z:
		return "z"
	}
	return "?"
}

// Direction is the travel sense relative to the limit switches.
// Positive machine millimeters always point toward the max switch.
type Direction int

const (
	TowardMin Direction = -1
	TowardMax Direction = 1
)

func (d Direction) String() string {
	if d == TowardMin {
		return "toward_min"
	}
	return "toward_max"
}

// Opposite returns the reverse direction.
func (d Direction) Opposite() Direction {
	return -d
}

// Tier selects the pulse delay.
type Tier int

const (
	// Fast is used for open travel and limit seeking.
	Fast Tier = iota
	// Slow is used for backoff and fine positioning.
	Slow
)

func (t Tier) String() string {
	if t == Slow {
		return "slow"
	}
	return "fast"
}

// Motor is the pulse generator behind an axis.
type Motor interface {
	Steps(n int, dir gpio.Level, half time.Duration, stop func() (bool, error)) (int, error)
	Enable() error
	Disable() error
}

// Config describes one axis.
type Config struct {
	ID         ID
	StepsPerMm float64
	// TowardMax is the DIR level that moves the carriage toward its max switch.
	TowardMax gpio.Level
	FastDelay time.Duration // pulse half period, fast tier
	SlowDelay time.Duration // pulse half period, slow tier
}

// SoftLimits is the travel window enforced on targets. The zero value is
// undefined and contains nothing.
type SoftLimits struct {
	Min, Max float64
	Defined  bool
}

// Contains reports whether mm lies in [Min, Max]. Undefined limits contain
// nothing. A half-step tolerance absorbs rounding at the bounds.
func (l SoftLimits) Contains(mm float64, stepsPerMm float64) bool {
	if !l.Defined || math.IsNaN(mm) {
		return false
	}
	tol := 0.0
	if stepsPerMm > 0 {
		tol = 0.5 / stepsPerMm
	}
	return mm >= l.Min-tol && mm <= l.Max+tol
}

// Driver moves one axis. It is not safe for concurrent use; callers
// serialize access (see motion.Planner).
type Driver struct {
	cfg     Config
	motor   Motor
	tracker Tracker
	limits  SoftLimits
}

// New builds a Driver. A nil tracker means dead reckoning from zero.
func New(cfg Config, motor Motor, tracker Tracker) (*Driver, error) {
	if cfg.StepsPerMm <= 0 {
		return nil, errors.Errorf("axis %s: steps_per_mm must be > 0", cfg.ID)
	}
	if cfg.FastDelay <= 0 || cfg.SlowDelay <= 0 {
		return nil, errors.Errorf("axis %s: pulse delays must be > 0", cfg.ID)
	}
	if tracker == nil {
		tracker = &DeadReckoning{}
	}
	return &Driver{cfg: cfg, motor: motor, tracker: tracker}, nil
}

// ID returns the axis identifier.
func (d *Driver) ID() ID { return d.cfg.ID }

// StepsPerMm returns the axis calibration constant.
func (d *Driver) StepsPerMm() float64 { return d.cfg.StepsPerMm }

// Position returns the position estimate in mm.
func (d *Driver) Position() float64 {
	return float64(d.tracker.Steps()) / d.cfg.StepsPerMm
}

// SetPosition redefines the current location as mm without moving.
func (d *Driver) SetPosition(mm float64) {
	d.tracker.Set(d.MmToSteps(mm))
}

// MmToSteps converts a distance to the nearest whole step count.
func (d *Driver) MmToSteps(mm float64) int64 {
	return int64(math.Round(mm * d.cfg.StepsPerMm))
}

// Limits returns the current soft limits.
func (d *Driver) Limits() SoftLimits { return d.limits }

// SetLimits installs soft limits.
func (d *Driver) SetLimits(min, max float64) {
	d.limits = SoftLimits{Min: min, Max: max, Defined: true}
}

// ClearLimits makes every target out of range until limits are set again.
func (d *Driver) ClearLimits() {
	d.limits = SoftLimits{}
}

// InRange reports whether mm is inside the soft limits.
func (d *Driver) InRange(mm float64) bool {
	return d.limits.Contains(mm, d.cfg.StepsPerMm)
}

func (d *Driver) delay(t Tier) time.Duration {
	if t == Slow {
		return d.cfg.SlowDelay
	}
	return d.cfg.FastDelay
}

func (d *Driver) level(dir Direction) gpio.Level {
	if dir == TowardMax {
		return d.cfg.TowardMax
	}
	return !d.cfg.TowardMax
}

// Step emits up to count pulses in dir. stop, when non-nil, is checked
// before each pulse and ends the run early. The position estimate advances
// by the pulses actually emitted, which are returned.
func (d *Driver) Step(count int, dir Direction, tier Tier, stop func() (bool, error)) (int, error) {
	if count <= 0 {
		return 0, nil
	}
	done, err := d.motor.Steps(count, d.level(dir), d.delay(tier), stop)
	d.tracker.Advance(int64(done) * int64(dir))
	debug.Move(d.cfg.ID.String(), done, dir.String())
	if err != nil {
		return done, errors.Wrapf(err, "axis %s", d.cfg.ID)
	}
	return done, nil
}

// MoveTo drives to target mm without consulting soft limits. It returns the
// number of pulses emitted.
func (d *Driver) MoveTo(target float64, tier Tier) (int, error) {
	delta := target - d.Position()
	dir := TowardMax
	if delta < 0 {
		dir = TowardMin
	}
	steps := int(math.Round(math.Abs(delta) * d.cfg.StepsPerMm))
	return d.Step(steps, dir, tier, nil)
}

// Enable energizes the motor driver.
func (d *Driver) Enable() error {
	return errors.Wrapf(d.motor.Enable(), "enable axis %s", d.cfg.ID)
}

// Disable releases the motor. The position estimate is kept but can no longer
// be trusted once the carriage is moved by hand.
func (d *Driver) Disable() error {
	return errors.Wrapf(d.motor.Disable(), "disable axis %s", d.cfg.ID)
}
