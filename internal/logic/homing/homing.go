// Package homing finds each axis's travel range from its limit switches and
// establishes the machine zero.
package homing

import (
	"context"
	"math"
	"time"

	"github.com/pkg/errors"

	"github.com/cjeanneret/CheckerGantry/internal/debug"
	"github.com/cjeanneret/CheckerGantry/internal/hw/axis"
	"github.com/cjeanneret/CheckerGantry/internal/hw/limit"
	"github.com/cjeanneret/CheckerGantry/internal/hw/timing"
)

// Phase is a state of the per-axis homing machine.
type Phase int

const (
	PhaseIdle Phase = iota
	PhaseCheckFirst
	PhaseSeekFirst
	PhaseBackoffFirst
	PhaseCheckSecond
	PhaseSeekSecond
	PhaseBackoffSecond
	PhaseRangeCompute
	PhaseReference
	PhaseDone
	PhaseFailed
)

var phaseNames = map[Phase]string{
	PhaseIdle:          "idle",
	PhaseCheckFirst:    "check_first",
	PhaseSeekFirst:     "seek_first",
	PhaseBackoffFirst:  "backoff_first",
	PhaseCheckSecond:   "check_second",
	PhaseSeekSecond:    "seek_second",
	PhaseBackoffSecond: "backoff_second",
	PhaseRangeCompute:  "range_compute",
	PhaseReference:     "reference",
	PhaseDone:          "done",
	PhaseFailed:        "failed",
}

func (p Phase) String() string {
	if s, ok := phaseNames[p]; ok {
		return s
	}
	return "unknown"
}

// Reference selects where an axis parks once its range is known.
type Reference int

const (
	// ReferenceCenter parks at the middle of the range (X, Y).
	ReferenceCenter Reference = iota
	// ReferenceRelease derives release and max-height working points and
	// parks at the release height (Z).
	ReferenceRelease
)

var (
	// ErrCeiling means a seek used its whole step budget without a
	// confirmed switch.
	ErrCeiling = errors.New("limit switch not reached within max travel")
	// ErrStuck means a switch was still closed after backing off.
	ErrStuck = errors.New("limit switch still closed after backoff")
	// ErrEmptyRange means the two references do not enclose any travel.
	ErrEmptyRange = errors.New("homed travel range is empty")
)

// Sensor is the switch access homing needs.
type Sensor interface {
	Confirm(sw limit.Switch) (bool, error)
	Snapshot() (limit.State, error)
}

// Plan describes how one axis homes.
type Plan struct {
	Axis      *axis.Driver
	MinSwitch limit.Switch
	MaxSwitch limit.Switch
	// First is the direction of the first seek.
	First     axis.Direction
	Reference Reference
}

// Config tunes the homing moves.
type Config struct {
	BackoffMm    float64
	MaxTravelMm  float64
	PhasePause   time.Duration
	ZMaxMarginMm float64
	ZMinMarginMm float64
}

// Result is the outcome of homing one axis. Positions are machine mm after
// the axis has been zeroed at its min reference.
type Result struct {
	Axis     axis.ID
	OK       bool
	Err      error
	FailedIn Phase

	MinMm   float64
	MaxMm   float64
	RangeMm float64
	ParkMm  float64

	// Z only.
	ReleaseMm   float64
	MaxHeightMm float64

	// Pulses spent seeking each boundary, in seek order.
	SeekSteps [2]int
}

// Machine homes a single axis.
type Machine struct {
	plan    Plan
	cfg     Config
	sensor  Sensor
	sleeper timing.Sleeper

	phase     Phase
	refFirst  float64
	refSecond float64
	result    Result
}

// NewMachine prepares a Machine in PhaseIdle.
func NewMachine(plan Plan, cfg Config, sensor Sensor, sleeper timing.Sleeper) *Machine {
	return &Machine{
		plan:    plan,
		cfg:     cfg,
		sensor:  sensor,
		sleeper: sleeper,
		result:  Result{Axis: plan.Axis.ID()},
	}
}

// Phase returns the current phase.
func (m *Machine) Phase() Phase { return m.phase }

// Run drives the machine to PhaseDone or PhaseFailed. The axis soft limits
// are cleared on entry and only set again on success.
func (m *Machine) Run(ctx context.Context) Result {
	ax := m.plan.Axis
	ax.ClearLimits()
	m.phase = PhaseCheckFirst

	for m.phase != PhaseDone && m.phase != PhaseFailed {
		if err := ctx.Err(); err != nil {
			m.fail(err)
			break
		}
		debug.Phase(ax.ID().String(), m.phase.String())
		next, err := m.step()
		if err != nil {
			m.fail(err)
			break
		}
		m.phase = next
	}

	debug.Homed(ax.ID().String(), m.result.OK, m.result.MinMm, m.result.MaxMm)
	return m.result
}

func (m *Machine) fail(err error) {
	m.result.OK = false
	m.result.FailedIn = m.phase
	m.result.Err = errors.Wrapf(err, "home axis %s (%s)", m.plan.Axis.ID(), m.phase)
	m.plan.Axis.ClearLimits()
	m.phase = PhaseFailed
	debug.Error(m.result.Err)
}

func (m *Machine) switchFor(dir axis.Direction) limit.Switch {
	if dir == axis.TowardMin {
		return m.plan.MinSwitch
	}
	return m.plan.MaxSwitch
}

func (m *Machine) step() (Phase, error) {
	first := m.plan.First
	second := first.Opposite()

	switch m.phase {
	case PhaseCheckFirst:
		return m.check(first, PhaseBackoffFirst, PhaseSeekFirst)
	case PhaseSeekFirst:
		n, err := m.seek(first)
		m.result.SeekSteps[0] = n
		return PhaseBackoffFirst, err
	case PhaseBackoffFirst:
		pos, err := m.backoff(first)
		m.refFirst = pos
		return PhaseCheckSecond, err
	case PhaseCheckSecond:
		return m.check(second, PhaseBackoffSecond, PhaseSeekSecond)
	case PhaseSeekSecond:
		n, err := m.seek(second)
		m.result.SeekSteps[1] = n
		return PhaseBackoffSecond, err
	case PhaseBackoffSecond:
		pos, err := m.backoff(second)
		m.refSecond = pos
		return PhaseRangeCompute, err
	case PhaseRangeCompute:
		return PhaseReference, m.computeRange()
	case PhaseReference:
		return PhaseDone, m.reference()
	}
	return PhaseFailed, errors.Errorf("no transition out of phase %s", m.phase)
}

// check skips the seek when the switch is already closed, so the axis is
// never driven further into it.
func (m *Machine) check(dir axis.Direction, closed, open Phase) (Phase, error) {
	if st, err := m.sensor.Snapshot(); err == nil {
		debug.Verbose("axis %s limits before %s: %s", m.plan.Axis.ID(), m.phase, st)
	}
	sw := m.switchFor(dir)
	hit, err := m.sensor.Confirm(sw)
	if err != nil {
		return PhaseFailed, err
	}
	if hit {
		debug.Live("axis %s already at %s", m.plan.Axis.ID(), sw)
		return closed, nil
	}
	return open, nil
}

func (m *Machine) ceiling() int {
	return int(math.Round(m.cfg.MaxTravelMm * m.plan.Axis.StepsPerMm()))
}

func (m *Machine) seek(dir axis.Direction) (int, error) {
	sw := m.switchFor(dir)
	found := false
	stop := func() (bool, error) {
		hit, err := m.sensor.Confirm(sw)
		if hit {
			found = true
		}
		return hit, err
	}

	budget := m.ceiling()
	n, err := m.plan.Axis.Step(budget, dir, axis.Fast, stop)
	if err != nil {
		return n, err
	}
	if !found {
		// the last pulse of the budget may have closed the switch
		if found, err = m.sensor.Confirm(sw); err != nil {
			return n, err
		}
	}
	if !found {
		return n, errors.Wrapf(ErrCeiling, "%s after %d steps", sw, n)
	}
	debug.Live("axis %s found %s after %d steps", m.plan.Axis.ID(), sw, n)
	m.pause()
	return n, nil
}

func (m *Machine) backoff(from axis.Direction) (float64, error) {
	ax := m.plan.Axis
	steps := int(ax.MmToSteps(m.cfg.BackoffMm))
	if _, err := ax.Step(steps, from.Opposite(), axis.Slow, nil); err != nil {
		return ax.Position(), err
	}
	sw := m.switchFor(from)
	stuck, err := m.sensor.Confirm(sw)
	if err != nil {
		return ax.Position(), err
	}
	if stuck {
		return ax.Position(), errors.Wrapf(ErrStuck, "%s", sw)
	}
	m.pause()
	return ax.Position(), nil
}

func (m *Machine) minMaxRefs() (float64, float64) {
	if m.plan.First == axis.TowardMin {
		return m.refFirst, m.refSecond
	}
	return m.refSecond, m.refFirst
}

func (m *Machine) computeRange() error {
	minRef, maxRef := m.minMaxRefs()
	span := maxRef - minRef
	if span <= 0 {
		return errors.Wrapf(ErrEmptyRange, "min %.3f max %.3f", minRef, maxRef)
	}
	m.result.RangeMm = span
	debug.Verbose("axis %s travel range %.3f mm", m.plan.Axis.ID(), span)
	return nil
}

func (m *Machine) reference() error {
	ax := m.plan.Axis
	minRef, _ := m.minMaxRefs()

	// Shift the estimate so the min reference becomes 0.
	ax.SetPosition(ax.Position() - minRef)
	m.result.MinMm = 0
	m.result.MaxMm = m.result.RangeMm

	switch m.plan.Reference {
	case ReferenceRelease:
		release := m.result.MinMm + m.cfg.ZMinMarginMm
		maxHeight := m.result.MaxMm - m.cfg.ZMaxMarginMm
		if release >= maxHeight {
			return errors.Wrapf(ErrEmptyRange, "release %.2f is not below max height %.2f", release, maxHeight)
		}
		m.result.ReleaseMm = release
		m.result.MaxHeightMm = maxHeight
		m.result.ParkMm = release
		if _, err := ax.MoveTo(release, axis.Slow); err != nil {
			return err
		}
	default:
		park := m.result.RangeMm / 2
		m.result.ParkMm = park
		if _, err := ax.MoveTo(park, axis.Fast); err != nil {
			return err
		}
	}
	ax.SetLimits(m.result.MinMm, m.result.MaxMm)

	m.result.OK = true
	return nil
}

func (m *Machine) pause() {
	if m.cfg.PhasePause > 0 {
		m.sleeper.Sleep(m.cfg.PhasePause)
	}
}
