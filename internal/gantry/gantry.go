// Package gantry assembles the machine from configuration and exposes the
// operations the command surfaces call.
package gantry

import (
	"context"
	"math"
	"sync"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/multierr"

	"github.com/cjeanneret/CheckerGantry/internal/calibration"
	"github.com/cjeanneret/CheckerGantry/internal/config"
	"github.com/cjeanneret/CheckerGantry/internal/debug"
	"github.com/cjeanneret/CheckerGantry/internal/hw/axis"
	"github.com/cjeanneret/CheckerGantry/internal/hw/gpio"
	"github.com/cjeanneret/CheckerGantry/internal/hw/limit"
	"github.com/cjeanneret/CheckerGantry/internal/hw/sim"
	"github.com/cjeanneret/CheckerGantry/internal/hw/stepper"
	"github.com/cjeanneret/CheckerGantry/internal/hw/timing"
	"github.com/cjeanneret/CheckerGantry/internal/logic/board"
	"github.com/cjeanneret/CheckerGantry/internal/logic/homing"
	"github.com/cjeanneret/CheckerGantry/internal/logic/motion"
)

// ErrHomingBusy is returned when a homing run is already in progress.
var ErrHomingBusy = errors.New("homing already running")

// Gantry is the assembled machine.
type Gantry struct {
	cfg     *config.Config
	gpio    gpio.Driver
	sim     *sim.Gantry
	sensor  *limit.Sensor
	axes    map[axis.ID]*axis.Driver
	planner *motion.Planner
	seq     *homing.Sequence

	mu      sync.Mutex
	running bool
	report  homing.Report
	homed   bool
}

// New opens the configured GPIO backend and builds the machine on it with
// real-time delays.
func New(cfg *config.Config) (*Gantry, error) {
	var drv gpio.Driver
	if cfg.Defaults.GPIOBackend == gpio.BackendSim {
		s, err := NewSim(cfg)
		if err != nil {
			return nil, err
		}
		drv = s
	} else {
		d, err := gpio.NewDriver(cfg.Defaults.GPIOBackend)
		if err != nil {
			return nil, err
		}
		drv = d
	}
	g, err := NewWithDriver(cfg, drv, timing.Real())
	if err != nil {
		return nil, multierr.Append(err, drv.Close())
	}
	return g, nil
}

// NewSim builds the simulated machine described by cfg.Sim: every carriage
// starts start_offset_mm above its min switch and the max switch sits
// travel_mm above the min switch.
func NewSim(cfg *config.Config) (*sim.Gantry, error) {
	triggered, err := gpio.ParseLevel(cfg.Limits.TriggeredLevel)
	if err != nil {
		return nil, err
	}
	travel := map[string]float64{"x": cfg.Sim.XTravelMm, "y": cfg.Sim.YTravelMm, "z": cfg.Sim.ZTravelMm}
	var specs []sim.AxisSpec
	for _, a := range axisConfigs(cfg) {
		toward, err := gpio.ParseLevel(a.cfg.TowardMax)
		if err != nil {
			return nil, errors.Wrapf(err, "axes.%s.toward_max", a.id)
		}
		spm := a.cfg.StepsPerMm
		specs = append(specs, sim.AxisSpec{
			Name:      a.id.String(),
			StepPins:  a.cfg.StepPins,
			DirPins:   a.cfg.DirPins,
			TowardMax: toward,
			MinPin:    a.cfg.MinPin,
			MaxPin:    a.cfg.MaxPin,
			MinStep:   -int64(math.Round(cfg.Sim.StartOffsetMm * spm)),
			MaxStep:   int64(math.Round((travel[a.id.String()] - cfg.Sim.StartOffsetMm) * spm)),
		})
	}
	return sim.New(triggered, specs...)
}

type namedAxis struct {
	id  axis.ID
	cfg config.AxisConfig
}

func axisConfigs(cfg *config.Config) []namedAxis {
	return []namedAxis{{axis.X, cfg.Axes.X}, {axis.Y, cfg.Axes.Y}, {axis.Z, cfg.Axes.Z}}
}

// NewWithDriver builds the machine on an already opened driver.
func NewWithDriver(cfg *config.Config, drv gpio.Driver, sleeper timing.Sleeper) (*Gantry, error) {
	g := &Gantry{cfg: cfg, gpio: drv, axes: make(map[axis.ID]*axis.Driver)}
	if s, ok := drv.(*sim.Gantry); ok {
		g.sim = s
	}

	triggered, err := gpio.ParseLevel(cfg.Limits.TriggeredLevel)
	if err != nil {
		return nil, errors.Wrap(err, "limits.triggered_level")
	}
	g.sensor, err = limit.New(drv, sleeper, limit.Config{
		Pins: map[limit.Switch]int{
			limit.XMin: cfg.Axes.X.MinPin, limit.XMax: cfg.Axes.X.MaxPin,
			limit.YMin: cfg.Axes.Y.MinPin, limit.YMax: cfg.Axes.Y.MaxPin,
			limit.ZMin: cfg.Axes.Z.MinPin, limit.ZMax: cfg.Axes.Z.MaxPin,
		},
		Triggered: triggered,
		Settle:    cfg.ConfirmDelay(),
	})
	if err != nil {
		return nil, err
	}

	for _, a := range axisConfigs(cfg) {
		motor, err := stepper.NewStepper(drv, sleeper, stepper.Config{
			StepPins:  a.cfg.StepPins,
			DirPins:   a.cfg.DirPins,
			EnablePin: a.cfg.EnablePin,
			DirSettle: cfg.DirSettle(),
		})
		if err != nil {
			return nil, errors.Wrapf(err, "axis %s", a.id)
		}
		toward, err := gpio.ParseLevel(a.cfg.TowardMax)
		if err != nil {
			return nil, errors.Wrapf(err, "axes.%s.toward_max", a.id)
		}
		ax, err := axis.New(axis.Config{
			ID:         a.id,
			StepsPerMm: a.cfg.StepsPerMm,
			TowardMax:  toward,
			FastDelay:  cfg.FastDelay(a.cfg),
			SlowDelay:  cfg.SlowDelay(a.cfg),
		}, motor, nil)
		if err != nil {
			return nil, err
		}
		g.axes[a.id] = ax
	}

	g.planner, err = motion.NewPlanner(g.axes[axis.X], g.axes[axis.Y], g.axes[axis.Z], motion.Config{
		Settle:         cfg.Settle(),
		AttachOffsetMm: cfg.Motion.AttachOffsetMm,
		PlaceOffsetMm:  cfg.Motion.PlaceOffsetMm,
	}, sleeper)
	if err != nil {
		return nil, err
	}

	policy, err := homing.ParsePolicy(cfg.Homing.Policy)
	if err != nil {
		return nil, err
	}
	yFirst := axis.TowardMax
	if cfg.Homing.YFirst == "min" {
		yFirst = axis.TowardMin
	}
	g.seq, err = homing.NewSequence(homing.Config{
		BackoffMm:    cfg.Homing.BackoffMm,
		MaxTravelMm:  cfg.Homing.MaxTravelMm,
		PhasePause:   cfg.PhasePause(),
		ZMaxMarginMm: cfg.Homing.ZMaxMarginMm,
		ZMinMarginMm: cfg.Homing.ZMinMarginMm,
	}, policy, g.sensor, sleeper,
		homing.Plan{Axis: g.axes[axis.X], MinSwitch: limit.XMin, MaxSwitch: limit.XMax, First: axis.TowardMin},
		homing.Plan{Axis: g.axes[axis.Y], MinSwitch: limit.YMin, MaxSwitch: limit.YMax, First: yFirst},
		homing.Plan{Axis: g.axes[axis.Z], MinSwitch: limit.ZMin, MaxSwitch: limit.ZMax, First: axis.TowardMin, Reference: homing.ReferenceRelease},
	)
	if err != nil {
		return nil, err
	}
	return g, nil
}

// Planner returns the motion planner.
func (g *Gantry) Planner() *motion.Planner { return g.planner }

// Sim returns the simulated machine, or nil on real hardware.
func (g *Gantry) Sim() *sim.Gantry { return g.sim }

// Squares returns the board size in squares per side.
func (g *Gantry) Squares() int { return g.cfg.Board.Squares }

// Home runs the homing sequence. Once X and Y are homed the board frame is
// loaded from the saved calibration, or derived from the configured strategy
// when none is saved.
func (g *Gantry) Home(ctx context.Context) (homing.Report, error) {
	g.mu.Lock()
	if g.running {
		g.mu.Unlock()
		return homing.Report{}, ErrHomingBusy
	}
	g.running = true
	g.mu.Unlock()

	rep := g.planner.RunHoming(ctx, g.seq)

	g.mu.Lock()
	g.running = false
	g.report = rep
	g.homed = true
	g.mu.Unlock()

	if err := rep.Err(); err != nil {
		return rep, err
	}
	if err := g.LoadCalibration(); err != nil {
		debug.Error(err)
	}
	return rep, nil
}

// Homing reports whether a homing run is in progress.
func (g *Gantry) Homing() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.running
}

// LastReport returns the result of the most recent homing run.
func (g *Gantry) LastReport() (homing.Report, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.report, g.homed
}

// LoadCalibration installs the saved board frame. Without a saved record
// the configured strategy is applied and saved.
func (g *Gantry) LoadCalibration() error {
	rec, err := calibration.Load(g.cfg.Board.CalibrationPath)
	if err == nil {
		f, err := rec.Frame(g.cfg.Board.Squares)
		if err != nil {
			return err
		}
		return g.install(f)
	}
	if !errors.Is(err, calibration.ErrNotFound) {
		return err
	}

	debug.Info("no saved calibration, using the %s strategy", g.cfg.Board.Strategy)
	if g.cfg.Board.Strategy == string(board.StrategyFixed) {
		x, y, ok := g.planner.HomePoint()
		if !ok {
			return motion.ErrNoHome
		}
		return g.calibrateFixedAt(board.Point{X: x, Y: y}, g.cfg.Board.SizeMm)
	}
	return g.CalibrateLimits()
}

func (g *Gantry) install(f board.Frame) error {
	m, err := board.NewMapper(f, g.cfg.Board.Squares)
	if err != nil {
		return err
	}
	g.planner.SetMapper(m)
	debug.PrintStruct("Board frame", f)
	return nil
}

func (g *Gantry) save(rec calibration.Record) error {
	rec.SavedAt = time.Now().UTC().Truncate(time.Second)
	return calibration.Save(g.cfg.Board.CalibrationPath, rec)
}

// CalibrateLimits spreads the board over the homed XY window.
func (g *Gantry) CalibrateLimits() error {
	xl, yl, err := g.planner.XYLimits()
	if err != nil {
		return err
	}
	f, err := board.FromLimits(xl.Min, xl.Max, yl.Min, yl.Max, g.cfg.Board.Squares)
	if err != nil {
		return err
	}
	if err := g.install(f); err != nil {
		return err
	}
	return g.save(calibration.FromLimits(xl.Min, xl.Max, yl.Min, yl.Max))
}

// CalibrateFixed centers a board of sizeMm on the current XY position.
func (g *Gantry) CalibrateFixed(sizeMm float64) error {
	x, y, _ := g.planner.Position()
	return g.calibrateFixedAt(board.Point{X: x, Y: y}, sizeMm)
}

func (g *Gantry) calibrateFixedAt(center board.Point, sizeMm float64) error {
	f, err := board.FixedSize(center, sizeMm, g.cfg.Board.Squares)
	if err != nil {
		return err
	}
	if err := g.install(f); err != nil {
		return err
	}
	rec := calibration.FromFrame(board.StrategyFixed, f)
	rec.BoardSize = sizeMm
	return g.save(rec)
}

// CalibrateCorners derives the frame from the four outer corners.
func (g *Gantry) CalibrateCorners(bl, br, tr, tl board.Point) error {
	f, err := board.Corners(bl, br, tr, tl, g.cfg.Board.Squares)
	if err != nil {
		return err
	}
	if err := g.install(f); err != nil {
		return err
	}
	return g.save(calibration.FromFrame(board.StrategyCorners, f))
}

// Position returns the XYZ estimate in mm.
func (g *Gantry) Position() (x, y, z float64) { return g.planner.Position() }

// XYLimits returns the X and Y soft limits.
func (g *Gantry) XYLimits() (x, y axis.SoftLimits, err error) { return g.planner.XYLimits() }

// JogTo moves to a machine position.
func (g *Gantry) JogTo(x, y, z float64) error { return g.planner.MoveToMachine(x, y, z) }

// MovePiece carries a piece between two squares.
func (g *Gantry) MovePiece(from, to board.Square) error { return g.planner.MovePiece(from, to) }

// Switches reads all six limit switches.
func (g *Gantry) Switches() (limit.State, error) { return g.sensor.Snapshot() }

// Close disables the motors and releases the GPIO backend.
func (g *Gantry) Close() error {
	return multierr.Append(g.planner.DisableMotors(), g.gpio.Close())
}

// Heights returns the Z working points once Z is homed.
func (g *Gantry) Heights() (motion.Heights, bool) { return g.planner.Heights() }
