package stepper

import (
	"time"

	"github.com/pkg/errors"

	"github.com/cjeanneret/CheckerGantry/internal/debug"
	"github.com/cjeanneret/CheckerGantry/internal/hw/gpio"
	"github.com/cjeanneret/CheckerGantry/internal/hw/timing"
)

// Config holds the hardware configuration for one logical stepper.
// Several STEP/DIR pairs may be listed when motors are driven as one
// (the gantry's Y carriage has a motor on each side).
type Config struct {
	StepPins  []int
	DirPins   []int
	EnablePin int           // A4988 ENABLE pin. 0 = not used. Active LOW (LOW=enabled).
	DirSettle time.Duration // wait after changing DIR before the first pulse
}

// Stepper pulses one or more A4988 drivers in lockstep.
type Stepper struct {
	gpio    gpio.Driver
	sleeper timing.Sleeper
	cfg     Config
}

// NewStepper configures the pins and enables the driver.
func NewStepper(g gpio.Driver, sleeper timing.Sleeper, cfg Config) (*Stepper, error) {
	if len(cfg.StepPins) == 0 {
		return nil, errors.New("stepper needs at least one step pin")
	}
	if len(cfg.StepPins) != len(cfg.DirPins) {
		return nil, errors.Errorf("stepper has %d step pins but %d dir pins", len(cfg.StepPins), len(cfg.DirPins))
	}
	for _, pin := range append(append([]int{}, cfg.StepPins...), cfg.DirPins...) {
		if err := g.SetupPin(pin, gpio.Output); err != nil {
			return nil, errors.Wrapf(err, "setup stepper pin %d", pin)
		}
	}

	s := &Stepper{
		gpio:    g,
		sleeper: sleeper,
		cfg:     cfg,
	}

	// A4988 ENABLE: active LOW. LOW = enabled, HIGH = disabled.
	if cfg.EnablePin > 0 {
		if err := g.SetupPin(cfg.EnablePin, gpio.Output); err != nil {
			return nil, errors.Wrapf(err, "setup enable pin %d", cfg.EnablePin)
		}
		if err := g.WritePin(cfg.EnablePin, gpio.Low); err != nil {
			return nil, err
		}
	}

	return s, nil
}

// Steps sets DIR to dir, then emits up to n pulses with half as the
// duration of each pulse half-cycle. stop is consulted before every pulse;
// when it returns true the run ends early. Returns the pulses emitted.
func (s *Stepper) Steps(n int, dir gpio.Level, half time.Duration, stop func() (bool, error)) (int, error) {
	if n <= 0 {
		return 0, nil
	}
	if err := s.setDirection(dir); err != nil {
		return 0, err
	}

	debug.Trace("Stepper %v: up to %d pulses dir=%s half=%s", s.cfg.StepPins, n, dir, half)

	for i := 0; i < n; i++ {
		if stop != nil {
			halt, err := stop()
			if err != nil {
				return i, err
			}
			if halt {
				return i, nil
			}
		}
		if err := s.pulse(half); err != nil {
			return i, err
		}
	}
	return n, nil
}

func (s *Stepper) setDirection(dir gpio.Level) error {
	for _, pin := range s.cfg.DirPins {
		if err := s.gpio.WritePin(pin, dir); err != nil {
			return errors.Wrapf(err, "write dir pin %d", pin)
		}
	}
	if s.cfg.DirSettle > 0 {
		s.sleeper.Sleep(s.cfg.DirSettle)
	}
	return nil
}

func (s *Stepper) pulse(half time.Duration) error {
	for _, pin := range s.cfg.StepPins {
		if err := s.gpio.WritePin(pin, gpio.High); err != nil {
			return errors.Wrapf(err, "write step pin %d", pin)
		}
	}
	s.sleeper.Sleep(half)
	for _, pin := range s.cfg.StepPins {
		if err := s.gpio.WritePin(pin, gpio.Low); err != nil {
			return errors.Wrapf(err, "write step pin %d", pin)
		}
	}
	s.sleeper.Sleep(half)
	return nil
}

// Enable turns on the motor driver (A4988 ENABLE=LOW). Motors hold position.
func (s *Stepper) Enable() error {
	if s.cfg.EnablePin <= 0 {
		return nil
	}
	return s.gpio.WritePin(s.cfg.EnablePin, gpio.Low)
}

// Disable turns off the motor driver (A4988 ENABLE=HIGH). Motors freewheel
// and the position estimate is no longer trustworthy.
func (s *Stepper) Disable() error {
	if s.cfg.EnablePin <= 0 {
		return nil
	}
	return s.gpio.WritePin(s.cfg.EnablePin, gpio.High)
}
