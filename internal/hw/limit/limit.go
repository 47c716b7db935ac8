// Package limit reads the gantry's six end-of-travel switches.
package limit

import (
	"fmt"
	"strings"
	"time"

	"github.com/pkg/errors"

	"github.com/cjeanneret/CheckerGantry/internal/debug"
	"github.com/cjeanneret/CheckerGantry/internal/hw/gpio"
	"github.com/cjeanneret/CheckerGantry/internal/hw/timing"
)

// Switch identifies one limit switch.
type Switch int

const (
	XMin Switch = iota
	XMax
	YMin
	YMax
	ZMin
	ZMax
	numSwitches
)

// All lists every switch in snapshot order.
var All = [...]Switch{XMin, XMax, YMin, YMax, ZMin, ZMax}

var switchNames = [...]string{"x_min", "x_max", "y_min", "y_max", "z_min", "z_max"}

func (s Switch) String() string {
	if s < 0 || s >= numSwitches {
		return fmt.Sprintf("switch(%d)", int(s))
	}
	return switchNames[s]
}

// State is a snapshot of all six switches; true means triggered.
type State [numSwitches]bool

// Triggered reports the flag for one switch.
func (st State) Triggered(s Switch) bool {
	return st[s]
}

// Any reports whether any switch is triggered.
func (st State) Any() bool {
	for _, v := range st {
		if v {
			return true
		}
	}
	return false
}

// String renders "x_min=0 x_max=1 ...".
func (st State) String() string {
	parts := make([]string, 0, numSwitches)
	for _, s := range All {
		v := 0
		if st[s] {
			v = 1
		}
		parts = append(parts, fmt.Sprintf("%s=%d", s, v))
	}
	return strings.Join(parts, " ")
}

// Config maps switches to input pins.
type Config struct {
	Pins map[Switch]int
	// Triggered is the level read while a switch is closed. Switches wired
	// to ground against the pull-up read Low.
	Triggered gpio.Level
	// Settle is the wait between the two reads of Confirm.
	Settle time.Duration
}

// Sensor polls the limit switches.
type Sensor struct {
	gpio    gpio.Driver
	sleeper timing.Sleeper
	cfg     Config
}

// New configures every switch pin as a pull-up input.
func New(g gpio.Driver, sleeper timing.Sleeper, cfg Config) (*Sensor, error) {
	for _, s := range All {
		pin, ok := cfg.Pins[s]
		if !ok {
			return nil, errors.Errorf("no pin configured for limit switch %s", s)
		}
		if err := g.SetupPin(pin, gpio.InputPullUp); err != nil {
			return nil, errors.Wrapf(err, "setup limit switch %s (pin %d)", s, pin)
		}
	}
	return &Sensor{gpio: g, sleeper: sleeper, cfg: cfg}, nil
}

// Read samples one switch once.
func (s *Sensor) Read(sw Switch) (bool, error) {
	pin, ok := s.cfg.Pins[sw]
	if !ok {
		return false, errors.Errorf("unknown limit switch %s", sw)
	}
	lvl, err := s.gpio.ReadPin(pin)
	if err != nil {
		return false, errors.Wrapf(err, "read limit switch %s", sw)
	}
	triggered := lvl == s.cfg.Triggered
	debug.Limit(sw.String(), triggered)
	return triggered, nil
}

// Confirm returns true only when two reads separated by the settle delay
// both see the switch triggered. An untriggered first read returns at once.
func (s *Sensor) Confirm(sw Switch) (bool, error) {
	first, err := s.Read(sw)
	if err != nil || !first {
		return false, err
	}
	s.sleeper.Sleep(s.cfg.Settle)
	second, err := s.Read(sw)
	if err != nil {
		return false, err
	}
	if !second {
		debug.Trace("limit %s bounced, ignoring", sw)
	}
	return second, nil
}

// Snapshot reads every switch once.
func (s *Sensor) Snapshot() (State, error) {
	var st State
	for _, sw := range All {
		v, err := s.Read(sw)
		if err != nil {
			return st, err
		}
		st[sw] = v
	}
	return st, nil
}
