// Package sim is a gpio.Driver that behaves like the gantry: it counts step
// pulses per axis and reports limit switches as closed once a carriage
// reaches them.
package sim

import (
	"sync"

	"github.com/pkg/errors"

	"github.com/cjeanneret/CheckerGantry/internal/debug"
	"github.com/cjeanneret/CheckerGantry/internal/hw/gpio"
)

// AxisSpec places one simulated carriage. Positions are in steps from where
// the carriage sits at power-on.
type AxisSpec struct {
	Name      string
	StepPins  []int
	DirPins   []int
	TowardMax gpio.Level
	MinPin    int
	MaxPin    int
	MinStep   int64 // min switch closes at or below this position
	MaxStep   int64 // max switch closes at or above this position
	// Dead switches never close.
	MinDead, MaxDead bool
}

// Move is a run of consecutive pulses on one axis.
type Move struct {
	Axis  string
	Steps int64 // signed, positive toward max
}

type axisState struct {
	spec AxisSpec
	pos  int64
}

// Gantry is the simulated machine.
type Gantry struct {
	mu        sync.Mutex
	axes      []*axisState
	byStep    map[int]*axisState
	triggered gpio.Level
	levels    map[int]gpio.Level
	modes     map[int]gpio.PinMode
	moves     []Move
	reads     int
}

// New builds a simulated gantry. triggered is the level a closed switch reads.
func New(triggered gpio.Level, specs ...AxisSpec) (*Gantry, error) {
	g := &Gantry{
		byStep:    make(map[int]*axisState),
		triggered: triggered,
		levels:    make(map[int]gpio.Level),
		modes:     make(map[int]gpio.PinMode),
	}
	for _, spec := range specs {
		if len(spec.StepPins) == 0 || len(spec.DirPins) == 0 {
			return nil, errors.Errorf("sim axis %s needs step and dir pins", spec.Name)
		}
		if spec.MinStep >= spec.MaxStep {
			return nil, errors.Errorf("sim axis %s: min switch must sit below max switch", spec.Name)
		}
		a := &axisState{spec: spec}
		g.axes = append(g.axes, a)
		// Dual motors pulse together; the first STEP pin stands for the carriage.
		g.byStep[spec.StepPins[0]] = a
	}
	return g, nil
}

func (g *Gantry) SetupPin(pin int, mode gpio.PinMode) error {
	debug.GPIO("SetupPin (sim)", pin, mode)
	g.mu.Lock()
	defer g.mu.Unlock()
	g.modes[pin] = mode
	return nil
}

func (g *Gantry) WritePin(pin int, level gpio.Level) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	prev := g.levels[pin]
	g.levels[pin] = level
	a, ok := g.byStep[pin]
	if !ok || level != gpio.High || prev == gpio.High {
		return nil
	}
	delta := int64(-1)
	if g.levels[a.spec.DirPins[0]] == a.spec.TowardMax {
		delta = 1
	}
	a.pos += delta
	if n := len(g.moves); n > 0 && g.moves[n-1].Axis == a.spec.Name && sameSign(g.moves[n-1].Steps, delta) {
		g.moves[n-1].Steps += delta
	} else {
		g.moves = append(g.moves, Move{Axis: a.spec.Name, Steps: delta})
	}
	return nil
}

func sameSign(a, b int64) bool {
	return (a < 0) == (b < 0)
}

func (g *Gantry) ReadPin(pin int) (gpio.Level, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.reads++
	for _, a := range g.axes {
		var closed bool
		switch pin {
		case a.spec.MinPin:
			closed = !a.spec.MinDead && a.pos <= a.spec.MinStep
		case a.spec.MaxPin:
			closed = !a.spec.MaxDead && a.pos >= a.spec.MaxStep
		default:
			continue
		}
		if closed {
			return g.triggered, nil
		}
		return !g.triggered, nil
	}
	return g.levels[pin], nil
}

func (g *Gantry) Close() error {
	debug.Trace("GPIO Close (sim)")
	return nil
}

// Position returns the carriage position, in steps, of the named axis.
func (g *Gantry) Position(name string) int64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	for _, a := range g.axes {
		if a.spec.Name == name {
			return a.pos
		}
	}
	return 0
}

// Moves returns the pulse runs seen so far.
func (g *Gantry) Moves() []Move {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]Move(nil), g.moves...)
}

// ResetMoves forgets the recorded pulse runs.
func (g *Gantry) ResetMoves() {
	g.mu.Lock()
	g.moves = nil
	g.mu.Unlock()
}

// Mode returns how a pin was configured.
func (g *Gantry) Mode(pin int) gpio.PinMode {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.modes[pin]
}

// Level returns the last level written to a pin.
func (g *Gantry) Level(pin int) gpio.Level {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.levels[pin]
}
