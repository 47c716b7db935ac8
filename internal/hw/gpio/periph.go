package gpio

import (
	"strconv"

	"github.com/pkg/errors"
	"go.uber.org/multierr"
	pgpio "periph.io/x/conn/v3/gpio"
	"periph.io/x/conn/v3/gpio/gpioreg"
	"periph.io/x/host/v3"

	"github.com/cjeanneret/CheckerGantry/internal/debug"
)

// PeriphDriver drives pins through periph.io, which covers BeagleBone boards
// and any Linux host exposing its GPIO lines. Pin numbers are the kernel's
// global GPIO numbers (e.g. PocketBeagle P2_2 is 59).
type PeriphDriver struct {
	pins map[int]pgpio.PinIO
}

// NewPeriphDriver initializes the periph host drivers.
func NewPeriphDriver() (*PeriphDriver, error) {
	debug.Info("Initializing real GPIO driver (periph.io)")

	if _, err := host.Init(); err != nil {
		return nil, errors.Wrap(err, "periph host init")
	}

	return &PeriphDriver{
		pins: make(map[int]pgpio.PinIO),
	}, nil
}

func (p *PeriphDriver) lookup(pin int) (pgpio.PinIO, error) {
	if io, ok := p.pins[pin]; ok {
		return io, nil
	}
	io := gpioreg.ByName(strconv.Itoa(pin))
	if io == nil {
		return nil, errors.Errorf("no gpio line named %d", pin)
	}
	p.pins[pin] = io
	return io, nil
}

func (p *PeriphDriver) SetupPin(pin int, mode PinMode) error {
	debug.GPIO("SetupPin", pin, mode)

	io, err := p.lookup(pin)
	if err != nil {
		return err
	}

	switch mode {
	case Input:
		err = io.In(pgpio.Float, pgpio.NoEdge)
	case InputPullUp:
		err = io.In(pgpio.PullUp, pgpio.NoEdge)
	case Output:
		err = io.Out(pgpio.Low)
	default:
		return errors.Errorf("unknown pin mode: %d", mode)
	}
	return errors.Wrapf(err, "setup pin %d as %s", pin, mode)
}

func (p *PeriphDriver) WritePin(pin int, level Level) error {
	debug.GPIO("WritePin", pin, level)

	io, ok := p.pins[pin]
	if !ok {
		if err := p.SetupPin(pin, Output); err != nil {
			return err
		}
		io = p.pins[pin]
	}

	l := pgpio.Low
	if level == High {
		l = pgpio.High
	}
	return errors.Wrapf(io.Out(l), "write pin %d", pin)
}

func (p *PeriphDriver) ReadPin(pin int) (Level, error) {
	io, ok := p.pins[pin]
	if !ok {
		return Low, errors.Errorf("read of unconfigured pin %d", pin)
	}
	l := io.Read()
	debug.GPIO("ReadPin", pin, l)
	return Level(l == pgpio.High), nil
}

// Close returns every used pin to a floating input.
func (p *PeriphDriver) Close() error {
	debug.Trace("GPIO Close (periph)")

	var err error
	for pin, io := range p.pins {
		err = multierr.Append(err, errors.Wrapf(io.In(pgpio.Float, pgpio.NoEdge), "release pin %d", pin))
	}
	return err
}
