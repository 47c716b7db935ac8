package gpio

import (
	"strings"
	"sync"

	"github.com/pkg/errors"

	"github.com/cjeanneret/CheckerGantry/internal/debug"
)

// Level represents the logical state of a GPIO pin.
type Level bool

const (
	Low  Level = false
	High Level = true
)

func (l Level) String() string {
	if l == High {
		return "HIGH"
	}
	return "LOW"
}

// ParseLevel accepts "high"/"low" (any case) and "1"/"0".
func ParseLevel(s string) (Level, error) {
	switch strings.ToLower(s) {
	case "high", "1":
		return High, nil
	case "low", "0":
		return Low, nil
	}
	return Low, errors.Errorf("invalid gpio level %q (want high or low)", s)
}

// PinMode indicates whether a GPIO is input or output.
type PinMode int

const (
	Input PinMode = iota
	Output
	// InputPullUp is an input with the internal pull-up enabled. Limit
	// switches close to ground, so an open switch reads High.
	InputPullUp
)

func (m PinMode) String() string {
	switch m {
	case Input:
		return "input"
	case Output:
		return "output"
	case InputPullUp:
		return "input_pullup"
	}
	return "unknown"
}

// Driver defines the abstract interface for controlling GPIOs.
// This allows plugging in a Raspberry Pi or BeagleBone implementation,
// a simulated gantry, or a mock for development on PC.
type Driver interface {
	SetupPin(pin int, mode PinMode) error
	WritePin(pin int, level Level) error
	ReadPin(pin int) (Level, error)
	Close() error
}

// Backend names accepted by NewDriver.
const (
	BackendMock   = "mock"
	BackendRPi    = "rpio"
	BackendPeriph = "periph"
	BackendSim    = "sim"
)

// NewDriver creates a GPIO driver for the named backend.
// The "sim" backend needs the axis layout and is built by the caller.
func NewDriver(backend string) (Driver, error) {
	switch backend {
	case BackendMock, "":
		debug.Info("Using MOCK GPIO driver (development mode)")
		return NewMockDriver(), nil
	case BackendRPi:
		return NewRPiRealDriver()
	case BackendPeriph:
		return NewPeriphDriver()
	}
	return nil, errors.Errorf("unsupported gpio backend %q", backend)
}

// MockDriver only logs actions. Pull-up inputs read High (switch open),
// every other pin reads Low.
type MockDriver struct {
	mu    sync.Mutex
	modes map[int]PinMode
}

// NewMockDriver returns an empty MockDriver.
func NewMockDriver() *MockDriver {
	return &MockDriver{modes: make(map[int]PinMode)}
}

func (m *MockDriver) SetupPin(pin int, mode PinMode) error {
	debug.GPIO("SetupPin", pin, mode)
	m.mu.Lock()
	m.modes[pin] = mode
	m.mu.Unlock()
	return nil
}

func (m *MockDriver) WritePin(pin int, level Level) error {
	debug.GPIO("WritePin", pin, level)
	return nil
}

func (m *MockDriver) ReadPin(pin int) (Level, error) {
	debug.GPIO("ReadPin", pin, nil)
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.modes[pin] == InputPullUp {
		return High, nil
	}
	return Low, nil
}

func (m *MockDriver) Close() error {
	debug.Trace("GPIO Close (mock)")
	return nil
}
