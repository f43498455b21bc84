package gpio

import (
	"sync"

	"github.com/cjeanneret/winequeen/internal/debug"
)

// Level represents the logical state of a GPIO pin.
type Level bool

const (
	Low  Level = false
	High Level = true
)

// PinMode indicates how a GPIO is used.
type PinMode int

const (
	Input PinMode = iota
	Output
	InputPullUp // input with the internal pull-up enabled (active-low buttons, limit switches)
	PWM         // hardware PWM output
)

// Edge selects which transition DetectEdge watches for.
type Edge int

const (
	NoEdge Edge = iota
	RiseEdge
	FallEdge
)

// MaxDuty is the full-scale PWM duty accepted by SetDuty.
const MaxDuty = 255

// Driver defines the abstract interface for controlling GPIOs.
// This allows plugging in a real Raspberry Pi implementation
// or a mock for development on PC.
type Driver interface {
	SetupPin(pin int, mode PinMode) error
	WritePin(pin int, level Level) error
	ReadPin(pin int) (Level, error)
	// SetDuty drives a PWM pin with duty in [0, MaxDuty].
	SetDuty(pin int, duty uint8) error
	// DetectEdge arms edge detection on an input pin.
	DetectEdge(pin int, edge Edge) error
	// EdgeDetected reports whether the armed edge occurred since the last call.
	EdgeDetected(pin int) (bool, error)
	Close() error
}

// MockDriver is a test implementation that logs actions and keeps pin state
// in memory. Inputs default to High (pulled up, released); tests and the
// bench console change them with SetInput.
// Used for development on PC or testing.
type MockDriver struct {
	mu      sync.Mutex
	levels  map[int]Level
	duties  map[int]uint8
	edges   map[int]Edge
	pending map[int]bool
}

// NewDriver creates a GPIO driver based on the chosen mode.
// If mock is true, returns a MockDriver (for dev/test).
// If mock is false, returns a real RPiDriver (for Raspberry Pi).
func NewDriver(mock bool) (Driver, error) {
	if mock {
		debug.Info("Using MOCK GPIO driver (development mode)")
		return &MockDriver{}, nil
	}
	return NewRPiRealDriver()
}

func (m *MockDriver) init() {
	if m.levels == nil {
		m.levels = make(map[int]Level)
		m.duties = make(map[int]uint8)
		m.edges = make(map[int]Edge)
		m.pending = make(map[int]bool)
	}
}

func (m *MockDriver) SetupPin(pin int, mode PinMode) error {
	debug.GPIO("SetupPin", pin, mode)
	m.mu.Lock()
	defer m.mu.Unlock()
	m.init()
	if mode == InputPullUp {
		m.levels[pin] = High
	}
	return nil
}

func (m *MockDriver) WritePin(pin int, level Level) error {
	debug.GPIO("WritePin", pin, level)
	m.mu.Lock()
	defer m.mu.Unlock()
	m.init()
	m.levels[pin] = level
	return nil
}

func (m *MockDriver) ReadPin(pin int) (Level, error) {
	debug.GPIO("ReadPin", pin, nil)
	m.mu.Lock()
	defer m.mu.Unlock()
	m.init()
	level, ok := m.levels[pin]
	if !ok {
		return High, nil
	}
	return level, nil
}

func (m *MockDriver) SetDuty(pin int, duty uint8) error {
	debug.GPIO("SetDuty", pin, duty)
	m.mu.Lock()
	defer m.mu.Unlock()
	m.init()
	m.duties[pin] = duty
	return nil
}

func (m *MockDriver) DetectEdge(pin int, edge Edge) error {
	debug.GPIO("DetectEdge", pin, edge)
	m.mu.Lock()
	defer m.mu.Unlock()
	m.init()
	m.edges[pin] = edge
	m.pending[pin] = false
	return nil
}

func (m *MockDriver) EdgeDetected(pin int) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.init()
	hit := m.pending[pin]
	m.pending[pin] = false
	return hit, nil
}

// SetInput simulates an external signal on pin, latching an edge event if
// one is armed for that transition.
func (m *MockDriver) SetInput(pin int, level Level) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.init()
	prev, ok := m.levels[pin]
	if !ok {
		prev = High
	}
	m.levels[pin] = level
	switch m.edges[pin] {
	case FallEdge:
		if prev == High && level == Low {
			m.pending[pin] = true
		}
	case RiseEdge:
		if prev == Low && level == High {
			m.pending[pin] = true
		}
	}
}

// Level returns the last level written to or simulated on pin.
func (m *MockDriver) Level(pin int) Level {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.init()
	return m.levels[pin]
}

// Duty returns the last PWM duty set on pin.
func (m *MockDriver) Duty(pin int) uint8 {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.init()
	return m.duties[pin]
}

func (m *MockDriver) Close() error {
	debug.Trace("GPIO Close (mock)")
	return nil
}
