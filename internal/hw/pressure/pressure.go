// Package pressure reads the vacuum gauge used to close the loop on the
// sealing pump.
package pressure

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"sync"
)

// ErrSensorRead marks a failed or unparseable reading. It is never reported
// as a low pressure.
var ErrSensorRead = errors.New("pressure sensor read failed")

// Reading is one gauge sample.
type Reading struct {
	TemperatureC float64
	PressureKPa  float64
}

// Sensor is implemented by every gauge.
type Sensor interface {
	Read() (Reading, error)
}

// ParseReading parses a "<tempC>,<kPa>" gauge line.
func ParseReading(line string) (Reading, error) {
	fields := strings.Split(strings.TrimSpace(line), ",")
	if len(fields) != 2 {
		return Reading{}, fmt.Errorf("%w: malformed line %q", ErrSensorRead, line)
	}
	temp, err := strconv.ParseFloat(strings.TrimSpace(fields[0]), 64)
	if err != nil {
		return Reading{}, fmt.Errorf("%w: temperature %q: %v", ErrSensorRead, fields[0], err)
	}
	kpa, err := strconv.ParseFloat(strings.TrimSpace(fields[1]), 64)
	if err != nil {
		return Reading{}, fmt.Errorf("%w: pressure %q: %v", ErrSensorRead, fields[1], err)
	}
	if math.IsNaN(temp) || math.IsInf(temp, 0) || math.IsNaN(kpa) || math.IsInf(kpa, 0) {
		return Reading{}, fmt.Errorf("%w: non-finite value in %q", ErrSensorRead, line)
	}
	return Reading{TemperatureC: temp, PressureKPa: kpa}, nil
}

// Step is one scripted Mock result.
type Step struct {
	Reading Reading
	Err     error
}

// Mock replays a scripted trace. The last step repeats once the script is
// exhausted.
type Mock struct {
	mu    sync.Mutex
	steps []Step
	next  int
	reads int
}

// NewMock returns a Mock replaying steps.
func NewMock(steps ...Step) *Mock {
	return &Mock{steps: steps}
}

// Trace returns a Mock reporting each pressure in turn at room temperature.
func Trace(kpa ...float64) *Mock {
	steps := make([]Step, len(kpa))
	for i, p := range kpa {
		steps[i] = Step{Reading: Reading{TemperatureC: 20, PressureKPa: p}}
	}
	return NewMock(steps...)
}

// Ramp returns a Mock whose pressure falls from start to floor by step kPa
// per read, a rough stand-in for the pump in mock mode.
func Ramp(start, floor, step float64) *Mock {
	if step <= 0 {
		step = 1
	}
	var kpa []float64
	for p := start; p > floor; p -= step {
		kpa = append(kpa, p)
	}
	kpa = append(kpa, floor)
	return Trace(kpa...)
}

func (m *Mock) Read() (Reading, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.reads++
	if len(m.steps) == 0 {
		return Reading{}, fmt.Errorf("%w: empty trace", ErrSensorRead)
	}
	s := m.steps[min(m.next, len(m.steps)-1)]
	if m.next < len(m.steps) {
		m.next++
	}
	if s.Err != nil {
		return Reading{}, s.Err
	}
	return s.Reading, nil
}

// Reads returns how many times Read was called.
func (m *Mock) Reads() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.reads
}

// Reset rewinds the script.
func (m *Mock) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.next = 0
	m.reads = 0
}
