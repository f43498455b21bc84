package limit

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"github.com/cjeanneret/winequeen/internal/debug"
	"github.com/cjeanneret/winequeen/internal/hw/gpio"
)

// ErrHomeNotFound is returned when a homing seek ends without the switch
// triggering.
var ErrHomeNotFound = errors.New("home limit switch not reached")

// Switch is a normally-open limit switch wired to ground with the internal
// pull-up enabled, so closing it produces a falling edge.
//
// Watch samples the hardware edge latch and raises a flag; the homing
// routine polls Triggered between steps. The watcher is the only writer and
// Reset is only called by the homing routine before a seek.
type Switch struct {
	gpio      gpio.Driver
	pin       int
	triggered atomic.Bool
}

// NewSwitch arms falling-edge detection on pin.
func NewSwitch(g gpio.Driver, pin int) (*Switch, error) {
	if err := g.SetupPin(pin, gpio.InputPullUp); err != nil {
		return nil, err
	}
	if err := g.DetectEdge(pin, gpio.FallEdge); err != nil {
		return nil, err
	}
	return &Switch{gpio: g, pin: pin}, nil
}

// Watch polls the edge latch every interval until ctx is done.
func (s *Switch) Watch(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Poll()
		}
	}
}

// Poll samples the edge latch once.
func (s *Switch) Poll() {
	hit, err := s.gpio.EdgeDetected(s.pin)
	if err != nil {
		debug.Error(err)
		return
	}
	if hit && !s.triggered.Swap(true) {
		debug.Live("Limit switch on pin %d triggered", s.pin)
	}
}

// Triggered reports whether the switch closed since the last Reset.
func (s *Switch) Triggered() bool {
	return s.triggered.Load()
}

// Reset clears the flag and any stale edge.
func (s *Switch) Reset() {
	_, _ = s.gpio.EdgeDetected(s.pin)
	s.triggered.Store(false)
}

// Pressed reads the switch level directly (LOW = closed).
func (s *Switch) Pressed() (bool, error) {
	level, err := s.gpio.ReadPin(s.pin)
	if err != nil {
		return false, err
	}
	return level == gpio.Low, nil
}
