package input

import (
	"context"
	"time"

	"github.com/cjeanneret/winequeen/internal/debug"
	"github.com/cjeanneret/winequeen/internal/hw/gpio"
)

// Debouncer turns a noisy active-low button level into one event per
// physical press. A level change is accepted only after the raw reading has
// been stable for longer than the window.
type Debouncer struct {
	window     time.Duration
	lastRaw    gpio.Level
	stable     gpio.Level
	lastChange time.Time
}

// NewDebouncer returns a debouncer for a released (HIGH) button.
func NewDebouncer(window time.Duration) *Debouncer {
	return &Debouncer{
		window:  window,
		lastRaw: gpio.High,
		stable:  gpio.High,
	}
}

// Update feeds one raw sample taken at now. It returns true exactly once per
// accepted press (stable HIGH to stable LOW).
func (d *Debouncer) Update(raw gpio.Level, now time.Time) bool {
	if raw != d.lastRaw {
		d.lastRaw = raw
		d.lastChange = now
		return false
	}
	if now.Sub(d.lastChange) <= d.window || raw == d.stable {
		return false
	}
	d.stable = raw
	return raw == gpio.Low
}

type button struct {
	pin  int
	kind Kind
	deb  *Debouncer
}

// Buttons polls the seal and open pushbuttons.
type Buttons struct {
	gpio     gpio.Driver
	buttons  []*button
	interval time.Duration
}

// ButtonsConfig holds the pushbutton wiring.
type ButtonsConfig struct {
	SealPin      int
	OpenPin      int
	Debounce     time.Duration
	PollInterval time.Duration
}

// NewButtons configures both pins as pulled-up inputs.
func NewButtons(g gpio.Driver, cfg ButtonsConfig) *Buttons {
	b := &Buttons{gpio: g, interval: cfg.PollInterval}
	for _, p := range []struct {
		pin  int
		kind Kind
	}{{cfg.SealPin, KindSeal}, {cfg.OpenPin, KindOpen}} {
		_ = g.SetupPin(p.pin, gpio.InputPullUp)
		b.buttons = append(b.buttons, &button{pin: p.pin, kind: p.kind, deb: NewDebouncer(cfg.Debounce)})
	}
	return b
}

// Poll samples every button once and returns the accepted presses.
func (b *Buttons) Poll(now time.Time) []Event {
	var events []Event
	for _, btn := range b.buttons {
		level, err := b.gpio.ReadPin(btn.pin)
		if err != nil {
			debug.Error(err)
			continue
		}
		if btn.deb.Update(level, now) {
			debug.Live("Button on pin %d pressed (%s)", btn.pin, btn.kind)
			events = append(events, Event{Kind: btn.kind, Source: "button"})
		}
	}
	return events
}

// Run polls the buttons until ctx is done, pushing presses into out.
func (b *Buttons) Run(ctx context.Context, out chan<- Event) {
	interval := b.interval
	if interval <= 0 {
		interval = 5 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			for _, ev := range b.Poll(now) {
				if !Send(ctx, out, ev) {
					return
				}
			}
		}
	}
}
