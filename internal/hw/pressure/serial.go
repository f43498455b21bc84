package pressure

import (
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/cjeanneret/winequeen/internal/debug"
	"github.com/tarm/serial"
)

// idlePause is slept after an empty port read so a port without a read
// timeout does not spin.
const idlePause = 5 * time.Millisecond

// SerialGauge reads an ASCII gauge that streams "<tempC>,<kPa>" lines.
//
// A reader goroutine drains the port continuously and keeps only the newest
// frame, so Read never blocks on the port and never returns backlog.
type SerialGauge struct {
	port   io.ReadCloser
	maxAge time.Duration
	now    func() time.Time

	mu       sync.Mutex
	latest   Reading
	at       time.Time
	frameErr error // newest frame did not parse
	portErr  error // reader stopped

	closing chan struct{}
	done    chan struct{}
	once    sync.Once
}

// OpenSerialGauge opens the gauge on device and starts reading it.
func OpenSerialGauge(device string, baud int, readTimeout, maxAge time.Duration) (*SerialGauge, error) {
	debug.Verbose("Pressure gauge: opening %s at %d baud", device, baud)
	port, err := serial.OpenPort(&serial.Config{Name: device, Baud: baud, ReadTimeout: readTimeout})
	if err != nil {
		return nil, fmt.Errorf("open pressure gauge %s: %w", device, err)
	}
	return NewSerialGauge(port, maxAge), nil
}

// NewSerialGauge starts streaming an already open port. Readings older than
// maxAge are reported as read failures; 0 disables the check.
func NewSerialGauge(port io.ReadCloser, maxAge time.Duration) *SerialGauge {
	g := &SerialGauge{
		port:    port,
		maxAge:  maxAge,
		now:     time.Now,
		closing: make(chan struct{}),
		done:    make(chan struct{}),
	}
	go g.stream()
	return g
}

func (g *SerialGauge) stream() {
	defer close(g.done)
	buf := make([]byte, 256)
	pending := ""

	for {
		select {
		case <-g.closing:
			return
		default:
		}

		n, err := g.port.Read(buf)
		if err != nil && !errors.Is(err, io.EOF) {
			select {
			case <-g.closing:
			default:
				debug.Warn("Pressure gauge: reader stopped: %v", err)
				g.mu.Lock()
				g.portErr = err
				g.mu.Unlock()
			}
			return
		}
		if n == 0 {
			time.Sleep(idlePause)
			continue
		}

		pending = appendRaw(pending, string(buf[:n]), 1024)
		for {
			frame, rest, ok := popFrame(pending)
			if !ok {
				break
			}
			pending = rest
			if s := strings.TrimSpace(frame); s != "" {
				g.store(s)
			}
		}
	}
}

func (g *SerialGauge) store(line string) {
	r, err := ParseReading(line)
	g.mu.Lock()
	defer g.mu.Unlock()
	if err != nil {
		g.frameErr = err
		return
	}
	debug.Trace("Pressure gauge: %q -> %.2f kPa", line, r.PressureKPa)
	g.latest, g.at, g.frameErr = r, g.now(), nil
}

// Read returns the newest reading without touching the port.
func (g *SerialGauge) Read() (Reading, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	switch {
	case g.portErr != nil:
		return Reading{}, fmt.Errorf("%w: %v", ErrSensorRead, g.portErr)
	case g.frameErr != nil:
		return Reading{}, g.frameErr
	case g.at.IsZero():
		return Reading{}, fmt.Errorf("%w: no reading from gauge yet", ErrSensorRead)
	}
	if age := g.now().Sub(g.at); g.maxAge > 0 && age > g.maxAge {
		return Reading{}, fmt.Errorf("%w: last reading is %v old", ErrSensorRead, age.Round(time.Millisecond))
	}
	return g.latest, nil
}

// Close stops the reader and closes the serial port.
func (g *SerialGauge) Close() error {
	var err error
	g.once.Do(func() {
		close(g.closing)
		err = g.port.Close()
		<-g.done
	})
	return err
}

func popFrame(buf string) (frame, rest string, ok bool) {
	idx := strings.IndexAny(buf, "\r\n")
	if idx < 0 {
		return "", buf, false
	}
	j := idx
	for j < len(buf) && (buf[j] == '\r' || buf[j] == '\n') {
		j++
	}
	return buf[:idx], buf[j:], true
}

func appendRaw(existing, chunk string, max int) string {
	combined := existing + chunk
	if len(combined) <= max {
		return combined
	}
	return combined[len(combined)-max:]
}
