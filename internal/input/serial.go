package input

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/cjeanneret/winequeen/internal/debug"
	"go.bug.st/serial"
)

// serialReadTimeout bounds each blocking read so the reader notices ctx.
const serialReadTimeout = 250 * time.Millisecond

// SerialPort is the single-character command channel. Inbound bytes become
// events; outbound status lines go back over the same port.
type SerialPort struct {
	port io.ReadWriteCloser
	wmu  sync.Mutex
}

// OpenSerial opens device at baud, 8N1.
func OpenSerial(device string, baud int) (*SerialPort, error) {
	debug.Verbose("Serial: opening %s at %d baud", device, baud)
	port, err := serial.Open(device, &serial.Mode{BaudRate: baud})
	if err != nil {
		return nil, fmt.Errorf("open serial %s: %w", device, err)
	}
	if err := port.SetReadTimeout(serialReadTimeout); err != nil {
		_ = port.Close()
		return nil, fmt.Errorf("set read timeout on %s: %w", device, err)
	}
	return NewSerialPort(port), nil
}

// NewSerialPort wraps an already open port.
func NewSerialPort(port io.ReadWriteCloser) *SerialPort {
	return &SerialPort{port: port}
}

// Run decodes inbound bytes into out until ctx is done or the port closes.
func (p *SerialPort) Run(ctx context.Context, out chan<- Event) error {
	return readEvents(ctx, p.port, "serial", out, nil)
}

// WriteLine sends one status line, CRLF terminated.
func (p *SerialPort) WriteLine(line string) error {
	p.wmu.Lock()
	defer p.wmu.Unlock()
	_, err := io.WriteString(p.port, line+"\r\n")
	return err
}

// Close closes the port, which also ends Run.
func (p *SerialPort) Close() error {
	return p.port.Close()
}

// readEvents decodes r byte by byte. transform, when set, may rewrite or drop
// (return 0) a byte before decoding. A read of zero bytes is a timeout.
func readEvents(ctx context.Context, r io.Reader, source string, out chan<- Event, transform func(byte) (byte, error)) error {
	buf := make([]byte, 64)
	for {
		if ctx.Err() != nil {
			return nil
		}
		n, err := r.Read(buf)
		for _, b := range buf[:n] {
			if transform != nil {
				var terr error
				if b, terr = transform(b); terr != nil {
					return terr
				}
			}
			ev, ok := Decode(b)
			if !ok {
				if b != 0 && b != '\r' && b != '\n' {
					debug.Verbose("%s: ignoring byte %q", source, b)
				}
				continue
			}
			ev.Source = source
			debug.Live("Input: %s", ev)
			if !Send(ctx, out, ev) {
				return nil
			}
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("%s read: %w", source, err)
		}
	}
}
