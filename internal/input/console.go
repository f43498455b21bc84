package input

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/cjeanneret/winequeen/internal/debug"
	"golang.org/x/term"
)

// ErrQuit is returned by Console.Run when the operator presses Ctrl-C or q.
var ErrQuit = errors.New("console quit")

// Console reads single keystrokes from a terminal for bench use. Letters are
// case-insensitive; Ctrl-C and q quit.
type Console struct {
	in *os.File
}

// NewConsole reads from f (normally os.Stdin).
func NewConsole(f *os.File) *Console {
	return &Console{in: f}
}

// Run switches the terminal to raw mode (when it is one) and decodes keys
// into out until ctx is done, the input closes or the operator quits.
func (c *Console) Run(ctx context.Context, out chan<- Event) error {
	fd := int(c.in.Fd())
	if term.IsTerminal(fd) {
		oldState, err := term.MakeRaw(fd)
		if err != nil {
			return fmt.Errorf("console raw mode: %w", err)
		}
		defer func() { _ = term.Restore(fd, oldState) }()
	}
	debug.Info("Console: S=seal O=open H=home E=stop, L/R/C or 0-3 camera hints, q=quit")
	return consoleLoop(ctx, c.in, out)
}

func consoleLoop(ctx context.Context, r io.Reader, out chan<- Event) error {
	return readEvents(ctx, r, "console", out, consoleKey)
}

// consoleKey upper-cases letters and turns Ctrl-C and q into ErrQuit.
func consoleKey(b byte) (byte, error) {
	switch {
	case b == 0x03 || b == 'q':
		return 0, ErrQuit
	case b >= 'a' && b <= 'z':
		return b - 'a' + 'A', nil
	}
	return b, nil
}
