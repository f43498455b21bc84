// Package input turns buttons, serial bytes and console keys into machine
// events for the sequencer.
package input

import (
	"context"
	"fmt"
)

// Kind identifies what an event asks the machine to do.
type Kind int

const (
	KindSeal Kind = iota + 1
	KindOpen
	KindEmergencyStop
	KindHome
	KindHintLeft     // camera: bottle is left of the camera axis, jog X by +jog
	KindHintRight    // camera: bottle is right of the camera axis, jog X by -jog
	KindHintCenter   // camera: centered, alignment done
	KindHintNotFound // camera: no bottle in view, alignment failed
)

func (k Kind) String() string {
	switch k {
	case KindSeal:
		return "seal"
	case KindOpen:
		return "open"
	case KindEmergencyStop:
		return "emergency-stop"
	case KindHome:
		return "home"
	case KindHintLeft:
		return "hint-left"
	case KindHintRight:
		return "hint-right"
	case KindHintCenter:
		return "hint-center"
	case KindHintNotFound:
		return "hint-not-found"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// IsHint reports whether k is a camera alignment hint.
func (k Kind) IsHint() bool {
	return k >= KindHintLeft && k <= KindHintNotFound
}

// Event is one decoded input.
type Event struct {
	Kind   Kind
	Source string // "button", "serial", "console", "web"
	Byte   byte   // raw command byte, 0 for buttons
}

func (e Event) String() string {
	if e.Byte != 0 {
		return fmt.Sprintf("%s from %s (%q)", e.Kind, e.Source, e.Byte)
	}
	return fmt.Sprintf("%s from %s", e.Kind, e.Source)
}

// commands maps single-byte commands onto event kinds. The digits are the
// vision host's codes; R, L and C are the same hints typed by hand.
var commands = map[byte]Kind{
	'S': KindSeal,
	'O': KindOpen,
	'E': KindEmergencyStop,
	'H': KindHome,
	'0': KindHintLeft,
	'1': KindHintRight,
	'2': KindHintCenter,
	'3': KindHintNotFound,
	'L': KindHintLeft,
	'R': KindHintRight,
	'C': KindHintCenter,
}

// Decode maps a command byte onto an event. Unknown bytes (CR and LF
// included) are ignored.
func Decode(b byte) (Event, bool) {
	k, ok := commands[b]
	if !ok {
		return Event{}, false
	}
	return Event{Kind: k, Byte: b}, true
}

// Send delivers ev, blocking until the queue accepts it or ctx is done.
func Send(ctx context.Context, out chan<- Event, ev Event) bool {
	select {
	case out <- ev:
		return true
	case <-ctx.Done():
		return false
	}
}

// TrySend delivers ev only if the queue has room.
func TrySend(out chan<- Event, ev Event) bool {
	select {
	case out <- ev:
		return true
	default:
		return false
	}
}
