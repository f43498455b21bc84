package web

import (
	"encoding/json"
	"strconv"
	"strings"
	"sync"
	"time"
)

// LevelStatus marks machine status lines ("1", "A", "F", ...) in the stream,
// as opposed to log records.
const LevelStatus = "status"

// StatusEvent represents a single status message for SSE.
type StatusEvent struct {
	Time  string `json:"t"`
	Level string `json:"l,omitempty"`
	Msg   string `json:"msg"`
}

// StatusBroadcaster distributes status messages to multiple SSE clients.
type StatusBroadcaster struct {
	mu      sync.RWMutex
	clients map[chan string]struct{}
}

// NewStatusBroadcaster creates a new broadcaster.
func NewStatusBroadcaster() *StatusBroadcaster {
	return &StatusBroadcaster{
		clients: make(map[chan string]struct{}),
	}
}

// Subscribe returns a channel that receives broadcast messages and a cleanup function.
// The caller must call the returned cleanup when done (e.g. on client disconnect).
func (b *StatusBroadcaster) Subscribe() (<-chan string, func()) {
	ch := make(chan string, 64)
	b.mu.Lock()
	b.clients[ch] = struct{}{}
	b.mu.Unlock()

	unsub := func() {
		b.mu.Lock()
		delete(b.clients, ch)
		b.mu.Unlock()
		close(ch)
	}
	return ch, unsub
}

// Broadcast sends a message to all subscribed clients.
// Messages are sent as JSON: {"t":"...","l":"info","msg":"..."}
// Slow clients may miss messages (non-blocking, buffered).
func (b *StatusBroadcaster) Broadcast(level, msg string) {
	evt := StatusEvent{
		Time:  time.Now().Format(time.RFC3339),
		Level: level,
		Msg:   msg,
	}
	data, err := json.Marshal(evt)
	if err != nil {
		return
	}
	payload := string(data)

	b.mu.RLock()
	defer b.mu.RUnlock()
	for ch := range b.clients {
		select {
		case ch <- payload:
		default:
			// channel full, skip
		}
	}
}

// BroadcastMsg is a convenience for level "info".
func (b *StatusBroadcaster) BroadcastMsg(msg string) {
	b.Broadcast("info", msg)
}

// BroadcastWriter implements io.Writer; each Write broadcasts the content to SSE clients.
// Lines in the logrus text format keep their level and message.
func BroadcastWriter(b *StatusBroadcaster) *broadcastWriter {
	return &broadcastWriter{b: b}
}

// broadcastWriter wraps StatusBroadcaster as io.Writer for use with debug.SetOutput.
type broadcastWriter struct {
	b *StatusBroadcaster
}

func (w *broadcastWriter) Write(p []byte) (n int, err error) {
	for _, line := range strings.Split(string(p), "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		level, msg := parseLogLine(line)
		if msg != "" {
			w.b.Broadcast(level, msg)
		}
	}
	return len(p), nil
}

// parseLogLine extracts level and msg from a logrus text record such as
// `time="..." level=info msg="Seal complete"`. Other text is passed through
// as info.
func parseLogLine(line string) (level, msg string) {
	i := strings.Index(line, "level=")
	j := strings.Index(line, "msg=")
	if i < 0 || j < 0 {
		return "info", line
	}
	level = line[i+len("level="):]
	if k := strings.IndexByte(level, ' '); k >= 0 {
		level = level[:k]
	}
	msg = line[j+len("msg="):]
	if strings.HasPrefix(msg, `"`) {
		if q, err := strconv.QuotedPrefix(msg); err == nil {
			if u, err := strconv.Unquote(q); err == nil {
				return level, strings.TrimSpace(u)
			}
		}
	}
	if k := strings.IndexByte(msg, ' '); k >= 0 {
		msg = msg[:k]
	}
	return level, msg
}

// StatusLines publishes the sequencer's status lines on the stream.
func StatusLines(b *StatusBroadcaster) *statusLines {
	return &statusLines{b: b}
}

type statusLines struct {
	b *StatusBroadcaster
}

// WriteLine broadcasts line with LevelStatus.
func (s *statusLines) WriteLine(line string) error {
	s.b.Broadcast(LevelStatus, line)
	return nil
}
