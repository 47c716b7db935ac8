package web

import (
	"encoding/json"
	"strings"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
)

// subscriberBuffer is how many events a slow client may fall behind.
const subscriberBuffer = 64

// StatusEvent is one status line pushed to SSE clients.
type StatusEvent struct {
	Time  string `json:"t"`
	Level string `json:"l,omitempty"`
	Msg   string `json:"msg"`
}

// StatusBroadcaster fans status events out to every SSE client.
type StatusBroadcaster struct {
	clock   clock.Clock
	mu      sync.RWMutex
	clients map[chan string]struct{}
}

// NewStatusBroadcaster creates a broadcaster stamped by the wall clock.
func NewStatusBroadcaster() *StatusBroadcaster {
	return NewStatusBroadcasterWithClock(clock.New())
}

// NewStatusBroadcasterWithClock creates a broadcaster stamped by c.
func NewStatusBroadcasterWithClock(c clock.Clock) *StatusBroadcaster {
	return &StatusBroadcaster{
		clock:   c,
		clients: make(map[chan string]struct{}),
	}
}

// Subscribe returns a channel of JSON-encoded events and a cleanup function.
// The caller must call the cleanup when the client goes away.
func (b *StatusBroadcaster) Subscribe() (<-chan string, func()) {
	ch := make(chan string, subscriberBuffer)
	b.mu.Lock()
	b.clients[ch] = struct{}{}
	b.mu.Unlock()

	var once sync.Once
	unsub := func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.clients, ch)
			b.mu.Unlock()
			close(ch)
		})
	}
	return ch, unsub
}

// Subscribers returns the number of connected clients.
func (b *StatusBroadcaster) Subscribers() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.clients)
}

// Broadcast sends {"t":"...","l":level,"msg":msg} to every client. A client
// whose buffer is full misses the event.
func (b *StatusBroadcaster) Broadcast(level, msg string) {
	evt := StatusEvent{
		Time:  b.clock.Now().Format(time.RFC3339),
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
		}
	}
}

// BroadcastMsg broadcasts at level "info".
func (b *StatusBroadcaster) BroadcastMsg(msg string) {
	b.Broadcast("info", msg)
}

// BroadcastWriter returns an io.Writer for debug.SetOutput. Each written log
// line becomes one event; the level is taken from the console encoder's
// level column.
func BroadcastWriter(b *StatusBroadcaster) *broadcastWriter {
	return &broadcastWriter{b: b}
}

type broadcastWriter struct {
	b *StatusBroadcaster
}

func (w *broadcastWriter) Write(p []byte) (n int, err error) {
	for _, line := range strings.Split(string(p), "\n") {
		msg := strings.TrimSpace(line)
		if msg == "" {
			continue
		}
		w.b.Broadcast(lineLevel(msg), msg)
	}
	return len(p), nil
}

// lineLevel maps a tab-separated console log line to an event level.
func lineLevel(line string) string {
	switch {
	case strings.Contains(line, "\tERROR\t"), strings.Contains(line, "\tDPANIC\t"),
		strings.Contains(line, "\tPANIC\t"), strings.Contains(line, "\tFATAL\t"):
		return "error"
	case strings.Contains(line, "\tWARN\t"):
		return "warn"
	}
	return "info"
}
