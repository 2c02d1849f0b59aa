// Package events defines the lifecycle event stream pushed to the controller.
//
// The supervisor publishes events to a Bus; consumers (the controller bridge,
// log sinks) subscribe rather than the supervisor holding a live reference to
// any UI object. Subscriber channels are bounded and a slow subscriber drops
// events instead of stalling the supervisor.
package events

import (
	"sync"
	"time"
)

// Event types for the lifecycle stream.
const (
	// TypeStarted signals the run's process has started.
	TypeStarted = "started"

	// TypeStdout carries one line of process standard output.
	TypeStdout = "stdout"

	// TypeStderr carries one line of process standard error.
	TypeStderr = "stderr"

	// TypeExit signals the run has been finalized.
	TypeExit = "exit"
)

// Event is one entry in the lifecycle stream. Fields beyond Type, RunID and
// Timestamp are populated per type: Title/PID for started, Line for
// stdout/stderr, ExitCode/Signal for exit.
type Event struct {
	// Type is one of the Type* constants.
	Type string `json:"type"`

	// RunID identifies the run this event belongs to.
	RunID string `json:"runId"`

	// Title is the run title (started events).
	Title string `json:"title,omitempty"`

	// PID is the OS process id (started events).
	PID int `json:"pid,omitempty"`

	// Line is one line of captured output (stdout/stderr events).
	Line string `json:"line,omitempty"`

	// ExitCode is the process exit code (exit events), nil when the process
	// was killed by a signal or the code is unknown.
	ExitCode *int `json:"exitCode"`

	// Signal annotates how the run ended (exit events).
	Signal *string `json:"signal"`

	// Timestamp is when the event was published.
	Timestamp time.Time `json:"ts"`
}

// Bus is a bounded broadcast stream of lifecycle events.
type Bus struct {
	mu     sync.Mutex
	nextID int
	subs   map[int]chan Event
	buffer int
}

// NewBus creates a bus whose subscriber channels buffer up to buffer events.
func NewBus(buffer int) *Bus {
	if buffer <= 0 {
		buffer = 256
	}
	return &Bus{
		subs:   make(map[int]chan Event),
		buffer: buffer,
	}
}

// Subscribe registers a new consumer. The returned cancel function removes
// the subscription and closes the channel.
func (b *Bus) Subscribe() (<-chan Event, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	id := b.nextID
	b.nextID++
	ch := make(chan Event, b.buffer)
	b.subs[id] = ch

	cancel := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if sub, ok := b.subs[id]; ok {
			delete(b.subs, id)
			close(sub)
		}
	}
	return ch, cancel
}

// Publish stamps the event and delivers it to every subscriber. Delivery is
// non-blocking: a subscriber whose buffer is full misses the event.
func (b *Bus) Publish(ev Event) {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	for _, ch := range b.subs {
		select {
		case ch <- ev:
		default:
		}
	}
}

// Close removes and closes every subscription.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	for id, ch := range b.subs {
		delete(b.subs, id)
		close(ch)
	}
}
