package session

import (
	"sync"
	"time"

	"github.com/daoch4n/anima/pkg/core/energy"
)

// Event is the interface for all session lifecycle events.
type Event interface {
	// EventType returns the event type string for serialization.
	EventType() string
}

// StartedEvent is emitted once a conduit is open and the session is live.
type StartedEvent struct {
	SessionID string      `json:"session_id"`
	Mode      energy.Mode `json:"mode"`
	Model     string      `json:"model"`
	Resumed   bool        `json:"resumed,omitempty"`
}

func (e *StartedEvent) EventType() string { return "session-started" }

// EndedEvent is emitted after teardown completes.
type EndedEvent struct {
	SessionID string      `json:"session_id"`
	Mode      energy.Mode `json:"mode"`
}

func (e *EndedEvent) EventType() string { return "session-ended" }

// GoAwayEvent is emitted when the server announces an imminent disconnect.
type GoAwayEvent struct {
	Mode     energy.Mode   `json:"mode"`
	TimeLeft time.Duration `json:"time_left"`
}

func (e *GoAwayEvent) EventType() string { return "go-away" }

// RateLimitEvent marks an embedded rate-limit signal. The session stays up;
// the orchestration layer owns the reaction.
type RateLimitEvent struct {
	Mode energy.Mode `json:"mode"`
}

func (e *RateLimitEvent) EventType() string { return "rate-limit-error" }

// NetworkErrorEvent is emitted for a mid-session transport failure.
type NetworkErrorEvent struct {
	Mode      energy.Mode `json:"mode"`
	Attempt   int         `json:"attempt"`
	WillRetry bool        `json:"will_retry"`
	Err       error       `json:"-"`
}

func (e *NetworkErrorEvent) EventType() string { return "network-error" }

// ReconnectingEvent is emitted just before a reconnection attempt.
type ReconnectingEvent struct {
	Mode    energy.Mode `json:"mode"`
	Attempt int         `json:"attempt,omitempty"`
}

func (e *ReconnectingEvent) EventType() string { return "reconnecting" }

// ResumedEvent is emitted after a successful reconnection.
type ResumedEvent struct {
	SessionID string      `json:"session_id"`
	Mode      energy.Mode `json:"mode"`
}

func (e *ResumedEvent) EventType() string { return "session-resumed" }

// MessageEvent carries the latest inbound content fragment for UI
// consumption. Fragments are forwarded as they arrive, not batched.
type MessageEvent struct {
	Mode   energy.Mode `json:"mode"`
	Sender string      `json:"sender"`
	Text   string      `json:"text"`
}

func (e *MessageEvent) EventType() string { return "message-received" }

// Emitter fans events out to registered listeners. Emission is synchronous
// and in-process: listeners run on the emitting goroutine, in registration
// order, with no queuing.
type Emitter struct {
	mu        sync.Mutex
	listeners []func(Event)
}

// NewEmitter creates an empty emitter.
func NewEmitter() *Emitter { return &Emitter{} }

// Subscribe registers a listener for all events.
func (e *Emitter) Subscribe(fn func(Event)) {
	if fn == nil {
		return
	}
	e.mu.Lock()
	e.listeners = append(e.listeners, fn)
	e.mu.Unlock()
}

// Emit delivers the event to every listener.
func (e *Emitter) Emit(ev Event) {
	if ev == nil {
		return
	}
	e.mu.Lock()
	listeners := append([]func(Event){}, e.listeners...)
	e.mu.Unlock()

	for _, fn := range listeners {
		fn(ev)
	}
}
