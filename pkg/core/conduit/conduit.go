// Package conduit defines the opaque bidirectional transport boundary to the
// remote streaming API. The session core only ever sees these interfaces and
// the normalized ServerMessage; the wire protocol stays behind a Factory
// implementation.
package conduit

import (
	"context"
	"time"
)

// Roles for content turns.
const (
	RoleUser  = "user"
	RoleModel = "model"
)

// Turn is one content turn sent over the conduit.
type Turn struct {
	Role string
	Text string
}

// Config describes how a conduit should be opened.
type Config struct {
	// Model is the concrete model identifier picked from the energy ledger.
	Model string

	// SystemPrompt is the active persona prompt, if any.
	SystemPrompt string

	// EnhancedDialog requests the richer-response mode; only honored by
	// implementations that support it and only set at the top audio tier.
	EnhancedDialog bool

	// ResumptionToken, when non-empty, asks the remote side to continue the
	// prior logical session identified by it.
	ResumptionToken string
}

// GoAway is the server-initiated notice that the conduit will be forcibly
// closed once TimeLeft elapses.
type GoAway struct {
	TimeLeft time.Duration
}

// ServerMessage is the normalized inbound message. A single message may
// carry several of these fields at once; zero values mean "not present".
type ServerMessage struct {
	// ResumptionToken is a fresh token issued by the remote side.
	ResumptionToken string

	// GoAway, when set, announces an imminent forced disconnect.
	GoAway *GoAway

	// RateLimited marks an embedded rate-limit error indicator.
	RateLimited bool

	// TextDelta is a streamed content fragment of the model response.
	TextDelta string

	// TurnComplete signals that generation for the current turn finished.
	TurnComplete bool

	// InputTranscript and OutputTranscript carry audio transcription
	// fragments for the user and model side respectively.
	InputTranscript  string
	OutputTranscript string
}

// Callbacks receive conduit lifecycle and inbound message notifications.
// All callbacks are invoked from the conduit's receive goroutine.
type Callbacks struct {
	OnOpen    func()
	OnClose   func()
	OnError   func(error)
	OnMessage func(ServerMessage)
}

// Conduit is a live bidirectional channel to the remote streaming API.
type Conduit interface {
	// SendContent submits complete content turns for a model response.
	SendContent(ctx context.Context, turns []Turn) error

	// SendRealtimeChunk streams a raw media chunk (for example PCM audio).
	SendRealtimeChunk(ctx context.Context, data []byte, mimeType string) error

	// Close tears the channel down. Safe to call more than once.
	Close() error
}

// Factory opens conduits. Open blocks until the channel is usable or fails;
// an open request cannot be un-sent once issued.
type Factory interface {
	Open(ctx context.Context, cfg Config, cb Callbacks) (Conduit, error)
}
