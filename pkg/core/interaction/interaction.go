// Package interaction is the orchestration layer: a single dispatch surface
// for external command events, lazy construction of the mode adapters, and
// the routing between rate-limit signals, the energy ledger, and session
// lifecycle.
package interaction

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"

	"github.com/daoch4n/anima/pkg/core"
	"github.com/daoch4n/anima/pkg/core/conduit"
	"github.com/daoch4n/anima/pkg/core/energy"
	"github.com/daoch4n/anima/pkg/core/persona"
	"github.com/daoch4n/anima/pkg/core/session"
	"github.com/daoch4n/anima/pkg/core/summary"
)

// External command event types. Anything outside this set is logged and
// ignored rather than treated as an error.
const (
	EventStartCall   = "start-call"
	EventSendMessage = "send-message"
	EventClearChat   = "clear-chat"
)

// ExternalEvent is one inbound command from the UI layer.
type ExternalEvent struct {
	Type   string          `json:"type"`
	Detail json.RawMessage `json:"detail,omitempty"`
}

// sendMessageDetail is the payload of a send-message command.
type sendMessageDetail struct {
	Text string `json:"text"`
}

// ErrorNotification is emitted instead of letting a failure escape the
// event-handling boundary.
type ErrorNotification struct {
	Source string `json:"source"`
	Err    error  `json:"-"`
}

func (e *ErrorNotification) EventType() string { return "error" }

// CallReadyEvent signals that a start-call command was accepted and audio
// chunks may now flow.
type CallReadyEvent struct{}

func (e *CallReadyEvent) EventType() string { return "call-ready" }

// ReplyEvent carries the full text of a completed model turn.
type ReplyEvent struct {
	Text string `json:"text"`
}

func (e *ReplyEvent) EventType() string { return "reply" }

// PromptChangedEvent reports the display prompt for a mode after an energy
// level change, so the UI can reflect the new tier.
type PromptChangedEvent struct {
	Mode   energy.Mode `json:"mode"`
	Level  int         `json:"level"`
	Reason string      `json:"reason"`
	Prompt string      `json:"prompt"`
}

func (e *PromptChangedEvent) EventType() string { return "prompt-changed" }

// Orchestrator owns the mode adapters and the energy ledger and dispatches
// external command events onto them. It never lets an error escape
// HandleEvent; failures become emitted error notifications.
type Orchestrator struct {
	factory    conduit.Factory
	ledger     *energy.Ledger
	persona    persona.Provider
	summarizer summary.Summarizer
	store      *session.TokenStore
	emitter    *session.Emitter
	timing     session.Timing
	logger     *slog.Logger

	mu    sync.Mutex
	text  *session.TextSession
	audio *session.AudioSession
}

// Options bundles the orchestrator's collaborators. Factory and Ledger are
// required; the rest default sensibly.
type Options struct {
	Factory    conduit.Factory
	Ledger     *energy.Ledger
	Persona    persona.Provider
	Summarizer summary.Summarizer
	Store      *session.TokenStore
	Emitter    *session.Emitter
	Timing     session.Timing
	Logger     *slog.Logger
}

// New wires an orchestrator and hooks it into the ledger's change stream and
// the emitter's rate-limit events.
func New(opts Options) *Orchestrator {
	if opts.Persona == nil {
		opts.Persona = persona.Default()
	}
	if opts.Store == nil {
		opts.Store = session.NewTokenStore()
	}
	if opts.Emitter == nil {
		opts.Emitter = session.NewEmitter()
	}
	if opts.Timing == (session.Timing{}) {
		opts.Timing = session.DefaultTiming()
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	o := &Orchestrator{
		factory:    opts.Factory,
		ledger:     opts.Ledger,
		persona:    opts.Persona,
		summarizer: opts.Summarizer,
		store:      opts.Store,
		emitter:    opts.Emitter,
		timing:     opts.Timing,
		logger:     opts.Logger,
	}
	o.ledger.OnChange(o.handleLedgerChange)
	o.emitter.Subscribe(o.handleSessionEvent)
	return o
}

// Emitter returns the shared event emitter UI layers subscribe to.
func (o *Orchestrator) Emitter() *session.Emitter { return o.emitter }

// Ledger returns the energy ledger.
func (o *Orchestrator) Ledger() *energy.Ledger { return o.ledger }

// HandleEvent dispatches one external command. Unknown types are logged and
// ignored; failures are emitted as error notifications, never returned.
func (o *Orchestrator) HandleEvent(ctx context.Context, ev ExternalEvent) {
	switch ev.Type {
	case EventStartCall:
		o.startCall()
	case EventSendMessage:
		var detail sendMessageDetail
		if err := json.Unmarshal(ev.Detail, &detail); err != nil {
			o.emitError(EventSendMessage, core.NewConfigurationError("send-message detail is not valid JSON"))
			return
		}
		if _, err := o.SendMessage(ctx, detail.Text); err != nil {
			o.emitError(EventSendMessage, err)
		}
	case EventClearChat:
		o.clearChat()
	default:
		o.logger.Debug("ignoring unknown external event", "type", ev.Type)
	}
}

// SendMessage forwards one user turn to the lazily created text adapter and
// returns the completed model turn. It also emits the reply so event-driven
// consumers see it without holding the call.
func (o *Orchestrator) SendMessage(ctx context.Context, text string) (string, error) {
	reply, err := o.textSession().SendMessage(ctx, text)
	if err != nil {
		return "", err
	}
	o.emitter.Emit(&ReplyEvent{Text: reply})
	return reply, nil
}

// SendAudio forwards one audio chunk to the lazily created audio adapter.
// The first chunk of a call opens the session at the top energy tier.
func (o *Orchestrator) SendAudio(ctx context.Context, chunk []byte) error {
	return o.audioSession().SendAudio(ctx, chunk)
}

// EndSessionAndSummarize ends the voice call and, when the transcript is
// non-empty, asks the summarization collaborator for a memory snippet. An
// empty transcript returns an empty string without invoking the collaborator.
func (o *Orchestrator) EndSessionAndSummarize(ctx context.Context) (string, error) {
	o.mu.Lock()
	audio := o.audio
	o.mu.Unlock()
	if audio == nil {
		return "", nil
	}

	transcript := audio.Transcript()
	audio.End()
	if len(transcript) == 0 {
		return "", nil
	}
	if o.summarizer == nil {
		return "", nil
	}

	text, err := o.summarizer.Summarize(ctx, transcript)
	if err != nil {
		return "", err
	}
	return text, nil
}

// startCall ends any live audio session so exactly one call is active at a
// time, then signals readiness.
func (o *Orchestrator) startCall() {
	o.mu.Lock()
	audio := o.audio
	o.mu.Unlock()
	if audio != nil && audio.Machine().Active() {
		audio.End()
	}
	o.emitter.Emit(&CallReadyEvent{})
}

// clearChat ends the text session, dropping its history, and resets the
// text-mode energy level to maximum.
func (o *Orchestrator) clearChat() {
	o.mu.Lock()
	text := o.text
	o.mu.Unlock()
	if text != nil && text.Machine().Active() {
		text.End()
	}
	o.ledger.Reset(energy.ModeText)
}

func (o *Orchestrator) textSession() *session.TextSession {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.text == nil {
		o.text = session.NewTextSession(o.factory, o.ledger, o.persona, o.store, o.emitter, o.timing, o.logger)
	}
	return o.text
}

func (o *Orchestrator) audioSession() *session.AudioSession {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.audio == nil {
		o.audio = session.NewAudioSession(o.factory, o.ledger, o.persona, o.store, o.emitter, o.timing, o.logger)
	}
	return o.audio
}

// handleSessionEvent routes embedded rate-limit signals into a one-shot tier
// downgrade. The downgrade is not retried; the ledger change listener decides
// what happens to the session.
func (o *Orchestrator) handleSessionEvent(ev session.Event) {
	rl, ok := ev.(*session.RateLimitEvent)
	if !ok {
		return
	}
	o.ledger.Downgrade(rl.Mode, energy.ReasonRateLimit)
}

// handleLedgerChange reacts to an energy level change: it surfaces the new
// display prompt and, for a rate-limited audio session, ends the live call.
// Text sessions are left alone; the next message naturally picks up the new
// tier. Ending the audio call here means the downgrade is undone on restart,
// since calls always reopen at the top tier. That is the intended behavior.
func (o *Orchestrator) handleLedgerChange(ch energy.Change) {
	o.emitter.Emit(&PromptChangedEvent{
		Mode:   ch.Mode,
		Level:  ch.Level,
		Reason: ch.Reason,
		Prompt: o.persona.DisplayPrompt(ch.Mode, ch.Level),
	})

	if ch.Reason != energy.ReasonRateLimit || ch.Mode != energy.ModeAudio {
		return
	}
	o.mu.Lock()
	audio := o.audio
	o.mu.Unlock()
	if audio != nil && audio.Machine().Active() {
		o.logger.Info("ending rate-limited audio call", "level", ch.Level)
		audio.End()
	}
}

func (o *Orchestrator) emitError(source string, err error) {
	o.logger.Error("command failed", "source", source, "error", err)
	o.emitter.Emit(&ErrorNotification{Source: source, Err: err})
}
