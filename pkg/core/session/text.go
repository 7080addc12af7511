package session

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/daoch4n/anima/pkg/core/conduit"
	"github.com/daoch4n/anima/pkg/core/energy"
	"github.com/daoch4n/anima/pkg/core/persona"
)

// Message is one turn of the text conversation. History is mode-local,
// in-memory only, and discarded when the session ends.
type Message struct {
	ID        string    `json:"id"`
	Sender    string    `json:"sender"`
	Text      string    `json:"text"`
	Timestamp time.Time `json:"timestamp"`
}

type completionResult struct {
	text string
	err  error
}

// completion is the per-request handle bridging the callback-based inbound
// stream into a single-shot SendMessage result.
type completion struct {
	id        string
	fragments []string
	done      chan completionResult
}

// TextSession is the text-oriented adapter. It plugs conduit construction
// and inbound-message interpretation into the base machine and exposes the
// request/response SendMessage surface on top of the streamed protocol.
type TextSession struct {
	machine *Machine
	factory conduit.Factory
	ledger  *energy.Ledger
	persona persona.Provider
	logger  *slog.Logger

	mu      sync.Mutex
	conduit conduit.Conduit
	lastCfg conduit.Config
	history []Message
	pending *completion

	// epoch advances on every conduit open so a close notice from a
	// superseded conduit cannot end the session that replaced it.
	epoch uint64
}

// NewTextSession wires a text adapter onto a fresh machine.
func NewTextSession(factory conduit.Factory, ledger *energy.Ledger, prompts persona.Provider, store *TokenStore, emitter *Emitter, timing Timing, logger *slog.Logger) *TextSession {
	if logger == nil {
		logger = slog.Default()
	}
	t := &TextSession{
		factory: factory,
		ledger:  ledger,
		persona: prompts,
		logger:  logger,
	}
	t.machine = NewMachine(energy.ModeText, t, store, emitter, timing, logger)
	return t
}

// Machine exposes the underlying state machine.
func (t *TextSession) Machine() *Machine { return t.machine }

// History returns a copy of the mode-local conversation history.
func (t *TextSession) History() []Message {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]Message(nil), t.history...)
}

// End tears the text session down, discarding its history.
func (t *TextSession) End() { t.machine.End() }

// SendMessage lazily starts a session on first call, sends the user turn
// and resolves with the concatenation of the streamed response fragments
// once the conduit signals generation-complete. At most one call may be in
// flight at a time.
func (t *TextSession) SendMessage(ctx context.Context, text string) (string, error) {
	if !t.machine.Active() {
		model, err := t.ledger.CurrentModel(energy.ModeText)
		if err != nil {
			return "", err
		}
		if err := t.machine.Start(ctx, StartConfig{Model: model, AllowResume: true}); err != nil {
			return "", err
		}
	}

	t.mu.Lock()
	if t.pending != nil {
		t.mu.Unlock()
		return "", fmt.Errorf("a message is already in flight; calls must be serialized")
	}
	userTurn := Message{
		ID:        uuid.NewString(),
		Sender:    conduit.RoleUser,
		Text:      text,
		Timestamp: time.Now(),
	}
	t.history = append(t.history, userTurn)
	pending := &completion{
		id:   userTurn.ID,
		done: make(chan completionResult, 1),
	}
	t.pending = pending
	cd := t.conduit
	t.mu.Unlock()

	if cd == nil {
		t.clearPending(pending)
		return "", fmt.Errorf("text conduit is not open")
	}

	if err := cd.SendContent(ctx, []conduit.Turn{{Role: conduit.RoleUser, Text: text}}); err != nil {
		t.clearPending(pending)
		return "", fmt.Errorf("send message: %w", err)
	}

	select {
	case res := <-pending.done:
		if res.err != nil {
			return "", res.err
		}
		t.mu.Lock()
		t.history = append(t.history, Message{
			ID:        uuid.NewString(),
			Sender:    conduit.RoleModel,
			Text:      res.text,
			Timestamp: time.Now(),
		})
		t.mu.Unlock()
		return res.text, nil
	case <-ctx.Done():
		t.clearPending(pending)
		return "", ctx.Err()
	}
}

func (t *TextSession) clearPending(pending *completion) {
	t.mu.Lock()
	if t.pending == pending {
		t.pending = nil
	}
	t.mu.Unlock()
}

// OpenNew implements Ops.
func (t *TextSession) OpenNew(ctx context.Context, model string) error {
	return t.openConduit(ctx, conduit.Config{
		Model:        model,
		SystemPrompt: t.persona.SystemPrompt(energy.ModeText),
	})
}

// Resume implements Ops. The remote protocol has no real resumption
// handshake yet; the token rides along on an otherwise normal open.
func (t *TextSession) Resume(ctx context.Context, model, token string) error {
	return t.openConduit(ctx, conduit.Config{
		Model:           model,
		SystemPrompt:    t.persona.SystemPrompt(energy.ModeText),
		ResumptionToken: token,
	})
}

// Reconnect implements Ops: tear down, then re-open with the last known
// model and the freshest token.
func (t *TextSession) Reconnect(ctx context.Context) error {
	t.mu.Lock()
	cfg := t.lastCfg
	old := t.conduit
	t.conduit = nil
	t.mu.Unlock()

	if old != nil {
		_ = old.Close()
	}
	cfg.ResumptionToken = t.machine.Token()
	return t.openConduit(ctx, cfg)
}

// Cleanup implements Ops: close the conduit handle and discard the
// mode-local history unconditionally.
func (t *TextSession) Cleanup() {
	t.mu.Lock()
	cd := t.conduit
	t.conduit = nil
	t.history = nil
	pending := t.pending
	t.pending = nil
	t.mu.Unlock()

	if pending != nil {
		pending.done <- completionResult{err: fmt.Errorf("session ended before response completed")}
	}
	if cd != nil {
		_ = cd.Close()
	}
}

func (t *TextSession) openConduit(ctx context.Context, cfg conduit.Config) error {
	t.mu.Lock()
	t.epoch++
	epoch := t.epoch
	t.mu.Unlock()

	cd, err := t.factory.Open(ctx, cfg, conduit.Callbacks{
		OnOpen:    func() { t.logger.Debug("text conduit open", "model", cfg.Model) },
		OnClose:   func() { t.conduitClosed(epoch) },
		OnError:   t.machine.HandleNetworkError,
		OnMessage: t.handleServerMessage,
	})
	if err != nil {
		return err
	}

	t.mu.Lock()
	t.conduit = cd
	t.lastCfg = cfg
	t.mu.Unlock()
	return nil
}

// conduitClosed reacts to the conduit closing underneath the session. Closes
// we initiated ourselves (Cleanup, Reconnect) arrive with a stale epoch or a
// nil conduit and are ignored; a server-initiated close ends the session so
// the next message lazily reopens at the current energy tier.
func (t *TextSession) conduitClosed(epoch uint64) {
	t.mu.Lock()
	stale := epoch != t.epoch || t.conduit == nil
	t.mu.Unlock()
	if stale {
		t.logger.Debug("text conduit closed")
		return
	}

	t.logger.Info("text conduit closed by server; ending session")
	t.machine.End()
}

// handleServerMessage translates a raw inbound message into machine events
// and pending-request progress.
func (t *TextSession) handleServerMessage(msg conduit.ServerMessage) {
	if msg.ResumptionToken != "" {
		t.machine.SetResumptionToken(msg.ResumptionToken)
	}
	if msg.GoAway != nil {
		t.machine.HandleGoAway(msg.GoAway.TimeLeft)
	}
	if msg.RateLimited {
		t.machine.HandleRateLimit()
	}
	if msg.TextDelta != "" {
		t.mu.Lock()
		if t.pending != nil {
			t.pending.fragments = append(t.pending.fragments, msg.TextDelta)
		}
		t.mu.Unlock()
		t.machine.Emitter().Emit(&MessageEvent{Mode: energy.ModeText, Sender: conduit.RoleModel, Text: msg.TextDelta})
	}
	if msg.TurnComplete {
		t.mu.Lock()
		pending := t.pending
		t.pending = nil
		t.mu.Unlock()
		if pending != nil {
			pending.done <- completionResult{text: strings.Join(pending.fragments, "")}
		}
	}
}
