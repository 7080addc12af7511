package session

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/daoch4n/anima/pkg/core/conduit"
	"github.com/daoch4n/anima/pkg/core/energy"
	"github.com/daoch4n/anima/pkg/core/persona"
)

const audioChunkMIME = "audio/pcm;rate=16000"

// TranscriptEntry is one transcription fragment of the voice call. The
// transcript is mode-local, in-memory only, and discarded on session end.
type TranscriptEntry struct {
	Speaker string `json:"speaker"`
	Text    string `json:"text"`
}

// AudioSession is the audio-oriented adapter. Every call starts at the top
// energy tier: the lazy start resets the audio ledger and deliberately
// ignores any stored resumption token.
type AudioSession struct {
	machine *Machine
	factory conduit.Factory
	ledger  *energy.Ledger
	persona persona.Provider
	logger  *slog.Logger

	mu         sync.Mutex
	conduit    conduit.Conduit
	lastCfg    conduit.Config
	transcript []TranscriptEntry

	// epoch advances on every conduit open so a close notice from a
	// superseded conduit cannot end the session that replaced it.
	epoch uint64
}

// NewAudioSession wires an audio adapter onto a fresh machine.
func NewAudioSession(factory conduit.Factory, ledger *energy.Ledger, prompts persona.Provider, store *TokenStore, emitter *Emitter, timing Timing, logger *slog.Logger) *AudioSession {
	if logger == nil {
		logger = slog.Default()
	}
	a := &AudioSession{
		factory: factory,
		ledger:  ledger,
		persona: prompts,
		logger:  logger,
	}
	a.machine = NewMachine(energy.ModeAudio, a, store, emitter, timing, logger)
	return a
}

// Machine exposes the underlying state machine.
func (a *AudioSession) Machine() *Machine { return a.machine }

// Transcript returns a copy of the call transcript so far.
func (a *AudioSession) Transcript() []TranscriptEntry {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]TranscriptEntry(nil), a.transcript...)
}

// End tears the audio session down, discarding its transcript.
func (a *AudioSession) End() { a.machine.End() }

// SendAudio lazily starts a session on first call and streams the chunk to
// the conduit. The lazy start resets the audio ledger to its maximum first;
// stored resumption tokens are never consulted here.
func (a *AudioSession) SendAudio(ctx context.Context, chunk []byte) error {
	if !a.machine.Active() {
		a.ledger.Reset(energy.ModeAudio)
		model, err := a.ledger.CurrentModel(energy.ModeAudio)
		if err != nil {
			return err
		}
		if err := a.machine.Start(ctx, StartConfig{Model: model, AllowResume: false}); err != nil {
			return err
		}
	}

	a.mu.Lock()
	cd := a.conduit
	a.mu.Unlock()
	if cd == nil {
		return fmt.Errorf("audio conduit is not open")
	}
	if err := cd.SendRealtimeChunk(ctx, chunk, audioChunkMIME); err != nil {
		return fmt.Errorf("send audio: %w", err)
	}
	return nil
}

// OpenNew implements Ops.
func (a *AudioSession) OpenNew(ctx context.Context, model string) error {
	return a.openConduit(ctx, conduit.Config{
		Model:          model,
		SystemPrompt:   a.persona.SystemPrompt(energy.ModeAudio),
		EnhancedDialog: a.ledger.EnhancedDialogEnabled(),
	})
}

// Resume implements Ops. Audio starts never resume by policy, but the
// machine may still resume mid-session after a network error or GoAway.
func (a *AudioSession) Resume(ctx context.Context, model, token string) error {
	return a.openConduit(ctx, conduit.Config{
		Model:           model,
		SystemPrompt:    a.persona.SystemPrompt(energy.ModeAudio),
		EnhancedDialog:  a.ledger.EnhancedDialogEnabled(),
		ResumptionToken: token,
	})
}

// Reconnect implements Ops.
func (a *AudioSession) Reconnect(ctx context.Context) error {
	a.mu.Lock()
	cfg := a.lastCfg
	old := a.conduit
	a.conduit = nil
	a.mu.Unlock()

	if old != nil {
		_ = old.Close()
	}
	cfg.ResumptionToken = a.machine.Token()
	return a.openConduit(ctx, cfg)
}

// Cleanup implements Ops.
func (a *AudioSession) Cleanup() {
	a.mu.Lock()
	cd := a.conduit
	a.conduit = nil
	a.transcript = nil
	a.mu.Unlock()

	if cd != nil {
		_ = cd.Close()
	}
}

func (a *AudioSession) openConduit(ctx context.Context, cfg conduit.Config) error {
	a.mu.Lock()
	a.epoch++
	epoch := a.epoch
	a.mu.Unlock()

	cd, err := a.factory.Open(ctx, cfg, conduit.Callbacks{
		OnOpen:    func() { a.logger.Debug("audio conduit open", "model", cfg.Model) },
		OnClose:   func() { a.conduitClosed(epoch) },
		OnError:   a.machine.HandleNetworkError,
		OnMessage: a.handleServerMessage,
	})
	if err != nil {
		return err
	}

	a.mu.Lock()
	a.conduit = cd
	a.lastCfg = cfg
	a.mu.Unlock()
	return nil
}

// conduitClosed ends the session when the server closed the live conduit.
// Closes we initiated ourselves (Cleanup, Reconnect) arrive with a stale
// epoch or a nil conduit and are ignored.
func (a *AudioSession) conduitClosed(epoch uint64) {
	a.mu.Lock()
	stale := epoch != a.epoch || a.conduit == nil
	a.mu.Unlock()
	if stale {
		a.logger.Debug("audio conduit closed")
		return
	}

	a.logger.Info("audio conduit closed by server; ending session")
	a.machine.End()
}

// handleServerMessage translates a raw inbound message into machine events
// and transcript entries. Transcription fragments are forwarded as they
// arrive, not batched.
func (a *AudioSession) handleServerMessage(msg conduit.ServerMessage) {
	if msg.ResumptionToken != "" {
		a.machine.SetResumptionToken(msg.ResumptionToken)
	}
	if msg.GoAway != nil {
		a.machine.HandleGoAway(msg.GoAway.TimeLeft)
	}
	if msg.RateLimited {
		a.machine.HandleRateLimit()
	}
	if msg.InputTranscript != "" {
		a.appendTranscript(conduit.RoleUser, msg.InputTranscript)
	}
	if msg.OutputTranscript != "" {
		a.appendTranscript(conduit.RoleModel, msg.OutputTranscript)
	}
}

func (a *AudioSession) appendTranscript(speaker, text string) {
	a.mu.Lock()
	a.transcript = append(a.transcript, TranscriptEntry{Speaker: speaker, Text: text})
	a.mu.Unlock()

	a.machine.Emitter().Emit(&MessageEvent{Mode: energy.ModeAudio, Sender: speaker, Text: text})
}
