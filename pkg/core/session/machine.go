// Package session implements the resilient lifecycle of one logical conduit
// to the remote streaming API: connect, resumption-token bookkeeping,
// GoAway-scheduled reconnection, bounded retry on network errors, and
// terminal cleanup. Mode-specific adapters (text, audio) plug conduit
// construction and inbound-message interpretation into the base machine.
package session

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/daoch4n/anima/pkg/core/energy"
)

// Phase is the lifecycle phase of a machine.
type Phase string

const (
	PhaseIdle         Phase = "idle"
	PhaseStarting     Phase = "starting"
	PhaseActive       Phase = "active"
	PhaseReconnecting Phase = "reconnecting"
	PhaseEnded        Phase = "ended"
)

// Timing bundles the machine's built-in timers. These are the only timers
// the core owns; there is no overall open timeout.
type Timing struct {
	// GoAwayMargin is subtracted from the server's time-left so the
	// pre-emptive reconnect fires before the remote side actually closes.
	GoAwayMargin time.Duration

	// ReconnectDelay is the fixed wait before a network-error retry.
	ReconnectDelay time.Duration

	// MaxReconnectAttempts bounds consecutive network-error retries.
	MaxReconnectAttempts int
}

// DefaultTiming returns the production timer values.
func DefaultTiming() Timing {
	return Timing{
		GoAwayMargin:         500 * time.Millisecond,
		ReconnectDelay:       2 * time.Second,
		MaxReconnectAttempts: 3,
	}
}

// State is the mutable record of one active conduit, owned exclusively by
// its machine.
type State struct {
	SessionID          string
	ResumptionToken    string
	CurrentModel       string
	Active             bool
	ConnectionAttempts int
}

// Ops is the adapter contract: the four operations a mode-specific adapter
// supplies to the base machine.
type Ops interface {
	// OpenNew opens a fresh conduit for the given model.
	OpenNew(ctx context.Context, model string) error

	// Resume opens a conduit continuing the prior logical session. The
	// remote protocol has no real resumption handshake yet, so
	// implementations currently treat this like OpenNew with the token
	// attached.
	Resume(ctx context.Context, model, token string) error

	// Reconnect tears the conduit down and re-opens it with the last known
	// model and the current token.
	Reconnect(ctx context.Context) error

	// Cleanup closes the conduit handle and discards mode-local history.
	Cleanup()
}

// StartConfig controls how a session start proceeds.
type StartConfig struct {
	// Model is the concrete model identifier to open with.
	Model string

	// AllowResume lets the machine consult the token store for a
	// non-expired resumption token.
	AllowResume bool
}

// Machine drives the session lifecycle for one adapter.
type Machine struct {
	mode     energy.Mode
	identity string
	ops      Ops
	store    *TokenStore
	emitter  *Emitter
	timing   Timing
	logger   *slog.Logger
	now      func() time.Time

	mu             sync.Mutex
	phase          Phase
	state          *State
	reconnectTimer *time.Timer

	// gen guards stale async work: it advances whenever the session ends so
	// in-flight opens and scheduled reconnects discard their results.
	gen uint64
}

// NewMachine wires a machine for one adapter identity. The token store is
// shared process-wide; each machine reads and writes only its own key.
func NewMachine(mode energy.Mode, ops Ops, store *TokenStore, emitter *Emitter, timing Timing, logger *slog.Logger) *Machine {
	if emitter == nil {
		emitter = NewEmitter()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Machine{
		mode:     mode,
		identity: string(mode),
		ops:      ops,
		store:    store,
		emitter:  emitter,
		timing:   timing,
		logger:   logger,
		now:      time.Now,
		phase:    PhaseIdle,
	}
}

// Emitter returns the machine's event emitter.
func (m *Machine) Emitter() *Emitter { return m.emitter }

// Mode returns the machine's interaction mode.
func (m *Machine) Mode() energy.Mode { return m.mode }

// Phase returns the current lifecycle phase.
func (m *Machine) Phase() Phase {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.phase
}

// Active reports whether a session is currently live.
func (m *Machine) Active() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state != nil && m.state.Active
}

// SessionID returns the current session identifier, or "".
func (m *Machine) SessionID() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state == nil {
		return ""
	}
	return m.state.SessionID
}

// CurrentModel returns the model the live conduit was opened with, or "".
func (m *Machine) CurrentModel() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state == nil {
		return ""
	}
	return m.state.CurrentModel
}

// Token returns the live session's resumption token, or "".
func (m *Machine) Token() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state == nil {
		return ""
	}
	return m.state.ResumptionToken
}

// Start opens a session. When cfg.AllowResume is set and a non-expired token
// exists for this identity, the adapter's resume path is used; otherwise a
// fresh conduit is opened. On failure no session state remains and the error
// propagates to the caller.
func (m *Machine) Start(ctx context.Context, cfg StartConfig) error {
	m.mu.Lock()
	if m.phase == PhaseStarting || (m.state != nil && m.state.Active) {
		m.mu.Unlock()
		m.logger.Warn("start requested while session active or starting", "mode", m.mode)
		return nil
	}
	gen := m.gen
	m.phase = PhaseStarting
	m.state = &State{
		SessionID:    fmt.Sprintf("%s-session-%d", m.mode, m.now().UnixMilli()),
		CurrentModel: cfg.Model,
	}

	token := ""
	if cfg.AllowResume {
		if stored, ok := m.store.Get(m.identity); ok {
			token = stored
		}
	}
	if token != "" {
		m.state.ResumptionToken = token
	}
	m.mu.Unlock()

	var err error
	if token != "" {
		err = m.ops.Resume(ctx, cfg.Model, token)
	} else {
		err = m.ops.OpenNew(ctx, cfg.Model)
	}

	m.mu.Lock()
	if m.gen != gen {
		// Ended while the open was in flight; the result is discarded.
		m.mu.Unlock()
		return fmt.Errorf("session ended during open")
	}
	if err != nil {
		m.state = nil
		m.phase = PhaseIdle
		m.mu.Unlock()
		return fmt.Errorf("start %s session: %w", m.mode, err)
	}
	m.state.Active = true
	m.phase = PhaseActive
	sessionID := m.state.SessionID
	m.mu.Unlock()

	m.logger.Info("session started", "mode", m.mode, "session_id", sessionID, "model", cfg.Model, "resumed", token != "")
	m.emitter.Emit(&StartedEvent{SessionID: sessionID, Mode: m.mode, Model: cfg.Model, Resumed: token != ""})
	return nil
}

// End tears the session down: cancels any pending scheduled reconnection,
// runs adapter cleanup, captures the resumption token into the shared store,
// and clears session state. Calling it twice in a row is safe.
func (m *Machine) End() {
	m.mu.Lock()
	if m.state == nil {
		m.mu.Unlock()
		m.logger.Warn("end requested with no active session", "mode", m.mode)
		return
	}
	if m.reconnectTimer != nil {
		m.reconnectTimer.Stop()
		m.reconnectTimer = nil
	}
	sessionID := m.state.SessionID
	token := m.state.ResumptionToken
	m.state = nil
	m.phase = PhaseEnded
	m.gen++
	m.mu.Unlock()

	m.ops.Cleanup()
	if token != "" {
		m.store.Put(m.identity, token)
	}

	m.logger.Info("session ended", "mode", m.mode, "session_id", sessionID)
	m.emitter.Emit(&EndedEvent{SessionID: sessionID, Mode: m.mode})
}

// SetResumptionToken records a token issued by the remote side on the live
// session and persists it to the shared store immediately.
func (m *Machine) SetResumptionToken(token string) {
	m.mu.Lock()
	if m.state == nil {
		m.mu.Unlock()
		m.logger.Warn("resumption token received with no active session", "mode", m.mode)
		return
	}
	m.state.ResumptionToken = token
	m.mu.Unlock()

	m.store.Put(m.identity, token)
}

// HandleGoAway reacts to the server's forced-disconnect notice: it emits the
// go-away event and, when a resumption token is available, schedules a
// single pre-emptive reconnection shortly before the deadline. A newer
// GoAway supersedes any previously scheduled attempt.
func (m *Machine) HandleGoAway(timeLeft time.Duration) {
	m.emitter.Emit(&GoAwayEvent{Mode: m.mode, TimeLeft: timeLeft})

	m.mu.Lock()
	if m.state == nil || m.state.ResumptionToken == "" {
		m.mu.Unlock()
		m.logger.Warn("go-away without resumption token; connection will drop", "mode", m.mode, "time_left", timeLeft)
		return
	}
	delay := timeLeft - m.timing.GoAwayMargin
	if delay < 0 {
		delay = 0
	}
	if m.reconnectTimer != nil {
		m.reconnectTimer.Stop()
	}
	gen := m.gen
	m.reconnectTimer = time.AfterFunc(delay, func() { m.scheduledReconnect(gen) })
	m.mu.Unlock()

	m.logger.Info("reconnect scheduled before forced disconnect", "mode", m.mode, "in", delay)
}

func (m *Machine) scheduledReconnect(gen uint64) {
	m.mu.Lock()
	if m.gen != gen || m.state == nil {
		m.mu.Unlock()
		return
	}
	m.phase = PhaseReconnecting
	m.reconnectTimer = nil
	m.mu.Unlock()

	m.emitter.Emit(&ReconnectingEvent{Mode: m.mode})

	if err := m.ops.Reconnect(context.Background()); err != nil {
		m.logger.Warn("scheduled reconnect failed", "mode", m.mode, "error", err)
		m.HandleNetworkError(err)
		return
	}
	m.markResumed(gen)
}

// HandleRateLimit forwards the rate-limit signal without ending the session.
// Tier downgrade and any restart decision belong to the orchestration layer:
// audio restarts immediately, text waits for the next message.
func (m *Machine) HandleRateLimit() {
	m.logger.Info("rate limit signaled", "mode", m.mode)
	m.emitter.Emit(&RateLimitEvent{Mode: m.mode})
}

// HandleNetworkError runs the bounded retry loop for a mid-session transport
// failure. Attempts one through MaxReconnectAttempts retry after a fixed
// delay when a resumption token is present; the next error gives up and
// tears the session down.
func (m *Machine) HandleNetworkError(err error) {
	m.mu.Lock()
	if m.state == nil {
		m.mu.Unlock()
		return
	}
	m.state.ConnectionAttempts++
	attempt := m.state.ConnectionAttempts
	hasToken := m.state.ResumptionToken != ""
	willRetry := attempt <= m.timing.MaxReconnectAttempts && hasToken
	gen := m.gen
	m.mu.Unlock()

	m.logger.Warn("network error", "mode", m.mode, "attempt", attempt, "will_retry", willRetry, "error", err)
	m.emitter.Emit(&NetworkErrorEvent{Mode: m.mode, Attempt: attempt, WillRetry: willRetry, Err: err})

	if !willRetry {
		m.End()
		return
	}

	go m.retryAfterDelay(gen)
}

func (m *Machine) retryAfterDelay(gen uint64) {
	timer := time.NewTimer(m.timing.ReconnectDelay)
	defer timer.Stop()
	<-timer.C

	m.mu.Lock()
	if m.gen != gen || m.state == nil {
		m.mu.Unlock()
		return
	}
	m.phase = PhaseReconnecting
	attempt := m.state.ConnectionAttempts
	m.mu.Unlock()

	m.emitter.Emit(&ReconnectingEvent{Mode: m.mode, Attempt: attempt})

	if err := m.ops.Reconnect(context.Background()); err != nil {
		m.HandleNetworkError(err)
		return
	}
	m.markResumed(gen)
}

func (m *Machine) markResumed(gen uint64) {
	m.mu.Lock()
	if m.gen != gen || m.state == nil {
		m.mu.Unlock()
		return
	}
	m.state.ConnectionAttempts = 0
	m.state.Active = true
	m.phase = PhaseActive
	sessionID := m.state.SessionID
	m.mu.Unlock()

	m.logger.Info("session resumed", "mode", m.mode, "session_id", sessionID)
	m.emitter.Emit(&ResumedEvent{SessionID: sessionID, Mode: m.mode})
}
