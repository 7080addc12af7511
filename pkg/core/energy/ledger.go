// Package energy tracks the per-mode capability level ("energy level") that
// selects which backing model a session opens with. Levels only move through
// Downgrade and Reset; every effective change is fanned out to registered
// listeners so the orchestration layer can react.
package energy

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/daoch4n/anima/pkg/core"
)

// Mode is one of the two independent interaction channels.
type Mode string

const (
	ModeText  Mode = "text"
	ModeAudio Mode = "audio"
)

// Per-mode level ceilings.
const (
	TextMaxLevel  = 2
	AudioMaxLevel = 3
)

// Change reasons carried on notifications.
const (
	ReasonRateLimit = "rate-limit"
	ReasonReset     = "reset"
)

// MaxLevel returns the configured ceiling for a mode.
func MaxLevel(mode Mode) int {
	if mode == ModeAudio {
		return AudioMaxLevel
	}
	return TextMaxLevel
}

// Change describes an effective level mutation.
type Change struct {
	Mode   Mode   `json:"mode"`
	Level  int    `json:"level"`
	Reason string `json:"reason"`
}

// Ledger holds the current level per mode and the model ladder that maps
// (mode, level) to a concrete model identifier.
type Ledger struct {
	mu        sync.Mutex
	levels    map[Mode]int
	ladder    Ladder
	listeners []func(Change)
	logger    *slog.Logger
}

// NewLedger creates a ledger with both modes at their maximum level.
func NewLedger(ladder Ladder, logger *slog.Logger) *Ledger {
	if ladder == nil {
		ladder = DefaultLadder()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Ledger{
		levels: map[Mode]int{
			ModeText:  TextMaxLevel,
			ModeAudio: AudioMaxLevel,
		},
		ladder: ladder,
		logger: logger,
	}
}

// OnChange registers a listener. Listeners run synchronously, in
// registration order, on the goroutine that mutated the ledger.
func (l *Ledger) OnChange(fn func(Change)) {
	if fn == nil {
		return
	}
	l.mu.Lock()
	l.listeners = append(l.listeners, fn)
	l.mu.Unlock()
}

// Level returns the current level for a mode.
func (l *Ledger) Level(mode Mode) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.levels[mode]
}

// Downgrade decrements the mode's level by one, floored at zero. At zero it
// is a no-op and emits nothing.
func (l *Ledger) Downgrade(mode Mode, reason string) {
	l.mu.Lock()
	level := l.levels[mode]
	if level <= 0 {
		l.mu.Unlock()
		return
	}
	level--
	l.levels[mode] = level
	listeners := append([]func(Change){}, l.listeners...)
	l.mu.Unlock()

	l.logger.Info("energy downgraded", "mode", mode, "level", level, "reason", reason)
	change := Change{Mode: mode, Level: level, Reason: reason}
	for _, fn := range listeners {
		fn(change)
	}
}

// Reset restores the mode's level to its maximum. It notifies even when the
// level was already at max: callers rely on the notification to surface a
// fresh-start prompt.
func (l *Ledger) Reset(mode Mode) {
	max := MaxLevel(mode)
	l.mu.Lock()
	l.levels[mode] = max
	listeners := append([]func(Change){}, l.listeners...)
	l.mu.Unlock()

	l.logger.Info("energy reset", "mode", mode, "level", max)
	change := Change{Mode: mode, Level: max, Reason: ReasonReset}
	for _, fn := range listeners {
		fn(change)
	}
}

// ModelFor looks up the model configured for a (mode, level) pair. A missing
// entry is a configuration error and must block session creation rather than
// silently picking a default.
func (l *Ledger) ModelFor(mode Mode, level int) (string, error) {
	l.mu.Lock()
	models := l.ladder[mode]
	l.mu.Unlock()

	if level < 0 || level >= len(models) || models[level] == "" {
		return "", core.NewConfigurationError(
			fmt.Sprintf("no model available for mode %q at level %d", mode, level))
	}
	return models[level], nil
}

// CurrentModel returns the model for the mode's current level.
func (l *Ledger) CurrentModel(mode Mode) (string, error) {
	return l.ModelFor(mode, l.Level(mode))
}

// EnhancedDialogEnabled reports whether the richer-response request flag may
// be set. Only the top audio tier qualifies.
func (l *Ledger) EnhancedDialogEnabled() bool {
	return l.Level(ModeAudio) == AudioMaxLevel
}
