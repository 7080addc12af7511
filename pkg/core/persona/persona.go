// Package persona supplies the active system-prompt string and the
// mode/level-specific display prompts. The core treats it as a pure
// synchronous lookup; prompt text selection lives outside the session core.
package persona

import (
	"fmt"

	"github.com/daoch4n/anima/pkg/core/energy"
)

// Provider is the persona collaborator consumed by the session core.
type Provider interface {
	// SystemPrompt returns the system prompt for a mode.
	SystemPrompt(mode energy.Mode) string

	// DisplayPrompt returns the short UI prompt shown when a mode lands on
	// the given energy level.
	DisplayPrompt(mode energy.Mode, level int) string
}

// Static is a fixed-table Provider.
type Static struct {
	System  map[energy.Mode]string
	Display map[energy.Mode][]string
}

// Default returns the built-in persona table.
func Default() *Static {
	return &Static{
		System: map[energy.Mode]string{
			energy.ModeText:  "You are Anima, a warm and attentive companion. Keep replies conversational and grounded.",
			energy.ModeAudio: "You are Anima, a warm and attentive companion on a voice call. Speak naturally; no markdown.",
		},
		Display: map[energy.Mode][]string{
			energy.ModeText: {
				"Running on reserve power. Replies may be terse.",
				"Conserving energy. Still here with you.",
				"Fully charged and chatty.",
			},
			energy.ModeAudio: {
				"Voice is running on fumes.",
				"Voice energy is low.",
				"Voice energy is steady.",
				"Full voice, full presence.",
			},
		},
	}
}

// SystemPrompt implements Provider.
func (s *Static) SystemPrompt(mode energy.Mode) string {
	return s.System[mode]
}

// DisplayPrompt implements Provider.
func (s *Static) DisplayPrompt(mode energy.Mode, level int) string {
	prompts := s.Display[mode]
	if level < 0 || level >= len(prompts) {
		return fmt.Sprintf("Energy level %d.", level)
	}
	return prompts[level]
}
