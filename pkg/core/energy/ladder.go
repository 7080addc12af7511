package energy

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Ladder maps a mode to its model ladder, indexed by level. Index 0 is the
// lowest tier; the last entry is the mode's maximum.
type Ladder map[Mode][]string

// DefaultLadder returns the compiled-in model ladder.
func DefaultLadder() Ladder {
	return Ladder{
		ModeText: {
			"gemma-3-27b-it",
			"gemini-2.5-flash-lite",
			"gemini-2.5-flash",
		},
		ModeAudio: {
			"gemini-2.0-flash-live-001",
			"gemini-live-2.5-flash-preview",
			"gemini-2.5-flash-preview-native-audio-dialog",
			"gemini-2.5-flash-exp-native-audio-thinking-dialog",
		},
	}
}

type ladderFile struct {
	Text  []string `yaml:"text"`
	Audio []string `yaml:"audio"`
}

// LoadLadderFile reads a YAML ladder override. Modes absent from the file
// keep the compiled-in defaults. A mode that is present must carry exactly
// maxLevel+1 entries so every reachable level has a model.
func LoadLadderFile(path string) (Ladder, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read ladder file: %w", err)
	}
	return parseLadder(data)
}

func parseLadder(data []byte) (Ladder, error) {
	var file ladderFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parse ladder file: %w", err)
	}

	ladder := DefaultLadder()
	if file.Text != nil {
		if len(file.Text) != TextMaxLevel+1 {
			return nil, fmt.Errorf("ladder file: text mode needs %d entries, got %d", TextMaxLevel+1, len(file.Text))
		}
		ladder[ModeText] = file.Text
	}
	if file.Audio != nil {
		if len(file.Audio) != AudioMaxLevel+1 {
			return nil, fmt.Errorf("ladder file: audio mode needs %d entries, got %d", AudioMaxLevel+1, len(file.Audio))
		}
		ladder[ModeAudio] = file.Audio
	}
	return ladder, nil
}
