package energy

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/daoch4n/anima/pkg/core"
)

func TestLedger_Downgrade_FloorsAtZero(t *testing.T) {
	ledger := NewLedger(nil, nil)

	var changes []Change
	ledger.OnChange(func(c Change) { changes = append(changes, c) })

	for i := 0; i < AudioMaxLevel+5; i++ {
		ledger.Downgrade(ModeAudio, ReasonRateLimit)
	}

	assert.Equal(t, 0, ledger.Level(ModeAudio))
	// Only the effective mutations notified; downgrades at zero are silent.
	require.Len(t, changes, AudioMaxLevel)
	assert.Equal(t, Change{Mode: ModeAudio, Level: 0, Reason: ReasonRateLimit}, changes[len(changes)-1])
}

func TestLedger_Downgrade_ModesAreIndependent(t *testing.T) {
	ledger := NewLedger(nil, nil)

	ledger.Downgrade(ModeText, ReasonRateLimit)

	assert.Equal(t, TextMaxLevel-1, ledger.Level(ModeText))
	assert.Equal(t, AudioMaxLevel, ledger.Level(ModeAudio))
}

func TestLedger_Reset_AlwaysNotifies(t *testing.T) {
	ledger := NewLedger(nil, nil)

	var changes []Change
	ledger.OnChange(func(c Change) { changes = append(changes, c) })

	// Already at max: reset still notifies since callers surface a
	// fresh-start prompt off the notification.
	ledger.Reset(ModeAudio)
	require.Len(t, changes, 1)
	assert.Equal(t, Change{Mode: ModeAudio, Level: AudioMaxLevel, Reason: ReasonReset}, changes[0])

	ledger.Downgrade(ModeAudio, ReasonRateLimit)
	ledger.Reset(ModeAudio)
	assert.Equal(t, AudioMaxLevel, ledger.Level(ModeAudio))
	assert.Len(t, changes, 3)
}

func TestLedger_ModelFor(t *testing.T) {
	ladder := Ladder{
		ModeText:  {"tiny", "mid", "full"},
		ModeAudio: {"a0", "a1", "a2", "a3"},
	}
	ledger := NewLedger(ladder, nil)

	model, err := ledger.CurrentModel(ModeText)
	require.NoError(t, err)
	assert.Equal(t, "full", model)

	ledger.Downgrade(ModeText, ReasonRateLimit)
	model, err = ledger.CurrentModel(ModeText)
	require.NoError(t, err)
	assert.Equal(t, "mid", model)

	_, err = ledger.ModelFor(ModeText, 9)
	require.Error(t, err)
	assert.True(t, core.IsType(err, core.ErrConfiguration))

	_, err = ledger.ModelFor(ModeText, -1)
	assert.True(t, core.IsType(err, core.ErrConfiguration))
}

func TestLedger_ModelFor_EmptyEntryIsConfigurationError(t *testing.T) {
	ladder := Ladder{ModeText: {"", "mid", "full"}}
	ledger := NewLedger(ladder, nil)

	_, err := ledger.ModelFor(ModeText, 0)
	assert.True(t, core.IsType(err, core.ErrConfiguration))
}

func TestLedger_EnhancedDialogEnabled(t *testing.T) {
	ledger := NewLedger(nil, nil)
	assert.True(t, ledger.EnhancedDialogEnabled())

	ledger.Downgrade(ModeAudio, ReasonRateLimit)
	assert.False(t, ledger.EnhancedDialogEnabled())

	// Text level has no bearing on the audio-only capability.
	ledger.Reset(ModeAudio)
	ledger.Downgrade(ModeText, ReasonRateLimit)
	assert.True(t, ledger.EnhancedDialogEnabled())
}

func TestLedger_ListenersRunInRegistrationOrder(t *testing.T) {
	ledger := NewLedger(nil, nil)

	var order []int
	ledger.OnChange(func(Change) { order = append(order, 1) })
	ledger.OnChange(func(Change) { order = append(order, 2) })
	ledger.OnChange(func(Change) { order = append(order, 3) })

	ledger.Downgrade(ModeText, ReasonRateLimit)
	assert.Equal(t, []int{1, 2, 3}, order)
}

func TestParseLadder_Overrides(t *testing.T) {
	data := []byte(`
text:
  - t0
  - t1
  - t2
`)
	ladder, err := parseLadder(data)
	require.NoError(t, err)
	assert.Equal(t, []string{"t0", "t1", "t2"}, ladder[ModeText])
	// Audio keeps the defaults when absent.
	assert.Equal(t, DefaultLadder()[ModeAudio], ladder[ModeAudio])
}

func TestParseLadder_WrongLength(t *testing.T) {
	_, err := parseLadder([]byte("audio:\n  - only-one\n"))
	require.Error(t, err)

	_, err = parseLadder([]byte("text: [a, b]\n"))
	require.Error(t, err)
}

func TestParseLadder_Invalid(t *testing.T) {
	_, err := parseLadder([]byte("{not yaml"))
	require.Error(t, err)
}
