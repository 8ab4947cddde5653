package actor

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/frostmeter/broutemeterd/internal/core/domain"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReverseInstantPowerPreservesChronologicalOrder(t *testing.T) {
	now := time.Now()
	s := []domain.InstantPowerSample{
		{RecordedAt: now.Add(2 * time.Minute), Watts: 3},
		{RecordedAt: now.Add(1 * time.Minute), Watts: 2},
		{RecordedAt: now, Watts: 1},
	}
	reverseInstantPower(s)
	assert.Equal(t, int32(1), s[0].Watts)
	assert.Equal(t, int32(2), s[1].Watts)
	assert.Equal(t, int32(3), s[2].Watts)
}

func TestReverseInstantCurrentPreservesChronologicalOrder(t *testing.T) {
	now := time.Now()
	s := []domain.InstantCurrentSample{
		{RecordedAt: now.Add(time.Minute)},
		{RecordedAt: now},
	}
	reverseInstantCurrent(s)
	assert.True(t, s[0].RecordedAt.Before(s[1].RecordedAt))
}

func TestReverseCumulativeEnergyOddLengthLeavesMiddleInPlace(t *testing.T) {
	now := time.Now()
	s := []domain.CumulativeEnergySample{
		{RecordedAt: now.Add(2 * time.Minute)},
		{RecordedAt: now.Add(time.Minute)},
		{RecordedAt: now},
	}
	reverseCumulativeEnergy(s)
	assert.True(t, s[0].RecordedAt.Equal(now))
	assert.True(t, s[1].RecordedAt.Equal(now.Add(time.Minute)))
	assert.True(t, s[2].RecordedAt.Equal(now.Add(2 * time.Minute)))
}

// TestSettingsNoteRoundTrip guards the settings.note JSON shape that
// saveSettings/loadSettings depend on without either touching Postgres.
func TestSettingsNoteRoundTrip(t *testing.T) {
	note := settingsNote{
		RouteBID:       "00112233445566778899AABBCCDDEEFF",
		RouteBPassword: "ABCDEFGHIJKL",
		Channel:        0x21,
		PanID:          0x88B1,
		MACAddr:        0x001D129000031234,
		Unit:           0x01,
		Coefficient:    1,
		PropertyMap:    []byte{0x80, 0x88, 0x01},
	}

	raw, err := json.Marshal(note)
	require.NoError(t, err)

	var decoded settingsNote
	require.NoError(t, json.Unmarshal(raw, &decoded))
	assert.Equal(t, note, decoded)
}

func TestErrMixInReportsPresenceOfError(t *testing.T) {
	assert.False(t, errMixIn(nil).HasResponseError())
	assert.True(t, errMixIn(assertError{}).HasResponseError())
}

type assertError struct{}

func (assertError) Error() string { return "boom" }
