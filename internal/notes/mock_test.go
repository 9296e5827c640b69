package notes

import (
	"testing"
	"time"

	"github.com/holiman/uint256"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"
)

func TestMockPlatformLifecycle(t *testing.T) {
	clock := clockwork.NewFakeClockAt(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))
	platform := NewMockPlatform(clock)

	noteID := platform.OriginateLoan("borrower", uint256.NewInt(10), uint256.NewInt(11), 30*24*time.Hour, "CUR", "PUNK", "1")
	require.NotEmpty(t, noteID)

	info, err := platform.GetLoanInfo(noteID)
	require.NoError(t, err)
	require.Equal(t, "borrower", info.Borrower)
	require.Equal(t, clock.Now().Add(30*24*time.Hour), info.Maturity)

	require.True(t, platform.IsSupported(noteID, "CUR"))
	require.False(t, platform.IsSupported(noteID, "OTHER"))
	require.True(t, platform.IsActive(noteID))
	require.False(t, platform.IsComplete(noteID))

	require.NoError(t, platform.MarkRepaid(noteID))
	require.False(t, platform.IsActive(noteID))
	require.True(t, platform.IsComplete(noteID))
}

func TestMockPlatformDefault(t *testing.T) {
	clock := clockwork.NewFakeClockAt(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))
	platform := NewMockPlatform(clock)

	noteID := platform.OriginateLoan("borrower", uint256.NewInt(10), uint256.NewInt(11), time.Hour, "CUR", "PUNK", "1")
	require.NoError(t, platform.MarkDefaulted(noteID))
	require.False(t, platform.IsActive(noteID))
	require.False(t, platform.IsComplete(noteID))
}

func TestMockPlatformUnknownNote(t *testing.T) {
	platform := NewMockPlatform(clockwork.NewRealClock())

	_, err := platform.GetLoanInfo("NOTE_missing")
	require.ErrorIs(t, err, ErrUnknownNote)
	require.ErrorIs(t, platform.MarkRepaid("NOTE_missing"), ErrUnknownNote)
	require.ErrorIs(t, platform.MarkDefaulted("NOTE_missing"), ErrUnknownNote)
	require.False(t, platform.IsSupported("NOTE_missing", "CUR"))
}
