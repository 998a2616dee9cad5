package cpuinfo

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bsc-pm/dlb/internal/status"
)

func TestUpdateOwnershipGrowsAndShrinksMask(t *testing.T) {
	l := openTestLedger(t, 4)
	require.Equal(t, status.Success, l.Register(100, maskOf(0, 1), false))

	code := l.UpdateOwnership(100, maskOf(1, 2))
	assert.Equal(t, status.Success, code)

	assert.Equal(t, NobodyPID, l.Snapshot(0).Owner)
	assert.Equal(t, 100, l.Snapshot(1).Owner)
	assert.Equal(t, 100, l.Snapshot(2).Owner)
}

func TestUpdateOwnershipMarksDirtyForPoll(t *testing.T) {
	l := openTestLedger(t, 4)
	require.Equal(t, status.Success, l.Register(100, maskOf(0), false))
	l.UpdateOwnership(100, maskOf(0, 1))

	assert.True(t, l.IsDirty(100))
	mask, changed := l.PollDROM(100)
	assert.True(t, changed)
	assert.True(t, mask.IsSet(0))
	assert.True(t, mask.IsSet(1))

	// a second poll with no further changes reports unchanged.
	_, changedAgain := l.PollDROM(100)
	assert.False(t, changedAgain)
	assert.False(t, l.IsDirty(100))
}

func TestUpdateOwnershipClearsGuestWhenOwnershipReleased(t *testing.T) {
	l := openTestLedger(t, 4)
	require.Equal(t, status.Success, l.Register(100, maskOf(0), false))
	require.Equal(t, 100, l.Snapshot(0).Guest)

	l.UpdateOwnership(100, maskOf())

	s := l.Snapshot(0)
	assert.Equal(t, NobodyPID, s.Owner)
	assert.Equal(t, NobodyPID, s.Guest)
}
