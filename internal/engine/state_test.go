package engine

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestState_String(t *testing.T) {
	assert.Equal(t, "UNSYNCHRONIZED", State{}.String())
	assert.Equal(t, "VERIFYING(2)", State{Phase: Verifying, Remaining: 2}.String())
	assert.Equal(t, "LOCKED", State{Phase: Locked}.String())
}

func TestState_InSync(t *testing.T) {
	assert.False(t, State{}.InSync())
	assert.True(t, State{Phase: Verifying, Remaining: 3}.InSync(), "lock status rises with the anchor")
	assert.True(t, State{Phase: Locked}.InSync())
}

func TestParseState(t *testing.T) {
	for _, s := range []State{{}, {Phase: Verifying, Remaining: 3}, {Phase: Locked}} {
		got, err := ParseState(s.String())
		require.NoError(t, err)
		assert.Equal(t, s, got)
	}
	for _, bad := range []string{"", "locked", "VERIFYING()", "VERIFYING(0)", "VERIFYING(x)"} {
		_, err := ParseState(bad)
		assert.Error(t, err, bad)
	}
}

func TestSyncError_Helpers(t *testing.T) {
	desync := &SyncError{Code: ReasonSkipLag, Message: "behind", Device: "cam1"}
	race := &SyncError{Code: ReasonConfigRace, Message: "generation moved"}
	feed := &SyncError{Code: ReasonBadFiducial, Message: "bad"}

	assert.Equal(t, "SKIP_LAG: behind (device=cam1)", desync.Error())
	assert.Equal(t, "CONFIG_RACE: generation moved", race.Error())

	wrapped := fmt.Errorf("iteration: %w", desync)
	assert.True(t, IsDesync(wrapped))
	assert.False(t, IsConfigRace(wrapped))
	assert.True(t, IsConfigRace(race))
	assert.True(t, IsFeedError(feed))
	assert.False(t, IsDesync(fmt.Errorf("plain")))
}
