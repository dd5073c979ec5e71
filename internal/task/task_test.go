package task

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestIsTerminal(t *testing.T) {
	cases := map[State]bool{
		StateIncoming:    false,
		StateClaimed:     false,
		StateProvisional: false,
		StateDone:        true,
		StateFailed:      true,
	}
	for state, want := range cases {
		tk := &Task{State: state}
		require.Equal(t, want, tk.IsTerminal(), "state %s", state)
	}
}

func TestIsLeased(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	require.False(t, (&Task{}).IsLeased(now), "no claimant, no lease")

	expires := now.Add(time.Minute)
	leased := &Task{ClaimedBy: "orchestrator-1", LeaseExpiresAt: &expires}
	require.True(t, leased.IsLeased(now))

	expired := now.Add(-time.Minute)
	stale := &Task{ClaimedBy: "orchestrator-1", LeaseExpiresAt: &expired}
	require.False(t, stale.IsLeased(now), "a lapsed lease is not leased")
}

func TestPromptNonEmpty(t *testing.T) {
	require.False(t, (&Task{}).PromptNonEmpty())
	require.False(t, (&Task{Prompt: "   \n\t  "}).PromptNonEmpty())
	require.True(t, (&Task{Prompt: "add docstring to foo"}).PromptNonEmpty())
}
