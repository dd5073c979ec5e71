package pool

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestRecordAndEntriesRoundTrip(t *testing.T) {
	p, err := New(t.TempDir())
	require.NoError(t, err)

	require.NoError(t, p.Record(Entry{Blueprint: "impl-1", PID: os.Getpid(), TaskID: "t1", StartedAt: time.Now()}))

	entries, err := p.Entries()
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.Equal(t, "impl-1", entries[0].Blueprint)
	require.Equal(t, "t1", entries[0].TaskID)
}

func TestLiveCountCountsOwnProcessAsLive(t *testing.T) {
	p, err := New(t.TempDir())
	require.NoError(t, err)
	require.NoError(t, p.Record(Entry{Blueprint: "impl-1", PID: os.Getpid()}))

	count, err := p.LiveCount("impl-1")
	require.NoError(t, err)
	require.Equal(t, 1, count)
}

func TestLiveCountExcludesDeadPIDButKeepsEntry(t *testing.T) {
	p, err := New(t.TempDir())
	require.NoError(t, err)
	// PID 1 will not belong to us in a sandboxed container, but a very high
	// unlikely-to-exist PID is a safer bet across environments.
	require.NoError(t, p.Record(Entry{Blueprint: "impl-1", PID: 999999}))

	count, err := p.LiveCount("impl-1")
	require.NoError(t, err)
	require.Equal(t, 0, count)

	// The dead entry stays: it's the result handler's record of a finished
	// worker, not LiveCount's to reap.
	entries, err := p.Entries()
	require.NoError(t, err)
	require.Len(t, entries, 1)
}

func TestFinishedInstancesExcludesLiveProcess(t *testing.T) {
	p, err := New(t.TempDir())
	require.NoError(t, err)
	require.NoError(t, p.Record(Entry{Blueprint: "impl-1", PID: os.Getpid()}))
	require.NoError(t, p.Record(Entry{Blueprint: "impl-1", PID: 999998}))

	finished, err := p.FinishedInstances()
	require.NoError(t, err)
	require.Len(t, finished, 1)
	require.Equal(t, 999998, finished[0].PID)
}

func TestRemoveIsIdempotent(t *testing.T) {
	p, err := New(t.TempDir())
	require.NoError(t, err)
	require.NoError(t, p.Record(Entry{Blueprint: "impl-1", PID: 42}))

	require.NoError(t, p.Remove("impl-1", 42))
	require.NoError(t, p.Remove("impl-1", 42))
}

func TestParsePoolFileName(t *testing.T) {
	name, pid, ok := ParsePoolFileName("impl-1-4821")
	require.True(t, ok)
	require.Equal(t, "impl-1", name)
	require.Equal(t, 4821, pid)

	_, _, ok = ParsePoolFileName("no-pid-here-x")
	require.False(t, ok)
}

func TestEntriesOnMissingDirReturnsEmpty(t *testing.T) {
	p := &Pool{dir: filepath.Join(t.TempDir(), "does-not-exist")}
	entries, err := p.Entries()
	require.NoError(t, err)
	require.Empty(t, entries)
}
