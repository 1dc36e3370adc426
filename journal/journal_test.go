package journal

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestJournal(t *testing.T) *Journal {
	t.Helper()
	j, err := Open(filepath.Join(t.TempDir(), "journal.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = j.Close() })
	return j
}

func TestJournal_RecordAndDone(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	j := openTestJournal(t)

	done, err := j.Done(ctx, "k1")
	require.NoError(t, err)
	assert.False(t, done)

	require.NoError(t, j.Record(ctx, Entry{RunID: "r1", Key: "k1", Input: "a.png", Output: "out/a.png", Status: StatusFailed, Attempts: 3, Error: "timed out"}))
	done, err = j.Done(ctx, "k1")
	require.NoError(t, err)
	assert.False(t, done, "failed entries do not count as done")

	require.NoError(t, j.Record(ctx, Entry{RunID: "r2", Key: "k1", Input: "a.png", Output: "out/a.png", Status: StatusDone, Attempts: 1, Duration: 1500 * time.Millisecond}))
	done, err = j.Done(ctx, "k1")
	require.NoError(t, err)
	assert.True(t, done)
}

func TestJournal_Recent(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	j := openTestJournal(t)

	for i, key := range []string{"a", "b", "c"} {
		require.NoError(t, j.Record(ctx, Entry{RunID: "r", Key: key, Input: key, Output: key, Status: StatusDone, Attempts: i + 1, Duration: time.Second}))
	}

	entries, err := j.Recent(ctx, 2)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "c", entries[0].Key)
	assert.Equal(t, "b", entries[1].Key)
	assert.Equal(t, 3, entries[0].Attempts)
	assert.Equal(t, time.Second, entries[0].Duration)
	assert.False(t, entries[0].CreatedAt.IsZero())
}

func TestJournal_Reopen(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "journal.db")

	j, err := Open(path)
	require.NoError(t, err)
	require.NoError(t, j.Record(ctx, Entry{RunID: "r", Key: "k", Input: "i", Output: "o", Status: StatusDone, Attempts: 1}))
	require.NoError(t, j.Close())

	j, err = Open(path)
	require.NoError(t, err)
	defer func() { _ = j.Close() }()

	done, err := j.Done(ctx, "k")
	require.NoError(t, err)
	assert.True(t, done)
}

func TestKey(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	in := filepath.Join(dir, "in.png")
	require.NoError(t, os.WriteFile(in, []byte("v1"), 0o600))

	k1, err := Key(in, "out/a.png")
	require.NoError(t, err)
	k2, err := Key(in, "out/b.png")
	require.NoError(t, err)
	assert.NotEqual(t, k1, k2)

	again, err := Key(in, "out/a.png")
	require.NoError(t, err)
	assert.Equal(t, k1, again)

	require.NoError(t, os.WriteFile(in, []byte("v2"), 0o600))
	changed, err := Key(in, "out/a.png")
	require.NoError(t, err)
	assert.NotEqual(t, k1, changed)

	_, err = Key(filepath.Join(dir, "missing.png"), "o")
	assert.Error(t, err)
}
