package session

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFileRecorderNamingAndContent(t *testing.T) {
	dir := t.TempDir()
	now := time.Date(2026, 3, 14, 15, 9, 26, 0, time.UTC)

	r, err := OpenFileRecorder(dir, now, 535)
	require.NoError(t, err)

	r.Record(DirectionClientToServer, TagClientInfo, []byte("CORP\\alice:hunter2"))
	require.NoError(t, r.Close())

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "rdp_replay_20260314_15_0926_535.rdpy", entries[0].Name())

	content, err := os.ReadFile(filepath.Join(dir, entries[0].Name()))
	require.NoError(t, err)
	assert.Contains(t, string(content), "CLIENT_INFO")
	assert.Contains(t, string(content), "CORP\\alice:hunter2")
}

func TestFileRecorderRecordAfterClose(t *testing.T) {
	r, err := OpenFileRecorder(t.TempDir(), time.Now(), 0)
	require.NoError(t, err)

	require.NoError(t, r.Close())
	r.Record(DirectionClientToServer, TagInput, []byte{0x01}) // dropped, not a write-after-close
	require.NoError(t, r.Close())                             // second close is a no-op
}

func TestOpenFileRecorderCreatesOutputDir(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "out")
	r, err := OpenFileRecorder(dir, time.Now(), 0)
	require.NoError(t, err)
	defer r.Close()

	info, err := os.Stat(dir)
	require.NoError(t, err)
	assert.True(t, info.IsDir())
}
