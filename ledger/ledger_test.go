package ledger

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFileLedger_LoadMissingReturnsEmpty(t *testing.T) {
	l, err := NewFileLedger(filepath.Join(t.TempDir(), "nested", DefaultFileName), PolicyReset, nil)
	require.NoError(t, err)

	seen, err := l.Load()
	require.NoError(t, err)
	assert.Equal(t, 0, seen.Len())
}

func TestFileLedger_SaveAndLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), DefaultFileName)
	l, err := NewFileLedger(path, PolicyReset, nil)
	require.NoError(t, err)

	require.NoError(t, l.Save(NewSeenSet("id-c", "id-a", "id-b")))

	seen, err := l.Load()
	require.NoError(t, err)
	assert.Equal(t, []string{"id-a", "id-b", "id-c"}, seen.Sorted())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	var doc fileDocument
	require.NoError(t, json.Unmarshal(data, &doc))
	assert.Equal(t, []string{"id-a", "id-b", "id-c"}, doc.SeenIDs, "ids are stored sorted")
}

func TestFileLedger_FailedCommitKeepsPreviousLedger(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, DefaultFileName)
	l, err := NewFileLedger(path, PolicyFail, nil)
	require.NoError(t, err)
	require.NoError(t, l.Save(NewSeenSet("old-1", "old-2")))

	crash := errors.New("process killed")
	l.beforeCommit = func() error { return crash }

	err = l.Save(NewSeenSet("old-1", "old-2", "new-1"))
	require.ErrorIs(t, err, crash)

	l.beforeCommit = nil
	seen, err := l.Load()
	require.NoError(t, err, "previous ledger must still parse")
	assert.Equal(t, []string{"old-1", "old-2"}, seen.Sorted())

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Len(t, entries, 1, "temporary file must not be left behind")
}

func TestFileLedger_StrayTemporaryFileIsIgnored(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, DefaultFileName)
	l, err := NewFileLedger(path, PolicyFail, nil)
	require.NoError(t, err)
	require.NoError(t, l.Save(NewSeenSet("a")))

	// A half-written temporary file from a killed process.
	require.NoError(t, os.WriteFile(filepath.Join(dir, "_seen.json.tmp-123"), []byte(`{"seen_ids": ["a", "b`), 0o600))

	seen, err := l.Load()
	require.NoError(t, err)
	assert.Equal(t, []string{"a"}, seen.Sorted())
}

func TestFileLedger_CorruptPolicy(t *testing.T) {
	tests := []struct {
		name    string
		policy  CorruptPolicy
		content string
		wantErr bool
	}{
		{name: "reset on garbage", policy: PolicyReset, content: "not json"},
		{name: "reset on empty file", policy: PolicyReset, content: ""},
		{name: "fail on garbage", policy: PolicyFail, content: "{\"seen_ids\": [", wantErr: true},
		{name: "fail on wrong type", policy: PolicyFail, content: `{"seen_ids": "abc"}`, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), DefaultFileName)
			require.NoError(t, os.WriteFile(path, []byte(tt.content), 0o600))

			l, err := NewFileLedger(path, tt.policy, nil)
			require.NoError(t, err)

			seen, err := l.Load()
			if tt.wantErr {
				require.ErrorIs(t, err, ErrCorrupt)
				assert.False(t, NeedsRepair(l))
				return
			}
			require.NoError(t, err)
			assert.Equal(t, 0, seen.Len())
			assert.True(t, NeedsRepair(l))

			require.NoError(t, l.Save(seen))
			assert.False(t, NeedsRepair(l))
			_, err = l.Load()
			require.NoError(t, err)
			assert.False(t, NeedsRepair(l))
		})
	}
}

func TestFileLedger_UnreadableIsNotCorruption(t *testing.T) {
	dir := t.TempDir()
	// A directory where the ledger file should be cannot be read as a file.
	path := filepath.Join(dir, DefaultFileName)
	require.NoError(t, os.Mkdir(path, 0o755))

	l, err := NewFileLedger(path, PolicyReset, nil)
	require.NoError(t, err)

	_, err = l.Load()
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrCorrupt)
}

func TestSQLiteLedger_SaveAndLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), DefaultDBName)
	l, err := NewSQLiteLedger(path, nil)
	require.NoError(t, err)

	seen, err := l.Load()
	require.NoError(t, err)
	assert.Equal(t, 0, seen.Len())

	require.NoError(t, l.Save(NewSeenSet("x", "y")))
	require.NoError(t, l.Save(NewSeenSet("x", "y", "z")))
	require.NoError(t, l.Close())

	reopened, err := NewSQLiteLedger(path, nil)
	require.NoError(t, err)
	defer reopened.Close()

	seen, err = reopened.Load()
	require.NoError(t, err)
	assert.Equal(t, []string{"x", "y", "z"}, seen.Sorted())
}

func TestNeedsRepair_OtherStores(t *testing.T) {
	assert.False(t, NeedsRepair(NewMemoryLedger("a")))
}

func TestMemoryLedger_LoadReturnsCopy(t *testing.T) {
	l := NewMemoryLedger("a")
	seen, err := l.Load()
	require.NoError(t, err)
	seen.Add("b")

	again, err := l.Load()
	require.NoError(t, err)
	assert.False(t, again.Has("b"))
	assert.Equal(t, 0, l.Saves())
}

func TestSeenSet(t *testing.T) {
	s := NewSeenSet("b", "", "a")
	assert.Equal(t, 2, s.Len(), "empty ids are ignored")
	assert.True(t, s.Has("a"))

	s.Merge(NewSeenSet("c", "a"))
	assert.Equal(t, []string{"a", "b", "c"}, s.Sorted())
}

func TestParsePolicy(t *testing.T) {
	p, err := ParsePolicy("")
	require.NoError(t, err)
	assert.Equal(t, PolicyReset, p)

	p, err = ParsePolicy(" FAIL ")
	require.NoError(t, err)
	assert.Equal(t, PolicyFail, p)

	_, err = ParsePolicy("ignore")
	assert.Error(t, err)
}

func TestOpen(t *testing.T) {
	dir := t.TempDir()

	store, err := Open(BackendFile, DefaultPath(BackendFile, dir), PolicyReset, nil)
	require.NoError(t, err)
	assert.IsType(t, &FileLedger{}, store)

	store, err = Open(BackendSQLite, DefaultPath(BackendSQLite, dir), PolicyReset, nil)
	require.NoError(t, err)
	assert.IsType(t, &SQLiteLedger{}, store)
	require.NoError(t, store.Close())

	_, err = Open("redis", "", PolicyReset, nil)
	assert.Error(t, err)
}
