package checkpoint

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadMissingFile(t *testing.T) {
	cp := New(filepath.Join(t.TempDir(), "last_sync.txt"))
	got, err := cp.Load()
	require.NoError(t, err)
	assert.True(t, got.IsZero())
}

func TestSaveAndLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "last_sync.txt")
	cp := New(path)
	at := time.Date(2026, 3, 9, 14, 30, 5, 999, time.FixedZone("ART", -3*3600))

	require.NoError(t, cp.Save(at))
	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "2026-03-09 17:30:05\n", string(raw))

	got, err := cp.Load()
	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, 3, 9, 17, 30, 5, 0, time.UTC), got)

	require.NoError(t, cp.Save(at.Add(time.Hour)))
	got, err = cp.Load()
	require.NoError(t, err)
	assert.Equal(t, 18, got.Hour())

	entries, err := os.ReadDir(filepath.Dir(path))
	require.NoError(t, err)
	assert.Len(t, entries, 1, "no temp files left behind")
}

func TestLoadMalformed(t *testing.T) {
	path := filepath.Join(t.TempDir(), "last_sync.txt")
	require.NoError(t, os.WriteFile(path, []byte("yesterday"), 0o644))

	_, err := New(path).Load()
	assert.ErrorIs(t, err, ErrMalformed)
}
