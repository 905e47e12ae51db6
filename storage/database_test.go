package storage

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOpenMigratesAndReopens(t *testing.T) {
	dir := t.TempDir()

	store, path, err := Open(dir)
	require.NoError(t, err)
	version, err := store.schemaVersion()
	require.NoError(t, err)
	assert.Equal(t, len(migrations), version)

	hash, inserted, err := store.PutChunk([]byte("persisted"))
	require.NoError(t, err)
	require.True(t, inserted)
	require.NoError(t, store.Close())
	require.NoError(t, store.Close())

	reopened, err := OpenPath(path)
	require.NoError(t, err)
	t.Cleanup(func() { _ = reopened.Close() })

	data, err := reopened.GetChunk(hash)
	require.NoError(t, err)
	assert.Equal(t, []byte("persisted"), data)
	require.NoError(t, reopened.requireWAL())
}
