package fs

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStoreSetGetDelete(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "tokens.json")

	store, err := NewStore(path, "")
	require.NoError(t, err)

	_, ok, err := store.Get(ctx, "access_token")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, store.Set(ctx, "access_token", "AT1"))
	v, ok, err := store.Get(ctx, "access_token")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "AT1", v)

	require.NoError(t, store.Delete(ctx, "access_token"))
	_, ok, _ = store.Get(ctx, "access_token")
	assert.False(t, ok)

	// deleting twice is fine
	require.NoError(t, store.Delete(ctx, "access_token"))
}

func TestStorePersistsAcrossInstances(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "nested", "tokens.json")

	first, err := NewStore(path, "")
	require.NoError(t, err)
	require.NoError(t, first.Set(ctx, "refresh_token", "RT1"))

	second, err := NewStore(path, "")
	require.NoError(t, err)
	v, ok, err := second.Get(ctx, "refresh_token")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "RT1", v)
}

func TestStoreFilePermissions(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "tokens.json")

	store, err := NewStore(path, "")
	require.NoError(t, err)
	require.NoError(t, store.Set(ctx, "access_token", "AT1"))

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())
}

func TestNewStoreRejectsCorruptFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tokens.json")
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0o600))

	_, err := NewStore(path, "")
	require.Error(t, err)
}
