package cert

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func storeImplementations(t *testing.T) map[string]Store {
	return map[string]Store{
		"memory": NewMemoryStore(),
		"file":   NewFileStore(filepath.Join(t.TempDir(), "peers")),
	}
}

func TestStore(t *testing.T) {
	peer, err := Generate("peer-1")
	require.NoError(t, err)

	for name, store := range storeImplementations(t) {
		t.Run(name, func(t *testing.T) {
			assert.Empty(t, store.List())

			_, err := store.Get("peer-1")
			assert.ErrorIs(t, err, ErrCertNotFound)

			require.NoError(t, store.Set(peer))
			assert.Equal(t, []string{"peer-1"}, store.List())

			got, err := store.Get("peer-1")
			require.NoError(t, err)
			assert.Equal(t, peer.Fingerprint(), got.Fingerprint())

			require.NoError(t, store.Remove("peer-1"))
			assert.ErrorIs(t, store.Remove("peer-1"), ErrCertNotFound)
			assert.Empty(t, store.List())

			assert.ErrorIs(t, store.Set(nil), ErrInvalidCert)
		})
	}
}

func TestFileStoreLayout(t *testing.T) {
	dir := t.TempDir()
	store := NewFileStore(dir)

	peer, err := Generate("peer-1")
	require.NoError(t, err)
	require.NoError(t, store.Set(peer))

	path := filepath.Join(dir, "peer-1", "certificate.pem")
	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0600), info.Mode().Perm())

	// Survives a new store instance.
	got, err := NewFileStore(dir).Get("peer-1")
	require.NoError(t, err)
	assert.Equal(t, peer.Fingerprint(), got.Fingerprint())
}

func TestFileStoreRejectsPathIDs(t *testing.T) {
	store := NewFileStore(t.TempDir())

	for _, id := range []string{"", ".", "..", "../escape", `a\b`} {
		_, err := store.Get(id)
		assert.ErrorIs(t, err, ErrInvalidCert, id)
	}

	peer, err := Generate("../escape")
	require.NoError(t, err)
	assert.ErrorIs(t, store.Set(peer), ErrInvalidCert)
}
