package storage

import (
	"testing"

	"github.com/stretchr/testify/require"

	"vaultsync/crypto"
	"vaultsync/meta"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()

	store, _, err := Open(t.TempDir())
	require.NoError(t, err, "open test store")
	t.Cleanup(func() {
		require.NoError(t, store.Close(), "close test store")
	})
	return store
}

func newTestIdentity(t *testing.T) *crypto.FolderIdentity {
	t.Helper()

	secret, err := crypto.GenerateSecret()
	require.NoError(t, err)
	identity, err := secret.Identity()
	require.NoError(t, err)
	return identity
}

func mustSignMeta(t *testing.T, identity *crypto.FolderIdentity, pathID []byte, revision int64, chunks ...[]byte) *meta.SignedMeta {
	t.Helper()

	m := meta.Meta{PathID: pathID, Revision: revision, Kind: meta.KindFile}
	for _, c := range chunks {
		m.Chunks = append(m.Chunks, meta.ChunkRef{CtHash: crypto.Hash(c), Size: uint32(len(c))})
	}
	signed, err := meta.Sign(m, identity)
	require.NoError(t, err)
	return signed
}
