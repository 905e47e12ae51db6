package meta

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"

	"vaultsync/crypto"
)

func testIdentity(t *testing.T) *crypto.FolderIdentity {
	t.Helper()
	secret, err := crypto.GenerateSecret()
	require.NoError(t, err)
	identity, err := secret.Identity()
	require.NoError(t, err)
	return identity
}

func TestSignedMetaVerifiesAfterTransport(t *testing.T) {
	identity := testIdentity(t)
	m := Meta{
		PathID:   []byte{1, 2, 3},
		Revision: 7,
		Kind:     KindFile,
		Chunks:   []ChunkRef{{CtHash: crypto.Hash([]byte("x")), Size: 1}},
	}

	signed, err := Sign(m, identity)
	require.NoError(t, err)
	require.NoError(t, signed.Verify(identity))

	encoded, err := json.Marshal(signed)
	require.NoError(t, err)

	var decoded SignedMeta
	require.NoError(t, json.Unmarshal(encoded, &decoded))
	require.NoError(t, decoded.Verify(identity))
	require.True(t, decoded.PathRevision().Equal(m.PathRevision()))
	decodedMeta := decoded.Meta()
	require.Equal(t, 0, decodedMeta.ChunkIndex(crypto.Hash([]byte("x"))))
}

func TestSignedMetaRejectsForeignSigner(t *testing.T) {
	owner := testIdentity(t)
	other := testIdentity(t)

	signed, err := Sign(Meta{PathID: []byte{9}, Revision: 1, Kind: KindFile}, other)
	require.NoError(t, err)
	require.ErrorIs(t, signed.Verify(owner), ErrBadSignature)
}

func TestParseRejectsMissingPathID(t *testing.T) {
	_, err := Parse([]byte(`{"revision":1}`), nil)
	require.ErrorIs(t, err, ErrMalformed)
}

func TestBitfield(t *testing.T) {
	b := NewBitfield(10)
	require.Equal(t, "0000000000", b.String())

	b.Set(0)
	b.Set(9)
	b.Set(42)
	require.True(t, b.Test(0))
	require.True(t, b.Test(9))
	require.False(t, b.Test(5))
	require.Equal(t, 2, b.Count())
	require.False(t, b.All())

	clone := b.Clone()
	for i := 0; i < clone.Len(); i++ {
		clone.Set(i)
	}
	require.True(t, clone.All())
	require.Equal(t, 2, b.Count())

	encoded, err := json.Marshal(clone)
	require.NoError(t, err)
	var decoded Bitfield
	require.NoError(t, json.Unmarshal(encoded, &decoded))
	require.Equal(t, "1111111111", decoded.String())

	require.Error(t, json.Unmarshal([]byte(`{"n":9,"bits":"AA=="}`), &decoded))
}

func TestEmptyBitfieldIsComplete(t *testing.T) {
	require.True(t, NewBitfield(0).All())
}
