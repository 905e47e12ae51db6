package crypto

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestEnsureNodeKeyIsStable(t *testing.T) {
	path := filepath.Join(t.TempDir(), "node_key.pem")

	first, err := EnsureNodeKey(path)
	require.NoError(t, err)
	second, err := EnsureNodeKey(path)
	require.NoError(t, err)
	require.Equal(t, first, second)
}

func TestFormatFingerprint(t *testing.T) {
	require.Equal(t, "ABCD EF01 23", FormatFingerprint("abcdef0123"))
	require.Equal(t, "", FormatFingerprint(""))
}
