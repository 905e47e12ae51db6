package node

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"vaultsync/config"
	"vaultsync/crypto"
	"vaultsync/discovery"
	"vaultsync/indexer"
	"vaultsync/network"
)

func testTunables() config.Tunables {
	t := config.DefaultTunables()
	t.BlockSize = 1024
	t.StateIntervalMS = 50
	t.KeepAliveIntervalMS = 1000
	t.IdleTimeoutMS = 5000
	t.HandshakeTimeoutMS = 5000
	t.RequestTimeoutMS = 5000
	return t
}

func startNode(t *testing.T, name string, configure ...func(*Options)) *Node {
	t.Helper()

	_, key, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)

	opts := Options{
		NodeID:        name,
		Local:         network.LocalNode{PrivateKey: key, ClientName: name, UserAgent: "vaultsync-test"},
		ListenAddress: "127.0.0.1:0",
		DataDir:       t.TempDir(),
		Tunables:      testTunables(),
		Logger:        zap.NewNop(),
	}
	for _, fn := range configure {
		fn(&opts)
	}
	n, err := New(opts)
	require.NoError(t, err)
	require.NoError(t, n.Listen())
	t.Cleanup(n.Close)
	return n
}

func runNode(t *testing.T, n *Node) {
	t.Helper()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- n.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		select {
		case err := <-done:
			assert.NoError(t, err)
		case <-time.After(10 * time.Second):
			t.Error("node did not stop")
		}
	})
}

func newSecret(t *testing.T) crypto.Secret {
	t.Helper()
	secret, err := crypto.GenerateSecret()
	require.NoError(t, err)
	return secret
}

func TestNodesSyncIndexedFile(t *testing.T) {
	secret := newSecret(t)
	alpha := startNode(t, "alpha")
	beta := startNode(t, "beta")

	groupA, err := alpha.AddFolder(secret)
	require.NoError(t, err)

	readOnly, err := secret.Derive(crypto.LevelReadOnly)
	require.NoError(t, err)
	groupB, err := beta.AddFolder(readOnly)
	require.NoError(t, err)

	runNode(t, alpha)
	runNode(t, beta)

	ix, err := indexer.New(indexer.Config{
		Identity:  groupA.Identity(),
		Chunks:    groupA,
		Metas:     groupA,
		ChunkSize: 4096,
	})
	require.NoError(t, err)

	data := make([]byte, 10_000)
	for i := range data {
		data[i] = byte(i * 7)
	}
	smeta, err := ix.IndexBytes("docs/report.txt", data, 1)
	require.NoError(t, err)

	_, err = beta.Connect(context.Background(), groupB.Identity().ID, alpha.Addr().String())
	require.NoError(t, err)

	storeB, ok := beta.Store(groupB.Identity().ID)
	require.True(t, ok)

	require.Eventually(t, func() bool {
		got, err := indexer.Assemble(groupB.Identity(), storeB, smeta.Meta())
		return err == nil && assert.ObjectsAreEqual(data, got)
	}, 10*time.Second, 20*time.Millisecond)

	stored, err := storeB.GetMeta(smeta.Meta().PathID)
	require.NoError(t, err)
	assert.Equal(t, int64(1), stored.Meta().Revision)

	path, err := indexer.DecryptPath(groupB.Identity(), stored.Meta())
	require.NoError(t, err)
	assert.Equal(t, "docs/report.txt", path)
}

func TestConnectToNodeWithoutFolderIsRejected(t *testing.T) {
	alpha := startNode(t, "alpha")
	beta := startNode(t, "beta")

	_, err := alpha.AddFolder(newSecret(t))
	require.NoError(t, err)
	groupB, err := beta.AddFolder(newSecret(t))
	require.NoError(t, err)

	runNode(t, alpha)
	runNode(t, beta)

	p, err := beta.Connect(context.Background(), groupB.Identity().ID, alpha.Addr().String())
	require.NoError(t, err)

	select {
	case <-p.Done():
	case <-time.After(10 * time.Second):
		t.Fatal("peer was not closed")
	}

	var remote *network.RemoteError
	require.True(t, errors.As(p.Err(), &remote), "unexpected error: %v", p.Err())
	assert.Equal(t, network.ErrorCodeUnknownFolder, remote.Code)
	assert.Empty(t, groupB.Members())
}

func TestAddFolderRejectsDuplicates(t *testing.T) {
	n := startNode(t, "alpha")

	secret := newSecret(t)
	_, err := n.AddFolder(secret)
	require.NoError(t, err)

	_, err = n.AddFolder(secret)
	assert.ErrorIs(t, err, ErrFolderExists)
	assert.Len(t, n.FolderIDs(), 1)
}

func TestRemoveFolder(t *testing.T) {
	n := startNode(t, "alpha")

	group, err := n.AddFolder(newSecret(t))
	require.NoError(t, err)

	id := group.Identity().ID
	require.NoError(t, n.RemoveFolder(id))
	_, ok := n.Group(id)
	assert.False(t, ok)
	assert.ErrorIs(t, n.RemoveFolder(id), ErrUnknownFolder)

	_, err = n.Connect(context.Background(), id, "127.0.0.1:1")
	assert.ErrorIs(t, err, ErrUnknownFolder)
}

func TestExternalPort(t *testing.T) {
	n := startNode(t, "alpha")

	assert.NotZero(t, n.ExternalPort())

	n.opts.PortMapper = StaticPortMapper(50000)
	assert.Equal(t, 50000, n.ExternalPort())
}

func memberCount(n *Node, folderID []byte) int {
	group, ok := n.Group(folderID)
	if !ok {
		return -1
	}
	return len(group.Members())
}

func TestAddPeerRedialsAfterConnectionDrops(t *testing.T) {
	secret := newSecret(t)
	alpha := startNode(t, "alpha")
	beta := startNode(t, "beta", func(o *Options) {
		o.ReconnectBackoff = []time.Duration{0, 20 * time.Millisecond}
	})

	_, err := alpha.AddFolder(secret)
	require.NoError(t, err)
	groupB, err := beta.AddFolder(secret)
	require.NoError(t, err)
	id := groupB.Identity().ID

	require.NoError(t, beta.AddPeer(id, alpha.Addr().String()))
	runNode(t, alpha)
	runNode(t, beta)

	require.Eventually(t, func() bool {
		return memberCount(alpha, id) == 1 && memberCount(beta, id) == 1
	}, 10*time.Second, 10*time.Millisecond)

	// re-registering the folder on alpha drops every connection to it
	require.NoError(t, alpha.RemoveFolder(id))
	require.Eventually(t, func() bool {
		return memberCount(beta, id) == 0
	}, 10*time.Second, 10*time.Millisecond)
	_, err = alpha.AddFolder(secret)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return memberCount(alpha, id) == 1 && memberCount(beta, id) == 1
	}, 10*time.Second, 10*time.Millisecond, "beta reconnects on its own")
}

func TestDiscoveryEventsTrackAnnouncedEndpoints(t *testing.T) {
	n := startNode(t, "alpha")
	group, err := n.AddFolder(newSecret(t))
	require.NoError(t, err)
	id := group.Identity().ID
	idHex := group.Identity().IDHex()

	peer := discovery.DiscoveredPeer{
		NodeID:    "beta",
		Port:      4000,
		Addresses: []string{"10.0.0.2"},
		FolderIDs: []string{idHex, "ff00"},
	}
	n.handleDiscovery(discovery.Event{Type: discovery.EventPeerUpserted, Peer: peer})
	assert.Equal(t, []string{idHex[:16] + "@10.0.0.2:4000"}, n.Endpoints(), "folders not served here are skipped")

	moved := peer
	moved.Addresses = []string{"10.0.0.3"}
	n.handleDiscovery(discovery.Event{Type: discovery.EventPeerUpserted, Peer: moved})
	assert.Equal(t, []string{idHex[:16] + "@10.0.0.3:4000"}, n.Endpoints())

	require.NoError(t, n.AddPeer(id, "10.0.0.3:4000"))
	n.handleDiscovery(discovery.Event{Type: discovery.EventPeerRemoved, Peer: moved})
	assert.Equal(t, []string{idHex[:16] + "@10.0.0.3:4000"}, n.Endpoints(), "static peers outlive discovery")

	n.RemovePeer(id, "10.0.0.3:4000")
	assert.Empty(t, n.Endpoints())

	assert.ErrorIs(t, n.AddPeer([]byte{0x01}, "10.0.0.9:4000"), ErrUnknownFolder)

	n.handleDiscovery(discovery.Event{Type: discovery.EventPeerUpserted, Peer: peer})
	require.NoError(t, n.RemoveFolder(id))
	assert.Empty(t, n.Endpoints(), "removing a folder forgets its endpoints")
}
