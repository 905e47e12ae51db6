package network

import (
	"net"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"vaultsync/crypto"
	"vaultsync/meta"
)

func TestPeerHandshakeEstablishesDigests(t *testing.T) {
	identity := newTestIdentity(t)
	pair := startPeerPair(t, identity, identity, clockwork.NewRealClock())

	pair.clientHandler.waitReady(t)
	pair.serverHandler.waitReady(t)

	require.Equal(t, StateActive, pair.client.State())
	require.Equal(t, crypto.NodeDigest(pair.serverNode.PublicKey()), pair.client.Digest())
	require.Equal(t, crypto.NodeDigest(pair.clientNode.PublicKey()), pair.server.Digest())
	require.Equal(t, "beta", pair.client.ClientName())
	require.Equal(t, "vaultsync-test", pair.server.UserAgent())
	require.Equal(t, RoleClient, pair.client.Role())
	require.Equal(t, RoleServer, pair.server.Role())
	require.Eventually(t, pair.client.Accepted, time.Second, 5*time.Millisecond)

	info := pair.client.Info()
	require.True(t, info.AmChoking)
	require.True(t, info.PeerChoking)
	require.False(t, info.AmInterested)
	require.False(t, info.PeerInterested)
}

func TestPeerHandshakeRejectsForeignFolder(t *testing.T) {
	pair := startPeerPair(t, newTestIdentity(t), newTestIdentity(t), clockwork.NewRealClock())

	serverErr := pair.serverHandler.waitClosed(t)
	require.ErrorIs(t, serverErr, ErrHandshakeFailed)

	clientErr := pair.clientHandler.waitClosed(t)
	require.Error(t, clientErr)
	require.Equal(t, StateClosed, pair.client.State())
	require.False(t, pair.client.Accepted())
}

func TestPeerHandshakeRejectsWrongAuthKey(t *testing.T) {
	identity := newTestIdentity(t)
	forged := *identity
	forged.AuthKey = make([]byte, len(identity.AuthKey))

	pair := startPeerPair(t, &forged, identity, clockwork.NewRealClock())
	require.ErrorIs(t, pair.serverHandler.waitClosed(t), ErrHandshakeFailed)
	pair.clientHandler.waitClosed(t)
}

func TestPeerHandshakeTimeout(t *testing.T) {
	a, b := net.Pipe()
	defer b.Close()

	handler := newRecordingHandler()
	peer := NewPeer(a, RoleServer, PeerOptions{
		Identity:         newTestIdentity(t),
		Node:             newTestNode(t, "silent"),
		Handler:          handler,
		Logger:           zaptest.NewLogger(t),
		HandshakeTimeout: 50 * time.Millisecond,
	})
	peer.Start(nil)

	require.ErrorIs(t, handler.waitClosed(t), ErrHandshakeTimeout)
	<-peer.Done()
}

func TestPeerFlagsFollowSignals(t *testing.T) {
	identity := newTestIdentity(t)
	pair := startPeerPair(t, identity, identity, clockwork.NewRealClock())
	pair.clientHandler.waitReady(t)
	pair.serverHandler.waitReady(t)

	require.ErrorIs(t, pair.client.SendBlockRequest([]byte{1}, 0, 16), ErrRequestNotAllowed)

	guard := pair.client.AcquireInterest()
	require.True(t, pair.client.AmInterested())
	require.Equal(t, TypeInterested, pair.serverHandler.nextMessage(t).MessageType())
	require.True(t, pair.server.PeerInterested())

	require.ErrorIs(t, pair.server.SendBlockReply([]byte{1}, 0, []byte("x")), ErrReplyNotAllowed)
	require.ErrorIs(t, pair.client.SendBlockRequest([]byte{1}, 0, 16), ErrRequestNotAllowed)

	require.NoError(t, pair.server.SendUnchoke())
	require.False(t, pair.server.AmChoking())
	require.Equal(t, TypeUnchoke, pair.clientHandler.nextMessage(t).MessageType())
	require.False(t, pair.client.PeerChoking())

	require.NoError(t, pair.client.SendBlockRequest([]byte{1}, 0, 16))
	request := pair.serverHandler.nextMessage(t).(BlockRequest)
	require.EqualValues(t, 16, request.Size)

	require.NoError(t, pair.server.SendBlockReply([]byte{1}, 0, []byte("0123456789abcdef")))
	reply := pair.clientHandler.nextMessage(t).(BlockReply)
	require.Equal(t, "0123456789abcdef", string(reply.Data))

	_, blocks := pair.client.Counters()
	require.Equal(t, uint64(16), blocks.Totals().DownBytes)

	guard.Release()
	require.Equal(t, TypeNotInterested, pair.serverHandler.nextMessage(t).MessageType())
	require.Eventually(t, func() bool { return !pair.server.PeerInterested() }, time.Second, 10*time.Millisecond)
}

func TestPeerCarriesMetaMessages(t *testing.T) {
	identity := newTestIdentity(t)
	pair := startPeerPair(t, identity, identity, clockwork.NewRealClock())
	pair.clientHandler.waitReady(t)
	pair.serverHandler.waitReady(t)

	signed, err := meta.Sign(meta.Meta{PathID: []byte("p"), Revision: 2, Kind: meta.KindFile}, identity)
	require.NoError(t, err)

	require.NoError(t, pair.server.SendHaveMeta(signed.PathRevision(), meta.NewBitfield(0)))
	have := pair.clientHandler.nextMessage(t).(HaveMeta)
	require.True(t, have.Revision.Equal(signed.PathRevision()))

	require.NoError(t, pair.client.SendMetaRequest(have.Revision))
	require.Equal(t, TypeMetaRequest, pair.serverHandler.nextMessage(t).MessageType())

	require.NoError(t, pair.server.SendMetaReply(signed, meta.NewBitfield(0)))
	reply := pair.clientHandler.nextMessage(t).(MetaReply)
	require.NoError(t, reply.Meta.Verify(identity))
}

func TestPeerClosesWhenIdle(t *testing.T) {
	identity := newTestIdentity(t)
	clock := clockwork.NewFakeClock()
	a, b := net.Pipe()
	defer b.Close()

	handler := newRecordingHandler()
	peer := NewPeer(a, RoleClient, PeerOptions{
		Identity:          identity,
		Node:              newTestNode(t, "alpha"),
		Handler:           handler,
		Logger:            zaptest.NewLogger(t),
		Clock:             clock,
		KeepAliveInterval: time.Second,
		IdleTimeout:       3 * time.Second,
		HandshakeTimeout:  2 * time.Second,
	})
	peer.Start(nil)

	remoteNode := newTestNode(t, "mute")
	localHello, err := ReadHello(b, time.Second)
	require.NoError(t, err)
	remoteHello, err := newHello(identity, remoteNode)
	require.NoError(t, err)
	require.NoError(t, WriteMessage(b, remoteHello))
	_, err = readAuth(b)
	require.NoError(t, err)
	auth, err := buildAuth(identity, remoteNode, localHello)
	require.NoError(t, err)
	require.NoError(t, WriteMessage(b, auth))

	handler.waitReady(t)
	clock.BlockUntil(1)
	clock.Advance(4 * time.Second)

	require.ErrorIs(t, handler.waitClosed(t), ErrIdleTimeout)
	<-peer.Done()
	require.Equal(t, StateClosed, peer.State())
}
