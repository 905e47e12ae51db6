package network

import (
	"crypto/ed25519"
	"crypto/rand"
	"net"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"vaultsync/crypto"
)

type recordingHandler struct {
	ready    chan *Peer
	messages chan Message
	closed   chan error
	reject   error
}

func newRecordingHandler() *recordingHandler {
	return &recordingHandler{
		ready:    make(chan *Peer, 1),
		messages: make(chan Message, 64),
		closed:   make(chan error, 1),
	}
}

func (h *recordingHandler) PeerReady(p *Peer) error {
	h.ready <- p
	return h.reject
}

func (h *recordingHandler) PeerMessage(_ *Peer, msg Message) {
	h.messages <- msg
}

func (h *recordingHandler) PeerClosed(_ *Peer, err error) {
	h.closed <- err
}

func (h *recordingHandler) waitReady(t *testing.T) {
	t.Helper()
	select {
	case <-h.ready:
	case err := <-h.closed:
		t.Fatalf("peer closed before ready: %v", err)
	case <-time.After(5 * time.Second):
		t.Fatalf("timed out waiting for handshake")
	}
}

func (h *recordingHandler) nextMessage(t *testing.T) Message {
	t.Helper()
	select {
	case msg := <-h.messages:
		return msg
	case <-time.After(5 * time.Second):
		t.Fatalf("timed out waiting for message")
		return nil
	}
}

func (h *recordingHandler) waitClosed(t *testing.T) error {
	t.Helper()
	select {
	case err := <-h.closed:
		return err
	case <-time.After(5 * time.Second):
		t.Fatalf("timed out waiting for close")
		return nil
	}
}

func newTestIdentity(t *testing.T) *crypto.FolderIdentity {
	t.Helper()
	secret, err := crypto.GenerateSecret()
	require.NoError(t, err)
	identity, err := secret.Identity()
	require.NoError(t, err)
	return identity
}

func newTestNode(t *testing.T, name string) LocalNode {
	t.Helper()
	_, privateKey, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	return LocalNode{PrivateKey: privateKey, ClientName: name, UserAgent: "vaultsync-test"}
}

type peerPair struct {
	client, server               *Peer
	clientHandler, serverHandler *recordingHandler
	clientNode, serverNode       LocalNode
}

func startPeerPair(t *testing.T, clientIdentity, serverIdentity *crypto.FolderIdentity, clock clockwork.Clock) *peerPair {
	t.Helper()

	a, b := net.Pipe()
	pair := &peerPair{
		clientHandler: newRecordingHandler(),
		serverHandler: newRecordingHandler(),
		clientNode:    newTestNode(t, "alpha"),
		serverNode:    newTestNode(t, "beta"),
	}
	pair.client = NewPeer(a, RoleClient, PeerOptions{
		Identity:         clientIdentity,
		Node:             pair.clientNode,
		Handler:          pair.clientHandler,
		Logger:           zaptest.NewLogger(t),
		Clock:            clock,
		Endpoint:         "beta:4000",
		HandshakeTimeout: 2 * time.Second,
	})
	pair.server = NewPeer(b, RoleServer, PeerOptions{
		Identity:         serverIdentity,
		Node:             pair.serverNode,
		Handler:          pair.serverHandler,
		Logger:           zaptest.NewLogger(t),
		Clock:            clock,
		Endpoint:         "alpha:4000",
		HandshakeTimeout: 2 * time.Second,
	})

	t.Cleanup(func() {
		_ = pair.client.Close()
		_ = pair.server.Close()
		<-pair.client.Done()
		<-pair.server.Done()
	})

	pair.client.Start(nil)
	pair.server.Start(nil)
	return pair
}
