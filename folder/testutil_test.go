package folder

import (
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"vaultsync/crypto"
	"vaultsync/meta"
	"vaultsync/network"
	"vaultsync/storage"
)

type fakeRemote struct {
	id       uuid.UUID
	name     string
	digest   string
	endpoint string
	folderID []byte
	interest *network.InterestTracker
	all      *network.BandwidthCounter
	blocks   *network.BandwidthCounter

	mu             sync.Mutex
	amChoking      bool
	amInterested   bool
	peerChoking    bool
	peerInterested bool
	closed         bool
	sent           []network.Message
}

func newFakeRemote(folderID []byte, name string) *fakeRemote {
	r := &fakeRemote{
		id:          uuid.New(),
		name:        name,
		digest:      name + "-digest",
		endpoint:    name + ":4000",
		folderID:    folderID,
		all:         network.NewBandwidthCounter(nil),
		amChoking:   true,
		peerChoking: true,
	}
	r.blocks = network.NewBandwidthCounter(r.all)
	r.interest = network.NewInterestTracker(func(interested bool) error {
		r.mu.Lock()
		defer r.mu.Unlock()
		r.amInterested = interested
		if interested {
			r.sent = append(r.sent, network.SignalMessage{Type: network.TypeInterested})
		} else {
			r.sent = append(r.sent, network.SignalMessage{Type: network.TypeNotInterested})
		}
		return nil
	})
	return r
}

func (r *fakeRemote) ID() uuid.UUID    { return r.id }
func (r *fakeRemote) String() string   { return r.name }
func (r *fakeRemote) Digest() string   { return r.digest }
func (r *fakeRemote) Endpoint() string { return r.endpoint }
func (r *fakeRemote) FolderID() []byte { return r.folderID }

func (r *fakeRemote) Counters() (all, blocks *network.BandwidthCounter) { return r.all, r.blocks }

func (r *fakeRemote) Info() network.PeerInfo {
	r.mu.Lock()
	defer r.mu.Unlock()
	return network.PeerInfo{
		ID:             r.id,
		Endpoint:       r.endpoint,
		Digest:         r.digest,
		AmChoking:      r.amChoking,
		AmInterested:   r.amInterested,
		PeerChoking:    r.peerChoking,
		PeerInterested: r.peerInterested,
	}
}

func (r *fakeRemote) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
	return nil
}

func (r *fakeRemote) isClosed() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.closed
}

func (r *fakeRemote) AmChoking() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.amChoking
}

func (r *fakeRemote) AmInterested() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.amInterested
}

func (r *fakeRemote) PeerChoking() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.peerChoking
}

func (r *fakeRemote) PeerInterested() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.peerInterested
}

func (r *fakeRemote) setPeerChoking(choking bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.peerChoking = choking
}

func (r *fakeRemote) setPeerInterested(interested bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.peerInterested = interested
}

func (r *fakeRemote) AcquireInterest() *network.InterestGuard {
	return r.interest.Acquire()
}

func (r *fakeRemote) record(msg network.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return network.ErrPeerClosed
	}
	r.sent = append(r.sent, msg)
	return nil
}

func (r *fakeRemote) SendChoke() error {
	r.mu.Lock()
	r.amChoking = true
	r.mu.Unlock()
	return r.record(network.SignalMessage{Type: network.TypeChoke})
}

func (r *fakeRemote) SendUnchoke() error {
	r.mu.Lock()
	r.amChoking = false
	r.mu.Unlock()
	return r.record(network.SignalMessage{Type: network.TypeUnchoke})
}

func (r *fakeRemote) SendHaveMeta(rev meta.PathRevision, bitfield meta.Bitfield) error {
	return r.record(network.HaveMeta{Type: network.TypeHaveMeta, Revision: rev, Bitfield: bitfield})
}

func (r *fakeRemote) SendHaveChunk(ctHash []byte) error {
	return r.record(network.HaveChunk{Type: network.TypeHaveChunk, CtHash: ctHash})
}

func (r *fakeRemote) SendMetaRequest(rev meta.PathRevision) error {
	return r.record(network.MetaRequest{Type: network.TypeMetaRequest, Revision: rev})
}

func (r *fakeRemote) SendMetaReply(smeta *meta.SignedMeta, bitfield meta.Bitfield) error {
	return r.record(network.MetaReply{Type: network.TypeMetaReply, Meta: smeta, Bitfield: bitfield})
}

func (r *fakeRemote) SendMetaCancel(rev meta.PathRevision) error {
	return r.record(network.MetaCancel{Type: network.TypeMetaCancel, Revision: rev})
}

func (r *fakeRemote) SendBlockRequest(ctHash []byte, offset, size uint32) error {
	if !r.AmInterested() || r.PeerChoking() {
		return network.ErrRequestNotAllowed
	}
	return r.record(network.BlockRequest{Type: network.TypeBlockRequest, CtHash: ctHash, Offset: offset, Size: size})
}

func (r *fakeRemote) SendBlockReply(ctHash []byte, offset uint32, data []byte) error {
	if r.AmChoking() || !r.PeerInterested() {
		return network.ErrReplyNotAllowed
	}
	r.blocks.AddUp(len(data))
	return r.record(network.BlockReply{Type: network.TypeBlockReply, CtHash: ctHash, Offset: offset, Data: data})
}

func (r *fakeRemote) SendBlockCancel(ctHash []byte, offset, size uint32) error {
	return r.record(network.BlockCancel{Type: network.TypeBlockCancel, CtHash: ctHash, Offset: offset, Size: size})
}

// sentOfType returns the recorded messages whose type is typ.
func (r *fakeRemote) sentOfType(typ string) []network.Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []network.Message
	for _, msg := range r.sent {
		if msg.MessageType() == typ {
			out = append(out, msg)
		}
	}
	return out
}

func (r *fakeRemote) blockRequests() []network.BlockRequest {
	var out []network.BlockRequest
	for _, msg := range r.sentOfType(network.TypeBlockRequest) {
		out = append(out, msg.(network.BlockRequest))
	}
	return out
}

func newTestStore(t *testing.T) *storage.Store {
	t.Helper()

	store, _, err := storage.Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() {
		require.NoError(t, store.Close())
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

func mustSignMeta(t *testing.T, identity *crypto.FolderIdentity, path string, revision int64, chunks ...[]byte) *meta.SignedMeta {
	t.Helper()

	m := meta.Meta{
		PathID:   crypto.PathID(identity.ReadKey, path),
		Revision: revision,
		Kind:     meta.KindFile,
	}
	for _, c := range chunks {
		m.Chunks = append(m.Chunks, meta.ChunkRef{CtHash: crypto.Hash(c), Size: uint32(len(c))})
	}
	signed, err := meta.Sign(m, identity)
	require.NoError(t, err)
	return signed
}

func allSet(n int) meta.Bitfield {
	bits := meta.NewBitfield(n)
	for i := 0; i < n; i++ {
		bits.Set(i)
	}
	return bits
}

func patternBytes(n int, seed byte) []byte {
	out := make([]byte, n)
	for i := range out {
		out[i] = seed + byte(i)
	}
	return out
}
