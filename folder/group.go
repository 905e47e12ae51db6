// Package folder implements the synchronization group of one shared folder:
// peer membership, choke/interest bookkeeping, metadata exchange and chunk
// transfer.
package folder

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"vaultsync/crypto"
	"vaultsync/meta"
	"vaultsync/network"
	"vaultsync/storage"
)

const (
	// DefaultStateInterval is how often a Snapshot is published.
	DefaultStateInterval = time.Second
	// DefaultBulkWorkers bounds concurrent storage reads serving peers.
	DefaultBulkWorkers = 8
)

// Store is the chunk and metadata storage owned by a group.
// *storage.Store implements it.
type Store interface {
	ChunkReader
	ChunkWriter
	PutMeta(smeta *meta.SignedMeta) error
	GetMetaRevision(rev meta.PathRevision) (*meta.SignedMeta, error)
	ListMeta() ([]*meta.SignedMeta, error)
	Bitfield(rev meta.PathRevision) (meta.Bitfield, error)
}

var _ Store = (*storage.Store)(nil)

// Options configures a Group.
type Options struct {
	Identity  *crypto.FolderIdentity
	Store     Store
	Node      network.LocalNode
	Logger    *zap.Logger
	Clock     clockwork.Clock
	Collector StatusCollector
	Choker    ChokeStrategy
	Dial      func(ctx context.Context, address string) (net.Conn, error)

	BlockSize       uint32
	MaxInflight     int
	RequestTimeout  time.Duration
	UploadRateLimit int
	ChunkCacheSize  int
	BulkWorkers     int
	StateInterval   time.Duration

	HandshakeTimeout  time.Duration
	KeepAliveInterval time.Duration
	IdleTimeout       time.Duration
}

func (o Options) withDefaults() Options {
	out := o
	if out.Logger == nil {
		out.Logger = zap.NewNop()
	}
	if out.Clock == nil {
		out.Clock = clockwork.NewRealClock()
	}
	if out.Dial == nil {
		out.Dial = network.Dial
	}
	if out.BulkWorkers <= 0 {
		out.BulkWorkers = DefaultBulkWorkers
	}
	if out.StateInterval <= 0 {
		out.StateInterval = DefaultStateInterval
	}
	return out
}

// Group is the synchronization group of one folder. It owns the folder's
// storage, uploader, downloader and attached peers.
type Group struct {
	opts     Options
	identity *crypto.FolderIdentity
	store    Store
	log      *zap.Logger
	clock    clockwork.Clock

	serial     *serialExecutor
	bulk       *bulkPool
	uploader   *Uploader
	downloader *Downloader
	bandwidth  *network.BandwidthCounter

	// Indices are written only from serial tasks; mu lets other goroutines read them.
	mu         sync.RWMutex
	members    map[uuid.UUID]Member
	byDigest   map[string]uuid.UUID
	byEndpoint map[string]uuid.UUID
	closed     bool

	// remoteRevs holds the newest revision each member advertised per path. Serial only.
	remoteRevs map[uuid.UUID]map[string]int64

	events    chan Event
	closeOnce sync.Once
}

// NewGroup creates the group for opts.Identity.
func NewGroup(options Options) (*Group, error) {
	opts := options.withDefaults()
	if opts.Identity == nil {
		return nil, errors.New("folder: identity is required")
	}
	if opts.Store == nil {
		return nil, errors.New("folder: store is required")
	}

	log := opts.Logger.Named("group").With(zap.String("folder", opts.Identity.IDHex()[:16]))
	g := &Group{
		opts:       opts,
		identity:   opts.Identity,
		store:      opts.Store,
		log:        log,
		clock:      opts.Clock,
		serial:     newSerialExecutor(),
		bulk:       newBulkPool(opts.BulkWorkers, log),
		bandwidth:  network.NewBandwidthCounter(nil),
		members:    make(map[uuid.UUID]Member),
		byDigest:   make(map[string]uuid.UUID),
		byEndpoint: make(map[string]uuid.UUID),
		remoteRevs: make(map[uuid.UUID]map[string]int64),
		events:     make(chan Event, 64),
	}

	uploader, err := NewUploader(opts.Store, UploaderConfig{
		Choker:    opts.Choker,
		RateLimit: opts.UploadRateLimit,
		CacheSize: opts.ChunkCacheSize,
	}, log)
	if err != nil {
		g.serial.Stop()
		return nil, err
	}
	g.uploader = uploader
	g.downloader = NewDownloader(opts.Store, DownloaderConfig{
		BlockSize:      opts.BlockSize,
		MaxInflight:    opts.MaxInflight,
		RequestTimeout: opts.RequestTimeout,
		Clock:          opts.Clock,
		OnChunk:        g.chunkStored,
	}, log)
	return g, nil
}

// Identity returns the folder identity.
func (g *Group) Identity() *crypto.FolderIdentity { return g.identity }

// Events returns membership events. Events are dropped when the consumer lags.
func (g *Group) Events() <-chan Event { return g.events }

// Bandwidth returns the group-wide counter every peer counter feeds.
func (g *Group) Bandwidth() *network.BandwidthCounter { return g.bandwidth }

// Connect dials address and attaches the resulting peer once its handshake succeeds.
func (g *Group) Connect(ctx context.Context, address string) (*network.Peer, error) {
	if g.HavePeerEndpoint(address) {
		return nil, &AttachError{Reason: ReasonDuplicateEndpoint, Peer: address}
	}
	conn, err := g.opts.Dial(ctx, address)
	if err != nil {
		return nil, err
	}
	p := g.newPeer(conn, network.RoleClient, address)
	p.Start(nil)
	return p, nil
}

// Accept runs the protocol on an inbound connection. hello is the Hello
// already read to route the connection, or nil.
func (g *Group) Accept(conn net.Conn, hello *network.Hello) *network.Peer {
	p := g.newPeer(conn, network.RoleServer, "")
	p.Start(hello)
	return p
}

func (g *Group) newPeer(conn net.Conn, role network.Role, endpoint string) *network.Peer {
	return network.NewPeer(conn, role, network.PeerOptions{
		Identity:          g.identity,
		Node:              g.opts.Node,
		Handler:           g,
		Logger:            g.log,
		Clock:             g.clock,
		Endpoint:          endpoint,
		Parent:            g.bandwidth,
		HandshakeTimeout:  g.opts.HandshakeTimeout,
		KeepAliveInterval: g.opts.KeepAliveInterval,
		IdleTimeout:       g.opts.IdleTimeout,
	})
}

// PeerReady attaches a peer whose handshake completed.
func (g *Group) PeerReady(p *network.Peer) error {
	return g.Attach(p)
}

// PeerMessage routes an inbound message of an attached peer.
func (g *Group) PeerMessage(p *network.Peer, msg network.Message) {
	g.handleMessage(p, msg)
}

// PeerClosed detaches a peer whose connection ended.
func (g *Group) PeerClosed(p *network.Peer, err error) {
	g.serial.Post(func() { g.detach(p, err) })
}

// Attach registers m. It fails with an AttachError when a member with the
// same digest or endpoint is attached or m belongs to another folder. On
// success every stored revision is advertised to m.
func (g *Group) Attach(m Member) error {
	var err error
	if callErr := g.serial.Call(func() { err = g.attach(m) }); callErr != nil {
		return &AttachError{Reason: ReasonGroupClosed, Digest: m.Digest(), Peer: m.String()}
	}
	if err != nil {
		g.log.Info("attach rejected", zap.Stringer("peer", m), zap.Error(err))
		return err
	}
	g.bulk.Go("advertise", func(ctx context.Context) error {
		return g.advertise(m)
	})
	return nil
}

// Detach removes m from the group and closes it. Detaching a member that
// is not attached does nothing.
func (g *Group) Detach(m Member) {
	_ = g.serial.Call(func() { g.detach(m, nil) })
}

// HavePeerDigest reports whether a member with digest is attached.
func (g *Group) HavePeerDigest(digest string) bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	_, ok := g.byDigest[digest]
	return ok
}

// HavePeerEndpoint reports whether a member with endpoint is attached.
func (g *Group) HavePeerEndpoint(endpoint string) bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	_, ok := g.byEndpoint[endpoint]
	return ok
}

// Members returns a snapshot of attached members.
func (g *Group) Members() []network.PeerInfo {
	members := g.memberList()
	out := make([]network.PeerInfo, 0, len(members))
	for _, m := range members {
		out = append(out, m.Info())
	}
	return out
}

// HandleIndexedMeta accepts a revision produced by local indexing. A
// revision not newer than the stored one is logged and ignored.
func (g *Group) HandleIndexedMeta(smeta *meta.SignedMeta) error {
	if err := smeta.Verify(g.identity); err != nil {
		return fmt.Errorf("%w: %v", ErrVerification, err)
	}
	var err error
	if callErr := g.serial.Call(func() { err = g.applyIndexedMeta(smeta) }); callErr != nil {
		return callErr
	}
	return err
}

// PutChunk stores locally produced chunk bytes.
func (g *Group) PutChunk(data []byte) ([]byte, error) {
	var (
		hash []byte
		err  error
	)
	if callErr := g.serial.Call(func() { hash, _, err = g.store.PutChunk(data) }); callErr != nil {
		return nil, callErr
	}
	return hash, err
}

// Run publishes snapshots and expires stale requests until ctx is done.
func (g *Group) Run(ctx context.Context) error {
	ticker := g.clock.NewTicker(g.opts.StateInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.Chan():
			g.serial.Post(g.downloader.Maintain)
			g.publishState()
		}
	}
}

// Snapshot aggregates membership, bandwidth and progress.
func (g *Group) Snapshot() (Snapshot, error) {
	snap := Snapshot{FolderID: g.identity.IDHex(), Time: g.clock.Now()}
	var members []Member
	if err := g.serial.Call(func() {
		snap.MissingChunks = g.downloader.MissingChunks()
		snap.WantedMetas = g.downloader.WantedMetas()
		members = g.memberList()
	}); err != nil {
		return Snapshot{}, err
	}

	for _, m := range members {
		all, _ := m.Counters()
		snap.Peers = append(snap.Peers, PeerStatus{PeerInfo: m.Info(), Rate: all.Stats()})
	}
	snap.Bandwidth = g.bandwidth.Stats()

	metas, err := g.store.ListMeta()
	if err != nil {
		return Snapshot{}, err
	}
	snap.Revisions = len(metas)
	var total, present int
	for _, smeta := range metas {
		bits, err := g.store.Bitfield(smeta.PathRevision())
		if err != nil {
			return Snapshot{}, err
		}
		total += bits.Len()
		present += bits.Count()
	}
	snap.Progress = 1
	if total > 0 {
		snap.Progress = float64(present) / float64(total)
	}
	return snap, nil
}

// Close detaches every member and stops the group's executors. A detached
// event is published for each member before Events is closed.
func (g *Group) Close() error {
	g.closeOnce.Do(func() {
		_ = g.serial.Call(func() {
			g.mu.Lock()
			g.closed = true
			g.mu.Unlock()
			for _, m := range g.memberList() {
				g.detach(m, ErrGroupClosed)
			}
		})
		g.bulk.Close()
		g.serial.Stop()
		close(g.events)
	})
	return nil
}

func (g *Group) attach(m Member) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	reject := func(reason AttachReason) error {
		return &AttachError{Reason: reason, Digest: m.Digest(), Peer: m.String()}
	}
	switch {
	case g.closed:
		return reject(ReasonGroupClosed)
	case !bytes.Equal(m.FolderID(), g.identity.ID):
		return reject(ReasonIdentityMismatch)
	}
	if _, ok := g.byDigest[m.Digest()]; ok {
		return reject(ReasonDuplicateDigest)
	}
	if _, ok := g.byEndpoint[m.Endpoint()]; ok {
		return reject(ReasonDuplicateEndpoint)
	}

	g.members[m.ID()] = m
	g.byDigest[m.Digest()] = m.ID()
	g.byEndpoint[m.Endpoint()] = m.ID()
	g.remoteRevs[m.ID()] = make(map[string]int64)

	g.log.Info("peer attached", zap.Stringer("peer", m), zap.Int("members", len(g.members)))
	g.publish(Event{Type: EventAttached, Peer: m.Info()})
	return nil
}

func (g *Group) detach(m Member, cause error) {
	id := m.ID()

	g.mu.Lock()
	if _, ok := g.members[id]; !ok {
		g.mu.Unlock()
		return
	}
	delete(g.members, id)
	if g.byDigest[m.Digest()] == id {
		delete(g.byDigest, m.Digest())
	}
	if g.byEndpoint[m.Endpoint()] == id {
		delete(g.byEndpoint, m.Endpoint())
	}
	remaining := len(g.members)
	g.mu.Unlock()

	delete(g.remoteRevs, id)
	g.uploader.PeerDetached(m)
	g.downloader.PeerDetached(m)
	_ = m.Close()

	g.log.Info("peer detached", zap.Stringer("peer", m), zap.Int("members", remaining), zap.NamedError("cause", cause))
	g.publish(Event{Type: EventDetached, Peer: m.Info(), Err: cause})
}

func (g *Group) isAttached(m Member) bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	current, ok := g.members[m.ID()]
	return ok && current == m
}

func (g *Group) memberList() []Member {
	g.mu.RLock()
	defer g.mu.RUnlock()
	out := make([]Member, 0, len(g.members))
	for _, m := range g.members {
		out = append(out, m)
	}
	return out
}

func (g *Group) remotes() []Remote {
	members := g.memberList()
	out := make([]Remote, 0, len(members))
	for _, m := range members {
		out = append(out, m)
	}
	return out
}

// handleMessage routes msg from m. State changes go through the serial
// executor in arrival order; storage reads serving m go to the bulk pool.
func (g *Group) handleMessage(m Member, msg network.Message) {
	switch msg := msg.(type) {
	case network.SignalMessage:
		g.serial.Post(func() {
			if !g.isAttached(m) {
				return
			}
			switch msg.Type {
			case network.TypeInterested:
				g.uploader.HandleInterested(m)
			case network.TypeNotInterested:
				g.uploader.HandleNotInterested(m)
			case network.TypeChoke:
				g.downloader.HandleChoke(m)
			case network.TypeUnchoke:
				g.downloader.HandleUnchoke(m)
			}
		})
	case network.HaveMeta:
		g.serial.Post(func() {
			if !g.isAttached(m) {
				return
			}
			g.noteRemoteRevision(m, msg.Revision)
			g.downloader.HandleHaveMeta(m, msg.Revision, msg.Bitfield)
		})
	case network.HaveChunk:
		g.serial.Post(func() {
			if g.isAttached(m) {
				g.downloader.HandleHaveChunk(m, msg.CtHash)
			}
		})
	case network.MetaRequest:
		g.bulk.Go("meta_request", func(ctx context.Context) error {
			return g.serveMeta(m, msg.Revision)
		})
	case network.MetaReply:
		rev := msg.Meta.PathRevision()
		if err := msg.Meta.Verify(g.identity); err != nil {
			g.log.Warn("rejecting unverifiable meta", zap.Stringer("peer", m), zap.Stringer("revision", rev), zap.Error(err))
			g.serial.Post(func() {
				if g.isAttached(m) {
					g.downloader.MetaFailed(m, rev)
				}
			})
			return
		}
		g.serial.Post(func() {
			if g.isAttached(m) {
				g.acceptRemoteMeta(m, msg.Meta, msg.Bitfield)
			}
		})
	case network.MetaCancel:
		g.log.Debug("meta cancel ignored", zap.Stringer("peer", m), zap.Stringer("revision", msg.Revision))
	case network.BlockRequest:
		g.bulk.Go("block_request", func(ctx context.Context) error {
			if !g.isAttached(m) {
				return nil
			}
			return g.uploader.HandleBlockRequest(ctx, m, msg.CtHash, msg.Offset, msg.Size)
		})
	case network.BlockReply:
		g.serial.Post(func() {
			if g.isAttached(m) {
				g.downloader.HandleBlockReply(m, msg.CtHash, msg.Offset, msg.Data)
			}
		})
	case network.BlockCancel:
		g.uploader.HandleBlockCancel(m, msg.CtHash, msg.Offset, msg.Size)
	default:
		g.log.Debug("unhandled message", zap.String("type", msg.MessageType()))
	}
}

func (g *Group) serveMeta(m Member, rev meta.PathRevision) error {
	if !g.isAttached(m) {
		return nil
	}
	smeta, err := g.store.GetMetaRevision(rev)
	if err != nil {
		return fmt.Errorf("meta request %s: %w", rev, err)
	}
	bits, err := g.store.Bitfield(rev)
	if err != nil {
		return fmt.Errorf("meta request %s: %w", rev, err)
	}
	return m.SendMetaReply(smeta, bits)
}

func (g *Group) advertise(m Member) error {
	metas, err := g.store.ListMeta()
	if err != nil {
		return fmt.Errorf("list metas: %w", err)
	}
	for _, smeta := range metas {
		rev := smeta.PathRevision()
		bits, err := g.store.Bitfield(rev)
		if err != nil {
			return fmt.Errorf("bitfield %s: %w", rev, err)
		}
		if err := m.SendHaveMeta(rev, bits); err != nil {
			return err
		}
	}
	return nil
}

func (g *Group) applyIndexedMeta(smeta *meta.SignedMeta) error {
	rev := smeta.PathRevision()
	if err := g.store.PutMeta(smeta); err != nil {
		if errors.Is(err, storage.ErrStaleRevision) {
			g.log.Info("ignoring stale indexed revision", zap.Stringer("revision", rev))
			return nil
		}
		return err
	}
	g.downloader.AddMeta(smeta, nil, meta.Bitfield{})
	g.announceMeta(smeta, uuid.Nil)
	return nil
}

func (g *Group) acceptRemoteMeta(m Member, smeta *meta.SignedMeta, bits meta.Bitfield) {
	rev := smeta.PathRevision()
	if err := g.store.PutMeta(smeta); err != nil {
		g.downloader.DropMeta(rev)
		if errors.Is(err, storage.ErrStaleRevision) {
			g.log.Debug("ignoring stale remote revision", zap.Stringer("peer", m), zap.Stringer("revision", rev))
			return
		}
		g.log.Error("store remote meta", zap.Stringer("revision", rev), zap.Error(err))
		return
	}
	g.noteRemoteRevision(m, rev)
	g.downloader.AddMeta(smeta, m, bits)
	g.announceMeta(smeta, m.ID())
}

// announceMeta sends HaveMeta to members whose advertised revision of the
// path is older than smeta.
func (g *Group) announceMeta(smeta *meta.SignedMeta, skip uuid.UUID) {
	rev := smeta.PathRevision()
	bits, err := g.store.Bitfield(rev)
	if err != nil {
		g.log.Warn("bitfield for announcement", zap.Stringer("revision", rev), zap.Error(err))
		return
	}
	for _, m := range g.memberList() {
		if m.ID() == skip {
			continue
		}
		if known, ok := g.remoteRevs[m.ID()][rev.PathKey()]; ok && known >= rev.Revision {
			continue
		}
		if err := m.SendHaveMeta(rev, bits); err != nil {
			g.log.Debug("send have_meta failed", zap.Stringer("peer", m), zap.Error(err))
		}
	}
}

func (g *Group) noteRemoteRevision(m Member, rev meta.PathRevision) {
	revs := g.remoteRevs[m.ID()]
	if revs == nil {
		return
	}
	if known, ok := revs[rev.PathKey()]; !ok || known < rev.Revision {
		revs[rev.PathKey()] = rev.Revision
	}
}

func (g *Group) chunkStored(ctHash []byte) {
	g.uploader.BroadcastChunk(g.remotes(), ctHash)
}

func (g *Group) publish(event Event) {
	select {
	case g.events <- event:
	default:
		g.log.Debug("dropping membership event", zap.String("type", string(event.Type)))
	}
}

func (g *Group) publishState() {
	if g.opts.Collector == nil {
		return
	}
	snap, err := g.Snapshot()
	if err != nil {
		g.log.Debug("build snapshot", zap.Error(err))
		return
	}
	if err := g.opts.Collector.Collect(snap); err != nil {
		g.log.Debug("status collector rejected snapshot", zap.Error(err))
	}
}
