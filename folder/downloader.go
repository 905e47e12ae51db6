package folder

import (
	"bytes"
	"encoding/hex"
	"errors"
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
	// DefaultBlockSize is the byte range requested per BlockRequest.
	DefaultBlockSize = 32 * 1024
	// DefaultMaxInflight bounds outstanding block requests per remote.
	DefaultMaxInflight = 8
	// DefaultRequestTimeout cancels and reschedules unanswered requests.
	DefaultRequestTimeout = 30 * time.Second
)

// ChunkWriter is the storage used by the Downloader.
type ChunkWriter interface {
	HasChunk(ctHash []byte) (bool, error)
	PutChunk(data []byte) ([]byte, bool, error)
	GetMeta(pathID []byte) (*meta.SignedMeta, error)
}

// DownloaderConfig configures a Downloader.
type DownloaderConfig struct {
	BlockSize      uint32
	MaxInflight    int
	RequestTimeout time.Duration
	Clock          clockwork.Clock
	// OnChunk is called after a chunk is verified and stored.
	OnChunk func(ctHash []byte)
}

// Downloader tracks missing metadata and chunks and requests them from the
// remotes that advertise them. All methods run on the group's serial executor.
//
// Peer selection: among owners of a missing block that are not choking us
// and have a free request slot, the one with the fewest verification and
// timeout failures wins, ties broken by fewest requests in flight. Failing
// remotes are deprioritized, never excluded.
type Downloader struct {
	store ChunkWriter
	cfg   DownloaderConfig
	log   *zap.Logger

	remotes map[uuid.UUID]*remoteState
	chunks  map[string]*neededChunk
	order   []string
	active  map[string]*activeRevision
	wanted  map[string]*wantedMeta
}

type remoteState struct {
	remote   Remote
	guard    *network.InterestGuard
	inflight map[blockRef]struct{}
	failures int
}

type blockRef struct {
	chunk string
	index int
}

type block struct {
	offset      uint32
	size        uint32
	data        []byte
	from        uuid.UUID
	inflight    bool
	requestedAt time.Time
}

type neededChunk struct {
	key    string
	hash   []byte
	size   uint32
	blocks []*block
	owners map[uuid.UUID]struct{}
	paths  map[string]struct{}
}

type activeRevision struct {
	rev     meta.PathRevision
	chunks  []meta.ChunkRef
	missing int
}

type wantedMeta struct {
	rev         meta.PathRevision
	providers   map[uuid.UUID]provider
	requestedOf uuid.UUID
	requestedAt time.Time
}

type provider struct {
	remote   Remote
	bitfield meta.Bitfield
}

// NewDownloader returns a downloader writing to store.
func NewDownloader(store ChunkWriter, cfg DownloaderConfig, log *zap.Logger) *Downloader {
	if cfg.BlockSize == 0 {
		cfg.BlockSize = DefaultBlockSize
	}
	if cfg.MaxInflight <= 0 {
		cfg.MaxInflight = DefaultMaxInflight
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = DefaultRequestTimeout
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	if cfg.OnChunk == nil {
		cfg.OnChunk = func([]byte) {}
	}
	return &Downloader{
		store:   store,
		cfg:     cfg,
		log:     log.Named("downloader"),
		remotes: make(map[uuid.UUID]*remoteState),
		chunks:  make(map[string]*neededChunk),
		active:  make(map[string]*activeRevision),
		wanted:  make(map[string]*wantedMeta),
	}
}

// MissingChunks returns the number of chunks still to be fetched.
func (d *Downloader) MissingChunks() int { return len(d.chunks) }

// WantedMetas returns the number of advertised revisions not yet fetched.
func (d *Downloader) WantedMetas() int { return len(d.wanted) }

// Inflight returns the number of outstanding block requests to r.
func (d *Downloader) Inflight(r Remote) int {
	if rs := d.remotes[r.ID()]; rs != nil {
		return len(rs.inflight)
	}
	return 0
}

// Failures returns the deprioritization score of r.
func (d *Downloader) Failures(r Remote) int {
	if rs := d.remotes[r.ID()]; rs != nil {
		return rs.failures
	}
	return 0
}

// HandleHaveMeta records that r holds rev with the given chunk bitfield.
func (d *Downloader) HandleHaveMeta(r Remote, rev meta.PathRevision, bitfield meta.Bitfield) {
	pathKey := rev.PathKey()
	current := d.localRevision(rev.PathID)

	switch {
	case rev.Revision < current:
		return
	case rev.Revision == current:
		if ar := d.active[pathKey]; ar != nil && ar.rev.Revision == rev.Revision {
			d.addOwners(r, ar.chunks, bitfield)
			d.refreshInterest()
			d.schedule()
		}
		return
	}

	w := d.wanted[pathKey]
	if w != nil && w.rev.Revision > rev.Revision {
		return
	}
	if w == nil || w.rev.Revision < rev.Revision {
		if w != nil && w.requestedOf != uuid.Nil {
			if rs := d.remotes[w.requestedOf]; rs != nil {
				_ = rs.remote.SendMetaCancel(w.rev)
			}
		}
		w = &wantedMeta{rev: rev, providers: make(map[uuid.UUID]provider)}
		d.wanted[pathKey] = w
	}
	d.state(r)
	w.providers[r.ID()] = provider{remote: r, bitfield: bitfield}
	if w.requestedOf == uuid.Nil {
		d.requestMeta(w, r)
	}
}

// HandleHaveChunk records that r now holds ctHash.
func (d *Downloader) HandleHaveChunk(r Remote, ctHash []byte) {
	nc := d.chunks[hex.EncodeToString(ctHash)]
	if nc == nil {
		return
	}
	d.state(r)
	nc.owners[r.ID()] = struct{}{}
	d.refreshInterest()
	d.schedule()
}

// AddMeta starts fetching the chunks of smeta, which must already be stored.
// from is the remote that supplied it, nil for locally indexed metadata.
func (d *Downloader) AddMeta(smeta *meta.SignedMeta, from Remote, bitfield meta.Bitfield) {
	m := smeta.Meta()
	rev := m.PathRevision()
	pathKey := rev.PathKey()

	providers := make(map[uuid.UUID]provider)
	if w := d.wanted[pathKey]; w != nil && w.rev.Revision <= rev.Revision {
		if w.rev.Revision == rev.Revision {
			providers = w.providers
		}
		delete(d.wanted, pathKey)
	}
	if from != nil {
		providers[from.ID()] = provider{remote: from, bitfield: bitfield}
	}

	d.supersede(pathKey)

	ar := &activeRevision{rev: rev, chunks: m.Chunks}
	for i, ref := range m.Chunks {
		key := hex.EncodeToString(ref.CtHash)
		nc := d.chunks[key]
		if nc == nil {
			has, err := d.store.HasChunk(ref.CtHash)
			if err != nil {
				d.log.Warn("check chunk presence", zap.Error(err))
				continue
			}
			if has {
				continue
			}
			nc = d.newChunk(key, ref)
		}
		// a hash repeated within one revision is fetched and counted once
		if _, ok := nc.paths[pathKey]; !ok {
			nc.paths[pathKey] = struct{}{}
			ar.missing++
		}
		for id, p := range providers {
			if p.bitfield.Test(i) {
				d.state(p.remote)
				nc.owners[id] = struct{}{}
			}
		}
	}
	if ar.missing > 0 {
		d.active[pathKey] = ar
	}

	d.refreshInterest()
	d.schedule()
}

// DropMeta forgets an advertised revision that turned out to be stale.
func (d *Downloader) DropMeta(rev meta.PathRevision) {
	if w := d.wanted[rev.PathKey()]; w != nil && w.rev.Revision <= rev.Revision {
		delete(d.wanted, rev.PathKey())
	}
}

// MetaFailed records a verification failure for metadata supplied by r.
// Another provider is asked right away. When r is the only one it stays a
// provider and Maintain asks it again after the request timeout.
func (d *Downloader) MetaFailed(r Remote, rev meta.PathRevision) {
	d.state(r).failures++
	w := d.wanted[rev.PathKey()]
	if w == nil || w.rev.Revision != rev.Revision {
		return
	}
	w.requestedOf = uuid.Nil
	w.requestedAt = d.cfg.Clock.Now()
	if next := d.pickProvider(w, r.ID()); next != nil && next.ID() != r.ID() {
		d.requestMeta(w, next)
	}
}

// HandleBlockReply accepts a block, and once a chunk is complete verifies its
// hash before storing it.
func (d *Downloader) HandleBlockReply(r Remote, ctHash []byte, offset uint32, data []byte) {
	key := hex.EncodeToString(ctHash)
	nc := d.chunks[key]
	if nc == nil {
		d.log.Debug("dropping unneeded block", zap.Stringer("peer", r))
		return
	}
	index := int(offset / d.cfg.BlockSize)
	if index >= len(nc.blocks) || nc.blocks[index].offset != offset {
		d.log.Debug("dropping misaligned block", zap.Stringer("peer", r), zap.Uint32("offset", offset))
		return
	}

	b := nc.blocks[index]
	d.clearInflight(blockRef{chunk: key, index: index}, b)
	if b.data != nil {
		return
	}
	if uint32(len(data)) != b.size {
		d.log.Warn("block size mismatch",
			zap.Stringer("peer", r),
			zap.Int("got", len(data)),
			zap.Uint32("want", b.size),
		)
		d.state(r).failures++
		d.schedule()
		return
	}
	b.data = append([]byte(nil), data...)
	b.from = r.ID()

	for _, other := range nc.blocks {
		if other.data == nil {
			d.schedule()
			return
		}
	}
	d.completeChunk(nc)
}

// HandleChoke discards requests outstanding at r; they are rescheduled.
func (d *Downloader) HandleChoke(r Remote) {
	rs := d.remotes[r.ID()]
	if rs == nil {
		return
	}
	d.resetInflight(rs)
	d.schedule()
}

// HandleUnchoke lets requests flow to r.
func (d *Downloader) HandleUnchoke(r Remote) {
	d.schedule()
}

// PeerDetached treats every request outstanding at r as lost, releases its
// interest guard and reschedules against the remaining owners.
func (d *Downloader) PeerDetached(r Remote) {
	id := r.ID()
	rs := d.remotes[id]
	if rs != nil {
		d.resetInflight(rs)
		rs.guard.Release()
		delete(d.remotes, id)
	}
	for _, nc := range d.chunks {
		delete(nc.owners, id)
	}
	for _, w := range d.wanted {
		delete(w.providers, id)
		if w.requestedOf == id {
			w.requestedOf = uuid.Nil
			if next := d.pickProvider(w, id); next != nil {
				d.requestMeta(w, next)
			}
		}
	}
	d.schedule()
}

// Maintain cancels requests older than the request timeout and reschedules them.
func (d *Downloader) Maintain() {
	now := d.cfg.Clock.Now()
	for _, rs := range d.remotes {
		for ref := range rs.inflight {
			nc := d.chunks[ref.chunk]
			if nc == nil {
				delete(rs.inflight, ref)
				continue
			}
			b := nc.blocks[ref.index]
			if now.Sub(b.requestedAt) < d.cfg.RequestTimeout {
				continue
			}
			_ = rs.remote.SendBlockCancel(nc.hash, b.offset, b.size)
			b.inflight = false
			b.from = uuid.Nil
			delete(rs.inflight, ref)
			rs.failures++
			d.log.Debug("block request timed out", zap.Stringer("peer", rs.remote), zap.Uint32("offset", b.offset))
		}
	}
	for _, w := range d.wanted {
		if now.Sub(w.requestedAt) < d.cfg.RequestTimeout {
			continue
		}
		previous := w.requestedOf
		if previous != uuid.Nil {
			if rs := d.remotes[previous]; rs != nil {
				_ = rs.remote.SendMetaCancel(w.rev)
				rs.failures++
			}
			w.requestedOf = uuid.Nil
		}
		if next := d.pickProvider(w, previous); next != nil {
			d.requestMeta(w, next)
		}
	}
	d.schedule()
}

func (d *Downloader) completeChunk(nc *neededChunk) {
	buf := make([]byte, 0, nc.size)
	for _, b := range nc.blocks {
		buf = append(buf, b.data...)
	}

	if !bytes.Equal(crypto.Hash(buf), nc.hash) {
		contributors := make(map[uuid.UUID]struct{})
		for _, b := range nc.blocks {
			contributors[b.from] = struct{}{}
			b.data = nil
			b.from = uuid.Nil
		}
		for id := range contributors {
			if rs := d.remotes[id]; rs != nil {
				rs.failures++
				d.log.Warn("chunk failed verification", zap.Stringer("peer", rs.remote), zap.Error(ErrVerification))
			}
		}
		d.schedule()
		return
	}

	if _, _, err := d.store.PutChunk(buf); err != nil {
		d.log.Error("store downloaded chunk", zap.Error(err))
		for _, b := range nc.blocks {
			b.data = nil
		}
		d.schedule()
		return
	}

	d.removeChunk(nc)
	for pathKey := range nc.paths {
		if ar := d.active[pathKey]; ar != nil {
			ar.missing--
			if ar.missing <= 0 {
				delete(d.active, pathKey)
			}
		}
	}

	d.cfg.OnChunk(nc.hash)
	d.refreshInterest()
	d.schedule()
}

// supersede drops chunks needed only by an older revision of pathKey.
func (d *Downloader) supersede(pathKey string) {
	if _, ok := d.active[pathKey]; !ok {
		return
	}
	delete(d.active, pathKey)

	for _, key := range append([]string(nil), d.order...) {
		nc := d.chunks[key]
		if _, ok := nc.paths[pathKey]; !ok {
			continue
		}
		delete(nc.paths, pathKey)
		if len(nc.paths) > 0 {
			continue
		}
		for index, b := range nc.blocks {
			if !b.inflight {
				continue
			}
			if rs := d.remotes[b.from]; rs != nil {
				_ = rs.remote.SendBlockCancel(nc.hash, b.offset, b.size)
				delete(rs.inflight, blockRef{chunk: key, index: index})
			}
		}
		d.removeChunk(nc)
	}
}

func (d *Downloader) schedule() {
	for _, key := range d.order {
		nc := d.chunks[key]
		for index, b := range nc.blocks {
			if b.data != nil || b.inflight {
				continue
			}
			rs := d.pickOwner(nc)
			if rs == nil {
				break
			}
			if err := rs.remote.SendBlockRequest(nc.hash, b.offset, b.size); err != nil {
				d.log.Debug("send block request failed", zap.Stringer("peer", rs.remote), zap.Error(err))
				break
			}
			b.inflight = true
			b.from = rs.remote.ID()
			b.requestedAt = d.cfg.Clock.Now()
			rs.inflight[blockRef{chunk: key, index: index}] = struct{}{}
		}
	}
}

func (d *Downloader) pickOwner(nc *neededChunk) *remoteState {
	var best *remoteState
	for id := range nc.owners {
		rs := d.remotes[id]
		if rs == nil || rs.remote.PeerChoking() || !rs.remote.AmInterested() || len(rs.inflight) >= d.cfg.MaxInflight {
			continue
		}
		if best == nil ||
			rs.failures < best.failures ||
			(rs.failures == best.failures && len(rs.inflight) < len(best.inflight)) {
			best = rs
		}
	}
	return best
}

func (d *Downloader) pickProvider(w *wantedMeta, exclude uuid.UUID) Remote {
	var best, fallback *remoteState
	for id := range w.providers {
		rs := d.remotes[id]
		if rs == nil {
			continue
		}
		if id == exclude {
			fallback = rs
			continue
		}
		if best == nil || rs.failures < best.failures {
			best = rs
		}
	}
	if best == nil {
		best = fallback
	}
	if best == nil {
		return nil
	}
	return best.remote
}

func (d *Downloader) requestMeta(w *wantedMeta, r Remote) {
	if err := r.SendMetaRequest(w.rev); err != nil {
		d.log.Debug("send meta request failed", zap.Stringer("peer", r), zap.Error(err))
		return
	}
	w.requestedOf = r.ID()
	w.requestedAt = d.cfg.Clock.Now()
}

// refreshInterest holds a guard on every remote owning a missing chunk and
// releases it on the others.
func (d *Downloader) refreshInterest() {
	needed := make(map[uuid.UUID]bool, len(d.remotes))
	for _, nc := range d.chunks {
		for id := range nc.owners {
			needed[id] = true
		}
	}
	for id, rs := range d.remotes {
		switch {
		case needed[id] && rs.guard == nil:
			rs.guard = rs.remote.AcquireInterest()
		case !needed[id] && rs.guard != nil:
			rs.guard.Release()
			rs.guard = nil
		}
	}
}

func (d *Downloader) addOwners(r Remote, chunks []meta.ChunkRef, bitfield meta.Bitfield) {
	d.state(r)
	for i, ref := range chunks {
		if !bitfield.Test(i) {
			continue
		}
		if nc := d.chunks[hex.EncodeToString(ref.CtHash)]; nc != nil {
			nc.owners[r.ID()] = struct{}{}
		}
	}
}

func (d *Downloader) state(r Remote) *remoteState {
	rs := d.remotes[r.ID()]
	if rs == nil {
		rs = &remoteState{remote: r, inflight: make(map[blockRef]struct{})}
		d.remotes[r.ID()] = rs
	}
	return rs
}

func (d *Downloader) newChunk(key string, ref meta.ChunkRef) *neededChunk {
	nc := &neededChunk{
		key:    key,
		hash:   ref.CtHash,
		size:   ref.Size,
		owners: make(map[uuid.UUID]struct{}),
		paths:  make(map[string]struct{}),
	}
	for offset := uint32(0); offset < ref.Size; offset += d.cfg.BlockSize {
		nc.blocks = append(nc.blocks, &block{offset: offset, size: min(d.cfg.BlockSize, ref.Size-offset)})
	}
	if len(nc.blocks) == 0 {
		nc.blocks = append(nc.blocks, &block{})
	}
	d.chunks[key] = nc
	d.order = append(d.order, key)
	return nc
}

func (d *Downloader) removeChunk(nc *neededChunk) {
	for index, b := range nc.blocks {
		if b.inflight {
			if rs := d.remotes[b.from]; rs != nil {
				delete(rs.inflight, blockRef{chunk: nc.key, index: index})
			}
		}
	}
	delete(d.chunks, nc.key)
	for i, key := range d.order {
		if key == nc.key {
			d.order = append(d.order[:i], d.order[i+1:]...)
			break
		}
	}
}

func (d *Downloader) clearInflight(ref blockRef, b *block) {
	if !b.inflight {
		return
	}
	if rs := d.remotes[b.from]; rs != nil {
		delete(rs.inflight, ref)
	}
	b.inflight = false
}

// resetInflight returns every block requested from rs to the unrequested pool.
func (d *Downloader) resetInflight(rs *remoteState) {
	for ref := range rs.inflight {
		if nc := d.chunks[ref.chunk]; nc != nil {
			b := nc.blocks[ref.index]
			b.inflight = false
			b.from = uuid.Nil
		}
		delete(rs.inflight, ref)
	}
}

func (d *Downloader) localRevision(pathID []byte) int64 {
	smeta, err := d.store.GetMeta(pathID)
	if err != nil {
		if !errors.Is(err, storage.ErrNoSuchMeta) {
			d.log.Warn("read local revision", zap.Error(err))
		}
		return -1
	}
	return smeta.PathRevision().Revision
}
