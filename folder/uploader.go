package folder

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"slices"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"vaultsync/storage"
)

// DefaultChunkCacheSize is the number of recently served chunks kept in memory.
const DefaultChunkCacheSize = 64

// ChunkReader reads stored chunk bytes.
type ChunkReader interface {
	GetChunk(ctHash []byte) ([]byte, error)
}

// UploaderConfig configures an Uploader.
type UploaderConfig struct {
	Choker ChokeStrategy
	// RateLimit bounds served block bytes per second. Zero disables the limit.
	RateLimit int
	CacheSize int
}

// Uploader serves block requests to remotes it has unchoked.
//
// HandleInterested, HandleNotInterested and PeerDetached run on the group's
// serial executor. HandleBlockRequest and HandleBlockCancel may run
// concurrently on the bulk pool.
type Uploader struct {
	store   ChunkReader
	choker  ChokeStrategy
	limiter *rate.Limiter
	cache   *lru.Cache[string, []byte]
	log     *zap.Logger

	unchoked map[uuid.UUID]Remote
	waiting  []Remote

	// pending holds the sequence numbers of replies waiting for bandwidth,
	// oldest first, per (peer, hash, offset, size).
	pendingMu sync.Mutex
	pending   map[string][]uint64
	nextSeq   uint64

	served      atomic.Int64
	servedBytes atomic.Int64
}

// NewUploader returns an uploader reading from store.
func NewUploader(store ChunkReader, cfg UploaderConfig, log *zap.Logger) (*Uploader, error) {
	if cfg.Choker == nil {
		cfg.Choker = UnchokeAll{}
	}
	if cfg.CacheSize <= 0 {
		cfg.CacheSize = DefaultChunkCacheSize
	}
	cache, err := lru.New[string, []byte](cfg.CacheSize)
	if err != nil {
		return nil, fmt.Errorf("create chunk cache: %w", err)
	}

	limiter := rate.NewLimiter(rate.Inf, 0)
	if cfg.RateLimit > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit), cfg.RateLimit)
	}

	return &Uploader{
		store:    store,
		choker:   cfg.Choker,
		limiter:  limiter,
		cache:    cache,
		log:      log.Named("uploader"),
		unchoked: make(map[uuid.UUID]Remote),
		pending:  make(map[string][]uint64),
	}, nil
}

// HandleInterested unchokes r if the strategy allows, otherwise queues it.
func (u *Uploader) HandleInterested(r Remote) {
	if _, ok := u.unchoked[r.ID()]; ok {
		return
	}
	if !u.choker.ShouldUnchoke(r, len(u.unchoked)) {
		u.removeWaiting(r.ID())
		u.waiting = append(u.waiting, r)
		u.log.Debug("interested peer left choked", zap.Stringer("peer", r))
		return
	}
	u.unchoke(r)
}

// HandleNotInterested chokes r and gives its slot to the next waiting remote.
func (u *Uploader) HandleNotInterested(r Remote) {
	u.removeWaiting(r.ID())
	if _, ok := u.unchoked[r.ID()]; !ok {
		return
	}
	delete(u.unchoked, r.ID())
	if err := r.SendChoke(); err != nil {
		u.log.Debug("send choke failed", zap.Stringer("peer", r), zap.Error(err))
	}
	u.promoteWaiting()
}

// PeerDetached forgets r.
func (u *Uploader) PeerDetached(r Remote) {
	u.removeWaiting(r.ID())
	if _, ok := u.unchoked[r.ID()]; ok {
		delete(u.unchoked, r.ID())
		u.promoteWaiting()
	}
}

// Unchoked returns the number of remotes currently served.
func (u *Uploader) Unchoked() int {
	return len(u.unchoked)
}

// HandleBlockRequest serves [offset, offset+size) of ctHash to r. Requests
// from a remote we choke or that is not interested, for an unknown chunk, or
// past the end of the chunk are refused and nothing is sent.
func (u *Uploader) HandleBlockRequest(ctx context.Context, r Remote, ctHash []byte, offset, size uint32) error {
	if r.AmChoking() || !r.PeerInterested() {
		u.log.Debug("refusing block request", zap.Stringer("peer", r), zap.Error(ErrChoked))
		return ErrChoked
	}

	data, err := u.readChunk(ctHash)
	if err != nil {
		u.log.Debug("refusing block request", zap.Stringer("peer", r), zap.Error(err))
		return err
	}
	if size == 0 || uint64(offset)+uint64(size) > uint64(len(data)) {
		u.log.Debug("refusing block request",
			zap.Stringer("peer", r),
			zap.Uint32("offset", offset),
			zap.Uint32("size", size),
			zap.Int("chunk_size", len(data)),
			zap.Error(ErrBlockOutOfRange),
		)
		return ErrBlockOutOfRange
	}

	key := blockRequestKey(r.ID(), ctHash, offset, size)
	seq := u.addPending(key)

	if err := u.wait(ctx, int(size)); err != nil {
		u.takePending(key, seq)
		return err
	}
	if !u.takePending(key, seq) {
		u.log.Debug("block request cancelled before reply", zap.Stringer("peer", r))
		return nil
	}

	// Choke state may have changed while waiting for bandwidth.
	if r.AmChoking() || !r.PeerInterested() {
		return ErrChoked
	}
	if err := r.SendBlockReply(ctHash, offset, data[offset:offset+size]); err != nil {
		return fmt.Errorf("send block reply: %w", err)
	}
	u.served.Add(1)
	u.servedBytes.Add(int64(size))
	return nil
}

// HandleBlockCancel drops the oldest matching reply that has not been sent
// yet.
func (u *Uploader) HandleBlockCancel(r Remote, ctHash []byte, offset, size uint32) {
	key := blockRequestKey(r.ID(), ctHash, offset, size)
	u.pendingMu.Lock()
	defer u.pendingMu.Unlock()
	if seqs := u.pending[key]; len(seqs) > 0 {
		u.setPendingLocked(key, seqs[1:])
	}
}

// BroadcastChunk announces a newly stored chunk to every remote.
func (u *Uploader) BroadcastChunk(remotes []Remote, ctHash []byte) {
	for _, r := range remotes {
		if err := r.SendHaveChunk(ctHash); err != nil {
			u.log.Debug("send have_chunk failed", zap.Stringer("peer", r), zap.Error(err))
		}
	}
}

// Served returns the number of block replies and payload bytes sent.
func (u *Uploader) Served() (blocks, bytes int64) {
	return u.served.Load(), u.servedBytes.Load()
}

func (u *Uploader) unchoke(r Remote) {
	if err := r.SendUnchoke(); err != nil {
		u.log.Debug("send unchoke failed", zap.Stringer("peer", r), zap.Error(err))
		return
	}
	u.unchoked[r.ID()] = r
}

func (u *Uploader) promoteWaiting() {
	for len(u.waiting) > 0 && u.choker.ShouldUnchoke(u.waiting[0], len(u.unchoked)) {
		next := u.waiting[0]
		u.waiting = u.waiting[1:]
		if next.PeerInterested() {
			u.unchoke(next)
		}
	}
}

func (u *Uploader) removeWaiting(id uuid.UUID) {
	for i, r := range u.waiting {
		if r.ID() == id {
			u.waiting = append(u.waiting[:i], u.waiting[i+1:]...)
			return
		}
	}
}

func (u *Uploader) readChunk(ctHash []byte) ([]byte, error) {
	key := hex.EncodeToString(ctHash)
	if data, ok := u.cache.Get(key); ok {
		return data, nil
	}
	data, err := u.store.GetChunk(ctHash)
	if err != nil {
		if errors.Is(err, storage.ErrNoSuchChunk) {
			return nil, storage.ErrNoSuchChunk
		}
		return nil, fmt.Errorf("read chunk: %w", err)
	}
	u.cache.Add(key, data)
	return data, nil
}

func (u *Uploader) wait(ctx context.Context, n int) error {
	if u.limiter.Limit() == rate.Inf {
		return nil
	}
	burst := u.limiter.Burst()
	for n > 0 {
		step := min(n, burst)
		if err := u.limiter.WaitN(ctx, step); err != nil {
			return fmt.Errorf("upload rate limit: %w", err)
		}
		n -= step
	}
	return nil
}

func (u *Uploader) addPending(key string) uint64 {
	u.pendingMu.Lock()
	defer u.pendingMu.Unlock()
	u.nextSeq++
	u.pending[key] = append(u.pending[key], u.nextSeq)
	return u.nextSeq
}

// takePending removes seq and reports whether it was still wanted.
func (u *Uploader) takePending(key string, seq uint64) bool {
	u.pendingMu.Lock()
	defer u.pendingMu.Unlock()
	seqs := u.pending[key]
	i := slices.Index(seqs, seq)
	if i < 0 {
		return false
	}
	u.setPendingLocked(key, slices.Delete(seqs, i, i+1))
	return true
}

func (u *Uploader) setPendingLocked(key string, seqs []uint64) {
	if len(seqs) == 0 {
		delete(u.pending, key)
		return
	}
	u.pending[key] = seqs
}

func blockRequestKey(id uuid.UUID, ctHash []byte, offset, size uint32) string {
	return fmt.Sprintf("%s|%x|%d|%d", id, ctHash, offset, size)
}
