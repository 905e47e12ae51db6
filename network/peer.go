package network

import (
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"vaultsync/crypto"
	"vaultsync/meta"
)

var (
	// ErrPeerClosed indicates an operation on a closed peer.
	ErrPeerClosed = errors.New("network: peer closed")
	// ErrIdleTimeout indicates the remote was silent for longer than the idle window.
	ErrIdleTimeout = errors.New("network: peer idle timeout")
	// ErrRequestNotAllowed indicates a block request while not interested or while choked.
	ErrRequestNotAllowed = errors.New("network: block request not allowed in current choke/interest state")
	// ErrReplyNotAllowed indicates a block reply while choking or to an uninterested peer.
	ErrReplyNotAllowed = errors.New("network: block reply not allowed in current choke/interest state")
)

// State is the lifecycle phase of a Peer.
type State string

const (
	StateConnecting  State = "connecting"
	StateHandshaking State = "handshaking"
	StateActive      State = "active"
	StateClosed      State = "closed"
)

// Role records which side opened the channel.
type Role string

const (
	// RoleClient initiated the connection.
	RoleClient Role = "client"
	// RoleServer accepted the connection.
	RoleServer Role = "server"
)

// Handler receives the events of a Peer. Calls for one peer are made in
// arrival order from the peer's read goroutine; implementations must not block
// and must not call Close from PeerClosed.
type Handler interface {
	// PeerReady is called once the handshake succeeds. Returning an error
	// closes the peer with that error.
	PeerReady(p *Peer) error
	// PeerMessage delivers every inbound message after flags are updated.
	PeerMessage(p *Peer, msg Message)
	// PeerClosed is called exactly once when the peer reaches StateClosed.
	PeerClosed(p *Peer, err error)
}

// PeerOptions configures a Peer.
type PeerOptions struct {
	Identity *crypto.FolderIdentity
	Node     LocalNode
	Handler  Handler
	Logger   *zap.Logger
	Clock    clockwork.Clock

	// Endpoint overrides the remote address used for duplicate detection.
	Endpoint string
	// Parent receives a copy of every byte counted by the peer.
	Parent *BandwidthCounter

	HandshakeTimeout  time.Duration
	KeepAliveInterval time.Duration
	IdleTimeout       time.Duration
}

func (o PeerOptions) withDefaults() PeerOptions {
	out := o
	if out.Logger == nil {
		out.Logger = zap.NewNop()
	}
	if out.Clock == nil {
		out.Clock = clockwork.NewRealClock()
	}
	if out.HandshakeTimeout <= 0 {
		out.HandshakeTimeout = DefaultHandshakeTimeout
	}
	if out.KeepAliveInterval <= 0 {
		out.KeepAliveInterval = DefaultKeepAliveInterval
	}
	if out.IdleTimeout <= 0 {
		out.IdleTimeout = DefaultIdleTimeout
	}
	return out
}

// PeerInfo is a point-in-time view of a Peer.
type PeerInfo struct {
	ID             uuid.UUID      `json:"id"`
	Endpoint       string         `json:"endpoint"`
	Digest         string         `json:"digest"`
	ClientName     string         `json:"client_name"`
	UserAgent      string         `json:"user_agent"`
	Role           Role           `json:"role"`
	State          State          `json:"state"`
	AmChoking      bool           `json:"am_choking"`
	AmInterested   bool           `json:"am_interested"`
	PeerChoking    bool           `json:"peer_choking"`
	PeerInterested bool           `json:"peer_interested"`
	All            BandwidthStats `json:"all"`
	Blocks         BandwidthStats `json:"blocks"`
}

// Peer runs the folder protocol over one connection.
type Peer struct {
	id       uuid.UUID
	conn     net.Conn
	role     Role
	endpoint string
	opts     PeerOptions
	log      *zap.Logger
	clock    clockwork.Clock

	mu         sync.RWMutex
	state      State
	digest     string
	clientName string
	userAgent  string

	amChoking      atomic.Bool
	amInterested   atomic.Bool
	peerChoking    atomic.Bool
	peerInterested atomic.Bool

	interest *InterestTracker
	all      *BandwidthCounter
	blocks   *BandwidthCounter

	outMu     sync.Mutex
	outQueue  [][]byte
	outNotify chan struct{}

	lastActivity atomic.Int64
	accepted     atomic.Bool

	closeOnce sync.Once
	closed    chan struct{}
	closeErr  error
}

// NewPeer wraps an open connection. Nothing is sent until Start.
func NewPeer(conn net.Conn, role Role, options PeerOptions) *Peer {
	opts := options.withDefaults()

	endpoint := opts.Endpoint
	if endpoint == "" && conn.RemoteAddr() != nil {
		endpoint = conn.RemoteAddr().String()
	}

	p := &Peer{
		id:        uuid.New(),
		conn:      conn,
		role:      role,
		endpoint:  endpoint,
		opts:      opts,
		clock:     opts.Clock,
		state:     StateConnecting,
		all:       NewBandwidthCounter(opts.Parent),
		blocks:    NewBandwidthCounter(nil),
		outNotify: make(chan struct{}, 1),
		closed:    make(chan struct{}),
	}
	p.log = opts.Logger.Named("peer").With(
		zap.String("peer_id", p.id.String()),
		zap.String("endpoint", endpoint),
		zap.String("role", string(role)),
	)
	p.amChoking.Store(true)
	p.peerChoking.Store(true)
	p.interest = NewInterestTracker(p.setInterested)
	return p
}

// Start runs the handshake and, on success, the protocol loops. remoteHello
// is the Hello already consumed by an acceptor, or nil.
func (p *Peer) Start(remoteHello *Hello) {
	go p.run(remoteHello)
}

// ID returns the stable arena identifier of the peer.
func (p *Peer) ID() uuid.UUID { return p.id }

// Role returns which side opened the connection.
func (p *Peer) Role() Role { return p.role }

// Endpoint returns the transport endpoint used for duplicate detection.
func (p *Peer) Endpoint() string { return p.endpoint }

// FolderID returns the folder identifier this peer was started for.
func (p *Peer) FolderID() []byte { return p.opts.Identity.ID }

// Digest returns hex(Hash(remote node key)), empty before the handshake completes.
func (p *Peer) Digest() string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.digest
}

// ClientName returns the remote client name.
func (p *Peer) ClientName() string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.clientName
}

// UserAgent returns the remote user agent.
func (p *Peer) UserAgent() string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.userAgent
}

// State returns the current lifecycle phase.
func (p *Peer) State() State {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.state
}

func (p *Peer) AmChoking() bool      { return p.amChoking.Load() }
func (p *Peer) AmInterested() bool   { return p.amInterested.Load() }
func (p *Peer) PeerChoking() bool    { return p.peerChoking.Load() }
func (p *Peer) PeerInterested() bool { return p.peerInterested.Load() }

// Counters returns the all-traffic and block-payload counters.
func (p *Peer) Counters() (all, blocks *BandwidthCounter) { return p.all, p.blocks }

// Info returns a snapshot of the peer.
func (p *Peer) Info() PeerInfo {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return PeerInfo{
		ID:             p.id,
		Endpoint:       p.endpoint,
		Digest:         p.digest,
		ClientName:     p.clientName,
		UserAgent:      p.userAgent,
		Role:           p.role,
		State:          p.state,
		AmChoking:      p.amChoking.Load(),
		AmInterested:   p.amInterested.Load(),
		PeerChoking:    p.peerChoking.Load(),
		PeerInterested: p.peerInterested.Load(),
		All:            p.all.Totals(),
		Blocks:         p.blocks.Totals(),
	}
}

// Accepted reports whether the handshake completed and the handler took the
// peer. It stays true after the peer closes.
func (p *Peer) Accepted() bool { return p.accepted.Load() }

// Done is closed when the peer reaches StateClosed.
func (p *Peer) Done() <-chan struct{} { return p.closed }

// Err returns the terminal error, nil for a local Close.
func (p *Peer) Err() error {
	<-p.closed
	return p.closeErr
}

// Close terminates the connection.
func (p *Peer) Close() error {
	p.closeWithError(nil)
	return nil
}

// AcquireInterest returns a guard that keeps am_interested true while held.
func (p *Peer) AcquireInterest() *InterestGuard {
	return p.interest.Acquire()
}

func (p *Peer) String() string {
	if digest := p.Digest(); digest != "" {
		return fmt.Sprintf("%s(%s)", p.endpoint, digest[:min(12, len(digest))])
	}
	return p.endpoint
}

// SendChoke stops serving block requests from the remote.
func (p *Peer) SendChoke() error {
	if err := p.send(SignalMessage{Type: TypeChoke}); err != nil {
		return err
	}
	p.amChoking.Store(true)
	return nil
}

// SendUnchoke allows the remote to request blocks.
func (p *Peer) SendUnchoke() error {
	if err := p.send(SignalMessage{Type: TypeUnchoke}); err != nil {
		return err
	}
	p.amChoking.Store(false)
	return nil
}

func (p *Peer) setInterested(interested bool) error {
	msgType := TypeNotInterested
	if interested {
		msgType = TypeInterested
	}
	p.amInterested.Store(interested)
	return p.send(SignalMessage{Type: msgType})
}

func (p *Peer) SendHaveMeta(rev meta.PathRevision, bitfield meta.Bitfield) error {
	return p.send(HaveMeta{Type: TypeHaveMeta, Revision: rev, Bitfield: bitfield})
}

func (p *Peer) SendHaveChunk(ctHash []byte) error {
	return p.send(HaveChunk{Type: TypeHaveChunk, CtHash: ctHash})
}

func (p *Peer) SendMetaRequest(rev meta.PathRevision) error {
	return p.send(MetaRequest{Type: TypeMetaRequest, Revision: rev})
}

func (p *Peer) SendMetaReply(smeta *meta.SignedMeta, bitfield meta.Bitfield) error {
	return p.send(MetaReply{Type: TypeMetaReply, Meta: smeta, Bitfield: bitfield})
}

func (p *Peer) SendMetaCancel(rev meta.PathRevision) error {
	return p.send(MetaCancel{Type: TypeMetaCancel, Revision: rev})
}

// SendBlockRequest requests a chunk range. It is refused while we are not
// interested or the remote is choking us.
func (p *Peer) SendBlockRequest(ctHash []byte, offset, size uint32) error {
	if !p.amInterested.Load() || p.peerChoking.Load() {
		return ErrRequestNotAllowed
	}
	return p.send(BlockRequest{Type: TypeBlockRequest, CtHash: ctHash, Offset: offset, Size: size})
}

// SendBlockReply sends chunk bytes. It is refused while we choke the remote
// or the remote is not interested.
func (p *Peer) SendBlockReply(ctHash []byte, offset uint32, data []byte) error {
	if p.amChoking.Load() || !p.peerInterested.Load() {
		return ErrReplyNotAllowed
	}
	if err := p.send(BlockReply{Type: TypeBlockReply, CtHash: ctHash, Offset: offset, Data: data}); err != nil {
		return err
	}
	p.blocks.AddUp(len(data))
	return nil
}

func (p *Peer) SendBlockCancel(ctHash []byte, offset, size uint32) error {
	return p.send(BlockCancel{Type: TypeBlockCancel, CtHash: ctHash, Offset: offset, Size: size})
}

func (p *Peer) run(remoteHello *Hello) {
	p.setState(StateHandshaking)
	if err := p.handshake(remoteHello); err != nil {
		p.log.Debug("handshake failed", zap.Error(err))
		p.closeWithError(err)
		return
	}

	p.touchActivity()
	p.setState(StateActive)
	go p.writeLoop()

	if err := p.opts.Handler.PeerReady(p); err != nil {
		p.log.Debug("peer rejected by handler", zap.Error(err))
		p.closeWithError(err)
		return
	}
	p.accepted.Store(true)

	go p.keepAliveLoop()
	p.readLoop()
}

func (p *Peer) handshake(remoteHello *Hello) error {
	identity := p.opts.Identity

	if err := p.conn.SetDeadline(time.Now().Add(p.opts.HandshakeTimeout)); err != nil {
		return fmt.Errorf("set handshake deadline: %w", err)
	}

	local, err := newHello(identity, p.opts.Node)
	if err != nil {
		return err
	}

	var remote *Hello
	if p.role == RoleClient {
		if err := WriteMessage(p.conn, local); err != nil {
			return classifyHandshakeError(fmt.Errorf("write hello: %w", err))
		}
		if remote, err = ReadHello(p.conn, 0); err != nil {
			return err
		}
		if code, err := validateHello(remote, identity); err != nil {
			_ = WriteError(p.conn, code, err.Error())
			return err
		}
		auth, err := buildAuth(identity, p.opts.Node, remote)
		if err != nil {
			return err
		}
		if err := WriteMessage(p.conn, auth); err != nil {
			return classifyHandshakeError(fmt.Errorf("write auth: %w", err))
		}
		remoteAuth, err := readAuth(p.conn)
		if err != nil {
			return err
		}
		if err := verifyAuth(identity, remote, &local, remoteAuth); err != nil {
			return err
		}
	} else {
		remote = remoteHello
		if remote == nil {
			if remote, err = ReadHello(p.conn, 0); err != nil {
				return err
			}
		}
		if code, err := validateHello(remote, identity); err != nil {
			_ = WriteError(p.conn, code, err.Error())
			return err
		}
		if err := WriteMessage(p.conn, local); err != nil {
			return classifyHandshakeError(fmt.Errorf("write hello: %w", err))
		}
		remoteAuth, err := readAuth(p.conn)
		if err != nil {
			return err
		}
		if err := verifyAuth(identity, remote, &local, remoteAuth); err != nil {
			_ = WriteError(p.conn, errorCodeAuthFailed, err.Error())
			return err
		}
		auth, err := buildAuth(identity, p.opts.Node, remote)
		if err != nil {
			return err
		}
		if err := WriteMessage(p.conn, auth); err != nil {
			return classifyHandshakeError(fmt.Errorf("write auth: %w", err))
		}
	}

	if err := p.conn.SetDeadline(time.Time{}); err != nil {
		return fmt.Errorf("clear handshake deadline: %w", err)
	}

	p.mu.Lock()
	p.digest = hex.EncodeToString(crypto.Hash(remote.NodeKey))
	p.clientName = remote.ClientName
	p.userAgent = remote.UserAgent
	p.mu.Unlock()

	p.log.Debug("handshake complete",
		zap.String("digest", p.Digest()),
		zap.String("client", remote.ClientName),
	)
	return nil
}

func (p *Peer) send(msg Message) error {
	if p.State() == StateClosed {
		return ErrPeerClosed
	}

	payload, err := EncodeJSON(msg)
	if err != nil {
		return err
	}

	p.outMu.Lock()
	p.outQueue = append(p.outQueue, payload)
	p.outMu.Unlock()

	select {
	case p.outNotify <- struct{}{}:
	default:
	}
	return nil
}

func (p *Peer) writeLoop() {
	for {
		select {
		case <-p.outNotify:
		case <-p.closed:
			return
		}

		p.outMu.Lock()
		batch := p.outQueue
		p.outQueue = nil
		p.outMu.Unlock()

		for _, payload := range batch {
			if err := WriteFrame(p.conn, payload); err != nil {
				p.closeWithError(fmt.Errorf("write frame: %w", err))
				return
			}
			p.all.AddUp(len(payload) + 4)
		}
	}
}

func (p *Peer) readLoop() {
	for {
		payload, err := ReadFrame(p.conn)
		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) || errors.Is(err, io.ErrClosedPipe) {
				p.closeWithError(fmt.Errorf("%w: %v", ErrPeerClosed, err))
				return
			}
			p.closeWithError(fmt.Errorf("read frame: %w", err))
			return
		}

		p.touchActivity()
		p.all.AddDown(len(payload) + 4)
		if len(payload) == 0 {
			continue
		}

		msg, err := DecodeMessage(payload)
		if err != nil {
			p.log.Debug("dropping undecodable message", zap.Error(err))
			continue
		}
		if !p.dispatch(msg) {
			return
		}
	}
}

// dispatch applies msg to local state and forwards it. It returns false once
// the peer must stop reading.
func (p *Peer) dispatch(msg Message) bool {
	switch m := msg.(type) {
	case SignalMessage:
		switch m.Type {
		case TypeChoke:
			p.peerChoking.Store(true)
		case TypeUnchoke:
			p.peerChoking.Store(false)
		case TypeInterested:
			p.peerInterested.Store(true)
		case TypeNotInterested:
			p.peerInterested.Store(false)
		}
	case PingMessage:
		_ = p.send(PongMessage{Type: TypePong, Timestamp: p.clock.Now().UnixMilli()})
		return true
	case PongMessage:
		return true
	case BlockReply:
		p.blocks.AddDown(len(m.Data))
	case ErrorMessage:
		p.closeWithError(&RemoteError{Code: m.Code, Message: m.Message})
		return false
	case Hello, Auth:
		p.log.Debug("dropping handshake message on active peer", zap.String("type", msg.MessageType()))
		return true
	}

	p.opts.Handler.PeerMessage(p, msg)
	return true
}

func (p *Peer) keepAliveLoop() {
	ticker := p.clock.NewTicker(p.opts.KeepAliveInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.Chan():
			idleFor := p.clock.Since(time.Unix(0, p.lastActivity.Load()))
			if idleFor >= p.opts.IdleTimeout {
				p.closeWithError(ErrIdleTimeout)
				return
			}
			if err := p.send(PingMessage{Type: TypePing, Timestamp: p.clock.Now().UnixMilli()}); err != nil {
				return
			}
		case <-p.closed:
			return
		}
	}
}

func (p *Peer) setState(state State) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.state = state
}

func (p *Peer) touchActivity() {
	p.lastActivity.Store(p.clock.Now().UnixNano())
}

func (p *Peer) closeWithError(err error) {
	p.closeOnce.Do(func() {
		p.closeErr = err
		p.setState(StateClosed)
		_ = p.conn.Close()

		if err != nil && !errors.Is(err, ErrPeerClosed) {
			p.log.Info("peer closed", zap.Error(err))
		} else {
			p.log.Debug("peer closed")
		}
		if p.opts.Handler != nil {
			p.opts.Handler.PeerClosed(p, err)
		}
		close(p.closed)
	})
}
