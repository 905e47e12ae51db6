// Package node runs every folder group of one process: it routes inbound
// connections by folder id, dials discovered peers and serves metrics.
package node

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"maps"
	"net"
	"net/http"
	"slices"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"vaultsync/config"
	"vaultsync/crypto"
	"vaultsync/discovery"
	"vaultsync/folder"
	"vaultsync/metrics"
	"vaultsync/network"
	"vaultsync/storage"
)

var (
	// ErrFolderExists indicates a folder with the same identifier is already served.
	ErrFolderExists = errors.New("node: folder already registered")
	// ErrUnknownFolder indicates no group serves the folder.
	ErrUnknownFolder = errors.New("node: unknown folder")
)

const connectTimeout = 20 * time.Second

// defaultReconnectBackoff is the wait before each redial attempt. The last
// entry repeats.
var defaultReconnectBackoff = []time.Duration{
	0,
	5 * time.Second,
	15 * time.Second,
	60 * time.Second,
}

// PortMapper reports the port remote nodes should dial.
type PortMapper interface {
	ExternalPort() int
}

// StaticPortMapper is a fixed external port. Zero means "use the listening port".
type StaticPortMapper int

func (p StaticPortMapper) ExternalPort() int { return int(p) }

// Options configures a Node.
type Options struct {
	NodeID        string
	Local         network.LocalNode
	ListenAddress string
	// DataDir holds one database per folder.
	DataDir     string
	Tunables    config.Tunables
	Discovery   bool
	MetricsAddr string
	PortMapper  PortMapper
	Logger      *zap.Logger
	Clock       clockwork.Clock
	Dial        func(ctx context.Context, address string) (net.Conn, error)
	// ReconnectBackoff overrides defaultReconnectBackoff.
	ReconnectBackoff []time.Duration
}

type folderEntry struct {
	identity *crypto.FolderIdentity
	group    *folder.Group
	store    *storage.Store

	// set while the group runs
	cancel  context.CancelFunc
	stopped chan struct{}
}

// endpointKey names one address dialed for one folder.
type endpointKey struct {
	folder  string
	address string
}

func (k endpointKey) String() string {
	return k.folder[:min(16, len(k.folder))] + "@" + k.address
}

// redialer keeps one endpoint connected. static endpoints were added with
// AddPeer and survive discovery expiry.
type redialer struct {
	static bool
	cancel context.CancelFunc
}

// Node owns the groups of every registered folder.
type Node struct {
	opts      Options
	log       *zap.Logger
	registry  *prometheus.Registry
	collector *metrics.StatusCollector

	mu         sync.RWMutex
	folders    map[string]*folderEntry
	server     *network.Server
	mdns       *discovery.Service
	endpoints  map[endpointKey]*redialer
	discovered map[string]discovery.DiscoveredPeer
	runCtx     context.Context
	runCancel  context.CancelFunc
	runWG      sync.WaitGroup
	closed     bool
}

// New returns a node. Call AddFolder and Listen before Run.
func New(options Options) (*Node, error) {
	opts := options
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}
	if opts.Dial == nil {
		opts.Dial = network.Dial
	}
	if opts.Tunables == (config.Tunables{}) {
		opts.Tunables = config.DefaultTunables()
	}
	if opts.PortMapper == nil {
		opts.PortMapper = StaticPortMapper(0)
	}
	if len(opts.ReconnectBackoff) == 0 {
		opts.ReconnectBackoff = defaultReconnectBackoff
	}
	if opts.Local.PrivateKey == nil {
		return nil, errors.New("node: node key is required")
	}
	if opts.DataDir == "" {
		return nil, errors.New("node: data directory is required")
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	return &Node{
		opts:       opts,
		log:        opts.Logger.Named("node"),
		registry:   registry,
		collector:  metrics.NewStatusCollector(registry),
		folders:    make(map[string]*folderEntry),
		endpoints:  make(map[endpointKey]*redialer),
		discovered: make(map[string]discovery.DiscoveredPeer),
	}, nil
}

// Registry returns the registry served on the metrics endpoint.
func (n *Node) Registry() *prometheus.Registry { return n.registry }

// AddFolder opens the folder's storage and starts serving it.
func (n *Node) AddFolder(secret crypto.Secret) (*folder.Group, error) {
	identity, err := secret.Identity()
	if err != nil {
		return nil, err
	}
	key := identity.IDHex()

	n.mu.Lock()
	defer n.mu.Unlock()
	if n.closed {
		return nil, folder.ErrGroupClosed
	}
	if _, ok := n.folders[key]; ok {
		return nil, fmt.Errorf("%w: %s", ErrFolderExists, key)
	}

	store, _, err := storage.Open(config.FolderDataDir(n.opts.DataDir, key))
	if err != nil {
		return nil, err
	}
	group, err := folder.NewGroup(n.groupOptions(identity, store))
	if err != nil {
		_ = store.Close()
		return nil, err
	}

	entry := &folderEntry{identity: identity, group: group, store: store}
	n.folders[key] = entry
	if n.runCtx != nil {
		n.startGroup(entry)
	}
	n.announceFoldersLocked()
	for _, peer := range n.discovered {
		for _, ep := range n.announcedLocked(peer) {
			n.wantLocked(ep, false)
		}
	}
	n.log.Info("folder registered", zap.String("folder", key[:16]), zap.String("level", string(rune(identity.Level()))))
	return group, nil
}

// RemoveFolder stops serving a folder and closes its storage.
func (n *Node) RemoveFolder(folderID []byte) error {
	key := hex.EncodeToString(folderID)

	n.mu.Lock()
	entry, ok := n.folders[key]
	delete(n.folders, key)
	if ok {
		n.announceFoldersLocked()
		for ep := range n.endpoints {
			if ep.folder == key {
				n.unwantLocked(ep)
			}
		}
	}
	n.mu.Unlock()
	if !ok {
		return ErrUnknownFolder
	}

	n.collector.Forget(key)
	return closeEntry(entry)
}

// Group returns the group serving folderID.
func (n *Node) Group(folderID []byte) (*folder.Group, bool) {
	return n.GroupHex(hex.EncodeToString(folderID))
}

// GroupHex is Group keyed by the lowercase hex folder identifier.
func (n *Node) GroupHex(id string) (*folder.Group, bool) {
	n.mu.RLock()
	defer n.mu.RUnlock()
	entry, ok := n.folders[id]
	if !ok {
		return nil, false
	}
	return entry.group, true
}

// Store returns the storage of folderID.
func (n *Node) Store(folderID []byte) (*storage.Store, bool) {
	n.mu.RLock()
	defer n.mu.RUnlock()
	entry, ok := n.folders[hex.EncodeToString(folderID)]
	if !ok {
		return nil, false
	}
	return entry.store, true
}

// FolderIDs returns the sorted hex identifiers of all served folders.
func (n *Node) FolderIDs() []string {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.folderIDsLocked()
}

func (n *Node) folderIDsLocked() []string {
	return slices.Sorted(maps.Keys(n.folders))
}

// announceFoldersLocked refreshes the mDNS record after the folder set changed.
func (n *Node) announceFoldersLocked() {
	if n.mdns == nil {
		return
	}
	if err := n.mdns.SetFolders(n.folderIDsLocked()); err != nil {
		n.log.Warn("update discovery announcement", zap.Error(err))
	}
}

// Listen binds the inbound listener.
func (n *Node) Listen() error {
	server, err := network.Listen(n.opts.ListenAddress)
	if err != nil {
		return err
	}
	n.mu.Lock()
	n.server = server
	n.mu.Unlock()
	n.log.Info("listening", zap.Stringer("address", server.Addr()))
	return nil
}

// Addr returns the listener address, or nil before Listen.
func (n *Node) Addr() net.Addr {
	n.mu.RLock()
	defer n.mu.RUnlock()
	if n.server == nil {
		return nil
	}
	return n.server.Addr()
}

// ExternalPort is the port announced to other nodes.
func (n *Node) ExternalPort() int {
	if port := n.opts.PortMapper.ExternalPort(); port > 0 {
		return port
	}
	n.mu.RLock()
	defer n.mu.RUnlock()
	if n.server == nil {
		return 0
	}
	return n.server.Port()
}

// Connect dials address for folderID.
func (n *Node) Connect(ctx context.Context, folderID []byte, address string) (*network.Peer, error) {
	group, ok := n.Group(folderID)
	if !ok {
		return nil, ErrUnknownFolder
	}
	return group.Connect(ctx, address)
}

// AddPeer keeps folderID connected to address. The node dials it while
// running and redials with backoff whenever the connection drops.
func (n *Node) AddPeer(folderID []byte, address string) error {
	ep := endpointKey{folder: hex.EncodeToString(folderID), address: address}

	n.mu.Lock()
	defer n.mu.Unlock()
	if _, ok := n.folders[ep.folder]; !ok {
		return ErrUnknownFolder
	}
	n.wantLocked(ep, true)
	return nil
}

// RemovePeer stops redialing address for folderID. An open connection is
// left alone.
func (n *Node) RemovePeer(folderID []byte, address string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.unwantLocked(endpointKey{folder: hex.EncodeToString(folderID), address: address})
}

// Endpoints lists the endpoints kept connected, as folder@address.
func (n *Node) Endpoints() []string {
	n.mu.RLock()
	defer n.mu.RUnlock()
	out := make([]string, 0, len(n.endpoints))
	for ep := range n.endpoints {
		out = append(out, ep.String())
	}
	slices.Sort(out)
	return out
}

// HandleConn routes an inbound connection to the group named in its Hello.
func (n *Node) HandleConn(conn net.Conn) {
	hello, err := network.ReadHello(conn, n.opts.Tunables.HandshakeTimeout())
	if err != nil {
		n.log.Debug("inbound handshake failed", zap.Stringer("remote", conn.RemoteAddr()), zap.Error(err))
		n.collector.InboundConnection("handshake_failed")
		_ = conn.Close()
		return
	}

	group, ok := n.Group(hello.FolderID)
	if !ok {
		n.log.Debug("inbound connection for unknown folder", zap.Stringer("remote", conn.RemoteAddr()))
		n.collector.InboundConnection(network.ErrorCodeUnknownFolder)
		_ = network.WriteError(conn, network.ErrorCodeUnknownFolder, "folder is not served by this node")
		_ = conn.Close()
		return
	}

	n.collector.InboundConnection("accepted")
	group.Accept(conn, hello)
}

// Run serves until ctx is done, then closes every group.
func (n *Node) Run(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, gctx := errgroup.WithContext(runCtx)

	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		return folder.ErrGroupClosed
	}
	n.runCtx = gctx
	n.runCancel = cancel
	for _, entry := range n.folders {
		n.startGroup(entry)
	}
	for ep, d := range n.endpoints {
		n.startRedialLocked(ep, d)
	}
	server := n.server
	n.mu.Unlock()

	if server != nil {
		g.Go(func() error {
			return n.acceptLoop(gctx, server)
		})
	}

	if n.opts.Discovery && server != nil {
		svc, err := discovery.Start(discovery.Config{
			SelfNodeID:    n.opts.NodeID,
			NodeName:      n.opts.Local.ClientName,
			ListeningPort: n.ExternalPort(),
			FolderIDs:     n.FolderIDs(),
			Logger:        n.opts.Logger,
			Clock:         n.opts.Clock,
		})
		if err != nil {
			n.log.Warn("discovery startup failed", zap.Error(err))
		} else {
			n.mu.Lock()
			n.mdns = svc
			n.mu.Unlock()
			g.Go(func() error {
				defer func() {
					n.mu.Lock()
					n.mdns = nil
					n.mu.Unlock()
					svc.Stop()
				}()
				n.discoveryLoop(gctx, svc.Scanner.Events())
				return nil
			})
		}
	}

	if n.opts.MetricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", metrics.Handler(n.registry))
		srv := &http.Server{Addr: n.opts.MetricsAddr, Handler: mux, ReadHeaderTimeout: 10 * time.Second}
		g.Go(func() error {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("metrics server: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})
	}

	err := g.Wait()
	n.Close()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// Close stops the listener and every group.
func (n *Node) Close() {
	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		return
	}
	n.closed = true
	server := n.server
	cancel := n.runCancel
	entries := make([]*folderEntry, 0, len(n.folders))
	for _, entry := range n.folders {
		entries = append(entries, entry)
	}
	n.folders = make(map[string]*folderEntry)
	n.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if server != nil {
		_ = server.Close()
	}
	n.runWG.Wait()
	for _, entry := range entries {
		if err := closeEntry(entry); err != nil {
			n.log.Warn("close folder", zap.String("folder", entry.identity.IDHex()[:16]), zap.Error(err))
		}
	}
}

func (n *Node) acceptLoop(ctx context.Context, server *network.Server) error {
	errs := server.Errors()
	for {
		select {
		case <-ctx.Done():
			return nil
		case err, ok := <-errs:
			if !ok {
				errs = nil
				continue
			}
			n.log.Warn("listener error", zap.Error(err))
		case conn, ok := <-server.Incoming():
			if !ok {
				return nil
			}
			go n.HandleConn(conn)
		}
	}
}

func (n *Node) discoveryLoop(ctx context.Context, events <-chan discovery.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-events:
			if !ok {
				return
			}
			n.handleDiscovery(event)
		}
	}
}

// handleDiscovery keeps every announced endpoint of a served folder wanted
// and drops the ones a peer no longer announces.
func (n *Node) handleDiscovery(event discovery.Event) {
	id := event.Peer.NodeID

	n.mu.Lock()
	defer n.mu.Unlock()

	old, known := n.discovered[id]
	var current []endpointKey
	switch event.Type {
	case discovery.EventPeerUpserted:
		n.discovered[id] = event.Peer
		current = n.announcedLocked(event.Peer)
	case discovery.EventPeerRemoved:
		delete(n.discovered, id)
	default:
		return
	}

	if known {
		for _, ep := range n.announcedLocked(old) {
			if slices.Contains(current, ep) {
				continue
			}
			if d, ok := n.endpoints[ep]; ok && !d.static {
				n.unwantLocked(ep)
			}
		}
	}
	for _, ep := range current {
		n.wantLocked(ep, false)
	}
}

func (n *Node) announcedLocked(peer discovery.DiscoveredPeer) []endpointKey {
	var out []endpointKey
	for _, a := range peer.Announcements() {
		if _, ok := n.folders[a.FolderID]; ok {
			out = append(out, endpointKey{folder: a.FolderID, address: a.Endpoint()})
		}
	}
	return out
}

func (n *Node) wantLocked(ep endpointKey, static bool) {
	if n.closed {
		return
	}
	if d, ok := n.endpoints[ep]; ok {
		d.static = d.static || static
		return
	}
	d := &redialer{static: static}
	n.endpoints[ep] = d
	if n.runCtx != nil {
		n.startRedialLocked(ep, d)
	}
}

func (n *Node) unwantLocked(ep endpointKey) {
	d, ok := n.endpoints[ep]
	if !ok {
		return
	}
	delete(n.endpoints, ep)
	if d.cancel != nil {
		d.cancel()
	}
}

func (n *Node) startRedialLocked(ep endpointKey, d *redialer) {
	ctx, cancel := context.WithCancel(n.runCtx)
	d.cancel = cancel

	n.runWG.Add(1)
	go func() {
		defer n.runWG.Done()
		n.redial(ctx, ep)
	}()
}

// redial dials ep, waits for the connection to end and dials again. A
// connection that was accepted resets the backoff.
func (n *Node) redial(ctx context.Context, ep endpointKey) {
	log := n.log.With(zap.Stringer("endpoint", ep))

	attempt := 0
	for {
		if !n.sleep(ctx, n.backoff(attempt)) {
			return
		}
		group, ok := n.GroupHex(ep.folder)
		if !ok {
			return
		}
		if group.HavePeerEndpoint(ep.address) {
			attempt++
			continue
		}

		dialCtx, cancel := context.WithTimeout(ctx, connectTimeout)
		p, err := group.Connect(dialCtx, ep.address)
		cancel()
		if err != nil {
			log.Debug("dial failed", zap.Int("attempt", attempt), zap.Error(err))
			attempt++
			continue
		}

		select {
		case <-ctx.Done():
			return
		case <-p.Done():
		}
		if p.Accepted() {
			log.Info("connection lost, redialing", zap.Error(p.Err()))
			attempt = 0
			continue
		}
		log.Debug("connection refused", zap.Int("attempt", attempt), zap.Error(p.Err()))
		attempt++
	}
}

func (n *Node) backoff(attempt int) time.Duration {
	steps := n.opts.ReconnectBackoff
	return steps[min(attempt, len(steps)-1)]
}

func (n *Node) sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	timer := n.opts.Clock.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.Chan():
		return true
	}
}

// startGroup runs the entry's group in the background. n.mu must be held.
func (n *Node) startGroup(entry *folderEntry) {
	ctx, cancel := context.WithCancel(n.runCtx)
	entry.cancel = cancel
	entry.stopped = make(chan struct{})

	n.runWG.Add(1)
	go func() {
		defer n.runWG.Done()
		defer close(entry.stopped)
		if err := entry.group.Run(ctx); err != nil {
			n.log.Warn("group stopped", zap.Error(err))
		}
	}()
}

func (n *Node) groupOptions(identity *crypto.FolderIdentity, store *storage.Store) folder.Options {
	t := n.opts.Tunables
	var choker folder.ChokeStrategy = folder.UnchokeAll{}
	if t.MaxUnchoked > 0 {
		choker = folder.MaxUnchoked(t.MaxUnchoked)
	}
	return folder.Options{
		Identity:          identity,
		Store:             store,
		Node:              n.opts.Local,
		Logger:            n.opts.Logger,
		Clock:             n.opts.Clock,
		Collector:         n.collector,
		Choker:            choker,
		Dial:              n.opts.Dial,
		BlockSize:         uint32(max(t.BlockSize, 0)),
		MaxInflight:       t.MaxInflight,
		RequestTimeout:    t.RequestTimeout(),
		UploadRateLimit:   t.UploadRateLimit,
		BulkWorkers:       t.BulkWorkers,
		StateInterval:     t.StateInterval(),
		HandshakeTimeout:  t.HandshakeTimeout(),
		KeepAliveInterval: t.KeepAliveInterval(),
		IdleTimeout:       t.IdleTimeout(),
	}
}

func closeEntry(entry *folderEntry) error {
	if entry.cancel != nil {
		entry.cancel()
		<-entry.stopped
	}
	groupErr := entry.group.Close()
	storeErr := entry.store.Close()
	return errors.Join(groupErr, storeErr)
}
