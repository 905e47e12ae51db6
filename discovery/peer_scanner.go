package discovery

import (
	"cmp"
	"context"
	"errors"
	"net"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/grandcat/zeroconf"
	"go.uber.org/zap"
)

const (
	// EventPeerUpserted is emitted when a peer appears or its announcement changes.
	EventPeerUpserted EventType = "peer_upserted"
	// EventPeerRemoved is emitted when a peer was not seen within the expiry window.
	EventPeerRemoved EventType = "peer_removed"
)

// ErrScannerStopped is returned by Refresh on a stopped or never started scanner.
var ErrScannerStopped = errors.New("discovery: scanner is not running")

type EventType string

// Event carries discovery updates.
type Event struct {
	Type EventType
	Peer DiscoveredPeer
}

// DiscoveredPeer is a LAN node and the folders it announces.
type DiscoveredPeer struct {
	NodeID    string
	NodeName  string
	Version   int
	HostName  string
	Port      int
	Addresses []string
	FolderIDs []string
	LastSeen  time.Time
}

// Announcement is one (folder, address, port) a discovered node can serve.
type Announcement struct {
	FolderID string
	Address  string
	Port     int
}

// Endpoint returns the dialable host:port.
func (a Announcement) Endpoint() string {
	return net.JoinHostPort(a.Address, strconv.Itoa(a.Port))
}

// Announcements expands p into one entry per folder and address.
func (p DiscoveredPeer) Announcements() []Announcement {
	out := make([]Announcement, 0, len(p.FolderIDs)*len(p.Addresses))
	for _, folderID := range p.FolderIDs {
		for _, address := range p.Addresses {
			out = append(out, Announcement{FolderID: folderID, Address: address, Port: p.Port})
		}
	}
	return out
}

func (p DiscoveredPeer) sameAnnouncement(o DiscoveredPeer) bool {
	return p.NodeID == o.NodeID &&
		p.NodeName == o.NodeName &&
		p.Version == o.Version &&
		p.HostName == o.HostName &&
		p.Port == o.Port &&
		slices.Equal(p.Addresses, o.Addresses) &&
		slices.Equal(p.FolderIDs, o.FolderIDs)
}

// PeerScanner browses mDNS periodically and on demand. A peer stays listed
// until it has been missing for Config.ExpireAfter.
type PeerScanner struct {
	cfg    Config
	log    *zap.Logger
	browse browseFunc

	mu    sync.RWMutex
	peers map[string]DiscoveredPeer

	events  chan Event
	refresh chan chan error

	runCtx   context.Context
	stop     context.CancelFunc
	running  sync.WaitGroup
	started  sync.Once
	shutdown sync.Once
}

// NewPeerScanner creates a scanner with config defaults applied.
func NewPeerScanner(config Config) (*PeerScanner, error) {
	cfg := config.withDefaults()
	if err := cfg.validateForScan(); err != nil {
		return nil, err
	}

	browse := cfg.browseFn
	if browse == nil {
		resolver, err := zeroconf.NewResolver(nil)
		if err != nil {
			return nil, err
		}
		browse = resolver.Browse
	}

	return &PeerScanner{
		cfg:     cfg,
		log:     cfg.Logger.Named("discovery"),
		browse:  browse,
		peers:   make(map[string]DiscoveredPeer),
		events:  make(chan Event, 128),
		refresh: make(chan chan error),
	}, nil
}

// Start begins background scanning.
func (s *PeerScanner) Start() error {
	s.started.Do(func() {
		s.runCtx, s.stop = context.WithCancel(context.Background())
		s.running.Add(1)
		go s.loop()
	})
	return nil
}

// Stop ends scanning and closes Events.
func (s *PeerScanner) Stop() {
	s.shutdown.Do(func() {
		if s.stop != nil {
			s.stop()
		}
		s.running.Wait()
		close(s.events)
	})
}

func (s *PeerScanner) Events() <-chan Event {
	return s.events
}

// Refresh runs one scan now and waits for it.
func (s *PeerScanner) Refresh(ctx context.Context) error {
	if s.runCtx == nil {
		return ErrScannerStopped
	}

	done := make(chan error, 1)
	select {
	case s.refresh <- done:
	case <-ctx.Done():
		return ctx.Err()
	case <-s.runCtx.Done():
		return ErrScannerStopped
	}

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-s.runCtx.Done():
		return ErrScannerStopped
	}
}

// ListPeers returns the known peers ordered by name, then node id.
func (s *PeerScanner) ListPeers() []DiscoveredPeer {
	s.mu.RLock()
	out := make([]DiscoveredPeer, 0, len(s.peers))
	for _, peer := range s.peers {
		out = append(out, peer)
	}
	s.mu.RUnlock()

	slices.SortFunc(out, func(a, b DiscoveredPeer) int {
		if c := strings.Compare(a.NodeName, b.NodeName); c != 0 {
			return c
		}
		return strings.Compare(a.NodeID, b.NodeID)
	})
	return out
}

func (s *PeerScanner) loop() {
	defer s.running.Done()

	ticker := s.cfg.Clock.NewTicker(s.cfg.RefreshInterval)
	defer ticker.Stop()

	s.logScan(s.scan())
	for {
		select {
		case <-s.runCtx.Done():
			return
		case <-ticker.Chan():
			s.logScan(s.scan())
		case done := <-s.refresh:
			done <- s.scan()
		}
	}
}

func (s *PeerScanner) logScan(err error) {
	if err != nil {
		s.log.Warn("mDNS scan failed", zap.Error(err))
	}
}

// scan browses for one ScanTimeout window and merges what it saw.
func (s *PeerScanner) scan() error {
	ctx, cancel := context.WithTimeout(s.runCtx, s.cfg.ScanTimeout)
	defer cancel()

	entries := make(chan *zeroconf.ServiceEntry, 32)
	browseErr := make(chan error, 1)
	go func() {
		browseErr <- s.browse(ctx, s.cfg.Service, s.cfg.Domain, entries)
	}()

	seen := make(map[string]DiscoveredPeer)
	in := entries
collect:
	for {
		select {
		case <-ctx.Done():
			break collect
		case entry, ok := <-in:
			if !ok {
				in = nil
				continue
			}
			if entry == nil {
				continue
			}
			if peer, ok := parseEntry(entry, s.cfg.SelfNodeID); ok {
				peer.LastSeen = s.cfg.Clock.Now()
				seen[peer.NodeID] = peer
			}
		}
	}

	err := <-browseErr
	if s.runCtx.Err() != nil {
		return nil
	}
	s.merge(seen)

	// the scan window ending is the normal way out
	if err != nil && !errors.Is(err, context.DeadlineExceeded) && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func (s *PeerScanner) merge(seen map[string]DiscoveredPeer) {
	now := s.cfg.Clock.Now()

	s.mu.Lock()
	defer s.mu.Unlock()

	for id, peer := range seen {
		old, known := s.peers[id]
		s.peers[id] = peer
		if !known || !old.sameAnnouncement(peer) {
			s.log.Debug("peer discovered",
				zap.String("node_id", peer.NodeID),
				zap.Strings("addresses", peer.Addresses),
				zap.Int("port", peer.Port),
				zap.Int("folders", len(peer.FolderIDs)),
			)
			s.emit(Event{Type: EventPeerUpserted, Peer: peer})
		}
	}

	for id, peer := range s.peers {
		if _, ok := seen[id]; ok || now.Sub(peer.LastSeen) < s.cfg.ExpireAfter {
			continue
		}
		delete(s.peers, id)
		s.log.Debug("peer expired", zap.String("node_id", id))
		s.emit(Event{Type: EventPeerRemoved, Peer: peer})
	}
}

// emit drops the event when the consumer lags.
func (s *PeerScanner) emit(event Event) {
	select {
	case s.events <- event:
	default:
	}
}

func parseEntry(entry *zeroconf.ServiceEntry, selfNodeID string) (DiscoveredPeer, bool) {
	txt, folders := parseTXT(entry.Text)

	nodeID := txt[txtNodeID]
	if nodeID == "" || nodeID == selfNodeID {
		return DiscoveredPeer{}, false
	}
	version, _ := strconv.Atoi(txt[txtVersion])

	addresses := make([]string, 0, len(entry.AddrIPv4)+len(entry.AddrIPv6))
	for _, ip := range slices.Concat(entry.AddrIPv4, entry.AddrIPv6) {
		if ip == nil || ip.IsUnspecified() {
			continue
		}
		addresses = append(addresses, ip.String())
	}
	slices.Sort(addresses)
	addresses = slices.Compact(addresses)

	name := cmp.Or(strings.TrimSpace(entry.Instance), strings.TrimSpace(entry.HostName), nodeID)

	return DiscoveredPeer{
		NodeID:    nodeID,
		NodeName:  name,
		Version:   version,
		HostName:  entry.HostName,
		Port:      entry.Port,
		Addresses: addresses,
		FolderIDs: folders,
	}, true
}

// parseTXT returns single-valued keys and the repeated folder entries,
// lowercased, sorted and deduplicated.
func parseTXT(text []string) (map[string]string, []string) {
	out := make(map[string]string, len(text))
	var folders []string
	for _, record := range text {
		key, value, ok := strings.Cut(record, "=")
		key, value = strings.TrimSpace(key), strings.TrimSpace(value)
		if !ok || key == "" {
			continue
		}
		if key != txtFolder {
			out[key] = value
			continue
		}
		if value != "" {
			folders = append(folders, strings.ToLower(value))
		}
	}
	slices.Sort(folders)
	return out, slices.Compact(folders)
}
