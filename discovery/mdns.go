package discovery

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/grandcat/zeroconf"
	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"
)

const (
	// DefaultService is the mDNS service name without domain suffix.
	DefaultService = "_vaultsync._tcp"
	// DefaultDomain is the mDNS domain.
	DefaultDomain = "local."
	// DefaultVersion is the TXT record protocol version.
	DefaultVersion = 1
	// DefaultRefreshInterval is the background peer discovery interval.
	DefaultRefreshInterval = 10 * time.Second
	// DefaultScanTimeout bounds each discovery scan.
	DefaultScanTimeout = 3 * time.Second
	// DefaultTTL is the intended mDNS record TTL in seconds.
	DefaultTTL = 120
)

const (
	txtNodeID  = "node_id"
	txtVersion = "version"
	txtFolder  = "folder"
)

type registerFunc func(instance, service, domain string, port int, text []string, ifaces []net.Interface) (*zeroconf.Server, error)
type browseFunc func(ctx context.Context, service, domain string, entries chan<- *zeroconf.ServiceEntry) error

// Config controls mDNS broadcaster and scanner behavior.
type Config struct {
	Service         string
	Domain          string
	Version         int
	RefreshInterval time.Duration
	ScanTimeout     time.Duration
	// ExpireAfter is how long a peer may be missing from scans before it is
	// reported removed. Defaults to three refresh intervals.
	ExpireAfter time.Duration
	TTL         uint32

	SelfNodeID    string
	NodeName      string
	ListeningPort int
	// FolderIDs are the hex folder identifiers announced in TXT records.
	FolderIDs []string

	Logger *zap.Logger
	Clock  clockwork.Clock

	registerFn registerFunc
	browseFn   browseFunc
}

func (c Config) withDefaults() Config {
	out := c
	out.Service = cmp.Or(out.Service, DefaultService)
	out.Domain = cmp.Or(out.Domain, DefaultDomain)
	out.Version = cmp.Or(out.Version, DefaultVersion)
	out.TTL = cmp.Or(out.TTL, DefaultTTL)
	if out.RefreshInterval <= 0 {
		out.RefreshInterval = DefaultRefreshInterval
	}
	if out.ScanTimeout <= 0 {
		out.ScanTimeout = DefaultScanTimeout
	}
	if out.ExpireAfter <= 0 {
		out.ExpireAfter = 3 * out.RefreshInterval
	}
	if out.Logger == nil {
		out.Logger = zap.NewNop()
	}
	if out.Clock == nil {
		out.Clock = clockwork.NewRealClock()
	}
	if out.registerFn == nil {
		out.registerFn = zeroconf.Register
	}
	return out
}

func (c Config) validateForBroadcast() error {
	switch {
	case strings.TrimSpace(c.SelfNodeID) == "":
		return errors.New("discovery: self node ID is required")
	case strings.TrimSpace(c.NodeName) == "":
		return errors.New("discovery: node name is required")
	case c.ListeningPort <= 0:
		return errors.New("discovery: listening port must be > 0")
	}
	return nil
}

func (c Config) validateForScan() error {
	if strings.TrimSpace(c.SelfNodeID) == "" {
		return errors.New("discovery: self node ID is required")
	}
	return nil
}

// txtRecords encodes one TXT string per folder so no single string exceeds
// the 255 byte limit.
func txtRecords(nodeID string, version int, folderIDs []string) []string {
	txt := make([]string, 0, 2+len(folderIDs))
	txt = append(txt, txtNodeID+"="+nodeID, txtVersion+"="+strconv.Itoa(version))
	for _, id := range folderIDs {
		txt = append(txt, txtFolder+"="+strings.ToLower(id))
	}
	return txt
}

// Broadcaster announces the local node and its folders via mDNS.
type Broadcaster struct {
	cfg Config
	log *zap.Logger

	mu     sync.Mutex
	server *zeroconf.Server
}

// StartBroadcaster registers the service record.
func StartBroadcaster(config Config) (*Broadcaster, error) {
	cfg := config.withDefaults()
	if err := cfg.validateForBroadcast(); err != nil {
		return nil, err
	}

	b := &Broadcaster{cfg: cfg, log: cfg.Logger.Named("discovery")}
	if err := b.register(cfg.FolderIDs); err != nil {
		return nil, err
	}
	return b, nil
}

// SetFolders re-registers the service with a new folder list.
func (b *Broadcaster) SetFolders(folderIDs []string) error {
	b.mu.Lock()
	old := b.server
	b.server = nil
	b.mu.Unlock()
	if old != nil {
		old.Shutdown()
	}
	return b.register(folderIDs)
}

func (b *Broadcaster) register(folderIDs []string) error {
	cfg := b.cfg
	server, err := cfg.registerFn(cfg.NodeName, cfg.Service, cfg.Domain, cfg.ListeningPort,
		txtRecords(cfg.SelfNodeID, cfg.Version, folderIDs), nil)
	if err != nil {
		return fmt.Errorf("register mDNS service: %w", err)
	}
	if server != nil {
		server.TTL(cfg.TTL)
	}

	b.mu.Lock()
	b.server = server
	b.mu.Unlock()

	b.log.Info("mDNS broadcast started",
		zap.String("service", cfg.Service),
		zap.Int("port", cfg.ListeningPort),
		zap.Int("folders", len(folderIDs)),
	)
	return nil
}

// Stop withdraws the service record.
func (b *Broadcaster) Stop() {
	if b == nil {
		return
	}
	b.mu.Lock()
	server := b.server
	b.server = nil
	b.mu.Unlock()
	if server != nil {
		server.Shutdown()
	}
}

// Service is a broadcaster and a scanner sharing one config.
type Service struct {
	Broadcaster *Broadcaster
	Scanner     *PeerScanner
}

// Start starts broadcaster and scanner.
func Start(config Config) (*Service, error) {
	cfg := config.withDefaults()

	broadcaster, err := StartBroadcaster(cfg)
	if err != nil {
		return nil, err
	}
	scanner, err := NewPeerScanner(cfg)
	if err == nil {
		err = scanner.Start()
	}
	if err != nil {
		broadcaster.Stop()
		return nil, err
	}
	return &Service{Broadcaster: broadcaster, Scanner: scanner}, nil
}

// SetFolders changes the announced folders.
func (s *Service) SetFolders(folderIDs []string) error {
	return s.Broadcaster.SetFolders(folderIDs)
}

// Stop stops scanner and broadcaster.
func (s *Service) Stop() {
	if s == nil {
		return
	}
	if s.Scanner != nil {
		s.Scanner.Stop()
	}
	s.Broadcaster.Stop()
}
