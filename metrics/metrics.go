// Package metrics exports folder synchronization state to Prometheus.
package metrics

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"vaultsync/folder"
)

const namespace = "vaultsync"

// StatusCollector turns group snapshots into gauges labelled by folder.
type StatusCollector struct {
	peers         *prometheus.GaugeVec
	missingChunks *prometheus.GaugeVec
	wantedMetas   *prometheus.GaugeVec
	revisions     *prometheus.GaugeVec
	progress      *prometheus.GaugeVec
	bytes         *prometheus.GaugeVec
	rate          *prometheus.GaugeVec
	snapshots     prometheus.Counter
	connections   *prometheus.CounterVec

	mu      sync.Mutex
	folders map[string]struct{}
}

// NewStatusCollector registers the collector's metrics with reg.
func NewStatusCollector(reg prometheus.Registerer) *StatusCollector {
	factory := promauto.With(reg)
	return &StatusCollector{
		peers: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "folder_peers",
			Help:      "Number of attached peers",
		}, []string{"folder"}),
		missingChunks: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "folder_missing_chunks",
			Help:      "Chunks referenced by known revisions and not stored yet",
		}, []string{"folder"}),
		wantedMetas: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "folder_wanted_metas",
			Help:      "Advertised revisions not fetched yet",
		}, []string{"folder"}),
		revisions: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "folder_revisions",
			Help:      "Number of stored path revisions",
		}, []string{"folder"}),
		progress: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "folder_progress_ratio",
			Help:      "Fraction of referenced chunks present locally",
		}, []string{"folder"}),
		bytes: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "folder_transferred_bytes",
			Help:      "Bytes transferred with all peers since start",
		}, []string{"folder", "direction"}),
		rate: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "folder_transfer_rate_bytes",
			Help:      "Bytes per second over the last state interval",
		}, []string{"folder", "direction"}),
		snapshots: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "status_snapshots_total",
			Help:      "Snapshots received from groups",
		}),
		connections: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "inbound_connections_total",
			Help:      "Inbound connections by routing result",
		}, []string{"result"}),
		folders: make(map[string]struct{}),
	}
}

// Collect implements folder.StatusCollector.
func (c *StatusCollector) Collect(snap folder.Snapshot) error {
	id := snap.FolderID

	c.mu.Lock()
	c.folders[id] = struct{}{}
	c.mu.Unlock()

	c.peers.WithLabelValues(id).Set(float64(len(snap.Peers)))
	c.missingChunks.WithLabelValues(id).Set(float64(snap.MissingChunks))
	c.wantedMetas.WithLabelValues(id).Set(float64(snap.WantedMetas))
	c.revisions.WithLabelValues(id).Set(float64(snap.Revisions))
	c.progress.WithLabelValues(id).Set(snap.Progress)
	c.bytes.WithLabelValues(id, "down").Set(float64(snap.Bandwidth.DownBytes))
	c.bytes.WithLabelValues(id, "up").Set(float64(snap.Bandwidth.UpBytes))
	c.rate.WithLabelValues(id, "down").Set(snap.Bandwidth.DownRate)
	c.rate.WithLabelValues(id, "up").Set(snap.Bandwidth.UpRate)
	c.snapshots.Inc()
	return nil
}

// Forget removes every series of a folder.
func (c *StatusCollector) Forget(folderID string) {
	c.mu.Lock()
	delete(c.folders, folderID)
	c.mu.Unlock()

	for _, vec := range []*prometheus.GaugeVec{c.peers, c.missingChunks, c.wantedMetas, c.revisions, c.progress} {
		vec.DeleteLabelValues(folderID)
	}
	for _, direction := range []string{"down", "up"} {
		c.bytes.DeleteLabelValues(folderID, direction)
		c.rate.DeleteLabelValues(folderID, direction)
	}
}

// Folders returns the folders with exported series.
func (c *StatusCollector) Folders() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.folders)
}

// InboundConnection counts one routed inbound connection.
func (c *StatusCollector) InboundConnection(result string) {
	c.connections.WithLabelValues(result).Inc()
}

// Handler serves the metrics gathered by g.
func Handler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}

var _ folder.StatusCollector = (*StatusCollector)(nil)
