package metrics

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"vaultsync/folder"
	"vaultsync/network"
)

func TestCollectExportsSnapshot(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewStatusCollector(reg)

	require.NoError(t, c.Collect(folder.Snapshot{
		FolderID:      "abcd",
		Peers:         make([]folder.PeerStatus, 3),
		MissingChunks: 7,
		WantedMetas:   2,
		Revisions:     11,
		Progress:      0.25,
		Bandwidth:     network.BandwidthStats{DownBytes: 4096, UpBytes: 512, DownRate: 100},
	}))

	assert.Equal(t, 3.0, testutil.ToFloat64(c.peers.WithLabelValues("abcd")))
	assert.Equal(t, 7.0, testutil.ToFloat64(c.missingChunks.WithLabelValues("abcd")))
	assert.Equal(t, 0.25, testutil.ToFloat64(c.progress.WithLabelValues("abcd")))
	assert.Equal(t, 4096.0, testutil.ToFloat64(c.bytes.WithLabelValues("abcd", "down")))
	assert.Equal(t, 100.0, testutil.ToFloat64(c.rate.WithLabelValues("abcd", "down")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.snapshots))
	assert.Equal(t, 1, c.Folders())

	c.Forget("abcd")
	assert.Zero(t, c.Folders())
	assert.Zero(t, testutil.CollectAndCount(c.peers))
}

func TestHandlerServesRegisteredMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewStatusCollector(reg)
	c.InboundConnection("accepted")

	rec := httptest.NewRecorder()
	Handler(reg).ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))

	body, err := io.ReadAll(rec.Result().Body)
	require.NoError(t, err)
	assert.True(t, strings.Contains(string(body), `vaultsync_inbound_connections_total{result="accepted"} 1`), string(body))
}
