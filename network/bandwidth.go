package network

import (
	"sync/atomic"

	flow "github.com/libp2p/go-flow-metrics"
)

// BandwidthStats is one sample of a BandwidthCounter.
type BandwidthStats struct {
	DownBytes uint64  `json:"down_bytes"`
	UpBytes   uint64  `json:"up_bytes"`
	DownRate  float64 `json:"down_rate"`
	UpRate    float64 `json:"up_rate"`
}

// BandwidthCounter counts transferred bytes and keeps a moving average rate
// per direction. Counts added to a child are also added to its parent, so a
// group counter aggregates all of its peers.
//
// Totals are exact. Rates come from flow meters, which are swept once per
// second in the background.
type BandwidthCounter struct {
	parent *BandwidthCounter

	down atomic.Uint64
	up   atomic.Uint64

	downMeter flow.Meter
	upMeter   flow.Meter
}

// NewBandwidthCounter returns a counter chained to parent, which may be nil.
func NewBandwidthCounter(parent *BandwidthCounter) *BandwidthCounter {
	return &BandwidthCounter{parent: parent}
}

// AddDown records received bytes.
func (c *BandwidthCounter) AddDown(n int) {
	if n <= 0 {
		return
	}
	for cur := c; cur != nil; cur = cur.parent {
		cur.down.Add(uint64(n))
		cur.downMeter.Mark(uint64(n))
	}
}

// AddUp records sent bytes.
func (c *BandwidthCounter) AddUp(n int) {
	if n <= 0 {
		return
	}
	for cur := c; cur != nil; cur = cur.parent {
		cur.up.Add(uint64(n))
		cur.upMeter.Mark(uint64(n))
	}
}

// Totals returns the lifetime byte counts.
func (c *BandwidthCounter) Totals() BandwidthStats {
	return BandwidthStats{DownBytes: c.down.Load(), UpBytes: c.up.Load()}
}

// Stats returns the totals and the current rates in bytes per second.
// Reading has no side effects.
func (c *BandwidthCounter) Stats() BandwidthStats {
	stats := c.Totals()
	stats.DownRate = c.downMeter.Snapshot().Rate
	stats.UpRate = c.upMeter.Snapshot().Rate
	return stats
}
