package folder

import (
	"time"

	"vaultsync/network"
)

// PeerStatus is one attached peer in a Snapshot.
type PeerStatus struct {
	network.PeerInfo
	Rate network.BandwidthStats `json:"rate"`
}

// Snapshot is the aggregate state published every state interval.
type Snapshot struct {
	FolderID      string                 `json:"folder_id"`
	Time          time.Time              `json:"time"`
	Peers         []PeerStatus           `json:"peers"`
	Bandwidth     network.BandwidthStats `json:"bandwidth"`
	Revisions     int                    `json:"revisions"`
	MissingChunks int                    `json:"missing_chunks"`
	WantedMetas   int                    `json:"wanted_metas"`
	Progress      float64                `json:"progress"`
}

// StatusCollector receives snapshots. Errors are logged and the snapshot dropped.
type StatusCollector interface {
	Collect(snapshot Snapshot) error
}

// EventType names a membership change.
type EventType string

const (
	EventAttached EventType = "attached"
	EventDetached EventType = "detached"
)

// Event is a membership change of a group.
type Event struct {
	Type EventType        `json:"type"`
	Peer network.PeerInfo `json:"peer"`
	Err  error            `json:"-"`
}
