package folder

import (
	"github.com/google/uuid"

	"vaultsync/meta"
	"vaultsync/network"
)

// Remote is the part of an attached peer the uploader and downloader use.
// *network.Peer implements it.
type Remote interface {
	ID() uuid.UUID
	String() string

	AmChoking() bool
	AmInterested() bool
	PeerChoking() bool
	PeerInterested() bool
	AcquireInterest() *network.InterestGuard

	SendChoke() error
	SendUnchoke() error
	SendHaveMeta(rev meta.PathRevision, bitfield meta.Bitfield) error
	SendHaveChunk(ctHash []byte) error
	SendMetaRequest(rev meta.PathRevision) error
	SendMetaReply(smeta *meta.SignedMeta, bitfield meta.Bitfield) error
	SendMetaCancel(rev meta.PathRevision) error
	SendBlockRequest(ctHash []byte, offset, size uint32) error
	SendBlockReply(ctHash []byte, offset uint32, data []byte) error
	SendBlockCancel(ctHash []byte, offset, size uint32) error
}

// Member is a remote that can be attached to a Group.
type Member interface {
	Remote

	Digest() string
	Endpoint() string
	FolderID() []byte
	Info() network.PeerInfo
	Counters() (all, blocks *network.BandwidthCounter)
	Close() error
}

var _ Member = (*network.Peer)(nil)
