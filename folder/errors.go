package folder

import (
	"errors"
	"fmt"
)

var (
	// ErrAttach matches every AttachError with errors.Is.
	ErrAttach = errors.New("folder: attach rejected")
	// ErrChoked indicates a block request from a remote we choke or that is not interested.
	ErrChoked = errors.New("folder: request from choked or uninterested peer")
	// ErrBlockOutOfRange indicates a block request past the end of the chunk.
	ErrBlockOutOfRange = errors.New("folder: block range out of bounds")
	// ErrVerification indicates data that failed a hash or signature check.
	ErrVerification = errors.New("folder: verification failed")
	// ErrGroupClosed indicates an operation on a closed group.
	ErrGroupClosed = errors.New("folder: group closed")
)

// AttachReason explains why a remote could not be attached.
type AttachReason string

const (
	ReasonDuplicateDigest   AttachReason = "duplicate_digest"
	ReasonDuplicateEndpoint AttachReason = "duplicate_endpoint"
	ReasonIdentityMismatch  AttachReason = "identity_mismatch"
	ReasonGroupClosed       AttachReason = "group_closed"
)

// AttachError is returned when a remote is refused membership.
type AttachError struct {
	Reason AttachReason
	Digest string
	Peer   string
}

func (e *AttachError) Error() string {
	return fmt.Sprintf("folder: attach %s rejected: %s", e.Peer, e.Reason)
}

func (e *AttachError) Is(target error) bool {
	return target == ErrAttach
}
