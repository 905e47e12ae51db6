package network

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"time"

	"vaultsync/meta"
)

const (
	// ProtocolVersion is the current wire protocol version.
	ProtocolVersion = 1
	// MaxFrameSize is the maximum accepted frame payload size (10 MB).
	MaxFrameSize = 10 * 1024 * 1024
	// DefaultHandshakeTimeout bounds the folder handshake.
	DefaultHandshakeTimeout = 30 * time.Second
	// DefaultKeepAliveInterval is how often an active peer is pinged.
	DefaultKeepAliveInterval = 30 * time.Second
	// DefaultIdleTimeout closes a peer that has been silent this long.
	DefaultIdleTimeout = 90 * time.Second
	// DefaultDialTimeout bounds TCP connection establishment.
	DefaultDialTimeout = 15 * time.Second
)

const (
	TypeHello         = "hello"
	TypeAuth          = "auth"
	TypeChoke         = "choke"
	TypeUnchoke       = "unchoke"
	TypeInterested    = "interested"
	TypeNotInterested = "not_interested"
	TypeHaveMeta      = "have_meta"
	TypeHaveChunk     = "have_chunk"
	TypeMetaRequest   = "meta_request"
	TypeMetaReply     = "meta_reply"
	TypeMetaCancel    = "meta_cancel"
	TypeBlockRequest  = "block_request"
	TypeBlockReply    = "block_reply"
	TypeBlockCancel   = "block_cancel"
	TypePing          = "ping"
	TypePong          = "pong"
	TypeError         = "error"
)

var (
	// ErrFrameTooLarge indicates payload exceeds MaxFrameSize.
	ErrFrameTooLarge = errors.New("network: frame exceeds max size")
	// ErrUnsupportedVersion indicates protocol version mismatch.
	ErrUnsupportedVersion = errors.New("network: unsupported protocol version")
	// ErrInvalidMessageType indicates the message type is missing or unknown.
	ErrInvalidMessageType = errors.New("network: invalid message type")
)

// Message is any protocol message that can be framed.
type Message interface {
	MessageType() string
}

// Envelope identifies the protocol message type.
type Envelope struct {
	Type string `json:"type"`
}

// SignalMessage carries one of the field-less flow-control messages:
// choke, unchoke, interested, not_interested.
type SignalMessage struct {
	Type string `json:"type"`
}

// HaveMeta advertises a stored metadata revision and its chunk bitfield.
type HaveMeta struct {
	Type     string            `json:"type"`
	Revision meta.PathRevision `json:"revision"`
	Bitfield meta.Bitfield     `json:"bitfield"`
}

// HaveChunk advertises a newly stored chunk.
type HaveChunk struct {
	Type   string `json:"type"`
	CtHash []byte `json:"ct_hash"`
}

// MetaRequest asks for the signed metadata of one revision.
type MetaRequest struct {
	Type     string            `json:"type"`
	Revision meta.PathRevision `json:"revision"`
}

// MetaReply answers a MetaRequest.
type MetaReply struct {
	Type     string           `json:"type"`
	Meta     *meta.SignedMeta `json:"meta"`
	Bitfield meta.Bitfield    `json:"bitfield"`
}

// MetaCancel withdraws a MetaRequest.
type MetaCancel struct {
	Type     string            `json:"type"`
	Revision meta.PathRevision `json:"revision"`
}

// BlockRequest asks for [Offset, Offset+Size) of a chunk.
type BlockRequest struct {
	Type   string `json:"type"`
	CtHash []byte `json:"ct_hash"`
	Offset uint32 `json:"offset"`
	Size   uint32 `json:"size"`
}

// BlockReply carries the bytes of one requested range.
type BlockReply struct {
	Type   string `json:"type"`
	CtHash []byte `json:"ct_hash"`
	Offset uint32 `json:"offset"`
	Data   []byte `json:"data"`
}

// BlockCancel withdraws a BlockRequest.
type BlockCancel struct {
	Type   string `json:"type"`
	CtHash []byte `json:"ct_hash"`
	Offset uint32 `json:"offset"`
	Size   uint32 `json:"size"`
}

// PingMessage is a keep-alive ping.
type PingMessage struct {
	Type      string `json:"type"`
	Timestamp int64  `json:"timestamp"`
}

// PongMessage is a keep-alive pong response.
type PongMessage struct {
	Type      string `json:"type"`
	Timestamp int64  `json:"timestamp"`
}

// ErrorMessage reports protocol errors before a connection is dropped.
type ErrorMessage struct {
	Type              string `json:"type"`
	Code              string `json:"code"`
	Message           string `json:"message"`
	SupportedVersions []int  `json:"supported_versions,omitempty"`
	Timestamp         int64  `json:"timestamp"`
}

func (m SignalMessage) MessageType() string { return m.Type }
func (m HaveMeta) MessageType() string      { return TypeHaveMeta }
func (m HaveChunk) MessageType() string     { return TypeHaveChunk }
func (m MetaRequest) MessageType() string   { return TypeMetaRequest }
func (m MetaReply) MessageType() string     { return TypeMetaReply }
func (m MetaCancel) MessageType() string    { return TypeMetaCancel }
func (m BlockRequest) MessageType() string  { return TypeBlockRequest }
func (m BlockReply) MessageType() string    { return TypeBlockReply }
func (m BlockCancel) MessageType() string   { return TypeBlockCancel }
func (m PingMessage) MessageType() string   { return TypePing }
func (m PongMessage) MessageType() string   { return TypePong }
func (m ErrorMessage) MessageType() string  { return TypeError }
func (m Hello) MessageType() string         { return TypeHello }
func (m Auth) MessageType() string          { return TypeAuth }

// EncodeJSON marshals a protocol message to JSON.
func EncodeJSON(message any) ([]byte, error) {
	payload, err := json.Marshal(message)
	if err != nil {
		return nil, fmt.Errorf("marshal protocol message: %w", err)
	}
	return payload, nil
}

// DecodeMessageType extracts the "type" field from a payload.
func DecodeMessageType(payload []byte) (string, error) {
	var envelope Envelope
	if err := json.Unmarshal(payload, &envelope); err != nil {
		return "", fmt.Errorf("decode envelope: %w", err)
	}
	if envelope.Type == "" {
		return "", ErrInvalidMessageType
	}
	return envelope.Type, nil
}

// DecodeMessage decodes a payload into its concrete message type.
func DecodeMessage(payload []byte) (Message, error) {
	msgType, err := DecodeMessageType(payload)
	if err != nil {
		return nil, err
	}

	var msg Message
	switch msgType {
	case TypeChoke, TypeUnchoke, TypeInterested, TypeNotInterested:
		return SignalMessage{Type: msgType}, nil
	case TypeHaveMeta:
		msg, err = decodeAs[HaveMeta](payload)
	case TypeHaveChunk:
		msg, err = decodeAs[HaveChunk](payload)
	case TypeMetaRequest:
		msg, err = decodeAs[MetaRequest](payload)
	case TypeMetaReply:
		var reply MetaReply
		reply, err = decodeAs[MetaReply](payload)
		if err == nil && reply.Meta == nil {
			err = errors.New("meta reply without meta")
		}
		msg = reply
	case TypeMetaCancel:
		msg, err = decodeAs[MetaCancel](payload)
	case TypeBlockRequest:
		msg, err = decodeAs[BlockRequest](payload)
	case TypeBlockReply:
		msg, err = decodeAs[BlockReply](payload)
	case TypeBlockCancel:
		msg, err = decodeAs[BlockCancel](payload)
	case TypePing:
		msg, err = decodeAs[PingMessage](payload)
	case TypePong:
		msg, err = decodeAs[PongMessage](payload)
	case TypeError:
		msg, err = decodeAs[ErrorMessage](payload)
	case TypeHello:
		msg, err = decodeAs[Hello](payload)
	case TypeAuth:
		msg, err = decodeAs[Auth](payload)
	default:
		return nil, fmt.Errorf("%w: %q", ErrInvalidMessageType, msgType)
	}
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", msgType, err)
	}
	return msg, nil
}

func decodeAs[T any](payload []byte) (T, error) {
	var out T
	err := json.Unmarshal(payload, &out)
	return out, err
}

// WriteFrame writes one length-prefixed frame.
func WriteFrame(w io.Writer, payload []byte) error {
	if len(payload) > MaxFrameSize {
		return ErrFrameTooLarge
	}

	header := make([]byte, 4)
	binary.BigEndian.PutUint32(header, uint32(len(payload)))

	if _, err := w.Write(header); err != nil {
		return fmt.Errorf("write frame length: %w", err)
	}
	if len(payload) == 0 {
		return nil
	}
	if _, err := w.Write(payload); err != nil {
		return fmt.Errorf("write frame payload: %w", err)
	}

	return nil
}

// ReadFrame reads one length-prefixed frame.
func ReadFrame(r io.Reader) ([]byte, error) {
	header := make([]byte, 4)
	if _, err := io.ReadFull(r, header); err != nil {
		return nil, fmt.Errorf("read frame length: %w", err)
	}

	length := binary.BigEndian.Uint32(header)
	if length > MaxFrameSize {
		return nil, ErrFrameTooLarge
	}
	if length == 0 {
		return []byte{}, nil
	}

	payload := make([]byte, int(length))
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, fmt.Errorf("read frame payload: %w", err)
	}

	return payload, nil
}

// ReadFrameWithTimeout reads a frame with an optional read deadline.
func ReadFrameWithTimeout(conn net.Conn, timeout time.Duration) ([]byte, error) {
	if timeout > 0 {
		if err := conn.SetReadDeadline(time.Now().Add(timeout)); err != nil {
			return nil, fmt.Errorf("set read deadline: %w", err)
		}
		defer func() {
			_ = conn.SetReadDeadline(time.Time{})
		}()
	}
	return ReadFrame(conn)
}

// WriteMessage encodes msg and writes it as one frame.
func WriteMessage(w io.Writer, msg Message) error {
	payload, err := EncodeJSON(msg)
	if err != nil {
		return err
	}
	return WriteFrame(w, payload)
}
