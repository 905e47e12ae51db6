package network

import (
	"bytes"
	"crypto/ed25519"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
	"net"
	"time"

	"vaultsync/crypto"
)

const handshakeNonceSize = 32

var (
	// ErrHandshakeFailed indicates the remote could not prove folder membership.
	ErrHandshakeFailed = errors.New("network: handshake failed")
	// ErrHandshakeTimeout indicates the handshake deadline passed.
	ErrHandshakeTimeout = errors.New("network: handshake timed out")
)

const (
	errorCodeVersionMismatch = "version_mismatch"
	errorCodeFolderMismatch  = "folder_mismatch"
	errorCodeAuthFailed      = "auth_failed"
	// ErrorCodeUnknownFolder is sent when no local group serves the requested folder.
	ErrorCodeUnknownFolder = "unknown_folder"
)

// Hello opens the folder handshake. Each side sends exactly one.
type Hello struct {
	Type            string `json:"type"`
	ProtocolVersion int    `json:"protocol_version"`
	FolderID        []byte `json:"folder_id"`
	NodeKey         []byte `json:"node_key"`
	ClientName      string `json:"client_name"`
	UserAgent       string `json:"user_agent"`
	Nonce           []byte `json:"nonce"`
}

// Auth proves possession of the folder auth key and the advertised node key.
type Auth struct {
	Type      string `json:"type"`
	Token     []byte `json:"token"`
	Signature []byte `json:"signature"`
}

// RemoteError is a protocol error reported by the remote side.
type RemoteError struct {
	Code    string
	Message string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("remote error [%s]: %s", e.Code, e.Message)
}

// LocalNode holds the values a node presents in every handshake.
type LocalNode struct {
	PrivateKey ed25519.PrivateKey
	ClientName string
	UserAgent  string
}

// PublicKey returns the node public key.
func (n LocalNode) PublicKey() ed25519.PublicKey {
	return n.PrivateKey.Public().(ed25519.PublicKey)
}

// ReadHello reads the first frame of an inbound connection. Acceptors use it
// to route a connection to the group serving Hello.FolderID.
func ReadHello(conn net.Conn, timeout time.Duration) (*Hello, error) {
	payload, err := ReadFrameWithTimeout(conn, timeout)
	if err != nil {
		return nil, classifyHandshakeError(fmt.Errorf("read hello: %w", err))
	}
	msg, err := DecodeMessage(payload)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrHandshakeFailed, err)
	}

	switch m := msg.(type) {
	case Hello:
		return &m, nil
	case ErrorMessage:
		return nil, fmt.Errorf("%w: %w", ErrHandshakeFailed, &RemoteError{Code: m.Code, Message: m.Message})
	default:
		return nil, fmt.Errorf("%w: expected %q, got %q", ErrHandshakeFailed, TypeHello, msg.MessageType())
	}
}

// WriteError sends a protocol error frame. Used before dropping a connection.
func WriteError(conn net.Conn, code, message string) error {
	return WriteMessage(conn, ErrorMessage{
		Type:              TypeError,
		Code:              code,
		Message:           message,
		SupportedVersions: []int{ProtocolVersion},
		Timestamp:         time.Now().UnixMilli(),
	})
}

func newHello(identity *crypto.FolderIdentity, node LocalNode) (Hello, error) {
	nonce := make([]byte, handshakeNonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return Hello{}, fmt.Errorf("generate handshake nonce: %w", err)
	}
	return Hello{
		Type:            TypeHello,
		ProtocolVersion: ProtocolVersion,
		FolderID:        identity.ID,
		NodeKey:         node.PublicKey(),
		ClientName:      node.ClientName,
		UserAgent:       node.UserAgent,
		Nonce:           nonce,
	}, nil
}

// validateHello returns the protocol error code to report, or "" if the hello is acceptable.
func validateHello(hello *Hello, identity *crypto.FolderIdentity) (string, error) {
	if hello.ProtocolVersion != ProtocolVersion {
		return errorCodeVersionMismatch, fmt.Errorf("%w: got %d want %d", ErrUnsupportedVersion, hello.ProtocolVersion, ProtocolVersion)
	}
	if !bytes.Equal(hello.FolderID, identity.ID) {
		return errorCodeFolderMismatch, fmt.Errorf("%w: folder id mismatch", ErrHandshakeFailed)
	}
	if len(hello.NodeKey) != ed25519.PublicKeySize {
		return errorCodeAuthFailed, fmt.Errorf("%w: invalid node key length %d", ErrHandshakeFailed, len(hello.NodeKey))
	}
	if len(hello.Nonce) != handshakeNonceSize {
		return errorCodeAuthFailed, fmt.Errorf("%w: invalid nonce length %d", ErrHandshakeFailed, len(hello.Nonce))
	}
	return "", nil
}

func authToken(authKey, nodeKey, remoteNonce []byte) []byte {
	mac := hmac.New(sha256.New, authKey)
	mac.Write(nodeKey)
	mac.Write(remoteNonce)
	return mac.Sum(nil)
}

func authSignable(folderID, remoteNonce []byte) []byte {
	out := make([]byte, 0, len(folderID)+len(remoteNonce))
	out = append(out, folderID...)
	return append(out, remoteNonce...)
}

func buildAuth(identity *crypto.FolderIdentity, node LocalNode, remote *Hello) (Auth, error) {
	signature, err := crypto.Sign(node.PrivateKey, authSignable(identity.ID, remote.Nonce))
	if err != nil {
		return Auth{}, fmt.Errorf("sign handshake: %w", err)
	}
	return Auth{
		Type:      TypeAuth,
		Token:     authToken(identity.AuthKey, node.PublicKey(), remote.Nonce),
		Signature: signature,
	}, nil
}

// verifyAuth checks the remote's proof against the nonce we sent.
func verifyAuth(identity *crypto.FolderIdentity, remote *Hello, local *Hello, auth Auth) error {
	expected := authToken(identity.AuthKey, remote.NodeKey, local.Nonce)
	if !hmac.Equal(expected, auth.Token) {
		return fmt.Errorf("%w: auth token mismatch", ErrHandshakeFailed)
	}
	if !crypto.Verify(ed25519.PublicKey(remote.NodeKey), authSignable(identity.ID, local.Nonce), auth.Signature) {
		return fmt.Errorf("%w: node signature invalid", ErrHandshakeFailed)
	}
	return nil
}

func readAuth(conn net.Conn) (Auth, error) {
	payload, err := ReadFrame(conn)
	if err != nil {
		return Auth{}, classifyHandshakeError(fmt.Errorf("read auth: %w", err))
	}
	msg, err := DecodeMessage(payload)
	if err != nil {
		return Auth{}, fmt.Errorf("%w: %v", ErrHandshakeFailed, err)
	}
	switch m := msg.(type) {
	case Auth:
		return m, nil
	case ErrorMessage:
		return Auth{}, fmt.Errorf("%w: %w", ErrHandshakeFailed, &RemoteError{Code: m.Code, Message: m.Message})
	default:
		return Auth{}, fmt.Errorf("%w: expected %q, got %q", ErrHandshakeFailed, TypeAuth, msg.MessageType())
	}
}

func classifyHandshakeError(err error) error {
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return fmt.Errorf("%w: %v", ErrHandshakeTimeout, err)
	}
	if errors.Is(err, ErrHandshakeFailed) || errors.Is(err, ErrHandshakeTimeout) {
		return err
	}
	return fmt.Errorf("%w: %v", ErrHandshakeFailed, err)
}
