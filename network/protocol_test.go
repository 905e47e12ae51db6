package network

import (
	"bytes"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"vaultsync/meta"
)

func TestFrameRoundTrip(t *testing.T) {
	payload := []byte(`{"type":"ping","timestamp":1}`)

	var buffer bytes.Buffer
	if err := WriteFrame(&buffer, payload); err != nil {
		t.Fatalf("WriteFrame failed: %v", err)
	}

	got, err := ReadFrame(&buffer)
	if err != nil {
		t.Fatalf("ReadFrame failed: %v", err)
	}
	if !bytes.Equal(got, payload) {
		t.Fatalf("payload mismatch")
	}
}

func TestWriteFrameRejectsOversizedPayload(t *testing.T) {
	payload := make([]byte, MaxFrameSize+1)
	var buffer bytes.Buffer
	if err := WriteFrame(&buffer, payload); err != ErrFrameTooLarge {
		t.Fatalf("expected ErrFrameTooLarge, got %v", err)
	}
}

func TestDecodeMessageTypes(t *testing.T) {
	rev := meta.PathRevision{PathID: []byte{1, 2}, Revision: 3}
	bits := meta.NewBitfield(3)
	bits.Set(1)

	cases := []Message{
		SignalMessage{Type: TypeChoke},
		SignalMessage{Type: TypeNotInterested},
		HaveMeta{Type: TypeHaveMeta, Revision: rev, Bitfield: bits},
		HaveChunk{Type: TypeHaveChunk, CtHash: []byte{9}},
		MetaRequest{Type: TypeMetaRequest, Revision: rev},
		MetaCancel{Type: TypeMetaCancel, Revision: rev},
		BlockRequest{Type: TypeBlockRequest, CtHash: []byte{7}, Offset: 16, Size: 16},
		BlockReply{Type: TypeBlockReply, CtHash: []byte{7}, Offset: 16, Data: []byte("abc")},
		BlockCancel{Type: TypeBlockCancel, CtHash: []byte{7}, Offset: 16, Size: 16},
	}

	for _, msg := range cases {
		var buffer bytes.Buffer
		require.NoError(t, WriteMessage(&buffer, msg))
		payload, err := ReadFrame(&buffer)
		require.NoError(t, err)

		decoded, err := DecodeMessage(payload)
		require.NoError(t, err, msg.MessageType())
		require.Equal(t, msg.MessageType(), decoded.MessageType())
	}

	decoded, err := DecodeMessage([]byte(`{"type":"have_meta","revision":{"path_id":"AQI=","revision":3},"bitfield":{"n":3,"bits":"QA=="}}`))
	require.NoError(t, err)
	have := decoded.(HaveMeta)
	require.True(t, have.Revision.Equal(rev))
	require.Equal(t, "010", have.Bitfield.String())
}

func TestDecodeMessageRejectsUnknownType(t *testing.T) {
	_, err := DecodeMessage([]byte(`{"type":"teleport"}`))
	if !errors.Is(err, ErrInvalidMessageType) {
		t.Fatalf("expected ErrInvalidMessageType, got %v", err)
	}

	_, err = DecodeMessage([]byte(`{"type":"meta_reply"}`))
	require.Error(t, err)
}
