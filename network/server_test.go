package network

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestServerDeliversAcceptedConnections(t *testing.T) {
	server, err := Listen("127.0.0.1:0")
	require.NoError(t, err)
	require.NotZero(t, server.Port())

	conn, err := Dial(context.Background(), server.Addr().String())
	require.NoError(t, err)
	defer conn.Close()

	select {
	case accepted := <-server.Incoming():
		require.NotNil(t, accepted)
		require.NoError(t, accepted.Close())
	case <-time.After(5 * time.Second):
		t.Fatal("no connection delivered")
	}

	require.NoError(t, server.Close())
	require.NoError(t, server.Close())

	_, ok := <-server.Incoming()
	require.False(t, ok, "incoming must be closed")
	_, ok = <-server.Errors()
	require.False(t, ok, "errors must be closed")
}

func TestDialUnreachableAddressFails(t *testing.T) {
	server, err := Listen("127.0.0.1:0")
	require.NoError(t, err)
	address := server.Addr().String()
	require.NoError(t, server.Close())

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, err = Dial(ctx, address)
	require.Error(t, err)
}
