package network

import (
	"context"
	"fmt"
	"net"
)

// Dial opens a TCP connection to address. The folder handshake is run by the
// Peer that wraps the returned connection.
func Dial(ctx context.Context, address string) (net.Conn, error) {
	dialer := net.Dialer{Timeout: DefaultDialTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", address)
	if err != nil {
		return nil, fmt.Errorf("dial %q: %w", address, err)
	}
	return conn, nil
}
