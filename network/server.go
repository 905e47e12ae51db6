package network

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"
)

const (
	acceptBackoffMin = 5 * time.Millisecond
	acceptBackoffMax = time.Second
	tcpKeepAlive     = 30 * time.Second
)

// Server accepts inbound TCP connections. Routing them to a folder is left to
// the caller, which typically calls ReadHello first.
type Server struct {
	ln net.Listener

	conns chan net.Conn
	errs  chan error

	done     chan struct{}
	stopOnce sync.Once
	loop     sync.WaitGroup
}

// Listen binds address (":0" when empty) and starts accepting.
func Listen(address string) (*Server, error) {
	if address == "" {
		address = ":0"
	}
	lc := net.ListenConfig{KeepAlive: tcpKeepAlive}
	ln, err := lc.Listen(context.Background(), "tcp", address)
	if err != nil {
		return nil, fmt.Errorf("listen on %q: %w", address, err)
	}

	s := &Server{
		ln:    ln,
		conns: make(chan net.Conn, 16),
		errs:  make(chan error, 16),
		done:  make(chan struct{}),
	}
	s.loop.Add(1)
	go s.accept()
	return s, nil
}

func (s *Server) Addr() net.Addr { return s.ln.Addr() }

// Port is the bound TCP port, zero for non-TCP listeners.
func (s *Server) Port() int {
	tcp, ok := s.ln.Addr().(*net.TCPAddr)
	if !ok {
		return 0
	}
	return tcp.Port
}

// Incoming delivers accepted connections. It is closed by Close.
func (s *Server) Incoming() <-chan net.Conn { return s.conns }

// Errors delivers accept failures. Errors are dropped when nobody reads.
func (s *Server) Errors() <-chan error { return s.errs }

// Close stops accepting. Connections already delivered stay open.
func (s *Server) Close() error {
	var err error
	s.stopOnce.Do(func() {
		close(s.done)
		err = s.ln.Close()
		s.loop.Wait()
		close(s.conns)
		close(s.errs)
	})
	return err
}

func (s *Server) accept() {
	defer s.loop.Done()

	var backoff time.Duration
	for {
		conn, err := s.ln.Accept()
		if err != nil {
			if s.stopping() || errors.Is(err, net.ErrClosed) {
				return
			}
			s.report(fmt.Errorf("accept connection: %w", err))

			// retry with exponential backoff, e.g. on EMFILE
			backoff = min(max(2*backoff, acceptBackoffMin), acceptBackoffMax)
			select {
			case <-time.After(backoff):
				continue
			case <-s.done:
				return
			}
		}
		backoff = 0

		if tcp, ok := conn.(*net.TCPConn); ok {
			_ = tcp.SetNoDelay(true)
		}
		select {
		case s.conns <- conn:
		case <-s.done:
			_ = conn.Close()
			return
		}
	}
}

func (s *Server) stopping() bool {
	select {
	case <-s.done:
		return true
	default:
		return false
	}
}

func (s *Server) report(err error) {
	select {
	case s.errs <- err:
	default:
	}
}
