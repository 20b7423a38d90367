package daemon

import (
	"context"
	"io"
	"net"
	"sync/atomic"
)

// InMemoryListener serves the metrics endpoint without binding a TCP
// port. Tests inject one through Config.Listener and reach the daemon
// with an http.Client whose transport dials through Dial.
type InMemoryListener struct {
	closed   chan struct{}
	connCh   chan net.Conn
	isClosed atomic.Bool
}

func NewInMemoryListener() *InMemoryListener {
	return &InMemoryListener{
		connCh: make(chan net.Conn),
		closed: make(chan struct{}),
	}
}

// Dial opens an in memory connection to whatever is accepting on this
// listener and returns the client half.
func (l *InMemoryListener) Dial(ctx context.Context) (net.Conn, error) {
	client, server := net.Pipe()
	select {
	case l.connCh <- server:
		return client, nil
	case <-l.closed:
		_ = client.Close()
		return nil, net.ErrClosed
	case <-ctx.Done():
		_ = client.Close()
		return nil, ctx.Err()
	}
}

// ServeConn hands an established connection to Accept.
func (l *InMemoryListener) ServeConn(conn net.Conn) error {
	if l.isClosed.Load() {
		return net.ErrClosed
	}
	l.connCh <- conn
	return nil
}

func (l *InMemoryListener) Accept() (net.Conn, error) {
	select {
	case c := <-l.connCh:
		return c, nil
	case <-l.closed:
		return nil, io.EOF
	}
}

func (l *InMemoryListener) Close() error {
	if !l.isClosed.CompareAndSwap(false, true) {
		return nil
	}
	close(l.closed)
	return nil
}

func (l *InMemoryListener) Addr() net.Addr {
	return memAddr("memory-listener")
}

type memAddr string

func (a memAddr) Network() string { return string(a) }
func (a memAddr) String() string  { return string(a) }
