package service

import (
	"errors"
	"net"
	"sync"
)

// ListenerPipe returns a full-duplex in-memory connection, like net.Pipe.
// One end of the connection is returned as a net.Listener, see
// ConnListener.
func ListenerPipe() (net.Listener, net.Conn) {
	conn0, conn1 := net.Pipe()
	return ConnListener(conn0), conn1
}

// ConnListener returns a net.Listener whose first Accept returns conn.
// Subsequent calls to Accept block until the listener is closed. It lets
// a server that expects to accept its client be handed one that is
// already connected, for example over stdin and stdout.
func ConnListener(conn net.Conn) net.Listener {
	return &connListener{conn: conn, closech: make(chan struct{})}
}

type connListener struct {
	mu       sync.Mutex
	accepted bool
	conn     net.Conn
	closech  chan struct{}
	closed   bool
}

func (l *connListener) Accept() (net.Conn, error) {
	l.mu.Lock()
	if !l.accepted && !l.closed {
		l.accepted = true
		l.mu.Unlock()
		return l.conn, nil
	}
	l.mu.Unlock()
	<-l.closech
	return nil, errors.New("accept failed: listener closed")
}

func (l *connListener) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.closed {
		l.closed = true
		close(l.closech)
	}
	return nil
}

func (l *connListener) Addr() net.Addr {
	return l.conn.LocalAddr()
}
