package bip151

import (
	"errors"
	"net"
)

// defaultHandshakes is the maximum number of handshakes that can be done in
// parallel.
const defaultHandshakes = 1000

// ErrListenerClosed is returned by Accept once the listener is closed.
var ErrListenerClosed = errors.New("bip151 listener closed")

// Listener is an implementation of a net.Listener which runs the
// encryption handshake on every accepted connection before handing it out.
// Handshakes run concurrently so a stalled peer can't hold up others.
type Listener struct {
	cfg *Config

	tcp *net.TCPListener

	handshakeSema chan struct{}
	conns         chan maybeConn
	quit          chan struct{}
}

// A compile-time assertion to ensure that Listener meets the net.Listener
// interface.
var _ net.Listener = (*Listener)(nil)

// maybeConn pairs a handshaked connection with a fatal accept error.
type maybeConn struct {
	conn *Conn
	err  error
}

// NewListener returns a new net.Listener which runs the handshake on every
// inbound connection.
func NewListener(cfg *Config, listenAddr string) (*Listener, error) {
	addr, err := net.ResolveTCPAddr("tcp", listenAddr)
	if err != nil {
		return nil, err
	}

	l, err := net.ListenTCP("tcp", addr)
	if err != nil {
		return nil, err
	}

	maxHandshakes := cfg.MaxHandshakes
	if maxHandshakes <= 0 {
		maxHandshakes = defaultHandshakes
	}

	listener := &Listener{
		cfg:           cfg,
		tcp:           l,
		handshakeSema: make(chan struct{}, maxHandshakes),
		conns:         make(chan maybeConn),
		quit:          make(chan struct{}),
	}

	for i := 0; i < maxHandshakes; i++ {
		listener.handshakeSema <- struct{}{}
	}

	go listener.listen()

	return listener, nil
}

// listen accepts connections and starts a handshake for each one while the
// handshake semaphore allows it.
func (l *Listener) listen() {
	for {
		select {
		case <-l.handshakeSema:
		case <-l.quit:
			return
		}

		conn, err := l.tcp.Accept()
		if err != nil {
			l.handshakeSema <- struct{}{}

			select {
			case <-l.quit:
				return
			default:
			}

			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				continue
			}

			l.deliver(maybeConn{err: err})
			return
		}

		go l.doHandshake(conn)
	}
}

// doHandshake runs the handshake for a freshly accepted connection. Failed
// handshakes are logged and dropped, they are never surfaced from Accept.
func (l *Listener) doHandshake(conn net.Conn) {
	defer func() { l.handshakeSema <- struct{}{} }()

	select {
	case <-l.quit:
		conn.Close()
		return
	default:
	}

	c, err := NewConn(conn, l.cfg, false)
	if err != nil {
		log.Debugf("Rejected inbound connection from %v: %v",
			conn.RemoteAddr(), err)
		return
	}

	if !l.deliver(maybeConn{conn: c}) {
		c.Close()
	}
}

// deliver hands a result to Accept. It returns false if the listener was
// closed first.
func (l *Listener) deliver(result maybeConn) bool {
	select {
	case l.conns <- result:
		return true
	case <-l.quit:
		return false
	}
}

// Accept waits for and returns the next connection that completed its
// handshake.
//
// Part of the net.Listener interface.
func (l *Listener) Accept() (net.Conn, error) {
	select {
	case result := <-l.conns:
		if result.err != nil {
			return nil, result.err
		}

		return result.conn, nil

	case <-l.quit:
		return nil, ErrListenerClosed
	}
}

// Close closes the listener. Any blocked Accept operations will be unblocked
// and return errors.
//
// Part of the net.Listener interface.
func (l *Listener) Close() error {
	select {
	case <-l.quit:
	default:
		close(l.quit)
	}

	return l.tcp.Close()
}

// Addr returns the listener's network address.
//
// Part of the net.Listener interface.
func (l *Listener) Addr() net.Addr {
	return l.tcp.Addr()
}
