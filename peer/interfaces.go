package peer

import (
	"net"
	"time"

	"github.com/btcnode/bip151d/bip151"
)

// MessageConn is an interface implemented by anything that delivers and
// sends whole messages over a connection, such as bip151.Conn.
type MessageConn interface {
	// ReadMessage blocks until the next message arrives.
	ReadMessage() (*bip151.Message, error)

	// WriteMessages sends the given messages, batching them where the
	// transport allows it.
	WriteMessages(msgs ...*bip151.Message) error

	// SetWriteDeadline sets the deadline for future writes.
	SetWriteDeadline(time.Time) error

	// Encrypted reports whether messages are carried encrypted.
	Encrypted() bool

	// SessionID returns the session id of an encrypted connection.
	SessionID() ([bip151.SessionIDSize]byte, bool)

	// RemoteAddr returns the remote address on the other end of the
	// connection.
	RemoteAddr() net.Addr

	// LocalAddr returns the local address on our end of the connection.
	LocalAddr() net.Addr

	// Close closes the connection, wiping any session secrets.
	Close() error
}

// A compile-time check to ensure bip151.Conn implements MessageConn.
var _ MessageConn = (*bip151.Conn)(nil)

// MessageSender is the view of a peer handed to message endpoints so they
// can reply.
type MessageSender interface {
	// SendMessage queues msgs for delivery. If sync is true the call
	// blocks until the messages were written or the peer disconnected.
	SendMessage(sync bool, msgs ...*bip151.Message) error

	// RemoteAddr returns the address of the peer.
	RemoteAddr() net.Addr
}
