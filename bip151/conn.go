package bip151

import (
	"bytes"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/btcsuite/btcd/wire"
)

const (
	// DefaultHandshakeTimeout bounds how long the handshake may take
	// before the connection is dropped.
	DefaultHandshakeTimeout = 15 * time.Second

	// defaultReadSize is the size of each socket read.
	defaultReadSize = 16 * 1024
)

// Config holds the transport settings shared by every connection.
type Config struct {
	// Net is the network the node runs on.
	Net wire.BitcoinNet

	// DisableEncryption skips the handshake and speaks the unencrypted
	// protocol only.
	DisableEncryption bool

	// HandshakeTimeout bounds the handshake. Zero selects
	// DefaultHandshakeTimeout.
	HandshakeTimeout time.Duration

	// GrowthStep bounds record buffer growth, see EnvelopeReader.
	GrowthStep int

	// StrictMessages rejects inner messages spanning records.
	StrictMessages bool

	// Observer receives transport events. May be nil.
	Observer Observer

	// MaxHandshakes bounds the handshakes a Listener runs in parallel.
	// Zero selects the default.
	MaxHandshakes int
}

func (c *Config) handshakeTimeout() time.Duration {
	if c.HandshakeTimeout <= 0 {
		return DefaultHandshakeTimeout
	}

	return c.HandshakeTimeout
}

// Conn is an implementation of net.Conn which, right after connection
// establishment, attempts the BIP151 ephemeral key exchange and from then on
// carries all messages in authenticated encrypted records. If the peer
// turns out not to support encryption the connection falls back to the
// classic unencrypted framing.
//
// The message oriented API is ReadMessage and WriteMessage. Read and Write
// expose the inner message stream encoding for use as a plain net.Conn.
type Conn struct {
	conn net.Conn
	cfg  *Config

	initiator bool

	// sessionMtx guards session. The read and write paths of a peer run
	// in different goroutines but share the engine's state.
	sessionMtx sync.Mutex
	session    *Session

	// writeMtx keeps sealing and writing of a record atomic so records
	// hit the wire in sequence order.
	writeMtx sync.Mutex

	// plain is set when the connection speaks the unencrypted protocol.
	plain io.Reader

	pending []*Message
	readBuf []byte

	// streamBuf backs the net.Conn Read method.
	streamBuf bytes.Buffer
}

// A compile-time assertion to ensure Conn meets the net.Conn interface.
var _ net.Conn = (*Conn)(nil)

// Dial connects to addr and runs the handshake as initiator. In the case
// of a handshake failure, the connection is closed and a non-nil error is
// returned.
func Dial(cfg *Config, addr string, timeout time.Duration,
	dialer func(string, string, time.Duration) (net.Conn, error)) (*Conn,
	error) {

	conn, err := dialer("tcp", addr, timeout)
	if err != nil {
		return nil, err
	}

	return NewConn(conn, cfg, true)
}

// NewConn runs the handshake over an established connection. The
// connection is closed if the handshake fails.
func NewConn(conn net.Conn, cfg *Config, initiator bool) (*Conn, error) {
	c := &Conn{
		conn:      conn,
		cfg:       cfg,
		initiator: initiator,
		readBuf:   make([]byte, defaultReadSize),
	}

	if cfg.DisableEncryption {
		c.plain = conn
		return c, nil
	}

	if err := c.handshake(); err != nil {
		c.conn.Close()
		return nil, err
	}

	return c, nil
}

// handshake exchanges blobs until the session is encrypted or has fallen
// back to plaintext.
func (c *Conn) handshake() error {
	session, err := NewSession(&SessionConfig{
		Initiator:      c.initiator,
		Net:            c.cfg.Net,
		GrowthStep:     c.cfg.GrowthStep,
		StrictMessages: c.cfg.StrictMessages,
		Observer:       c.cfg.Observer,
	})
	if err != nil {
		return err
	}
	c.session = session

	// We'll ensure that the handshake completes in a timely manner. If
	// it doesn't, the connection is killed.
	err = c.conn.SetDeadline(time.Now().Add(c.cfg.handshakeTimeout()))
	if err != nil {
		session.Terminate()
		return err
	}

	if c.initiator {
		if err := c.sendHandshake(); err != nil {
			return err
		}
	}

	for {
		switch session.State() {
		case StateEncrypted:
			log.Debugf("Encrypted session established with %v",
				c.conn.RemoteAddr())

			return c.conn.SetDeadline(time.Time{})

		case StateFallback:
			log.Debugf("Peer %v does not support encryption",
				c.conn.RemoteAddr())

			return c.conn.SetDeadline(time.Time{})

		case StateHandshake:
			if !session.LocalSent() {
				if err := c.sendHandshake(); err != nil {
					return err
				}
				continue
			}
		}

		n, err := c.conn.Read(c.readBuf)
		if n > 0 {
			used, msgs, rerr := session.Receive(c.readBuf[:n])
			if rerr != nil {
				return fmt.Errorf("handshake with %v failed: %w",
					c.conn.RemoteAddr(), rerr)
			}
			c.pending = append(c.pending, msgs...)

			if session.State() == StateFallback {
				buffered := append(
					session.FallbackBytes(),
					c.readBuf[used:n]...,
				)
				c.plain = io.MultiReader(
					bytes.NewReader(buffered), c.conn,
				)
			}
		}
		if err != nil {
			session.Terminate()
			return err
		}
	}
}

// sendHandshake writes our handshake blob.
func (c *Conn) sendHandshake() error {
	blob, err := c.session.LocalHandshake()
	if err != nil {
		return err
	}

	if _, err := c.conn.Write(blob); err != nil {
		c.session.Terminate()
		return err
	}

	return nil
}

// Encrypted reports whether the connection carries encrypted records.
func (c *Conn) Encrypted() bool {
	c.sessionMtx.Lock()
	defer c.sessionMtx.Unlock()

	return c.session != nil && c.session.State() == StateEncrypted
}

// SessionID returns the session id of an encrypted connection.
func (c *Conn) SessionID() ([SessionIDSize]byte, bool) {
	c.sessionMtx.Lock()
	defer c.sessionMtx.Unlock()

	if c.session == nil || c.session.State() != StateEncrypted {
		return [SessionIDSize]byte{}, false
	}

	return c.session.SessionID(), true
}

// Initiator reports whether we opened the connection.
func (c *Conn) Initiator() bool {
	return c.initiator
}

// ReadMessage blocks until the next full message has been received.
func (c *Conn) ReadMessage() (*Message, error) {
	for {
		if len(c.pending) > 0 {
			msg := c.pending[0]
			c.pending[0] = nil
			c.pending = c.pending[1:]

			return msg, nil
		}

		if c.plain != nil {
			return ReadPlaintextMessage(c.plain, c.cfg.Net)
		}

		n, err := c.conn.Read(c.readBuf)
		if n > 0 {
			c.sessionMtx.Lock()
			_, msgs, rerr := c.session.Receive(c.readBuf[:n])
			c.sessionMtx.Unlock()

			if rerr != nil {
				c.conn.Close()
				return nil, rerr
			}
			c.pending = append(c.pending, msgs...)
		}
		if err != nil && len(c.pending) == 0 {
			return nil, err
		}
	}
}

// WriteMessage sends a single message.
func (c *Conn) WriteMessage(cmd string, payload []byte) error {
	return c.WriteMessages(&Message{Command: cmd, Payload: payload})
}

// WriteMessages sends several messages. On an encrypted connection they are
// batched into one record.
func (c *Conn) WriteMessages(msgs ...*Message) error {
	c.writeMtx.Lock()
	defer c.writeMtx.Unlock()

	if c.plain != nil {
		for _, msg := range msgs {
			err := WritePlaintextMessage(c.conn, c.cfg.Net, msg)
			if err != nil {
				return err
			}
		}

		return nil
	}

	c.sessionMtx.Lock()
	record, err := c.session.SealMessages(msgs...)
	c.sessionMtx.Unlock()
	if err != nil {
		return err
	}

	_, err = c.conn.Write(record)

	return err
}

// Read reads the inner message stream: each received message re-encoded as
// command, length and payload.
//
// Part of the net.Conn interface.
func (c *Conn) Read(b []byte) (int, error) {
	// In order to reconcile the differences between the message
	// abstraction of the transport and the stream abstraction of TCP, we
	// maintain an intermediate read buffer. If this buffer becomes
	// depleted, then we read the next message, and feed it into the
	// buffer.
	if c.streamBuf.Len() == 0 {
		msg, err := c.ReadMessage()
		if err != nil {
			return 0, err
		}

		err = EncodeMessage(&c.streamBuf, msg.Command, msg.Payload)
		if err != nil {
			return 0, err
		}
	}

	return c.streamBuf.Read(b)
}

// Write decodes b as a sequence of complete inner messages and sends them.
// A trailing partial message is rejected.
//
// Part of the net.Conn interface.
func (c *Conn) Write(b []byte) (int, error) {
	decomposer := NewMessageDecomposer(true)
	decomposer.Write(b)

	var msgs []*Message
	for decomposer.Pending() > 0 {
		msg, err := decomposer.Next()
		if err != nil {
			return 0, err
		}
		msgs = append(msgs, msg)
	}

	if err := c.WriteMessages(msgs...); err != nil {
		return 0, err
	}

	return len(b), nil
}

// Close wipes all session secrets and closes the connection. Any blocked
// Read or Write operations will be unblocked and return errors.
//
// Part of the net.Conn interface.
func (c *Conn) Close() error {
	c.sessionMtx.Lock()
	if c.session != nil {
		c.session.Terminate()
	}
	c.sessionMtx.Unlock()

	return c.conn.Close()
}

// LocalAddr returns the local network address.
//
// Part of the net.Conn interface.
func (c *Conn) LocalAddr() net.Addr {
	return c.conn.LocalAddr()
}

// RemoteAddr returns the remote network address.
//
// Part of the net.Conn interface.
func (c *Conn) RemoteAddr() net.Addr {
	return c.conn.RemoteAddr()
}

// SetDeadline sets the read and write deadlines associated with the
// connection.
//
// Part of the net.Conn interface.
func (c *Conn) SetDeadline(t time.Time) error {
	return c.conn.SetDeadline(t)
}

// SetReadDeadline sets the deadline for future Read calls.
//
// Part of the net.Conn interface.
func (c *Conn) SetReadDeadline(t time.Time) error {
	return c.conn.SetReadDeadline(t)
}

// SetWriteDeadline sets the deadline for future Write calls.
//
// Part of the net.Conn interface.
func (c *Conn) SetWriteDeadline(t time.Time) error {
	return c.conn.SetWriteDeadline(t)
}
