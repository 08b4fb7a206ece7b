package bip151

import (
	"bytes"
	"io"
	"net"
	"testing"
	"time"

	"github.com/btcnode/bip151d/aead"
	"github.com/btcsuite/btcd/wire"
	"github.com/stretchr/testify/require"
)

type connResult struct {
	conn *Conn
	err  error
}

// newConnPair runs the handshake over an in-memory pipe.
func newConnPair(t *testing.T, initCfg, respCfg *Config) (*Conn, *Conn) {
	t.Helper()

	a, b := net.Pipe()

	respChan := make(chan connResult, 1)
	go func() {
		c, err := NewConn(b, respCfg, false)
		respChan <- connResult{c, err}
	}()

	initiator, err := NewConn(a, initCfg, true)
	require.NoError(t, err)

	var resp connResult
	select {
	case resp = <-respChan:
	case <-time.After(5 * time.Second):
		t.Fatalf("responder handshake timed out")
	}
	require.NoError(t, resp.err)

	t.Cleanup(func() {
		initiator.Close()
		resp.conn.Close()
	})

	return initiator, resp.conn
}

func TestConnEncrypted(t *testing.T) {
	t.Parallel()

	cfg := &Config{Net: wire.MainNet}
	initiator, responder := newConnPair(t, cfg, cfg)

	require.True(t, initiator.Encrypted())
	require.True(t, responder.Encrypted())
	require.True(t, initiator.Initiator())
	require.False(t, responder.Initiator())

	initID, ok := initiator.SessionID()
	require.True(t, ok)
	respID, ok := responder.SessionID()
	require.True(t, ok)
	require.Equal(t, initID, respID)

	payload := bytes.Repeat([]byte{0x33}, 100000)

	errChan := make(chan error, 1)
	go func() {
		errChan <- initiator.WriteMessages(
			&Message{Command: "block", Payload: payload},
			&Message{Command: "inv", Payload: []byte{1}},
		)
	}()

	msg, err := responder.ReadMessage()
	require.NoError(t, err)
	require.Equal(t, "block", msg.Command)
	require.Equal(t, payload, msg.Payload)

	msg, err = responder.ReadMessage()
	require.NoError(t, err)
	require.Equal(t, "inv", msg.Command)
	require.NoError(t, <-errChan)

	go func() {
		errChan <- responder.WriteMessage("pong", []byte{2})
	}()

	msg, err = initiator.ReadMessage()
	require.NoError(t, err)
	require.Equal(t, &Message{Command: "pong", Payload: []byte{2}}, msg)
	require.NoError(t, <-errChan)
}

// TestConnStream asserts the net.Conn methods carry the inner message
// stream encoding.
func TestConnStream(t *testing.T) {
	t.Parallel()

	cfg := &Config{Net: wire.MainNet}
	initiator, responder := newConnPair(t, cfg, cfg)

	encoded := encodeMessages(t,
		&Message{Command: "ping", Payload: []byte{1, 2, 3, 4}},
		&Message{Command: "pong", Payload: []byte{4, 3, 2, 1}},
	)

	errChan := make(chan error, 1)
	go func() {
		_, err := initiator.Write(encoded)
		errChan <- err
	}()

	got := make([]byte, len(encoded))
	_, err := io.ReadFull(responder, got)
	require.NoError(t, err)
	require.Equal(t, encoded, got)
	require.NoError(t, <-errChan)

	// A trailing partial message is refused.
	_, err = initiator.Write(encoded[:len(encoded)-1])
	require.ErrorIs(t, err, ErrTruncatedMessage)
}

// TestConnFallback asserts a peer speaking the unencrypted protocol is
// served in plaintext.
func TestConnFallback(t *testing.T) {
	t.Parallel()

	obs := &recordingObserver{}
	legacy := &Config{Net: wire.MainNet, DisableEncryption: true}
	modern := &Config{Net: wire.MainNet, Observer: obs}

	a, b := net.Pipe()
	t.Cleanup(func() {
		a.Close()
		b.Close()
	})

	initiator, err := NewConn(a, legacy, true)
	require.NoError(t, err)
	require.False(t, initiator.Encrypted())

	version := &Message{
		Command: wire.CmdVersion,
		Payload: bytes.Repeat([]byte{0x70}, 90),
	}

	errChan := make(chan error, 1)
	go func() {
		errChan <- initiator.WriteMessages(
			version, &Message{Command: wire.CmdVerAck},
		)
	}()

	responder, err := NewConn(b, modern, false)
	require.NoError(t, err)
	require.False(t, responder.Encrypted())
	require.Equal(t, 1, obs.fallbacks)

	_, ok := responder.SessionID()
	require.False(t, ok)

	msg, err := responder.ReadMessage()
	require.NoError(t, err)
	require.Equal(t, version, msg)

	msg, err = responder.ReadMessage()
	require.NoError(t, err)
	require.Equal(t, wire.CmdVerAck, msg.Command)
	require.NoError(t, <-errChan)

	go func() {
		errChan <- responder.WriteMessage(wire.CmdPing, []byte{1})
	}()

	msg, err = ReadPlaintextMessage(a, wire.MainNet)
	require.NoError(t, err)
	require.Equal(t, wire.CmdPing, msg.Command)
	require.NoError(t, <-errChan)
}

// TestConnHandshakeTimeout asserts a silent peer is dropped once the
// handshake deadline passes.
func TestConnHandshakeTimeout(t *testing.T) {
	t.Parallel()

	a, b := net.Pipe()
	defer a.Close()

	cfg := &Config{
		Net:              wire.MainNet,
		HandshakeTimeout: 50 * time.Millisecond,
	}

	_, err := NewConn(b, cfg, false)
	require.Error(t, err)

	var netErr net.Error
	require.ErrorAs(t, err, &netErr)
	require.True(t, netErr.Timeout())
}

// TestConnTamperedRecord asserts a corrupted record closes the connection.
func TestConnTamperedRecord(t *testing.T) {
	t.Parallel()

	a, b := net.Pipe()
	cfg := &Config{Net: wire.MainNet}

	respChan := make(chan connResult, 1)
	go func() {
		c, err := NewConn(b, cfg, false)
		respChan <- connResult{c, err}
	}()

	// Drive the initiator side by hand so a record can be corrupted.
	session, err := NewSession(&SessionConfig{
		Initiator: true, Net: wire.MainNet,
	})
	require.NoError(t, err)

	blob, err := session.LocalHandshake()
	require.NoError(t, err)
	_, err = a.Write(blob)
	require.NoError(t, err)

	peerBlob := make([]byte, HandshakeSize)
	_, err = io.ReadFull(a, peerBlob)
	require.NoError(t, err)
	_, _, err = session.Receive(peerBlob)
	require.NoError(t, err)

	resp := <-respChan
	require.NoError(t, resp.err)

	record, err := session.SealMessages(&Message{Command: "inv"})
	require.NoError(t, err)
	record[aead.LengthSize] ^= 0xff

	go a.Write(record)

	_, err = resp.conn.ReadMessage()
	require.ErrorIs(t, err, ErrAuthFailed)

	_, err = resp.conn.ReadMessage()
	require.Error(t, err)
}
