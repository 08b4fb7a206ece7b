package bip151

import (
	"net"
	"testing"
	"time"

	"github.com/btcsuite/btcd/wire"
	"github.com/stretchr/testify/require"
)

type maybeNetConn struct {
	conn net.Conn
	err  error
}

func makeListener(t *testing.T, cfg *Config) *Listener {
	t.Helper()

	// Having a port of ":0" means a random port, and interface will be
	// chosen for our listener.
	listener, err := NewListener(cfg, "localhost:0")
	require.NoError(t, err, "unable to create listener")
	t.Cleanup(func() {
		listener.Close()
	})

	return listener
}

func TestListenerAcceptsEncrypted(t *testing.T) {
	t.Parallel()

	cfg := &Config{Net: wire.MainNet}
	listener := makeListener(t, cfg)

	remoteConnChan := make(chan maybeNetConn, 1)
	go func() {
		remoteConn, err := Dial(
			cfg, listener.Addr().String(), time.Second,
			net.DialTimeout,
		)
		remoteConnChan <- maybeNetConn{remoteConn, err}
	}()

	local, err := listener.Accept()
	require.NoError(t, err)
	defer local.Close()

	remote := <-remoteConnChan
	require.NoError(t, remote.err)
	defer remote.conn.Close()

	localConn := local.(*Conn)
	remoteConn := remote.conn.(*Conn)
	require.True(t, localConn.Encrypted())
	require.True(t, remoteConn.Encrypted())

	go func() {
		_ = remoteConn.WriteMessage("getaddr", nil)
	}()

	msg, err := localConn.ReadMessage()
	require.NoError(t, err)
	require.Equal(t, "getaddr", msg.Command)
	require.Empty(t, msg.Payload)
}

// TestConcurrentHandshakes verifies the listener isn't blocked by pending
// handshakes. A handful of tcp connections are opened that never send a
// byte, the test passes if a real dialer still connects.
func TestConcurrentHandshakes(t *testing.T) {
	t.Parallel()

	cfg := &Config{Net: wire.MainNet}
	listener := makeListener(t, cfg)

	const nblocking = 5

	connChan := make(chan maybeNetConn)
	for i := 0; i < nblocking; i++ {
		go func() {
			conn, err := net.Dial("tcp", listener.Addr().String())
			connChan <- maybeNetConn{conn, err}
		}()
	}

	for i := 0; i < nblocking; i++ {
		result := <-connChan
		require.NoError(t, result.err, "unable to tcp dial listener")
		defer result.conn.Close()
	}

	go func() {
		remoteConn, err := Dial(
			cfg, listener.Addr().String(), time.Second,
			net.DialTimeout,
		)
		connChan <- maybeNetConn{remoteConn, err}
	}()

	// This connection should be accepted without error, as the handshake
	// should bypass the stalled tcp connections.
	conn, err := listener.Accept()
	require.NoError(t, err, "unable to accept dial")
	defer conn.Close()

	result := <-connChan
	require.NoError(t, result.err)
	result.conn.Close()
}

// TestListenerDropsFailedHandshake asserts a peer sending an invalid key is
// never handed out by Accept.
func TestListenerDropsFailedHandshake(t *testing.T) {
	t.Parallel()

	cfg := &Config{Net: wire.MainNet}
	listener := makeListener(t, cfg)

	bad, err := net.Dial("tcp", listener.Addr().String())
	require.NoError(t, err)
	defer bad.Close()

	_, err = bad.Write(invalidPoint(t))
	require.NoError(t, err)

	// The listener closes the connection after the failed handshake.
	require.NoError(t, bad.SetReadDeadline(time.Now().Add(5*time.Second)))
	_, err = bad.Read(make([]byte, 1))
	require.Error(t, err)

	accepted := make(chan net.Conn, 1)
	go func() {
		conn, err := listener.Accept()
		if err == nil {
			accepted <- conn
		}
	}()

	select {
	case conn := <-accepted:
		conn.Close()
		t.Fatalf("failed handshake was accepted")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestListenerClose(t *testing.T) {
	t.Parallel()

	listener := makeListener(t, &Config{Net: wire.MainNet})
	require.NoError(t, listener.Close())

	_, err := listener.Accept()
	require.ErrorIs(t, err, ErrListenerClosed)
}
