package bip151d

import (
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/btcnode/bip151d/bip151"
	"github.com/btcnode/bip151d/peer"
	"github.com/btcsuite/btcd/connmgr"
	"github.com/btcsuite/btclog"
	"github.com/davecgh/go-spew/spew"
	"github.com/lightningnetwork/lnd/fn/v2"
	"golang.org/x/time/rate"
)

var (
	// ErrServerShuttingDown indicates that the server is in the process of
	// gracefully exiting.
	ErrServerShuttingDown = errors.New("server is shutting down")

	// errInboundLimit is the reason an inbound connection is dropped when
	// all inbound slots are taken.
	errInboundLimit = errors.New("inbound peer limit reached")
)

// traceEndpoint logs every routed message while the server logger is at the
// trace level.
type traceEndpoint struct{}

// A compile-time check to ensure traceEndpoint implements peer.MsgEndpoint.
var _ peer.MsgEndpoint = (*traceEndpoint)(nil)

func (t *traceEndpoint) Name() peer.EndPointName {
	return "trace"
}

func (t *traceEndpoint) CanHandle(peer.InboundMsg) bool {
	return srvrLog.Level() == btclog.LevelTrace
}

func (t *traceEndpoint) SendMessage(msg peer.InboundMsg) bool {
	srvrLog.Tracef("Received %v from %v: %v", msg.Msg.Command,
		msg.From.RemoteAddr(), newLogClosure(func() string {
			return spew.Sdump(msg.Msg)
		}))

	return true
}

// server is the main server of the daemon. It owns the peer listeners, the
// persistent outbound connections and every active peer.
type server struct {
	started  int32 // To be used atomically.
	shutdown int32 // To be used atomically.

	cfg *Config

	transportCfg *bip151.Config

	connMgr *connmgr.ConnManager

	listeners []net.Listener

	inboundLimiter *rate.Limiter

	msgRouter *peer.MultiMsgRouter

	mu          sync.RWMutex
	peers       map[string]*peer.Peer
	inboundNums int

	quit chan struct{}
	wg   sync.WaitGroup
}

// newServer creates a new instance of the server which is to listen using
// the configured listeners. observer receives the transport events of every
// connection and may be nil.
func newServer(cfg *Config, observer bip151.Observer) (*server, error) {
	transportCfg := cfg.transportConfig()
	transportCfg.Observer = observer

	s := &server{
		cfg:          cfg,
		transportCfg: transportCfg,
		inboundLimiter: rate.NewLimiter(
			rate.Limit(cfg.InboundRate), cfg.InboundBurst,
		),
		msgRouter: peer.NewMultiMsgRouter(),
		peers:     make(map[string]*peer.Peer),
		quit:      make(chan struct{}),
	}

	for _, addr := range cfg.Listeners {
		listener, err := bip151.NewListener(transportCfg, addr.String())
		if err != nil {
			s.closeListeners()
			return nil, fmt.Errorf("unable to listen on %v: %w",
				addr, err)
		}

		s.listeners = append(s.listeners, listener)
	}

	cmgr, err := connmgr.New(&connmgr.Config{
		Listeners:      s.listeners,
		OnAccept:       s.InboundPeerConnected,
		RetryDuration:  defaultRetryDuration,
		TargetOutbound: 100,
		Dial:           s.dial,
		OnConnection:   s.OutboundPeerConnected,
	})
	if err != nil {
		s.closeListeners()
		return nil, err
	}
	s.connMgr = cmgr

	return s, nil
}

// closeListeners closes every listener opened so far.
func (s *server) closeListeners() {
	for _, listener := range s.listeners {
		listener.Close()
	}
}

// dial opens an outbound connection and runs the encryption handshake.
func (s *server) dial(addr net.Addr) (net.Conn, error) {
	return bip151.Dial(
		s.transportCfg, addr.String(), defaultDialTimeout,
		net.DialTimeout,
	)
}

// Start starts the main daemon server, all requested listeners, and any
// helper goroutines.
func (s *server) Start() error {
	if !atomic.CompareAndSwapInt32(&s.started, 0, 1) {
		return nil
	}

	s.msgRouter.Start()
	if err := s.msgRouter.RegisterEndpoint(&traceEndpoint{}); err != nil {
		return err
	}

	s.connMgr.Start()

	for _, addr := range s.cfg.ConnectPeers {
		srvrLog.Infof("Establishing persistent connection to %v", addr)

		go s.connMgr.Connect(&connmgr.ConnReq{
			Addr:      addr,
			Permanent: true,
		})
	}

	for _, listener := range s.listeners {
		srvrLog.Infof("Listening for peers on %v", listener.Addr())
	}

	return nil
}

// Stop gracefully shuts down the main daemon server. This function will
// signal any active goroutines, or helper objects to exit, then blocks until
// they've all successfully exited.
func (s *server) Stop() error {
	if !atomic.CompareAndSwapInt32(&s.shutdown, 0, 1) {
		return nil
	}

	close(s.quit)

	// Stopping the connection manager closes the listeners.
	s.connMgr.Stop()

	for _, p := range s.Peers() {
		p.Disconnect(ErrServerShuttingDown)
	}

	s.wg.Wait()
	s.connMgr.Wait()
	s.msgRouter.Stop()

	return nil
}

// Stopped returns true if the server has been instructed to shutdown.
func (s *server) Stopped() bool {
	return atomic.LoadInt32(&s.shutdown) != 0
}

// ListenAddrs returns the addresses the server accepts peers on.
func (s *server) ListenAddrs() []net.Addr {
	addrs := make([]net.Addr, 0, len(s.listeners))
	for _, listener := range s.listeners {
		addrs = append(addrs, listener.Addr())
	}

	return addrs
}

// Peers returns a slice of all active peers.
func (s *server) Peers() []*peer.Peer {
	s.mu.RLock()
	defer s.mu.RUnlock()

	peers := make([]*peer.Peer, 0, len(s.peers))
	for _, p := range s.peers {
		peers = append(peers, p)
	}

	return peers
}

// InboundPeerConnected initializes a new peer in response to a new inbound
// connection. The listener already completed the handshake.
//
// NOTE: This function is safe for concurrent access.
func (s *server) InboundPeerConnected(conn net.Conn) {
	// Exit early if we have already been instructed to shutdown, this
	// prevents any delayed callbacks from accidentally registering peers.
	if s.Stopped() {
		conn.Close()
		return
	}

	if !s.inboundLimiter.Allow() {
		srvrLog.Debugf("Dropping inbound connection from %v: rate "+
			"limited", conn.RemoteAddr())
		conn.Close()

		return
	}

	c, ok := conn.(*bip151.Conn)
	if !ok {
		srvrLog.Errorf("Unexpected connection type %T", conn)
		conn.Close()

		return
	}

	s.mu.Lock()
	if s.inboundNums >= s.cfg.MaxInbound {
		s.mu.Unlock()

		srvrLog.Debugf("Dropping inbound connection from %v: %v",
			conn.RemoteAddr(), errInboundLimit)
		conn.Close()

		return
	}
	s.inboundNums++
	s.mu.Unlock()

	srvrLog.Infof("New inbound connection from %v, encrypted=%v",
		conn.RemoteAddr(), c.Encrypted())

	s.peerConnected(c, nil, true)
}

// OutboundPeerConnected initializes a new peer in response to a new outbound
// connection.
//
// NOTE: This function is safe for concurrent access.
func (s *server) OutboundPeerConnected(connReq *connmgr.ConnReq,
	conn net.Conn) {

	if s.Stopped() {
		conn.Close()
		return
	}

	c, ok := conn.(*bip151.Conn)
	if !ok {
		srvrLog.Errorf("Unexpected connection type %T", conn)
		conn.Close()

		return
	}

	srvrLog.Infof("Established connection to %v, encrypted=%v",
		conn.RemoteAddr(), c.Encrypted())

	s.peerConnected(c, connReq, false)
}

// peerConnected is a function that handles initialization a newly connected
// peer by adding it to the server's global list of all active peers, and
// starting all the goroutines the peer needs to function properly.
func (s *server) peerConnected(conn *bip151.Conn, connReq *connmgr.ConnReq,
	inbound bool) {

	p := peer.NewPeer(peer.Config{
		Conn:         conn,
		Inbound:      inbound,
		PingInterval: s.cfg.PingInterval,
		PingTimeout:  s.cfg.PingTimeout,
		MsgRouter:    fn.Some[peer.MsgRouter](s.msgRouter),
	})

	key := conn.RemoteAddr().String()

	s.mu.Lock()
	s.peers[key] = p
	s.mu.Unlock()

	if err := p.Start(); err != nil {
		p.Disconnect(fmt.Errorf("unable to start peer: %w", err))
	}

	s.wg.Add(1)
	go s.peerTerminationWatcher(p, key, connReq)
}

// peerTerminationWatcher waits until a peer has been disconnected, and then
// cleans up all resources allocated to the peer. Persistent outbound
// connections are handed back to the connection manager to be retried.
//
// NOTE: This MUST be launched as a goroutine.
func (s *server) peerTerminationWatcher(p *peer.Peer, key string,
	connReq *connmgr.ConnReq) {

	defer s.wg.Done()

	p.WaitForDisconnect()

	sent, received := p.Stats()
	srvrLog.Debugf("Peer %v has been disconnected after %v (sent=%d "+
		"received=%d): %v", p, time.Since(p.ConnectedAt()), sent,
		received, p.DisconnectReason())

	s.mu.Lock()
	delete(s.peers, key)
	if p.Inbound() {
		s.inboundNums--
	}
	s.mu.Unlock()

	if connReq == nil || s.Stopped() {
		return
	}

	// Disconnecting a permanent request makes the connection manager
	// retry it after its backoff.
	if connReq.Permanent {
		s.connMgr.Disconnect(connReq.ID())
		return
	}

	s.connMgr.Remove(connReq.ID())
}
