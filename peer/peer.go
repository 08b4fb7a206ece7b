package peer

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/btcnode/bip151d/bip151"
	"github.com/btcsuite/btcd/wire"
	"github.com/lightningnetwork/lnd/fn/v2"
	"github.com/lightningnetwork/lnd/ticker"
)

const (
	// DefaultPingInterval is the interval between keepalive pings.
	DefaultPingInterval = 2 * time.Minute

	// DefaultPingTimeout is how long we wait for a pong.
	DefaultPingTimeout = 30 * time.Second

	// DefaultWriteTimeout bounds a single record write.
	DefaultWriteTimeout = 30 * time.Second

	// outgoingQueueLen is the buffer size of the outgoing message queue.
	outgoingQueueLen = 50

	// maxBatchBytes caps the payload bytes batched into one write.
	maxBatchBytes = 1 << 20
)

// ErrPeerExiting is returned when sending to a peer that is disconnecting.
var ErrPeerExiting = errors.New("peer exiting")

// Config holds the parameters of a single peer connection.
type Config struct {
	// Conn is the established connection to the peer.
	Conn MessageConn

	// Inbound is true if the peer connected to us.
	Inbound bool

	// PingInterval is the interval between keepalive pings. Zero selects
	// DefaultPingInterval.
	PingInterval time.Duration

	// PingTimeout is how long a ping may go unanswered. Zero selects
	// DefaultPingTimeout.
	PingTimeout time.Duration

	// WriteTimeout bounds every write. Zero selects DefaultWriteTimeout.
	WriteTimeout time.Duration

	// PingTicker overrides the keepalive ticker, used by tests.
	PingTicker ticker.Ticker

	// MsgRouter receives every message that isn't handled by the peer
	// itself.
	MsgRouter fn.Option[MsgRouter]
}

// outgoingMsg is a batch of messages queued for delivery, with an optional
// channel the write result is reported on.
type outgoingMsg struct {
	msgs    []*bip151.Message
	errChan chan error
}

// Peer owns one connection: a read handler decoding inbound messages, a
// write handler draining the outgoing queue, and the keepalive ping manager.
// The connection's session is only touched by those goroutines.
type Peer struct {
	cfg Config

	disconnect sync.Once

	// lifecycleMtx orders Start against the teardown in
	// WaitForDisconnect.
	lifecycleMtx sync.Mutex
	started      bool
	stopped      bool

	outgoingQueue *fn.ConcurrentQueue[outgoingMsg]
	pingManager   *PingManager
	cg            *fn.GoroutineManager

	connectedAt time.Time

	msgsSent atomic.Uint64
	msgsRecv atomic.Uint64

	errMtx        sync.Mutex
	disconnectErr error

	quit chan struct{}
}

// A compile-time check to ensure Peer implements MessageSender.
var _ MessageSender = (*Peer)(nil)

// NewPeer creates a peer for an established connection. Start must be called
// before it processes messages.
func NewPeer(cfg Config) *Peer {
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = DefaultPingInterval
	}
	if cfg.PingTimeout <= 0 {
		cfg.PingTimeout = DefaultPingTimeout
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = DefaultWriteTimeout
	}
	if cfg.PingTicker == nil {
		cfg.PingTicker = ticker.New(cfg.PingInterval)
	}

	p := &Peer{
		cfg:           cfg,
		outgoingQueue: fn.NewConcurrentQueue[outgoingMsg](outgoingQueueLen),
		cg:            fn.NewGoroutineManager(),
		connectedAt:   time.Now(),
		quit:          make(chan struct{}),
	}

	p.pingManager = NewPingManager(&PingManagerConfig{
		NewNonce:        newNonce,
		Ticker:          cfg.PingTicker,
		TimeoutDuration: cfg.PingTimeout,
		SendPing: func(nonce uint64) {
			ping, err := newPing(nonce)
			if err != nil {
				p.Disconnect(err)
				return
			}

			if err := p.queue(false, ping); err != nil {
				peerLog.Debugf("Peer(%v): unable to queue "+
					"ping: %v", p, err)
			}
		},
		OnPongFailure: func(reason error, waited, lastRTT time.Duration) {
			p.Disconnect(fmt.Errorf("pong failure after %v "+
				"(last rtt %v): %w", waited, lastRTT, reason))
		},
	})

	return p
}

// newNonce returns a random ping nonce.
func newNonce() uint64 {
	var b [8]byte
	if _, err := rand.Read(b[:]); err != nil {
		return uint64(time.Now().UnixNano())
	}

	return binary.LittleEndian.Uint64(b[:])
}

// Start launches the keepalive and the read and write handlers. It fails
// with ErrPeerExiting once the peer has started disconnecting.
func (p *Peer) Start() error {
	p.lifecycleMtx.Lock()
	defer p.lifecycleMtx.Unlock()

	if p.stopped {
		return ErrPeerExiting
	}
	if p.started {
		return nil
	}
	p.started = true

	peerLog.Debugf("Peer(%v): starting, inbound=%v encrypted=%v",
		p, p.cfg.Inbound, p.cfg.Conn.Encrypted())

	p.outgoingQueue.Start()

	// The ping manager goes first so a handler failing straight away
	// finds it fully started when the peer is torn down.
	if err := p.pingManager.Start(); err != nil {
		return err
	}

	ctx := context.Background()
	if !p.cg.Go(ctx, p.readHandler) || !p.cg.Go(ctx, p.writeHandler) {
		return ErrPeerExiting
	}

	return nil
}

// readHandler reads messages until the connection fails. Keepalive messages
// are answered here, everything else is handed to the router.
//
// NOTE: This method MUST be run as a goroutine.
func (p *Peer) readHandler(ctx context.Context) {
	for {
		msg, err := p.cfg.Conn.ReadMessage()
		if err != nil {
			p.Disconnect(fmt.Errorf("read handler: %w", err))
			return
		}
		p.msgsRecv.Add(1)

		peerLog.Tracef("Peer(%v): received %v", p, msg)

		if err := p.handleMessage(msg); err != nil {
			p.Disconnect(err)
			return
		}

		select {
		case <-ctx.Done():
			return
		default:
		}
	}
}

// handleMessage processes one inbound message.
func (p *Peer) handleMessage(msg *bip151.Message) error {
	switch msg.Command {
	case wire.CmdPing:
		nonce, err := decodePing(msg.Payload)
		if err != nil {
			return fmt.Errorf("invalid ping: %w", err)
		}

		pong, err := newPong(nonce)
		if err != nil {
			return err
		}

		return p.queue(false, pong)

	case wire.CmdPong:
		nonce, err := decodePong(msg.Payload)
		if err != nil {
			return fmt.Errorf("invalid pong: %w", err)
		}
		p.pingManager.ReceivedPong(nonce)

		return nil
	}

	p.cfg.MsgRouter.WhenSome(func(router MsgRouter) {
		err := router.RouteMsg(InboundMsg{From: p, Msg: msg})
		if err != nil {
			peerLog.Debugf("Peer(%v): unable to route %v: %v",
				p, msg, err)
		}
	})

	return nil
}

// writeHandler drains the outgoing queue, batching whatever is already
// queued into a single write.
//
// NOTE: This method MUST be run as a goroutine.
func (p *Peer) writeHandler(ctx context.Context) {
	for {
		var first outgoingMsg
		select {
		case first = <-p.outgoingQueue.ChanOut():
		case <-ctx.Done():
			return
		case <-p.quit:
			return
		}

		batch := []outgoingMsg{first}
		size := batchSize(first.msgs)

	drain:
		for size < maxBatchBytes {
			select {
			case next := <-p.outgoingQueue.ChanOut():
				batch = append(batch, next)
				size += batchSize(next.msgs)
			default:
				break drain
			}
		}

		err := p.write(batch)
		for _, out := range batch {
			if out.errChan != nil {
				out.errChan <- err
			}
		}

		if err != nil {
			p.Disconnect(fmt.Errorf("write handler: %w", err))
			return
		}
	}
}

// batchSize returns the payload bytes of msgs.
func batchSize(msgs []*bip151.Message) int {
	var size int
	for _, msg := range msgs {
		size += len(msg.Payload)
	}

	return size
}

// write sends a batch of queued messages.
func (p *Peer) write(batch []outgoingMsg) error {
	var msgs []*bip151.Message
	for _, out := range batch {
		msgs = append(msgs, out.msgs...)
	}

	deadline := time.Now().Add(p.cfg.WriteTimeout)
	if err := p.cfg.Conn.SetWriteDeadline(deadline); err != nil {
		return err
	}

	if err := p.cfg.Conn.WriteMessages(msgs...); err != nil {
		return err
	}
	p.msgsSent.Add(uint64(len(msgs)))

	return nil
}

// queue adds msgs to the outgoing queue, waiting for the write if sync is
// set.
func (p *Peer) queue(sync bool, msgs ...*bip151.Message) error {
	out := outgoingMsg{msgs: msgs}
	if sync {
		out.errChan = make(chan error, 1)
	}

	// ChanIn is buffered, so an exiting peer must be caught before the
	// select below could pick the send.
	select {
	case <-p.quit:
		return ErrPeerExiting
	default:
	}

	select {
	case p.outgoingQueue.ChanIn() <- out:
	case <-p.quit:
		return ErrPeerExiting
	}

	if !sync {
		return nil
	}

	select {
	case err := <-out.errChan:
		return err
	case <-p.quit:
		return ErrPeerExiting
	}
}

// SendMessage queues msgs for delivery to the peer. Messages are checked
// before queueing since a batch that fails to encode takes the connection
// down with it.
//
// NOTE: Part of the MessageSender interface.
func (p *Peer) SendMessage(sync bool, msgs ...*bip151.Message) error {
	for _, msg := range msgs {
		switch {
		case msg.Command == wire.CmdPing || msg.Command == wire.CmdPong:
			return fmt.Errorf("%s is reserved for keepalive",
				msg.Command)

		case len(msg.Command) > wire.CommandSize:
			return fmt.Errorf("%w: %q", bip151.ErrCommandTooLong,
				msg.Command)

		case len(msg.Payload) > bip151.MaxProtocolMessageLength:
			return fmt.Errorf("%w: %s with %d bytes",
				bip151.ErrMessageTooLarge, msg.Command,
				len(msg.Payload))
		}
	}

	return p.queue(sync, msgs...)
}

// Disconnect terminates the connection. It is safe to call more than once
// and from any goroutine, only the first reason is kept.
func (p *Peer) Disconnect(reason error) {
	p.disconnect.Do(func() {
		peerLog.Infof("Disconnecting %v, reason: %v", p, reason)

		p.errMtx.Lock()
		p.disconnectErr = reason
		p.errMtx.Unlock()

		if err := p.cfg.Conn.Close(); err != nil {
			peerLog.Debugf("Peer(%v): error closing conn: %v",
				p, err)
		}

		close(p.quit)
	})
}

// WaitForDisconnect blocks until the peer disconnected and all its
// goroutines exited.
func (p *Peer) WaitForDisconnect() {
	<-p.quit

	p.lifecycleMtx.Lock()
	defer p.lifecycleMtx.Unlock()

	if p.stopped {
		return
	}
	p.stopped = true

	p.pingManager.Stop()
	p.cg.Stop()

	p.outgoingQueue.Stop()
}

// Done returns a channel closed once the peer starts disconnecting.
func (p *Peer) Done() <-chan struct{} {
	return p.quit
}

// DisconnectReason returns the reason passed to Disconnect, if any.
func (p *Peer) DisconnectReason() error {
	p.errMtx.Lock()
	defer p.errMtx.Unlock()

	return p.disconnectErr
}

// RemoteAddr returns the network address of the peer.
//
// NOTE: Part of the MessageSender interface.
func (p *Peer) RemoteAddr() net.Addr {
	return p.cfg.Conn.RemoteAddr()
}

// Inbound reports whether the peer connected to us.
func (p *Peer) Inbound() bool {
	return p.cfg.Inbound
}

// Encrypted reports whether the connection is encrypted.
func (p *Peer) Encrypted() bool {
	return p.cfg.Conn.Encrypted()
}

// SessionID returns the session id of an encrypted connection.
func (p *Peer) SessionID() ([bip151.SessionIDSize]byte, bool) {
	return p.cfg.Conn.SessionID()
}

// PingTime returns the last measured round trip time in microseconds, or -1
// if no pong was received yet.
func (p *Peer) PingTime() int64 {
	return p.pingManager.GetPingTimeMicroSeconds()
}

// Stats returns the number of messages sent and received.
func (p *Peer) Stats() (sent, received uint64) {
	return p.msgsSent.Load(), p.msgsRecv.Load()
}

// ConnectedAt returns when the peer was created.
func (p *Peer) ConnectedAt() time.Time {
	return p.connectedAt
}

// String returns the peer's remote address.
func (p *Peer) String() string {
	return p.cfg.Conn.RemoteAddr().String()
}
