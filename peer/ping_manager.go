package peer

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/lightningnetwork/lnd/fn/v2"
	"github.com/lightningnetwork/lnd/ticker"
)

var (
	// ErrPingTimeout is reported when no pong arrived within the timeout.
	ErrPingTimeout = errors.New("timeout while waiting for pong response")

	// ErrPingOverlap is reported when a new ping interval starts while
	// the previous ping is still unanswered.
	ErrPingOverlap = errors.New("ping timed out by next interval")

	// ErrPongMismatch is reported when a pong doesn't echo the nonce of
	// the outstanding ping.
	ErrPongMismatch = errors.New("pong nonce does not match ping")
)

// PingManagerConfig is a structure containing various parameters that govern
// how the PingManager behaves.
type PingManagerConfig struct {
	// NewNonce returns the nonce to carry in the next ping. The peer must
	// echo it back in its pong.
	NewNonce func() uint64

	// Ticker fires on every ping interval.
	Ticker ticker.Ticker

	// TimeoutDuration is the Duration we wait before declaring a ping
	// attempt failed.
	TimeoutDuration time.Duration

	// SendPing is a closure that is responsible for sending the ping
	// message out to our peer.
	SendPing func(nonce uint64)

	// OnPongFailure is a closure that is responsible for executing the
	// logic when a pong is either late or does not match our
	// expectations.
	OnPongFailure func(failureReason error, timeWaitedForPong time.Duration,
		lastKnownRTT time.Duration)
}

// PingManager manages the ping/pong lifecycle with the remote peer. We assume
// there is only one ping outstanding at once.
//
// NOTE: This structure MUST be initialized with NewPingManager.
type PingManager struct {
	cfg *PingManagerConfig

	// pingTime is a rough estimate of the RTT (round-trip-time) between us
	// and the connected peer.
	pingTime atomic.Pointer[time.Duration]

	// pingLastSend is the time when we sent our last ping message.
	pingLastSend *time.Time

	// outstandingNonce is the nonce of the ping awaiting a pong, if any.
	outstandingNonce fn.Option[uint64]

	// pingTimeout is a Timer that will fire when we want to time out a
	// ping.
	pingTimeout *time.Timer

	// pongChan is the channel on which the pingManager will receive the
	// nonces of pong messages it is evaluating.
	pongChan chan uint64

	// mu serializes Start and Stop, which may run on different
	// goroutines when a peer fails while it is still starting.
	mu      sync.Mutex
	started bool
	stopped bool

	quit chan struct{}
	wg   sync.WaitGroup
}

// NewPingManager constructs a pingManager in a valid state. It must be started
// before it does anything useful, though.
func NewPingManager(cfg *PingManagerConfig) *PingManager {
	return &PingManager{
		cfg:              cfg,
		outstandingNonce: fn.None[uint64](),
		pongChan:         make(chan uint64, 1),
		quit:             make(chan struct{}),
	}
}

// Start launches the primary goroutine that is owned by the pingManager.
// Once Stop has been called, Start is a no-op.
func (m *PingManager) Start() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.started || m.stopped {
		return nil
	}
	m.started = true

	m.pingTimeout = time.NewTimer(0)
	m.cfg.Ticker.Resume()

	m.wg.Add(1)
	go m.pingHandler()

	return nil
}

// getLastRTT safely retrieves the last known RTT, returning 0 if none exists.
func (m *PingManager) getLastRTT() time.Duration {
	rttPtr := m.pingTime.Load()
	if rttPtr == nil {
		return 0
	}

	return *rttPtr
}

// pendingPingWait calculates the time waited since the last ping was sent.
func (m *PingManager) pendingPingWait() fn.Option[time.Duration] {
	if m.pingLastSend != nil {
		return fn.Some(time.Since(*m.pingLastSend))
	}

	return fn.None[time.Duration]()
}

// pingHandler is the main goroutine responsible for enforcing the ping/pong
// protocol.
func (m *PingManager) pingHandler() {
	defer m.wg.Done()
	defer m.pingTimeout.Stop()

	// Ensure that the pingTimeout channel is empty.
	if !m.pingTimeout.Stop() {
		<-m.pingTimeout.C
	}

	// Because we don't know if the OnPongFailure callback actually
	// disconnects a peer, we should never return from this loop unless
	// the ping manager is stopped explicitly.
	for {
		select {
		case <-m.cfg.Ticker.Ticks():
			// A new ping cycle begun while a ping is still
			// awaiting its pong, which implies a timeout.
			if m.outstandingNonce.IsSome() {
				timeWaited := m.pendingPingWait().UnwrapOr(0)

				m.cfg.OnPongFailure(
					ErrPingOverlap, timeWaited,
					m.getLastRTT(),
				)

				m.resetPingState()
			}

			nonce := m.cfg.NewNonce()
			if err := m.setPingState(nonce); err != nil {
				m.cfg.OnPongFailure(err, 0, 0)
				m.resetPingState()

				continue
			}

			m.cfg.SendPing(nonce)

		case <-m.pingTimeout.C:
			timeWaited := m.pendingPingWait().UnwrapOr(
				m.cfg.TimeoutDuration,
			)

			m.cfg.OnPongFailure(
				ErrPingTimeout, timeWaited, m.getLastRTT(),
			)

			m.resetPingState()

		case nonce := <-m.pongChan:
			// Save off values we are about to override when we call
			// resetPingState.
			expected := m.outstandingNonce
			lastPingTime := m.pingLastSend

			// This is an unsolicited pong, we'll continue.
			if lastPingTime == nil || expected.IsNone() {
				continue
			}

			actualRTT := time.Since(*lastPingTime)

			if expected.UnwrapOr(0) != nonce {
				err := fmt.Errorf("%w: expected %d, got %d",
					ErrPongMismatch, expected.UnwrapOr(0),
					nonce)

				m.cfg.OnPongFailure(
					err, actualRTT, m.getLastRTT(),
				)
				m.resetPingState()

				continue
			}

			// Pong is good, update RTT and reset state.
			m.pingTime.Store(&actualRTT)
			m.resetPingState()

		case <-m.quit:
			return
		}
	}
}

// Stop interrupts the goroutines that the PingManager owns.
// It may be called before Start, or concurrently with it.
func (m *PingManager) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.stopped {
		return
	}
	m.stopped = true
	close(m.quit)

	if !m.started {
		return
	}

	m.wg.Wait()
	m.cfg.Ticker.Stop()
	m.pingTimeout.Stop()
}

// setPingState keeps track of all of the fields we need to set when we send
// out a ping.
func (m *PingManager) setPingState(nonce uint64) error {
	t := time.Now()
	m.pingLastSend = &t
	m.outstandingNonce = fn.Some(nonce)
	if m.pingTimeout.Reset(m.cfg.TimeoutDuration) {
		return errors.New("impossible: ping timeout reset when " +
			"already active")
	}

	return nil
}

// resetPingState resets all of the bookkeeping that is tracking a currently
// outstanding ping.
func (m *PingManager) resetPingState() {
	m.pingLastSend = nil
	m.outstandingNonce = fn.None[uint64]()

	if !m.pingTimeout.Stop() {
		select {
		case <-m.pingTimeout.C:
		default:
		}
	}
}

// GetPingTimeMicroSeconds reports back the RTT calculated by the pingManager.
func (m *PingManager) GetPingTimeMicroSeconds() int64 {
	rtt := m.pingTime.Load()
	if rtt == nil {
		return -1
	}

	return rtt.Microseconds()
}

// ReceivedPong is called to evaluate the nonce of a pong against the
// outstanding ping. It will cause the PingManager to invoke the supplied
// OnPongFailure function if the nonce violates expectations.
func (m *PingManager) ReceivedPong(nonce uint64) {
	select {
	case m.pongChan <- nonce:
	case <-m.quit:
	}
}
