package peer

import (
	"errors"
	"maps"
	"sync"

	"github.com/btcnode/bip151d/bip151"
	"github.com/lightningnetwork/lnd/fn/v2"
)

var (
	// ErrDuplicateEndpoint is returned when an endpoint name is already
	// taken.
	ErrDuplicateEndpoint = errors.New("endpoint already registered")

	// ErrUnableToRouteMsg is returned when no endpoint accepted a message.
	ErrUnableToRouteMsg = errors.New("unable to route message")

	// ErrRouterShuttingDown is returned for calls made after Stop.
	ErrRouterShuttingDown = errors.New("router shutting down")
)

// EndPointName identifies an endpoint. Names are unique per router.
type EndPointName = string

// InboundMsg is a decrypted message together with the peer it came from.
type InboundMsg struct {
	// From is the peer that sent the message. Endpoints may use it to
	// reply.
	From MessageSender

	// Msg is the message itself.
	Msg *bip151.Message
}

// MsgEndpoint consumes inbound messages on behalf of some subsystem.
type MsgEndpoint interface {
	// Name returns the endpoint's unique name.
	Name() EndPointName

	// CanHandle reports whether msg should be delivered here.
	CanHandle(msg InboundMsg) bool

	// SendMessage delivers msg and reports whether it was accepted. It
	// must not block, since it runs on the router goroutine.
	SendMessage(msg InboundMsg) bool
}

// MsgRouter fans inbound messages out to registered endpoints. The peer read
// loop hands every non-control message to one.
type MsgRouter interface {
	// RegisterEndpoint adds an endpoint, failing with
	// ErrDuplicateEndpoint if the name is taken.
	RegisterEndpoint(MsgEndpoint) error

	// UnregisterEndpoint removes the named endpoint if present.
	UnregisterEndpoint(EndPointName) error

	// RouteMsg delivers msg to every endpoint that can handle it. It
	// returns ErrUnableToRouteMsg if none accepted it.
	RouteMsg(InboundMsg) error

	// Start launches the router goroutine.
	Start()

	// Stop terminates the router goroutine. Later calls fail with
	// ErrRouterShuttingDown.
	Stop()
}

// EndpointsMap maps endpoint names to endpoints.
type EndpointsMap map[EndPointName]MsgEndpoint

// routerReq is an operation executed on the router goroutine, which owns the
// endpoint set.
type routerReq struct {
	op   func(EndpointsMap) error
	resp chan error
}

// MultiMsgRouter is a MsgRouter that may deliver a single message to several
// endpoints. All state lives on one goroutine and is reached through reqs.
type MultiMsgRouter struct {
	startOnce sync.Once
	stopOnce  sync.Once

	reqs chan routerReq

	wg   sync.WaitGroup
	quit chan struct{}
}

var _ MsgRouter = (*MultiMsgRouter)(nil)

// NewMultiMsgRouter returns a router that must be started before use.
func NewMultiMsgRouter() *MultiMsgRouter {
	return &MultiMsgRouter{
		reqs: make(chan routerReq),
		quit: make(chan struct{}),
	}
}

// Start launches the router goroutine.
func (p *MultiMsgRouter) Start() {
	p.startOnce.Do(func() {
		peerLog.Infof("Starting MsgRouter")

		p.wg.Add(1)
		go p.run()
	})
}

// Stop terminates the router goroutine and waits for it to exit.
func (p *MultiMsgRouter) Stop() {
	p.stopOnce.Do(func() {
		peerLog.Infof("Stopping MsgRouter")

		close(p.quit)
		p.wg.Wait()
	})
}

// do runs op on the router goroutine and returns its result.
func (p *MultiMsgRouter) do(op func(EndpointsMap) error) error {
	req := routerReq{op: op, resp: make(chan error, 1)}
	if !fn.SendOrQuit(p.reqs, req, p.quit) {
		return ErrRouterShuttingDown
	}

	select {
	case err := <-req.resp:
		return err
	case <-p.quit:
		return ErrRouterShuttingDown
	}
}

// RegisterEndpoint adds endpoint to the router.
func (p *MultiMsgRouter) RegisterEndpoint(endpoint MsgEndpoint) error {
	name := endpoint.Name()

	return p.do(func(endpoints EndpointsMap) error {
		if _, ok := endpoints[name]; ok {
			peerLog.Errorf("MsgRouter: rejecting duplicate "+
				"endpoint %s", name)

			return ErrDuplicateEndpoint
		}

		peerLog.Infof("MsgRouter: registered endpoint %s", name)
		endpoints[name] = endpoint

		return nil
	})
}

// UnregisterEndpoint removes the named endpoint.
func (p *MultiMsgRouter) UnregisterEndpoint(name EndPointName) error {
	return p.do(func(endpoints EndpointsMap) error {
		peerLog.Infof("MsgRouter: unregistered endpoint %s", name)
		delete(endpoints, name)

		return nil
	})
}

// RouteMsg delivers msg to every endpoint whose CanHandle returns true.
func (p *MultiMsgRouter) RouteMsg(msg InboundMsg) error {
	return p.do(func(endpoints EndpointsMap) error {
		var delivered bool
		for name, endpoint := range endpoints {
			if !endpoint.CanHandle(msg) {
				continue
			}

			peerLog.Tracef("MsgRouter: %v -> %s", msg.Msg, name)

			if endpoint.SendMessage(msg) {
				delivered = true
			}
		}

		if !delivered {
			peerLog.Tracef("MsgRouter: no endpoint for %v",
				msg.Msg)

			return ErrUnableToRouteMsg
		}

		return nil
	})
}

// Endpoints returns a snapshot of the registered endpoints, or nil once the
// router has stopped.
func (p *MultiMsgRouter) Endpoints() EndpointsMap {
	var snapshot EndpointsMap
	err := p.do(func(endpoints EndpointsMap) error {
		snapshot = maps.Clone(endpoints)
		return nil
	})
	if err != nil {
		return nil
	}

	return snapshot
}

// run owns the endpoint set and serves requests until quit closes.
func (p *MultiMsgRouter) run() {
	defer p.wg.Done()

	endpoints := make(EndpointsMap)
	for {
		select {
		case req := <-p.reqs:
			req.resp <- req.op(endpoints)

		case <-p.quit:
			return
		}
	}
}
