package monitoring

import (
	"github.com/btcnode/bip151d/bip151"
	"github.com/btcsuite/btcd/wire"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	// namespace prefixes every exported metric.
	namespace = "bip151d"

	// otherCommand labels inner messages with a command outside of the
	// known set. Commands are chosen by the remote peer, so they are
	// never used as label values directly.
	otherCommand = "other"
)

// knownCommands is the set of commands exported with their own label value.
var knownCommands = map[string]struct{}{
	wire.CmdVersion:      {},
	wire.CmdVerAck:       {},
	wire.CmdGetAddr:      {},
	wire.CmdAddr:         {},
	wire.CmdAddrV2:       {},
	wire.CmdGetBlocks:    {},
	wire.CmdInv:          {},
	wire.CmdGetData:      {},
	wire.CmdNotFound:     {},
	wire.CmdBlock:        {},
	wire.CmdTx:           {},
	wire.CmdGetHeaders:   {},
	wire.CmdHeaders:      {},
	wire.CmdPing:         {},
	wire.CmdPong:         {},
	wire.CmdMemPool:      {},
	wire.CmdFeeFilter:    {},
	wire.CmdSendHeaders:  {},
	wire.CmdSendAddrV2:   {},
	"wtxidrelay":         {},
	wire.CmdReject:       {},
	wire.CmdMerkleBlock:  {},
	wire.CmdFilterLoad:   {},
	wire.CmdFilterAdd:    {},
	wire.CmdFilterClear:  {},
	wire.CmdGetCFilters:  {},
	wire.CmdGetCFHeaders: {},
	wire.CmdGetCFCheckpt: {},
	wire.CmdCFilter:      {},
	wire.CmdCFHeaders:    {},
	wire.CmdCFCheckpt:    {},
}

// commandLabel maps a peer supplied command to a bounded label value.
func commandLabel(cmd string) string {
	if _, ok := knownCommands[cmd]; ok {
		return cmd
	}

	return otherCommand
}

// roleLabel returns the handshake role label value.
func roleLabel(initiator bool) string {
	if initiator {
		return "initiator"
	}

	return "responder"
}

// PromObserver exports transport events as Prometheus metrics.
type PromObserver struct {
	handshakes    *prometheus.CounterVec
	fallbacks     prometheus.Counter
	records       *prometheus.CounterVec
	recordBytes   *prometheus.CounterVec
	recordSize    prometheus.Histogram
	messages      *prometheus.CounterVec
	sessionFailed *prometheus.CounterVec
}

// A compile-time check to ensure PromObserver implements bip151.Observer.
var _ bip151.Observer = (*PromObserver)(nil)

// NewPromObserver creates the transport metrics and registers them with reg.
func NewPromObserver(reg prometheus.Registerer) *PromObserver {
	factory := promauto.With(reg)

	return &PromObserver{
		handshakes: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "handshakes_total",
			Help:      "Completed encryption handshakes by role",
		}, []string{"role"}),
		fallbacks: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "plaintext_fallbacks_total",
			Help:      "Connections that fell back to the unencrypted protocol",
		}),
		records: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "records_total",
			Help:      "Encrypted records by direction",
		}, []string{"direction"}),
		recordBytes: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "record_bytes_total",
			Help:      "Encrypted record bytes on the wire by direction",
		}, []string{"direction"}),
		recordSize: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "received_record_size_bytes",
			Help:      "Size of authenticated records received",
			Buckets:   prometheus.ExponentialBuckets(64, 4, 10),
		}),
		messages: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_received_total",
			Help:      "Inner messages received by command",
		}, []string{"command"}),
		sessionFailed: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "session_failures_total",
			Help:      "Sessions terminated by an error, by reason",
		}, []string{"reason"}),
	}
}

// HandshakeCompleted is called once a session derived its keys.
func (p *PromObserver) HandshakeCompleted(initiator bool) {
	p.handshakes.WithLabelValues(roleLabel(initiator)).Inc()
}

// PlaintextFallback is called when the peer speaks the unencrypted protocol.
func (p *PromObserver) PlaintextFallback() {
	p.fallbacks.Inc()
}

// RecordSent is called for every sealed record.
func (p *PromObserver) RecordSent(size int) {
	p.records.WithLabelValues("sent").Inc()
	p.recordBytes.WithLabelValues("sent").Add(float64(size))
}

// RecordReceived is called for every authenticated record.
func (p *PromObserver) RecordReceived(size int) {
	p.records.WithLabelValues("received").Inc()
	p.recordBytes.WithLabelValues("received").Add(float64(size))
	p.recordSize.Observe(float64(size))
}

// MessageReceived is called for every inner message dispatched.
func (p *PromObserver) MessageReceived(cmd string) {
	p.messages.WithLabelValues(commandLabel(cmd)).Inc()
}

// SessionFailed is called once when a session is terminated by an error.
func (p *PromObserver) SessionFailed(reason bip151.FailureReason) {
	p.sessionFailed.WithLabelValues(string(reason)).Inc()
}
