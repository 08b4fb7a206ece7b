package bip151

import (
	"errors"

	"github.com/btcnode/bip151d/aead"
)

// FailureReason classifies why a session was terminated.
type FailureReason string

const (
	// FailureMalformed covers bad length fields, truncated or
	// inconsistent framing and protocol misuse.
	FailureMalformed FailureReason = "malformed"

	// FailureAuth covers records whose tag did not verify.
	FailureAuth FailureReason = "auth"

	// FailureLimit covers declared sizes above a protocol ceiling.
	FailureLimit FailureReason = "limit"

	// FailureKey covers invalid handshake key material.
	FailureKey FailureReason = "key"
)

// ClassifyError maps a session error to its FailureReason.
func ClassifyError(err error) FailureReason {
	switch {
	case errors.Is(err, ErrAuthFailed),
		errors.Is(err, ErrEnginePoisoned),
		errors.Is(err, aead.ErrAuthFailed):

		return FailureAuth

	case errors.Is(err, ErrEnvelopeTooLarge),
		errors.Is(err, ErrMessageTooLarge),
		errors.Is(err, ErrRecordTooLarge):

		return FailureLimit

	case errors.Is(err, ErrInvalidPeerKey),
		errors.Is(err, ErrInvalidHandshakeSize),
		errors.Is(err, ErrKeyGeneration),
		errors.Is(err, ErrNoEphemeralKey):

		return FailureKey

	default:
		return FailureMalformed
	}
}

// Observer receives transport events, typically to export metrics. All
// methods must be cheap and safe for concurrent use across sessions.
type Observer interface {
	// HandshakeCompleted is called once a session derived its keys.
	HandshakeCompleted(initiator bool)

	// PlaintextFallback is called when the peer turned out to speak the
	// unencrypted protocol.
	PlaintextFallback()

	// RecordSent is called for every sealed record with its wire size.
	RecordSent(size int)

	// RecordReceived is called for every authenticated record with its
	// wire size.
	RecordReceived(size int)

	// MessageReceived is called for every inner message dispatched.
	MessageReceived(cmd string)

	// SessionFailed is called once when a session is terminated by an
	// error.
	SessionFailed(reason FailureReason)
}

// NoopObserver ignores all events.
type NoopObserver struct{}

// A compile-time check to ensure NoopObserver implements Observer.
var _ Observer = NoopObserver{}

func (NoopObserver) HandshakeCompleted(bool)     {}
func (NoopObserver) PlaintextFallback()          {}
func (NoopObserver) RecordSent(int)              {}
func (NoopObserver) RecordReceived(int)          {}
func (NoopObserver) MessageReceived(string)      {}
func (NoopObserver) SessionFailed(FailureReason) {}
