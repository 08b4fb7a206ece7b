package bip151

import (
	"bytes"
	"errors"
	"fmt"

	"github.com/btcsuite/btcd/wire"
)

// State is the connection-level state of a Session.
type State uint8

const (
	// StatePlaintext is the initial state: nothing has been received
	// from the peer yet, or not enough to tell what it speaks.
	StatePlaintext State = iota

	// StateHandshake means the peer sent a handshake blob but keys have
	// not been derived yet because our own blob is still unsent.
	StateHandshake

	// StateEncrypted means keys are derived and all further traffic is
	// carried in encrypted records.
	StateEncrypted

	// StateFallback means the peer speaks the unencrypted protocol.
	StateFallback

	// StateTerminated means the session failed or was closed. No further
	// bytes are processed and all secrets are wiped.
	StateTerminated
)

// String returns a human readable name for the state.
func (s State) String() string {
	switch s {
	case StatePlaintext:
		return "plaintext"
	case StateHandshake:
		return "handshake"
	case StateEncrypted:
		return "encrypted"
	case StateFallback:
		return "fallback"
	case StateTerminated:
		return "terminated"
	default:
		return "unknown"
	}
}

var (
	// ErrTerminated is returned once a session has been terminated.
	ErrTerminated = errors.New("session terminated")

	// ErrNotEncrypted is returned when records are requested from a
	// session that has not reached the encrypted state.
	ErrNotEncrypted = errors.New("session not encrypted")

	// ErrUnexpectedData is returned when the peer sends bytes while it is
	// still owed our handshake blob.
	ErrUnexpectedData = errors.New("unexpected data during handshake")
)

// SessionConfig parameterises a Session.
type SessionConfig struct {
	// Initiator is true for the side that opened the connection.
	Initiator bool

	// Net is the network whose magic identifies plaintext peers.
	Net wire.BitcoinNet

	// GrowthStep bounds how far the record buffer may be grown ahead of
	// received bytes. Zero selects DefaultGrowthStep.
	GrowthStep int

	// StrictMessages rejects inner messages that span records.
	StrictMessages bool

	// Observer receives transport events. May be nil.
	Observer Observer
}

// Session drives one connection through handshake, key derivation and
// record processing. It performs no I/O: the owner pushes received bytes in
// with Receive and writes out whatever LocalHandshake and SealMessages
// return. A Session must be owned by a single goroutine.
type Session struct {
	cfg SessionConfig

	state State

	engine    *Engine
	localBlob [HandshakeSize]byte
	localSent bool

	handshake  HandshakeReader
	envelope   *EnvelopeReader
	decomposer *MessageDecomposer
}

// NewSession returns a session with a fresh ephemeral key.
func NewSession(cfg *SessionConfig) (*Session, error) {
	engine, err := NewEngine()
	if err != nil {
		return nil, err
	}

	// The blob is taken up front, since processing the peer's blob wipes
	// the ephemeral key.
	blob, err := engine.HandshakeRequestData()
	if err != nil {
		engine.Wipe()
		return nil, err
	}

	s := &Session{
		cfg:       *cfg,
		engine:    engine,
		localBlob: blob,
	}
	if s.cfg.Observer == nil {
		s.cfg.Observer = NoopObserver{}
	}

	return s, nil
}

// State returns the current state.
func (s *Session) State() State {
	return s.state
}

// LocalSent reports whether our handshake blob has been handed out.
func (s *Session) LocalSent() bool {
	return s.localSent
}

// LocalHandshake returns our handshake blob for transmission and marks it
// as sent. If the peer's blob has already been processed, encryption is
// enabled right away.
func (s *Session) LocalHandshake() ([]byte, error) {
	switch s.state {
	case StateTerminated:
		return nil, ErrTerminated
	case StateFallback:
		return nil, ErrNotEncrypted
	}

	s.localSent = true
	blob := append([]byte(nil), s.localBlob[:]...)

	if s.state == StateHandshake {
		if err := s.enable(); err != nil {
			return nil, s.fail(err)
		}
	}

	return blob, nil
}

// Receive consumes bytes read from the peer. It returns how many bytes were
// used and every inner message completed by them. Bytes are only left
// unconsumed when the session switched to StateFallback, the caller then
// hands them, prefixed by FallbackBytes, to the plaintext protocol.
//
// Any error terminates the session.
func (s *Session) Receive(p []byte) (int, []*Message, error) {
	var (
		total int
		msgs  []*Message
	)

	for {
		switch s.state {
		case StatePlaintext:
			total += s.handshake.Read(p[total:])

			switch s.handshake.Classify(s.cfg.Net) {
			case FormatUndecided:
				return total, msgs, nil

			case FormatPlaintext:
				log.Debugf("Peer speaks the unencrypted " +
					"protocol, falling back")

				s.state = StateFallback
				s.engine.Wipe()
				s.cfg.Observer.PlaintextFallback()

				return total, msgs, nil

			case FormatHandshake:
				err := s.engine.ProcessHandshakeRequestData(
					s.handshake.Bytes(),
				)
				s.handshake.Reset()
				if err != nil {
					return total, nil, s.fail(err)
				}

				s.state = StateHandshake
				if s.localSent {
					if err := s.enable(); err != nil {
						return total, nil, s.fail(err)
					}
				}
			}

		case StateHandshake:
			if total < len(p) {
				return total, nil, s.fail(ErrUnexpectedData)
			}

			return total, msgs, nil

		case StateEncrypted:
			if total == len(p) {
				return total, msgs, nil
			}

			n, err := s.envelope.Read(p[total:])
			total += n
			if err != nil {
				return total, nil, s.fail(err)
			}

			if !s.envelope.Complete() {
				continue
			}

			decoded, err := s.openRecord()
			if err != nil {
				return total, nil, s.fail(err)
			}
			msgs = append(msgs, decoded...)

		case StateFallback:
			return total, msgs, ErrNotEncrypted

		default:
			return total, nil, ErrTerminated
		}
	}
}

// openRecord authenticates the completed envelope and drains every message
// it completes.
func (s *Session) openRecord() ([]*Message, error) {
	record := s.envelope.Record()
	size := len(record)

	plaintext, err := s.engine.AuthenticateAndDecrypt(record)
	if err != nil {
		return nil, err
	}
	s.envelope.Reset()
	s.cfg.Observer.RecordReceived(size)

	s.decomposer.Write(plaintext)
	zeroBytes(plaintext)

	var msgs []*Message
	for {
		msg, err := s.decomposer.Next()
		if err != nil {
			return nil, err
		}
		if msg == nil {
			break
		}

		s.cfg.Observer.MessageReceived(msg.Command)
		msgs = append(msgs, msg)
	}

	if s.cfg.StrictMessages && s.decomposer.Pending() != 0 {
		return nil, ErrTruncatedMessage
	}

	return msgs, nil
}

// enable derives the record keys once both blobs have been exchanged.
func (s *Session) enable() error {
	if err := s.engine.EnableEncryption(!s.cfg.Initiator); err != nil {
		return err
	}

	s.envelope = NewEnvelopeReader(s.engine, s.cfg.GrowthStep)
	s.decomposer = NewMessageDecomposer(s.cfg.StrictMessages)
	s.state = StateEncrypted
	s.cfg.Observer.HandshakeCompleted(s.cfg.Initiator)

	log.Debugf("Encryption enabled, initiator=%v session_id=%x",
		s.cfg.Initiator, s.engine.SessionID())

	return nil
}

// SealMessages encodes the given messages into a single record and returns
// its wire bytes.
func (s *Session) SealMessages(msgs ...*Message) ([]byte, error) {
	switch s.state {
	case StateEncrypted:
	case StateTerminated:
		return nil, ErrTerminated
	default:
		return nil, ErrNotEncrypted
	}

	var buf bytes.Buffer
	defer func() {
		zeroBytes(buf.Bytes())
	}()

	for _, msg := range msgs {
		if err := EncodeMessage(&buf, msg.Command, msg.Payload); err != nil {
			return nil, err
		}
	}
	if buf.Len() > MaxEnvelopePayload {
		return nil, fmt.Errorf("%w: %d bytes", ErrEnvelopeTooLarge,
			buf.Len())
	}

	record, err := s.engine.EncryptAppendTag(buf.Bytes())
	if err != nil {
		return nil, s.fail(err)
	}
	s.cfg.Observer.RecordSent(len(record))

	return record, nil
}

// FallbackBytes returns the bytes consumed before the session decided the
// peer speaks the unencrypted protocol.
func (s *Session) FallbackBytes() []byte {
	if s.state != StateFallback {
		return nil
	}

	return append([]byte(nil), s.handshake.Buffered()...)
}

// SessionID returns the derived session id, valid in StateEncrypted.
func (s *Session) SessionID() [SessionIDSize]byte {
	return s.engine.SessionID()
}

// fail terminates the session and reports the failure.
func (s *Session) fail(err error) error {
	if s.state != StateTerminated {
		reason := ClassifyError(err)
		log.Debugf("Terminating session (%v): %v", reason, err)

		s.cfg.Observer.SessionFailed(reason)
		s.Terminate()
	}

	return err
}

// Terminate wipes all secrets and moves the session to StateTerminated.
// It is safe to call more than once.
func (s *Session) Terminate() {
	s.engine.Wipe()
	zeroBytes(s.localBlob[:])
	s.handshake.Reset()

	if s.envelope != nil {
		s.envelope.Reset()
	}
	if s.decomposer != nil {
		s.decomposer.Reset()
	}

	s.state = StateTerminated
}
