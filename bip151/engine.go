package bip151

import (
	"crypto/sha256"
	"errors"
	"fmt"
	"io"
	"math"

	"github.com/btcnode/bip151d/aead"
	"github.com/btcsuite/btcd/btcec/v2"
	"golang.org/x/crypto/hkdf"
)

const (
	// HandshakeSize is the size of the handshake blob each side sends:
	// the x coordinate of an even-parity ephemeral public key.
	HandshakeSize = 32

	// SessionIDSize is the size of the session identifier derived next to
	// the record keys.
	SessionIDSize = 32

	// pubKeyEven and pubKeyOdd are the compressed public key prefixes.
	pubKeyEven = 0x02
	pubKeyOdd  = 0x03

	// hkdfSalt and the labels below feed the key derivation. They are
	// part of the wire protocol and must not change.
	hkdfSalt      = "BitcoinSharedSecret"
	labelK1A      = "BitcoinK1A"
	labelK1B      = "BitcoinK1B"
	labelK2A      = "BitcoinK2A"
	labelK2B      = "BitcoinK2B"
	labelSession  = "BitcoinSessionID"
	expandedBytes = 32
)

var (
	// ErrKeyGeneration is returned when a usable ephemeral key could not
	// be created.
	ErrKeyGeneration = errors.New("unable to generate ephemeral key")

	// ErrInvalidHandshakeSize is returned when the peer's handshake blob
	// isn't exactly HandshakeSize bytes.
	ErrInvalidHandshakeSize = fmt.Errorf("handshake data must be %d bytes",
		HandshakeSize)

	// ErrInvalidPeerKey is returned when the peer's handshake blob does not
	// decode to a point on the curve.
	ErrInvalidPeerKey = errors.New("handshake data is not a valid " +
		"public key")

	// ErrNoEphemeralKey is returned when the ephemeral key has already
	// been consumed by an ECDH operation or wiped.
	ErrNoEphemeralKey = errors.New("ephemeral key not available")

	// ErrNoSharedSecret is returned when encryption is enabled before the
	// peer's handshake has been processed.
	ErrNoSharedSecret = errors.New("shared secret not established")

	// ErrAlreadyEnabled is returned if EnableEncryption is called twice.
	ErrAlreadyEnabled = errors.New("encryption already enabled")

	// ErrNotReady is returned when records are processed before keys have
	// been derived.
	ErrNotReady = errors.New("encryption not enabled")

	// ErrAuthFailed is returned when a record fails authentication.
	ErrAuthFailed = errors.New("record authentication failed")

	// ErrEnginePoisoned is returned by every operation after an
	// authentication failure.
	ErrEnginePoisoned = errors.New("engine unusable after authentication " +
		"failure")

	// ErrEngineWiped is returned when a wiped engine is used.
	ErrEngineWiped = errors.New("engine key material wiped")

	// ErrRecordTooLarge is returned when a plaintext can't be described by
	// the 32-bit length field.
	ErrRecordTooLarge = errors.New("record payload exceeds length field")

	// ErrRecordLength is returned when a record's size disagrees with the
	// length it declares.
	ErrRecordLength = errors.New("record size does not match declared " +
		"length")

	// ErrSequenceExhausted is returned once a sequence counter would wrap.
	ErrSequenceExhausted = errors.New("sequence number space exhausted")
)

// Engine performs the BIP151 ephemeral ECDH handshake and protects records
// with two chacha20-poly1305@openssh ciphers, one per direction.
//
// The lifecycle is Generate (done by NewEngine), HandshakeRequestData,
// ProcessHandshakeRequestData, EnableEncryption and then any number of
// record operations. An Engine must only be used from one goroutine.
type Engine struct {
	ephemeral *btcec.PrivateKey

	sharedSecret [32]byte
	haveSecret   bool

	sendKey [aead.KeySize]byte
	recvKey [aead.KeySize]byte

	sendCipher *aead.Cipher
	recvCipher *aead.Cipher

	sendSeq uint64
	recvSeq uint64

	sessionID [SessionIDSize]byte

	ready    bool
	poisoned bool
	wiped    bool
}

// A compile-time check to ensure Engine implements the Encryptor interface.
var _ Encryptor = (*Engine)(nil)

// NewEngine returns an Engine holding a freshly generated ephemeral key.
func NewEngine() (*Engine, error) {
	e := &Engine{}
	if err := e.Generate(); err != nil {
		return nil, err
	}

	return e, nil
}

// Generate creates a new ephemeral key pair, replacing and wiping any
// previous one. The private scalar is negated when needed so the public key
// has even parity and can be sent as a bare x coordinate.
func (e *Engine) Generate() error {
	if e.wiped {
		return ErrEngineWiped
	}

	priv, err := btcec.NewPrivateKey()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrKeyGeneration, err)
	}
	if priv.Key.IsZero() {
		return ErrKeyGeneration
	}

	if priv.PubKey().SerializeCompressed()[0] == pubKeyOdd {
		priv.Key.Negate()
	}

	if priv.PubKey().SerializeCompressed()[0] != pubKeyEven {
		priv.Zero()
		return ErrKeyGeneration
	}

	if e.ephemeral != nil {
		e.ephemeral.Zero()
	}
	e.ephemeral = priv

	return nil
}

// HandshakeRequestData returns the x-only ephemeral public key to send to
// the peer.
func (e *Engine) HandshakeRequestData() ([HandshakeSize]byte, error) {
	var blob [HandshakeSize]byte

	if e.wiped {
		return blob, ErrEngineWiped
	}
	if e.ephemeral == nil {
		return blob, ErrNoEphemeralKey
	}

	copy(blob[:], e.ephemeral.PubKey().SerializeCompressed()[1:])

	return blob, nil
}

// ProcessHandshakeRequestData computes the ECDH shared secret with the
// peer's x-only public key. The ephemeral private key is wiped as soon as
// the ECDH operation has been attempted.
func (e *Engine) ProcessHandshakeRequestData(peer []byte) error {
	if e.wiped {
		return ErrEngineWiped
	}
	if len(peer) != HandshakeSize {
		return ErrInvalidHandshakeSize
	}
	if e.ephemeral == nil {
		return ErrNoEphemeralKey
	}

	var full [HandshakeSize + 1]byte
	full[0] = pubKeyEven
	copy(full[1:], peer)

	peerKey, err := btcec.ParsePubKey(full[:])
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidPeerKey, err)
	}

	secret, err := ecdh(e.ephemeral, peerKey)

	e.ephemeral.Zero()
	e.ephemeral = nil

	if err != nil {
		return err
	}

	e.sharedSecret = secret
	e.haveSecret = true
	zeroBytes(secret[:])

	return nil
}

// ecdh performs k*P and returns the sha256 of the compressed shared point.
func ecdh(priv *btcec.PrivateKey, pub *btcec.PublicKey) ([32]byte, error) {
	var (
		pubJacobian btcec.JacobianPoint
		s           btcec.JacobianPoint
	)
	pub.AsJacobian(&pubJacobian)

	btcec.ScalarMultNonConst(&priv.Key, &pubJacobian, &s)
	s.ToAffine()

	if (s.X.IsZero() && s.Y.IsZero()) || s.Z.IsZero() {
		return [32]byte{}, ErrInvalidPeerKey
	}

	shared := btcec.NewPublicKey(&s.X, &s.Y)

	return sha256.Sum256(shared.SerializeCompressed()), nil
}

// EnableEncryption derives the directional record keys and the session id
// from the shared secret, then wipes the secret. The initiator sends with K1
// and receives with K2, the responder does the opposite, so a record can
// never be reflected back to its sender and accepted.
func (e *Engine) EnableEncryption(isResponder bool) error {
	switch {
	case e.wiped:
		return ErrEngineWiped
	case e.ready:
		return ErrAlreadyEnabled
	case !e.haveSecret:
		return ErrNoSharedSecret
	}

	prk := hkdf.Extract(sha256.New, e.sharedSecret[:], []byte(hkdfSalt))
	defer zeroBytes(prk)

	var k1, k2 [aead.KeySize]byte
	defer zeroBytes(k1[:])
	defer zeroBytes(k2[:])

	expansions := []struct {
		label string
		out   []byte
	}{
		{labelK1A, k1[:expandedBytes]},
		{labelK1B, k1[expandedBytes:]},
		{labelK2A, k2[:expandedBytes]},
		{labelK2B, k2[expandedBytes:]},
		{labelSession, e.sessionID[:]},
	}
	for _, exp := range expansions {
		r := hkdf.Expand(sha256.New, prk, []byte(exp.label))
		if _, err := io.ReadFull(r, exp.out); err != nil {
			return fmt.Errorf("unable to expand %s: %w", exp.label,
				err)
		}
	}

	zeroBytes(e.sharedSecret[:])
	e.haveSecret = false

	if isResponder {
		e.sendKey, e.recvKey = k2, k1
	} else {
		e.sendKey, e.recvKey = k1, k2
	}

	var err error
	e.sendCipher, err = aead.New(e.sendKey[:])
	if err != nil {
		return err
	}
	e.recvCipher, err = aead.New(e.recvKey[:])
	if err != nil {
		return err
	}

	e.ready = true

	return nil
}

// usable returns the error, if any, that prevents record processing.
func (e *Engine) usable() error {
	switch {
	case e.wiped:
		return ErrEngineWiped
	case e.poisoned:
		return ErrEnginePoisoned
	case !e.ready:
		return ErrNotReady
	}

	return nil
}

// DecryptLength decrypts the length field of the next inbound record
// without advancing the receive sequence number.
//
// NOTE: Part of the Encryptor interface.
func (e *Engine) DecryptLength(hdr []byte) (uint32, error) {
	if err := e.usable(); err != nil {
		return 0, err
	}

	length, err := e.recvCipher.DecryptLength(e.recvSeq, hdr)
	if err != nil {
		return 0, fmt.Errorf("unable to decrypt length: %w", err)
	}

	return length, nil
}

// EncryptAppendTag seals plaintext into a record with the current send
// sequence number, which is only advanced once sealing succeeded.
//
// NOTE: Part of the Encryptor interface.
func (e *Engine) EncryptAppendTag(plaintext []byte) ([]byte, error) {
	if err := e.usable(); err != nil {
		return nil, err
	}
	if uint64(len(plaintext)) > math.MaxUint32 {
		return nil, ErrRecordTooLarge
	}
	if e.sendSeq == math.MaxUint64 {
		return nil, ErrSequenceExhausted
	}

	record, err := e.sendCipher.Seal(
		make([]byte, 0, len(plaintext)+aead.Overhead), e.sendSeq,
		plaintext,
	)
	if err != nil {
		return nil, err
	}
	e.sendSeq++

	return record, nil
}

// AuthenticateAndDecrypt verifies and decrypts a complete record with the
// current receive sequence number. On failure the record buffer is cleared
// and the engine refuses all further work.
//
// NOTE: Part of the Encryptor interface.
func (e *Engine) AuthenticateAndDecrypt(record []byte) ([]byte, error) {
	if err := e.usable(); err != nil {
		return nil, err
	}
	if e.recvSeq == math.MaxUint64 {
		return nil, ErrSequenceExhausted
	}

	if len(record) < aead.Overhead {
		e.poisoned = true
		zeroBytes(record)
		return nil, ErrRecordLength
	}

	plaintext, err := e.recvCipher.Open(
		make([]byte, 0, len(record)-aead.Overhead), e.recvSeq, record,
	)
	if err != nil {
		e.poisoned = true
		zeroBytes(plaintext)
		zeroBytes(record)

		return nil, fmt.Errorf("%w: %v", ErrAuthFailed, err)
	}

	// The length field is covered by the tag, so a mismatch here means the
	// record was framed with the wrong declared size.
	length, err := e.recvCipher.DecryptLength(e.recvSeq, record)
	if err != nil || int(length) != len(plaintext) {
		e.poisoned = true
		zeroBytes(plaintext)
		zeroBytes(record)

		return nil, ErrRecordLength
	}

	e.recvSeq++

	return plaintext, nil
}

// Ready reports whether EnableEncryption has completed.
//
// NOTE: Part of the Encryptor interface.
func (e *Engine) Ready() bool {
	return e.ready && !e.poisoned && !e.wiped
}

// TagLen returns the poly1305 tag size.
//
// NOTE: Part of the Encryptor interface.
func (e *Engine) TagLen() int {
	return aead.TagSize
}

// AADLen returns the size of the encrypted length field.
//
// NOTE: Part of the Encryptor interface.
func (e *Engine) AADLen() int {
	return aead.LengthSize
}

// SessionID returns the session identifier derived by EnableEncryption.
func (e *Engine) SessionID() [SessionIDSize]byte {
	return e.sessionID
}

// SendSeq returns the sequence number the next sealed record will use.
func (e *Engine) SendSeq() uint64 {
	return e.sendSeq
}

// RecvSeq returns the sequence number the next opened record will use.
func (e *Engine) RecvSeq() uint64 {
	return e.recvSeq
}

// Wipe zeroes every secret the engine holds.
//
// NOTE: Part of the Encryptor interface.
func (e *Engine) Wipe() {
	if e.ephemeral != nil {
		e.ephemeral.Zero()
		e.ephemeral = nil
	}
	if e.sendCipher != nil {
		e.sendCipher.Wipe()
	}
	if e.recvCipher != nil {
		e.recvCipher.Wipe()
	}

	zeroBytes(e.sharedSecret[:])
	zeroBytes(e.sendKey[:])
	zeroBytes(e.recvKey[:])
	zeroBytes(e.sessionID[:])

	e.haveSecret = false
	e.ready = false
	e.wiped = true
}

// zeroBytes overwrites b with zeroes.
func zeroBytes(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
