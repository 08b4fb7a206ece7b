package bip151

// Encryptor is the record protection capability the envelope and session
// state machines are written against. Cipher suites other than the BIP151
// chacha20-poly1305 Engine can be plugged in by implementing it.
//
// Implementations are not safe for concurrent use. Every call consumes or
// inspects order-dependent sequence state, so a single goroutine must own an
// Encryptor for the life of its connection.
type Encryptor interface {
	// DecryptLength returns the declared payload length carried by the
	// AADLen() bytes at the start of hdr. It uses the current receive
	// sequence number and does not advance it, the same sequence number
	// authenticates the record body afterwards.
	DecryptLength(hdr []byte) (uint32, error)

	// EncryptAppendTag seals plaintext into a complete record (encrypted
	// length, ciphertext, tag) and advances the send sequence number.
	EncryptAppendTag(plaintext []byte) ([]byte, error)

	// AuthenticateAndDecrypt verifies a complete record and returns its
	// plaintext, advancing the receive sequence number. A failure leaves
	// the Encryptor unusable.
	AuthenticateAndDecrypt(record []byte) ([]byte, error)

	// Ready reports whether keys have been derived and records may be
	// protected.
	Ready() bool

	// TagLen is the size of the authentication tag trailing every record.
	TagLen() int

	// AADLen is the size of the encrypted length field leading every
	// record.
	AADLen() int

	// Wipe destroys all key material held by the Encryptor.
	Wipe()
}
