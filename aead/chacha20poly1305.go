package aead

import (
	"crypto/subtle"
	"encoding/binary"
	"errors"

	"golang.org/x/crypto/chacha20"
	"golang.org/x/crypto/poly1305"
)

const (
	// KeySize is the size of the key material a Cipher is keyed with. The
	// first half keys the payload stream and the poly1305 key derivation,
	// the second half keys the length field.
	KeySize = 64

	// TagSize is the size of the poly1305 authentication tag appended to
	// every record.
	TagSize = poly1305.TagSize

	// LengthSize is the size of the encrypted little-endian length field
	// that prefixes every record. It is authenticated as associated data.
	LengthSize = 4

	// Overhead is the number of bytes a record carries in addition to its
	// plaintext.
	Overhead = LengthSize + TagSize
)

var (
	// ErrInvalidKeySize is returned when a Cipher is keyed with material
	// that isn't exactly KeySize bytes.
	ErrInvalidKeySize = errors.New("aead: invalid key size")

	// ErrShortRecord is returned when a buffer is too small to carry the
	// length field and tag.
	ErrShortRecord = errors.New("aead: record too short")

	// ErrAuthFailed is returned when a record's tag doesn't verify.
	ErrAuthFailed = errors.New("aead: message authentication failed")

	// ErrWiped is returned when a wiped Cipher is used.
	ErrWiped = errors.New("aead: cipher wiped")
)

// Cipher implements the chacha20-poly1305@openssh.com construction with a
// 64-bit sequence number as implicit nonce. The sequence number is never
// transmitted, so both ends must process records in lockstep.
//
// A Cipher holds no sequence state itself, the caller supplies it on every
// call.
type Cipher struct {
	mainKey   [32]byte
	headerKey [32]byte
	wiped     bool
}

// New returns a Cipher keyed with the given 64 bytes of key material.
func New(key []byte) (*Cipher, error) {
	if len(key) != KeySize {
		return nil, ErrInvalidKeySize
	}

	var c Cipher
	copy(c.mainKey[:], key[:32])
	copy(c.headerKey[:], key[32:])

	return &c, nil
}

// nonce expands a sequence number into the 12-byte IETF nonce layout. The
// leading four zero bytes occupy the position of the high half of the
// original 64-bit block counter, which keeps the keystream identical to the
// 64-bit nonce variant for any record shorter than 256 GiB.
func nonce(seqNum uint64) []byte {
	var n [chacha20.NonceSize]byte
	binary.LittleEndian.PutUint64(n[4:], seqNum)

	return n[:]
}

// DecryptLength decrypts the length field at the start of hdr using the
// keystream for seqNum. The length is only authenticated later when the
// full record is opened with the same sequence number.
func (c *Cipher) DecryptLength(seqNum uint64, hdr []byte) (uint32, error) {
	if c.wiped {
		return 0, ErrWiped
	}
	if len(hdr) < LengthSize {
		return 0, ErrShortRecord
	}

	s, err := chacha20.NewUnauthenticatedCipher(c.headerKey[:], nonce(seqNum))
	if err != nil {
		return 0, err
	}

	var plain [LengthSize]byte
	s.XORKeyStream(plain[:], hdr[:LengthSize])

	return binary.LittleEndian.Uint32(plain[:]), nil
}

// polyKey derives the one-time poly1305 key for seqNum and returns the
// payload stream positioned at block one.
func (c *Cipher) polyKey(seqNum uint64) ([32]byte, *chacha20.Cipher, error) {
	var key [32]byte

	s, err := chacha20.NewUnauthenticatedCipher(c.mainKey[:], nonce(seqNum))
	if err != nil {
		return key, nil, err
	}

	var block [64]byte
	s.XORKeyStream(block[:], block[:])
	copy(key[:], block[:32])
	s.SetCounter(1)

	return key, s, nil
}

// Seal encrypts plaintext as one record for seqNum and appends the result
// to dst. The record layout is the encrypted length, the ciphertext and the
// tag over both.
func (c *Cipher) Seal(dst []byte, seqNum uint64,
	plaintext []byte) ([]byte, error) {

	if c.wiped {
		return nil, ErrWiped
	}

	start := len(dst)
	total := LengthSize + len(plaintext) + TagSize
	dst = grow(dst, total)
	out := dst[start : start+total]

	var length [LengthSize]byte
	binary.LittleEndian.PutUint32(length[:], uint32(len(plaintext)))
	hs, err := chacha20.NewUnauthenticatedCipher(
		c.headerKey[:], nonce(seqNum),
	)
	if err != nil {
		return nil, err
	}
	hs.XORKeyStream(out[:LengthSize], length[:])

	key, s, err := c.polyKey(seqNum)
	if err != nil {
		return nil, err
	}
	defer zero(key[:])

	body := out[LengthSize : LengthSize+len(plaintext)]
	s.XORKeyStream(body, plaintext)

	var tag [TagSize]byte
	poly1305.Sum(&tag, out[:LengthSize+len(plaintext)], &key)
	copy(out[LengthSize+len(plaintext):], tag[:])

	return dst, nil
}

// Open authenticates the record produced by Seal for seqNum and appends the
// decrypted payload to dst. Nothing is decrypted unless the tag verifies.
func (c *Cipher) Open(dst []byte, seqNum uint64, record []byte) ([]byte,
	error) {

	if c.wiped {
		return nil, ErrWiped
	}
	if len(record) < Overhead {
		return nil, ErrShortRecord
	}

	key, s, err := c.polyKey(seqNum)
	if err != nil {
		return nil, err
	}
	defer zero(key[:])

	authed := record[:len(record)-TagSize]
	var tag, expected [TagSize]byte
	copy(tag[:], record[len(record)-TagSize:])
	poly1305.Sum(&expected, authed, &key)
	if subtle.ConstantTimeCompare(tag[:], expected[:]) != 1 {
		return nil, ErrAuthFailed
	}

	ciphertext := authed[LengthSize:]
	if dst == nil {
		dst = make([]byte, 0, len(ciphertext))
	}
	start := len(dst)
	dst = grow(dst, len(ciphertext))
	s.XORKeyStream(dst[start:start+len(ciphertext)], ciphertext)

	return dst, nil
}

// Wipe zeroes the key material. Any further use of the Cipher fails.
func (c *Cipher) Wipe() {
	zero(c.mainKey[:])
	zero(c.headerKey[:])
	c.wiped = true
}

// grow extends b by n bytes, reallocating only if the capacity is short.
func grow(b []byte, n int) []byte {
	if cap(b)-len(b) >= n {
		return b[:len(b)+n]
	}

	out := make([]byte, len(b)+n)
	copy(out, b)

	return out
}

// zero overwrites b with zeroes.
func zero(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
