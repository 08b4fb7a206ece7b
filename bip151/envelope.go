package bip151

import (
	"errors"
	"fmt"

	"github.com/btcsuite/btcd/wire"
)

const (
	// MaxEnvelopePayload is the largest plaintext length a record may
	// declare.
	MaxEnvelopePayload = wire.MaxMessagePayload

	// DefaultGrowthStep bounds how far ahead of the bytes actually
	// received the body buffer may be grown.
	DefaultGrowthStep = 256 * 1024
)

// ErrEnvelopeTooLarge is returned when a record declares a payload above
// the protocol ceiling.
var ErrEnvelopeTooLarge = errors.New("envelope exceeds maximum payload size")

// EnvelopeReader assembles one encrypted record from a byte stream. It
// first collects the encrypted length field, asks the Encryptor for the
// declared size, then collects the ciphertext and tag.
//
// The reader is resumable: bytes may be fed in chunks of any size.
type EnvelopeReader struct {
	enc        Encryptor
	growthStep int

	// buf holds the length field followed by the body collected so far.
	buf []byte

	hdrPos  int
	dataPos int
	inData  bool

	payloadLen uint32
}

// NewEnvelopeReader returns a reader for records protected by enc. A
// non-positive growthStep selects DefaultGrowthStep.
func NewEnvelopeReader(enc Encryptor, growthStep int) *EnvelopeReader {
	if growthStep <= 0 {
		growthStep = DefaultGrowthStep
	}

	return &EnvelopeReader{
		enc:        enc,
		growthStep: growthStep,
		buf:        make([]byte, enc.AADLen()),
	}
}

// Read consumes bytes from p and returns how many were used. It never
// consumes bytes belonging to the next record. An error is fatal to the
// connection.
func (r *EnvelopeReader) Read(p []byte) (int, error) {
	if !r.inData {
		return r.readHeader(p)
	}

	return r.readBody(p), nil
}

// readHeader collects the length field and decrypts it once complete.
func (r *EnvelopeReader) readHeader(p []byte) (int, error) {
	aadLen := r.enc.AADLen()

	n := copy(r.buf[r.hdrPos:aadLen], p)
	r.hdrPos += n

	if r.hdrPos < aadLen {
		return n, nil
	}

	length, err := r.enc.DecryptLength(r.buf[:aadLen])
	if err != nil {
		return n, err
	}

	// Reject the claim before any buffer is sized from it.
	if length > MaxEnvelopePayload {
		return n, fmt.Errorf("%w: declared %d, max %d",
			ErrEnvelopeTooLarge, length, MaxEnvelopePayload)
	}

	r.payloadLen = length
	r.inData = true

	return n, nil
}

// readBody copies ciphertext and tag bytes, growing the buffer by at most
// growthStep beyond what has been received.
func (r *EnvelopeReader) readBody(p []byte) int {
	aadLen := r.enc.AADLen()
	bodyLen := int(r.payloadLen) + r.enc.TagLen()

	remaining := bodyLen - r.dataPos
	n := len(p)
	if n > remaining {
		n = remaining
	}

	need := aadLen + r.dataPos + n
	if len(r.buf) < need {
		target := need + r.growthStep
		if full := aadLen + bodyLen; target > full {
			target = full
		}

		if cap(r.buf) >= target {
			r.buf = r.buf[:target]
		} else {
			grown := make([]byte, target)
			copy(grown, r.buf)
			zeroBytes(r.buf)
			r.buf = grown
		}
	}

	copy(r.buf[aadLen+r.dataPos:], p[:n])
	r.dataPos += n

	return n
}

// Complete reports whether the full record has been received.
func (r *EnvelopeReader) Complete() bool {
	if !r.inData {
		return false
	}

	return int(r.payloadLen)+r.enc.TagLen() == r.dataPos
}

// PayloadLen returns the declared plaintext length, valid once the header
// has been read.
func (r *EnvelopeReader) PayloadLen() uint32 {
	return r.payloadLen
}

// Buffered returns the number of bytes currently allocated for the record.
func (r *EnvelopeReader) Buffered() int {
	return len(r.buf)
}

// Record returns the complete record: length field, ciphertext and tag. It
// returns nil until Complete reports true.
func (r *EnvelopeReader) Record() []byte {
	if !r.Complete() {
		return nil
	}

	return r.buf[:r.enc.AADLen()+r.dataPos]
}

// Reset prepares the reader for the next record.
func (r *EnvelopeReader) Reset() {
	zeroBytes(r.buf)

	aadLen := r.enc.AADLen()
	if cap(r.buf) > aadLen+r.growthStep {
		r.buf = make([]byte, aadLen)
	} else {
		r.buf = r.buf[:aadLen]
	}

	r.hdrPos = 0
	r.dataPos = 0
	r.inData = false
	r.payloadLen = 0
}
