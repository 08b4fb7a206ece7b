package aead

import (
	"bytes"
	"crypto/rand"
	"testing"

	"github.com/stretchr/testify/require"
)

func newTestCipher(t *testing.T) *Cipher {
	t.Helper()

	var key [KeySize]byte
	_, err := rand.Read(key[:])
	require.NoError(t, err)

	c, err := New(key[:])
	require.NoError(t, err)

	return c
}

// TestNewKeySize asserts that only 64 bytes of key material are accepted.
func TestNewKeySize(t *testing.T) {
	t.Parallel()

	for _, size := range []int{0, 32, 63, 65} {
		_, err := New(make([]byte, size))
		require.ErrorIs(t, err, ErrInvalidKeySize)
	}
}

// TestSealOpen checks that records round trip for a range of payload sizes
// and that the length field decrypts to the payload size.
func TestSealOpen(t *testing.T) {
	t.Parallel()

	c := newTestCipher(t)

	for i, size := range []int{0, 1, 63, 64, 65, 1000, 65535} {
		seq := uint64(i)
		plaintext := bytes.Repeat([]byte{byte(i + 1)}, size)

		record, err := c.Seal(nil, seq, plaintext)
		require.NoError(t, err)
		require.Len(t, record, size+Overhead)

		length, err := c.DecryptLength(seq, record)
		require.NoError(t, err)
		require.EqualValues(t, size, length)

		opened, err := c.Open(nil, seq, record)
		require.NoError(t, err)
		require.NotNil(t, opened)
		require.Equal(t, plaintext, opened)
		require.Len(t, opened, size)
	}
}

// TestOpenWrongSequence asserts the sequence number is bound into the tag.
func TestOpenWrongSequence(t *testing.T) {
	t.Parallel()

	c := newTestCipher(t)

	record, err := c.Seal(nil, 7, []byte("inv"))
	require.NoError(t, err)

	_, err = c.Open(nil, 8, record)
	require.ErrorIs(t, err, ErrAuthFailed)
}

// TestOpenBitFlip flips every bit of a sealed record in turn and asserts
// each corruption is rejected without producing output.
func TestOpenBitFlip(t *testing.T) {
	t.Parallel()

	c := newTestCipher(t)

	record, err := c.Seal(nil, 0, []byte("getheaders"))
	require.NoError(t, err)

	for i := 0; i < len(record)*8; i++ {
		corrupt := append([]byte(nil), record...)
		corrupt[i/8] ^= 1 << (i % 8)

		out, err := c.Open(nil, 0, corrupt)
		require.ErrorIs(t, err, ErrAuthFailed, "bit %d", i)
		require.Nil(t, out)
	}
}

// TestSealAppends makes sure Seal and Open append to the provided buffers
// rather than overwrite them.
func TestSealAppends(t *testing.T) {
	t.Parallel()

	c := newTestCipher(t)
	prefix := []byte("prefix")

	record, err := c.Seal(append([]byte(nil), prefix...), 3, []byte("x"))
	require.NoError(t, err)
	require.Equal(t, prefix, record[:len(prefix)])

	opened, err := c.Open([]byte("p:"), 3, record[len(prefix):])
	require.NoError(t, err)
	require.Equal(t, []byte("p:x"), opened)
}

// TestShortRecord covers inputs too short to hold a length and tag.
func TestShortRecord(t *testing.T) {
	t.Parallel()

	c := newTestCipher(t)

	_, err := c.DecryptLength(0, []byte{1, 2})
	require.ErrorIs(t, err, ErrShortRecord)

	_, err = c.Open(nil, 0, make([]byte, Overhead-1))
	require.ErrorIs(t, err, ErrShortRecord)
}

// TestWipe asserts a wiped cipher refuses to operate and holds no key.
func TestWipe(t *testing.T) {
	t.Parallel()

	c := newTestCipher(t)
	c.Wipe()

	require.Equal(t, [32]byte{}, c.mainKey)
	require.Equal(t, [32]byte{}, c.headerKey)

	_, err := c.Seal(nil, 0, nil)
	require.ErrorIs(t, err, ErrWiped)
	_, err = c.Open(nil, 0, make([]byte, Overhead))
	require.ErrorIs(t, err, ErrWiped)
	_, err = c.DecryptLength(0, make([]byte, LengthSize))
	require.ErrorIs(t, err, ErrWiped)
}
