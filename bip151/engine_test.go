package bip151

import (
	"bytes"
	"testing"

	"github.com/btcnode/bip151d/aead"
	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/stretchr/testify/require"
)

// newEnginePair returns an initiator and a responder engine that completed
// a handshake against each other.
func newEnginePair(t testing.TB) (*Engine, *Engine) {
	t.Helper()

	initiator, err := NewEngine()
	require.NoError(t, err)
	responder, err := NewEngine()
	require.NoError(t, err)

	initBlob, err := initiator.HandshakeRequestData()
	require.NoError(t, err)
	respBlob, err := responder.HandshakeRequestData()
	require.NoError(t, err)

	require.NoError(t, responder.ProcessHandshakeRequestData(initBlob[:]))
	require.NoError(t, initiator.ProcessHandshakeRequestData(respBlob[:]))

	require.NoError(t, initiator.EnableEncryption(false))
	require.NoError(t, responder.EnableEncryption(true))

	return initiator, responder
}

// invalidPoint returns an x coordinate that doesn't decode to a curve point.
func invalidPoint(t *testing.T) []byte {
	t.Helper()

	for i := 1; i < 1000; i++ {
		x := make([]byte, HandshakeSize)
		x[HandshakeSize-1] = byte(i)
		x[HandshakeSize-2] = byte(i >> 8)

		_, err := btcec.ParsePubKey(append([]byte{pubKeyEven}, x...))
		if err != nil {
			return x
		}
	}

	t.Fatalf("no invalid x coordinate found")
	return nil
}

// TestHandshakeRequestDataEvenParity asserts the blob is always a 32 byte x
// coordinate of an even-parity key matching the private scalar.
func TestHandshakeRequestDataEvenParity(t *testing.T) {
	t.Parallel()

	for i := 0; i < 64; i++ {
		e, err := NewEngine()
		require.NoError(t, err)

		blob, err := e.HandshakeRequestData()
		require.NoError(t, err)
		require.Len(t, blob, HandshakeSize)

		pub := e.ephemeral.PubKey().SerializeCompressed()
		require.Equal(t, byte(pubKeyEven), pub[0])
		require.Equal(t, pub[1:], blob[:])

		_, err = btcec.ParsePubKey(append([]byte{pubKeyEven}, blob[:]...))
		require.NoError(t, err)
	}
}

// TestProcessHandshakeRequestDataInvalid covers every rejection path of the
// peer's handshake blob.
func TestProcessHandshakeRequestDataInvalid(t *testing.T) {
	t.Parallel()

	tooBig := bytes.Repeat([]byte{0xff}, HandshakeSize)

	tests := []struct {
		name string
		data []byte
		err  error
	}{
		{name: "empty", data: nil, err: ErrInvalidHandshakeSize},
		{
			name: "short",
			data: make([]byte, HandshakeSize-1),
			err:  ErrInvalidHandshakeSize,
		},
		{
			name: "long",
			data: make([]byte, HandshakeSize+1),
			err:  ErrInvalidHandshakeSize,
		},
		{name: "above field prime", data: tooBig, err: ErrInvalidPeerKey},
		{name: "off curve", data: invalidPoint(t), err: ErrInvalidPeerKey},
	}

	for _, test := range tests {
		test := test
		t.Run(test.name, func(t *testing.T) {
			e, err := NewEngine()
			require.NoError(t, err)

			err = e.ProcessHandshakeRequestData(test.data)
			require.ErrorIs(t, err, test.err)

			require.ErrorIs(
				t, e.EnableEncryption(false), ErrNoSharedSecret,
			)
		})
	}
}

// TestEphemeralKeyWiped asserts the ephemeral private key is gone once the
// peer's blob has been processed.
func TestEphemeralKeyWiped(t *testing.T) {
	t.Parallel()

	a, err := NewEngine()
	require.NoError(t, err)
	b, err := NewEngine()
	require.NoError(t, err)

	priv := a.ephemeral
	blob, err := b.HandshakeRequestData()
	require.NoError(t, err)

	require.NoError(t, a.ProcessHandshakeRequestData(blob[:]))
	require.Nil(t, a.ephemeral)
	require.True(t, priv.Key.IsZero())

	_, err = a.HandshakeRequestData()
	require.ErrorIs(t, err, ErrNoEphemeralKey)

	err = a.ProcessHandshakeRequestData(blob[:])
	require.ErrorIs(t, err, ErrNoEphemeralKey)
}

// TestMirroredKeys asserts both sides derive complementary keys and the same
// session id, and that the shared secret is wiped after derivation.
func TestMirroredKeys(t *testing.T) {
	t.Parallel()

	initiator, responder := newEnginePair(t)

	require.Equal(t, initiator.sendKey, responder.recvKey)
	require.Equal(t, initiator.recvKey, responder.sendKey)
	require.NotEqual(t, initiator.sendKey, initiator.recvKey)
	require.NotEqual(t, responder.sendKey, responder.recvKey)

	require.Equal(t, initiator.SessionID(), responder.SessionID())
	require.NotEqual(t, [SessionIDSize]byte{}, initiator.SessionID())

	require.Equal(t, [32]byte{}, initiator.sharedSecret)
	require.Equal(t, [32]byte{}, responder.sharedSecret)

	require.ErrorIs(t, initiator.EnableEncryption(false), ErrAlreadyEnabled)
}

// TestRoundTrip seals and opens payloads of the boundary sizes.
func TestRoundTrip(t *testing.T) {
	t.Parallel()

	initiator, responder := newEnginePair(t)

	sizes := []int{0, 1, 65535, MaxEnvelopePayload}
	for _, size := range sizes {
		plaintext := bytes.Repeat([]byte{0xa5}, size)

		record, err := initiator.EncryptAppendTag(plaintext)
		require.NoError(t, err)
		require.Len(t, record, size+aead.Overhead)

		length, err := responder.DecryptLength(record[:aead.LengthSize])
		require.NoError(t, err)
		require.EqualValues(t, size, length)

		opened, err := responder.AuthenticateAndDecrypt(record)
		require.NoError(t, err)
		require.Equal(t, plaintext, opened)
	}

	// The responder can answer on its own send direction as well.
	record, err := responder.EncryptAppendTag([]byte("pong"))
	require.NoError(t, err)
	opened, err := initiator.AuthenticateAndDecrypt(record)
	require.NoError(t, err)
	require.Equal(t, []byte("pong"), opened)
}

// TestSequenceCounters asserts counters advance once per successful
// operation and that replaying an earlier record fails.
func TestSequenceCounters(t *testing.T) {
	t.Parallel()

	initiator, responder := newEnginePair(t)

	const n = 10
	records := make([][]byte, n)
	for i := 0; i < n; i++ {
		record, err := initiator.EncryptAppendTag([]byte{byte(i)})
		require.NoError(t, err)
		records[i] = record
	}
	require.EqualValues(t, n, initiator.SendSeq())
	require.Zero(t, initiator.RecvSeq())

	replay := append([]byte(nil), records[0]...)
	for i, record := range records {
		// Peeking at the length must not consume a sequence number.
		_, err := responder.DecryptLength(record)
		require.NoError(t, err)
		require.EqualValues(t, i, responder.RecvSeq())

		opened, err := responder.AuthenticateAndDecrypt(record)
		require.NoError(t, err)
		require.Equal(t, []byte{byte(i)}, opened)
	}
	require.EqualValues(t, n, responder.RecvSeq())

	_, err := responder.AuthenticateAndDecrypt(replay)
	require.ErrorIs(t, err, ErrAuthFailed)
	require.EqualValues(t, n, responder.RecvSeq())
}

// TestBitFlip flips every bit of a record and asserts decryption fails and
// leaves nothing of the plaintext behind.
func TestBitFlip(t *testing.T) {
	t.Parallel()

	plaintext := []byte("sendheaders")

	initiator, _ := newEnginePair(t)
	record, err := initiator.EncryptAppendTag(plaintext)
	require.NoError(t, err)

	for i := 0; i < len(record)*8; i++ {
		sender, receiver := newEnginePair(t)

		fresh, err := sender.EncryptAppendTag(plaintext)
		require.NoError(t, err)
		fresh[i/8] ^= 1 << (i % 8)

		opened, err := receiver.AuthenticateAndDecrypt(fresh)
		require.ErrorIs(t, err, ErrAuthFailed, "bit %d", i)
		require.Nil(t, opened)
		require.Equal(t, make([]byte, len(fresh)), fresh)
		require.False(t, receiver.Ready())
	}
}

// TestPoisonedAfterFailure asserts a failed authentication disables the
// engine even for subsequent valid records.
func TestPoisonedAfterFailure(t *testing.T) {
	t.Parallel()

	initiator, responder := newEnginePair(t)

	good, err := initiator.EncryptAppendTag([]byte("block"))
	require.NoError(t, err)

	bad := append([]byte(nil), good...)
	bad[len(bad)-1] ^= 0x01

	_, err = responder.AuthenticateAndDecrypt(bad)
	require.ErrorIs(t, err, ErrAuthFailed)

	_, err = responder.AuthenticateAndDecrypt(good)
	require.ErrorIs(t, err, ErrEnginePoisoned)

	_, err = responder.DecryptLength(good)
	require.ErrorIs(t, err, ErrEnginePoisoned)

	_, err = responder.EncryptAppendTag(nil)
	require.ErrorIs(t, err, ErrEnginePoisoned)
}

// TestReflectedRecordRejected asserts an engine doesn't accept its own
// records, which the directional keys prevent.
func TestReflectedRecordRejected(t *testing.T) {
	t.Parallel()

	initiator, _ := newEnginePair(t)

	record, err := initiator.EncryptAppendTag([]byte("addr"))
	require.NoError(t, err)

	_, err = initiator.AuthenticateAndDecrypt(record)
	require.ErrorIs(t, err, ErrAuthFailed)
}

// TestNotReady asserts records can't be processed before key derivation.
func TestNotReady(t *testing.T) {
	t.Parallel()

	e, err := NewEngine()
	require.NoError(t, err)
	require.False(t, e.Ready())

	_, err = e.EncryptAppendTag([]byte("x"))
	require.ErrorIs(t, err, ErrNotReady)

	_, err = e.AuthenticateAndDecrypt(make([]byte, aead.Overhead))
	require.ErrorIs(t, err, ErrNotReady)

	_, err = e.DecryptLength(make([]byte, aead.LengthSize))
	require.ErrorIs(t, err, ErrNotReady)
}

// TestShortRecord asserts a record too short for a length and tag is
// rejected.
func TestShortRecord(t *testing.T) {
	t.Parallel()

	_, responder := newEnginePair(t)

	_, err := responder.AuthenticateAndDecrypt(make([]byte, 3))
	require.ErrorIs(t, err, ErrRecordLength)
	require.False(t, responder.Ready())
}

// TestWipe asserts Wipe clears all key material and disables the engine.
func TestWipe(t *testing.T) {
	t.Parallel()

	initiator, _ := newEnginePair(t)
	initiator.Wipe()

	require.Equal(t, [aead.KeySize]byte{}, initiator.sendKey)
	require.Equal(t, [aead.KeySize]byte{}, initiator.recvKey)
	require.Equal(t, [SessionIDSize]byte{}, initiator.SessionID())
	require.False(t, initiator.Ready())

	_, err := initiator.EncryptAppendTag(nil)
	require.ErrorIs(t, err, ErrEngineWiped)
	require.ErrorIs(t, initiator.Generate(), ErrEngineWiped)

	// A wipe before the handshake clears the ephemeral key.
	e, err := NewEngine()
	require.NoError(t, err)
	priv := e.ephemeral
	e.Wipe()
	require.True(t, priv.Key.IsZero())
}
