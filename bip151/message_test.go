package bip151

import (
	"bytes"
	"encoding/binary"
	"testing"

	"github.com/btcsuite/btcd/wire"
	"github.com/stretchr/testify/require"
)

func encodeMessages(t *testing.T, msgs ...*Message) []byte {
	t.Helper()

	var buf bytes.Buffer
	for _, msg := range msgs {
		require.NoError(t, EncodeMessage(&buf, msg.Command, msg.Payload))
	}

	return buf.Bytes()
}

// TestDecomposerBackToBack asserts two messages in one plaintext are both
// extracted with the correct split.
func TestDecomposerBackToBack(t *testing.T) {
	t.Parallel()

	first := &Message{Command: "ping", Payload: []byte{1, 2, 3, 4, 5, 6, 7, 8}}
	second := &Message{Command: "verack", Payload: []byte{}}

	d := NewMessageDecomposer(true)
	d.Write(encodeMessages(t, first, second))

	msg, err := d.Next()
	require.NoError(t, err)
	require.Equal(t, first, msg)

	msg, err = d.Next()
	require.NoError(t, err)
	require.Equal(t, second, msg)

	require.Zero(t, d.Pending())

	msg, err = d.Next()
	require.NoError(t, err)
	require.Nil(t, msg)
}

// TestDecomposerStreaming asserts a message split at every possible offset
// is reassembled in the default mode.
func TestDecomposerStreaming(t *testing.T) {
	t.Parallel()

	want := &Message{Command: "tx", Payload: bytes.Repeat([]byte{7}, 300)}
	encoded := encodeMessages(t, want)

	for split := 0; split <= len(encoded); split++ {
		d := NewMessageDecomposer(false)

		d.Write(encoded[:split])
		msg, err := d.Next()
		require.NoError(t, err)
		if split < len(encoded) {
			require.Nil(t, msg, "split %d", split)

			d.Write(encoded[split:])
			msg, err = d.Next()
			require.NoError(t, err)
		}

		require.Equal(t, want, msg, "split %d", split)
		require.Zero(t, d.Pending())
	}
}

// TestDecomposerStrictTruncated asserts strict mode rejects a message that
// runs past the available bytes.
func TestDecomposerStrictTruncated(t *testing.T) {
	t.Parallel()

	encoded := encodeMessages(t, &Message{
		Command: "block", Payload: make([]byte, 64),
	})

	d := NewMessageDecomposer(true)
	d.Write(encoded[:len(encoded)-1])

	_, err := d.Next()
	require.ErrorIs(t, err, ErrTruncatedMessage)
}

func TestDecomposerLimits(t *testing.T) {
	t.Parallel()

	var length [payloadLenSize]byte
	binary.LittleEndian.PutUint32(length[:], MaxProtocolMessageLength+1)

	var tooLarge bytes.Buffer
	require.NoError(t, wire.WriteVarString(&tooLarge, 0, "block"))
	tooLarge.Write(length[:])

	var longCmd bytes.Buffer
	require.NoError(t, wire.WriteVarString(
		&longCmd, 0, "thirteenchars",
	))

	tests := []struct {
		name  string
		input []byte
		err   error
	}{
		{
			name:  "payload too large",
			input: tooLarge.Bytes(),
			err:   ErrMessageTooLarge,
		},
		{
			name:  "command too long",
			input: longCmd.Bytes(),
			err:   ErrCommandTooLong,
		},
	}

	for _, test := range tests {
		test := test
		t.Run(test.name, func(t *testing.T) {
			d := NewMessageDecomposer(false)
			d.Write(test.input)

			_, err := d.Next()
			require.ErrorIs(t, err, test.err)
		})
	}
}

func TestEncodeMessageLimits(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer

	err := EncodeMessage(&buf, "thirteenchars", nil)
	require.ErrorIs(t, err, ErrCommandTooLong)

	err = EncodeMessage(
		&buf, "block", make([]byte, MaxProtocolMessageLength+1),
	)
	require.ErrorIs(t, err, ErrMessageTooLarge)

	require.Zero(t, buf.Len())
}

// TestDecomposerReset asserts buffered plaintext is wiped.
func TestDecomposerReset(t *testing.T) {
	t.Parallel()

	d := NewMessageDecomposer(false)
	d.Write([]byte{0x04, 'p', 'i'})

	backing := d.buf
	d.Reset()

	require.Zero(t, d.Pending())
	require.Equal(t, []byte{0, 0, 0}, backing)
}
