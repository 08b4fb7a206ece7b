package bip151

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/btcsuite/btcd/wire"
)

const (
	// MaxProtocolMessageLength is the largest payload a single inner
	// message may declare.
	MaxProtocolMessageLength = 4 * 1000 * 1000

	// payloadLenSize is the size of the little-endian payload length that
	// follows the command name.
	payloadLenSize = 4
)

var (
	// ErrCommandTooLong is returned for command names longer than
	// wire.CommandSize.
	ErrCommandTooLong = fmt.Errorf("command name exceeds %d bytes",
		wire.CommandSize)

	// ErrMessageTooLarge is returned when a message declares a payload
	// above MaxProtocolMessageLength.
	ErrMessageTooLarge = errors.New("message exceeds maximum protocol " +
		"message length")

	// ErrTruncatedMessage is returned in strict mode when a message runs
	// past the end of the plaintext it was carried in.
	ErrTruncatedMessage = errors.New("message exceeds available bytes")
)

// Message is one application message carried inside decrypted record
// plaintext.
type Message struct {
	// Command is the message name, e.g. "inv" or "ping".
	Command string

	// Payload is the opaque message body.
	Payload []byte
}

// String returns a short description of the message.
func (m *Message) String() string {
	return fmt.Sprintf("%s(%d bytes)", m.Command, len(m.Payload))
}

// EncodeMessage appends the inner encoding of a message to buf: the command
// as a var-string, the payload length and the payload.
func EncodeMessage(buf *bytes.Buffer, cmd string, payload []byte) error {
	if len(cmd) > wire.CommandSize {
		return ErrCommandTooLong
	}
	if len(payload) > MaxProtocolMessageLength {
		return ErrMessageTooLarge
	}

	if err := wire.WriteVarString(buf, 0, cmd); err != nil {
		return err
	}

	var length [payloadLenSize]byte
	binary.LittleEndian.PutUint32(length[:], uint32(len(payload)))
	buf.Write(length[:])
	buf.Write(payload)

	return nil
}

// MessageDecomposer splits decrypted record plaintext into messages. By
// default plaintext is treated as one logical stream, so a message may span
// records and a trailing partial message waits for more bytes. In strict
// mode every message must be contained in the plaintext written so far.
type MessageDecomposer struct {
	strict bool
	buf    []byte
}

// NewMessageDecomposer returns a decomposer, optionally in strict mode.
func NewMessageDecomposer(strict bool) *MessageDecomposer {
	return &MessageDecomposer{
		strict: strict,
	}
}

// Write appends decrypted plaintext.
func (d *MessageDecomposer) Write(p []byte) {
	d.buf = append(d.buf, p...)
}

// Pending returns the number of buffered bytes not yet returned as a
// message.
func (d *MessageDecomposer) Pending() int {
	return len(d.buf)
}

// Next extracts the next complete message. It returns nil without error
// when the buffered bytes don't yet hold a complete message.
func (d *MessageDecomposer) Next() (*Message, error) {
	if len(d.buf) == 0 {
		return nil, nil
	}

	r := bytes.NewReader(d.buf)

	cmdLen, err := wire.ReadVarInt(r, 0)
	if err != nil {
		return d.incomplete(err)
	}
	if cmdLen > wire.CommandSize {
		return nil, ErrCommandTooLong
	}

	cmd := make([]byte, cmdLen)
	if _, err := io.ReadFull(r, cmd); err != nil {
		return d.incomplete(err)
	}

	var length [payloadLenSize]byte
	if _, err := io.ReadFull(r, length[:]); err != nil {
		return d.incomplete(err)
	}

	payloadLen := binary.LittleEndian.Uint32(length[:])
	if payloadLen > MaxProtocolMessageLength {
		return nil, fmt.Errorf("%w: %q declares %d bytes",
			ErrMessageTooLarge, cmd, payloadLen)
	}
	if uint64(r.Len()) < uint64(payloadLen) {
		return d.incomplete(io.ErrUnexpectedEOF)
	}

	headerLen := len(d.buf) - r.Len()
	end := headerLen + int(payloadLen)

	msg := &Message{
		Command: string(cmd),
		Payload: make([]byte, payloadLen),
	}
	copy(msg.Payload, d.buf[headerLen:end])

	d.consume(end)

	return msg, nil
}

// incomplete maps a short read to "wait for more bytes", or to an error in
// strict mode. Any other error is a malformed encoding.
func (d *MessageDecomposer) incomplete(err error) (*Message, error) {
	if !errors.Is(err, io.EOF) && !errors.Is(err, io.ErrUnexpectedEOF) {
		return nil, err
	}
	if d.strict {
		return nil, ErrTruncatedMessage
	}

	return nil, nil
}

// consume drops the first n buffered bytes.
func (d *MessageDecomposer) consume(n int) {
	remaining := copy(d.buf, d.buf[n:])
	zeroBytes(d.buf[remaining:])
	d.buf = d.buf[:remaining]
}

// Reset discards and wipes any buffered plaintext.
func (d *MessageDecomposer) Reset() {
	zeroBytes(d.buf)
	d.buf = d.buf[:0]
}
