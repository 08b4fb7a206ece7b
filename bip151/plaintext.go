package bip151

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
)

var (
	// ErrWrongNetwork is returned when a plaintext header carries another
	// network's magic.
	ErrWrongNetwork = errors.New("message from wrong network")

	// ErrBadChecksum is returned when a plaintext payload fails its
	// checksum.
	ErrBadChecksum = errors.New("payload checksum failed")
)

// checksumSize is the number of double-sha256 bytes carried in a plaintext
// header.
const checksumSize = 4

// WritePlaintextMessage writes msg framed with the classic unencrypted
// header: magic, NUL padded command, payload length and checksum.
func WritePlaintextMessage(w io.Writer, net wire.BitcoinNet,
	msg *Message) error {

	if len(msg.Command) > wire.CommandSize {
		return ErrCommandTooLong
	}
	if len(msg.Payload) > MaxProtocolMessageLength {
		return ErrMessageTooLarge
	}

	var hdr [wire.MessageHeaderSize]byte
	binary.LittleEndian.PutUint32(hdr[0:4], uint32(net))
	copy(hdr[magicSize:commandEnd], msg.Command)
	binary.LittleEndian.PutUint32(
		hdr[commandEnd:commandEnd+4], uint32(len(msg.Payload)),
	)
	copy(hdr[commandEnd+4:], chainhash.DoubleHashB(msg.Payload))

	var buf bytes.Buffer
	buf.Grow(len(hdr) + len(msg.Payload))
	buf.Write(hdr[:])
	buf.Write(msg.Payload)

	_, err := w.Write(buf.Bytes())

	return err
}

// ReadPlaintextMessage reads one header framed message from r.
func ReadPlaintextMessage(r io.Reader, net wire.BitcoinNet) (*Message,
	error) {

	var hdr [wire.MessageHeaderSize]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return nil, err
	}

	magic := wire.BitcoinNet(binary.LittleEndian.Uint32(hdr[0:4]))
	if magic != net {
		return nil, fmt.Errorf("%w: %v", ErrWrongNetwork, magic)
	}

	cmd := bytes.TrimRight(hdr[magicSize:commandEnd], "\x00")
	length := binary.LittleEndian.Uint32(hdr[commandEnd : commandEnd+4])
	if length > MaxProtocolMessageLength {
		return nil, fmt.Errorf("%w: %q declares %d bytes",
			ErrMessageTooLarge, cmd, length)
	}

	payload := make([]byte, length)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, err
	}

	sum := chainhash.DoubleHashB(payload)
	if !bytes.Equal(sum[:checksumSize], hdr[commandEnd+4:]) {
		return nil, fmt.Errorf("%w: %q", ErrBadChecksum, cmd)
	}

	return &Message{
		Command: string(cmd),
		Payload: payload,
	}, nil
}
