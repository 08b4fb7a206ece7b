package bip151

import (
	"bytes"
	"encoding/binary"

	"github.com/btcsuite/btcd/wire"
)

// Format is the outcome of inspecting the first bytes a peer sent.
type Format uint8

const (
	// FormatUndecided means not enough bytes have arrived yet.
	FormatUndecided Format = iota

	// FormatHandshake means the bytes form an encryption handshake blob.
	FormatHandshake

	// FormatPlaintext means the peer speaks the unencrypted protocol and
	// the bytes are the start of a message header.
	FormatPlaintext
)

// String returns a human readable name for the format.
func (f Format) String() string {
	switch f {
	case FormatUndecided:
		return "undecided"
	case FormatHandshake:
		return "handshake"
	case FormatPlaintext:
		return "plaintext"
	default:
		return "unknown"
	}
}

const (
	// magicSize is the size of the network magic leading every plaintext
	// message header.
	magicSize = 4

	// commandEnd is the offset just past the command field of a plaintext
	// message header.
	commandEnd = magicSize + wire.CommandSize
)

// HandshakeReader collects the peer's handshake blob from arbitrarily
// chunked input. It never buffers more than HandshakeSize bytes.
type HandshakeReader struct {
	buf [HandshakeSize]byte
	pos int
}

// Read copies as many bytes from p as are still missing from the blob and
// returns how many were consumed.
func (h *HandshakeReader) Read(p []byte) int {
	n := copy(h.buf[h.pos:], p)
	h.pos += n

	return n
}

// Complete reports whether the full blob has been collected.
func (h *HandshakeReader) Complete() bool {
	return h.pos == HandshakeSize
}

// Buffered returns the bytes collected so far.
func (h *HandshakeReader) Buffered() []byte {
	return h.buf[:h.pos]
}

// Bytes returns the complete blob, or nil if it is still incomplete.
func (h *HandshakeReader) Bytes() []byte {
	if !h.Complete() {
		return nil
	}

	return h.buf[:]
}

// Classify decides whether the collected bytes are a handshake blob or the
// start of a plaintext message for the given network. A plaintext header is
// recognised as soon as its magic or version command is visible, so a short
// plaintext message can't stall the decision.
func (h *HandshakeReader) Classify(net wire.BitcoinNet) Format {
	if h.pos >= magicSize {
		magic := binary.LittleEndian.Uint32(h.buf[:magicSize])
		if wire.BitcoinNet(magic) == net {
			return FormatPlaintext
		}
	}

	if h.pos >= commandEnd {
		cmd := h.buf[magicSize:commandEnd]
		cmd = bytes.TrimRight(cmd, "\x00")
		if string(cmd) == wire.CmdVersion {
			return FormatPlaintext
		}
	}

	if h.Complete() {
		return FormatHandshake
	}

	return FormatUndecided
}

// Reset clears the reader for reuse.
func (h *HandshakeReader) Reset() {
	zeroBytes(h.buf[:])
	h.pos = 0
}
