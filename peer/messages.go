package peer

import (
	"bytes"

	"github.com/btcnode/bip151d/bip151"
	"github.com/btcsuite/btcd/wire"
)

// pver is the protocol version used to encode keepalive messages.
const pver = wire.ProtocolVersion

// newPing builds a ping message carrying nonce.
func newPing(nonce uint64) (*bip151.Message, error) {
	var buf bytes.Buffer
	err := wire.NewMsgPing(nonce).BtcEncode(&buf, pver, wire.BaseEncoding)
	if err != nil {
		return nil, err
	}

	return &bip151.Message{
		Command: wire.CmdPing,
		Payload: buf.Bytes(),
	}, nil
}

// newPong builds the pong answering a ping with nonce.
func newPong(nonce uint64) (*bip151.Message, error) {
	var buf bytes.Buffer
	err := wire.NewMsgPong(nonce).BtcEncode(&buf, pver, wire.BaseEncoding)
	if err != nil {
		return nil, err
	}

	return &bip151.Message{
		Command: wire.CmdPong,
		Payload: buf.Bytes(),
	}, nil
}

// decodePing returns the nonce of a ping payload.
func decodePing(payload []byte) (uint64, error) {
	var ping wire.MsgPing
	err := ping.BtcDecode(bytes.NewReader(payload), pver, wire.BaseEncoding)
	if err != nil {
		return 0, err
	}

	return ping.Nonce, nil
}

// decodePong returns the nonce of a pong payload.
func decodePong(payload []byte) (uint64, error) {
	var pong wire.MsgPong
	err := pong.BtcDecode(bytes.NewReader(payload), pver, wire.BaseEncoding)
	if err != nil {
		return 0, err
	}

	return pong.Nonce, nil
}
