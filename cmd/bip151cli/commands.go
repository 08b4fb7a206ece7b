package main

import (
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"syscall"
	"time"

	"github.com/btcnode/bip151d/bip151"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/wire"
	"github.com/urfave/cli"
)

// networks maps the accepted --network values to their parameters.
var networks = map[string]*chaincfg.Params{
	"mainnet":  &chaincfg.MainNetParams,
	"testnet3": &chaincfg.TestNet3Params,
	"regtest":  &chaincfg.RegressionNetParams,
	"simnet":   &chaincfg.SimNetParams,
	"signet":   &chaincfg.SigNetParams,
}

func printJSON(resp interface{}) {
	b, err := json.MarshalIndent(resp, "", "    ")
	if err != nil {
		fatal(err)
	}

	fmt.Fprintln(os.Stdout, string(b))
}

// networkParams returns the parameters selected with --network.
func networkParams(ctx *cli.Context) (*chaincfg.Params, error) {
	name := ctx.GlobalString("network")
	params, ok := networks[name]
	if !ok {
		return nil, fmt.Errorf("unknown network %q", name)
	}

	return params, nil
}

// withPort appends the network's default port to addr if it has none.
func withPort(addr string, params *chaincfg.Params) string {
	if _, _, err := net.SplitHostPort(addr); err == nil {
		return addr
	}

	return net.JoinHostPort(addr, params.DefaultPort)
}

// connect dials the node named by the first argument.
func connect(ctx *cli.Context) (*bip151.Conn, error) {
	if ctx.NArg() < 1 {
		return nil, errors.New("node address missing")
	}

	params, err := networkParams(ctx)
	if err != nil {
		return nil, err
	}

	cfg := &bip151.Config{
		Net:               params.Net,
		DisableEncryption: ctx.GlobalBool("plaintext"),
		HandshakeTimeout:  ctx.GlobalDuration("timeout"),
	}

	return bip151.Dial(
		cfg, withPort(ctx.Args().First(), params),
		ctx.GlobalDuration("timeout"), net.DialTimeout,
	)
}

type connInfo struct {
	Remote    string `json:"remote"`
	Encrypted bool   `json:"encrypted"`
	SessionID string `json:"session_id,omitempty"`
	Note      string `json:"note,omitempty"`
}

func newConnInfo(conn *bip151.Conn) connInfo {
	info := connInfo{
		Remote:    conn.RemoteAddr().String(),
		Encrypted: conn.Encrypted(),
	}
	if id, ok := conn.SessionID(); ok {
		info.SessionID = hex.EncodeToString(id[:])
	}

	return info
}

var keygenCommand = cli.Command{
	Name:  "keygen",
	Usage: "Generate an ephemeral handshake key.",
	Description: `
	Generate a fresh ephemeral key pair and print the 32 byte handshake
	blob a node would send for it. The private key is discarded.`,
	Action: keygen,
}

func keygen(_ *cli.Context) error {
	engine, err := bip151.NewEngine()
	if err != nil {
		return err
	}
	defer engine.Wipe()

	blob, err := engine.HandshakeRequestData()
	if err != nil {
		return err
	}

	printJSON(struct {
		Handshake string `json:"handshake"`
	}{
		Handshake: hex.EncodeToString(blob[:]),
	})

	return nil
}

var probeCommand = cli.Command{
	Name:      "probe",
	Usage:     "Connect to a node and report whether it encrypts.",
	ArgsUsage: "host[:port]",
	Description: `
	Connect to the node, run the encryption handshake and print the
	outcome. A node without encryption support usually rejects the
	handshake blob as a malformed header and hangs up. That is reported
	as probable plaintext. A node that stays silent until the timeout is
	reported as an error.`,
	Action: probe,
}

func probe(ctx *cli.Context) error {
	conn, err := connect(ctx)
	info, err := probeResult(ctx.Args().First(), conn, err)
	if err != nil {
		return err
	}

	printJSON(info)

	return nil
}

// probeResult turns the outcome of dialing addr into the probe report. As
// the dialing side we always send the handshake blob first, so a node
// without encryption never falls back. It drops the connection instead.
func probeResult(addr string, conn *bip151.Conn, err error) (connInfo,
	error) {

	switch {
	case err == nil:
		defer conn.Close()
		return newConnInfo(conn), nil

	case errors.Is(err, io.EOF), errors.Is(err, io.ErrUnexpectedEOF),
		errors.Is(err, syscall.ECONNRESET):

		return connInfo{
			Remote: addr,
			Note: "plaintext (probable): connection closed " +
				"during handshake",
		}, nil

	default:
		return connInfo{}, err
	}
}

var sendCommand = cli.Command{
	Name:      "send",
	Usage:     "Send a message to a node and print its replies.",
	ArgsUsage: "host[:port] command [payload]",
	Description: `
	Connect to the node, send a single message with the given command
	and hex encoded payload, then print every message received until
	the wait time passed.`,
	Flags: []cli.Flag{
		cli.DurationFlag{
			Name:  "wait",
			Usage: "How long to wait for replies.",
			Value: 5 * time.Second,
		},
	},
	Action: send,
}

type messageInfo struct {
	Command string `json:"command"`
	Payload string `json:"payload"`
}

// parseMessage builds the message described by the command line arguments
// following the node address.
func parseMessage(args cli.Args) (*bip151.Message, error) {
	if len(args) < 2 {
		return nil, errors.New("command missing")
	}

	cmd := args.Get(1)
	if len(cmd) == 0 || len(cmd) > wire.CommandSize {
		return nil, fmt.Errorf("command must be 1 to %d bytes",
			wire.CommandSize)
	}

	payload, err := hex.DecodeString(args.Get(2))
	if err != nil {
		return nil, fmt.Errorf("payload must be hex: %w", err)
	}
	if len(payload) > bip151.MaxProtocolMessageLength {
		return nil, bip151.ErrMessageTooLarge
	}

	return &bip151.Message{Command: cmd, Payload: payload}, nil
}

func send(ctx *cli.Context) error {
	msg, err := parseMessage(ctx.Args())
	if err != nil {
		return err
	}

	conn, err := connect(ctx)
	if err != nil {
		return err
	}
	defer conn.Close()

	if err := conn.WriteMessages(msg); err != nil {
		return err
	}

	err = conn.SetReadDeadline(time.Now().Add(ctx.Duration("wait")))
	if err != nil {
		return err
	}

	var replies []messageInfo
	for {
		reply, err := conn.ReadMessage()
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() ||
			errors.Is(err, io.EOF) {

			break
		}
		if err != nil {
			return err
		}

		replies = append(replies, messageInfo{
			Command: reply.Command,
			Payload: hex.EncodeToString(reply.Payload),
		})
	}

	printJSON(struct {
		connInfo
		Replies []messageInfo `json:"replies"`
	}{
		connInfo: newConnInfo(conn),
		Replies:  replies,
	})

	return nil
}
