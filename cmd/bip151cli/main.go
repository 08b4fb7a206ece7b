package main

import (
	"fmt"
	"os"
	"time"

	"github.com/urfave/cli"
)

const (
	defaultNetwork = "mainnet"
	defaultTimeout = 10 * time.Second
)

func fatal(err error) {
	fmt.Fprintf(os.Stderr, "[bip151cli] %v\n", err)
	os.Exit(1)
}

func main() {
	app := cli.NewApp()
	app.Name = "bip151cli"
	app.Usage = "probe and talk to nodes over the encrypted P2P transport"
	app.Flags = []cli.Flag{
		cli.StringFlag{
			Name: "network, n",
			Usage: "The network the remote node runs on, one of " +
				"mainnet, testnet3, regtest, simnet or signet.",
			Value: defaultNetwork,
		},
		cli.DurationFlag{
			Name:  "timeout",
			Usage: "Time allowed to connect and run the handshake.",
			Value: defaultTimeout,
		},
		cli.BoolFlag{
			Name: "plaintext",
			Usage: "Skip the encryption handshake and speak the " +
				"unencrypted protocol.",
		},
	}
	app.Commands = []cli.Command{
		keygenCommand,
		probeCommand,
		sendCommand,
	}

	if err := app.Run(os.Args); err != nil {
		fatal(err)
	}
}
