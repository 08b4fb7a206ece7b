package nodecfg

import (
	"fmt"
	"time"

	"github.com/btcnode/bip151d/bip151"
)

const (
	// DefaultHandshakeTimeout is the default time allowed for the key
	// exchange of a new connection.
	DefaultHandshakeTimeout = bip151.DefaultHandshakeTimeout

	// MinGrowthStep is the smallest accepted record buffer growth step.
	MinGrowthStep = 4096
)

// Encryption holds the configuration of the encrypted transport.
//
//nolint:ll
type Encryption struct {
	Disable bool `long:"disable" description:"Never attempt the encryption handshake and speak the unencrypted protocol only."`

	HandshakeTimeout time.Duration `long:"handshaketimeout" description:"Time allowed for the key exchange of a new connection."`

	GrowthStep int `long:"growthstep" description:"Maximum number of bytes the receive buffer of a record grows ahead of the data actually received."`

	StrictMessages bool `long:"strictmessages" description:"Reject inner messages that are not entirely contained in a single record."`
}

// DefaultEncryption returns the default transport configuration.
func DefaultEncryption() *Encryption {
	return &Encryption{
		HandshakeTimeout: DefaultHandshakeTimeout,
		GrowthStep:       bip151.DefaultGrowthStep,
	}
}

// Validate checks the configured values are sane.
func (e *Encryption) Validate() error {
	if e.HandshakeTimeout <= 0 {
		return fmt.Errorf("encryption.handshaketimeout must be "+
			"positive, got %v", e.HandshakeTimeout)
	}

	if e.GrowthStep < MinGrowthStep ||
		e.GrowthStep > bip151.MaxEnvelopePayload {

		return fmt.Errorf("encryption.growthstep must be between %d "+
			"and %d, got %d", MinGrowthStep,
			bip151.MaxEnvelopePayload, e.GrowthStep)
	}

	return nil
}
