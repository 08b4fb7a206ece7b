package nodecfg

import "fmt"

const (
	// DefaultHandshakeWorkers is the default maximum number of inbound
	// handshakes running in parallel.
	DefaultHandshakeWorkers = 1000
)

// Workers exposes CLI configuration for turning resources consumed by
// concurrent connection setup.
//
//nolint:ll
type Workers struct {
	// Handshake is the maximum number of concurrent inbound handshakes.
	Handshake int `long:"handshake" description:"Maximum number of concurrent inbound handshakes."`
}

// Validate checks the Workers configuration to ensure that the input values
// are sane.
func (w *Workers) Validate() error {
	if w.Handshake <= 0 {
		return fmt.Errorf("handshake must be positive")
	}

	return nil
}
