package nodecfg

import "strings"

const (
	// DefaultConfigFilename is the default configuration file name the
	// daemon looks for.
	DefaultConfigFilename = "bip151d.conf"
)

// NormalizeNetwork returns the common name of a network type used to create
// file paths. This allows differently versioned networks to use the same
// path.
func NormalizeNetwork(network string) string {
	if strings.HasPrefix(network, "testnet") {
		return "testnet"
	}

	return network
}
