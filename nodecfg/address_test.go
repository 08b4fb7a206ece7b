package nodecfg

import (
	"net"
	"testing"

	"github.com/stretchr/testify/require"
)

const defaultTestPort = "8333"

// recordingResolver returns a resolver that stores the address it was asked
// to resolve and resolves IP literals only.
func recordingResolver(seen *string) TCPResolver {
	return func(network, addr string) (*net.TCPAddr, error) {
		*seen = addr

		host, _, err := net.SplitHostPort(addr)
		if err != nil {
			return nil, err
		}
		if host == "localhost" {
			addr = "127.0.0.1" + addr[len(host):]
		}

		return net.ResolveTCPAddr(network, addr)
	}
}

// TestParseAddressString asserts addresses are completed with the default
// port and resolved as TCP.
func TestParseAddressString(t *testing.T) {
	t.Parallel()

	tests := []struct {
		address  string
		resolved string
		expected string
	}{
		{"tcp://127.0.0.1:18333", "127.0.0.1:18333", "127.0.0.1:18333"},
		{"tcp:127.0.0.1:18333", "127.0.0.1:18333", "127.0.0.1:18333"},
		{"127.0.0.1:18333", "127.0.0.1:18333", "127.0.0.1:18333"},
		{"127.0.0.1", "127.0.0.1:8333", "127.0.0.1:8333"},
		{":18333", ":18333", ":18333"},
		{"", ":8333", ":8333"},
		{":", ":8333", ":8333"},
		{"[::1]", "[::1]:8333", "[::1]:8333"},
		{"::1", "[::1]:8333", "[::1]:8333"},
		{"tcp6://::1", "[::1]:8333", "[::1]:8333"},
		{"123", "localhost:123", "127.0.0.1:123"},
	}

	for _, test := range tests {
		t.Run(test.address, func(t *testing.T) {
			var seen string
			addr, err := ParseAddressString(
				test.address, defaultTestPort,
				recordingResolver(&seen),
			)
			require.NoError(t, err)
			require.Equal(t, test.resolved, seen)
			require.Equal(t, "tcp", addr.Network())
			require.Equal(t, test.expected, addr.String())
		})
	}
}

// TestParseAddressStringRejected asserts non stream networks are refused.
func TestParseAddressStringRejected(t *testing.T) {
	t.Parallel()

	for _, address := range []string{
		"udp://127.0.0.1:8333", "unix:///tmp/bip151d.sock",
		"ip4:127.0.0.1",
	} {
		var seen string
		_, err := ParseAddressString(
			address, defaultTestPort, recordingResolver(&seen),
		)
		require.Error(t, err, address)
		require.Empty(t, seen)
	}
}

// TestNormalizeAddresses asserts duplicates are removed after
// normalization.
func TestNormalizeAddresses(t *testing.T) {
	t.Parallel()

	var seen string
	addrs, err := NormalizeAddresses(
		[]string{
			"127.0.0.1", "127.0.0.1:8333", "tcp://127.0.0.1:8333",
			"10.0.0.1:18444",
		},
		defaultTestPort, recordingResolver(&seen),
	)
	require.NoError(t, err)
	require.Len(t, addrs, 2)
	require.Equal(t, "127.0.0.1:8333", addrs[0].String())
	require.Equal(t, "10.0.0.1:18444", addrs[1].String())

	_, err = NormalizeAddresses(
		[]string{"udp://1.2.3.4"}, defaultTestPort,
		recordingResolver(&seen),
	)
	require.Error(t, err)
}
