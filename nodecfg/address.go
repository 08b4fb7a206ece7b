package nodecfg

import (
	"fmt"
	"net"
	"strconv"
	"strings"
)

// TCPResolver turns a host:port string into a TCP address. Config parsing
// takes one as a parameter so tests can avoid DNS.
type TCPResolver = func(network, addr string) (*net.TCPAddr, error)

// streamNetworks lists the network prefixes accepted on peer addresses. The
// remaining entries are recognised only to be refused with a clear error.
var streamNetworks = map[string]bool{
	"tcp":        true,
	"tcp4":       true,
	"tcp6":       true,
	"udp":        false,
	"udp4":       false,
	"udp6":       false,
	"ip":         false,
	"ip4":        false,
	"ip6":        false,
	"unix":       false,
	"unixgram":   false,
	"unixpacket": false,
}

// NormalizeAddresses resolves every entry of addrs, filling in defaultPort
// where none is given, and drops entries that resolve to an address already
// seen. Order is preserved.
func NormalizeAddresses(addrs []string, defaultPort string,
	resolve TCPResolver) ([]net.Addr, error) {

	result := make([]net.Addr, 0, len(addrs))
	seen := make(map[string]struct{}, len(addrs))

	for _, addr := range addrs {
		parsed, err := ParseAddressString(addr, defaultPort, resolve)
		if err != nil {
			return nil, fmt.Errorf("parse address %s failed: %w",
				addr, err)
		}

		key := parsed.String()
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		result = append(result, parsed)
	}

	return result, nil
}

// ParseAddressString resolves a single address. Accepted forms are
// tcp://host:port, tcp:host:port, host:port, host and a bare port, which is
// taken to mean localhost.
func ParseAddressString(addr string, defaultPort string,
	resolve TCPResolver) (net.Addr, error) {

	network, hostPort := splitNetwork(addr)
	if network == "" {
		network = "tcp"
	} else if !streamNetworks[network] {
		return nil, fmt.Errorf("only TCP addresses are supported: %s",
			addr)
	}

	return resolve(network, withDefaultPort(hostPort, defaultPort))
}

// splitNetwork separates a recognised network prefix from the rest of addr.
// An unrecognised prefix is left in place since it is most likely a host.
func splitNetwork(addr string) (string, string) {
	if network, rest, ok := strings.Cut(addr, "://"); ok {
		return network, rest
	}

	if network, rest, ok := strings.Cut(addr, ":"); ok {
		if _, known := streamNetworks[network]; known {
			return network, rest
		}
	}

	return "", addr
}

// withDefaultPort appends defaultPort to an address that lacks one.
func withDefaultPort(addr string, defaultPort string) string {
	host, port, err := net.SplitHostPort(addr)
	switch {
	case err == nil && host == "" && port == "":
		return ":" + defaultPort

	case err == nil:
		return addr
	}

	// A lone number is a port on localhost.
	if _, err := strconv.Atoi(addr); err == nil {
		return net.JoinHostPort("localhost", addr)
	}

	// JoinHostPort would double the brackets of "[::1]".
	if strings.HasPrefix(addr, "[") {
		return addr + ":" + defaultPort
	}

	return net.JoinHostPort(addr, defaultPort)
}
