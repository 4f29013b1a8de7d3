// Package resolver decides which local address a session's UDP socket binds to
// and which address the relay advertises to the client for that socket.
package resolver

import (
	"fmt"
	"net/netip"
	"strings"
)

// DeploymentMode describes whether the relay can honor arbitrary local bind
// addresses.
type DeploymentMode int

const (
	// Unrestricted hosts have direct network access; loopback and wildcard
	// bind requests are honored as given.
	Unrestricted DeploymentMode = iota
	// Restricted hosts sit behind outbound-only NAT or PaaS networking. Every
	// bind is forced to 0.0.0.0 with an OS-assigned port.
	Restricted
)

func (m DeploymentMode) String() string {
	switch m {
	case Restricted:
		return "restricted"
	default:
		return "unrestricted"
	}
}

func ParseDeploymentMode(raw string) (DeploymentMode, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "unrestricted", "local", "direct":
		return Unrestricted, nil
	case "restricted", "cloud", "nat":
		return Restricted, nil
	default:
		return Unrestricted, fmt.Errorf("invalid deployment mode %q (expected restricted or unrestricted)", raw)
	}
}

var loopbackIPv4 = netip.AddrFrom4([4]byte{127, 0, 0, 1})

// DecideBindTarget maps a client's requested local address to the address the
// relay actually binds.
//
// In Restricted mode the result is always 0.0.0.0:0. Otherwise loopback and
// wildcard requests are honored exactly, and any other address (typically the
// client's own LAN IP, which the relay cannot own) is replaced by the wildcard
// while keeping the requested port.
func DecideBindTarget(requestedIP string, requestedPort uint16, mode DeploymentMode) netip.AddrPort {
	if mode == Restricted {
		return netip.AddrPortFrom(netip.IPv4Unspecified(), 0)
	}
	if ip, ok := parseLocalIP(requestedIP); ok && (ip.IsLoopback() || ip.IsUnspecified()) {
		return netip.AddrPortFrom(ip, requestedPort)
	}
	return netip.AddrPortFrom(netip.IPv4Unspecified(), requestedPort)
}

func parseLocalIP(raw string) (netip.Addr, bool) {
	raw = strings.TrimSpace(raw)
	if strings.EqualFold(raw, "localhost") {
		return loopbackIPv4, true
	}
	ip, err := netip.ParseAddr(raw)
	if err != nil {
		return netip.Addr{}, false
	}
	return ip.Unmap(), true
}
