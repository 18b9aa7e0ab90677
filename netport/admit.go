package netport

import (
	"fmt"
	"net"
)

// AdmitFunc decides whether a peer may connect to a Server.
type AdmitFunc func(ip net.IP) bool

// AllowAll admits every peer.
func AllowAll(net.IP) bool { return true }

// AllowLoopback admits peers on the loopback interface.
func AllowLoopback(ip net.IP) bool { return ip.IsLoopback() }

// AllowLinkLocal admits link-local unicast peers (169.254.0.0/16, fe80::/10).
func AllowLinkLocal(ip net.IP) bool { return ip.IsLinkLocalUnicast() }

// AllowNetworks admits peers inside any of the given CIDR blocks.
func AllowNetworks(cidrs ...string) (AdmitFunc, error) {
	nets := make([]*net.IPNet, 0, len(cidrs))
	for _, c := range cidrs {
		_, n, err := net.ParseCIDR(c)
		if err != nil {
			return nil, fmt.Errorf("netport: bad network %q: %w", c, err)
		}
		nets = append(nets, n)
	}
	return func(ip net.IP) bool {
		for _, n := range nets {
			if n.Contains(ip) {
				return true
			}
		}
		return false
	}, nil
}

// AnyOf admits a peer accepted by at least one of fns.
func AnyOf(fns ...AdmitFunc) AdmitFunc {
	return func(ip net.IP) bool {
		for _, fn := range fns {
			if fn(ip) {
				return true
			}
		}
		return false
	}
}

// peerIP extracts the IP address from a remote address.
func peerIP(addr net.Addr) net.IP {
	switch a := addr.(type) {
	case *net.TCPAddr:
		return a.IP
	case *net.UDPAddr:
		return a.IP
	}
	host, _, err := net.SplitHostPort(addr.String())
	if err != nil {
		return nil
	}
	return net.ParseIP(host)
}
