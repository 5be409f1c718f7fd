package discovery

import (
	"fmt"
	"net"
	"net/netip"
	"sort"
)

// LimitedBroadcast is the IPv4 limited broadcast address.
const LimitedBroadcast = "255.255.255.255"

// AddrSet is an immutable set of IP addresses belonging to this host.
type AddrSet struct {
	addrs map[netip.Addr]struct{}
}

// NewAddrSet builds a set from textual IPs. Unparseable entries are skipped.
func NewAddrSet(ips ...string) AddrSet {
	set := AddrSet{addrs: make(map[netip.Addr]struct{}, len(ips))}
	for _, raw := range ips {
		addr, err := netip.ParseAddr(raw)
		if err != nil {
			continue
		}
		set.addrs[addr.Unmap()] = struct{}{}
	}
	return set
}

// Contains reports whether ip is one of this host's addresses.
func (s AddrSet) Contains(ip netip.Addr) bool {
	if s.addrs == nil {
		return false
	}
	_, ok := s.addrs[ip.Unmap()]
	return ok
}

// Len returns the number of addresses in the set.
func (s AddrSet) Len() int {
	return len(s.addrs)
}

// Strings returns the set as sorted text.
func (s AddrSet) Strings() []string {
	out := make([]string, 0, len(s.addrs))
	for addr := range s.addrs {
		out = append(out, addr.String())
	}
	sort.Strings(out)
	return out
}

// LocalAddrs enumerates every address assigned to this host's interfaces,
// loopback included. It is meant to be called once at startup.
func LocalAddrs() (AddrSet, error) {
	ifaceAddrs, err := net.InterfaceAddrs()
	if err != nil {
		return AddrSet{}, fmt.Errorf("list interface addresses: %w", err)
	}

	ips := make([]string, 0, len(ifaceAddrs))
	for _, addr := range ifaceAddrs {
		switch v := addr.(type) {
		case *net.IPNet:
			ips = append(ips, v.IP.String())
		case *net.IPAddr:
			ips = append(ips, v.IP.String())
		}
	}
	return NewAddrSet(ips...), nil
}

// BroadcastTargets returns the limited broadcast address followed by the
// directed broadcast address of every up, non-loopback IPv4 interface.
func BroadcastTargets() []string {
	targets := []string{LimitedBroadcast}
	seen := map[string]struct{}{LimitedBroadcast: {}}

	ifaces, err := net.Interfaces()
	if err != nil {
		logger.WithError(err).Warn("list interfaces for broadcast targets")
		return targets
	}

	for _, iface := range ifaces {
		if iface.Flags&net.FlagUp == 0 || iface.Flags&net.FlagLoopback != 0 || iface.Flags&net.FlagBroadcast == 0 {
			continue
		}
		addrs, err := iface.Addrs()
		if err != nil {
			continue
		}
		for _, addr := range addrs {
			ipNet, ok := addr.(*net.IPNet)
			if !ok {
				continue
			}
			bcast := directedBroadcast(ipNet)
			if bcast == "" {
				continue
			}
			if _, dup := seen[bcast]; dup {
				continue
			}
			seen[bcast] = struct{}{}
			targets = append(targets, bcast)
		}
	}
	return targets
}

func directedBroadcast(ipNet *net.IPNet) string {
	ip4 := ipNet.IP.To4()
	if ip4 == nil {
		return ""
	}
	mask := ipNet.Mask
	if len(mask) == net.IPv6len {
		mask = mask[12:]
	}
	if len(mask) != net.IPv4len {
		return ""
	}
	out := make(net.IP, net.IPv4len)
	for i := range ip4 {
		out[i] = ip4[i] | ^mask[i]
	}
	return out.String()
}
