// SPDX-License-Identifier: GPL-3.0-or-later

package sockwrap

import (
	"fmt"
	"net/netip"
	"strings"
)

// Family selects the IP address family used to resolve and dial.
type Family int

const (
	// FamilyAny accepts both IPv4 and IPv6. When both are available
	// the tracker prefers IPv6 and falls back to IPv4 on failure.
	FamilyAny = Family(iota)

	// FamilyV4 restricts resolution and dialing to IPv4.
	FamilyV4

	// FamilyV6 restricts resolution and dialing to IPv6.
	FamilyV6
)

// ParseFamily maps the commonly used spellings of an address family
// to a [Family]. It accepts "4", "v4", "ipv4", "ip4", "inet", "inet4"
// for IPv4, the equivalent "6" spellings for IPv6, and "", "any",
// "all", "both" for [FamilyAny]. Unknown spellings yield an error.
func ParseFamily(s string) (Family, error) {
	switch strings.ToLower(s) {
	case "4", "v4", "ipv4", "ip4", "inet", "inet4":
		return FamilyV4, nil
	case "6", "v6", "ipv6", "ip6", "inet6":
		return FamilyV6, nil
	case "", "any", "all", "both":
		return FamilyAny, nil
	default:
		return FamilyAny, fmt.Errorf("%w: %q", ErrUnknownFamily, s)
	}
}

// AddrFamily returns the [Family] of an already-parsed IP address.
// IPv4-mapped IPv6 addresses count as IPv6, consistent with how the
// resolver filters them.
func AddrFamily(addr netip.Addr) Family {
	if addr.Is4() {
		return FamilyV4
	}
	return FamilyV6
}

// String implements [fmt.Stringer].
func (f Family) String() string {
	switch f {
	case FamilyV4:
		return "v4"
	case FamilyV6:
		return "v6"
	default:
		return "any"
	}
}

// Network returns the TCP network name to pass to a [Dialer] for
// this family: "tcp", "tcp4", or "tcp6".
func (f Family) Network() string {
	switch f {
	case FamilyV4:
		return "tcp4"
	case FamilyV6:
		return "tcp6"
	default:
		return "tcp"
	}
}

// IPNetwork returns the lookup network name to pass to a resolver
// for this family: "ip", "ip4", or "ip6".
func (f Family) IPNetwork() string {
	switch f {
	case FamilyV4:
		return "ip4"
	case FamilyV6:
		return "ip6"
	default:
		return "ip"
	}
}

// Matches reports whether addr belongs to this family. Every address
// matches [FamilyAny].
func (f Family) Matches(addr netip.Addr) bool {
	return f == FamilyAny || f == AddrFamily(addr)
}
