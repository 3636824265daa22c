// SPDX-License-Identifier: GPL-3.0-or-later

package sockwrap

import (
	"context"
	"fmt"
	"net"
	"net/netip"
	"time"

	"github.com/miekg/dns"
	"golang.org/x/net/idna"
)

// Resolver abstracts forward hostname resolution restricted to an
// address family.
//
// Implementations return the candidate addresses in resolution order.
// A hostname with no addresses of the requested family yields an
// empty slice and no error; errors are reserved for lookup failures.
type Resolver interface {
	LookupIPAddrs(ctx context.Context, host string, family Family) ([]netip.Addr, error)
}

// StdResolver resolves hostnames through the platform resolver.
//
// The zero value is ready to use and consults [net.DefaultResolver].
type StdResolver struct {
	// Resolver optionally overrides the [*net.Resolver] to use.
	Resolver *net.Resolver
}

var _ Resolver = &StdResolver{}

// LookupIPAddrs implements [Resolver].
func (r *StdResolver) LookupIPAddrs(ctx context.Context, host string, family Family) ([]netip.Addr, error) {
	reso := r.Resolver
	if reso == nil {
		reso = net.DefaultResolver
	}
	return reso.LookupNetIP(ctx, family.IPNetwork(), host)
}

// DNSResolver resolves hostnames by querying a specific DNS server
// over UDP using plain A/AAAA queries.
//
// Use this when the platform resolver must be bypassed, for example
// to pin resolution to a known-good server while probing whether a
// protocol family works at all.
//
// All fields are safe to modify after construction but before first use.
// Fields must not be mutated concurrently with calls to LookupIPAddrs.
type DNSResolver struct {
	// Server is the "host:port" address of the DNS server.
	//
	// Set by [NewDNSResolver] to the user-provided value.
	Server string

	// Client is the [*dns.Client] used for the exchange.
	//
	// Set by [NewDNSResolver] to a client with a 5 second timeout.
	Client *dns.Client
}

// NewDNSResolver returns a new [*DNSResolver] querying the given
// "host:port" server address.
func NewDNSResolver(server string) *DNSResolver {
	return &DNSResolver{
		Server: server,
		Client: &dns.Client{Timeout: 5 * time.Second},
	}
}

var _ Resolver = &DNSResolver{}

// LookupIPAddrs implements [Resolver].
func (r *DNSResolver) LookupIPAddrs(ctx context.Context, host string, family Family) ([]netip.Addr, error) {
	var qtypes []uint16
	switch family {
	case FamilyV4:
		qtypes = []uint16{dns.TypeA}
	case FamilyV6:
		qtypes = []uint16{dns.TypeAAAA}
	default:
		qtypes = []uint16{dns.TypeAAAA, dns.TypeA}
	}

	var addrs []netip.Addr
	for _, qtype := range qtypes {
		query := new(dns.Msg)
		query.SetQuestion(dns.Fqdn(host), qtype)
		query.RecursionDesired = true
		resp, _, err := r.Client.ExchangeContext(ctx, query, r.Server)
		if err != nil {
			return nil, err
		}
		if resp.Rcode != dns.RcodeSuccess {
			return nil, fmt.Errorf("%w: %s query for %s: %s",
				ErrNoAddress, dns.TypeToString[qtype], host, dns.RcodeToString[resp.Rcode])
		}
		for _, rr := range resp.Answer {
			switch record := rr.(type) {
			case *dns.A:
				if addr, ok := netip.AddrFromSlice(record.A.To4()); ok {
					addrs = append(addrs, addr)
				}
			case *dns.AAAA:
				if addr, ok := netip.AddrFromSlice(record.AAAA.To16()); ok {
					addrs = append(addrs, addr)
				}
			}
		}
	}
	return addrs, nil
}

// ResolveAddr turns a host (an IP literal or a hostname) plus a
// requested family into a concrete address.
//
// An IP literal is validated against the requested family and
// returned unchanged; a mismatch yields [ErrFamilyMismatch]. A
// hostname is normalized to its punycode form and forwarded to the
// resolver restricted to the requested family, returning the first
// usable result.
//
// When the requested family is [FamilyV6] and v4Mapped is false,
// IPv4-mapped IPv6 results ("::ffff:" prefixed) are filtered out:
// callers who specifically requested IPv6 want real IPv6 addresses.
// With v4Mapped set, a v4-only host requested as IPv6 yields its IPv4
// address in 4-in-6 form.
//
// A hostname with no usable address reports ok == false and no
// error: the tracker decides whether that fails the connect or
// triggers a fallback.
func ResolveAddr(ctx context.Context, r Resolver, host string, family Family, v4Mapped bool) (addr netip.Addr, ok bool, err error) {
	if literal, parseErr := netip.ParseAddr(host); parseErr == nil {
		if !family.Matches(literal) {
			return netip.Addr{}, false, fmt.Errorf(
				"%w: address %s is %s but family %s was requested",
				ErrFamilyMismatch, host, AddrFamily(literal), family,
			)
		}
		return literal, true, nil
	}

	ascii, err := idna.Lookup.ToASCII(host)
	if err != nil {
		ascii = host
	}

	addrs, err := r.LookupIPAddrs(ctx, ascii, family)
	if err != nil {
		return netip.Addr{}, false, nil
	}
	for _, candidate := range addrs {
		if family == FamilyV6 && candidate.Is4In6() && !v4Mapped {
			continue
		}
		if family.Matches(candidate) {
			return candidate, true, nil
		}
	}
	if v4Mapped && family == FamilyV6 {
		// A v4-only host can still serve a caller that asked for
		// mapped results: resolve v4 and wrap it.
		v4addrs, err := r.LookupIPAddrs(ctx, ascii, FamilyV4)
		if err == nil && len(v4addrs) > 0 {
			return netip.AddrFrom16(v4addrs[0].As16()), true, nil
		}
	}
	return netip.Addr{}, false, nil
}
