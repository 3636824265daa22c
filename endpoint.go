// SPDX-License-Identifier: GPL-3.0-or-later

package sockwrap

import (
	"fmt"
	"net"
	"strconv"
	"strings"
)

// Endpoint is an immutable connection target: a hostname or IP
// literal plus a TCP port.
type Endpoint struct {
	// Host is the hostname or IP literal to connect to.
	Host string

	// Port is the TCP port, in the 1-65535 range.
	Port int
}

// NewEndpoint constructs an [Endpoint] from a host and a port.
func NewEndpoint(host string, port int) Endpoint {
	return Endpoint{Host: host, Port: port}
}

// Addr returns the endpoint in "host:port" form, bracketing IPv6
// literals as required by [net.Dial] and friends.
func (e Endpoint) Addr() string {
	return net.JoinHostPort(e.Host, strconv.Itoa(e.Port))
}

// String implements [fmt.Stringer].
func (e Endpoint) String() string {
	return e.Addr()
}

// IsZero reports whether the endpoint is missing a host or a port.
func (e Endpoint) IsZero() bool {
	return e.Host == "" || e.Port == 0
}

// Validate returns an error when the endpoint cannot be connected to:
// an empty host or a port outside the 1-65535 range.
func (e Endpoint) Validate() error {
	if e.Host == "" {
		return fmt.Errorf("%w: empty host", ErrConfig)
	}
	if e.Port < 1 || e.Port > 65535 {
		return fmt.Errorf("%w: port %d out of range", ErrConfig, e.Port)
	}
	return nil
}

// ParseHostPort splits a "host:port" candidate string into an
// [Endpoint], falling back to defaultPort when the string carries no
// usable port.
//
// Probe candidate lists write IPv6 endpoints without brackets, in the
// "2001:db8::1:53" form, where the final colon separates the port.
// When [net.SplitHostPort] cannot parse the string, everything after
// the last colon is tried as the port and the remainder becomes the
// host.
func ParseHostPort(s string, defaultPort int) Endpoint {
	if host, portStr, err := net.SplitHostPort(s); err == nil {
		if port, err := strconv.Atoi(portStr); err == nil {
			return Endpoint{Host: host, Port: port}
		}
	}
	if idx := strings.LastIndexByte(s, ':'); idx > 0 {
		if port, err := strconv.Atoi(s[idx+1:]); err == nil {
			return Endpoint{Host: strings.Trim(s[:idx], "[]"), Port: port}
		}
	}
	return Endpoint{Host: strings.Trim(s, "[]"), Port: defaultPort}
}
