// SPDX-License-Identifier: GPL-3.0-or-later

package sockwrap

import (
	"errors"
	"fmt"
	"time"
)

// ErrFamilyMismatch indicates that the caller supplied an IP literal
// whose family does not match the requested address family, such as
// resolving "8.8.4.4" while asking for IPv6.
var ErrFamilyMismatch = errors.New("sockwrap: address family mismatch")

// ErrUnknownFamily indicates an unrecognized address family spelling
// passed to [ParseFamily].
var ErrUnknownFamily = errors.New("sockwrap: unknown address family")

// ErrConfig is the umbrella for configuration errors: an operation
// attempted without a connection while auto-connect is disabled, a
// server-mode operation on a client connection and vice versa, or a
// missing host or port. Use [errors.Is] to match.
var ErrConfig = errors.New("sockwrap: configuration error")

// ErrNoAddress indicates that resolution produced no usable address
// for the requested family.
var ErrNoAddress = errors.New("sockwrap: no usable address")

// ErrStopLoop stops a server accept loop cleanly when returned by an
// [AcceptHandler]. It never escapes to the accept-loop caller.
var ErrStopLoop = errors.New("sockwrap: stop accept loop")

// ReadTimeoutError is returned by EOF-bounded reads when the
// cumulative receive time exceeded the configured budget and the
// caller asked for timeouts to fail rather than return partial data.
type ReadTimeoutError struct {
	// Host is the peer host the read was bound to.
	Host string

	// Budget is the configured cumulative receive budget.
	Budget time.Duration

	// Spent is the receive time actually consumed.
	Spent time.Duration
}

// Error implements the error interface.
func (e *ReadTimeoutError) Error() string {
	return fmt.Sprintf(
		"sockwrap: spent %v of the %v receive budget reading until EOF from %s",
		e.Spent, e.Budget, e.Host,
	)
}

// Timeout reports true so that [ReadTimeoutError] matches the
// timeout-detection conventions of the net package.
func (e *ReadTimeoutError) Timeout() bool { return true }

// Temporary implements the legacy net.Error surface.
func (e *ReadTimeoutError) Temporary() bool { return true }
