// SPDX-License-Identifier: GPL-3.0-or-later

// Package sockerr provides portable predicates over the OS-level socket
// errors that connection-management policies care about.
//
// The parent package retries I/O when the peer broke the connection and
// falls back from IPv6 to IPv4 when a connect attempt fails; both policies
// need to distinguish "the connection is broken" from "the operation timed
// out" from "everything else". The syscall constants differ between POSIX
// and Winsock, so the actual values live in build-tagged files and this
// file only contains the classification logic.
package sockerr

import (
	"context"
	"errors"
	"net"
)

// IsBrokenConn reports whether err indicates that an established
// connection broke underneath us: broken pipe, connection reset by
// peer, or connection aborted.
//
// These are the errors for which a reconnect-and-retry is worthwhile;
// everything else (including timeouts) is not recoverable by redialing
// the same endpoint.
func IsBrokenConn(err error) bool {
	return errors.Is(err, errEPIPE) ||
		errors.Is(err, errECONNRESET) ||
		errors.Is(err, errECONNABORTED)
}

// IsRefused reports whether err indicates that the peer actively
// refused the connection.
func IsRefused(err error) bool {
	return errors.Is(err, errECONNREFUSED)
}

// IsUnreachable reports whether err indicates that the host or the
// network was unreachable.
func IsUnreachable(err error) bool {
	return errors.Is(err, errEHOSTUNREACH) || errors.Is(err, errENETUNREACH)
}

// IsTimeout reports whether err indicates a timeout, regardless of
// whether it surfaced as a syscall error, a [net.Error] with the
// Timeout property, or a context deadline.
func IsTimeout(err error) bool {
	if errors.Is(err, errETIMEDOUT) || errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

// IsNotConnected reports whether err indicates that the socket was not
// connected in the first place. Orderly shutdown ignores this error.
func IsNotConnected(err error) bool {
	return errors.Is(err, errENOTCONN)
}

// IsAlreadyConnected reports whether err indicates that the socket was
// already connected. Connect treats this as success.
func IsAlreadyConnected(err error) bool {
	return errors.Is(err, errEISCONN)
}
