// SPDX-License-Identifier: GPL-3.0-or-later

package sockwrap

import (
	"github.com/bassosimone/runtimex"
	"github.com/google/uuid"
)

// NewSpanID returns a UUIDv7 representing a span.
//
// A span is a sequence of operations that can fail in a single, specific
// way. For example, the connect-resolve-handshake workflow for a single
// endpoint, or one reachability probe against a candidate host.
//
// The prober tags each probe with a span ID; attach one to a logger
// with [*slog.Logger.With] to correlate a connection's lifecycle events.
//
// The span terminology is borrowed from OTel.
//
// This function panics if the system random number generator fails,
// which should only happen under extraordinary circumstances.
func NewSpanID() string {
	return runtimex.PanicOnError1(uuid.NewV7()).String()
}
