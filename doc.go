// SPDX-License-Identifier: GPL-3.0-or-later

// Package sockwrap provides managed TCP and TLS connections with
// explicit, inspectable lifecycle state.
//
// # Core Abstractions
//
// The package is built around three layers:
//
//   - [Tracker]: owns the OS-level connection state for one endpoint.
//     It resolves honoring an address-family restriction, dials with
//     an IPv6-to-IPv4 fallback policy, optionally wraps with TLS, and
//     exposes an idempotent Connect/Disconnect state machine plus a
//     virtual-layer context ([Tracker.Enter]) for nesting operations
//     on one connection.
//
//   - [ManagedConn]: the high-level facade. Operations auto-connect
//     on first use and transparently reconnect and retry when the
//     peer breaks the connection mid-operation. It covers sends,
//     bounded receives, read-until-EOF with a receive-time budget
//     ([ManagedConn.ReadEOF]), request/reply exchanges
//     ([ManagedConn.Query], [ManagedConn.HTTPRequest]), and server
//     mode (bind, listen, accept loops via [ManagedConn.OnConnect]).
//     Pre-existing connections are adopted with [FromConn].
//
//   - [Prober]: reachability checks. [Prober.CheckHost] degrades
//     expected network failures to a boolean; [Prober.CheckV4] and
//     [Prober.CheckV6] judge whole address families against sampled
//     well-known endpoints, caching the verdict through a [Cache]
//     (in-process or Redis-backed).
//
// # Address Resolution
//
// [ResolveAddr] resolves one host to at most one address per family,
// filtering IPv4-mapped IPv6 addresses unless explicitly allowed. IP
// literals bypass the resolver but still honor the family
// restriction. Resolution failures mean "no address" rather than an
// error; only a literal of the wrong family fails hard. Trackers
// memoize per-family results so fallback decisions never re-query.
// The [Resolver] interface is satisfied by [StdResolver] (the system
// resolver) and [DNSResolver] (a specific DNS server).
//
// # Observability
//
// All operations support structured logging via [SLogger]
// (compatible with [log/slog]). By default logging is disabled; pass
// a custom [*slog.Logger] to enable it. Error classification is
// configurable via [ErrClassifier].
//
// Operations emit span events (*Start/*Done pairs) recording
// lifecycle and timing: connectStart/connectDone,
// tlsHandshakeStart/tlsHandshakeDone, disconnectStart/disconnectDone,
// probeStart/probeDone. Completion events include t0 (start time),
// err, and errClass. Per-byte events (sendDone, recvDone) and
// layer/retry bookkeeping are emitted at [slog.LevelDebug]; all
// other events use [slog.LevelInfo].
//
// Use [NewSpanID] to generate a unique, time-ordered identifier
// (UUIDv7) for an operation and attach it with [*slog.Logger.With]
// to correlate its events.
//
// # Timeout and Context Philosophy
//
// Operations take a [context.Context] and bind its lifecycle to the
// connection: when the context is done, the connection is closed,
// interrupting any in-progress I/O. Per-operation deadlines
// (connect, read, write) come from the tracker configuration;
// [ManagedConn.ReadEOF] additionally enforces a budget charged only
// for time spent blocked in reads.
//
// # Concurrency
//
// A facade and its tracker assume one logical owner driving I/O at a
// time; the virtual-layer context supports re-entrancy, not
// cross-goroutine locking. [Prober] family checks and the [Cache]
// implementations are safe for concurrent use.
package sockwrap
