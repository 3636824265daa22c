// SPDX-License-Identifier: GPL-3.0-or-later

package sockwrap

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/netip"
	"time"

	"github.com/bassosimone/safeconn"
	"github.com/bassosimone/sockwrap/sockerr"
)

const (
	// maxConnectAttempts bounds the connect retry loop: the initial
	// attempt plus up to two retries on the IPv4 fallback path.
	maxConnectAttempts = 3

	// DefaultConnectTimeout is the per-attempt connect timeout used
	// when the tracker is not configured otherwise.
	DefaultConnectTimeout = 5 * time.Second

	// DefaultReadTimeout is the per-recv deadline used when the
	// tracker is not configured otherwise.
	DefaultReadTimeout = 60 * time.Second

	// DefaultWriteTimeout is the per-send deadline used when the
	// tracker is not configured otherwise.
	DefaultWriteTimeout = 60 * time.Second
)

// Tracker owns the OS-level connection state for one logical
// endpoint: at most one raw connection and, when TLS is enabled,
// exactly one TLS connection layered on top of it.
//
// A tracker is reusable: Disconnect returns it to the unconnected
// state and a later Connect dials again. The zero value is not
// usable; construct with [NewTracker].
//
// A tracker assumes a single logical owner driving I/O at a time. The
// layered context (see [Tracker.Enter]) lets that owner re-enter
// safely; it does not provide cross-goroutine mutual exclusion.
//
// All exported fields are safe to modify after construction but
// before first use. Fields must not be mutated concurrently with
// calls to any method.
type Tracker struct {
	// Dialer establishes outbound connections.
	//
	// Set by [NewTracker] from [Config.Dialer].
	Dialer Dialer

	// Listener binds and listens in server mode.
	//
	// Set by [NewTracker] from [Config.Listener].
	Listener Listener

	// Resolver resolves the endpoint host.
	//
	// Set by [NewTracker] from [Config.Resolver].
	Resolver Resolver

	// ErrClassifier classifies errors for structured logging.
	//
	// Set by [NewTracker] from [Config.ErrClassifier].
	ErrClassifier ErrClassifier

	// Logger is the [SLogger] to use (configurable for testing or custom logging).
	//
	// Set by [NewTracker] to the user-provided logger.
	Logger SLogger

	// TimeNow is the function to get the current time (configurable for testing).
	//
	// Set by [NewTracker] from [Config.TimeNow].
	TimeNow func() time.Time

	// Endpoint is the connection target.
	//
	// Set by [NewTracker] to the user-provided value.
	Endpoint Endpoint

	// Hostname is the logical hostname used for SNI and as the
	// default HTTP Host header. Defaults to the endpoint host.
	Hostname string

	// Family restricts the address family. Defaults to [FamilyAny],
	// except that an IP-literal endpoint pins its own family.
	Family Family

	// Server marks the tracker as a server-mode (bind/listen/accept)
	// tracker rather than a connecting one.
	Server bool

	// UseTLS wraps the raw connection with TLS during connect.
	UseTLS bool

	// TLSConfig is the TLS client configuration. When nil and UseTLS
	// is set, an unverified config is built with [NewTLSConfig]. The
	// config is cloned before each handshake and may be shared
	// between trackers.
	TLSConfig *tls.Config

	// TLSEngine wraps connections for the handshake.
	//
	// Set by [NewTracker] to [TLSEngineStdlib].
	TLSEngine TLSEngine

	// V4Mapped allows IPv4-mapped IPv6 ("::ffff:" prefixed) results
	// when resolving for [FamilyV6].
	V4Mapped bool

	// ConnectTimeout bounds each connect attempt.
	ConnectTimeout time.Duration

	// ReadTimeout is the deadline applied to each receive.
	// Mutable at any time between operations.
	ReadTimeout time.Duration

	// WriteTimeout is the deadline applied to each send.
	// Mutable at any time between operations.
	WriteTimeout time.Duration

	// Connection state. The conn field holds the raw connection and
	// tlsConn the TLS layer above it; Conn returns the live one.
	conn      net.Conn
	tlsConn   TLSConn
	listener  net.Listener
	connected bool
	bound     bool
	listening bool

	// layers is the virtual nesting depth of the layered context.
	layers int

	// Memoized per-family resolution results. Negative results are
	// cached too, so an absent AAAA record is not re-queried on every
	// fallback decision.
	hostV4 resolvedAddr
	hostV6 resolvedAddr
}

// resolvedAddr memoizes one per-family resolution outcome.
type resolvedAddr struct {
	addr netip.Addr
	ok   bool
	err  error
	done bool
}

// NewTracker returns a new [*Tracker] for the given endpoint.
//
// The cfg argument contains the common configuration for sockwrap operations.
//
// The logger argument is the [SLogger] to use for structured logging.
func NewTracker(cfg *Config, endpoint Endpoint, logger SLogger) *Tracker {
	tracker := &Tracker{
		Dialer:         cfg.Dialer,
		Listener:       cfg.Listener,
		Resolver:       cfg.Resolver,
		ErrClassifier:  cfg.ErrClassifier,
		Logger:         logger,
		TimeNow:        cfg.TimeNow,
		Endpoint:       endpoint,
		Hostname:       endpoint.Host,
		TLSEngine:      TLSEngineStdlib{},
		ConnectTimeout: DefaultConnectTimeout,
		ReadTimeout:    DefaultReadTimeout,
		WriteTimeout:   DefaultWriteTimeout,
	}
	if literal, err := netip.ParseAddr(endpoint.Host); err == nil {
		tracker.Family = AddrFamily(literal)
	}
	return tracker
}

// Connected reports whether the tracker holds a live connection.
func (t *Tracker) Connected() bool { return t.connected }

// Bound reports whether a server-mode tracker has been bound.
func (t *Tracker) Bound() bool { return t.bound }

// Listening reports whether a server-mode tracker is listening.
func (t *Tracker) Listening() bool { return t.listening }

// Conn returns the live connection: the TLS connection when TLS is
// enabled, otherwise the raw connection, or nil when not connected.
//
// This accessor replaces dynamic delegation to the socket: callers
// needing operations beyond the tracker surface take the connection
// explicitly.
func (t *Tracker) Conn() net.Conn {
	if t.tlsConn != nil {
		return t.tlsConn
	}
	return t.conn
}

// HostV4 returns the memoized IPv4 address for the endpoint host, if
// one exists. A v6-literal endpoint has no IPv4 form.
func (t *Tracker) HostV4(ctx context.Context) (netip.Addr, bool) {
	entry := t.resolveFamily(ctx, FamilyV4)
	return entry.addr, entry.ok
}

// HostV6 returns the memoized IPv6 address for the endpoint host, if
// one exists.
func (t *Tracker) HostV6(ctx context.Context) (netip.Addr, bool) {
	entry := t.resolveFamily(ctx, FamilyV6)
	return entry.addr, entry.ok
}

// resolveFamily resolves the endpoint host for one family, memoizing
// the result (including negative and error results) per tracker.
func (t *Tracker) resolveFamily(ctx context.Context, family Family) resolvedAddr {
	var entry *resolvedAddr
	switch family {
	case FamilyV4:
		entry = &t.hostV4
	default:
		entry = &t.hostV6
	}
	if !entry.done {
		addr, ok, err := ResolveAddr(ctx, t.Resolver, t.Endpoint.Host, family, t.V4Mapped)
		*entry = resolvedAddr{addr: addr, ok: ok, err: err, done: true}
	}
	return *entry
}

// addrForFamily picks the concrete address to dial for the requested
// family. For [FamilyAny] it prefers IPv6 when available, which is
// what makes the v6-to-v4 fallback policy meaningful.
func (t *Tracker) addrForFamily(ctx context.Context, family Family) (netip.Addr, bool, error) {
	switch family {
	case FamilyV4, FamilyV6:
		entry := t.resolveFamily(ctx, family)
		return entry.addr, entry.ok, entry.err
	default:
		if entry := t.resolveFamily(ctx, FamilyV6); entry.ok {
			return entry.addr, true, nil
		}
		entry := t.resolveFamily(ctx, FamilyV4)
		return entry.addr, entry.ok, entry.err
	}
}

// Connect ensures the tracker holds a live connection and returns it.
//
// Connect is idempotent: when already connected it returns the
// existing connection without touching the socket. Otherwise it
// resolves the endpoint honoring the configured family, dials, wraps
// with TLS when enabled, and applies the v6-to-v4 fallback policy on
// failure: a failed attempt against an IPv6 address retries over the
// host's IPv4 address when one exists, bounded to three attempts in
// total. Without a fallback target the original error propagates
// unchanged after the first failure.
func (t *Tracker) Connect(ctx context.Context) (net.Conn, error) {
	return t.connect(ctx, false)
}

// Reconnect tears the connection down and dials again.
func (t *Tracker) Reconnect(ctx context.Context) (net.Conn, error) {
	t.Disconnect()
	return t.connect(ctx, true)
}

func (t *Tracker) connect(ctx context.Context, force bool) (net.Conn, error) {
	if t.connected && !force {
		return t.Conn(), nil
	}
	if t.Server {
		return nil, fmt.Errorf("%w: connect on a server-mode tracker", ErrConfig)
	}
	if err := t.Endpoint.Validate(); err != nil {
		return nil, err
	}

	family := t.Family
	fellBack := false
	var lastErr error
	for attempt := 1; attempt <= maxConnectAttempts; attempt++ {
		addr, ok, err := t.addrForFamily(ctx, family)
		if err != nil {
			return nil, err
		}
		if !ok {
			if lastErr != nil {
				return nil, lastErr
			}
			return nil, fmt.Errorf("%w: %s (family %s)", ErrNoAddress, t.Endpoint.Host, family)
		}

		conn, err := t.connectAttempt(ctx, addr)
		if err == nil {
			return conn, nil
		}
		if sockerr.IsAlreadyConnected(err) && t.Conn() != nil {
			t.connected = true
			return t.Conn(), nil
		}
		lastErr = err

		if !fellBack {
			if family != FamilyV4 && AddrFamily(addr) == FamilyV6 {
				if v4, haveV4 := t.HostV4(ctx); haveV4 {
					t.Logger.Info(
						"connectFallback",
						slog.Any("err", err),
						slog.String("errClass", t.ErrClassifier.Classify(err)),
						slog.String("from", addr.String()),
						slog.String("to", v4.String()),
						slog.Time("t", t.TimeNow()),
					)
					family = FamilyV4
					fellBack = true
					continue
				}
			}
			// No fallback target: propagate the original error
			// rather than retrying blindly.
			break
		}
	}
	return nil, lastErr
}

// connectAttempt performs one dial (plus TLS handshake when enabled)
// against a concrete address, updating the tracker state on success.
func (t *Tracker) connectAttempt(ctx context.Context, addr netip.Addr) (net.Conn, error) {
	if t.ConnectTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, t.ConnectTimeout)
		defer cancel()
	}

	target := netip.AddrPortFrom(addr, uint16(t.Endpoint.Port))
	network := AddrFamily(addr).Network()
	t0 := t.TimeNow()
	deadline, _ := ctx.Deadline()
	t.logConnectStart(network, target.String(), t0, deadline)
	conn, err := t.Dialer.DialContext(ctx, network, target.String())
	t.logConnectDone(network, target.String(), t0, deadline, conn, err)
	if err != nil {
		return nil, err
	}

	if t.UseTLS {
		tconn, err := t.tlsHandshake(ctx, conn)
		if err != nil {
			return nil, err
		}
		t.conn = conn
		t.tlsConn = tconn
	} else {
		t.conn = conn
	}
	t.connected = true
	return t.Conn(), nil
}

// tlsConfigOrDefault returns the configured TLS config, defaulting to
// an unverified one. Used by the handshake path.
func (t *Tracker) tlsConfigOrDefault() *tls.Config {
	if t.TLSConfig == nil {
		t.TLSConfig = NewTLSConfig(TLSOptions{})
	}
	return t.TLSConfig
}

// Disconnect tears down all connection layers and zeroes the state.
//
// Disconnect never fails: an orderly shutdown is attempted first
// ("not connected" errors ignored) and close-time errors are logged
// and swallowed, since cleanup must be unconditional. Disconnect is
// idempotent.
func (t *Tracker) Disconnect() {
	t0 := t.TimeNow()
	t.Logger.Info(
		"disconnectStart",
		slog.String("remoteAddr", t.Endpoint.Addr()),
		slog.Time("t", t0),
	)
	if t.tlsConn != nil {
		t.shutdownConn(t.tlsConn)
		t.closeQuietly(t.tlsConn)
		t.tlsConn = nil
	}
	if t.conn != nil {
		t.shutdownConn(t.conn)
		t.closeQuietly(t.conn)
		t.conn = nil
	}
	if t.listener != nil {
		t.closeQuietly(t.listener)
		t.listener = nil
	}
	t.connected, t.bound, t.listening = false, false, false
	t.Logger.Info(
		"disconnectDone",
		slog.String("remoteAddr", t.Endpoint.Addr()),
		slog.Time("t0", t0),
		slog.Time("t", t.TimeNow()),
	)
}

// closeWriter is the orderly-shutdown surface of TCP and TLS conns.
type closeWriter interface {
	CloseWrite() error
}

func (t *Tracker) shutdownConn(conn net.Conn) {
	cw, ok := conn.(closeWriter)
	if !ok {
		return
	}
	err := cw.CloseWrite()
	if err == nil || sockerr.IsNotConnected(err) || errors.Is(err, net.ErrClosed) {
		return
	}
	t.Logger.Debug(
		"shutdownError",
		slog.Any("err", err),
		slog.String("errClass", t.ErrClassifier.Classify(err)),
		slog.String("remoteAddr", t.Endpoint.Addr()),
		slog.Time("t", t.TimeNow()),
	)
}

func (t *Tracker) closeQuietly(closer interface{ Close() error }) {
	err := closer.Close()
	if err == nil || errors.Is(err, net.ErrClosed) {
		return
	}
	t.Logger.Debug(
		"closeError",
		slog.Any("err", err),
		slog.String("errClass", t.ErrClassifier.Classify(err)),
		slog.String("remoteAddr", t.Endpoint.Addr()),
		slog.Time("t", t.TimeNow()),
	)
}

// Bind marks a server-mode tracker as bound to its endpoint. It is a
// no-op when already bound and not forced.
//
// The Go net package couples binding and listening inside Listen, so
// the OS-level bind is deferred until [Tracker.Listen]; Bind
// validates the endpoint and advances the state machine. A tracker is
// never listening without being bound.
func (t *Tracker) Bind(ctx context.Context, force bool) error {
	if t.bound && !force {
		return nil
	}
	if !t.Server {
		return fmt.Errorf("%w: bind on a client-mode tracker", ErrConfig)
	}
	// Unlike connecting, binding accepts port 0 (OS-assigned).
	if t.Endpoint.Host == "" {
		return fmt.Errorf("%w: empty host", ErrConfig)
	}
	if t.Endpoint.Port < 0 || t.Endpoint.Port > 65535 {
		return fmt.Errorf("%w: port %d out of range", ErrConfig, t.Endpoint.Port)
	}
	t.bound = true
	return nil
}

// Listen starts listening on the tracker endpoint. It is a no-op when
// already listening and not forced. Binding is implied when it has
// not happened yet. The listen backlog is managed by the OS through
// the net package and is not configurable here.
func (t *Tracker) Listen(ctx context.Context, force bool) error {
	if t.listening && !force {
		return nil
	}
	if err := t.Bind(ctx, false); err != nil {
		return err
	}
	if t.listener != nil {
		t.closeQuietly(t.listener)
		t.listener = nil
	}
	listener, err := t.Listener.Listen(ctx, t.Family.Network(), t.Endpoint.Addr())
	if err != nil {
		return err
	}
	t.listener = listener
	t.listening = true
	t.Logger.Info(
		"listenDone",
		slog.String("localAddr", listener.Addr().String()),
		slog.String("protocol", t.Family.Network()),
		slog.Time("t", t.TimeNow()),
	)
	return nil
}

// ListenerAddr returns the bound listener address, or nil when the
// tracker is not listening. Useful when listening on port 0.
func (t *Tracker) ListenerAddr() net.Addr {
	if t.listener == nil {
		return nil
	}
	return t.listener.Addr()
}

// Accept waits for and returns the next incoming connection. The
// context interrupts a blocked accept by closing the listener.
func (t *Tracker) Accept(ctx context.Context) (net.Conn, net.Addr, error) {
	if !t.listening || t.listener == nil {
		return nil, nil, fmt.Errorf("%w: accept without listening", ErrConfig)
	}
	stop := watchCancel(ctx, t.listener)
	defer stop()
	conn, err := t.listener.Accept()
	if err != nil {
		return nil, nil, ctxCause(ctx, err)
	}
	t.Logger.Info(
		"acceptDone",
		slog.String("localAddr", safeconn.LocalAddr(conn)),
		slog.String("protocol", safeconn.Network(conn)),
		slog.String("remoteAddr", safeconn.RemoteAddr(conn)),
		slog.Time("t", t.TimeNow()),
	)
	return conn, conn.RemoteAddr(), nil
}

// SetEndpoint retargets the tracker: it updates the endpoint and the
// hostname, forgets memoized resolution results, and re-pins the
// family when the new host is an IP literal. The caller must
// disconnect first when a connection is live.
func (t *Tracker) SetEndpoint(endpoint Endpoint) {
	t.Endpoint = endpoint
	t.Hostname = endpoint.Host
	t.hostV4, t.hostV6 = resolvedAddr{}, resolvedAddr{}
	if literal, err := netip.ParseAddr(endpoint.Host); err == nil {
		t.Family = AddrFamily(literal)
	}
}

// Duplicate creates a new tracker with this tracker's configuration
// and a fresh, unconnected state. The OS-level sockets are never
// shared between trackers.
func (t *Tracker) Duplicate() *Tracker {
	dup := *t
	dup.conn, dup.tlsConn, dup.listener = nil, nil, nil
	dup.connected, dup.bound, dup.listening = false, false, false
	dup.layers = 0
	dup.hostV4, dup.hostV6 = resolvedAddr{}, resolvedAddr{}
	return &dup
}

func (t *Tracker) logConnectStart(network, address string, t0 time.Time, deadline time.Time) {
	t.Logger.Info(
		"connectStart",
		slog.Time("deadline", deadline),
		slog.String("protocol", network),
		slog.String("remoteAddr", address),
		slog.Time("t", t0),
	)
}

func (t *Tracker) logConnectDone(
	network, address string, t0 time.Time, deadline time.Time, conn net.Conn, err error) {
	t.Logger.Info(
		"connectDone",
		slog.Time("deadline", deadline),
		slog.Any("err", err),
		slog.String("errClass", t.ErrClassifier.Classify(err)),
		slog.String("localAddr", safeconn.LocalAddr(conn)),
		slog.String("protocol", network),
		slog.String("remoteAddr", address),
		slog.Time("t0", t0),
		slog.Time("t", t.TimeNow()),
	)
}
