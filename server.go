// SPDX-License-Identifier: GPL-3.0-or-later

package sockwrap

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net"

	"github.com/bassosimone/safeconn"
	"github.com/bassosimone/sud"
)

// Bind binds a server-mode facade to its endpoint. See
// [Tracker.Bind] for the bind/listen coupling notes.
func (c *ManagedConn) Bind(ctx context.Context) error {
	return c.Tracker.Bind(ctx, false)
}

// Listen starts listening on the facade endpoint, binding first when
// needed.
func (c *ManagedConn) Listen(ctx context.Context) error {
	return c.Tracker.Listen(ctx, false)
}

// Accept waits for the next incoming connection and returns it
// wrapped as a connected [*ManagedConn], along with the peer
// address. When AutoListen is set, the first Accept binds and
// listens automatically.
func (c *ManagedConn) Accept(ctx context.Context) (*ManagedConn, net.Addr, error) {
	if !c.Tracker.Listening() {
		if !c.AutoListen {
			return nil, nil, fmt.Errorf("%w: not listening and auto-listen is disabled", ErrConfig)
		}
		if err := c.Listen(ctx); err != nil {
			return nil, nil, err
		}
	}
	conn, addr, err := c.Tracker.Accept(ctx)
	if err != nil {
		return nil, nil, err
	}
	return FromConn(c.derivedConfig(), conn, c.Logger), addr, nil
}

// derivedConfig rebuilds a [*Config] from the tracker collaborators,
// so accepted peers share the parent's resolver, classifier, and
// clock.
func (c *ManagedConn) derivedConfig() *Config {
	return &Config{
		Dialer:        c.Tracker.Dialer,
		Listener:      c.Tracker.Listener,
		Resolver:      c.Tracker.Resolver,
		ErrClassifier: c.Tracker.ErrClassifier,
		TimeNow:       c.Tracker.TimeNow,
	}
}

// AcceptHandler handles one accepted connection. The returned bytes
// feed the stop-return matching of [ManagedConn.OnConnect]; a nil
// error keeps the accept loop running.
type AcceptHandler func(ctx context.Context, peer *ManagedConn, addr net.Addr) ([]byte, error)

// OnConnectOptions configures [ManagedConn.OnConnect].
type OnConnectOptions struct {
	// StopReturn stops the accept loop when a handler's return
	// value, with NUL bytes stripped, equals or contains it. nil
	// disables stop-return matching.
	StopReturn []byte

	// FoldCase makes the StopReturn match case-insensitive.
	FoldCase bool
}

// OnConnect runs an accept loop, invoking handler for every incoming
// connection. Each peer facade is closed after its handler returns.
//
// The loop ends when the handler returns an error (which propagates,
// except for [ErrStopLoop] which stops cleanly), when the stop-return
// matches (nil is returned), or when the context is canceled.
func (c *ManagedConn) OnConnect(
	ctx context.Context, handler AcceptHandler, options OnConnectOptions) error {
	for {
		peer, addr, err := c.Accept(ctx)
		if err != nil {
			return err
		}
		ret, err := handler(ctx, peer, addr)
		peer.Close()
		if err != nil {
			if errors.Is(err, ErrStopLoop) {
				return nil
			}
			return err
		}
		if options.StopReturn != nil && matchStopReturn(ret, options.StopReturn, options.FoldCase) {
			return nil
		}
	}
}

// matchStopReturn implements the stop-return policy: NUL bytes are
// stripped from the handler value, then the value must equal or
// contain the wanted bytes, optionally ignoring ASCII case.
func matchStopReturn(value, want []byte, fold bool) bool {
	value = bytes.Trim(value, "\x00")
	if fold {
		value = bytes.ToLower(value)
		want = bytes.ToLower(want)
	}
	return bytes.Equal(value, want) || bytes.Contains(value, want)
}

// FromConn wraps a pre-existing connection into a [*ManagedConn].
//
// The endpoint is derived from the connection's remote address and
// the facade tracker dials through a single-use dialer handing out
// exactly this connection, so the first operation adopts it through
// the normal auto-connect path. A later reconnect attempt fails,
// since the wrapped connection cannot be re-dialed; callers wanting
// transparent reconnects should build the facade with
// [NewManagedConn] instead.
func FromConn(cfg *Config, conn net.Conn, logger SLogger) *ManagedConn {
	endpoint := ParseHostPort(safeconn.RemoteAddr(conn), 0)
	derived := *cfg
	derived.Dialer = sud.NewSingleUseDialer(conn)
	return NewManagedConn(&derived, endpoint, logger)
}
