// SPDX-License-Identifier: GPL-3.0-or-later

package sockwrap

import (
	"context"
	"log/slog"
)

// Enter opens one virtual layer on the tracker's connection and
// returns the matching exit function.
//
// Layers make nested operations safe to compose: the outermost Enter
// establishes the connection (reconnecting when a stale connection is
// already present, so the outermost caller always starts fresh) and
// only the matching exit disconnects. Inner Enter/exit pairs reuse
// the live connection, except that an inner Enter finding the
// connection dropped mid-sequence redials without resetting the
// nesting depth.
//
// The exit function never fails and must be called exactly once,
// typically via defer. Layers count logical nesting within a single
// owner; they are not a cross-goroutine lock.
func (t *Tracker) Enter(ctx context.Context) (exit func(), err error) {
	switch {
	case t.layers == 0 && t.connected:
		_, err = t.Reconnect(ctx)
	case !t.connected:
		_, err = t.Connect(ctx)
	}
	if err != nil {
		return nil, err
	}
	t.layers++
	t.Logger.Debug(
		"layerEnter",
		slog.Int("layers", t.layers),
		slog.String("remoteAddr", t.Endpoint.Addr()),
		slog.Time("t", t.TimeNow()),
	)
	return t.exitLayer, nil
}

// exitLayer closes one virtual layer, disconnecting when it is the
// outermost one. The depth never goes negative: unbalanced exits
// beyond the outermost layer only repeat the (idempotent) disconnect.
func (t *Tracker) exitLayer() {
	if t.layers <= 1 {
		t.Disconnect()
	}
	if t.layers > 0 {
		t.layers--
	}
	t.Logger.Debug(
		"layerExit",
		slog.Int("layers", t.layers),
		slog.String("remoteAddr", t.Endpoint.Addr()),
		slog.Time("t", t.TimeNow()),
	)
}

// Layers returns the current virtual nesting depth.
func (t *Tracker) Layers() int { return t.layers }
