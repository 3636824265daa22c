// SPDX-License-Identifier: GPL-3.0-or-later

package sockwrap

import (
	"context"
	"io"
)

// watchCancel arranges for closer to be closed when ctx is done
// (cancelled or deadline exceeded), so that blocking I/O on a socket
// or a blocked Accept on a listener fails promptly instead of waiting
// for a per-operation timeout.
//
// The returned stop function unregisters the watcher; call it once
// the guarded operation completes, normally via defer. This relies on
// the [net.ErrClosed] discipline of the standard library: closing an
// already-closed connection is harmless, and I/O on a closed
// connection fails gracefully.
func watchCancel(ctx context.Context, closer io.Closer) (stop func() bool) {
	return context.AfterFunc(ctx, func() {
		closer.Close()
	})
}

// ctxCause maps an error observed after a context fired to the
// context's own error, so callers see context.Canceled or
// context.DeadlineExceeded rather than the net.ErrClosed produced by
// the watcher tearing the socket down.
func ctxCause(ctx context.Context, err error) error {
	if err != nil && ctx.Err() != nil {
		return ctx.Err()
	}
	return err
}
