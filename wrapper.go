// SPDX-License-Identifier: GPL-3.0-or-later

package sockwrap

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"time"

	"github.com/bassosimone/sockwrap/sockerr"
)

const (
	// maxIOAttempts bounds the broken-connection retry loop of I/O
	// operations. It is independent from [maxConnectAttempts]: each
	// reconnect inside the loop gets its own connect budget.
	maxIOAttempts = 3

	// DefaultChunkSize is the read and write chunk size used by
	// [ManagedConn.ReadEOF] and [ManagedConn.SendChunks].
	DefaultChunkSize = 1024

	// DefaultEOFTimeout is the receive-time budget used by
	// [ManagedConn.ReadEOF] when not configured otherwise.
	DefaultEOFTimeout = 120 * time.Second

	// DefaultQueryTimeout is the receive-time budget used by
	// [ManagedConn.Query] when not configured otherwise.
	DefaultQueryTimeout = 30 * time.Second
)

// stripSet contains the characters trimmed from replies: NUL bytes
// plus ASCII whitespace.
const stripSet = "\x00 \t\n\r"

// ManagedConn is the high-level connection facade: it owns a
// [*Tracker] and layers automatic connection management on top of it.
//
// Operations auto-connect on first use, retry through transparent
// reconnects when the peer drops the connection mid-operation, and
// compose safely through the tracker's layered context. The same
// facade also covers server mode (bind, listen, accept) and wrapping
// pre-existing connections via [FromConn].
//
// Construct with [NewManagedConn]. All exported fields are safe to
// modify after construction but before first use.
type ManagedConn struct {
	// Tracker owns the underlying connection state.
	//
	// Set by [NewManagedConn] using [NewTracker].
	Tracker *Tracker

	// AutoConnect makes operations dial on first use. When false, an
	// operation on an unconnected facade fails with [ErrConfig].
	//
	// Set by [NewManagedConn] to true.
	AutoConnect bool

	// ErrorReconnect makes operations reconnect and retry when the
	// peer breaks the connection mid-operation (broken pipe, reset,
	// aborted). When false such errors propagate immediately.
	//
	// Set by [NewManagedConn] to true.
	ErrorReconnect bool

	// AutoListen makes [ManagedConn.Accept] bind and listen on first
	// use in server mode.
	//
	// Set by [NewManagedConn] to true.
	AutoListen bool

	// ChunkSize is the I/O chunk size.
	//
	// Set by [NewManagedConn] to [DefaultChunkSize].
	ChunkSize int

	// Logger is the [SLogger] to use (configurable for testing or custom logging).
	//
	// Set by [NewManagedConn] to the user-provided logger.
	Logger SLogger
}

// NewManagedConn returns a new [*ManagedConn] targeting the given endpoint.
//
// The cfg argument contains the common configuration for sockwrap operations.
//
// The logger argument is the [SLogger] to use for structured logging.
func NewManagedConn(cfg *Config, endpoint Endpoint, logger SLogger) *ManagedConn {
	return &ManagedConn{
		Tracker:        NewTracker(cfg, endpoint, logger),
		AutoConnect:    true,
		ErrorReconnect: true,
		AutoListen:     true,
		ChunkSize:      DefaultChunkSize,
		Logger:         logger,
	}
}

// Conn returns the live connection, or nil when not connected.
func (c *ManagedConn) Conn() net.Conn { return c.Tracker.Conn() }

// Connect ensures the facade holds a live connection. It is
// idempotent when already connected.
func (c *ManagedConn) Connect(ctx context.Context) error {
	_, err := c.Tracker.Connect(ctx)
	return err
}

// ConnectTo connects to the given endpoint. When it differs from the
// current one the facade disconnects, forgets memoized resolution
// results, and dials the new endpoint; otherwise this behaves like
// [ManagedConn.Connect].
func (c *ManagedConn) ConnectTo(ctx context.Context, endpoint Endpoint) error {
	if endpoint != c.Tracker.Endpoint {
		c.Tracker.Disconnect()
		c.Tracker.SetEndpoint(endpoint)
	}
	return c.Connect(ctx)
}

// Close tears down the connection and always returns nil, so the
// facade can sit behind [io.Closer] in cleanup paths that must not
// fail.
func (c *ManagedConn) Close() error {
	c.Tracker.Disconnect()
	return nil
}

// withConn runs fn against the live connection, handling the
// automatic connection management shared by every I/O operation:
// auto-connect on first use, context cancellation while blocked in
// I/O, and reconnect-then-retry when the peer breaks the connection
// mid-operation. Timeouts and EOF are not retried.
func (c *ManagedConn) withConn(
	ctx context.Context, op string, fn func(ctx context.Context, conn net.Conn) error) error {
	if err := c.ensureConnected(ctx); err != nil {
		return err
	}
	var lastErr error
	for attempt := 1; attempt <= maxIOAttempts; attempt++ {
		conn := c.Tracker.Conn()
		stop := watchCancel(ctx, conn)
		err := fn(ctx, conn)
		stop()
		err = ctxCause(ctx, err)
		if err == nil {
			return nil
		}
		lastErr = err
		if !c.ErrorReconnect || !sockerr.IsBrokenConn(err) || ctx.Err() != nil {
			return err
		}
		c.Logger.Debug(
			"reconnectRetry",
			slog.Int("attempt", attempt),
			slog.Any("err", err),
			slog.String("errClass", c.Tracker.ErrClassifier.Classify(err)),
			slog.String("op", op),
			slog.String("remoteAddr", c.Tracker.Endpoint.Addr()),
			slog.Time("t", c.Tracker.TimeNow()),
		)
		if attempt >= maxIOAttempts {
			break
		}
		if _, err := c.Tracker.Reconnect(ctx); err != nil {
			return err
		}
	}
	return lastErr
}

func (c *ManagedConn) ensureConnected(ctx context.Context) error {
	if c.Tracker.Connected() {
		return nil
	}
	if !c.AutoConnect {
		return fmt.Errorf("%w: not connected and auto-connect is disabled", ErrConfig)
	}
	if c.Tracker.Endpoint.IsZero() {
		return fmt.Errorf("%w: no endpoint configured", ErrConfig)
	}
	_, err := c.Tracker.Connect(ctx)
	return err
}

// Send writes data to the connection, auto-connecting and retrying
// through reconnects as configured. It returns the number of bytes
// written by the final attempt.
func (c *ManagedConn) Send(ctx context.Context, data []byte) (int, error) {
	var sent int
	err := c.withConn(ctx, "send", func(ctx context.Context, conn net.Conn) error {
		if c.Tracker.WriteTimeout > 0 {
			conn.SetWriteDeadline(c.Tracker.TimeNow().Add(c.Tracker.WriteTimeout))
			defer conn.SetWriteDeadline(time.Time{})
		}
		n, err := conn.Write(data)
		sent = n
		c.Logger.Debug(
			"sendDone",
			slog.Int("count", n),
			slog.Any("err", err),
			slog.String("remoteAddr", c.Tracker.Endpoint.Addr()),
			slog.Time("t", c.Tracker.TimeNow()),
		)
		return err
	})
	return sent, err
}

// SendChunks writes data in [ManagedConn.ChunkSize] sized chunks,
// which keeps individual writes small when talking to peers that
// throttle large frames. Each chunk goes through the same automatic
// connection management as [ManagedConn.Send].
func (c *ManagedConn) SendChunks(ctx context.Context, data []byte) (int, error) {
	chunkSize := c.ChunkSize
	if chunkSize <= 0 {
		chunkSize = DefaultChunkSize
	}
	total := 0
	for len(data) > 0 {
		chunk := data
		if len(chunk) > chunkSize {
			chunk = chunk[:chunkSize]
		}
		n, err := c.Send(ctx, chunk)
		total += n
		if err != nil {
			return total, err
		}
		data = data[len(chunk):]
	}
	return total, nil
}

// Recv reads at most n bytes from the connection. Like the
// underlying socket recv, it returns as soon as some data is
// available and may return fewer than n bytes.
func (c *ManagedConn) Recv(ctx context.Context, n int) ([]byte, error) {
	buf := make([]byte, n)
	var got int
	err := c.withConn(ctx, "recv", func(ctx context.Context, conn net.Conn) error {
		if c.Tracker.ReadTimeout > 0 {
			conn.SetReadDeadline(c.Tracker.TimeNow().Add(c.Tracker.ReadTimeout))
			defer conn.SetReadDeadline(time.Time{})
		}
		m, err := conn.Read(buf)
		got = m
		c.Logger.Debug(
			"recvDone",
			slog.Int("count", m),
			slog.Any("err", err),
			slog.String("remoteAddr", c.Tracker.Endpoint.Addr()),
			slog.Time("t", c.Tracker.TimeNow()),
		)
		if err == io.EOF && m > 0 {
			return nil
		}
		return err
	})
	return buf[:got], err
}

// ReadEOFOptions configures [ManagedConn.ReadEOF].
type ReadEOFOptions struct {
	// Timeout is the receive-time budget. Only time spent blocked in
	// reads counts against it; processing time between reads does
	// not. Zero means [DefaultEOFTimeout].
	Timeout time.Duration

	// Strip controls trimming NUL bytes and ASCII whitespace from
	// both ends of the result. nil means true.
	Strip *bool

	// TimeoutFail makes an exhausted budget an error
	// ([ReadTimeoutError]) instead of returning the data collected
	// so far.
	TimeoutFail bool
}

func (options ReadEOFOptions) strip() bool {
	return options.Strip == nil || *options.Strip
}

// ReadEOF reads from the connection until the peer closes it,
// returning everything received.
//
// The budget is charged per read: before each read the deadline is
// set to the remaining budget, and the time that read spends blocked
// is subtracted afterwards. A peer trickling data can therefore keep
// a session alive past the nominal timeout, but no single silence
// can exceed the remaining budget. On an exhausted budget the data
// collected so far is returned, unless TimeoutFail requests a
// [ReadTimeoutError].
func (c *ManagedConn) ReadEOF(ctx context.Context, options ReadEOFOptions) ([]byte, error) {
	budget := options.Timeout
	if budget <= 0 {
		budget = DefaultEOFTimeout
	}
	chunkSize := c.ChunkSize
	if chunkSize <= 0 {
		chunkSize = DefaultChunkSize
	}

	var buf bytes.Buffer
	err := c.withConn(ctx, "readEOF", func(ctx context.Context, conn net.Conn) error {
		// A retry after a reconnect starts the accumulation over.
		buf.Reset()
		defer conn.SetReadDeadline(time.Time{})
		chunk := make([]byte, chunkSize)
		var spent time.Duration
		for {
			remaining := budget - spent
			if remaining <= 0 {
				return &ReadTimeoutError{
					Host:   c.Tracker.Endpoint.Host,
					Budget: budget,
					Spent:  spent,
				}
			}
			conn.SetReadDeadline(c.Tracker.TimeNow().Add(remaining))
			t0 := c.Tracker.TimeNow()
			n, err := conn.Read(chunk)
			spent += c.Tracker.TimeNow().Sub(t0)
			buf.Write(chunk[:n])
			if err == io.EOF {
				return nil
			}
			if err != nil {
				if sockerr.IsTimeout(err) {
					return &ReadTimeoutError{
						Host:   c.Tracker.Endpoint.Host,
						Budget: budget,
						Spent:  spent,
					}
				}
				return err
			}
		}
	})

	var timeoutErr *ReadTimeoutError
	if errors.As(err, &timeoutErr) && !options.TimeoutFail {
		err = nil
	}
	out := buf.Bytes()
	if options.strip() {
		out = bytes.Trim(out, stripSet)
	}
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Query sends data and reads the reply until EOF, inside one virtual
// layer so the exchange always runs on a fresh connection and nested
// callers keep their own connection alive. The default receive
// budget is [DefaultQueryTimeout].
func (c *ManagedConn) Query(ctx context.Context, data []byte, options ReadEOFOptions) ([]byte, error) {
	if options.Timeout <= 0 {
		options.Timeout = DefaultQueryTimeout
	}
	exit, err := c.Tracker.Enter(ctx)
	if err != nil {
		return nil, err
	}
	defer exit()
	if _, err := c.Send(ctx, data); err != nil {
		return nil, err
	}
	return c.ReadEOF(ctx, options)
}
