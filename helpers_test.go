// SPDX-License-Identifier: GPL-3.0-or-later

package sockwrap

import (
	"context"
	"crypto/tls"
	"errors"
	"log/slog"
	"net"
	"net/netip"
	"time"

	"github.com/bassosimone/netstub"
	"github.com/bassosimone/slogstub"
	"github.com/bassosimone/tlsstub"
)

// newCapturingLogger returns a logger that captures all log records into the
// returned slice. The caller can inspect the slice after exercising the code
// under test to verify which events were emitted.
func newCapturingLogger() (*slog.Logger, *[]slog.Record) {
	var records []slog.Record
	handler := &slogstub.FuncHandler{
		EnabledFunc: func(ctx context.Context, level slog.Level) bool {
			return true
		},
		HandleFunc: func(ctx context.Context, record slog.Record) error {
			records = append(records, record)
			return nil
		},
	}
	return slog.New(handler), &records
}

// hasLogEvent reports whether a record with the given message was captured.
func hasLogEvent(records *[]slog.Record, message string) bool {
	for _, record := range *records {
		if record.Message == message {
			return true
		}
	}
	return false
}

// newMockTLSEngine returns a [*tlsstub.FuncTLSEngine] that wraps the given
// [TLSConn]. The engine's ClientFunc returns the conn, NameFunc returns
// "mock", and ParrotFunc returns "".
func newMockTLSEngine(conn TLSConn) *tlsstub.FuncTLSEngine[TLSConn] {
	return &tlsstub.FuncTLSEngine[TLSConn]{
		ClientFunc: func(c net.Conn, config *tls.Config) TLSConn {
			return conn
		},
		NameFunc: func() string {
			return "mock"
		},
		ParrotFunc: func() string {
			return ""
		},
	}
}

// newMinimalConn returns a [*netstub.FuncConn] with only LocalAddrFunc and
// RemoteAddrFunc set. This is the minimum needed for code that calls
// [safeconn.LocalAddr], [safeconn.RemoteAddr], and [safeconn.Network]
// during logging.
func newMinimalConn() *netstub.FuncConn {
	return &netstub.FuncConn{
		LocalAddrFunc:  func() net.Addr { return &net.TCPAddr{} },
		RemoteAddrFunc: func() net.Addr { return &net.TCPAddr{} },
	}
}

// newIOConn returns a [*netstub.FuncConn] that additionally accepts Close
// and deadline changes, which is what the facade I/O paths need. Tests
// set ReadFunc and WriteFunc on top of it.
func newIOConn() *netstub.FuncConn {
	conn := newMinimalConn()
	conn.CloseFunc = func() error { return nil }
	conn.SetDeadlineFunc = func(time.Time) error { return nil }
	conn.SetReadDeadFunc = func(time.Time) error { return nil }
	conn.SetWriteDeaFunc = func(time.Time) error { return nil }
	return conn
}

// newQueueDialer returns a [*netstub.FuncDialer] handing out the given
// conns in order and recording the dialed addresses. A nil conn in the
// queue makes that dial fail with the corresponding error from errs.
func newQueueDialer(conns []net.Conn, errs []error) (*netstub.FuncDialer, *[]string) {
	var addresses []string
	index := 0
	dialer := &netstub.FuncDialer{
		DialContextFunc: func(ctx context.Context, network, address string) (net.Conn, error) {
			addresses = append(addresses, address)
			if index >= len(conns) {
				return nil, errors.New("queue dialer: no more connections")
			}
			conn, err := conns[index], error(nil)
			if conn == nil {
				err = errs[index]
			}
			index++
			return conn, err
		},
	}
	return dialer, &addresses
}

// funcResolver adapts a function to the [Resolver] interface.
type funcResolver func(ctx context.Context, host string, family Family) ([]netip.Addr, error)

// LookupIPAddrs implements [Resolver].
func (f funcResolver) LookupIPAddrs(ctx context.Context, host string, family Family) ([]netip.Addr, error) {
	return f(ctx, host, family)
}

// newStaticResolver returns a [Resolver] serving fixed per-family results.
func newStaticResolver(v4, v6 []netip.Addr) Resolver {
	return funcResolver(func(ctx context.Context, host string, family Family) ([]netip.Addr, error) {
		switch family {
		case FamilyV4:
			return v4, nil
		case FamilyV6:
			return v6, nil
		default:
			return append(append([]netip.Addr{}, v6...), v4...), nil
		}
	})
}

// fakeClock is a manually advanced clock for testing time-dependent code.
type fakeClock struct {
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 1, 15, 10, 30, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.now = c.now.Add(d)
}
