// SPDX-License-Identifier: GPL-3.0-or-later

package sockwrap

import (
	"context"
	"io"
	"net"
	"net/netip"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// NewManagedConn populates the tracker and enables the automatic
// behaviors.
func TestNewManagedConn(t *testing.T) {
	cfg := NewConfig()

	conn := NewManagedConn(cfg, NewEndpoint("www.example.com", 443), DefaultSLogger())

	require.NotNil(t, conn)
	require.NotNil(t, conn.Tracker)
	assert.True(t, conn.AutoConnect)
	assert.True(t, conn.ErrorReconnect)
	assert.True(t, conn.AutoListen)
	assert.Equal(t, DefaultChunkSize, conn.ChunkSize)
	assert.Nil(t, conn.Conn())
}

func newFacadeFixture(t *testing.T, conns []net.Conn, errs []error) (*ManagedConn, *[]string) {
	t.Helper()
	dialer, addresses := newQueueDialer(conns, errs)
	cfg := NewConfig()
	cfg.Dialer = dialer
	cfg.Resolver = newStaticResolver([]netip.Addr{netip.MustParseAddr("93.184.216.34")}, nil)
	return NewManagedConn(cfg, NewEndpoint("www.example.com", 80), DefaultSLogger()), addresses
}

// Send auto-connects on first use and writes the payload.
func TestManagedConnSend(t *testing.T) {
	var written []byte
	conn := newIOConn()
	conn.WriteFunc = func(b []byte) (int, error) {
		written = append(written, b...)
		return len(b), nil
	}
	facade, addresses := newFacadeFixture(t, []net.Conn{conn}, nil)

	n, err := facade.Send(context.Background(), []byte("hello"))

	require.NoError(t, err)
	assert.Equal(t, 5, n)
	assert.Equal(t, []byte("hello"), written)
	assert.Len(t, *addresses, 1)
	assert.True(t, facade.Tracker.Connected())
}

// A broken pipe mid-send triggers a transparent reconnect and retry.
func TestManagedConnSendReconnects(t *testing.T) {
	broken := newIOConn()
	broken.WriteFunc = func(b []byte) (int, error) {
		return 0, syscall.EPIPE
	}
	var written []byte
	working := newIOConn()
	working.WriteFunc = func(b []byte) (int, error) {
		written = append(written, b...)
		return len(b), nil
	}
	facade, addresses := newFacadeFixture(t, []net.Conn{broken, working}, nil)

	n, err := facade.Send(context.Background(), []byte("hello"))

	require.NoError(t, err)
	assert.Equal(t, 5, n)
	assert.Equal(t, []byte("hello"), written)
	assert.Len(t, *addresses, 2)
}

// The reconnect-retry loop is bounded and then propagates the error.
func TestManagedConnSendRetryBounded(t *testing.T) {
	var conns []net.Conn
	for range maxIOAttempts + 2 {
		conn := newIOConn()
		conn.WriteFunc = func(b []byte) (int, error) {
			return 0, syscall.ECONNRESET
		}
		conns = append(conns, conn)
	}
	facade, addresses := newFacadeFixture(t, conns, nil)

	_, err := facade.Send(context.Background(), []byte("hello"))

	require.Error(t, err)
	assert.ErrorIs(t, err, syscall.ECONNRESET)
	assert.Len(t, *addresses, maxIOAttempts)
}

// Disabling ErrorReconnect propagates broken-connection errors
// immediately.
func TestManagedConnSendNoReconnect(t *testing.T) {
	broken := newIOConn()
	broken.WriteFunc = func(b []byte) (int, error) {
		return 0, syscall.EPIPE
	}
	facade, addresses := newFacadeFixture(t, []net.Conn{broken, newIOConn()}, nil)
	facade.ErrorReconnect = false

	_, err := facade.Send(context.Background(), []byte("hello"))

	require.Error(t, err)
	assert.ErrorIs(t, err, syscall.EPIPE)
	assert.Len(t, *addresses, 1)
}

// Operations without a connection respect the AutoConnect switch and
// require a configured endpoint.
func TestManagedConnEnsureConnected(t *testing.T) {
	t.Run("auto-connect disabled", func(t *testing.T) {
		facade, addresses := newFacadeFixture(t, []net.Conn{newIOConn()}, nil)
		facade.AutoConnect = false

		_, err := facade.Send(context.Background(), []byte("hello"))

		assert.ErrorIs(t, err, ErrConfig)
		assert.Empty(t, *addresses)
	})

	t.Run("zero endpoint", func(t *testing.T) {
		facade, _ := newFacadeFixture(t, []net.Conn{newIOConn()}, nil)
		facade.Tracker.SetEndpoint(Endpoint{})

		_, err := facade.Send(context.Background(), []byte("hello"))

		assert.ErrorIs(t, err, ErrConfig)
	})
}

// ConnectTo redials when the endpoint changes and reuses the
// connection otherwise.
func TestManagedConnConnectTo(t *testing.T) {
	dialer, addresses := newQueueDialer([]net.Conn{newIOConn(), newIOConn()}, nil)
	cfg := NewConfig()
	cfg.Dialer = dialer

	facade := NewManagedConn(cfg, NewEndpoint("192.0.2.1", 80), DefaultSLogger())

	require.NoError(t, facade.Connect(context.Background()))
	require.NoError(t, facade.ConnectTo(context.Background(), NewEndpoint("192.0.2.1", 80)))
	assert.Equal(t, []string{"192.0.2.1:80"}, *addresses)

	require.NoError(t, facade.ConnectTo(context.Background(), NewEndpoint("192.0.2.2", 80)))
	assert.Equal(t, []string{"192.0.2.1:80", "192.0.2.2:80"}, *addresses)
	assert.Equal(t, "192.0.2.2", facade.Tracker.Hostname)
}

// SendChunks splits the payload into chunk-sized writes.
func TestManagedConnSendChunks(t *testing.T) {
	var writes [][]byte
	conn := newIOConn()
	conn.WriteFunc = func(b []byte) (int, error) {
		writes = append(writes, append([]byte{}, b...))
		return len(b), nil
	}
	facade, _ := newFacadeFixture(t, []net.Conn{conn}, nil)
	facade.ChunkSize = 4

	n, err := facade.SendChunks(context.Background(), []byte("0123456789"))

	require.NoError(t, err)
	assert.Equal(t, 10, n)
	assert.Equal(t, [][]byte{[]byte("0123"), []byte("4567"), []byte("89")}, writes)
}

// Recv returns available data, tolerating EOF alongside final bytes.
func TestManagedConnRecv(t *testing.T) {
	reads := [][]byte{[]byte("hello")}
	conn := newIOConn()
	conn.ReadFunc = func(b []byte) (int, error) {
		if len(reads) == 0 {
			return 0, io.EOF
		}
		n := copy(b, reads[0])
		reads = reads[1:]
		return n, io.EOF
	}
	facade, _ := newFacadeFixture(t, []net.Conn{conn}, nil)

	data, err := facade.Recv(context.Background(), 100)

	require.NoError(t, err)
	assert.Equal(t, []byte("hello"), data)
}

// ReadEOF accumulates chunks until the peer closes and strips the
// reply by default.
func TestManagedConnReadEOF(t *testing.T) {
	reads := [][]byte{[]byte("  hello "), []byte("world\n\x00")}
	conn := newIOConn()
	conn.ReadFunc = func(b []byte) (int, error) {
		if len(reads) == 0 {
			return 0, io.EOF
		}
		n := copy(b, reads[0])
		reads = reads[1:]
		return n, nil
	}
	facade, _ := newFacadeFixture(t, []net.Conn{conn}, nil)

	data, err := facade.ReadEOF(context.Background(), ReadEOFOptions{})

	require.NoError(t, err)
	assert.Equal(t, []byte("hello world"), data)
}

// ReadEOF honors the Strip option.
func TestManagedConnReadEOFNoStrip(t *testing.T) {
	reads := [][]byte{[]byte("  hello\n")}
	conn := newIOConn()
	conn.ReadFunc = func(b []byte) (int, error) {
		if len(reads) == 0 {
			return 0, io.EOF
		}
		n := copy(b, reads[0])
		reads = reads[1:]
		return n, nil
	}
	facade, _ := newFacadeFixture(t, []net.Conn{conn}, nil)

	noStrip := false
	data, err := facade.ReadEOF(context.Background(), ReadEOFOptions{Strip: &noStrip})

	require.NoError(t, err)
	assert.Equal(t, []byte("  hello\n"), data)
}

// An exhausted budget returns the partial data, or a
// [ReadTimeoutError] when the caller asked timeouts to fail.
func TestManagedConnReadEOFTimeout(t *testing.T) {
	newTimeoutConn := func() net.Conn {
		reads := [][]byte{[]byte("partial")}
		conn := newIOConn()
		conn.ReadFunc = func(b []byte) (int, error) {
			if len(reads) == 0 {
				return 0, syscall.ETIMEDOUT
			}
			n := copy(b, reads[0])
			reads = reads[1:]
			return n, nil
		}
		return conn
	}

	t.Run("partial data by default", func(t *testing.T) {
		facade, _ := newFacadeFixture(t, []net.Conn{newTimeoutConn()}, nil)

		data, err := facade.ReadEOF(context.Background(), ReadEOFOptions{Timeout: time.Second})

		require.NoError(t, err)
		assert.Equal(t, []byte("partial"), data)
	})

	t.Run("error when timeouts fail", func(t *testing.T) {
		facade, _ := newFacadeFixture(t, []net.Conn{newTimeoutConn()}, nil)

		_, err := facade.ReadEOF(context.Background(), ReadEOFOptions{
			Timeout:     time.Second,
			TimeoutFail: true,
		})

		require.Error(t, err)
		var timeoutErr *ReadTimeoutError
		require.ErrorAs(t, err, &timeoutErr)
		assert.Equal(t, "www.example.com", timeoutErr.Host)
		assert.Equal(t, time.Second, timeoutErr.Budget)
		assert.True(t, timeoutErr.Timeout())
	})
}

// Only time spent blocked in reads counts against the ReadEOF budget.
func TestManagedConnReadEOFBudgetAccounting(t *testing.T) {
	clock := newFakeClock()
	var deadlines []time.Time

	conn := newIOConn()
	conn.SetReadDeadFunc = func(deadline time.Time) error {
		deadlines = append(deadlines, deadline)
		// Processing time between reads, which must not be charged
		// against the receive budget.
		clock.Advance(300 * time.Millisecond)
		return nil
	}
	readCount := 0
	conn.ReadFunc = func(b []byte) (int, error) {
		readCount++
		// Each read blocks for 400ms of fake time.
		clock.Advance(400 * time.Millisecond)
		if readCount >= 3 {
			return 0, syscall.ETIMEDOUT
		}
		return copy(b, []byte("x")), nil
	}

	dialer, _ := newQueueDialer([]net.Conn{conn}, nil)
	cfg := NewConfig()
	cfg.Dialer = dialer
	cfg.Resolver = newStaticResolver([]netip.Addr{netip.MustParseAddr("93.184.216.34")}, nil)
	cfg.TimeNow = clock.Now

	facade := NewManagedConn(cfg, NewEndpoint("www.example.com", 80), DefaultSLogger())

	_, err := facade.ReadEOF(context.Background(), ReadEOFOptions{
		Timeout:     time.Second,
		TimeoutFail: true,
	})

	var timeoutErr *ReadTimeoutError
	require.ErrorAs(t, err, &timeoutErr)

	// Only the 400ms spent blocked in each read counts: a third read
	// still fits inside the 1s budget despite 900ms of uncharged
	// processing, and the recorded spend covers reads alone.
	assert.Equal(t, 3, readCount)
	assert.Equal(t, 1200*time.Millisecond, timeoutErr.Spent)

	// The zero deadline at the end is the cleanup.
	require.Len(t, deadlines, 4)
	assert.True(t, deadlines[3].IsZero())
}

// Close always succeeds.
func TestManagedConnClose(t *testing.T) {
	facade, _ := newFacadeFixture(t, []net.Conn{newIOConn()}, nil)
	require.NoError(t, facade.Connect(context.Background()))

	assert.NoError(t, facade.Close())
	assert.NoError(t, facade.Close())
	assert.False(t, facade.Tracker.Connected())
}

// Query exchanges a payload for the reply over a real loopback
// server that reads the request and then closes.
func TestManagedConnQuery(t *testing.T) {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer listener.Close()

	go func() {
		conn, err := listener.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		buf := make([]byte, 64)
		n, _ := conn.Read(buf)
		conn.Write([]byte("echo: "))
		conn.Write(buf[:n])
	}()

	endpoint := ParseHostPort(listener.Addr().String(), 0)
	facade := NewManagedConn(NewConfig(), endpoint, DefaultSLogger())

	reply, err := facade.Query(context.Background(), []byte("ping\n"), ReadEOFOptions{
		Timeout: 5 * time.Second,
	})

	require.NoError(t, err)
	assert.Equal(t, []byte("echo: ping"), reply)
	assert.False(t, facade.Tracker.Connected(), "query must close its layer")
}

// A canceled context interrupts blocked I/O.
func TestManagedConnContextCancel(t *testing.T) {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer listener.Close()

	go func() {
		// Accept and hold the connection open without writing.
		conn, err := listener.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		time.Sleep(2 * time.Second)
	}()

	endpoint := ParseHostPort(listener.Addr().String(), 0)
	facade := NewManagedConn(NewConfig(), endpoint, DefaultSLogger())

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err = facade.Recv(ctx, 16)

	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
