// SPDX-License-Identifier: GPL-3.0-or-later

package sockwrap

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"log/slog"
	"net"
	"time"

	"github.com/bassosimone/safeconn"
)

// TLSEngine is the engine used to wrap a raw connection into a [TLSConn].
type TLSEngine interface {
	// Client builds a new client [TLSConn].
	Client(conn net.Conn, config *tls.Config) TLSConn

	// Name returns the engine name.
	Name() string

	// Parrot returns the configured parrot or an empty string.
	Parrot() string
}

// TLSEngineStdlib implements [TLSEngine] for the standard library.
//
// The zero value is ready to use.
type TLSEngineStdlib struct{}

var _ TLSEngine = TLSEngineStdlib{}

// Client implements [TLSEngine].
//
// This function uses [tls.Client] to build a new [*tls.Conn].
func (TLSEngineStdlib) Client(conn net.Conn, config *tls.Config) TLSConn {
	return tls.Client(conn, config)
}

// Name implements [TLSEngine].
//
// This function returns "stdlib".
func (TLSEngineStdlib) Name() string {
	return "stdlib"
}

// Parrot implements [TLSEngine].
//
// This function returns "".
func (s TLSEngineStdlib) Parrot() string {
	return ""
}

// TLSConn abstracts over [*tls.Conn].
//
// By using an abstraction we allow for alternative TLS implementations.
type TLSConn interface {
	// ConnectionState returns the connection state.
	ConnectionState() tls.ConnectionState

	// HandshakeContext performs the handshake unless interrupted by the context.
	HandshakeContext(ctx context.Context) error

	// Embedding Conn means we can use this type as a [net.Conn].
	net.Conn
}

// TLSOptions configures the [*tls.Config] built by [NewTLSConfig].
type TLSOptions struct {
	// VerifyCert enables certificate chain verification.
	VerifyCert bool

	// CheckHostname controls hostname verification. When nil, it
	// defaults to the value of VerifyCert.
	CheckHostname *bool

	// ServerName is the SNI and hostname-verification name. The
	// tracker fills this from its hostname when empty.
	ServerName string

	// RootCAs optionally overrides the certificate pool used for
	// verification.
	RootCAs *x509.CertPool
}

// NewTLSConfig builds a client [*tls.Config] honoring the
// verification flags.
//
// Certificate verification is required when VerifyCert is set and
// disabled otherwise. Hostname checking follows CheckHostname when
// given and VerifyCert's truthiness when not. The stdlib couples the
// two: skipping only the hostname check while still verifying the
// chain requires a custom VerifyPeerCertificate, which is what this
// function installs for that combination.
//
// The returned config is immutable configuration data: it may be
// cached and shared across trackers with identical options, and the
// tracker clones it before each handshake.
func NewTLSConfig(opts TLSOptions) *tls.Config {
	checkHostname := opts.VerifyCert
	if opts.CheckHostname != nil {
		checkHostname = *opts.CheckHostname
	}

	config := &tls.Config{
		ServerName: opts.ServerName,
		RootCAs:    opts.RootCAs,
	}
	switch {
	case opts.VerifyCert && checkHostname:
		// Full verification is the stdlib default.
	case opts.VerifyCert && !checkHostname:
		config.InsecureSkipVerify = true
		config.VerifyPeerCertificate = verifyChainOnly(opts.RootCAs)
	default:
		config.InsecureSkipVerify = true
	}
	return config
}

// verifyChainOnly returns a VerifyPeerCertificate callback verifying
// the certificate chain against roots without checking the hostname.
func verifyChainOnly(roots *x509.CertPool) func([][]byte, [][]*x509.Certificate) error {
	return func(rawCerts [][]byte, _ [][]*x509.Certificate) error {
		if len(rawCerts) == 0 {
			return errors.New("sockwrap: no peer certificates")
		}
		certs := make([]*x509.Certificate, 0, len(rawCerts))
		for _, raw := range rawCerts {
			cert, err := x509.ParseCertificate(raw)
			if err != nil {
				return err
			}
			certs = append(certs, cert)
		}
		intermediates := x509.NewCertPool()
		for _, cert := range certs[1:] {
			intermediates.AddCert(cert)
		}
		_, err := certs[0].Verify(x509.VerifyOptions{
			Roots:         roots,
			Intermediates: intermediates,
		})
		return err
	}
}

// tlsHandshake wraps conn with the engine and performs the TLS
// handshake, logging tlsHandshakeStart/tlsHandshakeDone span events.
//
// On failure the wrapped connection is closed and the handshake error
// propagates unchanged; the caller owns the raw connection and its
// own cleanup.
func (t *Tracker) tlsHandshake(ctx context.Context, conn net.Conn) (TLSConn, error) {
	config := t.tlsConfigOrDefault().Clone()
	if config.ServerName == "" {
		config.ServerName = t.Hostname
	}
	config.Time = t.TimeNow

	tconn := t.TLSEngine.Client(conn, config)
	t0 := t.TimeNow()
	deadline, _ := ctx.Deadline()
	t.logHandshakeStart(conn, t0, deadline, config)
	err := tconn.HandshakeContext(ctx)
	state := tconn.ConnectionState()
	t.logHandshakeDone(conn, t0, deadline, config, err, state)
	if err != nil {
		tconn.Close()
		return nil, err
	}
	return tconn, nil
}

func (t *Tracker) logHandshakeStart(conn net.Conn, t0 time.Time, deadline time.Time, config *tls.Config) {
	t.Logger.Info(
		"tlsHandshakeStart",
		slog.Time("deadline", deadline),
		slog.String("localAddr", safeconn.LocalAddr(conn)),
		slog.String("protocol", safeconn.Network(conn)),
		slog.String("remoteAddr", safeconn.RemoteAddr(conn)),
		slog.Time("t", t0),
		slog.String("tlsEngineName", t.TLSEngine.Name()),
		slog.String("tlsParrot", t.TLSEngine.Parrot()),
		slog.String("tlsServerName", config.ServerName),
		slog.Bool("tlsSkipVerify", config.InsecureSkipVerify),
	)
}

func (t *Tracker) logHandshakeDone(conn net.Conn, t0 time.Time, deadline time.Time,
	config *tls.Config, err error, state tls.ConnectionState) {
	t.Logger.Info(
		"tlsHandshakeDone",
		slog.Time("deadline", deadline),
		slog.Any("err", err),
		slog.String("errClass", t.ErrClassifier.Classify(err)),
		slog.String("localAddr", safeconn.LocalAddr(conn)),
		slog.String("protocol", safeconn.Network(conn)),
		slog.String("remoteAddr", safeconn.RemoteAddr(conn)),
		slog.Time("t0", t0),
		slog.Time("t", t.TimeNow()),
		slog.String("tlsCipherSuite", tls.CipherSuiteName(state.CipherSuite)),
		slog.String("tlsEngineName", t.TLSEngine.Name()),
		slog.String("tlsParrot", t.TLSEngine.Parrot()),
		slog.String("tlsNegotiatedProtocol", state.NegotiatedProtocol),
		slog.Any("tlsPeerCerts", peerCerts(state, err)),
		slog.String("tlsServerName", config.ServerName),
		slog.Bool("tlsSkipVerify", config.InsecureSkipVerify),
		slog.String("tlsVersion", tls.VersionName(state.Version)),
	)
}

func peerCerts(state tls.ConnectionState, err error) (out [][]byte) {
	out = [][]byte{}

	// 1. Check whether the error is a known certificate error and extract
	// the certificate using `errors.As` for additional robustness.
	var x509HostnameError x509.HostnameError
	if errors.As(err, &x509HostnameError) {
		out = append(out, x509HostnameError.Certificate.Raw)
		return
	}

	var x509UnknownAuthorityError x509.UnknownAuthorityError
	if errors.As(err, &x509UnknownAuthorityError) {
		out = append(out, x509UnknownAuthorityError.Cert.Raw)
		return
	}

	var x509CertificateInvalidError x509.CertificateInvalidError
	if errors.As(err, &x509CertificateInvalidError) {
		out = append(out, x509CertificateInvalidError.Cert.Raw)
		return
	}

	// 2. Otherwise extract certificates from the connection state.
	for _, cert := range state.PeerCertificates {
		out = append(out, cert.Raw)
	}
	return
}
