// SPDX-License-Identifier: GPL-3.0-or-later

package sockwrap

import (
	"context"
	"net"
	"time"
)

// Dialer abstracts the [*net.Dialer] behavior.
//
// By making the [*Tracker] depend on an abstract implementation we
// allow for unit testing and for using alternative dialers.
type Dialer interface {
	DialContext(ctx context.Context, network, address string) (net.Conn, error)
}

// Listener abstracts the [*net.ListenConfig] behavior, for the same
// testing and substitution reasons as [Dialer].
type Listener interface {
	Listen(ctx context.Context, network, address string) (net.Listener, error)
}

// Config holds common configuration for sockwrap operations.
//
// Pass this to constructor functions to pre-wire dependencies.
// All fields have sensible defaults set by [NewConfig].
type Config struct {
	// Dialer is used by [*Tracker] to establish outbound connections.
	//
	// Set by [NewConfig] to [*net.Dialer].
	Dialer Dialer

	// Listener is used by server-mode trackers to bind and listen.
	//
	// Set by [NewConfig] to [*net.ListenConfig].
	Listener Listener

	// Resolver resolves hostnames to IP addresses.
	//
	// Set by [NewConfig] to [*StdResolver].
	Resolver Resolver

	// ErrClassifier classifies errors for structured logging.
	//
	// Set by [NewConfig] to [DefaultErrClassifier].
	ErrClassifier ErrClassifier

	// TimeNow returns the current time.
	//
	// Set by [NewConfig] to [time.Now].
	TimeNow func() time.Time
}

// NewConfig creates a [*Config] with sensible defaults.
func NewConfig() *Config {
	return &Config{
		Dialer:        &net.Dialer{},
		Listener:      &net.ListenConfig{},
		Resolver:      &StdResolver{},
		ErrClassifier: DefaultErrClassifier,
		TimeNow:       time.Now,
	}
}
