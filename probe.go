// SPDX-License-Identifier: GPL-3.0-or-later

package sockwrap

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/rand/v2"
	"slices"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/bassosimone/sockwrap/sockerr"
)

const (
	// DefaultProbeTimeout bounds each probe connect attempt.
	DefaultProbeTimeout = 5 * time.Second

	// DefaultReceiveBytes is how many reply bytes [Prober.CheckHost]
	// reads by default.
	DefaultReceiveBytes = 100

	// DefaultMaxHosts caps how many candidates [Prober.TestHosts]
	// probes.
	DefaultMaxHosts = 8

	// DefaultRequiredPositive is how many candidates must be
	// reachable for [Prober.TestHosts] to report success.
	DefaultRequiredPositive = 3

	// DefaultCacheTTL is how long [Prober.CheckV4] and
	// [Prober.CheckV6] outcomes stay cached.
	DefaultCacheTTL = time.Hour
)

// Cache keys for the per-family reachability outcomes. Namespaced so
// a shared Redis instance is safe.
const (
	cacheKeyCheckV4 = "sockwrap:check_v4"
	cacheKeyCheckV6 = "sockwrap:check_v6"
)

// DefaultTestHostsV4 lists well-known anycast resolver endpoints
// probed to judge IPv4 reachability.
var DefaultTestHostsV4 = []string{
	"1.1.1.1:53",
	"1.0.0.1:53",
	"8.8.8.8:53",
	"8.8.4.4:53",
	"9.9.9.9:53",
	"149.112.112.112:53",
	"208.67.222.222:53",
	"1.1.1.1:443",
	"8.8.8.8:443",
	"9.9.9.9:443",
}

// DefaultTestHostsV6 lists well-known anycast resolver endpoints
// probed to judge IPv6 reachability.
var DefaultTestHostsV6 = []string{
	"[2606:4700:4700::1111]:53",
	"[2606:4700:4700::1001]:53",
	"[2001:4860:4860::8888]:53",
	"[2001:4860:4860::8844]:53",
	"[2620:fe::fe]:53",
	"[2620:fe::9]:53",
	"[2606:4700:4700::1111]:443",
	"[2001:4860:4860::8888]:443",
}

// dnsProbePayload is sent to port-53 candidates. DNS servers drop
// the garbage; the completed TCP connect is the actual signal.
var dnsProbePayload = []byte("hello\nworld\n")

// TLSMode selects the TLS policy of a probe.
type TLSMode int

const (
	// TLSModeAuto enables TLS when the probed port is 443.
	TLSModeAuto = TLSMode(iota)

	// TLSModeOn always enables TLS.
	TLSModeOn

	// TLSModeOff never enables TLS.
	TLSModeOff
)

// Prober checks host and address-family reachability.
//
// A single-host check degrades expected network failures (timeouts,
// refusals, resets, unresolvable hosts) to a false result, so
// callers can branch on a boolean without unpacking error chains;
// unexpected failures still propagate. Family checks probe a
// shuffled sample of well-known endpoints and cache the verdict.
//
// Construct with [NewProber]. All exported fields are safe to modify
// after construction but before first use.
type Prober struct {
	// Config contains the common configuration for sockwrap operations.
	//
	// Set by [NewProber] to the user-provided configuration.
	Config *Config

	// Logger is the [SLogger] to use (configurable for testing or custom logging).
	//
	// Set by [NewProber] to the user-provided logger.
	Logger SLogger

	// Cache stores per-family reachability verdicts.
	//
	// Set by [NewProber] using [NewMemoryCache]. Point this at a
	// [RedisCache] to share verdicts between processes.
	Cache Cache

	// CacheTTL is how long cached verdicts remain valid.
	//
	// Set by [NewProber] to [DefaultCacheTTL].
	CacheTTL time.Duration

	// ConnectTimeout bounds each probe connect attempt.
	//
	// Set by [NewProber] to [DefaultProbeTimeout].
	ConnectTimeout time.Duration

	// MaxHosts caps how many candidates [Prober.TestHosts] probes.
	//
	// Set by [NewProber] to [DefaultMaxHosts].
	MaxHosts int

	// RequiredPositive is how many candidates must be reachable for
	// [Prober.TestHosts] to report success.
	//
	// Set by [NewProber] to [DefaultRequiredPositive].
	RequiredPositive int

	// TestHostsV4 lists the IPv4 candidates.
	//
	// Set by [NewProber] to [DefaultTestHostsV4].
	TestHostsV4 []string

	// TestHostsV6 lists the IPv6 candidates.
	//
	// Set by [NewProber] to [DefaultTestHostsV6].
	TestHostsV6 []string

	// group deduplicates concurrent family checks sharing a cache
	// key.
	group singleflight.Group
}

// NewProber returns a new [*Prober].
//
// The cfg argument contains the common configuration for sockwrap operations.
//
// The logger argument is the [SLogger] to use for structured logging.
func NewProber(cfg *Config, logger SLogger) *Prober {
	return &Prober{
		Config:           cfg,
		Logger:           logger,
		Cache:            NewMemoryCache(),
		CacheTTL:         DefaultCacheTTL,
		ConnectTimeout:   DefaultProbeTimeout,
		MaxHosts:         DefaultMaxHosts,
		RequiredPositive: DefaultRequiredPositive,
		TestHostsV4:      DefaultTestHostsV4,
		TestHostsV6:      DefaultTestHostsV6,
	}
}

// CheckHostOptions configures [Prober.CheckHost].
type CheckHostOptions struct {
	// Family restricts the probed address family when the host is a
	// hostname. The default, [FamilyAny], lets resolution pick.
	Family Family

	// TLS selects the TLS policy. The default, [TLSModeAuto],
	// enables TLS when the port is 443.
	TLS TLSMode

	// Send is an optional payload written after connecting.
	Send []byte

	// HTTPTest sends a generated HTTP GET request instead of Send.
	HTTPTest bool

	// ReceiveBytes is how many reply bytes to read after sending.
	// Zero means [DefaultReceiveBytes]; negative skips the read.
	ReceiveBytes int

	// Throw propagates failures as errors instead of degrading them
	// to a false result.
	Throw bool
}

// CheckHost reports whether host accepts connections on port.
//
// It connects (with TLS per the options), optionally sends a payload
// and reads part of the reply. Expected network failures return
// (false, nil); see [Prober] for the degradation policy. With
// Throw set, every failure propagates as an error.
func (p *Prober) CheckHost(ctx context.Context, host string, port int, options CheckHostOptions) (bool, error) {
	useTLS := options.TLS == TLSModeOn || (options.TLS == TLSModeAuto && port == 443)
	if useTLS && options.TLS == TLSModeAuto {
		p.Logger.Info(
			"probeAutoTLS",
			slog.String("host", host),
			slog.Int("port", port),
			slog.Time("t", p.Config.TimeNow()),
		)
	}

	spanID := NewSpanID()
	t0 := p.Config.TimeNow()
	p.Logger.Info(
		"probeStart",
		slog.String("host", host),
		slog.Int("port", port),
		slog.String("spanID", spanID),
		slog.Time("t", t0),
		slog.Bool("tls", useTLS),
	)
	err := p.probeExchange(ctx, host, port, useTLS, options)
	p.Logger.Info(
		"probeDone",
		slog.Any("err", err),
		slog.String("errClass", p.Config.ErrClassifier.Classify(err)),
		slog.String("host", host),
		slog.Int("port", port),
		slog.String("spanID", spanID),
		slog.Time("t0", t0),
		slog.Time("t", p.Config.TimeNow()),
		slog.Bool("tls", useTLS),
	)

	if err == nil {
		return true, nil
	}
	if options.Throw {
		return false, err
	}
	if isDegradedProbeErr(err) {
		return false, nil
	}
	return false, err
}

// probeExchange runs the connect-send-receive sequence of one probe.
func (p *Prober) probeExchange(
	ctx context.Context, host string, port int, useTLS bool, options CheckHostOptions) error {
	conn := NewManagedConn(p.Config, NewEndpoint(host, port), p.Logger)
	if options.Family != FamilyAny {
		conn.Tracker.Family = options.Family
	}
	conn.Tracker.UseTLS = useTLS
	conn.Tracker.ConnectTimeout = p.ConnectTimeout
	conn.Tracker.ReadTimeout = p.ConnectTimeout
	conn.Tracker.WriteTimeout = p.ConnectTimeout
	// Probes judge the first attempt; reconnect retries would mask
	// exactly the failures we are looking for.
	conn.ErrorReconnect = false
	defer conn.Close()

	if err := conn.Connect(ctx); err != nil {
		return err
	}

	payload := options.Send
	if options.HTTPTest {
		payload = GenerateHTTPRequest(HTTPRequest{Host: host})
	}
	if payload != nil {
		if _, err := conn.Send(ctx, payload); err != nil {
			return err
		}
	}

	receiveBytes := options.ReceiveBytes
	if receiveBytes == 0 {
		receiveBytes = DefaultReceiveBytes
	}
	if receiveBytes > 0 {
		// An immediate EOF still proves the host accepted us.
		if _, err := conn.Recv(ctx, receiveBytes); err != nil && err != io.EOF {
			return err
		}
	}
	return nil
}

// isDegradedProbeErr reports whether a probe failure is an expected
// network condition, degraded to a false result rather than an
// error.
func isDegradedProbeErr(err error) bool {
	switch {
	case sockerr.IsTimeout(err):
		return true
	case sockerr.IsRefused(err):
		return true
	case sockerr.IsBrokenConn(err):
		return true
	case sockerr.IsUnreachable(err):
		return true
	case errors.Is(err, ErrNoAddress):
		return true
	default:
		return false
	}
}

// TestHosts probes a shuffled sample of candidate "host:port"
// endpoints and reports whether at least [Prober.RequiredPositive]
// of them are reachable. A nil hosts slice means the IPv4 default
// candidates.
//
// Port-80 candidates get an HTTP probe and port-53 candidates get a
// small payload after connecting; other candidates only connect.
func (p *Prober) TestHosts(ctx context.Context, hosts []string) (bool, error) {
	if hosts == nil {
		hosts = p.TestHostsV4
	}
	shuffled := slices.Clone(hosts)
	rand.Shuffle(len(shuffled), func(i, j int) {
		shuffled[i], shuffled[j] = shuffled[j], shuffled[i]
	})
	if p.MaxHosts > 0 && len(shuffled) > p.MaxHosts {
		shuffled = shuffled[:p.MaxHosts]
	}
	required := p.RequiredPositive
	if required > len(shuffled) {
		required = len(shuffled)
	}

	working := 0
	for _, candidate := range shuffled {
		endpoint := ParseHostPort(candidate, 80)
		options := CheckHostOptions{}
		switch endpoint.Port {
		case 80:
			options.HTTPTest = true
		case 53:
			options.Send = dnsProbePayload
		}
		ok, err := p.CheckHost(ctx, endpoint.Host, endpoint.Port, options)
		if err != nil {
			return false, err
		}
		if ok {
			working++
		}
		if working >= required {
			return true, nil
		}
	}
	return working >= required, nil
}

// CheckV4 reports whether the host appears to have working IPv4
// connectivity. The verdict is cached for [Prober.CacheTTL] and
// concurrent checks are coalesced.
func (p *Prober) CheckV4(ctx context.Context) (bool, error) {
	return p.checkFamily(ctx, cacheKeyCheckV4, p.TestHostsV4)
}

// CheckV6 reports whether the host appears to have working IPv6
// connectivity. The verdict is cached for [Prober.CacheTTL] and
// concurrent checks are coalesced.
func (p *Prober) CheckV6(ctx context.Context) (bool, error) {
	return p.checkFamily(ctx, cacheKeyCheckV6, p.TestHostsV6)
}

func (p *Prober) checkFamily(ctx context.Context, key string, hosts []string) (bool, error) {
	cached, ok, err := p.Cache.GetBool(ctx, key)
	if err != nil {
		// A broken cache backend must not break the probe.
		p.logCacheError(key, err)
	}
	if err == nil && ok {
		return cached, nil
	}

	verdict, err, _ := p.group.Do(key, func() (any, error) {
		ok, err := p.TestHosts(ctx, hosts)
		if err != nil {
			return false, err
		}
		if err := p.Cache.SetBool(ctx, key, ok, p.CacheTTL); err != nil {
			p.logCacheError(key, err)
		}
		return ok, nil
	})
	if err != nil {
		return false, err
	}
	return verdict.(bool), nil
}

func (p *Prober) logCacheError(key string, err error) {
	p.Logger.Debug(
		"probeCacheError",
		slog.Any("err", err),
		slog.String("key", key),
		slog.Time("t", p.Config.TimeNow()),
	)
}

// DetectFamily probes both address families and returns the one to
// prefer: [FamilyAny] when both work, the working family when only
// one does, and an error when neither appears reachable.
func (p *Prober) DetectFamily(ctx context.Context) (Family, error) {
	v6, err := p.CheckV6(ctx)
	if err != nil {
		return FamilyAny, err
	}
	v4, err := p.CheckV4(ctx)
	if err != nil {
		return FamilyAny, err
	}
	switch {
	case v4 && v6:
		return FamilyAny, nil
	case v6:
		return FamilyV6, nil
	case v4:
		return FamilyV4, nil
	default:
		return FamilyAny, fmt.Errorf("%w: neither IPv4 nor IPv6 appears reachable", ErrNoAddress)
	}
}
