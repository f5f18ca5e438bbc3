// Package probe implements single-shot network measurements. Each probe
// reports success or failure inside its result value; probes never return
// errors, never retry and always finish within their timeout.
package probe

import (
	"context"
	"crypto/x509"
	"net"
	"runtime"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/oschwald/geoip2-golang"
	"go.uber.org/zap"
)

// Kind names a probe result variant.
type Kind string

const (
	KindPing              Kind = "ping"
	KindDNS               Kind = "dns"
	KindPort              Kind = "port"
	KindTCPTiming         Kind = "tcp_timing"
	KindICMPBlockade      Kind = "icmp_blockade"
	KindFingerprint       Kind = "fingerprint"
	KindTLS               Kind = "tls"
	KindMTU               Kind = "mtu"
	KindTraceroute        Kind = "traceroute"
	KindAsymmetricRouting Kind = "asymmetric_routing"
	KindUDP               Kind = "udp"
	KindIPClassification  Kind = "ip_classification"
	KindGeo               Kind = "geo"
	KindLeak              Kind = "leak"
)

// Dialer opens stream and datagram connections.
type Dialer interface {
	DialContext(ctx context.Context, network, address string) (net.Conn, error)
}

// Timeouts holds the default timeout of every probe. Zero fields fall back
// to DefaultTimeouts.
type Timeouts struct {
	Ping         time.Duration
	DNS          time.Duration
	Port         time.Duration
	TCPTiming    time.Duration
	TLS          time.Duration
	MTU          time.Duration
	Traceroute   time.Duration
	Asymmetric   time.Duration
	UDP          time.Duration
	Geo          time.Duration
	Leak         time.Duration
	Fingerprint  time.Duration
	ICMPBlockade time.Duration
}

// DefaultTimeouts returns the stock per-probe timeouts.
func DefaultTimeouts() Timeouts {
	return Timeouts{
		Ping:         2 * time.Second,
		DNS:          5 * time.Second,
		Port:         3 * time.Second,
		TCPTiming:    3 * time.Second,
		TLS:          5 * time.Second,
		MTU:          10 * time.Second,
		Traceroute:   15 * time.Second,
		Asymmetric:   2 * time.Second,
		UDP:          2 * time.Second,
		Geo:          5 * time.Second,
		Leak:         8 * time.Second,
		Fingerprint:  3 * time.Second,
		ICMPBlockade: 3 * time.Second,
	}
}

func (t Timeouts) withDefaults() Timeouts {
	d := DefaultTimeouts()
	fill := func(v *time.Duration, def time.Duration) {
		if *v <= 0 {
			*v = def
		}
	}
	fill(&t.Ping, d.Ping)
	fill(&t.DNS, d.DNS)
	fill(&t.Port, d.Port)
	fill(&t.TCPTiming, d.TCPTiming)
	fill(&t.TLS, d.TLS)
	fill(&t.MTU, d.MTU)
	fill(&t.Traceroute, d.Traceroute)
	fill(&t.Asymmetric, d.Asymmetric)
	fill(&t.UDP, d.UDP)
	fill(&t.Geo, d.Geo)
	fill(&t.Leak, d.Leak)
	fill(&t.Fingerprint, d.Fingerprint)
	fill(&t.ICMPBlockade, d.ICMPBlockade)
	return t
}

const (
	defaultGeoAPIURL    = "http://ip-api.com/json/"
	defaultWhoamiName   = "o-o.myaddr.l.google.com."
	defaultRouteFile    = "/proc/net/route"
	defaultResolvConf   = "/etc/resolv.conf"
	bannerWindow        = 500 * time.Millisecond
	maxBannerLen        = 512
	defaultTimingSample = 3
)

var defaultPublicIPURLs = []string{"https://api.ipify.org", "https://ifconfig.me/ip"}

// Options configures a Prober.
type Options struct {
	Timeouts Timeouts
	Logger   *zap.Logger

	Dialer   Dialer
	Pinger   Pinger
	DNS      DNSExchanger
	Commands CommandRunner
	HTTP     *resty.Client

	// DisableICMP makes Ping use the TCP fallback only.
	DisableICMP bool
	// FallbackPorts are tried in order when ICMP is unavailable.
	FallbackPorts []int

	// Resolvers are host:port DNS servers. Empty means the system
	// resolv.conf, then the Go resolver.
	Resolvers  []string
	ResolvConf string
	Resolver   *net.Resolver

	RootCAs *x509.CertPool

	GeoIPDatabase string
	GeoAPIURL     string
	PublicIPURLs  []string
	WhoamiName    string
	WhoamiServer  string

	RouteFile string
	GOOS      string
}

// Prober runs probes. It is safe for concurrent use.
type Prober struct {
	opts Options
	log  *zap.Logger
	seq  atomic.Uint32

	geoOnce sync.Once
	geoDB   *geoip2.Reader
	geoErr  error
}

// New returns a Prober with defaults filled in.
func New(opts Options) *Prober {
	opts.Timeouts = opts.Timeouts.withDefaults()
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Dialer == nil {
		opts.Dialer = &net.Dialer{}
	}
	if opts.Pinger == nil {
		opts.Pinger = &ICMPPinger{}
	}
	if opts.DNS == nil {
		opts.DNS = &dnsTransport{}
	}
	if opts.Commands == nil {
		opts.Commands = ExecRunner{}
	}
	if opts.HTTP == nil {
		opts.HTTP = resty.New().SetHeader("User-Agent", "rdp-netdiag")
	}
	if len(opts.FallbackPorts) == 0 {
		opts.FallbackPorts = []int{443, 80}
	}
	if opts.ResolvConf == "" {
		opts.ResolvConf = defaultResolvConf
	}
	if opts.Resolver == nil {
		opts.Resolver = net.DefaultResolver
	}
	if opts.GeoAPIURL == "" {
		opts.GeoAPIURL = defaultGeoAPIURL
	}
	if len(opts.PublicIPURLs) == 0 {
		opts.PublicIPURLs = defaultPublicIPURLs
	}
	if opts.WhoamiName == "" {
		opts.WhoamiName = defaultWhoamiName
	}
	if opts.RouteFile == "" {
		opts.RouteFile = defaultRouteFile
	}
	if opts.GOOS == "" {
		opts.GOOS = runtime.GOOS
	}

	return &Prober{opts: opts, log: opts.Logger}
}

// Close releases the GeoIP database, if one was opened.
func (p *Prober) Close() error {
	if p.geoDB != nil {
		return p.geoDB.Close()
	}
	return nil
}

// within derives a context bounded by timeout, or def when timeout is zero.
func within(ctx context.Context, timeout, def time.Duration) (context.Context, context.CancelFunc, time.Duration) {
	if timeout <= 0 {
		timeout = def
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	return ctx, cancel, timeout
}

func (p *Prober) dial(ctx context.Context, network, host string, port int) (net.Conn, error) {
	return p.opts.Dialer.DialContext(ctx, network, hostPort(host, port))
}

func hostPort(host string, port int) string {
	return net.JoinHostPort(trimBrackets(host), strconv.Itoa(port))
}

func trimBrackets(host string) string {
	if len(host) > 1 && host[0] == '[' && host[len(host)-1] == ']' {
		return host[1 : len(host)-1]
	}
	return host
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
