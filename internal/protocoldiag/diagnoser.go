// Package protocoldiag runs step-by-step protocol handshakes against a
// target and explains where they break.
package protocoldiag

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"

	"github.com/rcarmo/rdp-netdiag/internal/target"
)

const (
	defaultStepTimeout = 10 * time.Second
	defaultIdleWindow  = 2 * time.Second
	slowResponse       = time.Second
)

// Dialer opens TCP connections.
type Dialer interface {
	DialContext(ctx context.Context, network, address string) (net.Conn, error)
}

// Options configure a Diagnoser.
type Options struct {
	// StepTimeout bounds every individual step.
	StepTimeout time.Duration
	// IdleWindow is how long an RDP connection must stay open after the
	// security exchange.
	IdleWindow time.Duration
	Dialer     Dialer
	Logger     *zap.Logger
	// HTTP issues the HTTP deep-diagnostic request. The default client
	// skips certificate verification, which is checked as its own step.
	HTTP *resty.Client
	// RootCAs verifies server certificates; nil uses the system pool.
	RootCAs *x509.CertPool
}

// Diagnoser runs protocol deep diagnostics.
type Diagnoser struct {
	opts Options
	log  *zap.Logger
}

// New returns a Diagnoser with defaults applied.
func New(opts Options) *Diagnoser {
	if opts.StepTimeout <= 0 {
		opts.StepTimeout = defaultStepTimeout
	}
	if opts.IdleWindow <= 0 {
		opts.IdleWindow = defaultIdleWindow
	}
	if opts.Dialer == nil {
		opts.Dialer = &net.Dialer{}
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.HTTP == nil {
		opts.HTTP = newHTTPClient(opts.Dialer)
	}
	return &Diagnoser{opts: opts, log: opts.Logger.Named("protocoldiag")}
}

func newHTTPClient(dialer Dialer) *resty.Client {
	transport := &http.Transport{
		DialContext:       dialer.DialContext,
		TLSClientConfig:   &tls.Config{InsecureSkipVerify: true}, //nolint:gosec // verified in the certificate step
		DisableKeepAlives: true,
	}
	return resty.New().
		SetTransport(transport).
		SetHeader("User-Agent", "rdp-netdiag").
		SetRedirectPolicy(resty.RedirectPolicyFunc(func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		}))
}

// Supported reports whether protocol has a deep diagnostic.
func Supported(protocol target.Protocol) bool {
	switch protocol {
	case target.ProtocolSSH, target.ProtocolHTTP, target.ProtocolHTTPS, target.ProtocolRDP:
		return true
	}
	return false
}

// Diagnose runs the deep diagnostic for protocol against t. It never
// fails: every problem is recorded as a step.
func (d *Diagnoser) Diagnose(ctx context.Context, protocol target.Protocol, t target.Target) *Report {
	if protocol == "" {
		protocol = t.Protocol
	}
	if t.Protocol == "" {
		t.Protocol = protocol
	}

	start := time.Now()
	r := &Report{Protocol: protocol, Target: t.Address()}

	switch protocol {
	case target.ProtocolSSH:
		d.diagnoseSSH(ctx, t, r)
	case target.ProtocolHTTP, target.ProtocolHTTPS:
		d.diagnoseHTTP(ctx, t, protocol == target.ProtocolHTTPS, r)
	case target.ProtocolRDP:
		d.diagnoseRDP(ctx, t, r)
	default:
		r.add(Step{Name: "Protocol", Status: StatusSkip, Message: fmt.Sprintf("no deep diagnostic for protocol %q", protocol)})
	}

	r.TotalDuration = time.Since(start)
	r.summarize()
	r.RootCauseHint = rootCauseHint(r)
	d.log.Debug("deep diagnostic finished",
		zap.String("protocol", string(protocol)),
		zap.String("target", r.Target),
		zap.String("summary", r.Summary),
		zap.Duration("duration", r.TotalDuration))
	return r
}

// run executes fn as the named step bounded by StepTimeout. A panic inside
// fn fails the step.
func (d *Diagnoser) run(ctx context.Context, r *Report, name string, fn func(ctx context.Context, s *Step)) Step {
	ctx, cancel := context.WithTimeout(ctx, d.opts.StepTimeout)
	defer cancel()

	s := Step{Name: name, Status: StatusPass}
	start := time.Now()
	func() {
		defer func() {
			if v := recover(); v != nil {
				d.log.Error("step panicked", zap.String("step", name), zap.Any("panic", v))
				s.fail(fmt.Errorf("internal error: %v", v))
			}
		}()
		fn(ctx, &s)
	}()
	s.Duration = time.Since(start)
	return r.add(s)
}

// skipped records name as skipped because prerequisite did not succeed.
func skipped(r *Report, name, prerequisite string) {
	r.add(Step{Name: name, Status: StatusSkip, Message: "not attempted: " + prerequisite + " did not succeed"})
}

// connect dials the target and records the TCP connect step. The
// connection is nil when the step failed.
func (d *Diagnoser) connect(ctx context.Context, t target.Target, r *Report) net.Conn {
	var conn net.Conn
	d.run(ctx, r, StepTCPConnect, func(ctx context.Context, s *Step) {
		c, err := d.opts.Dialer.DialContext(ctx, "tcp", t.Address())
		if err != nil {
			s.fail(err)
			return
		}
		conn = c
		r.ResolvedIP = remoteIP(c)
		s.pass("connected to %s", c.RemoteAddr())
	})
	return conn
}

func remoteIP(conn net.Conn) string {
	if addr, ok := conn.RemoteAddr().(*net.TCPAddr); ok {
		return addr.IP.String()
	}
	host, _, err := net.SplitHostPort(conn.RemoteAddr().String())
	if err != nil {
		return ""
	}
	return host
}

// bind applies the ctx deadline to conn until the returned func is called.
func bind(ctx context.Context, conn net.Conn) func() {
	if dl, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(dl)
	}
	stop := context.AfterFunc(ctx, func() { _ = conn.SetDeadline(time.Unix(1, 0)) })
	return func() {
		stop()
		_ = conn.SetDeadline(time.Time{})
	}
}
