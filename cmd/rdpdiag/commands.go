package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"go.uber.org/zap"

	"github.com/rcarmo/rdp-netdiag/internal/classify"
	"github.com/rcarmo/rdp-netdiag/internal/diagnostics"
	"github.com/rcarmo/rdp-netdiag/internal/negotiation"
	"github.com/rcarmo/rdp-netdiag/internal/output"
	"github.com/rcarmo/rdp-netdiag/internal/target"
)

// TargetFlags describe the endpoint under test.
type TargetFlags struct {
	Port           int           `short:"p" help:"Target port; defaults to the protocol's port."`
	User           string        `short:"u" help:"Username (DOMAIN\\user or user@domain)."`
	Password       string        `env:"RDPDIAG_PASSWORD" help:"Password."`
	Domain         string        `help:"Domain, overriding one given in the username."`
	Key            string        `type:"existingfile" help:"SSH private key file."`
	Passphrase     string        `env:"RDPDIAG_KEY_PASSPHRASE" help:"Private key passphrase."`
	ServerName     string        `help:"TLS server name override."`
	SkipVerify     bool          `help:"Skip TLS certificate verification."`
	TLSMinVersion  string        `name:"tls-min-version" help:"Minimum TLS version (1.0, 1.1, 1.2, 1.3)."`
	NLA            string        `enum:"auto,required,disabled" default:"auto" help:"Network Level Authentication mode."`
	ExpectedExitIP string        `name:"expected-exit-ip" help:"Expected tunnel or proxy egress address; enables leak checks."`
	Timeout        time.Duration `default:"2m" help:"Overall time limit."`
}

func (f TargetFlags) target(host string, protocol target.Protocol, a *app) (target.Target, error) {
	t := target.New(host, protocol)
	t.Port = f.Port
	t.Credentials = target.Credentials{
		Username:   f.User,
		Password:   f.Password,
		Domain:     f.Domain,
		Passphrase: f.Passphrase,
	}
	if f.Key != "" {
		key, err := os.ReadFile(f.Key)
		if err != nil {
			return target.Target{}, fmt.Errorf("read private key: %w", err)
		}
		t.Credentials.PrivateKey = string(key)
	}

	t.TLS = target.TLSSettings{
		MinVersion: f.TLSMinVersion,
		SkipVerify: f.SkipVerify || a.cfg.Security.SkipTLSValidation,
		ServerName: f.ServerName,
	}
	if t.TLS.ServerName == "" {
		t.TLS.ServerName = a.cfg.Security.TLSServerName
	}
	t.RDP.NLA = target.NLAMode(f.NLA)
	if t.RDP.NLA == target.NLAAuto && !a.cfg.Security.UseNLA {
		t.RDP.NLA = target.NLADisabled
	}
	t.Tunnel.ExpectedExitIP = f.ExpectedExitIP

	if err := t.Validate(); err != nil {
		return target.Target{}, err
	}
	return t, nil
}

func (a *app) render(v any, pretty func() string) error {
	if a.output == "json" {
		s, err := output.RenderJSON(v)
		if err != nil {
			return err
		}
		_, err = fmt.Fprintln(a.out, s)
		return err
	}
	_, err := fmt.Fprintln(a.out, pretty())
	return err
}

type DiagnoseCmd struct {
	Host     string `arg:"" help:"Hostname or IP address."`
	Protocol string `short:"P" default:"rdp" help:"Protocol of the service on the target port."`
	TargetFlags `embed:""`
}

func (c *DiagnoseCmd) Run(ctx context.Context, a *app) error {
	protocol, err := target.ParseProtocol(c.Protocol)
	if err != nil {
		return err
	}
	t, err := c.target(c.Host, protocol, a)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, c.Timeout)
	defer cancel()

	prober := newProber(a.cfg, a.log)
	defer prober.Close()

	orch := diagnostics.New(prober, newDiagnoser(a.cfg, a.log), diagnosticsOptions(a.cfg, a.log))
	res := orch.Run(ctx, t, diagnostics.WithObserver(func(ev diagnostics.Event) {
		if ev.Kind != diagnostics.KindComplete {
			a.log.Debug("diagnostic event",
				zap.String("kind", string(ev.Kind)),
				zap.String("probe", string(ev.Probe)),
				zap.Int("sample", ev.Sample))
		}
	}))

	if err := a.render(res, func() string { return output.RenderDiagnostics(res) }); err != nil {
		return err
	}
	if res.Cancelled || (res.Protocol != nil && res.Protocol.Failed()) || (res.Port != nil && !res.Port.Open) {
		return errChecksFailed
	}
	return nil
}

type ProtocolCmd struct {
	Protocol string `arg:"" enum:"ssh,http,https,rdp" help:"Protocol to diagnose."`
	Host     string `arg:"" help:"Hostname or IP address."`
	Method   string `default:"GET" help:"HTTP method."`
	Path     string `default:"/" help:"HTTP path."`
	Expect   int    `help:"Expected HTTP status; 0 accepts any 2xx or 3xx."`
	TargetFlags `embed:""`
}

func (c *ProtocolCmd) Run(ctx context.Context, a *app) error {
	t, err := c.target(c.Host, target.Protocol(c.Protocol), a)
	if err != nil {
		return err
	}
	t.HTTP = target.HTTPCheck{Method: c.Method, Path: c.Path, ExpectedStatus: c.Expect}

	ctx, cancel := context.WithTimeout(ctx, c.Timeout)
	defer cancel()

	report := newDiagnoser(a.cfg, a.log).Diagnose(ctx, t.Protocol, t)
	if err := a.render(report, func() string { return output.RenderReport(report) }); err != nil {
		return err
	}
	if report.Failed() {
		return errChecksFailed
	}
	return nil
}

type NegotiateCmd struct {
	Host       string `arg:"" help:"Hostname or IP address."`
	Strategy   string `help:"Fallback strategy (auto, nla-first, tls-first, nla-only, tls-only, plain-only); defaults to the configured one."`
	MaxRetries int    `help:"Total attempt cap; 0 uses the configured value."`
	TargetFlags `embed:""`
}

func (c *NegotiateCmd) Run(ctx context.Context, a *app) error {
	t, err := c.target(c.Host, target.ProtocolRDP, a)
	if err != nil {
		return err
	}
	settings := negotiationSettings(a.cfg)
	if c.Strategy != "" {
		settings.Strategy = negotiation.Strategy(c.Strategy)
		if !settings.Strategy.Valid() {
			return fmt.Errorf("unknown strategy %q", c.Strategy)
		}
	}
	if c.MaxRetries > 0 {
		settings.MaxRetries = c.MaxRetries
	}

	ctx, cancel := context.WithTimeout(ctx, c.Timeout)
	defer cancel()

	est, err := negotiation.New(negotiation.Options{Logger: a.log}).Negotiate(ctx, t, settings)
	if est != nil {
		defer est.Close()
	}
	out := negotiation.NewOutcome(t, settings, est, err)
	if err := a.render(out, func() string { return output.RenderOutcome(out) }); err != nil {
		return err
	}
	if !out.Success {
		return errChecksFailed
	}
	return nil
}

type ClassifyCmd struct {
	Message  string `arg:"" help:"Error message to classify."`
	Protocol string `default:"rdp" help:"Protocol the error came from."`
	NLA      bool   `negatable:"" default:"true" help:"Whether NLA was enabled."`
	Strategy string `help:"Negotiation strategy in use."`
	Domain   string `help:"Domain of the account."`
}

func (c *ClassifyCmd) Run(_ context.Context, a *app) error {
	res := classify.Classify(c.Message, classify.Settings{
		Protocol:   c.Protocol,
		NLAEnabled: c.NLA,
		Strategy:   c.Strategy,
		Domain:     c.Domain,
	})
	return a.render(res, func() string { return output.RenderClassification(res) })
}
