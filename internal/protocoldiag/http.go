package protocoldiag

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/rcarmo/rdp-netdiag/internal/rdp"
	"github.com/rcarmo/rdp-netdiag/internal/target"
)

func (d *Diagnoser) diagnoseHTTP(ctx context.Context, t target.Target, secure bool, r *Report) {
	conn := d.connect(ctx, t, r)
	if conn != nil {
		defer conn.Close()
	}

	switch {
	case !secure:
		r.add(Step{Name: StepTLS, Status: StatusSkip, Message: "plain HTTP"})
		r.add(Step{Name: StepCertificate, Status: StatusSkip, Message: "plain HTTP"})
	case conn == nil:
		skipped(r, StepTLS, StepTCPConnect)
		skipped(r, StepCertificate, StepTCPConnect)
	default:
		d.checkTLS(ctx, t, conn, r)
	}

	check := t.HTTP.WithDefaults()
	scheme := "http"
	if secure {
		scheme = "https"
	}
	url := scheme + "://" + t.Address() + check.Path

	var resp *resty.Response
	d.run(ctx, r, StepHTTPRequest, func(ctx context.Context, s *Step) {
		res, err := d.opts.HTTP.R().
			SetContext(ctx).
			EnableTrace().
			Execute(check.Method, url)
		if err != nil {
			s.fail(err)
			return
		}
		resp = res
		s.set("status", res.StatusCode())
		if server := res.Header().Get("Server"); server != "" {
			s.set("server", server)
		}
		if !check.StatusAccepted(res.StatusCode()) {
			s.fail(fmt.Errorf("unexpected status %s (expected %s)", res.Status(), expectedStatus(check)))
			return
		}
		s.pass("%s %s returned %s", check.Method, check.Path, res.Status())
	})

	if resp == nil {
		r.add(Step{Name: StepResponse, Status: StatusFail, Message: "no response received"})
		return
	}
	trace := resp.Request.TraceInfo()
	total := trace.TotalTime
	if total <= 0 {
		total = resp.Time()
	}
	s := Step{Name: StepResponse, Duration: total, Status: StatusInfo, Message: fmt.Sprintf("responded in %s", total.Round(time.Millisecond))}
	if total >= slowResponse {
		s.warn("slow response: %s", total.Round(time.Millisecond))
	}
	s.set("dnsMs", ms(trace.DNSLookup))
	s.set("connectMs", ms(trace.TCPConnTime))
	s.set("tlsMs", ms(trace.TLSHandshake))
	s.set("serverMs", ms(trace.ServerTime))
	s.set("totalMs", ms(total))
	r.add(s)
}

// checkTLS upgrades conn and records the handshake and certificate steps.
func (d *Diagnoser) checkTLS(ctx context.Context, t target.Target, conn net.Conn, r *Report) {
	serverName := t.TLS.ServerName
	if serverName == "" {
		serverName = t.Host()
	}

	var state tls.ConnectionState
	handshake := d.run(ctx, r, StepTLS, func(ctx context.Context, s *Step) {
		tc := tls.Client(conn, &tls.Config{
			ServerName:         serverName,
			InsecureSkipVerify: true, //nolint:gosec // verified in the certificate step
			MinVersion:         rdp.MinTLSVersion(t.TLS.MinVersion),
		})
		if err := tc.HandshakeContext(ctx); err != nil {
			s.fail(fmt.Errorf("TLS handshake: %w", err))
			return
		}
		state = tc.ConnectionState()
		s.set("version", tls.VersionName(state.Version))
		s.set("cipherSuite", tls.CipherSuiteName(state.CipherSuite))
		s.pass("%s, %s", tls.VersionName(state.Version), tls.CipherSuiteName(state.CipherSuite))
	})
	if handshake.Status != StatusPass {
		skipped(r, StepCertificate, StepTLS)
		return
	}

	d.run(ctx, r, StepCertificate, func(_ context.Context, s *Step) {
		if len(state.PeerCertificates) == 0 {
			s.fail(errors.New("server presented no certificate"))
			return
		}
		leaf := state.PeerCertificates[0]
		days := int(time.Until(leaf.NotAfter).Hours() / 24)
		s.set("subject", leaf.Subject.String())
		s.set("issuer", leaf.Issuer.String())
		s.set("notAfter", leaf.NotAfter)
		s.set("daysToExpiry", days)

		problems := certificateProblems(state.PeerCertificates, serverName, d.opts.RootCAs)
		if len(problems) > 0 {
			s.set("problems", problems)
			s.warn("certificate problem: %s", strings.Join(problems, "; "))
			return
		}
		s.pass("valid certificate for %s, expires in %d days", serverName, days)
	})
}

// certificateProblems lists why chain would not be trusted for serverName.
func certificateProblems(chain []*x509.Certificate, serverName string, roots *x509.CertPool) []string {
	leaf := chain[0]
	now := time.Now()

	var problems []string
	switch {
	case now.After(leaf.NotAfter):
		problems = append(problems, "certificate has expired")
	case now.Before(leaf.NotBefore):
		problems = append(problems, "certificate is not yet valid")
	}

	intermediates := x509.NewCertPool()
	for _, c := range chain[1:] {
		intermediates.AddCert(c)
	}
	if _, err := leaf.Verify(x509.VerifyOptions{Roots: roots, Intermediates: intermediates, CurrentTime: now}); err != nil {
		var invalid x509.CertificateInvalidError
		switch {
		case errors.As(err, &invalid) && invalid.Reason == x509.Expired:
		case isSelfSigned(leaf):
			problems = append(problems, "certificate is self-signed")
		default:
			problems = append(problems, err.Error())
		}
	}
	if err := leaf.VerifyHostname(serverName); err != nil {
		problems = append(problems, err.Error())
	}
	return problems
}

func isSelfSigned(c *x509.Certificate) bool {
	return c.Subject.String() == c.Issuer.String() &&
		c.CheckSignature(c.SignatureAlgorithm, c.RawTBSCertificate, c.Signature) == nil
}

func expectedStatus(check target.HTTPCheck) string {
	if check.ExpectedStatus != 0 {
		return strconv.Itoa(check.ExpectedStatus)
	}
	return "2xx or 3xx"
}

func ms(d time.Duration) float64 {
	return float64(d.Microseconds()) / 1000
}
