package probe

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"net"
	"strings"
	"time"

	"github.com/rcarmo/rdp-netdiag/internal/target"
)

var tlsPorts = map[int]bool{443: true, 8443: true, 993: true, 995: true, 465: true, 636: true}

// ShouldCheckTLS reports whether a TLS check applies: the port is a
// conventional TLS port or the protocol is https.
func ShouldCheckTLS(port int, protocol target.Protocol) bool {
	return tlsPorts[port] || protocol == target.ProtocolHTTPS
}

// CheckTLS performs a bare TLS handshake and inspects the leaf
// certificate. Verification runs separately so invalid certificates still
// yield their details.
func (p *Prober) CheckTLS(ctx context.Context, host string, port int, serverName string, timeout time.Duration) (res TLSCheckResult) {
	ctx, cancel, _ := within(ctx, timeout, p.opts.Timeouts.TLS)
	defer cancel()

	start := time.Now()
	res = TLSCheckResult{Host: host, Port: port, ServerName: serverName}
	defer func() { res.Duration = time.Since(start) }()

	if res.ServerName == "" && net.ParseIP(trimBrackets(host)) == nil {
		res.ServerName = host
	}

	raw, err := p.dial(ctx, "tcp", host, port)
	if err != nil {
		res.Error = err.Error()
		return res
	}
	defer raw.Close()

	conn := tls.Client(raw, &tls.Config{
		ServerName:         res.ServerName,
		InsecureSkipVerify: true, // verified below against RootCAs
		MinVersion:         tls.VersionTLS10,
	})

	hsStart := time.Now()
	if err := conn.HandshakeContext(ctx); err != nil {
		res.Error = "tls: handshake failed: " + err.Error()
		return res
	}
	res.HandshakeDuration = time.Since(hsStart)
	res.Success = true

	state := conn.ConnectionState()
	res.Version = tls.VersionName(state.Version)
	res.CipherSuite = tls.CipherSuiteName(state.CipherSuite)
	if len(state.PeerCertificates) == 0 {
		res.VerifyError = "server sent no certificate"
		return res
	}

	leaf := state.PeerCertificates[0]
	res.Subject = leaf.Subject.String()
	res.Issuer = leaf.Issuer.String()
	res.NotBefore = leaf.NotBefore
	res.NotAfter = leaf.NotAfter
	now := time.Now()
	res.DaysToExpiry = int(leaf.NotAfter.Sub(now).Hours() / 24)
	res.Expired = now.After(leaf.NotAfter)
	res.SelfSigned = leaf.Issuer.String() == leaf.Subject.String() && leaf.CheckSignatureFrom(leaf) == nil

	intermediates := x509.NewCertPool()
	for _, c := range state.PeerCertificates[1:] {
		intermediates.AddCert(c)
	}
	_, verr := leaf.Verify(x509.VerifyOptions{
		Roots:         p.opts.RootCAs,
		Intermediates: intermediates,
		CurrentTime:   now,
	})
	res.ChainValid = verr == nil

	name := res.ServerName
	if name == "" {
		name = trimBrackets(host)
	}
	herr := leaf.VerifyHostname(name)
	res.HostnameValid = herr == nil

	var problems []string
	if verr != nil {
		problems = append(problems, verr.Error())
	}
	if herr != nil {
		problems = append(problems, herr.Error())
	}
	res.VerifyError = strings.Join(problems, "; ")
	return res
}
