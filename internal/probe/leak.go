package probe

import (
	"context"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/miekg/dns"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/rcarmo/rdp-netdiag/internal/target"
)

// DetectLeaks checks that traffic and DNS queries leave through the
// configured tunnel exit. It does nothing without a tunnel.
func (p *Prober) DetectLeaks(ctx context.Context, tunnel target.TunnelSettings, timeout time.Duration) (res LeakResult) {
	ctx, cancel, _ := within(ctx, timeout, p.opts.Timeouts.Leak)
	defer cancel()

	start := time.Now()
	res = LeakResult{ExpectedExitIP: tunnel.ExitIP()}
	defer func() { res.Duration = time.Since(start) }()

	if !tunnel.Active() {
		res.Error = "no proxy or tunnel configured"
		return res
	}
	res.Checked = true

	expected := p.expectedExits(ctx, res.ExpectedExitIP)

	egress, source, err := p.publicIP(ctx)
	if err != nil {
		res.Error = err.Error()
	} else {
		res.EgressIP, res.EgressSource = egress, source
		if len(expected) > 0 && !containsIP(expected, egress) {
			res.IPLeak = true
			res.Notes = append(res.Notes, fmt.Sprintf("traffic leaves from %s instead of the tunnel exit %s", egress, res.ExpectedExitIP))
		}
	}

	resolverIP, err := p.resolverEgress(ctx)
	if err != nil {
		p.log.Debug("resolver egress lookup failed", zap.Error(err))
		res.Notes = append(res.Notes, "resolver egress unknown: "+err.Error())
	} else {
		res.ResolverEgressIP = resolverIP
		if len(expected) > 0 && !containsIP(expected, resolverIP) {
			res.DNSLeak = true
			res.Notes = append(res.Notes, fmt.Sprintf("DNS queries reach the internet from %s, outside the tunnel", resolverIP))
		}
	}

	if len(expected) == 0 {
		res.Notes = append(res.Notes, "expected exit address unknown; leaks cannot be judged")
	}
	res.Success = res.EgressIP != "" && !res.IPLeak && !res.DNSLeak
	return res
}

// expectedExits resolves the configured exit into addresses.
func (p *Prober) expectedExits(ctx context.Context, exit string) []string {
	if exit == "" {
		return nil
	}
	if ip := net.ParseIP(trimBrackets(exit)); ip != nil {
		return []string{ip.String()}
	}
	return p.LookupDNS(ctx, exit, 0).Addresses
}

// publicIP asks each configured echo service for our address.
func (p *Prober) publicIP(ctx context.Context) (string, string, error) {
	var lastErr error
	for _, url := range p.opts.PublicIPURLs {
		resp, err := p.opts.HTTP.R().SetContext(ctx).Get(url)
		if err != nil {
			lastErr = errors.Wrapf(err, "failed to query %s", url)
			continue
		}
		if resp.IsError() {
			lastErr = errors.Errorf("%s returned %s", url, resp.Status())
			continue
		}
		ip := net.ParseIP(strings.TrimSpace(resp.String()))
		if ip == nil {
			lastErr = errors.Errorf("%s returned no address", url)
			continue
		}
		return ip.String(), url, nil
	}
	if lastErr == nil {
		lastErr = errors.New("no public IP services configured")
	}
	return "", "", lastErr
}

// resolverEgress sends a whoami TXT query through the recursive resolver;
// the authoritative server answers with the address the query came from.
func (p *Prober) resolverEgress(ctx context.Context) (string, error) {
	servers := p.resolvers()
	if p.opts.WhoamiServer != "" {
		servers = []string{normalizeServer(p.opts.WhoamiServer)}
	}
	if len(servers) == 0 {
		return "", errors.New("no resolver configured")
	}

	msg := new(dns.Msg)
	msg.SetQuestion(dns.Fqdn(p.opts.WhoamiName), dns.TypeTXT)

	var lastErr error
	for _, server := range servers {
		resp, _, err := p.opts.DNS.Exchange(ctx, server, msg)
		if err != nil {
			lastErr = errors.Wrapf(err, "whoami via %s", server)
			continue
		}
		for _, rr := range resp.Answer {
			txt, ok := rr.(*dns.TXT)
			if !ok {
				continue
			}
			for _, s := range txt.Txt {
				if ip := net.ParseIP(strings.TrimSpace(s)); ip != nil {
					return ip.String(), nil
				}
			}
		}
		lastErr = errors.Errorf("whoami via %s: no address in answer", server)
	}
	return "", lastErr
}

func containsIP(list []string, ip string) bool {
	for _, v := range list {
		if sameAddress(v, ip) {
			return true
		}
	}
	return false
}
