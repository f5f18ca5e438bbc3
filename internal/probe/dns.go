package probe

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/miekg/dns"
	"go.uber.org/zap"
)

// DNSExchanger sends one DNS message to server (host:port).
type DNSExchanger interface {
	Exchange(ctx context.Context, server string, msg *dns.Msg) (*dns.Msg, time.Duration, error)
}

// dnsTransport queries over UDP and retries over TCP when the answer is
// truncated.
type dnsTransport struct{}

func (dnsTransport) Exchange(ctx context.Context, server string, msg *dns.Msg) (*dns.Msg, time.Duration, error) {
	client := &dns.Client{Net: "udp"}
	resp, rtt, err := client.ExchangeContext(ctx, msg, server)
	if err == nil && resp != nil && resp.Truncated {
		client.Net = "tcp"
		return client.ExchangeContext(ctx, msg.Copy(), server)
	}
	return resp, rtt, err
}

var errNXDomain = errors.New("no such host")

// LookupDNS resolves host to its addresses and attempts a reverse lookup of
// the first one. IP literals are returned as-is without any query.
func (p *Prober) LookupDNS(ctx context.Context, host string, timeout time.Duration) (res DNSResult) {
	ctx, cancel, _ := within(ctx, timeout, p.opts.Timeouts.DNS)
	defer cancel()

	start := time.Now()
	res = DNSResult{Host: host}
	defer func() { res.Duration = time.Since(start) }()

	name := trimBrackets(strings.TrimSpace(host))
	if ip := net.ParseIP(name); ip != nil {
		res.IsLiteral = true
		res.Success = true
		res.Addresses = []string{ip.String()}
		return res
	}
	if name == "" {
		res.Error = "empty hostname"
		return res
	}

	servers, names := p.lookupPlan(name)
	if len(servers) == 0 {
		return p.lookupSystem(ctx, name, res)
	}

	var lastErr error
query:
	for _, server := range servers {
		for _, n := range names {
			addrs, err := p.queryAddresses(ctx, server, n)
			if err == nil {
				res.Resolver = server
				res.Addresses = addrs
				res.Success = true
				res.ReverseNames = p.queryReverse(ctx, server, addrs[0])
				return res
			}
			lastErr = err
			p.log.Debug("dns query failed", zap.String("server", server), zap.String("name", n), zap.Error(err))
			if ctx.Err() != nil {
				break query
			}
			if !errors.Is(err, errNXDomain) {
				continue query
			}
		}
		// every candidate name is unknown to this server
		break
	}

	// Hosts file entries and names only the platform resolver knows.
	if ctx.Err() == nil {
		if sys := p.lookupSystem(ctx, name, res); sys.Success {
			p.log.Debug("dns answered by system resolver", zap.String("host", name), zap.NamedError("dnsError", lastErr))
			return sys
		}
	}

	res.Error = fmt.Sprintf("lookup %s: %v", name, lastErr)
	return res
}

// queryAddresses asks server for A and AAAA records, A first.
func (p *Prober) queryAddresses(ctx context.Context, server, name string) ([]string, error) {
	var (
		addrs   []string
		lastErr error
	)
	for _, qtype := range []uint16{dns.TypeA, dns.TypeAAAA} {
		msg := new(dns.Msg)
		msg.SetQuestion(dns.Fqdn(name), qtype)

		resp, _, err := p.opts.DNS.Exchange(ctx, server, msg)
		if err != nil {
			lastErr = err
			continue
		}
		switch resp.Rcode {
		case dns.RcodeSuccess:
		case dns.RcodeNameError:
			return nil, errNXDomain
		default:
			lastErr = fmt.Errorf("server answered %s", dns.RcodeToString[resp.Rcode])
			continue
		}
		for _, rr := range resp.Answer {
			switch v := rr.(type) {
			case *dns.A:
				addrs = append(addrs, v.A.String())
			case *dns.AAAA:
				addrs = append(addrs, v.AAAA.String())
			}
		}
	}

	if len(addrs) == 0 {
		if lastErr == nil {
			lastErr = errors.New("no address records")
		}
		return nil, lastErr
	}
	return addrs, nil
}

func (p *Prober) queryReverse(ctx context.Context, server, addr string) []string {
	arpa, err := dns.ReverseAddr(addr)
	if err != nil {
		return nil
	}
	msg := new(dns.Msg)
	msg.SetQuestion(arpa, dns.TypePTR)

	resp, _, err := p.opts.DNS.Exchange(ctx, server, msg)
	if err != nil || resp.Rcode != dns.RcodeSuccess {
		return nil
	}

	var names []string
	for _, rr := range resp.Answer {
		if ptr, ok := rr.(*dns.PTR); ok {
			names = append(names, strings.TrimSuffix(ptr.Ptr, "."))
		}
	}
	return names
}

func (p *Prober) lookupSystem(ctx context.Context, name string, res DNSResult) DNSResult {
	addrs, err := p.opts.Resolver.LookupIPAddr(ctx, name)
	if err != nil {
		res.Error = err.Error()
		return res
	}
	for _, a := range addrs {
		res.Addresses = append(res.Addresses, a.IP.String())
	}
	if len(res.Addresses) == 0 {
		res.Error = fmt.Sprintf("lookup %s: no such host", name)
		return res
	}
	res.Success = true
	res.Resolver = "system"
	if names, err := p.opts.Resolver.LookupAddr(ctx, res.Addresses[0]); err == nil {
		for _, n := range names {
			res.ReverseNames = append(res.ReverseNames, strings.TrimSuffix(n, "."))
		}
	}
	return res
}

// resolvers returns the configured servers, or the ones in resolv.conf.
func (p *Prober) resolvers() []string {
	servers, _ := p.lookupPlan("")
	return servers
}

// lookupPlan returns the servers to ask and the names to ask them for.
// Servers read from resolv.conf come with its search list and ndots.
func (p *Prober) lookupPlan(name string) (servers, names []string) {
	if len(p.opts.Resolvers) > 0 {
		servers = make([]string, 0, len(p.opts.Resolvers))
		for _, r := range p.opts.Resolvers {
			servers = append(servers, normalizeServer(r))
		}
		return servers, []string{dns.Fqdn(name)}
	}

	conf, err := dns.ClientConfigFromFile(p.opts.ResolvConf)
	if err != nil {
		return nil, nil
	}
	servers = make([]string, 0, len(conf.Servers))
	for _, s := range conf.Servers {
		servers = append(servers, net.JoinHostPort(s, conf.Port))
	}
	if name == "" {
		return servers, nil
	}
	return servers, conf.NameList(name)
}

func normalizeServer(server string) string {
	if _, _, err := net.SplitHostPort(server); err == nil {
		return server
	}
	return net.JoinHostPort(trimBrackets(server), "53")
}
