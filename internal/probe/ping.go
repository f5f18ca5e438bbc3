package probe

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/net/icmp"
	"golang.org/x/net/ipv4"
	"golang.org/x/net/ipv6"
)

const (
	protocolICMP     = 1
	protocolIPv6ICMP = 58
)

// ErrICMPUnavailable is returned by a Pinger that cannot open an ICMP socket.
var ErrICMPUnavailable = errors.New("icmp sockets unavailable")

// Pinger sends one echo request and waits for its reply.
type Pinger interface {
	Ping(ctx context.Context, ip net.IP, seq int) (rtt time.Duration, ttl int, err error)
}

// ICMPPinger pings through unprivileged datagram ICMP sockets, falling back
// to raw sockets.
type ICMPPinger struct{}

func (p *ICMPPinger) Ping(ctx context.Context, ip net.IP, seq int) (time.Duration, int, error) {
	v4 := ip.To4() != nil

	conn, raw, err := listenICMP(v4)
	if err != nil {
		return 0, 0, err
	}
	defer conn.Close()

	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}
	stop := context.AfterFunc(ctx, func() { _ = conn.SetDeadline(time.Now()) })
	defer stop()

	var (
		request icmp.Type = ipv4.ICMPTypeEcho
		reply   icmp.Type = ipv4.ICMPTypeEchoReply
		proto             = protocolICMP
	)
	if v4 {
		_ = conn.IPv4PacketConn().SetControlMessage(ipv4.FlagTTL, true)
	} else {
		request, reply, proto = ipv6.ICMPTypeEchoRequest, ipv6.ICMPTypeEchoReply, protocolIPv6ICMP
		_ = conn.IPv6PacketConn().SetControlMessage(ipv6.FlagHopLimit, true)
	}

	id := os.Getpid() & 0xffff
	seq &= 0xffff
	msg := icmp.Message{
		Type: request,
		Body: &icmp.Echo{ID: id, Seq: seq, Data: []byte("rdp-netdiag")},
	}
	wb, err := msg.Marshal(nil)
	if err != nil {
		return 0, 0, fmt.Errorf("marshal echo: %w", err)
	}

	var dst net.Addr = &net.UDPAddr{IP: ip}
	if raw {
		dst = &net.IPAddr{IP: ip}
	}

	start := time.Now()
	if _, err := conn.WriteTo(wb, dst); err != nil {
		return 0, 0, fmt.Errorf("send echo: %w", err)
	}

	buf := make([]byte, 1500)
	for {
		n, ttl, err := readICMP(conn, v4, buf)
		if err != nil {
			if ctx.Err() != nil {
				return 0, 0, fmt.Errorf("echo reply: %w", ctx.Err())
			}
			return 0, 0, fmt.Errorf("echo reply: %w", err)
		}

		rm, err := icmp.ParseMessage(proto, buf[:n])
		if err != nil || rm.Type != reply {
			continue
		}
		echo, ok := rm.Body.(*icmp.Echo)
		if !ok || echo.Seq != seq {
			continue
		}
		// the kernel rewrites the identifier of datagram sockets
		if raw && echo.ID != id {
			continue
		}
		return time.Since(start), ttl, nil
	}
}

func listenICMP(v4 bool) (*icmp.PacketConn, bool, error) {
	dgram, rawNet, addr := "udp4", "ip4:icmp", "0.0.0.0"
	if !v4 {
		dgram, rawNet, addr = "udp6", "ip6:ipv6-icmp", "::"
	}

	conn, err := icmp.ListenPacket(dgram, addr)
	if err == nil {
		return conn, false, nil
	}
	conn, rawErr := icmp.ListenPacket(rawNet, addr)
	if rawErr == nil {
		return conn, true, nil
	}
	return nil, false, fmt.Errorf("%w: %v", ErrICMPUnavailable, err)
}

func readICMP(conn *icmp.PacketConn, v4 bool, buf []byte) (int, int, error) {
	if v4 {
		n, cm, _, err := conn.IPv4PacketConn().ReadFrom(buf)
		if cm != nil {
			return n, cm.TTL, err
		}
		return n, 0, err
	}
	n, cm, _, err := conn.IPv6PacketConn().ReadFrom(buf)
	if cm != nil {
		return n, cm.HopLimit, err
	}
	return n, 0, err
}

// Ping sends one echo request to host. Without ICMP sockets it falls back
// to a TCP connect and reports Method "tcp".
func (p *Prober) Ping(ctx context.Context, host string, timeout time.Duration) (res PingResult) {
	ctx, cancel, _ := within(ctx, timeout, p.opts.Timeouts.Ping)
	defer cancel()

	start := time.Now()
	res = PingResult{Host: host, Method: "icmp", Seq: int(p.nextSeq())}
	defer func() { res.Duration = time.Since(start) }()

	ip, err := p.resolveOne(ctx, host)
	if err != nil {
		res.Error = err.Error()
		return res
	}
	res.IP = ip.String()

	if !p.opts.DisableICMP {
		rtt, ttl, err := p.opts.Pinger.Ping(ctx, ip, res.Seq)
		if err == nil {
			res.Success, res.RTT, res.TTL = true, rtt, ttl
			return res
		}
		if !errors.Is(err, ErrICMPUnavailable) {
			res.Error = err.Error()
			return res
		}
		p.log.Debug("icmp unavailable, using tcp", zap.String("host", host), zap.Error(err))
	}

	res.Method = "tcp"
	rtt, err := p.tcpPing(ctx, ip)
	if err != nil {
		res.Error = err.Error()
		return res
	}
	res.Success, res.RTT = true, rtt
	return res
}

// icmpOnly pings without the TCP fallback.
func (p *Prober) icmpOnly(ctx context.Context, ip net.IP) (time.Duration, int, error) {
	if p.opts.DisableICMP {
		return 0, 0, ErrICMPUnavailable
	}
	return p.opts.Pinger.Ping(ctx, ip, int(p.nextSeq()))
}

// tcpPing measures a TCP handshake. A refused connection still proves the
// host answered.
func (p *Prober) tcpPing(ctx context.Context, ip net.IP) (time.Duration, error) {
	var lastErr error
	for _, port := range p.opts.FallbackPorts {
		start := time.Now()
		conn, err := p.dial(ctx, "tcp", ip.String(), port)
		rtt := time.Since(start)
		if err == nil {
			_ = conn.Close()
			return rtt, nil
		}
		if errors.Is(err, syscall.ECONNREFUSED) {
			return rtt, nil
		}
		lastErr = err
		if ctx.Err() != nil {
			break
		}
	}
	return 0, lastErr
}

func (p *Prober) nextSeq() uint32 {
	return p.seq.Add(1)
}

// resolveOne returns host as an IP, resolving it when needed. IPv4 wins.
func (p *Prober) resolveOne(ctx context.Context, host string) (net.IP, error) {
	host = trimBrackets(host)
	if ip := net.ParseIP(host); ip != nil {
		return ip, nil
	}

	addrs, err := p.opts.Resolver.LookupIPAddr(ctx, host)
	if err != nil {
		return nil, err
	}
	for _, a := range addrs {
		if a.IP.To4() != nil {
			return a.IP, nil
		}
	}
	if len(addrs) == 0 {
		return nil, fmt.Errorf("lookup %s: no such host", host)
	}
	return addrs[0].IP, nil
}
