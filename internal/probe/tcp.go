package probe

import (
	"context"
	"net"
	"strings"
	"time"
	"unicode"
)

// CheckPort connects to host:port and reads whatever banner the service
// volunteers within a short window.
func (p *Prober) CheckPort(ctx context.Context, host string, port int, timeout time.Duration) (res PortCheckResult) {
	ctx, cancel, _ := within(ctx, timeout, p.opts.Timeouts.Port)
	defer cancel()

	res = PortCheckResult{Host: host, Port: port}

	start := time.Now()
	conn, err := p.dial(ctx, "tcp", host, port)
	res.Duration = time.Since(start)
	if err != nil {
		res.Error = err.Error()
		return res
	}
	defer conn.Close()

	res.Open = true
	res.Banner = sanitizeBanner(readBanner(ctx, conn, bannerWindow))
	return res
}

// TCPTiming measures samples sequential connects, each bounded by timeout.
func (p *Prober) TCPTiming(ctx context.Context, host string, port, samples int, timeout time.Duration) (res TCPTimingResult) {
	if samples <= 0 {
		samples = defaultTimingSample
	}
	if timeout <= 0 {
		timeout = p.opts.Timeouts.TCPTiming
	}

	start := time.Now()
	res = TCPTimingResult{Host: host, Port: port}
	defer func() { res.Duration = time.Since(start) }()

	var lastErr error
	for i := 0; i < samples; i++ {
		if ctx.Err() != nil {
			lastErr = ctx.Err()
			break
		}
		res.Attempts++

		rtt, err := p.connectOnce(ctx, host, port, timeout)
		if err != nil {
			res.Failures++
			lastErr = err
			continue
		}
		res.Samples = append(res.Samples, rtt)
	}

	if len(res.Samples) == 0 {
		res.Error = errString(lastErr)
		return res
	}

	res.Success = true
	res.Min, res.Max = res.Samples[0], res.Samples[0]
	var total time.Duration
	for _, s := range res.Samples {
		total += s
		if s < res.Min {
			res.Min = s
		}
		if s > res.Max {
			res.Max = s
		}
	}
	res.Avg = total / time.Duration(len(res.Samples))
	return res
}

func (p *Prober) connectOnce(ctx context.Context, host string, port int, timeout time.Duration) (time.Duration, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	conn, err := p.dial(ctx, "tcp", host, port)
	if err != nil {
		return 0, err
	}
	rtt := time.Since(start)
	_ = conn.Close()
	return rtt, nil
}

// readBanner reads at most maxBannerLen bytes within window, never past the
// context deadline.
func readBanner(ctx context.Context, conn net.Conn, window time.Duration) []byte {
	deadline := time.Now().Add(window)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	_ = conn.SetReadDeadline(deadline)
	defer conn.SetReadDeadline(time.Time{})

	buf := make([]byte, maxBannerLen)
	n, _ := conn.Read(buf)
	return buf[:n]
}

func sanitizeBanner(b []byte) string {
	s := strings.Map(func(r rune) rune {
		if r == '\n' || r == '\t' || (r < unicode.MaxASCII && unicode.IsPrint(r)) {
			return r
		}
		if r == '\r' {
			return -1
		}
		return '.'
	}, string(b))
	return strings.TrimSpace(s)
}
