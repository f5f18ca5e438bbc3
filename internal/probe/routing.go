package probe

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"syscall"
	"time"
)

// Blockade diagnoses.
const (
	DiagnosisReachable    = "host reachable (ICMP and TCP)"
	DiagnosisICMPFiltered = "ICMP filtered: host answers on TCP but drops ICMP echo"
	DiagnosisTCPFiltered  = "TCP port closed or filtered; host answers ICMP"
	DiagnosisHostDown     = "host down or fully filtered"
	DiagnosisNoICMP       = "ICMP not testable from this host; host answers on TCP"
	DiagnosisPortClosed   = "host up, port closed; ICMP filtered"
	DiagnosisClosedNoICMP = "host up, port closed; ICMP not testable from this host"
)

// DetectICMPBlockade pings host and connects to port concurrently, then
// compares the two outcomes.
func (p *Prober) DetectICMPBlockade(ctx context.Context, host string, port int, timeout time.Duration) (res ICMPBlockadeResult) {
	ctx, cancel, timeout := within(ctx, timeout, p.opts.Timeouts.ICMPBlockade)
	defer cancel()

	start := time.Now()
	res = ICMPBlockadeResult{Host: host, Port: port}
	defer func() { res.Duration = time.Since(start) }()

	ip, err := p.resolveOne(ctx, host)
	if err != nil {
		res.Error = err.Error()
		res.Diagnosis = DiagnosisHostDown
		return res
	}

	var (
		wg      sync.WaitGroup
		icmpErr error
		tcpErr  error
	)
	wg.Add(2)
	go func() {
		defer wg.Done()
		_, _, icmpErr = p.icmpOnly(ctx, ip)
	}()
	go func() {
		defer wg.Done()
		_, tcpErr = p.connectOnce(ctx, ip.String(), port, timeout)
	}()
	wg.Wait()

	res.ICMPReachable = icmpErr == nil
	res.TCPReachable = tcpErr == nil
	// A reset comes from a live host.
	res.PortRefused = errors.Is(tcpErr, syscall.ECONNREFUSED)
	icmpUnavailable := errors.Is(icmpErr, ErrICMPUnavailable)

	switch {
	case res.ICMPReachable && res.TCPReachable:
		res.Diagnosis = DiagnosisReachable
	case res.TCPReachable && icmpUnavailable:
		res.Diagnosis = DiagnosisNoICMP
	case res.TCPReachable:
		res.ICMPBlocked = true
		res.Diagnosis = DiagnosisICMPFiltered
	case res.ICMPReachable:
		res.Diagnosis = DiagnosisTCPFiltered
		res.Error = errString(tcpErr)
	case res.PortRefused && icmpUnavailable:
		res.Diagnosis = DiagnosisClosedNoICMP
		res.Error = errString(tcpErr)
	case res.PortRefused:
		res.ICMPBlocked = true
		res.Diagnosis = DiagnosisPortClosed
		res.Error = errString(tcpErr)
	default:
		res.Diagnosis = DiagnosisHostDown
		res.Error = errString(tcpErr)
	}
	return res
}

const (
	defaultAsymmetricSamples = 5
	// coefficient of variation above which latency is considered unstable
	unstableLatencyCV = 0.5
)

// DetectAsymmetricRouting samples round trips and looks for unstable
// latency and changing TTLs. The result is a heuristic.
func (p *Prober) DetectAsymmetricRouting(ctx context.Context, host string, port, samples int, timeout time.Duration) (res AsymmetricRoutingResult) {
	if samples <= 0 {
		samples = defaultAsymmetricSamples
	}
	if timeout <= 0 {
		timeout = p.opts.Timeouts.Asymmetric
	}

	start := time.Now()
	res = AsymmetricRoutingResult{Host: host, Samples: samples, Confidence: ConfidenceLow}
	defer func() { res.Duration = time.Since(start) }()

	var lastErr error
	for i := 0; i < samples && ctx.Err() == nil; i++ {
		rtt, ttl, method, err := p.roundTrip(ctx, host, port, timeout)
		if err != nil {
			lastErr = err
			continue
		}
		res.Method = method
		res.RTTs = append(res.RTTs, rtt)
		if ttl > 0 {
			res.TTLs = append(res.TTLs, ttl)
		}
	}
	res.Successful = len(res.RTTs)

	if res.Successful < 2 {
		res.Error = "not enough successful samples"
		if lastErr != nil {
			res.Error = fmt.Sprintf("%s: %v", res.Error, lastErr)
		}
		return res
	}
	res.Success = true

	mean, std, variance := latencyStats(res.RTTs)
	res.Mean, res.StdDev, res.VarianceMs = mean, std, variance

	res.TTLConsistent = true
	for _, ttl := range res.TTLs {
		if ttl != res.TTLs[0] {
			res.TTLConsistent = false
			break
		}
	}

	unstable := mean > 0 && float64(std)/float64(mean) > unstableLatencyCV
	if unstable {
		res.Notes = append(res.Notes, fmt.Sprintf("latency varies widely (mean %s, stddev %s)", mean.Round(time.Microsecond), std.Round(time.Microsecond)))
	}
	if !res.TTLConsistent {
		res.Notes = append(res.Notes, fmt.Sprintf("reply TTL changed between samples %v", res.TTLs))
	}
	if len(res.TTLs) == 0 {
		res.Notes = append(res.Notes, "reply TTL unavailable; judged on latency only")
	}

	switch {
	case unstable && !res.TTLConsistent:
		res.Suspected, res.Confidence = true, ConfidenceHigh
	case unstable || !res.TTLConsistent:
		res.Suspected, res.Confidence = true, ConfidenceMedium
	default:
		res.Notes = append(res.Notes, "latency and TTL stable; no sign of asymmetric routing")
	}
	return res
}

// roundTrip measures one ICMP echo, or a TCP connect to port when ICMP is
// unavailable.
func (p *Prober) roundTrip(ctx context.Context, host string, port int, timeout time.Duration) (time.Duration, int, string, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	ip, err := p.resolveOne(ctx, host)
	if err != nil {
		return 0, 0, "", err
	}

	rtt, ttl, err := p.icmpOnly(ctx, ip)
	if err == nil {
		return rtt, ttl, "icmp", nil
	}
	if !errors.Is(err, ErrICMPUnavailable) {
		return 0, 0, "icmp", err
	}

	rtt, err = p.connectOnce(ctx, ip.String(), port, timeout)
	return rtt, 0, "tcp", err
}

// latencyStats returns the mean, the population standard deviation and the
// variance in squared milliseconds.
func latencyStats(samples []time.Duration) (time.Duration, time.Duration, float64) {
	if len(samples) == 0 {
		return 0, 0, 0
	}
	var sum float64
	for _, s := range samples {
		sum += float64(s)
	}
	mean := sum / float64(len(samples))
	if len(samples) == 1 {
		return time.Duration(mean), 0, 0
	}

	var sq float64
	for _, s := range samples {
		d := float64(s) - mean
		sq += d * d
	}
	variance := sq / float64(len(samples))
	ms := float64(time.Millisecond)
	return time.Duration(mean), time.Duration(math.Sqrt(variance)), variance / (ms * ms)
}
