package probe

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
)

// CommandResult is the captured output of a child process.
type CommandResult struct {
	Stdout   string
	Stderr   string
	ExitCode int
	Duration time.Duration
}

// CommandRunner runs a system command bounded by ctx. A command that ran
// and exited non-zero reports its ExitCode with a nil error.
type CommandRunner interface {
	Run(ctx context.Context, name string, args ...string) (CommandResult, error)
}

// ExecRunner runs commands with os/exec.
type ExecRunner struct{}

func (ExecRunner) Run(ctx context.Context, name string, args ...string) (CommandResult, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	start := time.Now()
	err := cmd.Run()
	res := CommandResult{
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
		Duration: time.Since(start),
	}

	if ctx.Err() != nil {
		return res, ctx.Err()
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		res.ExitCode = exitErr.ExitCode()
		return res, nil
	}
	return res, err
}

const (
	ipICMPHeaderLen = 28
	minProbePayload = 576 - ipICMPHeaderLen
	maxProbePayload = 1500 - ipICMPHeaderLen
	ethernetMTU     = 1500
)

// DiscoverMTU binary-searches the largest don't-fragment ping payload that
// reaches host using the system ping command.
func (p *Prober) DiscoverMTU(ctx context.Context, host string, timeout time.Duration) (res MTUResult) {
	ctx, cancel, _ := within(ctx, timeout, p.opts.Timeouts.MTU)
	defer cancel()

	start := time.Now()
	res = MTUResult{Host: host}
	defer func() { res.Duration = time.Since(start) }()

	probe := func(size int) (bool, error) {
		res.Probes++
		out, err := p.opts.Commands.Run(ctx, "ping", p.dfPingArgs(host, size)...)
		if err != nil {
			return false, err
		}
		return out.ExitCode == 0, nil
	}

	ok, err := probe(minProbePayload)
	if err != nil {
		res.Error = fmt.Sprintf("ping: %v", err)
		return res
	}
	if !ok {
		res.Error = fmt.Sprintf("host did not answer %d-byte don't-fragment probes", minProbePayload+ipICMPHeaderLen)
		return res
	}

	lo, hi := minProbePayload, maxProbePayload
	for lo < hi {
		mid := (lo + hi + 1) / 2
		ok, err := probe(mid)
		if err != nil {
			res.Error = fmt.Sprintf("ping: %v", err)
			break
		}
		if ok {
			lo = mid
		} else {
			hi = mid - 1
		}
	}

	res.Success = true
	res.MaxPayload = lo
	res.PathMTU = lo + ipICMPHeaderLen
	res.FragmentationIssue = res.PathMTU < ethernetMTU
	p.log.Debug("path mtu", zap.String("host", host), zap.Int("mtu", res.PathMTU), zap.Int("probes", res.Probes))
	return res
}

func (p *Prober) dfPingArgs(host string, size int) []string {
	n := strconv.Itoa(size)
	switch p.opts.GOOS {
	case "windows":
		return []string{"-n", "1", "-w", "1000", "-f", "-l", n, host}
	case "darwin":
		return []string{"-c", "1", "-W", "1000", "-D", "-s", n, host}
	default:
		return []string{"-c", "1", "-W", "1", "-M", "do", "-s", n, host}
	}
}

const defaultMaxHops = 20

// Traceroute runs the system traceroute and parses its hops.
func (p *Prober) Traceroute(ctx context.Context, host string, maxHops int, timeout time.Duration) (res TracerouteResult) {
	ctx, cancel, _ := within(ctx, timeout, p.opts.Timeouts.Traceroute)
	defer cancel()

	if maxHops <= 0 {
		maxHops = defaultMaxHops
	}

	start := time.Now()
	res = TracerouteResult{Host: host}
	defer func() { res.Duration = time.Since(start) }()

	name, args := "traceroute", []string{"-n", "-q", "1", "-w", "1", "-m", strconv.Itoa(maxHops), host}
	if p.opts.GOOS == "windows" {
		name, args = "tracert", []string{"-d", "-h", strconv.Itoa(maxHops), "-w", "1000", host}
	}

	out, err := p.opts.Commands.Run(ctx, name, args...)
	res.Hops = ParseTraceroute(out.Stdout)

	var execErr *exec.Error
	switch {
	case errors.As(err, &execErr):
		res.Error = fmt.Sprintf("%s command not found", name)
		return res
	case err != nil && len(res.Hops) == 0:
		res.Error = err.Error()
		return res
	}

	res.Success = len(res.Hops) > 0
	if !res.Success {
		res.Error = "traceroute produced no hops"
		return res
	}

	last := res.Hops[len(res.Hops)-1]
	res.Reached = !last.Timeout && (last.IP == trimBrackets(host) || sameAddress(last.IP, host))
	return res
}

func sameAddress(a, b string) bool {
	ia, ib := net.ParseIP(a), net.ParseIP(trimBrackets(b))
	return ia != nil && ib != nil && ia.Equal(ib)
}

// ParseTraceroute extracts hops from traceroute or tracert output. Lines
// that do not start with a hop number are ignored.
func ParseTraceroute(out string) []Hop {
	var hops []Hop
	for _, line := range strings.Split(out, "\n") {
		fields := strings.Fields(line)
		if len(fields) < 2 {
			continue
		}
		ttl, err := strconv.Atoi(fields[0])
		if err != nil || ttl <= 0 {
			continue
		}

		hop := Hop{TTL: ttl}
		for i := 1; i < len(fields); i++ {
			f := fields[i]
			if hop.IP == "" {
				if ip := net.ParseIP(strings.Trim(f, "()[]")); ip != nil {
					hop.IP = ip.String()
					continue
				}
			}
			if hop.RTT == 0 && i+1 < len(fields) && fields[i+1] == "ms" {
				if rtt, ok := parseMillis(f); ok {
					hop.RTT = rtt
				}
			}
		}
		hop.Timeout = hop.IP == ""
		hops = append(hops, hop)
	}
	return hops
}

func parseMillis(s string) (time.Duration, bool) {
	s = strings.TrimPrefix(s, "<")
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, false
	}
	return time.Duration(v * float64(time.Millisecond)), true
}
