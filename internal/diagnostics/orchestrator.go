// Package diagnostics runs the probe suite against a target in ordered,
// concurrent groups and streams results as they arrive.
package diagnostics

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/rcarmo/rdp-netdiag/internal/probe"
	"github.com/rcarmo/rdp-netdiag/internal/protocoldiag"
	"github.com/rcarmo/rdp-netdiag/internal/target"
)

const (
	errNetworkUnavailable = "network stack unavailable"
	errExecUnavailable    = "command execution unavailable"
)

// Prober is the set of measurements a run uses. *probe.Prober implements it.
type Prober interface {
	Ping(ctx context.Context, host string, timeout time.Duration) probe.PingResult
	LookupDNS(ctx context.Context, host string, timeout time.Duration) probe.DNSResult
	CheckPort(ctx context.Context, host string, port int, timeout time.Duration) probe.PortCheckResult
	TCPTiming(ctx context.Context, host string, port, samples int, timeout time.Duration) probe.TCPTimingResult
	DetectICMPBlockade(ctx context.Context, host string, port int, timeout time.Duration) probe.ICMPBlockadeResult
	Fingerprint(ctx context.Context, host string, port int, timeout time.Duration) probe.FingerprintResult
	CheckTLS(ctx context.Context, host string, port int, serverName string, timeout time.Duration) probe.TLSCheckResult
	DiscoverMTU(ctx context.Context, host string, timeout time.Duration) probe.MTUResult
	Traceroute(ctx context.Context, host string, maxHops int, timeout time.Duration) probe.TracerouteResult
	DetectAsymmetricRouting(ctx context.Context, host string, port, samples int, timeout time.Duration) probe.AsymmetricRoutingResult
	ProbeUDP(ctx context.Context, host string, port int, timeout time.Duration) probe.UDPProbeResult
	GeolocateIP(ctx context.Context, ip string, timeout time.Duration) probe.IPGeoResult
	DetectLeaks(ctx context.Context, tunnel target.TunnelSettings, timeout time.Duration) probe.LeakResult
	DefaultGateway() (net.IP, error)
}

// ProtocolDiagnoser runs the protocol deep diagnostic.
// *protocoldiag.Diagnoser implements it.
type ProtocolDiagnoser interface {
	Diagnose(ctx context.Context, protocol target.Protocol, t target.Target) *protocoldiag.Report
}

// Capabilities states what the host environment allows.
type Capabilities struct {
	// Network is false when no sockets may be opened at all.
	Network bool
	// ICMP is false when raw or unprivileged ICMP sockets are unavailable.
	ICMP bool
	// Exec is false when external commands (ping, traceroute) cannot run.
	Exec bool
}

// Apply copies the capability flags into probe options.
func (c Capabilities) Apply(opts probe.Options) probe.Options {
	opts.DisableICMP = !c.ICMP
	return opts
}

// Options configures an Orchestrator.
type Options struct {
	Capabilities Capabilities

	// InternetHost is pinged to check general connectivity.
	InternetHost string
	// GatewayIP overrides default gateway discovery.
	GatewayIP string

	PingSamples       int
	PingInterval      time.Duration
	AsymmetricSamples int
	TCPTimingSamples  int
	TracerouteMaxHops int

	Logger *zap.Logger
}

// DefaultOptions returns options with every capability enabled.
func DefaultOptions() Options {
	return Options{
		Capabilities:      Capabilities{Network: true, ICMP: true, Exec: true},
		InternetHost:      "8.8.8.8",
		PingSamples:       10,
		PingInterval:      500 * time.Millisecond,
		AsymmetricSamples: 5,
		TCPTimingSamples:  3,
		TracerouteMaxHops: 20,
	}
}

func (o Options) withDefaults() Options {
	d := DefaultOptions()
	if o.InternetHost == "" {
		o.InternetHost = d.InternetHost
	}
	if o.PingSamples <= 0 {
		o.PingSamples = d.PingSamples
	}
	if o.PingInterval <= 0 {
		o.PingInterval = d.PingInterval
	}
	if o.AsymmetricSamples <= 0 {
		o.AsymmetricSamples = d.AsymmetricSamples
	}
	if o.TCPTimingSamples <= 0 {
		o.TCPTimingSamples = d.TCPTimingSamples
	}
	if o.TracerouteMaxHops <= 0 {
		o.TracerouteMaxHops = d.TracerouteMaxHops
	}
	if o.Logger == nil {
		o.Logger = zap.NewNop()
	}
	return o
}

// Orchestrator sequences probe groups for a target.
type Orchestrator struct {
	prober   Prober
	protocol ProtocolDiagnoser
	opts     Options
	log      *zap.Logger
}

// New returns an orchestrator. protocol may be nil to skip deep diagnostics.
func New(prober Prober, protocol ProtocolDiagnoser, opts Options) *Orchestrator {
	opts = opts.withDefaults()
	return &Orchestrator{prober: prober, protocol: protocol, opts: opts, log: opts.Logger}
}

// task is one probe inside a group. run reports through emit; on panic
// a failed result for slot is emitted instead.
type task struct {
	slot Slot
	host string
	run  func(ctx context.Context, emit func(Slot, any))
}

// Run diagnoses t. It always returns a result: probe failures are recorded
// in their slots, and a cancelled ctx stops the remaining groups.
func (o *Orchestrator) Run(ctx context.Context, t target.Target, options ...RunOption) *Results {
	var cfg runConfig
	for _, opt := range options {
		opt(&cfg)
	}

	res := &Results{RunID: uuid.NewString(), Target: t, StartedAt: time.Now()}
	c := newCollector(res, cfg.observer)
	log := o.log.With(zap.String("run", res.RunID), zap.String("target", t.Address()))
	log.Debug("diagnosis started")

	if !o.opts.Capabilities.Network {
		o.baseline(c, t)
	} else {
		res.Cancelled = o.groups(ctx, c, t)
	}

	res.FinishedAt = time.Now()
	c.finish()
	log.Debug("diagnosis finished",
		zap.Duration("elapsed", res.FinishedAt.Sub(res.StartedAt)),
		zap.Bool("cancelled", res.Cancelled))
	return res
}

// groups runs the probe groups in order and reports whether ctx ended
// the run early.
func (o *Orchestrator) groups(ctx context.Context, c *collector, t target.Target) bool {
	host := t.Host()
	port := t.EffectivePort()

	// Traceroute is slow; it overlaps groups 1 and 2.
	trace := o.start(ctx, c, 3, o.traceroute(host))
	defer func() {
		_ = trace.Wait()
		c.flush()
	}()

	o.group(ctx, c, 1, o.internet(), o.gateway())
	if ctx.Err() != nil {
		return true
	}

	o.group(ctx, c, 2,
		task{slot: SlotDNS, host: host, run: func(ctx context.Context, emit func(Slot, any)) {
			dns := o.prober.LookupDNS(ctx, host, 0)
			emit(SlotDNS, dns)
			classified := host
			if addr := dns.FirstAddress(); addr != "" {
				classified = addr
			}
			emit(SlotIPClassification, probe.ClassifyIP(classified))
		}},
		task{slot: SlotPing, host: host, run: func(ctx context.Context, emit func(Slot, any)) {
			emit(SlotPing, o.prober.Ping(ctx, host, 0))
		}},
		task{slot: SlotPort, host: host, run: func(ctx context.Context, emit func(Slot, any)) {
			emit(SlotPort, o.prober.CheckPort(ctx, host, port, 0))
		}},
	)
	if ctx.Err() != nil {
		return true
	}

	_ = trace.Wait()
	c.flush()
	if ctx.Err() != nil {
		return true
	}

	// Later groups probe the resolved address so every probe hits the
	// same host.
	addr := c.res.ResolvedHost()
	o.group(ctx, c, 4, o.endpointTasks(t, addr, port)...)
	if ctx.Err() != nil {
		return true
	}

	o.group(ctx, c, 5, o.pathTasks(t, addr, port)...)
	if ctx.Err() != nil {
		return true
	}

	if o.samples(ctx, c, addr) {
		return true
	}

	if o.protocol != nil && protocoldiag.Supported(t.Protocol) {
		o.group(ctx, c, 7, task{slot: SlotProtocol, host: host, run: func(ctx context.Context, emit func(Slot, any)) {
			emit(SlotProtocol, o.protocol.Diagnose(ctx, t.Protocol, t))
		}})
	}
	return ctx.Err() != nil
}

func (o *Orchestrator) internet() task {
	host := o.opts.InternetHost
	return task{slot: SlotInternet, host: host, run: func(ctx context.Context, emit func(Slot, any)) {
		emit(SlotInternet, o.prober.Ping(ctx, host, 0))
	}}
}

func (o *Orchestrator) gateway() task {
	return task{slot: SlotGateway, host: "gateway", run: func(ctx context.Context, emit func(Slot, any)) {
		host := o.opts.GatewayIP
		if host == "" {
			ip, err := o.prober.DefaultGateway()
			if err != nil {
				emit(SlotGateway, probe.PingResult{Host: "gateway", Error: err.Error()})
				return
			}
			host = ip.String()
		}
		emit(SlotGateway, o.prober.Ping(ctx, host, 0))
	}}
}

func (o *Orchestrator) traceroute(host string) task {
	return task{slot: SlotTraceroute, host: host, run: func(ctx context.Context, emit func(Slot, any)) {
		if !o.opts.Capabilities.Exec {
			emit(SlotTraceroute, failed(SlotTraceroute, host, errExecUnavailable))
			return
		}
		emit(SlotTraceroute, o.prober.Traceroute(ctx, host, o.opts.TracerouteMaxHops, 0))
	}}
}

// endpointTasks is group 4: the service on the target port.
func (o *Orchestrator) endpointTasks(t target.Target, host string, port int) []task {
	tasks := []task{
		{slot: SlotTCPTiming, host: host, run: func(ctx context.Context, emit func(Slot, any)) {
			emit(SlotTCPTiming, o.prober.TCPTiming(ctx, host, port, o.opts.TCPTimingSamples, 0))
		}},
		{slot: SlotICMPBlockade, host: host, run: func(ctx context.Context, emit func(Slot, any)) {
			emit(SlotICMPBlockade, o.prober.DetectICMPBlockade(ctx, host, port, 0))
		}},
		{slot: SlotFingerprint, host: host, run: func(ctx context.Context, emit func(Slot, any)) {
			emit(SlotFingerprint, o.prober.Fingerprint(ctx, host, port, 0))
		}},
		{slot: SlotMTU, host: host, run: func(ctx context.Context, emit func(Slot, any)) {
			if !o.opts.Capabilities.Exec {
				emit(SlotMTU, failed(SlotMTU, host, errExecUnavailable))
				return
			}
			emit(SlotMTU, o.prober.DiscoverMTU(ctx, host, 0))
		}},
	}
	if probe.ShouldCheckTLS(port, t.Protocol) {
		serverName := t.TLS.ServerName
		if serverName == "" {
			serverName = t.Host()
		}
		tasks = append(tasks, task{slot: SlotTLS, host: host, run: func(ctx context.Context, emit func(Slot, any)) {
			emit(SlotTLS, o.prober.CheckTLS(ctx, host, port, serverName, 0))
		}})
	}
	return tasks
}

// pathTasks is group 5: routing, location and leaks.
func (o *Orchestrator) pathTasks(t target.Target, host string, port int) []task {
	tasks := []task{
		{slot: SlotAsymmetricRouting, host: host, run: func(ctx context.Context, emit func(Slot, any)) {
			emit(SlotAsymmetricRouting, o.prober.DetectAsymmetricRouting(ctx, host, port, o.opts.AsymmetricSamples, 0))
		}},
		{slot: SlotGeo, host: host, run: func(ctx context.Context, emit func(Slot, any)) {
			emit(SlotGeo, o.prober.GeolocateIP(ctx, host, 0))
		}},
	}
	if probe.ShouldProbeUDP(port, t.Protocol) {
		tasks = append(tasks, task{slot: SlotUDP, host: host, run: func(ctx context.Context, emit func(Slot, any)) {
			emit(SlotUDP, o.prober.ProbeUDP(ctx, host, port, 0))
		}})
	}
	if t.Tunnel.Active() {
		tasks = append(tasks, task{slot: SlotLeak, host: host, run: func(ctx context.Context, emit func(Slot, any)) {
			emit(SlotLeak, o.prober.DetectLeaks(ctx, t.Tunnel, 0))
		}})
	}
	return tasks
}

// samples is group 6: sequential pings spaced by PingInterval. It reports
// whether ctx ended the sequence.
func (o *Orchestrator) samples(ctx context.Context, c *collector, host string) bool {
	for i := 1; i <= o.opts.PingSamples; i++ {
		if i > 1 {
			select {
			case <-ctx.Done():
				return true
			case <-time.After(o.opts.PingInterval):
			}
		}
		c.sample(6, i, o.sampleOnce(ctx, host))
	}
	c.flush()
	return ctx.Err() != nil
}

func (o *Orchestrator) sampleOnce(ctx context.Context, host string) (res probe.PingResult) {
	defer func() {
		if r := recover(); r != nil {
			o.log.Error("ping sample panicked", zap.Any("panic", r))
			res = failed(SlotSample, host, fmt.Sprintf("internal error: %v", r)).(probe.PingResult)
		}
	}()
	return o.prober.Ping(ctx, host, 0)
}

// start launches tasks without waiting. Every task settles: errors never
// cancel siblings.
func (o *Orchestrator) start(ctx context.Context, c *collector, group int, tasks ...task) *errgroup.Group {
	g := new(errgroup.Group)
	for _, tk := range tasks {
		tk := tk
		g.Go(func() error {
			emit := func(slot Slot, v any) { c.send(group, slot, v) }
			defer func() {
				if r := recover(); r != nil {
					o.log.Error("probe panicked",
						zap.String("probe", string(tk.slot)),
						zap.Int("group", group),
						zap.Any("panic", r))
					emit(tk.slot, failed(tk.slot, tk.host, fmt.Sprintf("internal error: %v", r)))
				}
			}()
			tk.run(ctx, emit)
			return nil
		})
	}
	return g
}

// group runs tasks to completion and waits until their results are applied.
func (o *Orchestrator) group(ctx context.Context, c *collector, n int, tasks ...task) {
	_ = o.start(ctx, c, n, tasks...).Wait()
	c.flush()
}

// baseline fills every probe slot with a failure without touching the
// network.
func (o *Orchestrator) baseline(c *collector, t target.Target) {
	host := t.Host()
	slots := []struct {
		group int
		slot  Slot
		host  string
	}{
		{1, SlotInternet, o.opts.InternetHost},
		{1, SlotGateway, "gateway"},
		{2, SlotDNS, host},
		{2, SlotIPClassification, host},
		{2, SlotPing, host},
		{2, SlotPort, host},
		{3, SlotTraceroute, host},
		{4, SlotTCPTiming, host},
		{4, SlotICMPBlockade, host},
		{4, SlotFingerprint, host},
		{4, SlotTLS, host},
		{4, SlotMTU, host},
		{5, SlotAsymmetricRouting, host},
		{5, SlotGeo, host},
		{5, SlotUDP, host},
		{5, SlotLeak, host},
	}
	for _, s := range slots {
		v := failed(s.slot, s.host, errNetworkUnavailable)
		if s.slot == SlotPort {
			p := v.(probe.PortCheckResult)
			p.Port = t.EffectivePort()
			v = p
		}
		c.send(s.group, s.slot, v)
	}
	c.flush()
}

// failed builds the result value for slot carrying msg as its error.
func failed(slot Slot, host, msg string) any {
	switch slot {
	case SlotInternet, SlotGateway, SlotPing, SlotSample:
		return probe.PingResult{Host: host, Error: msg}
	case SlotDNS:
		return probe.DNSResult{Host: host, Error: msg}
	case SlotPort:
		return probe.PortCheckResult{Host: host, Error: msg}
	case SlotIPClassification:
		return probe.ClassifyIP(host)
	case SlotTraceroute:
		return probe.TracerouteResult{Host: host, Error: msg}
	case SlotTCPTiming:
		return probe.TCPTimingResult{Host: host, Error: msg}
	case SlotICMPBlockade:
		return probe.ICMPBlockadeResult{Host: host, Diagnosis: msg, Error: msg}
	case SlotFingerprint:
		return probe.FingerprintResult{Host: host, Confidence: probe.ConfidenceNone, Error: msg}
	case SlotTLS:
		return probe.TLSCheckResult{Host: host, Error: msg}
	case SlotMTU:
		return probe.MTUResult{Host: host, Error: msg}
	case SlotAsymmetricRouting:
		return probe.AsymmetricRoutingResult{Host: host, Confidence: probe.ConfidenceNone, Error: msg}
	case SlotGeo:
		return probe.IPGeoResult{IP: host, Classification: probe.ClassifyIP(host), Error: msg}
	case SlotUDP:
		return probe.UDPProbeResult{Host: host, Error: msg}
	case SlotLeak:
		return probe.LeakResult{Error: msg}
	case SlotProtocol:
		return &protocoldiag.Report{
			Target:  host,
			Steps:   []protocoldiag.Step{{Name: "Protocol", Status: protocoldiag.StatusFail, Message: msg}},
			Summary: "0 of 1 checks passed",
		}
	}
	return nil
}
