package diagnostics

import (
	"context"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rcarmo/rdp-netdiag/internal/probe"
	"github.com/rcarmo/rdp-netdiag/internal/protocoldiag"
	"github.com/rcarmo/rdp-netdiag/internal/target"
)

type fakeProber struct {
	mu    sync.Mutex
	calls map[string][]string

	addresses   []string
	dnsErr      string
	gateway     net.IP
	gatewayErr  error
	fingerprint func(host string) probe.FingerprintResult
	serverNames []string
	maxHops     int
	pingTimes   map[string][]time.Time
}

func (f *fakeProber) record(method, host string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.calls == nil {
		f.calls = make(map[string][]string)
	}
	f.calls[method] = append(f.calls[method], host)
}

func (f *fakeProber) hosts(method string) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls[method]...)
}

func (f *fakeProber) total() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, v := range f.calls {
		n += len(v)
	}
	return n
}

func (f *fakeProber) Ping(_ context.Context, host string, _ time.Duration) probe.PingResult {
	f.record("Ping", host)
	f.mu.Lock()
	if f.pingTimes == nil {
		f.pingTimes = make(map[string][]time.Time)
	}
	f.pingTimes[host] = append(f.pingTimes[host], time.Now())
	f.mu.Unlock()
	return probe.PingResult{Host: host, Success: true, RTT: 10 * time.Millisecond, Method: "icmp"}
}

func (f *fakeProber) LookupDNS(_ context.Context, host string, _ time.Duration) probe.DNSResult {
	f.record("LookupDNS", host)
	if net.ParseIP(host) != nil {
		return probe.DNSResult{Host: host, IsLiteral: true, Success: true, Addresses: []string{host}}
	}
	if f.dnsErr != "" {
		return probe.DNSResult{Host: host, Error: f.dnsErr}
	}
	return probe.DNSResult{Host: host, Success: true, Addresses: f.addresses}
}

func (f *fakeProber) CheckPort(_ context.Context, host string, port int, _ time.Duration) probe.PortCheckResult {
	f.record("CheckPort", host)
	return probe.PortCheckResult{Host: host, Port: port, Open: true}
}

func (f *fakeProber) TCPTiming(_ context.Context, host string, port, samples int, _ time.Duration) probe.TCPTimingResult {
	f.record("TCPTiming", host)
	return probe.TCPTimingResult{Host: host, Port: port, Success: true, Attempts: samples}
}

func (f *fakeProber) DetectICMPBlockade(_ context.Context, host string, port int, _ time.Duration) probe.ICMPBlockadeResult {
	f.record("DetectICMPBlockade", host)
	return probe.ICMPBlockadeResult{Host: host, Port: port, ICMPReachable: true, TCPReachable: true}
}

func (f *fakeProber) Fingerprint(_ context.Context, host string, port int, _ time.Duration) probe.FingerprintResult {
	f.record("Fingerprint", host)
	if f.fingerprint != nil {
		return f.fingerprint(host)
	}
	return probe.FingerprintResult{Host: host, Port: port, Success: true, Service: "rdp", Confidence: probe.ConfidenceHigh}
}

func (f *fakeProber) CheckTLS(_ context.Context, host string, port int, serverName string, _ time.Duration) probe.TLSCheckResult {
	f.record("CheckTLS", host)
	f.mu.Lock()
	f.serverNames = append(f.serverNames, serverName)
	f.mu.Unlock()
	return probe.TLSCheckResult{Host: host, Port: port, ServerName: serverName, Success: true}
}

func (f *fakeProber) DiscoverMTU(_ context.Context, host string, _ time.Duration) probe.MTUResult {
	f.record("DiscoverMTU", host)
	return probe.MTUResult{Host: host, Success: true, PathMTU: 1500}
}

func (f *fakeProber) Traceroute(_ context.Context, host string, maxHops int, _ time.Duration) probe.TracerouteResult {
	f.record("Traceroute", host)
	f.mu.Lock()
	f.maxHops = maxHops
	f.mu.Unlock()
	return probe.TracerouteResult{Host: host, Success: true, Reached: true}
}

func (f *fakeProber) DetectAsymmetricRouting(_ context.Context, host string, _, samples int, _ time.Duration) probe.AsymmetricRoutingResult {
	f.record("DetectAsymmetricRouting", host)
	return probe.AsymmetricRoutingResult{Host: host, Success: true, Samples: samples}
}

func (f *fakeProber) ProbeUDP(_ context.Context, host string, port int, _ time.Duration) probe.UDPProbeResult {
	f.record("ProbeUDP", host)
	return probe.UDPProbeResult{Host: host, Port: port, State: probe.UDPOpenFiltered}
}

func (f *fakeProber) GeolocateIP(_ context.Context, ip string, _ time.Duration) probe.IPGeoResult {
	f.record("GeolocateIP", ip)
	return probe.IPGeoResult{IP: ip, Success: true, Classification: probe.ClassifyIP(ip)}
}

func (f *fakeProber) DetectLeaks(_ context.Context, tunnel target.TunnelSettings, _ time.Duration) probe.LeakResult {
	f.record("DetectLeaks", tunnel.ExitIP())
	return probe.LeakResult{Checked: true, Success: true, ExpectedExitIP: tunnel.ExitIP()}
}

func (f *fakeProber) DefaultGateway() (net.IP, error) {
	f.record("DefaultGateway", "")
	return f.gateway, f.gatewayErr
}

type fakeDiagnoser struct {
	mu        sync.Mutex
	protocols []target.Protocol
}

func (f *fakeDiagnoser) Diagnose(_ context.Context, protocol target.Protocol, t target.Target) *protocoldiag.Report {
	f.mu.Lock()
	f.protocols = append(f.protocols, protocol)
	f.mu.Unlock()
	return &protocoldiag.Report{Protocol: protocol, Target: t.Address(), Summary: "1 of 1 checks passed"}
}

type eventLog struct {
	mu     sync.Mutex
	events []Event
}

func (l *eventLog) observe(ev Event) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, ev)
}

func (l *eventLog) all() []Event {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]Event(nil), l.events...)
}

func testOptions() Options {
	opts := DefaultOptions()
	opts.PingInterval = time.Millisecond
	return opts
}

func newFakeProber() *fakeProber {
	return &fakeProber{addresses: []string{"10.0.0.5"}, gateway: net.ParseIP("192.168.1.1")}
}

func TestRunGroups(t *testing.T) {
	prober := newFakeProber()
	diag := &fakeDiagnoser{}
	var log eventLog

	tgt := target.New("rds.example.com", target.ProtocolRDP)
	res := New(prober, diag, testOptions()).Run(context.Background(), tgt, WithObserver(log.observe))

	require.NotNil(t, res)
	assert.NotEmpty(t, res.RunID)
	assert.False(t, res.Cancelled)
	assert.False(t, res.FinishedAt.Before(res.StartedAt))

	require.NotNil(t, res.Internet)
	assert.Equal(t, "8.8.8.8", res.Internet.Host)
	require.NotNil(t, res.Gateway)
	assert.Equal(t, "192.168.1.1", res.Gateway.Host)

	require.NotNil(t, res.DNS)
	assert.Equal(t, []string{"10.0.0.5"}, res.DNS.Addresses)
	require.NotNil(t, res.IPClassification)
	assert.Equal(t, "10.0.0.5", res.IPClassification.IP)
	assert.Equal(t, probe.ClassPrivate, res.IPClassification.Class)
	require.NotNil(t, res.Port)
	assert.Equal(t, 3389, res.Port.Port)

	// Pre-resolution probes use the hostname; later groups the address.
	assert.Equal(t, []string{"rds.example.com"}, prober.hosts("CheckPort"))
	assert.Equal(t, []string{"rds.example.com"}, prober.hosts("Traceroute"))
	assert.Equal(t, []string{"10.0.0.5"}, prober.hosts("Fingerprint"))
	assert.Equal(t, []string{"10.0.0.5"}, prober.hosts("TCPTiming"))
	assert.Equal(t, []string{"10.0.0.5"}, prober.hosts("GeolocateIP"))
	assert.Equal(t, 20, prober.maxHops)

	assert.NotNil(t, res.Traceroute)
	assert.NotNil(t, res.TCPTiming)
	assert.NotNil(t, res.ICMPBlockade)
	assert.NotNil(t, res.Fingerprint)
	assert.NotNil(t, res.MTU)
	assert.Nil(t, res.TLS, "3389/rdp does not get a TLS probe")
	assert.NotNil(t, res.AsymmetricRouting)
	assert.NotNil(t, res.Geo)
	assert.NotNil(t, res.UDP, "rdp also listens on udp")
	assert.Nil(t, res.Leak)

	assert.Len(t, res.Pings, 10)
	assert.Equal(t, 100.0, res.PingSuccessRate())

	require.NotNil(t, res.Protocol)
	assert.Equal(t, []target.Protocol{target.ProtocolRDP}, diag.protocols)

	events := log.all()
	require.NotEmpty(t, events)
	last := events[len(events)-1]
	assert.Equal(t, KindComplete, last.Kind)
	assert.Same(t, res, last.Result)

	lastGroup := 0
	var samples []int
	for _, ev := range events[:len(events)-1] {
		assert.Equal(t, res.RunID, ev.RunID)
		if ev.Kind == KindPing {
			samples = append(samples, ev.Sample)
		}
		if ev.Group == 3 {
			continue
		}
		assert.GreaterOrEqual(t, ev.Group, lastGroup, "event %s out of group order", ev.Probe)
		lastGroup = ev.Group
	}
	assert.Equal(t, []int{1, 2, 3, 4, 5, 6, 7, 8, 9, 10}, samples)
}

func TestRunPingSpacing(t *testing.T) {
	assert.Equal(t, 500*time.Millisecond, DefaultOptions().PingInterval)
	assert.Equal(t, 10, DefaultOptions().PingSamples)

	const interval = 20 * time.Millisecond
	prober := newFakeProber()
	var log eventLog
	opts := DefaultOptions()
	opts.PingInterval = interval

	res := New(prober, nil, opts).Run(context.Background(), target.New("rds.example.com", target.ProtocolVNC), WithObserver(log.observe))
	require.Len(t, res.Pings, 10)

	prober.mu.Lock()
	times := append([]time.Time(nil), prober.pingTimes["10.0.0.5"]...)
	prober.mu.Unlock()
	require.Len(t, times, 10)
	for i := 1; i < len(times); i++ {
		assert.GreaterOrEqual(t, times[i].Sub(times[i-1]), interval, "gap before sample %d", i+1)
	}

	var samples []int
	var pingTimes []time.Time
	for _, ev := range log.all() {
		if ev.Kind == KindPing {
			samples = append(samples, ev.Sample)
			pingTimes = append(pingTimes, ev.Time)
		}
	}
	assert.Equal(t, []int{1, 2, 3, 4, 5, 6, 7, 8, 9, 10}, samples)
	for i := 1; i < len(pingTimes); i++ {
		assert.False(t, pingTimes[i].Before(pingTimes[i-1]))
	}
}

func TestRunConditionalProbes(t *testing.T) {
	tests := []struct {
		name        string
		target      target.Target
		wantTLS     bool
		serverName  string
		wantUDP     bool
		wantLeak    bool
		wantDiagnos bool
	}{
		{
			name:        "https on 8443",
			target:      target.Target{Hostname: "rds.example.com", Port: 8443, Protocol: target.ProtocolHTTPS},
			wantTLS:     true,
			serverName:  "rds.example.com",
			wantDiagnos: true,
		},
		{
			name:        "rdp on 8443",
			target:      target.Target{Hostname: "rds.example.com", Port: 8443, Protocol: target.ProtocolRDP},
			wantTLS:     true,
			serverName:  "rds.example.com",
			wantDiagnos: true,
		},
		{
			name: "server name override",
			target: target.Target{
				Hostname: "10.0.0.5", Port: 443, Protocol: target.ProtocolHTTPS,
				TLS: target.TLSSettings{ServerName: "portal.example.com"},
			},
			wantTLS:     true,
			serverName:  "portal.example.com",
			wantDiagnos: true,
		},
		{
			name:    "dns over udp",
			target:  target.Target{Hostname: "ns1.example.com", Protocol: target.ProtocolDNS},
			wantUDP: true,
		},
		{
			name: "tunnel configured",
			target: target.Target{
				Hostname: "rds.example.com", Protocol: target.ProtocolVNC,
				Tunnel: target.TunnelSettings{ExpectedExitIP: "203.0.113.7"},
			},
			wantLeak: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			prober := newFakeProber()
			diag := &fakeDiagnoser{}
			res := New(prober, diag, testOptions()).Run(context.Background(), tt.target)

			assert.Equal(t, tt.wantTLS, res.TLS != nil)
			if tt.wantTLS {
				assert.Equal(t, []string{tt.serverName}, prober.serverNames)
			}
			assert.Equal(t, tt.wantUDP, res.UDP != nil)
			assert.Equal(t, tt.wantLeak, res.Leak != nil)
			if tt.wantLeak {
				assert.Equal(t, []string{"203.0.113.7"}, prober.hosts("DetectLeaks"))
			}
			assert.Equal(t, tt.wantDiagnos, res.Protocol != nil)
		})
	}
}

func TestRunIPLiteral(t *testing.T) {
	prober := newFakeProber()
	res := New(prober, nil, testOptions()).Run(context.Background(), target.New("203.0.113.10", target.ProtocolSSH))

	require.NotNil(t, res.DNS)
	assert.True(t, res.DNS.IsLiteral)
	require.NotNil(t, res.IPClassification)
	assert.Equal(t, probe.ClassDocumentation, res.IPClassification.Class)
	assert.Equal(t, []string{"203.0.113.10"}, prober.hosts("Fingerprint"))
	assert.Nil(t, res.Protocol, "no diagnoser configured")
}

func TestRunDNSFailure(t *testing.T) {
	prober := newFakeProber()
	prober.dnsErr = "lookup rds.example.com: no such host"

	res := New(prober, nil, testOptions()).Run(context.Background(), target.New("rds.example.com", target.ProtocolRDP))

	require.NotNil(t, res.DNS)
	assert.False(t, res.DNS.Success)
	require.NotNil(t, res.IPClassification)
	assert.Equal(t, probe.ClassInvalid, res.IPClassification.Class)
	assert.Equal(t, "rds.example.com", res.IPClassification.Input)
	assert.Equal(t, []string{"rds.example.com"}, prober.hosts("Fingerprint"))
}

func TestRunGateway(t *testing.T) {
	t.Run("configured", func(t *testing.T) {
		prober := newFakeProber()
		opts := testOptions()
		opts.GatewayIP = "10.0.0.1"
		res := New(prober, nil, opts).Run(context.Background(), target.New("10.0.0.5", target.ProtocolRDP))

		require.NotNil(t, res.Gateway)
		assert.Equal(t, "10.0.0.1", res.Gateway.Host)
		assert.Empty(t, prober.hosts("DefaultGateway"))
	})

	t.Run("unknown", func(t *testing.T) {
		prober := newFakeProber()
		prober.gatewayErr = probe.ErrGatewayUnknown
		res := New(prober, nil, testOptions()).Run(context.Background(), target.New("10.0.0.5", target.ProtocolRDP))

		require.NotNil(t, res.Gateway)
		assert.False(t, res.Gateway.Success)
		assert.Equal(t, "default gateway unknown", res.Gateway.Error)
	})
}

func TestRunPanicIsolation(t *testing.T) {
	prober := newFakeProber()
	prober.fingerprint = func(string) probe.FingerprintResult { panic("boom") }

	res := New(prober, nil, testOptions()).Run(context.Background(), target.New("10.0.0.5", target.ProtocolRDP))

	require.NotNil(t, res.Fingerprint)
	assert.False(t, res.Fingerprint.Success)
	assert.Equal(t, "internal error: boom", res.Fingerprint.Error)
	assert.Equal(t, "10.0.0.5", res.Fingerprint.Host)

	require.NotNil(t, res.TCPTiming)
	assert.True(t, res.TCPTiming.Success)
	assert.Len(t, res.Pings, 10)
}

func TestRunWithoutExec(t *testing.T) {
	prober := newFakeProber()
	opts := testOptions()
	opts.Capabilities.Exec = false

	res := New(prober, nil, opts).Run(context.Background(), target.New("10.0.0.5", target.ProtocolRDP))

	require.NotNil(t, res.Traceroute)
	assert.Equal(t, "command execution unavailable", res.Traceroute.Error)
	require.NotNil(t, res.MTU)
	assert.Equal(t, "command execution unavailable", res.MTU.Error)
	assert.Empty(t, prober.hosts("Traceroute"))
	assert.Empty(t, prober.hosts("DiscoverMTU"))
}

func TestRunBaseline(t *testing.T) {
	prober := newFakeProber()
	diag := &fakeDiagnoser{}
	var log eventLog
	opts := testOptions()
	opts.Capabilities = Capabilities{}

	tgt := target.New("rds.example.com", target.ProtocolRDP)
	res := New(prober, diag, opts).Run(context.Background(), tgt, WithObserver(log.observe))

	assert.Zero(t, prober.total())
	assert.Empty(t, diag.protocols)

	const msg = "network stack unavailable"
	assert.Equal(t, msg, res.Internet.Error)
	assert.Equal(t, msg, res.Gateway.Error)
	assert.Equal(t, msg, res.DNS.Error)
	assert.Equal(t, msg, res.Ping.Error)
	assert.Equal(t, msg, res.Port.Error)
	assert.Equal(t, 3389, res.Port.Port)
	assert.Equal(t, msg, res.Traceroute.Error)
	assert.Equal(t, msg, res.TCPTiming.Error)
	assert.Equal(t, msg, res.ICMPBlockade.Error)
	assert.Equal(t, msg, res.Fingerprint.Error)
	assert.Equal(t, msg, res.TLS.Error)
	assert.Equal(t, msg, res.MTU.Error)
	assert.Equal(t, msg, res.AsymmetricRouting.Error)
	assert.Equal(t, msg, res.Geo.Error)
	assert.Equal(t, msg, res.UDP.Error)
	assert.Equal(t, msg, res.Leak.Error)
	assert.Equal(t, probe.ClassInvalid, res.IPClassification.Class)
	assert.Empty(t, res.Pings)
	assert.Nil(t, res.Protocol)

	events := log.all()
	require.Len(t, events, 17)
	assert.Equal(t, KindComplete, events[16].Kind)
	for _, ev := range events[:16] {
		assert.Equal(t, KindResult, ev.Kind)
	}
}

func TestRunCancelled(t *testing.T) {
	prober := newFakeProber()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var log eventLog
	observe := func(ev Event) {
		log.observe(ev)
		if ev.Probe == SlotInternet {
			cancel()
		}
	}

	res := New(prober, &fakeDiagnoser{}, testOptions()).Run(ctx, target.New("10.0.0.5", target.ProtocolRDP), WithObserver(observe))

	assert.True(t, res.Cancelled)
	assert.NotNil(t, res.Internet)
	assert.Nil(t, res.DNS)
	assert.Nil(t, res.Fingerprint)
	assert.Empty(t, res.Pings)
	assert.Nil(t, res.Protocol)

	events := log.all()
	require.NotEmpty(t, events)
	assert.Equal(t, KindComplete, events[len(events)-1].Kind)
}

func TestCapabilitiesApply(t *testing.T) {
	opts := Capabilities{Network: true, ICMP: false}.Apply(probe.Options{})
	assert.True(t, opts.DisableICMP)

	opts = Capabilities{Network: true, ICMP: true}.Apply(probe.Options{DisableICMP: true})
	assert.False(t, opts.DisableICMP)
}
