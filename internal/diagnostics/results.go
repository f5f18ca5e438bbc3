package diagnostics

import (
	"math"
	"time"

	"github.com/rcarmo/rdp-netdiag/internal/probe"
	"github.com/rcarmo/rdp-netdiag/internal/protocoldiag"
	"github.com/rcarmo/rdp-netdiag/internal/target"
)

// Slot names where a probe result lands in Results.
type Slot string

const (
	SlotInternet          Slot = "internet"
	SlotGateway           Slot = "gateway"
	SlotDNS               Slot = "dns"
	SlotPing              Slot = "ping"
	SlotPort              Slot = "port"
	SlotIPClassification  Slot = "ip_classification"
	SlotTraceroute        Slot = "traceroute"
	SlotTCPTiming         Slot = "tcp_timing"
	SlotICMPBlockade      Slot = "icmp_blockade"
	SlotFingerprint       Slot = "fingerprint"
	SlotTLS               Slot = "tls"
	SlotMTU               Slot = "mtu"
	SlotAsymmetricRouting Slot = "asymmetric_routing"
	SlotGeo               Slot = "geo"
	SlotUDP               Slot = "udp"
	SlotLeak              Slot = "leak"
	SlotSample            Slot = "sample"
	SlotProtocol          Slot = "protocol"
)

// Results is the outcome of one diagnostic run. A nil field means the
// probe did not run.
type Results struct {
	RunID      string        `json:"runId"`
	Target     target.Target `json:"target"`
	StartedAt  time.Time     `json:"startedAt"`
	FinishedAt time.Time     `json:"finishedAt"`
	Cancelled  bool          `json:"cancelled,omitempty"`

	Internet          *probe.PingResult              `json:"internet,omitempty"`
	Gateway           *probe.PingResult              `json:"gateway,omitempty"`
	DNS               *probe.DNSResult               `json:"dns,omitempty"`
	Ping              *probe.PingResult              `json:"ping,omitempty"`
	Port              *probe.PortCheckResult         `json:"port,omitempty"`
	IPClassification  *probe.IPClassification        `json:"ipClassification,omitempty"`
	Traceroute        *probe.TracerouteResult        `json:"traceroute,omitempty"`
	TCPTiming         *probe.TCPTimingResult         `json:"tcpTiming,omitempty"`
	ICMPBlockade      *probe.ICMPBlockadeResult      `json:"icmpBlockade,omitempty"`
	Fingerprint       *probe.FingerprintResult       `json:"fingerprint,omitempty"`
	TLS               *probe.TLSCheckResult          `json:"tls,omitempty"`
	MTU               *probe.MTUResult               `json:"mtu,omitempty"`
	AsymmetricRouting *probe.AsymmetricRoutingResult `json:"asymmetricRouting,omitempty"`
	Geo               *probe.IPGeoResult             `json:"geo,omitempty"`
	UDP               *probe.UDPProbeResult          `json:"udp,omitempty"`
	Leak              *probe.LeakResult              `json:"leak,omitempty"`

	// Pings are the sequential latency samples, in order.
	Pings    []probe.PingResult   `json:"pings"`
	Protocol *protocoldiag.Report `json:"protocol,omitempty"`
}

// set stores v in slot. Only the collector goroutine calls it.
func (r *Results) set(slot Slot, v any) {
	switch x := v.(type) {
	case probe.PingResult:
		switch slot {
		case SlotInternet:
			r.Internet = &x
		case SlotGateway:
			r.Gateway = &x
		case SlotPing:
			r.Ping = &x
		case SlotSample:
			r.Pings = append(r.Pings, x)
		}
	case probe.DNSResult:
		r.DNS = &x
	case probe.PortCheckResult:
		r.Port = &x
	case probe.IPClassification:
		r.IPClassification = &x
	case probe.TracerouteResult:
		r.Traceroute = &x
	case probe.TCPTimingResult:
		r.TCPTiming = &x
	case probe.ICMPBlockadeResult:
		r.ICMPBlockade = &x
	case probe.FingerprintResult:
		r.Fingerprint = &x
	case probe.TLSCheckResult:
		r.TLS = &x
	case probe.MTUResult:
		r.MTU = &x
	case probe.AsymmetricRoutingResult:
		r.AsymmetricRouting = &x
	case probe.IPGeoResult:
		r.Geo = &x
	case probe.UDPProbeResult:
		r.UDP = &x
	case probe.LeakResult:
		r.Leak = &x
	case *protocoldiag.Report:
		r.Protocol = x
	}
}

// ResolvedHost is the first resolved address, or the raw hostname when
// resolution failed or has not run.
func (r *Results) ResolvedHost() string {
	if addr := r.DNS.FirstAddress(); addr != "" {
		return addr
	}
	return r.Target.Host()
}

// SuccessfulPings returns the samples that got a reply.
func (r *Results) SuccessfulPings() []probe.PingResult {
	var ok []probe.PingResult
	for _, p := range r.Pings {
		if p.Success {
			ok = append(ok, p)
		}
	}
	return ok
}

// PingSuccessRate is the percentage of samples that got a reply; 0 when
// there are none.
func (r *Results) PingSuccessRate() float64 {
	if len(r.Pings) == 0 {
		return 0
	}
	return float64(len(r.SuccessfulPings())) / float64(len(r.Pings)) * 100
}

// AverageLatency is the mean RTT of successful samples.
func (r *Results) AverageLatency() time.Duration {
	ok := r.SuccessfulPings()
	if len(ok) == 0 {
		return 0
	}
	var sum time.Duration
	for _, p := range ok {
		sum += p.RTT
	}
	return sum / time.Duration(len(ok))
}

// Jitter is the population standard deviation of successful RTTs; 0 with
// fewer than two samples.
func (r *Results) Jitter() time.Duration {
	ok := r.SuccessfulPings()
	if len(ok) < 2 {
		return 0
	}
	mean := float64(r.AverageLatency())
	var sq float64
	for _, p := range ok {
		d := float64(p.RTT) - mean
		sq += d * d
	}
	return time.Duration(math.Sqrt(sq / float64(len(ok))))
}

// MinLatency is the lowest successful RTT.
func (r *Results) MinLatency() time.Duration {
	var lowest time.Duration
	for i, p := range r.SuccessfulPings() {
		if i == 0 || p.RTT < lowest {
			lowest = p.RTT
		}
	}
	return lowest
}

// MaxLatency is the highest successful RTT.
func (r *Results) MaxLatency() time.Duration {
	var highest time.Duration
	for _, p := range r.SuccessfulPings() {
		if p.RTT > highest {
			highest = p.RTT
		}
	}
	return highest
}
