package output

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rcarmo/rdp-netdiag/internal/classify"
	"github.com/rcarmo/rdp-netdiag/internal/diagnostics"
	"github.com/rcarmo/rdp-netdiag/internal/negotiation"
	"github.com/rcarmo/rdp-netdiag/internal/probe"
	"github.com/rcarmo/rdp-netdiag/internal/protocoldiag"
	"github.com/rcarmo/rdp-netdiag/internal/target"
)

func sampleResults() *diagnostics.Results {
	return &diagnostics.Results{
		RunID:    "run-1",
		Target:   target.New("rds.example.com", target.ProtocolRDP),
		Internet: &probe.PingResult{Host: "8.8.8.8", Success: true, RTT: 12 * time.Millisecond},
		Gateway:  &probe.PingResult{Host: "192.168.1.1", Error: "request timed out"},
		DNS:      &probe.DNSResult{Host: "rds.example.com", Success: true, Addresses: []string{"10.0.0.5"}},
		Port:     &probe.PortCheckResult{Host: "10.0.0.5", Port: 3389, Open: true},
		MTU:      &probe.MTUResult{Success: true, PathMTU: 1400, FragmentationIssue: true},
		Traceroute: &probe.TracerouteResult{Success: true, Reached: true, Hops: []probe.Hop{
			{TTL: 1, IP: "192.168.1.1", RTT: time.Millisecond},
			{TTL: 2, Timeout: true},
		}},
		Pings: []probe.PingResult{
			{Success: true, RTT: 10 * time.Millisecond},
			{Error: "request timed out"},
		},
		Protocol: &protocoldiag.Report{
			Protocol: target.ProtocolRDP,
			Target:   "rds.example.com:3389",
			Steps: []protocoldiag.Step{
				{Name: protocoldiag.StepTCPConnect, Status: protocoldiag.StatusPass, Message: "connected"},
				{Name: protocoldiag.StepX224, Status: protocoldiag.StatusFail, Message: "HYBRID_REQUIRED_BY_SERVER"},
			},
			Summary:       "1 of 2 checks passed",
			RootCauseHint: "The server requires NLA",
		},
	}
}

func TestRenderDiagnostics(t *testing.T) {
	out := RenderDiagnostics(sampleResults())

	for _, want := range []string{
		"rds.example.com:3389",
		"run run-1",
		"8.8.8.8 12.0ms",
		"192.168.1.1 error: request timed out",
		"10.0.0.5",
		"tcp/3389 open",
		"path MTU 1400 (fragmentation likely)",
		"2 hops",
		"50% replies",
		"HYBRID_REQUIRED_BY_SERVER",
		"1 of 2 checks passed",
		"Hint: The server requires NLA",
	} {
		assert.Contains(t, out, want)
	}
	assert.NotContains(t, out, "cancelled")
}

func TestRenderOutcome(t *testing.T) {
	combo := negotiation.Combination{Security: negotiation.SecurityTLS, TLS: negotiation.TLSModern}
	success := negotiation.Outcome{
		Success:          true,
		Combination:      &combo,
		SelectedProtocol: "SSL",
		Session: &negotiation.Session{ID: "s-1", Attempts: []negotiation.Attempt{
			{Number: 1, Combination: negotiation.Combination{Security: negotiation.SecurityCredSSP, TLS: negotiation.TLSModern}, Error: "NLA authentication failed"},
			{Number: 2, Combination: combo, Success: true},
		}},
	}
	out := RenderOutcome(success)
	assert.Contains(t, out, "credssp/modern")
	assert.Contains(t, out, "error: NLA authentication failed")
	assert.Contains(t, out, "SUCCESS tls/modern selected SSL")

	result := classify.Classify("connection refused", classify.Settings{})
	failed := negotiation.Outcome{Error: "all 1 attempts failed", Classification: &result}
	out = RenderOutcome(failed)
	assert.Contains(t, out, "FAILED all 1 attempts failed")
	assert.Contains(t, out, "Category: network")
}

func TestRenderClassification(t *testing.T) {
	r := classify.Result{
		Category: classify.CategoryTLS,
		Causes: []classify.ProbableCause{
			{Title: "Certificate rejected", Description: "The server certificate is not trusted.", Steps: []string{"Install the CA"}, Severity: classify.SeverityHigh},
		},
	}
	out := RenderClassification(r)
	assert.Contains(t, out, "Category: tls")
	assert.Contains(t, out, "[high] Certificate rejected")
	assert.Contains(t, out, "  - Install the CA")
}

func TestRenderJSON(t *testing.T) {
	out, err := RenderJSON(sampleResults())
	require.NoError(t, err)

	var decoded map[string]any
	require.NoError(t, json.Unmarshal([]byte(out), &decoded))
	assert.Equal(t, "run-1", decoded["runId"])
	assert.Contains(t, decoded, "protocol")

	_, err = RenderJSON(map[string]any{"bad": make(chan int)})
	assert.Error(t, err)
}
