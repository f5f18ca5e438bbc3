package protocoldiag

import (
	"fmt"
	"time"

	"github.com/rcarmo/rdp-netdiag/internal/target"
)

// Status is the outcome of one diagnostic step.
type Status string

const (
	StatusPass Status = "pass"
	StatusFail Status = "fail"
	StatusWarn Status = "warn"
	StatusInfo Status = "info"
	StatusSkip Status = "skip"
)

// Step names shared by the protocol runners.
const (
	StepTCPConnect  = "TCP connect"
	StepBanner      = "SSH banner"
	StepKeyExchange = "Key exchange"
	StepAuth        = "Authentication"
	StepSession     = "Session channel"
	StepTLS         = "TLS handshake"
	StepCertificate = "Certificate"
	StepHTTPRequest = "HTTP request"
	StepResponse    = "Response time"
	StepX224        = "X.224 negotiation"
	StepCredSSP     = "CredSSP/NLA"
	StepCapability  = "Capability exchange"
)

// Step is one check of a deep diagnostic.
type Step struct {
	Name     string         `json:"name"`
	Status   Status         `json:"status"`
	Duration time.Duration  `json:"duration"`
	Message  string         `json:"message,omitempty"`
	Detail   map[string]any `json:"detail,omitempty"`
}

func (s *Step) pass(format string, args ...any) {
	s.Status = StatusPass
	s.Message = fmt.Sprintf(format, args...)
}

func (s *Step) fail(err error) {
	s.Status = StatusFail
	s.Message = err.Error()
}

func (s *Step) warn(format string, args ...any) {
	s.Status = StatusWarn
	s.Message = fmt.Sprintf(format, args...)
}

func (s *Step) skip(format string, args ...any) {
	s.Status = StatusSkip
	s.Message = fmt.Sprintf(format, args...)
}

func (s *Step) set(key string, value any) {
	if s.Detail == nil {
		s.Detail = make(map[string]any)
	}
	s.Detail[key] = value
}

// Report is the ordered outcome of a protocol deep diagnostic.
type Report struct {
	Protocol      target.Protocol `json:"protocol"`
	Target        string          `json:"target"`
	ResolvedIP    string          `json:"resolvedIp,omitempty"`
	Steps         []Step          `json:"steps"`
	TotalDuration time.Duration   `json:"totalDuration"`
	Summary       string          `json:"summary"`
	RootCauseHint string          `json:"rootCauseHint,omitempty"`
}

// Counts tallies steps by status.
func (r *Report) Counts() map[Status]int {
	counts := make(map[Status]int, 5)
	for _, s := range r.Steps {
		counts[s.Status]++
	}
	return counts
}

// Passed reports whether every attempted step passed or was informational.
func (r *Report) Passed() bool {
	c := r.Counts()
	return c[StatusFail] == 0 && c[StatusWarn] == 0 && c[StatusPass]+c[StatusInfo] > 0
}

// Failed reports whether any step failed.
func (r *Report) Failed() bool {
	return r.Counts()[StatusFail] > 0
}

// Step returns the named step.
func (r *Report) Step(name string) (Step, bool) {
	for _, s := range r.Steps {
		if s.Name == name {
			return s, true
		}
	}
	return Step{}, false
}

func (r *Report) status(name string) Status {
	s, _ := r.Step(name)
	return s.Status
}

func (r *Report) add(s Step) Step {
	r.Steps = append(r.Steps, s)
	return s
}

// summarize fills Summary from the step outcomes. Skipped steps are not
// counted as checks.
func (r *Report) summarize() {
	c := r.Counts()
	attempted := len(r.Steps) - c[StatusSkip]
	r.Summary = fmt.Sprintf("%d of %d checks passed", c[StatusPass]+c[StatusInfo], attempted)
	switch n := c[StatusWarn]; n {
	case 0:
	case 1:
		r.Summary += ", 1 warning"
	default:
		r.Summary += fmt.Sprintf(", %d warnings", n)
	}
}
