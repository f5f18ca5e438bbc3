// Package output renders diagnostic results for the terminal.
package output

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"

	"github.com/rcarmo/rdp-netdiag/internal/classify"
	"github.com/rcarmo/rdp-netdiag/internal/diagnostics"
	"github.com/rcarmo/rdp-netdiag/internal/negotiation"
	"github.com/rcarmo/rdp-netdiag/internal/protocoldiag"
)

var (
	titleStyle   = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("205"))
	headingStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("75"))
	lineStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("252"))
	okStyle      = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("42"))
	warnStyle    = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("214"))
	failStyle    = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("196"))
	dimStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("244"))
)

func label(ok bool) string {
	if ok {
		return okStyle.Render("OK  ")
	}
	return failStyle.Render("FAIL")
}

func statusLabel(s protocoldiag.Status) string {
	switch s {
	case protocoldiag.StatusPass:
		return okStyle.Render("PASS")
	case protocoldiag.StatusFail:
		return failStyle.Render("FAIL")
	case protocoldiag.StatusWarn:
		return warnStyle.Render("WARN")
	case protocoldiag.StatusInfo:
		return lineStyle.Render("INFO")
	default:
		return dimStyle.Render("SKIP")
	}
}

func row(ok bool, name, detail string) string {
	return fmt.Sprintf("%s %-20s %s", label(ok), name, lineStyle.Render(detail))
}

func failure(msg string) string {
	return "error: " + msg
}

func ms(d time.Duration) string {
	return fmt.Sprintf("%.1fms", float64(d)/float64(time.Millisecond))
}

// RenderDiagnostics renders a full diagnostic run.
func RenderDiagnostics(res *diagnostics.Results) string {
	lines := []string{
		titleStyle.Render("rdpdiag") + " " + lineStyle.Render(res.Target.Address()),
		dimStyle.Render("run " + res.RunID),
		"",
		headingStyle.Render("Connectivity"),
	}

	if p := res.Internet; p != nil {
		lines = append(lines, pingRow("Internet", p.Success, p.Host, p.RTT, p.Error))
	}
	if p := res.Gateway; p != nil {
		lines = append(lines, pingRow("Gateway", p.Success, p.Host, p.RTT, p.Error))
	}
	if d := res.DNS; d != nil {
		detail := strings.Join(d.Addresses, ", ")
		if len(d.ReverseNames) > 0 {
			detail += " (" + strings.Join(d.ReverseNames, ", ") + ")"
		}
		if d.Error != "" {
			detail = failure(d.Error)
		}
		lines = append(lines, row(d.Success, "DNS", detail))
	}
	if c := res.IPClassification; c != nil {
		lines = append(lines, row(c.Valid, "Address class", c.Class+": "+c.Description))
	}
	if p := res.Ping; p != nil {
		lines = append(lines, pingRow("Ping", p.Success, p.Host, p.RTT, p.Error))
	}
	if p := res.Port; p != nil {
		detail := fmt.Sprintf("tcp/%d open", p.Port)
		if !p.Open {
			detail = fmt.Sprintf("tcp/%d %s", p.Port, failure(p.Error))
		}
		lines = append(lines, row(p.Open, "Port", detail))
	}

	lines = append(lines, "", headingStyle.Render("Service"))
	if t := res.TCPTiming; t != nil {
		detail := fmt.Sprintf("min %s avg %s max %s (%d/%d)", ms(t.Min), ms(t.Avg), ms(t.Max), t.Attempts-t.Failures, t.Attempts)
		if t.Error != "" {
			detail = failure(t.Error)
		}
		lines = append(lines, row(t.Success, "TCP timing", detail))
	}
	if b := res.ICMPBlockade; b != nil {
		lines = append(lines, row(b.Success(), "ICMP vs TCP", b.Diagnosis))
	}
	if f := res.Fingerprint; f != nil {
		detail := strings.TrimSpace(fmt.Sprintf("%s %s [%s]", f.Service, f.Version, f.Confidence))
		if f.Error != "" {
			detail = failure(f.Error)
		}
		lines = append(lines, row(f.Success, "Fingerprint", detail))
	}
	if t := res.TLS; t != nil {
		lines = append(lines, tlsRow(t.Success, t.CertificateValid(), t.Version, t.Subject, t.DaysToExpiry, t.VerifyError, t.Error))
	}
	if m := res.MTU; m != nil {
		detail := fmt.Sprintf("path MTU %d", m.PathMTU)
		if m.FragmentationIssue {
			detail += " (fragmentation likely)"
		}
		if m.Error != "" {
			detail = failure(m.Error)
		}
		lines = append(lines, row(m.Success && !m.FragmentationIssue, "MTU", detail))
	}

	lines = append(lines, "", headingStyle.Render("Path"))
	if t := res.Traceroute; t != nil {
		detail := fmt.Sprintf("%d hops", len(t.Hops))
		if !t.Reached {
			detail += ", destination not reached"
		}
		if t.Error != "" {
			detail = failure(t.Error)
		}
		lines = append(lines, row(t.Success, "Traceroute", detail))
		for _, h := range t.Hops {
			hop := fmt.Sprintf("  %2d  %s", h.TTL, h.IP)
			if h.Timeout {
				hop = fmt.Sprintf("  %2d  *", h.TTL)
			} else if h.RTT > 0 {
				hop += "  " + ms(h.RTT)
			}
			lines = append(lines, dimStyle.Render(hop))
		}
	}
	if a := res.AsymmetricRouting; a != nil {
		detail := fmt.Sprintf("stddev %s, confidence %s", ms(a.StdDev), a.Confidence)
		if a.Suspected {
			detail = "suspected: " + strings.Join(a.Notes, "; ")
		}
		if a.Error != "" {
			detail = failure(a.Error)
		}
		lines = append(lines, row(a.Success && !a.Suspected, "Asymmetric routing", detail))
	}
	if g := res.Geo; g != nil {
		detail := strings.Trim(strings.Join([]string{g.City, g.Region, g.Country}, ", "), ", ")
		if g.Org != "" {
			detail += " / " + g.Org
		}
		if g.Error != "" {
			detail = failure(g.Error)
		}
		lines = append(lines, row(g.Success, "Location", detail))
	}
	if u := res.UDP; u != nil {
		detail := fmt.Sprintf("udp/%d %s", u.Port, u.State)
		if u.Error != "" {
			detail += " (" + u.Error + ")"
		}
		lines = append(lines, row(u.State != "closed" && u.State != "", "UDP", detail))
	}
	if l := res.Leak; l != nil {
		detail := "egress " + l.EgressIP
		if len(l.Notes) > 0 {
			detail += ": " + strings.Join(l.Notes, "; ")
		}
		if l.Error != "" {
			detail = failure(l.Error)
		}
		lines = append(lines, row(l.Success, "Leak check", detail))
	}

	if len(res.Pings) > 0 {
		lines = append(lines, "", headingStyle.Render("Latency"))
		summary := fmt.Sprintf("%.0f%% replies, avg %s, jitter %s, min %s, max %s",
			res.PingSuccessRate(), ms(res.AverageLatency()), ms(res.Jitter()), ms(res.MinLatency()), ms(res.MaxLatency()))
		lines = append(lines, row(res.PingSuccessRate() == 100, "Samples", summary))
	}

	if res.Protocol != nil {
		lines = append(lines, "", RenderReport(res.Protocol))
	}
	if res.Cancelled {
		lines = append(lines, "", warnStyle.Render("diagnosis cancelled before all checks ran"))
	}
	return strings.Join(lines, "\n")
}

func pingRow(name string, ok bool, host string, rtt time.Duration, errMsg string) string {
	detail := host + " " + ms(rtt)
	if !ok {
		detail = host + " " + failure(errMsg)
	}
	return row(ok, name, detail)
}

func tlsRow(ok, valid bool, version, subject string, days int, verifyErr, errMsg string) string {
	if !ok {
		return row(false, "TLS", failure(errMsg))
	}
	detail := fmt.Sprintf("%s, %s, expires in %d days", version, subject, days)
	if !valid {
		return fmt.Sprintf("%s %-20s %s", warnStyle.Render("WARN"), "TLS", lineStyle.Render(detail+": "+verifyErr))
	}
	return row(true, "TLS", detail)
}

// RenderReport renders a protocol deep-diagnostic report.
func RenderReport(r *protocoldiag.Report) string {
	lines := []string{headingStyle.Render(fmt.Sprintf("Protocol %s %s", r.Protocol, r.Target))}
	for _, s := range r.Steps {
		line := fmt.Sprintf("%s %-20s %s", statusLabel(s.Status), s.Name, lineStyle.Render(s.Message))
		if s.Duration > 0 {
			line += " " + dimStyle.Render(ms(s.Duration))
		}
		lines = append(lines, line)
	}

	summary := r.Summary
	if r.Failed() {
		lines = append(lines, failStyle.Render(summary))
	} else {
		lines = append(lines, okStyle.Render(summary))
	}
	if r.RootCauseHint != "" {
		lines = append(lines, "Hint: "+r.RootCauseHint)
	}
	return strings.Join(lines, "\n")
}

// RenderOutcome renders a negotiation session.
func RenderOutcome(out negotiation.Outcome) string {
	lines := []string{titleStyle.Render("negotiation")}
	if out.Session != nil {
		lines = append(lines, dimStyle.Render("session "+out.Session.ID))
		for _, a := range out.Session.Attempts {
			detail := "connected"
			if !a.Success {
				detail = failure(a.Error)
			}
			line := fmt.Sprintf("%s %02d %-16s %s %s", label(a.Success), a.Number, a.Combination, lineStyle.Render(detail), dimStyle.Render(ms(a.Elapsed)))
			lines = append(lines, line)
		}
	}

	lines = append(lines, "")
	if out.Success {
		lines = append(lines, okStyle.Render(fmt.Sprintf("SUCCESS %s selected %s", out.Combination, out.SelectedProtocol)))
		if out.Session != nil && out.Session.Insecure {
			lines = append(lines, warnStyle.Render("connection is not protected by TLS or NLA"))
		}
		return strings.Join(lines, "\n")
	}

	lines = append(lines, failStyle.Render("FAILED "+out.Error))
	if out.Classification != nil {
		lines = append(lines, RenderClassification(*out.Classification))
	}
	return strings.Join(lines, "\n")
}

// RenderClassification renders a classified error and its causes.
func RenderClassification(r classify.Result) string {
	lines := []string{headingStyle.Render("Category: " + string(r.Category))}
	for _, c := range r.Causes {
		style := lineStyle
		switch c.Severity {
		case classify.SeverityHigh:
			style = failStyle
		case classify.SeverityMedium:
			style = warnStyle
		}
		lines = append(lines, style.Render(fmt.Sprintf("[%s] %s", c.Severity, c.Title)))
		if c.Description != "" {
			lines = append(lines, "  "+c.Description)
		}
		for _, step := range c.Steps {
			lines = append(lines, "  - "+step)
		}
	}
	return strings.Join(lines, "\n")
}
