package probe

import (
	"bytes"
	"context"
	"net"
	"strings"
	"time"

	"github.com/rcarmo/rdp-netdiag/internal/protocol/pdu"
	"github.com/rcarmo/rdp-netdiag/internal/protocol/tpkt"
	"github.com/rcarmo/rdp-netdiag/internal/protocol/x224"
)

// Confidence levels.
const (
	ConfidenceHigh   = "high"
	ConfidenceMedium = "medium"
	ConfidenceLow    = "low"
	ConfidenceNone   = "none"
)

var wellKnownServices = map[int]string{
	21:    "ftp",
	22:    "ssh",
	23:    "telnet",
	25:    "smtp",
	80:    "http",
	443:   "https",
	3306:  "mysql",
	3389:  "rdp",
	5900:  "vnc",
	8080:  "http",
	8443:  "https",
	21115: "rustdesk",
	21116: "rustdesk",
	21117: "rustdesk",
}

// Fingerprint identifies the service on host:port. Services that greet
// first are recognised from their banner. Silent services are sent an
// X.224 connection request: RDP answers with a connection confirm, and the
// cookie line makes HTTP servers reject it with a status line.
func (p *Prober) Fingerprint(ctx context.Context, host string, port int, timeout time.Duration) (res FingerprintResult) {
	ctx, cancel, _ := within(ctx, timeout, p.opts.Timeouts.Fingerprint)
	defer cancel()

	start := time.Now()
	res = FingerprintResult{Host: host, Port: port, Confidence: ConfidenceNone}
	defer func() { res.Duration = time.Since(start) }()

	conn, err := p.dial(ctx, "tcp", host, port)
	if err != nil {
		res.Error = err.Error()
		return res
	}
	defer conn.Close()
	res.Success = true

	banner := readBanner(ctx, conn, time.Second)
	if len(banner) == 0 {
		banner = p.solicit(ctx, conn)
	}
	res.Banner = sanitizeBanner(banner)

	if service, version, ok := identify(banner); ok {
		res.Service, res.Version = service, version
		res.Confidence = ConfidenceHigh
		if service == "tls" {
			res.Confidence = ConfidenceMedium
		}
		return res
	}

	if service, ok := wellKnownServices[port]; ok {
		res.Service = service
		res.Confidence = ConfidenceLow
	}
	return res
}

func (p *Prober) solicit(ctx context.Context, conn net.Conn) []byte {
	req := pdu.ClientConnectionRequest{
		Cookie: "netdiag",
		NegotiationRequest: pdu.NegotiationRequest{
			RequestedProtocols: pdu.NegotiationProtocolSSL | pdu.NegotiationProtocolHybrid,
		},
	}
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetWriteDeadline(deadline)
	}
	if err := tpkt.New(conn).Send(x224.NewConnectionRequest(req.Serialize()).Serialize()); err != nil {
		return nil
	}
	return readBanner(ctx, conn, time.Second)
}

// identify recognises a greeting or a reply to the connection request.
func identify(b []byte) (service, version string, ok bool) {
	if len(b) == 0 {
		return "", "", false
	}
	s := string(b)
	firstLine := strings.TrimSpace(strings.SplitN(s, "\n", 2)[0])

	switch {
	case strings.HasPrefix(s, "SSH-"):
		return "ssh", firstLine, true
	case strings.HasPrefix(s, "RFB "):
		return "vnc", strings.TrimPrefix(firstLine, "RFB "), true
	case strings.HasPrefix(s, "HTTP/"):
		return "http", firstLine, true
	case strings.HasPrefix(s, "220"):
		upper := strings.ToUpper(firstLine)
		if strings.Contains(upper, "SMTP") || strings.Contains(upper, "ESMTP") {
			return "smtp", firstLine, true
		}
		return "ftp", firstLine, true
	case isTPKTConfirm(b):
		return "rdp", "", true
	case len(b) > 5 && b[3] == 0 && b[4] == 0x0a:
		// MySQL initial handshake packet, protocol version 10
		end := bytes.IndexByte(b[5:], 0)
		if end < 0 {
			return "mysql", "", true
		}
		return "mysql", string(b[5 : 5+end]), true
	case len(b) >= 2 && (b[0] == 0x15 || b[0] == 0x16) && b[1] == 0x03:
		return "tls", "", true
	}
	return "", "", false
}

func isTPKTConfirm(b []byte) bool {
	return len(b) >= 6 && b[0] == 0x03 && b[1] == 0x00 && x224.IsConnectionConfirm(b[5])
}
