package protocoldiag

import "github.com/rcarmo/rdp-netdiag/internal/protocol/pdu"

// signature matches a failure pattern in a report.
type signature struct {
	match func(r *Report) bool
	hint  string
}

// signatures are checked in order; the first match wins.
var signatures = []signature{
	{
		match: func(r *Report) bool { return r.status(StepTCPConnect) == StatusFail },
		hint:  "TCP connection failed: the port is closed, filtered or blocked by a firewall between you and the host.",
	},
	{
		match: func(r *Report) bool {
			return failureCode(r) == pdu.NegotiationFailureCodeHybridRequired.String()
		},
		hint: "The server requires Network Level Authentication: enable NLA (CredSSP) for this connection.",
	},
	{
		match: func(r *Report) bool {
			code := failureCode(r)
			return code == pdu.NegotiationFailureCodeSSLRequired.String() ||
				code == pdu.NegotiationFailureCodeSSLNotAllowed.String()
		},
		hint: "Security mode mismatch: the server's TLS requirement does not match the requested security protocols. Change the security mode or negotiation strategy.",
	},
	{
		match: func(r *Report) bool {
			return r.status(StepTLS) == StatusPass && r.status(StepCredSSP) == StatusFail
		},
		hint: "TLS works but CredSSP was rejected: check the username, password and domain, and the server's CredSSP/NLA policy.",
	},
	{
		match: func(r *Report) bool {
			return r.status(StepCredSSP) == StatusPass && r.status(StepCapability) == StatusFail
		},
		hint: "Authentication succeeded but the server dropped the session: check licensing, session limits and account restrictions such as Remote Desktop Users membership.",
	},
	{
		match: func(r *Report) bool {
			return r.status(StepX224) == StatusPass && r.status(StepTLS) == StatusFail
		},
		hint: "X.224 negotiation succeeded but the TLS handshake failed: check TLS version and cipher suite compatibility, or the server certificate.",
	},
	{
		match: func(r *Report) bool {
			return r.status(StepBanner) == StatusPass && r.status(StepKeyExchange) == StatusFail
		},
		hint: "SSH banner received but key exchange failed: client and server share no common key exchange, cipher or host key algorithms.",
	},
	{
		match: func(r *Report) bool {
			return r.status(StepKeyExchange) == StatusPass && r.status(StepAuth) == StatusFail
		},
		hint: "SSH key exchange succeeded but authentication failed: check the username, password or private key.",
	},
	{
		match: func(r *Report) bool {
			return r.status(StepTLS) == StatusFail || r.status(StepCertificate) == StatusWarn || r.status(StepCertificate) == StatusFail
		},
		hint: "HTTPS certificate problem: the certificate is expired, self-signed, untrusted or issued for another name.",
	},
	{
		match: func(r *Report) bool {
			s, ok := r.Step(StepHTTPRequest)
			_, answered := s.Detail["status"]
			return ok && s.Status == StatusFail && answered
		},
		hint: "The web server answered with an unexpected status: the problem is in the application, not the network.",
	},
}

// rootCauseHint returns the hint of the first matching signature.
func rootCauseHint(r *Report) string {
	for _, sig := range signatures {
		if sig.match(r) {
			return sig.hint
		}
	}
	return ""
}

func failureCode(r *Report) string {
	s, ok := r.Step(StepX224)
	if !ok || s.Status != StatusFail {
		return ""
	}
	code, _ := s.Detail["failureCode"].(string)
	return code
}
