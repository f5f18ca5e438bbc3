package protocoldiag

import (
	"context"
	"crypto/tls"
	"errors"

	"github.com/rcarmo/rdp-netdiag/internal/protocol/pdu"
	"github.com/rcarmo/rdp-netdiag/internal/rdp"
	"github.com/rcarmo/rdp-netdiag/internal/target"
)

func (d *Diagnoser) diagnoseRDP(ctx context.Context, t target.Target, r *Report) {
	var client *rdp.Client
	d.run(ctx, r, StepTCPConnect, func(ctx context.Context, s *Step) {
		c, err := rdp.Dial(ctx, t.Address(), d.rdpOptions(t))
		if err != nil {
			s.fail(err)
			return
		}
		client = c
		r.ResolvedIP = remoteIP(c.Conn())
		s.pass("connected to %s", c.Conn().RemoteAddr())
	})
	if client == nil {
		for _, name := range []string{StepX224, StepTLS, StepCredSSP, StepCapability} {
			skipped(r, name, StepTCPConnect)
		}
		return
	}
	defer client.Close()

	requested := pdu.NegotiationProtocolSSL
	if t.RDP.NLA != target.NLADisabled {
		requested |= pdu.NegotiationProtocolHybrid | pdu.NegotiationProtocolHybridEx
	}

	var selected pdu.NegotiationProtocol
	negotiation := d.run(ctx, r, StepX224, func(ctx context.Context, s *Step) {
		s.set("requested", requested.String())
		sel, err := client.Negotiate(ctx, requested)
		if err != nil {
			var failure *rdp.NegotiationFailureError
			if errors.As(err, &failure) {
				s.set("failureCode", failure.Code.String())
			}
			s.fail(err)
			return
		}
		selected = sel
		s.set("selected", sel.String())
		s.set("security", securityLabel(sel))
		s.set("flags", client.ServerFlags().String())
		s.pass("server selected %s (%s)", sel, securityLabel(sel))
	})
	if negotiation.Status != StatusPass {
		for _, name := range []string{StepTLS, StepCredSSP, StepCapability} {
			skipped(r, name, StepX224)
		}
		return
	}

	if !selected.UsesTLS() {
		r.add(Step{Name: StepTLS, Status: StatusSkip, Message: "server selected standard RDP security"})
	} else {
		handshake := d.run(ctx, r, StepTLS, func(ctx context.Context, s *Step) {
			if err := client.StartTLS(ctx); err != nil {
				s.fail(err)
				return
			}
			state := client.TLSState()
			s.set("version", tls.VersionName(state.Version))
			s.set("cipherSuite", tls.CipherSuiteName(state.CipherSuite))
			s.pass("%s, %s", tls.VersionName(state.Version), tls.CipherSuiteName(state.CipherSuite))
		})
		if handshake.Status != StatusPass {
			skipped(r, StepCredSSP, StepTLS)
			skipped(r, StepCapability, StepTLS)
			return
		}
	}

	switch {
	case !selected.UsesCredSSP():
		r.add(Step{Name: StepCredSSP, Status: StatusSkip, Message: "server did not select CredSSP"})
	case t.Credentials.Empty():
		r.add(Step{Name: StepCredSSP, Status: StatusSkip, Message: "no credentials supplied"})
		skipped(r, StepCapability, StepCredSSP)
		return
	default:
		nla := d.run(ctx, r, StepCredSSP, func(ctx context.Context, s *Step) {
			if err := client.StartNLA(ctx); err != nil {
				s.fail(err)
				return
			}
			s.set("credsspVersion", client.CredSSPVersion())
			s.pass("credentials accepted (CredSSP version %d)", client.CredSSPVersion())
		})
		if nla.Status != StatusPass {
			skipped(r, StepCapability, StepCredSSP)
			return
		}
	}

	d.run(ctx, r, StepCapability, func(ctx context.Context, s *Step) {
		if selected.IsHybridEx() {
			if err := client.EarlyUserAuthorization(ctx); err != nil {
				s.fail(err)
				return
			}
			s.pass("early user authorization granted")
			return
		}
		if err := client.AwaitIdle(ctx, d.opts.IdleWindow); err != nil {
			s.fail(err)
			return
		}
		s.pass("connection held open for %s", d.opts.IdleWindow)
	})
}

// securityLabel names the security layer a selected protocol implies.
func securityLabel(p pdu.NegotiationProtocol) string {
	switch {
	case p.IsRDP():
		return "standard RDP security"
	case p.IsSSL():
		return "TLS"
	case p.IsHybrid():
		return "CredSSP"
	case p.IsHybridEx():
		return "CredSSP with early user authorization"
	case p.IsRDSTLS():
		return "RDSTLS"
	default:
		return "unknown"
	}
}

func (d *Diagnoser) rdpOptions(t target.Target) rdp.Options {
	domain, user := t.Credentials.DomainUser()
	return rdp.Options{
		Username:       user,
		Password:       t.Credentials.Password,
		Domain:         domain,
		Cookie:         user,
		CredSSPVersion: t.RDP.CredSSPVersion,
		Dialer:         d.opts.Dialer,
		TLS: rdp.TLSOptions{
			SkipVerify: t.TLS.SkipVerify,
			ServerName: t.TLS.ServerName,
			MinVersion: t.TLS.MinVersion,
		},
	}
}
