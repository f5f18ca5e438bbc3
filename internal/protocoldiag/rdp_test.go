package protocoldiag

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rcarmo/rdp-netdiag/internal/protocol/pdu"
	"github.com/rcarmo/rdp-netdiag/internal/rdp/rdptest"
	"github.com/rcarmo/rdp-netdiag/internal/target"
)

func rdpTarget(srv *rdptest.Server) target.Target {
	t := target.New(srv.Host(), target.ProtocolRDP)
	t.Port = srv.Port()
	t.TLS.SkipVerify = true
	return t
}

func selectSSL(pdu.NegotiationProtocol) pdu.NegotiationProtocol {
	return pdu.NegotiationProtocolSSL
}

func TestSecurityLabel(t *testing.T) {
	tests := []struct {
		p    pdu.NegotiationProtocol
		want string
	}{
		{pdu.NegotiationProtocolRDP, "standard RDP security"},
		{pdu.NegotiationProtocolSSL, "TLS"},
		{pdu.NegotiationProtocolHybrid, "CredSSP"},
		{pdu.NegotiationProtocolHybridEx, "CredSSP with early user authorization"},
		{pdu.NegotiationProtocolRDSTLS, "RDSTLS"},
		{pdu.NegotiationProtocolSSL | pdu.NegotiationProtocolHybrid, "unknown"},
	}
	for _, tt := range tests {
		t.Run(tt.p.String(), func(t *testing.T) {
			assert.Equal(t, tt.want, securityLabel(tt.p))
		})
	}
}

func TestDiagnoseRDP(t *testing.T) {
	d := New(Options{StepTimeout: 3 * time.Second, IdleWindow: 200 * time.Millisecond})

	t.Run("nla required", func(t *testing.T) {
		srv := rdptest.NewServer(rdptest.Behavior{Failure: pdu.NegotiationFailureCodeHybridRequired})
		defer srv.Close()

		tgt := rdpTarget(srv)
		tgt.RDP.NLA = target.NLADisabled
		r := d.Diagnose(context.Background(), target.ProtocolRDP, tgt)

		require.Len(t, r.Steps, 5)
		x224, _ := r.Step(StepX224)
		assert.Equal(t, StatusFail, x224.Status)
		assert.Equal(t, "HYBRID_REQUIRED_BY_SERVER", x224.Detail["failureCode"])
		for _, name := range []string{StepTLS, StepCredSSP, StepCapability} {
			assert.Equal(t, StatusSkip, statuses(r)[name], name)
		}
		assert.Contains(t, r.RootCauseHint, "enable NLA")
		assert.Equal(t, []pdu.NegotiationProtocol{pdu.NegotiationProtocolSSL}, srv.Requested())
	})

	t.Run("ssl required", func(t *testing.T) {
		srv := rdptest.NewServer(rdptest.Behavior{Failure: pdu.NegotiationFailureCodeSSLRequired})
		defer srv.Close()

		r := d.Diagnose(context.Background(), target.ProtocolRDP, rdpTarget(srv))
		assert.Contains(t, r.RootCauseHint, "Security mode mismatch")
	})

	t.Run("tls only", func(t *testing.T) {
		srv := rdptest.NewServer(rdptest.Behavior{Select: selectSSL})
		defer srv.Close()

		tgt := rdpTarget(srv)
		tgt.Credentials = target.Credentials{Username: `CONTOSO\alice`, Password: "secret"}
		r := d.Diagnose(context.Background(), target.ProtocolRDP, tgt)

		got := statuses(r)
		assert.Equal(t, StatusPass, got[StepTCPConnect])
		assert.Equal(t, StatusPass, got[StepX224])
		assert.Equal(t, StatusPass, got[StepTLS])
		assert.Equal(t, StatusSkip, got[StepCredSSP])
		assert.Equal(t, StatusPass, got[StepCapability])
		assert.Equal(t, "4 of 4 checks passed", r.Summary)
		assert.Empty(t, r.RootCauseHint)
		x224, _ := r.Step(StepX224)
		assert.Equal(t, "TLS", x224.Detail["security"])
		assert.Equal(t, "server selected PROTOCOL_SSL (TLS)", x224.Message)
		assert.Equal(t, []string{"alice"}, srv.Cookies())
		assert.Equal(t, []pdu.NegotiationProtocol{pdu.NegotiationProtocolSSL | pdu.NegotiationProtocolHybrid | pdu.NegotiationProtocolHybridEx}, srv.Requested())
	})

	t.Run("standard rdp security", func(t *testing.T) {
		srv := rdptest.NewServer(rdptest.Behavior{Legacy: true})
		defer srv.Close()

		r := d.Diagnose(context.Background(), target.ProtocolRDP, rdpTarget(srv))
		tls, _ := r.Step(StepTLS)
		assert.Equal(t, StatusSkip, tls.Status)
		assert.Equal(t, "server selected standard RDP security", tls.Message)
		assert.Equal(t, StatusPass, statuses(r)[StepCapability])
	})

	t.Run("credssp rejected", func(t *testing.T) {
		srv := rdptest.NewServer(rdptest.Behavior{NLAErrorCode: 0xC000006D})
		defer srv.Close()

		tgt := rdpTarget(srv)
		tgt.Credentials = target.Credentials{Username: "alice", Password: "wrong", Domain: "CONTOSO"}
		r := d.Diagnose(context.Background(), target.ProtocolRDP, tgt)

		got := statuses(r)
		assert.Equal(t, StatusPass, got[StepTLS])
		assert.Equal(t, StatusFail, got[StepCredSSP])
		assert.Equal(t, StatusSkip, got[StepCapability])
		assert.Contains(t, r.RootCauseHint, "CredSSP was rejected")
	})

	t.Run("nla without credentials", func(t *testing.T) {
		srv := rdptest.NewServer(rdptest.Behavior{})
		defer srv.Close()

		r := d.Diagnose(context.Background(), target.ProtocolRDP, rdpTarget(srv))
		nla, _ := r.Step(StepCredSSP)
		assert.Equal(t, StatusSkip, nla.Status)
		assert.Equal(t, "no credentials supplied", nla.Message)
		assert.Equal(t, StatusSkip, statuses(r)[StepCapability])
	})

	t.Run("dropped after security", func(t *testing.T) {
		srv := rdptest.NewServer(rdptest.Behavior{Select: selectSSL, CloseAfterSecurity: true})
		defer srv.Close()

		r := d.Diagnose(context.Background(), target.ProtocolRDP, rdpTarget(srv))
		capability, _ := r.Step(StepCapability)
		assert.Equal(t, StatusFail, capability.Status)
		assert.Contains(t, capability.Message, "post-authentication disconnect")
	})

	t.Run("silent server", func(t *testing.T) {
		srv := rdptest.NewServer(rdptest.Behavior{Silent: true})
		defer srv.Close()

		quick := New(Options{StepTimeout: 300 * time.Millisecond})
		start := time.Now()
		r := quick.Diagnose(context.Background(), target.ProtocolRDP, rdpTarget(srv))
		assert.Less(t, time.Since(start), 2*time.Second)
		assert.Equal(t, StatusFail, statuses(r)[StepX224])
		assert.Empty(t, r.RootCauseHint)
	})
}
