package negotiation

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rcarmo/rdp-netdiag/internal/protocol/pdu"
	"github.com/rcarmo/rdp-netdiag/internal/rdp"
	"github.com/rcarmo/rdp-netdiag/internal/rdp/rdptest"
	"github.com/rcarmo/rdp-netdiag/internal/target"
)

func serverTarget(srv *rdptest.Server) target.Target {
	return target.Target{
		Hostname:    srv.Host(),
		Port:        srv.Port(),
		Protocol:    target.ProtocolRDP,
		Credentials: target.Credentials{Username: `CONTOSO\alice`, Password: "secret"},
		TLS:         target.TLSSettings{SkipVerify: true},
	}
}

func TestRDPConnectorTLSOnly(t *testing.T) {
	srv := rdptest.NewServer(rdptest.Behavior{})
	defer srv.Close()

	s := testSettings()
	s.Strategy = StrategyTLSOnly

	est, err := New(Options{}).Negotiate(context.Background(), serverTarget(srv), s)
	require.NoError(t, err)
	defer est.Close()

	assert.Equal(t, pdu.NegotiationProtocolSSL, est.SelectedProtocol)
	assert.NotNil(t, est.Client.TLSState())
	assert.Equal(t, []string{"alice"}, srv.Cookies())
}

func TestRDPConnectorServerRefusesEverything(t *testing.T) {
	srv := rdptest.NewServer(rdptest.Behavior{Failure: pdu.NegotiationFailureCodeSSLRequired})
	defer srv.Close()

	_, err := New(Options{}).Negotiate(context.Background(), serverTarget(srv), testSettings())
	ex := exhausted(t, err)

	assert.Len(t, ex.Session.Attempts, 3)
	assert.Equal(t, SecurityCredSSP, ex.Best.Combination.Security)

	var negErr *rdp.NegotiationFailureError
	require.ErrorAs(t, err, &negErr)
	assert.Equal(t, pdu.NegotiationFailureCodeSSLRequired, negErr.Code)

	assert.Equal(t, []pdu.NegotiationProtocol{
		pdu.NegotiationProtocolHybrid | pdu.NegotiationProtocolHybridEx,
		pdu.NegotiationProtocolSSL,
		pdu.NegotiationProtocolRDP,
	}, srv.Requested())
}

func TestRDPConnectorLegacyServer(t *testing.T) {
	srv := rdptest.NewServer(rdptest.Behavior{Legacy: true})
	defer srv.Close()

	s := testSettings()
	s.Strategy = StrategyTLSFirst
	s.EnableCredSSP = false

	est, err := New(Options{}).Negotiate(context.Background(), serverTarget(srv), s)
	require.NoError(t, err)
	defer est.Close()

	require.Len(t, est.Session.Attempts, 2)
	assert.ErrorIs(t, est.Session.Attempts[0].Err, ErrProtocolMismatch)
	assert.Equal(t, plain, est.Combination)
	assert.True(t, est.Session.Insecure)
}

func TestRDPOptions(t *testing.T) {
	req := Request{
		Target: target.Target{
			Hostname:    "rds01",
			Credentials: target.Credentials{Username: "alice@contoso.com", Password: "pw"},
			TLS:         target.TLSSettings{ServerName: "rds01.contoso.com"},
		},
		Combination: credsspLegacy,
		Settings:    DefaultSettings(),
		SessionID:   "not-a-uuid",
	}

	opts := rdpOptions(req, nil)
	assert.Equal(t, "alice", opts.Username)
	assert.Equal(t, "contoso.com", opts.Domain)
	assert.Equal(t, "alice", opts.Cookie)
	assert.True(t, opts.TLS.Legacy)
	assert.Equal(t, "rds01.contoso.com", opts.TLS.ServerName)
	assert.Equal(t, 6, opts.CredSSPVersion)
	assert.Nil(t, opts.CorrelationID)

	req.SessionID = "6f1c2a4e-8d3b-4c5a-9e7f-1a2b3c4d5e6f"
	assert.Len(t, rdpOptions(req, nil).CorrelationID, 16)
}
