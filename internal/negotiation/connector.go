package negotiation

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/rcarmo/rdp-netdiag/internal/protocol/pdu"
	"github.com/rcarmo/rdp-netdiag/internal/rdp"
	"github.com/rcarmo/rdp-netdiag/internal/target"
)

// Request is everything a Connector needs for one attempt.
type Request struct {
	Target      target.Target
	Combination Combination
	Settings    Settings
	SessionID   string
}

// Connector establishes the security phase for one combination. On error
// the returned client, if any, is closed by the caller.
type Connector interface {
	Connect(ctx context.Context, req Request) (*rdp.Client, pdu.NegotiationProtocol, error)
}

// RDPConnector is the Connector backed by internal/rdp.
type RDPConnector struct {
	Dialer rdp.Dialer
}

func (c *RDPConnector) Connect(ctx context.Context, req Request) (*rdp.Client, pdu.NegotiationProtocol, error) {
	client, err := rdp.Dial(ctx, req.Target.Address(), rdpOptions(req, c.Dialer))
	if err != nil {
		return nil, pdu.NegotiationProtocolRDP, err
	}

	selected, err := client.Connect(ctx, req.Combination.Requested())
	if err != nil {
		return client, selected, err
	}

	if !req.Combination.Accepts(selected) {
		return client, selected, fmt.Errorf("%w: server selected protocol 0x%08X for a %s attempt",
			ErrProtocolMismatch, uint32(selected), req.Combination.Security)
	}

	return client, selected, nil
}

func rdpOptions(req Request, dialer rdp.Dialer) rdp.Options {
	domain, user := req.Target.Credentials.DomainUser()

	opts := rdp.Options{
		Username:       user,
		Password:       req.Target.Credentials.Password,
		Domain:         domain,
		Cookie:         user,
		CredSSPVersion: req.Settings.CredSSPVersion,
		Dialer:         dialer,
		TLS: rdp.TLSOptions{
			SkipVerify: req.Target.TLS.SkipVerify,
			ServerName: req.Target.TLS.ServerName,
			MinVersion: req.Settings.TLSMinVersion,
			Legacy:     req.Combination.TLS == TLSLegacy,
		},
	}

	if id, err := uuid.Parse(req.SessionID); err == nil {
		opts.CorrelationID = id[:]
	}

	return opts
}
