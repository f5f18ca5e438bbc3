package rdp

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"syscall"
	"time"

	"github.com/rcarmo/rdp-netdiag/internal/logging"
	"github.com/rcarmo/rdp-netdiag/internal/protocol/pdu"
)

// Early User Authorization Result values (MS-RDPBCGR 2.2.10.2)
const (
	authzSuccess      = 0x00000000
	authzAccessDenied = 0x00000005
)

// Connect runs the security phase of the connection sequence: negotiation,
// then TLS and NLA as selected by the server. It returns the selected
// protocol.
func (c *Client) Connect(ctx context.Context, requested pdu.NegotiationProtocol) (pdu.NegotiationProtocol, error) {
	selected, err := c.Negotiate(ctx, requested)
	if err != nil {
		return selected, fmt.Errorf("connection initiation: %w", err)
	}

	if selected.UsesTLS() {
		if err = c.StartTLS(ctx); err != nil {
			return selected, err
		}
	}

	if selected.UsesCredSSP() {
		if err = c.StartNLA(ctx); err != nil {
			return selected, err
		}
	}

	if selected.IsHybridEx() {
		if err = c.EarlyUserAuthorization(ctx); err != nil {
			return selected, err
		}
	}

	return selected, nil
}

// Negotiate sends the X.224 connection request carrying RDP_NEG_REQ and
// interprets the server's confirm.
func (c *Client) Negotiate(ctx context.Context, requested pdu.NegotiationProtocol) (pdu.NegotiationProtocol, error) {
	defer c.bind(ctx)()

	req := pdu.ClientConnectionRequest{
		Cookie: c.opts.Cookie,
		NegotiationRequest: pdu.NegotiationRequest{
			RequestedProtocols: requested,
		},
	}
	if len(c.opts.CorrelationID) > 0 {
		if err := req.CorrelationInfo.SetCorrelationID(c.opts.CorrelationID); err == nil {
			req.NegotiationRequest.Flags |= pdu.NegReqFlagCorrelationInfoPresent
		} else {
			logging.Debug("RDP: ignoring correlation id: %v", err)
		}
	}
	c.requestedProtocols = requested

	wire, err := c.x224Layer.Connect(req.Serialize())
	if err != nil {
		return pdu.NegotiationProtocolRDP, wrapCtx(ctx, "x224", err)
	}

	var resp pdu.ServerConnectionConfirm
	if err = resp.Deserialize(wire); err != nil {
		return pdu.NegotiationProtocolRDP, wrap("negotiation response", err)
	}

	if !resp.Present {
		logging.Debug("RDP: connection confirm carries no negotiation data, assuming standard RDP security")
		c.selectedProtocol = pdu.NegotiationProtocolRDP
		return c.selectedProtocol, nil
	}

	if resp.Type.IsFailure() {
		return pdu.NegotiationProtocolRDP, &NegotiationFailureError{Code: resp.FailureCode()}
	}

	selected := resp.SelectedProtocol()
	if selected != pdu.NegotiationProtocolRDP && selected&requested != selected {
		return selected, fmt.Errorf("%w: requested %s, selected %s", ErrUnsupportedRequestedProtocol, requested, selected)
	}

	c.serverNegotiationFlags = resp.Flags
	c.selectedProtocol = selected
	logging.Debug("RDP: server selected %s (flags: %s)", selected, resp.Flags)

	return selected, nil
}

// EarlyUserAuthorization reads the Early User Authorization Result PDU a
// HYBRID_EX server sends once credentials have been delegated.
func (c *Client) EarlyUserAuthorization(ctx context.Context) error {
	defer c.bind(ctx)()

	buf := make([]byte, 4)
	if _, err := io.ReadFull(c, buf); err != nil {
		if isDisconnect(err) {
			return fmt.Errorf("%w (%w)", ErrPostAuthDisconnect, err)
		}
		return wrapCtx(ctx, "early user authorization", err)
	}

	switch result := binary.LittleEndian.Uint32(buf); result {
	case authzSuccess:
		return nil
	case authzAccessDenied:
		return ErrEarlyUserAuthDenied
	default:
		return fmt.Errorf("early user authorization: unknown result 0x%08X", result)
	}
}

// AwaitIdle checks that the server keeps the connection open for window
// after the security exchange. Silence is success.
func (c *Client) AwaitIdle(ctx context.Context, window time.Duration) error {
	deadline := time.Now().Add(window)
	if dl, ok := ctx.Deadline(); ok && dl.Before(deadline) {
		deadline = dl
	}
	idleCtx, cancel := context.WithDeadline(ctx, deadline)
	defer cancel()
	defer c.bind(idleCtx)()

	buf := make([]byte, 1)
	_, err := c.Read(buf)
	switch {
	case err == nil:
		return nil
	case isTimeout(err) && ctx.Err() == nil:
		return nil
	case isDisconnect(err):
		return fmt.Errorf("%w (%w)", ErrPostAuthDisconnect, err)
	default:
		return wrapCtx(ctx, "idle read", err)
	}
}

func isTimeout(err error) bool {
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

func isDisconnect(err error) bool {
	return errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, net.ErrClosed) || isConnReset(err)
}

func isConnReset(err error) bool {
	return errors.Is(err, syscall.ECONNRESET) || errors.Is(err, syscall.EPIPE)
}
