package rdp

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rcarmo/rdp-netdiag/internal/protocol/pdu"
)

var (
	// ErrUnsupportedRequestedProtocol indicates that the server selected a
	// protocol the client did not request.
	ErrUnsupportedRequestedProtocol = errors.New("server selected a security protocol that was not requested")

	ErrAuthenticationFailed  = errors.New("NLA authentication failed")
	ErrNoCredentials         = errors.New("unable to authenticate: NLA needs a username and password")
	ErrPubKeyBindingMismatch = errors.New("NLA encryption check failed: server public key binding mismatch")
	ErrEarlyUserAuthDenied   = errors.New("server denied access after credential delegation")
	ErrPostAuthDisconnect    = errors.New("post-authentication disconnect: server closed the connection")
	ErrNotTLS                = errors.New("transport has not been upgraded")
	ErrNoPeerCertificate     = errors.New("server presented no certificate")
)

// NegotiationFailureError is an RDP_NEG_FAILURE returned by the server.
type NegotiationFailureError struct {
	Code pdu.NegotiationFailureCode
}

func (e *NegotiationFailureError) Error() string {
	return fmt.Sprintf("security negotiation failure: %s (code %d)", e.Code.Description(), uint32(e.Code))
}

// wrap prefixes err with op.
func wrap(op string, err error) error {
	return fmt.Errorf("%s: %w", op, err)
}

// wrapCtx is wrap that also records a cancelled or expired ctx, whose
// deadline surfaces from the socket as a plain i/o timeout.
func wrapCtx(ctx context.Context, op string, err error) error {
	ctxErr := ctx.Err()
	if ctxErr == nil && isTimeout(err) {
		if dl, ok := ctx.Deadline(); ok && !time.Now().Before(dl) {
			ctxErr = context.DeadlineExceeded
		}
	}
	if ctxErr != nil && !errors.Is(err, ctxErr) {
		return fmt.Errorf("%s: %w (%w)", op, err, ctxErr)
	}
	return wrap(op, err)
}
