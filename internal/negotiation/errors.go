package negotiation

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"io"
	"net"
	"syscall"

	"github.com/rcarmo/rdp-netdiag/internal/auth"
	"github.com/rcarmo/rdp-netdiag/internal/rdp"
)

// ErrProtocolMismatch reports a server choice that does not satisfy the
// attempted combination.
var ErrProtocolMismatch = errors.New("security protocol mismatch")

// ExhaustedError ends a session in which no combination succeeded.
type ExhaustedError struct {
	Session *Session
	// Best is the most informative failed attempt, nil if none ran.
	Best *Attempt
	// Cause is set when the session was cut short by its context.
	Cause error
}

func (e *ExhaustedError) Error() string {
	n := len(e.Session.Attempts)
	switch {
	case e.Best == nil && e.Cause != nil:
		return fmt.Sprintf("negotiation stopped before any attempt: %v", e.Cause)
	case e.Best == nil:
		return "negotiation made no attempts"
	case e.Cause != nil:
		return fmt.Sprintf("negotiation stopped after %d attempts (%v); best failure %s: %s", n, e.Cause, e.Best.Combination, e.Best.Error)
	default:
		return fmt.Sprintf("all %d attempts failed; best failure %s: %s", n, e.Best.Combination, e.Best.Error)
	}
}

func (e *ExhaustedError) Unwrap() []error {
	var errs []error
	if e.Cause != nil {
		errs = append(errs, e.Cause)
	}
	if e.Best != nil && e.Best.Err != nil {
		errs = append(errs, e.Best.Err)
	}
	return errs
}

// IsHardRejection reports an explicit refusal that retrying the same
// combination cannot fix.
func IsHardRejection(err error) bool {
	var (
		negErr     *rdp.NegotiationFailureError
		serverErr  *auth.CredSSPError
		alert      tls.AlertError
		recordErr  tls.RecordHeaderError
		verifyErr  *tls.CertificateVerificationError
		authority  x509.UnknownAuthorityError
		hostname   x509.HostnameError
		invalidErr x509.CertificateInvalidError
	)

	switch {
	case errors.As(err, &negErr), errors.As(err, &serverErr):
		return true
	case errors.Is(err, rdp.ErrUnsupportedRequestedProtocol),
		errors.Is(err, ErrProtocolMismatch),
		errors.Is(err, rdp.ErrAuthenticationFailed),
		errors.Is(err, rdp.ErrNoCredentials),
		errors.Is(err, rdp.ErrPubKeyBindingMismatch),
		errors.Is(err, rdp.ErrEarlyUserAuthDenied),
		errors.Is(err, rdp.ErrPostAuthDisconnect):
		return true
	case errors.As(err, &alert), errors.As(err, &recordErr), errors.As(err, &verifyErr),
		errors.As(err, &authority), errors.As(err, &hostname), errors.As(err, &invalidErr):
		return true
	}
	return false
}

// IsRetryable reports a transient failure worth repeating.
func IsRetryable(err error) bool {
	if err == nil || IsHardRejection(err) {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}

	var netErr net.Error
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return true
	case errors.As(err, &netErr) && netErr.Timeout():
		return true
	case errors.Is(err, syscall.ECONNRESET), errors.Is(err, syscall.ECONNREFUSED):
		return true
	case errors.Is(err, io.ErrUnexpectedEOF), errors.Is(err, io.EOF):
		return true
	}
	return false
}
