package rdp

import (
	"context"
	"crypto/rand"
	"crypto/tls"
	"errors"
	"fmt"
	"strings"

	"github.com/rcarmo/rdp-netdiag/internal/auth"
	"github.com/rcarmo/rdp-netdiag/internal/logging"
)

// StartNLA performs Network Level Authentication using CredSSP/NTLMv2 over
// the TLS channel established by StartTLS.
func (c *Client) StartNLA(ctx context.Context) error {
	if c.opts.Username == "" || c.opts.Password == "" {
		return ErrNoCredentials
	}

	tlsConn, ok := c.conn.(*tls.Conn)
	if !ok {
		return wrap("NLA", ErrNotTLS)
	}
	state := tlsConn.ConnectionState()
	if len(state.PeerCertificates) == 0 {
		return wrap("NLA", ErrNoPeerCertificate)
	}
	pubKey, err := auth.SubjectPublicKey(state.PeerCertificates[0])
	if err != nil {
		return wrap("NLA", err)
	}

	defer c.bind(ctx)()

	version := c.opts.CredSSPVersion
	if version <= 0 {
		version = DefaultCredSSPVersion
	}

	var nonce []byte
	if version >= auth.CredSSPVersion5 {
		nonce = make([]byte, auth.NonceLen)
		if _, err = rand.Read(nonce); err != nil {
			return wrap("NLA nonce", err)
		}
	}

	domain, user := parseDomainUser(c.opts.Username, c.opts.Domain)
	ntlm := auth.NewNTLMv2(domain, user, c.opts.Password)

	// negotiate
	if err = c.writeTSRequest(&auth.TSRequest{
		Version:     version,
		NegoTokens:  [][]byte{ntlm.NegotiateMessage()},
		ClientNonce: nonce,
	}); err != nil {
		return wrapCtx(ctx, "NLA send negotiate", err)
	}

	challenge, err := c.readTSRequest()
	if err != nil {
		return wrapCtx(ctx, "NLA read challenge", err)
	}
	if len(challenge.NegoTokens) == 0 {
		return errors.New("NLA: server sent no NTLM challenge")
	}

	if challenge.Version < version {
		version = challenge.Version
		if version < auth.CredSSPVersion5 {
			nonce = nil
		}
	}
	c.credSSPVersion = version

	// authenticate, bound to the TLS public key
	authMsg, sec, err := ntlm.AuthenticateMessage(challenge.NegoTokens[0])
	if err != nil {
		return wrap("NTLM challenge", err)
	}

	if err = c.writeTSRequest(&auth.TSRequest{
		Version:     version,
		NegoTokens:  [][]byte{authMsg},
		PubKeyAuth:  sec.GssEncrypt(auth.ComputeClientPubKeyAuth(version, pubKey, nonce)),
		ClientNonce: nonce,
	}); err != nil {
		return wrapCtx(ctx, "NLA send authenticate", err)
	}

	resp, err := c.readTSRequest()
	if err != nil {
		if isDisconnect(err) {
			return fmt.Errorf("%w: server closed the connection (%w)", ErrAuthenticationFailed, err)
		}
		return wrapCtx(ctx, "NLA read public key response", err)
	}

	serverPubKeyAuth, err := sec.GssDecrypt(resp.PubKeyAuth)
	if err != nil {
		return fmt.Errorf("%w (%w)", ErrPubKeyBindingMismatch, err)
	}
	if !auth.VerifyServerPubKeyAuth(version, serverPubKeyAuth, pubKey, nonce) {
		return ErrPubKeyBindingMismatch
	}

	// delegate credentials
	d, u, p := ntlm.CredSSPCredentials()
	creds, err := auth.EncodeCredentials(d, u, p)
	if err != nil {
		return wrap("NLA credentials", err)
	}

	if err = c.writeTSRequest(&auth.TSRequest{
		Version:  version,
		AuthInfo: sec.GssEncrypt(creds),
	}); err != nil {
		return wrapCtx(ctx, "NLA send credentials", err)
	}

	logging.Debug("RDP: NLA completed (TSRequest version %d)", version)
	return nil
}

func (c *Client) writeTSRequest(req *auth.TSRequest) error {
	data, err := req.Marshal()
	if err != nil {
		return err
	}
	_, err = c.Write(data)
	return err
}

// readTSRequest reads one TSRequest and surfaces a non-zero errorCode.
func (c *Client) readTSRequest() (*auth.TSRequest, error) {
	data, err := auth.ReadTSRequest(c)
	if err != nil {
		return nil, err
	}

	req, err := auth.ParseTSRequest(data)
	if err != nil {
		return nil, err
	}

	if req.ErrorCode != 0 {
		serverErr := &auth.CredSSPError{Code: req.ErrorCode}
		if serverErr.IsCredentialFailure() {
			return nil, fmt.Errorf("%w: %w", ErrAuthenticationFailed, serverErr)
		}
		return nil, serverErr
	}

	return req, nil
}

// parseDomainUser parses DOMAIN\user or user@domain format
func parseDomainUser(username, defaultDomain string) (domain, user string) {
	if idx := strings.Index(username, "\\"); idx != -1 {
		return username[:idx], username[idx+1:]
	}

	if idx := strings.Index(username, "@"); idx != -1 {
		return username[idx+1:], username[:idx]
	}

	return defaultDomain, username
}
