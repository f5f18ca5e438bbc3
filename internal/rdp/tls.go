package rdp

import (
	"bufio"
	"context"
	"crypto/tls"
	"net"
	"strings"

	"github.com/rcarmo/rdp-netdiag/internal/logging"
)

// legacyCipherSuites extends the Go defaults with the CBC suites that
// Windows Server 2008/2012 era hosts still prefer.
var legacyCipherSuites = []uint16{
	tls.TLS_ECDHE_RSA_WITH_AES_128_GCM_SHA256,
	tls.TLS_ECDHE_RSA_WITH_AES_256_GCM_SHA384,
	tls.TLS_ECDHE_ECDSA_WITH_AES_128_GCM_SHA256,
	tls.TLS_ECDHE_ECDSA_WITH_AES_256_GCM_SHA384,
	tls.TLS_ECDHE_RSA_WITH_AES_128_CBC_SHA,
	tls.TLS_ECDHE_RSA_WITH_AES_256_CBC_SHA,
	tls.TLS_RSA_WITH_AES_128_GCM_SHA256,
	tls.TLS_RSA_WITH_AES_256_GCM_SHA384,
	tls.TLS_RSA_WITH_AES_128_CBC_SHA,
	tls.TLS_RSA_WITH_AES_256_CBC_SHA,
	tls.TLS_RSA_WITH_3DES_EDE_CBC_SHA,
}

// StartTLS upgrades the connection after the server selected a TLS based
// protocol.
func (c *Client) StartTLS(ctx context.Context) error {
	tlsConfig := c.tlsConfig()

	tlsConn := tls.Client(c.conn, tlsConfig)
	if err := tlsConn.HandshakeContext(ctx); err != nil {
		if c.opts.TLS.SkipVerify {
			return wrapCtx(ctx, "tls: handshake failed with verification skipped", err)
		}
		return wrapCtx(ctx, "tls: handshake failed", err)
	}

	state := tlsConn.ConnectionState()
	c.tlsState = &state
	c.conn = tlsConn
	c.buffReader = bufio.NewReaderSize(c.conn, readBufferSize)

	logging.Debug("RDP: TLS established (%s, %s)", tls.VersionName(state.Version), tls.CipherSuiteName(state.CipherSuite))
	return nil
}

func (c *Client) tlsConfig() *tls.Config {
	opts := c.opts.TLS

	serverName := opts.ServerName
	if serverName == "" {
		serverName = c.getServerName()
	}

	cfg := &tls.Config{
		InsecureSkipVerify: opts.SkipVerify,
		MinVersion:         MinTLSVersion(opts.MinVersion),
		MaxVersion:         tls.VersionTLS13,
		ServerName:         serverName,
	}

	if opts.Legacy {
		cfg.MinVersion = tls.VersionTLS10
		// many RDP stacks fail the TLS 1.3 handshake outright
		cfg.MaxVersion = tls.VersionTLS12
		cfg.CipherSuites = legacyCipherSuites
	}

	// crypto/tls refuses a config with neither ServerName nor InsecureSkipVerify
	if cfg.ServerName == "" {
		if c.conn != nil {
			if host, _, err := net.SplitHostPort(c.conn.RemoteAddr().String()); err == nil {
				cfg.ServerName = host
			}
		}
		if cfg.ServerName == "" {
			cfg.ServerName = "rdp-server"
		}
	}

	return cfg
}

func (c *Client) getServerName() string {
	if c.conn == nil || c.conn.RemoteAddr() == nil {
		return ""
	}

	host, _, err := net.SplitHostPort(c.conn.RemoteAddr().String())
	if err != nil {
		return ""
	}

	host = strings.TrimSpace(host)
	if host == "" || net.ParseIP(host) != nil || len(host) > 253 {
		return ""
	}

	return host
}

// MinTLSVersion maps "1.0" to "1.3" onto crypto/tls versions; anything
// else means TLS 1.2.
func MinTLSVersion(version string) uint16 {
	switch version {
	case "1.0":
		return tls.VersionTLS10
	case "1.1":
		return tls.VersionTLS11
	case "1.2":
		return tls.VersionTLS12
	case "1.3":
		return tls.VersionTLS13
	default:
		return tls.VersionTLS12
	}
}
