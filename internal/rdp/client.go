// Package rdp implements the security layer of an RDP client: X.224
// negotiation, the TLS upgrade and CredSSP/NLA. It stops before the MCS
// connect sequence.
package rdp

import (
	"bufio"
	"context"
	"crypto/tls"
	"net"
	"time"

	"github.com/rcarmo/rdp-netdiag/internal/protocol/pdu"
	"github.com/rcarmo/rdp-netdiag/internal/protocol/tpkt"
	"github.com/rcarmo/rdp-netdiag/internal/protocol/x224"
)

const (
	tcpConnectionTimeout = 5 * time.Second
	readBufferSize       = 64 * 1024

	// DefaultCredSSPVersion is the TSRequest version sent when none is configured.
	DefaultCredSSPVersion = 6
)

// Dialer opens the TCP connection to the server.
type Dialer interface {
	DialContext(ctx context.Context, network, address string) (net.Conn, error)
}

// TLSOptions control the TLS upgrade.
type TLSOptions struct {
	SkipVerify bool
	ServerName string
	// MinVersion is "1.0", "1.1", "1.2" or "1.3"; empty means 1.2.
	MinVersion string
	// Legacy caps the handshake at TLS 1.2 and allows the CBC suites old
	// Windows servers still negotiate.
	Legacy bool
}

// Options configure a Client.
type Options struct {
	Username string
	Password string
	Domain   string

	// Cookie is sent as "Cookie: mstshash=" in the connection request.
	Cookie        string
	CorrelationID []byte

	TLS            TLSOptions
	CredSSPVersion int

	Dialer Dialer
}

type Client struct {
	conn       net.Conn
	buffReader *bufio.Reader
	tpktLayer  *tpkt.Protocol
	x224Layer  *x224.Protocol

	opts Options

	requestedProtocols     pdu.NegotiationProtocol
	selectedProtocol       pdu.NegotiationProtocol
	serverNegotiationFlags pdu.NegotiationResponseFlag
	tlsState               *tls.ConnectionState
	credSSPVersion         int
}

// Dial connects to addr and prepares the X.224 layer.
func Dial(ctx context.Context, addr string, opts Options) (*Client, error) {
	dialer := opts.Dialer
	if dialer == nil {
		dialer = &net.Dialer{Timeout: tcpConnectionTimeout}
	}

	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, wrap("tcp connect", err)
	}

	return NewClient(conn, opts), nil
}

// NewClient wraps an established connection.
func NewClient(conn net.Conn, opts Options) *Client {
	c := &Client{
		conn:       conn,
		buffReader: bufio.NewReaderSize(conn, readBufferSize),
		opts:       opts,
	}
	c.tpktLayer = tpkt.New(c)
	c.x224Layer = x224.New(c.tpktLayer)
	return c
}

// Read reads raw bytes from the buffered connection.
func (c *Client) Read(b []byte) (int, error) {
	return c.buffReader.Read(b)
}

// Write writes raw bytes to the underlying connection.
func (c *Client) Write(b []byte) (int, error) {
	return c.conn.Write(b)
}

func (c *Client) Close() error {
	return c.conn.Close()
}

// Conn returns the current transport, TLS-wrapped after StartTLS.
func (c *Client) Conn() net.Conn {
	return c.conn
}

// SelectedProtocol is the protocol chosen by the server during Negotiate.
func (c *Client) SelectedProtocol() pdu.NegotiationProtocol {
	return c.selectedProtocol
}

// ServerFlags are the RDP_NEG_RSP flags advertised by the server.
func (c *Client) ServerFlags() pdu.NegotiationResponseFlag {
	return c.serverNegotiationFlags
}

// TLSState returns the handshake result, nil before StartTLS.
func (c *Client) TLSState() *tls.ConnectionState {
	return c.tlsState
}

// CredSSPVersion is the TSRequest version agreed during StartNLA.
func (c *Client) CredSSPVersion() int {
	return c.credSSPVersion
}

// bind applies the context deadline to the connection and aborts pending
// I/O when ctx is cancelled. The returned func clears both.
func (c *Client) bind(ctx context.Context) func() {
	conn := c.conn
	if dl, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(dl)
	}
	stop := context.AfterFunc(ctx, func() {
		_ = conn.SetDeadline(time.Unix(1, 0))
	})
	return func() {
		stop()
		_ = conn.SetDeadline(time.Time{})
	}
}
