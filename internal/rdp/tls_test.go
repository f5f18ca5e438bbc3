package rdp

import (
	"crypto/tls"
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestGetMinTLSVersion(t *testing.T) {
	tests := []struct {
		version  string
		expected uint16
	}{
		{"1.0", tls.VersionTLS10},
		{"1.1", tls.VersionTLS11},
		{"1.2", tls.VersionTLS12},
		{"1.3", tls.VersionTLS13},
		{"", tls.VersionTLS12},
		{"2.0", tls.VersionTLS12},
	}

	for _, tt := range tests {
		t.Run(tt.version, func(t *testing.T) {
			assert.Equal(t, tt.expected, MinTLSVersion(tt.version))
		})
	}
}

type addrConn struct {
	net.Conn
	remote string
}

type stringAddr string

func (a stringAddr) Network() string { return "tcp" }
func (a stringAddr) String() string  { return string(a) }

func (c addrConn) RemoteAddr() net.Addr { return stringAddr(c.remote) }

func TestGetServerName(t *testing.T) {
	tests := []struct {
		remote string
		want   string
	}{
		{"server.example.com:3389", "server.example.com"},
		{"192.168.1.1:3389", ""},
		{"[::1]:3389", ""},
		{"garbage", ""},
	}

	for _, tt := range tests {
		t.Run(tt.remote, func(t *testing.T) {
			c := &Client{conn: addrConn{remote: tt.remote}}
			assert.Equal(t, tt.want, c.getServerName())
		})
	}

	assert.Empty(t, (&Client{}).getServerName())
}

func TestTLSConfig(t *testing.T) {
	t.Run("modern", func(t *testing.T) {
		c := &Client{conn: addrConn{remote: "rds.example.com:3389"}, opts: Options{TLS: TLSOptions{MinVersion: "1.3"}}}
		cfg := c.tlsConfig()
		assert.Equal(t, uint16(tls.VersionTLS13), cfg.MinVersion)
		assert.Equal(t, uint16(tls.VersionTLS13), cfg.MaxVersion)
		assert.Equal(t, "rds.example.com", cfg.ServerName)
		assert.False(t, cfg.InsecureSkipVerify)
	})

	t.Run("legacy", func(t *testing.T) {
		c := &Client{conn: addrConn{remote: "10.0.0.5:3389"}, opts: Options{TLS: TLSOptions{Legacy: true, SkipVerify: true}}}
		cfg := c.tlsConfig()
		assert.Equal(t, uint16(tls.VersionTLS10), cfg.MinVersion)
		assert.Equal(t, uint16(tls.VersionTLS12), cfg.MaxVersion)
		assert.Equal(t, legacyCipherSuites, cfg.CipherSuites)
		assert.Equal(t, "10.0.0.5", cfg.ServerName)
	})

	t.Run("explicit server name wins", func(t *testing.T) {
		c := &Client{conn: addrConn{remote: "10.0.0.5:3389"}, opts: Options{TLS: TLSOptions{ServerName: "rds01"}}}
		assert.Equal(t, "rds01", c.tlsConfig().ServerName)
	})
}
