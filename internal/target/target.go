// Package target describes the remote endpoint a diagnostic run or a
// negotiation attempt is aimed at.
package target

import (
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
)

// Protocol is the application protocol spoken by the target.
type Protocol string

const (
	ProtocolRDP      Protocol = "rdp"
	ProtocolSSH      Protocol = "ssh"
	ProtocolVNC      Protocol = "vnc"
	ProtocolHTTP     Protocol = "http"
	ProtocolHTTPS    Protocol = "https"
	ProtocolMySQL    Protocol = "mysql"
	ProtocolRustDesk Protocol = "rustdesk"
	ProtocolTelnet   Protocol = "telnet"
	ProtocolFTP      Protocol = "ftp"
	ProtocolDNS      Protocol = "dns"
	ProtocolNTP      Protocol = "ntp"
	ProtocolSNMP     Protocol = "snmp"
	ProtocolTFTP     Protocol = "tftp"
	ProtocolDHCP     Protocol = "dhcp"
)

var defaultPorts = map[Protocol]int{
	ProtocolRDP:      3389,
	ProtocolSSH:      22,
	ProtocolVNC:      5900,
	ProtocolHTTP:     80,
	ProtocolHTTPS:    443,
	ProtocolMySQL:    3306,
	ProtocolRustDesk: 21116,
	ProtocolTelnet:   23,
	ProtocolFTP:      21,
	ProtocolDNS:      53,
	ProtocolNTP:      123,
	ProtocolSNMP:     161,
	ProtocolTFTP:     69,
	ProtocolDHCP:     67,
}

// DefaultPort returns the well-known port of p, or 0 when p is unknown.
func (p Protocol) DefaultPort() int {
	return defaultPorts[p]
}

// Valid reports whether p is a known protocol.
func (p Protocol) Valid() bool {
	_, ok := defaultPorts[p]
	return ok
}

// ParseProtocol parses a protocol name case-insensitively.
func ParseProtocol(s string) (Protocol, error) {
	p := Protocol(strings.ToLower(strings.TrimSpace(s)))
	if !p.Valid() {
		return "", fmt.Errorf("unknown protocol %q", s)
	}
	return p, nil
}

// NLAMode controls whether Network Level Authentication is requested.
type NLAMode string

const (
	NLAAuto     NLAMode = "auto"
	NLARequired NLAMode = "required"
	NLADisabled NLAMode = "disabled"
)

// Credentials carries the secrets used by authenticated handshakes.
type Credentials struct {
	Username   string `json:"username,omitempty"`
	Password   string `json:"-"`
	Domain     string `json:"domain,omitempty"`
	PrivateKey string `json:"-"`
	Passphrase string `json:"-"`
}

// Empty reports whether no usable credentials are present.
func (c Credentials) Empty() bool {
	return c.Username == "" || (c.Password == "" && c.PrivateKey == "")
}

// DomainUser splits the username into domain and user parts. Both
// DOMAIN\user and user@domain forms are accepted; an explicit Domain wins.
func (c Credentials) DomainUser() (domain, user string) {
	user = c.Username
	if idx := strings.Index(user, "\\"); idx >= 0 {
		domain, user = user[:idx], user[idx+1:]
	} else if idx := strings.LastIndex(user, "@"); idx >= 0 {
		user, domain = user[:idx], user[idx+1:]
	}
	if c.Domain != "" {
		domain = c.Domain
	}
	return domain, user
}

// TLSSettings tunes TLS handshakes against the target.
type TLSSettings struct {
	MinVersion string `json:"minVersion,omitempty"`
	SkipVerify bool   `json:"skipVerify,omitempty"`
	ServerName string `json:"serverName,omitempty"`
}

// GatewaySettings describes an RD Gateway in front of the target.
type GatewaySettings struct {
	Enabled bool   `json:"enabled,omitempty"`
	Host    string `json:"host,omitempty"`
	Port    int    `json:"port,omitempty"`
}

// RDPSettings holds RDP-specific connection preferences.
type RDPSettings struct {
	NLA            NLAMode         `json:"nla,omitempty"`
	CredSSPVersion int             `json:"credsspVersion,omitempty"`
	Gateway        GatewaySettings `json:"gateway,omitempty"`
}

// HTTPCheck is the request issued by the HTTP deep diagnostic.
type HTTPCheck struct {
	Method         string `json:"method,omitempty"`
	Path           string `json:"path,omitempty"`
	ExpectedStatus int    `json:"expectedStatus,omitempty"`
}

// WithDefaults fills in GET / when unset.
func (h HTTPCheck) WithDefaults() HTTPCheck {
	if h.Method == "" {
		h.Method = "GET"
	}
	if h.Path == "" {
		h.Path = "/"
	}
	if !strings.HasPrefix(h.Path, "/") {
		h.Path = "/" + h.Path
	}
	return h
}

// StatusAccepted reports whether code satisfies the check. Without an
// expected status any 2xx or 3xx is accepted.
func (h HTTPCheck) StatusAccepted(code int) bool {
	if h.ExpectedStatus != 0 {
		return code == h.ExpectedStatus
	}
	return code >= 200 && code < 400
}

// ProxyHop is one element of a tunnel chain.
type ProxyHop struct {
	Type string `json:"type"`
	Host string `json:"host"`
	Port int    `json:"port"`
}

// TunnelSettings describes the proxy/VPN chain traffic is expected to use.
type TunnelSettings struct {
	Chain          []ProxyHop `json:"chain,omitempty"`
	ExpectedExitIP string     `json:"expectedExitIp,omitempty"`
}

// Active reports whether a tunnel chain is configured.
func (t TunnelSettings) Active() bool {
	return len(t.Chain) > 0 || t.ExpectedExitIP != ""
}

// ExitIP returns the address traffic should appear to come from.
func (t TunnelSettings) ExitIP() string {
	if t.ExpectedExitIP != "" {
		return t.ExpectedExitIP
	}
	if n := len(t.Chain); n > 0 {
		return t.Chain[n-1].Host
	}
	return ""
}

// Target is an immutable description of the endpoint under test.
type Target struct {
	Hostname    string         `json:"hostname"`
	Port        int            `json:"port,omitempty"`
	Protocol    Protocol       `json:"protocol"`
	Credentials Credentials    `json:"credentials,omitempty"`
	TLS         TLSSettings    `json:"tls,omitempty"`
	RDP         RDPSettings    `json:"rdp,omitempty"`
	HTTP        HTTPCheck      `json:"http,omitempty"`
	Tunnel      TunnelSettings `json:"tunnel,omitempty"`
}

var (
	ErrEmptyHostname = errors.New("hostname cannot be empty")
	ErrInvalidPort   = errors.New("port out of range")
)

// New returns a target for host using the protocol's default port.
func New(host string, protocol Protocol) Target {
	return Target{Hostname: host, Protocol: protocol}
}

// EffectivePort returns Port, or the protocol default when Port is zero.
func (t Target) EffectivePort() int {
	if t.Port != 0 {
		return t.Port
	}
	return t.Protocol.DefaultPort()
}

// Address returns host:port suitable for net.Dial.
func (t Target) Address() string {
	return net.JoinHostPort(t.Host(), strconv.Itoa(t.EffectivePort()))
}

// Host returns the hostname without surrounding brackets.
func (t Target) Host() string {
	return strings.TrimSuffix(strings.TrimPrefix(strings.TrimSpace(t.Hostname), "["), "]")
}

// IsIPLiteral reports whether the hostname is an IP address.
func (t Target) IsIPLiteral() bool {
	return net.ParseIP(t.Host()) != nil
}

// Validate checks the target is dialable.
func (t Target) Validate() error {
	if t.Host() == "" {
		return ErrEmptyHostname
	}
	if p := t.EffectivePort(); p < 1 || p > 65535 {
		return fmt.Errorf("%w: %d", ErrInvalidPort, p)
	}
	if t.Protocol != "" && !t.Protocol.Valid() {
		return fmt.Errorf("unknown protocol %q", t.Protocol)
	}
	return nil
}
