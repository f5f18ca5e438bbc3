package probe

import "time"

// PingResult is one echo round trip.
type PingResult struct {
	Host     string        `json:"host"`
	IP       string        `json:"ip,omitempty"`
	Seq      int           `json:"seq"`
	Success  bool          `json:"success"`
	RTT      time.Duration `json:"rtt"`
	TTL      int           `json:"ttl,omitempty"`
	Method   string        `json:"method"`
	Duration time.Duration `json:"duration"`
	Error    string        `json:"error,omitempty"`
}

// DNSResult is a forward lookup plus best-effort reverse names.
type DNSResult struct {
	Host         string        `json:"host"`
	IsLiteral    bool          `json:"isLiteral"`
	Success      bool          `json:"success"`
	Addresses    []string      `json:"addresses,omitempty"`
	ReverseNames []string      `json:"reverseNames,omitempty"`
	Resolver     string        `json:"resolver,omitempty"`
	Duration     time.Duration `json:"duration"`
	Error        string        `json:"error,omitempty"`
}

// FirstAddress returns the first resolved address, or "".
func (r *DNSResult) FirstAddress() string {
	if r == nil || len(r.Addresses) == 0 {
		return ""
	}
	return r.Addresses[0]
}

// PortCheckResult is a single TCP connect.
type PortCheckResult struct {
	Host     string        `json:"host"`
	Port     int           `json:"port"`
	Open     bool          `json:"open"`
	Banner   string        `json:"banner,omitempty"`
	Duration time.Duration `json:"duration"`
	Error    string        `json:"error,omitempty"`
}

// TCPTimingResult aggregates several connect timings.
type TCPTimingResult struct {
	Host     string          `json:"host"`
	Port     int             `json:"port"`
	Success  bool            `json:"success"`
	Attempts int             `json:"attempts"`
	Failures int             `json:"failures"`
	Samples  []time.Duration `json:"samples,omitempty"`
	Min      time.Duration   `json:"min"`
	Avg      time.Duration   `json:"avg"`
	Max      time.Duration   `json:"max"`
	Duration time.Duration   `json:"duration"`
	Error    string          `json:"error,omitempty"`
}

// ICMPBlockadeResult compares ICMP and TCP reachability.
type ICMPBlockadeResult struct {
	Host          string        `json:"host"`
	Port          int           `json:"port"`
	ICMPReachable bool          `json:"icmpReachable"`
	TCPReachable  bool          `json:"tcpReachable"`
	// PortRefused means the connection was reset: the host is up but
	// nothing listens on the port.
	PortRefused   bool          `json:"portRefused"`
	ICMPBlocked   bool          `json:"icmpBlocked"`
	Diagnosis     string        `json:"diagnosis"`
	Duration      time.Duration `json:"duration"`
	Error         string        `json:"error,omitempty"`
}

// Success reports whether the host answered on at least one path.
func (r ICMPBlockadeResult) Success() bool {
	return r.ICMPReachable || r.TCPReachable || r.PortRefused
}

// FingerprintResult identifies the service listening on a port.
type FingerprintResult struct {
	Host       string        `json:"host"`
	Port       int           `json:"port"`
	Success    bool          `json:"success"`
	Service    string        `json:"service,omitempty"`
	Version    string        `json:"version,omitempty"`
	Banner     string        `json:"banner,omitempty"`
	Confidence string        `json:"confidence"`
	Duration   time.Duration `json:"duration"`
	Error      string        `json:"error,omitempty"`
}

// TLSCheckResult describes a TLS handshake and the leaf certificate.
type TLSCheckResult struct {
	Host              string        `json:"host"`
	Port              int           `json:"port"`
	ServerName        string        `json:"serverName,omitempty"`
	Success           bool          `json:"success"`
	Version           string        `json:"version,omitempty"`
	CipherSuite       string        `json:"cipherSuite,omitempty"`
	Subject           string        `json:"subject,omitempty"`
	Issuer            string        `json:"issuer,omitempty"`
	NotBefore         time.Time     `json:"notBefore,omitempty"`
	NotAfter          time.Time     `json:"notAfter,omitempty"`
	DaysToExpiry      int           `json:"daysToExpiry"`
	Expired           bool          `json:"expired"`
	SelfSigned        bool          `json:"selfSigned"`
	ChainValid        bool          `json:"chainValid"`
	HostnameValid     bool          `json:"hostnameValid"`
	VerifyError       string        `json:"verifyError,omitempty"`
	HandshakeDuration time.Duration `json:"handshakeDuration"`
	Duration          time.Duration `json:"duration"`
	Error             string        `json:"error,omitempty"`
}

// CertificateValid reports whether the chain and hostname both verified.
func (r TLSCheckResult) CertificateValid() bool {
	return r.ChainValid && r.HostnameValid && !r.Expired
}

// MTUResult is the outcome of path MTU discovery.
type MTUResult struct {
	Host               string        `json:"host"`
	Success            bool          `json:"success"`
	PathMTU            int           `json:"pathMtu,omitempty"`
	MaxPayload         int           `json:"maxPayload,omitempty"`
	FragmentationIssue bool          `json:"fragmentationIssue"`
	Probes             int           `json:"probes"`
	Duration           time.Duration `json:"duration"`
	Error              string        `json:"error,omitempty"`
}

// Hop is one traceroute line.
type Hop struct {
	TTL     int           `json:"ttl"`
	IP      string        `json:"ip,omitempty"`
	RTT     time.Duration `json:"rtt,omitempty"`
	Timeout bool          `json:"timeout"`
}

// TracerouteResult is the parsed path to the host.
type TracerouteResult struct {
	Host     string        `json:"host"`
	Success  bool          `json:"success"`
	Reached  bool          `json:"reached"`
	Hops     []Hop         `json:"hops,omitempty"`
	Duration time.Duration `json:"duration"`
	Error    string        `json:"error,omitempty"`
}

// AsymmetricRoutingResult is a heuristic over repeated round trips.
type AsymmetricRoutingResult struct {
	Host          string          `json:"host"`
	Success       bool            `json:"success"`
	Method        string          `json:"method,omitempty"`
	Samples       int             `json:"samples"`
	Successful    int             `json:"successful"`
	RTTs          []time.Duration `json:"rtts,omitempty"`
	Mean          time.Duration   `json:"mean"`
	StdDev        time.Duration   `json:"stdDev"`
	VarianceMs    float64         `json:"varianceMs"`
	TTLs          []int           `json:"ttls,omitempty"`
	TTLConsistent bool            `json:"ttlConsistent"`
	Suspected     bool            `json:"suspected"`
	Confidence    string          `json:"confidence"`
	Notes         []string        `json:"notes,omitempty"`
	Duration      time.Duration   `json:"duration"`
	Error         string          `json:"error,omitempty"`
}

// UDP port states.
const (
	UDPOpen         = "open"
	UDPClosed       = "closed"
	UDPOpenFiltered = "open|filtered"
)

// UDPProbeResult is a single protocol-aware datagram exchange.
type UDPProbeResult struct {
	Host          string        `json:"host"`
	Port          int           `json:"port"`
	Service       string        `json:"service,omitempty"`
	State         string        `json:"state"`
	ResponseBytes int           `json:"responseBytes,omitempty"`
	Duration      time.Duration `json:"duration"`
	Error         string        `json:"error,omitempty"`
}

// Success reports whether the port answered.
func (r UDPProbeResult) Success() bool {
	return r.State == UDPOpen
}

// IP classes.
const (
	ClassPublic        = "public"
	ClassPrivate       = "private"
	ClassLoopback      = "loopback"
	ClassLinkLocal     = "link_local"
	ClassMulticast     = "multicast"
	ClassUnspecified   = "unspecified"
	ClassShared        = "shared"
	ClassDocumentation = "documentation"
	ClassInvalid       = "invalid"
)

// IPClassification places an address in its IANA range.
type IPClassification struct {
	Input       string `json:"input"`
	IP          string `json:"ip,omitempty"`
	Valid       bool   `json:"valid"`
	Version     int    `json:"version,omitempty"`
	Class       string `json:"class"`
	Public      bool   `json:"public"`
	Description string `json:"description"`
}

// IPGeoResult is the location of a public address.
type IPGeoResult struct {
	IP             string           `json:"ip"`
	Success        bool             `json:"success"`
	Classification IPClassification `json:"classification"`
	Source         string           `json:"source,omitempty"`
	Country        string           `json:"country,omitempty"`
	CountryCode    string           `json:"countryCode,omitempty"`
	Region         string           `json:"region,omitempty"`
	City           string           `json:"city,omitempty"`
	Latitude       float64          `json:"latitude,omitempty"`
	Longitude      float64          `json:"longitude,omitempty"`
	ISP            string           `json:"isp,omitempty"`
	Org            string           `json:"org,omitempty"`
	Duration       time.Duration    `json:"duration"`
	Error          string           `json:"error,omitempty"`
}

// LeakResult compares the observed egress with the expected tunnel exit.
type LeakResult struct {
	Checked          bool          `json:"checked"`
	Success          bool          `json:"success"`
	ExpectedExitIP   string        `json:"expectedExitIp,omitempty"`
	EgressIP         string        `json:"egressIp,omitempty"`
	EgressSource     string        `json:"egressSource,omitempty"`
	IPLeak           bool          `json:"ipLeak"`
	ResolverEgressIP string        `json:"resolverEgressIp,omitempty"`
	DNSLeak          bool          `json:"dnsLeak"`
	Notes            []string      `json:"notes,omitempty"`
	Duration         time.Duration `json:"duration"`
	Error            string        `json:"error,omitempty"`
}
