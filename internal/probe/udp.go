package probe

import (
	"context"
	"encoding/binary"
	"errors"
	"math/rand"
	"syscall"
	"time"

	"github.com/miekg/dns"

	"github.com/rcarmo/rdp-netdiag/internal/target"
)

var udpServicePorts = map[int]string{
	53:    "dns",
	67:    "dhcp",
	68:    "dhcp",
	69:    "tftp",
	123:   "ntp",
	161:   "snmp",
	162:   "snmp",
	500:   "ike",
	514:   "syslog",
	1194:  "openvpn",
	1900:  "ssdp",
	3389:  "rdp",
	4500:  "ipsec-nat-t",
	5353:  "mdns",
	51820: "wireguard",
}

var udpProtocols = map[target.Protocol]bool{
	target.ProtocolDNS:  true,
	target.ProtocolNTP:  true,
	target.ProtocolSNMP: true,
	target.ProtocolTFTP: true,
	target.ProtocolDHCP: true,
}

// ShouldProbeUDP reports whether a UDP probe applies to port or protocol.
func ShouldProbeUDP(port int, protocol target.Protocol) bool {
	if udpProtocols[protocol] {
		return true
	}
	_, ok := udpServicePorts[port]
	return ok
}

// ProbeUDP sends a service-specific datagram and waits for a reply. Silence
// is reported as open|filtered, an ICMP port unreachable as closed.
func (p *Prober) ProbeUDP(ctx context.Context, host string, port int, timeout time.Duration) (res UDPProbeResult) {
	ctx, cancel, _ := within(ctx, timeout, p.opts.Timeouts.UDP)
	defer cancel()

	start := time.Now()
	res = UDPProbeResult{Host: host, Port: port, Service: udpServicePorts[port], State: UDPOpenFiltered}
	defer func() { res.Duration = time.Since(start) }()

	conn, err := p.dial(ctx, "udp", host, port)
	if err != nil {
		res.Error = err.Error()
		return res
	}
	defer conn.Close()

	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}

	if _, err := conn.Write(udpPayload(res.Service)); err != nil {
		return udpFailure(res, err)
	}

	buf := make([]byte, 2048)
	n, err := conn.Read(buf)
	if err != nil {
		return udpFailure(res, err)
	}

	res.State = UDPOpen
	res.ResponseBytes = n
	return res
}

func udpFailure(res UDPProbeResult, err error) UDPProbeResult {
	if errors.Is(err, syscall.ECONNREFUSED) {
		res.State = UDPClosed
		res.Error = "port unreachable"
		return res
	}
	var timeout interface{ Timeout() bool }
	if errors.As(err, &timeout) && timeout.Timeout() {
		res.State = UDPOpenFiltered
		return res
	}
	res.Error = err.Error()
	return res
}

func udpPayload(service string) []byte {
	switch service {
	case "dns":
		msg := new(dns.Msg)
		msg.SetQuestion(".", dns.TypeNS)
		if b, err := msg.Pack(); err == nil {
			return b
		}
	case "ntp":
		b := make([]byte, 48)
		b[0] = 0x1b // LI 0, version 3, client mode
		return b
	case "snmp":
		return snmpGetSysDescr
	case "tftp":
		return append(append([]byte{0x00, 0x01}, "netdiag-probe\x00"...), "octet\x00"...)
	case "dhcp":
		return dhcpDiscover()
	}
	return []byte{}
}

// SNMPv2c get-request for sysDescr.0 with community "public".
var snmpGetSysDescr = []byte{
	0x30, 0x29,
	0x02, 0x01, 0x01,
	0x04, 0x06, 'p', 'u', 'b', 'l', 'i', 'c',
	0xa0, 0x1c,
	0x02, 0x04, 0x00, 0x00, 0x00, 0x01,
	0x02, 0x01, 0x00,
	0x02, 0x01, 0x00,
	0x30, 0x0e,
	0x30, 0x0c,
	0x06, 0x08, 0x2b, 0x06, 0x01, 0x02, 0x01, 0x01, 0x01, 0x00,
	0x05, 0x00,
}

func dhcpDiscover() []byte {
	b := make([]byte, 244)
	b[0] = 0x01 // BOOTREQUEST
	b[1] = 0x01 // ethernet
	b[2] = 0x06
	binary.BigEndian.PutUint32(b[4:8], rand.Uint32())
	binary.BigEndian.PutUint16(b[10:12], 0x8000) // broadcast
	copy(b[28:34], []byte{0x02, 0x00, 0x5e, 0x10, 0x00, 0x01})
	copy(b[236:240], []byte{0x63, 0x82, 0x53, 0x63})
	copy(b[240:244], []byte{53, 1, 1, 0xff})
	return b
}
