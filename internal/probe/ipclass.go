package probe

import (
	"net"
	"strings"
)

func mustCIDR(s string) *net.IPNet {
	_, n, err := net.ParseCIDR(s)
	if err != nil {
		panic(err)
	}
	return n
}

var (
	sharedRange        = mustCIDR("100.64.0.0/10")
	documentationRange = []*net.IPNet{
		mustCIDR("192.0.2.0/24"),
		mustCIDR("198.51.100.0/24"),
		mustCIDR("203.0.113.0/24"),
		mustCIDR("2001:db8::/32"),
	}
)

// ClassifyIP places host in its address range. Hostnames are invalid.
func ClassifyIP(host string) IPClassification {
	c := IPClassification{Input: host, Class: ClassInvalid, Description: "not an IP address"}

	ip := net.ParseIP(trimBrackets(strings.TrimSpace(host)))
	if ip == nil {
		return c
	}

	c.Valid = true
	c.IP = ip.String()
	c.Version = 6
	if ip.To4() != nil {
		c.Version = 4
	}

	switch {
	case ip.IsUnspecified():
		c.Class, c.Description = ClassUnspecified, "unspecified address"
	case ip.IsLoopback():
		c.Class, c.Description = ClassLoopback, "loopback address on this machine"
	case ip.IsLinkLocalUnicast():
		c.Class, c.Description = ClassLinkLocal, "link-local address, valid on the local segment only"
	case ip.IsMulticast():
		c.Class, c.Description = ClassMulticast, "multicast group address"
	case sharedRange.Contains(ip):
		c.Class, c.Description = ClassShared, "carrier-grade NAT shared address space"
	case inAny(documentationRange, ip):
		c.Class, c.Description = ClassDocumentation, "documentation range, not routable"
	case ip.IsPrivate():
		c.Class, c.Description = ClassPrivate, "private network address"
	default:
		c.Class, c.Description = ClassPublic, "public internet address"
		c.Public = true
	}
	return c
}

func inAny(nets []*net.IPNet, ip net.IP) bool {
	for _, n := range nets {
		if n.Contains(ip) {
			return true
		}
	}
	return false
}
