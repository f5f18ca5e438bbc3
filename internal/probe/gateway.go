package probe

import (
	"bufio"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"net"
	"os"
	"strconv"
	"strings"
)

// ErrGatewayUnknown means the default route could not be determined.
var ErrGatewayUnknown = errors.New("default gateway unknown")

const routeFlagGateway = 0x2

// DefaultGateway reads the IPv4 default route from the kernel routing table.
// Only Linux exposes one; elsewhere ErrGatewayUnknown is returned.
func (p *Prober) DefaultGateway() (net.IP, error) {
	f, err := os.Open(p.opts.RouteFile)
	if err != nil {
		return nil, ErrGatewayUnknown
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Scan() // header
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) < 4 || fields[1] != "00000000" {
			continue
		}
		flags, err := strconv.ParseUint(fields[3], 16, 32)
		if err != nil || flags&routeFlagGateway == 0 {
			continue
		}
		raw, err := hex.DecodeString(fields[2])
		if err != nil || len(raw) != 4 {
			continue
		}
		ip := make(net.IP, 4)
		binary.LittleEndian.PutUint32(ip, binary.BigEndian.Uint32(raw))
		return ip, nil
	}
	return nil, ErrGatewayUnknown
}
