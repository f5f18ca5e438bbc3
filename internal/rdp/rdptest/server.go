// Package rdptest provides a scripted RDP security-layer server for tests,
// in the spirit of net/http/httptest.
package rdptest

import (
	"bytes"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/binary"
	"io"
	"math/big"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/rcarmo/rdp-netdiag/internal/auth"
	"github.com/rcarmo/rdp-netdiag/internal/protocol/pdu"
	"github.com/rcarmo/rdp-netdiag/internal/protocol/tpkt"
)

// Behavior scripts how the server answers each connection.
type Behavior struct {
	// Silent accepts the connection and never answers.
	Silent bool
	// Legacy answers with a connection confirm without negotiation data.
	Legacy bool
	// Failure answers with RDP_NEG_FAILURE when non-zero.
	Failure pdu.NegotiationFailureCode
	// Select picks the protocol from the requested set. Nil prefers
	// HYBRID, then SSL, then standard RDP.
	Select func(requested pdu.NegotiationProtocol) pdu.NegotiationProtocol
	Flags  pdu.NegotiationResponseFlag
	// NLAErrorCode is returned in the first TSRequest when non-zero.
	NLAErrorCode uint32
	// CloseAfterSecurity drops the connection once the security phase is over.
	CloseAfterSecurity bool
}

// Server is a loopback listener speaking Behavior.
type Server struct {
	Addr string

	ln       net.Listener
	behavior Behavior
	tlsCfg   *tls.Config

	mu        sync.Mutex
	requested []pdu.NegotiationProtocol
	cookies   []string
	conns     map[net.Conn]struct{}
	wg        sync.WaitGroup
}

// NewServer starts a server on 127.0.0.1. It panics when no listener can
// be opened.
func NewServer(b Behavior) *Server {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		panic("rdptest: listen: " + err.Error())
	}

	cert, err := selfSigned()
	if err != nil {
		panic("rdptest: certificate: " + err.Error())
	}

	s := &Server{
		Addr:     ln.Addr().String(),
		ln:       ln,
		behavior: b,
		tlsCfg:   &tls.Config{Certificates: []tls.Certificate{cert}, MinVersion: tls.VersionTLS10},
		conns:    make(map[net.Conn]struct{}),
	}

	s.wg.Add(1)
	go s.serve()
	return s
}

// Host returns the listener IP.
func (s *Server) Host() string {
	host, _, _ := net.SplitHostPort(s.Addr)
	return host
}

// Port returns the listener port.
func (s *Server) Port() int {
	_, port, _ := net.SplitHostPort(s.Addr)
	p, _ := strconv.Atoi(port)
	return p
}

// Requested lists the protocols requested by each client, in order.
func (s *Server) Requested() []pdu.NegotiationProtocol {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]pdu.NegotiationProtocol(nil), s.requested...)
}

// Cookies lists the mstshash cookies received.
func (s *Server) Cookies() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.cookies...)
}

// Close stops the listener, drops open connections and waits for handlers.
func (s *Server) Close() {
	_ = s.ln.Close()
	s.mu.Lock()
	for conn := range s.conns {
		_ = conn.Close()
	}
	s.mu.Unlock()
	s.wg.Wait()
}

func (s *Server) serve() {
	defer s.wg.Done()
	for {
		conn, err := s.ln.Accept()
		if err != nil {
			return
		}
		s.mu.Lock()
		s.conns[conn] = struct{}{}
		s.mu.Unlock()

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			defer func() {
				_ = conn.Close()
				s.mu.Lock()
				delete(s.conns, conn)
				s.mu.Unlock()
			}()
			s.handle(conn)
		}()
	}
}

func (s *Server) handle(conn net.Conn) {
	_ = conn.SetDeadline(time.Now().Add(10 * time.Second))

	if s.behavior.Silent {
		_, _ = io.Copy(io.Discard, conn)
		return
	}

	layer := tpkt.New(conn)
	wire, err := layer.Receive()
	if err != nil {
		return
	}
	payload, _ := io.ReadAll(wire)
	requested, cookie := parseRequest(payload)

	s.mu.Lock()
	s.requested = append(s.requested, requested)
	if cookie != "" {
		s.cookies = append(s.cookies, cookie)
	}
	s.mu.Unlock()

	b := s.behavior
	switch {
	case b.Legacy:
		_ = layer.Send(confirm(nil))
		s.hold(conn)
		return
	case b.Failure != 0:
		_ = layer.Send(confirm(negotiation(0x03, 0, uint32(b.Failure))))
		return
	}

	selected := s.selectProtocol(requested)
	if err = layer.Send(confirm(negotiation(0x02, byte(b.Flags), uint32(selected)))); err != nil {
		return
	}

	if selected == pdu.NegotiationProtocolRDP {
		s.hold(conn)
		return
	}

	tlsConn := tls.Server(conn, s.tlsCfg)
	if err = tlsConn.Handshake(); err != nil {
		return
	}

	if selected&(pdu.NegotiationProtocolHybrid|pdu.NegotiationProtocolHybridEx) != 0 {
		if _, err = auth.ReadTSRequest(tlsConn); err != nil {
			return
		}
		if b.NLAErrorCode != 0 {
			resp := &auth.TSRequest{Version: 6, ErrorCode: b.NLAErrorCode}
			data, _ := resp.Marshal()
			_, _ = tlsConn.Write(data)
		}
		// no NTLM acceptor: the exchange ends here
		return
	}

	s.hold(tlsConn)
}

func (s *Server) hold(conn net.Conn) {
	if s.behavior.CloseAfterSecurity {
		return
	}
	_, _ = io.Copy(io.Discard, conn)
}

func (s *Server) selectProtocol(requested pdu.NegotiationProtocol) pdu.NegotiationProtocol {
	if s.behavior.Select != nil {
		return s.behavior.Select(requested)
	}
	switch {
	case requested&pdu.NegotiationProtocolHybrid != 0:
		return pdu.NegotiationProtocolHybrid
	case requested&pdu.NegotiationProtocolSSL != 0:
		return pdu.NegotiationProtocolSSL
	default:
		return pdu.NegotiationProtocolRDP
	}
}

// parseRequest extracts the requested protocols and cookie from a CR TPDU.
func parseRequest(payload []byte) (pdu.NegotiationProtocol, string) {
	const crHeaderLen = 7
	if len(payload) < crHeaderLen {
		return 0, ""
	}
	data := payload[crHeaderLen:]

	var cookie string
	if idx := bytes.Index(data, []byte("\r\n")); idx >= 0 && bytes.HasPrefix(data, []byte("Cookie: mstshash=")) {
		cookie = string(data[len("Cookie: mstshash="):idx])
		data = data[idx+2:]
	}

	if len(data) < 8 || !pdu.NegotiationType(data[0]).IsRequest() {
		return 0, cookie
	}
	return pdu.NegotiationProtocol(binary.LittleEndian.Uint32(data[4:8])), cookie
}

func negotiation(typ, flags byte, value uint32) []byte {
	b := make([]byte, 8)
	b[0] = typ
	b[1] = flags
	binary.LittleEndian.PutUint16(b[2:], 8)
	binary.LittleEndian.PutUint32(b[4:], value)
	return b
}

// confirm builds a CC TPDU carrying neg.
func confirm(neg []byte) []byte {
	out := []byte{byte(6 + len(neg)), 0xD0, 0x00, 0x00, 0x12, 0x34, 0x00}
	return append(out, neg...)
}

func selfSigned() (tls.Certificate, error) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return tls.Certificate{}, err
	}

	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(time.Now().UnixNano()),
		Subject:      pkix.Name{CommonName: "rdptest"},
		DNSNames:     []string{"localhost"},
		IPAddresses:  []net.IP{net.ParseIP("127.0.0.1")},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(24 * time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
	}

	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	if err != nil {
		return tls.Certificate{}, err
	}

	return tls.Certificate{Certificate: [][]byte{der}, PrivateKey: key}, nil
}
