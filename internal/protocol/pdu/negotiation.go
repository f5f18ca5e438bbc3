package pdu

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"strings"
)

// NegotiationType represents the type field in RDP negotiation structures (MS-RDPBCGR 2.2.1.1).
type NegotiationType uint8

const (
	// NegotiationTypeRequest TYPE_RDP_NEG_REQ
	NegotiationTypeRequest NegotiationType = 0x01

	// NegotiationTypeResponse TYPE_RDP_NEG_RSP
	NegotiationTypeResponse NegotiationType = 0x02

	// NegotiationTypeFailure TYPE_RDP_NEG_FAILURE
	NegotiationTypeFailure NegotiationType = 0x03

	negotiationLen = uint16(8)
)

func (t NegotiationType) IsRequest() bool  { return t == NegotiationTypeRequest }
func (t NegotiationType) IsResponse() bool { return t == NegotiationTypeResponse }
func (t NegotiationType) IsFailure() bool  { return t == NegotiationTypeFailure }

// NegotiationRequestFlag Protocol flags.
type NegotiationRequestFlag uint8

const (
	// NegReqFlagRestrictedAdminModeRequired RESTRICTED_ADMIN_MODE_REQUIRED
	NegReqFlagRestrictedAdminModeRequired NegotiationRequestFlag = 0x01

	// NegReqFlagRedirectedAuthenticationModeRequired REDIRECTED_AUTHENTICATION_MODE_REQUIRED
	NegReqFlagRedirectedAuthenticationModeRequired NegotiationRequestFlag = 0x02

	// NegReqFlagCorrelationInfoPresent CORRELATION_INFO_PRESENT
	NegReqFlagCorrelationInfoPresent NegotiationRequestFlag = 0x08
)

func (f NegotiationRequestFlag) IsCorrelationInfoPresent() bool {
	return f&NegReqFlagCorrelationInfoPresent == NegReqFlagCorrelationInfoPresent
}

// NegotiationProtocol is a bitmask of security protocols.
type NegotiationProtocol uint32

const (
	// NegotiationProtocolRDP PROTOCOL_RDP
	NegotiationProtocolRDP NegotiationProtocol = 0x00000000

	// NegotiationProtocolSSL PROTOCOL_SSL
	NegotiationProtocolSSL NegotiationProtocol = 0x00000001

	// NegotiationProtocolHybrid PROTOCOL_HYBRID
	NegotiationProtocolHybrid NegotiationProtocol = 0x00000002

	// NegotiationProtocolRDSTLS PROTOCOL_RDSTLS
	NegotiationProtocolRDSTLS NegotiationProtocol = 0x00000004

	// NegotiationProtocolHybridEx PROTOCOL_HYBRID_EX
	NegotiationProtocolHybridEx NegotiationProtocol = 0x00000008
)

func (p NegotiationProtocol) IsRDP() bool      { return p == NegotiationProtocolRDP }
func (p NegotiationProtocol) IsSSL() bool      { return p == NegotiationProtocolSSL }
func (p NegotiationProtocol) IsHybrid() bool   { return p == NegotiationProtocolHybrid }
func (p NegotiationProtocol) IsRDSTLS() bool   { return p == NegotiationProtocolRDSTLS }
func (p NegotiationProtocol) IsHybridEx() bool { return p == NegotiationProtocolHybridEx }

// UsesTLS reports whether the selected protocol runs over a TLS channel.
func (p NegotiationProtocol) UsesTLS() bool {
	return p != NegotiationProtocolRDP
}

// UsesCredSSP reports whether the selected protocol performs NLA.
func (p NegotiationProtocol) UsesCredSSP() bool {
	return p.IsHybrid() || p.IsHybridEx()
}

var protocolNames = []struct {
	p    NegotiationProtocol
	name string
}{
	{NegotiationProtocolSSL, "PROTOCOL_SSL"},
	{NegotiationProtocolHybrid, "PROTOCOL_HYBRID"},
	{NegotiationProtocolRDSTLS, "PROTOCOL_RDSTLS"},
	{NegotiationProtocolHybridEx, "PROTOCOL_HYBRID_EX"},
}

// String names the protocol bits, e.g. "PROTOCOL_SSL|PROTOCOL_HYBRID".
func (p NegotiationProtocol) String() string {
	if p == NegotiationProtocolRDP {
		return "PROTOCOL_RDP"
	}
	var names []string
	for _, pn := range protocolNames {
		if p&pn.p != 0 {
			names = append(names, pn.name)
		}
	}
	return strings.Join(names, "|")
}

// NegotiationRequest RDP Negotiation Request (RDP_NEG_REQ).
type NegotiationRequest struct {
	Flags              NegotiationRequestFlag
	RequestedProtocols NegotiationProtocol
}

// Serialize encodes the negotiation request to wire format.
func (r NegotiationRequest) Serialize() []byte {
	buf := bytes.NewBuffer(make([]byte, 0, negotiationLen))

	buf.Write([]byte{
		byte(NegotiationTypeRequest),
		byte(r.Flags),
	})
	_ = binary.Write(buf, binary.LittleEndian, negotiationLen)
	_ = binary.Write(buf, binary.LittleEndian, r.RequestedProtocols)

	return buf.Bytes()
}

// ErrInvalidCorrelationID indicates a correlation ID that violates MS-RDPBCGR 2.2.1.1.2.
var ErrInvalidCorrelationID = errors.New("invalid correlationId")

// ErrUnexpectedNegotiationType is returned when a connection confirm carries
// neither RDP_NEG_RSP nor RDP_NEG_FAILURE.
var ErrUnexpectedNegotiationType = errors.New("unexpected negotiation type")

// CorrelationInfo RDP Correlation Info (RDP_NEG_CORRELATION_INFO).
type CorrelationInfo struct {
	correlationID []byte
}

// SetCorrelationID validates and stores a 16 byte correlation ID.
func (i *CorrelationInfo) SetCorrelationID(correlationID []byte) error {
	if len(correlationID) != 16 {
		return ErrInvalidCorrelationID
	}

	// first byte SHOULD NOT be 0x00 or 0xF4
	if correlationID[0] == 0x00 || correlationID[0] == 0xF4 {
		return ErrInvalidCorrelationID
	}

	for _, b := range correlationID {
		if b == 0x0D {
			return ErrInvalidCorrelationID
		}
	}

	i.correlationID = append([]byte(nil), correlationID...)
	return nil
}

// Serialize encodes the correlation info to wire format.
func (i CorrelationInfo) Serialize() []byte {
	const corrInfoLen = uint16(36)

	buf := bytes.NewBuffer(make([]byte, 0, corrInfoLen))

	buf.Write([]byte{
		0x06, // TYPE_RDP_CORRELATION_INFO
		0x00,
	})
	_ = binary.Write(buf, binary.LittleEndian, corrInfoLen)

	if i.correlationID == nil {
		buf.Write(make([]byte, 16))
	} else {
		buf.Write(i.correlationID)
	}

	// reserved
	buf.Write(make([]byte, 16))

	return buf.Bytes()
}

// NegotiationResponseFlag RDP Negotiation Response flags
type NegotiationResponseFlag uint8

const (
	// NegotiationResponseFlagECDBSupported EXTENDED_CLIENT_DATA_SUPPORTED
	NegotiationResponseFlagECDBSupported NegotiationResponseFlag = 0x01

	// NegotiationResponseFlagGFXSupported DYNVC_GFX_PROTOCOL_SUPPORTED
	NegotiationResponseFlagGFXSupported NegotiationResponseFlag = 0x02

	// NegotiationResponseFlagAdminModeSupported RESTRICTED_ADMIN_MODE_SUPPORTED
	NegotiationResponseFlagAdminModeSupported NegotiationResponseFlag = 0x08

	// NegotiationResponseFlagAuthModeSupported REDIRECTED_AUTHENTICATION_MODE_SUPPORTED
	NegotiationResponseFlagAuthModeSupported NegotiationResponseFlag = 0x10
)

var responseFlagNames = []struct {
	f    NegotiationResponseFlag
	name string
}{
	{NegotiationResponseFlagECDBSupported, "EXTENDED_CLIENT_DATA_SUPPORTED"},
	{NegotiationResponseFlagGFXSupported, "DYNVC_GFX_PROTOCOL_SUPPORTED"},
	{NegotiationResponseFlagAdminModeSupported, "RESTRICTED_ADMIN_MODE_SUPPORTED"},
	{NegotiationResponseFlagAuthModeSupported, "REDIRECTED_AUTHENTICATION_MODE_SUPPORTED"},
}

// String lists every feature advertised by the server.
func (f NegotiationResponseFlag) String() string {
	var features []string
	for _, fn := range responseFlagNames {
		if f&fn.f == fn.f {
			features = append(features, fn.name)
		}
	}
	return strings.Join(features, ", ")
}

// NegotiationFailureCode RDP Negotiation Failure failureCode
type NegotiationFailureCode uint32

const (
	// NegotiationFailureCodeSSLRequired SSL_REQUIRED_BY_SERVER
	NegotiationFailureCodeSSLRequired NegotiationFailureCode = 0x00000001

	// NegotiationFailureCodeSSLNotAllowed SSL_NOT_ALLOWED_BY_SERVER
	NegotiationFailureCodeSSLNotAllowed NegotiationFailureCode = 0x00000002

	// NegotiationFailureCodeSSLCertNotOnServer SSL_CERT_NOT_ON_SERVER
	NegotiationFailureCodeSSLCertNotOnServer NegotiationFailureCode = 0x00000003

	// NegotiationFailureCodeInconsistentFlags INCONSISTENT_FLAGS
	NegotiationFailureCodeInconsistentFlags NegotiationFailureCode = 0x00000004

	// NegotiationFailureCodeHybridRequired HYBRID_REQUIRED_BY_SERVER
	NegotiationFailureCodeHybridRequired NegotiationFailureCode = 0x00000005

	// NegotiationFailureCodeSSLWithUserAuthRequired SSL_WITH_USER_AUTH_REQUIRED_BY_SERVER
	NegotiationFailureCodeSSLWithUserAuthRequired NegotiationFailureCode = 0x00000006
)

// NegotiationFailureCodeMap maps failure codes to their protocol names.
var NegotiationFailureCodeMap = map[NegotiationFailureCode]string{
	NegotiationFailureCodeSSLRequired:             "SSL_REQUIRED_BY_SERVER",
	NegotiationFailureCodeSSLNotAllowed:           "SSL_NOT_ALLOWED_BY_SERVER",
	NegotiationFailureCodeSSLCertNotOnServer:      "SSL_CERT_NOT_ON_SERVER",
	NegotiationFailureCodeInconsistentFlags:       "INCONSISTENT_FLAGS",
	NegotiationFailureCodeHybridRequired:          "HYBRID_REQUIRED_BY_SERVER",
	NegotiationFailureCodeSSLWithUserAuthRequired: "SSL_WITH_USER_AUTH_REQUIRED_BY_SERVER",
}

var negotiationFailureDescriptions = map[NegotiationFailureCode]string{
	NegotiationFailureCodeSSLRequired:             "server only accepts TLS security",
	NegotiationFailureCodeSSLNotAllowed:           "server does not allow TLS security",
	NegotiationFailureCodeSSLCertNotOnServer:      "server has no TLS key pair configured",
	NegotiationFailureCodeInconsistentFlags:       "server rejected inconsistent protocol flags",
	NegotiationFailureCodeHybridRequired:          "server requires Network Level Authentication",
	NegotiationFailureCodeSSLWithUserAuthRequired: "server requires TLS with user authentication",
}

// String returns the protocol name of the failure code.
func (c NegotiationFailureCode) String() string {
	if name, ok := NegotiationFailureCodeMap[c]; ok {
		return name
	}
	return "UNKNOWN_FAILURE_CODE"
}

// Description explains the failure code in plain words.
func (c NegotiationFailureCode) Description() string {
	if d, ok := negotiationFailureDescriptions[c]; ok {
		return d
	}
	return "server rejected the requested security protocols"
}

// ClientConnectionRequest Client X.224 Connection Request PDU
type ClientConnectionRequest struct {
	RoutingToken       string // one of RoutingToken or Cookie ending CR+LF
	Cookie             string
	NegotiationRequest NegotiationRequest
	CorrelationInfo    CorrelationInfo
}

// Serialize encodes the connection request to wire format.
func (pdu *ClientConnectionRequest) Serialize() []byte {
	const (
		CRLF         = "\r\n"
		cookieHeader = "Cookie: mstshash="
	)

	buf := new(bytes.Buffer)

	if pdu.RoutingToken != "" {
		buf.WriteString(strings.Trim(pdu.RoutingToken, CRLF) + CRLF)
	} else if pdu.Cookie != "" {
		buf.WriteString(cookieHeader + strings.Trim(pdu.Cookie, CRLF) + CRLF)
	}

	buf.Write(pdu.NegotiationRequest.Serialize())

	if pdu.NegotiationRequest.Flags.IsCorrelationInfoPresent() {
		buf.Write(pdu.CorrelationInfo.Serialize())
	}

	return buf.Bytes()
}

// ServerConnectionConfirm represents the negotiation part of the Server
// X.224 Connection Confirm PDU (MS-RDPBCGR 2.2.1.2). Legacy servers omit
// it entirely, which leaves Present false and implies standard RDP security.
type ServerConnectionConfirm struct {
	Present bool
	Type    NegotiationType
	Flags   NegotiationResponseFlag
	length  uint16
	data    uint32 // selectedProtocol or failureCode
}

// SelectedProtocol returns the selected security protocol from the response.
func (pdu *ServerConnectionConfirm) SelectedProtocol() NegotiationProtocol {
	return NegotiationProtocol(pdu.data)
}

// FailureCode returns the failure code if the negotiation failed.
func (pdu *ServerConnectionConfirm) FailureCode() NegotiationFailureCode {
	return NegotiationFailureCode(pdu.data)
}

// Deserialize decodes the negotiation response or failure.
func (pdu *ServerConnectionConfirm) Deserialize(wire io.Reader) error {
	err := binary.Read(wire, binary.LittleEndian, &pdu.Type)
	if errors.Is(err, io.EOF) {
		pdu.Present = false
		return nil
	}
	if err != nil {
		return err
	}
	pdu.Present = true
	if !pdu.Type.IsResponse() && !pdu.Type.IsFailure() {
		return fmt.Errorf("%w: 0x%02x", ErrUnexpectedNegotiationType, uint8(pdu.Type))
	}

	if err = binary.Read(wire, binary.LittleEndian, &pdu.Flags); err != nil {
		return err
	}

	if err = binary.Read(wire, binary.LittleEndian, &pdu.length); err != nil {
		return err
	}

	return binary.Read(wire, binary.LittleEndian, &pdu.data)
}
