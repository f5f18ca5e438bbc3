package auth

import (
	"bytes"
	"crypto/sha256"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/asn1"
	"errors"
	"fmt"
	"io"
)

// CredSSP protocol versions with distinct behaviour
const (
	CredSSPVersion2 = 2
	CredSSPVersion3 = 3
	CredSSPVersion5 = 5
	CredSSPVersion6 = 6

	// NonceLen is the size of clientNonce for version 5 and above.
	NonceLen = 32

	credTypePassword = 1
	maxTSRequestLen  = 64 * 1024
)

var (
	clientServerHashMagic = []byte("CredSSP Client-To-Server Binding Hash\x00")
	serverClientHashMagic = []byte("CredSSP Server-To-Client Binding Hash\x00")

	ErrTSRequestTooLarge = errors.New("ts request exceeds size limit")
	ErrNotSequence       = errors.New("ts request is not a DER sequence")
)

// TSRequest is the MS-CSSP TSRequest message:
//
//	TSRequest ::= SEQUENCE {
//	   version     [0] INTEGER,
//	   negoTokens  [1] NegoData OPTIONAL,
//	   authInfo    [2] OCTET STRING OPTIONAL,
//	   pubKeyAuth  [3] OCTET STRING OPTIONAL,
//	   errorCode   [4] INTEGER OPTIONAL,
//	   clientNonce [5] OCTET STRING OPTIONAL
//	}
type TSRequest struct {
	Version     int
	NegoTokens  [][]byte
	AuthInfo    []byte
	PubKeyAuth  []byte
	ErrorCode   uint32
	ClientNonce []byte
}

type negoDataItem struct {
	NegoToken []byte `asn1:"explicit,tag:0"`
}

type tsRequestDER struct {
	Version     int            `asn1:"explicit,tag:0"`
	NegoTokens  []negoDataItem `asn1:"optional,omitempty,explicit,tag:1"`
	AuthInfo    []byte         `asn1:"optional,omitempty,explicit,tag:2"`
	PubKeyAuth  []byte         `asn1:"optional,omitempty,explicit,tag:3"`
	ErrorCode   int64          `asn1:"optional,explicit,tag:4,default:0"`
	ClientNonce []byte         `asn1:"optional,omitempty,explicit,tag:5"`
}

// Marshal encodes the request as DER.
func (r *TSRequest) Marshal() ([]byte, error) {
	der := tsRequestDER{
		Version:     r.Version,
		AuthInfo:    r.AuthInfo,
		PubKeyAuth:  r.PubKeyAuth,
		ErrorCode:   int64(int32(r.ErrorCode)),
		ClientNonce: r.ClientNonce,
	}
	for _, tok := range r.NegoTokens {
		der.NegoTokens = append(der.NegoTokens, negoDataItem{NegoToken: tok})
	}
	return asn1.Marshal(der)
}

// ParseTSRequest decodes a DER TSRequest.
func ParseTSRequest(data []byte) (*TSRequest, error) {
	var der tsRequestDER
	if _, err := asn1.Unmarshal(data, &der); err != nil {
		return nil, fmt.Errorf("decode ts request: %w", err)
	}

	req := &TSRequest{
		Version:     der.Version,
		AuthInfo:    der.AuthInfo,
		PubKeyAuth:  der.PubKeyAuth,
		ErrorCode:   uint32(int32(der.ErrorCode)),
		ClientNonce: der.ClientNonce,
	}
	for _, item := range der.NegoTokens {
		req.NegoTokens = append(req.NegoTokens, item.NegoToken)
	}
	return req, nil
}

// ReadTSRequest reads exactly one DER-framed TSRequest from r.
func ReadTSRequest(r io.Reader) ([]byte, error) {
	header := make([]byte, 2)
	if _, err := io.ReadFull(r, header); err != nil {
		return nil, err
	}
	if header[0] != 0x30 {
		return nil, fmt.Errorf("%w: tag 0x%02x", ErrNotSequence, header[0])
	}

	length := int(header[1])
	lenBytes := []byte(nil)
	if header[1]&0x80 != 0 {
		n := int(header[1] & 0x7F)
		if n == 0 || n > 3 {
			return nil, fmt.Errorf("%w: length of length %d", ErrTSRequestTooLarge, n)
		}
		lenBytes = make([]byte, n)
		if _, err := io.ReadFull(r, lenBytes); err != nil {
			return nil, err
		}
		length = 0
		for _, b := range lenBytes {
			length = length<<8 | int(b)
		}
	}
	if length > maxTSRequestLen {
		return nil, fmt.Errorf("%w: %d bytes", ErrTSRequestTooLarge, length)
	}

	body := make([]byte, length)
	if _, err := io.ReadFull(r, body); err != nil {
		return nil, err
	}

	out := bytes.NewBuffer(make([]byte, 0, 2+len(lenBytes)+length))
	out.Write(header)
	out.Write(lenBytes)
	out.Write(body)
	return out.Bytes(), nil
}

type tsCredentials struct {
	CredType    int    `asn1:"explicit,tag:0"`
	Credentials []byte `asn1:"explicit,tag:1"`
}

type tsPasswordCreds struct {
	DomainName []byte `asn1:"explicit,tag:0"`
	UserName   []byte `asn1:"explicit,tag:1"`
	Password   []byte `asn1:"explicit,tag:2"`
}

// EncodeCredentials builds TSCredentials carrying TSPasswordCreds.
func EncodeCredentials(domain, username, password []byte) ([]byte, error) {
	inner, err := asn1.Marshal(tsPasswordCreds{
		DomainName: nonNil(domain),
		UserName:   nonNil(username),
		Password:   nonNil(password),
	})
	if err != nil {
		return nil, fmt.Errorf("encode password creds: %w", err)
	}
	return asn1.Marshal(tsCredentials{CredType: credTypePassword, Credentials: inner})
}

func nonNil(b []byte) []byte {
	if b == nil {
		return []byte{}
	}
	return b
}

type subjectPublicKeyInfo struct {
	Algorithm pkix.AlgorithmIdentifier
	PublicKey asn1.BitString
}

// SubjectPublicKey returns the subjectPublicKey bits of the certificate,
// the value CredSSP binds the TLS channel to.
func SubjectPublicKey(cert *x509.Certificate) ([]byte, error) {
	var spki subjectPublicKeyInfo
	if _, err := asn1.Unmarshal(cert.RawSubjectPublicKeyInfo, &spki); err != nil {
		return nil, fmt.Errorf("parse subject public key info: %w", err)
	}
	return spki.PublicKey.RightAlign(), nil
}

// ComputeClientPubKeyAuth returns the plaintext the client seals into
// pubKeyAuth: the raw key for versions 2 to 4, otherwise the binding hash.
func ComputeClientPubKeyAuth(version int, pubKey, nonce []byte) []byte {
	if version < CredSSPVersion5 {
		return pubKey
	}
	h := sha256.New()
	h.Write(clientServerHashMagic)
	h.Write(nonce)
	h.Write(pubKey)
	return h.Sum(nil)
}

// VerifyServerPubKeyAuth checks the server's unsealed pubKeyAuth.
func VerifyServerPubKeyAuth(version int, serverResp, clientPubKey, nonce []byte) bool {
	if version < CredSSPVersion5 {
		if len(serverResp) != len(clientPubKey) || len(serverResp) == 0 {
			return false
		}
		expected := append([]byte(nil), clientPubKey...)
		expected[0]++
		return bytes.Equal(serverResp, expected)
	}

	h := sha256.New()
	h.Write(serverClientHashMagic)
	h.Write(nonce)
	h.Write(clientPubKey)
	return bytes.Equal(serverResp, h.Sum(nil))
}

// Well-known NTSTATUS values reported in TSRequest.errorCode.
const (
	StatusLogonFailure          uint32 = 0xC000006D
	StatusAccountRestriction    uint32 = 0xC000006E
	StatusPasswordExpired       uint32 = 0xC0000071
	StatusAccountDisabled       uint32 = 0xC0000072
	StatusAccountLockedOut      uint32 = 0xC0000234
	StatusPasswordMustChange    uint32 = 0xC0000224
	StatusAccessDenied          uint32 = 0xC0000022
	StatusWrongPassword         uint32 = 0xC000006A
	StatusNoSuchUser            uint32 = 0xC0000064
	StatusAccountExpired        uint32 = 0xC0000193
	StatusInvalidLogonHours     uint32 = 0xC000006F
	StatusInvalidWorkstation    uint32 = 0xC0000070
	StatusLogonTypeNotGranted   uint32 = 0xC000015B
	StatusTimeDifferenceAtDC    uint32 = 0xC0000133
	StatusNotSupported          uint32 = 0xC00000BB
	StatusInvalidParameter      uint32 = 0xC000000D
	StatusDowngradeDetected     uint32 = 0xC0000388
	StatusAuthenticationFirewal uint32 = 0xC0000413
)

var ntStatusNames = map[uint32]string{
	StatusLogonFailure:          "STATUS_LOGON_FAILURE",
	StatusAccountRestriction:    "STATUS_ACCOUNT_RESTRICTION",
	StatusPasswordExpired:       "STATUS_PASSWORD_EXPIRED",
	StatusAccountDisabled:       "STATUS_ACCOUNT_DISABLED",
	StatusAccountLockedOut:      "STATUS_ACCOUNT_LOCKED_OUT",
	StatusPasswordMustChange:    "STATUS_PASSWORD_MUST_CHANGE",
	StatusAccessDenied:          "STATUS_ACCESS_DENIED",
	StatusWrongPassword:         "STATUS_WRONG_PASSWORD",
	StatusNoSuchUser:            "STATUS_NO_SUCH_USER",
	StatusAccountExpired:        "STATUS_ACCOUNT_EXPIRED",
	StatusInvalidLogonHours:     "STATUS_INVALID_LOGON_HOURS",
	StatusInvalidWorkstation:    "STATUS_INVALID_WORKSTATION",
	StatusLogonTypeNotGranted:   "STATUS_LOGON_TYPE_NOT_GRANTED",
	StatusTimeDifferenceAtDC:    "STATUS_TIME_DIFFERENCE_AT_DC",
	StatusNotSupported:          "STATUS_NOT_SUPPORTED",
	StatusInvalidParameter:      "STATUS_INVALID_PARAMETER",
	StatusDowngradeDetected:     "STATUS_DOWNGRADE_DETECTED",
	StatusAuthenticationFirewal: "STATUS_AUTHENTICATION_FIREWALL_FAILED",
}

// NTStatusName names an NTSTATUS code, or formats it as hex.
func NTStatusName(code uint32) string {
	if name, ok := ntStatusNames[code]; ok {
		return name
	}
	return fmt.Sprintf("NTSTATUS_0x%08X", code)
}

// CredSSPError is a non-zero errorCode returned by the NLA server.
type CredSSPError struct {
	Code uint32
}

func (e *CredSSPError) Error() string {
	return fmt.Sprintf("NLA server returned %s (0x%08X)", NTStatusName(e.Code), e.Code)
}

// IsCredentialFailure reports whether the code rejects the supplied account.
func (e *CredSSPError) IsCredentialFailure() bool {
	switch e.Code {
	case StatusLogonFailure, StatusWrongPassword, StatusNoSuchUser,
		StatusAccountDisabled, StatusAccountLockedOut, StatusPasswordExpired,
		StatusPasswordMustChange, StatusAccountExpired, StatusAccountRestriction:
		return true
	}
	return false
}
