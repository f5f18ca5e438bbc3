package auth

import (
	"bytes"
	"crypto/hmac"
	"crypto/md5"
	"crypto/rand"
	"crypto/rc4"
	"encoding/binary"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf16"

	"golang.org/x/crypto/md4"
)

// NTLM negotiate flags
const (
	NTLMSSP_NEGOTIATE_KEY_EXCH                 = 0x40000000
	NTLMSSP_NEGOTIATE_128                      = 0x20000000
	NTLMSSP_NEGOTIATE_VERSION                  = 0x02000000
	NTLMSSP_NEGOTIATE_TARGET_INFO              = 0x00800000
	NTLMSSP_NEGOTIATE_EXTENDED_SESSIONSECURITY = 0x00080000
	NTLMSSP_NEGOTIATE_ALWAYS_SIGN              = 0x00008000
	NTLMSSP_NEGOTIATE_NTLM                     = 0x00000200
	NTLMSSP_NEGOTIATE_SEAL                     = 0x00000020
	NTLMSSP_NEGOTIATE_SIGN                     = 0x00000010
	NTLMSSP_REQUEST_TARGET                     = 0x00000004
	NTLMSSP_NEGOTIATE_UNICODE                  = 0x00000001
)

// AV pair IDs used when building the authenticate message
const (
	MsvAvEOL             = 0x0000
	MsvAvNbComputerName  = 0x0001
	MsvAvNbDomainName    = 0x0002
	MsvAvDnsComputerName = 0x0003
	MsvAvDnsDomainName   = 0x0004
	MsvAvFlags           = 0x0006
	MsvAvTimestamp       = 0x0007

	msvAvFlagMICProvided = 0x00000002

	challengeMinLen = 48
	micOffset       = 72
	authHeaderLen   = 88
)

var (
	ntlmSignature = []byte{'N', 'T', 'L', 'M', 'S', 'S', 'P', 0x00}

	// Windows 6.1, NTLMSSP_REVISION_W2K3
	ntlmVersion = []byte{0x06, 0x01, 0x00, 0x00, 0x00, 0x00, 0x00, 0x0F}

	ErrShortChallenge     = errors.New("ntlm challenge message too short")
	ErrBadSignature       = errors.New("ntlm message signature mismatch")
	ErrWrongMessageType   = errors.New("unexpected ntlm message type")
	ErrSealVerifyMismatch = errors.New("ntlm sealed message checksum mismatch")
)

// NTLMv2 holds the client side of one NTLMv2 exchange.
type NTLMv2 struct {
	domain        string
	user          string
	password      string
	respKeyNT     []byte
	enableUnicode bool
	negotiateMsg  []byte
	challengeMsg  *ChallengeMessage
}

// NewNTLMv2 creates a new NTLMv2 authentication context
func NewNTLMv2(domain, user, password string) *NTLMv2 {
	return &NTLMv2{
		domain:    domain,
		user:      user,
		password:  password,
		respKeyNT: ntowfv2(password, user, domain),
	}
}

// NegotiateMessage returns the NTLM NEGOTIATE_MESSAGE.
func (n *NTLMv2) NegotiateMessage() []byte {
	flags := uint32(
		NTLMSSP_NEGOTIATE_KEY_EXCH |
			NTLMSSP_NEGOTIATE_128 |
			NTLMSSP_NEGOTIATE_EXTENDED_SESSIONSECURITY |
			NTLMSSP_NEGOTIATE_ALWAYS_SIGN |
			NTLMSSP_NEGOTIATE_NTLM |
			NTLMSSP_NEGOTIATE_SEAL |
			NTLMSSP_NEGOTIATE_SIGN |
			NTLMSSP_REQUEST_TARGET |
			NTLMSSP_NEGOTIATE_UNICODE |
			NTLMSSP_NEGOTIATE_VERSION)

	buf := &bytes.Buffer{}
	buf.Write(ntlmSignature)
	_ = binary.Write(buf, binary.LittleEndian, uint32(1))
	_ = binary.Write(buf, binary.LittleEndian, flags)
	// empty DomainNameFields and WorkstationFields
	buf.Write(make([]byte, 16))
	buf.Write(ntlmVersion)

	n.negotiateMsg = buf.Bytes()
	return n.negotiateMsg
}

// ChallengeMessage is the decoded CHALLENGE_MESSAGE.
type ChallengeMessage struct {
	NegotiateFlags  uint32
	ServerChallenge [8]byte
	TargetName      string
	TargetInfo      []byte
	Timestamp       []byte
	RawData         []byte
}

// ParseChallengeMessage parses an NTLM CHALLENGE_MESSAGE.
func ParseChallengeMessage(data []byte) (*ChallengeMessage, error) {
	if len(data) < challengeMinLen {
		return nil, fmt.Errorf("%w: %d bytes", ErrShortChallenge, len(data))
	}
	if !bytes.Equal(data[:8], ntlmSignature) {
		return nil, ErrBadSignature
	}
	if msgType := binary.LittleEndian.Uint32(data[8:12]); msgType != 2 {
		return nil, fmt.Errorf("%w: %d", ErrWrongMessageType, msgType)
	}

	msg := &ChallengeMessage{
		NegotiateFlags: binary.LittleEndian.Uint32(data[20:24]),
		RawData:        append([]byte(nil), data...),
	}
	copy(msg.ServerChallenge[:], data[24:32])

	if name, ok := payloadField(data, 12); ok {
		if msg.NegotiateFlags&NTLMSSP_NEGOTIATE_UNICODE != 0 {
			msg.TargetName = unicodeDecode(name)
		} else {
			msg.TargetName = string(name)
		}
	}

	if info, ok := payloadField(data, 40); ok {
		msg.TargetInfo = info
		msg.Timestamp = avPairValue(info, MsvAvTimestamp)
	}

	return msg, nil
}

// payloadField resolves a len/maxlen/offset descriptor at off.
func payloadField(data []byte, off int) ([]byte, bool) {
	if off+8 > len(data) {
		return nil, false
	}
	l := int(binary.LittleEndian.Uint16(data[off:]))
	start := int(binary.LittleEndian.Uint32(data[off+4:]))
	if l == 0 || start+l > len(data) {
		return nil, false
	}
	return data[start : start+l], true
}

func avPairValue(targetInfo []byte, id uint16) []byte {
	offset := 0
	for offset+4 <= len(targetInfo) {
		avID := binary.LittleEndian.Uint16(targetInfo[offset:])
		avLen := int(binary.LittleEndian.Uint16(targetInfo[offset+2:]))
		offset += 4

		if avID == MsvAvEOL || offset+avLen > len(targetInfo) {
			return nil
		}
		if avID == id {
			return targetInfo[offset : offset+avLen]
		}
		offset += avLen
	}
	return nil
}

// withMICProvided sets MIC_PROVIDED in MsvAvFlags, inserting the pair
// before MsvAvEOL when the server did not send one (MS-NLMP 3.1.5.1.2).
func withMICProvided(targetInfo []byte) []byte {
	if len(targetInfo) == 0 {
		return targetInfo
	}

	flagsOffset, eolOffset := -1, -1
	offset := 0
	for offset+4 <= len(targetInfo) {
		avID := binary.LittleEndian.Uint16(targetInfo[offset:])
		avLen := int(binary.LittleEndian.Uint16(targetInfo[offset+2:]))

		if avID == MsvAvFlags {
			flagsOffset = offset
		}
		if avID == MsvAvEOL {
			eolOffset = offset
			break
		}
		offset += 4 + avLen
	}

	result := append([]byte(nil), targetInfo...)

	switch {
	case flagsOffset >= 0:
		flags := binary.LittleEndian.Uint32(result[flagsOffset+4:])
		binary.LittleEndian.PutUint32(result[flagsOffset+4:], flags|msvAvFlagMICProvided)
	case eolOffset >= 0:
		pair := make([]byte, 8)
		binary.LittleEndian.PutUint16(pair[0:], MsvAvFlags)
		binary.LittleEndian.PutUint16(pair[2:], 4)
		binary.LittleEndian.PutUint32(pair[4:], msvAvFlagMICProvided)
		result = append(result[:eolOffset], append(pair, targetInfo[eolOffset:]...)...)
	}

	return result
}

// Security seals and unseals messages once NTLM has completed.
type Security struct {
	encryptRC4 *rc4.Cipher
	decryptRC4 *rc4.Cipher
	signingKey []byte
	verifyKey  []byte
	seqNum     uint32
}

// AuthenticateMessage answers the server challenge with an
// AUTHENTICATE_MESSAGE and returns the resulting sealing context.
func (n *NTLMv2) AuthenticateMessage(challengeData []byte) ([]byte, *Security, error) {
	challenge, err := ParseChallengeMessage(challengeData)
	if err != nil {
		return nil, nil, err
	}
	n.challengeMsg = challenge
	n.enableUnicode = challenge.NegotiateFlags&NTLMSSP_NEGOTIATE_UNICODE != 0

	// a server timestamp obliges the client to send a MIC
	timestamp := challenge.Timestamp
	computeMIC := timestamp != nil
	if !computeMIC {
		timestamp = makeTimestamp(time.Now())
	}

	clientChallenge := make([]byte, 8)
	if _, err := rand.Read(clientChallenge); err != nil {
		return nil, nil, fmt.Errorf("client challenge: %w", err)
	}

	targetInfo := challenge.TargetInfo
	if computeMIC {
		targetInfo = withMICProvided(challenge.TargetInfo)
	}

	ntResponse, lmResponse, sessionBaseKey := n.computeResponseV2(
		challenge.ServerChallenge[:], clientChallenge, timestamp, targetInfo)

	exportedSessionKey := make([]byte, 16)
	if _, err := rand.Read(exportedSessionKey); err != nil {
		return nil, nil, fmt.Errorf("session key: %w", err)
	}

	encryptedKey := make([]byte, 16)
	rc, err := rc4.NewCipher(sessionBaseKey)
	if err != nil {
		return nil, nil, fmt.Errorf("key exchange cipher: %w", err)
	}
	rc.XORKeyStream(encryptedKey, exportedSessionKey)

	domain, user := n.encodedIdentity()
	authMsg := buildAuthenticateMessage(challenge.NegotiateFlags, domain, user, nil, lmResponse, ntResponse, encryptedKey)

	if computeMIC {
		copy(authMsg[micOffset:micOffset+16], n.computeMIC(exportedSessionKey, authMsg))
	}

	sec, err := newSecurity(exportedSessionKey)
	if err != nil {
		return nil, nil, err
	}
	return authMsg, sec, nil
}

func newSecurity(exportedSessionKey []byte) (*Security, error) {
	derive := func(magic string) []byte {
		return md5Hash(append(append([]byte(nil), exportedSessionKey...), append([]byte(magic), 0x00)...))
	}

	encryptRC4, err := rc4.NewCipher(derive("session key to client-to-server sealing key magic constant"))
	if err != nil {
		return nil, fmt.Errorf("sealing cipher: %w", err)
	}
	decryptRC4, err := rc4.NewCipher(derive("session key to server-to-client sealing key magic constant"))
	if err != nil {
		return nil, fmt.Errorf("unsealing cipher: %w", err)
	}

	return &Security{
		encryptRC4: encryptRC4,
		decryptRC4: decryptRC4,
		signingKey: derive("session key to client-to-server signing key magic constant"),
		verifyKey:  derive("session key to server-to-client signing key magic constant"),
	}, nil
}

func (n *NTLMv2) computeResponseV2(serverChallenge, clientChallenge, timestamp, targetInfo []byte) (ntResponse, lmResponse, sessionBaseKey []byte) {
	temp := &bytes.Buffer{}
	temp.Write([]byte{0x01, 0x01}) // RespType, HiRespType
	temp.Write(make([]byte, 6))
	temp.Write(timestamp)
	temp.Write(clientChallenge)
	temp.Write(make([]byte, 4))
	temp.Write(targetInfo)
	temp.Write(make([]byte, 4))

	ntProofStr := hmacMD5(n.respKeyNT, concat(serverChallenge, temp.Bytes()))
	ntResponse = concat(ntProofStr, temp.Bytes())

	// LMOWFv2 equals NTOWFv2
	lmResponse = concat(hmacMD5(n.respKeyNT, concat(serverChallenge, clientChallenge)), clientChallenge)

	sessionBaseKey = hmacMD5(n.respKeyNT, ntProofStr)
	return ntResponse, lmResponse, sessionBaseKey
}

func buildAuthenticateMessage(flags uint32, domain, user, workstation, lmResponse, ntResponse, encryptedKey []byte) []byte {
	buf := &bytes.Buffer{}
	buf.Write(ntlmSignature)
	_ = binary.Write(buf, binary.LittleEndian, uint32(3))

	offset := uint32(authHeaderLen)
	for _, field := range [][]byte{lmResponse, ntResponse, domain, user, workstation, encryptedKey} {
		_ = binary.Write(buf, binary.LittleEndian, uint16(len(field)))
		_ = binary.Write(buf, binary.LittleEndian, uint16(len(field)))
		_ = binary.Write(buf, binary.LittleEndian, offset)
		offset += uint32(len(field))
	}

	_ = binary.Write(buf, binary.LittleEndian, flags)
	buf.Write(ntlmVersion)
	buf.Write(make([]byte, 16)) // MIC, filled in later

	buf.Write(lmResponse)
	buf.Write(ntResponse)
	buf.Write(domain)
	buf.Write(user)
	buf.Write(workstation)
	buf.Write(encryptedKey)

	return buf.Bytes()
}

func (n *NTLMv2) computeMIC(exportedSessionKey, authMsg []byte) []byte {
	zeroed := append([]byte(nil), authMsg...)
	copy(zeroed[micOffset:micOffset+16], make([]byte, 16))

	buf := &bytes.Buffer{}
	buf.Write(n.negotiateMsg)
	buf.Write(n.challengeMsg.RawData)
	buf.Write(zeroed)
	return hmacMD5(exportedSessionKey, buf.Bytes())
}

func (n *NTLMv2) encodedIdentity() (domain, user []byte) {
	if n.enableUnicode {
		return unicodeEncode(n.domain), unicodeEncode(n.user)
	}
	return []byte(n.domain), []byte(n.user)
}

// CredSSPCredentials returns domain, user and password as UTF-16LE, the
// encoding TSPasswordCreds requires regardless of NTLM negotiation.
func (n *NTLMv2) CredSSPCredentials() (domain, user, password []byte) {
	return unicodeEncode(n.domain), unicodeEncode(n.user), unicodeEncode(n.password)
}

// GssEncrypt seals data: encrypt, then sign the plaintext and encrypt the
// checksum with the continuing RC4 stream.
func (s *Security) GssEncrypt(data []byte) []byte {
	encrypted := make([]byte, len(data))
	s.encryptRC4.XORKeyStream(encrypted, data)

	checksum := make([]byte, 8)
	s.encryptRC4.XORKeyStream(checksum, s.sign(s.signingKey, s.seqNum, data))

	result := &bytes.Buffer{}
	_ = binary.Write(result, binary.LittleEndian, uint32(1))
	result.Write(checksum)
	_ = binary.Write(result, binary.LittleEndian, s.seqNum)
	result.Write(encrypted)

	s.seqNum++
	return result.Bytes()
}

// GssDecrypt unseals a Version(4) Checksum(8) SeqNum(4) Data token.
func (s *Security) GssDecrypt(data []byte) ([]byte, error) {
	if len(data) < 16 {
		return nil, fmt.Errorf("sealed message too short: %d bytes", len(data))
	}
	if version := binary.LittleEndian.Uint32(data[0:4]); version != 1 {
		return nil, fmt.Errorf("sealed message version %d", version)
	}

	receivedChecksum := data[4:12]
	seqNum := binary.LittleEndian.Uint32(data[12:16])

	decrypted := make([]byte, len(data)-16)
	s.decryptRC4.XORKeyStream(decrypted, data[16:])

	expected := make([]byte, 8)
	s.decryptRC4.XORKeyStream(expected, s.sign(s.verifyKey, seqNum, decrypted))

	if !hmac.Equal(receivedChecksum, expected) {
		return nil, ErrSealVerifyMismatch
	}
	return decrypted, nil
}

func (s *Security) sign(key []byte, seqNum uint32, data []byte) []byte {
	seqBuf := make([]byte, 4)
	binary.LittleEndian.PutUint32(seqBuf, seqNum)
	return hmacMD5(key, concat(seqBuf, data))[:8]
}

func unicodeEncode(s string) []byte {
	runes := utf16.Encode([]rune(s))
	result := make([]byte, len(runes)*2)
	for i, r := range runes {
		binary.LittleEndian.PutUint16(result[i*2:], r)
	}
	return result
}

func unicodeDecode(b []byte) string {
	u := make([]uint16, len(b)/2)
	for i := range u {
		u[i] = binary.LittleEndian.Uint16(b[i*2:])
	}
	return string(utf16.Decode(u))
}

// ntowfv2 = HMAC_MD5(MD4(UNICODE(Password)), UNICODE(Uppercase(User) + Domain))
func ntowfv2(password, user, domain string) []byte {
	h := md4.New()
	h.Write(unicodeEncode(password))
	return hmacMD5(h.Sum(nil), unicodeEncode(strings.ToUpper(user)+domain))
}

func hmacMD5(key, data []byte) []byte {
	h := hmac.New(md5.New, key)
	h.Write(data)
	return h.Sum(nil)
}

func md5Hash(data []byte) []byte {
	h := md5.Sum(data)
	return h[:]
}

func concat(parts ...[]byte) []byte {
	var n int
	for _, p := range parts {
		n += len(p)
	}
	out := make([]byte, 0, n)
	for _, p := range parts {
		out = append(out, p...)
	}
	return out
}

// makeTimestamp encodes t as a Windows FILETIME.
func makeTimestamp(t time.Time) []byte {
	ft := uint64(t.UnixNano())/100 + 116444736000000000
	buf := make([]byte, 8)
	binary.LittleEndian.PutUint64(buf, ft)
	return buf
}
