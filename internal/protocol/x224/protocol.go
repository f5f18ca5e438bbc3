// Package x224 implements the X.224 connection request and confirm TPDUs
// that carry the RDP security negotiation.
package x224

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/rcarmo/rdp-netdiag/internal/protocol/tpkt"
)

const (
	crCode = 0xE0
	ccCode = 0xD0

	// fixed part of a CR/CC TPDU following the length indicator
	fixedLen = 6
)

var (
	ErrSmallConnectionConfirmLength = errors.New("small connection confirm length")
	ErrWrongConnectionConfirmCode   = errors.New("wrong connection confirm code")
)

// tpktConnection is the interface that wraps tpkt protocol operations
type tpktConnection interface {
	Receive() (io.Reader, error)
	Send(pduData []byte) error
}

// Protocol handles X.224 protocol operations
type Protocol struct {
	tpktConn tpktConnection
}

// New creates a new X.224 protocol handler
func New(tpktConn *tpkt.Protocol) *Protocol {
	return &Protocol{
		tpktConn: tpktConn,
	}
}

// NewWithConn creates a new X.224 protocol handler with an interface (for testing)
func NewWithConn(conn tpktConnection) *Protocol {
	return &Protocol{
		tpktConn: conn,
	}
}

// ConnectionRequest is the client's CR TPDU.
type ConnectionRequest struct {
	CRCDT        uint8
	DSTREF       uint16
	SRCREF       uint16
	ClassOption  uint8
	VariablePart []byte
	UserData     []byte
}

// NewConnectionRequest returns a class 0 CR carrying userData.
func NewConnectionRequest(userData []byte) ConnectionRequest {
	return ConnectionRequest{CRCDT: crCode, UserData: userData}
}

func (r ConnectionRequest) Serialize() []byte {
	buf := new(bytes.Buffer)

	buf.WriteByte(uint8(fixedLen + len(r.VariablePart) + len(r.UserData)))
	buf.WriteByte(r.CRCDT)
	_ = binary.Write(buf, binary.BigEndian, r.DSTREF)
	_ = binary.Write(buf, binary.BigEndian, r.SRCREF)
	buf.WriteByte(r.ClassOption)
	buf.Write(r.VariablePart)
	buf.Write(r.UserData)

	return buf.Bytes()
}

// ConnectionConfirm is the server's CC TPDU header. The negotiation
// response, when present, follows in the same packet.
type ConnectionConfirm struct {
	LI          uint8
	CCCDT       uint8
	DSTREF      uint16
	SRCREF      uint16
	ClassOption uint8
}

func (c *ConnectionConfirm) Deserialize(wire io.Reader) error {
	var err error

	if err = binary.Read(wire, binary.BigEndian, &c.LI); err != nil {
		return err
	}

	if c.LI < fixedLen {
		return ErrSmallConnectionConfirmLength
	}

	if err = binary.Read(wire, binary.BigEndian, &c.CCCDT); err != nil {
		return err
	}

	if !IsConnectionConfirm(c.CCCDT) {
		return ErrWrongConnectionConfirmCode
	}

	if err = binary.Read(wire, binary.BigEndian, &c.DSTREF); err != nil {
		return err
	}

	if err = binary.Read(wire, binary.BigEndian, &c.SRCREF); err != nil {
		return err
	}

	return binary.Read(wire, binary.BigEndian, &c.ClassOption)
}

// IsConnectionConfirm reports whether code is a CC TPDU code.
func IsConnectionConfirm(code byte) bool {
	return code&0xF0 == ccCode
}

// Connect sends a CR carrying userData and returns a reader positioned at
// the user data of the server's CC.
func (p *Protocol) Connect(userData []byte) (io.Reader, error) {
	req := NewConnectionRequest(userData)

	if err := p.tpktConn.Send(req.Serialize()); err != nil {
		return nil, fmt.Errorf("client connection request: %w", err)
	}

	wire, err := p.tpktConn.Receive()
	if err != nil {
		return nil, fmt.Errorf("receive connection confirm: %w", err)
	}

	var resp ConnectionConfirm
	if err = resp.Deserialize(wire); err != nil {
		return nil, fmt.Errorf("server connection confirm: %w", err)
	}

	return wire, nil
}
