// Package tpkt implements TPKT framing (RFC 1006), the outer envelope of
// every X.224 message exchanged before the RDP security upgrade.
package tpkt

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

const (
	headerLen = 4
	version   = 0x03

	// MaxPacketLen is the largest length representable in the header.
	MaxPacketLen = 0xFFFF
)

var (
	ErrInvalidVersion = errors.New("invalid tpkt version")
	ErrInvalidLength  = errors.New("invalid tpkt length")
)

type Protocol struct {
	conn io.ReadWriter
}

func New(conn io.ReadWriter) *Protocol {
	return &Protocol{
		conn: conn,
	}
}

// Send wraps pduData in a TPKT header and writes it in a single call.
func (p *Protocol) Send(pduData []byte) error {
	total := headerLen + len(pduData)
	if total > MaxPacketLen {
		return fmt.Errorf("%w: %d bytes", ErrInvalidLength, total)
	}

	buf := make([]byte, total)
	buf[0] = version
	buf[1] = 0x00
	binary.BigEndian.PutUint16(buf[2:4], uint16(total))
	copy(buf[headerLen:], pduData)

	if _, err := p.conn.Write(buf); err != nil {
		return fmt.Errorf("write tpkt packet: %w", err)
	}
	return nil
}

// Receive reads one TPKT packet and returns a reader over its payload.
func (p *Protocol) Receive() (io.Reader, error) {
	header := make([]byte, headerLen)
	if _, err := io.ReadFull(p.conn, header); err != nil {
		return nil, fmt.Errorf("read tpkt header: %w", err)
	}

	if header[0] != version {
		return nil, fmt.Errorf("%w: 0x%02x", ErrInvalidVersion, header[0])
	}

	length := int(binary.BigEndian.Uint16(header[2:4]))
	if length < headerLen {
		return nil, fmt.Errorf("%w: %d", ErrInvalidLength, length)
	}

	payload := make([]byte, length-headerLen)
	if _, err := io.ReadFull(p.conn, payload); err != nil {
		return nil, fmt.Errorf("read tpkt payload: %w", err)
	}

	return bytes.NewReader(payload), nil
}
