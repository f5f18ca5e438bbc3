package tpkt

import (
	"bytes"
	"encoding/binary"
	"errors"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// mockConn implements io.ReadWriter for testing
type mockConn struct {
	readBuf       *bytes.Buffer
	writeBuf      *bytes.Buffer
	readErr       error
	writeErr      error
	readCount     int
	errAfterReads int // fail reads after this many succeed (-1 means fail immediately)
}

func newMockConn() *mockConn {
	return &mockConn{
		readBuf:       new(bytes.Buffer),
		writeBuf:      new(bytes.Buffer),
		errAfterReads: -1,
	}
}

func (m *mockConn) Read(p []byte) (int, error) {
	m.readCount++
	if m.readErr != nil && (m.errAfterReads < 0 || m.readCount > m.errAfterReads) {
		return 0, m.readErr
	}
	return m.readBuf.Read(p)
}

func (m *mockConn) Write(p []byte) (int, error) {
	if m.writeErr != nil {
		return 0, m.writeErr
	}
	return m.writeBuf.Write(p)
}

func TestProtocolSend(t *testing.T) {
	tests := []struct {
		name     string
		pduData  []byte
		writeErr error
	}{
		{name: "empty payload", pduData: []byte{}},
		{name: "simple payload", pduData: []byte{0x01, 0x02, 0x03, 0x04}},
		{name: "larger payload", pduData: bytes.Repeat([]byte{0xAB}, 100)},
		{name: "write error", pduData: []byte{0x01, 0x02}, writeErr: errors.New("write failed")},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			conn := newMockConn()
			conn.writeErr = tt.writeErr

			err := New(conn).Send(tt.pduData)
			if tt.writeErr != nil {
				require.ErrorIs(t, err, tt.writeErr)
				return
			}
			require.NoError(t, err)

			written := conn.writeBuf.Bytes()
			require.GreaterOrEqual(t, len(written), headerLen)
			assert.Equal(t, byte(0x03), written[0])
			assert.Equal(t, byte(0x00), written[1])
			assert.Equal(t, uint16(headerLen+len(tt.pduData)), binary.BigEndian.Uint16(written[2:4]))
			assert.Equal(t, tt.pduData, written[headerLen:])
		})
	}
}

func TestProtocolSendTooLarge(t *testing.T) {
	err := New(newMockConn()).Send(make([]byte, MaxPacketLen))
	assert.ErrorIs(t, err, ErrInvalidLength)
}

func TestProtocolReceive(t *testing.T) {
	tests := []struct {
		name      string
		setupConn func(*mockConn)
		wantData  []byte
		wantErr   error
	}{
		{
			name: "simple receive",
			setupConn: func(conn *mockConn) {
				conn.readBuf.Write([]byte{0x03, 0x00, 0x00, 0x08, 0x01, 0x02, 0x03, 0x04})
			},
			wantData: []byte{0x01, 0x02, 0x03, 0x04},
		},
		{
			name: "empty payload",
			setupConn: func(conn *mockConn) {
				conn.readBuf.Write([]byte{0x03, 0x00, 0x00, 0x04})
			},
			wantData: []byte{},
		},
		{
			name: "larger payload",
			setupConn: func(conn *mockConn) {
				conn.readBuf.Write([]byte{0x03, 0x00})
				_ = binary.Write(conn.readBuf, binary.BigEndian, uint16(headerLen+256))
				conn.readBuf.Write(bytes.Repeat([]byte{0xAB}, 256))
			},
			wantData: bytes.Repeat([]byte{0xAB}, 256),
		},
		{
			name: "header read error",
			setupConn: func(conn *mockConn) {
				conn.readErr = errors.New("connection reset")
			},
			wantErr: errors.New("connection reset"),
		},
		{
			name: "incomplete header",
			setupConn: func(conn *mockConn) {
				conn.readBuf.Write([]byte{0x03, 0x00})
			},
			wantErr: io.ErrUnexpectedEOF,
		},
		{
			name: "wrong version",
			setupConn: func(conn *mockConn) {
				conn.readBuf.Write([]byte{0x16, 0x03, 0x01, 0x00})
			},
			wantErr: ErrInvalidVersion,
		},
		{
			name: "length below header",
			setupConn: func(conn *mockConn) {
				conn.readBuf.Write([]byte{0x03, 0x00, 0x00, 0x02})
			},
			wantErr: ErrInvalidLength,
		},
		{
			name: "payload read error",
			setupConn: func(conn *mockConn) {
				conn.readBuf.Write([]byte{0x03, 0x00, 0x00, 0x08})
				conn.errAfterReads = 1
				conn.readErr = errors.New("connection closed")
			},
			wantErr: errors.New("connection closed"),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			conn := newMockConn()
			tt.setupConn(conn)

			reader, err := New(conn).Receive()
			if tt.wantErr != nil {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr.Error())
				assert.Nil(t, reader)
				return
			}
			require.NoError(t, err)

			data, err := io.ReadAll(reader)
			require.NoError(t, err)
			assert.Equal(t, tt.wantData, data)
		})
	}
}

func TestSendReceiveRoundTrip(t *testing.T) {
	testData := []byte{0xDE, 0xAD, 0xBE, 0xEF}

	sendConn := newMockConn()
	require.NoError(t, New(sendConn).Send(testData))

	recvConn := newMockConn()
	recvConn.readBuf = bytes.NewBuffer(sendConn.writeBuf.Bytes())

	reader, err := New(recvConn).Receive()
	require.NoError(t, err)

	received, err := io.ReadAll(reader)
	require.NoError(t, err)
	assert.Equal(t, testData, received)
}
