package mcp

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// fakePLC is a minimal TCP listener that replies to every request with a
// canned response, or closes the connection, depending on the test.
type fakePLC struct {
	t        *testing.T
	listener net.Listener
}

func newFakePLC(t *testing.T, handle func(req []byte) []byte) *fakePLC {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	f := &fakePLC{t: t, listener: ln}
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go func() {
				defer conn.Close()
				for {
					buf := make([]byte, 2048)
					n, err := conn.Read(buf)
					if err != nil {
						return
					}
					resp := handle(buf[:n])
					if resp == nil {
						return
					}
					if _, err := conn.Write(resp); err != nil {
						return
					}
				}
			}()
		}
	}()
	return f
}

func (f *fakePLC) addr() (string, int) {
	tcpAddr := f.listener.Addr().(*net.TCPAddr)
	return tcpAddr.IP.String(), tcpAddr.Port
}

func (f *fakePLC) close() { f.listener.Close() }

func successResponse3E(ap accessPath, payload []byte) []byte {
	body := append([]byte{0x00, 0x00}, payload...)
	resp := []byte{0xD0, 0x00, ap.NetworkNo, ap.PCNo}
	resp = appendU16LE(resp, ap.UnitIO)
	resp = append(resp, ap.UnitStation)
	resp = appendU16LE(resp, uint16(len(body)))
	resp = append(resp, body...)
	return resp
}

func TestSession_ReadWords_Success(t *testing.T) {
	ap := defaultAccessPath()
	plc := newFakePLC(t, func(req []byte) []byte {
		return successResponse3E(ap, []byte{0x2A, 0x00})
	})
	defer plc.close()

	host, port := plc.addr()
	s, err := NewSession(host, port, WithTimeout(2*time.Second))
	require.NoError(t, err)
	defer s.Close()

	words, err := s.ReadWords("D", 100, 1)
	require.NoError(t, err)
	require.Equal(t, []uint16{0x2A}, words)
}

func TestSession_ReadBits_Success(t *testing.T) {
	ap := defaultAccessPath()
	plc := newFakePLC(t, func(req []byte) []byte {
		return successResponse3E(ap, []byte{0x01, 0x00, 0x01})
	})
	defer plc.close()

	host, port := plc.addr()
	s, err := NewSession(host, port, WithTimeout(2*time.Second))
	require.NoError(t, err)
	defer s.Close()

	bits, err := s.ReadBits("M", 0, 3)
	require.NoError(t, err)
	require.Equal(t, []bool{true, false, true}, bits)
}

func TestSession_ReadPoints_ClassMismatch(t *testing.T) {
	s, err := NewSession("127.0.0.1", 9999)
	require.NoError(t, err)

	_, err = s.ReadBits("D", 0, 1)
	require.Error(t, err)
	require.IsType(t, &ProtocolUsageError{}, err)

	_, err = s.ReadWords("M", 0, 1)
	require.Error(t, err)
	require.IsType(t, &ProtocolUsageError{}, err)
}

func TestSession_EndCodeError_DisconnectsSession(t *testing.T) {
	ap := defaultAccessPath()
	plc := newFakePLC(t, func(req []byte) []byte {
		body := []byte{0x50, 0xC0} // end code 0xC050
		resp := []byte{0xD0, 0x00, ap.NetworkNo, ap.PCNo}
		resp = appendU16LE(resp, ap.UnitIO)
		resp = append(resp, ap.UnitStation)
		resp = appendU16LE(resp, uint16(len(body)))
		resp = append(resp, body...)
		return resp
	})
	defer plc.close()

	host, port := plc.addr()
	s, err := NewSession(host, port, WithTimeout(2*time.Second))
	require.NoError(t, err)
	defer s.Close()

	_, err = s.ReadWords("D", 0, 1)
	require.Error(t, err)

	ce, ok := err.(*CommunicationError)
	require.True(t, ok, "err = %T, want *CommunicationError", err)
	require.Equal(t, uint16(0xC050), ce.EndCode)

	s.mu.Lock()
	connected := s.connected
	s.mu.Unlock()
	require.False(t, connected, "session should disconnect on a non-zero end code")
}

func TestSession_WriteWords_Success(t *testing.T) {
	ap := defaultAccessPath()
	var lastReq []byte
	plc := newFakePLC(t, func(req []byte) []byte {
		lastReq = append([]byte(nil), req...)
		return successResponse3E(ap, nil)
	})
	defer plc.close()

	host, port := plc.addr()
	s, err := NewSession(host, port, WithTimeout(2*time.Second))
	require.NoError(t, err)
	defer s.Close()

	err = s.WriteWords("D", 300, []uint16{1, 0x1234})
	require.NoError(t, err)
	require.NotEmpty(t, lastReq)
	require.Equal(t, cmdWrite, uint16(lastReq[11])|uint16(lastReq[12])<<8)
}

func TestSession_WriteString_SendsEncodedPayload(t *testing.T) {
	ap := defaultAccessPath()
	var writeFrame []byte
	plc := newFakePLC(t, func(req []byte) []byte {
		writeFrame = append([]byte(nil), req...)
		return successResponse3E(ap, nil)
	})
	defer plc.close()

	host, port := plc.addr()
	s, err := NewSession(host, port, WithTimeout(2*time.Second))
	require.NoError(t, err)
	defer s.Close()

	require.NoError(t, s.WriteString("D", 300, "Hello"))

	want := encodeStringWords("Hello")
	require.Equal(t, want, writeFrame[len(writeFrame)-len(want):])
}

func TestSession_ReadString_DecodesWords(t *testing.T) {
	ap := defaultAccessPath()
	maxChars := 4
	packed := encodeStringWords("Hi")
	padded := make([]byte, maxCharsToWords(maxChars)*2)
	copy(padded, packed)
	plc := newFakePLC(t, func(req []byte) []byte {
		return successResponse3E(ap, padded)
	})
	defer plc.close()

	host, port := plc.addr()
	s, err := NewSession(host, port, WithTimeout(2*time.Second))
	require.NoError(t, err)
	defer s.Close()

	got, err := s.ReadString("D", 300, maxChars)
	require.NoError(t, err)
	require.Equal(t, "Hi", got)
}

func TestSession_ConstructionRejectsUnknownFraming(t *testing.T) {
	_, err := NewSession("127.0.0.1", 9999, WithFraming(Framing(99)))
	require.Error(t, err)
	require.IsType(t, &ProtocolUsageError{}, err)
}

func TestSession_OperationsAfterClose(t *testing.T) {
	s, err := NewSession("127.0.0.1", 9999)
	require.NoError(t, err)
	require.NoError(t, s.Close())

	_, err = s.ReadWords("D", 0, 1)
	require.Error(t, err)
	require.IsType(t, &SessionClosedError{}, err)
}
