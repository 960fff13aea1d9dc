package mcp

import (
	"encoding/binary"
)

// Framing selects one of the two wire-compatible MC protocol envelopes.
type Framing int

const (
	// Frame3E is the default envelope: subheader {0x50,0x00}.
	Frame3E Framing = iota
	// Frame4E adds a reserved response-length/serial region and
	// reorders the access path: subheader {0x54,0x00}.
	Frame4E
)

func (f Framing) String() string {
	if f == Frame4E {
		return "4E"
	}
	return "3E"
}

const (
	cmdRead  uint16 = 0x0401
	cmdWrite uint16 = 0x1401

	monitoringTimer uint16 = 0x0020

	maxWordPoints = 960
	maxBitPoints  = 7168
)

// accessPath is the framing-invariant set of routing parameters bound to a
// session at construction time.
type accessPath struct {
	Framing       Framing
	NetworkNo     byte
	PCNo          byte
	UnitIO        uint16
	UnitStation   byte
	MonitorTimer  uint16
}

func defaultAccessPath() accessPath {
	return accessPath{
		Framing:      Frame3E,
		NetworkNo:    0x00,
		PCNo:         0xFF,
		UnitIO:       0x03FF,
		UnitStation:  0x00,
		MonitorTimer: monitoringTimer,
	}
}

// subheader returns the 2-byte frame marker for ap's framing variant (I1).
func (ap accessPath) subheader() [2]byte {
	if ap.Framing == Frame4E {
		return [2]byte{0x54, 0x00}
	}
	return [2]byte{0x50, 0x00}
}

// bodyOffset is the byte offset, from the start of the frame, where the
// request-data-length measurement begins (§4.1: 3E=9, 4E=11).
func (ap accessPath) bodyOffset() int {
	if ap.Framing == Frame4E {
		return 11
	}
	return 9
}

// lengthFieldOffset is the byte offset of the 2-byte request-data-length
// field itself (§4.1: 3E bytes [7..9), 4E bytes [3..5)).
func (ap accessPath) lengthFieldOffset() int {
	if ap.Framing == Frame4E {
		return 3
	}
	return 7
}

// respEndCodeOffset is the byte offset of the little-endian end code in a
// response (3E=9, 4E=11).
func (ap accessPath) respEndCodeOffset() int {
	if ap.Framing == Frame4E {
		return 11
	}
	return 7 + 2
}

// respMinLength is the minimum legal response length (3E=11, 4E=15).
func (ap accessPath) respMinLength() int {
	if ap.Framing == Frame4E {
		return 15
	}
	return 11
}

// respPayloadOffset is the byte offset where response payload data begins
// (3E=11, 4E=15).
func (ap accessPath) respPayloadOffset() int {
	return ap.respMinLength()
}

// appendHeader writes subheader + access path for ap's framing variant,
// leaving the request-data-length field zeroed for later back-patching.
func (ap accessPath) appendHeader(buf []byte) []byte {
	sh := ap.subheader()
	buf = append(buf, sh[0], sh[1])

	switch ap.Framing {
	case Frame3E:
		buf = append(buf, ap.NetworkNo, ap.PCNo)
		buf = appendU16LE(buf, ap.UnitIO)
		buf = append(buf, ap.UnitStation)
		buf = append(buf, 0x00, 0x00) // request-data-length, patched later
	case Frame4E:
		buf = append(buf, 0x00, 0x00) // reserved; byte 3 receives the low byte of request-data-length
		buf = append(buf, 0x00, 0x00) // byte 4 receives its high byte; byte 5 stays zero
		buf = append(buf, ap.NetworkNo, ap.PCNo)
		buf = append(buf, 0xFF, 0xFF) // destination CPU monitoring timer
		buf = appendU16LE(buf, ap.UnitIO)
		buf = append(buf, ap.UnitStation)
	}
	return buf
}

// patchLength back-fills the request-data-length field now that the frame
// body is fully assembled (I2).
func (ap accessPath) patchLength(frame []byte) {
	bodyLen := len(frame) - ap.bodyOffset()
	off := ap.lengthFieldOffset()
	binary.LittleEndian.PutUint16(frame[off:off+2], uint16(bodyLen))
}

func appendU16LE(buf []byte, v uint16) []byte {
	return append(buf, byte(v), byte(v>>8))
}

func appendU24LE(buf []byte, v uint32) []byte {
	return append(buf, byte(v), byte(v>>8), byte(v>>16))
}

// appendDeviceHead appends the head-device region: 3-byte LE device number
// followed by the 1-byte device code.
func appendDeviceHead(buf []byte, number uint32, code byte) []byte {
	buf = appendU24LE(buf, number)
	return append(buf, code)
}

// buildRequest assembles the common {subheader, access path, monitor
// timer, command, subcommand, head device, element count} prefix shared by
// every read/write request.
func buildRequest(ap accessPath, command uint16, class string, number uint32, count int) ([]byte, deviceInfo, error) {
	info, err := lookupDevice(class)
	if err != nil {
		return nil, info, err
	}
	addr := Address{Class: class, Number: number}
	if err := addr.validate(); err != nil {
		return nil, info, err
	}

	buf := make([]byte, 0, 32)
	buf = ap.appendHeader(buf)
	buf = appendU16LE(buf, ap.MonitorTimer)
	buf = appendU16LE(buf, command)

	subcommand := uint16(0x0000)
	buf = appendU16LE(buf, subcommand)
	buf = appendDeviceHead(buf, number, info.code)
	buf = appendU16LE(buf, uint16(count))
	return buf, info, nil
}

func checkCount(count int, kind Kind) error {
	if count <= 0 {
		return &ProtocolUsageError{Op: "count", Reason: "element count must be positive"}
	}
	max := maxWordPoints
	if kind == Bit {
		max = maxBitPoints
	}
	if count > max {
		return &ProtocolUsageError{Op: "count", Reason: "element count exceeds protocol maximum"}
	}
	return nil
}

// buildReadRequest constructs a batch-read request frame for count points
// of class starting at number, word- or bit-addressed per the class's kind.
func buildReadRequest(ap accessPath, class string, number uint32, count int) ([]byte, error) {
	info, err := lookupDevice(class)
	if err != nil {
		return nil, err
	}
	if err := checkCount(count, info.kind); err != nil {
		return nil, err
	}
	frame, _, err := buildRequest(ap, cmdRead, class, number, count)
	if err != nil {
		return nil, err
	}
	ap.patchLength(frame)
	return frame, nil
}

// buildWriteRequest constructs a batch-write request frame. values must be
// in class's native encoding: Bit values as []Value{BoolValue(...)} or
// Word values as []Value{WordValue(...)}; mixing kinds is a usage error.
func buildWriteRequest(ap accessPath, class string, number uint32, values []Value) ([]byte, error) {
	info, err := lookupDevice(class)
	if err != nil {
		return nil, err
	}
	if err := checkCount(len(values), info.kind); err != nil {
		return nil, err
	}
	for _, v := range values {
		if v.Kind() != info.kind {
			return nil, &ProtocolUsageError{Op: "write", Class: class, Reason: "value kind does not match device class"}
		}
	}

	frame, _, err := buildRequest(ap, cmdWrite, class, number, len(values))
	if err != nil {
		return nil, err
	}

	switch info.kind {
	case Bit:
		for _, v := range values {
			if v.Bool() {
				frame = append(frame, 0x01)
			} else {
				frame = append(frame, 0x00)
			}
		}
	case Word:
		for _, v := range values {
			frame = appendU16LE(frame, v.Word())
		}
	}

	ap.patchLength(frame)
	return frame, nil
}

// encodeStringWords pads UTF-8 bytes to an even, NUL-terminated length and
// packs them two bytes (little-endian) per word, per spec.md §4.1.
func encodeStringWords(s string) []byte {
	b := []byte(s)
	if len(b)%2 == 1 {
		b = append(b, 0x00)
	} else {
		b = append(b, 0x00, 0x00)
	}
	return b
}

// buildWriteStringRequest constructs a write-string request: the string is
// encoded and NUL-padded to an even length, then packed two bytes per word.
// Only word device classes are valid targets.
func buildWriteStringRequest(ap accessPath, class string, number uint32, s string) ([]byte, error) {
	info, err := lookupDevice(class)
	if err != nil {
		return nil, err
	}
	if info.kind != Word {
		return nil, &ProtocolUsageError{Op: "write-string", Class: class, Reason: "string write is only supported for word devices"}
	}

	packed := encodeStringWords(s)
	elementCount := len(packed) / 2
	if err := checkCount(elementCount, Word); err != nil {
		return nil, err
	}

	frame, _, err := buildRequest(ap, cmdWrite, class, number, elementCount)
	if err != nil {
		return nil, err
	}
	frame = append(frame, packed...)
	ap.patchLength(frame)
	return frame, nil
}
