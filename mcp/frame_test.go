package mcp

import (
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestBuildReadRequest_3E(t *testing.T) {
	ap := defaultAccessPath()

	got, err := buildReadRequest(ap, "D", 100, 2)
	if err != nil {
		t.Fatalf("buildReadRequest: %v", err)
	}

	want := []byte{
		0x50, 0x00, // subheader
		0x00, 0xFF, // network, PC
		0xFF, 0x03, // unit I/O
		0x00,       // unit station
		0x0C, 0x00, // request-data-length (12 bytes follow)
		0x20, 0x00, // monitoring timer
		0x01, 0x04, // command: read
		0x00, 0x00, // subcommand
		0x64, 0x00, 0x00, // device number 100, LE 24-bit
		0xA8,       // device code: D
		0x02, 0x00, // element count
	}

	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("buildReadRequest 3E mismatch (-want +got):\n%s", diff)
	}
}

func TestBuildReadRequest_4E(t *testing.T) {
	ap := defaultAccessPath()
	ap.Framing = Frame4E

	got, err := buildReadRequest(ap, "D", 100, 2)
	if err != nil {
		t.Fatalf("buildReadRequest: %v", err)
	}

	want := []byte{
		0x54, 0x00, // subheader
		0x00,       // reserved
		0x0E, 0x00, // request-data-length at bytes [3..5): 14 bytes from offset 11
		0x00,       // reserved
		0x00, 0xFF, // network, PC
		0xFF, 0xFF, // destination CPU monitoring timer
		0xFF, 0x03, // unit I/O
		0x00,       // unit station
		0x20, 0x00, // monitoring timer
		0x01, 0x04, // command: read
		0x00, 0x00, // subcommand
		0x64, 0x00, 0x00, // device number
		0xA8,       // device code: D
		0x02, 0x00, // element count
	}

	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("buildReadRequest 4E mismatch (-want +got):\n%s", diff)
	}
}

func TestBuildReadRequest_BitClass(t *testing.T) {
	ap := defaultAccessPath()

	got, err := buildReadRequest(ap, "X", 0x10, 4)
	if err != nil {
		t.Fatalf("buildReadRequest: %v", err)
	}

	// device code for X is 0x9C, element count 4
	want := []byte{
		0x50, 0x00,
		0x00, 0xFF,
		0xFF, 0x03,
		0x00,
		0x0C, 0x00,
		0x20, 0x00,
		0x01, 0x04,
		0x00, 0x00,
		0x10, 0x00, 0x00,
		0x9C,
		0x04, 0x00,
	}

	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("buildReadRequest bit class mismatch (-want +got):\n%s", diff)
	}
}

func TestBuildWriteRequest_Words(t *testing.T) {
	ap := defaultAccessPath()

	got, err := buildWriteRequest(ap, "D", 300, []Value{WordValue(1), WordValue(0x1234)})
	if err != nil {
		t.Fatalf("buildWriteRequest: %v", err)
	}

	prefix := []byte{
		0x50, 0x00,
		0x00, 0xFF,
		0xFF, 0x03,
		0x00,
		0x10, 0x00, // 16 bytes of body follow
		0x20, 0x00,
		0x01, 0x14, // command: write
		0x00, 0x00,
		0x2C, 0x01, 0x00, // device number 300
		0xA8,
		0x02, 0x00,
	}
	payload := []byte{0x01, 0x00, 0x34, 0x12}
	want := append(append([]byte(nil), prefix...), payload...)

	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("buildWriteRequest mismatch (-want +got):\n%s", diff)
	}
}

func TestBuildWriteRequest_Bits(t *testing.T) {
	ap := defaultAccessPath()

	got, err := buildWriteRequest(ap, "Y", 0, []Value{BoolValue(true), BoolValue(false)})
	if err != nil {
		t.Fatalf("buildWriteRequest: %v", err)
	}
	if got[len(got)-2] != 0x01 || got[len(got)-1] != 0x00 {
		t.Errorf("buildWriteRequest bit payload = %v, want trailing [1 0]", got)
	}
}

func TestBuildWriteRequest_KindMismatch(t *testing.T) {
	ap := defaultAccessPath()
	_, err := buildWriteRequest(ap, "D", 0, []Value{BoolValue(true)})
	if err == nil {
		t.Fatal("expected error writing a bool value to a word device")
	}
	if _, ok := err.(*ProtocolUsageError); !ok {
		t.Errorf("err = %T, want *ProtocolUsageError", err)
	}
}

func TestBuildReadRequest_UnknownClass(t *testing.T) {
	ap := defaultAccessPath()
	_, err := buildReadRequest(ap, "ZZ", 0, 1)
	if err == nil {
		t.Fatal("expected error for unknown device class")
	}
	if _, ok := err.(*ProtocolUsageError); !ok {
		t.Errorf("err = %T, want *ProtocolUsageError", err)
	}
}

func TestCheckCount(t *testing.T) {
	if err := checkCount(0, Word); err == nil {
		t.Error("expected error for zero count")
	}
	if err := checkCount(maxWordPoints+1, Word); err == nil {
		t.Error("expected error for word count above protocol maximum")
	}
	if err := checkCount(maxBitPoints, Bit); err != nil {
		t.Errorf("checkCount at bit maximum: %v", err)
	}
}

func TestEncodeStringWords(t *testing.T) {
	cases := []struct {
		in   string
		want []byte
	}{
		{"Hello", []byte{'H', 'e', 'l', 'l', 'o', 0x00}},
		{"ab", []byte{'a', 'b', 0x00, 0x00}},
	}
	for _, c := range cases {
		got := encodeStringWords(c.in)
		if diff := cmp.Diff(c.want, got); diff != "" {
			t.Errorf("encodeStringWords(%q) mismatch (-want +got):\n%s", c.in, diff)
		}
		if len(got)%2 != 0 {
			t.Errorf("encodeStringWords(%q) returned odd length %d", c.in, len(got))
		}
	}
}

func TestBuildWriteStringRequest(t *testing.T) {
	ap := defaultAccessPath()
	got, err := buildWriteStringRequest(ap, "D", 300, "Hello")
	if err != nil {
		t.Fatalf("buildWriteStringRequest: %v", err)
	}
	// "Hello" + NUL padding to even length = 6 bytes = 3 words
	wantTail := []byte{'H', 'e', 'l', 'l', 'o', 0x00}
	if diff := cmp.Diff(wantTail, got[len(got)-len(wantTail):]); diff != "" {
		t.Errorf("buildWriteStringRequest payload mismatch (-want +got):\n%s", diff)
	}
}

func TestBuildWriteStringRequest_RejectsBitClass(t *testing.T) {
	ap := defaultAccessPath()
	_, err := buildWriteStringRequest(ap, "X", 0, "hi")
	if err == nil {
		t.Fatal("expected error writing a string to a bit device class")
	}
}
