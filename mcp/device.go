package mcp

// Kind distinguishes the two value domains a device class can carry.
type Kind int

const (
	// Word devices hold an unsigned 16-bit value per point.
	Word Kind = iota
	// Bit devices hold a single boolean per point.
	Bit
)

func (k Kind) String() string {
	if k == Bit {
		return "bit"
	}
	return "word"
}

// deviceInfo is the compile-time (code, kind) pair for one device class.
type deviceInfo struct {
	code byte
	kind Kind
}

// deviceTable is the fixed class -> (wire code, kind) mapping from the MC
// protocol reference. Unknown tags are rejected by every public operation.
var deviceTable = map[string]deviceInfo{
	"D":  {0xA8, Word},
	"W":  {0xB4, Word},
	"M":  {0x90, Bit},
	"X":  {0x9C, Bit},
	"Y":  {0x9D, Bit},
	"B":  {0xA0, Bit},
	"SM": {0x91, Bit},
	"SD": {0xA9, Word},
	"TS": {0xC1, Bit},
	"TC": {0xC0, Bit},
	"TN": {0xC2, Word},
	"SS": {0xC7, Bit},
	"SC": {0xC6, Bit},
	"SN": {0xC8, Word},
	"CS": {0xC4, Bit},
	"CC": {0xC3, Bit},
	"CN": {0xC5, Word},
	"R":  {0xAF, Word},
	"ZR": {0xB0, Word},
}

// lookupDevice resolves a device class tag, returning a ProtocolUsageError
// for anything not in the fixed table.
func lookupDevice(class string) (deviceInfo, error) {
	info, ok := deviceTable[class]
	if !ok {
		return deviceInfo{}, &ProtocolUsageError{Op: "lookup", Class: class, Reason: "unknown device class"}
	}
	return info, nil
}

// IsBitClass reports whether class is a recognised bit device.
func IsBitClass(class string) bool {
	info, err := lookupDevice(class)
	return err == nil && info.kind == Bit
}

// IsWordClass reports whether class is a recognised word device.
func IsWordClass(class string) bool {
	info, err := lookupDevice(class)
	return err == nil && info.kind == Word
}

// Address is an absolute (class, number) device reference.
type Address struct {
	Class  string
	Number uint32
}

const maxDeviceNumber = 1<<24 - 1

func (a Address) validate() error {
	if _, err := lookupDevice(a.Class); err != nil {
		return err
	}
	if a.Number > maxDeviceNumber {
		return &ProtocolUsageError{Op: "address", Class: a.Class, Reason: "device number exceeds 24 bits"}
	}
	return nil
}
