//go:build debug_kmem

package memutils

import "encoding/binary"

const (
	// DebugPoisonFreed indicates whether freed memory is overwritten with an easy-to-identify
	// marker so use-after-free writes can be detected.
	DebugPoisonFreed = true
	// corruptionDetectionMagicValue is a 4-byte pattern that is copied over freed memory
	corruptionDetectionMagicValue uint32 = 0x7F84E666
)

// WriteMagicValue writes an easy-to-identify marker across the provided memory. Trailing bytes
// that do not make up a whole 4-byte word are left alone.
// This method no-ops unless the debug_kmem build tag is present.
func WriteMagicValue(data []byte) {
	for i := 0; i+4 <= len(data); i += 4 {
		binary.LittleEndian.PutUint32(data[i:], corruptionDetectionMagicValue)
	}
}

// ValidateMagicValue verifies that the easy-to-identify marker written by WriteMagicValue is still present.
// It returns true if the value is still present and false otherwise.
// This method always returns true unless the debug_kmem build tag is present.
func ValidateMagicValue(data []byte) bool {
	for i := 0; i+4 <= len(data); i += 4 {
		if binary.LittleEndian.Uint32(data[i:]) != corruptionDetectionMagicValue {
			return false
		}
	}

	return true
}

// DebugValidate will call Validate on the provided object and panics if any errors are returned. This
// method no-ops unless the debug_kmem build tag is present
func DebugValidate(validatable Validatable) {
	err := validatable.Validate()
	if err != nil {
		panic(err)
	}
}
