//go:build !debug_kmem

package memutils

const (
	// DebugPoisonFreed indicates whether freed memory is overwritten with an easy-to-identify
	// marker so use-after-free writes can be detected.
	DebugPoisonFreed = false
)

// WriteMagicValue writes an easy-to-identify marker across the provided memory.
// This method no-ops unless the debug_kmem build tag is present.
func WriteMagicValue(data []byte) {
}

// ValidateMagicValue verifies that the easy-to-identify marker written by WriteMagicValue is still present.
// It returns true if the value is still present and false otherwise.
// This method always returns true unless the debug_kmem build tag is present.
func ValidateMagicValue(data []byte) bool {
	return true
}

// DebugValidate will call Validate on the provided object and panics if any errors are returned. This
// method no-ops unless the debug_kmem build tag is present
func DebugValidate(validatable Validatable) {
}
