package memutils

type Number interface {
	~int | ~uint | ~uint32 | ~uint64
}

func AlignUp[T Number](value T, alignment T) T {
	return (value + alignment - 1) &^ (alignment - 1)
}

func AlignDown[T Number](value T, alignment T) T {
	return value &^ (alignment - 1)
}

// MulOverflows multiplies two sizes and reports whether the product overflowed an int
func MulOverflows(a, b int) (int, bool) {
	if a < 0 || b < 0 {
		return 0, true
	}
	if a == 0 || b == 0 {
		return 0, false
	}

	product := a * b
	if product/b != a || product < 0 {
		return 0, true
	}

	return product, false
}
