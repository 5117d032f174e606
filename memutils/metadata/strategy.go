package metadata

// FreeListStrategy selects how freed blocks are returned to a page's free list. Allocation is
// first-fit for every strategy.
type FreeListStrategy uint32

const (
	// FreeListLIFO pushes freed blocks onto the head of the free list and never merges them with
	// their neighbors. Freeing is constant-time, but alternating large and small allocations
	// fragment the page monotonically.
	FreeListLIFO FreeListStrategy = iota + 1
	// FreeListAddressOrdered keeps the free list sorted by address and merges freed blocks with
	// any free block immediately before or after them, so a page whose allocations have all been
	// freed is once again a single free block.
	FreeListAddressOrdered
)

var freeListStrategyMapping = map[FreeListStrategy]string{
	FreeListLIFO:           "LIFO",
	FreeListAddressOrdered: "AddressOrdered",
}

func (s FreeListStrategy) String() string {
	return freeListStrategyMapping[s]
}
