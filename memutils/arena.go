package memutils

import (
	cerrors "github.com/cockroachdb/errors"
)

// Arena is the backing memory for a Region. Byte 0 of the arena is addressed as Region.Begin.
type Arena struct {
	region Region
	data   []byte
}

// NewArena allocates zeroed backing memory for the provided region
func NewArena(region Region) (*Arena, error) {
	err := region.Validate()
	if err != nil {
		return nil, err
	}

	return &Arena{
		region: region,
		data:   make([]byte, region.Length),
	}, nil
}

// NewArenaFromBytes wraps memory the caller already owns, such as a memory-mapped file. The
// region length is len(data).
func NewArenaFromBytes(begin Address, data []byte) (*Arena, error) {
	region := Region{Begin: begin, Length: uint64(len(data))}
	err := region.Validate()
	if err != nil {
		return nil, err
	}

	return &Arena{region: region, data: data}, nil
}

// Region returns the region this arena backs
func (a *Arena) Region() Region { return a.region }

// Data returns the full backing memory
func (a *Arena) Data() []byte { return a.data }

// Offset converts an address to an offset into the backing memory
func (a *Arena) Offset(addr Address) (int, error) {
	if !a.region.Contains(addr) {
		return 0, cerrors.Wrapf(ErrOutOfRange, "address 0x%x is outside [0x%x, 0x%x)", uint64(addr), uint64(a.region.Begin), uint64(a.region.End()))
	}
	return int(addr - a.region.Begin), nil
}

// Bytes returns size bytes of backing memory starting at addr. The returned slice aliases the arena.
func (a *Arena) Bytes(addr Address, size int) ([]byte, error) {
	offset, err := a.Offset(addr)
	if err != nil {
		return nil, err
	}
	if size < 0 || size > len(a.data)-offset {
		return nil, cerrors.Wrapf(ErrOutOfRange, "%d bytes at 0x%x runs past the end of the region", size, uint64(addr))
	}
	return a.data[offset : offset+size : offset+size], nil
}

// Page returns the backing memory of the page that begins at addr
func (a *Arena) Page(addr Address) ([]byte, error) {
	if !addr.IsPageAligned() {
		return nil, cerrors.Wrapf(ErrMisalignedAddress, "page address 0x%x", uint64(addr))
	}
	return a.Bytes(addr, PageSize)
}
