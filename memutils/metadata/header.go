package metadata

import (
	"encoding/binary"

	"github.com/besos/kmem/memutils"
)

const (
	// PageHeaderSize is the number of bytes at the start of every heap page reserved for the
	// page header
	PageHeaderSize = 16
	// BlockHeaderSize is the number of bytes immediately preceding every block's payload
	BlockHeaderSize = 16
	// BlockAlignment is the alignment of every payload address and every payload size
	BlockAlignment = 16
	// PageBodySize is the number of bytes in a page available to blocks and their headers
	PageBodySize = memutils.PageSize - PageHeaderSize
	// MaxBlockSize is the largest payload a single page can ever hand out
	MaxBlockSize = PageBodySize - BlockHeaderSize

	blockSlots = memutils.PageSize / BlockAlignment
)

// Page header layout
const (
	pageFreeHeadField  = 0
	pageLiveCountField = 4
	pageMagicField     = 8
	pageStrategyField  = 12

	pageMagic uint32 = 0x4B4D5047
)

// Block header layout
const (
	blockSizeField      = 0
	blockNextField      = 4
	blockStateField     = 8
	blockRequestedField = 12

	blockStateAllocated uint32 = 0xA110CA7E
	blockStateFree      uint32 = 0xF4EEB10C
)

// noBlock terminates a free list. Offset zero is always the page header, so it can never
// be the offset of a block.
const noBlock = 0

func getU32(data []byte, off int) uint32 {
	return binary.LittleEndian.Uint32(data[off : off+4])
}

func putU32(data []byte, off int, v uint32) {
	binary.LittleEndian.PutUint32(data[off:off+4], v)
}

func (m *pageMetadataBase) freeHead() int { return int(getU32(m.page, pageFreeHeadField)) }
func (m *pageMetadataBase) setFreeHead(off int)  { putU32(m.page, pageFreeHeadField, uint32(off)) }
func (m *pageMetadataBase) liveCount() int { return int(getU32(m.page, pageLiveCountField)) }
func (m *pageMetadataBase) setLiveCount(n int)   { putU32(m.page, pageLiveCountField, uint32(n)) }
func (m *pageMetadataBase) blockSize(off int) int { return int(getU32(m.page, off+blockSizeField)) }
func (m *pageMetadataBase) blockNext(off int) int { return int(getU32(m.page, off+blockNextField)) }
func (m *pageMetadataBase) blockState(off int) uint32 {
	return getU32(m.page, off+blockStateField)
}
func (m *pageMetadataBase) blockRequested(off int) int {
	return int(getU32(m.page, off+blockRequestedField))
}

func (m *pageMetadataBase) setBlockSize(off, size int) {
	putU32(m.page, off+blockSizeField, uint32(size))
}

func (m *pageMetadataBase) setBlockNext(off, next int) {
	putU32(m.page, off+blockNextField, uint32(next))
}

func (m *pageMetadataBase) setBlockState(off int, state uint32) {
	putU32(m.page, off+blockStateField, state)
}

func (m *pageMetadataBase) setBlockRequested(off, requested int) {
	putU32(m.page, off+blockRequestedField, uint32(requested))
}

// writeFreeBlock writes a complete free block header at off
func (m *pageMetadataBase) writeFreeBlock(off, size, next int) {
	m.setBlockSize(off, size)
	m.setBlockNext(off, next)
	m.setBlockState(off, blockStateFree)
	m.setBlockRequested(off, 0)
}

// payload returns the bytes described by the block header at off
func (m *pageMetadataBase) payload(off int) []byte {
	start := off + BlockHeaderSize
	end := start + m.blockSize(off)
	return m.page[start:end:end]
}
