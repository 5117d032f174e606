package metadata_test

import (
	"encoding/json"
	"math"
	"math/rand"
	"testing"

	"github.com/besos/kmem/memutils"
	"github.com/besos/kmem/memutils/metadata"
	"github.com/cockroachdb/errors"
	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
	"github.com/stretchr/testify/require"
)

const pageBase memutils.Address = 0x200000

var strategies = []metadata.FreeListStrategy{
	metadata.FreeListLIFO,
	metadata.FreeListAddressOrdered,
}

func newPage(t *testing.T, strategy metadata.FreeListStrategy) (metadata.PageMetadata, []byte) {
	page := make([]byte, memutils.PageSize)
	md, err := metadata.NewPageMetadata(strategy, pageBase, page)
	require.NoError(t, err)
	md.Init()
	require.NoError(t, md.Validate())
	return md, page
}

func payload(page []byte, addr memutils.Address, size int) []byte {
	offset := int(addr - pageBase)
	return page[offset : offset+size]
}

func TestPageInit(t *testing.T) {
	for _, strategy := range strategies {
		t.Run(strategy.String(), func(t *testing.T) {
			md, _ := newPage(t, strategy)

			require.Equal(t, strategy, md.Strategy())
			require.Equal(t, pageBase, md.Base())
			require.True(t, md.IsEmpty())
			require.Equal(t, 0, md.AllocationCount())
			require.Equal(t, 1, md.FreeRegionsCount())
			require.Equal(t, metadata.PageBodySize, md.SumFreeSize())
			require.Equal(t, metadata.MaxBlockSize, md.LargestFreeBlock())

			var stats memutils.DetailedStatistics
			stats.Clear()
			md.AddDetailedStatistics(&stats)

			require.Equal(t, memutils.DetailedStatistics{
				Statistics: memutils.Statistics{
					PageCount:       1,
					PageBytes:       memutils.PageSize,
					AllocationCount: 0,
					AllocationBytes: 0,
					HeaderBytes:     metadata.PageHeaderSize,
				},
				UnusedRangeCount:   1,
				AllocationSizeMin:  math.MaxInt,
				AllocationSizeMax:  0,
				UnusedRangeSizeMin: metadata.MaxBlockSize,
				UnusedRangeSizeMax: metadata.MaxBlockSize,
			}, stats)
		})
	}
}

func TestPageAllocSplits(t *testing.T) {
	md, _ := newPage(t, metadata.FreeListLIFO)

	addr, err := md.Alloc(100)
	require.NoError(t, err)
	require.Equal(t, pageBase+metadata.PageHeaderSize+metadata.BlockHeaderSize, addr)
	require.Zero(t, uint64(addr)%metadata.BlockAlignment)

	usable, err := md.UsableSize(addr)
	require.NoError(t, err)
	require.Equal(t, 112, usable)

	requested, err := md.RequestedSize(addr)
	require.NoError(t, err)
	require.Equal(t, 100, requested)

	var stats memutils.DetailedStatistics
	stats.Clear()
	md.AddDetailedStatistics(&stats)

	require.Equal(t, memutils.DetailedStatistics{
		Statistics: memutils.Statistics{
			PageCount:       1,
			PageBytes:       memutils.PageSize,
			AllocationCount: 1,
			AllocationBytes: 112,
			HeaderBytes:     metadata.PageHeaderSize + metadata.BlockHeaderSize,
		},
		UnusedRangeCount:   1,
		AllocationSizeMin:  112,
		AllocationSizeMax:  112,
		UnusedRangeSizeMin: 3936,
		UnusedRangeSizeMax: 3936,
	}, stats)

	require.Equal(t, 3952, md.SumFreeSize())
	require.NoError(t, md.Validate())
}

func TestPageAllocThenFreeRestoresFreeBytes(t *testing.T) {
	sizes := []int{1, 15, 16, 17, 100, 1000, 4000, 4047, 4048, 4049, metadata.MaxBlockSize}

	for _, strategy := range strategies {
		t.Run(strategy.String(), func(t *testing.T) {
			md, _ := newPage(t, strategy)

			// Leave a live allocation in place so the freed block is not the only block
			anchor, err := md.Alloc(64)
			require.NoError(t, err)

			for _, size := range sizes {
				if size > md.LargestFreeBlock() {
					continue
				}

				before := md.SumFreeSize()

				addr, err := md.Alloc(size)
				require.NoError(t, err, "size %d", size)
				require.Less(t, md.SumFreeSize(), before)
				require.NoError(t, md.Validate())

				require.NoError(t, md.Free(addr))
				require.Equal(t, before, md.SumFreeSize(), "size %d", size)
				require.NoError(t, md.Validate())
			}

			require.NoError(t, md.Free(anchor))
			require.True(t, md.IsEmpty())
			require.Equal(t, metadata.PageBodySize, md.SumFreeSize())
		})
	}
}

func TestPageUnsplitRemainder(t *testing.T) {
	md, _ := newPage(t, metadata.FreeListLIFO)

	// The 16 bytes left over could not hold a block header, so the whole block is handed out
	addr, err := md.Alloc(metadata.MaxBlockSize - metadata.BlockHeaderSize)
	require.NoError(t, err)

	usable, err := md.UsableSize(addr)
	require.NoError(t, err)
	require.Equal(t, metadata.MaxBlockSize, usable)
	require.Equal(t, 0, md.FreeRegionsCount())
	require.NoError(t, md.Validate())
}

func TestPageFullAfterLargestAllocation(t *testing.T) {
	for _, strategy := range strategies {
		t.Run(strategy.String(), func(t *testing.T) {
			md, _ := newPage(t, strategy)

			_, err := md.Alloc(metadata.MaxBlockSize)
			require.NoError(t, err)

			_, err = md.Alloc(1)
			require.True(t, errors.Is(err, memutils.ErrNoFit))
			require.False(t, errors.Is(err, memutils.ErrRequestTooLarge))
			require.False(t, md.MayHaveFreeBlock(1))
		})
	}
}

func TestPageRejectsImpossibleSizes(t *testing.T) {
	md, _ := newPage(t, metadata.FreeListLIFO)

	_, err := md.Alloc(metadata.MaxBlockSize + 1)
	require.True(t, errors.Is(err, memutils.ErrRequestTooLarge))
	require.False(t, errors.Is(err, memutils.ErrNoFit))
	require.False(t, md.MayHaveFreeBlock(metadata.MaxBlockSize+1))

	_, err = md.Alloc(0)
	require.Error(t, err)
	require.False(t, errors.Is(err, memutils.ErrNoFit))

	require.True(t, md.IsEmpty())
	require.NoError(t, md.Validate())
}

func TestPageLIFOFragments(t *testing.T) {
	md, _ := newPage(t, metadata.FreeListLIFO)

	a, err := md.Alloc(1000)
	require.NoError(t, err)
	b, err := md.Alloc(1000)
	require.NoError(t, err)
	_, err = md.Alloc(1000)
	require.NoError(t, err)

	require.NoError(t, md.Free(a))
	require.NoError(t, md.Free(b))

	// a and b are adjacent, but the LIFO list never merges them
	require.Equal(t, 3, md.FreeRegionsCount())
	require.Equal(t, 1008, md.LargestFreeBlock())

	var order []memutils.Address
	err = md.VisitFreeList(func(block metadata.BlockInfo) error {
		require.True(t, block.Free)
		order = append(order, block.Address)
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, []memutils.Address{b, a}, order[:2])

	_, err = md.Alloc(2000)
	require.True(t, errors.Is(err, memutils.ErrNoFit))
	require.NoError(t, md.Validate())
}

func TestPageAddressOrderedMerges(t *testing.T) {
	md, _ := newPage(t, metadata.FreeListAddressOrdered)

	a, err := md.Alloc(1000)
	require.NoError(t, err)
	b, err := md.Alloc(1000)
	require.NoError(t, err)
	c, err := md.Alloc(1000)
	require.NoError(t, err)

	require.NoError(t, md.Free(a))
	require.NoError(t, md.Free(b))

	require.Equal(t, 2, md.FreeRegionsCount())
	require.Equal(t, 2032, md.LargestFreeBlock())

	big, err := md.Alloc(2000)
	require.NoError(t, err)
	require.Equal(t, a, big)

	require.NoError(t, md.Free(c))
	require.NoError(t, md.Free(big))

	require.True(t, md.IsEmpty())
	require.Equal(t, 1, md.FreeRegionsCount())
	require.Equal(t, metadata.MaxBlockSize, md.LargestFreeBlock())
	require.NoError(t, md.Validate())
}

func TestPageAddressOrderedMergesBothNeighbors(t *testing.T) {
	md, _ := newPage(t, metadata.FreeListAddressOrdered)

	var addrs []memutils.Address
	for i := 0; i < 5; i++ {
		addr, err := md.Alloc(200)
		require.NoError(t, err)
		addrs = append(addrs, addr)
	}

	require.NoError(t, md.Free(addrs[1]))
	require.NoError(t, md.Free(addrs[3]))
	require.Equal(t, 3, md.FreeRegionsCount())

	// Freeing the block between two free blocks leaves one region in its place
	require.NoError(t, md.Free(addrs[2]))
	require.Equal(t, 2, md.FreeRegionsCount())

	var freeBlocks []metadata.BlockInfo
	err := md.VisitFreeList(func(block metadata.BlockInfo) error {
		freeBlocks = append(freeBlocks, block)
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, addrs[1], freeBlocks[0].Address)
	require.Equal(t, 3*208+2*metadata.BlockHeaderSize, freeBlocks[0].Size)
	require.NoError(t, md.Validate())
}

func TestPageRejectsBadFrees(t *testing.T) {
	for _, strategy := range strategies {
		t.Run(strategy.String(), func(t *testing.T) {
			md, _ := newPage(t, strategy)

			addr, err := md.Alloc(64)
			require.NoError(t, err)
			_, err = md.Alloc(64)
			require.NoError(t, err)

			err = md.Free(addr + memutils.PageSize)
			require.True(t, errors.Is(err, memutils.ErrInvalidFree))

			err = md.Free(addr + 8)
			require.True(t, errors.Is(err, memutils.ErrInvalidFree))

			err = md.Free(pageBase + metadata.PageHeaderSize)
			require.True(t, errors.Is(err, memutils.ErrInvalidFree))

			_, err = md.UsableSize(addr + 16)
			require.True(t, errors.Is(err, memutils.ErrInvalidFree))

			require.NoError(t, md.Free(addr))
			err = md.Free(addr)
			require.True(t, errors.Is(err, memutils.ErrDoubleFree))

			require.Equal(t, 1, md.AllocationCount())
			require.NoError(t, md.Validate())
		})
	}
}

func TestPageNoAliasing(t *testing.T) {
	for _, strategy := range strategies {
		t.Run(strategy.String(), func(t *testing.T) {
			md, page := newPage(t, strategy)

			sizes := []int{1, 33, 100, 250, 512, 17}
			addrs := make([]memutils.Address, len(sizes))
			for i, size := range sizes {
				addr, err := md.Alloc(size)
				require.NoError(t, err)
				addrs[i] = addr

				data := payload(page, addr, size)
				for j := range data {
					data[j] = byte(i + 1)
				}
			}

			require.NoError(t, md.Validate())

			for i, size := range sizes {
				for _, value := range payload(page, addrs[i], size) {
					require.Equal(t, byte(i+1), value)
				}
			}
		})
	}
}

func TestPageRegionsTileTheBody(t *testing.T) {
	md, _ := newPage(t, metadata.FreeListLIFO)

	for _, size := range []int{10, 300, 7, 1200} {
		_, err := md.Alloc(size)
		require.NoError(t, err)
	}

	var total, allocated int
	err := md.VisitAllRegions(func(block metadata.BlockInfo) error {
		total += block.Size + metadata.BlockHeaderSize
		if !block.Free {
			allocated++
			require.NotZero(t, block.RequestedSize)
		}
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, metadata.PageBodySize, total)
	require.Equal(t, 4, allocated)
}

func TestOpenPageMetadata(t *testing.T) {
	_, page := newPage(t, metadata.FreeListAddressOrdered)

	reopened, err := metadata.OpenPageMetadata(pageBase, page)
	require.NoError(t, err)
	require.Equal(t, metadata.FreeListAddressOrdered, reopened.Strategy())
	require.NoError(t, reopened.Validate())

	_, err = metadata.OpenPageMetadata(pageBase, make([]byte, memutils.PageSize))
	require.Error(t, err)

	_, err = metadata.NewPageMetadata(metadata.FreeListStrategy(99), pageBase, page)
	require.Error(t, err)

	_, err = metadata.NewPageMetadata(metadata.FreeListLIFO, pageBase+8, page)
	require.True(t, errors.Is(err, memutils.ErrMisalignedAddress))
}

func TestPageBlockJsonDataSharesObject(t *testing.T) {
	md, _ := newPage(t, metadata.FreeListAddressOrdered)
	_, err := md.Alloc(100)
	require.NoError(t, err)

	writer := jwriter.NewWriter()
	obj := writer.Object()
	md.BlockJsonData(&obj)
	obj.Name("Blocks").Int(md.AllocationCount())
	obj.End()

	output := writer.Bytes()
	require.NoError(t, writer.Error())
	require.True(t, json.Valid(output), string(output))

	var decoded struct {
		TotalBytes  int
		Allocations int
		Strategy    string
		Blocks      int
	}
	require.NoError(t, json.Unmarshal(output, &decoded))
	require.Equal(t, memutils.PageSize, decoded.TotalBytes)
	require.Equal(t, 1, decoded.Allocations)
	require.Equal(t, "AddressOrdered", decoded.Strategy)
	require.Equal(t, 1, decoded.Blocks)
}

func TestPageValidateDetectsCorruption(t *testing.T) {
	md, page := newPage(t, metadata.FreeListLIFO)

	_, err := md.Alloc(64)
	require.NoError(t, err)

	// Smash the size field of the first block header
	page[metadata.PageHeaderSize] = 0xff
	require.Error(t, md.Validate())
}

func TestPageRandomWorkload(t *testing.T) {
	for _, strategy := range strategies {
		t.Run(strategy.String(), func(t *testing.T) {
			md, page := newPage(t, strategy)
			rng := rand.New(rand.NewSource(42))

			type live struct {
				addr    memutils.Address
				size    int
				pattern byte
			}
			var allocations []live

			for step := 0; step < 2000; step++ {
				if len(allocations) > 0 && rng.Intn(2) == 0 {
					index := rng.Intn(len(allocations))
					alloc := allocations[index]
					for _, value := range payload(page, alloc.addr, alloc.size) {
						require.Equal(t, alloc.pattern, value)
					}

					require.NoError(t, md.Free(alloc.addr))
					allocations = append(allocations[:index], allocations[index+1:]...)
				} else {
					size := 1 + rng.Intn(300)
					addr, err := md.Alloc(size)
					if errors.Is(err, memutils.ErrNoFit) {
						continue
					}
					require.NoError(t, err)

					pattern := byte(step)
					data := payload(page, addr, size)
					for i := range data {
						data[i] = pattern
					}
					allocations = append(allocations, live{addr: addr, size: size, pattern: pattern})
				}

				require.NoError(t, md.Validate())
				require.Equal(t, len(allocations), md.AllocationCount())
			}

			for _, alloc := range allocations {
				require.NoError(t, md.Free(alloc.addr))
			}
			require.True(t, md.IsEmpty())
			require.Equal(t, metadata.PageBodySize, md.SumFreeSize())
			require.NoError(t, md.CheckCorruption())
		})
	}
}
