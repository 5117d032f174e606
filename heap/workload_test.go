package heap

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math/rand"
	"strconv"
	"sync"
	"testing"

	"github.com/besos/kmem/memutils"
	"github.com/besos/kmem/memutils/metadata"
	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type liveAllocation struct {
	addr  memutils.Address
	size  int
	value byte
}

func runRandomWorkload(t *testing.T, heap *Heap, seed int64, steps int) {
	rng := rand.New(rand.NewSource(seed))
	var live []liveAllocation
	var nextValue byte

	for step := 0; step < steps; step++ {
		nextValue++
		op := rng.Intn(10)

		switch {
		case op < 4 || len(live) == 0:
			size := 1 + rng.Intn(1500)
			addr, err := heap.Malloc(size)
			if errors.Is(err, memutils.ErrAllocationExhausted) {
				continue
			}
			require.NoError(t, err)

			fill(t, heap, addr, size, nextValue)
			live = append(live, liveAllocation{addr: addr, size: size, value: nextValue})
		case op < 5:
			count := 1 + rng.Intn(32)
			addr, err := heap.Calloc(count, 8)
			if errors.Is(err, memutils.ErrAllocationExhausted) {
				continue
			}
			require.NoError(t, err)

			requireFilled(t, heap, addr, count*8, 0)
			fill(t, heap, addr, count*8, nextValue)
			live = append(live, liveAllocation{addr: addr, size: count * 8, value: nextValue})
		case op < 7:
			index := rng.Intn(len(live))
			alloc := live[index]
			size := 1 + rng.Intn(2000)

			addr, err := heap.Realloc(alloc.addr, size)
			if errors.Is(err, memutils.ErrAllocationExhausted) {
				requireFilled(t, heap, alloc.addr, alloc.size, alloc.value)
				continue
			}
			require.NoError(t, err)

			kept := min(alloc.size, size)
			requireFilled(t, heap, addr, kept, alloc.value)
			fill(t, heap, addr, size, nextValue)
			live[index] = liveAllocation{addr: addr, size: size, value: nextValue}
		default:
			index := rng.Intn(len(live))
			alloc := live[index]
			requireFilled(t, heap, alloc.addr, alloc.size, alloc.value)
			require.NoError(t, heap.Free(alloc.addr))

			live[index] = live[len(live)-1]
			live = live[:len(live)-1]
		}

		require.NoError(t, heap.Validate(), "step %d", step)
		require.NoError(t, heap.CheckCorruption(), "step %d", step)
	}

	for _, alloc := range live {
		requireFilled(t, heap, alloc.addr, alloc.size, alloc.value)
		require.NoError(t, heap.Free(alloc.addr))
	}

	require.NoError(t, heap.Validate())
	require.Equal(t, 0, heap.Status().Allocations)
	require.NoError(t, heap.Destroy())
	require.Equal(t, heap.Status().TotalPages, heap.Status().FreePages)
}

func TestRandomWorkload(t *testing.T) {
	for _, strategy := range []metadata.FreeListStrategy{metadata.FreeListLIFO, metadata.FreeListAddressOrdered} {
		for _, policy := range []PagePolicy{PagePolicyReuse, PagePolicyFreshPage} {
			for _, flags := range []CreateFlags{0, CreateRetainEmptyPages} {
				name := fmt.Sprintf("%s/%s/%s", strategy, policy, flags)
				t.Run(name, func(t *testing.T) {
					heap := readyHeap(t, HeapSetup{
						PageCount: 16,
						Options: CreateOptions{
							Flags:      flags,
							Strategy:   strategy,
							PagePolicy: policy,
						},
					})

					runRandomWorkload(t, heap, 42, 1500)
				})
			}
		}
	}
}

func TestConcurrentAccess(t *testing.T) {
	heap := readyHeap(t, HeapSetup{PageCount: 64})

	var wg sync.WaitGroup
	for worker := 0; worker < 8; worker++ {
		wg.Add(1)
		go func(worker int) {
			defer wg.Done()

			rng := rand.New(rand.NewSource(int64(worker)))
			value := byte(worker + 1)
			var live []liveAllocation

			for i := 0; i < 500; i++ {
				if len(live) < 8 && rng.Intn(2) == 0 {
					size := 1 + rng.Intn(1000)
					addr, err := heap.Malloc(size)
					if !assert.NoError(t, err) {
						return
					}

					data, err := heap.Bytes(addr, size)
					if !assert.NoError(t, err) {
						return
					}
					for j := range data {
						data[j] = value
					}
					live = append(live, liveAllocation{addr: addr, size: size, value: value})
					continue
				}

				if len(live) == 0 {
					continue
				}

				alloc := live[len(live)-1]
				live = live[:len(live)-1]

				data, err := heap.Bytes(alloc.addr, alloc.size)
				if !assert.NoError(t, err) {
					return
				}
				for j := range data {
					if !assert.Equal(t, alloc.value, data[j]) {
						return
					}
				}
				assert.NoError(t, heap.Free(alloc.addr))
			}

			for _, alloc := range live {
				assert.NoError(t, heap.Free(alloc.addr))
			}
		}(worker)
	}
	wg.Wait()

	require.NoError(t, heap.Validate())
	status := heap.Status()
	require.Equal(t, 0, status.Allocations)
	require.Equal(t, 0, status.HeapPages)
	require.Equal(t, 64, status.FreePages)

	counters := heap.Counters()
	require.Equal(t, counters.Mallocs, counters.Frees)
}

func TestBuildStatsString(t *testing.T) {
	heap := readyHeap(t, HeapSetup{PageCount: 4})

	p, err := heap.Malloc(100)
	require.NoError(t, err)
	_, err = heap.Malloc(200)
	require.NoError(t, err)
	raw, err := heap.PageAlloc()
	require.NoError(t, err)
	require.NoError(t, heap.Free(p))

	stats := heap.BuildStatsString(true)
	require.True(t, json.Valid([]byte(stats)), stats)

	var doc struct {
		General struct {
			Strategy   string
			PagePolicy string
			Flags      string
		}
		Pages struct {
			Total int
			Free  int
			Heap  int
			Raw   int
		}
		Total struct {
			PageCount       int
			AllocationCount int
		}
		DetailedMap struct {
			HeapPages map[string]struct {
				Allocations int
				Blocks      []struct {
					Offset int
					Size   int
					Type   string
				}
			}
			RawPages []float64
		}
	}
	require.NoError(t, json.Unmarshal([]byte(stats), &doc))

	require.Equal(t, "AddressOrdered", doc.General.Strategy)
	require.Equal(t, "Reuse", doc.General.PagePolicy)
	require.Equal(t, "None", doc.General.Flags)

	require.Equal(t, 4, doc.Pages.Total)
	require.Equal(t, 2, doc.Pages.Free)
	require.Equal(t, 1, doc.Pages.Heap)
	require.Equal(t, 1, doc.Pages.Raw)
	require.Equal(t, 1, doc.Total.PageCount)
	require.Equal(t, 1, doc.Total.AllocationCount)

	pageKey := strconv.FormatUint(uint64(p.PageBase()), 16)
	require.Contains(t, doc.DetailedMap.HeapPages, pageKey)

	page := doc.DetailedMap.HeapPages[pageKey]
	require.Equal(t, 1, page.Allocations)
	require.Len(t, page.Blocks, 3)
	require.Equal(t, "FREE", page.Blocks[0].Type)
	require.Equal(t, 112, page.Blocks[0].Size)
	require.Equal(t, "ALLOCATED", page.Blocks[1].Type)
	require.Equal(t, 208, page.Blocks[1].Size)
	require.Equal(t, "FREE", page.Blocks[2].Type)

	require.Equal(t, []float64{float64(raw)}, doc.DetailedMap.RawPages)

	summary := heap.BuildStatsString(false)
	require.True(t, json.Valid([]byte(summary)), summary)
	require.NotContains(t, summary, "DetailedMap")
}

func TestDumpStatus(t *testing.T) {
	var logs bytes.Buffer
	heap := readyHeap(t, HeapSetup{PageCount: 4, LogOutput: &logs})

	_, err := heap.Malloc(100)
	require.NoError(t, err)
	_, err = heap.PageAlloc()
	require.NoError(t, err)

	before := heap.Status()
	logs.Reset()
	heap.DumpStatus()
	require.Equal(t, before, heap.Status())

	output := logs.String()
	require.Contains(t, output, `"msg":"memory status"`)
	require.Contains(t, output, `"totalPages":4`)
	require.Contains(t, output, `"heapPages":1`)
	require.Contains(t, output, `"rawPages":1`)
	require.Contains(t, output, `"freeBytes":"8.0 KiB"`)
	require.Contains(t, output, `"msg":"  heap page"`)
	require.Contains(t, output, `"msg":"    block"`)
}
