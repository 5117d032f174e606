package heap

import (
	"context"

	"github.com/besos/kmem/memutils"
	"github.com/besos/kmem/memutils/metadata"
	"github.com/dustin/go-humanize"
	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
	"golang.org/x/exp/slog"
)

// Status is a point-in-time summary of how the heap's region is being used
type Status struct {
	// TotalPages is the number of pages in the region, including any holding the page bitmap
	TotalPages int
	// AllocatedPages is the number of pages that are not available to be granted
	AllocatedPages int
	// FreePages is the number of pages that could still be granted
	FreePages int
	// HeapPages is the number of pages blocks are being carved from
	HeapPages int
	// RawPages is the number of pages granted whole through PageAlloc
	RawPages int
	// Allocations is the number of live blocks across every heap page
	Allocations int
	// UsedBytes is the number of bytes handed out to callers, counting each block's usable size
	// and each raw page in full
	UsedBytes int
}

// Status collects the heap's page and byte counts without modifying any state
func (h *Heap) Status() Status {
	h.mutex.RLock()
	defer h.mutex.RUnlock()

	return h.status()
}

func (h *Heap) status() Status {
	var stats memutils.Statistics
	h.pages.AddStatistics(&stats)

	total := h.pageSource.PageCount()
	free := h.pageSource.FreeCount()
	rawPages := h.rawPages.Count()

	return Status{
		TotalPages:     total,
		AllocatedPages: total - free,
		FreePages:      free,
		HeapPages:      stats.PageCount,
		RawPages:       rawPages,
		Allocations:    stats.AllocationCount,
		UsedBytes:      stats.AllocationBytes + rawPages*memutils.PageSize,
	}
}

// CalculateStatistics sums the block statistics of every heap page
func (h *Heap) CalculateStatistics(stats *memutils.DetailedStatistics) {
	stats.Clear()

	h.mutex.RLock()
	defer h.mutex.RUnlock()

	h.pages.AddDetailedStatistics(stats)
}

// DumpStatus writes the heap's status to the logger at info level, followed by every heap page and
// its blocks at debug level. No state is modified.
func (h *Heap) DumpStatus() {
	h.mutex.RLock()
	defer h.mutex.RUnlock()

	ctx := context.Background()
	status := h.status()

	h.logger.LogAttrs(ctx, slog.LevelInfo, "memory status",
		slog.Int("totalPages", status.TotalPages),
		slog.Int("allocatedPages", status.AllocatedPages),
		slog.Int("freePages", status.FreePages),
		slog.Int("heapPages", status.HeapPages),
		slog.Int("rawPages", status.RawPages),
		slog.Int("allocations", status.Allocations),
		slog.String("usedBytes", humanize.IBytes(uint64(status.UsedBytes))),
		slog.String("freeBytes", humanize.IBytes(uint64(status.FreePages)*memutils.PageSize)),
	)

	if !h.logger.Enabled(ctx, slog.LevelDebug) {
		return
	}

	for _, page := range h.pages.pages {
		md := page.metadata
		h.logger.LogAttrs(ctx, slog.LevelDebug, "  heap page",
			slog.Uint64("address", uint64(page.address)),
			slog.Int("allocations", md.AllocationCount()),
			slog.Int("freeRegions", md.FreeRegionsCount()),
			slog.Int("freeBytes", md.SumFreeSize()),
			slog.Int("largestFreeBlock", md.LargestFreeBlock()),
		)

		_ = md.VisitAllRegions(func(block metadata.BlockInfo) error {
			h.logger.LogAttrs(ctx, slog.LevelDebug, "    block",
				slog.Uint64("address", uint64(block.Address)),
				slog.Int("size", block.Size),
				slog.Bool("free", block.Free),
			)
			return nil
		})
	}
}

func printStatistics(json *jwriter.ObjectState, stats *memutils.DetailedStatistics) {
	json.Name("PageCount").Int(stats.PageCount)
	json.Name("PageBytes").Int(stats.PageBytes)
	json.Name("AllocationCount").Int(stats.AllocationCount)
	json.Name("AllocationBytes").Int(stats.AllocationBytes)
	json.Name("HeaderBytes").Int(stats.HeaderBytes)
	json.Name("UnusedRangeCount").Int(stats.UnusedRangeCount)

	if stats.AllocationCount > 1 {
		json.Name("AllocationSizeMin").Int(stats.AllocationSizeMin)
		json.Name("AllocationSizeMax").Int(stats.AllocationSizeMax)
	}
	if stats.UnusedRangeCount > 1 {
		json.Name("UnusedRangeSizeMin").Int(stats.UnusedRangeSizeMin)
		json.Name("UnusedRangeSizeMax").Int(stats.UnusedRangeSizeMax)
	}
}

// BuildStatsString returns a JSON document describing the heap. When detailedMap is true, every
// heap page is listed along with each of its blocks.
func (h *Heap) BuildStatsString(detailedMap bool) string {
	var stats memutils.DetailedStatistics
	stats.Clear()

	h.mutex.RLock()
	defer h.mutex.RUnlock()

	h.pages.AddDetailedStatistics(&stats)
	status := h.status()

	writer := jwriter.NewWriter()
	rootObj := writer.Object()

	generalObj := rootObj.Name("General").Object()
	generalObj.Name("RegionBegin").Float64(float64(h.arena.Region().Begin))
	generalObj.Name("RegionLength").Float64(float64(h.arena.Region().Length))
	generalObj.Name("Strategy").String(h.pages.Strategy().String())
	generalObj.Name("PagePolicy").String(h.pagePolicy.String())
	generalObj.Name("Flags").String(h.createFlags.String())
	generalObj.End()

	pagesObj := rootObj.Name("Pages").Object()
	pagesObj.Name("Total").Int(status.TotalPages)
	pagesObj.Name("Allocated").Int(status.AllocatedPages)
	pagesObj.Name("Free").Int(status.FreePages)
	pagesObj.Name("Heap").Int(status.HeapPages)
	pagesObj.Name("Raw").Int(status.RawPages)
	pagesObj.Name("UsedBytes").Int(status.UsedBytes)
	pagesObj.End()

	totalObj := rootObj.Name("Total").Object()
	printStatistics(&totalObj, &stats)
	totalObj.End()

	if detailedMap {
		mapObj := rootObj.Name("DetailedMap").Object()

		heapObj := mapObj.Name("HeapPages").Object()
		h.pages.PrintDetailedMap(&heapObj)
		heapObj.End()

		rawArray := mapObj.Name("RawPages").Array()
		h.rawPages.Visit(func(addr memutils.Address) {
			rawArray.Float64(float64(addr))
		})
		rawArray.End()

		mapObj.End()
	}

	rootObj.End()

	return string(writer.Bytes())
}
