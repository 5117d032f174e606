package heap

import (
	"context"
	"fmt"
	"strconv"

	"github.com/besos/kmem/memutils"
	"github.com/besos/kmem/memutils/metadata"
	"github.com/cockroachdb/errors"
	"github.com/dolthub/swiss"
	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
	"golang.org/x/exp/slices"
	"golang.org/x/exp/slog"
)

// heapPageList is the registry of every page the heap has taken from its PageSource. Pages are kept
// in ascending address order so that reuse is deterministic, and indexed by address so that Free
// can find a block's page without a walk.
type heapPageList struct {
	logger     *slog.Logger
	arena      *memutils.Arena
	pageSource PageSource

	strategy         metadata.FreeListStrategy
	retainEmptyPages bool

	pages []*heapPage
	index *swiss.Map[memutils.Address, *heapPage]
}

func (l *heapPageList) Strategy() metadata.FreeListStrategy { return l.strategy }
func (l *heapPageList) PageCount() int                      { return len(l.pages) }

func (l *heapPageList) Init(
	logger *slog.Logger,
	arena *memutils.Arena,
	pageSource PageSource,
	strategy metadata.FreeListStrategy,
	retainEmptyPages bool,
) error {
	if strategy.String() == "" {
		return errors.Newf("unknown free list strategy: %d", strategy)
	}

	l.logger = logger
	l.arena = arena
	l.pageSource = pageSource
	l.strategy = strategy
	l.retainEmptyPages = retainEmptyPages
	l.pages = nil
	l.index = swiss.NewMap[memutils.Address, *heapPage](uint32(min(pageSource.PageCount(), 1024)))
	return nil
}

// Destroy returns every empty page to the page source. Pages that still hold allocations are
// logged and left registered, and an error is returned for each of them.
func (l *heapPageList) Destroy() error {
	var result error
	for _, page := range slices.Clone(l.pages) {
		err := l.releasePage(page)
		if err != nil {
			result = errors.CombineErrors(result, err)
		}
	}

	return result
}

func (l *heapPageList) Find(addr memutils.Address) (*heapPage, bool) {
	return l.index.Get(addr.PageBase())
}

func (l *heapPageList) AddStatistics(stats *memutils.Statistics) {
	for pageIndex := 0; pageIndex < len(l.pages); pageIndex++ {
		page := l.pages[pageIndex]
		if page == nil {
			panic(fmt.Sprintf("failed to take statistics of nil page at index %d", pageIndex))
		}
		page.metadata.AddStatistics(stats)
	}
}

func (l *heapPageList) AddDetailedStatistics(stats *memutils.DetailedStatistics) {
	for pageIndex := 0; pageIndex < len(l.pages); pageIndex++ {
		page := l.pages[pageIndex]
		if page == nil {
			panic(fmt.Sprintf("failed to take statistics of nil page at index %d", pageIndex))
		}
		page.metadata.AddDetailedStatistics(stats)
	}
}

func (l *heapPageList) HasNoAllocations() bool {
	for pageIndex := 0; pageIndex < len(l.pages); pageIndex++ {
		if !l.pages[pageIndex].metadata.IsEmpty() {
			return false
		}
	}

	return true
}

func comparePageAddress(page *heapPage, addr memutils.Address) int {
	switch {
	case page.address < addr:
		return -1
	case page.address > addr:
		return 1
	default:
		return 0
	}
}

// CreatePage takes a fresh page from the page source, initializes its free list, and registers it
func (l *heapPageList) CreatePage() (*heapPage, error) {
	address, ok := l.pageSource.AllocatePage()
	if !ok {
		return nil, errors.Wrapf(memutils.ErrAllocationExhausted, "all %d pages are granted", l.pageSource.PageCount())
	}

	page := pagePool.Get().(*heapPage)
	err := page.Init(l.logger, l.arena, address, l.strategy)
	if err != nil {
		pagePool.Put(page)

		freeErr := l.pageSource.FreePage(address)
		if freeErr != nil {
			return nil, errors.CombineErrors(err, freeErr)
		}
		return nil, err
	}

	insertAt, found := slices.BinarySearchFunc(l.pages, address, comparePageAddress)
	if found {
		panic(fmt.Sprintf("page source granted page 0x%x, which is already in use by the heap", uint64(address)))
	}
	l.pages = slices.Insert(l.pages, insertAt, page)
	l.index.Put(address, page)

	l.logger.LogAttrs(context.Background(), slog.LevelDebug, "    Created heap page", slog.Uint64("page.address", uint64(address)))
	return page, nil
}

func (l *heapPageList) Remove(address memutils.Address) {
	pageIndex, found := slices.BinarySearchFunc(l.pages, address, comparePageAddress)
	if !found {
		panic(fmt.Sprintf("attempted to remove page 0x%x from a page list that did not hold it", uint64(address)))
	}

	l.pages = slices.Delete(l.pages, pageIndex, pageIndex+1)
	l.index.Delete(address)
}

// releasePage unregisters an empty page and hands it back to the page source
func (l *heapPageList) releasePage(page *heapPage) error {
	if !page.metadata.IsEmpty() {
		// Logs the live blocks and leaves the page registered
		return page.Destroy()
	}

	address := page.address
	l.Remove(address)

	err := page.Destroy()
	if err != nil {
		return err
	}
	pagePool.Put(page)

	return l.pageSource.FreePage(address)
}

// Allocate carves a block of at least size bytes from one of the heap's pages. Under
// PagePolicyReuse every registered page is tried in address order before a new page is
// created. Under PagePolicyFreshPage only retained pages with no live blocks are reused.
func (l *heapPageList) Allocate(size int, policy PagePolicy) (memutils.Address, error) {
	// 1. Search existing pages
	for pageIndex := 0; pageIndex < len(l.pages); pageIndex++ {
		currentPage := l.pages[pageIndex]
		if currentPage == nil {
			panic(fmt.Sprintf("a heap page at index %d is unexpectedly nil", pageIndex))
		}

		if currentPage.metadata.IsEmpty() {
			// A retained page with no live blocks is as good as a fresh one
			currentPage.metadata.Init()
		} else if policy == PagePolicyFreshPage {
			continue
		}

		addr, err := l.allocFromPage(currentPage, size)
		if err == nil {
			l.logger.LogAttrs(context.Background(), slog.LevelDebug, "    Returned from existing page", slog.Uint64("page.address", uint64(currentPage.address)))
			return addr, nil
		} else if !errors.Is(err, memutils.ErrNoFit) {
			return memutils.NullAddress, err
		}
	}

	// 2. Try to create a new page
	page, err := l.CreatePage()
	if err != nil {
		return memutils.NullAddress, err
	}

	addr, err := l.allocFromPage(page, size)
	if err != nil {
		panic(fmt.Sprintf("created a new page to hold an allocation of size %d but the allocation failed: %+v", size, err))
	}

	return addr, nil
}

func (l *heapPageList) allocFromPage(page *heapPage, size int) (memutils.Address, error) {
	if !page.metadata.MayHaveFreeBlock(size) {
		return memutils.NullAddress, memutils.ErrNoFit
	}

	return page.metadata.Alloc(size)
}

// Free returns the block at addr to its page. The page itself is returned to the page source when
// its last block is freed, unless empty pages are retained.
func (l *heapPageList) Free(addr memutils.Address) error {
	page, ok := l.Find(addr)
	if !ok {
		return errors.Wrapf(memutils.ErrInvalidFree, "address 0x%x is not inside a heap page", uint64(addr))
	}

	err := page.metadata.Free(addr)
	if err != nil {
		return err
	}
	memutils.DebugValidate(page)

	l.logger.LogAttrs(context.Background(), slog.LevelDebug, "    Freed from page", slog.Uint64("page.address", uint64(page.address)))

	if page.metadata.IsEmpty() && !l.retainEmptyPages {
		l.logger.LogAttrs(context.Background(), slog.LevelDebug, "    Released empty page", slog.Uint64("page.address", uint64(page.address)))
		return l.releasePage(page)
	}

	return nil
}

func (l *heapPageList) Validate() error {
	if l.index.Count() != len(l.pages) {
		return errors.Newf("page index holds %d pages, but the page list holds %d", l.index.Count(), len(l.pages))
	}

	for pageIndex, page := range l.pages {
		if pageIndex > 0 && l.pages[pageIndex-1].address >= page.address {
			return errors.Newf("heap pages are out of order at index %d", pageIndex)
		}

		indexed, ok := l.index.Get(page.address)
		if !ok || indexed != page {
			return errors.Newf("heap page 0x%x is missing from the page index", uint64(page.address))
		}

		err := page.Validate()
		if err != nil {
			return errors.Wrapf(err, "heap page 0x%x", uint64(page.address))
		}
	}

	return nil
}

func (l *heapPageList) CheckCorruption() error {
	for _, page := range l.pages {
		err := page.metadata.CheckCorruption()
		if err != nil {
			return err
		}
	}

	return nil
}

func (l *heapPageList) PrintDetailedMap(json *jwriter.ObjectState) {
	for i := 0; i < len(l.pages); i++ {
		page := l.pages[i]

		pageObj := json.Name(strconv.FormatUint(uint64(page.address), 16)).Object()

		page.metadata.BlockJsonData(&pageObj)
		l.printDetailedMapBlocks(page.metadata, &pageObj)

		pageObj.End()
	}
}

func (l *heapPageList) printDetailedMapBlocks(md metadata.PageMetadata, json *jwriter.ObjectState) {
	arrayState := json.Name("Blocks").Array()
	defer arrayState.End()

	_ = md.VisitAllRegions(func(block metadata.BlockInfo) error {
		obj := arrayState.Object()
		defer obj.End()

		obj.Name("Offset").Int(block.Offset)
		obj.Name("Size").Int(block.Size)
		if block.Free {
			obj.Name("Type").String("FREE")
		} else {
			obj.Name("Type").String("ALLOCATED")
			obj.Name("RequestedSize").Int(block.RequestedSize)
		}

		return nil
	})
}
