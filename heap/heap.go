// Package heap provides the malloc/free/calloc/realloc surface of the kernel memory manager. A Heap
// takes whole pages from a PageSource and carves them into blocks with a per-page free list.
package heap

import (
	"context"

	"github.com/besos/kmem/internal/utils"
	"github.com/besos/kmem/memutils"
	"github.com/besos/kmem/memutils/metadata"
	"github.com/cockroachdb/errors"
	"golang.org/x/exp/slog"
)

// LevelCritical is the level at which a Heap reports that it has run out of pages
const LevelCritical = slog.LevelError + 4

// MaxAllocationSize is the largest request Malloc can ever satisfy. Allocations never span pages.
const MaxAllocationSize = metadata.MaxBlockSize

// Heap is the allocator context for a single memory region. All of its state lives either in the
// region itself or in this object, so independent heaps can be created over independent arenas.
//
// Unless CreateExternallySynchronized is specified, every method is safe to call from multiple
// goroutines: one lock covers the page source and every page's free list.
type Heap struct {
	logger      *slog.Logger
	arena       *memutils.Arena
	pageSource  PageSource
	createFlags CreateFlags
	pagePolicy  PagePolicy

	mutex    utils.OptionalRWMutex
	pages    heapPageList
	rawPages rawPageSet

	counters heapCounters
}

// Arena returns the memory this heap carves allocations from
func (h *Heap) Arena() *memutils.Arena { return h.arena }

// Strategy returns the free-list policy used inside every heap page
func (h *Heap) Strategy() metadata.FreeListStrategy { return h.pages.Strategy() }

// PagePolicy returns the policy Malloc uses to pick a page
func (h *Heap) PagePolicy() PagePolicy { return h.pagePolicy }

func (h *Heap) checkAllocationSize(size int) error {
	if size < 0 {
		return errors.Wrapf(memutils.ErrSizeOverflow, "negative allocation size %d", size)
	}

	if size > MaxAllocationSize {
		h.counters.tooLarge.Inc()
		h.logger.LogAttrs(context.Background(), slog.LevelWarn, "allocation can never fit in a single page",
			slog.Int("size", size),
			slog.Int("maxSize", MaxAllocationSize),
		)
		return errors.Wrapf(memutils.ErrRequestTooLarge, "%d bytes requested", size)
	}

	return nil
}

// Malloc allocates at least size bytes and returns the address of the first byte. A size of zero
// returns memutils.NullAddress without touching any page.
//
// memutils.ErrRequestTooLarge is returned if size exceeds MaxAllocationSize, and
// memutils.ErrAllocationExhausted if no page has room and no fresh page can be granted.
func (h *Heap) Malloc(size int) (memutils.Address, error) {
	h.logger.Debug("Heap::Malloc", slog.Int("Size", size))

	err := h.checkAllocationSize(size)
	if err != nil {
		return memutils.NullAddress, err
	}
	if size == 0 {
		return memutils.NullAddress, nil
	}

	h.mutex.Lock()
	defer h.mutex.Unlock()

	return h.malloc(size)
}

func (h *Heap) malloc(size int) (memutils.Address, error) {
	addr, err := h.pages.Allocate(size, h.pagePolicy)
	if err != nil {
		if errors.Is(err, memutils.ErrAllocationExhausted) {
			h.logExhausted(size, err)
		}

		h.logger.Debug("  Malloc FAILED")
		return memutils.NullAddress, err
	}

	h.counters.mallocs.Inc()
	return addr, nil
}

func (h *Heap) logExhausted(size int, err error) {
	h.counters.exhausted.Inc()
	h.logger.LogAttrs(context.Background(), LevelCritical, "memory exhausted",
		slog.Int("size", size),
		slog.Int("pageCount", h.pageSource.PageCount()),
		slog.Any("error", err),
	)
}

// Free returns the allocation at addr to its page. Freeing memutils.NullAddress does nothing.
//
// memutils.ErrInvalidFree is returned if addr is not an address returned by Malloc, Calloc, or
// Realloc, and memutils.ErrDoubleFree if the allocation has already been freed. In both cases the
// heap is left unchanged.
func (h *Heap) Free(addr memutils.Address) error {
	h.logger.Debug("Heap::Free", slog.Uint64("Address", uint64(addr)))

	if addr == memutils.NullAddress {
		return nil
	}

	h.mutex.Lock()
	defer h.mutex.Unlock()

	return h.free(addr)
}

func (h *Heap) free(addr memutils.Address) error {
	err := h.pages.Free(addr)
	if err != nil {
		h.counters.invalidFrees.Inc()
		h.logger.LogAttrs(context.Background(), slog.LevelError, "rejected free",
			slog.Uint64("address", uint64(addr)),
			slog.Any("error", err),
		)
		return err
	}

	h.counters.frees.Inc()
	return nil
}

// Calloc allocates room for count elements of size bytes each and zeroes it. If count*size is zero,
// memutils.NullAddress is returned. memutils.ErrSizeOverflow is returned if count*size overflows.
func (h *Heap) Calloc(count, size int) (memutils.Address, error) {
	h.logger.Debug("Heap::Calloc", slog.Int("Count", count), slog.Int("Size", size))

	total, overflows := memutils.MulOverflows(count, size)
	if overflows {
		return memutils.NullAddress, errors.Wrapf(memutils.ErrSizeOverflow, "%d elements of %d bytes", count, size)
	}

	err := h.checkAllocationSize(total)
	if err != nil {
		return memutils.NullAddress, err
	}
	if total == 0 {
		return memutils.NullAddress, nil
	}

	h.mutex.Lock()
	defer h.mutex.Unlock()

	addr, err := h.malloc(total)
	if err != nil {
		return memutils.NullAddress, err
	}

	data, err := h.arena.Bytes(addr, total)
	if err != nil {
		return memutils.NullAddress, errors.CombineErrors(err, h.free(addr))
	}
	clear(data)

	return addr, nil
}

// Realloc resizes the allocation at addr and returns its new address. The first min(old, size)
// bytes are preserved. When the block at addr already has room for size bytes, addr itself is
// returned; otherwise a new block is allocated, the contents are copied, and addr is freed.
//
// A null addr behaves as Malloc(size), and a size of zero behaves as Free(addr) and returns
// memutils.NullAddress. If the new block cannot be allocated, addr is left untouched and the error
// is returned.
func (h *Heap) Realloc(addr memutils.Address, size int) (memutils.Address, error) {
	h.logger.Debug("Heap::Realloc", slog.Uint64("Address", uint64(addr)), slog.Int("Size", size))

	if addr == memutils.NullAddress {
		return h.Malloc(size)
	}
	if size == 0 {
		return memutils.NullAddress, h.Free(addr)
	}

	err := h.checkAllocationSize(size)
	if err != nil {
		return memutils.NullAddress, err
	}

	h.mutex.Lock()
	defer h.mutex.Unlock()

	page, ok := h.pages.Find(addr)
	if !ok {
		h.counters.invalidFrees.Inc()
		return memutils.NullAddress, errors.Wrapf(memutils.ErrInvalidFree, "address 0x%x is not inside a heap page", uint64(addr))
	}

	oldSize, err := page.metadata.UsableSize(addr)
	if err != nil {
		h.counters.invalidFrees.Inc()
		return memutils.NullAddress, err
	}

	if size <= oldSize {
		h.logger.Debug("  Resized in place")
		return addr, nil
	}

	newAddr, err := h.malloc(size)
	if err != nil {
		return memutils.NullAddress, err
	}

	oldData, err := h.arena.Bytes(addr, oldSize)
	if err != nil {
		return memutils.NullAddress, errors.CombineErrors(err, h.free(newAddr))
	}
	newData, err := h.arena.Bytes(newAddr, size)
	if err != nil {
		return memutils.NullAddress, errors.CombineErrors(err, h.free(newAddr))
	}
	copy(newData, oldData)

	err = h.free(addr)
	if err != nil {
		return memutils.NullAddress, err
	}

	return newAddr, nil
}

// PageAlloc grants a whole page directly from the page source, bypassing the block allocator. The
// returned address is page-aligned and the page must be returned with PageFree.
func (h *Heap) PageAlloc() (memutils.Address, error) {
	h.logger.Debug("Heap::PageAlloc")

	h.mutex.Lock()
	defer h.mutex.Unlock()

	addr, ok := h.pageSource.AllocatePage()
	if !ok {
		err := errors.Wrapf(memutils.ErrAllocationExhausted, "all %d pages are granted", h.pageSource.PageCount())
		h.logExhausted(memutils.PageSize, err)
		return memutils.NullAddress, err
	}

	h.rawPages.Add(addr)
	h.counters.pageAllocs.Inc()
	return addr, nil
}

// PageFree returns a page granted by PageAlloc. Freeing memutils.NullAddress does nothing.
func (h *Heap) PageFree(addr memutils.Address) error {
	h.logger.Debug("Heap::PageFree", slog.Uint64("Address", uint64(addr)))

	if addr == memutils.NullAddress {
		return nil
	}

	h.mutex.Lock()
	defer h.mutex.Unlock()

	if !h.rawPages.Has(addr) {
		h.counters.invalidFrees.Inc()
		return errors.Wrapf(memutils.ErrInvalidFree, "address 0x%x was not granted by PageAlloc", uint64(addr))
	}

	err := h.pageSource.FreePage(addr)
	if err != nil {
		return err
	}

	h.rawPages.Remove(addr)
	h.counters.pageFrees.Inc()
	return nil
}

// UsableSize returns the number of bytes the caller may use at addr, which may be larger than the
// size originally requested
func (h *Heap) UsableSize(addr memutils.Address) (int, error) {
	h.mutex.RLock()
	defer h.mutex.RUnlock()

	return h.usableSize(addr)
}

func (h *Heap) usableSize(addr memutils.Address) (int, error) {
	if h.rawPages.Has(addr) {
		return memutils.PageSize, nil
	}

	page, ok := h.pages.Find(addr)
	if !ok {
		return 0, errors.Wrapf(memutils.ErrInvalidFree, "address 0x%x is not a live allocation", uint64(addr))
	}

	return page.metadata.UsableSize(addr)
}

// Bytes returns the first size bytes of the allocation at addr. The returned slice aliases the
// arena and must not be used after the allocation is freed.
func (h *Heap) Bytes(addr memutils.Address, size int) ([]byte, error) {
	h.mutex.RLock()
	defer h.mutex.RUnlock()

	usable, err := h.usableSize(addr)
	if err != nil {
		return nil, err
	}

	if size < 0 || size > usable {
		return nil, errors.Wrapf(memutils.ErrOutOfRange, "%d bytes requested from an allocation of %d bytes", size, usable)
	}

	return h.arena.Bytes(addr, size)
}

// Validate performs internal consistency checks on the page source and every heap page. When the
// heap is functioning correctly, it should not be possible for this method to return an error.
func (h *Heap) Validate() error {
	h.mutex.RLock()
	defer h.mutex.RUnlock()

	err := h.pageSource.Validate()
	if err != nil {
		return err
	}

	err = h.pages.Validate()
	if err != nil {
		return err
	}

	granted := h.pageSource.PageCount() - h.pageSource.FreeCount()
	if owned := h.pages.PageCount() + h.rawPages.Count(); owned > granted {
		return errors.Newf("the heap owns %d pages, but only %d pages have been granted", owned, granted)
	}

	return nil
}

// CheckCorruption verifies that no freed memory has been written to since it was freed. Freed memory
// is only poisoned when built with the debug_kmem tag, so this always succeeds otherwise.
func (h *Heap) CheckCorruption() error {
	h.mutex.RLock()
	defer h.mutex.RUnlock()

	return h.pages.CheckCorruption()
}

// Destroy returns every page to the page source. If any allocation or page granted by PageAlloc is
// still live, it is logged as unreleased memory and an error is returned.
func (h *Heap) Destroy() error {
	h.logger.Debug("Heap::Destroy")

	h.mutex.Lock()
	defer h.mutex.Unlock()

	err := h.pages.Destroy()

	h.rawPages.Visit(func(addr memutils.Address) {
		h.logger.LogAttrs(context.Background(), slog.LevelError, "[UNRELEASED MEMORY] unfreed page",
			slog.Uint64("address", uint64(addr)),
		)
	})
	if h.rawPages.Count() > 0 {
		err = errors.CombineErrors(err, errors.Newf("%d pages were not freed before the destruction of this heap", h.rawPages.Count()))
	}

	return err
}
