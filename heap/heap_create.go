package heap

import (
	"strings"
	"sync"

	"github.com/besos/kmem/internal/utils"
	"github.com/besos/kmem/memutils"
	"github.com/besos/kmem/memutils/metadata"
	"github.com/besos/kmem/memutils/pages"
	"github.com/cockroachdb/errors"
	"golang.org/x/exp/slog"
)

// CreateFlags indicate specific heap behaviors to activate or deactivate
type CreateFlags int32

const (
	// CreateExternallySynchronized ensures that this heap will not be synchronized internally. The
	// consumer must guarantee it is used from only one goroutine at a time or is synchronized by some
	// other mechanism, but performance may improve because the internal mutex is not used.
	CreateExternallySynchronized CreateFlags = 1 << iota
	// CreateRetainEmptyPages keeps a heap page reserved for later allocations after its last block
	// is freed, instead of returning it to the page source.
	CreateRetainEmptyPages
)

var createFlagsMapping = map[CreateFlags]string{
	CreateExternallySynchronized: "CreateExternallySynchronized",
	CreateRetainEmptyPages:       "CreateRetainEmptyPages",
}

func (f CreateFlags) String() string {
	if f == 0 {
		return "None"
	}

	var names []string
	for bit := CreateFlags(1); bit != 0 && bit <= f; bit <<= 1 {
		if f&bit == 0 {
			continue
		}

		name, ok := createFlagsMapping[bit]
		if !ok {
			name = "Unknown"
		}
		names = append(names, name)
	}

	return strings.Join(names, "|")
}

// PagePolicy decides where Malloc looks for free capacity before asking for a fresh page
type PagePolicy uint32

const (
	// PagePolicyReuse tries every heap page that already holds allocations, lowest address first,
	// before a fresh page is requested
	PagePolicyReuse PagePolicy = iota
	// PagePolicyFreshPage requests a fresh page for every allocation and never searches existing
	// pages for leftover capacity. Frees still return blocks to their page.
	PagePolicyFreshPage
)

var pagePolicyMapping = map[PagePolicy]string{
	PagePolicyReuse:     "Reuse",
	PagePolicyFreshPage: "FreshPage",
}

func (p PagePolicy) String() string {
	return pagePolicyMapping[p]
}

// CreateOptions contains optional settings when creating a heap
type CreateOptions struct {
	// Flags indicates specific heap behaviors to activate or deactivate
	Flags CreateFlags
	// Strategy is the free-list policy used inside every heap page. The zero value selects
	// metadata.FreeListAddressOrdered.
	Strategy metadata.FreeListStrategy
	// PagePolicy decides whether Malloc searches existing pages before taking a fresh one
	PagePolicy PagePolicy
	// BitmapPlacement decides where the page bitmap lives when PageSource is nil
	BitmapPlacement pages.BitmapPlacement

	// PageSource can be left nil, in which case a pages.BitmapAllocator is created over the arena.
	// If it is provided, every address it grants must be a page inside the arena.
	PageSource PageSource
}

// New creates a new Heap over the provided arena
//
// logger - Receives debug traces for every operation, warnings for impossible requests, and
// LevelCritical records when memory is exhausted
//
// arena - The memory region that pages will be carved from
//
// options - Optional parameters: it is valid to leave all the fields blank
func New(logger *slog.Logger, arena *memutils.Arena, options CreateOptions) (*Heap, error) {
	if logger == nil {
		return nil, errors.New("heap.New requires a logger")
	}
	if arena == nil {
		return nil, errors.New("heap.New requires an arena")
	}

	useMutex := options.Flags&CreateExternallySynchronized == 0

	strategy := options.Strategy
	if strategy == 0 {
		strategy = metadata.FreeListAddressOrdered
	}

	pageSource := options.PageSource
	if pageSource == nil {
		bitmap, err := pages.NewBitmapAllocator(arena, options.BitmapPlacement)
		if err != nil {
			return nil, err
		}
		pageSource = bitmap
	}

	if _, ok := pagePolicyMapping[options.PagePolicy]; !ok {
		return nil, errors.Newf("unknown page policy: %d", options.PagePolicy)
	}

	heap := &Heap{
		logger:      logger,
		arena:       arena,
		pageSource:  pageSource,
		createFlags: options.Flags,
		pagePolicy:  options.PagePolicy,
		mutex: utils.OptionalRWMutex{
			UseMutex: useMutex,
			Mutex:    sync.RWMutex{},
		},
	}

	err := heap.pages.Init(
		logger,
		arena,
		pageSource,
		strategy,
		options.Flags&CreateRetainEmptyPages != 0,
	)
	if err != nil {
		return nil, err
	}
	heap.rawPages.Init()

	logger.Debug("Heap::New",
		slog.Uint64("RegionBegin", uint64(arena.Region().Begin)),
		slog.Uint64("RegionLength", arena.Region().Length),
		slog.String("Strategy", strategy.String()),
		slog.String("PagePolicy", options.PagePolicy.String()),
		slog.String("Flags", options.Flags.String()),
	)

	return heap, nil
}
