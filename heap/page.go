package heap

import (
	"context"
	"sync"

	"github.com/besos/kmem/memutils"
	"github.com/besos/kmem/memutils/metadata"
	"github.com/pkg/errors"
	"golang.org/x/exp/slog"
)

var pagePool = sync.Pool{
	New: func() any {
		return &heapPage{}
	},
}

// heapPage is a page granted by the PageSource that blocks are carved from
type heapPage struct {
	address memutils.Address
	logger  *slog.Logger

	metadata metadata.PageMetadata
}

func (p *heapPage) Init(
	logger *slog.Logger,
	arena *memutils.Arena,
	address memutils.Address,
	strategy metadata.FreeListStrategy,
) error {
	if p.metadata != nil {
		panic("attempting to initialize a heap page that is already in use")
	}

	data, err := arena.Page(address)
	if err != nil {
		return err
	}

	md, err := metadata.NewPageMetadata(strategy, address, data)
	if err != nil {
		return err
	}

	p.address = address
	p.logger = logger
	p.metadata = md
	p.metadata.Init()

	return nil
}

// Destroy detaches the page from its memory. An error is returned, and every remaining allocation
// is logged, if the page still holds live blocks.
func (p *heapPage) Destroy() error {
	if p.metadata == nil {
		panic("attempting to destroy a heap page that was never initialized")
	}

	if !p.metadata.IsEmpty() {
		// Log all remaining allocations
		err := p.metadata.VisitAllRegions(func(block metadata.BlockInfo) error {
			if block.Free {
				return nil
			}

			p.logUnreleasedMemory(block)
			return nil
		})
		if err != nil {
			p.logger.LogAttrs(context.Background(),
				slog.LevelError,
				"[UNRELEASED MEMORY] error while iterating unreleased memory",
				slog.Any("error", err))
		}

		return errors.Errorf("%d allocations were not freed before the destruction of page 0x%x", p.metadata.AllocationCount(), uint64(p.address))
	}

	p.address = memutils.NullAddress
	p.metadata = nil
	return nil
}

func (p *heapPage) logUnreleasedMemory(block metadata.BlockInfo) {
	p.logger.LogAttrs(context.Background(), slog.LevelError, "[UNRELEASED MEMORY] unfreed allocation",
		slog.Uint64("address", uint64(block.Address)),
		slog.Int("size", block.Size),
		slog.Int("requestedSize", block.RequestedSize),
	)
}

func (p *heapPage) Validate() error {
	if p.metadata == nil {
		return errors.New("no valid metadata for this heap page")
	}
	if p.metadata.Base() != p.address {
		return errors.Errorf("heap page at 0x%x has metadata for page 0x%x", uint64(p.address), uint64(p.metadata.Base()))
	}

	return p.metadata.Validate()
}
