package dxeimage

import (
	"github.com/uefi-go/dxeimage/internal/corelog"
	"github.com/uefi-go/dxeimage/protocols"
)

const uefiPageSize = 0x1000

// PagesForSize returns the number of UEFI pages needed to hold size bytes,
// over-allocating by one alignment unit when alignment exceeds the page
// size so the loaded image can still be aligned within the allocation.
func PagesForSize(size uint64, alignment uint32) uint64 {
	if uint64(alignment) > uefiPageSize {
		size += uint64(alignment)
	}
	return (size + uefiPageSize - 1) / uefiPageSize
}

// Region is a page-backed allocation owned by a loaded-image record: the
// image buffer itself, or (when requested) its HII .rsrc copy. Close frees
// the pages through the injected allocator; callers must not touch base
// after Close.
type Region struct {
	pages protocols.PageAllocator
	base  uint64
	count uint64

	// Data backs the region with the actual bytes a real page allocation
	// would hold, since this module has no way to treat a bare address as
	// addressable memory the way firmware does. LoadImage populates it with
	// the loaded image (or HII resource copy); callers that only need the
	// base/count bookkeeping leave it nil.
	Data []byte
}

// AllocateRegion allocates numPages pages of memType and returns a Region
// wrapping them. An allocator error is returned wrapped as OutOfResources,
// and OutOfResources is also synthesized if the allocator reports success
// with a zero base.
func AllocateRegion(pages protocols.PageAllocator, numPages uint64, memType protocols.MemoryType) (*Region, error) {
	base, err := pages.AllocatePages(numPages, memType)
	if err != nil {
		return nil, wrapStatus(OutOfResources, "page allocation failed", err)
	}
	if base == 0 {
		return nil, wrapStatus(OutOfResources, "page allocator returned a null base", nil)
	}
	return &Region{pages: pages, base: base, count: numPages}, nil
}

// Base returns the region's starting physical/virtual address.
func (r *Region) Base() uint64 { return r.base }

// NumPages returns the region's page count.
func (r *Region) NumPages() uint64 { return r.count }

// Close frees the region's pages. It is idempotent; a second Close is a
// no-op rather than a double-free, since Go has no borrow checker to
// enforce single ownership statically.
func (r *Region) Close() error {
	if r.pages == nil {
		return nil
	}
	err := r.pages.FreePages(r.base, r.count)
	r.pages = nil
	return err
}

// Stack is a guard-paged region for the coroutine entry-point stack. The
// guard page sits immediately below the usable stack range (stacks grow
// downward): Base is the highest usable address, Limit is the lowest, one
// page above the allocation's own base, which is left mapped-but-marked-RP
// as the guard.
type Stack struct {
	region *Region
	size   uint64
	memory protocols.MemoryAttributes
	log    *corelog.Helper
}

// NewStack allocates a guard-paged stack of at least size bytes of
// BootServicesData pages and marks its lowest page read-protected.
func NewStack(pages protocols.PageAllocator, memory protocols.MemoryAttributes, size uint64, log *corelog.Helper) (*Stack, error) {
	if log == nil {
		log = corelog.NewHelper(nil, corelog.LevelWarn)
	}
	numPages := PagesForSize(size, 16) + 1 // +1 guard page
	region, err := AllocateRegion(pages, numPages, protocols.BootServicesData)
	if err != nil {
		return nil, err
	}

	guardBase := region.Base()
	if memory != nil {
		desc, err := memory.GetMemorySpaceDescriptor(guardBase, uefiPageSize)
		if err != nil {
			log.Warnf("could not read guard page descriptor: %v", err)
		} else {
			attrs := (desc.Attributes &^ protocols.AccessMask) | protocols.MemoryRP
			if err := memory.SetMemorySpaceAttributes(guardBase, uefiPageSize, attrs); err != nil {
				log.Warnf("could not set stack guard page: %v", err)
			}
		}
	}

	return &Stack{region: region, size: size, memory: memory}, nil
}

// Limit is the lowest usable stack address, immediately above the guard page.
func (s *Stack) Limit() uint64 { return s.region.Base() + uefiPageSize }

// Base is the highest stack address (stacks grow down from here).
func (s *Stack) Base() uint64 { return s.Limit() + s.size }

// Close restores the guard page to ordinary XP before freeing the
// underlying region: cache bits are preserved, only the access bits are
// reset.
func (s *Stack) Close() error {
	if s.memory != nil {
		guardBase := s.region.Base()
		desc, err := s.memory.GetMemorySpaceDescriptor(guardBase, uefiPageSize)
		if err == nil {
			attrs := (desc.Attributes &^ protocols.AccessMask) | protocols.MemoryXP
			_ = s.memory.SetMemorySpaceAttributes(guardBase, uefiPageSize, attrs)
		}
	}
	return s.region.Close()
}
