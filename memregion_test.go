package dxeimage

import (
	"testing"

	"github.com/uefi-go/dxeimage/protocols"
)

func TestPagesForSize(t *testing.T) {
	tests := []struct {
		size, want uint64
		alignment  uint32
	}{
		{0x1000, 1, 0x1000},
		{0x1001, 2, 0x1000},
		{0x500, 3, 0x2000}, // over-large alignment adds a full extra unit.
	}
	for _, tt := range tests {
		if got := PagesForSize(tt.size, tt.alignment); got != tt.want {
			t.Errorf("PagesForSize(%#x, %#x) = %d, want %d", tt.size, tt.alignment, got, tt.want)
		}
	}
}

func TestAllocateRegionClose(t *testing.T) {
	pages := newFakePages(0x10000)
	region, err := AllocateRegion(pages, 4, protocols.BootServicesData)
	if err != nil {
		t.Fatalf("AllocateRegion() error = %v", err)
	}
	if region.Base() != 0x10000 || region.NumPages() != 4 {
		t.Fatalf("AllocateRegion() = base %#x pages %d, want base 0x10000 pages 4", region.Base(), region.NumPages())
	}
	if err := region.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if len(pages.freed) != 1 || pages.freed[0] != 0x10000 {
		t.Fatalf("Close() did not free the allocated base, freed = %v", pages.freed)
	}
	// A second Close must be a no-op, not a double free.
	if err := region.Close(); err != nil {
		t.Fatalf("second Close() error = %v", err)
	}
	if len(pages.freed) != 1 {
		t.Fatalf("second Close() issued another free, freed = %v", pages.freed)
	}
}

func TestAllocateRegionOutOfResources(t *testing.T) {
	pages := newFakePages(0x10000)
	pages.denied = true
	if _, err := AllocateRegion(pages, 1, protocols.BootServicesData); err == nil {
		t.Fatal("AllocateRegion() with denied allocator: want error, got nil")
	}
}

func TestNewStackGuardsLowestPage(t *testing.T) {
	pages := newFakePages(0x20000)
	mem := newFakeMemory()
	stack, err := NewStack(pages, mem, 0x1000, nil)
	if err != nil {
		t.Fatalf("NewStack() error = %v", err)
	}
	if stack.Limit() != 0x21000 {
		t.Errorf("Limit() = %#x, want 0x21000 (one page above the allocation base)", stack.Limit())
	}
	if attrs := mem.attrs[0x20000]; attrs&protocols.MemoryRP == 0 {
		t.Errorf("guard page attributes = %#x, want MemoryRP set", attrs)
	}

	if err := stack.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if attrs := mem.attrs[0x20000]; attrs&protocols.MemoryXP == 0 || attrs&protocols.MemoryRP != 0 {
		t.Errorf("guard page attributes after Close = %#x, want XP set and RP cleared", attrs)
	}
	if len(pages.freed) != 1 {
		t.Errorf("Close() did not free the stack's pages")
	}
}
