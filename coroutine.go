package dxeimage

import "github.com/uefi-go/dxeimage/protocols"

// entryPointStackSize mirrors ENTRY_POINT_STACK_SIZE: the guard-paged stack
// reserved for an image's entry point (1 MiB).
const entryPointStackSize = 0x100000

// EntryPoint is an image's PE entry point function: image handle plus the
// firmware system-table pointer, returning an EFI-style status.
type EntryPoint = protocols.EntryPoint

// yielder is the suspension point a running image's coroutine parks on. It
// is pushed onto the registry's stack when the coroutine starts and popped
// by Exit(), which assumes the top yielder belongs to the currently running
// image, or by StartImage's entry-point wrapper when the entry point
// returns normally.
//
// No Go library switches execution onto caller-supplied raw stack memory the
// way a stackful-coroutine facility does in a systems language; Go's own
// goroutines already own managed, growable stacks. The substitute used here
// is a goroutine plus an unbuffered suspend channel acting as a strict
// two-party rendezvous: Resume launches the goroutine that runs the entry
// point, and suspend hands a status back to whoever is waiting on Resume.
// The resume channel is allocated but Resume does not use it. Resume's
// caller stays blocked until the status arrives, reproducing a stack
// switch's one-side-at-a-time guarantee through rendezvous discipline.
type yielder struct {
	resume  chan struct{}
	suspend chan error
}

func newYielder() *yielder {
	return &yielder{resume: make(chan struct{}), suspend: make(chan error)}
}

// suspendNow is called from inside the running entry-point goroutine (by
// Exit, or implicitly when the entry point returns) to hand a status back
// to StartImage's Resume call. It never returns; the goroutine parks
// forever rather than unwinding. This is a deliberate resource leak on the
// Exit path: whatever local state the entry point had on its Go stack at
// the point of Exit is never reclaimed, a leak-by-design contract rather
// than a bug.
func (y *yielder) suspendNow(status error) {
	y.suspend <- status
	select {} // park forever; never returns.
}

// Coroutine wraps one run of an image's entry point on its own stack
// allocation. Resume starts (or, conceptually, resumes) it and blocks
// until the entry point either returns normally or calls Exit.
type Coroutine struct {
	stack  *Stack
	y      *yielder
	result chan error
}

// NewCoroutine allocates a guard-paged stack for the entry point later
// passed to Resume and prepares the rendezvous channels. That entry point
// does not actually run on the stack's memory; Go cannot switch onto
// caller-provided memory, but the allocation is still made and guarded, so
// the same resource accounting (page count, guard page, free-on-close)
// applies; the Go runtime's own goroutine stack is what the entry point
// actually executes on. stackSize of 0 selects entryPointStackSize.
func NewCoroutine(pages protocols.PageAllocator, memory protocols.MemoryAttributes, stackSize uint64) (*Coroutine, error) {
	if stackSize == 0 {
		stackSize = entryPointStackSize
	}
	stack, err := NewStack(pages, memory, stackSize, nil)
	if err != nil {
		return nil, err
	}
	return &Coroutine{stack: stack, y: newYielder(), result: make(chan error, 1)}, nil
}

// Resume launches fn(handle, systemTable) on its own goroutine and blocks
// until it suspends (via Exit, or by returning). It returns the status the
// entry point produced.
func (c *Coroutine) Resume(handle protocols.Handle, systemTable interface{}, fn EntryPoint) error {
	go func() {
		status := fn(handle, systemTable)
		c.y.suspendNow(status)
	}()
	return <-c.y.suspend
}

// Yielder exposes the coroutine's suspension point so the registry can
// push it onto the resume stack before the entry point runs: push the
// yielder, then drop the registry lock, then invoke the entry point.
func (c *Coroutine) Yielder() *yielder { return c.y }

// ForceReset releases the coroutine's stack without attempting to signal
// or wait on its goroutine; the Go analogue of force_reset's
// unwind-free reset, since the parked goroutine from a prior Exit is by
// design never going to run again.
func (c *Coroutine) ForceReset() error {
	return c.stack.Close()
}
