package dxeimage

import (
	"sync"

	"github.com/uefi-go/dxeimage/protocols"
)

// LoadedImage is the per-handle record the registry owns: everything the
// lifecycle facade and coroutine core need to start, exit, and unload an
// image.
type LoadedImage struct {
	Handle protocols.Handle

	ImageBuffer *Region
	HIIBuffer   *Region

	EntryPointRVA uint32
	ImageBase     uint64
	Info          *PEInfo

	// LoadedImageInfo is the boxed descriptor published as the LoadedImage
	// protocol interface on Handle; InfoPtr carries the same pointer value
	// as installed into the protocol database, kept separately since
	// InfoPtr must round-trip through an interface{} for Uninstall.
	LoadedImageInfo *protocols.LoadedImageInfo

	DevicePath []byte
	FromFV     bool

	Started  bool
	ExitData *ExitData

	InfoPtr       interface{}
	DevicePathPtr interface{}
	HIIPtr        interface{}

	yielder *yielder
}

// ExitData is the (size, buffer) pair Exit() may stash for StartImage's
// caller to retrieve.
type ExitData struct {
	Size uint64
	Data []byte
}

// Registry is C6: a single mutex-guarded map from handle to LoadedImage,
// the yielder stack backing nested StartImage calls, and the currently
// running image handle. It is the sole owner of every LoadedImage's page
// allocations.
type Registry struct {
	mu sync.Mutex

	records map[protocols.Handle]*LoadedImage
	stack   []*yielder
	current protocols.Handle
	hasCur  bool

	tpl protocols.TplServices
}

// NewRegistry constructs an empty registry. tpl may be nil, in which case
// the registry's critical sections run without raising a priority level,
// appropriate for a single-threaded caller that is already the only
// concurrent actor.
func NewRegistry(tpl protocols.TplServices) *Registry {
	return &Registry{records: make(map[protocols.Handle]*LoadedImage), tpl: tpl}
}

func (r *Registry) raise() uint64 {
	if r.tpl == nil {
		return 0
	}
	return r.tpl.RaiseToNotify()
}

func (r *Registry) restore(prev uint64) {
	if r.tpl != nil {
		r.tpl.Restore(prev)
	}
}

// Insert adds a newly loaded image's record to the registry.
func (r *Registry) Insert(rec *LoadedImage) {
	prev := r.raise()
	r.mu.Lock()
	r.records[rec.Handle] = rec
	r.mu.Unlock()
	r.restore(prev)
}

// Lookup returns the record for h, or nil if the handle is unknown.
func (r *Registry) Lookup(h protocols.Handle) *LoadedImage {
	prev := r.raise()
	r.mu.Lock()
	rec := r.records[h]
	r.mu.Unlock()
	r.restore(prev)
	return rec
}

// Remove drops h's record from the registry and returns it, or nil if it
// was not present. The caller is responsible for closing the record's
// regions and reversing its protections; Remove only detaches bookkeeping.
func (r *Registry) Remove(h protocols.Handle) *LoadedImage {
	prev := r.raise()
	r.mu.Lock()
	rec := r.records[h]
	delete(r.records, h)
	r.mu.Unlock()
	r.restore(prev)
	return rec
}

// CurrentRunningImage returns the handle of the image whose coroutine is on
// top of the resume stack, if any.
func (r *Registry) CurrentRunningImage() (protocols.Handle, bool) {
	prev := r.raise()
	r.mu.Lock()
	h, ok := r.current, r.hasCur
	r.mu.Unlock()
	r.restore(prev)
	return h, ok
}

// setCurrentRunningImage is called by StartImage around each coroutine
// resume, to install the started image and then restore the previous one.
func (r *Registry) setCurrentRunningImage(h protocols.Handle, ok bool) (prevHandle protocols.Handle, prevOK bool) {
	prev := r.raise()
	r.mu.Lock()
	prevHandle, prevOK = r.current, r.hasCur
	r.current, r.hasCur = h, ok
	r.mu.Unlock()
	r.restore(prev)
	return
}

// pushYielder/popYielder manage the nesting stack of suspension points: the
// top entry belongs to whichever image is currently running.
func (r *Registry) pushYielder(y *yielder) {
	prev := r.raise()
	r.mu.Lock()
	r.stack = append(r.stack, y)
	r.mu.Unlock()
	r.restore(prev)
}

// snapshot returns a stable copy of every registered record, for callers
// (like ExitBootServices) that need to iterate without holding the
// registry lock across calls back into the facade.
func (r *Registry) snapshot() []*LoadedImage {
	prev := r.raise()
	r.mu.Lock()
	out := make([]*LoadedImage, 0, len(r.records))
	for _, rec := range r.records {
		out = append(out, rec)
	}
	r.mu.Unlock()
	r.restore(prev)
	return out
}

func (r *Registry) popYielder() *yielder {
	prev := r.raise()
	r.mu.Lock()
	var y *yielder
	if n := len(r.stack); n > 0 {
		y = r.stack[n-1]
		r.stack = r.stack[:n-1]
	}
	r.mu.Unlock()
	r.restore(prev)
	return y
}
