package dxeimage

import "github.com/uefi-go/dxeimage/protocols"

// fakeMemory is an in-memory protocols.MemoryAttributes stand-in: every
// range reports the same descriptor unless a more specific one was set by a
// prior Set call, which is all the protection engine's tests need.
type fakeMemory struct {
	attrs map[uint64]protocols.MemoryAttribute
	caps  map[uint64]protocols.MemoryAttribute
	fail  bool
}

func newFakeMemory() *fakeMemory {
	return &fakeMemory{attrs: map[uint64]protocols.MemoryAttribute{}, caps: map[uint64]protocols.MemoryAttribute{}}
}

func (m *fakeMemory) GetMemorySpaceDescriptor(base, length uint64) (protocols.MemoryDescriptor, error) {
	if m.fail {
		return protocols.MemoryDescriptor{}, ErrDeviceError
	}
	return protocols.MemoryDescriptor{Attributes: m.attrs[base], Capabilities: m.caps[base]}, nil
}

func (m *fakeMemory) SetMemorySpaceCapabilities(base, length uint64, caps protocols.MemoryAttribute) error {
	if m.fail {
		return ErrDeviceError
	}
	m.caps[base] = caps
	return nil
}

func (m *fakeMemory) SetMemorySpaceAttributes(base, length uint64, attrs protocols.MemoryAttribute) error {
	if m.fail {
		return ErrDeviceError
	}
	m.attrs[base] = attrs
	return nil
}

// fakePages is a bump-pointer PageAllocator; freed records which bases were
// released so tests can assert Close actually reaches the allocator.
type fakePages struct {
	next   uint64
	freed  []uint64
	denied bool
}

func newFakePages(base uint64) *fakePages { return &fakePages{next: base} }

func (p *fakePages) AllocatePages(numPages uint64, memType protocols.MemoryType) (uint64, error) {
	if p.denied {
		return 0, ErrOutOfResources
	}
	base := p.next
	p.next += numPages * uefiPageSize
	return base, nil
}

func (p *fakePages) FreePages(base uint64, numPages uint64) error {
	p.freed = append(p.freed, base)
	return nil
}

// fakeTpl counts raise/restore calls without actually masking anything.
type fakeTpl struct {
	raised   int
	restored int
}

func (t *fakeTpl) RaiseToNotify() uint64 {
	t.raised++
	return 4 // arbitrary "previous TPL" sentinel
}

func (t *fakeTpl) Restore(prev uint64) {
	t.restored++
}

// fakeProtocols is a no-op ProtocolDatabase recording install/uninstall and
// agent-removal calls.
type fakeProtocols struct {
	removedAgents []protocols.Handle
	uninstalled   []protocols.GUID
}

func (p *fakeProtocols) ValidateHandle(h protocols.Handle) error { return nil }

func (p *fakeProtocols) InstallProtocolInterface(h protocols.Handle, guid protocols.GUID, iface interface{}) error {
	return nil
}

func (p *fakeProtocols) UninstallProtocolInterface(h protocols.Handle, guid protocols.GUID, iface interface{}) error {
	p.uninstalled = append(p.uninstalled, guid)
	return nil
}

func (p *fakeProtocols) LocateHandles(guid *protocols.GUID) ([]protocols.Handle, error) {
	return nil, nil
}

func (p *fakeProtocols) RemoveAgentUsage(agentHandle protocols.Handle) error {
	p.removedAgents = append(p.removedAgents, agentHandle)
	return nil
}

// fakeDebugger records AddDebugImageInfo/RemoveDebugImageInfo calls.
type fakeDebugger struct {
	added   []protocols.Handle
	removed []protocols.Handle
}

func (d *fakeDebugger) AddDebugImageInfo(h protocols.Handle, imageBase uint64, pdbPath string) error {
	d.added = append(d.added, h)
	return nil
}

func (d *fakeDebugger) RemoveDebugImageInfo(h protocols.Handle) error {
	d.removed = append(d.removed, h)
	return nil
}

// fakeEntryPoints is a protocols.EntryPointResolver that always resolves to
// a single registered function, standing in for a simulator that would
// otherwise map (imageBase, entryPointRVA) to the address it loaded an
// image's code at.
type fakeEntryPoints struct {
	fn protocols.EntryPoint
}

func (r *fakeEntryPoints) ResolveEntryPoint(imageBase uint64, entryPointRVA uint32) (protocols.EntryPoint, error) {
	if r.fn == nil {
		return nil, ErrNotFound
	}
	return r.fn, nil
}

// fakeCompat records EnterCompatibilityMode calls.
type fakeCompat struct {
	entered int
	fail    bool
}

func (c *fakeCompat) EnterCompatibilityMode() error {
	c.entered++
	if c.fail {
		return ErrDeviceError
	}
	return nil
}

// fakeRuntimeRegistry records AddRuntimeImage/RemoveRuntimeImage calls.
type fakeRuntimeRegistry struct {
	added   []protocols.Handle
	removed []protocols.Handle
}

func (r *fakeRuntimeRegistry) AddRuntimeImage(h protocols.Handle, imageBase uint64, relocationData []byte) error {
	r.added = append(r.added, h)
	return nil
}

func (r *fakeRuntimeRegistry) RemoveRuntimeImage(h protocols.Handle) error {
	r.removed = append(r.removed, h)
	return nil
}
