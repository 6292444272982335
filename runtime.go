package dxeimage

import (
	"context"

	"github.com/uefi-go/dxeimage/protocols"
)

// OnExitBootServices implements the ExitBootServices event subscription:
// boot-service-only protections are withdrawn from every loaded image, and
// runtime driver images are left mapped at their boot-time addresses with
// their retained relocation blocks available for the platform to reapply
// once a virtual address map is set (SetVirtualAddressMap). A runtime
// driver's whole page range is reset to its cache attributes alone (no
// RO/XP/RP bits).
//
// Images whose subsystem is not a runtime driver are fully unloaded, since
// nothing after ExitBootServices can call back into a boot-service-only
// driver's functions; runtime drivers are left in the registry so their
// relocation data remains available.
func (e *Engine) OnExitBootServices(ctx context.Context) {
	if e.Registry == nil {
		return
	}
	for _, rec := range e.Registry.snapshot() {
		subsystem := rec.Info.Headers.Subsystem()
		if subsystem == imageSubsystemEFIRuntimeDriver {
			if e.Collaborators != nil && e.Collaborators.Memory != nil && rec.ImageBuffer != nil {
				mem := e.Collaborators.Memory
				length := rec.ImageBuffer.NumPages() * uefiPageSize
				if desc, err := mem.GetMemorySpaceDescriptor(rec.ImageBase, length); err == nil {
					if err := mem.SetMemorySpaceAttributes(rec.ImageBase, length, desc.Attributes&^protocols.AccessMask); err != nil {
						e.Log.Warnf("could not reset runtime image attributes for handle %v: %v", rec.Handle, err)
					}
				}
			}
			continue
		}
		_ = e.UnloadImage(ctx, rec.Handle, true)
	}
}

// ReapplyRuntimeRelocations re-relocates a runtime driver image against a
// newly assigned virtual base, using its retained RelocationBlock list
// rather than re-parsing the image.
func (e *Engine) ReapplyRuntimeRelocations(handle protocols.Handle, newBase uint64, imageView []byte) error {
	rec := e.Registry.Lookup(handle)
	if rec == nil {
		return ErrInvalidParameter
	}
	delta := int64(newBase) - int64(rec.ImageBase)
	if err := ApplyRelocations(imageView, rec.Info.Relocations, delta, rec.Info.Headers.Is64); err != nil {
		return err
	}
	rec.ImageBase = newBase
	return nil
}
