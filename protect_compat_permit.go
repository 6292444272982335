//go:build compat_permit

package dxeimage

import (
	"github.com/uefi-go/dxeimage/internal/corelog"
	"github.com/uefi-go/dxeimage/protocols"
)

// ApplyCompatibilityModePolicy is the Permitted build: a subsystem
// Application lacking NX-compat is marked RWX across its entire range
// (preserving cache attributes) and the GCD is signaled to enter
// process-wide compatibility mode, rather than failing the load. Per-section
// protection is skipped for this image; the caller must not also call
// ApplySectionProtections when this returns nil and the decision applied.
func ApplyCompatibilityModePolicy(mem protocols.MemoryAttributes, compat protocols.CompatibilityModeSignaler, imageBase uint64, info *PEInfo, log *corelog.Helper) error {
	if !NeedsCompatibilityModeDecision(info) {
		return nil
	}
	if log == nil {
		log = corelog.NewHelper(nil, corelog.LevelWarn)
	}

	if mem != nil {
		length := uint64(alignUp(info.Headers.SizeOfImage(), info.Headers.SectionAlignment()))
		desc, err := mem.GetMemorySpaceDescriptor(imageBase, length)
		if err != nil {
			log.Warnf("compatibility mode: could not read image descriptor: %v", err)
		} else {
			rwx := desc.Attributes &^ protocols.AccessMask
			if err := mem.SetMemorySpaceCapabilities(imageBase, length, desc.Capabilities|rwx); err != nil {
				log.Warnf("compatibility mode: could not set image capabilities: %v", err)
			}
			if err := mem.SetMemorySpaceAttributes(imageBase, length, rwx); err != nil {
				log.Warnf("compatibility mode: could not mark image RWX: %v", err)
			}
		}
	}

	if compat != nil {
		if err := compat.EnterCompatibilityMode(); err != nil {
			log.Warnf("compatibility mode: GCD signal failed: %v", err)
		}
	}
	return nil
}
