package dxeimage

import (
	"github.com/uefi-go/dxeimage/internal/corelog"
	"github.com/uefi-go/dxeimage/protocols"
)

// ApplySectionProtections walks info.Sections and sets each section's
// memory range to the attributes DeriveSectionProtection computes,
// preserving whatever cache-attribute bits the GCD already has for that
// range. Any individual section's failure is logged and the loop
// continues; a single bad descriptor must not abort the load.
func ApplySectionProtections(mem protocols.MemoryAttributes, imageBase uint64, info *PEInfo, log *corelog.Helper) {
	if log == nil {
		log = corelog.NewHelper(nil, corelog.LevelWarn)
	}
	if mem == nil {
		return
	}
	align := info.Headers.SectionAlignment()

	for _, s := range info.Sections {
		attrs := DeriveSectionProtection(s)
		base := imageBase + uint64(s.VirtualAddress)
		length := uint64(alignUp(sectionSpan(s), align))
		if length == 0 {
			continue
		}

		desc, err := mem.GetMemorySpaceDescriptor(base, length)
		if err != nil {
			log.Warnf("section %q: could not read memory descriptor: %v", s.NameString(), err)
			continue
		}

		want := desc.Attributes &^ protocols.AccessMask
		if attrs.RO {
			want |= protocols.MemoryRO
		}
		if attrs.XP {
			want |= protocols.MemoryXP
		}
		caps := desc.Capabilities | want

		if err := mem.SetMemorySpaceCapabilities(base, length, caps); err != nil {
			log.Warnf("section %q: could not set memory capabilities: %v", s.NameString(), err)
			continue
		}
		if err := mem.SetMemorySpaceAttributes(base, length, want); err != nil {
			log.Warnf("section %q: could not set memory attributes: %v", s.NameString(), err)
			continue
		}
	}
}

// NeedsCompatibilityModeDecision reports whether info describes a subsystem
// Application that does not declare IMAGE_DLLCHARACTERISTICS_NX_COMPAT, the
// condition that triggers the build-time Permitted/Forbidden
// compatibility-mode policy.
func NeedsCompatibilityModeDecision(info *PEInfo) bool {
	return info.Headers.Subsystem() == imageSubsystemEFIApplication && !info.Headers.NXCompatible()
}

// RemoveSectionProtections resets every section's range back to plain XP,
// dropping RO, ahead of freeing the image's pages: freeing pages requires
// a single contiguous descriptor, which per-section attributes would
// otherwise break.
func RemoveSectionProtections(mem protocols.MemoryAttributes, imageBase uint64, info *PEInfo, log *corelog.Helper) {
	if log == nil {
		log = corelog.NewHelper(nil, corelog.LevelWarn)
	}
	if mem == nil {
		return
	}
	align := info.Headers.SectionAlignment()

	for _, s := range info.Sections {
		base := imageBase + uint64(s.VirtualAddress)
		length := uint64(alignUp(sectionSpan(s), align))
		if length == 0 {
			continue
		}
		desc, err := mem.GetMemorySpaceDescriptor(base, length)
		if err != nil {
			log.Warnf("section %q: could not read memory descriptor on unload: %v", s.NameString(), err)
			continue
		}
		attrs := (desc.Attributes &^ protocols.AccessMask) | protocols.MemoryXP
		if err := mem.SetMemorySpaceAttributes(base, length, attrs); err != nil {
			log.Warnf("section %q: could not clear memory attributes: %v", s.NameString(), err)
		}
	}
}
