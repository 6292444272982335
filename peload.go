// Copyright 2018 Saferwall. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

package dxeimage

// PEInfo is the complete parsed view of a PE image the loader carries
// forward into the loaded-image record: headers, sections, and the applied
// relocation blocks retained for later re-relocation.
type PEInfo struct {
	Headers         *PEHeaders
	Sections        []ImageSectionHeader
	Relocations     []RelocationBlock
	PDBPath         string
	HasResourceDir  bool
	ResourceRVA     uint32
	ResourceSize    uint32
}

// sectionsOf exists only to give the rvaToOffset calls in pereloc.go and
// pedebug.go a value to range over before PEInfo is assembled; ParseImage
// is the sole caller that has both a *PEHeaders and its freshly parsed
// sections in scope.
func sectionsOf(h *PEHeaders) []ImageSectionHeader {
	sections, err := h.ParseSections()
	if err != nil {
		return nil
	}
	return sections
}

// rvaToOffset maps a relative virtual address to a file offset using the
// containing section's PointerToRawData/VirtualAddress delta.
func rvaToOffset(sections []ImageSectionHeader, rva uint32) (uint32, error) {
	for _, s := range sections {
		if rva >= s.VirtualAddress && rva < s.VirtualAddress+sectionSpan(s) {
			return s.PointerToRawData + (rva - s.VirtualAddress), nil
		}
	}
	// RVAs below the first section's VirtualAddress (within the headers)
	// map 1:1 onto file offsets.
	if len(sections) > 0 && rva < sections[0].VirtualAddress {
		return rva, nil
	}
	return 0, wrapStatus(LoadError, "RVA does not map to any section", nil)
}

func sectionSpan(s ImageSectionHeader) uint32 {
	if s.VirtualSize == 0 {
		return s.SizeOfRawData
	}
	return s.VirtualSize
}

// ParseImage parses headers, sections, and relocations out of raw image
// bytes and assembles the aggregate PEInfo view. SectionAlignment must be a
// nonzero multiple of the page size and SizeOfImage a multiple of
// SectionAlignment; otherwise it fails with LoadError. It does not load the
// image into memory; LoadImageBytes does that.
func ParseImage(raw []byte) (*PEInfo, error) {
	headers, err := ParseHeaders(raw)
	if err != nil {
		return nil, err
	}
	align := headers.SectionAlignment()
	if align == 0 || align%uefiPageSize != 0 {
		return nil, wrapStatus(LoadError, "section alignment is not a nonzero multiple of the page size", nil)
	}
	if headers.SizeOfImage()%align != 0 {
		return nil, wrapStatus(LoadError, "size of image is not a multiple of the section alignment", nil)
	}
	sections, err := headers.ParseSections()
	if err != nil {
		return nil, err
	}
	relocs, err := headers.ParseRelocations()
	if err != nil {
		return nil, err
	}

	info := &PEInfo{Headers: headers, Sections: sections, Relocations: relocs}

	resDir := headers.dataDirectory(dirEntryResource)
	if resDir.VirtualAddress != 0 && resDir.Size != 0 {
		info.HasResourceDir = true
		info.ResourceRVA = resDir.VirtualAddress
		info.ResourceSize = resDir.Size
	}

	if pdb, err := headers.parseDebugPDBPath(raw); err == nil {
		info.PDBPath = pdb
	}

	return info, nil
}

// alignUp rounds v up to the next multiple of align (align must be a power
// of two), used for section-size computations; page counts come from
// PagesForSize instead.
func alignUp(v, align uint32) uint32 {
	if align == 0 {
		return v
	}
	return (v + align - 1) &^ (align - 1)
}

// LoadImageBytes copies the headers and each section's raw bytes from raw
// into dst at the section's virtual address, then applies base relocations
// against the delta between loadedBase and the image's preferred base. It
// does not zero-fill anything itself: dst must already be sized to at least
// SizeOfImage and zero-filled by the caller, which is what leaves each
// section's virtual tail zero.
func LoadImageBytes(dst []byte, raw []byte, info *PEInfo, loadedBase uint64) error {
	h := info.Headers
	headerSize := h.sectionHeaderOffset + uint32(h.FileHeader.NumberOfSections)*40
	if uint64(headerSize) > uint64(len(dst)) || uint64(headerSize) > uint64(len(raw)) {
		return wrapStatus(LoadError, "image headers do not fit in loaded region", nil)
	}
	copy(dst[:headerSize], raw[:headerSize])

	for _, s := range info.Sections {
		if s.VirtualAddress == 0 {
			continue
		}
		rawSize := s.SizeOfRawData
		if uint64(s.PointerToRawData)+uint64(rawSize) > uint64(len(raw)) {
			return wrapStatus(LoadError, "section raw data runs past end of file", nil)
		}
		span := sectionSpan(s)
		if uint64(s.VirtualAddress)+uint64(span) > uint64(len(dst)) {
			return wrapStatus(LoadError, "section virtual range runs past end of loaded image", nil)
		}
		if rawSize > 0 {
			n := rawSize
			if n > span {
				n = span
			}
			copy(dst[s.VirtualAddress:s.VirtualAddress+n], raw[s.PointerToRawData:s.PointerToRawData+n])
		}
		// The remainder of the section's virtual span (VirtualSize beyond
		// SizeOfRawData, or the whole thing for a BSS-style section) is
		// already zero because the caller's page allocation is zero-filled.
	}

	delta := int64(loadedBase) - int64(h.ImageBase())
	if err := ApplyRelocations(dst, info.Relocations, delta, h.Is64); err != nil {
		return err
	}
	return nil
}
