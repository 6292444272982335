// Copyright 2018 Saferwall. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

package dxeimage

import (
	"bytes"
	"encoding/binary"
)

// Section characteristic bits this loader inspects: whether a section
// carries executable code, and its read/write access.
const (
	imageScnCntCode            = 0x00000020
	imageScnMemExecute         = 0x20000000
	imageScnMemRead            = 0x40000000
	imageScnMemWrite           = 0x80000000
)

// ImageSectionHeader is one IMAGE_SECTION_HEADER entry.
type ImageSectionHeader struct {
	Name                 [8]byte
	VirtualSize          uint32
	VirtualAddress       uint32
	SizeOfRawData        uint32
	PointerToRawData     uint32
	PointerToRelocations uint32
	PointerToLineNumbers uint32
	NumberOfRelocations  uint16
	NumberOfLineNumbers  uint16
	Characteristics      uint32
}

// NameString trims the fixed 8-byte section name at its first NUL.
func (s ImageSectionHeader) NameString() string {
	n := bytes.IndexByte(s.Name[:], 0)
	if n < 0 {
		n = len(s.Name)
	}
	return string(s.Name[:n])
}

// IsExecutable reports whether the section contains code or is marked
// executable.
func (s ImageSectionHeader) IsExecutable() bool {
	return s.Characteristics&(imageScnCntCode|imageScnMemExecute) != 0
}

// IsWritable reports the write bit.
func (s ImageSectionHeader) IsWritable() bool {
	return s.Characteristics&imageScnMemWrite != 0
}

// IsReadable reports the read bit.
func (s ImageSectionHeader) IsReadable() bool {
	return s.Characteristics&imageScnMemRead != 0
}

// ParseSections reads the NumberOfSections section headers immediately
// following the optional header.
func (h *PEHeaders) ParseSections() ([]ImageSectionHeader, error) {
	count := int(h.FileHeader.NumberOfSections)
	sections := make([]ImageSectionHeader, 0, count)

	const headerSize = 40
	off := h.sectionHeaderOffset
	for i := 0; i < count; i++ {
		end := uint64(off) + headerSize
		if end > uint64(len(h.raw)) {
			return nil, wrapStatus(LoadError, "section header runs past end of image", nil)
		}
		var sh ImageSectionHeader
		r := bytes.NewReader(h.raw[off : off+headerSize])
		if err := binary.Read(r, binary.LittleEndian, &sh); err != nil {
			return nil, wrapStatus(LoadError, "failed to read section header", err)
		}
		if sh.VirtualSize > 0x10000000 {
			return nil, wrapStatus(LoadError, "section VirtualSize implausibly large", nil)
		}
		sections = append(sections, sh)
		off += headerSize
	}
	return sections, nil
}

// SectionProtectionAttributes is the per-section memory-attribute decision
// derived from PE section characteristics, consumed by the protection
// engine: code sections get RO (replacing, not adding to, the default XP);
// non-writable readable data sections get RO added to the default XP;
// everything else keeps the default XP alone.
type SectionProtectionAttributes struct {
	RO bool
	XP bool
}

// DeriveSectionProtection computes the attributes a section should carry
// once mapped: default-XP, then code replaces with RO, then
// non-writable-readable-data adds RO.
func DeriveSectionProtection(s ImageSectionHeader) SectionProtectionAttributes {
	attrs := SectionProtectionAttributes{XP: true}
	if s.Characteristics&imageScnCntCode != 0 {
		attrs = SectionProtectionAttributes{RO: true}
		return attrs
	}
	if !s.IsWritable() && s.IsReadable() {
		attrs.RO = true
	}
	return attrs
}
