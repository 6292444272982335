// Copyright 2018 Saferwall. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

package dxeimage

import (
	"bytes"
	"encoding/binary"
)

// Base relocation entry types. Only the handful an EFI loader actually
// rewrites are implemented; unrecognized types are surfaced as a LoadError
// rather than silently ignored, since an unapplied relocation means a
// broken pointer at runtime.
const (
	imageRelBasedAbsolute = 0
	imageRelBasedHigh     = 1
	imageRelBasedLow      = 2
	imageRelBasedHighLow  = 3
	imageRelBasedDir64    = 10
)

// maxRelocEntriesCount caps the number of entries processed out of a single
// relocation block, guarding against a malformed or hostile image claiming
// an implausibly large block.
const maxRelocEntriesCount = 0x4000

// imageBaseRelocation is the IMAGE_BASE_RELOCATION block header: a page RVA
// followed by SizeOfBlock bytes of 16-bit entries.
type imageBaseRelocation struct {
	VirtualAddress uint32
	SizeOfBlock    uint32
}

// RelocationBlock is one parsed and (after ApplyRelocations) applied base-relocation
// block, retained on the loaded-image record so ExitBootServices can
// re-relocate a runtime driver against a new virtual address map using the
// same entries without re-parsing the image.
type RelocationBlock struct {
	PageRVA uint32
	Entries []uint16 // each entry packs (type<<12 | offset-in-page)
}

// ParseRelocations walks the base relocation directory, returning the
// block list without applying any deltas.
func (h *PEHeaders) ParseRelocations() ([]RelocationBlock, error) {
	dir := h.dataDirectory(dirEntryBaseReloc)
	if dir.VirtualAddress == 0 || dir.Size == 0 {
		return nil, nil
	}

	off, err := rvaToOffset(sectionsOf(h), dir.VirtualAddress)
	if err != nil {
		return nil, err
	}

	end := uint64(off) + uint64(dir.Size)
	if end > uint64(len(h.raw)) {
		return nil, wrapStatus(LoadError, "relocation directory runs past end of image", nil)
	}

	var blocks []RelocationBlock
	cur := off
	limit := uint32(end)
	for cur < limit {
		if uint64(cur)+8 > uint64(len(h.raw)) {
			return nil, wrapStatus(LoadError, "relocation block header truncated", nil)
		}
		var hdr imageBaseRelocation
		r := bytes.NewReader(h.raw[cur : cur+8])
		if err := binary.Read(r, binary.LittleEndian, &hdr); err != nil {
			return nil, wrapStatus(LoadError, "failed to read relocation block header", err)
		}
		if hdr.SizeOfBlock < 8 {
			break
		}
		entryBytes := hdr.SizeOfBlock - 8
		entryCount := entryBytes / 2
		if entryCount > maxRelocEntriesCount {
			return nil, wrapStatus(LoadError, "relocation block entry count exceeds limit", nil)
		}

		entries := make([]uint16, 0, entryCount)
		eoff := cur + 8
		for i := uint32(0); i < entryCount; i++ {
			if uint64(eoff)+2 > uint64(len(h.raw)) {
				return nil, wrapStatus(LoadError, "relocation entry truncated", nil)
			}
			entries = append(entries, binary.LittleEndian.Uint16(h.raw[eoff:eoff+2]))
			eoff += 2
		}

		blocks = append(blocks, RelocationBlock{PageRVA: hdr.VirtualAddress, Entries: entries})
		cur += hdr.SizeOfBlock
	}
	return blocks, nil
}

// ApplyRelocations rewrites every relocation entry in blocks against buf (the loaded
// image bytes, indexed by RVA from offset 0) by adding delta to the pointer
// already stored at each fixed-up location. delta is loadedBase minus the
// image's preferred base and may be reapplied later with a new delta
// computed against a fresh load address, since blocks is retained verbatim.
func ApplyRelocations(buf []byte, blocks []RelocationBlock, delta int64, is64 bool) error {
	if delta == 0 {
		return nil
	}
	for _, blk := range blocks {
		for _, e := range blk.Entries {
			typ := e >> 12
			offInPage := uint32(e & 0x0fff)
			rva := blk.PageRVA + offInPage

			switch typ {
			case imageRelBasedAbsolute:
				continue
			case imageRelBasedHigh:
				if uint64(rva)+2 > uint64(len(buf)) {
					return wrapStatus(LoadError, "HIGH relocation target outside image", nil)
				}
				v := binary.LittleEndian.Uint16(buf[rva : rva+2])
				v += uint16(delta >> 16)
				binary.LittleEndian.PutUint16(buf[rva:rva+2], v)
			case imageRelBasedLow:
				if uint64(rva)+2 > uint64(len(buf)) {
					return wrapStatus(LoadError, "LOW relocation target outside image", nil)
				}
				v := binary.LittleEndian.Uint16(buf[rva : rva+2])
				v += uint16(delta)
				binary.LittleEndian.PutUint16(buf[rva:rva+2], v)
			case imageRelBasedHighLow:
				if uint64(rva)+4 > uint64(len(buf)) {
					return wrapStatus(LoadError, "HIGHLOW relocation target outside image", nil)
				}
				v := binary.LittleEndian.Uint32(buf[rva : rva+4])
				v = uint32(int64(v) + delta)
				binary.LittleEndian.PutUint32(buf[rva:rva+4], v)
			case imageRelBasedDir64:
				if !is64 {
					return wrapStatus(LoadError, "DIR64 relocation in a PE32 image", nil)
				}
				if uint64(rva)+8 > uint64(len(buf)) {
					return wrapStatus(LoadError, "DIR64 relocation target outside image", nil)
				}
				v := binary.LittleEndian.Uint64(buf[rva : rva+8])
				v = uint64(int64(v) + delta)
				binary.LittleEndian.PutUint64(buf[rva:rva+8], v)
			default:
				return wrapStatus(LoadError, "unsupported relocation entry type", nil)
			}
		}
	}
	return nil
}
