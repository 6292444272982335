// Copyright 2018 Saferwall. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

package dxeimage

import (
	"bytes"
	"encoding/binary"
)

// Debug directory entry types. Only CodeView is consulted; the rest of the
// debug-type catalog (FPO, OMAP, Borland, POGO, VC feature, repro) has no
// loader use and is not implemented (see DESIGN.md).
const imageDebugTypeCodeView = 2

// imageDebugDirectory is one IMAGE_DEBUG_DIRECTORY entry.
type imageDebugDirectory struct {
	Characteristics  uint32
	TimeDateStamp    uint32
	MajorVersion     uint16
	MinorVersion     uint16
	Type             uint32
	SizeOfData       uint32
	AddressOfRawData uint32
	PointerToRawData uint32
}

// CodeView signatures.
const (
	cvSignatureRSDS = 0x53445352 // "RSDS"
	cvSignatureNB10 = 0x3031424e // "NB10"
)

// parseDebugPDBPath walks the debug directory looking for a CodeView entry
// and returns the embedded PDB path, the only piece of the debug directory
// the image-lifecycle facade registers (via protocols.Debugger).
func (h *PEHeaders) parseDebugPDBPath(raw []byte) (string, error) {
	dir := h.dataDirectory(dirEntryDebug)
	if dir.VirtualAddress == 0 || dir.Size == 0 {
		return "", ErrNotFound
	}

	sections := sectionsOf(h)
	off, err := rvaToOffset(sections, dir.VirtualAddress)
	if err != nil {
		return "", err
	}

	const entrySize = 28
	count := dir.Size / entrySize
	for i := uint32(0); i < count; i++ {
		entryOff := off + i*entrySize
		if uint64(entryOff)+entrySize > uint64(len(raw)) {
			break
		}
		var d imageDebugDirectory
		r := bytes.NewReader(raw[entryOff : entryOff+entrySize])
		if err := binary.Read(r, binary.LittleEndian, &d); err != nil {
			continue
		}
		if d.Type != imageDebugTypeCodeView {
			continue
		}
		dataOff := d.PointerToRawData
		if uint64(dataOff)+4 > uint64(len(raw)) {
			continue
		}
		sig := binary.LittleEndian.Uint32(raw[dataOff : dataOff+4])
		switch sig {
		case cvSignatureRSDS:
			// RSDS: signature(4) guid(16) age(4) then a NUL-terminated path.
			pathOff := dataOff + 24
			return readCString(raw, pathOff), nil
		case cvSignatureNB10:
			// NB10: signature(4) offset(4) timestamp(4) age(4) then path.
			pathOff := dataOff + 16
			return readCString(raw, pathOff), nil
		}
	}
	return "", ErrNotFound
}

func readCString(raw []byte, off uint32) string {
	if uint64(off) >= uint64(len(raw)) {
		return ""
	}
	end := bytes.IndexByte(raw[off:], 0)
	if end < 0 {
		end = len(raw) - int(off)
	}
	return string(raw[off : off+uint32(end)])
}
