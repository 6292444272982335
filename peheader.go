// Copyright 2018 Saferwall. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

package dxeimage

import (
	"bytes"
	"encoding/binary"

	"github.com/uefi-go/dxeimage/protocols"
)

// PE/COFF signatures. A DXE image is only ever the Portable Executable
// variant; the other (OS/2, VXD, TE) signatures are recognized only so that
// ParseHeaders can reject them with a precise diagnostic instead of an
// opaque "bad magic".
const (
	imageDOSSignature   = 0x5A4D // MZ
	imageDOSZMSignature = 0x4D5A // ZM
	imageOS2Signature   = 0x454E
	imageOS2LESignature = 0x454C
	imageVXDSignature   = 0x584C
	imageTESignature    = 0x5A56
	imageNTSignature    = 0x00004550 // PE00
)

// Optional header magics distinguishing PE32 from PE32+.
const (
	imageNtOptionalHeader32Magic = 0x10b
	imageNtOptionalHeader64Magic = 0x20b
)

// Subsystem values of the optional header that the subsystem→memory-type
// table recognizes. Any other value, including EFI ROM (13), is rejected
// with Unsupported rather than mapped to a memory type.
const (
	imageSubsystemEFIApplication       = 10
	imageSubsystemEFIBootServiceDriver = 11
	imageSubsystemEFIRuntimeDriver     = 12
)

// DllCharacteristics bit used by the compatibility-mode policy.
const imageDllCharacteristicsNXCompat = 0x0100

// ImageFileHeader is the COFF file header.
type ImageFileHeader struct {
	Machine              uint16
	NumberOfSections     uint16
	TimeDateStamp        uint32
	PointerToSymbolTable uint32
	NumberOfSymbols      uint32
	SizeOfOptionalHeader uint16
	Characteristics      uint16
}

// ImageDataDirectory is one entry of the optional header's data directory
// array (RVA + size).
type ImageDataDirectory struct {
	VirtualAddress uint32
	Size           uint32
}

const imageNumberOfDirectoryEntries = 16

// directory entry indices this loader consults.
const (
	dirEntryBaseReloc  = 5
	dirEntryDebug      = 6
	dirEntryResource   = 2
)

// ImageOptionalHeader32 is the PE32 optional header.
type ImageOptionalHeader32 struct {
	Magic                   uint16
	MajorLinkerVersion      uint8
	MinorLinkerVersion      uint8
	SizeOfCode              uint32
	SizeOfInitializedData   uint32
	SizeOfUninitializedData uint32
	AddressOfEntryPoint     uint32
	BaseOfCode              uint32
	BaseOfData              uint32
	ImageBase               uint32
	SectionAlignment         uint32
	FileAlignment            uint32
	MajorOSVersion           uint16
	MinorOSVersion           uint16
	MajorImageVersion        uint16
	MinorImageVersion        uint16
	MajorSubsystemVersion    uint16
	MinorSubsystemVersion    uint16
	Win32VersionValue        uint32
	SizeOfImage              uint32
	SizeOfHeaders            uint32
	CheckSum                 uint32
	Subsystem                uint16
	DllCharacteristics       uint16
	SizeOfStackReserve       uint32
	SizeOfStackCommit        uint32
	SizeOfHeapReserve        uint32
	SizeOfHeapCommit         uint32
	LoaderFlags              uint32
	NumberOfRvaAndSizes      uint32
	DataDirectory            [imageNumberOfDirectoryEntries]ImageDataDirectory
}

// ImageOptionalHeader64 is the PE32+ optional header.
type ImageOptionalHeader64 struct {
	Magic                   uint16
	MajorLinkerVersion      uint8
	MinorLinkerVersion      uint8
	SizeOfCode              uint32
	SizeOfInitializedData   uint32
	SizeOfUninitializedData uint32
	AddressOfEntryPoint     uint32
	BaseOfCode              uint32
	ImageBase               uint64
	SectionAlignment        uint32
	FileAlignment           uint32
	MajorOSVersion          uint16
	MinorOSVersion          uint16
	MajorImageVersion       uint16
	MinorImageVersion       uint16
	MajorSubsystemVersion   uint16
	MinorSubsystemVersion   uint16
	Win32VersionValue       uint32
	SizeOfImage             uint32
	SizeOfHeaders           uint32
	CheckSum                uint32
	Subsystem               uint16
	DllCharacteristics      uint16
	SizeOfStackReserve      uint64
	SizeOfStackCommit       uint64
	SizeOfHeapReserve       uint64
	SizeOfHeapCommit        uint64
	LoaderFlags             uint32
	NumberOfRvaAndSizes     uint32
	DataDirectory           [imageNumberOfDirectoryEntries]ImageDataDirectory
}

// PEHeaders is the parsed DOS+NT+optional header view of an image, the
// output of ParseHeaders and the input every other component works from.
type PEHeaders struct {
	raw []byte

	DOSHeaderElfanew uint32
	FileHeader       ImageFileHeader
	Is64             bool
	OptHeader32      ImageOptionalHeader32
	OptHeader64      ImageOptionalHeader64

	sectionHeaderOffset uint32
}

// ParseHeaders parses the DOS stub and NT headers out of raw image bytes.
// raw must be the whole, decompressed PE32/PE32+ image as read from its
// source; ParseHeaders does not copy it.
func ParseHeaders(raw []byte) (*PEHeaders, error) {
	if len(raw) < 64 {
		return nil, wrapStatus(LoadError, "image too small for a DOS header", nil)
	}

	magic := binary.LittleEndian.Uint16(raw[0:2])
	if magic != imageDOSSignature && magic != imageDOSZMSignature {
		return nil, wrapStatus(LoadError, "DOS signature not found", nil)
	}

	elfanew := binary.LittleEndian.Uint32(raw[0x3c:0x40])
	if elfanew < 4 || uint64(elfanew) >= uint64(len(raw)) {
		return nil, wrapStatus(LoadError, "invalid e_lfanew value", nil)
	}

	if uint64(elfanew)+4+20 > uint64(len(raw)) {
		return nil, wrapStatus(LoadError, "NT header runs past end of image", nil)
	}

	sig := binary.LittleEndian.Uint32(raw[elfanew : elfanew+4])
	switch sig {
	case imageOS2Signature, imageOS2LESignature, imageVXDSignature, imageTESignature:
		return nil, wrapStatus(LoadError, "non-PE executable format", nil)
	case imageNTSignature:
		// fallthrough to parse.
	default:
		return nil, wrapStatus(LoadError, "PE signature not found", nil)
	}

	h := &PEHeaders{raw: raw, DOSHeaderElfanew: elfanew}

	fhOff := elfanew + 4
	r := bytes.NewReader(raw[fhOff : fhOff+20])
	if err := binary.Read(r, binary.LittleEndian, &h.FileHeader); err != nil {
		return nil, wrapStatus(LoadError, "failed to read COFF file header", err)
	}

	ohOff := fhOff + 20
	if uint64(ohOff)+2 > uint64(len(raw)) {
		return nil, wrapStatus(LoadError, "optional header runs past end of image", nil)
	}
	ohMagic := binary.LittleEndian.Uint16(raw[ohOff : ohOff+2])

	switch ohMagic {
	case imageNtOptionalHeader32Magic:
		if err := h.readOptional32(raw, ohOff); err != nil {
			return nil, err
		}
		h.Is64 = false
	case imageNtOptionalHeader64Magic:
		if err := h.readOptional64(raw, ohOff); err != nil {
			return nil, err
		}
		h.Is64 = true
	default:
		return nil, wrapStatus(LoadError, "unrecognized optional header magic", nil)
	}

	h.sectionHeaderOffset = ohOff + uint32(h.FileHeader.SizeOfOptionalHeader)
	return h, nil
}

func (h *PEHeaders) readOptional32(raw []byte, off uint32) error {
	size := uint32(binary.Size(h.OptHeader32))
	if uint64(off)+uint64(size) > uint64(len(raw)) {
		return wrapStatus(LoadError, "PE32 optional header truncated", nil)
	}
	r := bytes.NewReader(raw[off : off+size])
	return binary.Read(r, binary.LittleEndian, &h.OptHeader32)
}

func (h *PEHeaders) readOptional64(raw []byte, off uint32) error {
	size := uint32(binary.Size(h.OptHeader64))
	if uint64(off)+uint64(size) > uint64(len(raw)) {
		return wrapStatus(LoadError, "PE32+ optional header truncated", nil)
	}
	r := bytes.NewReader(raw[off : off+size])
	return binary.Read(r, binary.LittleEndian, &h.OptHeader64)
}

// Subsystem returns the optional header's Subsystem field regardless of
// PE32/PE32+.
func (h *PEHeaders) Subsystem() uint16 {
	if h.Is64 {
		return h.OptHeader64.Subsystem
	}
	return h.OptHeader32.Subsystem
}

// ImageBase returns the optional header's preferred load address.
func (h *PEHeaders) ImageBase() uint64 {
	if h.Is64 {
		return h.OptHeader64.ImageBase
	}
	return uint64(h.OptHeader32.ImageBase)
}

// EntryPointRVA returns the optional header's AddressOfEntryPoint.
func (h *PEHeaders) EntryPointRVA() uint32 {
	if h.Is64 {
		return h.OptHeader64.AddressOfEntryPoint
	}
	return h.OptHeader32.AddressOfEntryPoint
}

// SizeOfImage returns the optional header's SizeOfImage.
func (h *PEHeaders) SizeOfImage() uint32 {
	if h.Is64 {
		return h.OptHeader64.SizeOfImage
	}
	return h.OptHeader32.SizeOfImage
}

// SectionAlignment returns the optional header's SectionAlignment.
func (h *PEHeaders) SectionAlignment() uint32 {
	if h.Is64 {
		return h.OptHeader64.SectionAlignment
	}
	return h.OptHeader32.SectionAlignment
}

// FileAlignment returns the optional header's FileAlignment.
func (h *PEHeaders) FileAlignment() uint32 {
	if h.Is64 {
		return h.OptHeader64.FileAlignment
	}
	return h.OptHeader32.FileAlignment
}

// DllCharacteristics returns the optional header's DllCharacteristics.
func (h *PEHeaders) DllCharacteristics() uint16 {
	if h.Is64 {
		return h.OptHeader64.DllCharacteristics
	}
	return h.OptHeader32.DllCharacteristics
}

// NXCompatible reports whether IMAGE_DLLCHARACTERISTICS_NX_COMPAT is set,
// the input to the compatibility-mode policy.
func (h *PEHeaders) NXCompatible() bool {
	return h.DllCharacteristics()&imageDllCharacteristicsNXCompat != 0
}

func (h *PEHeaders) dataDirectory(entry int) ImageDataDirectory {
	if h.Is64 {
		return h.OptHeader64.DataDirectory[entry]
	}
	return h.OptHeader32.DataDirectory[entry]
}

// MemoryTypeForSubsystem maps a PE subsystem value onto the boot-services
// memory type pair LoadImage allocates from, per the subsystem→memory-type
// table.
func MemoryTypeForSubsystem(subsystem uint16, code bool) (protocols.MemoryType, error) {
	switch subsystem {
	case imageSubsystemEFIApplication:
		if code {
			return protocols.LoaderCode, nil
		}
		return protocols.LoaderData, nil
	case imageSubsystemEFIBootServiceDriver:
		if code {
			return protocols.BootServicesCode, nil
		}
		return protocols.BootServicesData, nil
	case imageSubsystemEFIRuntimeDriver:
		if code {
			return protocols.RuntimeServicesCode, nil
		}
		return protocols.RuntimeServicesData, nil
	default:
		return 0, wrapStatus(Unsupported, "unsupported PE subsystem", nil)
	}
}
