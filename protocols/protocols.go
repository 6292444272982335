// Package protocols declares the external collaborators the image-services
// engine is built against: the rest of the DXE core (GCD, page allocator,
// protocol database, device-path locator), the firmware-volume/simple-file-
// system/LoadFile sources, and the Security/Security2 authentication
// protocols. dxeimage never implements these itself; it is constructed
// against them via dependency injection, so that it has no link-time
// dependency on a concrete DXE core.
package protocols

import "context"

// Handle is an opaque DXE protocol-database handle.
type Handle uintptr

// MemoryAttribute mirrors the EFI_MEMORY_* attribute bits relevant to image
// protection: read-only and execute-never/never-execute.
type MemoryAttribute uint64

const (
	MemoryRO MemoryAttribute = 1 << iota
	MemoryXP
	MemoryRP // "read protect"; used for the coroutine stack guard page.
)

// AccessMask covers every bit PageAllocator/MemoryAttributes manipulate;
// callers preserve the complement (cache-ability bits) across an update.
const AccessMask = MemoryRO | MemoryXP | MemoryRP

// MemoryDescriptor is the subset of a GCD memory-space descriptor the
// protection engine needs: the attributes and capabilities currently in
// effect for a range, so it can preserve cache attributes while only
// touching the access bits.
type MemoryDescriptor struct {
	Attributes   MemoryAttribute
	Capabilities MemoryAttribute
}

// MemoryAttributes is the GCD collaborator used to query and update
// per-page memory attributes.
type MemoryAttributes interface {
	GetMemorySpaceDescriptor(base uint64, length uint64) (MemoryDescriptor, error)
	SetMemorySpaceCapabilities(base, length uint64, caps MemoryAttribute) error
	SetMemorySpaceAttributes(base, length uint64, attrs MemoryAttribute) error
}

// PageAllocator is the boot-services page allocator.
type PageAllocator interface {
	AllocatePages(numPages uint64, memType MemoryType) (base uint64, err error)
	FreePages(base uint64, numPages uint64) error
}

// MemoryType mirrors EFI_MEMORY_TYPE values the subsystem-to-memory-type
// table maps into.
type MemoryType uint32

const (
	LoaderCode MemoryType = iota
	LoaderData
	BootServicesCode
	BootServicesData
	RuntimeServicesCode
	RuntimeServicesData
)

// ProtocolDatabase is the handle database: validate handles, install and
// uninstall protocol interfaces on them, and enumerate open-protocol usage
// so UnloadImage can revoke everything an image opened as an agent.
type ProtocolDatabase interface {
	ValidateHandle(h Handle) error
	InstallProtocolInterface(h Handle, guid GUID, iface interface{}) error
	UninstallProtocolInterface(h Handle, guid GUID, iface interface{}) error
	LocateHandles(guid *GUID) ([]Handle, error)
	RemoveAgentUsage(agentHandle Handle) error
}

// GUID is a 128-bit protocol identifier.
type GUID [16]byte

// DevicePathLocator resolves the device handle owning the longest matching
// prefix of a device path and the protocol interface installed on it.
type DevicePathLocator interface {
	LocateDevicePath(guid GUID, path []byte) (handle Handle, remaining []byte, err error)
	HandleProtocol(h Handle, guid GUID) (interface{}, error)
}

// FirmwareVolumeReader is the Firmware Volume protocol's ReadSection entry
// point, narrowed to the PE32 section type the loader consumes.
type FirmwareVolumeReader interface {
	ReadSection(fileGUID GUID, instance uint32) (data []byte, authenticationStatus uint32, err error)
}

// SimpleFileSystem opens a volume's root directory.
type SimpleFileSystem interface {
	OpenVolume() (File, error)
}

// File is the subset of EFI_FILE_PROTOCOL used to walk a device path's
// remaining directory components and read the final file.
type File interface {
	Open(name string) (File, error)
	Read(buf []byte) (int, error)
	Size() (uint64, error)
	Close() error
}

// LoadFileProtocol models both LoadFile and LoadFile2: a two-call
// size-then-read handshake keyed by boot policy.
type LoadFileProtocol interface {
	// LoadFile mirrors EFI_LOAD_FILE_PROTOCOL.LoadFile. buf may be nil to
	// query the required size; a nil buf must return a BadBufferSize status
	// with the required size in bufferSize, never Success.
	LoadFile(ctx context.Context, path []byte, bootPolicy bool, buf []byte) (bufferSize uint64, err error)
}

// Security is EFI_SECURITY_ARCH_PROTOCOL.
type Security interface {
	FileAuthenticationState(authenticationStatus uint32, devicePath []byte) error
}

// Security2 is EFI_SECURITY2_ARCH_PROTOCOL.
type Security2 interface {
	FileAuthentication(devicePath []byte, image []byte, bootPolicy bool) error
}

// CompatibilityModeSignaler lets the Permitted compatibility-mode build
// notify the GCD that the platform has entered process-wide compatibility
// mode, relaxing W^X enforcement for the lifetime of the boot.
type CompatibilityModeSignaler interface {
	EnterCompatibilityMode() error
}

// EntryPoint is the callable shape of a PE image's entry point as the
// lifecycle facade invokes it: the image's own handle and the firmware
// system-table pointer, returning an EFI-style status. Go cannot jump
// directly into loaded image bytes the way firmware does at
// image_base+entry_point_offset, so this module resolves that address
// through an EntryPointResolver collaborator instead of calling raw memory.
type EntryPoint func(handle Handle, systemTable interface{}) error

// EntryPointResolver maps a loaded image's resolved entry address to a
// callable Go function, standing in for the direct machine-code call a
// firmware core makes at that address. A simulator or test harness
// implements this by registering the function it wants executed for a
// given image base and entry offset.
type EntryPointResolver interface {
	ResolveEntryPoint(imageBase uint64, entryPointRVA uint32) (EntryPoint, error)
}

// LoadedImageInfo is the stable, boxed descriptor installed as the
// LoadedImage protocol on every loaded image's handle. Its address must
// remain fixed for the record's lifetime since it is published as the
// protocol interface pointer.
type LoadedImageInfo struct {
	ParentHandle Handle
	DeviceHandle Handle
	SystemTable  interface{}
	FilePath     []byte
	LoadOptions  []byte
	ImageBase    uint64
	ImageSize    uint64
	CodeType     MemoryType
	DataType     MemoryType

	// Unload is the image's optional unload callback. UnloadImage invokes
	// it when the record has started; its absence combined with force=false
	// makes UnloadImage fail with Unsupported.
	Unload func() error
}

// TplServices brackets a critical section the way raising and restoring a
// UEFI task priority level does: callbacks that could re-enter the registry
// are masked for the duration.
type TplServices interface {
	RaiseToNotify() (previous uint64)
	Restore(previous uint64)
}

// PerfRecorder captures the optional boot-performance measurement markers
// around LoadImage/StartImage. The zero value (nil) performs no recording.
type PerfRecorder interface {
	LoadImageBegin(handle Handle)
	LoadImageEnd(handle Handle)
	StartImageBegin(handle Handle)
	StartImageEnd(handle Handle)
}

// Debugger registers/removes per-image debug information (module name, PDB
// path, load address) with the platform debugger support table.
type Debugger interface {
	AddDebugImageInfo(handle Handle, imageBase uint64, pdbPath string) error
	RemoveDebugImageInfo(handle Handle) error
}

// RuntimeImageRegistry tracks runtime driver images so they can be
// re-relocated after ExitBootServices virtual-address-map changes, and
// dropped from tracking on unload.
type RuntimeImageRegistry interface {
	AddRuntimeImage(handle Handle, imageBase uint64, relocationData []byte) error
	RemoveRuntimeImage(handle Handle) error
}

// Collaborators bundles every external dependency the lifecycle facade is
// constructed against. Fields left nil for optional collaborators
// (Security, Security2, PerfRecorder, Debugger, RuntimeImageRegistry,
// Compat) degrade to their documented "absent" behavior rather than
// panicking. EntryPoints is not optional: StartImage cannot resolve an
// image's entry address without it.
type Collaborators struct {
	Memory      MemoryAttributes
	Pages       PageAllocator
	Protocols   ProtocolDatabase
	DevicePaths DevicePathLocator
	Tpl         TplServices

	FirmwareVolume func(h Handle) (FirmwareVolumeReader, bool)
	SimpleFS       func(h Handle) (SimpleFileSystem, bool)
	LoadFile       func(h Handle) (LoadFileProtocol, bool)
	LoadFile2      func(h Handle) (LoadFileProtocol, bool)

	Security  Security
	Security2 Security2

	Perf        PerfRecorder
	Debug       Debugger
	Runtime     RuntimeImageRegistry
	Compat      CompatibilityModeSignaler
	EntryPoints EntryPointResolver
}
