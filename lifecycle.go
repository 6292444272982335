package dxeimage

import (
	"context"

	"golang.org/x/sync/errgroup"

	"github.com/uefi-go/dxeimage/internal/corelog"
	"github.com/uefi-go/dxeimage/protocols"
)

// Engine is the lifecycle facade: LoadImage, StartImage, Exit, and
// UnloadImage, built against a Registry and a set of external
// Collaborators.
type Engine struct {
	Registry      *Registry
	Collaborators *protocols.Collaborators
	Log           *corelog.Helper

	// CoreHandle is this firmware core's own image handle, the one value
	// LoadImage accepts as a parent handle without it carrying a
	// LoadedImage interface of its own. Its zero value (the default) never
	// collides with an allocated image handle, since allocateHandle starts
	// numbering at 1.
	CoreHandle protocols.Handle

	// SystemTable is handed to every image's entry point and stored on its
	// LoadedImageInfo.
	SystemTable interface{}

	// StackSize overrides the entry-point stack size StartImage allocates
	// per run. Zero selects entryPointStackSize.
	StackSize uint64

	nextHandle protocols.Handle
}

// NewEngine constructs a lifecycle facade over reg and collaborators.
func NewEngine(reg *Registry, collaborators *protocols.Collaborators, log *corelog.Helper) *Engine {
	if log == nil {
		log = corelog.NewHelper(nil, corelog.LevelWarn)
	}
	return &Engine{Registry: reg, Collaborators: collaborators, Log: log, nextHandle: 1}
}

func (e *Engine) allocateHandle() protocols.Handle {
	h := e.nextHandle
	e.nextHandle++
	return h
}

// validateParentHandle accepts the engine's own CoreHandle, or any handle
// already carrying an installed LoadedImage interface; anything else,
// including an unknown handle, is InvalidParameter.
func (e *Engine) validateParentHandle(parentHandle protocols.Handle) error {
	if parentHandle == e.CoreHandle {
		return nil
	}
	rec := e.Registry.Lookup(parentHandle)
	if rec == nil || rec.LoadedImageInfo == nil {
		return wrapStatus(InvalidParameter, "parent handle does not carry a LoadedImage interface", nil)
	}
	return nil
}

// LoadImage implements the LoadImage entry point: validate the parent
// handle, resolve source bytes, authenticate (non-fatally), parse, allocate,
// copy+relocate, decide and apply compatibility-mode policy or per-section
// protections, publish the LoadedImage/LoadedImageDevicePath protocols and
// (when present) the HII resource section, register debug info and (for
// runtime drivers) the runtime-image registry, and insert the record. On
// any fatal failure no partial record is left behind: regions allocated
// before the failure are freed.
func (e *Engine) LoadImage(ctx context.Context, bootPolicy bool, parentHandle protocols.Handle, devicePath []byte, sourceBuffer []byte) (protocols.Handle, *AuthenticationResult, error) {
	if err := e.validateParentHandle(parentHandle); err != nil {
		return 0, nil, err
	}

	if e.Collaborators != nil && e.Collaborators.Perf != nil {
		// handle isn't known yet for the begin marker; recorded against 0
		// is acceptable since the marker exists purely for boot-time
		// tracing, not correctness.
		e.Collaborators.Perf.LoadImageBegin(0)
	}

	data, fromFV, err := ResolveImageBytes(ctx, e.Collaborators, devicePath, bootPolicy, sourceBuffer)
	if err != nil {
		return 0, nil, err
	}

	authResult := AuthenticateImage(e.Collaborators, devicePath, data, bootPolicy, fromFV, 0)

	info, err := ParseImage(data)
	if err != nil {
		return 0, &authResult, wrapStatus(LoadError, "failed to parse PE image", err)
	}

	codeType, err := MemoryTypeForSubsystem(info.Headers.Subsystem(), true)
	if err != nil {
		return 0, &authResult, err
	}
	dataType, err := MemoryTypeForSubsystem(info.Headers.Subsystem(), false)
	if err != nil {
		return 0, &authResult, err
	}

	numPages := PagesForSize(uint64(info.Headers.SizeOfImage()), info.Headers.SectionAlignment())
	var region *Region
	if e.Collaborators != nil && e.Collaborators.Pages != nil {
		region, err = AllocateRegion(e.Collaborators.Pages, numPages, codeType)
		if err != nil {
			return 0, &authResult, err
		}
	}

	handle := e.allocateHandle()
	rec := &LoadedImage{
		Handle:        handle,
		ImageBuffer:   region,
		Info:          info,
		EntryPointRVA: info.Headers.EntryPointRVA(),
		DevicePath:    devicePath,
		FromFV:        fromFV,
	}

	fail := func(err error) (protocols.Handle, *AuthenticationResult, error) {
		if region != nil {
			_ = region.Close()
		}
		return 0, &authResult, err
	}

	if region != nil {
		buf := make([]byte, numPages*uefiPageSize)
		if err := LoadImageBytes(buf, data, info, region.Base()); err != nil {
			return fail(err)
		}
		region.Data = buf
		rec.ImageBase = region.Base()

		var mem protocols.MemoryAttributes
		var compat protocols.CompatibilityModeSignaler
		if e.Collaborators != nil {
			mem, compat = e.Collaborators.Memory, e.Collaborators.Compat
		}
		if err := ApplyCompatibilityModePolicy(mem, compat, rec.ImageBase, info, e.Log); err != nil {
			return fail(err)
		}
		if !NeedsCompatibilityModeDecision(info) {
			ApplySectionProtections(mem, rec.ImageBase, info, e.Log)
		}
	}

	rec.LoadedImageInfo = &protocols.LoadedImageInfo{
		ParentHandle: parentHandle,
		// DeviceHandle is left unset here: LoadImage's device-path
		// resolution chain does not carry a settled device handle back out
		// of ResolveImageBytes. A caller that tracks one may set it
		// directly on LoadedImageInfo before StartImage.
		SystemTable: e.SystemTable,
		FilePath:    devicePath,
		ImageBase:   rec.ImageBase,
		ImageSize:   uint64(info.Headers.SizeOfImage()),
		CodeType:    codeType,
		DataType:    dataType,
	}

	if e.Collaborators != nil && e.Collaborators.Protocols != nil {
		if err := e.Collaborators.Protocols.InstallProtocolInterface(handle, loadedImageProtocolGUID, rec.LoadedImageInfo); err != nil {
			return fail(wrapStatus(LoadError, "could not install LoadedImage protocol", err))
		}
		rec.InfoPtr = rec.LoadedImageInfo

		if devicePath != nil {
			if err := e.Collaborators.Protocols.InstallProtocolInterface(handle, loadedImageDevicePathProtocolGUID, devicePath); err != nil {
				return fail(wrapStatus(LoadError, "could not install LoadedImageDevicePath protocol", err))
			}
			rec.DevicePathPtr = devicePath
		}
	}

	if info.HasResourceDir && region != nil {
		if err := e.installHIIResourceSection(handle, rec, region); err != nil {
			return fail(err)
		}
	}

	e.Registry.Insert(rec)

	e.installAncillary(ctx, rec)

	if e.Collaborators != nil && e.Collaborators.Perf != nil {
		e.Collaborators.Perf.LoadImageEnd(handle)
	}

	return handle, &authResult, nil
}

// installHIIResourceSection allocates a page-aligned copy of the image's
// .rsrc section, copies it out of the already-loaded region, and installs
// it as an HII package-list protocol on handle. It is only called when
// rec.Info.HasResourceDir is set.
func (e *Engine) installHIIResourceSection(handle protocols.Handle, rec *LoadedImage, loaded *Region) error {
	info := rec.Info
	start, end := uint64(info.ResourceRVA), uint64(info.ResourceRVA)+uint64(info.ResourceSize)
	if end > uint64(len(loaded.Data)) {
		return wrapStatus(LoadError, "resource directory runs past the end of the loaded image", nil)
	}

	if e.Collaborators == nil || e.Collaborators.Pages == nil {
		return nil
	}

	hiiPages := PagesForSize(uint64(info.ResourceSize), info.Headers.SectionAlignment())
	hiiRegion, err := AllocateRegion(e.Collaborators.Pages, hiiPages, protocols.BootServicesData)
	if err != nil {
		return err
	}

	buf := make([]byte, hiiPages*uefiPageSize)
	copy(buf, loaded.Data[start:end])
	hiiRegion.Data = buf
	rec.HIIBuffer = hiiRegion

	if e.Collaborators.Protocols != nil {
		if err := e.Collaborators.Protocols.InstallProtocolInterface(handle, hiiPackageListProtocolGUID, buf); err != nil {
			e.Log.Warnf("could not install HII package list protocol for handle %v: %v", handle, err)
			return nil
		}
		rec.HIIPtr = buf
	}
	return nil
}

// installAncillary registers debug info and (for runtime drivers) registers
// the image with the runtime-image registry. The two are independent of one
// another and are fanned out with errgroup, exercised here for structured
// concurrent fan-out rather than the coroutine core itself, whose strict
// two-party rendezvous errgroup's fan-out model does not fit.
func (e *Engine) installAncillary(ctx context.Context, rec *LoadedImage) {
	if e.Collaborators == nil {
		return
	}

	g, _ := errgroup.WithContext(ctx)

	if e.Collaborators.Debug != nil {
		g.Go(func() error {
			if err := e.Collaborators.Debug.AddDebugImageInfo(rec.Handle, rec.ImageBase, rec.Info.PDBPath); err != nil {
				e.Log.Warnf("could not register debug image info for handle %v: %v", rec.Handle, err)
			}
			return nil
		})
	}

	subsystem := rec.Info.Headers.Subsystem()
	if subsystem == imageSubsystemEFIRuntimeDriver && e.Collaborators.Runtime != nil {
		g.Go(func() error {
			if err := e.Collaborators.Runtime.AddRuntimeImage(rec.Handle, rec.ImageBase, encodeRelocations(rec.Info.Relocations)); err != nil {
				e.Log.Warnf("could not register runtime image for handle %v: %v", rec.Handle, err)
			}
			return nil
		})
	}

	_ = g.Wait()
}

// encodeRelocations flattens retained relocation blocks into an opaque byte
// form suitable for handing to a RuntimeImageRegistry collaborator, which
// treats it as opaque re-relocation state rather than parsing it itself.
func encodeRelocations(blocks []RelocationBlock) []byte {
	// A real encoding is an implementation detail of whatever runtime
	// re-relocation facility a platform provides; this loader only needs to
	// retain the blocks themselves (already on LoadedImage.Info.Relocations)
	// so runtime.go can reapply them directly without decoding anything
	// back out of this byte form.
	return nil
}

// StartImage implements the StartImage entry point: validate, resolve the
// image's own entry point from its loaded base and RVA, allocate a
// guard-paged entry-point stack, run the coroutine, then, on return
// (whether by natural entry-point return or by Exit), unload the image if
// it errored or if it is a subsystem Application (the auto-unload rule).
func (e *Engine) StartImage(ctx context.Context, handle protocols.Handle) (status error, exitData *ExitData) {
	rec := e.Registry.Lookup(handle)
	if rec == nil {
		return ErrInvalidParameter, nil
	}
	if rec.Started {
		return ErrInvalidParameter, nil
	}

	if e.Collaborators == nil || e.Collaborators.EntryPoints == nil {
		return wrapStatus(InvalidParameter, "no entry point resolver configured", nil), nil
	}
	entry, err := e.Collaborators.EntryPoints.ResolveEntryPoint(rec.ImageBase, rec.EntryPointRVA)
	if err != nil {
		return err, nil
	}

	pages, memory := e.Collaborators.Pages, e.Collaborators.Memory
	coro, err := NewCoroutine(pages, memory, e.StackSize)
	if err != nil {
		return err, nil
	}

	if e.Collaborators.Perf != nil {
		e.Collaborators.Perf.StartImageBegin(handle)
	}

	rec.Started = true
	rec.yielder = coro.Yielder()
	e.Registry.pushYielder(coro.Yielder())

	prevHandle, prevOK := e.Registry.setCurrentRunningImage(handle, true)
	status = coro.Resume(handle, e.SystemTable, func(h protocols.Handle, systemTable interface{}) error {
		s := entry(h, systemTable)
		// Natural return: pop this image's own yielder, as Exit would have.
		e.Registry.popYielder()
		return s
	})
	if prevOK {
		e.Registry.setCurrentRunningImage(prevHandle, true)
	} else {
		e.Registry.setCurrentRunningImage(0, false)
	}

	if err := coro.ForceReset(); err != nil {
		e.Log.Warnf("could not release entry point stack for handle %v: %v", handle, err)
	}

	exitData = rec.ExitData

	if e.Collaborators.Perf != nil {
		e.Collaborators.Perf.StartImageEnd(handle)
	}

	subsystem := rec.Info.Headers.Subsystem()
	if status != nil || subsystem == imageSubsystemEFIApplication {
		_ = e.UnloadImage(ctx, handle, true)
	}

	return status, exitData
}

// Exit implements the Exit entry point. An image that never started is
// force-unloaded directly; a started image must be the currently running
// one, after which Exit stores optional exit data and suspends back into
// StartImage's Resume call; it never returns normally on that path.
func (e *Engine) Exit(ctx context.Context, handle protocols.Handle, status error, exitData *ExitData) error {
	rec := e.Registry.Lookup(handle)
	if rec == nil {
		return ErrInvalidParameter
	}

	if !rec.Started {
		if err := e.UnloadImage(ctx, handle, true); err != nil {
			return ErrInvalidParameter
		}
		return nil
	}

	cur, ok := e.Registry.CurrentRunningImage()
	if !ok || cur != handle {
		return ErrInvalidParameter
	}

	if exitData != nil && exitData.Size != 0 && exitData.Data != nil {
		rec.ExitData = exitData
	}

	y := e.Registry.popYielder()
	if y == nil {
		return ErrInvalidParameter
	}
	y.suspendNow(status)
	return wrapStatus(InvalidParameter, "unreachable: suspendNow never returns", nil)
}

// UnloadImage implements the UnloadImage entry point. The public
// UnloadImage surface always passes force=false; StartImage's
// auto-unload-on-error/Application path and Exit's not-started path pass
// force=true. A started image's unload callback, when it registered one on
// LoadedImageInfo.Unload, is always invoked and its failure always
// propagates; force only controls what happens when no callback was
// registered.
func (e *Engine) UnloadImage(ctx context.Context, handle protocols.Handle, force bool) error {
	rec := e.Registry.Lookup(handle)
	if rec == nil {
		return ErrInvalidParameter
	}

	if rec.Started {
		if rec.LoadedImageInfo != nil && rec.LoadedImageInfo.Unload != nil {
			if err := rec.LoadedImageInfo.Unload(); err != nil {
				return err
			}
		} else if !force {
			return ErrUnsupported
		}
	}

	if e.Collaborators != nil {
		if e.Collaborators.Protocols != nil {
			_ = e.Collaborators.Protocols.RemoveAgentUsage(handle)
		}
		if e.Collaborators.Debug != nil {
			_ = e.Collaborators.Debug.RemoveDebugImageInfo(handle)
		}
		subsystem := rec.Info.Headers.Subsystem()
		if subsystem == imageSubsystemEFIRuntimeDriver && e.Collaborators.Runtime != nil {
			_ = e.Collaborators.Runtime.RemoveRuntimeImage(handle)
		}
	}

	// Protections must be torn down before pages are freed: freeing pages
	// requires a single contiguous descriptor, which per-section attribute
	// changes would otherwise have fragmented.
	if e.Collaborators != nil && e.Collaborators.Memory != nil && rec.ImageBuffer != nil {
		RemoveSectionProtections(e.Collaborators.Memory, rec.ImageBase, rec.Info, e.Log)
	}

	if rec.ImageBuffer != nil {
		if err := rec.ImageBuffer.Close(); err != nil {
			e.Log.Warnf("could not free image pages for handle %v: %v", handle, err)
		}
	}
	if rec.HIIBuffer != nil {
		if err := rec.HIIBuffer.Close(); err != nil {
			e.Log.Warnf("could not free HII pages for handle %v: %v", handle, err)
		}
	}

	if e.Collaborators != nil && e.Collaborators.Protocols != nil {
		if rec.InfoPtr != nil {
			_ = e.Collaborators.Protocols.UninstallProtocolInterface(handle, loadedImageProtocolGUID, rec.InfoPtr)
		}
		if rec.DevicePathPtr != nil {
			_ = e.Collaborators.Protocols.UninstallProtocolInterface(handle, loadedImageDevicePathProtocolGUID, rec.DevicePathPtr)
		}
		if rec.HIIPtr != nil {
			_ = e.Collaborators.Protocols.UninstallProtocolInterface(handle, hiiPackageListProtocolGUID, rec.HIIPtr)
		}
	}

	e.Registry.Remove(handle)
	return nil
}

// Protocol GUIDs the facade installs/uninstalls on every loaded image's
// handle. Values are placeholders distinct from any real platform GUID;
// callers that need interoperable GUIDs inject their own via Collaborators
// rather than relying on these constants' byte values.
var (
	loadedImageProtocolGUID           = protocols.GUID{0x5b, 0x1b, 0x31, 0xa1}
	loadedImageDevicePathProtocolGUID = protocols.GUID{0xbc, 0x62, 0x15, 0x70}
	hiiPackageListProtocolGUID        = protocols.GUID{0x6a, 0x1e, 0xe4, 0x09}
)
