package dxeimage

import (
	"context"
	"errors"
	"testing"

	"github.com/uefi-go/dxeimage/internal/corelog"
	"github.com/uefi-go/dxeimage/protocols"
)

func newTestEngine(subsystem uint16) (*Engine, []byte) {
	raw := buildMinimalPE32Plus(subsystem, imageDllCharacteristicsNXCompat)
	reg := NewRegistry(nil)
	c := &protocols.Collaborators{
		Pages:       newFakePages(0x500000),
		Memory:      newFakeMemory(),
		Protocols:   &fakeProtocols{},
		Debug:       &fakeDebugger{},
		Runtime:     &fakeRuntimeRegistry{},
		EntryPoints: &fakeEntryPoints{fn: func(protocols.Handle, interface{}) error { return nil }},
	}
	engine := NewEngine(reg, c, corelog.NewHelper(nil, corelog.LevelError))
	engine.SystemTable = "system-table"
	return engine, raw
}

func setEntryPoint(engine *Engine, fn protocols.EntryPoint) {
	engine.Collaborators.EntryPoints = &fakeEntryPoints{fn: fn}
}

func TestLoadImageFromSourceBuffer(t *testing.T) {
	engine, raw := newTestEngine(imageSubsystemEFIBootServiceDriver)
	handle, auth, err := engine.LoadImage(context.Background(), true, engine.CoreHandle, nil, raw)
	if err != nil {
		t.Fatalf("LoadImage() error = %v", err)
	}
	if handle == 0 {
		t.Fatal("LoadImage() returned a zero handle")
	}
	if auth.Status != nil {
		t.Errorf("LoadImage() authentication status = %v, want nil (no Security/Security2 installed)", auth.Status)
	}

	rec := engine.Registry.Lookup(handle)
	if rec == nil {
		t.Fatal("LoadImage() did not insert a registry record")
	}
	if rec.ImageBuffer == nil {
		t.Error("LoadImage() left ImageBuffer nil despite a Pages collaborator")
	}
	if rec.LoadedImageInfo == nil {
		t.Fatal("LoadImage() did not populate LoadedImageInfo")
	}
	if rec.LoadedImageInfo.ParentHandle != engine.CoreHandle {
		t.Errorf("LoadedImageInfo.ParentHandle = %v, want %v", rec.LoadedImageInfo.ParentHandle, engine.CoreHandle)
	}
	if rec.InfoPtr == nil {
		t.Error("LoadImage() did not install the LoadedImage protocol interface")
	}
	if dbg := engine.Collaborators.Debug.(*fakeDebugger); len(dbg.added) != 1 {
		t.Errorf("LoadImage() registered debug info %d times, want 1", len(dbg.added))
	}
}

func TestLoadImageRejectsInvalidParentHandle(t *testing.T) {
	engine, raw := newTestEngine(imageSubsystemEFIBootServiceDriver)
	if _, _, err := engine.LoadImage(context.Background(), true, 0xdead, nil, raw); !errors.Is(err, ErrInvalidParameter) {
		t.Errorf("LoadImage() with an unknown parent handle = %v, want ErrInvalidParameter", err)
	}
}

func TestLoadImageAcceptsLoadedImageAsParent(t *testing.T) {
	engine, raw := newTestEngine(imageSubsystemEFIBootServiceDriver)
	parent, _, err := engine.LoadImage(context.Background(), true, engine.CoreHandle, nil, raw)
	if err != nil {
		t.Fatalf("LoadImage() parent error = %v", err)
	}

	child, _, err := engine.LoadImage(context.Background(), true, parent, nil, raw)
	if err != nil {
		t.Fatalf("LoadImage() with a loaded-image parent handle: error = %v", err)
	}
	rec := engine.Registry.Lookup(child)
	if rec.LoadedImageInfo.ParentHandle != parent {
		t.Errorf("child ParentHandle = %v, want %v", rec.LoadedImageInfo.ParentHandle, parent)
	}
}

func TestLoadImageRegistersRuntimeDriver(t *testing.T) {
	engine, raw := newTestEngine(imageSubsystemEFIRuntimeDriver)
	handle, _, err := engine.LoadImage(context.Background(), true, engine.CoreHandle, nil, raw)
	if err != nil {
		t.Fatalf("LoadImage() error = %v", err)
	}
	rt := engine.Collaborators.Runtime.(*fakeRuntimeRegistry)
	if len(rt.added) != 1 || rt.added[0] != handle {
		t.Errorf("LoadImage() runtime registrations = %v, want [%v]", rt.added, handle)
	}
}

func TestLoadImageRejectsUnparsableImage(t *testing.T) {
	engine, _ := newTestEngine(imageSubsystemEFIApplication)
	if _, _, err := engine.LoadImage(context.Background(), true, engine.CoreHandle, nil, []byte{1, 2, 3}); err == nil {
		t.Fatal("LoadImage() with garbage bytes: want error, got nil")
	}
}

func TestStartImageAutoUnloadsApplicationOnNaturalReturn(t *testing.T) {
	engine, raw := newTestEngine(imageSubsystemEFIApplication)
	handle, _, err := engine.LoadImage(context.Background(), true, engine.CoreHandle, nil, raw)
	if err != nil {
		t.Fatalf("LoadImage() error = %v", err)
	}

	status, exitData := engine.StartImage(context.Background(), handle)
	if status != nil {
		t.Errorf("StartImage() status = %v, want nil", status)
	}
	if exitData != nil {
		t.Errorf("StartImage() exitData = %v, want nil", exitData)
	}
	if rec := engine.Registry.Lookup(handle); rec != nil {
		t.Error("StartImage() did not auto-unload a subsystem-Application image on natural return")
	}
}

func TestStartImageAutoUnloadsOnError(t *testing.T) {
	engine, raw := newTestEngine(imageSubsystemEFIBootServiceDriver)
	handle, _, err := engine.LoadImage(context.Background(), true, engine.CoreHandle, nil, raw)
	if err != nil {
		t.Fatalf("LoadImage() error = %v", err)
	}

	wantErr := errors.New("entry point failed")
	setEntryPoint(engine, func(protocols.Handle, interface{}) error { return wantErr })
	status, _ := engine.StartImage(context.Background(), handle)
	if status != wantErr {
		t.Errorf("StartImage() status = %v, want %v", status, wantErr)
	}
	if rec := engine.Registry.Lookup(handle); rec != nil {
		t.Error("StartImage() did not auto-unload an image whose entry point errored")
	}
}

func TestStartImageLeavesDriverLoadedOnSuccess(t *testing.T) {
	engine, raw := newTestEngine(imageSubsystemEFIBootServiceDriver)
	handle, _, err := engine.LoadImage(context.Background(), true, engine.CoreHandle, nil, raw)
	if err != nil {
		t.Fatalf("LoadImage() error = %v", err)
	}

	status, _ := engine.StartImage(context.Background(), handle)
	if status != nil {
		t.Errorf("StartImage() status = %v, want nil", status)
	}
	rec := engine.Registry.Lookup(handle)
	if rec == nil {
		t.Fatal("StartImage() auto-unloaded a successful boot-service driver, want it left loaded")
	}
	if !rec.Started {
		t.Error("StartImage() did not mark the record Started")
	}
}

func TestStartImagePassesHandleAndSystemTableToEntryPoint(t *testing.T) {
	engine, raw := newTestEngine(imageSubsystemEFIBootServiceDriver)
	handle, _, err := engine.LoadImage(context.Background(), true, engine.CoreHandle, nil, raw)
	if err != nil {
		t.Fatalf("LoadImage() error = %v", err)
	}

	var gotHandle protocols.Handle
	var gotTable interface{}
	setEntryPoint(engine, func(h protocols.Handle, systemTable interface{}) error {
		gotHandle, gotTable = h, systemTable
		return nil
	})
	if status, _ := engine.StartImage(context.Background(), handle); status != nil {
		t.Fatalf("StartImage() error = %v", status)
	}
	if gotHandle != handle {
		t.Errorf("entry point handle = %v, want %v", gotHandle, handle)
	}
	if gotTable != engine.SystemTable {
		t.Errorf("entry point systemTable = %v, want %v", gotTable, engine.SystemTable)
	}
}

func TestStartImageRejectsAlreadyStarted(t *testing.T) {
	engine, raw := newTestEngine(imageSubsystemEFIBootServiceDriver)
	handle, _, err := engine.LoadImage(context.Background(), true, engine.CoreHandle, nil, raw)
	if err != nil {
		t.Fatalf("LoadImage() error = %v", err)
	}
	engine.StartImage(context.Background(), handle)

	status, _ := engine.StartImage(context.Background(), handle)
	if !errors.Is(status, ErrInvalidParameter) {
		t.Errorf("StartImage() on an already-started image = %v, want ErrInvalidParameter", status)
	}
}

func TestStartImageRejectsMissingEntryPointResolver(t *testing.T) {
	engine, raw := newTestEngine(imageSubsystemEFIBootServiceDriver)
	handle, _, err := engine.LoadImage(context.Background(), true, engine.CoreHandle, nil, raw)
	if err != nil {
		t.Fatalf("LoadImage() error = %v", err)
	}
	engine.Collaborators.EntryPoints = nil

	status, _ := engine.StartImage(context.Background(), handle)
	if !errors.Is(status, ErrInvalidParameter) {
		t.Errorf("StartImage() with no EntryPointResolver = %v, want ErrInvalidParameter", status)
	}
}

func TestExitDeliversStatusToStartImage(t *testing.T) {
	engine, raw := newTestEngine(imageSubsystemEFIBootServiceDriver)
	handle, _, err := engine.LoadImage(context.Background(), true, engine.CoreHandle, nil, raw)
	if err != nil {
		t.Fatalf("LoadImage() error = %v", err)
	}

	wantErr := errors.New("driver exited early")
	setEntryPoint(engine, func(h protocols.Handle, systemTable interface{}) error {
		return engine.Exit(context.Background(), h, wantErr, nil)
	})
	status, _ := engine.StartImage(context.Background(), handle)
	if status != wantErr {
		t.Errorf("StartImage() status after Exit() = %v, want %v", status, wantErr)
	}
}

func TestUnloadImageRejectsStartedWithoutForce(t *testing.T) {
	engine, raw := newTestEngine(imageSubsystemEFIBootServiceDriver)
	handle, _, err := engine.LoadImage(context.Background(), true, engine.CoreHandle, nil, raw)
	if err != nil {
		t.Fatalf("LoadImage() error = %v", err)
	}
	engine.StartImage(context.Background(), handle)

	if err := engine.UnloadImage(context.Background(), handle, false); !errors.Is(err, ErrUnsupported) {
		t.Errorf("UnloadImage(force=false) on a started image = %v, want ErrUnsupported", err)
	}
}

func TestUnloadImageInvokesUnloadCallback(t *testing.T) {
	engine, raw := newTestEngine(imageSubsystemEFIBootServiceDriver)
	handle, _, err := engine.LoadImage(context.Background(), true, engine.CoreHandle, nil, raw)
	if err != nil {
		t.Fatalf("LoadImage() error = %v", err)
	}
	engine.StartImage(context.Background(), handle)

	called := false
	engine.Registry.Lookup(handle).LoadedImageInfo.Unload = func() error {
		called = true
		return nil
	}
	if err := engine.UnloadImage(context.Background(), handle, false); err != nil {
		t.Fatalf("UnloadImage() with an Unload callback = %v, want nil", err)
	}
	if !called {
		t.Error("UnloadImage() did not invoke the registered Unload callback")
	}
}

func TestUnloadImagePropagatesUnloadCallbackFailure(t *testing.T) {
	engine, raw := newTestEngine(imageSubsystemEFIBootServiceDriver)
	handle, _, err := engine.LoadImage(context.Background(), true, engine.CoreHandle, nil, raw)
	if err != nil {
		t.Fatalf("LoadImage() error = %v", err)
	}
	engine.StartImage(context.Background(), handle)

	wantErr := errors.New("unload callback failed")
	engine.Registry.Lookup(handle).LoadedImageInfo.Unload = func() error { return wantErr }
	if err := engine.UnloadImage(context.Background(), handle, true); err != wantErr {
		t.Errorf("UnloadImage() error = %v, want %v", err, wantErr)
	}
	// The record must still be present: a failed Unload callback must not
	// have torn anything down.
	if rec := engine.Registry.Lookup(handle); rec == nil {
		t.Error("UnloadImage() removed the record despite the Unload callback failing")
	}
}

func TestUnloadImageUnknownHandle(t *testing.T) {
	engine, _ := newTestEngine(imageSubsystemEFIApplication)
	if err := engine.UnloadImage(context.Background(), 999, false); !errors.Is(err, ErrInvalidParameter) {
		t.Errorf("UnloadImage() with an unknown handle = %v, want ErrInvalidParameter", err)
	}
}
