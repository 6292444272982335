package dxeimage

import (
	"errors"
	"testing"

	"github.com/uefi-go/dxeimage/protocols"
)

func TestCoroutineResumeReturnsEntryPointStatus(t *testing.T) {
	pages := newFakePages(0x30000)
	coro, err := NewCoroutine(pages, nil, 0)
	if err != nil {
		t.Fatalf("NewCoroutine() error = %v", err)
	}

	wantErr := errors.New("entry point failed")
	status := coro.Resume(42, "sys-table", func(handle protocols.Handle, systemTable interface{}) error {
		if handle != 42 {
			t.Errorf("entry point handle = %v, want 42", handle)
		}
		if systemTable != "sys-table" {
			t.Errorf("entry point systemTable = %v, want %q", systemTable, "sys-table")
		}
		return wantErr
	})
	if status != wantErr {
		t.Errorf("Resume() = %v, want %v", status, wantErr)
	}

	if err := coro.ForceReset(); err != nil {
		t.Fatalf("ForceReset() error = %v", err)
	}
	if len(pages.freed) != 1 {
		t.Errorf("ForceReset() did not free the stack's pages")
	}
}

func TestCoroutineResumeSuccess(t *testing.T) {
	pages := newFakePages(0x40000)
	coro, err := NewCoroutine(pages, nil, 0)
	if err != nil {
		t.Fatalf("NewCoroutine() error = %v", err)
	}
	status := coro.Resume(1, nil, func(protocols.Handle, interface{}) error { return nil })
	if status != nil {
		t.Errorf("Resume() = %v, want nil", status)
	}
	_ = coro.ForceReset()
}

func TestYielderSuspendNowDeliversStatus(t *testing.T) {
	y := newYielder()
	wantErr := errors.New("exit status")
	done := make(chan struct{})
	go func() {
		y.suspendNow(wantErr)
		close(done) // never reached: suspendNow parks forever by design.
	}()
	got := <-y.suspend
	if got != wantErr {
		t.Errorf("suspend channel delivered %v, want %v", got, wantErr)
	}
}
