//go:build !compat_permit

package dxeimage

import (
	"github.com/uefi-go/dxeimage/internal/corelog"
	"github.com/uefi-go/dxeimage/protocols"
)

// ApplyCompatibilityModePolicy is the default (Forbidden) build: a
// subsystem Application lacking NX-compat fails to load with LoadError
// rather than running with relaxed section protection. Platforms that need
// to boot legacy non-NX-compatible applications select the compat_permit
// build tag instead of editing this policy in place.
func ApplyCompatibilityModePolicy(mem protocols.MemoryAttributes, compat protocols.CompatibilityModeSignaler, imageBase uint64, info *PEInfo, log *corelog.Helper) error {
	if !NeedsCompatibilityModeDecision(info) {
		return nil
	}
	return wrapStatus(LoadError, "NX-incompatible application rejected: compatibility mode is forbidden in this build", nil)
}
