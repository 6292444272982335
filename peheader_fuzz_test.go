// Copyright 2018 Saferwall. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

package dxeimage

import "testing"

// FuzzParseHeader uses the standard library's native fuzzing entry point
// in place of a legacy go-fuzz-style harness. It only asserts that
// ParseHeaders and the subsequent parse steps never panic on untrusted
// input; a non-nil error is an expected, ordinary outcome for malformed
// bytes.
func FuzzParseHeader(f *testing.F) {
	f.Add(buildMinimalPE32Plus(imageSubsystemEFIApplication, 0))
	f.Add([]byte{0x4d, 0x5a})
	f.Add([]byte{})

	f.Fuzz(func(t *testing.T, data []byte) {
		info, err := ParseImage(data)
		if err != nil {
			return
		}
		_ = info.Headers.Subsystem()
		_ = info.Headers.SizeOfImage()
	})
}
