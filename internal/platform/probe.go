// Package platform detects what the local machine can actually do: its
// OS/arch, whether a hardware accelerator device is present, and whether
// the external media binary the Accelerated and Standard backends shell
// out to (see SPEC_FULL.md §1.1) is on PATH at all.
//
// The accelerator check is two-tier, mirroring how the teacher's GPU
// readiness checker separated "device node exists" from "verified
// working": HasAccelerator is cheap and optimistic; IsAcceleratorReady is
// fail-closed and only true once a real preflight encode has succeeded.
package platform

import (
	"os"
	"os/exec"
	"runtime"
	"sync"
)

// accelDevicePaths lists the device nodes checked for a present (but not
// necessarily working) hardware accelerator, in probe order.
var accelDevicePaths = []string{"/dev/dri/renderD128", "/dev/dri/card0"}

// Info describes what the platform probe observed.
type Info struct {
	OS               string
	Arch             string
	HasAccelerator   bool // device node present
	AcceleratorReady bool // preflight encode verified working
	MediaBinary      string
	MediaBinaryFound bool
}

var (
	mu             sync.RWMutex
	preflightDone  bool
	preflightPass  bool
	mediaBinary    = "ffmpeg"
	accelDeviceFn  = hasAcceleratorDevice
	lookPathFn     = exec.LookPath
)

// SetMediaBinary overrides the external media binary name/path used by the
// Accelerated/Standard backends and by the preflight check. Defaults to
// "ffmpeg".
func SetMediaBinary(bin string) {
	mu.Lock()
	defer mu.Unlock()
	if bin == "" {
		bin = "ffmpeg"
	}
	mediaBinary = bin
}

func hasAcceleratorDevice() bool {
	for _, p := range accelDevicePaths {
		if _, err := os.Stat(p); err == nil {
			return true
		}
	}
	return false
}

// HasAccelerator reports whether an accelerator device node exists. This
// only proves the node exists, not that encoding through it works.
func HasAccelerator() bool {
	return accelDeviceFn()
}

// SetAcceleratorPreflightResult records the result of a real encode
// preflight run by the backend/element layer. Fail-closed until called.
func SetAcceleratorPreflightResult(passed bool) {
	mu.Lock()
	defer mu.Unlock()
	preflightDone = true
	preflightPass = passed
}

// IsAcceleratorReady reports whether the accelerator has been verified
// working by a preflight. Returns false if no preflight has run yet.
func IsAcceleratorReady() bool {
	mu.RLock()
	defer mu.RUnlock()
	return preflightDone && preflightPass
}

// ResetPreflightForTest clears the recorded preflight result. Test-only.
func ResetPreflightForTest() {
	mu.Lock()
	defer mu.Unlock()
	preflightDone = false
	preflightPass = false
}

// Probe gathers everything the backend registry needs to decide which
// BackendKind is viable. It does not run the (expensive) preflight encode,
// and neither does the backend registry; a preflight result is recorded
// only through SetAcceleratorPreflightResult.
func Probe() Info {
	mu.RLock()
	bin := mediaBinary
	mu.RUnlock()

	_, err := lookPathFn(bin)

	return Info{
		OS:               runtime.GOOS,
		Arch:             runtime.GOARCH,
		HasAccelerator:   HasAccelerator(),
		AcceleratorReady: IsAcceleratorReady(),
		MediaBinary:      bin,
		MediaBinaryFound: err == nil,
	}
}
