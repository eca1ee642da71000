package platform

import (
	"errors"
	"testing"
)

func TestIsAcceleratorReadyFailsClosedUntilPreflight(t *testing.T) {
	ResetPreflightForTest()
	defer ResetPreflightForTest()

	if IsAcceleratorReady() {
		t.Fatal("expected fail-closed before any preflight result is recorded")
	}

	SetAcceleratorPreflightResult(true)
	if !IsAcceleratorReady() {
		t.Fatal("expected ready after a passing preflight")
	}

	SetAcceleratorPreflightResult(false)
	if IsAcceleratorReady() {
		t.Fatal("expected not ready after a failing preflight")
	}
}

func TestProbeReportsMediaBinaryPresence(t *testing.T) {
	orig := lookPathFn
	defer func() { lookPathFn = orig }()

	lookPathFn = func(string) (string, error) { return "/usr/bin/ffmpeg", nil }
	if info := Probe(); !info.MediaBinaryFound {
		t.Fatal("expected MediaBinaryFound=true when LookPath succeeds")
	}

	lookPathFn = func(string) (string, error) { return "", errors.New("not found") }
	if info := Probe(); info.MediaBinaryFound {
		t.Fatal("expected MediaBinaryFound=false when LookPath fails")
	}
}

func TestSetMediaBinaryDefaultsOnEmpty(t *testing.T) {
	SetMediaBinary("")
	info := Probe()
	if info.MediaBinary != "ffmpeg" {
		t.Fatalf("expected default ffmpeg, got %q", info.MediaBinary)
	}
}

func TestHasAcceleratorUsesOverridableProbe(t *testing.T) {
	orig := accelDeviceFn
	defer func() { accelDeviceFn = orig }()

	accelDeviceFn = func() bool { return true }
	if !HasAccelerator() {
		t.Fatal("expected HasAccelerator to reflect overridden probe")
	}
	accelDeviceFn = func() bool { return false }
	if HasAccelerator() {
		t.Fatal("expected HasAccelerator to reflect overridden probe")
	}
}
