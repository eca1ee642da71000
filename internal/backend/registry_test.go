package backend

import (
	"testing"

	"github.com/kestrel-video/corevision/internal/platform"
)

func TestSelectCallerOverrideWins(t *testing.T) {
	want := Mock
	info := platform.Info{HasAccelerator: true, MediaBinaryFound: true}
	got := Select(&want, info)
	if got != Mock {
		t.Fatalf("got %v, want %v", got, Mock)
	}
}

func TestSelectEnvOverride(t *testing.T) {
	t.Setenv(EnvBackendOverride, "standard")
	info := platform.Info{HasAccelerator: true, MediaBinaryFound: true}
	got := Select(nil, info)
	if got != Standard {
		t.Fatalf("got %v, want %v", got, Standard)
	}
}

func TestSelectDemotesWhenAcceleratorMissing(t *testing.T) {
	info := platform.Info{HasAccelerator: false, MediaBinaryFound: true}
	got := Select(nil, info)
	if got != Standard {
		t.Fatalf("got %v, want %v (accelerator device absent)", got, Standard)
	}
}

func TestSelectFallsBackToMockWithNoMediaBinary(t *testing.T) {
	info := platform.Info{HasAccelerator: false, MediaBinaryFound: false}
	got := Select(nil, info)
	if got != Mock {
		t.Fatalf("got %v, want %v", got, Mock)
	}
}

func TestAvailableBackendsOrder(t *testing.T) {
	info := platform.Info{HasAccelerator: true, MediaBinaryFound: true}
	got := AvailableBackends(info)
	want := []Kind{Accelerated, Standard, Mock}
	if len(got) != len(want) {
		t.Fatalf("got %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("got %v, want %v", got, want)
		}
	}
}

func TestCapabilityUnsupportedKindIsUnavailable(t *testing.T) {
	support, _ := Capability(Mock, Tiler)
	if support != Unavailable {
		t.Fatalf("expected Tiler to be unavailable on Mock, got %v", support)
	}
}

func TestCapabilityDescriptorIsolatesCallers(t *testing.T) {
	_, d1 := Capability(Accelerated, StreamMux)
	d1.Properties["batch-size"] = 999
	_, d2 := Capability(Accelerated, StreamMux)
	if d2.Properties["batch-size"] == 999 {
		t.Fatal("descriptor property map leaked mutation across callers")
	}
}
