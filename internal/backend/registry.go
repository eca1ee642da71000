package backend

import (
	"os"

	"github.com/kestrel-video/corevision/internal/platform"
)

// EnvBackendOverride forces the selected backend regardless of probed
// capabilities. See SPEC_FULL.md §6.
const EnvBackendOverride = "COREVISION_BACKEND"

// priority is the demotion order: Accelerated is preferred, then
// Standard, then Mock as the universal fallback.
var priority = []Kind{Accelerated, Standard, Mock}

// Available reports whether a backend is viable given the probed
// platform. Accelerated requires the media binary and an accelerator
// device node (info.HasAccelerator); the preflight result in
// info.AcceleratorReady is not consulted, so a device node whose
// preflight failed still counts as available.
func Available(k Kind, info platform.Info) bool {
	switch k {
	case Accelerated:
		return info.MediaBinaryFound && info.HasAccelerator
	case Standard:
		return info.MediaBinaryFound
	case Mock:
		return true
	default:
		return false
	}
}

// AvailableBackends returns the set of backends viable on this platform,
// in priority order.
func AvailableBackends(info platform.Info) []Kind {
	out := make([]Kind, 0, len(priority))
	for _, k := range priority {
		if Available(k, info) {
			out = append(out, k)
		}
	}
	return out
}

// Select resolves the active BackendKind. Order: caller override,
// environment override, highest-priority probed backend.
func Select(preference *Kind, info platform.Info) Kind {
	if preference != nil {
		return *preference
	}
	if v := os.Getenv(EnvBackendOverride); v != "" {
		if k, ok := ParseKind(v); ok {
			return k
		}
	}
	for _, k := range priority {
		if Available(k, info) {
			return k
		}
	}
	return Mock
}

// Manager holds the immutable backend selection for a pipeline, resolved
// once at construction (Pipeline::new / BackendManager::detect in
// SPEC_FULL.md §6).
type Manager struct {
	kind platform.Info
	Kind Kind
}

// Detect probes the platform and selects a backend. The returned Manager
// is an immutable capability handle passed to the element factory.
func Detect(preference *Kind) *Manager {
	info := platform.Probe()
	return &Manager{kind: info, Kind: Select(preference, info)}
}

// Platform returns the platform.Info this Manager was resolved against.
func (m *Manager) Platform() platform.Info { return m.kind }

// Capability delegates to the package-level capability matrix for this
// Manager's resolved Kind.
func (m *Manager) Capability(ek ElementKind) (Support, Descriptor) {
	return Capability(m.Kind, ek)
}
