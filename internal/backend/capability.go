package backend

// Descriptor names the concrete element a backend constructs for an
// abstract ElementKind, plus the default property bag the element factory
// (internal/element) applies before any caller overrides.
type Descriptor struct {
	Concrete   string
	Properties map[string]any
}

func clone(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

type entry struct {
	support    Support
	descriptor Descriptor
}

// matrix is the static capability table: backend -> element kind -> entry.
// Substitutions are explicit per SPEC_FULL.md §4.1: Standard's stream-mux
// is a compositor-based construct rather than the accelerated batcher;
// Mock's inference element is a pass-through emitting synthetic detections.
var matrix = map[Kind]map[ElementKind]entry{
	Accelerated: {
		StreamMux:     {Supported, Descriptor{"nvstreammux", map[string]any{"batch-size": 4, "live-source": true}}},
		Decoder:       {Supported, Descriptor{"nvdecoder", map[string]any{"hwaccel": "vaapi"}}},
		VideoConvert:  {Supported, Descriptor{"nvvideoconvert", nil}},
		RateNormalize: {Supported, Descriptor{"videorate+capsfilter", map[string]any{"target-fps": 0}}},
		Inference:     {Supported, Descriptor{"onnx-detector", map[string]any{"batch-size": 1}}},
		Tracker:       {Supported, Descriptor{"iou-tracker", nil}},
		Overlay:       {Supported, Descriptor{"gpu-overlay", map[string]any{"stroke-fraction": 0.004}}},
		Tiler:         {Supported, Descriptor{"nvtiler", nil}},
		Sink:          {Supported, Descriptor{"file-sink", nil}},
	},
	Standard: {
		StreamMux:     {Substituted, Descriptor{"compositor-mux", map[string]any{"batch-size": 4}}},
		Decoder:       {Supported, Descriptor{"sw-decoder", map[string]any{"hwaccel": ""}}},
		VideoConvert:  {Supported, Descriptor{"videoconvert", nil}},
		RateNormalize: {Supported, Descriptor{"videorate+capsfilter", map[string]any{"target-fps": 0}}},
		Inference:     {Supported, Descriptor{"onnx-detector", map[string]any{"batch-size": 1}}},
		Tracker:       {Supported, Descriptor{"iou-tracker", nil}},
		Overlay:       {Supported, Descriptor{"cpu-overlay", map[string]any{"stroke-fraction": 0.004}}},
		Tiler:         {Substituted, Descriptor{"videobox-tiler", nil}},
		Sink:          {Supported, Descriptor{"file-sink", nil}},
	},
	Mock: {
		StreamMux:     {Supported, Descriptor{"mock-mux", nil}},
		Decoder:       {Supported, Descriptor{"mock-decoder", nil}},
		VideoConvert:  {Supported, Descriptor{"identity", nil}},
		RateNormalize: {Supported, Descriptor{"identity", map[string]any{"target-fps": 0}}},
		Inference:     {Substituted, Descriptor{"synthetic-detector", nil}},
		Tracker:       {Supported, Descriptor{"mock-tracker", nil}},
		Overlay:       {Supported, Descriptor{"null-overlay", nil}},
		Tiler:         {Unavailable, Descriptor{}},
		Sink:          {Supported, Descriptor{"fake-sink", nil}},
	},
}

// Capability reports whether and how a backend supports an ElementKind,
// and the descriptor to construct it with. Callers must branch on the
// returned Support rather than assume a kind exists.
func Capability(k Kind, ek ElementKind) (Support, Descriptor) {
	row, ok := matrix[k]
	if !ok {
		return Unavailable, Descriptor{}
	}
	e, ok := row[ek]
	if !ok {
		return Unavailable, Descriptor{}
	}
	d := e.descriptor
	d.Properties = clone(d.Properties)
	return e.support, d
}

// SupportedKinds returns the ElementKinds a backend can construct at all
// (Supported or Substituted), in a stable order.
func SupportedKinds(k Kind) []ElementKind {
	order := []ElementKind{StreamMux, Inference, Tracker, Overlay, VideoConvert, Tiler, Sink, Decoder, RateNormalize}
	out := make([]ElementKind, 0, len(order))
	for _, ek := range order {
		if s, _ := Capability(k, ek); s != Unavailable {
			out = append(out, ek)
		}
	}
	return out
}
