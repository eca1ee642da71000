package inference

import (
	"context"
	"fmt"
	"math"
	"path/filepath"
	"sync"

	ort "github.com/yalue/onnxruntime_go"
	"golang.org/x/sync/singleflight"
)

var (
	envMu      sync.Mutex
	envReady   bool
	loadGroup  singleflight.Group
	sessionsMu sync.Mutex
	sessions   = map[string]*Session{}
)

// ensureEnvironment lazily initializes the process-wide ONNX Runtime
// environment. onnxruntime_go only allows one live environment per
// process, so this is guarded independently of the per-model session
// cache below.
func ensureEnvironment() error {
	envMu.Lock()
	defer envMu.Unlock()
	if envReady {
		return nil
	}
	if err := ort.InitializeEnvironment(); err != nil {
		return fmt.Errorf("inference: initializing onnxruntime environment: %w", err)
	}
	envReady = true
	return nil
}

// Session wraps one loaded ONNX model, ready to run inference on
// preprocessed input tensors. Sessions are cached by absolute model
// path so that repeated Ready/Paused transitions reuse the same
// loaded weights instead of reloading the model from disk.
type Session struct {
	path        string
	session     *ort.DynamicAdvancedSession
	inputNames  []string
	outputNames []string
	inputShape  ort.Shape
	halfPrec    bool
}

// LoadSession loads (or returns the cached) session for the model at
// path, using a per-path singleflight group so concurrent Ready
// transitions for the same model only load it once.
func LoadSession(ctx context.Context, p Properties) (*Session, error) {
	absPath, err := filepath.Abs(p.ModelPath)
	if err != nil {
		return nil, fmt.Errorf("inference: resolving model path: %w", err)
	}

	v, err, _ := loadGroup.Do(absPath, func() (interface{}, error) {
		sessionsMu.Lock()
		if s, ok := sessions[absPath]; ok {
			sessionsMu.Unlock()
			return s, nil
		}
		sessionsMu.Unlock()

		if err := ensureEnvironment(); err != nil {
			return nil, err
		}

		inputNames, outputNames, err := ort.GetInputOutputNames(absPath)
		if err != nil {
			return nil, fmt.Errorf("inference: reading model I/O names for %s: %w", absPath, err)
		}

		opts, err := ort.NewSessionOptions()
		if err != nil {
			return nil, fmt.Errorf("inference: creating session options: %w", err)
		}
		defer opts.Destroy()

		ortSession, err := ort.NewDynamicAdvancedSession(absPath, inputNames, outputNames, opts)
		if err != nil {
			return nil, fmt.Errorf("inference: loading model %s: %w", absPath, err)
		}

		s := &Session{
			path:        absPath,
			session:     ortSession,
			inputNames:  inputNames,
			outputNames: outputNames,
			inputShape:  ort.NewShape(1, 3, int64(p.InputHeight), int64(p.InputWidth)),
			halfPrec:    p.ProcessMode == "fp16",
		}
		sessionsMu.Lock()
		sessions[absPath] = s
		sessionsMu.Unlock()
		return s, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*Session), nil
}

// Release destroys the underlying ONNX Runtime session and drops it
// from the cache. Called when the element transitions to Null.
func (s *Session) Release() error {
	sessionsMu.Lock()
	delete(sessions, s.path)
	sessionsMu.Unlock()
	return s.session.Destroy()
}

// Run executes the model on a single preprocessed CHW tensor and
// returns the raw output tensors for decoding. Half-precision sessions
// downcast the input to float16 before the call and upcast outputs
// back to float32, per SPEC_FULL.md §4.7 step 5.
func (s *Session) Run(chw []float32) ([]RawOutput, error) {
	if s.halfPrec {
		return s.runHalfPrecision(chw)
	}
	return s.runFullPrecision(chw)
}

func (s *Session) runFullPrecision(chw []float32) ([]RawOutput, error) {
	input, err := ort.NewTensor(s.inputShape, chw)
	if err != nil {
		return nil, fmt.Errorf("inference: building input tensor: %w", err)
	}
	defer input.Destroy()

	outputs := make([]ort.Value, len(s.outputNames))
	for i := range outputs {
		out, err := ort.NewEmptyTensor[float32](ort.NewShape(0))
		if err != nil {
			return nil, fmt.Errorf("inference: allocating output tensor %d: %w", i, err)
		}
		outputs[i] = out
	}
	defer func() {
		for _, o := range outputs {
			o.Destroy()
		}
	}()

	if err := s.session.Run([]ort.Value{input}, outputs); err != nil {
		return nil, fmt.Errorf("inference: running model %s: %w", s.path, err)
	}

	return collectOutputs(outputs)
}

func (s *Session) runHalfPrecision(chw []float32) ([]RawOutput, error) {
	half := make([]ort.Float16, len(chw))
	for i, v := range chw {
		half[i] = float32ToFloat16(v)
	}
	input, err := ort.NewTensor(s.inputShape, half)
	if err != nil {
		return nil, fmt.Errorf("inference: building fp16 input tensor: %w", err)
	}
	defer input.Destroy()

	outputs := make([]ort.Value, len(s.outputNames))
	for i := range outputs {
		out, err := ort.NewEmptyTensor[ort.Float16](ort.NewShape(0))
		if err != nil {
			return nil, fmt.Errorf("inference: allocating fp16 output tensor %d: %w", i, err)
		}
		outputs[i] = out
	}
	defer func() {
		for _, o := range outputs {
			o.Destroy()
		}
	}()

	if err := s.session.Run([]ort.Value{input}, outputs); err != nil {
		return nil, fmt.Errorf("inference: running model %s (fp16): %w", s.path, err)
	}

	raws := make([]RawOutput, len(outputs))
	for i, o := range outputs {
		tensor, ok := o.(*ort.Tensor[ort.Float16])
		if !ok {
			return nil, fmt.Errorf("inference: output %d is not a fp16 tensor", i)
		}
		data := tensor.GetData()
		f32 := make([]float32, len(data))
		for j, h := range data {
			f32[j] = float16ToFloat32(h)
		}
		raws[i] = RawOutput{Shape: int64Shape(tensor.GetShape()), Data: f32}
	}
	return raws, nil
}

func collectOutputs(outputs []ort.Value) ([]RawOutput, error) {
	raws := make([]RawOutput, len(outputs))
	for i, o := range outputs {
		tensor, ok := o.(*ort.Tensor[float32])
		if !ok {
			return nil, fmt.Errorf("inference: output %d is not a float32 tensor", i)
		}
		raws[i] = RawOutput{Shape: int64Shape(tensor.GetShape()), Data: tensor.GetData()}
	}
	return raws, nil
}

func int64Shape(s ort.Shape) []int64 {
	out := make([]int64, len(s))
	copy(out, s)
	return out
}

// float32ToFloat16 and float16ToFloat32 implement IEEE-754 binary16
// conversion; onnxruntime_go's Float16 type is a raw bit pattern with
// no arithmetic of its own.
func float32ToFloat16(f float32) ort.Float16 {
	bits := math.Float32bits(f)
	sign := uint16((bits >> 16) & 0x8000)
	exp := int32((bits>>23)&0xff) - 127 + 15
	mant := bits & 0x7fffff

	switch {
	case exp <= 0:
		if exp < -10 {
			return ort.Float16(sign)
		}
		// Subnormal: restore the implicit leading bit and shift it down
		// into the 10-bit mantissa.
		mant |= 0x800000
		return ort.Float16(sign | uint16(mant>>uint32(14-exp)))
	case exp >= 0x1f:
		return ort.Float16(sign | 0x7c00)
	default:
		return ort.Float16(sign | uint16(exp<<10) | uint16(mant>>13))
	}
}

func float16ToFloat32(h ort.Float16) float32 {
	bits := uint16(h)
	sign := uint32(bits&0x8000) << 16
	exp := int32(bits>>10) & 0x1f
	mant := uint32(bits & 0x3ff)

	switch exp {
	case 0:
		if mant == 0 {
			return math.Float32frombits(sign)
		}
		// Subnormal: normalize by shifting the mantissa left until its
		// implicit leading bit would land at position 10.
		for mant&0x400 == 0 {
			mant <<= 1
			exp--
		}
		exp++
		mant &= 0x3ff
		return math.Float32frombits(sign | (uint32(exp+112) << 23) | (mant << 13))
	case 0x1f:
		return math.Float32frombits(sign | 0x7f800000 | (mant << 13))
	default:
		return math.Float32frombits(sign | (uint32(exp+112) << 23) | (mant << 13))
	}
}
