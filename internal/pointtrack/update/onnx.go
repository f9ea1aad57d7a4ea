//go:build cgo
// +build cgo

package update

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"

	ort "github.com/yalue/onnxruntime_go"

	"github.com/banshee-data/trackrefine/internal/monitoring"
)

// ONNXOptions configures an exported update network.
type ONNXOptions struct {
	// ModelPath is the .onnx file.
	ModelPath string
	// SharedLibraryPath is the onnxruntime shared library. If empty the
	// ONNXRUNTIME_SHARED_LIBRARY_PATH environment variable is respected.
	SharedLibraryPath string
	// Tensor names in the model graph.
	InputName  string
	OutputName string
}

// DefaultONNXOptions returns the tensor names used by the export script.
func DefaultONNXOptions() ONNXOptions {
	return ONNXOptions{InputName: "tokens", OutputName: "delta"}
}

var (
	envMu    sync.Mutex
	envReady bool
)

func initEnvironment(libPath string) error {
	envMu.Lock()
	defer envMu.Unlock()
	if envReady {
		return nil
	}
	if libPath != "" {
		ort.SetSharedLibraryPath(libPath)
	} else if p := os.Getenv("ONNXRUNTIME_SHARED_LIBRARY_PATH"); p != "" {
		ort.SetSharedLibraryPath(p)
	}
	if err := ort.InitializeEnvironment(); err != nil {
		return fmt.Errorf("initialise onnxruntime: %w", err)
	}
	envReady = true
	return nil
}

// ONNX runs the update network with ONNX Runtime. The session accepts
// dynamic batch, track and frame axes; it is safe for concurrent Update calls.
type ONNX struct {
	spec    Spec
	opts    ONNXOptions
	session *ort.DynamicAdvancedSession
}

// NewONNX opens the model and checks its declared channel widths against spec.
func NewONNX(opts ONNXOptions, spec Spec) (*ONNX, error) {
	if opts.ModelPath == "" {
		return nil, errors.New("onnx model path is required")
	}
	if opts.InputName == "" || opts.OutputName == "" {
		return nil, errors.New("onnx input and output names must be provided")
	}
	if err := initEnvironment(opts.SharedLibraryPath); err != nil {
		return nil, err
	}

	inputs, outputs, err := ort.GetInputOutputInfo(opts.ModelPath)
	if err != nil {
		return nil, fmt.Errorf("inspect onnx model: %w", err)
	}
	if err := checkWidth(inputs, opts.InputName, spec.InputDim); err != nil {
		return nil, err
	}
	if err := checkWidth(outputs, opts.OutputName, spec.OutputDim); err != nil {
		return nil, err
	}

	session, err := ort.NewDynamicAdvancedSession(opts.ModelPath,
		[]string{opts.InputName}, []string{opts.OutputName}, nil)
	if err != nil {
		return nil, fmt.Errorf("create onnx session: %w", err)
	}
	monitoring.Logf("[update] loaded onnx model %s (in=%d out=%d hidden=%d space=%d time=%d)",
		opts.ModelPath, spec.InputDim, spec.OutputDim, spec.HiddenSize, spec.SpaceDepth, spec.TimeDepth)
	return &ONNX{spec: spec, opts: opts, session: session}, nil
}

// checkWidth compares the last axis of the named tensor with want. Dynamic
// axes (negative sizes) are accepted.
func checkWidth(infos []ort.InputOutputInfo, name string, want int) error {
	for _, info := range infos {
		if info.Name != name {
			continue
		}
		dims := info.Dimensions
		if len(dims) != 4 {
			return fmt.Errorf("onnx tensor %q has rank %d, want 4", name, len(dims))
		}
		if last := dims[3]; last >= 0 && int(last) != want {
			return fmt.Errorf("onnx tensor %q has %d channels, want %d", name, last, want)
		}
		return nil
	}
	return fmt.Errorf("onnx model has no tensor named %q", name)
}

// Spec implements Specced.
func (o *ONNX) Spec() Spec { return o.spec }

// Update implements Func.
func (o *ONNX) Update(ctx context.Context, x *Grid) (*Grid, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if x.D != o.spec.InputDim {
		return nil, fmt.Errorf("onnx update got %d channels, want %d", x.D, o.spec.InputDim)
	}

	buf := make([]float32, len(x.Data))
	for i, v := range x.Data {
		buf[i] = float32(v)
	}
	in, err := ort.NewTensor(ort.NewShape(int64(x.B), int64(x.N), int64(x.S), int64(x.D)), buf)
	if err != nil {
		return nil, fmt.Errorf("create input tensor: %w", err)
	}
	defer in.Destroy()

	out, err := ort.NewEmptyTensor[float32](ort.NewShape(int64(x.B), int64(x.N), int64(x.S), int64(o.spec.OutputDim)))
	if err != nil {
		return nil, fmt.Errorf("create output tensor: %w", err)
	}
	defer out.Destroy()

	if err := o.session.Run([]ort.Value{in}, []ort.Value{out}); err != nil {
		return nil, fmt.Errorf("run onnx update: %w", err)
	}

	g := NewGrid(x.B, x.N, x.S, o.spec.OutputDim)
	for i, v := range out.GetData() {
		g.Data[i] = float64(v)
	}
	return g, nil
}

// Close releases the session.
func (o *ONNX) Close() error {
	if o.session == nil {
		return nil
	}
	err := o.session.Destroy()
	o.session = nil
	return err
}
