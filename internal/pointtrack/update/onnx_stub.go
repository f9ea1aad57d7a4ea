//go:build !cgo
// +build !cgo

package update

import "context"

// ONNXOptions configures an exported update network.
type ONNXOptions struct {
	ModelPath         string
	SharedLibraryPath string
	InputName         string
	OutputName        string
}

// DefaultONNXOptions returns the tensor names used by the export script.
func DefaultONNXOptions() ONNXOptions {
	return ONNXOptions{InputName: "tokens", OutputName: "delta"}
}

// ONNX is unavailable without cgo.
type ONNX struct{}

// NewONNX always fails in non-cgo builds.
func NewONNX(ONNXOptions, Spec) (*ONNX, error) { return nil, ErrCGORequired }

// Spec implements Specced.
func (*ONNX) Spec() Spec { return Spec{} }

// Update always fails in non-cgo builds.
func (*ONNX) Update(context.Context, *Grid) (*Grid, error) { return nil, ErrCGORequired }

// Close is a no-op.
func (*ONNX) Close() error { return nil }
