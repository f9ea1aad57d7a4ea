//go:build cgo
// +build cgo

package update

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNewONNXValidatesOptions(t *testing.T) {
	t.Parallel()

	_, err := NewONNX(ONNXOptions{InputName: "tokens", OutputName: "delta"}, Spec{})
	assert.ErrorContains(t, err, "model path")

	_, err = NewONNX(ONNXOptions{ModelPath: "update.onnx"}, Spec{})
	assert.ErrorContains(t, err, "names")
}
