// Package update defines the sequence update function consumed by the
// refinement loop and ships the backends this repository can run.
//
// An update function maps a (batch, track, frame, InputDim) token grid to a
// (batch, track, frame, OutputDim) grid whose first two channels are
// coordinate deltas and whose remaining channels are latent feature deltas.
// Networks that attend across tracks and across frames live behind this
// interface; the refinement loop treats them as pure functions.
package update

import (
	"context"
	"errors"
	"fmt"
)

// ErrCGORequired is returned by backends that need cgo in a non-cgo build.
var ErrCGORequired = errors.New("update backend requires CGO support; rebuild with CGO_ENABLED=1")

// Grid is a (B, N, S, D) token block: batch, track, frame, channel.
type Grid struct {
	B, N, S, D int
	Data       []float64
}

// NewGrid allocates a zeroed grid.
func NewGrid(b, n, s, d int) *Grid {
	return &Grid{B: b, N: n, S: s, D: d, Data: make([]float64, b*n*s*d)}
}

// Token returns the channel vector of (b, n, s) without copying.
func (g *Grid) Token(b, n, s int) []float64 {
	off := ((b*g.N+n)*g.S + s) * g.D
	return g.Data[off : off+g.D : off+g.D]
}

// Spec describes the network shape an update function was built for.
type Spec struct {
	InputDim       int     `json:"input_dim"`
	OutputDim      int     `json:"output_dim"`
	HiddenSize     int     `json:"hidden_size"`
	SpaceDepth     int     `json:"space_depth"`
	TimeDepth      int     `json:"time_depth"`
	MLPRatio       float64 `json:"mlp_ratio"`
	SpaceAttention bool    `json:"space_attention"`
}

// Compatible reports whether an implementation built for s accepts tokens
// laid out for want. Only the token widths are binding.
func (s Spec) Compatible(want Spec) error {
	if s.InputDim != want.InputDim {
		return fmt.Errorf("update function takes %d input channels, refinement produces %d", s.InputDim, want.InputDim)
	}
	if s.OutputDim != want.OutputDim {
		return fmt.Errorf("update function emits %d output channels, refinement expects %d", s.OutputDim, want.OutputDim)
	}
	return nil
}

// Func is the update function contract.
type Func interface {
	Update(ctx context.Context, x *Grid) (*Grid, error)
}

// Specced is implemented by update functions that know their token widths,
// letting callers reject mismatches before the first call.
type Specced interface {
	Spec() Spec
}

// FuncOf adapts a plain function to Func.
type FuncOf func(ctx context.Context, x *Grid) (*Grid, error)

// Update implements Func.
func (f FuncOf) Update(ctx context.Context, x *Grid) (*Grid, error) { return f(ctx, x) }

// CheckOutput verifies that out answers in token for token.
func CheckOutput(in, out *Grid, outputDim int) error {
	if out == nil {
		return errors.New("update function returned no output")
	}
	if out.B != in.B || out.N != in.N || out.S != in.S || out.D != outputDim {
		return fmt.Errorf("update output (%d,%d,%d,%d), want (%d,%d,%d,%d)",
			out.B, out.N, out.S, out.D, in.B, in.N, in.S, outputDim)
	}
	if len(out.Data) != out.B*out.N*out.S*out.D {
		return fmt.Errorf("update output holds %d values, shape needs %d", len(out.Data), out.B*out.N*out.S*out.D)
	}
	return nil
}
