// Package corr computes multi-level local correlation between per-track
// features and the feature maps around each track's current coordinate.
//
// Two strategies share one contract. Dense materialises, per call, the
// correlation of every track feature against every location of every
// pyramid level and then reads a window out of those maps. Lazy samples
// feature vectors at the window points only and correlates them on demand.
// Both return the same (B, S, N, Dim) volume up to floating-point ordering.
//
// Window layout: for pyramid level l and offsets i, j in [0, 2r], entry
// l*(2r+1)² + i*(2r+1) + j holds the correlation at
// (x/2^l + i - r, y/2^l + j - r).
package corr

import (
	"context"
	"fmt"
	"math"
	"runtime"

	"github.com/banshee-data/trackrefine/internal/pointtrack/tensor"
	"golang.org/x/sync/errgroup"
)

// Engine samples correlation volumes for the feature maps it was built on.
type Engine interface {
	// Sample returns the (B, S, N, Dim) correlation of feats against the
	// maps around coords.
	Sample(ctx context.Context, coords *tensor.Coords, feats *tensor.Feats) (*tensor.Feats, error)
	// Dim is levels * (2*radius+1)².
	Dim() int
}

// Builder constructs an Engine over one call's feature maps.
type Builder func(maps *tensor.Maps, levels, radius int) (Engine, error)

// Strategy names a correlation Builder.
type Strategy string

const (
	StrategyDense Strategy = "dense"
	StrategyLazy  Strategy = "lazy"
)

// BuilderFor returns the builder for a strategy.
func BuilderFor(s Strategy) (Builder, error) {
	switch s {
	case StrategyDense:
		return NewDense, nil
	case StrategyLazy:
		return NewLazy, nil
	default:
		return nil, fmt.Errorf("unknown correlation strategy %q", s)
	}
}

// Dim returns the correlation width for a pyramid shape.
func Dim(levels, radius int) int {
	side := 2*radius + 1
	return levels * side * side
}

type pyramid struct {
	levels []*tensor.Maps
	radius int
	scale  float64
}

func newPyramid(maps *tensor.Maps, levels, radius int) (*pyramid, error) {
	if radius < 0 {
		return nil, fmt.Errorf("correlation radius must be non-negative, got %d", radius)
	}
	lv, err := Pyramid(maps, levels)
	if err != nil {
		return nil, err
	}
	return &pyramid{levels: lv, radius: radius, scale: 1 / math.Sqrt(float64(maps.C))}, nil
}

func (p *pyramid) Dim() int { return Dim(len(p.levels), p.radius) }

func (p *pyramid) side() int { return 2*p.radius + 1 }

func (p *pyramid) check(coords *tensor.Coords, feats *tensor.Feats) error {
	m := p.levels[0]
	if coords.B != m.B || coords.S != m.S {
		return fmt.Errorf("%w: coords (%d,%d,%d) do not cover maps batch %d frames %d",
			tensor.ErrShape, coords.B, coords.S, coords.N, m.B, m.S)
	}
	if feats.B != coords.B || feats.S != coords.S || feats.N != coords.N {
		return fmt.Errorf("%w: feats (%d,%d,%d) do not match coords (%d,%d,%d)",
			tensor.ErrShape, feats.B, feats.S, feats.N, coords.B, coords.S, coords.N)
	}
	if feats.D != m.C {
		return fmt.Errorf("%w: track feature width %d, maps have %d channels", tensor.ErrShape, feats.D, m.C)
	}
	return nil
}

// eachFrame runs fn for every (batch, frame) pair on a bounded pool.
// Every pair writes to a disjoint slice of the output.
func (p *pyramid) eachFrame(ctx context.Context, fn func(b, s int) error) error {
	m := p.levels[0]
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(runtime.GOMAXPROCS(0))
	for b := 0; b < m.B; b++ {
		for s := 0; s < m.S; s++ {
			g.Go(func() error {
				if err := ctx.Err(); err != nil {
					return err
				}
				return fn(b, s)
			})
		}
	}
	return g.Wait()
}
