package embed

import (
	"fmt"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/banshee-data/trackrefine/internal/pointtrack/sampler"
	"github.com/banshee-data/trackrefine/internal/pointtrack/tensor"
)

// DefaultCacheSize bounds the number of distinct (dim, h, w) grids kept.
const DefaultCacheSize = 16

type gridKey struct{ dim, h, w int }

// Positional hands out SinCosGrid results, building each size once.
// It is safe for concurrent use; cached grids must be treated as read-only.
type Positional struct {
	cache *lru.Cache[gridKey, *tensor.Maps]
}

// NewPositional returns a cache holding at most size grids
// (DefaultCacheSize when size <= 0).
func NewPositional(size int) (*Positional, error) {
	if size <= 0 {
		size = DefaultCacheSize
	}
	c, err := lru.New[gridKey, *tensor.Maps](size)
	if err != nil {
		return nil, fmt.Errorf("positional cache: %w", err)
	}
	return &Positional{cache: c}, nil
}

// Grid returns the (1, 1, dim, h, w) sin-cos grid.
func (p *Positional) Grid(dim, h, w int) (*tensor.Maps, error) {
	key := gridKey{dim, h, w}
	if g, ok := p.cache.Get(key); ok {
		return g, nil
	}
	g, err := SinCosGrid(dim, h, w)
	if err != nil {
		return nil, err
	}
	p.cache.Add(key, g)
	return g, nil
}

// SampleGrid reads grid at coords' frame `frame` for every (b, n), giving a
// (B, 1, N, dim) block.
func SampleGrid(grid *tensor.Maps, coords *tensor.Coords, frame int) *tensor.Feats {
	out := tensor.NewFeats(coords.B, 1, coords.N, grid.C)
	f := grid.Frame(0, 0)
	for b := 0; b < coords.B; b++ {
		for n := 0; n < coords.N; n++ {
			x, y := coords.XY(b, frame, n)
			sampler.Bilinear(f, x, y, out.Vec(b, 0, n))
		}
	}
	return out
}
