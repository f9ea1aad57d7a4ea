// Package testutil provides shared test utilities and fixtures.
//
// Fixtures are seeded so that every test run sees the same arrays.
package testutil

import (
	"math/rand/v2"

	"github.com/banshee-data/trackrefine/internal/pointtrack/tensor"
)

// Rand returns a deterministic generator for seed.
func Rand(seed uint64) *rand.Rand {
	return rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))
}

// RandomMaps fills a (b, s, c, h, w) volume with values in [-1, 1).
func RandomMaps(rng *rand.Rand, b, s, c, h, w int) *tensor.Maps {
	m := tensor.NewMaps(b, s, c, h, w)
	for i := range m.Data {
		m.Data[i] = 2*rng.Float64() - 1
	}
	return m
}

// RandomFeats fills a (b, s, n, d) block with values in [-1, 1).
func RandomFeats(rng *rand.Rand, b, s, n, d int) *tensor.Feats {
	f := tensor.NewFeats(b, s, n, d)
	for i := range f.Data {
		f.Data[i] = 2*rng.Float64() - 1
	}
	return f
}

// RandomCoords places every (b, s, n) coordinate uniformly inside
// [0, w-1] × [0, h-1].
func RandomCoords(rng *rand.Rand, b, s, n, h, w int) *tensor.Coords {
	c := tensor.NewCoords(b, s, n)
	for i := 0; i < len(c.Data); i += 2 {
		c.Data[i] = rng.Float64() * float64(w-1)
		c.Data[i+1] = rng.Float64() * float64(h-1)
	}
	return c
}
