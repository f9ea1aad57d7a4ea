// Package tensor holds the dense, flat-backed arrays shared by the point
// tracking packages: feature maps, query points, per-frame coordinates and
// per-frame track features.
//
// All arrays are row-major over their listed axes and backed by a single
// []float64. Shapes are explicit fields so that contract violations can be
// reported before any arithmetic runs.
package tensor

import (
	"errors"
	"fmt"
)

// ErrShape reports an array whose shape does not satisfy a call contract.
var ErrShape = errors.New("shape mismatch")

// Maps is a (batch, frame, channel, row, col) feature volume.
type Maps struct {
	B, S, C, H, W int
	Data          []float64
}

// NewMaps allocates a zeroed feature volume.
func NewMaps(b, s, c, h, w int) *Maps {
	return &Maps{B: b, S: s, C: c, H: h, W: w, Data: make([]float64, b*s*c*h*w)}
}

// Validate checks that every axis is positive and the backing slice matches.
func (m *Maps) Validate() error {
	if m == nil {
		return fmt.Errorf("%w: feature maps are nil", ErrShape)
	}
	if m.B <= 0 || m.S <= 0 || m.C <= 0 || m.H <= 0 || m.W <= 0 {
		return fmt.Errorf("%w: feature maps must have positive axes, got (%d,%d,%d,%d,%d)",
			ErrShape, m.B, m.S, m.C, m.H, m.W)
	}
	if want := m.B * m.S * m.C * m.H * m.W; len(m.Data) != want {
		return fmt.Errorf("%w: feature maps hold %d values, shape needs %d", ErrShape, len(m.Data), want)
	}
	return nil
}

// Shape returns the five axis sizes.
func (m *Maps) Shape() [5]int { return [5]int{m.B, m.S, m.C, m.H, m.W} }

// Index returns the flat offset of (b, s, c, y, x).
func (m *Maps) Index(b, s, c, y, x int) int {
	return (((b*m.S+s)*m.C+c)*m.H+y)*m.W + x
}

// At returns the value at (b, s, c, y, x).
func (m *Maps) At(b, s, c, y, x int) float64 { return m.Data[m.Index(b, s, c, y, x)] }

// Set stores v at (b, s, c, y, x).
func (m *Maps) Set(b, s, c, y, x int, v float64) { m.Data[m.Index(b, s, c, y, x)] = v }

// Frame returns the (channel, row, col) plane block of one frame without copying.
func (m *Maps) Frame(b, s int) Frame {
	size := m.C * m.H * m.W
	off := (b*m.S + s) * size
	return Frame{C: m.C, H: m.H, W: m.W, Data: m.Data[off : off+size : off+size]}
}

// Frame is a (channel, row, col) view into a Maps.
type Frame struct {
	C, H, W int
	Data    []float64
}

// At returns the value at (c, y, x).
func (f Frame) At(c, y, x int) float64 { return f.Data[(c*f.H+y)*f.W+x] }

// Plane returns channel c as a row-major (H, W) slice.
func (f Frame) Plane(c int) []float64 {
	n := f.H * f.W
	return f.Data[c*n : (c+1)*n]
}

// Points is a (batch, track, 2) set of query locations.
type Points struct {
	B, N int
	Data []float64
}

// NewPoints allocates zeroed query points.
func NewPoints(b, n int) *Points {
	return &Points{B: b, N: n, Data: make([]float64, b*n*2)}
}

// PointsFromXY builds (1, len(xy), 2) query points.
func PointsFromXY(xy ...[2]float64) *Points {
	p := NewPoints(1, len(xy))
	for i, v := range xy {
		p.Data[2*i] = v[0]
		p.Data[2*i+1] = v[1]
	}
	return p
}

// Validate checks axis sizes against the backing slice.
func (p *Points) Validate() error {
	if p == nil {
		return fmt.Errorf("%w: query points are nil", ErrShape)
	}
	if p.B <= 0 || p.N <= 0 {
		return fmt.Errorf("%w: query points must have positive axes, got (%d,%d)", ErrShape, p.B, p.N)
	}
	if len(p.Data) != p.B*p.N*2 {
		return fmt.Errorf("%w: query points hold %d values, want %d (last axis must be 2)",
			ErrShape, len(p.Data), p.B*p.N*2)
	}
	return nil
}

// XY returns the point of track n in batch b.
func (p *Points) XY(b, n int) (float64, float64) {
	i := (b*p.N + n) * 2
	return p.Data[i], p.Data[i+1]
}

// Coords is a (batch, frame, track, 2) coordinate hypothesis.
type Coords struct {
	B, S, N int
	Data    []float64
}

// NewCoords allocates zeroed coordinates.
func NewCoords(b, s, n int) *Coords {
	return &Coords{B: b, S: s, N: n, Data: make([]float64, b*s*n*2)}
}

func (c *Coords) index(b, s, n int) int { return ((b*c.S+s)*c.N + n) * 2 }

// XY returns the coordinate of track n in frame s of batch b.
func (c *Coords) XY(b, s, n int) (float64, float64) {
	i := c.index(b, s, n)
	return c.Data[i], c.Data[i+1]
}

// SetXY stores the coordinate of track n in frame s of batch b.
func (c *Coords) SetXY(b, s, n int, x, y float64) {
	i := c.index(b, s, n)
	c.Data[i] = x
	c.Data[i+1] = y
}

// Clone returns a deep copy.
func (c *Coords) Clone() *Coords {
	out := &Coords{B: c.B, S: c.S, N: c.N, Data: make([]float64, len(c.Data))}
	copy(out.Data, c.Data)
	return out
}

// Detach returns a value copy with no tie to the receiver. Refinement calls
// it at the top of every iteration so nothing computed in one iteration can
// reach back through coordinates into an earlier one.
func (c *Coords) Detach() *Coords { return c.Clone() }

// Scale returns a copy with every component multiplied by f.
func (c *Coords) Scale(f float64) *Coords {
	out := c.Clone()
	for i := range out.Data {
		out.Data[i] *= f
	}
	return out
}

// Feats is a (batch, frame, track, dim) per-track feature block. It also
// carries correlation volumes, where Dim is the correlation width.
type Feats struct {
	B, S, N, D int
	Data       []float64
}

// NewFeats allocates zeroed features.
func NewFeats(b, s, n, d int) *Feats {
	return &Feats{B: b, S: s, N: n, D: d, Data: make([]float64, b*s*n*d)}
}

// Vec returns the feature vector of (b, s, n) without copying.
func (f *Feats) Vec(b, s, n int) []float64 {
	off := ((b*f.S+s)*f.N + n) * f.D
	return f.Data[off : off+f.D : off+f.D]
}

// Clone returns a deep copy.
func (f *Feats) Clone() *Feats {
	out := &Feats{B: f.B, S: f.S, N: f.N, D: f.D, Data: make([]float64, len(f.Data))}
	copy(out.Data, f.Data)
	return out
}

// Vis is a (batch, frame, track) probability map.
type Vis struct {
	B, S, N int
	Data    []float64
}

// NewVis allocates a zeroed visibility map.
func NewVis(b, s, n int) *Vis {
	return &Vis{B: b, S: s, N: n, Data: make([]float64, b*s*n)}
}

// At returns the visibility of track n in frame s of batch b.
func (v *Vis) At(b, s, n int) float64 { return v.Data[(b*v.S+s)*v.N+n] }
