// Package refine runs the iterative track refinement loop.
//
// A Predictor starts every track at its query point in all frames, then for a
// fixed number of iterations correlates each track's latent feature with the
// feature maps around its current coordinates, hands the assembled tokens to
// an update function, and applies the returned coordinate and feature
// deltas. Frame 0 is the reference frame: its coordinate is pinned to the
// query point after every iteration.
package refine

import (
	"context"
	"fmt"
	"math"

	"github.com/banshee-data/trackrefine/internal/monitoring"
	"github.com/banshee-data/trackrefine/internal/pointtrack/corr"
	"github.com/banshee-data/trackrefine/internal/pointtrack/embed"
	"github.com/banshee-data/trackrefine/internal/pointtrack/nn"
	"github.com/banshee-data/trackrefine/internal/pointtrack/sampler"
	"github.com/banshee-data/trackrefine/internal/pointtrack/tensor"
	"github.com/banshee-data/trackrefine/internal/pointtrack/update"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
)

// refFrame is the frame whose coordinates anchor every track.
const refFrame = 0

// PositionalSource supplies the positional grid for a token width and map size.
type PositionalSource interface {
	Grid(dim, h, w int) (*tensor.Maps, error)
}

// Option customises a Predictor.
type Option func(*Predictor)

// WithPositional replaces the default cached sin-cos positional grids.
func WithPositional(src PositionalSource) Option {
	return func(p *Predictor) { p.pos = src }
}

// Input is one refinement request.
type Input struct {
	Query          *tensor.Points // (B, N, 2) in source-image pixels
	Maps           *tensor.Maps   // (B, S, LatentDim, H, W)
	Iters          int            // 0 means DefaultIters
	ReturnFeatures bool
	DownRatio      float64 // extra downsampling applied before Stride; 0 means 1
}

// Prediction is the result of one refinement call.
type Prediction struct {
	// Coords holds one (B, S, N, 2) snapshot per iteration in source-image pixels.
	Coords []*tensor.Coords
	// Visibility is (B, S, N) in (0, 1), or nil in fine mode.
	Visibility *tensor.Vis
	// TrackFeats and QueryFeats are set when Input.ReturnFeatures is true.
	// TrackFeats is (B, S, N, LatentDim); QueryFeats is (B, 1, N, LatentDim),
	// the reference-frame feature each track started from.
	TrackFeats *tensor.Feats
	QueryFeats *tensor.Feats
}

// Final returns the last iteration's coordinates.
func (p *Prediction) Final() *tensor.Coords {
	if len(p.Coords) == 0 {
		return nil
	}
	return p.Coords[len(p.Coords)-1]
}

// Predictor is immutable after New and safe for concurrent Predict calls.
type Predictor struct {
	cfg       Config
	dim       int
	spec      update.Spec
	update    update.Func
	norm      *nn.GroupNorm
	featUpd   *nn.Linear
	vis       *nn.Linear
	buildCorr corr.Builder
	pos       PositionalSource
}

// New validates cfg and binds the update function and learned parameters.
// The correlation strategy is fixed here. In fine mode no visibility head is
// built and params.Visibility is ignored.
func New(cfg Config, fn update.Func, params *nn.Params, opts ...Option) (*Predictor, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if fn == nil {
		return nil, fmt.Errorf("%w: update function is required", ErrConfig)
	}
	if err := params.Check(cfg.LatentDim, !cfg.FineMode); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrConfig, err)
	}
	spec := cfg.UpdateSpec()
	if s, ok := fn.(update.Specced); ok {
		if err := s.Spec().Compatible(spec); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrConfig, err)
		}
	}
	build, err := corr.BuilderFor(cfg.Strategy())
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrConfig, err)
	}

	p := &Predictor{
		cfg:       cfg,
		dim:       cfg.TransformerDim(),
		spec:      spec,
		update:    fn,
		norm:      params.Norm,
		featUpd:   params.FeatUpdater,
		buildCorr: build,
	}
	if !cfg.FineMode {
		p.vis = params.Visibility
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.pos == nil {
		if p.pos, err = embed.NewPositional(cfg.PosCacheSize); err != nil {
			return nil, err
		}
	}

	monitoring.Debugf("[refine] predictor ready: strategy=%s token=%d (assembled %d) latent=%d fine=%v",
		cfg.Strategy(), p.dim, cfg.TokenWidth(), cfg.LatentDim, cfg.FineMode)
	return p, nil
}

// Config returns the configuration the predictor was built with.
func (p *Predictor) Config() Config { return p.cfg }

// TransformerDim is the token width handed to the update function.
func (p *Predictor) TransformerDim() int { return p.dim }

// UpdateSpec is the update network shape the predictor drives.
func (p *Predictor) UpdateSpec() update.Spec { return p.spec }

func (p *Predictor) checkInput(in *Input) error {
	if err := in.Query.Validate(); err != nil {
		return err
	}
	if err := in.Maps.Validate(); err != nil {
		return err
	}
	if in.Query.B != in.Maps.B {
		return fmt.Errorf("%w: query batch %d, feature map batch %d", tensor.ErrShape, in.Query.B, in.Maps.B)
	}
	if in.Maps.C != p.cfg.LatentDim {
		return fmt.Errorf("%w: feature maps have %d channels, latent dim is %d", tensor.ErrShape, in.Maps.C, p.cfg.LatentDim)
	}
	if in.Iters < 0 {
		return fmt.Errorf("iters must be positive, got %d", in.Iters)
	}
	if in.DownRatio != 0 && !(in.DownRatio >= 1) {
		return fmt.Errorf("down ratio must be at least 1, got %v", in.DownRatio)
	}
	return nil
}

// Predict refines the query points over the feature maps. The call either
// returns every iteration's coordinates or fails outright.
//
// Non-finite inputs are not sanitised: NaN or Inf in the maps or query points
// propagate into the affected coordinates, features and visibilities.
func (p *Predictor) Predict(ctx context.Context, in Input) (*Prediction, error) {
	if err := p.checkInput(&in); err != nil {
		return nil, err
	}
	iters := in.Iters
	if iters == 0 {
		iters = DefaultIters
	}
	down := in.DownRatio
	if down == 0 {
		down = 1
	}

	maps := in.Maps
	B, S, N := maps.B, maps.S, in.Query.N
	outScale := float64(p.cfg.Stride) * down

	// Init: every frame starts at the scaled query point.
	anchor := tensor.NewPoints(B, N)
	for i, v := range in.Query.Data {
		anchor.Data[i] = v / down / float64(p.cfg.Stride)
	}
	coords := tensor.NewCoords(B, S, N)
	for b := 0; b < B; b++ {
		for n := 0; n < N; n++ {
			x, y := anchor.XY(b, n)
			for s := 0; s < S; s++ {
				coords.SetXY(b, s, n, x, y)
			}
		}
	}

	queryFeats, err := sampler.Points(maps, refFrame, coords)
	if err != nil {
		return nil, err
	}
	feats := tensor.NewFeats(B, S, N, p.cfg.LatentDim)
	for b := 0; b < B; b++ {
		for n := 0; n < N; n++ {
			q := queryFeats.Vec(b, 0, n)
			for s := 0; s < S; s++ {
				copy(feats.Vec(b, s, n), q)
			}
		}
	}

	engine, err := p.buildCorr(maps, p.cfg.CorrLevels, p.cfg.CorrRadius)
	if err != nil {
		return nil, fmt.Errorf("build correlation: %w", err)
	}

	// The reference-frame coordinate never moves, so its positional sample
	// is the same in every iteration.
	grid, err := p.pos.Grid(p.dim, maps.H, maps.W)
	if err != nil {
		return nil, fmt.Errorf("positional grid: %w", err)
	}
	posEmb := embed.SampleGrid(grid, coords, refFrame)

	pred := &Prediction{Coords: make([]*tensor.Coords, 0, iters)}
	for it := 0; it < iters; it++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		coords = coords.Detach()

		vol, err := engine.Sample(ctx, coords, feats)
		if err != nil {
			return nil, fmt.Errorf("iteration %d: correlation: %w", it, err)
		}

		tokens := p.assemble(coords, vol, feats, posEmb)

		delta, err := p.update.Update(ctx, tokens)
		if err != nil {
			return nil, fmt.Errorf("iteration %d: update: %w", it, err)
		}
		if err := update.CheckOutput(tokens, delta, p.cfg.LatentDim+2); err != nil {
			return nil, fmt.Errorf("iteration %d: %w", it, err)
		}

		p.applyFeatureDelta(feats, delta)
		for b := 0; b < B; b++ {
			for n := 0; n < N; n++ {
				for s := 0; s < S; s++ {
					d := delta.Token(b, n, s)
					x, y := coords.XY(b, s, n)
					coords.SetXY(b, s, n, x+d[0], y+d[1])
				}
				ax, ay := anchor.XY(b, n)
				coords.SetXY(b, refFrame, n, ax, ay)
			}
		}

		pred.Coords = append(pred.Coords, coords.Scale(outScale))
		monitoring.Debugf("[refine] iteration %d/%d done (B=%d S=%d N=%d)", it+1, iters, B, S, N)
	}

	if p.vis != nil {
		pred.Visibility = p.visibility(feats)
	}
	if in.ReturnFeatures {
		pred.TrackFeats = feats
		pred.QueryFeats = queryFeats
	}
	return pred, nil
}

// assemble lays out one token per (b, n, s):
// [flow embedding | raw flow | correlation | latent | zero pad] + positional.
func (p *Predictor) assemble(coords *tensor.Coords, vol, feats, posEmb *tensor.Feats) *update.Grid {
	B, S, N := coords.B, coords.S, coords.N
	flowDim := p.cfg.FlowDim()
	flowW := embed.FlowWidth(flowDim)
	corrW := vol.D

	tokens := update.NewGrid(B, N, S, p.dim)
	for b := 0; b < B; b++ {
		for n := 0; n < N; n++ {
			rx, ry := coords.XY(b, refFrame, n)
			pos := posEmb.Vec(b, 0, n)
			for s := 0; s < S; s++ {
				tok := tokens.Token(b, n, s)
				x, y := coords.XY(b, s, n)
				embed.Flow(x-rx, y-ry, flowDim, tok[:flowW])
				copy(tok[flowW:flowW+corrW], vol.Vec(b, s, n))
				copy(tok[flowW+corrW:flowW+corrW+p.cfg.LatentDim], feats.Vec(b, s, n))
				floats.Add(tok, pos)
			}
		}
	}
	return tokens
}

// applyFeatureDelta adds GELU(Linear(GroupNorm(delta))) to feats in place.
func (p *Predictor) applyFeatureDelta(feats *tensor.Feats, delta *update.Grid) {
	B, S, N, D := feats.B, feats.S, feats.N, feats.D
	rows := mat.NewDense(B*S*N, D, nil)
	for b := 0; b < B; b++ {
		for s := 0; s < S; s++ {
			for n := 0; n < N; n++ {
				copy(rows.RawRowView((b*S+s)*N+n), delta.Token(b, n, s)[2:])
			}
		}
	}
	upd := p.featUpd.Forward(p.norm.Forward(rows))
	nn.ApplyGELU(upd)
	floats.Add(feats.Data, upd.RawMatrix().Data)
}

// visibility is sigmoid(Linear(feats)) per (b, s, n).
func (p *Predictor) visibility(feats *tensor.Feats) *tensor.Vis {
	rows := mat.NewDense(feats.B*feats.S*feats.N, feats.D, feats.Data)
	logits := p.vis.Forward(rows)
	v := tensor.NewVis(feats.B, feats.S, feats.N)
	for i := range v.Data {
		v.Data[i] = nn.Sigmoid(logits.At(i, 0))
	}
	return v
}

// IsFinite reports whether every coordinate in c is finite.
func IsFinite(c *tensor.Coords) bool {
	for _, v := range c.Data {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return false
		}
	}
	return true
}
