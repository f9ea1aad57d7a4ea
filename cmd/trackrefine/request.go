package main

import (
	"encoding/json"
	"fmt"
	"io"
	"math"
	"strconv"

	"github.com/banshee-data/trackrefine/internal/pointtrack/refine"
	"github.com/banshee-data/trackrefine/internal/pointtrack/tensor"
)

// Request is the JSON body read from -input.
type Request struct {
	// QueryPoints is [batch][track][x, y] in source-image pixels.
	QueryPoints [][][]float64 `json:"query_points"`
	FeatureMaps MapsJSON      `json:"feature_maps"`
}

// MapsJSON is a flat row-major (B, S, C, H, W) feature volume.
type MapsJSON struct {
	Shape []int     `json:"shape"`
	Data  []float64 `json:"data"`
}

func decodeRequest(r io.Reader) (*Request, error) {
	var req Request
	dec := json.NewDecoder(r)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		return nil, fmt.Errorf("failed to parse request JSON: %w", err)
	}
	return &req, nil
}

// Tensors converts the request into refiner inputs.
func (r *Request) Tensors() (*tensor.Points, *tensor.Maps, error) {
	if len(r.FeatureMaps.Shape) != 5 {
		return nil, nil, fmt.Errorf("%w: feature_maps.shape must have 5 entries (B,S,C,H,W), got %d",
			tensor.ErrShape, len(r.FeatureMaps.Shape))
	}
	sh := r.FeatureMaps.Shape
	maps := &tensor.Maps{B: sh[0], S: sh[1], C: sh[2], H: sh[3], W: sh[4], Data: r.FeatureMaps.Data}
	if err := maps.Validate(); err != nil {
		return nil, nil, err
	}

	if len(r.QueryPoints) == 0 || len(r.QueryPoints[0]) == 0 {
		return nil, nil, fmt.Errorf("%w: query_points is empty", tensor.ErrShape)
	}
	n := len(r.QueryPoints[0])
	query := tensor.NewPoints(len(r.QueryPoints), n)
	for b, tracks := range r.QueryPoints {
		if len(tracks) != n {
			return nil, nil, fmt.Errorf("%w: query_points batch %d has %d tracks, batch 0 has %d",
				tensor.ErrShape, b, len(tracks), n)
		}
		for i, p := range tracks {
			if len(p) != 2 {
				return nil, nil, fmt.Errorf("%w: query_points[%d][%d] has %d coordinates, want 2",
					tensor.ErrShape, b, i, len(p))
			}
			copy(query.Data[(b*n+i)*2:], p)
		}
	}
	return query, maps, nil
}

// jsonFloat encodes non-finite values as null.
type jsonFloat float64

func (f jsonFloat) MarshalJSON() ([]byte, error) {
	v := float64(f)
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return []byte("null"), nil
	}
	return strconv.AppendFloat(nil, v, 'g', -1, 64), nil
}

// Response is the JSON written to -output.
type Response struct {
	RunID string `json:"run_id,omitempty"`
	// Coords is [iteration][batch][frame][track][x, y].
	Coords [][][][][2]jsonFloat `json:"coords"`
	// Visibility is [batch][frame][track]; absent in fine mode.
	Visibility [][][]jsonFloat `json:"visibility,omitempty"`
	// TrackFeats is [batch][frame][track][channel].
	TrackFeats [][][][]jsonFloat `json:"track_feats,omitempty"`
	// QueryFeats is [batch][track][channel].
	QueryFeats [][][]jsonFloat `json:"query_feats,omitempty"`
}

func newResponse(pred *refine.Prediction) *Response {
	resp := &Response{Coords: make([][][][][2]jsonFloat, len(pred.Coords))}
	for it, c := range pred.Coords {
		resp.Coords[it] = make([][][][2]jsonFloat, c.B)
		for b := 0; b < c.B; b++ {
			resp.Coords[it][b] = make([][][2]jsonFloat, c.S)
			for s := 0; s < c.S; s++ {
				resp.Coords[it][b][s] = make([][2]jsonFloat, c.N)
				for n := 0; n < c.N; n++ {
					x, y := c.XY(b, s, n)
					resp.Coords[it][b][s][n] = [2]jsonFloat{jsonFloat(x), jsonFloat(y)}
				}
			}
		}
	}

	if v := pred.Visibility; v != nil {
		resp.Visibility = make([][][]jsonFloat, v.B)
		for b := 0; b < v.B; b++ {
			resp.Visibility[b] = make([][]jsonFloat, v.S)
			for s := 0; s < v.S; s++ {
				resp.Visibility[b][s] = make([]jsonFloat, v.N)
				for n := 0; n < v.N; n++ {
					resp.Visibility[b][s][n] = jsonFloat(v.At(b, s, n))
				}
			}
		}
	}

	if f := pred.TrackFeats; f != nil {
		resp.TrackFeats = make([][][][]jsonFloat, f.B)
		for b := 0; b < f.B; b++ {
			resp.TrackFeats[b] = make([][][]jsonFloat, f.S)
			for s := 0; s < f.S; s++ {
				resp.TrackFeats[b][s] = make([][]jsonFloat, f.N)
				for n := 0; n < f.N; n++ {
					resp.TrackFeats[b][s][n] = floats(f.Vec(b, s, n))
				}
			}
		}
	}
	if f := pred.QueryFeats; f != nil {
		resp.QueryFeats = make([][][]jsonFloat, f.B)
		for b := 0; b < f.B; b++ {
			resp.QueryFeats[b] = make([][]jsonFloat, f.N)
			for n := 0; n < f.N; n++ {
				resp.QueryFeats[b][n] = floats(f.Vec(b, 0, n))
			}
		}
	}
	return resp
}

func floats(v []float64) []jsonFloat {
	out := make([]jsonFloat, len(v))
	for i, x := range v {
		out[i] = jsonFloat(x)
	}
	return out
}
