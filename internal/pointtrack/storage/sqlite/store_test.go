package sqlite

import (
	"context"
	"encoding/json"
	"math"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/trackrefine/internal/monitoring"
	"github.com/banshee-data/trackrefine/internal/pointtrack/refine"
	"github.com/banshee-data/trackrefine/internal/pointtrack/tensor"
)

func init() {
	monitoring.SetLogger(nil)
}

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "runs.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	require.NoError(t, s.Migrate())
	return s
}

// samplePrediction builds a (1, 2, 2) prediction with two iterations.
func samplePrediction(withVis bool) *refine.Prediction {
	first := tensor.NewCoords(1, 2, 2)
	first.SetXY(0, 0, 0, 40, 40)
	first.SetXY(0, 0, 1, 10, 12)
	first.SetXY(0, 1, 0, 41, 39)
	first.SetXY(0, 1, 1, 11, 13)
	second := first.Clone()
	second.SetXY(0, 1, 0, 42, 38)
	second.SetXY(0, 1, 1, math.NaN(), 14)

	pred := &refine.Prediction{Coords: []*tensor.Coords{first, second}}
	if withVis {
		pred.Visibility = &tensor.Vis{B: 1, S: 2, N: 2, Data: []float64{0.9, 0.8, 0.7, 0.2}}
	}
	return pred
}

func TestMigrateIsIdempotent(t *testing.T) {
	t.Parallel()

	s := openTestStore(t)
	require.NoError(t, s.Migrate())
	v, dirty, err := s.Version()
	require.NoError(t, err)
	assert.Equal(t, uint(1), v)
	assert.False(t, dirty)
}

func TestVersionBeforeMigrate(t *testing.T) {
	t.Parallel()

	s, err := Open(filepath.Join(t.TempDir(), "fresh.db"))
	require.NoError(t, err)
	defer s.Close()

	v, dirty, err := s.Version()
	require.NoError(t, err)
	assert.Equal(t, uint(0), v)
	assert.False(t, dirty)
}

func TestSaveAndLoadRun(t *testing.T) {
	t.Parallel()

	s := openTestStore(t)
	ctx := context.Background()

	cfg, err := json.Marshal(refine.Config{Stride: 4, LatentDim: 8})
	require.NoError(t, err)
	id, err := s.SaveRun(ctx, Run{Source: "request.json", DownRatio: 2, ConfigJSON: cfg}, samplePrediction(true))
	require.NoError(t, err)
	require.NotEmpty(t, id)

	run, err := s.GetRun(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "request.json", run.Source)
	assert.Equal(t, 1, run.BatchSize)
	assert.Equal(t, 2, run.Frames)
	assert.Equal(t, 2, run.Tracks)
	assert.Equal(t, 2, run.Iters)
	assert.Equal(t, 2.0, run.DownRatio)
	assert.True(t, run.HasVisibility)
	assert.JSONEq(t, string(cfg), string(run.ConfigJSON))
	assert.NotZero(t, run.CreatedAt)

	t.Run("first iteration", func(t *testing.T) {
		pts, err := s.TrackPoints(ctx, id, 0)
		require.NoError(t, err)
		require.Len(t, pts, 4)
		assert.Equal(t, 41.0, pts[2].X)
		for _, p := range pts {
			assert.Nil(t, p.Visibility, "only the final iteration carries visibility")
		}
	})

	t.Run("final iteration", func(t *testing.T) {
		pts, err := s.TrackPoints(ctx, id, FinalIteration)
		require.NoError(t, err)
		require.Len(t, pts, 4)

		assert.Equal(t, TrackPoint{Iteration: 1, Batch: 0, Frame: 1, Track: 0, X: 42, Y: 38, Visibility: pts[2].Visibility}, pts[2])
		require.NotNil(t, pts[2].Visibility)
		assert.Equal(t, 0.7, *pts[2].Visibility)

		assert.True(t, math.IsNaN(pts[3].X))
		assert.Equal(t, 14.0, pts[3].Y)
	})

	t.Run("out of range", func(t *testing.T) {
		_, err := s.TrackPoints(ctx, id, 2)
		assert.Error(t, err)
		_, err = s.TrackPoints(ctx, id, -2)
		assert.Error(t, err)
	})
}

func TestSaveRunWithoutVisibility(t *testing.T) {
	t.Parallel()

	s := openTestStore(t)
	ctx := context.Background()

	id, err := s.SaveRun(ctx, Run{RunID: "fine-run"}, samplePrediction(false))
	require.NoError(t, err)
	assert.Equal(t, "fine-run", id)

	run, err := s.GetRun(ctx, id)
	require.NoError(t, err)
	assert.False(t, run.HasVisibility)
	assert.Nil(t, run.ConfigJSON)

	pts, err := s.TrackPoints(ctx, id, FinalIteration)
	require.NoError(t, err)
	for _, p := range pts {
		assert.Nil(t, p.Visibility)
	}

	_, err = s.SaveRun(ctx, Run{RunID: "fine-run"}, samplePrediction(false))
	assert.Error(t, err, "duplicate run id")

	_, err = s.SaveRun(ctx, Run{}, &refine.Prediction{})
	assert.Error(t, err)
}

func TestListAndDeleteRuns(t *testing.T) {
	t.Parallel()

	s := openTestStore(t)
	ctx := context.Background()

	for i, id := range []string{"a", "b", "c"} {
		_, err := s.SaveRun(ctx, Run{RunID: id, CreatedAt: int64(i + 1)}, samplePrediction(true))
		require.NoError(t, err)
	}

	runs, err := s.ListRuns(ctx, 0)
	require.NoError(t, err)
	require.Len(t, runs, 3)
	assert.Equal(t, "c", runs[0].RunID)
	assert.Equal(t, "a", runs[2].RunID)

	runs, err = s.ListRuns(ctx, 2)
	require.NoError(t, err)
	assert.Len(t, runs, 2)

	require.NoError(t, s.DeleteRun(ctx, "b"))
	_, err = s.GetRun(ctx, "b")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.ErrorIs(t, s.DeleteRun(ctx, "b"), ErrNotFound)
	_, err = s.TrackPoints(ctx, "b", FinalIteration)
	assert.ErrorIs(t, err, ErrNotFound)

	var orphans int
	require.NoError(t, s.db.QueryRow(`SELECT COUNT(*) FROM refine_track_points WHERE run_id = 'b'`).Scan(&orphans))
	assert.Zero(t, orphans)
}

func TestNullable(t *testing.T) {
	t.Parallel()

	assert.Nil(t, nullable(math.NaN()))
	assert.Nil(t, nullable(math.Inf(-1)))
	assert.Equal(t, 1.5, nullable(1.5))
}
