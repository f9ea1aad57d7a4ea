// Command trackrefine refines query points over per-frame feature maps and
// writes the per-iteration tracks as JSON, optionally storing the run in a
// SQLite database and rendering trajectory and visibility reports.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/banshee-data/trackrefine/internal/config"
	"github.com/banshee-data/trackrefine/internal/monitoring"
	"github.com/banshee-data/trackrefine/internal/pointtrack/nn"
	"github.com/banshee-data/trackrefine/internal/pointtrack/refine"
	"github.com/banshee-data/trackrefine/internal/pointtrack/report"
	"github.com/banshee-data/trackrefine/internal/pointtrack/storage/sqlite"
	"github.com/banshee-data/trackrefine/internal/pointtrack/update"
	"github.com/banshee-data/trackrefine/internal/version"
)

// Options holds the command line settings.
type Options struct {
	ConfigPath     string
	ParamsPath     string
	UpdateParams   string
	ONNXModel      string
	ONNXLib        string
	InputPath      string
	OutputPath     string
	DBPath         string
	PlotDir        string
	Iters          int
	DownRatio      float64
	ReturnFeatures bool
	Debug          bool
}

func main() {
	opts, showVersion := parseFlags(os.Args[1:])
	if showVersion {
		fmt.Println(version.String())
		return
	}
	monitoring.SetDebug(opts.Debug)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, opts, os.Stdin, os.Stdout); err != nil {
		log.Fatalf("trackrefine: %v", err)
	}
}

func parseFlags(args []string) (Options, bool) {
	var opts Options
	fs := flag.NewFlagSet("trackrefine", flag.ExitOnError)
	fs.StringVar(&opts.ConfigPath, "config", "", "Tuning config JSON (default: "+config.DefaultConfigPath+" if present)")
	fs.StringVar(&opts.ParamsPath, "params", "", "Refinement head parameters JSON (norm, feat_updater, visibility)")
	fs.StringVar(&opts.UpdateParams, "update-params", "", "Affine update function JSON (weight, bias)")
	fs.StringVar(&opts.ONNXModel, "onnx-model", "", "Exported update network (.onnx); needs a cgo build")
	fs.StringVar(&opts.ONNXLib, "onnx-lib", "", "onnxruntime shared library path")
	fs.StringVar(&opts.InputPath, "input", "-", "Request JSON file, or - for stdin")
	fs.StringVar(&opts.OutputPath, "output", "-", "Response JSON file, or - for stdout")
	fs.StringVar(&opts.DBPath, "db", "", "SQLite database to record the run in")
	fs.StringVar(&opts.PlotDir, "plot-dir", "", "Directory for trajectory PNGs and visibility charts")
	fs.IntVar(&opts.Iters, "iters", 0, "Refinement iterations (0 uses the config value)")
	fs.Float64Var(&opts.DownRatio, "down-ratio", 0, "Extra downsampling of the feature maps (0 uses the config value)")
	fs.BoolVar(&opts.ReturnFeatures, "return-features", false, "Include track and query features in the output")
	fs.BoolVar(&opts.Debug, "debug", false, "Log per-iteration diagnostics")
	showVersion := fs.Bool("version", false, "Print version and exit")
	fs.Parse(args)
	return opts, *showVersion
}

func loadTuning(path string) (*config.TuningConfig, error) {
	if path != "" {
		return config.LoadTuningConfig(path)
	}
	tc, err := config.LoadTuningConfig(config.DefaultConfigPath)
	if err != nil {
		log.Printf("No tuning config loaded (%v); using built-in defaults", err)
		return config.EmptyTuningConfig(), nil
	}
	return tc, nil
}

func loadUpdate(opts Options, spec update.Spec) (update.Func, func() error, error) {
	switch {
	case opts.ONNXModel != "" && opts.UpdateParams != "":
		return nil, nil, errors.New("-onnx-model and -update-params are mutually exclusive")
	case opts.ONNXModel != "":
		o := update.DefaultONNXOptions()
		o.ModelPath = opts.ONNXModel
		o.SharedLibraryPath = opts.ONNXLib
		fn, err := update.NewONNX(o, spec)
		if err != nil {
			return nil, nil, err
		}
		return fn, fn.Close, nil
	case opts.UpdateParams != "":
		fn, err := update.LoadAffine(opts.UpdateParams, spec)
		if err != nil {
			return nil, nil, err
		}
		return fn, func() error { return nil }, nil
	}
	return nil, nil, errors.New("an update function is required: pass -onnx-model or -update-params")
}

func loadParams(path string, cfg refine.Config) (*nn.Params, error) {
	if path == "" {
		log.Printf("No -params given; using a neutral refinement head")
		return nn.ZeroParams(cfg.LatentDim, !cfg.FineMode), nil
	}
	return nn.LoadParams(path)
}

func openInput(path string, stdin io.Reader) (io.ReadCloser, error) {
	if path == "" || path == "-" {
		return io.NopCloser(stdin), nil
	}
	return os.Open(filepath.Clean(path))
}

func run(ctx context.Context, opts Options, stdin io.Reader, stdout io.Writer) error {
	tc, err := loadTuning(opts.ConfigPath)
	if err != nil {
		return err
	}
	cfg := refine.ConfigFromTuning(tc)
	if err := cfg.Validate(); err != nil {
		return err
	}

	params, err := loadParams(opts.ParamsPath, cfg)
	if err != nil {
		return err
	}
	fn, closeFn, err := loadUpdate(opts, cfg.UpdateSpec())
	if err != nil {
		return err
	}
	defer closeFn()

	predictor, err := refine.New(cfg, fn, params)
	if err != nil {
		return err
	}

	in, err := openInput(opts.InputPath, stdin)
	if err != nil {
		return fmt.Errorf("failed to open input: %w", err)
	}
	req, err := decodeRequest(in)
	in.Close()
	if err != nil {
		return err
	}
	query, maps, err := req.Tensors()
	if err != nil {
		return err
	}

	iters := opts.Iters
	if iters == 0 {
		iters = tc.GetIters()
	}
	down := opts.DownRatio
	if down == 0 {
		down = tc.GetDownRatio()
	}

	log.Printf("Refining %d tracks over %d frames (batch %d, %d iterations, %s correlation)",
		query.N, maps.S, maps.B, iters, cfg.Strategy())
	pred, err := predictor.Predict(ctx, refine.Input{
		Query:          query,
		Maps:           maps,
		Iters:          iters,
		ReturnFeatures: opts.ReturnFeatures,
		DownRatio:      down,
	})
	if err != nil {
		return fmt.Errorf("refinement failed: %w", err)
	}
	if !refine.IsFinite(pred.Final()) {
		log.Printf("Warning: some refined coordinates are not finite")
	}

	resp := newResponse(pred)
	if opts.DBPath != "" {
		if resp.RunID, err = saveRun(ctx, opts, cfg, down, pred); err != nil {
			return err
		}
	}
	if opts.PlotDir != "" {
		if err := writeReports(opts.PlotDir, pred); err != nil {
			return err
		}
	}
	return writeResponse(opts.OutputPath, stdout, resp)
}

func saveRun(ctx context.Context, opts Options, cfg refine.Config, down float64, pred *refine.Prediction) (string, error) {
	store, err := sqlite.Open(opts.DBPath)
	if err != nil {
		return "", fmt.Errorf("failed to open database: %w", err)
	}
	defer store.Close()
	if err := store.Migrate(); err != nil {
		return "", err
	}
	cfgJSON, err := json.Marshal(cfg)
	if err != nil {
		return "", err
	}
	id, err := store.SaveRun(ctx, sqlite.Run{Source: opts.InputPath, DownRatio: down, ConfigJSON: cfgJSON}, pred)
	if err != nil {
		return "", fmt.Errorf("failed to save run: %w", err)
	}
	log.Printf("Run stored as %s in %s", id, opts.DBPath)
	return id, nil
}

func writeReports(dir string, pred *refine.Prediction) error {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create plot directory: %w", err)
	}
	for b := 0; b < pred.Final().B; b++ {
		png := filepath.Join(dir, fmt.Sprintf("tracks_b%02d.png", b))
		if err := report.PlotTrajectories(pred, b, png); err != nil {
			return err
		}
		if pred.Visibility == nil {
			continue
		}
		html := filepath.Join(dir, fmt.Sprintf("visibility_b%02d.html", b))
		f, err := os.Create(html)
		if err != nil {
			return fmt.Errorf("failed to create %s: %w", html, err)
		}
		err = report.VisibilityChart(f, pred, b)
		if cerr := f.Close(); err == nil {
			err = cerr
		}
		if err != nil {
			return err
		}
	}
	log.Printf("Reports written to %s", dir)
	return nil
}

func writeResponse(path string, stdout io.Writer, resp *Response) error {
	w := stdout
	if path != "" && path != "-" {
		f, err := os.Create(filepath.Clean(path))
		if err != nil {
			return fmt.Errorf("failed to create output: %w", err)
		}
		defer f.Close()
		w = f
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(resp); err != nil {
		return fmt.Errorf("failed to write response: %w", err)
	}
	return nil
}
