// Command train runs fold-based training and validation of a heart-rate
// regressor over ST-map artifacts.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"math/rand"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"github.com/charmbracelet/lipgloss"
	"github.com/pkg/errors"

	"github.com/tsawler/go-rhythm/config"
	"github.com/tsawler/go-rhythm/dataset"
	"github.com/tsawler/go-rhythm/layers"
	"github.com/tsawler/go-rhythm/report"
	"github.com/tsawler/go-rhythm/runlog"
	"github.com/tsawler/go-rhythm/tensor"
	"github.com/tsawler/go-rhythm/training"
)

var (
	headerStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#61AFEF"))
	cellStyle   = lipgloss.NewStyle().PaddingRight(2)
	dimStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("#828997"))
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := run(ctx, os.Args[1:], os.Stdout, os.Stderr)
	stop()
	if err != nil {
		fmt.Fprintf(os.Stderr, "FATAL: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, args []string, stdout, stderr io.Writer) error {
	cfg, progress, err := loadConfig(args, stderr)
	if errors.Is(err, errNothingToRun) {
		return nil
	}
	if err != nil {
		return err
	}
	logger, err := newLogger(cfg, stderr)
	if err != nil {
		return err
	}

	sel, err := tensor.SelectDevice(cfg.Train.Device)
	if err != nil {
		return config.Invalid(err)
	}
	if sel.FellBack {
		logger.Warn("accelerator not available, falling back to cpu", "requested", sel.Requested)
	}
	device := sel.Device

	table, err := dataset.ReadFoldTable(cfg.Paths.FoldFile)
	if err != nil {
		return err
	}

	runID := runlog.NewRunID()
	logger = logger.With("run", runID)
	rl, err := runlog.Open(cfg.Paths.RunLog)
	if err != nil {
		return err
	}
	defer rl.Close()

	effective, err := cfg.TOML()
	if err != nil {
		return err
	}
	if _, err := rl.StartRun(ctx, runID, device.String(), string(effective)); err != nil {
		return err
	}
	abort := func(err error) error {
		if ferr := rl.FinishRun(context.Background(), runID, runlog.StatusFailed); ferr != nil {
			logger.Warn("could not record run status", "error", ferr)
		}
		return err
	}

	var sidecar *report.SidecarClient
	if cfg.Reporting.SidecarURL != "" {
		timeout, _ := cfg.SidecarTimeout()
		sidecar = report.NewSidecarClient(report.SidecarConfig{
			BaseURL:       cfg.Reporting.SidecarURL,
			Timeout:       timeout,
			RetryAttempts: cfg.Reporting.SidecarRetries,
			RetryDelay:    report.DefaultSidecarConfig().RetryDelay,
		})
		if err := sidecar.CheckHealth(ctx); err != nil {
			logger.Warn("plotting sidecar is not healthy", "url", cfg.Reporting.SidecarURL, "error", err)
		}
	}

	reporter, err := report.New(report.Config{
		PlotDir: cfg.Paths.PlotDir,
		RunID:   runID,
		Model:   cfg.Train.Model,
		Sidecar: sidecar,
		Logger:  logger,
	}, rl)
	if err != nil {
		return abort(err)
	}

	runnerCfg := cfg.RunnerConfig(device, runID)
	if progress {
		runnerCfg.Progress = stderr
	}
	runner, err := training.NewRunner(runnerCfg, table, modelFactory(cfg, table, device), reporter, logger)
	if err != nil {
		return abort(err)
	}

	logger.Info("run started",
		"folds", len(table.Folds()),
		"device", device.String(),
		"model", cfg.Train.Model,
		"epochs", cfg.Train.Epochs,
	)
	results, runErr := runner.Run(ctx)

	status := runlog.StatusFinished
	if runErr != nil {
		status = runlog.StatusFailed
		// Keep the loss curves of whatever did run.
		if err := reporter.Flush(); err != nil {
			logger.Warn("could not render loss curves", "error", err)
		}
	}
	if err := rl.FinishRun(context.Background(), runID, status); err != nil {
		logger.Warn("could not record run status", "error", err)
	}

	printSummary(stdout, results, reporter)
	return runErr
}

// loadConfig parses flags, loads the configuration file and applies the
// flags that were set on top of it.
func loadConfig(args []string, stderr io.Writer) (*config.Config, bool, error) {
	fs := flag.NewFlagSet("train", flag.ContinueOnError)
	fs.SetOutput(stderr)

	configPath := fs.String("config", "", "path to a TOML configuration file")
	noProgress := fs.Bool("no-progress", false, "disable the per-epoch progress bars")
	writeConfig := fs.String("write-config", "", "write the effective configuration to this path and exit")

	var (
		stmapDir, targetDir, foldFile, checkpointDir, plotDir, runLog string
		device, model, optimizer, scheduler, format, folds            string
		logLevel, logFormat, sidecarURL                               string
		epochs, valEpochs, workers, clipLen, clipStride               int
		lr, lambda                                                    float64
		seed                                                          int64
	)
	fs.StringVar(&stmapDir, "stmap-dir", "", "directory of ST-map artifacts")
	fs.StringVar(&targetDir, "target-dir", "", "directory of target-signal artifacts")
	fs.StringVar(&foldFile, "fold-file", "", "fold assignment CSV")
	fs.StringVar(&checkpointDir, "checkpoint-dir", "", "checkpoint directory")
	fs.StringVar(&plotDir, "plot-dir", "", "plot directory")
	fs.StringVar(&runLog, "run-log", "", "SQLite run log")
	fs.StringVar(&device, "device", "", "cpu, gpu, cuda[:n], mps or metal")
	fs.StringVar(&model, "model", "", "linear or pooled_mlp")
	fs.StringVar(&optimizer, "optimizer", "", "adam or sgd")
	fs.StringVar(&scheduler, "scheduler", "", "constant, step, exponential, cosine or plateau")
	fs.StringVar(&format, "checkpoint-format", "", "json or binary")
	fs.StringVar(&folds, "folds", "", "comma-separated fold indices to run")
	fs.StringVar(&logLevel, "log-level", "", "debug, info, warn or error")
	fs.StringVar(&logFormat, "log-format", "", "text or json")
	fs.StringVar(&sidecarURL, "sidecar-url", "", "plotting sidecar base URL")
	fs.IntVar(&epochs, "epochs", 0, "training epochs per fold")
	fs.IntVar(&valEpochs, "validation-epochs", 0, "validation epochs per fold")
	fs.IntVar(&workers, "workers", 0, "loader workers")
	fs.IntVar(&clipLen, "clip-length", 0, "frames per clip")
	fs.IntVar(&clipStride, "clip-stride", 0, "frames between clip starts")
	fs.Float64Var(&lr, "lr", 0, "learning rate")
	fs.Float64Var(&lambda, "lambda", 0, "smoothness weight")
	fs.Int64Var(&seed, "seed", 0, "shuffle and initialisation seed")

	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return nil, false, errNothingToRun
		}
		return nil, false, config.Invalid(err)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		return nil, false, err
	}

	var foldErr error
	fs.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "stmap-dir":
			cfg.Paths.STMapDir = stmapDir
		case "target-dir":
			cfg.Paths.TargetDir = targetDir
		case "fold-file":
			cfg.Paths.FoldFile = foldFile
		case "checkpoint-dir":
			cfg.Paths.CheckpointDir = checkpointDir
		case "plot-dir":
			cfg.Paths.PlotDir = plotDir
		case "run-log":
			cfg.Paths.RunLog = runLog
		case "device":
			cfg.Train.Device = device
		case "model":
			cfg.Train.Model = model
		case "optimizer":
			cfg.Train.Optimizer = optimizer
		case "scheduler":
			cfg.Train.Scheduler = scheduler
		case "checkpoint-format":
			cfg.Train.CheckpointFormat = format
		case "folds":
			cfg.Train.Folds, foldErr = parseFolds(folds)
		case "log-level":
			cfg.Log.Level = logLevel
		case "log-format":
			cfg.Log.Format = logFormat
		case "sidecar-url":
			cfg.Reporting.SidecarURL = sidecarURL
		case "epochs":
			cfg.Train.Epochs = epochs
		case "validation-epochs":
			cfg.Train.ValidationEpochs = valEpochs
		case "workers":
			cfg.Data.Workers = workers
		case "clip-length":
			cfg.Data.ClipLength = clipLen
		case "clip-stride":
			cfg.Data.ClipStride = clipStride
		case "lr":
			cfg.Train.LearningRate = lr
		case "lambda":
			cfg.Train.Lambda = lambda
		case "seed":
			cfg.Data.Seed = seed
		}
	})
	if foldErr != nil {
		return nil, false, foldErr
	}
	if err := cfg.Validate(); err != nil {
		return nil, false, err
	}

	if *writeConfig != "" {
		if err := cfg.Save(*writeConfig); err != nil {
			return nil, false, err
		}
		return nil, false, errNothingToRun
	}
	return cfg, !*noProgress, nil
}

// errNothingToRun ends a successful invocation that trains nothing, such
// as -h or -write-config.
var errNothingToRun = errors.New("nothing to run")

func parseFolds(s string) ([]int, error) {
	var out []int
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		n, err := strconv.Atoi(part)
		if err != nil {
			return nil, errors.Wrapf(config.ErrInvalid, "fold %q is not an integer", part)
		}
		out = append(out, n)
	}
	return out, nil
}

func newLogger(cfg *config.Config, w io.Writer) (*slog.Logger, error) {
	level, err := cfg.SlogLevel()
	if err != nil {
		return nil, err
	}
	opts := &slog.HandlerOptions{Level: level}
	if strings.EqualFold(cfg.Log.Format, "json") {
		return slog.New(slog.NewJSONHandler(w, opts)), nil
	}
	return slog.New(slog.NewTextHandler(w, opts)), nil
}

// modelFactory sizes each fold's model from the feature width of its
// training videos and seeds its initialisation per fold.
func modelFactory(cfg *config.Config, table *dataset.FoldTable, device tensor.Device) training.ModelFactory {
	return func(fold int) (layers.Regressor, error) {
		train, _, err := table.Split(fold)
		if err != nil {
			return nil, err
		}
		ds, err := dataset.NewClipDataset(train, cfg.ClipConfig(device))
		if err != nil {
			return nil, err
		}
		width, err := ds.FeatureWidth()
		if err != nil {
			return nil, err
		}
		rng := rand.New(rand.NewSource(cfg.Data.Seed + int64(fold)))
		return layers.NewRegressor(cfg.Train.Model, cfg.Data.ClipLength, width, cfg.Train.HiddenUnits, device, rng)
	}
}

func printSummary(w io.Writer, results []training.FoldResult, reporter *report.Reporter) {
	if len(results) == 0 {
		return
	}
	row := func(cells ...string) string {
		out := make([]string, len(cells))
		for i, c := range cells {
			out[i] = cellStyle.Width(12).Render(c)
		}
		return lipgloss.JoinHorizontal(lipgloss.Top, out...)
	}

	lines := []string{headerStyle.Render(row("fold", "best loss", "saved", "bias", "LoA", "MAE"))}
	for _, res := range results {
		bias, loa, mae := "-", "-", "-"
		if a, ok := reporter.Agreement(res.Fold); ok {
			bias = fmt.Sprintf("%.2f", a.Bias)
			loa = fmt.Sprintf("±%.2f", a.UpperLoA-a.Bias)
			mae = fmt.Sprintf("%.2f", a.MAE)
		}
		saved := dimStyle.Render("none")
		if n := len(res.SavedEpochs); n > 0 {
			saved = fmt.Sprintf("%d (last %d)", n, res.SavedEpochs[n-1])
		}
		lines = append(lines, row(strconv.Itoa(res.Fold), res.BestLoss.String(), saved, bias, loa, mae))
	}
	fmt.Fprintln(w, lipgloss.JoinVertical(lipgloss.Left, lines...))
}
