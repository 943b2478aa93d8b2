package report

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/pkg/errors"

	"github.com/tsawler/go-rhythm/runlog"
	"github.com/tsawler/go-rhythm/training"
)

// Sink stores the logging stream. *runlog.Log implements it.
type Sink interface {
	AddScalar(ctx context.Context, s runlog.Scalar) error
	AddArtifact(ctx context.Context, a runlog.Artifact) error
}

// Config configures a Reporter.
type Config struct {
	PlotDir string
	RunID   string
	Model   string
	Charts  ChartConfig

	// Sidecar receives plot documents when set. Its failures are logged,
	// never returned.
	Sidecar *SidecarClient
	Logger  *slog.Logger
}

// Reporter implements training.Reporter: scalars go to the sink, and each
// validation epoch produces agreement statistics and plots.
type Reporter struct {
	config Config
	sink   Sink
	logger *slog.Logger

	mu        sync.Mutex
	curves    map[int]*lossCurves
	agreement map[int]Agreement
}

type lossCurves struct {
	train, validation []Point
}

var _ training.Reporter = (*Reporter)(nil)

// New creates a reporter writing plots to config.PlotDir. sink may be nil.
func New(config Config, sink Sink) (*Reporter, error) {
	if config.PlotDir == "" {
		return nil, errors.New("plot directory is required")
	}
	if err := os.MkdirAll(config.PlotDir, 0o755); err != nil {
		return nil, errors.Wrap(err, "create plot directory")
	}
	if config.Charts == (ChartConfig{}) {
		config.Charts = DefaultChartConfig()
	}
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Reporter{
		config:    config,
		sink:      sink,
		logger:    logger,
		curves:    make(map[int]*lossCurves),
		agreement: make(map[int]Agreement),
	}, nil
}

// LogScalar records one metric value. Non-finite values are dropped with
// a warning.
func (r *Reporter) LogScalar(tag string, fold, step int, value float64) error {
	if math.IsNaN(value) || math.IsInf(value, 0) {
		r.logger.Warn("dropping non-finite scalar", "tag", tag, "fold", fold, "step", step)
		return nil
	}

	r.mu.Lock()
	switch tag {
	case training.TagTrainLoss:
		c := r.curvesFor(fold)
		c.train = append(c.train, Point{Step: step, Value: value})
	case training.TagValidationLoss:
		c := r.curvesFor(fold)
		c.validation = append(c.validation, Point{Step: step, Value: value})
	}
	r.mu.Unlock()

	if r.sink == nil {
		return nil
	}
	return r.sink.AddScalar(context.Background(), runlog.Scalar{
		RunID: r.config.RunID,
		Tag:   tag,
		Fold:  fold,
		Step:  step,
		Value: value,
	})
}

func (r *Reporter) curvesFor(fold int) *lossCurves {
	c, ok := r.curves[fold]
	if !ok {
		c = &lossCurves{}
		r.curves[fold] = c
	}
	return c
}

// LogAgreement computes agreement statistics for a validation epoch, logs
// them as scalars and renders the Bland–Altman and true-vs-estimated plots
// of the fold, replacing those of earlier epochs.
func (r *Reporter) LogAgreement(fold, epoch int, pairs []training.HRPair) error {
	if len(pairs) == 0 {
		r.logger.Warn("no validation pairs to report", "fold", fold, "epoch", epoch)
		return nil
	}
	a, err := ComputeAgreement(pairs)
	if err != nil {
		return err
	}
	r.mu.Lock()
	r.agreement[fold] = a
	r.mu.Unlock()

	tags := make([]string, 0, 8)
	scalars := a.Scalars()
	for tag := range scalars {
		tags = append(tags, tag)
	}
	sort.Strings(tags)
	for _, tag := range tags {
		if err := r.LogScalar(tag, fold, epoch, scalars[tag]); err != nil {
			return err
		}
	}
	r.logger.Info("agreement",
		"fold", fold,
		"epoch", epoch,
		"n", a.N,
		"bias", a.Bias,
		"loa_lower", a.LowerLoA,
		"loa_upper", a.UpperLoA,
		"mae", a.MAE,
		"rmse", a.RMSE,
		"pearson", a.Pearson,
	)

	if err := r.writeChart(fold, epoch, string(BlandAltman), func(w io.Writer) error {
		return WriteBlandAltman(w, fold, pairs, a, r.config.Charts)
	}); err != nil {
		return err
	}
	if err := r.writeChart(fold, epoch, string(TrueVsEstimate), func(w io.Writer) error {
		return WriteTrueVsEstimated(w, fold, pairs, a, r.config.Charts)
	}); err != nil {
		return err
	}

	r.sendPlot(BlandAltmanPlot(r.config.Model, fold, pairs, a))
	r.sendPlot(TrueVsEstimatedPlot(r.config.Model, fold, pairs, a))
	return nil
}

// Agreement returns the statistics of the fold's latest validation epoch.
func (r *Reporter) Agreement(fold int) (Agreement, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	a, ok := r.agreement[fold]
	return a, ok
}

// Flush renders the loss curves of every fold seen so far.
func (r *Reporter) Flush() error {
	r.mu.Lock()
	folds := make([]int, 0, len(r.curves))
	for fold := range r.curves {
		folds = append(folds, fold)
	}
	snapshot := make(map[int]lossCurves, len(r.curves))
	for fold, c := range r.curves {
		snapshot[fold] = lossCurves{
			train:      append([]Point(nil), c.train...),
			validation: append([]Point(nil), c.validation...),
		}
	}
	r.mu.Unlock()
	sort.Ints(folds)

	for _, fold := range folds {
		c := snapshot[fold]
		last := 0
		if n := len(c.train); n > 0 {
			last = c.train[n-1].Step
		}
		if err := r.writeChart(fold, last, "loss", func(w io.Writer) error {
			return WriteLossCurves(w, fold, c.train, c.validation, r.config.Charts)
		}); err != nil {
			return err
		}
		r.sendPlot(LossCurvesPlot(r.config.Model, fold, c.train, c.validation))
	}
	return nil
}

// ChartPath returns where the plot of a kind is written for a fold.
func (r *Reporter) ChartPath(kind string, fold int) string {
	return filepath.Join(r.config.PlotDir, fmt.Sprintf("%s_fold%d.html", kind, fold))
}

func (r *Reporter) writeChart(fold, epoch int, kind string, render func(io.Writer) error) error {
	path := r.ChartPath(kind, fold)
	if err := writeChartFile(path, render); err != nil {
		return errors.WithMessagef(err, "write %s", path)
	}
	if r.sink == nil {
		return nil
	}
	return r.sink.AddArtifact(context.Background(), runlog.Artifact{
		RunID: r.config.RunID,
		Fold:  fold,
		Epoch: epoch,
		Kind:  kind,
		Path:  path,
	})
}

func (r *Reporter) sendPlot(plot PlotData) {
	if r.config.Sidecar == nil {
		return
	}
	resp, err := r.config.Sidecar.SendPlot(context.Background(), plot)
	if err != nil {
		r.logger.Warn("plotting sidecar failed", "plot", plot.PlotType, "url", r.config.Sidecar.BaseURL(), "error", err)
		return
	}
	r.logger.Debug("plot sent to sidecar", "plot", plot.PlotType, "view_url", resp.ViewURL)
}
