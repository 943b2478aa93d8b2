package report

import (
	"fmt"
	"io"
	"math"
	"os"

	"github.com/go-echarts/go-echarts/v2/charts"
	"github.com/go-echarts/go-echarts/v2/opts"
	"github.com/pkg/errors"

	"github.com/tsawler/go-rhythm/training"
)

// ChartConfig holds the look of rendered charts.
type ChartConfig struct {
	Width  string
	Height string
	Theme  string
}

// DefaultChartConfig returns default chart configuration.
func DefaultChartConfig() ChartConfig {
	return ChartConfig{Width: "900px", Height: "600px", Theme: "light"}
}

// Point is one (step, value) sample of a curve.
type Point struct {
	Step  int
	Value float64
}

func (c ChartConfig) globalOptions(title, subtitle, xName, yName string) []charts.GlobalOpts {
	return []charts.GlobalOpts{
		charts.WithInitializationOpts(opts.Initialization{
			Width:  c.Width,
			Height: c.Height,
			Theme:  c.Theme,
		}),
		charts.WithTitleOpts(opts.Title{
			Title:    title,
			Subtitle: subtitle,
		}),
		charts.WithTooltipOpts(opts.Tooltip{
			Show: opts.Bool(true),
		}),
		charts.WithLegendOpts(opts.Legend{
			Show: opts.Bool(true),
			Top:  "bottom",
		}),
		charts.WithXAxisOpts(opts.XAxis{
			Name:  xName,
			Type:  "value",
			Scale: opts.Bool(true),
		}),
		charts.WithYAxisOpts(opts.YAxis{
			Name:  yName,
			Type:  "value",
			Scale: opts.Bool(true),
		}),
	}
}

// WriteBlandAltman renders the Bland–Altman plot of one fold: the mean of
// true and estimated heart rate against their difference, with the bias
// and the limits of agreement as horizontal lines.
func WriteBlandAltman(w io.Writer, fold int, pairs []training.HRPair, a Agreement, cfg ChartConfig) error {
	scatter := charts.NewScatter()
	scatter.SetGlobalOptions(cfg.globalOptions(
		fmt.Sprintf("Bland–Altman, fold %d", fold),
		fmt.Sprintf("bias %.2f bpm, LoA [%.2f, %.2f]", a.Bias, a.LowerLoA, a.UpperLoA),
		"(true + estimated) / 2 [bpm]",
		"estimated - true [bpm]",
	)...)

	data := make([]opts.ScatterData, len(pairs))
	for i, p := range pairs {
		data[i] = opts.ScatterData{
			Name:  fmt.Sprintf("%s#%d", p.Video, p.Clip),
			Value: []interface{}{(p.True + p.Predicted) / 2, p.Predicted - p.True},
		}
	}
	scatter.AddSeries("clips", data,
		charts.WithMarkLineNameYAxisItemOpts(
			opts.MarkLineNameYAxisItem{Name: "bias", YAxis: a.Bias},
			opts.MarkLineNameYAxisItem{Name: "-1.96 SD", YAxis: a.LowerLoA},
			opts.MarkLineNameYAxisItem{Name: "+1.96 SD", YAxis: a.UpperLoA},
		),
	)
	return errors.Wrap(scatter.Render(w), "render Bland–Altman chart")
}

// WriteTrueVsEstimated renders estimated against true heart rate with the
// identity line.
func WriteTrueVsEstimated(w io.Writer, fold int, pairs []training.HRPair, a Agreement, cfg ChartConfig) error {
	scatter := charts.NewScatter()
	scatter.SetGlobalOptions(cfg.globalOptions(
		fmt.Sprintf("True vs estimated HR, fold %d", fold),
		fmt.Sprintf("MAE %.2f bpm, RMSE %.2f bpm, r %.3f", a.MAE, a.RMSE, a.Pearson),
		"true [bpm]",
		"estimated [bpm]",
	)...)

	lo, hi := math.Inf(1), math.Inf(-1)
	data := make([]opts.ScatterData, len(pairs))
	for i, p := range pairs {
		data[i] = opts.ScatterData{
			Name:  fmt.Sprintf("%s#%d", p.Video, p.Clip),
			Value: []interface{}{p.True, p.Predicted},
		}
		lo = math.Min(lo, math.Min(p.True, p.Predicted))
		hi = math.Max(hi, math.Max(p.True, p.Predicted))
	}
	scatter.AddSeries("clips", data)

	if len(pairs) > 0 {
		identity := charts.NewLine()
		identity.AddSeries("identity", []opts.LineData{
			{Value: []interface{}{lo, lo}},
			{Value: []interface{}{hi, hi}},
		})
		scatter.Overlap(identity)
	}
	return errors.Wrap(scatter.Render(w), "render true-vs-estimated chart")
}

// WriteLossCurves renders the training and validation loss of one fold.
func WriteLossCurves(w io.Writer, fold int, train, validation []Point, cfg ChartConfig) error {
	line := charts.NewLine()
	line.SetGlobalOptions(cfg.globalOptions(
		fmt.Sprintf("Loss, fold %d", fold), "", "epoch", "loss",
	)...)

	for _, s := range []struct {
		name   string
		points []Point
	}{{"train", train}, {"validation", validation}} {
		if len(s.points) == 0 {
			continue
		}
		data := make([]opts.LineData, len(s.points))
		for i, p := range s.points {
			data[i] = opts.LineData{Value: []interface{}{p.Step, p.Value}}
		}
		line.AddSeries(s.name, data)
	}
	return errors.Wrap(line.Render(w), "render loss chart")
}

// writeChartFile renders into path, replacing any previous version.
func writeChartFile(path string, render func(io.Writer) error) (err error) {
	f, err := os.Create(path)
	if err != nil {
		return errors.Wrap(err, "create chart file")
	}
	defer func() {
		if cerr := f.Close(); err == nil && cerr != nil {
			err = errors.Wrap(cerr, "close chart file")
		}
	}()
	return render(f)
}
