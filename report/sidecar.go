package report

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/pkg/errors"

	"github.com/tsawler/go-rhythm/training"
)

// PlotType names a plot understood by the plotting sidecar.
type PlotType string

const (
	BlandAltman    PlotType = "bland_altman"
	TrueVsEstimate PlotType = "gt_vs_est"
	TrainingCurves PlotType = "training_curves"
)

// PlotData is the JSON document the plotting sidecar accepts.
type PlotData struct {
	PlotType  PlotType               `json:"plot_type"`
	Title     string                 `json:"title"`
	Timestamp time.Time              `json:"timestamp"`
	ModelName string                 `json:"model_name"`
	Series    []SeriesData           `json:"series"`
	Config    PlotConfig             `json:"config"`
	Metrics   map[string]interface{} `json:"metrics,omitempty"`
}

// SeriesData is one data series of a plot.
type SeriesData struct {
	Name  string                 `json:"name"`
	Type  string                 `json:"type"` // "line" or "scatter"
	Data  []DataPoint            `json:"data"`
	Style map[string]interface{} `json:"style,omitempty"`
}

// DataPoint is one point of a series.
type DataPoint struct {
	X     interface{} `json:"x"`
	Y     interface{} `json:"y"`
	Label string      `json:"label,omitempty"`
}

// PlotConfig carries axis labels and sizing.
type PlotConfig struct {
	XAxisLabel  string `json:"x_axis_label"`
	YAxisLabel  string `json:"y_axis_label"`
	XAxisScale  string `json:"x_axis_scale"`
	YAxisScale  string `json:"y_axis_scale"`
	ShowLegend  bool   `json:"show_legend"`
	ShowGrid    bool   `json:"show_grid"`
	Width       int    `json:"width"`
	Height      int    `json:"height"`
	Interactive bool   `json:"interactive"`
}

// PlottingResponse is the sidecar's reply.
type PlottingResponse struct {
	Success   bool   `json:"success"`
	Message   string `json:"message"`
	PlotURL   string `json:"plot_url,omitempty"`
	ViewURL   string `json:"view_url,omitempty"`
	PlotID    string `json:"plot_id,omitempty"`
	ErrorCode string `json:"error_code,omitempty"`
}

// SidecarConfig configures the plotting sidecar client.
type SidecarConfig struct {
	BaseURL       string
	Timeout       time.Duration
	RetryAttempts int
	RetryDelay    time.Duration
}

// DefaultSidecarConfig returns default configuration for the sidecar client.
func DefaultSidecarConfig() SidecarConfig {
	return SidecarConfig{
		BaseURL:       "http://localhost:8080",
		Timeout:       30 * time.Second,
		RetryAttempts: 3,
		RetryDelay:    time.Second,
	}
}

// SidecarClient posts plot documents to the plotting sidecar.
type SidecarClient struct {
	config     SidecarConfig
	httpClient *http.Client
}

// NewSidecarClient creates a client. Non-positive retry settings fall back
// to a single attempt without delay.
func NewSidecarClient(config SidecarConfig) *SidecarClient {
	if config.RetryAttempts <= 0 {
		config.RetryAttempts = 1
	}
	if config.RetryDelay < 0 {
		config.RetryDelay = 0
	}
	return &SidecarClient{
		config:     config,
		httpClient: &http.Client{Timeout: config.Timeout},
	}
}

// BaseURL returns the sidecar address.
func (c *SidecarClient) BaseURL() string {
	return c.config.BaseURL
}

// SendPlot posts plot data, retrying failed attempts.
func (c *SidecarClient) SendPlot(ctx context.Context, plot PlotData) (*PlottingResponse, error) {
	var lastErr error
	for attempt := 0; attempt < c.config.RetryAttempts; attempt++ {
		if attempt > 0 {
			timer := time.NewTimer(c.config.RetryDelay)
			select {
			case <-ctx.Done():
				timer.Stop()
				return nil, ctx.Err()
			case <-timer.C:
			}
		}
		resp, err := c.send(ctx, plot)
		if err == nil {
			return resp, nil
		}
		lastErr = err
	}
	return nil, errors.Wrapf(lastErr, "send plot after %d attempts", c.config.RetryAttempts)
}

func (c *SidecarClient) send(ctx context.Context, plot PlotData) (*PlottingResponse, error) {
	body, err := json.Marshal(plot)
	if err != nil {
		return nil, errors.Wrap(err, "marshal plot data")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.config.BaseURL+"/api/plot", bytes.NewReader(body))
	if err != nil {
		return nil, errors.Wrap(err, "create request")
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "go-rhythm")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, errors.Wrap(err, "send request")
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, errors.Wrap(err, "read response")
	}
	var out PlottingResponse
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, errors.Wrapf(err, "parse response (status %d)", resp.StatusCode)
	}
	if resp.StatusCode != http.StatusOK {
		return &out, errors.Errorf("sidecar returned status %d: %s", resp.StatusCode, out.Message)
	}
	return &out, nil
}

// CheckHealth reports whether the sidecar answers its health endpoint.
func (c *SidecarClient) CheckHealth(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.config.BaseURL+"/health", nil)
	if err != nil {
		return errors.Wrap(err, "create health request")
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return errors.Wrap(err, "health check")
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return errors.Errorf("health check failed with status %d", resp.StatusCode)
	}
	return nil
}

func scatterConfig(x, y string) PlotConfig {
	return PlotConfig{
		XAxisLabel:  x,
		YAxisLabel:  y,
		XAxisScale:  "linear",
		YAxisScale:  "linear",
		ShowLegend:  true,
		ShowGrid:    true,
		Width:       800,
		Height:      600,
		Interactive: true,
	}
}

func agreementMetrics(a Agreement) map[string]interface{} {
	m := make(map[string]interface{})
	for tag, v := range a.Scalars() {
		m[tag] = v
	}
	m["n"] = a.N
	return m
}

// BlandAltmanPlot builds the sidecar document for a Bland–Altman plot.
func BlandAltmanPlot(model string, fold int, pairs []training.HRPair, a Agreement) PlotData {
	points := make([]DataPoint, len(pairs))
	var lo, hi float64
	for i, p := range pairs {
		mean := (p.True + p.Predicted) / 2
		points[i] = DataPoint{X: mean, Y: p.Predicted - p.True, Label: fmt.Sprintf("%s#%d", p.Video, p.Clip)}
		if i == 0 || mean < lo {
			lo = mean
		}
		if i == 0 || mean > hi {
			hi = mean
		}
	}
	hline := func(name string, y float64, style string) SeriesData {
		return SeriesData{
			Name:  name,
			Type:  "line",
			Data:  []DataPoint{{X: lo, Y: y}, {X: hi, Y: y}},
			Style: map[string]interface{}{"line_style": style},
		}
	}
	return PlotData{
		PlotType:  BlandAltman,
		Title:     fmt.Sprintf("Bland–Altman, fold %d", fold),
		Timestamp: time.Now(),
		ModelName: model,
		Series: []SeriesData{
			{Name: "clips", Type: "scatter", Data: points},
			hline("bias", a.Bias, "solid"),
			hline("-1.96 SD", a.LowerLoA, "dashed"),
			hline("+1.96 SD", a.UpperLoA, "dashed"),
		},
		Config:  scatterConfig("(true + estimated) / 2 [bpm]", "estimated - true [bpm]"),
		Metrics: agreementMetrics(a),
	}
}

// TrueVsEstimatedPlot builds the sidecar document for the true-vs-estimated
// scatter with its identity line.
func TrueVsEstimatedPlot(model string, fold int, pairs []training.HRPair, a Agreement) PlotData {
	points := make([]DataPoint, len(pairs))
	var lo, hi float64
	for i, p := range pairs {
		points[i] = DataPoint{X: p.True, Y: p.Predicted, Label: fmt.Sprintf("%s#%d", p.Video, p.Clip)}
		if i == 0 || p.True < lo {
			lo = p.True
		}
		if i == 0 || p.True > hi {
			hi = p.True
		}
	}
	return PlotData{
		PlotType:  TrueVsEstimate,
		Title:     fmt.Sprintf("True vs estimated HR, fold %d", fold),
		Timestamp: time.Now(),
		ModelName: model,
		Series: []SeriesData{
			{Name: "clips", Type: "scatter", Data: points},
			{
				Name:  "identity",
				Type:  "line",
				Data:  []DataPoint{{X: lo, Y: lo}, {X: hi, Y: hi}},
				Style: map[string]interface{}{"line_style": "dashed"},
			},
		},
		Config:  scatterConfig("true [bpm]", "estimated [bpm]"),
		Metrics: agreementMetrics(a),
	}
}

// LossCurvesPlot builds the sidecar document for a fold's loss curves.
func LossCurvesPlot(model string, fold int, train, validation []Point) PlotData {
	series := func(name string, pts []Point) SeriesData {
		data := make([]DataPoint, len(pts))
		for i, p := range pts {
			data[i] = DataPoint{X: p.Step, Y: p.Value}
		}
		return SeriesData{Name: name, Type: "line", Data: data}
	}
	return PlotData{
		PlotType:  TrainingCurves,
		Title:     fmt.Sprintf("Loss, fold %d", fold),
		Timestamp: time.Now(),
		ModelName: model,
		Series:    []SeriesData{series("train", train), series("validation", validation)},
		Config:    scatterConfig("epoch", "loss"),
	}
}
