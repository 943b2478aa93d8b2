package training

import (
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"golang.org/x/time/rate"
)

var (
	progressLabelStyle  = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#61AFEF"))
	progressFillStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("#98C379"))
	progressMetricStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("#828997"))
)

// ProgressBar renders per-epoch progress in place on a terminal line.
// Redraws are throttled; the final state is always drawn by Finish.
type ProgressBar struct {
	out         io.Writer
	description string
	total       int
	current     int
	startTime   time.Time
	width       int
	metrics     map[string]float64
	limiter     *rate.Limiter
}

// NewProgressBar creates a new progress bar writing to out.
func NewProgressBar(out io.Writer, description string, total int) *ProgressBar {
	return &ProgressBar{
		out:         out,
		description: description,
		total:       total,
		startTime:   time.Now(),
		width:       40,
		metrics:     make(map[string]float64),
		limiter:     rate.NewLimiter(rate.Every(100*time.Millisecond), 1),
	}
}

// Update advances the progress bar
func (pb *ProgressBar) Update(step int, metrics map[string]float64) {
	pb.current = step
	for k, v := range metrics {
		pb.metrics[k] = v
	}
	if pb.limiter.Allow() {
		pb.render()
	}
}

// Finish completes the progress bar
func (pb *ProgressBar) Finish() {
	pb.current = pb.total
	pb.render()
	fmt.Fprintln(pb.out)
}

func (pb *ProgressBar) render() {
	fmt.Fprint(pb.out, "\r"+pb.Line())
}

// Line formats the current state without drawing it.
func (pb *ProgressBar) Line() string {
	percentage := 1.0
	if pb.total > 0 {
		percentage = float64(pb.current) / float64(pb.total)
	}
	if percentage > 1.0 {
		percentage = 1.0
	}

	filled := int(percentage * float64(pb.width))
	bar := progressFillStyle.Render(strings.Repeat("█", filled)) + strings.Repeat(" ", pb.width-filled)

	elapsed := time.Since(pb.startTime)
	var eta time.Duration
	if pb.current > 0 && percentage > 0 {
		eta = time.Duration(float64(elapsed)/percentage) - elapsed
	}

	line := fmt.Sprintf("%s: %3.0f%%|%s| %d/%d [%s<%s",
		progressLabelStyle.Render(pb.description),
		percentage*100,
		bar,
		pb.current,
		pb.total,
		formatDuration(elapsed),
		formatDuration(eta),
	)
	if pb.current > 0 && elapsed > 0 {
		line += fmt.Sprintf(", %.2fvideo/s", float64(pb.current)/elapsed.Seconds())
	}

	keys := make([]string, 0, len(pb.metrics))
	for k := range pb.metrics {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		line += progressMetricStyle.Render(fmt.Sprintf(", %s=%s", k, formatLoss(pb.metrics[k])))
	}
	return line + "]"
}

// formatDuration formats duration as MM:SS
func formatDuration(d time.Duration) string {
	if d < 0 {
		d = 0
	}
	minutes := int(d.Minutes())
	seconds := int(d.Seconds()) % 60
	return fmt.Sprintf("%02d:%02d", minutes, seconds)
}

func formatLoss(v float64) string {
	return fmt.Sprintf("%.4f", v)
}
