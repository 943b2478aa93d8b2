package dataset

import (
	"encoding/csv"
	"math"
	"math/rand"
	"os"
	"path/filepath"
	"strconv"

	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"
)

// SyntheticVideo describes a generated video: one row of features per frame
// and a heart-rate target per frame or per clip.
type SyntheticVideo struct {
	Name    string
	Frames  [][]float64
	Targets []float64
}

// WriteVideo writes the ST-map and target artifacts of v.
func WriteVideo(stmapDir, targetDir, targetExt string, v SyntheticVideo) error {
	if len(v.Frames) == 0 {
		return errors.Errorf("video %s has no frames", v.Name)
	}
	width := len(v.Frames[0])
	data := make([]float64, 0, len(v.Frames)*width)
	for i, row := range v.Frames {
		if len(row) != width {
			return errors.Errorf("video %s: frame %d has %d features, expected %d", v.Name, i, len(row), width)
		}
		data = append(data, row...)
	}

	if err := WriteFeatureMap(filepath.Join(stmapDir, v.Name), mat.NewDense(len(v.Frames), width, data)); err != nil {
		return err
	}
	return WriteTargetSignal(TargetPathFor(targetDir, v.Name, targetExt), mat.NewVecDense(len(v.Targets), append([]float64(nil), v.Targets...)))
}

// WriteFoldFile writes rows in the fold CSV format.
func WriteFoldFile(path string, rows []FoldAssignment) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return errors.Wrap(err, "create fold file directory")
	}
	f, err := os.Create(path)
	if err != nil {
		return errors.Wrap(err, "create fold file")
	}
	defer f.Close()

	w := csv.NewWriter(f)
	if err := w.Write([]string{columnFold, columnSplit, columnVideo}); err != nil {
		return err
	}
	for _, row := range rows {
		if err := w.Write([]string{strconv.Itoa(row.Fold), string(row.Split), row.Video}); err != nil {
			return err
		}
	}
	w.Flush()
	return w.Error()
}

// PulseVideo generates a video whose per-frame features encode the heart
// rate linearly, so a linear regressor can fit it exactly. Each frame has
// width features: feature j is hr/100 scaled by (j+1) plus a small seeded
// pulse ripple that averages out over a clip.
func PulseVideo(name string, clipLen, width int, clipHR []float64, rng *rand.Rand) SyntheticVideo {
	v := SyntheticVideo{Name: name}
	for _, hr := range clipHR {
		phase := rng.Float64() * 2 * math.Pi
		for f := 0; f < clipLen; f++ {
			row := make([]float64, width)
			ripple := 0.0
			if clipLen > 1 {
				ripple = 0.01 * math.Sin(phase+2*math.Pi*float64(f)/float64(clipLen))
			}
			for j := range row {
				row[j] = hr/100*float64(j+1) + ripple
			}
			v.Frames = append(v.Frames, row)
		}
		v.Targets = append(v.Targets, hr)
	}
	return v
}
