package dataset

import (
	"encoding/csv"
	"io"
	"os"
	"sort"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// Split tags a video as training or validation data within one fold.
type Split string

const (
	Train      Split = "T"
	Validation Split = "V"
)

func (s Split) String() string {
	switch s {
	case Train:
		return "train"
	case Validation:
		return "validation"
	default:
		return "unknown"
	}
}

// FoldAssignment is one row of the fold file.
type FoldAssignment struct {
	Fold  int
	Split Split
	Video string
}

// FoldTable holds the cross-validation plan read from the fold file.
type FoldTable struct {
	rows []FoldAssignment
}

// Column names of the fold file.
const (
	columnFold  = "iteration"
	columnSplit = "set"
	columnVideo = "video"
)

// ReadFoldTable reads and validates a fold CSV file.
func ReadFoldTable(path string) (*FoldTable, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrapf(ErrMalformedFoldFile, "open %s: %v", path, err)
	}
	defer f.Close()

	table, err := ParseFoldTable(f)
	if err != nil {
		return nil, errors.WithMessage(err, path)
	}
	return table, nil
}

// ParseFoldTable parses fold CSV data. Columns are located by header name,
// so extra columns such as a leading index column are ignored.
func ParseFoldTable(r io.Reader) (*FoldTable, error) {
	reader := csv.NewReader(r)
	reader.TrimLeadingSpace = true

	header, err := reader.Read()
	if err == io.EOF {
		return nil, errors.Wrap(ErrMalformedFoldFile, "empty file")
	}
	if err != nil {
		return nil, errors.Wrapf(ErrMalformedFoldFile, "header: %v", err)
	}

	idx := map[string]int{}
	for i, name := range header {
		idx[strings.TrimSpace(name)] = i
	}
	for _, name := range []string{columnFold, columnSplit, columnVideo} {
		if _, ok := idx[name]; !ok {
			return nil, errors.Wrapf(ErrMalformedFoldFile, "missing column %q", name)
		}
	}

	table := &FoldTable{}
	line := 1
	for {
		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		line++
		if err != nil {
			return nil, errors.Wrapf(ErrMalformedFoldFile, "line %d: %v", line, err)
		}

		fold, err := strconv.Atoi(strings.TrimSpace(record[idx[columnFold]]))
		if err != nil {
			return nil, errors.Wrapf(ErrMalformedFoldFile, "line %d: bad fold index %q", line, record[idx[columnFold]])
		}

		split := Split(strings.TrimSpace(record[idx[columnSplit]]))
		if split != Train && split != Validation {
			return nil, errors.Wrapf(ErrMalformedFoldFile, "line %d: split must be T or V, got %q", line, split)
		}

		video := strings.TrimSpace(record[idx[columnVideo]])
		if video == "" {
			return nil, errors.Wrapf(ErrMalformedFoldFile, "line %d: empty video name", line)
		}

		table.rows = append(table.rows, FoldAssignment{Fold: fold, Split: split, Video: video})
	}

	if len(table.rows) == 0 {
		return nil, errors.Wrap(ErrMalformedFoldFile, "no rows")
	}
	if err := table.Validate(); err != nil {
		return nil, err
	}
	return table, nil
}

// NewFoldTable builds a table from rows and validates it.
func NewFoldTable(rows []FoldAssignment) (*FoldTable, error) {
	table := &FoldTable{rows: append([]FoldAssignment(nil), rows...)}
	if err := table.Validate(); err != nil {
		return nil, err
	}
	return table, nil
}

// Validate checks that each video appears at most once per fold, which
// makes the train and validation sets of every fold disjoint.
func (ft *FoldTable) Validate() error {
	seen := map[int]map[string]Split{}
	for _, row := range ft.rows {
		videos, ok := seen[row.Fold]
		if !ok {
			videos = map[string]Split{}
			seen[row.Fold] = videos
		}
		if prev, dup := videos[row.Video]; dup {
			if prev != row.Split {
				return errors.Wrapf(ErrMalformedFoldFile, "fold %d: video %s is in both train and validation", row.Fold, row.Video)
			}
			return errors.Wrapf(ErrMalformedFoldFile, "fold %d: video %s listed twice", row.Fold, row.Video)
		}
		videos[row.Video] = row.Split
	}
	return nil
}

// Folds returns the fold indices in ascending order.
func (ft *FoldTable) Folds() []int {
	set := map[int]struct{}{}
	for _, row := range ft.rows {
		set[row.Fold] = struct{}{}
	}
	folds := make([]int, 0, len(set))
	for k := range set {
		folds = append(folds, k)
	}
	sort.Ints(folds)
	return folds
}

// Split returns the training and validation videos of a fold in file order.
func (ft *FoldTable) Split(fold int) (train, validation []string, err error) {
	found := false
	for _, row := range ft.rows {
		if row.Fold != fold {
			continue
		}
		found = true
		if row.Split == Train {
			train = append(train, row.Video)
		} else {
			validation = append(validation, row.Video)
		}
	}
	if !found {
		return nil, nil, errors.Errorf("fold %d not present in fold table", fold)
	}
	return train, validation, nil
}

// Videos returns every video used by a fold, in file order.
func (ft *FoldTable) Videos(fold int) []string {
	var videos []string
	for _, row := range ft.rows {
		if row.Fold == fold {
			videos = append(videos, row.Video)
		}
	}
	return videos
}

// Rows returns a copy of the table rows.
func (ft *FoldTable) Rows() []FoldAssignment {
	return append([]FoldAssignment(nil), ft.rows...)
}
