package dataset

import (
	"path/filepath"
	"strings"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleFolds = `,iteration,set,video
0,1,T,s01_trial01.stmap
1,1,T,s01_trial02.stmap
2,1,V,s02_trial01.stmap
3,2,V,s01_trial01.stmap
4,2,T,s01_trial02.stmap
5,2,T,s02_trial01.stmap
`

func TestParseFoldTable(t *testing.T) {
	table, err := ParseFoldTable(strings.NewReader(sampleFolds))
	require.NoError(t, err)

	assert.Equal(t, []int{1, 2}, table.Folds())

	train, val, err := table.Split(1)
	require.NoError(t, err)
	assert.Equal(t, []string{"s01_trial01.stmap", "s01_trial02.stmap"}, train)
	assert.Equal(t, []string{"s02_trial01.stmap"}, val)

	_, _, err = table.Split(7)
	assert.Error(t, err)
}

func TestFoldPartition(t *testing.T) {
	table, err := ParseFoldTable(strings.NewReader(sampleFolds))
	require.NoError(t, err)

	for _, fold := range table.Folds() {
		train, val, err := table.Split(fold)
		require.NoError(t, err)

		union := map[string]bool{}
		for _, v := range train {
			union[v] = true
		}
		for _, v := range val {
			assert.False(t, union[v], "fold %d: %s in both splits", fold, v)
			union[v] = true
		}

		all := table.Videos(fold)
		assert.Len(t, union, len(all))
		for _, v := range all {
			assert.True(t, union[v])
		}
	}
}

func TestParseFoldTableErrors(t *testing.T) {
	cases := map[string]string{
		"empty":          "",
		"missing column": "iteration,video\n1,a\n",
		"bad split":      "iteration,set,video\n1,X,a\n",
		"bad fold":       "iteration,set,video\none,T,a\n",
		"empty video":    "iteration,set,video\n1,T,\n",
		"no rows":        "iteration,set,video\n",
		"both splits":    "iteration,set,video\n1,T,a\n1,V,a\n",
		"duplicate":      "iteration,set,video\n1,T,a\n1,T,a\n",
		"ragged row":     "iteration,set,video\n1,T\n",
	}

	for name, data := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := ParseFoldTable(strings.NewReader(data))
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrMalformedFoldFile), "got %v", err)
		})
	}
}

func TestReadFoldTableRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "folds", "kfold.csv")
	rows := []FoldAssignment{
		{Fold: 1, Split: Train, Video: "a.stmap"},
		{Fold: 1, Split: Validation, Video: "b.stmap"},
	}
	require.NoError(t, WriteFoldFile(path, rows))

	table, err := ReadFoldTable(path)
	require.NoError(t, err)
	assert.Equal(t, rows, table.Rows())

	_, err = ReadFoldTable(filepath.Join(t.TempDir(), "absent.csv"))
	assert.True(t, errors.Is(err, ErrMalformedFoldFile))
}

func TestNewFoldTableValidates(t *testing.T) {
	_, err := NewFoldTable([]FoldAssignment{
		{Fold: 1, Split: Train, Video: "a"},
		{Fold: 1, Split: Validation, Video: "a"},
	})
	assert.True(t, errors.Is(err, ErrMalformedFoldFile))

	// The same video may appear in different folds.
	table, err := NewFoldTable([]FoldAssignment{
		{Fold: 1, Split: Train, Video: "a"},
		{Fold: 2, Split: Validation, Video: "a"},
	})
	require.NoError(t, err)
	assert.Equal(t, []int{1, 2}, table.Folds())
}
