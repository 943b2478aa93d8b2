package async

import (
	"context"
	"fmt"
	"math/rand"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tsawler/go-rhythm/dataset"
)

// fakeSource loads instantly except for the delays it is given, which lets
// tests force workers to finish out of order.
type fakeSource struct {
	videos  []string
	delays  map[int]time.Duration
	failAt  int
	loading atomic.Int32
	peak    atomic.Int32
}

func newFakeSource(n int) *fakeSource {
	src := &fakeSource{failAt: -1, delays: map[int]time.Duration{}}
	for i := 0; i < n; i++ {
		src.videos = append(src.videos, fmt.Sprintf("v%02d", i))
	}
	return src
}

func (f *fakeSource) Len() int             { return len(f.videos) }
func (f *fakeSource) Video(idx int) string { return f.videos[idx] }

func (f *fakeSource) Get(idx int) (*dataset.VideoSample, error) {
	n := f.loading.Add(1)
	defer f.loading.Add(-1)
	for {
		p := f.peak.Load()
		if n <= p || f.peak.CompareAndSwap(p, n) {
			break
		}
	}

	time.Sleep(f.delays[idx])
	if idx == f.failAt {
		return nil, dataset.ErrMissingArtifact
	}
	return &dataset.VideoSample{ID: f.videos[idx], Targets: []float64{float64(idx)}}, nil
}

func collect(t *testing.T, ch <-chan LoadResult) []LoadResult {
	t.Helper()
	var out []LoadResult
	timeout := time.After(5 * time.Second)
	for {
		select {
		case res, ok := <-ch:
			if !ok {
				return out
			}
			out = append(out, res)
		case <-timeout:
			t.Fatal("loader did not finish")
		}
	}
}

func TestNewVideoLoader(t *testing.T) {
	_, err := NewVideoLoader(nil, VideoLoaderConfig{})
	assert.Error(t, err)

	loader, err := NewVideoLoader(newFakeSource(3), VideoLoaderConfig{})
	require.NoError(t, err)
	stats := loader.Stats()
	assert.Equal(t, 2, stats.Workers)
	assert.Equal(t, 2, stats.Prefetch)
	assert.Equal(t, 3, stats.Videos)
	assert.Equal(t, 3, loader.Len())
}

func TestVideoLoaderInOrder(t *testing.T) {
	src := newFakeSource(6)
	// Early videos are slow so later ones finish first.
	src.delays[0] = 30 * time.Millisecond
	src.delays[1] = 20 * time.Millisecond

	loader, err := NewVideoLoader(src, VideoLoaderConfig{Workers: 3, Prefetch: 2})
	require.NoError(t, err)

	results := collect(t, loader.Iterate(context.Background()))
	require.Len(t, results, 6)
	for i, res := range results {
		require.NoError(t, res.Err)
		assert.Equal(t, i, res.Index)
		assert.Equal(t, src.videos[i], res.Video)
		assert.Equal(t, src.videos[i], res.Sample.ID)
	}
	assert.LessOrEqual(t, int(src.peak.Load()), 3)
}

func TestVideoLoaderShuffle(t *testing.T) {
	src := newFakeSource(8)
	loader, err := NewVideoLoader(src, VideoLoaderConfig{Shuffle: true, Seed: 7})
	require.NoError(t, err)

	first := collect(t, loader.Iterate(context.Background()))
	second := collect(t, loader.Iterate(context.Background()))
	require.Len(t, first, 8)
	require.Len(t, second, 8)

	// Each epoch is a permutation, and the permutation follows the seed.
	rng := rand.New(rand.NewSource(7))
	for _, epoch := range [][]LoadResult{first, second} {
		perm := rng.Perm(8)
		seen := map[string]bool{}
		for i, res := range epoch {
			assert.Equal(t, src.videos[perm[i]], res.Video)
			seen[res.Video] = true
		}
		assert.Len(t, seen, 8)
	}
	assert.Equal(t, 2, loader.Stats().Epochs)
}

func TestVideoLoaderStopsAfterError(t *testing.T) {
	src := newFakeSource(5)
	src.failAt = 2

	loader, err := NewVideoLoader(src, VideoLoaderConfig{Workers: 2})
	require.NoError(t, err)

	results := collect(t, loader.Iterate(context.Background()))
	require.Len(t, results, 3)
	assert.NoError(t, results[0].Err)
	assert.NoError(t, results[1].Err)
	assert.True(t, errors.Is(results[2].Err, dataset.ErrMissingArtifact))
	assert.Contains(t, results[2].Err.Error(), "v02")
}

func TestVideoLoaderCancel(t *testing.T) {
	src := newFakeSource(50)
	for i := range src.videos {
		src.delays[i] = 5 * time.Millisecond
	}
	loader, err := NewVideoLoader(src, VideoLoaderConfig{Workers: 2, Prefetch: 1})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	ch := loader.Iterate(ctx)
	first := <-ch
	require.NoError(t, first.Err)
	cancel()

	rest := collect(t, ch)
	assert.Less(t, len(rest), 49)
	// Workers have drained once the channel is closed.
	assert.Equal(t, int32(0), src.loading.Load())
}

func TestVideoLoaderEmptySource(t *testing.T) {
	loader, err := NewVideoLoader(newFakeSource(0), VideoLoaderConfig{})
	require.NoError(t, err)
	assert.Empty(t, collect(t, loader.Iterate(context.Background())))
}
