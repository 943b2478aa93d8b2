package async

import (
	"context"
	"log/slog"
	"math/rand"
	"sync"

	"github.com/pkg/errors"

	"github.com/tsawler/go-rhythm/dataset"
)

// DataSource is a random-access collection of videos.
type DataSource interface {
	Len() int
	Video(idx int) string
	Get(idx int) (*dataset.VideoSample, error)
}

// LoadResult is one step of an epoch: a whole video, or the error that
// prevented loading it.
type LoadResult struct {
	Index  int // position in the epoch schedule
	Video  string
	Sample *dataset.VideoSample
	Err    error
}

// VideoLoaderConfig holds configuration for the loader.
type VideoLoaderConfig struct {
	Workers  int   // decoding goroutines (default: 2)
	Prefetch int   // videos decoded ahead of the consumer (default: 2)
	Shuffle  bool  // permute video order every epoch
	Seed     int64 // seed for the epoch permutations
	Logger   *slog.Logger
}

// VideoLoader delivers one VideoSample per step. A bounded pool of workers
// decodes upcoming videos while the consumer trains on the current one;
// results are always delivered in schedule order.
type VideoLoader struct {
	source   DataSource
	workers  int
	prefetch int
	shuffle  bool
	rng      *rand.Rand
	logger   *slog.Logger

	mutex  sync.Mutex
	epochs int
}

// NewVideoLoader creates a new loader over source.
func NewVideoLoader(source DataSource, config VideoLoaderConfig) (*VideoLoader, error) {
	if source == nil {
		return nil, errors.New("data source cannot be nil")
	}
	if config.Workers <= 0 {
		config.Workers = 2
	}
	if config.Prefetch <= 0 {
		config.Prefetch = 2
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}

	return &VideoLoader{
		source:   source,
		workers:  config.Workers,
		prefetch: config.Prefetch,
		shuffle:  config.Shuffle,
		rng:      rand.New(rand.NewSource(config.Seed)),
		logger:   config.Logger,
	}, nil
}

// Len returns the number of steps per epoch.
func (vl *VideoLoader) Len() int {
	return vl.source.Len()
}

// Schedule returns the video order of the next epoch and advances the
// shuffling state.
func (vl *VideoLoader) Schedule() []int {
	vl.mutex.Lock()
	defer vl.mutex.Unlock()

	vl.epochs++
	if vl.shuffle {
		return vl.rng.Perm(vl.source.Len())
	}
	order := make([]int, vl.source.Len())
	for i := range order {
		order[i] = i
	}
	return order
}

// Iterate runs one epoch. The returned channel yields every scheduled
// video in order and is closed at the end of the epoch or when ctx is
// cancelled. After an error result nothing further is delivered.
func (vl *VideoLoader) Iterate(ctx context.Context) <-chan LoadResult {
	return vl.run(ctx, vl.Schedule())
}

func (vl *VideoLoader) run(ctx context.Context, order []int) <-chan LoadResult {
	ctx, cancel := context.WithCancel(ctx)
	out := make(chan LoadResult)

	// One single-slot channel per step keeps delivery in schedule order
	// no matter which worker finishes first.
	slots := make([]chan LoadResult, len(order))
	for i := range slots {
		slots[i] = make(chan LoadResult, 1)
	}

	// window bounds how far workers may run ahead of the consumer.
	window := make(chan struct{}, vl.prefetch+vl.workers)
	jobs := make(chan int)

	var wg sync.WaitGroup
	for w := 0; w < vl.workers; w++ {
		wg.Add(1)
		go vl.worker(ctx, w, order, jobs, slots, &wg)
	}

	go func() {
		defer close(jobs)
		for step := range order {
			select {
			case window <- struct{}{}:
			case <-ctx.Done():
				return
			}
			select {
			case jobs <- step:
			case <-ctx.Done():
				return
			}
		}
	}()

	go func() {
		defer func() {
			cancel()
			wg.Wait()
			close(out)
		}()
		for step := range order {
			var res LoadResult
			select {
			case res = <-slots[step]:
			case <-ctx.Done():
				return
			}
			<-window

			select {
			case out <- res:
			case <-ctx.Done():
				return
			}
			if res.Err != nil {
				return
			}
		}
	}()

	return out
}

func (vl *VideoLoader) worker(ctx context.Context, id int, order []int, jobs <-chan int, slots []chan LoadResult, wg *sync.WaitGroup) {
	defer wg.Done()
	for step := range jobs {
		if ctx.Err() != nil {
			return
		}
		idx := order[step]
		video := vl.source.Video(idx)

		sample, err := vl.source.Get(idx)
		if err != nil {
			vl.logger.Debug("video load failed", "worker", id, "video", video, "error", err)
			err = errors.WithMessagef(err, "load video %s", video)
		}
		slots[step] <- LoadResult{Index: step, Video: video, Sample: sample, Err: err}
	}
}

// Stats returns statistics about the loader.
func (vl *VideoLoader) Stats() VideoLoaderStats {
	vl.mutex.Lock()
	defer vl.mutex.Unlock()

	return VideoLoaderStats{
		Videos:   vl.source.Len(),
		Workers:  vl.workers,
		Prefetch: vl.prefetch,
		Shuffle:  vl.shuffle,
		Epochs:   vl.epochs,
	}
}

// VideoLoaderStats provides statistics about the loader.
type VideoLoaderStats struct {
	Videos   int
	Workers  int
	Prefetch int
	Shuffle  bool
	Epochs   int
}
