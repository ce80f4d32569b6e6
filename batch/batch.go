// Package batch fetches lists of remote images and processes each one on a
// bounded worker pool. A failing item never affects the others.
package batch

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/chriskillpack/tagger/internal/metrics"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const (
	MaxURLs        = 50
	MinThreads     = 1
	MaxThreads     = 32
	DefaultThreads = 4
)

var (
	ErrNoURLs      = errors.New("no URLs provided")
	ErrTooManyURLs = fmt.Errorf("too many URLs, at most %d per batch", MaxURLs)
	ErrThreads     = fmt.Errorf("threads must be between %d and %d", MinThreads, MaxThreads)
)

// State is the progress of one batch item.
type State int

const (
	Pending State = iota
	Fetching
	FetchFailed
	Fetched
	Processing
	ProcessFailed
	Completed
)

var stateNames = [...]string{
	Pending:       "pending",
	Fetching:      "fetching",
	FetchFailed:   "fetch_failed",
	Fetched:       "fetched",
	Processing:    "processing",
	ProcessFailed: "process_failed",
	Completed:     "completed",
}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return fmt.Sprintf("State(%d)", int(s))
	}
	return stateNames[s]
}

// Terminal reports whether no further transitions follow s.
func (s State) Terminal() bool {
	return s == FetchFailed || s == ProcessFailed || s == Completed
}

const (
	StatusSuccess = "success"
	StatusFailed  = "error"
)

// Item is the outcome for one URL.
type Item[T any] struct {
	URL    string
	State  State
	Status string // StatusSuccess or StatusFailed
	Result T      // set when Status is StatusSuccess
	Error  string // set when Status is StatusFailed
}

// ProcessFunc turns the fetched bytes of url into a result. It runs on a pool
// worker.
type ProcessFunc[T any] func(ctx context.Context, url string, data []byte) (T, error)

// Orchestrator runs batches. The zero value is not usable, Fetcher must be
// set.
type Orchestrator[T any] struct {
	Fetcher Fetcher
	Logger  *zap.Logger      // optional
	Metrics *metrics.Metrics // optional
}

// Validate checks a batch request without fetching anything. threads of 0
// selects DefaultThreads.
func Validate(urls []string, threads int) (int, error) {
	switch {
	case len(urls) == 0:
		return 0, ErrNoURLs
	case len(urls) > MaxURLs:
		return 0, ErrTooManyURLs
	}
	if threads == 0 {
		threads = DefaultThreads
	}
	if threads < MinThreads || threads > MaxThreads {
		return 0, ErrThreads
	}
	return threads, nil
}

// Run fetches every URL concurrently and processes the fetched images on a
// pool of threads workers. Items are returned in completion order, one per
// URL. The only errors returned are for invalid input.
func (o *Orchestrator[T]) Run(ctx context.Context, urls []string, threads int, fn ProcessFunc[T]) ([]Item[T], error) {
	threads, err := Validate(urls, threads)
	if err != nil {
		return nil, err
	}

	pool := NewPool(threads)
	defer pool.Close()

	logger := o.logger().With(zap.Int("urls", len(urls)), zap.Int("threads", threads))
	logger.Info("batch started")
	start := time.Now()

	results := make(chan Item[T], len(urls))
	var g errgroup.Group
	for _, url := range urls {
		g.Go(func() error {
			results <- o.runItem(ctx, pool, url, fn)
			return nil
		})
	}
	g.Wait()
	close(results)

	items := make([]Item[T], 0, len(urls))
	var failed int
	for it := range results {
		if it.Status == StatusFailed {
			failed++
		}
		items = append(items, it)
	}
	logger.Info("batch finished", zap.Int("failed", failed), zap.Duration("elapsed", time.Since(start)))
	return items, nil
}

func (o *Orchestrator[T]) runItem(ctx context.Context, pool *Pool, url string, fn ProcessFunc[T]) Item[T] {
	it := Item[T]{URL: url, State: Pending}

	o.transition(&it, Fetching)
	fetchStart := time.Now()
	data, err := o.Fetcher.Fetch(ctx, url)
	o.Metrics.ObserveStage("fetch", fetchStart)
	if err != nil {
		return o.fail(it, FetchFailed, err)
	}
	o.transition(&it, Fetched)

	// Once a worker picks the item up it runs to completion even if the
	// caller goes away.
	workCtx := context.WithoutCancel(ctx)
	var res T
	err = pool.Do(ctx, func() error {
		o.transition(&it, Processing)
		var err error
		res, err = fn(workCtx, url, data)
		return err
	})
	if err != nil {
		return o.fail(it, ProcessFailed, err)
	}

	it.Result = res
	it.Status = StatusSuccess
	o.transition(&it, Completed)
	return it
}

func (o *Orchestrator[T]) fail(it Item[T], s State, err error) Item[T] {
	it.Status = StatusFailed
	it.Error = err.Error()
	o.transition(&it, s)
	return it
}

func (o *Orchestrator[T]) transition(it *Item[T], s State) {
	o.logger().Debug("batch item",
		zap.String("url", it.URL),
		zap.Stringer("from", it.State),
		zap.Stringer("to", s))
	it.State = s
	if s.Terminal() {
		o.Metrics.BatchItem(s.String())
	}
}

func (o *Orchestrator[T]) logger() *zap.Logger {
	if o.Logger == nil {
		return zap.NewNop()
	}
	return o.Logger
}
