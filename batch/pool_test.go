package batch

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPoolBoundsWorkers(t *testing.T) {
	p := NewPool(3)
	defer p.Close()

	var running, peak atomic.Int32
	var wg sync.WaitGroup
	for range 12 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := p.Do(t.Context(), func() error {
				n := running.Add(1)
				for {
					cur := peak.Load()
					if n <= cur || peak.CompareAndSwap(cur, n) {
						break
					}
				}
				time.Sleep(10 * time.Millisecond)
				running.Add(-1)
				return nil
			})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()
	assert.LessOrEqual(t, peak.Load(), int32(3))
	assert.GreaterOrEqual(t, peak.Load(), int32(1))
}

func TestPoolReturnsError(t *testing.T) {
	p := NewPool(1)
	defer p.Close()

	boom := errors.New("boom")
	assert.ErrorIs(t, p.Do(t.Context(), func() error { return boom }), boom)
	assert.ErrorContains(t, p.Do(t.Context(), func() error { panic("oops") }), "panic: oops")
	assert.NoError(t, p.Do(t.Context(), func() error { return nil }))
}

func TestPoolContextWhileWaiting(t *testing.T) {
	p := NewPool(1)
	defer p.Close()

	release := make(chan struct{})
	started := make(chan struct{})
	go p.Do(context.Background(), func() error {
		close(started)
		<-release
		return nil
	})
	<-started

	ctx, cancel := context.WithTimeout(t.Context(), 20*time.Millisecond)
	defer cancel()
	ran := false
	err := p.Do(ctx, func() error { ran = true; return nil })
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.False(t, ran)
	close(release)
}

func TestPoolClosed(t *testing.T) {
	p := NewPool(2)
	p.Close()
	p.Close()
	require.ErrorIs(t, p.Do(t.Context(), func() error { return nil }), ErrPoolClosed)
}
