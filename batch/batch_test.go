package batch

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sort"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func imageServer(t *testing.T) *httptest.Server {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /img/{n}", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "image/png")
		fmt.Fprintf(w, "png-%s", r.PathValue("n"))
	})
	mux.HandleFunc("GET /redirect", func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "/img/9", http.StatusFound)
	})
	mux.HandleFunc("GET /page", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		w.Write([]byte("<html></html>"))
	})
	mux.HandleFunc("GET /empty", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "image/jpeg")
	})
	mux.HandleFunc("GET /big", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "image/jpeg")
		w.Write(make([]byte, 2048))
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func echo(ctx context.Context, url string, data []byte) (string, error) {
	return string(data), nil
}

func TestFetch(t *testing.T) {
	srv := imageServer(t)
	f := NewHTTPFetcher(srv.Client(), time.Second, 1024)

	data, err := f.Fetch(t.Context(), srv.URL+"/img/1")
	require.NoError(t, err)
	assert.Equal(t, "png-1", string(data))

	data, err = f.Fetch(t.Context(), srv.URL+"/redirect")
	require.NoError(t, err)
	assert.Equal(t, "png-9", string(data))

	_, err = f.Fetch(t.Context(), srv.URL+"/missing")
	var se *StatusError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, http.StatusNotFound, se.Code)
	assert.Contains(t, err.Error(), "404")

	_, err = f.Fetch(t.Context(), srv.URL+"/page")
	assert.ErrorIs(t, err, ErrNotImage)

	_, err = f.Fetch(t.Context(), srv.URL+"/empty")
	assert.ErrorIs(t, err, ErrEmptyBody)

	_, err = f.Fetch(t.Context(), srv.URL+"/big")
	assert.ErrorIs(t, err, ErrTooLarge)
}

func TestFetchBadURL(t *testing.T) {
	f := NewHTTPFetcher(nil, time.Second, 0)
	for _, u := range []string{"", "example.com/cat.png", "ftp://example.com/cat.png", "http://[::1"} {
		_, err := f.Fetch(t.Context(), u)
		assert.ErrorIs(t, err, ErrBadURL, u)
	}
}

func TestFetchTimeout(t *testing.T) {
	block := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-block:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(block)

	f := NewHTTPFetcher(srv.Client(), 50*time.Millisecond, 0)
	start := time.Now()
	_, err := f.Fetch(t.Context(), srv.URL)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(start), 2*time.Second)
}

func TestRunIsolatesFailures(t *testing.T) {
	srv := imageServer(t)
	o := &Orchestrator[string]{Fetcher: NewHTTPFetcher(srv.Client(), time.Second, 0)}

	urls := []string{
		srv.URL + "/img/1",
		srv.URL + "/img/2",
		srv.URL + "/missing",
		srv.URL + "/img/4",
		srv.URL + "/img/5",
	}
	items, err := o.Run(t.Context(), urls, 2, echo)
	require.NoError(t, err)
	require.Len(t, items, 5)

	byURL := map[string]Item[string]{}
	for _, it := range items {
		byURL[it.URL] = it
	}
	require.Len(t, byURL, 5)

	bad := byURL[urls[2]]
	assert.Equal(t, StatusFailed, bad.Status)
	assert.Equal(t, FetchFailed, bad.State)
	assert.Contains(t, bad.Error, "404")

	for i, u := range urls {
		if i == 2 {
			continue
		}
		assert.Equal(t, StatusSuccess, byURL[u].Status, u)
		assert.Equal(t, Completed, byURL[u].State, u)
		assert.Equal(t, fmt.Sprintf("png-%d", i+1), byURL[u].Result)
		assert.Empty(t, byURL[u].Error)
	}
}

func TestRunProcessFailure(t *testing.T) {
	srv := imageServer(t)
	o := &Orchestrator[string]{Fetcher: NewHTTPFetcher(srv.Client(), time.Second, 0)}

	items, err := o.Run(t.Context(), []string{srv.URL + "/img/1", srv.URL + "/img/2"}, 1,
		func(ctx context.Context, url string, data []byte) (string, error) {
			switch string(data) {
			case "png-1":
				return "", errors.New("could not read image")
			case "png-2":
				panic("boom")
			}
			return "", nil
		})
	require.NoError(t, err)
	require.Len(t, items, 2)
	for _, it := range items {
		assert.Equal(t, StatusFailed, it.Status)
		assert.Equal(t, ProcessFailed, it.State)
	}
	errs := []string{items[0].Error, items[1].Error}
	sort.Strings(errs)
	assert.Equal(t, []string{"could not read image", "panic: boom"}, errs)
}

type countingFetcher struct {
	calls atomic.Int32
}

func (c *countingFetcher) Fetch(ctx context.Context, url string) ([]byte, error) {
	c.calls.Add(1)
	return []byte(url), nil
}

func TestRunValidation(t *testing.T) {
	f := &countingFetcher{}
	o := &Orchestrator[string]{Fetcher: f}

	urls := make([]string, MaxURLs+1)
	for i := range urls {
		urls[i] = fmt.Sprintf("http://example.com/%d.jpg", i)
	}
	_, err := o.Run(t.Context(), urls, 4, echo)
	assert.ErrorIs(t, err, ErrTooManyURLs)

	_, err = o.Run(t.Context(), nil, 4, echo)
	assert.ErrorIs(t, err, ErrNoURLs)

	for _, threads := range []int{-1, MaxThreads + 1} {
		_, err = o.Run(t.Context(), urls[:1], threads, echo)
		assert.ErrorIs(t, err, ErrThreads)
	}
	assert.EqualValues(t, 0, f.calls.Load())

	items, err := o.Run(t.Context(), urls[:MaxURLs], 0, echo)
	require.NoError(t, err)
	assert.Len(t, items, MaxURLs)
	assert.EqualValues(t, MaxURLs, f.calls.Load())
}

func TestRunThreadsBoundConcurrency(t *testing.T) {
	const d = 100 * time.Millisecond
	urls := []string{"a", "b", "c", "d", "e"}

	run := func(threads int) (time.Duration, int32) {
		var running, peak atomic.Int32
		o := &Orchestrator[string]{Fetcher: &countingFetcher{}}
		start := time.Now()
		items, err := o.Run(t.Context(), urls, threads, func(ctx context.Context, url string, data []byte) (string, error) {
			n := running.Add(1)
			for {
				p := peak.Load()
				if n <= p || peak.CompareAndSwap(p, n) {
					break
				}
			}
			time.Sleep(d)
			running.Add(-1)
			return url, nil
		})
		require.NoError(t, err)
		require.Len(t, items, len(urls))
		return time.Since(start), peak.Load()
	}

	serial, peak1 := run(1)
	parallel, peak5 := run(5)

	assert.EqualValues(t, 1, peak1)
	assert.GreaterOrEqual(t, serial, 5*d)
	assert.LessOrEqual(t, peak5, int32(5))
	assert.Less(t, parallel, 3*d)
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "fetch_failed", FetchFailed.String())
	assert.Equal(t, "completed", Completed.String())
	assert.Equal(t, "State(42)", State(42).String())
	assert.True(t, ProcessFailed.Terminal())
	assert.False(t, Fetched.Terminal())
}
