package main

import (
	"bufio"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/chriskillpack/tagger"
	"github.com/chriskillpack/tagger/batch"
	"github.com/chriskillpack/tagger/internal/config"
	"github.com/chriskillpack/tagger/internal/logging"
	"github.com/chriskillpack/tagger/internal/metrics"
	"github.com/schollz/progressbar/v3"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

var (
	configPath = flag.String("config", "", "Path to config file, defaults to $CONFIG_PATH or config.yaml")
	urlsPath   = flag.String("urls", "", "Tag the image URLs listed in this file, one per line (- for stdin), instead of serving")
	threads    = flag.Int("threads", batch.DefaultThreads, "Worker threads when tagging -urls")
	mode       = flag.String("mode", string(tagger.ModeBoth), "Tagging mode for -urls: clip, vision or both")
	numTags    = flag.Int("num-tags", 0, "Tags per image for -urls, 0 uses the configured default")
	model      = flag.String("model", "", "Caption model for -urls, empty uses the configured default")
	staticDir  = flag.String("static", "", "Directory of static files to serve at /")

	lameduck atomic.Bool
)

func readURLs(path string) ([]string, error) {
	var r io.Reader = os.Stdin
	if path != "-" {
		f, err := os.Open(path)
		if err != nil {
			return nil, err
		}
		defer f.Close()
		r = f
	}

	var urls []string
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		urls = append(urls, line)
	}
	return urls, sc.Err()
}

// runBatch tags the URLs in chunks of at most batch.MaxURLs and prints one
// JSON line per URL to stdout.
func runBatch(ctx context.Context, t *tagger.Tagger, urls []string) error {
	mode, err := tagger.ParseMode(*mode)
	if err != nil {
		return err
	}
	opts := tagger.Options{Mode: mode, NumTags: *numTags, Model: *model}
	if _, err := batch.Validate(urls[:min(len(urls), batch.MaxURLs)], *threads); err != nil {
		return err
	}

	bar := progressbar.NewOptions(
		len(urls),
		progressbar.OptionSetWriter(os.Stderr),
		progressbar.OptionSetDescription("Tagging images"),
		progressbar.OptionThrottle(100*time.Millisecond),
		progressbar.OptionShowCount(),
		progressbar.OptionOnCompletion(func() { fmt.Fprintln(os.Stderr) }),
	)

	enc := json.NewEncoder(os.Stdout)
	var failed int
	for start := 0; start < len(urls) && !lameduck.Load(); start += batch.MaxURLs {
		if ctx.Err() != nil {
			break
		}
		chunk := urls[start:min(start+batch.MaxURLs, len(urls))]
		items, err := t.TagURLs(ctx, chunk, *threads, opts)
		if err != nil {
			return err
		}
		for _, it := range items {
			if it.Status == batch.StatusFailed {
				failed++
			}
			if err := enc.Encode(flatten(it)); err != nil {
				return err
			}
		}
		bar.Add(len(items))
	}
	bar.Finish()

	if failed > 0 {
		fmt.Fprintf(os.Stderr, "%d of %d images failed\n", failed, len(urls))
	}
	return nil
}

func serve(ctx context.Context, t *tagger.Tagger, cfg *config.Config, logger *zap.Logger, m *metrics.Metrics) error {
	srv := NewServer(t, cfg.App.Addr(), *staticDir, logger.Named("http"), m)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(srv.Start)
	g.Go(func() error {
		<-ctx.Done()
		logger.Info("shutting down")
		sctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(sctx)
	})
	return g.Wait()
}

// sighandler enters lame duck mode on the first signal and cancels on the
// second, or on the first when serving.
func sighandler(ch chan os.Signal, cancel context.CancelFunc, serving bool) {
	for {
		<-ch
		if serving || lameduck.Load() {
			fmt.Fprintln(os.Stderr, "Exiting")
			cancel()
			return
		}
		fmt.Fprintln(os.Stderr, "Signal received, finishing the current batch...")
		lameduck.Store(true)
	}
}

func main() {
	flag.Parse()

	if *configPath != "" {
		os.Setenv("CONFIG_PATH", *configPath)
	}
	cfg, err := config.Load()
	if err != nil {
		log.Fatal(err)
	}

	logger, err := logging.New(cfg.App.LogLevel)
	if err != nil {
		log.Fatal(err)
	}
	defer logger.Sync()

	var m *metrics.Metrics
	if cfg.Metrics.Enabled {
		m = metrics.New()
	}

	var urls []string
	if *urlsPath != "" {
		if urls, err = readURLs(*urlsPath); err != nil {
			logger.Fatal("reading urls", zap.Error(err))
		}
	}

	sigch := make(chan os.Signal, 2)
	signal.Notify(sigch, os.Interrupt, syscall.SIGTERM)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go sighandler(sigch, cancel, *urlsPath == "")

	tio := tagger.InitOptions{
		Config:  cfg,
		Logger:  logger,
		Metrics: m,
		HttpClient: &http.Client{
			Timeout: 2 * time.Minute,
		},
	}
	t, err := tagger.Init(ctx, tio)
	if err != nil {
		logger.Fatal("init failed", zap.Error(err))
	}
	defer t.Close()

	if *urlsPath != "" {
		err = runBatch(ctx, t, urls)
	} else {
		err = serve(ctx, t, cfg, logger, m)
	}
	if err != nil {
		logger.Error("exiting", zap.Error(err))
		t.Close()
		os.Exit(1)
	}
}
