// Package tagger suggests hashtags for images. It combines a zero-shot
// embedding classifier, which picks a style, a dominant color and generic
// hashtags, with a caption model whose caption is mined for more tags.
package tagger

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"image"
	"net/http"
	"slices"
	"strings"
	"time"

	"github.com/chriskillpack/tagger/batch"
	"github.com/chriskillpack/tagger/captioner"
	"github.com/chriskillpack/tagger/classifier"
	"github.com/chriskillpack/tagger/hashtag"
	"github.com/chriskillpack/tagger/internal/config"
	"github.com/chriskillpack/tagger/internal/imageio"
	"github.com/chriskillpack/tagger/internal/metrics"
	"github.com/chriskillpack/tagger/internal/openai"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

var (
	ErrInvalidMode = errors.New("mode must be one of clip, vision, both")
	ErrEmptyImage  = errors.New("empty or unreadable image")
	ErrFetch       = errors.New("could not fetch image")
)

// Mode selects which models look at an image.
type Mode string

const (
	ModeClip   Mode = "clip"
	ModeVision Mode = "vision"
	ModeBoth   Mode = "both"
)

// ParseMode parses a mode name. The empty string selects ModeBoth.
func ParseMode(s string) (Mode, error) {
	switch m := Mode(strings.ToLower(strings.TrimSpace(s))); m {
	case "":
		return ModeBoth, nil
	case ModeClip, ModeVision, ModeBoth:
		return m, nil
	}
	return "", fmt.Errorf("%w, got %q", ErrInvalidMode, s)
}

func (m Mode) classify() bool { return m == ModeClip || m == ModeBoth }
func (m Mode) caption() bool  { return m == ModeVision || m == ModeBoth }

// Options control one tagging request.
type Options struct {
	Mode Mode
	// NumTags is clamped to [1, max_num_tags], 0 selects default_num_tags.
	NumTags int
	// Model is a caption model key, empty or unknown keys use the default.
	Model string
	// Keywords restrict caption tags to the keywords found in the caption.
	Keywords []string
	// Source is recorded in the history, typically a file name or URL.
	Source string
}

// TagResult is the outcome of tagging one image.
type TagResult struct {
	Tags         []string `json:"tags"`
	Caption      string   `json:"caption,omitempty"`
	Style        string   `json:"style,omitempty"`
	Color        string   `json:"color,omitempty"`
	ClipHashtags []string `json:"clip_hashtags"`
	Model        string   `json:"model,omitempty"`
	Mode         Mode     `json:"mode"`

	record *Record
}

type InitOptions struct {
	Config  *config.Config   // if nil uses config.DefaultConfig()
	Logger  *zap.Logger      // if nil logs nothing
	Metrics *metrics.Metrics // optional

	HttpClient *http.Client // model backends, if nil uses http.DefaultClient

	// Encoder overrides the embedding encoder built from Config.Clip.
	Encoder classifier.Encoder
	// Fetcher overrides the HTTP image fetcher built from Config.Fetch.
	Fetcher batch.Fetcher
	// Families adds or replaces caption model families.
	Families map[string]captioner.Factory
}

type Tagger struct {
	Classifier *classifier.Classifier
	Registry   *captioner.Registry

	cfg     *config.Config
	logger  *zap.Logger
	metrics *metrics.Metrics
	pool    *batch.Pool
	fetcher batch.Fetcher
	orch    *batch.Orchestrator[*TagResult]
	db      *DB
}

// Init builds a Tagger from tio, loads the classifier vocabularies and the
// default caption model. Any failure is fatal and returned.
func Init(ctx context.Context, tio InitOptions) (*Tagger, error) {
	cfg := tio.Config
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	cfg.FillModels()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	logger := tio.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	httpClient := tio.HttpClient
	if httpClient == nil {
		httpClient = http.DefaultClient
	}

	enc := tio.Encoder
	if enc == nil {
		enc = openai.NewEncoder(cfg.Clip.Endpoint, cfg.Clip.APIKey, cfg.Clip.Model, httpClient)
	}

	opts := []captioner.Option{
		captioner.WithLogger(logger.Named("captioner")),
		captioner.WithMetrics(tio.Metrics),
	}
	for name, f := range builtinFamilies(httpClient) {
		opts = append(opts, captioner.WithFamily(name, f))
	}
	for name, f := range tio.Families {
		opts = append(opts, captioner.WithFamily(name, f))
	}
	reg, err := captioner.NewRegistry(cfg.Model, captioner.ParamsFromConfig(cfg.Processing), opts...)
	if err != nil {
		return nil, err
	}

	fetcher := tio.Fetcher
	if fetcher == nil {
		fetcher = batch.NewHTTPFetcher(nil, cfg.Fetch.Timeout, cfg.Fetch.MaxBytes)
	}

	t := &Tagger{
		Classifier: classifier.New(enc, classifier.WithLogger(logger.Named("classifier"))),
		Registry:   reg,
		cfg:        cfg,
		logger:     logger,
		metrics:    tio.Metrics,
		fetcher:    fetcher,
		orch: &batch.Orchestrator[*TagResult]{
			Fetcher: fetcher,
			Logger:  logger.Named("batch"),
			Metrics: tio.Metrics,
		},
	}

	if cfg.History.Path != "" {
		if t.db, err = NewDB(ctx, cfg.History.Path); err != nil {
			return nil, fmt.Errorf("opening history %s: %w", cfg.History.Path, err)
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return t.Classifier.Load(gctx) })
	g.Go(func() error { return reg.Preload(gctx) })
	if err := g.Wait(); err != nil {
		if t.db != nil {
			t.db.Close()
		}
		return nil, err
	}

	t.pool = batch.NewPool(cfg.Processing.Workers)
	logger.Info("tagger ready",
		zap.String("encoder", t.Classifier.EncoderName()),
		zap.String("caption_model", reg.DefaultKey()),
		zap.Int("workers", cfg.Processing.Workers),
		zap.Bool("history", t.db != nil))
	return t, nil
}

// Close stops the worker pool and closes the history.
func (t *Tagger) Close() {
	t.pool.Close()
	if t.db != nil {
		t.db.Close()
	}
}

// DB returns the history, nil when it is disabled.
func (t *Tagger) DB() *DB { return t.db }

func (t *Tagger) numTags(n int) int {
	if n == 0 {
		return t.cfg.Processing.DefaultNumTags
	}
	return min(max(n, 1), t.cfg.Processing.MaxNumTags)
}

func (t *Tagger) normalize(opts Options) (Options, error) {
	mode, err := ParseMode(string(opts.Mode))
	if err != nil {
		return opts, err
	}
	opts.Mode = mode
	opts.NumTags = t.numTags(opts.NumTags)
	return opts, nil
}

// TagImage tags the encoded image in data on the shared worker pool. Once
// a worker picks the image up it is tagged to completion even if ctx is
// cancelled.
func (t *Tagger) TagImage(ctx context.Context, data []byte, opts Options) (*TagResult, error) {
	opts, err := t.normalize(opts)
	if err != nil {
		return nil, err
	}
	if len(data) == 0 {
		return nil, ErrEmptyImage
	}

	var res *TagResult
	workCtx := context.WithoutCancel(ctx)
	err = t.pool.Do(ctx, func() error {
		var err error
		res, err = t.tag(workCtx, data, opts)
		return err
	})
	if err != nil {
		return nil, err
	}
	if res.record != nil {
		t.remember(workCtx, res.record)
	}
	return res, nil
}

// TagURL fetches one image and tags it. Fetch failures are returned.
func (t *Tagger) TagURL(ctx context.Context, url string, opts Options) (*TagResult, error) {
	opts, err := t.normalize(opts)
	if err != nil {
		return nil, err
	}
	start := time.Now()
	data, err := t.fetcher.Fetch(ctx, url)
	t.metrics.ObserveStage("fetch", start)
	if err != nil {
		return nil, fmt.Errorf("%w %s: %w", ErrFetch, url, err)
	}
	opts.Source = url
	return t.TagImage(ctx, data, opts)
}

// TagURLs tags a batch of URLs using threads workers. Failed items are
// reported in place. Errors are returned only for invalid input, in which
// case nothing is fetched.
func (t *Tagger) TagURLs(ctx context.Context, urls []string, threads int, opts Options) ([]batch.Item[*TagResult], error) {
	opts, err := t.normalize(opts)
	if err != nil {
		return nil, err
	}
	items, err := t.orch.Run(ctx, urls, threads, func(ctx context.Context, url string, data []byte) (*TagResult, error) {
		o := opts
		o.Source = url
		return t.tag(ctx, data, o)
	})
	if err != nil {
		return nil, err
	}

	var recs []*Record
	for _, it := range items {
		if it.Result != nil && it.Result.record != nil {
			recs = append(recs, it.Result.record)
		}
	}
	if t.db != nil && len(recs) > 0 {
		if _, err := t.db.InsertRecords(context.WithoutCancel(ctx), recs, 50); err != nil {
			t.logger.Warn("recording batch history failed", zap.Error(err))
		}
	}
	return items, nil
}

// tag runs the models selected by opts over data. opts must be normalized.
func (t *Tagger) tag(ctx context.Context, data []byte, opts Options) (*TagResult, error) {
	start := time.Now()
	img, err := imageio.DecodeRGB(data)
	t.metrics.ObserveStage("decode", start)
	if err != nil {
		return nil, err
	}

	res := &TagResult{Mode: opts.Mode, Tags: []string{}, ClipHashtags: []string{}}
	var pred *classifier.Prediction
	var captionTags []string

	g, gctx := errgroup.WithContext(ctx)
	if opts.Mode.classify() {
		g.Go(func() error {
			start := time.Now()
			p, err := t.Classifier.Predict(gctx, img, opts.NumTags)
			t.metrics.ObserveStage("classify", start)
			if err != nil {
				return fmt.Errorf("classifying image: %w", err)
			}
			pred = p
			return nil
		})
	}
	if opts.Mode.caption() {
		g.Go(func() error {
			caption, key, err := t.Registry.Caption(gctx, img, opts.Model)
			if err != nil {
				return err
			}
			res.Caption, res.Model = caption, key
			captionTags = hashtag.FromCaption(caption, opts.NumTags, opts.Keywords...)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	if pred != nil {
		res.Style, res.Color = pred.Style, pred.Color
		res.ClipHashtags = pred.Hashtags
	}
	res.Tags = mergeTags(captionTags, res.ClipHashtags)
	res.record = t.newRecord(data, opts, res, pred, img)
	return res, nil
}

// mergeTags returns the caption tags followed by the classifier hashtags
// not already present.
func mergeTags(captionTags, clipTags []string) []string {
	tags := make([]string, 0, len(captionTags)+len(clipTags))
	tags = append(tags, captionTags...)
	for _, tag := range clipTags {
		if !slices.Contains(tags, tag) {
			tags = append(tags, tag)
		}
	}
	return tags
}

func (t *Tagger) newRecord(data []byte, opts Options, res *TagResult, pred *classifier.Prediction, img image.Image) *Record {
	if t.db == nil {
		return nil
	}
	sum := sha256.Sum256(data)
	b := img.Bounds()
	rec := &Record{
		RequestId:    uuid.NewString(),
		Source:       opts.Source,
		SHA256:       hex.EncodeToString(sum[:]),
		Width:        b.Dx(),
		Height:       b.Dy(),
		Model:        res.Model,
		Mode:         string(res.Mode),
		Style:        res.Style,
		Color:        res.Color,
		Caption:      res.Caption,
		Tags:         res.Tags,
		ClipHashtags: res.ClipHashtags,
		ProcessedAt:  time.Now().UTC(),
	}
	if pred != nil {
		rec.Embedding = pred.Embedding
	}
	return rec
}

// remember stores rec in the history. Failures are logged and otherwise
// ignored.
func (t *Tagger) remember(ctx context.Context, rec *Record) {
	if err := t.db.InsertRecord(ctx, rec); err != nil {
		t.logger.Warn("recording history failed", zap.String("source", rec.Source), zap.Error(err))
	}
}

// Health describes the serving configuration.
type Health struct {
	Status          string   `json:"status"`
	ModelBackend    string   `json:"model_backend"`
	VisionModelName string   `json:"vision_model_name"`
	ClipModelName   string   `json:"clip_model_name"`
	Models          []string `json:"models"`
	History         bool     `json:"history"`
}

func (t *Tagger) Health() Health {
	key := t.Registry.DefaultKey()
	m, _ := t.Registry.Model(key)
	return Health{
		Status:          "ok",
		ModelBackend:    m.Family,
		VisionModelName: m.Path,
		ClipModelName:   t.Classifier.EncoderName(),
		Models:          t.Registry.Keys(),
		History:         t.db != nil,
	}
}

// IsInputError reports whether err was caused by the request rather than by
// the service.
func IsInputError(err error) bool {
	var se *batch.StatusError
	return errors.Is(err, ErrInvalidMode) ||
		errors.Is(err, ErrEmptyImage) ||
		errors.Is(err, imageio.ErrDecode) ||
		errors.Is(err, batch.ErrBadURL) ||
		errors.Is(err, batch.ErrNotImage) ||
		errors.Is(err, batch.ErrEmptyBody) ||
		errors.Is(err, batch.ErrTooLarge) ||
		errors.Is(err, batch.ErrNoURLs) ||
		errors.Is(err, batch.ErrTooManyURLs) ||
		errors.Is(err, batch.ErrThreads) ||
		errors.As(err, &se)
}
