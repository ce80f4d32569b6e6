// Package captioner holds the caption model interface and the registry that
// lazily creates and caches caption backends by model key.
package captioner

import (
	"context"
	"errors"
	"fmt"
	"image"
	"maps"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/chriskillpack/tagger/internal/config"
	"github.com/chriskillpack/tagger/internal/imageio"
	"github.com/chriskillpack/tagger/internal/metrics"
	"go.uber.org/zap"
)

// ErrUnknownFamily is returned when a model names a family no factory was
// registered for.
var ErrUnknownFamily = errors.New("unknown caption model family")

// Captioner generates a short natural language caption for an image.
type Captioner interface {
	// Name returns the name of the backing model.
	Name() string

	// Load prepares the backend, e.g. probes the inference server. It is
	// called once before the first Generate.
	Load(ctx context.Context) error

	// Generate returns a caption for img. The provided ctx is used as the
	// parent context for any request to the model server.
	Generate(ctx context.Context, img image.Image) (string, error)
}

// Params are the generation parameters shared by all backends. Each backend
// uses the ones that apply to it.
type Params struct {
	MaxLength    int
	NumBeams     int
	MaxNewTokens int
}

// ParamsFromConfig extracts the generation parameters from the processing
// configuration.
func ParamsFromConfig(p config.ProcessingConfig) Params {
	return Params{
		MaxLength:    p.MaxLength,
		NumBeams:     p.NumBeams,
		MaxNewTokens: p.MaxNewTokens,
	}
}

// Factory constructs an unloaded backend for the model configured under key.
type Factory func(key string, m config.Model, p Params) (Captioner, error)

// handle wraps a backend with its loaded flag.
type handle struct {
	Captioner
	key     string
	r       *Registry
	loaded  atomic.Bool
	loading sync.Mutex
}

// Load loads the backend unless it already is. Concurrent first calls are
// serialized so the backend loads once.
func (h *handle) Load(ctx context.Context) error {
	if h.loaded.Load() {
		return nil
	}
	h.loading.Lock()
	defer h.loading.Unlock()
	if h.loaded.Load() {
		return nil
	}

	start := time.Now()
	h.r.logger.Info("loading caption model", zap.String("model", h.key), zap.String("name", h.Name()))
	err := h.Captioner.Load(ctx)
	h.r.metrics.ModelLoad(h.key, err)
	if err != nil {
		return fmt.Errorf("loading caption model %q: %w", h.key, err)
	}
	h.loaded.Store(true)
	h.r.logger.Info("caption model loaded", zap.String("model", h.key), zap.Duration("elapsed", time.Since(start)))
	return nil
}

func (h *handle) Generate(ctx context.Context, img image.Image) (string, error) {
	if err := h.Load(ctx); err != nil {
		return "", err
	}
	defer h.r.metrics.ObserveStage("caption", time.Now())
	return h.Captioner.Generate(ctx, img)
}

// Registry maps model keys to caption backends. Backends are created on first
// request and never evicted. It is safe for concurrent use.
type Registry struct {
	logger  *zap.Logger
	metrics *metrics.Metrics

	defaultKey string
	models     map[string]config.Model
	params     Params

	mu       sync.Mutex // protects families and handles
	families map[string]Factory
	handles  map[string]*handle
}

// Option configures a Registry.
type Option func(*Registry)

// WithLogger sets the logger used for load and fallback messages.
func WithLogger(l *zap.Logger) Option {
	return func(r *Registry) { r.logger = l }
}

// WithMetrics records model loads and caption timings to m.
func WithMetrics(m *metrics.Metrics) Option {
	return func(r *Registry) { r.metrics = m }
}

// WithFamily registers f for models of the named family.
func WithFamily(name string, f Factory) Option {
	return func(r *Registry) { r.families[name] = f }
}

// NewRegistry creates a registry over the configured models. cfg.Default
// must name one of cfg.Available.
func NewRegistry(cfg config.ModelConfig, p Params, opts ...Option) (*Registry, error) {
	if _, ok := cfg.Available[cfg.Default]; !ok {
		return nil, fmt.Errorf("default model %q is not configured", cfg.Default)
	}
	r := &Registry{
		logger:     zap.NewNop(),
		defaultKey: cfg.Default,
		models:     maps.Clone(cfg.Available),
		params:     p,
		families:   map[string]Factory{},
		handles:    map[string]*handle{},
	}
	for _, o := range opts {
		o(r)
	}
	return r, nil
}

// RegisterFamily registers, or replaces, the factory for a model family.
func (r *Registry) RegisterFamily(name string, f Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.families[name] = f
}

// DefaultKey returns the key of the default model.
func (r *Registry) DefaultKey() string { return r.defaultKey }

// Model returns the configuration of the model under key.
func (r *Registry) Model(key string) (config.Model, bool) {
	m, ok := r.models[key]
	return m, ok
}

// Keys returns the configured model keys in sorted order.
func (r *Registry) Keys() []string {
	return slices.Sorted(maps.Keys(r.models))
}

// Resolve maps an empty or unknown key to the default key.
func (r *Registry) Resolve(key string) string {
	if _, ok := r.models[key]; ok {
		return key
	}
	if key != "" {
		r.logger.Warn("unknown caption model requested, using default",
			zap.String("requested", key), zap.String("default", r.defaultKey))
	}
	return r.defaultKey
}

// Get returns the backend for key along with the key actually used. Unknown
// keys resolve to the default model. A model whose family has no factory
// falls back to the default model once, the default model's family being
// unknown is an error.
func (r *Registry) Get(key string) (Captioner, string, error) {
	key = r.Resolve(key)
	h, err := r.handle(key)
	if errors.Is(err, ErrUnknownFamily) && key != r.defaultKey {
		r.logger.Warn("caption model has an unknown family, using default",
			zap.String("model", key), zap.Error(err))
		key = r.defaultKey
		h, err = r.handle(key)
	}
	if err != nil {
		return nil, "", err
	}
	return h, key, nil
}

func (r *Registry) handle(key string) (*handle, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if h, ok := r.handles[key]; ok {
		return h, nil
	}
	m := r.models[key]
	f, ok := r.families[m.Family]
	if !ok {
		return nil, fmt.Errorf("%w %q for model %q", ErrUnknownFamily, m.Family, key)
	}
	c, err := f(key, m, r.params)
	if err != nil {
		return nil, fmt.Errorf("creating caption model %q: %w", key, err)
	}
	h := &handle{Captioner: c, key: key, r: r}
	r.handles[key] = h
	return h, nil
}

// Preload loads the default model.
func (r *Registry) Preload(ctx context.Context) error {
	c, _, err := r.Get(r.defaultKey)
	if err != nil {
		return err
	}
	return c.Load(ctx)
}

// Caption captions an already decoded image with the model under key and
// returns the caption and the key actually used.
func (r *Registry) Caption(ctx context.Context, img image.Image, key string) (string, string, error) {
	c, key, err := r.Get(key)
	if err != nil {
		return "", "", err
	}
	caption, err := c.Generate(ctx, img)
	if err != nil {
		return "", key, fmt.Errorf("caption model %q: %w", key, err)
	}
	return caption, key, nil
}

// GenerateCaption decodes data into an RGB image and captions it.
func (r *Registry) GenerateCaption(ctx context.Context, data []byte, key string) (string, string, error) {
	img, err := imageio.DecodeRGB(data)
	if err != nil {
		return "", "", err
	}
	return r.Caption(ctx, img, key)
}
