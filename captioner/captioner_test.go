package captioner

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/png"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/chriskillpack/tagger/internal/config"
	"github.com/chriskillpack/tagger/internal/imageio"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeCaptioner struct {
	name    string
	caption string
	loadErr error
	loads   atomic.Int32
	calls   atomic.Int32

	mu     sync.Mutex
	bounds image.Rectangle
}

func (f *fakeCaptioner) Name() string { return f.name }

func (f *fakeCaptioner) Load(ctx context.Context) error {
	f.loads.Add(1)
	return f.loadErr
}

func (f *fakeCaptioner) Generate(ctx context.Context, img image.Image) (string, error) {
	f.calls.Add(1)
	f.mu.Lock()
	f.bounds = img.Bounds()
	f.mu.Unlock()
	return f.caption, nil
}

type fakeFamily struct {
	mu      sync.Mutex
	created map[string]*fakeCaptioner
	loadErr error
}

func (ff *fakeFamily) factory(key string, m config.Model, p Params) (Captioner, error) {
	ff.mu.Lock()
	defer ff.mu.Unlock()
	if ff.created == nil {
		ff.created = map[string]*fakeCaptioner{}
	}
	c := &fakeCaptioner{name: m.Path, caption: "a caption from " + key, loadErr: ff.loadErr}
	ff.created[key] = c
	return c, nil
}

func testConfig() config.ModelConfig {
	return config.ModelConfig{
		Default: "vit-gpt2",
		Available: map[string]config.Model{
			"vit-gpt2": {Family: "vit-gpt2", Path: "nlpconnect/vit-gpt2-image-captioning"},
			"blip":     {Family: "blip-base", Path: "Salesforce/blip-image-captioning-base"},
			"mystery":  {Family: "no-such-family", Path: "x/y"},
		},
	}
}

func newTestRegistry(t *testing.T, ff *fakeFamily) *Registry {
	t.Helper()
	r, err := NewRegistry(testConfig(), Params{MaxLength: 32, NumBeams: 4},
		WithFamily("vit-gpt2", ff.factory),
		WithFamily("blip-base", ff.factory))
	require.NoError(t, err)
	return r
}

func TestGetResolvesUnknownToDefault(t *testing.T) {
	r := newTestRegistry(t, &fakeFamily{})

	for _, key := range []string{"", "unknown_model", "vit-gpt2"} {
		c, used, err := r.Get(key)
		require.NoError(t, err)
		assert.Equal(t, "vit-gpt2", used)
		assert.Equal(t, "nlpconnect/vit-gpt2-image-captioning", c.Name())
	}
}

func TestGetCachesInstances(t *testing.T) {
	ff := &fakeFamily{}
	r := newTestRegistry(t, ff)

	a, _, err := r.Get("blip")
	require.NoError(t, err)
	b, _, err := r.Get("blip")
	require.NoError(t, err)
	assert.Same(t, a, b)
	assert.Len(t, ff.created, 1)
	// Creating a backend does not load it.
	assert.EqualValues(t, 0, ff.created["blip"].loads.Load())
}

func TestGetUnknownFamilyFallsBack(t *testing.T) {
	r := newTestRegistry(t, &fakeFamily{})

	c, used, err := r.Get("mystery")
	require.NoError(t, err)
	assert.Equal(t, "vit-gpt2", used)
	assert.Equal(t, "nlpconnect/vit-gpt2-image-captioning", c.Name())
}

func TestGetUnknownDefaultFamily(t *testing.T) {
	r, err := NewRegistry(testConfig(), Params{})
	require.NoError(t, err)

	_, _, err = r.Get("mystery")
	assert.ErrorIs(t, err, ErrUnknownFamily)
	_, _, err = r.Get("")
	assert.ErrorIs(t, err, ErrUnknownFamily)
}

func TestNewRegistryRequiresDefault(t *testing.T) {
	cfg := testConfig()
	cfg.Default = "missing"
	_, err := NewRegistry(cfg, Params{})
	assert.Error(t, err)
}

func TestLoadOnce(t *testing.T) {
	ff := &fakeFamily{}
	r := newTestRegistry(t, ff)

	var wg sync.WaitGroup
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _, err := r.Caption(t.Context(), image.NewNRGBA(image.Rect(0, 0, 2, 2)), "blip")
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	c := ff.created["blip"]
	assert.EqualValues(t, 1, c.loads.Load())
	assert.EqualValues(t, 8, c.calls.Load())
}

func TestLoadErrorIsRetried(t *testing.T) {
	boom := errors.New("server down")
	ff := &fakeFamily{loadErr: boom}
	r := newTestRegistry(t, ff)

	err := r.Preload(t.Context())
	assert.ErrorIs(t, err, boom)

	_, _, err = r.Caption(t.Context(), image.NewNRGBA(image.Rect(0, 0, 1, 1)), "")
	assert.ErrorIs(t, err, boom)
	assert.EqualValues(t, 2, ff.created["vit-gpt2"].loads.Load())
	assert.EqualValues(t, 0, ff.created["vit-gpt2"].calls.Load())
}

func TestGenerateCaption(t *testing.T) {
	ff := &fakeFamily{}
	r := newTestRegistry(t, ff)

	_, _, err := r.GenerateCaption(t.Context(), []byte("garbage"), "blip")
	assert.ErrorIs(t, err, imageio.ErrDecode)

	buf := &bytes.Buffer{}
	require.NoError(t, png.Encode(buf, image.NewGray(image.Rect(0, 0, 3, 2))))
	caption, used, err := r.GenerateCaption(t.Context(), buf.Bytes(), "blip")
	require.NoError(t, err)
	assert.Equal(t, "blip", used)
	assert.Equal(t, "a caption from blip", caption)
	assert.Equal(t, image.Rect(0, 0, 3, 2), ff.created["blip"].bounds)
}

func TestKeys(t *testing.T) {
	r := newTestRegistry(t, &fakeFamily{})
	assert.Equal(t, []string{"blip", "mystery", "vit-gpt2"}, r.Keys())
	assert.Equal(t, "vit-gpt2", r.DefaultKey())
	m, ok := r.Model("blip")
	assert.True(t, ok)
	assert.Equal(t, "blip-base", m.Family)
}
