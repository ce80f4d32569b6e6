// Package classifier does zero-shot image classification. An image embedding
// is compared against embeddings of descriptive prompts for art style, color
// palette and generic hashtags, all produced by the same vision-language
// encoder.
package classifier

import (
	"context"
	"fmt"
	"image"
	"sync/atomic"
	"time"

	"github.com/chriskillpack/tagger/internal/imageio"
	"go.uber.org/zap"
)

// DefaultTemperature scales cosine similarities before the softmax. CLIP was
// trained with this logit scale and the prompts were tuned against it.
const DefaultTemperature = 100.0

// Encoder embeds images and texts into a shared vector space.
type Encoder interface {
	// Name returns the name of the encoder model.
	Name() string

	// EncodeImage returns the embedding of an RGB image.
	EncodeImage(ctx context.Context, img image.Image) ([]float32, error)

	// EncodeTexts returns one embedding per text, in order.
	EncodeTexts(ctx context.Context, texts []string) ([][]float32, error)
}

// Prediction is the result of classifying one image.
type Prediction struct {
	Style      string
	StyleScore float64
	Color      string
	ColorScore float64
	Hashtags   []string

	// Embedding is the unit-norm image embedding the scores were computed
	// from.
	Embedding []float32
}

type matrices struct {
	style, color, hashtag *Matrix
}

// Classifier matches images against the style, color and hashtag
// vocabularies. It is safe for concurrent use once created.
type Classifier struct {
	enc         Encoder
	logger      *zap.Logger
	temperature float64

	styles, colors, hashtags Vocabulary

	m atomic.Pointer[matrices]
}

// Option configures a Classifier.
type Option func(*Classifier)

// WithLogger sets the logger, the default discards everything.
func WithLogger(l *zap.Logger) Option {
	return func(c *Classifier) { c.logger = l }
}

// WithTemperature overrides DefaultTemperature.
func WithTemperature(t float64) Option {
	return func(c *Classifier) { c.temperature = t }
}

// WithVocabularies replaces the built-in vocabularies.
func WithVocabularies(styles, colors, hashtags Vocabulary) Option {
	return func(c *Classifier) {
		c.styles, c.colors, c.hashtags = styles, colors, hashtags
	}
}

// New creates a Classifier backed by enc. No encoder calls are made until
// Load or Predict.
func New(enc Encoder, opts ...Option) *Classifier {
	c := &Classifier{
		enc:         enc,
		logger:      zap.NewNop(),
		temperature: DefaultTemperature,
		styles:      StyleVocabulary(),
		colors:      ColorVocabulary(),
		hashtags:    HashtagVocabulary(),
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// EncoderName returns the name of the underlying encoder.
func (c *Classifier) EncoderName() string { return c.enc.Name() }

// Loaded reports whether the prompt embeddings have been computed.
func (c *Classifier) Loaded() bool { return c.m.Load() != nil }

// Load embeds the prompts of every vocabulary. It does nothing when already
// loaded. Two concurrent first calls may both embed the prompts, the later
// result replaces the earlier one which is harmless as they are equal.
func (c *Classifier) Load(ctx context.Context) error {
	if c.Loaded() {
		return nil
	}

	start := time.Now()
	c.logger.Info("loading prompt embeddings", zap.String("encoder", c.enc.Name()))

	var m matrices
	for _, cat := range []struct {
		name  string
		vocab Vocabulary
		dst   **Matrix
	}{
		{"style", c.styles, &m.style},
		{"color", c.colors, &m.color},
		{"hashtag", c.hashtags, &m.hashtag},
	} {
		if err := cat.vocab.Validate(); err != nil {
			return fmt.Errorf("%s vocabulary: %w", cat.name, err)
		}
		embs, err := c.enc.EncodeTexts(ctx, cat.vocab.Prompts())
		if err != nil {
			return fmt.Errorf("embedding %s prompts: %w", cat.name, err)
		}
		if len(embs) != len(cat.vocab) {
			return fmt.Errorf("embedding %s prompts: got %d embeddings for %d prompts", cat.name, len(embs), len(cat.vocab))
		}
		mat, err := NewMatrix(embs)
		if err != nil {
			return fmt.Errorf("%s prompts: %w", cat.name, err)
		}
		*cat.dst = mat
	}
	if m.style.Dim() != m.color.Dim() || m.style.Dim() != m.hashtag.Dim() {
		return fmt.Errorf("prompt embeddings have mismatched dimensions")
	}

	c.m.Store(&m)
	c.logger.Info("prompt embeddings loaded",
		zap.Int("dim", m.style.Dim()),
		zap.Duration("elapsed", time.Since(start)))
	return nil
}

// Predict classifies img and returns its style, color and the numTags best
// matching hashtags.
func (c *Classifier) Predict(ctx context.Context, img image.Image, numTags int) (*Prediction, error) {
	if err := c.Load(ctx); err != nil {
		return nil, err
	}
	m := c.m.Load()

	emb, err := c.enc.EncodeImage(ctx, img)
	if err != nil {
		return nil, fmt.Errorf("embedding image: %w", err)
	}
	emb = Normalize(append([]float32(nil), emb...))

	p := &Prediction{Embedding: emb}

	probs, err := c.probs(m.style, emb)
	if err != nil {
		return nil, err
	}
	i := Argmax(probs)
	p.Style, p.StyleScore = c.styles[i].Label, probs[i]

	if probs, err = c.probs(m.color, emb); err != nil {
		return nil, err
	}
	i = Argmax(probs)
	p.Color, p.ColorScore = c.colors[i].Label, probs[i]

	if probs, err = c.probs(m.hashtag, emb); err != nil {
		return nil, err
	}
	p.Hashtags = []string{}
	for _, i := range TopK(probs, numTags) {
		p.Hashtags = append(p.Hashtags, "#"+c.hashtags[i].Label)
	}
	return p, nil
}

// PredictBytes decodes data into an RGB image and classifies it.
func (c *Classifier) PredictBytes(ctx context.Context, data []byte, numTags int) (*Prediction, error) {
	img, err := imageio.DecodeRGB(data)
	if err != nil {
		return nil, err
	}
	return c.Predict(ctx, img, numTags)
}

func (c *Classifier) probs(m *Matrix, emb []float32) ([]float64, error) {
	logits, err := m.Scores(emb, c.temperature)
	if err != nil {
		return nil, err
	}
	return Softmax(logits), nil
}
