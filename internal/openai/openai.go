// Package openai talks to OpenAI compatible APIs. Encoder embeds images and
// texts with a CLIP model served behind an embeddings endpoint that accepts a
// modality field, such as Infinity. Captioner captions images with a vision
// chat model.
package openai

import (
	"context"
	"encoding/base64"
	"fmt"
	"image"
	"net/http"
	"strings"
	"time"

	"github.com/chriskillpack/tagger/internal/imageio"

	oagc "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
)

const (
	// DefaultCaptionModel is used when a caption model has no path.
	DefaultCaptionModel = "gpt-4o-mini"

	captionPrompt = "Write a one sentence caption for this image. Reply with the caption only."
)

func clientOptions(baseURL, apiKey string, httpClient *http.Client, extra []option.RequestOption) []option.RequestOption {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	opts := []option.RequestOption{option.WithHTTPClient(httpClient)}
	if apiKey != "" {
		opts = append(opts, option.WithAPIKey(apiKey))
	} else {
		// Local servers ignore the key but the client insists on one.
		opts = append(opts, option.WithAPIKey("none"))
	}
	if baseURL != "" {
		opts = append(opts, option.WithBaseURL(strings.TrimRight(baseURL, "/")+"/"))
	}
	return append(opts, extra...)
}

func dataURI(img image.Image) (string, error) {
	jpg, err := imageio.EncodeJPEG(img)
	if err != nil {
		return "", err
	}
	return "data:image/jpeg;base64," + base64.StdEncoding.EncodeToString(jpg), nil
}

// Encoder embeds with a CLIP model. It implements classifier.Encoder.
type Encoder struct {
	oac   oagc.Client
	model string
}

func NewEncoder(baseURL, apiKey, model string, httpClient *http.Client, opts ...option.RequestOption) *Encoder {
	return &Encoder{
		oac:   oagc.NewClient(clientOptions(baseURL, apiKey, httpClient, opts)...),
		model: model,
	}
}

func (e *Encoder) Name() string { return e.model }

func (e *Encoder) EncodeTexts(ctx context.Context, texts []string) ([][]float32, error) {
	return e.embed(ctx, "text", texts)
}

func (e *Encoder) EncodeImage(ctx context.Context, img image.Image) ([]float32, error) {
	uri, err := dataURI(img)
	if err != nil {
		return nil, err
	}
	embs, err := e.embed(ctx, "image", []string{uri})
	if err != nil {
		return nil, err
	}
	return embs[0], nil
}

func (e *Encoder) embed(ctx context.Context, modality string, inputs []string) ([][]float32, error) {
	enp := oagc.EmbeddingNewParams{
		Input:          oagc.EmbeddingNewParamsInputUnion{OfArrayOfStrings: inputs},
		Model:          oagc.EmbeddingModel(e.model),
		EncodingFormat: oagc.EmbeddingNewParamsEncodingFormatFloat,
	}
	resp, err := e.oac.Embeddings.New(ctx, enp, option.WithJSONSet("modality", modality))
	if err != nil {
		return nil, err
	}

	embs := make([][]float32, len(inputs))
	for _, d := range resp.Data {
		if d.Index < 0 || d.Index >= int64(len(inputs)) {
			return nil, fmt.Errorf("unexpected embedding index %d for %d inputs", d.Index, len(inputs))
		}
		// Convert the float64 embedding vector to float32
		v := make([]float32, len(d.Embedding))
		for i, x := range d.Embedding {
			v[i] = float32(x)
		}
		embs[d.Index] = v
	}
	for i, v := range embs {
		if v == nil {
			return nil, fmt.Errorf("missing embedding for input %d", i)
		}
	}
	return embs, nil
}

// Captioner captions images with a vision chat model. Requests are rate
// limited when rpm is positive.
type Captioner struct {
	oac       oagc.Client
	model     string
	maxTokens int
	rl        *rateLimiter
}

func NewCaptioner(baseURL, apiKey, model string, maxTokens, rpm int, httpClient *http.Client, opts ...option.RequestOption) *Captioner {
	if model == "" {
		model = DefaultCaptionModel
	}
	return &Captioner{
		oac:       oagc.NewClient(clientOptions(baseURL, apiKey, httpClient, opts)...),
		model:     model,
		maxTokens: maxTokens,
		rl:        newRateLimiter(rpm, time.Minute),
	}
}

func (c *Captioner) Name() string { return c.model }

// Load checks that the model exists and the credentials work.
func (c *Captioner) Load(ctx context.Context) error {
	_, err := c.oac.Models.Get(ctx, c.model)
	return err
}

func (c *Captioner) Generate(ctx context.Context, img image.Image) (string, error) {
	uri, err := dataURI(img)
	if err != nil {
		return "", err
	}
	if err := c.rl.Acquire(ctx); err != nil {
		return "", err
	}

	params := oagc.ChatCompletionNewParams{
		Model: c.model,
		Messages: []oagc.ChatCompletionMessageParamUnion{{
			OfUser: &oagc.ChatCompletionUserMessageParam{
				Content: oagc.ChatCompletionUserMessageParamContentUnion{
					OfArrayOfContentParts: []oagc.ChatCompletionContentPartUnionParam{
						oagc.TextContentPart(captionPrompt),
						oagc.ImageContentPart(oagc.ChatCompletionContentPartImageImageURLParam{
							URL:    uri,
							Detail: "low",
						}),
					},
				},
			},
		}},
	}
	if c.maxTokens > 0 {
		params.MaxTokens = oagc.Int(int64(c.maxTokens))
	}

	resp, err := c.oac.Chat.Completions.New(ctx, params)
	if err != nil {
		return "", err
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("no choices in response")
	}
	return strings.Trim(strings.TrimSpace(resp.Choices[0].Message.Content), `"`), nil
}
