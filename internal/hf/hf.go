// Package hf captions images with Hugging Face image-to-text models served
// by an inference endpoint. Each model family gets its own type because they
// take different generation parameters.
package hf

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"image"
	"io"
	"net/http"
	"strings"

	"github.com/chriskillpack/tagger/internal/imageio"
)

// DefaultBaseURL is the serverless inference API. A model without an explicit
// endpoint is served from DefaultBaseURL + model path.
const DefaultBaseURL = "https://api-inference.huggingface.co/models/"

// Endpoint locates a model on an inference server.
type Endpoint struct {
	// Model is the repository id, e.g. "nlpconnect/vit-gpt2-image-captioning".
	Model string
	// URL of the endpoint, empty means DefaultBaseURL + Model.
	URL string
	// Token is sent as a bearer token when set.
	Token string
}

func (e Endpoint) url() string {
	if e.URL != "" {
		return strings.TrimRight(e.URL, "/")
	}
	return DefaultBaseURL + e.Model
}

type jsonmap map[string]any

type client struct {
	ep     Endpoint
	client *http.Client
}

func newClient(ep Endpoint, httpClient *http.Client) *client {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &client{ep: ep, client: httpClient}
}

func (c *client) Name() string { return c.ep.Model }

// Load checks that the endpoint answers. A model that is still starting up
// reports 503 and counts as not loaded.
func (c *client) Load(ctx context.Context) error {
	req, err := c.newRequest(ctx, http.MethodGet, nil)
	if err != nil {
		return err
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode >= 500 {
		return fmt.Errorf("inference endpoint %s returned %s", c.ep.url(), resp.Status)
	}
	return nil
}

func (c *client) newRequest(ctx context.Context, method string, body io.Reader) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.ep.url(), body)
	if err != nil {
		return nil, err
	}
	if c.ep.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.ep.Token)
	}
	return req, nil
}

// caption sends img with the given generation parameters and returns the
// first generated text.
func (c *client) caption(ctx context.Context, img image.Image, params jsonmap) (string, error) {
	jpg, err := imageio.EncodeJPEG(img)
	if err != nil {
		return "", err
	}

	buf := &bytes.Buffer{}
	enc := json.NewEncoder(buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(jsonmap{
		"inputs":     base64.StdEncoding.EncodeToString(jpg),
		"parameters": params,
	}); err != nil {
		return "", err
	}

	req, err := c.newRequest(ctx, http.MethodPost, buf)
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", err
	}
	if resp.StatusCode != http.StatusOK {
		var e struct {
			Error string `json:"error"`
		}
		if json.Unmarshal(body, &e) == nil && e.Error != "" {
			return "", fmt.Errorf("inference endpoint returned %s: %s", resp.Status, e.Error)
		}
		return "", fmt.Errorf("inference endpoint returned %s", resp.Status)
	}
	return parseGenerated(body)
}

type generated struct {
	Text string `json:"generated_text"`
}

// parseGenerated accepts both the pipeline form, a list of results, and the
// single object some custom handlers return.
func parseGenerated(body []byte) (string, error) {
	var list []generated
	if err := json.Unmarshal(body, &list); err == nil {
		if len(list) == 0 {
			return "", fmt.Errorf("inference endpoint returned no captions")
		}
		return strings.TrimSpace(list[0].Text), nil
	}
	var one generated
	if err := json.Unmarshal(body, &one); err != nil {
		return "", fmt.Errorf("decoding inference response: %w", err)
	}
	return strings.TrimSpace(one.Text), nil
}

// VitGPT2 is a ViT encoder with a GPT-2 decoder, decoded with beam search.
type VitGPT2 struct {
	*client
	maxLength int
	numBeams  int
}

func NewVitGPT2(ep Endpoint, maxLength, numBeams int, httpClient *http.Client) *VitGPT2 {
	return &VitGPT2{client: newClient(ep, httpClient), maxLength: maxLength, numBeams: numBeams}
}

func (v *VitGPT2) Generate(ctx context.Context, img image.Image) (string, error) {
	return v.caption(ctx, img, jsonmap{
		"max_length": v.maxLength,
		"num_beams":  v.numBeams,
	})
}

// Blip is BLIP conditional generation. Only the number of new tokens is
// bounded.
type Blip struct {
	*client
	maxNewTokens int
}

func NewBlip(ep Endpoint, maxNewTokens int, httpClient *http.Client) *Blip {
	return &Blip{client: newClient(ep, httpClient), maxNewTokens: maxNewTokens}
}

func (b *Blip) Generate(ctx context.Context, img image.Image) (string, error) {
	return b.caption(ctx, img, jsonmap{"max_new_tokens": b.maxNewTokens})
}

// Git is the GIT causal language model captioner, decoded greedily.
type Git struct {
	*client
	maxLength int
}

func NewGit(ep Endpoint, maxLength int, httpClient *http.Client) *Git {
	return &Git{client: newClient(ep, httpClient), maxLength: maxLength}
}

func (g *Git) Generate(ctx context.Context, img image.Image) (string, error) {
	return g.caption(ctx, img, jsonmap{"max_length": g.maxLength})
}
