// Package llama captions images with a multimodal model behind a llama.cpp
// server.
package llama

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"image"
	"maps"
	"net/http"
	"strings"

	"github.com/chriskillpack/tagger/internal/imageio"
)

const (
	imagePreamble = `A chat between a curious human and an artificial intelligence assistant. The assistant gives helpful, detailed, and polite answers to the human's questions.
USER:`
	imageSuffix = `
ASSISTANT:`

	captionPrompt = "describe this image in one short sentence"
)

type jsonmap map[string]any

// These were lifted from the web inspector for the server UI, with a low
// temperature so captions are stable.
var defaultparams = jsonmap{
	"n_probs":           0,
	"temperature":       0.2,
	"stop":              []string{"</s>", "USER:", "\n"},
	"repeat_last_n":     256,
	"repeat_penalty":    1.18,
	"top_k":             40,
	"top_p":             0.5,
	"typical_p":         1,
	"presence_penalty":  0,
	"frequency_penalty": 0,
	"slot_id":           -1,
	"cache_prompt":      true,
}

type Llama struct {
	srvAddr  string
	seed     int
	nPredict int

	client *http.Client
}

// New returns a captioner for the server at srvAddr. nPredict bounds the
// caption length in tokens.
func New(srvAddr string, seed, nPredict int, httpClient *http.Client) *Llama {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &Llama{
		srvAddr:  strings.TrimRight(srvAddr, "/"),
		seed:     seed,
		nPredict: nPredict,
		client:   httpClient,
	}
}

func (l *Llama) Name() string { return "llama" }

// Load checks the server health endpoint, which only reports OK once the
// model is in memory.
func (l *Llama) Load(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, l.srvAddr+"/health", nil)
	if err != nil {
		return err
	}
	resp, err := l.client.Do(req)
	if err != nil {
		return err
	}
	resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("llama server not ready: %s", resp.Status)
	}
	return nil
}

func (l *Llama) Generate(ctx context.Context, img image.Image) (string, error) {
	jpg, err := imageio.EncodeJPEG(img)
	if err != nil {
		return "", err
	}
	return l.sendRequest(ctx, imagePreamble+"[img-10]"+captionPrompt+imageSuffix, jsonmap{
		"image_data": []jsonmap{
			{
				"data": base64.StdEncoding.EncodeToString(jpg), "id": 10,
			},
		},
	})
}

func (l *Llama) sendRequest(ctx context.Context, prompt string, keys jsonmap) (string, error) {
	data := maps.Clone(defaultparams)
	maps.Copy(data, keys)
	data["prompt"] = prompt
	data["stream"] = false
	data["seed"] = l.seed
	data["n_predict"] = l.nPredict

	buf := new(bytes.Buffer)
	enc := json.NewEncoder(buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(&data); err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, l.srvAddr+"/completion", buf)
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := l.client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("llama server returned %s", resp.Status)
	}

	respbody := struct {
		Content string
	}{}
	if err := json.NewDecoder(resp.Body).Decode(&respbody); err != nil {
		return "", err
	}
	return strings.TrimSpace(respbody.Content), nil
}
