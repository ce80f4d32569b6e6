// Package ollama captions images with a vision model served by Ollama.
package ollama

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

// DefaultModel is used when no model is named.
const DefaultModel = "llava"

const captionPrompt = "Describe this image in one short sentence."

type Ollama struct {
	model      string
	srvAddr    string
	numPredict int

	client *http.Client
}

func Init(model, srvAddr string, numPredict int, httpClient *http.Client) *Ollama {
	if model == "" {
		model = DefaultModel
	}
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &Ollama{
		model:      model,
		srvAddr:    strings.TrimRight(srvAddr, "/"),
		numPredict: numPredict,
		client:     httpClient,
	}
}

func (o *Ollama) Name() string { return o.model }

// Load asks the server to describe the model, which fails when it has not
// been pulled.
func (o *Ollama) Load(ctx context.Context) error {
	var show struct {
		Details struct {
			Family string `json:"family"`
		} `json:"details"`
	}
	return o.post(ctx, "/api/show", map[string]any{"model": o.model}, &show)
}

func (o *Ollama) Generate(ctx context.Context, img image.Image) (string, error) {
	jpg, err := imageio.EncodeJPEG(img)
	if err != nil {
		return "", err
	}

	var resp struct {
		Response string `json:"response"`
	}
	err = o.post(ctx, "/api/generate", map[string]any{
		"model":  o.model,
		"prompt": captionPrompt,
		"images": []string{base64.StdEncoding.EncodeToString(jpg)},
		"stream": false,
		"options": map[string]any{
			"num_predict": o.numPredict,
			"temperature": 0.2,
		},
	}, &resp)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(resp.Response), nil
}

func (o *Ollama) post(ctx context.Context, path string, body, out any) error {
	buf := new(bytes.Buffer)
	if err := json.NewEncoder(buf).Encode(body); err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, o.srvAddr+path, buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := o.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		var e struct {
			Error string `json:"error"`
		}
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		if json.Unmarshal(msg, &e) == nil && e.Error != "" {
			return fmt.Errorf("ollama %s: %s", path, e.Error)
		}
		return fmt.Errorf("ollama %s returned %s", path, resp.Status)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
