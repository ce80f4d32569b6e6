package openai

import (
	"encoding/json"
	"fmt"
	"image"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/openai/openai-go/option"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeAPI struct {
	*httptest.Server

	mu     sync.Mutex
	bodies map[string]map[string]any
}

func newFakeAPI(t *testing.T) *fakeAPI {
	f := &fakeAPI{bodies: map[string]map[string]any{}}
	f.Server = httptest.NewServer(http.HandlerFunc(f.serve))
	t.Cleanup(f.Close)
	return f
}

func (f *fakeAPI) body(path string) map[string]any {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.bodies[path]
}

func (f *fakeAPI) serve(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if r.Method == http.MethodGet && strings.HasPrefix(r.URL.Path, "/models/") {
		id := strings.TrimPrefix(r.URL.Path, "/models/")
		if id != "gpt-4o-mini" {
			w.WriteHeader(http.StatusNotFound)
			fmt.Fprint(w, `{"error":{"message":"model not found","type":"invalid_request_error"}}`)
			return
		}
		fmt.Fprintf(w, `{"id":%q,"object":"model","created":0,"owned_by":"test"}`, id)
		return
	}

	var body map[string]any
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	f.mu.Lock()
	f.bodies[r.URL.Path] = body
	f.mu.Unlock()

	switch r.URL.Path {
	case "/embeddings":
		inputs := body["input"].([]any)
		var data []string
		// Return in reverse order to check the index is honoured.
		for i := len(inputs) - 1; i >= 0; i-- {
			data = append(data, fmt.Sprintf(`{"object":"embedding","index":%d,"embedding":[%d,0.5]}`, i, i))
		}
		fmt.Fprintf(w, `{"object":"list","model":%q,"data":[%s],"usage":{"prompt_tokens":0,"total_tokens":0}}`,
			body["model"], strings.Join(data, ","))
	case "/chat/completions":
		fmt.Fprint(w, `{"id":"c1","object":"chat.completion","created":0,"model":"gpt-4o-mini",
			"choices":[{"index":0,"finish_reason":"stop","message":{"role":"assistant","content":"\"A lighthouse at dusk.\""}}]}`)
	default:
		http.NotFound(w, r)
	}
}

func TestEncodeTexts(t *testing.T) {
	api := newFakeAPI(t)
	e := NewEncoder(api.URL, "", "openai/clip-vit-base-patch32", api.Client())
	assert.Equal(t, "openai/clip-vit-base-patch32", e.Name())

	embs, err := e.EncodeTexts(t.Context(), []string{"a", "b", "c"})
	require.NoError(t, err)
	assert.Equal(t, [][]float32{{0, 0.5}, {1, 0.5}, {2, 0.5}}, embs)

	body := api.body("/embeddings")
	assert.Equal(t, "text", body["modality"])
	assert.Equal(t, "openai/clip-vit-base-patch32", body["model"])
}

func TestEncodeImage(t *testing.T) {
	api := newFakeAPI(t)
	e := NewEncoder(api.URL+"/", "key", "clip", api.Client())

	emb, err := e.EncodeImage(t.Context(), image.NewNRGBA(image.Rect(0, 0, 4, 4)))
	require.NoError(t, err)
	assert.Equal(t, []float32{0, 0.5}, emb)

	body := api.body("/embeddings")
	assert.Equal(t, "image", body["modality"])
	inputs := body["input"].([]any)
	require.Len(t, inputs, 1)
	assert.True(t, strings.HasPrefix(inputs[0].(string), "data:image/jpeg;base64,"))
}

func TestCaptioner(t *testing.T) {
	api := newFakeAPI(t)
	c := NewCaptioner(api.URL, "sk-test", "", 60, 0, api.Client(), option.WithMaxRetries(0))
	assert.Equal(t, DefaultCaptionModel, c.Name())
	require.NoError(t, c.Load(t.Context()))

	caption, err := c.Generate(t.Context(), image.NewNRGBA(image.Rect(0, 0, 4, 4)))
	require.NoError(t, err)
	assert.Equal(t, "A lighthouse at dusk.", caption)

	body := api.body("/chat/completions")
	assert.Equal(t, 60.0, body["max_tokens"])
	msgs := body["messages"].([]any)
	require.Len(t, msgs, 1)
	parts := msgs[0].(map[string]any)["content"].([]any)
	require.Len(t, parts, 2)
	assert.Equal(t, "image_url", parts[1].(map[string]any)["type"])
}

func TestCaptionerUnknownModel(t *testing.T) {
	api := newFakeAPI(t)
	c := NewCaptioner(api.URL, "sk-test", "gpt-nope", 60, 0, api.Client(), option.WithMaxRetries(0))
	assert.Error(t, c.Load(t.Context()))
}
