package tagger

import (
	"fmt"
	"net/http"

	"github.com/chriskillpack/tagger/captioner"
	"github.com/chriskillpack/tagger/internal/config"
	"github.com/chriskillpack/tagger/internal/hf"
	"github.com/chriskillpack/tagger/internal/llama"
	"github.com/chriskillpack/tagger/internal/ollama"
	"github.com/chriskillpack/tagger/internal/openai"
)

const (
	DefaultOllamaServer = "http://localhost:11434"
	DefaultLlamaSeed    = 385480504
)

// Model families available out of the box.
const (
	FamilyVitGPT2 = "vit-gpt2"
	FamilyBlip    = "blip-base"
	FamilyGit     = "git-base"
	FamilyLlama   = "llama"
	FamilyOllama  = "ollama"
	FamilyOpenAI  = "openai"
)

// builtinFamilies returns a factory per family. Every backend shares
// httpClient.
func builtinFamilies(httpClient *http.Client) map[string]captioner.Factory {
	endpoint := func(m config.Model) hf.Endpoint {
		return hf.Endpoint{Model: m.Path, URL: m.Endpoint, Token: m.APIKey}
	}

	return map[string]captioner.Factory{
		FamilyVitGPT2: func(key string, m config.Model, p captioner.Params) (captioner.Captioner, error) {
			return hf.NewVitGPT2(endpoint(m), p.MaxLength, p.NumBeams, httpClient), nil
		},
		FamilyBlip: func(key string, m config.Model, p captioner.Params) (captioner.Captioner, error) {
			return hf.NewBlip(endpoint(m), p.MaxNewTokens, httpClient), nil
		},
		FamilyGit: func(key string, m config.Model, p captioner.Params) (captioner.Captioner, error) {
			return hf.NewGit(endpoint(m), p.MaxLength, httpClient), nil
		},
		FamilyLlama: func(key string, m config.Model, p captioner.Params) (captioner.Captioner, error) {
			if m.Endpoint == "" {
				return nil, fmt.Errorf("model %q: llama needs an endpoint", key)
			}
			return llama.New(m.Endpoint, DefaultLlamaSeed, p.MaxNewTokens, httpClient), nil
		},
		FamilyOllama: func(key string, m config.Model, p captioner.Params) (captioner.Captioner, error) {
			srv := m.Endpoint
			if srv == "" {
				srv = DefaultOllamaServer
			}
			return ollama.Init(m.Path, srv, p.MaxNewTokens, httpClient), nil
		},
		FamilyOpenAI: func(key string, m config.Model, p captioner.Params) (captioner.Captioner, error) {
			return openai.NewCaptioner(m.Endpoint, m.APIKey, m.Path, p.MaxNewTokens, m.RPM, httpClient), nil
		},
	}
}
