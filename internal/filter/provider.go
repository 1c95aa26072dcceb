// Package filter decides whether the persona should join a conversation.
//
// It consults a local language model (Ollama by default, Anthropic as an
// alternative) with a structured prompt and parses the leading tag of the
// response into a closed verdict. Anything unparsable means "stay quiet".
package filter

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
)

// Generator is a text-generation backend the decision client can query.
type Generator interface {
	// Name returns the backend identifier (e.g. "ollama", "anthropic").
	Name() string

	// Generate runs a single-shot completion of prompt using model.
	Generate(ctx context.Context, model, prompt string) (string, error)
}

// ModelLister is implemented by generators that can enumerate their
// available models; used to validate model switches.
type ModelLister interface {
	Models(ctx context.Context) ([]string, error)
}

// --- Ollama ---

// OllamaClient talks to an Ollama server's generate API.
type OllamaClient struct {
	baseURL    string
	httpClient *http.Client
}

// NewOllama creates a client for the given Ollama base URL
// (e.g. http://localhost:11434).
func NewOllama(baseURL string) *OllamaClient {
	return &OllamaClient{
		baseURL: baseURL,
		httpClient: &http.Client{
			Timeout: 2 * time.Minute,
		},
	}
}

func (c *OllamaClient) Name() string { return "ollama" }

// generateRequest is the Ollama /api/generate request body.
type generateRequest struct {
	Model  string `json:"model"`
	Prompt string `json:"prompt"`
	Stream bool   `json:"stream"`
}

// generateResponse is the non-streaming /api/generate response.
type generateResponse struct {
	Response string `json:"response"`
	Done     bool   `json:"done"`
}

// Generate runs a non-streaming completion.
func (c *OllamaClient) Generate(ctx context.Context, model, prompt string) (string, error) {
	body, err := json.Marshal(generateRequest{Model: model, Prompt: prompt})
	if err != nil {
		return "", fmt.Errorf("marshal generate request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/generate", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("create generate request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("generate request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(resp.Body)
		return "", fmt.Errorf("ollama returned %d: %s", resp.StatusCode, string(respBody))
	}

	var gen generateResponse
	if err := json.NewDecoder(resp.Body).Decode(&gen); err != nil {
		return "", fmt.Errorf("decode generate response: %w", err)
	}
	return gen.Response, nil
}

// tagsResponse is the /api/tags response.
type tagsResponse struct {
	Models []struct {
		Name string `json:"name"`
	} `json:"models"`
}

// Models lists the models the Ollama server has pulled.
func (c *OllamaClient) Models(ctx context.Context) ([]string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/api/tags", nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("list models: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("ollama tags returned %d", resp.StatusCode)
	}

	var tags tagsResponse
	if err := json.NewDecoder(resp.Body).Decode(&tags); err != nil {
		return nil, fmt.Errorf("decode tags response: %w", err)
	}
	names := make([]string, 0, len(tags.Models))
	for _, m := range tags.Models {
		names = append(names, m.Name)
	}
	return names, nil
}

// --- Anthropic ---

// AnthropicGenerator runs filter decisions against the Anthropic API.
// Useful when no local Ollama is available.
type AnthropicGenerator struct {
	client *anthropic.Client
}

// NewAnthropic creates an Anthropic-backed generator with a static API key.
func NewAnthropic(apiKey string) *AnthropicGenerator {
	opts := []option.RequestOption{}
	if apiKey != "" {
		opts = append(opts, option.WithAPIKey(apiKey))
	}
	client := anthropic.NewClient(opts...)
	return &AnthropicGenerator{client: &client}
}

func (g *AnthropicGenerator) Name() string { return "anthropic" }

// Generate runs a single-turn completion.
func (g *AnthropicGenerator) Generate(ctx context.Context, model, prompt string) (string, error) {
	msg, err := g.client.Messages.New(ctx, anthropic.MessageNewParams{
		Model:     anthropic.Model(model),
		MaxTokens: 512,
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(prompt)),
		},
	})
	if err != nil {
		return "", fmt.Errorf("anthropic generate: %w", err)
	}
	for _, block := range msg.Content {
		if block.Type == "text" {
			return block.Text, nil
		}
	}
	return "", fmt.Errorf("anthropic response had no text content")
}
