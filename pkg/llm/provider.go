// Package llm implements the gated model fallback for low-confidence
// classification and empty extraction. Calls only happen when every gate
// passes; outputs are contract-validated and re-grounded into redacted
// canonical text before they may influence a decision.
package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"

	"github.com/Mindburn-Labs/ieim/pkg/ieimerr"
)

// ProviderResponse is the raw model output plus any usage accounting the
// provider reports.
type ProviderResponse struct {
	Content string
	Usage   map[string]any
}

// Provider is a chat-style model endpoint expected to return JSON.
type Provider interface {
	ChatJSON(ctx context.Context, model, systemPrompt, userPrompt string, temperature float64, maxTokens int) (*ProviderResponse, error)
}

func providerErr(format string, args ...any) error {
	return ieimerr.New(ieimerr.CodeLLMProviderError, format, args...)
}

// OpenAIProvider talks to the OpenAI chat-completions API or any
// compatible endpoint (set OPENAI_API_BASE for local gateways).
type OpenAIProvider struct {
	APIBase string
	HTTP    *http.Client
}

const openAIDefaultBase = "https://api.openai.com/v1"

func NewOpenAIProvider() *OpenAIProvider {
	base := os.Getenv("OPENAI_API_BASE")
	if base == "" {
		base = openAIDefaultBase
	}
	return &OpenAIProvider{
		APIBase: strings.TrimRight(base, "/"),
		HTTP:    &http.Client{Timeout: 30 * time.Second},
	}
}

func (p *OpenAIProvider) ChatJSON(ctx context.Context, model, systemPrompt, userPrompt string, temperature float64, maxTokens int) (*ProviderResponse, error) {
	apiKey := os.Getenv("OPENAI_API_KEY")
	if apiKey == "" {
		if p.APIBase == openAIDefaultBase {
			return nil, providerErr("OPENAI_API_KEY is not set")
		}
		apiKey = "local"
	}

	payload := map[string]any{
		"model": model,
		"messages": []map[string]string{
			{"role": "system", "content": systemPrompt},
			{"role": "user", "content": userPrompt},
		},
		"temperature": temperature,
		"max_tokens":  maxTokens,
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, providerErr("encode openai request: %v", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.APIBase+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, providerErr("build openai request: %v", err)
	}
	req.Header.Set("Authorization", "Bearer "+apiKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.HTTP.Do(req)
	if err != nil {
		return nil, providerErr("openai request failed: %v", err)
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, providerErr("read openai response: %v", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, providerErr("openai status %d", resp.StatusCode)
	}

	var obj struct {
		Choices []struct {
			Message struct {
				Content string `json:"content"`
			} `json:"message"`
		} `json:"choices"`
		Usage map[string]any `json:"usage"`
	}
	if err := json.Unmarshal(raw, &obj); err != nil {
		return nil, providerErr("openai response is not JSON: %v", err)
	}
	if len(obj.Choices) == 0 || strings.TrimSpace(obj.Choices[0].Message.Content) == "" {
		return nil, providerErr("openai response missing message content")
	}
	return &ProviderResponse{Content: obj.Choices[0].Message.Content, Usage: obj.Usage}, nil
}

// OllamaProvider talks to a local ollama daemon.
type OllamaProvider struct {
	Host string
	HTTP *http.Client
}

func NewOllamaProvider() *OllamaProvider {
	host := os.Getenv("OLLAMA_HOST")
	if host == "" {
		host = "http://localhost:11434"
	}
	return &OllamaProvider{
		Host: strings.TrimRight(host, "/"),
		HTTP: &http.Client{Timeout: 60 * time.Second},
	}
}

func (p *OllamaProvider) ChatJSON(ctx context.Context, model, systemPrompt, userPrompt string, temperature float64, maxTokens int) (*ProviderResponse, error) {
	payload := map[string]any{
		"model": model,
		"messages": []map[string]string{
			{"role": "system", "content": systemPrompt},
			{"role": "user", "content": userPrompt},
		},
		"stream": false,
		"format": "json",
		"options": map[string]any{
			"temperature": temperature,
			"num_predict": maxTokens,
		},
	}
	obj, err := p.post(ctx, "/api/chat", payload)
	if err != nil {
		return nil, err
	}

	content := ""
	if msg, ok := obj["message"].(map[string]any); ok {
		content, _ = msg["content"].(string)
	}
	if strings.TrimSpace(content) == "" {
		content, _ = obj["response"].(string)
	}
	if strings.TrimSpace(content) == "" {
		// Some models only answer on the generate endpoint.
		obj, err = p.post(ctx, "/api/generate", map[string]any{
			"model":  model,
			"prompt": systemPrompt + "\n\n" + userPrompt,
			"stream": false,
			"format": "json",
			"options": map[string]any{
				"temperature": temperature,
				"num_predict": maxTokens,
			},
		})
		if err != nil {
			return nil, err
		}
		content, _ = obj["response"].(string)
	}
	if strings.TrimSpace(content) == "" {
		return nil, providerErr("ollama response missing content")
	}

	usage := map[string]any{}
	for _, k := range []string{"prompt_eval_count", "eval_count", "total_duration", "load_duration"} {
		if v, ok := obj[k]; ok {
			usage[k] = v
		}
	}
	if len(usage) == 0 {
		usage = nil
	}
	return &ProviderResponse{Content: content, Usage: usage}, nil
}

func (p *OllamaProvider) post(ctx context.Context, path string, payload map[string]any) (map[string]any, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, providerErr("encode ollama request: %v", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.Host+path, bytes.NewReader(body))
	if err != nil {
		return nil, providerErr("build ollama request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.HTTP.Do(req)
	if err != nil {
		return nil, providerErr("ollama request failed: %v", err)
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, providerErr("read ollama response: %v", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, providerErr("ollama status %d", resp.StatusCode)
	}
	var obj map[string]any
	if err := json.Unmarshal(raw, &obj); err != nil {
		return nil, providerErr("ollama response is not JSON: %v", err)
	}
	return obj, nil
}

// DisabledProvider rejects every call.
type DisabledProvider struct{}

func (DisabledProvider) ChatJSON(context.Context, string, string, string, float64, int) (*ProviderResponse, error) {
	return nil, providerErr("LLM provider is disabled")
}

// ResilientProvider wraps a provider with a circuit breaker and a rate
// limit so a flapping endpoint cannot stall the pipeline.
type ResilientProvider struct {
	inner   Provider
	breaker *gobreaker.CircuitBreaker
	limiter *rate.Limiter
}

func NewResilientProvider(inner Provider, callsPerSecond float64, burst int) *ResilientProvider {
	return &ResilientProvider{
		inner: inner,
		breaker: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:    "llm-provider",
			Timeout: 60 * time.Second,
			ReadyToTrip: func(c gobreaker.Counts) bool {
				return c.ConsecutiveFailures >= 3
			},
		}),
		limiter: rate.NewLimiter(rate.Limit(callsPerSecond), burst),
	}
}

func (p *ResilientProvider) ChatJSON(ctx context.Context, model, systemPrompt, userPrompt string, temperature float64, maxTokens int) (*ProviderResponse, error) {
	if err := p.limiter.Wait(ctx); err != nil {
		return nil, providerErr("rate limit wait: %v", err)
	}
	out, err := p.breaker.Execute(func() (any, error) {
		return p.inner.ChatJSON(ctx, model, systemPrompt, userPrompt, temperature, maxTokens)
	})
	if err != nil {
		if err == gobreaker.ErrOpenState || err == gobreaker.ErrTooManyRequests {
			return nil, providerErr("llm circuit open: %v", err)
		}
		return nil, err
	}
	resp, ok := out.(*ProviderResponse)
	if !ok {
		return nil, providerErr("unexpected provider result type %T", out)
	}
	return resp, nil
}

// ProviderFor builds the configured provider by name.
func ProviderFor(name string) (Provider, error) {
	switch name {
	case "openai":
		return NewOpenAIProvider(), nil
	case "ollama":
		return NewOllamaProvider(), nil
	case "disabled":
		return DisabledProvider{}, nil
	default:
		return nil, fmt.Errorf("unsupported LLM provider: %s", name)
	}
}
