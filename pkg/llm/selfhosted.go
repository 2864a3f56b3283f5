package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

const (
	selfHostedDefaultURL = "http://localhost:8000"
)

// SelfHostedProvider implements the Provider interface for a self-hosted
// NIM/vLLM endpoint. The endpoint speaks the OpenAI-compatible chat
// completions protocol and exposes prefix-cache counters on /v1/metrics.
type SelfHostedProvider struct {
	baseURL    string
	httpClient *http.Client
	metrics    *CacheMetricsTracker
	models     []string
}

// NewSelfHostedProvider creates a provider for a local NIM/vLLM endpoint.
func NewSelfHostedProvider(baseURL string) *SelfHostedProvider {
	if baseURL == "" {
		baseURL = selfHostedDefaultURL
	}
	return &SelfHostedProvider{
		baseURL: baseURL,
		httpClient: &http.Client{
			Timeout: 10 * time.Minute,
		},
		metrics: NewCacheMetricsTracker(baseURL + "/v1/metrics"),
		models:  []string{}, // Populated by list call
	}
}

// Name returns the provider name.
func (p *SelfHostedProvider) Name() string {
	return "self-hosted"
}

// Models returns available model identifiers.
func (p *SelfHostedProvider) Models() []string {
	if len(p.models) == 0 {
		p.refreshModels()
	}
	return p.models
}

// Metrics returns the prefix-cache metrics tracker for this endpoint.
func (p *SelfHostedProvider) Metrics() *CacheMetricsTracker {
	return p.metrics
}

// refreshModels fetches available models from the endpoint.
func (p *SelfHostedProvider) refreshModels() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, "GET", p.baseURL+"/v1/models", nil)
	if err != nil {
		return
	}

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return
	}

	var result struct {
		Data []struct {
			ID string `json:"id"`
		} `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return
	}

	p.models = make([]string, len(result.Data))
	for i, m := range result.Data {
		p.models[i] = m.ID
	}
}

// Complete generates a completion. The response content has reasoning
// spans removed and carries the endpoint's incremental cache hit rate
// when the metrics endpoint is reachable.
func (p *SelfHostedProvider) Complete(ctx context.Context, req *CompletionRequest) (*CompletionResponse, error) {
	p.metrics.ResetBaseline()

	provider := &NVIDIAProvider{httpClient: p.httpClient}
	openaiReq := provider.toOpenAIRequest(req)

	body, err := json.Marshal(openaiReq)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, "POST", p.baseURL+"/v1/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/json")

	resp, err := p.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("send request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return nil, &ProviderError{
			Provider: "self-hosted",
			Code:     fmt.Sprintf("http_%d", resp.StatusCode),
			Message:  string(respBody),
		}
	}

	var openaiResp openaiResponse
	if err := json.Unmarshal(respBody, &openaiResp); err != nil {
		return nil, fmt.Errorf("unmarshal response: %w", err)
	}

	result := provider.fromOpenAIResponse(&openaiResp)

	if rate, ok := p.metrics.IncrementalHitRate(); ok {
		result.CacheHitRate = &rate
	}

	return result, nil
}

// Stream generates a streaming completion with reasoning spans scrubbed
// from the token stream as it arrives.
func (p *SelfHostedProvider) Stream(ctx context.Context, req *CompletionRequest) (<-chan StreamChunk, error) {
	provider := &NVIDIAProvider{httpClient: p.httpClient}
	openaiReq := provider.toOpenAIRequest(req)
	openaiReq.Stream = true

	body, err := json.Marshal(openaiReq)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, "POST", p.baseURL+"/v1/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/json")

	resp, err := p.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("send request: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		return nil, &ProviderError{
			Provider: "self-hosted",
			Code:     fmt.Sprintf("http_%d", resp.StatusCode),
			Message:  string(respBody),
		}
	}

	ch := make(chan StreamChunk)
	go streamOpenAIResponse(ctx, resp.Body, ch)

	return ch, nil
}

// CountTokens estimates token count.
func (p *SelfHostedProvider) CountTokens(content string) (int, error) {
	return EstimateTokens(content), nil
}
