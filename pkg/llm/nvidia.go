package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

const (
	nvidiaAPIURL = "https://integrate.api.nvidia.com/v1/chat/completions"
)

// NVIDIAProvider implements the Provider interface for the external
// NVIDIA API (OpenAI-compatible chat completions).
type NVIDIAProvider struct {
	apiKey     string
	httpClient *http.Client
	models     []string
}

// NewNVIDIAProvider creates a new NVIDIA API provider.
func NewNVIDIAProvider(apiKey string) *NVIDIAProvider {
	return &NVIDIAProvider{
		apiKey: apiKey,
		httpClient: &http.Client{
			Timeout: 5 * time.Minute,
		},
		models: []string{
			"nvidia/llama-3.1-nemotron-nano-8b-v1",
			"meta/llama-3.1-8b-instruct",
			"meta/llama-3.1-70b-instruct",
		},
	}
}

// Name returns the provider name.
func (p *NVIDIAProvider) Name() string {
	return "nvidia"
}

// Models returns available model identifiers.
func (p *NVIDIAProvider) Models() []string {
	return p.models
}

// Complete generates a completion.
func (p *NVIDIAProvider) Complete(ctx context.Context, req *CompletionRequest) (*CompletionResponse, error) {
	openaiReq := p.toOpenAIRequest(req)

	body, err := json.Marshal(openaiReq)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, "POST", nvidiaAPIURL, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	p.setHeaders(httpReq)

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
		return nil, p.parseError(resp.StatusCode, respBody)
	}

	var openaiResp openaiResponse
	if err := json.Unmarshal(respBody, &openaiResp); err != nil {
		return nil, fmt.Errorf("unmarshal response: %w", err)
	}

	return p.fromOpenAIResponse(&openaiResp), nil
}

// Stream generates a streaming completion.
func (p *NVIDIAProvider) Stream(ctx context.Context, req *CompletionRequest) (<-chan StreamChunk, error) {
	openaiReq := p.toOpenAIRequest(req)
	openaiReq.Stream = true

	body, err := json.Marshal(openaiReq)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, "POST", nvidiaAPIURL, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	p.setHeaders(httpReq)

	resp, err := p.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("send request: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		return nil, p.parseError(resp.StatusCode, respBody)
	}

	ch := make(chan StreamChunk)
	go streamOpenAIResponse(ctx, resp.Body, ch)

	return ch, nil
}

// CountTokens estimates token count.
func (p *NVIDIAProvider) CountTokens(content string) (int, error) {
	return EstimateTokens(content), nil
}

// setHeaders sets the required HTTP headers.
func (p *NVIDIAProvider) setHeaders(req *http.Request) {
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Authorization", "Bearer "+p.apiKey)
}

// openaiRequest is the OpenAI-compatible request format the NVIDIA API
// and the self-hosted NIM endpoint both accept.
type openaiRequest struct {
	Model       string          `json:"model"`
	Messages    []openaiMessage `json:"messages"`
	MaxTokens   int             `json:"max_tokens,omitempty"`
	Temperature float64         `json:"temperature,omitempty"`
	TopP        float64         `json:"top_p,omitempty"`
	Stop        []string        `json:"stop,omitempty"`
	Tools       []openaiTool    `json:"tools,omitempty"`
	ToolChoice  any             `json:"tool_choice,omitempty"`
	Stream      bool            `json:"stream,omitempty"`
}

type openaiMessage struct {
	Role       string           `json:"role"`
	Content    string           `json:"content"`
	ToolCalls  []openaiToolCall `json:"tool_calls,omitempty"`
	ToolCallID string           `json:"tool_call_id,omitempty"`
}

type openaiTool struct {
	Type     string         `json:"type"`
	Function openaiFunction `json:"function"`
}

type openaiFunction struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters"`
}

type openaiToolCall struct {
	ID       string `json:"id"`
	Type     string `json:"type"`
	Function struct {
		Name      string `json:"name"`
		Arguments string `json:"arguments"`
	} `json:"function"`
}

type openaiResponse struct {
	ID      string `json:"id"`
	Model   string `json:"model"`
	Choices []struct {
		Message      openaiMessage `json:"message"`
		FinishReason string        `json:"finish_reason"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
		TotalTokens      int `json:"total_tokens"`
	} `json:"usage"`
}

type openaiErrorResponse struct {
	Error struct {
		Message string `json:"message"`
		Type    string `json:"type"`
		Code    string `json:"code"`
	} `json:"error"`
}

// toOpenAIRequest converts our request to the wire format.
func (p *NVIDIAProvider) toOpenAIRequest(req *CompletionRequest) *openaiRequest {
	messages := make([]openaiMessage, 0, len(req.Messages)+1)

	if req.System != "" {
		messages = append(messages, openaiMessage{Role: "system", Content: req.System})
	}

	for _, msg := range req.Messages {
		om := openaiMessage{
			Role:    msg.Role,
			Content: msg.Content,
		}
		for _, tc := range msg.ToolCalls {
			otc := openaiToolCall{ID: tc.ID, Type: "function"}
			otc.Function.Name = tc.Name
			otc.Function.Arguments = tc.Arguments
			om.ToolCalls = append(om.ToolCalls, otc)
		}
		if msg.Role == "tool" {
			om.ToolCallID = msg.ToolCallID
		}
		messages = append(messages, om)
	}

	maxTokens := req.MaxTokens
	if maxTokens == 0 {
		maxTokens = 4096
	}

	openaiReq := &openaiRequest{
		Model:       req.Model,
		Messages:    messages,
		MaxTokens:   maxTokens,
		Temperature: req.Temperature,
		TopP:        req.TopP,
		Stop:        req.StopSequences,
	}

	if len(req.Tools) > 0 {
		openaiReq.Tools = make([]openaiTool, len(req.Tools))
		for i, tool := range req.Tools {
			schema := tool.Parameters
			if schema == nil {
				schema = map[string]any{"type": "object", "properties": map[string]any{}}
			}
			openaiReq.Tools[i] = openaiTool{
				Type: "function",
				Function: openaiFunction{
					Name:        tool.Name,
					Description: tool.Description,
					Parameters:  schema,
				},
			}
		}
	}

	switch req.ToolChoice {
	case "":
	case "auto":
		openaiReq.ToolChoice = "auto"
	case "none":
		openaiReq.Tools = nil
	default:
		openaiReq.ToolChoice = map[string]any{
			"type":     "function",
			"function": map[string]any{"name": req.ToolChoice},
		}
	}

	return openaiReq
}

// fromOpenAIResponse converts the wire response to our format.
func (p *NVIDIAProvider) fromOpenAIResponse(resp *openaiResponse) *CompletionResponse {
	result := &CompletionResponse{
		ID:    resp.ID,
		Model: resp.Model,
		Usage: TokenUsage{
			PromptTokens:     resp.Usage.PromptTokens,
			CompletionTokens: resp.Usage.CompletionTokens,
			TotalTokens:      resp.Usage.TotalTokens,
		},
	}

	if len(resp.Choices) == 0 {
		result.FinishReason = "stop"
		return result
	}

	choice := resp.Choices[0]
	result.Content = StripReasoning(choice.Message.Content)
	result.FinishReason = mapOpenAIFinishReason(choice.FinishReason)

	for _, tc := range choice.Message.ToolCalls {
		result.ToolCalls = append(result.ToolCalls, ToolCall{
			ID:        tc.ID,
			Name:      tc.Function.Name,
			Arguments: tc.Function.Arguments,
		})
	}

	return result
}

// mapOpenAIFinishReason converts wire finish reasons to our format.
func mapOpenAIFinishReason(reason string) string {
	switch reason {
	case "stop", "":
		return "stop"
	case "length":
		return "max_tokens"
	case "tool_calls":
		return "tool_use"
	default:
		return reason
	}
}

// parseError parses an error response.
func (p *NVIDIAProvider) parseError(statusCode int, body []byte) error {
	var errResp openaiErrorResponse
	if err := json.Unmarshal(body, &errResp); err != nil || errResp.Error.Message == "" {
		return &ProviderError{
			Provider: "nvidia",
			Code:     fmt.Sprintf("http_%d", statusCode),
			Message:  string(body),
		}
	}

	code := errResp.Error.Type
	switch statusCode {
	case 429:
		code = "rate_limit"
	case 401:
		code = "authentication_error"
	case 502, 503, 504:
		code = fmt.Sprintf("http_%d", statusCode)
	}

	return &ProviderError{
		Provider: "nvidia",
		Code:     code,
		Message:  errResp.Error.Message,
	}
}

// streamOpenAIResponse reads an SSE body and emits scrubbed chunks.
// Shared by the NVIDIA and self-hosted backends, which speak the same
// wire format.
func streamOpenAIResponse(ctx context.Context, body io.ReadCloser, ch chan<- StreamChunk) {
	defer body.Close()
	defer close(ch)

	scrubber := &streamScrubber{}
	var usage *TokenUsage

	data, err := io.ReadAll(body)
	if err != nil {
		ch <- StreamChunk{Error: err}
		return
	}

	for _, line := range strings.Split(string(data), "\n") {
		select {
		case <-ctx.Done():
			ch <- StreamChunk{Error: ctx.Err()}
			return
		default:
		}

		line = strings.TrimRight(line, "\r")
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		payload := strings.TrimPrefix(line, "data: ")
		if strings.TrimSpace(payload) == "[DONE]" {
			break
		}

		var event struct {
			Choices []struct {
				Delta struct {
					Content   string           `json:"content"`
					ToolCalls []openaiToolCall `json:"tool_calls"`
				} `json:"delta"`
			} `json:"choices"`
			Usage *struct {
				PromptTokens     int `json:"prompt_tokens"`
				CompletionTokens int `json:"completion_tokens"`
				TotalTokens      int `json:"total_tokens"`
			} `json:"usage"`
		}
		if err := json.Unmarshal([]byte(payload), &event); err != nil {
			continue
		}

		if event.Usage != nil {
			usage = &TokenUsage{
				PromptTokens:     event.Usage.PromptTokens,
				CompletionTokens: event.Usage.CompletionTokens,
				TotalTokens:      event.Usage.TotalTokens,
			}
		}

		if len(event.Choices) == 0 {
			continue
		}
		delta := event.Choices[0].Delta

		if visible := scrubber.Feed(delta.Content); visible != "" {
			ch <- StreamChunk{Content: visible}
		}
		for _, tc := range delta.ToolCalls {
			call := ToolCall{ID: tc.ID, Name: tc.Function.Name, Arguments: tc.Function.Arguments}
			ch <- StreamChunk{ToolCall: &call}
		}
	}

	if remaining := scrubber.Flush(); remaining != "" {
		ch <- StreamChunk{Content: remaining}
	}
	ch <- StreamChunk{Done: true, Usage: usage}
}
