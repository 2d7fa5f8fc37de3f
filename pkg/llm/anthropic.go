package llm

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

const defaultAnthropicHost = "https://api.anthropic.com"

// AnthropicProvider implements Provider against the Anthropic Messages API.
type AnthropicProvider struct {
	apiKey      string
	model       string
	host        string
	maxTokens   int
	temperature float64
	webSearch   bool
	client      *http.Client
}

// AnthropicConfig configures an AnthropicProvider.
type AnthropicConfig struct {
	APIKey      string
	Model       string
	Host        string
	MaxTokens   int
	Temperature float64
	WebSearch   bool
	Timeout     time.Duration
}

// NewAnthropicProvider creates a provider from config.
func NewAnthropicProvider(cfg AnthropicConfig) (*AnthropicProvider, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("API key is required for Anthropic")
	}
	if cfg.Model == "" {
		return nil, fmt.Errorf("model is required for Anthropic")
	}
	if cfg.Host == "" {
		cfg.Host = defaultAnthropicHost
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = 4096
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 300 * time.Second
	}

	return &AnthropicProvider{
		apiKey:      cfg.APIKey,
		model:       cfg.Model,
		host:        cfg.Host,
		maxTokens:   cfg.MaxTokens,
		temperature: cfg.Temperature,
		webSearch:   cfg.WebSearch,
		client:      &http.Client{Timeout: cfg.Timeout},
	}, nil
}

type anthropicMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type anthropicTool struct {
	Type    string `json:"type"`
	Name    string `json:"name"`
	MaxUses int    `json:"max_uses,omitempty"`
}

type anthropicRequest struct {
	Model       string             `json:"model"`
	Messages    []anthropicMessage `json:"messages"`
	MaxTokens   int                `json:"max_tokens"`
	Temperature float64            `json:"temperature,omitempty"`
	Stream      bool               `json:"stream"`
	System      string             `json:"system,omitempty"`
	Tools       []anthropicTool    `json:"tools,omitempty"`
}

type anthropicContent struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

type anthropicUsage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

type anthropicError struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

type anthropicResponse struct {
	Content []anthropicContent `json:"content"`
	Usage   anthropicUsage     `json:"usage"`
	Error   *anthropicError    `json:"error,omitempty"`
}

type anthropicStreamEvent struct {
	Type  string `json:"type"`
	Delta *struct {
		Type string `json:"type"`
		Text string `json:"text,omitempty"`
	} `json:"delta,omitempty"`
	Message *anthropicResponse `json:"message,omitempty"`
	Usage   *anthropicUsage    `json:"usage,omitempty"`
	Error   *anthropicError    `json:"error,omitempty"`
}

// ModelName returns the configured model.
func (p *AnthropicProvider) ModelName() string { return p.model }

// Close is a no-op.
func (p *AnthropicProvider) Close() error { return nil }

// Generate performs a non-streaming request.
func (p *AnthropicProvider) Generate(ctx context.Context, system string, messages []Message) (string, Usage, error) {
	req := p.buildRequest(system, messages, false)

	body, err := json.Marshal(req)
	if err != nil {
		return "", Usage{}, fmt.Errorf("failed to marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.host+"/v1/messages", bytes.NewReader(body))
	if err != nil {
		return "", Usage{}, fmt.Errorf("failed to build request: %w", err)
	}
	p.setHeaders(httpReq)

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return "", Usage{}, fmt.Errorf("anthropic request failed: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", Usage{}, fmt.Errorf("failed to read response: %w", err)
	}

	var parsed anthropicResponse
	if err := json.Unmarshal(data, &parsed); err != nil {
		return "", Usage{}, fmt.Errorf("failed to decode response (status %d): %w", resp.StatusCode, err)
	}
	if parsed.Error != nil {
		return "", Usage{}, fmt.Errorf("anthropic API error: %s", parsed.Error.Message)
	}
	if resp.StatusCode != http.StatusOK {
		return "", Usage{}, fmt.Errorf("anthropic API returned status %d: %s", resp.StatusCode, strings.TrimSpace(string(data)))
	}

	var text strings.Builder
	for _, c := range parsed.Content {
		if c.Type == "text" {
			text.WriteString(c.Text)
		}
	}
	if text.Len() == 0 {
		return "", Usage{}, ErrEmptyResponse
	}

	usage := Usage{PromptTokens: parsed.Usage.InputTokens, CompletionTokens: parsed.Usage.OutputTokens}
	return text.String(), usage, nil
}

// GenerateStreaming performs a streaming request and forwards text deltas.
func (p *AnthropicProvider) GenerateStreaming(ctx context.Context, system string, messages []Message) (<-chan StreamChunk, error) {
	req := p.buildRequest(system, messages, true)

	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.host+"/v1/messages", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}
	p.setHeaders(httpReq)
	httpReq.Header.Set("Accept", "text/event-stream")

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("anthropic request failed: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		data, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		return nil, fmt.Errorf("anthropic API returned status %d: %s", resp.StatusCode, strings.TrimSpace(string(data)))
	}

	out := make(chan StreamChunk, 64)
	go func() {
		defer close(out)
		defer resp.Body.Close()

		var usage Usage
		scanner := bufio.NewScanner(resp.Body)
		scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

		for scanner.Scan() {
			line := scanner.Text()
			if !strings.HasPrefix(line, "data: ") {
				continue
			}
			payload := strings.TrimPrefix(line, "data: ")
			if payload == "[DONE]" {
				break
			}

			var ev anthropicStreamEvent
			if err := json.Unmarshal([]byte(payload), &ev); err != nil {
				continue
			}

			switch ev.Type {
			case "content_block_delta":
				if ev.Delta != nil && ev.Delta.Text != "" {
					out <- StreamChunk{Type: ChunkText, Text: ev.Delta.Text}
				}
			case "message_start":
				if ev.Message != nil {
					usage.PromptTokens = ev.Message.Usage.InputTokens
				}
			case "message_delta":
				if ev.Usage != nil {
					usage.CompletionTokens = ev.Usage.OutputTokens
				}
			case "error":
				if ev.Error != nil {
					out <- StreamChunk{Type: ChunkError, Err: fmt.Errorf("anthropic API error: %s", ev.Error.Message)}
					return
				}
			}
		}

		if err := scanner.Err(); err != nil {
			out <- StreamChunk{Type: ChunkError, Err: fmt.Errorf("stream read failed: %w", err)}
			return
		}
		out <- StreamChunk{Type: ChunkDone, Usage: usage}
	}()

	return out, nil
}

func (p *AnthropicProvider) buildRequest(system string, messages []Message, stream bool) anthropicRequest {
	msgs := make([]anthropicMessage, 0, len(messages))
	for _, m := range messages {
		role := m.Role
		if role != RoleUser && role != RoleAssistant {
			role = RoleUser
		}
		msgs = append(msgs, anthropicMessage{Role: role, Content: m.Content})
	}

	req := anthropicRequest{
		Model:       p.model,
		Messages:    msgs,
		MaxTokens:   p.maxTokens,
		Temperature: p.temperature,
		Stream:      stream,
		System:      system,
	}
	if p.webSearch {
		req.Tools = []anthropicTool{{Type: "web_search_20250305", Name: "web_search", MaxUses: 3}}
	}
	return req
}

func (p *AnthropicProvider) setHeaders(req *http.Request) {
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-api-key", p.apiKey)
	req.Header.Set("anthropic-version", "2023-06-01")
}
