// Package llm defines the provider contract the engine consumes. Provider
// selection, key handling, and retry details stay behind this interface;
// the core only sees chat messages in and text (or a chunk stream) out.
package llm

import (
	"context"
	"errors"
	"strings"
)

// ErrorMarker prefixes the sentinel error string a provider adapter returns
// in place of GM content. The turn pipeline recognizes it and unwinds the
// user message for autonomous callers.
const ErrorMarker = "【系統錯誤】"

// ErrEmptyResponse is returned when a provider produced no text at all.
var ErrEmptyResponse = errors.New("provider returned an empty response")

// Message is one chat turn sent to a provider.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Roles understood by providers.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Usage reports token consumption for a single call.
type Usage struct {
	PromptTokens     int
	CompletionTokens int
}

// Total returns prompt + completion tokens.
func (u Usage) Total() int { return u.PromptTokens + u.CompletionTokens }

// StreamChunk is one event on a streaming response channel.
type StreamChunk struct {
	Type  string // "text", "done", "error"
	Text  string
	Usage Usage
	Err   error
}

// Stream chunk types.
const (
	ChunkText  = "text"
	ChunkDone  = "done"
	ChunkError = "error"
)

// Provider is the chat contract. Implementations must be safe for
// concurrent use.
type Provider interface {
	// Generate performs a one-shot chat request.
	Generate(ctx context.Context, system string, messages []Message) (string, Usage, error)

	// GenerateStreaming returns a channel of chunks. The channel is closed
	// after a terminal "done" or "error" chunk.
	GenerateStreaming(ctx context.Context, system string, messages []Message) (<-chan StreamChunk, error)

	// ModelName identifies the configured model.
	ModelName() string

	Close() error
}

// IsErrorContent reports whether GM content is a provider error sentinel.
func IsErrorContent(content string) bool {
	return strings.HasPrefix(strings.TrimSpace(content), ErrorMarker)
}

// ErrorContent wraps err as a sentinel GM content string.
func ErrorContent(err error) string {
	return ErrorMarker + " " + err.Error()
}
