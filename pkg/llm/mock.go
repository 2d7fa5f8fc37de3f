package llm

import (
	"context"
	"sync"
)

// MockProvider is a scriptable in-process provider used by tests and dry
// runs. Responses are served in order; when the script is exhausted the
// last response repeats. An empty script echoes a fixed line.
type MockProvider struct {
	mu        sync.Mutex
	responses []string
	next      int
	calls     []MockCall
	failWith  error
}

// MockCall records one request for assertions.
type MockCall struct {
	System   string
	Messages []Message
}

// NewMockProvider creates an empty mock.
func NewMockProvider(responses ...string) *MockProvider {
	return &MockProvider{responses: responses}
}

// Enqueue appends responses to the script.
func (p *MockProvider) Enqueue(responses ...string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.responses = append(p.responses, responses...)
}

// FailWith makes every subsequent call return err.
func (p *MockProvider) FailWith(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.failWith = err
}

// Calls returns the recorded requests.
func (p *MockProvider) Calls() []MockCall {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]MockCall, len(p.calls))
	copy(out, p.calls)
	return out
}

// ModelName identifies the mock.
func (p *MockProvider) ModelName() string { return "mock" }

// Close is a no-op.
func (p *MockProvider) Close() error { return nil }

// Generate returns the next scripted response.
func (p *MockProvider) Generate(ctx context.Context, system string, messages []Message) (string, Usage, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.calls = append(p.calls, MockCall{System: system, Messages: messages})

	if p.failWith != nil {
		return "", Usage{}, p.failWith
	}

	text := p.take()
	usage := Usage{PromptTokens: len(system) / 4, CompletionTokens: len(text) / 4}
	return text, usage, nil
}

// GenerateStreaming streams the next scripted response in small chunks.
func (p *MockProvider) GenerateStreaming(ctx context.Context, system string, messages []Message) (<-chan StreamChunk, error) {
	p.mu.Lock()
	p.calls = append(p.calls, MockCall{System: system, Messages: messages})
	failWith := p.failWith
	text := p.take()
	p.mu.Unlock()

	out := make(chan StreamChunk, 16)
	go func() {
		defer close(out)

		if failWith != nil {
			out <- StreamChunk{Type: ChunkError, Err: failWith}
			return
		}

		const step = 64
		for i := 0; i < len(text); i += step {
			end := i + step
			if end > len(text) {
				end = len(text)
			}
			select {
			case <-ctx.Done():
				out <- StreamChunk{Type: ChunkError, Err: ctx.Err()}
				return
			case out <- StreamChunk{Type: ChunkText, Text: text[i:end]}:
			}
		}
		out <- StreamChunk{Type: ChunkDone, Usage: Usage{CompletionTokens: len(text) / 4}}
	}()

	return out, nil
}

func (p *MockProvider) take() string {
	if len(p.responses) == 0 {
		return "（測試回應）"
	}
	text := p.responses[p.next]
	if p.next < len(p.responses)-1 {
		p.next++
	}
	return text
}
