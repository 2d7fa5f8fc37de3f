package llm

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestErrorContentRoundTrip(t *testing.T) {
	content := ErrorContent(errors.New("connection refused"))
	assert.True(t, IsErrorContent(content))
	assert.True(t, IsErrorContent("  "+content))
	assert.False(t, IsErrorContent("正常的敘事內容"))
	assert.False(t, IsErrorContent(""))
}

func TestMockProviderScript(t *testing.T) {
	p := NewMockProvider("第一回應", "第二回應")

	reply, u, err := p.Generate(context.Background(), "system", []Message{{Role: RoleUser, Content: "你好"}})
	require.NoError(t, err)
	assert.Equal(t, "第一回應", reply)
	assert.Greater(t, u.Total(), 0)

	reply, _, _ = p.Generate(context.Background(), "system", nil)
	assert.Equal(t, "第二回應", reply)

	// Exhausted scripts repeat the last response.
	reply, _, _ = p.Generate(context.Background(), "system", nil)
	assert.Equal(t, "第二回應", reply)

	assert.Len(t, p.Calls(), 3)
	assert.Equal(t, "你好", p.Calls()[0].Messages[0].Content)
}

func TestMockProviderEmptyScriptEchoes(t *testing.T) {
	p := NewMockProvider()
	reply, _, err := p.Generate(context.Background(), "", nil)
	require.NoError(t, err)
	assert.NotEmpty(t, reply)
}

func TestMockProviderFailWith(t *testing.T) {
	p := NewMockProvider("不該看到")
	p.FailWith(errors.New("boom"))

	_, _, err := p.Generate(context.Background(), "", nil)
	require.Error(t, err)
}

func TestMockProviderStreaming(t *testing.T) {
	p := NewMockProvider("這是一段會被切成多個小塊送出的比較長的回應內容，用來驗證串流行為是否完整。")

	chunks, err := p.GenerateStreaming(context.Background(), "system", nil)
	require.NoError(t, err)

	var text string
	done := false
	for c := range chunks {
		switch c.Type {
		case ChunkText:
			text += c.Text
		case ChunkDone:
			done = true
		case ChunkError:
			t.Fatalf("unexpected error chunk: %v", c.Err)
		}
	}
	assert.True(t, done)
	assert.Equal(t, "這是一段會被切成多個小塊送出的比較長的回應內容，用來驗證串流行為是否完整。", text)
}

func TestNewProvider(t *testing.T) {
	p, err := NewProvider(ProviderConfig{Type: ProviderMock})
	require.NoError(t, err)
	assert.Equal(t, "mock", p.ModelName())

	_, err = NewProvider(ProviderConfig{Type: "carrier-pigeon"})
	require.Error(t, err)
}

func TestProviderConfigDefaults(t *testing.T) {
	cfg := ProviderConfig{}
	cfg.SetDefaults()
	assert.Equal(t, ProviderAnthropic, cfg.Type)
}
