package state

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/storyloom/storyloom/pkg/llm"
	"github.com/storyloom/storyloom/pkg/story"
)

func TestValidateDeterministic(t *testing.T) {
	schema := story.DefaultSchema()

	tests := []struct {
		name     string
		update   map[string]any
		wantKeys []string
		dropped  []string
	}{
		{
			name:     "known list op kept",
			update:   map[string]any{"inventory_add": []any{"急救包"}},
			wantKeys: []string{"inventory_add"},
		},
		{
			name:    "unknown list op dropped",
			update:  map[string]any{"ghosts_add": []any{"怨靈"}},
			dropped: []string{"ghosts_add"},
		},
		{
			name:    "bare list overwrite rejected",
			update:  map[string]any{"abilities": []any{"全部換掉"}},
			dropped: []string{"abilities"},
		},
		{
			name:     "bare map assignment kept",
			update:   map[string]any{"inventory": map[string]any{"手槍": "滿彈匣"}},
			wantKeys: []string{"inventory"},
		},
		{
			name:    "map field with wrong type dropped",
			update:  map[string]any{"inventory": "不是字典"},
			dropped: []string{"inventory"},
		},
		{
			name:     "reward delta within bounds",
			update:   map[string]any{"reward_points_delta": float64(500)},
			wantKeys: []string{"reward_points_delta"},
		},
		{
			name:    "reward delta too large",
			update:  map[string]any{"reward_points_delta": float64(2_000_000)},
			dropped: []string{"reward_points_delta"},
		},
		{
			name:    "negative reward_points dropped",
			update:  map[string]any{"reward_points": float64(-5)},
			dropped: []string{"reward_points"},
		},
		{
			name:     "unknown scalar survives",
			update:   map[string]any{"san_value": float64(70)},
			wantKeys: []string{"san_value"},
		},
		{
			name:    "unknown structured dropped",
			update:  map[string]any{"mystery": map[string]any{"x": 1}},
			dropped: []string{"mystery"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cleaned, notes := ValidateDeterministic(tt.update, schema)
			for _, k := range tt.wantKeys {
				assert.Contains(t, cleaned, k)
			}
			for _, k := range tt.dropped {
				assert.NotContains(t, cleaned, k)
			}
			if len(tt.dropped) > 0 {
				assert.NotEmpty(t, notes)
			}
		})
	}
}

func TestValidateDeterministicCanonicalizesTier(t *testing.T) {
	cleaned, _ := ValidateDeterministic(map[string]any{"tier": "a+"}, story.DefaultSchema())
	assert.Equal(t, "A+", cleaned["tier"])

	cleaned, notes := ValidateDeterministic(map[string]any{"tier": "王者"}, story.DefaultSchema())
	assert.NotContains(t, cleaned, "tier")
	assert.NotEmpty(t, notes)
}

func TestGateOffPassesThrough(t *testing.T) {
	var g *Gate
	update := map[string]any{"abilities": []any{"不該被擋"}}

	got, notes := g.Review(context.Background(), "main", nil, update, story.DefaultSchema())
	assert.Equal(t, update, got)
	assert.Nil(t, notes)

	g = &Gate{Mode: ReviewOff}
	got, _ = g.Review(context.Background(), "main", nil, update, story.DefaultSchema())
	assert.Equal(t, update, got)
}

func TestGateDeterministicOnly(t *testing.T) {
	g := &Gate{Mode: ReviewDeterministicOnly}
	got, notes := g.Review(context.Background(), "main", nil, map[string]any{
		"inventory_add": []any{"急救包"},
		"ghosts_add":    []any{"怨靈"},
	}, story.DefaultSchema())

	assert.Contains(t, got, "inventory_add")
	assert.NotContains(t, got, "ghosts_add")
	assert.NotEmpty(t, notes)
}

func TestGateEnforceAppliesLLMPatch(t *testing.T) {
	mock := llm.NewMockProvider(`{"update": {"inventory_add": ["急救包"]}, "notes": "移除重複物品"}`)
	g := &Gate{Mode: ReviewLLMEnforce, Provider: mock}

	got, notes := g.Review(context.Background(), "main",
		map[string]any{"inventory": map[string]any{}},
		map[string]any{"inventory_add": []any{"急救包", "急救包"}},
		story.DefaultSchema())

	assert.Equal(t, []any{"急救包"}, got["inventory_add"])
	assert.Contains(t, notes, "移除重複物品")
	require.Len(t, mock.Calls(), 1)
}

func TestGateShadowKeepsDeterministicResult(t *testing.T) {
	mock := llm.NewMockProvider(`{"update": {"inventory_add": []}, "notes": "全部移除"}`)
	g := &Gate{Mode: ReviewLLMShadow, Provider: mock}

	got, _ := g.Review(context.Background(), "main", nil,
		map[string]any{"inventory_add": []any{"急救包"}},
		story.DefaultSchema())

	assert.Equal(t, []any{"急救包"}, got["inventory_add"])
}

func TestGateEnforceFallsBackOnProviderError(t *testing.T) {
	mock := llm.NewMockProvider()
	mock.FailWith(errors.New("upstream down"))
	g := &Gate{Mode: ReviewLLMEnforce, Provider: mock}

	got, _ := g.Review(context.Background(), "main", nil,
		map[string]any{"inventory_add": []any{"急救包"}},
		story.DefaultSchema())

	assert.Equal(t, []any{"急救包"}, got["inventory_add"])
}

func TestGateEnforceFallsBackOnGarbageReply(t *testing.T) {
	mock := llm.NewMockProvider("我覺得這個更新沒問題。")
	g := &Gate{Mode: ReviewLLMEnforce, Provider: mock}

	got, _ := g.Review(context.Background(), "main", nil,
		map[string]any{"inventory_add": []any{"急救包"}},
		story.DefaultSchema())

	assert.Equal(t, []any{"急救包"}, got["inventory_add"])
}

func TestExtractJSON(t *testing.T) {
	assert.Equal(t, `{"a":1}`, extractJSON("前言 {\"a\":1} 後記"))
	assert.Equal(t, `{"a":1}`, extractJSON("```json\n{\"a\":1}\n```"))
	assert.Equal(t, "no braces", extractJSON("no braces"))
}
