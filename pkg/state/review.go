package state

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/storyloom/storyloom/pkg/llm"
	"github.com/storyloom/storyloom/pkg/stateindex"
	"github.com/storyloom/storyloom/pkg/story"
	"github.com/storyloom/storyloom/pkg/usage"
)

// Review modes.
const (
	ReviewOff               = "off"
	ReviewDeterministicOnly = "deterministic_only"
	ReviewLLMShadow         = "llm_shadow"
	ReviewLLMEnforce        = "llm_enforce"
)

const reviewSystemPrompt = `你是角色狀態審核員。給定目前角色狀態與一筆待套用的更新，請檢查更新是否合理：
數值變動是否過大、物品或能力是否憑空出現、欄位是否用錯。
回傳 JSON：{"update": {修正後的更新}, "notes": "修改說明，無修改則留空"}。只回傳 JSON。`

// Gate validates STATE updates before they reach Apply.
type Gate struct {
	Mode     string
	Provider llm.Provider
	Usage    *usage.Log
}

// Review runs the configured validation stages and returns the update to
// apply plus human-readable notes about what changed.
func (g *Gate) Review(ctx context.Context, branchID string, current, update map[string]any, schema story.Schema) (map[string]any, []string) {
	if g == nil || g.Mode == ReviewOff {
		return update, nil
	}

	cleaned, notes := ValidateDeterministic(update, schema)

	if g.Mode == ReviewDeterministicOnly || g.Provider == nil || len(cleaned) == 0 {
		return cleaned, notes
	}

	patched, llmNotes, err := g.llmReview(ctx, branchID, current, cleaned)
	if err != nil {
		slog.Warn("llm state review failed, keeping deterministic result", "error", err)
		return cleaned, notes
	}
	if llmNotes != "" {
		notes = append(notes, llmNotes)
	}

	if g.Mode == ReviewLLMEnforce {
		return patched, notes
	}
	// Shadow mode: log the patch but apply the deterministic result.
	if !sameUpdate(cleaned, patched) {
		slog.Info("state review shadow diff", "branch", branchID, "notes", llmNotes)
	}
	return cleaned, notes
}

// ValidateDeterministic is stage A: a pure function that drops or trims
// update keys violating schema types, tier vocabulary, numeric bounds, or
// the overwrite rules. It never calls out.
func ValidateDeterministic(update map[string]any, schema story.Schema) (map[string]any, []string) {
	cleaned := make(map[string]any, len(update))
	var notes []string

	for key, value := range update {
		if strings.HasSuffix(key, "_add") || strings.HasSuffix(key, "_remove") {
			base := strings.TrimSuffix(strings.TrimSuffix(key, "_add"), "_remove")
			if _, ok := schema.ListField(base); !ok {
				notes = append(notes, fmt.Sprintf("丟棄未知列表操作 %s", key))
				continue
			}
			cleaned[key] = value
			continue
		}

		if field, ok := schema.ListField(key); ok {
			if field.Kind == story.ListKindList {
				notes = append(notes, fmt.Sprintf("拒絕整體覆寫列表 %s，請改用 %s_add/%s_remove", key, key, key))
				continue
			}
			if _, isMap := value.(map[string]any); !isMap {
				notes = append(notes, fmt.Sprintf("丟棄型別錯誤的 %s", key))
				continue
			}
			cleaned[key] = value
			continue
		}

		switch key {
		case "reward_points_delta":
			delta, ok := asFloat(value)
			if !ok {
				notes = append(notes, "丟棄非數值的 reward_points_delta")
				continue
			}
			if delta > 1_000_000 || delta < -1_000_000 {
				notes = append(notes, fmt.Sprintf("拒絕過大的點數變動 %v", delta))
				continue
			}
			cleaned[key] = value
			continue
		case "reward_points":
			v, ok := asFloat(value)
			if !ok || v < 0 {
				notes = append(notes, "丟棄非法的 reward_points")
				continue
			}
			cleaned[key] = value
			continue
		case "tier":
			s, _ := value.(string)
			canonical := stateindex.CanonicalTier(s)
			if canonical == "" {
				notes = append(notes, fmt.Sprintf("丟棄無法辨識的階級 %q", s))
				continue
			}
			cleaned[key] = canonical
			continue
		}

		if fieldType, known := schema.Scalars[key]; known {
			if fieldType == story.FieldNumber {
				if _, ok := asFloat(value); !ok {
					notes = append(notes, fmt.Sprintf("丟棄型別錯誤的 %s", key))
					continue
				}
			}
			if !schema.IsOverwriteKey(key) && key != "reward_points" && key != "name" {
				notes = append(notes, fmt.Sprintf("拒絕直接覆寫 %s", key))
				continue
			}
			cleaned[key] = value
			continue
		}

		// Unknown keys survive stage A when scalar; Apply routes them to the
		// normalizer.
		if isScalar(value) {
			cleaned[key] = value
		} else {
			notes = append(notes, fmt.Sprintf("丟棄結構化的未知欄位 %s", key))
		}
	}

	return cleaned, notes
}

func (g *Gate) llmReview(ctx context.Context, branchID string, current, update map[string]any) (map[string]any, string, error) {
	stateJSON, _ := json.Marshal(current)
	updateJSON, _ := json.Marshal(update)
	prompt := fmt.Sprintf("目前狀態：\n%s\n\n待套用更新：\n%s", stateJSON, updateJSON)

	start := time.Now()
	reply, u, err := g.Provider.Generate(ctx, reviewSystemPrompt, []llm.Message{
		{Role: llm.RoleUser, Content: prompt},
	})
	if g.Usage != nil {
		g.Usage.Record(branchID, "llm", g.Provider.ModelName(), usage.PurposeReview,
			u.PromptTokens, u.CompletionTokens, time.Since(start))
	}
	if err != nil {
		return nil, "", err
	}

	var parsed struct {
		Update map[string]any `json:"update"`
		Notes  string         `json:"notes"`
	}
	if err := json.Unmarshal([]byte(extractJSON(reply)), &parsed); err != nil {
		return nil, "", fmt.Errorf("unparseable review reply: %w", err)
	}
	if parsed.Update == nil {
		return nil, "", fmt.Errorf("review reply missing update")
	}
	return parsed.Update, parsed.Notes, nil
}

// extractJSON trims surrounding prose or code fences from a model reply that
// should contain one JSON object.
func extractJSON(s string) string {
	start := strings.Index(s, "{")
	end := strings.LastIndex(s, "}")
	if start >= 0 && end > start {
		return s[start : end+1]
	}
	return s
}

func sameUpdate(a, b map[string]any) bool {
	aj, _ := json.Marshal(a)
	bj, _ := json.Marshal(b)
	return string(aj) == string(bj)
}
