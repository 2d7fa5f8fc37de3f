package state

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/storyloom/storyloom/pkg/llm"
	"github.com/storyloom/storyloom/pkg/story"
	"github.com/storyloom/storyloom/pkg/usage"
)

const normalizeSystemPrompt = `你是角色狀態整理員。狀態中出現了不在既定欄位表的鍵。請將這些鍵的內容轉換為既定欄位的更新操作。
既定欄位：name, reward_points, gene_lock, physique, spirit, current_status,
以及列表 inventory（物品名→備註）, relationships（人名→描述）, abilities_add, completed_missions_add。
回傳 JSON：{"patch": {轉換後的更新}, "drop": ["應自狀態移除的原始鍵"]}。無法歸類的鍵留在原處（不要放進 drop）。只回傳 JSON。`

// Normalizer translates unknown state keys into canonical schema operations.
// It runs in the background after a turn wrote unknown keys through verbatim.
type Normalizer struct {
	Provider llm.Provider
	Usage    *usage.Log
}

// Normalize asks the model to remap the unknown keys and returns the patch to
// re-apply plus the original keys to remove. It only runs when unknown keys
// are present; re-applying the patch is idempotent because it is a diff, not
// the turn's whole delta.
func (n *Normalizer) Normalize(ctx context.Context, branchID string, state map[string]any, unknownKeys []string) (map[string]any, []string, error) {
	if n == nil || n.Provider == nil || len(unknownKeys) == 0 {
		return nil, nil, nil
	}

	subset := make(map[string]any, len(unknownKeys))
	for _, k := range unknownKeys {
		if v, ok := state[k]; ok {
			subset[k] = v
		}
	}
	if len(subset) == 0 {
		return nil, nil, nil
	}

	subsetJSON, _ := json.Marshal(subset)
	start := time.Now()
	reply, u, err := n.Provider.Generate(ctx, normalizeSystemPrompt, []llm.Message{
		{Role: llm.RoleUser, Content: fmt.Sprintf("未知欄位：\n%s", subsetJSON)},
	})
	if n.Usage != nil {
		n.Usage.Record(branchID, "llm", n.Provider.ModelName(), usage.PurposeNormalize,
			u.PromptTokens, u.CompletionTokens, time.Since(start))
	}
	if err != nil {
		return nil, nil, err
	}

	var parsed struct {
		Patch map[string]any `json:"patch"`
		Drop  []string       `json:"drop"`
	}
	if err := json.Unmarshal([]byte(extractJSON(reply)), &parsed); err != nil {
		return nil, nil, fmt.Errorf("unparseable normalize reply: %w", err)
	}

	// Only keys we actually flagged may be dropped.
	flagged := make(map[string]struct{}, len(unknownKeys))
	for _, k := range unknownKeys {
		flagged[k] = struct{}{}
	}
	var drop []string
	for _, k := range parsed.Drop {
		k = strings.TrimSpace(k)
		if _, ok := flagged[k]; ok {
			drop = append(drop, k)
		}
	}
	return parsed.Patch, drop, nil
}

// ApplyNormalization re-applies a normalizer patch and removes the translated
// original keys.
func ApplyNormalization(state map[string]any, patch map[string]any, drop []string, schema story.Schema) map[string]any {
	next, _ := Apply(state, patch, schema)
	for _, k := range drop {
		delete(next, k)
	}
	return next
}
