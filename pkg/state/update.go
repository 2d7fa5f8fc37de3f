// Package state applies parsed STATE updates to the character state under the
// schema's operation rules, guards them with a two-stage review gate, and
// remaps unknown keys to the canonical schema in the background.
package state

import (
	"fmt"
	"log/slog"
	"strings"

	"github.com/storyloom/storyloom/pkg/story"
)

// Apply merges one STATE update into a copy of the current state and returns
// it together with the unknown scalar keys it wrote through verbatim. The
// input state is never mutated.
func Apply(current map[string]any, update map[string]any, schema story.Schema) (map[string]any, []string) {
	next := cloneState(current)
	var unknown []string

	for key, value := range update {
		switch {
		case strings.HasSuffix(key, "_add"):
			base := strings.TrimSuffix(key, "_add")
			if field, ok := schema.ListField(base); ok {
				applyAdd(next, field, value)
				continue
			}
		case strings.HasSuffix(key, "_remove"):
			base := strings.TrimSuffix(key, "_remove")
			if field, ok := schema.ListField(base); ok {
				applyRemove(next, field, value)
				continue
			}
		}

		if field, ok := schema.ListField(key); ok {
			applyListAssign(next, field, value)
			continue
		}

		if key == "reward_points_delta" {
			if delta, ok := asFloat(value); ok {
				cur, _ := asFloat(next["reward_points"])
				next["reward_points"] = cur + delta
			}
			continue
		}

		if _, known := schema.Scalars[key]; known || schema.IsOverwriteKey(key) {
			next[key] = value
			continue
		}

		// Unknown keys: scalars pass through verbatim for the background
		// normalizer to translate; anything structured is dropped.
		if isScalar(value) {
			next[key] = value
			unknown = append(unknown, key)
		} else {
			slog.Debug("dropping non-scalar unknown state key", "key", key)
		}
	}

	return next, unknown
}

// applyAdd appends list items not already present (by base name) or merges
// map items.
func applyAdd(state map[string]any, field story.ListField, value any) {
	switch field.Kind {
	case story.ListKindList:
		items := listValue(state, field.Key)
		for _, add := range stringItems(value) {
			if !containsBase(items, add) {
				items = append(items, add)
			}
		}
		state[field.Key] = items
	case story.ListKindMap:
		m := mapValue(state, field.Key)
		switch v := value.(type) {
		case map[string]any:
			for k, item := range v {
				m[k] = item
			}
		case []any:
			for _, raw := range v {
				if s, ok := raw.(string); ok {
					name, note := story.SplitItemNote(s)
					m[name] = note
				}
			}
		}
		state[field.Key] = m
	}
}

// applyRemove drops items matching by base name, or map keys matching by base
// name.
func applyRemove(state map[string]any, field story.ListField, value any) {
	targets := stringItems(value)
	switch field.Kind {
	case story.ListKindList:
		items := listValue(state, field.Key)
		var kept []string
		for _, item := range items {
			if !matchesAnyBase(item, targets) {
				kept = append(kept, item)
			}
		}
		state[field.Key] = kept
	case story.ListKindMap:
		m := mapValue(state, field.Key)
		for k := range m {
			if matchesAnyBase(k, targets) {
				delete(m, k)
			}
		}
		state[field.Key] = m
	}
}

// applyListAssign handles a bare list-key assignment: map-typed lists merge
// via dict update, ordered lists are replaced wholesale.
func applyListAssign(state map[string]any, field story.ListField, value any) {
	switch field.Kind {
	case story.ListKindMap:
		m := mapValue(state, field.Key)
		if v, ok := value.(map[string]any); ok {
			for k, item := range v {
				m[k] = item
			}
			state[field.Key] = m
		}
	case story.ListKindList:
		state[field.Key] = stringItems(value)
	}
}

func containsBase(items []string, candidate string) bool {
	base := story.BaseItemName(candidate)
	for _, item := range items {
		if story.BaseItemName(item) == base {
			return true
		}
	}
	return false
}

func matchesAnyBase(item string, targets []string) bool {
	base := story.BaseItemName(item)
	for _, t := range targets {
		if story.BaseItemName(t) == base {
			return true
		}
	}
	return false
}

func listValue(state map[string]any, key string) []string {
	return stringItems(state[key])
}

func mapValue(state map[string]any, key string) map[string]any {
	if m, ok := state[key].(map[string]any); ok {
		return m
	}
	return map[string]any{}
}

func stringItems(value any) []string {
	switch v := value.(type) {
	case []string:
		return append([]string(nil), v...)
	case []any:
		out := make([]string, 0, len(v))
		for _, raw := range v {
			if s, ok := raw.(string); ok {
				out = append(out, s)
			}
		}
		return out
	case string:
		return []string{v}
	}
	return nil
}

func asFloat(value any) (float64, bool) {
	switch v := value.(type) {
	case float64:
		return v, true
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	}
	return 0, false
}

func isScalar(value any) bool {
	switch value.(type) {
	case string, float64, int, int64, bool, nil:
		return true
	}
	return false
}

func cloneState(state map[string]any) map[string]any {
	out := make(map[string]any, len(state))
	for k, v := range state {
		switch typed := v.(type) {
		case map[string]any:
			inner := make(map[string]any, len(typed))
			for ik, iv := range typed {
				inner[ik] = iv
			}
			out[k] = inner
		case []any:
			out[k] = append([]any(nil), typed...)
		case []string:
			out[k] = append([]string(nil), typed...)
		default:
			out[k] = v
		}
	}
	return out
}

// Summary renders the state as the {character_state} prompt block.
func Summary(state map[string]any, schema story.Schema) string {
	var b strings.Builder
	for _, key := range []string{"name", "reward_points", "gene_lock", "physique", "spirit", "current_status"} {
		if v, ok := state[key]; ok {
			fmt.Fprintf(&b, "%s：%v\n", key, v)
		}
	}
	for _, f := range schema.Lists {
		v, ok := state[f.Key]
		if !ok {
			continue
		}
		switch f.Kind {
		case story.ListKindList:
			items := stringItems(v)
			if len(items) > 0 {
				fmt.Fprintf(&b, "%s：%s\n", f.Key, strings.Join(items, "、"))
			}
		case story.ListKindMap:
			if m, ok := v.(map[string]any); ok && len(m) > 0 {
				parts := make([]string, 0, len(m))
				for k, item := range m {
					if s, _ := item.(string); s != "" {
						parts = append(parts, k+"（"+s+"）")
					} else {
						parts = append(parts, k)
					}
				}
				fmt.Fprintf(&b, "%s：%s\n", f.Key, strings.Join(parts, "、"))
			}
		}
	}
	return strings.TrimRight(b.String(), "\n")
}
