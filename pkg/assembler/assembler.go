// Package assembler builds the two prompt surfaces of a turn: the filled
// system prompt and the augmented user message with its retrieved context
// blocks. It also sanitizes recent-window messages before they re-enter the
// model context.
package assembler

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"github.com/storyloom/storyloom/pkg/story"
)

// NPCActivityTitle heads the injected NPC-activity block.
const NPCActivityTitle = "【NPC 近況】"

// Retrieval limits for the augmented user message.
const (
	LoreLimit        = 5
	EventLimit       = 3
	ActivityBatchMax = 2
)

const recapFallback = "（故事剛剛開始，尚無前情提要。）"

// SystemPromptData carries the placeholder values for the story template.
type SystemPromptData struct {
	CharacterState map[string]any
	Recap          string
	LoreTOC        string
	NPCs           []story.NPC
	TeamMode       string
	OtherAgents    string
	CriticalFacts  string
	Blank          bool
}

// Team rule presets keyed by the branch's team_mode.
var teamRules = map[string]string{
	"solo": "你獨自行動，沒有隊友支援。",
	"team": "你與隊友協同行動，重要決策前可與隊友商議。",
	"rival": "場上存在敵對小隊，他們的行動與你同步推進。",
}

// BuildSystemPrompt fills the story template's placeholders. Unknown
// placeholders are left untouched.
func BuildSystemPrompt(template string, data SystemPromptData) string {
	recap := data.Recap
	if data.Blank || strings.TrimSpace(recap) == "" {
		recap = recapFallback
	}

	stateJSON, _ := json.MarshalIndent(data.CharacterState, "", "  ")

	replacer := strings.NewReplacer(
		"{character_state}", string(stateJSON),
		"{narrative_recap}", recap,
		"{world_lore}", data.LoreTOC,
		"{npc_profiles}", FormatNPCProfiles(data.NPCs),
		"{team_rules}", teamRules[data.TeamMode],
		"{other_agents}", data.OtherAgents,
		"{critical_facts}", data.CriticalFacts,
	)
	return replacer.Replace(template)
}

// FormatNPCProfiles renders the active roster for the system prompt.
func FormatNPCProfiles(npcs []story.NPC) string {
	var b strings.Builder
	for _, n := range npcs {
		if n.LifecycleStatus == story.NPCArchived {
			continue
		}
		fmt.Fprintf(&b, "### %s", n.Name)
		if n.Role != "" {
			fmt.Fprintf(&b, "（%s）", n.Role)
		}
		b.WriteString("\n")
		if n.Personality.Summary != "" {
			fmt.Fprintf(&b, "性格：%s\n", n.Personality.Summary)
		}
		if n.CurrentStatus != "" {
			fmt.Fprintf(&b, "近況：%s\n", n.CurrentStatus)
		}
		if n.RelationshipToPlayer != "" {
			fmt.Fprintf(&b, "與玩家關係：%s\n", n.RelationshipToPlayer)
		}
	}
	return strings.TrimRight(b.String(), "\n")
}

// ActivityBatch is one NPC-activity summary in npc_activities.json.
type ActivityBatch struct {
	WorldDay  float64 `json:"world_day"`
	Summary   string  `json:"summary"`
	CreatedAt string  `json:"created_at,omitempty"`
}

// FormatActivityBlock renders the most recent activity batches as a titled
// block, newest last. Returns "" when there is nothing to show.
func FormatActivityBlock(batches []ActivityBatch) string {
	if len(batches) == 0 {
		return ""
	}
	if len(batches) > ActivityBatchMax {
		batches = batches[len(batches)-ActivityBatchMax:]
	}

	var b strings.Builder
	b.WriteString(NPCActivityTitle)
	b.WriteString("\n")
	for _, batch := range batches {
		fmt.Fprintf(&b, "- （第%.1f天）%s\n", batch.WorldDay, batch.Summary)
	}
	return strings.TrimRight(b.String(), "\n")
}

// AugmentUserMessage concatenates the non-empty retrieved blocks ahead of the
// raw user text. Blocks arrive pre-formatted; order is fixed.
func AugmentUserMessage(userText string, blocks ...string) string {
	var kept []string
	for _, blk := range blocks {
		if strings.TrimSpace(blk) != "" {
			kept = append(kept, blk)
		}
	}
	if len(kept) == 0 {
		return userText
	}
	return strings.Join(kept, "\n\n") + "\n---\n" + userText
}

// Dice labels injected into past turns. Both bracket styles, optional bold
// markers, matched only as a standalone token.
var diceLabelPattern = regexp.MustCompile(`\*{0,2}(\[命運[^\[\]\n]*\]|【命運[^【】\n]*】)\*{0,2}`)

var optionalActionsPattern = regexp.MustCompile(`(?s)\n*可選行動[:：].*$`)

// SanitizeRecentMessages strips fate-dice labels and trailing optional-action
// blocks from GM messages before they re-enter the context window. User
// messages pass through untouched.
func SanitizeRecentMessages(messages []story.Message) []story.Message {
	out := make([]story.Message, len(messages))
	for i, m := range messages {
		out[i] = m
		if m.Role != story.RoleGM {
			continue
		}
		content := diceLabelPattern.ReplaceAllString(m.Content, "")
		content = optionalActionsPattern.ReplaceAllString(content, "")
		out[i].Content = strings.TrimRight(content, " \n")
	}
	return out
}
