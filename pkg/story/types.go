// Package story defines the persistent data model shared across the engine:
// messages, branches, NPCs, lore entries, events, recaps, and the character
// schema that drives state updates.
package story

import (
	"strings"
	"time"

	"golang.org/x/text/unicode/norm"
)

// Message roles.
const (
	RoleUser = "user"
	RoleGM   = "gm"
)

// Reserved id of the root branch.
const MainBranchID = "main"

// DiceRoll is the fate-dice result attached to a user message.
type DiceRoll struct {
	Raw       int     `json:"raw"`
	AttrBonus float64 `json:"attr_bonus"`
	Cheat     int     `json:"cheat,omitempty"`
	Effective float64 `json:"effective"`
	Outcome   string  `json:"outcome"`
}

// Message is a single turn entry in a branch timeline. Indices are assigned
// monotonically per reconstructed timeline. OwnerBranchID is derived at read
// time and is never written to disk.
type Message struct {
	Index   int    `json:"index"`
	Role    string `json:"role"`
	Content string `json:"content"`

	Dice  *DiceRoll `json:"dice,omitempty"`
	Image string    `json:"image,omitempty"`

	StateSnapshot    map[string]any `json:"state_snapshot,omitempty"`
	NPCsSnapshot     []NPC          `json:"npcs_snapshot,omitempty"`
	WorldDaySnapshot *float64       `json:"world_day_snapshot,omitempty"`

	OwnerBranchID string `json:"owner_branch_id,omitempty"`
}

// StripTransient clears read-time and per-variant fields before a message is
// persisted under a new owner (promotion, merge).
func (m *Message) StripTransient() {
	m.OwnerBranchID = ""
}

// Branch is a node in the timeline tree. A nil BranchPointIndex only occurs
// on the root; -1 marks a blank branch that inherits nothing.
type Branch struct {
	ID               string     `json:"id"`
	Name             string     `json:"name"`
	Parent           *string    `json:"parent"`
	BranchPointIndex *int       `json:"branch_point_index"`
	CreatedAt        time.Time  `json:"created_at"`
	Blank            bool       `json:"blank,omitempty"`
	Deleted          bool       `json:"deleted,omitempty"`
	DeletedAt        *time.Time `json:"deleted_at,omitempty"`
	WasMain          bool       `json:"was_main,omitempty"`
	Merged           bool       `json:"merged,omitempty"`
	MergedAt         *time.Time `json:"merged_at,omitempty"`
	SessionID        string     `json:"session_id,omitempty"`
	TeamMode         string     `json:"team_mode,omitempty"`
}

// Retired reports whether the branch must not be active or accept writes.
func (b *Branch) Retired() bool {
	return b.Deleted || b.Merged
}

// IsRoot reports whether the branch is the tree root.
func (b *Branch) IsRoot() bool {
	return b.Parent == nil
}

// IsBlank reports whether the branch inherits nothing from its parent.
func (b *Branch) IsBlank() bool {
	return b.Blank || (b.BranchPointIndex != nil && *b.BranchPointIndex == -1)
}

// TimelineTree is the per-story branch graph plus the active-branch pointer.
type TimelineTree struct {
	ActiveBranchID string             `json:"active_branch_id"`
	Branches       map[string]*Branch `json:"branches"`
}

// NewTimelineTree returns a tree containing only the root branch.
func NewTimelineTree() *TimelineTree {
	return &TimelineTree{
		ActiveBranchID: MainBranchID,
		Branches: map[string]*Branch{
			MainBranchID: {
				ID:        MainBranchID,
				Name:      "主線",
				CreatedAt: time.Now(),
			},
		},
	}
}

// NPC lifecycle statuses.
const (
	NPCActive   = "active"
	NPCArchived = "archived"
)

// NPCPersonality holds free-form personality traits with a required summary.
type NPCPersonality struct {
	Summary string            `json:"summary"`
	Traits  map[string]string `json:"traits,omitempty"`
}

// NPC is a roster entry. Identity is by normalized name, not id.
type NPC struct {
	ID                   string         `json:"id"`
	Name                 string         `json:"name"`
	Role                 string         `json:"role,omitempty"`
	Appearance           string         `json:"appearance,omitempty"`
	Personality          NPCPersonality `json:"personality,omitempty"`
	Backstory            string         `json:"backstory,omitempty"`
	CurrentStatus        string         `json:"current_status,omitempty"`
	NotableTraits        []string       `json:"notable_traits,omitempty"`
	RelationshipToPlayer string         `json:"relationship_to_player,omitempty"`
	Tier                 string         `json:"tier,omitempty"`
	LifecycleStatus      string         `json:"lifecycle_status,omitempty"`
	ArchivedReason       string         `json:"archived_reason,omitempty"`
}

// NormalizeNPCName canonicalizes an NPC name for identity comparison:
// NFKC normalization, lower-casing, and punctuation/space removal.
func NormalizeNPCName(name string) string {
	n := norm.NFKC.String(name)
	n = strings.ToLower(n)
	var b strings.Builder
	for _, r := range n {
		switch {
		case r == ' ', r == '\t', r == '·', r == '・', r == '.', r == ',',
			r == '，', r == '。', r == '-', r == '—', r == '_', r == '\'',
			r == '"', r == '(', r == ')', r == '（', r == '）':
		default:
			b.WriteRune(r)
		}
	}
	return b.String()
}

// SameNPC reports whether two names identify the same NPC.
func SameNPC(a, b string) bool {
	return NormalizeNPCName(a) == NormalizeNPCName(b)
}

// LoreEntry is one world-lore record. Topic is unique per story.
type LoreEntry struct {
	Category    string `json:"category"`
	Topic       string `json:"topic"`
	Content     string `json:"content"`
	Subcategory string `json:"subcategory,omitempty"`
	Tags        string `json:"tags,omitempty"`
}

// Event statuses.
const (
	EventPlanted   = "planted"
	EventTriggered = "triggered"
	EventResolved  = "resolved"
	EventAbandoned = "abandoned"
)

// Event is a foreshadowing/plot record. Title is unique per branch.
type Event struct {
	ID            int64  `json:"id"`
	EventType     string `json:"event_type"`
	Title         string `json:"title"`
	Description   string `json:"description"`
	Status        string `json:"status"`
	Tags          string `json:"tags,omitempty"`
	RelatedTitles string `json:"related_titles,omitempty"`
	MessageIndex  *int   `json:"message_index,omitempty"`
	BranchID      string `json:"branch_id"`
	CreatedAt     string `json:"created_at,omitempty"`
}

// EventActive reports whether a status can still be re-issued to the model.
func EventActive(status string) bool {
	return status == EventPlanted || status == EventTriggered
}

// Recap is the per-branch rolling narrative summary.
type Recap struct {
	RecapText             string    `json:"recap_text"`
	CompactedThroughIndex int       `json:"compacted_through_index"`
	LastCompactedAt       time.Time `json:"last_compacted_at,omitempty"`
	TotalTurnsCompacted   int       `json:"total_turns_compacted"`
}

// EmptyRecap is the typed default for a branch with no compaction yet.
func EmptyRecap() Recap {
	return Recap{CompactedThroughIndex: -1}
}

// AgentSnapshot is one multi-agent snapshot row in agent_snapshots.json.
type AgentSnapshot struct {
	WorldDay          float64        `json:"world_day"`
	Turn              int            `json:"turn"`
	Phase             string         `json:"phase,omitempty"`
	CharacterState    map[string]any `json:"character_state"`
	CompletedMissions []string       `json:"completed_missions,omitempty"`
	Summary           string         `json:"summary,omitempty"`
	Timestamp         time.Time      `json:"timestamp"`
}

// Cheats is the per-branch GM cheat state mutated by /gm commands.
type Cheats struct {
	DiceModifier  int  `json:"dice_modifier,omitempty"`
	AlwaysSuccess bool `json:"always_success,omitempty"`
}

// AutoPlayState persists progress of the autonomous driver per branch.
type AutoPlayState struct {
	Turn              int       `json:"turn"`
	Dungeons          int       `json:"dungeons"`
	HubTurns          int       `json:"hub_turns"`
	Phase             string    `json:"phase,omitempty"`
	ConsecutiveErrors int       `json:"consecutive_errors"`
	UpdatedAt         time.Time `json:"updated_at,omitempty"`
}

// StoryInfo is one entry in the stories registry.
type StoryInfo struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"created_at"`
}

// StoriesRegistry is the stories.json document.
type StoriesRegistry struct {
	ActiveStoryID string      `json:"active_story_id"`
	Stories       []StoryInfo `json:"stories"`
}
