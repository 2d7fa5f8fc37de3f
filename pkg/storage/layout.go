package storage

import "path/filepath"

// Layout owns path construction for the persistent tree:
//
//	<designDir>/<story>/            design-time files
//	<dataDir>/stories/<story>/      runtime files
//	<dataDir>/stories/<story>/branches/<branch>/  per-branch files
type Layout struct {
	DataDir   string
	DesignDir string
}

// NewLayout builds a Layout rooted at the given directories.
func NewLayout(dataDir, designDir string) Layout {
	return Layout{DataDir: dataDir, DesignDir: designDir}
}

// Design-time files.

func (l Layout) DesignStoryDir(storyID string) string {
	return filepath.Join(l.DesignDir, storyID)
}

func (l Layout) SystemPromptPath(storyID string) string {
	return filepath.Join(l.DesignStoryDir(storyID), "system_prompt.txt")
}

func (l Layout) CharacterSchemaPath(storyID string) string {
	return filepath.Join(l.DesignStoryDir(storyID), "character_schema.json")
}

func (l Layout) DefaultStatePath(storyID string) string {
	return filepath.Join(l.DesignStoryDir(storyID), "default_character_state.json")
}

func (l Layout) ParsedConversationPath(storyID string) string {
	return filepath.Join(l.DesignStoryDir(storyID), "parsed_conversation.json")
}

func (l Layout) WorldLorePath(storyID string) string {
	return filepath.Join(l.DesignStoryDir(storyID), "world_lore.json")
}

// Per-story runtime files.

func (l Layout) StoryDir(storyID string) string {
	return filepath.Join(l.DataDir, "stories", storyID)
}

func (l Layout) StoriesRegistryPath() string {
	return filepath.Join(l.DataDir, "stories.json")
}

func (l Layout) TimelineTreePath(storyID string) string {
	return filepath.Join(l.StoryDir(storyID), "timeline_tree.json")
}

func (l Layout) EventsDBPath(storyID string) string {
	return filepath.Join(l.StoryDir(storyID), "events.db")
}

func (l Layout) LoreDBPath(storyID string) string {
	return filepath.Join(l.StoryDir(storyID), "lore.db")
}

func (l Layout) UsageDBPath(storyID string) string {
	return filepath.Join(l.StoryDir(storyID), "usage.db")
}

// Per-branch files.

func (l Layout) BranchDir(storyID, branchID string) string {
	return filepath.Join(l.StoryDir(storyID), "branches", branchID)
}

func (l Layout) MessagesPath(storyID, branchID string) string {
	return filepath.Join(l.BranchDir(storyID, branchID), "messages.json")
}

func (l Layout) CharacterStatePath(storyID, branchID string) string {
	return filepath.Join(l.BranchDir(storyID, branchID), "character_state.json")
}

func (l Layout) NPCsPath(storyID, branchID string) string {
	return filepath.Join(l.BranchDir(storyID, branchID), "npcs.json")
}

func (l Layout) WorldDayPath(storyID, branchID string) string {
	return filepath.Join(l.BranchDir(storyID, branchID), "world_day.json")
}

func (l Layout) RecapPath(storyID, branchID string) string {
	return filepath.Join(l.BranchDir(storyID, branchID), "conversation_recap.json")
}

func (l Layout) AgentSnapshotsPath(storyID, branchID string) string {
	return filepath.Join(l.BranchDir(storyID, branchID), "agent_snapshots.json")
}

func (l Layout) AutoPlayStatePath(storyID, branchID string) string {
	return filepath.Join(l.BranchDir(storyID, branchID), "auto_play_state.json")
}

func (l Layout) CheatsPath(storyID, branchID string) string {
	return filepath.Join(l.BranchDir(storyID, branchID), "gm_cheats.json")
}

func (l Layout) DungeonProgressPath(storyID, branchID string) string {
	return filepath.Join(l.BranchDir(storyID, branchID), "dungeon_progress.json")
}

func (l Layout) NPCActivitiesPath(storyID, branchID string) string {
	return filepath.Join(l.BranchDir(storyID, branchID), "npc_activities.json")
}

func (l Layout) StateDBPath(storyID, branchID string) string {
	return filepath.Join(l.BranchDir(storyID, branchID), "state.db")
}

func (l Layout) TranscriptPath(storyID, branchID string) string {
	return filepath.Join(l.BranchDir(storyID, branchID), "auto_play_transcript.md")
}
