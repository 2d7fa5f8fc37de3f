package engine

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/storyloom/storyloom/pkg/story"
)

// InitInfo is the bootstrap payload returned to a fresh client.
type InitInfo struct {
	ActiveStoryID   string       `json:"active_story_id"`
	ActiveBranchID  string       `json:"active_branch_id"`
	StoryName       string       `json:"story_name"`
	OriginalCount   int          `json:"original_count"`
	HasSummary      bool         `json:"has_summary"`
	CharacterSchema story.Schema `json:"character_schema"`
}

// Init migrates any legacy single-story layout, ensures the registry has an
// active story, and returns the bootstrap info.
func (e *Engine) Init() (InitInfo, error) {
	if err := e.migrateLegacyLayout(); err != nil {
		return InitInfo{}, err
	}

	reg, err := e.LoadRegistry()
	if err != nil {
		return InitInfo{}, err
	}
	if len(reg.Stories) == 0 {
		reg.Stories = append(reg.Stories, story.StoryInfo{
			ID:        "default",
			Name:      "預設故事",
			CreatedAt: time.Now(),
		})
	}
	if reg.ActiveStoryID == "" {
		reg.ActiveStoryID = reg.Stories[0].ID
	}
	if err := e.SaveRegistry(reg); err != nil {
		return InitInfo{}, err
	}

	storyID := reg.ActiveStoryID
	name := ""
	for _, s := range reg.Stories {
		if s.ID == storyID {
			name = s.Name
		}
	}

	treeLock := e.locks.Tree(storyID)
	treeLock.Lock()
	tree, err := e.LoadTree(storyID)
	if err == nil {
		err = e.SaveTree(storyID, tree)
	}
	treeLock.Unlock()
	if err != nil {
		return InitInfo{}, err
	}

	base, err := e.BaseConversation(storyID)
	if err != nil {
		return InitInfo{}, err
	}
	schema, err := e.Schema(storyID)
	if err != nil {
		return InitInfo{}, err
	}

	recaps, err := e.Recaps(storyID)
	if err != nil {
		return InitInfo{}, err
	}
	r, err := recaps.Load(storyID, tree.ActiveBranchID)
	if err != nil {
		return InitInfo{}, err
	}

	return InitInfo{
		ActiveStoryID:   storyID,
		ActiveBranchID:  tree.ActiveBranchID,
		StoryName:       name,
		OriginalCount:   len(base),
		HasSummary:      r.RecapText != "",
		CharacterSchema: schema,
	}, nil
}

// migrateLegacyLayout moves a pre-multistory data tree (runtime files at the
// data root) into stories/default/.
func (e *Engine) migrateLegacyLayout() error {
	legacyTree := filepath.Join(e.layout.DataDir, "timeline_tree.json")
	if _, err := os.Stat(legacyTree); err != nil {
		return nil
	}

	dst := e.layout.StoryDir("default")
	if err := os.MkdirAll(dst, 0o755); err != nil {
		return fmt.Errorf("failed to create migrated story dir: %w", err)
	}
	entries, err := os.ReadDir(e.layout.DataDir)
	if err != nil {
		return fmt.Errorf("failed to scan legacy layout: %w", err)
	}
	for _, ent := range entries {
		if ent.Name() == "stories" || ent.Name() == "stories.json" {
			continue
		}
		from := filepath.Join(e.layout.DataDir, ent.Name())
		to := filepath.Join(dst, ent.Name())
		if err := os.Rename(from, to); err != nil {
			return fmt.Errorf("failed to migrate %s: %w", ent.Name(), err)
		}
	}
	slog.Info("migrated legacy story layout", "dst", dst)
	return nil
}

// Stories returns the registry entries and the active story id.
func (e *Engine) Stories() ([]story.StoryInfo, string, error) {
	reg, err := e.LoadRegistry()
	if err != nil {
		return nil, "", err
	}
	return reg.Stories, reg.ActiveStoryID, nil
}

// CreateStory registers a new story and switches to it.
func (e *Engine) CreateStory(name string) (story.StoryInfo, error) {
	reg, err := e.LoadRegistry()
	if err != nil {
		return story.StoryInfo{}, err
	}
	info := story.StoryInfo{ID: uuid.NewString(), Name: name, CreatedAt: time.Now()}
	reg.Stories = append(reg.Stories, info)
	reg.ActiveStoryID = info.ID
	if err := e.SaveRegistry(reg); err != nil {
		return story.StoryInfo{}, err
	}

	treeLock := e.locks.Tree(info.ID)
	treeLock.Lock()
	defer treeLock.Unlock()
	return info, e.SaveTree(info.ID, story.NewTimelineTree())
}

// SwitchStory changes the active story.
func (e *Engine) SwitchStory(storyID string) error {
	reg, err := e.LoadRegistry()
	if err != nil {
		return err
	}
	for _, s := range reg.Stories {
		if s.ID == storyID {
			reg.ActiveStoryID = storyID
			return e.SaveRegistry(reg)
		}
	}
	return ErrStoryNotFound
}

// RenameStory updates a story's display name.
func (e *Engine) RenameStory(storyID, name string) error {
	reg, err := e.LoadRegistry()
	if err != nil {
		return err
	}
	for i := range reg.Stories {
		if reg.Stories[i].ID == storyID {
			reg.Stories[i].Name = name
			return e.SaveRegistry(reg)
		}
	}
	return ErrStoryNotFound
}

// DeleteStory removes a story's registry entry and its runtime directory.
// The active story cannot be deleted.
func (e *Engine) DeleteStory(storyID string) error {
	reg, err := e.LoadRegistry()
	if err != nil {
		return err
	}
	if reg.ActiveStoryID == storyID {
		return fmt.Errorf("cannot delete the active story")
	}

	found := false
	kept := reg.Stories[:0]
	for _, s := range reg.Stories {
		if s.ID == storyID {
			found = true
			continue
		}
		kept = append(kept, s)
	}
	if !found {
		return ErrStoryNotFound
	}
	reg.Stories = kept
	if err := e.SaveRegistry(reg); err != nil {
		return err
	}

	e.mu.Lock()
	if s, ok := e.events[storyID]; ok {
		s.Close()
		delete(e.events, storyID)
	}
	if x, ok := e.loreIdx[storyID]; ok {
		x.Close()
		delete(e.loreIdx, storyID)
	}
	if l, ok := e.usages[storyID]; ok {
		l.Close()
		delete(e.usages, storyID)
	}
	delete(e.recaps, storyID)
	for key, x := range e.stateIdx {
		if strings.HasPrefix(key, storyID+"/") {
			x.Close()
			delete(e.stateIdx, key)
		}
	}
	e.mu.Unlock()

	if err := os.RemoveAll(e.layout.StoryDir(storyID)); err != nil {
		return fmt.Errorf("failed to remove story directory: %w", err)
	}
	return nil
}
