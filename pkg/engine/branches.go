package engine

import (
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"

	"github.com/storyloom/storyloom/pkg/storage"
	"github.com/storyloom/storyloom/pkg/story"
)

// BranchSpec parameterizes branch creation.
type BranchSpec struct {
	ID               string // optional; generated when empty
	Name             string
	ParentID         string
	BranchPointIndex int
}

// Branches returns the live (non-deleted, non-merged) branches of a story.
func (e *Engine) Branches(storyID string) ([]*story.Branch, string, error) {
	lock := e.locks.Tree(storyID)
	lock.Lock()
	defer lock.Unlock()

	t, err := e.LoadTree(storyID)
	if err != nil {
		return nil, "", err
	}
	var out []*story.Branch
	for _, b := range t.Branches {
		if !b.Retired() {
			out = append(out, b)
		}
	}
	return out, t.ActiveBranchID, nil
}

// CreateBranch forks a new branch at (parent, index) and makes it active.
// Repeated forks at an origin already behind the parent's own branch point
// become siblings of the parent, not children.
func (e *Engine) CreateBranch(storyID string, spec BranchSpec) (*story.Branch, error) {
	lock := e.locks.Tree(storyID)
	lock.Lock()
	defer lock.Unlock()

	t, err := e.LoadTree(storyID)
	if err != nil {
		return nil, err
	}
	parent, err := resolveBranch(t, spec.ParentID)
	if err != nil {
		return nil, err
	}

	// Walk up while the fork origin is at or before the parent's own branch
	// point: the fork belongs beside the parent, not beneath it.
	for parent.Parent != nil && parent.BranchPointIndex != nil &&
		*parent.BranchPointIndex >= 0 && spec.BranchPointIndex <= *parent.BranchPointIndex {
		parent = t.Branches[*parent.Parent]
	}

	id := spec.ID
	if id == "" {
		id = uuid.NewString()
	}
	if _, exists := t.Branches[id]; exists {
		return nil, fmt.Errorf("branch id %s already exists", id)
	}

	name := spec.Name
	if name == "" {
		name = fmt.Sprintf("分支 %d", len(t.Branches))
	}

	bp := spec.BranchPointIndex
	parentID := parent.ID
	b := &story.Branch{
		ID:               id,
		Name:             name,
		Parent:           &parentID,
		BranchPointIndex: &bp,
		CreatedAt:        time.Now(),
		TeamMode:         parent.TeamMode,
	}

	if err := e.seedForkFiles(storyID, t, parent, b); err != nil {
		return nil, err
	}

	t.Branches[id] = b
	t.ActiveBranchID = id
	if err := e.SaveTree(storyID, t); err != nil {
		return nil, err
	}
	return b, nil
}

// CreateBlankBranch creates a branch inheriting nothing: empty state, NPCs,
// recap, and a reset world day.
func (e *Engine) CreateBlankBranch(storyID, name string) (*story.Branch, error) {
	lock := e.locks.Tree(storyID)
	lock.Lock()
	defer lock.Unlock()

	t, err := e.LoadTree(storyID)
	if err != nil {
		return nil, err
	}

	id := uuid.NewString()
	if name == "" {
		name = "空白分支"
	}
	bp := -1
	rootID := story.MainBranchID
	b := &story.Branch{
		ID:               id,
		Name:             name,
		Parent:           &rootID,
		BranchPointIndex: &bp,
		CreatedAt:        time.Now(),
		Blank:            true,
	}

	if err := e.saveDelta(storyID, id, nil); err != nil {
		return nil, err
	}
	if err := e.SaveState(storyID, id, map[string]any{}); err != nil {
		return nil, err
	}
	if err := e.SaveNPCs(storyID, id, nil); err != nil {
		return nil, err
	}
	recaps, err := e.Recaps(storyID)
	if err != nil {
		return nil, err
	}
	if err := recaps.Reset(storyID, id); err != nil {
		return nil, err
	}
	if err := e.clock.Reset(storyID, id); err != nil {
		return nil, err
	}

	t.Branches[id] = b
	t.ActiveBranchID = id
	if err := e.SaveTree(storyID, t); err != nil {
		return nil, err
	}
	return b, nil
}

// seedForkFiles populates a new fork's per-branch files from its parent at
// the branch point: nearest snapshots for state and NPCs, inherited recap
// and world day, copied cheats and dungeon progress, and events at or before
// the fork origin.
func (e *Engine) seedForkFiles(storyID string, t *story.TimelineTree, parent *story.Branch, b *story.Branch) error {
	idx := *b.BranchPointIndex

	timeline, err := e.FullTimeline(storyID, t, parent.ID)
	if err != nil {
		return err
	}

	st, err := e.findStateAtIndex(storyID, timeline, idx)
	if err != nil {
		return err
	}
	if err := e.SaveState(storyID, b.ID, st); err != nil {
		return err
	}
	if err := e.SaveNPCs(storyID, b.ID, e.findNPCsAtIndex(timeline, idx)); err != nil {
		return err
	}
	if err := e.saveDelta(storyID, b.ID, nil); err != nil {
		return err
	}

	recaps, err := e.Recaps(storyID)
	if err != nil {
		return err
	}
	if err := recaps.CopyToBranch(storyID, parent.ID, b.ID, b.BranchPointIndex); err != nil {
		return err
	}
	if err := e.clock.CopyParentToChild(storyID, parent.ID, b.ID); err != nil {
		return err
	}

	cheats, err := e.LoadCheats(storyID, parent.ID)
	if err != nil {
		return err
	}
	if err := e.SaveCheats(storyID, b.ID, cheats); err != nil {
		return err
	}

	var progress map[string]any
	if found, err := storage.ReadJSON(e.layout.DungeonProgressPath(storyID, parent.ID), &progress); err != nil {
		return err
	} else if found {
		if err := storage.WriteJSONAtomic(e.layout.DungeonProgressPath(storyID, b.ID), progress); err != nil {
			return err
		}
	}

	events, err := e.Events(storyID)
	if err != nil {
		return err
	}
	return events.CopyForFork(parent.ID, b.ID, b.BranchPointIndex)
}

// SwitchBranch changes the active branch.
func (e *Engine) SwitchBranch(storyID, branchID string) error {
	lock := e.locks.Tree(storyID)
	lock.Lock()
	defer lock.Unlock()

	t, err := e.LoadTree(storyID)
	if err != nil {
		return err
	}
	if _, err := resolveBranch(t, branchID); err != nil {
		return err
	}
	t.ActiveBranchID = branchID
	return e.SaveTree(storyID, t)
}

// RenameBranch updates a branch's display name.
func (e *Engine) RenameBranch(storyID, branchID, name string) error {
	lock := e.locks.Tree(storyID)
	lock.Lock()
	defer lock.Unlock()

	t, err := e.LoadTree(storyID)
	if err != nil {
		return err
	}
	b, err := resolveBranch(t, branchID)
	if err != nil {
		return err
	}
	b.Name = name
	return e.SaveTree(storyID, t)
}

// DeleteBranch removes a branch and all its live descendants. Branches that
// were ever main are soft-deleted; the rest lose their directory and tree
// entry. The root cannot be deleted.
func (e *Engine) DeleteBranch(storyID, branchID string) error {
	if branchID == story.MainBranchID {
		return fmt.Errorf("cannot delete the main branch")
	}

	lock := e.locks.Tree(storyID)
	lock.Lock()
	defer lock.Unlock()

	t, err := e.LoadTree(storyID)
	if err != nil {
		return err
	}
	if _, ok := t.Branches[branchID]; !ok {
		return ErrBranchNotFound
	}

	// BFS over live descendants.
	doomed := []string{branchID}
	for cursor := 0; cursor < len(doomed); cursor++ {
		for _, b := range t.Branches {
			if b.Deleted || b.Parent == nil || *b.Parent != doomed[cursor] {
				continue
			}
			doomed = append(doomed, b.ID)
		}
	}

	events, err := e.Events(storyID)
	if err != nil {
		return err
	}

	affected := false
	for _, id := range doomed {
		b := t.Branches[id]
		if t.ActiveBranchID == id {
			affected = true
		}
		if b.WasMain {
			now := time.Now()
			b.Deleted = true
			b.DeletedAt = &now
			continue
		}
		if err := events.DeleteForBranch(id); err != nil {
			return err
		}
		e.evictStateIndex(storyID, id)
		if err := os.RemoveAll(e.layout.BranchDir(storyID, id)); err != nil {
			return fmt.Errorf("failed to remove branch directory: %w", err)
		}
		delete(t.Branches, id)
	}

	if affected {
		t.ActiveBranchID = story.MainBranchID
	}
	return e.SaveTree(storyID, t)
}

// Promote adopts a branch's timeline as the new main: main's delta becomes
// the promoted timeline's post-base slice, main inherits the branch's state,
// NPCs, recap, and world day, stranded forks are reparented to main, and the
// promoted branch with its ancestors is soft-deleted.
func (e *Engine) Promote(storyID, branchID string) error {
	if branchID == story.MainBranchID {
		return fmt.Errorf("branch is already main")
	}

	lock := e.locks.Tree(storyID)
	lock.Lock()
	defer lock.Unlock()

	t, err := e.LoadTree(storyID)
	if err != nil {
		return err
	}
	b, err := resolveBranch(t, branchID)
	if err != nil {
		return err
	}
	if b.IsBlank() {
		return fmt.Errorf("cannot promote a blank branch")
	}

	timeline, err := e.FullTimeline(storyID, t, branchID)
	if err != nil {
		return err
	}
	base, err := e.BaseConversation(storyID)
	if err != nil {
		return err
	}

	mainLock := e.locks.Branch(storyID, story.MainBranchID)
	mainLock.Lock()
	defer mainLock.Unlock()

	var delta []story.Message
	for _, m := range timeline {
		if m.Index < len(base) {
			continue
		}
		m.StripTransient()
		delta = append(delta, m)
	}
	if err := e.saveDelta(storyID, story.MainBranchID, delta); err != nil {
		return err
	}
	if err := e.copyBranchFiles(storyID, branchID, story.MainBranchID); err != nil {
		return err
	}

	chain := ancestorChain(t, branchID)
	onChain := make(map[string]struct{}, len(chain))
	for _, a := range chain {
		onChain[a.ID] = struct{}{}
	}

	// Forks hanging off the promoted chain follow their history into main.
	for _, other := range t.Branches {
		if other.ID == branchID || other.Retired() || other.Parent == nil {
			continue
		}
		if _, onIt := onChain[other.ID]; onIt {
			continue
		}
		if _, ok := onChain[*other.Parent]; ok && *other.Parent != story.MainBranchID {
			mainID := story.MainBranchID
			other.Parent = &mainID
		}
	}

	now := time.Now()
	for _, a := range chain {
		if a.ID == story.MainBranchID {
			continue
		}
		a.Deleted = true
		a.DeletedAt = &now
		a.WasMain = true
	}

	t.ActiveBranchID = story.MainBranchID
	return e.SaveTree(storyID, t)
}

// Merge folds a branch back into its parent: the parent keeps its messages
// at or before the branch point, adopts the child's delta, state, NPCs,
// recap, and world day, and takes over the child's children. The child is
// marked merged.
func (e *Engine) Merge(storyID, branchID string) error {
	lock := e.locks.Tree(storyID)
	lock.Lock()
	defer lock.Unlock()

	t, err := e.LoadTree(storyID)
	if err != nil {
		return err
	}
	b, err := resolveBranch(t, branchID)
	if err != nil {
		return err
	}
	if b.Parent == nil {
		return fmt.Errorf("cannot merge the root branch")
	}
	if b.IsBlank() {
		return fmt.Errorf("cannot merge a blank branch")
	}
	parentID := *b.Parent
	parent, err := resolveBranch(t, parentID)
	if err != nil {
		return err
	}

	parentLock := e.locks.Branch(storyID, parentID)
	parentLock.Lock()
	defer parentLock.Unlock()

	parentDelta, err := e.loadDelta(storyID, parentID)
	if err != nil {
		return err
	}
	childDelta, err := e.loadDelta(storyID, branchID)
	if err != nil {
		return err
	}

	bp := *b.BranchPointIndex
	var merged []story.Message
	for _, m := range parentDelta {
		if m.Index <= bp {
			merged = append(merged, m)
		}
	}
	for _, m := range childDelta {
		m.StripTransient()
		merged = append(merged, m)
	}
	if err := e.saveDelta(storyID, parentID, merged); err != nil {
		return err
	}
	if err := e.copyBranchFiles(storyID, branchID, parentID); err != nil {
		return err
	}

	events, err := e.Events(storyID)
	if err != nil {
		return err
	}
	if err := events.MergeInto(branchID, parentID); err != nil {
		return err
	}

	for _, other := range t.Branches {
		if other.Parent != nil && *other.Parent == branchID {
			pid := parentID
			other.Parent = &pid
		}
	}

	now := time.Now()
	b.Merged = true
	b.MergedAt = &now
	if t.ActiveBranchID == branchID {
		t.ActiveBranchID = parent.ID
	}
	return e.SaveTree(storyID, t)
}

// copyBranchFiles copies state, NPCs, recap, and world day from src to dst.
func (e *Engine) copyBranchFiles(storyID, src, dst string) error {
	st, err := e.LoadState(storyID, src)
	if err != nil {
		return err
	}
	if err := e.SaveState(storyID, dst, st); err != nil {
		return err
	}
	npcs, err := e.LoadNPCs(storyID, src)
	if err != nil {
		return err
	}
	if err := e.SaveNPCs(storyID, dst, npcs); err != nil {
		return err
	}

	recaps, err := e.Recaps(storyID)
	if err != nil {
		return err
	}
	r, err := recaps.Load(storyID, src)
	if err != nil {
		return err
	}
	if err := storage.WriteJSONAtomic(e.layout.RecapPath(storyID, dst), r); err != nil {
		return err
	}

	day, err := e.clock.Get(storyID, src)
	if err != nil {
		return err
	}
	return e.clock.ForceSet(storyID, dst, day)
}
