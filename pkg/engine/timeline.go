package engine

import (
	"sort"
	"time"

	"github.com/storyloom/storyloom/pkg/storage"
	"github.com/storyloom/storyloom/pkg/story"
)

// ancestorChain returns the path from root to branchID, inclusive.
func ancestorChain(t *story.TimelineTree, branchID string) []*story.Branch {
	var chain []*story.Branch
	for id := &branchID; id != nil; {
		b, ok := t.Branches[*id]
		if !ok {
			break
		}
		chain = append(chain, b)
		id = b.Parent
	}
	// Reverse into root-first order.
	for i, j := 0, len(chain)-1; i < j; i, j = i+1, j-1 {
		chain[i], chain[j] = chain[j], chain[i]
	}
	return chain
}

// FullTimeline reconstructs a branch's complete message sequence: the story
// base attributed to root, then each ancestor's delta, truncating at every
// branch point along the way. Owner ids are attached as read-time fields.
// Blank branches see only their own delta.
func (e *Engine) FullTimeline(storyID string, t *story.TimelineTree, branchID string) ([]story.Message, error) {
	b, ok := t.Branches[branchID]
	if !ok {
		return nil, ErrBranchNotFound
	}

	if b.IsBlank() {
		delta, err := e.loadDelta(storyID, branchID)
		if err != nil {
			return nil, err
		}
		return attributeOwner(delta, branchID), nil
	}

	base, err := e.BaseConversation(storyID)
	if err != nil {
		return nil, err
	}
	timeline := attributeOwner(base, story.MainBranchID)

	for _, ancestor := range ancestorChain(t, branchID) {
		if ancestor.BranchPointIndex != nil {
			bp := *ancestor.BranchPointIndex
			cut := len(timeline)
			for i, m := range timeline {
				if m.Index > bp {
					cut = i
					break
				}
			}
			timeline = timeline[:cut]
		}
		delta, err := e.loadDelta(storyID, ancestor.ID)
		if err != nil {
			return nil, err
		}
		timeline = append(timeline, attributeOwner(delta, ancestor.ID)...)
	}
	return timeline, nil
}

func attributeOwner(msgs []story.Message, ownerID string) []story.Message {
	out := make([]story.Message, len(msgs))
	for i, m := range msgs {
		m.OwnerBranchID = ownerID
		out[i] = m
	}
	return out
}

// ForkPoint is one divergence index on a branch's ancestor path with the
// sibling branches that fork there.
type ForkPoint struct {
	MessageIndex int      `json:"message_index"`
	BranchIDs    []string `json:"branch_ids"`
}

// ForkPoints surfaces, for each message index along the branch's ancestor
// path, the sibling branches diverging at that index.
func (e *Engine) ForkPoints(t *story.TimelineTree, branchID string) []ForkPoint {
	chain := ancestorChain(t, branchID)
	onPath := make(map[string]struct{}, len(chain))
	for _, b := range chain {
		onPath[b.ID] = struct{}{}
	}

	byIndex := make(map[int][]string)
	for _, b := range t.Branches {
		if b.Deleted || b.BranchPointIndex == nil || *b.BranchPointIndex < 0 {
			continue
		}
		if b.Parent == nil {
			continue
		}
		if _, ok := onPath[*b.Parent]; !ok {
			continue
		}
		byIndex[*b.BranchPointIndex] = append(byIndex[*b.BranchPointIndex], b.ID)
	}

	indices := make([]int, 0, len(byIndex))
	for idx := range byIndex {
		indices = append(indices, idx)
	}
	sort.Ints(indices)

	out := make([]ForkPoint, 0, len(indices))
	for _, idx := range indices {
		ids := byIndex[idx]
		sort.Slice(ids, func(i, j int) bool {
			return t.Branches[ids[i]].CreatedAt.Before(t.Branches[ids[j]].CreatedAt)
		})
		out = append(out, ForkPoint{MessageIndex: idx, BranchIDs: ids})
	}
	return out
}

// SiblingVariant is one competing continuation at a divergent index.
type SiblingVariant struct {
	BranchID string `json:"branch_id"`
	Name     string `json:"name"`
	Current  bool   `json:"current"`
}

// SiblingGroup lists the competing continuations at one divergence point.
type SiblingGroup struct {
	MessageIndex int              `json:"message_index"`
	Variants     []SiblingVariant `json:"variants"`
}

// SiblingGroups lists, per divergent index on the branch's path, the parent
// continuation and each child fork, flagging the variant the branch itself
// follows.
func (e *Engine) SiblingGroups(t *story.TimelineTree, branchID string) []SiblingGroup {
	chain := ancestorChain(t, branchID)
	onPath := make(map[string]struct{}, len(chain))
	for _, b := range chain {
		onPath[b.ID] = struct{}{}
	}

	var groups []SiblingGroup
	for _, fp := range e.ForkPoints(t, branchID) {
		// The branch follows one of the forks if that fork is on its path;
		// otherwise it follows the parent's own continuation.
		currentIsFork := false
		for _, id := range fp.BranchIDs {
			if _, ok := onPath[id]; ok {
				currentIsFork = true
				break
			}
		}

		variants := []SiblingVariant{}
		forkParent := ""
		for _, id := range fp.BranchIDs {
			if p := t.Branches[id].Parent; p != nil {
				forkParent = *p
				break
			}
		}
		if parent, ok := t.Branches[forkParent]; ok {
			variants = append(variants, SiblingVariant{
				BranchID: parent.ID,
				Name:     parent.Name + "（原線）",
				Current:  !currentIsFork,
			})
		}
		for _, id := range fp.BranchIDs {
			_, cur := onPath[id]
			variants = append(variants, SiblingVariant{
				BranchID: id,
				Name:     t.Branches[id].Name,
				Current:  cur,
			})
		}
		groups = append(groups, SiblingGroup{MessageIndex: fp.MessageIndex, Variants: variants})
	}
	return groups
}

// findStateAtIndex walks the timeline backward for the nearest GM message at
// or before idx carrying a state snapshot; the story default is the fallback.
func (e *Engine) findStateAtIndex(storyID string, timeline []story.Message, idx int) (map[string]any, error) {
	for i := len(timeline) - 1; i >= 0; i-- {
		m := timeline[i]
		if m.Index > idx || m.Role != story.RoleGM {
			continue
		}
		if m.StateSnapshot != nil {
			return m.StateSnapshot, nil
		}
	}
	return e.DefaultState(storyID)
}

// findNPCsAtIndex is the roster analogue of findStateAtIndex with an empty
// fallback.
func (e *Engine) findNPCsAtIndex(timeline []story.Message, idx int) []story.NPC {
	for i := len(timeline) - 1; i >= 0; i-- {
		m := timeline[i]
		if m.Index > idx || m.Role != story.RoleGM {
			continue
		}
		if m.NPCsSnapshot != nil {
			return m.NPCsSnapshot
		}
	}
	return nil
}

// findWorldDayAtIndex returns the nearest world-day snapshot at or before
// idx, zero when none exists.
func findWorldDayAtIndex(timeline []story.Message, idx int) float64 {
	for i := len(timeline) - 1; i >= 0; i-- {
		m := timeline[i]
		if m.Index > idx || m.Role != story.RoleGM {
			continue
		}
		if m.WorldDaySnapshot != nil {
			return *m.WorldDaySnapshot
		}
	}
	return 0
}

// Agent snapshots.

// LoadAgentSnapshots reads a branch's agent snapshot list.
func (e *Engine) LoadAgentSnapshots(storyID, branchID string) ([]story.AgentSnapshot, error) {
	var snaps []story.AgentSnapshot
	if _, err := storage.ReadJSON(e.layout.AgentSnapshotsPath(storyID, branchID), &snaps); err != nil {
		return nil, err
	}
	return snaps, nil
}

// AppendAgentSnapshot appends one snapshot, keeping the list sorted by world
// day. Serialized by the branch lock.
func (e *Engine) AppendAgentSnapshot(storyID, branchID string, snap story.AgentSnapshot) error {
	lock := e.locks.Branch(storyID, branchID)
	lock.Lock()
	defer lock.Unlock()

	snaps, err := e.LoadAgentSnapshots(storyID, branchID)
	if err != nil {
		return err
	}
	if snap.Timestamp.IsZero() {
		snap.Timestamp = time.Now()
	}
	snaps = append(snaps, snap)
	sort.SliceStable(snaps, func(i, j int) bool { return snaps[i].WorldDay < snaps[j].WorldDay })
	return storage.WriteJSONAtomic(e.layout.AgentSnapshotsPath(storyID, branchID), snaps)
}

// AgentSnapshotAt returns the latest snapshot with world_day at or before
// the target, nil when none qualifies.
func (e *Engine) AgentSnapshotAt(storyID, branchID string, worldDay float64) (*story.AgentSnapshot, error) {
	snaps, err := e.LoadAgentSnapshots(storyID, branchID)
	if err != nil {
		return nil, err
	}
	var best *story.AgentSnapshot
	for i := range snaps {
		if snaps[i].WorldDay <= worldDay {
			best = &snaps[i]
		}
	}
	return best, nil
}
