package storage

import "sync"

// LockManager hands out the write locks that guard multi-file operations.
// One lock per (story, branch) pair serializes turn commits, snapshot
// writes, and world-day advances; one lock per story serializes timeline
// tree mutations (fork, promote, merge, rename, delete).
//
// Locks are created on first use and never reclaimed; the set of live
// branches in a single process is small.
type LockManager struct {
	mu     sync.Mutex
	branch map[branchKey]*sync.Mutex
	tree   map[string]*sync.Mutex
}

type branchKey struct {
	story  string
	branch string
}

// NewLockManager creates an empty lock manager.
func NewLockManager() *LockManager {
	return &LockManager{
		branch: make(map[branchKey]*sync.Mutex),
		tree:   make(map[string]*sync.Mutex),
	}
}

// Branch returns the write lock for a (story, branch) pair.
func (m *LockManager) Branch(storyID, branchID string) *sync.Mutex {
	m.mu.Lock()
	defer m.mu.Unlock()

	k := branchKey{story: storyID, branch: branchID}
	l, ok := m.branch[k]
	if !ok {
		l = &sync.Mutex{}
		m.branch[k] = l
	}
	return l
}

// Tree returns the timeline-tree lock for a story.
func (m *LockManager) Tree(storyID string) *sync.Mutex {
	m.mu.Lock()
	defer m.mu.Unlock()

	l, ok := m.tree[storyID]
	if !ok {
		l = &sync.Mutex{}
		m.tree[storyID] = l
	}
	return l
}

// TryLockBranch attempts to acquire the branch lock without blocking.
// Background jobs use this to skip a branch that is mid-commit.
func (m *LockManager) TryLockBranch(storyID, branchID string) (unlock func(), ok bool) {
	l := m.Branch(storyID, branchID)
	if !l.TryLock() {
		return nil, false
	}
	return l.Unlock, true
}
