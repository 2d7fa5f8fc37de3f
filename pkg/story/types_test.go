package story

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNormalizeNPCName(t *testing.T) {
	tests := []struct {
		a, b string
		same bool
	}{
		{"楚軒", "楚 軒", true},
		{"楚軒", "楚軒。", true},
		{"Zheng Zha", "zheng-zha", true},
		{"王俠（隊長）", "王俠", false}, // parens stripped but inner text kept
		{"楚軒", "鄭吒", false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.same, SameNPC(tt.a, tt.b), "%q vs %q", tt.a, tt.b)
	}
}

func TestNormalizeNPCNameNFKC(t *testing.T) {
	// Full-width latin folds to ASCII.
	assert.True(t, SameNPC("Ａｌｉｃｅ", "alice"))
}

func TestBranchIsBlank(t *testing.T) {
	minusOne := -1
	zero := 0

	assert.True(t, (&Branch{Blank: true}).IsBlank())
	assert.True(t, (&Branch{BranchPointIndex: &minusOne}).IsBlank())
	assert.False(t, (&Branch{BranchPointIndex: &zero}).IsBlank())
	assert.False(t, (&Branch{}).IsBlank())
}

func TestBranchRetired(t *testing.T) {
	assert.True(t, (&Branch{Deleted: true}).Retired())
	assert.True(t, (&Branch{Merged: true}).Retired())
	assert.False(t, (&Branch{}).Retired())
}

func TestNewTimelineTree(t *testing.T) {
	tree := NewTimelineTree()
	assert.Equal(t, MainBranchID, tree.ActiveBranchID)
	root := tree.Branches[MainBranchID]
	assert.True(t, root.IsRoot())
	assert.False(t, root.IsBlank())
}

func TestStripTransient(t *testing.T) {
	m := Message{Index: 3, OwnerBranchID: "fork"}
	m.StripTransient()
	assert.Empty(t, m.OwnerBranchID)
	assert.Equal(t, 3, m.Index)
}

func TestEventActive(t *testing.T) {
	assert.True(t, EventActive(EventPlanted))
	assert.True(t, EventActive(EventTriggered))
	assert.False(t, EventActive(EventResolved))
	assert.False(t, EventActive(EventAbandoned))
}

func TestEmptyRecap(t *testing.T) {
	assert.Equal(t, -1, EmptyRecap().CompactedThroughIndex)
}

func TestBaseItemName(t *testing.T) {
	tests := []struct {
		item string
		want string
	}{
		{"軍用匕首 — 鋒利", "軍用匕首"},
		{"軍用匕首（備用）", "軍用匕首"},
		{"軍用匕首(備用)", "軍用匕首"},
		{"軍用匕首", "軍用匕首"},
		{"  留白  ", "留白"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, BaseItemName(tt.item))
	}
}

func TestSplitItemNote(t *testing.T) {
	name, note := SplitItemNote("軍用匕首 — 鋒利")
	assert.Equal(t, "軍用匕首", name)
	assert.Equal(t, "鋒利", note)

	name, note = SplitItemNote("軍用匕首")
	assert.Equal(t, "軍用匕首", name)
	assert.Empty(t, note)
}

func TestSchemaHelpers(t *testing.T) {
	s := DefaultSchema()

	f, ok := s.ListField("inventory")
	assert.True(t, ok)
	assert.Equal(t, ListKindMap, f.Kind)

	_, ok = s.ListField("unknown")
	assert.False(t, ok)

	assert.True(t, s.IsOverwriteKey("current_status"))
	assert.False(t, s.IsOverwriteKey("reward_points"))
}
