package story

import "strings"

// Scalar field types recognized by the schema.
const (
	FieldText   = "text"
	FieldNumber = "number"
)

// List field kinds: an ordered sequence of strings, or a name→note map.
const (
	ListKindList = "list"
	ListKindMap  = "map"
)

// ListField declares one list-typed state field.
type ListField struct {
	Key  string `json:"key"`
	Kind string `json:"kind"`
}

// Schema declares the recognized shape of the character state. Keys absent
// from the schema are written through verbatim when their values are scalar.
type Schema struct {
	Scalars       map[string]string `json:"scalars,omitempty"`
	Lists         []ListField       `json:"lists,omitempty"`
	OverwriteKeys []string          `json:"overwrite_keys,omitempty"`
}

// DefaultSchema covers the canonical runtime fields when a story ships no
// schema of its own.
func DefaultSchema() Schema {
	return Schema{
		Scalars: map[string]string{
			"name":           FieldText,
			"reward_points":  FieldNumber,
			"gene_lock":      FieldText,
			"physique":       FieldText,
			"spirit":         FieldText,
			"current_status": FieldText,
		},
		Lists: []ListField{
			{Key: "inventory", Kind: ListKindMap},
			{Key: "relationships", Kind: ListKindMap},
			{Key: "completed_missions", Kind: ListKindList},
			{Key: "abilities", Kind: ListKindList},
		},
		OverwriteKeys: []string{"current_status", "gene_lock", "physique", "spirit"},
	}
}

// ListField returns the declaration for key, if any.
func (s Schema) ListField(key string) (ListField, bool) {
	for _, f := range s.Lists {
		if f.Key == key {
			return f, true
		}
	}
	return ListField{}, false
}

// IsOverwriteKey reports whether key may be replaced wholesale.
func (s Schema) IsOverwriteKey(key string) bool {
	for _, k := range s.OverwriteKeys {
		if k == key {
			return true
		}
	}
	return false
}

// BaseItemName extracts the comparable base of a list item: the text before
// a "—" separator or before a parenthesized suffix. "軍用匕首 — 鋒利" and
// "軍用匕首（備用）" both reduce to "軍用匕首".
func BaseItemName(item string) string {
	s := item
	if i := strings.Index(s, "—"); i >= 0 {
		s = s[:i]
	}
	for _, open := range []string{"(", "（"} {
		if i := strings.Index(s, open); i >= 0 {
			s = s[:i]
		}
	}
	return strings.TrimSpace(s)
}

// SplitItemNote splits an inventory-style "name — note" item. The note is
// empty when no separator is present.
func SplitItemNote(item string) (name, note string) {
	if i := strings.Index(item, "—"); i >= 0 {
		return strings.TrimSpace(item[:i]), strings.TrimSpace(item[i+len("—"):])
	}
	return strings.TrimSpace(item), ""
}
