package story

import "github.com/google/uuid"

// ApplyNPCPayload upserts one parsed NPC tag payload into the roster.
// Identity is by normalized name; only fields present in the payload are
// touched. Returns the updated roster.
func ApplyNPCPayload(roster []NPC, payload map[string]any) []NPC {
	name, _ := payload["name"].(string)
	if name == "" {
		return roster
	}

	idx := -1
	for i := range roster {
		if SameNPC(roster[i].Name, name) {
			idx = i
			break
		}
	}
	if idx < 0 {
		roster = append(roster, NPC{
			ID:              uuid.NewString(),
			Name:            name,
			LifecycleStatus: NPCActive,
		})
		idx = len(roster) - 1
	}
	n := &roster[idx]

	if v, ok := payload["role"].(string); ok {
		n.Role = v
	}
	if v, ok := payload["appearance"].(string); ok {
		n.Appearance = v
	}
	if v, ok := payload["backstory"].(string); ok {
		n.Backstory = v
	}
	if v, ok := payload["current_status"].(string); ok {
		n.CurrentStatus = v
	}
	if v, ok := payload["relationship_to_player"].(string); ok {
		n.RelationshipToPlayer = v
	}
	if v, ok := payload["tier"].(string); ok {
		n.Tier = v
	}
	if v, ok := payload["lifecycle_status"].(string); ok && (v == NPCActive || v == NPCArchived) {
		n.LifecycleStatus = v
	}
	if v, ok := payload["archived_reason"].(string); ok {
		n.ArchivedReason = v
	}

	switch p := payload["personality"].(type) {
	case string:
		n.Personality.Summary = p
	case map[string]any:
		if s, ok := p["summary"].(string); ok {
			n.Personality.Summary = s
		}
		for k, v := range p {
			if k == "summary" {
				continue
			}
			if s, ok := v.(string); ok {
				if n.Personality.Traits == nil {
					n.Personality.Traits = map[string]string{}
				}
				n.Personality.Traits[k] = s
			}
		}
	}

	if traits, ok := payload["notable_traits"].([]any); ok {
		n.NotableTraits = nil
		for _, t := range traits {
			if s, ok := t.(string); ok {
				n.NotableTraits = append(n.NotableTraits, s)
			}
		}
	}

	return roster
}
