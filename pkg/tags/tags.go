// Package tags extracts typed side-effect payloads from GM output. The five
// tag families share one enclosure grammar (open marker, family name, body,
// family name, close marker) in two accepted bracket styles:
//
//	<!--STATE {...} STATE-->
//	[STATE {...} STATE]
//
// A single scanner walks the text consuming matches; payload parsing is
// dispatched per family. Malformed JSON bodies are dropped silently: the
// engine prefers partial progress over aborting a turn.
package tags

import (
	"encoding/json"
	"strings"

	"github.com/storyloom/storyloom/pkg/story"
)

// Family identifies one tag family.
type Family string

const (
	FamilyState Family = "STATE"
	FamilyLore  Family = "LORE"
	FamilyNPC   Family = "NPC"
	FamilyEvent Family = "EVENT"
	FamilyImage Family = "IMG"
	FamilyTime  Family = "TIME"
)

var families = []Family{FamilyState, FamilyLore, FamilyNPC, FamilyEvent, FamilyImage, FamilyTime}

// EventPayload is the parsed body of an EVENT tag.
type EventPayload struct {
	EventType     string `json:"event_type"`
	Title         string `json:"title"`
	Description   string `json:"description"`
	Status        string `json:"status"`
	Tags          string `json:"tags"`
	RelatedTitles string `json:"related_titles"`
}

// Result carries the cleaned text plus the parsed payloads per family.
type Result struct {
	Clean string

	States []map[string]any
	Lore   []story.LoreEntry
	NPCs   []map[string]any
	Events []EventPayload

	// ImagePrompt is the first IMG prompt found; later ones are discarded.
	ImagePrompt string

	// TimeBodies are raw TIME tag bodies ("days:2", "hours:6"), parsed by
	// the world clock.
	TimeBodies []string
}

type enclosure struct {
	open  string
	close string
}

func enclosuresFor(f Family) []enclosure {
	name := string(f)
	return []enclosure{
		{open: "<!--" + name, close: name + "-->"},
		{open: "[" + name, close: name + "]"},
	}
}

// Extract consumes every tag in text and returns the cleaned text alongside
// the parsed payloads.
func Extract(text string) Result {
	res := Result{}

	for {
		family, body, start, end, ok := nextTag(text)
		if !ok {
			break
		}
		res.ingest(family, body)
		text = text[:start] + text[end:]
	}

	res.Clean = strings.TrimSpace(text)
	return res
}

// nextTag finds the earliest tag of any family and returns its family, body,
// and the [start, end) span to strip.
func nextTag(text string) (Family, string, int, int, bool) {
	bestStart := -1
	var bestEnd int
	var bestFamily Family
	var bestBody string

	for _, f := range families {
		for _, enc := range enclosuresFor(f) {
			start := strings.Index(text, enc.open)
			if start < 0 {
				continue
			}
			bodyStart := start + len(enc.open)
			// The short bracket style needs a separator after the family
			// name so "[STATEMENT" is not mistaken for a tag.
			if strings.HasPrefix(enc.open, "[") {
				if bodyStart >= len(text) || (text[bodyStart] != ' ' && text[bodyStart] != '\n' && text[bodyStart] != '\t') {
					continue
				}
			}
			rel := strings.Index(text[bodyStart:], enc.close)
			if rel < 0 {
				continue
			}
			end := bodyStart + rel + len(enc.close)
			if bestStart < 0 || start < bestStart {
				bestStart = start
				bestEnd = end
				bestFamily = f
				bestBody = strings.TrimSpace(text[bodyStart : bodyStart+rel])
			}
		}
	}

	if bestStart < 0 {
		return "", "", 0, 0, false
	}
	return bestFamily, bestBody, bestStart, bestEnd, true
}

func (r *Result) ingest(f Family, body string) {
	switch f {
	case FamilyState:
		var m map[string]any
		if err := json.Unmarshal([]byte(body), &m); err == nil && len(m) > 0 {
			r.States = append(r.States, m)
		}
	case FamilyLore:
		var e story.LoreEntry
		if err := json.Unmarshal([]byte(body), &e); err == nil && e.Topic != "" {
			r.Lore = append(r.Lore, e)
		}
	case FamilyNPC:
		var m map[string]any
		if err := json.Unmarshal([]byte(body), &m); err == nil {
			if name, _ := m["name"].(string); name != "" {
				r.NPCs = append(r.NPCs, m)
			}
		}
	case FamilyEvent:
		var p EventPayload
		if err := json.Unmarshal([]byte(body), &p); err == nil && p.Title != "" {
			r.Events = append(r.Events, p)
		}
	case FamilyImage:
		if r.ImagePrompt == "" {
			prompt := strings.TrimSpace(strings.TrimPrefix(body, "prompt:"))
			if prompt != "" && prompt != body {
				r.ImagePrompt = prompt
			} else if after, found := strings.CutPrefix(body, "prompt："); found {
				r.ImagePrompt = strings.TrimSpace(after)
			}
		}
	case FamilyTime:
		if body != "" {
			r.TimeBodies = append(r.TimeBodies, body)
		}
	}
}

// StripContextEcho removes lines that begin with any of the injected block
// titles. Models occasionally echo the retrieved-context headers back; left
// alone they accumulate turn after turn.
func StripContextEcho(text string, titles []string) string {
	if len(titles) == 0 {
		return text
	}

	lines := strings.Split(text, "\n")
	out := lines[:0]
	for _, line := range lines {
		echoed := false
		trimmed := strings.TrimSpace(line)
		for _, t := range titles {
			if t != "" && strings.HasPrefix(trimmed, t) {
				echoed = true
				break
			}
		}
		if !echoed {
			out = append(out, line)
		}
	}
	return strings.Join(out, "\n")
}
