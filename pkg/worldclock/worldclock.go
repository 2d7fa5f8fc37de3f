// Package worldclock maintains the monotonic per-branch day counter and
// parses TIME tag bodies into day deltas.
package worldclock

import (
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/storyloom/storyloom/pkg/storage"
)

// Fixed day costs applied on dungeon phase transitions.
const (
	EnterDungeonCost = 0.5
	ExitDungeonCost  = 0.5
)

// dayFile is the persisted world_day.json shape.
type dayFile struct {
	WorldDay  float64   `json:"world_day"`
	UpdatedAt time.Time `json:"updated_at,omitempty"`
}

// Clock reads and advances per-branch world days. Writes go through the
// branch lock held by the caller's commit; Clock itself only does atomic
// single-file updates.
type Clock struct {
	layout storage.Layout
}

// NewClock creates a Clock over the given layout.
func NewClock(layout storage.Layout) *Clock {
	return &Clock{layout: layout}
}

// Get returns the current world day for a branch, zero when unset.
func (c *Clock) Get(storyID, branchID string) (float64, error) {
	var f dayFile
	if _, err := storage.ReadJSON(c.layout.WorldDayPath(storyID, branchID), &f); err != nil {
		return 0, err
	}
	return f.WorldDay, nil
}

// Advance adds delta days. Non-positive deltas are ignored; the world day
// never decreases.
func (c *Clock) Advance(storyID, branchID string, delta float64) error {
	if delta <= 0 {
		return nil
	}

	current, err := c.Get(storyID, branchID)
	if err != nil {
		return err
	}

	next := current + delta
	if err := c.write(storyID, branchID, next); err != nil {
		return err
	}

	slog.Info("world day advanced",
		"story", storyID, "branch", branchID,
		"from", current, "to", next)
	return nil
}

// Set overwrites the world day, refusing to move backwards.
func (c *Clock) Set(storyID, branchID string, day float64) error {
	current, err := c.Get(storyID, branchID)
	if err != nil {
		return err
	}
	if day < current {
		return fmt.Errorf("world day cannot decrease (%.2f -> %.2f)", current, day)
	}
	return c.write(storyID, branchID, day)
}

// ForceSet overwrites the world day unconditionally. Promotion and merge use
// it when a branch's clock is adopted wholesale.
func (c *Clock) ForceSet(storyID, branchID string, day float64) error {
	return c.write(storyID, branchID, day)
}

// CopyParentToChild seeds a fork's world day from its parent.
func (c *Clock) CopyParentToChild(storyID, parentID, childID string) error {
	day, err := c.Get(storyID, parentID)
	if err != nil {
		return err
	}
	return c.write(storyID, childID, day)
}

// Reset zeroes a branch's world day. Blank branches always start at zero.
func (c *Clock) Reset(storyID, branchID string) error {
	return c.write(storyID, branchID, 0)
}

func (c *Clock) write(storyID, branchID string, day float64) error {
	return storage.WriteJSONAtomic(c.layout.WorldDayPath(storyID, branchID), dayFile{
		WorldDay:  day,
		UpdatedAt: time.Now(),
	})
}

// ParseTimeBody converts a TIME tag body to days. Recognized forms are
// "days:N" and "hours:N" (hours divided by 24); everything else yields 0.
func ParseTimeBody(body string) float64 {
	body = strings.TrimSpace(body)

	for _, prefix := range []string{"days:", "days："} {
		if v, ok := parseAfter(body, prefix); ok {
			return v
		}
	}
	for _, prefix := range []string{"hours:", "hours："} {
		if v, ok := parseAfter(body, prefix); ok {
			return v / 24
		}
	}
	return 0
}

// TotalDays sums the day deltas from a set of TIME tag bodies.
func TotalDays(bodies []string) float64 {
	var total float64
	for _, b := range bodies {
		total += ParseTimeBody(b)
	}
	return total
}

func parseAfter(body, prefix string) (float64, bool) {
	if !strings.HasPrefix(body, prefix) {
		return 0, false
	}
	v, err := strconv.ParseFloat(strings.TrimSpace(body[len(prefix):]), 64)
	if err != nil || v < 0 {
		return 0, false
	}
	return v, true
}
