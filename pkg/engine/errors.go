package engine

import "errors"

// Typed errors surfaced to the HTTP layer and the auto-play driver.
var (
	ErrBranchNotFound = errors.New("branch not found")
	ErrBranchRetired  = errors.New("branch is deleted or merged")
	ErrStoryNotFound  = errors.New("story not found")
)

// GMError signals that the provider failed mid-turn and the user message was
// rolled back. Autonomous callers retry the same action cleanly.
type GMError struct {
	Message string
}

func (e *GMError) Error() string { return e.Message }
