package engine

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/storyloom/storyloom/pkg/llm"
	"github.com/storyloom/storyloom/pkg/story"
	"github.com/storyloom/storyloom/pkg/usage"
)

// Edit forks at branchPointIndex and replays the turn with the rewritten
// user text: the new branch's delta starts with the edited message, followed
// by a fresh GM reply.
func (e *Engine) Edit(ctx context.Context, storyID, parentID string, branchPointIndex int, newText string) (TurnResult, error) {
	b, err := e.CreateBranch(storyID, BranchSpec{
		Name:             deriveBranchName(newText),
		ParentID:         parentID,
		BranchPointIndex: branchPointIndex,
	})
	if err != nil {
		return TurnResult{}, err
	}
	res, err := e.SendTurn(ctx, TurnInput{StoryID: storyID, BranchID: b.ID, UserText: newText})
	res.Branch = b
	return res, err
}

// EditStream is the streaming form of Edit.
func (e *Engine) EditStream(ctx context.Context, storyID, parentID string, branchPointIndex int, newText string, emit func(StreamEvent)) (*story.Branch, error) {
	b, err := e.CreateBranch(storyID, BranchSpec{
		Name:             deriveBranchName(newText),
		ParentID:         parentID,
		BranchPointIndex: branchPointIndex,
	})
	if err != nil {
		return nil, err
	}
	return b, e.SendTurnStream(ctx, TurnInput{StoryID: storyID, BranchID: b.ID, UserText: newText}, emit)
}

// Regenerate forks at a user message index and produces a fresh GM reply for
// it. The user message itself stays in the parent's history; the new
// branch's delta holds only the new reply.
func (e *Engine) Regenerate(ctx context.Context, storyID, parentID string, userMsgIndex int) (TurnResult, error) {
	prep, err := e.prepareRegen(storyID, parentID, userMsgIndex)
	if err != nil {
		return TurnResult{}, err
	}

	start := time.Now()
	reply, u, genErr := e.provider.Generate(ctx, prep.system, prep.chat)
	e.recordUsage(storyID, prep.branch.ID, usage.PurposeTurn, u, time.Since(start))

	if genErr != nil || llm.IsErrorContent(reply) || strings.TrimSpace(reply) == "" {
		content := reply
		if genErr != nil {
			content = llm.ErrorContent(genErr)
		} else if strings.TrimSpace(reply) == "" {
			content = llm.ErrorContent(llm.ErrEmptyResponse)
		}
		return TurnResult{UserMsg: prep.userMsg, Branch: prep.branch}, &GMError{Message: content}
	}

	gmMsg, err := e.commitTurn(ctx, TurnInput{StoryID: storyID, BranchID: prep.branch.ID}, prep, reply)
	if err != nil {
		return TurnResult{}, err
	}
	return TurnResult{UserMsg: prep.userMsg, GMMsg: gmMsg, Branch: prep.branch}, nil
}

// RegenerateStream is the streaming form of Regenerate.
func (e *Engine) RegenerateStream(ctx context.Context, storyID, parentID string, userMsgIndex int, emit func(StreamEvent)) (*story.Branch, error) {
	prep, err := e.prepareRegen(storyID, parentID, userMsgIndex)
	if err != nil {
		return nil, err
	}
	if prep.userMsg.Dice != nil {
		emit(StreamEvent{Type: EventDice, Dice: prep.userMsg.Dice})
	}

	start := time.Now()
	chunks, err := e.provider.GenerateStreaming(context.WithoutCancel(ctx), prep.system, prep.chat)
	if err != nil {
		emit(StreamEvent{Type: EventError, Message: llm.ErrorContent(err)})
		return prep.branch, &GMError{Message: llm.ErrorContent(err)}
	}

	var transcript strings.Builder
	var streamUsage llm.Usage
	var streamErr error
	for chunk := range chunks {
		switch chunk.Type {
		case llm.ChunkText:
			transcript.WriteString(chunk.Text)
			emit(StreamEvent{Type: EventText, Chunk: chunk.Text})
		case llm.ChunkDone:
			streamUsage = chunk.Usage
		case llm.ChunkError:
			streamErr = chunk.Err
		}
	}
	e.recordUsage(storyID, prep.branch.ID, usage.PurposeTurn, streamUsage, time.Since(start))

	text := transcript.String()
	if strings.TrimSpace(text) == "" {
		content := llm.ErrorContent(llm.ErrEmptyResponse)
		if streamErr != nil {
			content = llm.ErrorContent(streamErr)
		}
		emit(StreamEvent{Type: EventError, Message: content})
		return prep.branch, &GMError{Message: content}
	}

	gmMsg, err := e.commitTurn(ctx, TurnInput{StoryID: storyID, BranchID: prep.branch.ID}, prep, text)
	if err != nil {
		emit(StreamEvent{Type: EventError, Message: err.Error()})
		return prep.branch, err
	}
	emit(StreamEvent{Type: EventDone, GMMsg: &gmMsg, Branch: prep.branch})
	return prep.branch, nil
}

// prepareRegen forks at the user message and assembles the same context the
// original turn saw, reusing that message's dice roll.
func (e *Engine) prepareRegen(storyID, parentID string, userMsgIndex int) (*turnPrep, error) {
	treeLock := e.locks.Tree(storyID)
	treeLock.Lock()
	tree, err := e.LoadTree(storyID)
	if err != nil {
		treeLock.Unlock()
		return nil, err
	}
	parentTimeline, err := e.FullTimeline(storyID, tree, parentID)
	treeLock.Unlock()
	if err != nil {
		return nil, err
	}

	var userMsg *story.Message
	for i := range parentTimeline {
		if parentTimeline[i].Index == userMsgIndex {
			userMsg = &parentTimeline[i]
			break
		}
	}
	if userMsg == nil || userMsg.Role != story.RoleUser {
		return nil, fmt.Errorf("message %d is not a user message", userMsgIndex)
	}

	b, err := e.CreateBranch(storyID, BranchSpec{
		Name:             "重骰：" + deriveBranchName(userMsg.Content),
		ParentID:         parentID,
		BranchPointIndex: userMsgIndex,
	})
	if err != nil {
		return nil, err
	}

	lock := e.locks.Branch(storyID, b.ID)
	lock.Lock()
	defer lock.Unlock()

	tree, err = e.LoadTree(storyID)
	if err != nil {
		return nil, err
	}
	timeline, err := e.FullTimeline(storyID, tree, b.ID)
	if err != nil {
		return nil, err
	}

	st, err := e.LoadState(storyID, b.ID)
	if err != nil {
		return nil, err
	}
	roll := story.DiceRoll{}
	if userMsg.Dice != nil {
		roll = *userMsg.Dice
	}

	// The timeline already ends with the user message; context is assembled
	// against everything before it.
	system, chat, err := e.assembleContext(
		TurnInput{StoryID: storyID, BranchID: b.ID, UserText: userMsg.Content},
		tree, b, timeline[:len(timeline)-1], st, roll)
	if err != nil {
		return nil, err
	}

	playerTurns := 0
	for _, m := range timeline {
		if m.Role == story.RoleUser {
			playerTurns++
		}
	}

	return &turnPrep{
		branch:      b,
		tree:        tree,
		userMsg:     *userMsg,
		system:      system,
		chat:        chat,
		playerTurns: playerTurns,
	}, nil
}
