package engine

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/storyloom/storyloom/pkg/assembler"
	"github.com/storyloom/storyloom/pkg/dice"
	"github.com/storyloom/storyloom/pkg/event"
	"github.com/storyloom/storyloom/pkg/llm"
	"github.com/storyloom/storyloom/pkg/lore"
	"github.com/storyloom/storyloom/pkg/recap"
	"github.com/storyloom/storyloom/pkg/state"
	"github.com/storyloom/storyloom/pkg/stateindex"
	"github.com/storyloom/storyloom/pkg/storage"
	"github.com/storyloom/storyloom/pkg/story"
	"github.com/storyloom/storyloom/pkg/tags"
	"github.com/storyloom/storyloom/pkg/usage"
	"github.com/storyloom/storyloom/pkg/worldclock"
)

// TurnInput identifies one player action.
type TurnInput struct {
	StoryID   string
	BranchID  string
	UserText  string
	SessionID string
}

// TurnResult is the committed outcome of a turn.
type TurnResult struct {
	UserMsg story.Message `json:"player"`
	GMMsg   story.Message `json:"gm"`
	Branch  *story.Branch `json:"branch,omitempty"`
}

// Stream event types.
const (
	EventDice  = "dice"
	EventText  = "text"
	EventError = "error"
	EventDone  = "done"
)

// StreamEvent is one SSE payload emitted during a streaming turn.
type StreamEvent struct {
	Type    string          `json:"type"`
	Dice    *story.DiceRoll `json:"dice,omitempty"`
	Chunk   string          `json:"chunk,omitempty"`
	Message string          `json:"message,omitempty"`
	GMMsg   *story.Message  `json:"gm_msg,omitempty"`
	Branch  *story.Branch   `json:"branch,omitempty"`
}

// turnPrep is everything snapshotted under the branch lock before the model
// call.
type turnPrep struct {
	branch      *story.Branch
	tree        *story.TimelineTree
	userMsg     story.Message
	system      string
	chat        []llm.Message
	playerTurns int
	synthetic   *TurnResult // non-nil for /gm cheat turns
}

// SendTurn runs a complete non-streaming turn. On a provider failure the
// user message is rolled back and the returned error is a *GMError whose
// message carries the sentinel content; the TurnResult still contains that
// content so interactive callers can display it inline.
func (e *Engine) SendTurn(ctx context.Context, in TurnInput) (TurnResult, error) {
	prep, err := e.prepareTurn(in)
	if err != nil {
		return TurnResult{}, err
	}
	if prep.synthetic != nil {
		return *prep.synthetic, nil
	}

	start := time.Now()
	reply, u, genErr := e.provider.Generate(ctx, prep.system, prep.chat)
	e.recordUsage(in.StoryID, in.BranchID, usage.PurposeTurn, u, time.Since(start))

	if genErr != nil || llm.IsErrorContent(reply) || strings.TrimSpace(reply) == "" {
		content := reply
		if genErr != nil {
			content = llm.ErrorContent(genErr)
		} else if strings.TrimSpace(reply) == "" {
			content = llm.ErrorContent(llm.ErrEmptyResponse)
		}
		e.rollbackUserMessage(in.StoryID, in.BranchID, prep.userMsg.Index)
		return TurnResult{
			UserMsg: prep.userMsg,
			GMMsg:   story.Message{Index: prep.userMsg.Index + 1, Role: story.RoleGM, Content: content},
			Branch:  prep.branch,
		}, &GMError{Message: content}
	}

	gmMsg, err := e.commitTurn(ctx, in, prep, reply)
	if err != nil {
		return TurnResult{}, err
	}
	return TurnResult{UserMsg: prep.userMsg, GMMsg: gmMsg, Branch: prep.branch}, nil
}

// SendTurnStream runs a streaming turn, emitting the dice event first, then
// text chunks, then done (or error). A client disconnect does not cancel the
// model call: the accumulated transcript is still committed unless no text
// arrived at all.
func (e *Engine) SendTurnStream(ctx context.Context, in TurnInput, emit func(StreamEvent)) error {
	prep, err := e.prepareTurn(in)
	if err != nil {
		return err
	}
	if prep.synthetic != nil {
		emit(StreamEvent{Type: EventText, Chunk: prep.synthetic.GMMsg.Content})
		emit(StreamEvent{Type: EventDone, GMMsg: &prep.synthetic.GMMsg, Branch: prep.branch})
		return nil
	}

	if prep.userMsg.Dice != nil {
		emit(StreamEvent{Type: EventDice, Dice: prep.userMsg.Dice})
	}

	// The model call outlives the request context on purpose; disconnects
	// drain into the transcript instead of cancelling.
	start := time.Now()
	chunks, err := e.provider.GenerateStreaming(context.WithoutCancel(ctx), prep.system, prep.chat)
	if err != nil {
		e.rollbackUserMessage(in.StoryID, in.BranchID, prep.userMsg.Index)
		emit(StreamEvent{Type: EventError, Message: llm.ErrorContent(err)})
		return &GMError{Message: llm.ErrorContent(err)}
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
	e.recordUsage(in.StoryID, in.BranchID, usage.PurposeTurn, streamUsage, time.Since(start))

	text := transcript.String()
	if strings.TrimSpace(text) == "" {
		content := llm.ErrorContent(llm.ErrEmptyResponse)
		if streamErr != nil {
			content = llm.ErrorContent(streamErr)
		}
		e.rollbackUserMessage(in.StoryID, in.BranchID, prep.userMsg.Index)
		emit(StreamEvent{Type: EventError, Message: content})
		return &GMError{Message: content}
	}
	if streamErr != nil {
		slog.Warn("stream ended with error after partial text, committing partial transcript",
			"branch", in.BranchID, "error", streamErr)
	}

	gmMsg, err := e.commitTurn(ctx, in, prep, text)
	if err != nil {
		emit(StreamEvent{Type: EventError, Message: err.Error()})
		return err
	}
	emit(StreamEvent{Type: EventDone, GMMsg: &gmMsg, Branch: prep.branch})
	return nil
}

// prepareTurn resolves the branch, applies cheat commands, rolls dice,
// persists the user message, and assembles both prompt surfaces. The branch
// lock is released before returning; the model call happens outside it.
func (e *Engine) prepareTurn(in TurnInput) (*turnPrep, error) {
	treeLock := e.locks.Tree(in.StoryID)
	treeLock.Lock()
	tree, err := e.LoadTree(in.StoryID)
	if err != nil {
		treeLock.Unlock()
		return nil, err
	}
	branch, err := resolveBranch(tree, in.BranchID)
	if err != nil {
		treeLock.Unlock()
		return nil, err
	}
	if in.SessionID != "" && branch.SessionID != in.SessionID {
		branch.SessionID = in.SessionID
		if err := e.SaveTree(in.StoryID, tree); err != nil {
			treeLock.Unlock()
			return nil, err
		}
	}
	treeLock.Unlock()

	lock := e.locks.Branch(in.StoryID, in.BranchID)
	lock.Lock()
	defer lock.Unlock()

	timeline, err := e.FullTimeline(in.StoryID, tree, in.BranchID)
	if err != nil {
		return nil, err
	}
	nextIndex := len(timeline)

	if cmd, ok := parseGMCommand(in.UserText); ok {
		res, err := e.applyGMCommand(in.StoryID, in.BranchID, nextIndex, cmd)
		if err != nil {
			return nil, err
		}
		return &turnPrep{branch: branch, tree: tree, synthetic: res}, nil
	}

	st, err := e.LoadState(in.StoryID, in.BranchID)
	if err != nil {
		return nil, err
	}
	cheats, err := e.LoadCheats(in.StoryID, in.BranchID)
	if err != nil {
		return nil, err
	}
	roll := dice.RollFate(st, cheats.DiceModifier, cheats.AlwaysSuccess, rand.New(rand.NewSource(time.Now().UnixNano())))

	userMsg := story.Message{
		Index:   nextIndex,
		Role:    story.RoleUser,
		Content: in.UserText,
		Dice:    &roll,
	}
	delta, err := e.loadDelta(in.StoryID, in.BranchID)
	if err != nil {
		return nil, err
	}
	delta = append(delta, userMsg)
	if err := e.saveDelta(in.StoryID, in.BranchID, delta); err != nil {
		return nil, err
	}

	system, chat, err := e.assembleContext(in, tree, branch, timeline, st, roll)
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
		branch:      branch,
		tree:        tree,
		userMsg:     userMsg,
		system:      system,
		chat:        chat,
		playerTurns: playerTurns + 1,
	}, nil
}

// assembleContext builds the system prompt and the chat message list: the
// sanitized recent window followed by the augmented user message.
func (e *Engine) assembleContext(in TurnInput, tree *story.TimelineTree, branch *story.Branch, timeline []story.Message, st map[string]any, roll story.DiceRoll) (string, []llm.Message, error) {
	template, err := e.SystemPromptTemplate(in.StoryID)
	if err != nil {
		return "", nil, err
	}
	npcs, err := e.LoadNPCs(in.StoryID, in.BranchID)
	if err != nil {
		return "", nil, err
	}
	recaps, err := e.Recaps(in.StoryID)
	if err != nil {
		return "", nil, err
	}
	r, err := recaps.Load(in.StoryID, in.BranchID)
	if err != nil {
		return "", nil, err
	}
	loreIdx, err := e.Lore(in.StoryID)
	if err != nil {
		return "", nil, err
	}
	toc, err := loreIdx.TOC()
	if err != nil {
		return "", nil, err
	}

	system := assembler.BuildSystemPrompt(template, assembler.SystemPromptData{
		CharacterState: st,
		Recap:          r.RecapText,
		LoreTOC:        toc,
		NPCs:           npcs,
		TeamMode:       branch.TeamMode,
		Blank:          branch.IsBlank(),
	})

	loreBlock, err := loreIdx.ContextBlock(in.UserText, assembler.LoreLimit)
	if err != nil {
		return "", nil, err
	}

	eventBlock := ""
	if !branch.IsBlank() {
		events, err := e.Events(in.StoryID)
		if err != nil {
			return "", nil, err
		}
		eventBlock, err = events.ContextBlock(in.BranchID, in.UserText, assembler.EventLimit)
		if err != nil {
			return "", nil, err
		}
	}

	stateBlock := ""
	if idx, idxErr := e.StateIndex(in.StoryID, in.BranchID); idxErr != nil {
		slog.Warn("state index unavailable", "branch", in.BranchID, "error", idxErr)
	} else {
		status, _ := st["current_status"].(string)
		stateBlock, err = idx.SearchState(stateindex.SearchOptions{
			Query:   in.UserText,
			Context: stateindex.Context{Phase: phaseFor(status), Status: status},
		})
		if err != nil {
			return "", nil, err
		}
	}

	var activities []assembler.ActivityBatch
	if _, err := storage.ReadJSON(e.layout.NPCActivitiesPath(in.StoryID, in.BranchID), &activities); err != nil {
		return "", nil, err
	}

	augmented := assembler.AugmentUserMessage(in.UserText,
		loreBlock,
		eventBlock,
		stateBlock,
		assembler.FormatActivityBlock(activities),
		dice.ContextLine(roll),
	)

	recent := timeline
	if len(recent) > recap.RecentWindow {
		recent = recent[len(recent)-recap.RecentWindow:]
	}
	recent = assembler.SanitizeRecentMessages(recent)

	chat := make([]llm.Message, 0, len(recent)+1)
	for _, m := range recent {
		role := llm.RoleUser
		if m.Role == story.RoleGM {
			role = llm.RoleAssistant
		}
		chat = append(chat, llm.Message{Role: role, Content: m.Content})
	}
	chat = append(chat, llm.Message{Role: llm.RoleUser, Content: augmented})
	return system, chat, nil
}

// commitTurn applies the parsed tag side-effects and writes the GM message
// in one coherent pass under the branch lock, then launches background jobs.
func (e *Engine) commitTurn(ctx context.Context, in TurnInput, prep *turnPrep, transcript string) (story.Message, error) {
	lock := e.locks.Branch(in.StoryID, in.BranchID)
	lock.Lock()
	defer lock.Unlock()

	cleaned := tags.StripContextEcho(transcript, []string{
		lore.ContextBlockTitle,
		event.ContextBlockTitle,
		stateindex.ContextBlockTitle,
		assembler.NPCActivityTitle,
		dice.ContextTitle,
	})
	parsed := tags.Extract(cleaned)
	gmIndex := prep.userMsg.Index + 1

	schema, err := e.Schema(in.StoryID)
	if err != nil {
		return story.Message{}, err
	}
	st, err := e.LoadState(in.StoryID, in.BranchID)
	if err != nil {
		return story.Message{}, err
	}

	var unknownKeys []string
	for _, update := range parsed.States {
		// Review runs under the branch lock: the gate validates against
		// the exact state the patch will be applied to, and the lock keeps
		// that state fixed between review and apply.
		reviewed, notes := e.gate.Review(ctx, in.BranchID, st, update, schema)
		for _, note := range notes {
			slog.Info("state review note", "branch", in.BranchID, "note", note)
		}
		var unknown []string
		st, unknown = state.Apply(st, reviewed, schema)
		unknownKeys = append(unknownKeys, unknown...)
	}
	if err := e.SaveState(in.StoryID, in.BranchID, st); err != nil {
		return story.Message{}, err
	}

	for _, entry := range parsed.Lore {
		if err := e.UpsertLore(in.StoryID, entry); err != nil {
			slog.Warn("dropping lore upsert", "topic", entry.Topic, "error", err)
		}
	}

	npcs, err := e.LoadNPCs(in.StoryID, in.BranchID)
	if err != nil {
		return story.Message{}, err
	}
	for _, payload := range parsed.NPCs {
		npcs = story.ApplyNPCPayload(npcs, payload)
	}
	if err := e.SaveNPCs(in.StoryID, in.BranchID, npcs); err != nil {
		return story.Message{}, err
	}

	if idx, idxErr := e.StateIndex(in.StoryID, in.BranchID); idxErr != nil {
		slog.Warn("state index unavailable", "branch", in.BranchID, "error", idxErr)
	} else if err := idx.Rebuild(st, npcs, schema); err != nil {
		slog.Warn("state index rebuild failed", "branch", in.BranchID, "error", err)
	}

	if len(parsed.Events) > 0 {
		if err := e.insertEvents(in.StoryID, in.BranchID, gmIndex, parsed.Events); err != nil {
			return story.Message{}, err
		}
	}

	if delta := worldclock.TotalDays(parsed.TimeBodies); delta > 0 {
		if err := e.clock.Advance(in.StoryID, in.BranchID, delta); err != nil {
			return story.Message{}, err
		}
	}
	day, err := e.clock.Get(in.StoryID, in.BranchID)
	if err != nil {
		return story.Message{}, err
	}

	gmMsg := story.Message{
		Index:            gmIndex,
		Role:             story.RoleGM,
		Content:          parsed.Clean,
		StateSnapshot:    st,
		NPCsSnapshot:     npcs,
		WorldDaySnapshot: &day,
	}

	delta, err := e.loadDelta(in.StoryID, in.BranchID)
	if err != nil {
		return story.Message{}, err
	}
	delta = append(delta, gmMsg)
	if err := e.saveDelta(in.StoryID, in.BranchID, delta); err != nil {
		return story.Message{}, err
	}

	if parsed.ImagePrompt != "" && e.imageGen != nil {
		e.fireImageGen(in.StoryID, in.BranchID, gmIndex, parsed.ImagePrompt)
	}

	e.launchBackgroundJobs(in.StoryID, in.BranchID, backgroundInput{
		transcript:  cleaned,
		gmIndex:     gmIndex,
		playerTurns: prep.playerTurns,
		stateTagged: len(parsed.States) > 0,
		unknownKeys: unknownKeys,
	})

	return gmMsg, nil
}

// insertEvents dedups against existing titles and inserts the rest tied to
// the GM message index.
func (e *Engine) insertEvents(storyID, branchID string, gmIndex int, payloads []tags.EventPayload) error {
	events, err := e.Events(storyID)
	if err != nil {
		return err
	}
	existing, err := events.ExistingTitles(branchID)
	if err != nil {
		return err
	}
	for _, p := range payloads {
		if p.Title == "" {
			continue
		}
		if _, dup := existing[p.Title]; dup {
			continue
		}
		idx := gmIndex
		_, err := events.Insert(story.Event{
			EventType:     p.EventType,
			Title:         p.Title,
			Description:   p.Description,
			Status:        p.Status,
			Tags:          p.Tags,
			RelatedTitles: p.RelatedTitles,
			MessageIndex:  &idx,
			BranchID:      branchID,
		})
		if err != nil {
			return err
		}
		existing[p.Title] = struct{}{}
	}
	return nil
}

// UpsertLore writes through to world_lore.json (the source of truth) and the
// SQLite index in one pass, guarded by the story's lore lock.
func (e *Engine) UpsertLore(storyID string, entry story.LoreEntry) error {
	idx, err := e.Lore(storyID)
	if err != nil {
		return err
	}

	lock := e.locks.Branch(storyID, "@lore")
	lock.Lock()
	defer lock.Unlock()

	var entries []story.LoreEntry
	if _, err := storage.ReadJSON(e.layout.WorldLorePath(storyID), &entries); err != nil {
		return err
	}
	replaced := false
	for i := range entries {
		if entries[i].Topic == entry.Topic {
			entries[i] = entry
			replaced = true
			break
		}
	}
	if !replaced {
		entries = append(entries, entry)
	}
	if err := storage.WriteJSONAtomic(e.layout.WorldLorePath(storyID), entries); err != nil {
		return err
	}
	return idx.Upsert(entry)
}

// DeleteLore removes a topic from both the JSON source of truth and the
// index.
func (e *Engine) DeleteLore(storyID, topic string) error {
	idx, err := e.Lore(storyID)
	if err != nil {
		return err
	}

	lock := e.locks.Branch(storyID, "@lore")
	lock.Lock()
	defer lock.Unlock()

	var entries []story.LoreEntry
	if _, err := storage.ReadJSON(e.layout.WorldLorePath(storyID), &entries); err != nil {
		return err
	}
	kept := entries[:0]
	for _, x := range entries {
		if x.Topic != topic {
			kept = append(kept, x)
		}
	}
	if err := storage.WriteJSONAtomic(e.layout.WorldLorePath(storyID), kept); err != nil {
		return err
	}
	return idx.Delete(topic)
}

// fireImageGen generates an image off-turn and patches the GM message when
// it lands.
func (e *Engine) fireImageGen(storyID, branchID string, gmIndex int, prompt string) {
	e.pool.Go("image_gen", func(ctx context.Context) {
		img, err := e.imageGen(ctx, prompt)
		if err != nil {
			slog.Warn("image generation failed", "branch", branchID, "error", err)
			return
		}

		lock := e.locks.Branch(storyID, branchID)
		lock.Lock()
		defer lock.Unlock()

		delta, err := e.loadDelta(storyID, branchID)
		if err != nil {
			return
		}
		for i := range delta {
			if delta[i].Index == gmIndex && delta[i].Role == story.RoleGM {
				delta[i].Image = img
				_ = e.saveDelta(storyID, branchID, delta)
				return
			}
		}
	})
}

// rollbackUserMessage pops the just-written user message after a provider
// failure so the same action can retry cleanly.
func (e *Engine) rollbackUserMessage(storyID, branchID string, index int) {
	lock := e.locks.Branch(storyID, branchID)
	lock.Lock()
	defer lock.Unlock()

	delta, err := e.loadDelta(storyID, branchID)
	if err != nil || len(delta) == 0 {
		return
	}
	last := delta[len(delta)-1]
	if last.Index == index && last.Role == story.RoleUser {
		if err := e.saveDelta(storyID, branchID, delta[:len(delta)-1]); err != nil {
			slog.Error("failed to roll back user message", "branch", branchID, "error", err)
		}
	}
}

func (e *Engine) recordUsage(storyID, branchID, purpose string, u llm.Usage, d time.Duration) {
	log, err := e.Usage(storyID)
	if err != nil {
		slog.Warn("usage log unavailable", "story", storyID, "error", err)
		return
	}
	log.Record(branchID, "llm", e.provider.ModelName(), purpose, u.PromptTokens, u.CompletionTokens, d)
}

// phaseFor maps the character status line onto the retrieval phase.
func phaseFor(status string) string {
	switch {
	case strings.Contains(status, "副本"):
		return "dungeon"
	case strings.Contains(status, "主神空間"):
		return "hub"
	default:
		return ""
	}
}

// GM cheat commands.

var gmDicePattern = regexp.MustCompile(`^/gm\s+dice\s+([+-]?\d+|reset)$`)
var gmAlwaysPattern = regexp.MustCompile(`^/gm\s+always\s+(on|off)$`)

type gmCommand struct {
	diceModifier  *int
	resetDice     bool
	alwaysSuccess *bool
}

func parseGMCommand(text string) (gmCommand, bool) {
	text = strings.TrimSpace(text)
	if !strings.HasPrefix(text, "/gm") {
		return gmCommand{}, false
	}
	if m := gmDicePattern.FindStringSubmatch(text); m != nil {
		if m[1] == "reset" {
			return gmCommand{resetDice: true}, true
		}
		n, err := strconv.Atoi(m[1])
		if err == nil {
			return gmCommand{diceModifier: &n}, true
		}
	}
	if m := gmAlwaysPattern.FindStringSubmatch(text); m != nil {
		on := m[1] == "on"
		return gmCommand{alwaysSuccess: &on}, true
	}
	return gmCommand{}, false
}

// applyGMCommand mutates the branch cheat state and returns a synthetic
// acknowledgement without touching the timeline or the model.
func (e *Engine) applyGMCommand(storyID, branchID string, nextIndex int, cmd gmCommand) (*TurnResult, error) {
	cheats, err := e.LoadCheats(storyID, branchID)
	if err != nil {
		return nil, err
	}

	var ack string
	switch {
	case cmd.resetDice:
		cheats.DiceModifier = 0
		ack = "（GM 指令）命運骰修正已重置。"
	case cmd.diceModifier != nil:
		cheats.DiceModifier = *cmd.diceModifier
		ack = fmt.Sprintf("（GM 指令）命運骰修正設為 %+d。", *cmd.diceModifier)
	case cmd.alwaysSuccess != nil:
		cheats.AlwaysSuccess = *cmd.alwaysSuccess
		if *cmd.alwaysSuccess {
			ack = "（GM 指令）必定成功模式開啟。"
		} else {
			ack = "（GM 指令）必定成功模式關閉。"
		}
	}

	if err := e.SaveCheats(storyID, branchID, cheats); err != nil {
		return nil, err
	}

	// Synthetic messages are not persisted; index -1 marks them ephemeral.
	return &TurnResult{
		UserMsg: story.Message{Index: -1, Role: story.RoleUser, Content: ""},
		GMMsg:   story.Message{Index: -1, Role: story.RoleGM, Content: ack},
	}, nil
}
