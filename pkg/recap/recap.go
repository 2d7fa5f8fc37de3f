// Package recap implements narrative compaction: the rolling per-branch
// summary that replaces old timeline turns in the model context, plus the
// meta-compaction that keeps the summary itself bounded.
package recap

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/pkoukk/tiktoken-go"

	"github.com/storyloom/storyloom/pkg/llm"
	"github.com/storyloom/storyloom/pkg/storage"
	"github.com/storyloom/storyloom/pkg/story"
	"github.com/storyloom/storyloom/pkg/usage"
)

// Compaction thresholds. The most recent RecentWindow turns are never
// compacted; compaction only runs once more than MinUncompacted turns have
// accumulated beyond the recap frontier.
const (
	RecentWindow   = 20
	MinUncompacted = 20

	// RecapCap is the recap length (in runes) past which meta-compaction
	// rewrites the recap down toward MetaTarget.
	RecapCap   = 8000
	MetaTarget = 3000

	// LongMessageCap bounds each source message fed to the summarizer.
	LongMessageCap = 500

	// promptTokenBudget bounds the compaction prompt; oldest turns are
	// dropped first when the batch would exceed it.
	promptTokenBudget = 24000
)

const compactionSystemPrompt = `你是故事檔案員。請將以下跑團記錄濃縮為敘事摘要，保留：
1. 關鍵劇情進展與因果
2. 人物關係變化
3. 獲得或失去的重要物品與能力
4. 未解決的伏筆
用第三人稱過去式書寫，不要逐句複述對話。`

const metaSystemPrompt = `你是故事檔案員。以下是一份過長的劇情摘要，請將它重寫為約三千字以內的精煉版本。
保留劇情因果、人物關係與未解決的伏筆；刪去重複與細節描寫。`

// Engine produces and maintains per-branch recaps.
type Engine struct {
	layout   storage.Layout
	provider llm.Provider
	usage    *usage.Log

	enc *tiktoken.Tiktoken
}

// NewEngine creates a recap engine. The usage log may be nil.
func NewEngine(layout storage.Layout, provider llm.Provider, usageLog *usage.Log) *Engine {
	enc, err := tiktoken.GetEncoding("cl100k_base")
	if err != nil {
		slog.Warn("tiktoken encoding unavailable, falling back to rune estimate", "error", err)
	}
	return &Engine{layout: layout, provider: provider, usage: usageLog, enc: enc}
}

// Load reads a branch's recap, returning the typed empty recap when the file
// is absent.
func (e *Engine) Load(storyID, branchID string) (story.Recap, error) {
	r := story.EmptyRecap()
	if _, err := storage.ReadJSON(e.layout.RecapPath(storyID, branchID), &r); err != nil {
		return story.Recap{}, err
	}
	return r, nil
}

func (e *Engine) save(storyID, branchID string, r story.Recap) error {
	return storage.WriteJSONAtomic(e.layout.RecapPath(storyID, branchID), r)
}

// ShouldCompact reports whether enough uncompacted turns have accumulated
// outside the recent window to justify a compaction pass.
func ShouldCompact(timelineLen, compactedThroughIndex int) bool {
	eligible := timelineLen - RecentWindow - (compactedThroughIndex + 1)
	return eligible > MinUncompacted
}

// Compact summarizes the uncompacted turns outside the recent window into the
// branch recap, then meta-compacts the recap if it has grown past RecapCap.
// The timeline passed in must be the branch's full reconstructed timeline.
func (e *Engine) Compact(ctx context.Context, storyID, branchID string, timeline []story.Message) error {
	current, err := e.Load(storyID, branchID)
	if err != nil {
		return err
	}
	if !ShouldCompact(len(timeline), current.CompactedThroughIndex) {
		return nil
	}

	cutoff := len(timeline) - RecentWindow
	var batch []story.Message
	for _, m := range timeline {
		if m.Index > current.CompactedThroughIndex && m.Index < cutoff {
			batch = append(batch, m)
		}
	}
	if len(batch) == 0 {
		return nil
	}
	batch = e.trimToBudget(batch)

	start := time.Now()
	summary, u, err := e.provider.Generate(ctx, compactionSystemPrompt, []llm.Message{
		{Role: llm.RoleUser, Content: e.renderBatch(current.RecapText, batch)},
	})
	if e.usage != nil {
		e.usage.Record(branchID, "llm", e.provider.ModelName(), usage.PurposeCompaction,
			u.PromptTokens, u.CompletionTokens, time.Since(start))
	}
	if err != nil {
		return fmt.Errorf("compaction generation failed: %w", err)
	}
	if llm.IsErrorContent(summary) || strings.TrimSpace(summary) == "" {
		return fmt.Errorf("compaction produced unusable summary")
	}

	userTurns := 0
	for _, m := range batch {
		if m.Role == story.RoleUser {
			userTurns++
		}
	}
	next := story.Recap{
		RecapText:             strings.TrimSpace(summary),
		CompactedThroughIndex: batch[len(batch)-1].Index,
		LastCompactedAt:       time.Now(),
		TotalTurnsCompacted:   current.TotalTurnsCompacted + userTurns,
	}

	if len([]rune(next.RecapText)) > RecapCap {
		reduced, err := e.metaCompact(ctx, branchID, next.RecapText)
		if err != nil {
			slog.Warn("meta-compaction failed, keeping long recap", "branch", branchID, "error", err)
		} else {
			next.RecapText = reduced
		}
	}

	if err := e.save(storyID, branchID, next); err != nil {
		return err
	}
	slog.Info("recap compacted",
		"story", storyID, "branch", branchID,
		"through", next.CompactedThroughIndex, "turns", len(batch))
	return nil
}

// metaCompact rewrites an oversized recap down toward MetaTarget runes.
func (e *Engine) metaCompact(ctx context.Context, branchID, recapText string) (string, error) {
	start := time.Now()
	reduced, u, err := e.provider.Generate(ctx, metaSystemPrompt, []llm.Message{
		{Role: llm.RoleUser, Content: recapText},
	})
	if e.usage != nil {
		e.usage.Record(branchID, "llm", e.provider.ModelName(), usage.PurposeMeta,
			u.PromptTokens, u.CompletionTokens, time.Since(start))
	}
	if err != nil {
		return "", err
	}
	reduced = strings.TrimSpace(reduced)
	if reduced == "" || llm.IsErrorContent(reduced) {
		return "", fmt.Errorf("meta-compaction produced unusable text")
	}
	return reduced, nil
}

// CopyToBranch seeds a fork's recap from its parent. When the parent has
// compacted past the fork point the inherited recap describes turns the
// child never saw, so the frontier is clamped to the fork point and a
// divergence notice is appended; otherwise the recap is copied as-is.
func (e *Engine) CopyToBranch(storyID, srcBranch, dstBranch string, branchPointIndex *int) error {
	parent, err := e.Load(storyID, srcBranch)
	if err != nil {
		return err
	}
	child := parent
	if branchPointIndex != nil && parent.CompactedThroughIndex > *branchPointIndex {
		child.CompactedThroughIndex = *branchPointIndex
		if child.RecapText != "" {
			child.RecapText += "\n\n（故事在此分歧，以下為新的時間線。）"
		}
	}
	return e.save(storyID, dstBranch, child)
}

// Reset clears a branch's recap. Blank branches start empty.
func (e *Engine) Reset(storyID, branchID string) error {
	return e.save(storyID, branchID, story.EmptyRecap())
}

func (e *Engine) renderBatch(existingRecap string, batch []story.Message) string {
	var b strings.Builder
	if existingRecap != "" {
		b.WriteString("【既有摘要】\n")
		b.WriteString(existingRecap)
		b.WriteString("\n\n【新增記錄】\n")
	}
	for _, m := range batch {
		label := "玩家"
		if m.Role == story.RoleGM {
			label = "GM"
		}
		fmt.Fprintf(&b, "%s：%s\n", label, truncateRunes(m.Content, LongMessageCap))
	}
	return b.String()
}

// trimToBudget drops oldest messages until the batch fits the prompt token
// budget.
func (e *Engine) trimToBudget(batch []story.Message) []story.Message {
	for len(batch) > 1 {
		total := 0
		for _, m := range batch {
			total += e.countTokens(truncateRunes(m.Content, LongMessageCap))
		}
		if total <= promptTokenBudget {
			break
		}
		batch = batch[1:]
	}
	return batch
}

func (e *Engine) countTokens(s string) int {
	if e.enc != nil {
		return len(e.enc.Encode(s, nil, nil))
	}
	// CJK-heavy text runs close to one token per rune.
	return len([]rune(s))
}

func truncateRunes(s string, n int) string {
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	return string(runes[:n]) + "…（節錄）"
}
