// Package dice implements the fate-dice roll injected into each user turn:
// a d100 with attribute modifiers derived from the character state, plus the
// per-branch cheat modifier.
package dice

import (
	"fmt"
	"math/rand"
	"strings"

	"github.com/storyloom/storyloom/pkg/story"
)

// Outcome labels.
const (
	OutcomeCriticalSuccess = "大成功"
	OutcomeSuccess         = "成功"
	OutcomeNarrowSuccess   = "勉強成功"
	OutcomeFailure         = "失敗"
	OutcomeSevereFailure   = "嚴重失敗"
	OutcomeCriticalFailure = "大失敗"
)

type modifierRow struct {
	label string
	mod   int
}

// Modifier tables map textual attribute levels to integers. Matching is
// fuzzy: the first row whose label is a substring of the attribute string
// wins, with parenthesized qualifiers flattened first. Rows are ordered
// strongest first so "強化(頂級)" does not fall through to "強化".
var physiqueTable = []modifierRow{
	{"超越", 20},
	{"頂級", 15},
	{"高度", 10},
	{"中度", 6},
	{"初步", 3},
	{"強化", 3},
	{"普通", 0},
}

var spiritTable = []modifierRow{
	{"超越", 20},
	{"頂級", 15},
	{"高度", 10},
	{"中度", 6},
	{"初步", 3},
	{"強化", 3},
	{"普通", 0},
}

var geneLockTable = []modifierRow{
	{"四階", 20},
	{"三階", 14},
	{"二階", 8},
	{"一階", 4},
	{"未開啟", 0},
}

// RollFate rolls a d100 and applies attribute and cheat modifiers.
//
// attr_bonus = (physique_mod + spirit_mod)/2 + gene_lock_mod. In normal mode
// raw >= 96 is always a critical success and raw <= 5 a critical failure;
// otherwise the effective value is bucketed. In always-success mode only
// positive outcomes are emitted with fixed probabilities.
func RollFate(state map[string]any, cheat int, alwaysSuccess bool, rng *rand.Rand) story.DiceRoll {
	raw := rng.Intn(100) + 1

	physique := lookupModifier(physiqueTable, stringField(state, "physique"))
	spirit := lookupModifier(spiritTable, stringField(state, "spirit"))
	geneLock := lookupModifier(geneLockTable, stringField(state, "gene_lock"))

	attrBonus := float64(physique+spirit)/2 + float64(geneLock)
	effective := float64(raw) + attrBonus + float64(cheat)

	var outcome string
	if alwaysSuccess {
		switch p := rng.Intn(100); {
		case p < 10:
			outcome = OutcomeCriticalSuccess
		case p < 70:
			outcome = OutcomeSuccess
		default:
			outcome = OutcomeNarrowSuccess
		}
	} else {
		switch {
		case raw >= 96:
			outcome = OutcomeCriticalSuccess
		case raw <= 5:
			outcome = OutcomeCriticalFailure
		case effective >= 80:
			outcome = OutcomeSuccess
		case effective >= 50:
			outcome = OutcomeNarrowSuccess
		case effective >= 30:
			outcome = OutcomeFailure
		default:
			outcome = OutcomeSevereFailure
		}
	}

	return story.DiceRoll{
		Raw:       raw,
		AttrBonus: attrBonus,
		Cheat:     cheat,
		Effective: effective,
		Outcome:   outcome,
	}
}

// ContextTitle heads the injected dice line; the tag parser strips model
// echoes of it.
const ContextTitle = "【命運骰】"

// ContextLine renders the roll as the line appended to the augmented user
// message so the GM narrates against a fixed result.
func ContextLine(r story.DiceRoll) string {
	return fmt.Sprintf("%sd100=%d 修正=%+.1f 最終=%.1f → %s", ContextTitle, r.Raw, r.AttrBonus+float64(r.Cheat), r.Effective, r.Outcome)
}

func lookupModifier(table []modifierRow, attr string) int {
	if attr == "" {
		return 0
	}
	flat := flattenParens(attr)
	for _, row := range table {
		if strings.Contains(flat, row.label) {
			return row.mod
		}
	}
	return 0
}

// flattenParens removes parenthesis characters so "強化(頂級)" matches a
// "頂級強化" style label and vice versa.
func flattenParens(s string) string {
	r := strings.NewReplacer("(", "", ")", "", "（", "", "）", "")
	return r.Replace(s)
}

func stringField(state map[string]any, key string) string {
	if state == nil {
		return ""
	}
	if v, ok := state[key].(string); ok {
		return v
	}
	return ""
}
