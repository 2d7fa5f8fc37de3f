package tags

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExtractStateBothStyles(t *testing.T) {
	tests := []struct {
		name string
		text string
	}{
		{"comment style", "夜色深沉。<!--STATE {\"hp\": 80} STATE-->他繼續前進。"},
		{"bracket style", "夜色深沉。[STATE {\"hp\": 80} STATE]他繼續前進。"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := Extract(tt.text)
			require.Len(t, res.States, 1)
			assert.Equal(t, float64(80), res.States[0]["hp"])
			assert.Equal(t, "夜色深沉。他繼續前進。", res.Clean)
		})
	}
}

func TestExtractMalformedJSONDropped(t *testing.T) {
	res := Extract("text <!--STATE {not json} STATE--> more")
	assert.Empty(t, res.States)
	assert.Equal(t, "text  more", res.Clean)
}

func TestExtractBracketNeedsSeparator(t *testing.T) {
	// "[STATEMENT" must not be treated as an open marker.
	res := Extract("[STATEMENT of intent STATE]")
	assert.Empty(t, res.States)
	assert.Equal(t, "[STATEMENT of intent STATE]", res.Clean)
}

func TestExtractMultipleFamilies(t *testing.T) {
	text := `劇情繼續。
<!--LORE {"category":"勢力","topic":"中洲隊","content":"新人隊伍"} LORE-->
<!--EVENT {"event_type":"foreshadow","title":"血字預言","description":"牆上的血字","status":"planted"} EVENT-->
<!--NPC {"name":"楚軒","role":"智將"} NPC-->
<!--TIME days:2 TIME-->
<!--IMG prompt: 廢棄醫院走廊 IMG-->`

	res := Extract(text)
	require.Len(t, res.Lore, 1)
	assert.Equal(t, "中洲隊", res.Lore[0].Topic)
	require.Len(t, res.Events, 1)
	assert.Equal(t, "血字預言", res.Events[0].Title)
	require.Len(t, res.NPCs, 1)
	assert.Equal(t, "楚軒", res.NPCs[0]["name"])
	assert.Equal(t, []string{"days:2"}, res.TimeBodies)
	assert.Equal(t, "廢棄醫院走廊", res.ImagePrompt)
	assert.Equal(t, "劇情繼續。", res.Clean)
}

func TestExtractLoreRequiresTopic(t *testing.T) {
	res := Extract(`<!--LORE {"category":"勢力","content":"沒有主題"} LORE-->`)
	assert.Empty(t, res.Lore)
}

func TestExtractNPCRequiresName(t *testing.T) {
	res := Extract(`<!--NPC {"role":"智將"} NPC-->`)
	assert.Empty(t, res.NPCs)
}

func TestExtractFirstImageWins(t *testing.T) {
	res := Extract("<!--IMG prompt: 第一張 IMG--> <!--IMG prompt: 第二張 IMG-->")
	assert.Equal(t, "第一張", res.ImagePrompt)
}

func TestExtractUnclosedTagLeftAlone(t *testing.T) {
	text := "開場。<!--STATE {\"hp\": 1}"
	res := Extract(text)
	assert.Empty(t, res.States)
	assert.Equal(t, text, res.Clean)
}

func TestStripContextEcho(t *testing.T) {
	text := "【相關世界觀】\n- 中洲隊：新人隊伍\n正文第一行\n  【命運骰】d100=42\n正文第二行"
	got := StripContextEcho(text, []string{"【相關世界觀】", "【命運骰】"})
	assert.Equal(t, "- 中洲隊：新人隊伍\n正文第一行\n正文第二行", got)
}

func TestStripContextEchoNoTitles(t *testing.T) {
	text := "【相關世界觀】\n正文"
	assert.Equal(t, text, StripContextEcho(text, nil))
}
