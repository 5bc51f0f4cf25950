package delta

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/amerfu/spendgate/pkg/llm"
)

type wordCounter struct{}

func (wordCounter) Count(text string) int { return len(strings.Fields(text)) }

func newEncoder(cfg Config) *Encoder {
	if cfg.Counter == nil {
		cfg.Counter = wordCounter{}
	}
	return New(cfg)
}

const sysInstr = "Always respond in formal English and cite every source you rely on in footnotes."

func TestSystemRestatementReplaced(t *testing.T) {
	e := newEncoder(Config{MinSavingsTokens: -1})

	t.Run("verbatim restatement", func(t *testing.T) {
		messages := []llm.Message{
			llm.SystemMessage(sysInstr),
			llm.UserMessage(sysInstr + "\n\nNow summarize the attached report for the committee."),
		}
		res := e.Encode(messages)

		require.True(t, res.Applied)
		assert.Equal(t,
			"[See system instructions above]\n\nNow summarize the attached report for the committee.",
			res.Messages[1].Text())
		assert.Equal(t, 1, res.ReplacedParagraphs)
		assert.Zero(t, res.DroppedParagraphs)
		assert.Equal(t, 10, res.SavedTokens)

		// Caller's slice stays untouched.
		assert.Contains(t, messages[1].Text(), sysInstr)
	})

	t.Run("case and punctuation do not defeat the match", func(t *testing.T) {
		restated := strings.ToUpper(strings.TrimSuffix(sysInstr, ".")) + "!!!"
		messages := []llm.Message{
			llm.SystemMessage(sysInstr),
			llm.UserMessage(restated + "\n\nNow summarize the attached report for the committee."),
		}
		res := e.Encode(messages)

		require.True(t, res.Applied)
		assert.Equal(t, 1, res.ReplacedParagraphs)
		assert.True(t, strings.HasPrefix(res.Messages[1].Text(), SystemBackref))
	})
}

func TestPriorTurnDropped(t *testing.T) {
	e := newEncoder(Config{MinSavingsTokens: -1})

	prior := "The deployment failed because the migration lock was still held by the previous job run."
	messages := []llm.Message{
		llm.UserMessage(prior),
		llm.AssistantMessage(prior),
		llm.UserMessage(prior + "\n\nCan you elaborate on the second point in more detail?"),
	}
	res := e.Encode(messages)

	require.True(t, res.Applied)
	// The first user turn predates the assistant turn and stays whole.
	assert.Equal(t, prior, res.Messages[0].Text())
	assert.Equal(t, "Can you elaborate on the second point in more detail?", res.Messages[2].Text())
	assert.Equal(t, 1, res.DroppedParagraphs)
	assert.Zero(t, res.ReplacedParagraphs)
	assert.Equal(t, 15, res.SavedTokens)
}

func TestBlockQuoteReplaced(t *testing.T) {
	e := newEncoder(Config{MinSavingsTokens: -1})

	answer := "You should restart the scheduler after rotating the signing keys."
	messages := []llm.Message{
		llm.AssistantMessage(answer),
		llm.UserMessage("> " + answer + "\n\nWhat if the scheduler is already stopped right now?"),
	}
	res := e.Encode(messages)

	require.True(t, res.Applied)
	assert.Equal(t,
		"[Referring to previous response]\n\nWhat if the scheduler is already stopped right now?",
		res.Messages[1].Text())
	assert.Equal(t, 1, res.ReplacedParagraphs)
	assert.Zero(t, res.DroppedParagraphs)
	assert.Equal(t, 7, res.SavedTokens)
}

func TestShortParagraphsKept(t *testing.T) {
	e := newEncoder(Config{MinSavingsTokens: -1})

	short := "Use formal English please."
	messages := []llm.Message{
		llm.SystemMessage(sysInstr),
		llm.UserMessage(short + "\n\n" + sysInstr),
	}
	res := e.Encode(messages)

	require.True(t, res.Applied)
	assert.Equal(t, short+"\n\n"+SystemBackref, res.Messages[1].Text())
}

func TestMinSavingsGate(t *testing.T) {
	para := "Comprehensively enumerate distinctive high-availability replication guarantees."
	messages := []llm.Message{
		llm.SystemMessage(para),
		llm.UserMessage(para),
	}

	t.Run("default threshold rejects small savings", func(t *testing.T) {
		e := newEncoder(Config{})
		res := e.Encode(messages)
		assert.False(t, res.Applied)
		assert.Equal(t, para, res.Messages[1].Text())
		assert.Zero(t, res.ReplacedParagraphs)
		assert.Zero(t, res.SavedTokens)
	})

	t.Run("lowered threshold accepts them", func(t *testing.T) {
		e := newEncoder(Config{MinSavingsTokens: 2})
		res := e.Encode(messages)
		require.True(t, res.Applied)
		assert.Equal(t, SystemBackref, res.Messages[1].Text())
		assert.Equal(t, 2, res.SavedTokens)
	})
}

func TestSimilarityThreshold(t *testing.T) {
	partial := "Always respond in formal English and cite every source."
	messages := []llm.Message{
		llm.SystemMessage(sysInstr),
		llm.UserMessage(partial),
	}

	t.Run("default keeps partial overlap", func(t *testing.T) {
		e := newEncoder(Config{MinSavingsTokens: -1})
		res := e.Encode(messages)
		assert.False(t, res.Applied)
	})

	t.Run("loose threshold replaces it", func(t *testing.T) {
		e := newEncoder(Config{MinSavingsTokens: -1, SimilarityThreshold: 0.5})
		res := e.Encode(messages)
		require.True(t, res.Applied)
		assert.Equal(t, SystemBackref, res.Messages[1].Text())
	})
}

func TestNonTextMessagesSkipped(t *testing.T) {
	e := newEncoder(Config{MinSavingsTokens: -1})

	messages := []llm.Message{
		llm.SystemMessage(sysInstr),
		{
			Role: llm.RoleUser,
			Parts: []llm.Part{
				llm.TextPart(sysInstr),
				{Type: "image_url", ImageURL: &llm.ImageURL{URL: "https://example.com/x.png"}},
			},
		},
	}
	res := e.Encode(messages)

	assert.False(t, res.Applied)
	assert.Equal(t, messages, res.Messages)
}

func TestEmptyConversation(t *testing.T) {
	e := newEncoder(Config{MinSavingsTokens: -1})

	res := e.Encode(nil)
	assert.False(t, res.Applied)
	assert.Empty(t, res.Messages)
}
