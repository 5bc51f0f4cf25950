package trimmer

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/amerfu/spendgate/internal/services/tokenizer"
	"github.com/amerfu/spendgate/pkg/llm"
)

type wordCounter struct{}

func (wordCounter) Count(text string) int { return len(strings.Fields(text)) }

func newTrimmer() *Trimmer {
	return New(tokenizer.NewWithCounter(wordCounter{}), nil)
}

// words builds a message body of n whitespace-separated tokens, so a
// message footprint is n content tokens plus 5 framing tokens.
func words(n int) string {
	return strings.TrimSpace(strings.Repeat("w ", n))
}

func TestUnderBudgetUntouched(t *testing.T) {
	tr := newTrimmer()

	messages := []llm.Message{
		llm.SystemMessage(words(10)),
		llm.UserMessage(words(10)),
	}
	res := tr.Trim(Request{Messages: messages, MaxInputTokens: 100, ReserveForOutput: 10})

	assert.Equal(t, messages, res.Messages)
	assert.Zero(t, res.Dropped)
	assert.Zero(t, res.SavedTokens)
	assert.Equal(t, 33, res.InputTokens)
}

func TestDropsOldestNonPinnedFirst(t *testing.T) {
	tr := newTrimmer()

	messages := []llm.Message{
		llm.SystemMessage(words(10)),    // 15, pinned
		llm.UserMessage(words(20)),      // 25
		llm.AssistantMessage(words(20)), // 25
		llm.UserMessage(words(10)),      // 15, pinned (last user)
	}
	// Total 83 against a budget of 60-10=50: the two middle turns go.
	res := tr.Trim(Request{Messages: messages, MaxInputTokens: 60, ReserveForOutput: 10})

	require.Len(t, res.Messages, 2)
	assert.Equal(t, llm.RoleSystem, res.Messages[0].Role)
	assert.Equal(t, llm.RoleUser, res.Messages[1].Role)
	assert.Equal(t, messages[3].Text(), res.Messages[1].Text())
	assert.Equal(t, 2, res.Dropped)
	assert.Equal(t, 50, res.SavedTokens)
	assert.Equal(t, 33, res.InputTokens)
}

func TestPinnedSurviveOverBudget(t *testing.T) {
	tr := newTrimmer()

	messages := []llm.Message{
		llm.SystemMessage(words(10)),
		llm.UserMessage(words(20)),
		llm.AssistantMessage(words(20)),
		llm.UserMessage(words(10)),
	}

	t.Run("tiny budget keeps pins only", func(t *testing.T) {
		res := tr.Trim(Request{Messages: messages, MaxInputTokens: 20, ReserveForOutput: 5})
		require.Len(t, res.Messages, 2)
		assert.Equal(t, llm.RoleSystem, res.Messages[0].Role)
		assert.Equal(t, llm.RoleUser, res.Messages[1].Role)
		// Pins alone still exceed the budget; the result reports that.
		assert.Greater(t, res.InputTokens, 20)
	})

	t.Run("negative budget still keeps pins", func(t *testing.T) {
		res := tr.Trim(Request{Messages: messages, MaxInputTokens: 10, ReserveForOutput: 20})
		require.Len(t, res.Messages, 2)
		assert.Equal(t, 2, res.Dropped)
	})
}

func TestOutputReserve(t *testing.T) {
	messages := []llm.Message{
		llm.SystemMessage(words(10)),   // 15
		llm.AssistantMessage(words(5)), // 10
		llm.UserMessage(words(5)),      // 10
	}
	// Total 38.

	t.Run("predicted output used when no explicit reserve", func(t *testing.T) {
		tr := newTrimmer()
		res := tr.Trim(Request{Messages: messages, MaxInputTokens: 45, PredictedOutput: 10})
		assert.Equal(t, 1, res.Dropped) // budget 35 < 38
	})

	t.Run("explicit reserve wins over prediction", func(t *testing.T) {
		tr := newTrimmer()
		res := tr.Trim(Request{
			Messages:         messages,
			MaxInputTokens:   45,
			ReserveForOutput: 5,
			PredictedOutput:  30,
		})
		assert.Zero(t, res.Dropped) // budget 40 >= 38
	})
}

func TestToolSchemaOverhead(t *testing.T) {
	messages := []llm.Message{
		llm.SystemMessage(words(10)),
		llm.AssistantMessage(words(10)),
		llm.UserMessage(words(10)),
	}
	// Total 48. Serialized tool JSON splits into 4 words.
	tool := llm.Tool{
		Type:     "function",
		Function: llm.Function{Name: "lookup", Description: "alpha beta gamma delta"},
	}

	t.Run("overhead charged before messages", func(t *testing.T) {
		tr := newTrimmer()
		res := tr.Trim(Request{
			Messages:         messages,
			Tools:            []llm.Tool{tool},
			MaxInputTokens:   60,
			ReserveForOutput: 10,
		})
		assert.Equal(t, 1, res.Dropped) // budget 60-10-4=46 < 48
		assert.Equal(t, 37, res.InputTokens)
	})

	t.Run("no tools means no eviction", func(t *testing.T) {
		tr := newTrimmer()
		res := tr.Trim(Request{Messages: messages, MaxInputTokens: 60, ReserveForOutput: 10})
		assert.Zero(t, res.Dropped) // budget 50 >= 48
	})

	t.Run("malformed tool entries are skipped", func(t *testing.T) {
		bad := llm.Tool{
			Type:     "function",
			Function: llm.Function{Name: "bad", Parameters: make(chan int)},
		}
		tr := newTrimmer()
		res := tr.Trim(Request{
			Messages:         messages,
			Tools:            []llm.Tool{bad, tool},
			MaxInputTokens:   60,
			ReserveForOutput: 10,
		})
		assert.Equal(t, 1, res.Dropped)
		assert.Equal(t, 37, res.InputTokens)
	})
}

func TestNoUserMessages(t *testing.T) {
	tr := newTrimmer()

	messages := []llm.Message{
		llm.SystemMessage(words(10)),
		llm.AssistantMessage(words(20)),
		llm.AssistantMessage(words(20)),
	}
	res := tr.Trim(Request{Messages: messages, MaxInputTokens: 40})

	require.Len(t, res.Messages, 1)
	assert.Equal(t, llm.RoleSystem, res.Messages[0].Role)
	assert.Equal(t, 2, res.Dropped)
}

func TestDisabledWithoutLimit(t *testing.T) {
	tr := newTrimmer()

	messages := []llm.Message{llm.UserMessage(words(10))}
	res := tr.Trim(Request{Messages: messages})

	assert.Equal(t, messages, res.Messages)
	assert.Zero(t, res.Dropped)
	assert.Equal(t, 18, res.InputTokens)
}

func TestEmptyConversation(t *testing.T) {
	tr := newTrimmer()

	res := tr.Trim(Request{MaxInputTokens: 100})
	assert.Empty(t, res.Messages)
	assert.Zero(t, res.InputTokens)
}
