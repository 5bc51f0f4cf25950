// Package trimmer evicts old conversation turns so a request fits the
// model's input window. System messages and the latest user turn are
// never evicted, and no summaries are synthesized in place of dropped
// turns; what remains is exactly what was kept.
package trimmer

import (
	"go.uber.org/zap"

	"github.com/amerfu/spendgate/internal/services/tokenizer"
	"github.com/amerfu/spendgate/pkg/llm"
)

// Request carries one trim decision's inputs. ReserveForOutput wins
// over PredictedOutput when both are set.
type Request struct {
	Messages         []llm.Message
	Tools            []llm.Tool
	Model            string
	MaxInputTokens   int // 0 disables trimming
	ReserveForOutput int
	PredictedOutput  int
}

// Result is the trimmed conversation. InputTokens is the projected
// input footprint of the kept messages plus tool schemas.
type Result struct {
	Messages    []llm.Message
	Dropped     int
	SavedTokens int
	InputTokens int
}

type Trimmer struct {
	estimator *tokenizer.Estimator
	logger    *zap.Logger
}

func New(estimator *tokenizer.Estimator, logger *zap.Logger) *Trimmer {
	if estimator == nil {
		estimator = tokenizer.New()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Trimmer{estimator: estimator, logger: logger}
}

// Trim drops the oldest evictable messages until the conversation fits
// MaxInputTokens minus the output reserve. Tool schema overhead counts
// against the budget before any message does; malformed tool entries
// are ignored by the estimator and cost nothing.
func (t *Trimmer) Trim(req Request) Result {
	total := t.estimator.CountMessages(req.Messages, req.Model)
	toolOverhead := t.estimator.CountTools(req.Tools, req.Model)

	if req.MaxInputTokens <= 0 || len(req.Messages) == 0 {
		return Result{Messages: req.Messages, InputTokens: total + toolOverhead}
	}

	reserve := req.ReserveForOutput
	if reserve <= 0 {
		reserve = req.PredictedOutput
	}
	budget := req.MaxInputTokens - reserve - toolOverhead

	if total <= budget {
		return Result{Messages: req.Messages, InputTokens: total + toolOverhead}
	}

	pinned := pinnedFlags(req.Messages)
	footprints := make([]int, len(req.Messages))
	for i, m := range req.Messages {
		footprints[i] = t.estimator.MessageFootprint(m, req.Model)
	}

	kept := make([]bool, len(req.Messages))
	for i := range kept {
		kept[i] = true
	}
	dropped, saved := 0, 0
	for i := range req.Messages {
		if total <= budget {
			break
		}
		if pinned[i] {
			continue
		}
		kept[i] = false
		total -= footprints[i]
		dropped++
		saved += footprints[i]
	}

	if total > budget {
		t.logger.Warn("pinned messages alone exceed the input budget",
			zap.Int("input_tokens", total),
			zap.Int("budget", budget))
	}
	if dropped == 0 {
		return Result{Messages: req.Messages, InputTokens: total + toolOverhead}
	}

	out := make([]llm.Message, 0, len(req.Messages)-dropped)
	for i, m := range req.Messages {
		if kept[i] {
			out = append(out, m)
		}
	}
	t.logger.Debug("conversation trimmed",
		zap.Int("dropped_messages", dropped),
		zap.Int("saved_tokens", saved),
		zap.Int("input_tokens", total+toolOverhead))
	return Result{
		Messages:    out,
		Dropped:     dropped,
		SavedTokens: saved,
		InputTokens: total + toolOverhead,
	}
}

// pinnedFlags marks every system message and the last user message.
func pinnedFlags(messages []llm.Message) []bool {
	pinned := make([]bool, len(messages))
	lastUser := -1
	for i, m := range messages {
		if m.Role == llm.RoleSystem {
			pinned[i] = true
		}
		if m.Role == llm.RoleUser {
			lastUser = i
		}
	}
	if lastUser >= 0 {
		pinned[lastUser] = true
	}
	return pinned
}
