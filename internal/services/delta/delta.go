// Package delta rewrites user turns that restate earlier conversation
// content into short back-references, so long chats stop re-sending
// text the model has already seen.
package delta

import (
	"strings"
	"unicode/utf8"

	"go.uber.org/zap"

	"github.com/amerfu/spendgate/internal/services/tokenizer"
	"github.com/amerfu/spendgate/internal/textutil"
	"github.com/amerfu/spendgate/pkg/llm"
)

// Back-references substituted for restated content.
const (
	SystemBackref = "[See system instructions above]"
	PriorBackref  = "[Referring to previous response]"
)

const (
	defaultMinSavings     = 5
	defaultThreshold      = 0.95
	defaultParagraphChars = 50
)

// Config for the encoder. Zero values take the documented defaults.
type Config struct {
	// MinSavingsTokens is the smallest net saving worth applying. Zero
	// means the default of 5; negative always applies.
	MinSavingsTokens int
	// SimilarityThreshold is the Jaccard word-set similarity at which a
	// paragraph counts as a restatement. Default 0.95.
	SimilarityThreshold float64
	// MinParagraphChars gates which paragraphs participate at all.
	// Default 50.
	MinParagraphChars int
	Counter           tokenizer.Counter
	Logger            *zap.Logger
}

// Result reports the rewrite. When Applied is false Messages is the
// unchanged input and the counters are zero.
type Result struct {
	Messages           []llm.Message
	ReplacedParagraphs int
	DroppedParagraphs  int
	SavedTokens        int
	Applied            bool
}

// Encoder scans a conversation once per Encode call and keeps no state
// between calls. Safe for concurrent use.
type Encoder struct {
	minSavings int
	threshold  float64
	minChars   int
	counter    tokenizer.Counter
	logger     *zap.Logger
}

func New(cfg Config) *Encoder {
	minSavings := cfg.MinSavingsTokens
	switch {
	case minSavings == 0:
		minSavings = defaultMinSavings
	case minSavings < 0:
		minSavings = 0
	}
	threshold := cfg.SimilarityThreshold
	if threshold <= 0 {
		threshold = defaultThreshold
	}
	minChars := cfg.MinParagraphChars
	if minChars <= 0 {
		minChars = defaultParagraphChars
	}
	counter := cfg.Counter
	if counter == nil {
		counter = tokenizer.New()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Encoder{
		minSavings: minSavings,
		threshold:  threshold,
		minChars:   minChars,
		counter:    counter,
		logger:     logger,
	}
}

// paragraphSet holds word-set fingerprints of paragraphs seen so far.
type paragraphSet struct {
	sets []map[string]struct{}
}

func (p *paragraphSet) add(text string, minChars int) {
	for _, para := range textutil.SplitParagraphs(text) {
		if utf8.RuneCountInString(para) < minChars {
			continue
		}
		p.sets = append(p.sets, textutil.WordSet(para))
	}
}

func (p *paragraphSet) matches(set map[string]struct{}, threshold float64) bool {
	for _, s := range p.sets {
		if textutil.JaccardWords(s, set) >= threshold {
			return true
		}
	}
	return false
}

// Encode walks the conversation in order. System and assistant turns
// feed the fingerprint sets; each user turn is rewritten against the
// fingerprints accumulated before it, never those that follow.
func (e *Encoder) Encode(messages []llm.Message) Result {
	if len(messages) == 0 {
		return Result{Messages: messages}
	}

	var system, prior paragraphSet
	out := make([]llm.Message, len(messages))
	copy(out, messages)

	var replaced, dropped, before, after int
	for i, m := range messages {
		switch m.Role {
		case llm.RoleSystem:
			system.add(m.Text(), e.minChars)
		case llm.RoleAssistant:
			prior.add(m.Text(), e.minChars)
		case llm.RoleUser:
			if hasNonTextParts(m) {
				continue
			}
			text := m.Text()
			newText, r, d := e.rewrite(text, &system, &prior)
			if r == 0 && d == 0 {
				continue
			}
			out[i] = llm.Message{
				Role:  m.Role,
				Name:  m.Name,
				Parts: []llm.Part{llm.TextPart(newText)},
			}
			replaced += r
			dropped += d
			before += e.counter.Count(text)
			after += e.counter.Count(newText)
		}
	}

	if replaced == 0 && dropped == 0 {
		return Result{Messages: messages}
	}
	saved := before - after
	if saved < e.minSavings {
		return Result{Messages: messages}
	}

	e.logger.Debug("delta encoding applied",
		zap.Int("replaced_paragraphs", replaced),
		zap.Int("dropped_paragraphs", dropped),
		zap.Int("saved_tokens", saved))
	return Result{
		Messages:           out,
		ReplacedParagraphs: replaced,
		DroppedParagraphs:  dropped,
		SavedTokens:        saved,
		Applied:            true,
	}
}

// rewrite substitutes or drops restated paragraphs of one user turn.
// Quote-shaped paragraphs are resolved before plain restatements so a
// quoted reply never silently disappears.
func (e *Encoder) rewrite(text string, system, prior *paragraphSet) (string, int, int) {
	paras := textutil.SplitParagraphs(text)
	if len(paras) == 0 {
		return text, 0, 0
	}
	kept := make([]string, 0, len(paras))
	replaced, dropped := 0, 0
	for _, para := range paras {
		if utf8.RuneCountInString(para) < e.minChars {
			kept = append(kept, para)
			continue
		}
		if quoted, ok := unquote(para); ok {
			set := textutil.WordSet(quoted)
			if prior.matches(set, e.threshold) || system.matches(set, e.threshold) {
				kept = append(kept, PriorBackref)
				replaced++
				continue
			}
			kept = append(kept, para)
			continue
		}
		set := textutil.WordSet(para)
		if system.matches(set, e.threshold) {
			kept = append(kept, SystemBackref)
			replaced++
			continue
		}
		if prior.matches(set, e.threshold) {
			dropped++
			continue
		}
		kept = append(kept, para)
	}
	if replaced == 0 && dropped == 0 {
		return text, 0, 0
	}
	return strings.Join(kept, "\n\n"), replaced, dropped
}

// unquote strips "> " quoting. ok is false unless every non-empty line
// carries the quote marker.
func unquote(para string) (string, bool) {
	lines := strings.Split(para, "\n")
	any := false
	for i, line := range lines {
		trimmed := strings.TrimSpace(line)
		if trimmed == "" {
			lines[i] = ""
			continue
		}
		if !strings.HasPrefix(trimmed, ">") {
			return "", false
		}
		any = true
		lines[i] = strings.TrimSpace(strings.TrimPrefix(trimmed, ">"))
	}
	if !any {
		return "", false
	}
	return strings.Join(lines, "\n"), true
}

func hasNonTextParts(m llm.Message) bool {
	for _, p := range m.Parts {
		if p.Type != "text" {
			return true
		}
	}
	return false
}
