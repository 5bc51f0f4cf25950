// Package tokenizer estimates token counts for prompts before they
// reach a provider. Counts come from the o200k BPE encoding; models
// with other tokenizers get a fixed correction factor on top.
package tokenizer

import (
	"encoding/json"
	"math"
	"strings"
	"sync"
	"unicode/utf8"

	"github.com/pkoukk/tiktoken-go"

	"github.com/amerfu/spendgate/pkg/llm"
)

const (
	// Chat framing overhead per message: 4 structural tokens plus
	// roughly one for the role.
	messageOverheadTokens = 5
	// Priming tokens for the assistant reply.
	replyPrimingTokens = 3
	// Flat charge for a non-text content part (image at low detail).
	imagePartTokens = 85
	// Extra token when a message carries an author name.
	nameOverheadTokens = 1

	encodingName = "o200k_base"
)

// Counter turns text into a token count. The default implementation
// wraps the BPE library; tests may inject a deterministic one.
type Counter interface {
	Count(text string) int
}

type bpeCounter struct {
	once sync.Once
	enc  *tiktoken.Tiktoken
}

func (c *bpeCounter) Count(text string) int {
	if text == "" {
		return 0
	}
	c.once.Do(func() {
		enc, err := tiktoken.GetEncoding(encodingName)
		if err == nil {
			c.enc = enc
		}
	})
	if c.enc == nil {
		return heuristicCount(text)
	}
	return len(c.enc.Encode(text, nil, nil))
}

// heuristicCount approximates a token count without the BPE tables:
// the larger of rune-count/4 and the word count.
func heuristicCount(text string) int {
	runes := utf8.RuneCountInString(text)
	words := len(strings.Fields(text))
	if est := runes / 4; est > words {
		return est
	}
	return words
}

// Estimator is safe for concurrent use.
type Estimator struct {
	counter Counter
}

func New() *Estimator {
	return &Estimator{counter: &bpeCounter{}}
}

// NewWithCounter builds an estimator over a custom Counter.
func NewWithCounter(c Counter) *Estimator {
	if c == nil {
		return New()
	}
	return &Estimator{counter: c}
}

// Count returns the raw o200k token count of text.
func (e *Estimator) Count(text string) int {
	return e.counter.Count(text)
}

// correctionFor returns the multiplier applied to o200k counts for
// models whose own tokenizer is denser. Anthropic-style tokenizers run
// about 1.35x; SentencePiece families about 1.12x.
func correctionFor(modelID string) float64 {
	id := strings.ToLower(modelID)
	switch {
	case strings.HasPrefix(id, "claude"), strings.Contains(id, "anthropic"):
		return 1.35
	case strings.HasPrefix(id, "gemini"), strings.HasPrefix(id, "gemma"),
		strings.HasPrefix(id, "llama"), strings.Contains(id, "llama-"),
		strings.HasPrefix(id, "mistral"), strings.HasPrefix(id, "mixtral"),
		strings.HasPrefix(id, "qwen"):
		return 1.12
	default:
		return 1.0
	}
}

// CountForModel returns the token count of text adjusted for the
// model's tokenizer family.
func (e *Estimator) CountForModel(text, modelID string) int {
	n := e.counter.Count(text)
	if n == 0 {
		return 0
	}
	factor := correctionFor(modelID)
	if factor == 1.0 {
		return n
	}
	return int(math.Ceil(float64(n) * factor))
}

// CountMessage counts one message's content for the given model,
// excluding chat framing overhead.
func (e *Estimator) CountMessage(m llm.Message, modelID string) int {
	total := 0
	var text strings.Builder
	for _, p := range m.Parts {
		if p.Type == "text" {
			text.WriteString(p.Text)
			continue
		}
		total += imagePartTokens
	}
	if text.Len() > 0 {
		total += e.CountForModel(text.String(), modelID)
	}
	if m.Name != "" {
		total += e.CountForModel(m.Name, modelID) + nameOverheadTokens
	}
	return total
}

// MessageFootprint returns the token contribution of one message
// inside a conversation, framing overhead included. Removing the
// message from a conversation reduces CountMessages by exactly this.
func (e *Estimator) MessageFootprint(m llm.Message, modelID string) int {
	return messageOverheadTokens + e.CountMessage(m, modelID)
}

// CountMessages counts a full conversation including per-message
// framing and the assistant reply priming.
func (e *Estimator) CountMessages(msgs []llm.Message, modelID string) int {
	if len(msgs) == 0 {
		return 0
	}
	total := replyPrimingTokens
	for _, m := range msgs {
		total += messageOverheadTokens + e.CountMessage(m, modelID)
	}
	return total
}

// CountTools counts tool schemas by their JSON-serialized length.
// Entries that fail to serialize are skipped.
func (e *Estimator) CountTools(tools []llm.Tool, modelID string) int {
	total := 0
	for _, t := range tools {
		raw, err := json.Marshal(t)
		if err != nil {
			continue
		}
		total += e.CountForModel(string(raw), modelID)
	}
	return total
}

// CountParams estimates the full input token footprint of a request.
func (e *Estimator) CountParams(p *llm.Params) int {
	if p == nil {
		return 0
	}
	return e.CountMessages(p.Messages, p.Model) + e.CountTools(p.Tools, p.Model)
}
