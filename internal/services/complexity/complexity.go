// Package complexity produces a deterministic 0..100 difficulty score
// for a prompt from lexical signals and maps it onto the model tier
// expected to handle the request. Short prompts are memoized in a
// small FIFO cache so repeated scoring stays cheap.
package complexity

import (
	"math"
	"regexp"
	"strings"
	"sync"
	"unicode/utf8"

	"go.uber.org/zap"

	"github.com/amerfu/spendgate/internal/services/pricing"
	"github.com/amerfu/spendgate/internal/services/tokenizer"
	"github.com/amerfu/spendgate/internal/textutil"
)

// Level classifies how demanding a prompt is.
type Level string

const (
	LevelTrivial  Level = "trivial"
	LevelSimple   Level = "simple"
	LevelModerate Level = "moderate"
	LevelComplex  Level = "complex"
	LevelExpert   Level = "expert"
)

// RecommendedTier maps a difficulty level to the cheapest model tier
// expected to handle it reliably.
func (l Level) RecommendedTier() pricing.Tier {
	switch l {
	case LevelTrivial, LevelSimple:
		return pricing.TierBudget
	case LevelModerate:
		return pricing.TierStandard
	case LevelComplex:
		return pricing.TierPremium
	default:
		return pricing.TierFlagship
	}
}

// Difficulty cut points on the composite scale.
const (
	trivialBelow  = 15.0
	simpleBelow   = 35.0
	moderateBelow = 55.0
	complexBelow  = 75.0
)

// LevelFor maps a composite score onto the difficulty ladder.
func LevelFor(value float64) Level {
	switch {
	case value < trivialBelow:
		return LevelTrivial
	case value < simpleBelow:
		return LevelSimple
	case value < moderateBelow:
		return LevelModerate
	case value < complexBelow:
		return LevelComplex
	default:
		return LevelExpert
	}
}

// Signals are the raw measurements a score is built from.
type Signals struct {
	Tokens             int
	AvgWordLength      float64
	Sentences          int
	LexicalDiversity   float64 // unique words / total words
	CodeTokens         int
	ReasoningKeywords  int
	ConstraintKeywords int
	StructuredOutput   bool
	SubTasks           int
	ContextDependent   bool
}

// Score is an immutable scoring result.
type Score struct {
	Value           float64
	Level           Level
	RecommendedTier pricing.Tier
	Signals         Signals
}

// Weights of the composite sum. Each capped contribution keeps the
// total inside 0..100.
const (
	tokenPointsMax       = 25.0
	tokenSaturation      = 1000.0 // tokens at which the length signal maxes out
	reasoningPointsEach  = 5.0
	reasoningPointsMax   = 20.0
	constraintPointsEach = 2.5
	constraintPointsMax  = 10.0
	codePointsEach       = 1.5
	codePointsMax        = 15.0
	diversityPointsMax   = 10.0
	structuredPoints     = 5.0
	subTaskPointsEach    = 3.0
	subTaskPointsMax     = 10.0
	contextDepPoints     = 5.0
)

const (
	maxCacheEntries = 100
	// Prompts longer than this are scored but never cached; the text
	// itself is the cache key and huge keys defeat the point.
	cacheablePromptMax = 10000
)

// Keyword scans run over the lower-cased prompt; code tokens are
// matched against the original text so capitalized prose words do not
// count as keywords.
var (
	reasoningRe = regexp.MustCompile(`\b(?:why|how|explain|analy[sz]e|compare|contrast|evaluate|derive|prove|justify|step[ -]by[ -]step|trade-?offs?|pros and cons|root cause|think through|walk(?: me)? through)\b`)

	constraintRe = regexp.MustCompile(`\b(?:must(?: not)?|should(?: not)?|shall|can(?:no|')t|never|always|only|exactly|at least|at most|no more than|no fewer than|within|require[sd]?|ensure|avoid|do not|don't|forbidden|prohibited)\b`)

	structuredRe = regexp.MustCompile(`\b(?:json|yaml|xml|csv|markdown|schema|bullet(?:ed)? (?:list|points?)|numbered list|(?:as|in) a table|table format|key[- ]value)\b`)

	contextDepRe = regexp.MustCompile(`\b(?:above|previous(?:ly)?|earlier|aforementioned|attached|as (?:mentioned|discussed|noted)|your last|my last|refer(?:ring)? back)\b`)

	codeTokenRe = regexp.MustCompile("`{3}|" +
		`[{}\[\];]|=>|->|::|==|!=|<=|>=|&&|\|\||` +
		`\b(?:async|await|catch|class|const|def|func|function|import|lambda|let|return|struct|throw|try|var|print(?:f|ln)?)\b`)

	subTaskRe = regexp.MustCompile(`(?m)^[ \t]*(?:\d{1,2}[.)]|[-*•])[ \t]+`)
)

// Scorer computes and caches prompt scores. Safe for concurrent use.
type Scorer struct {
	counter tokenizer.Counter
	logger  *zap.Logger

	mu    sync.Mutex
	cache map[string]Score
	order []string // insertion order for FIFO eviction
}

// New returns a scorer backed by the given token counter. A nil
// counter falls back to the heuristic estimator.
func New(counter tokenizer.Counter, logger *zap.Logger) *Scorer {
	if counter == nil {
		counter = tokenizer.New()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Scorer{
		counter: counter,
		logger:  logger,
		cache:   make(map[string]Score, maxCacheEntries),
	}
}

// Analyze scores the prompt text. Results for prompts short enough to
// cache are reused on repeat calls.
func (s *Scorer) Analyze(prompt string) Score {
	if sc, ok := s.lookup(prompt); ok {
		return sc
	}
	sc := s.compute(prompt)
	s.store(prompt, sc)
	return sc
}

// CacheLen reports how many scores are currently memoized.
func (s *Scorer) CacheLen() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.cache)
}

func (s *Scorer) compute(prompt string) Score {
	lower := strings.ToLower(prompt)
	words := textutil.Words(prompt)

	sig := Signals{
		Tokens:             s.counter.Count(prompt),
		Sentences:          len(textutil.SplitSentences(prompt)),
		CodeTokens:         len(codeTokenRe.FindAllString(prompt, -1)),
		ReasoningKeywords:  len(reasoningRe.FindAllString(lower, -1)),
		ConstraintKeywords: len(constraintRe.FindAllString(lower, -1)),
		StructuredOutput:   structuredRe.MatchString(lower),
		SubTasks:           len(subTaskRe.FindAllString(prompt, -1)),
		ContextDependent:   contextDepRe.MatchString(lower),
	}
	if len(words) > 0 {
		runes := 0
		seen := make(map[string]struct{}, len(words))
		for _, w := range words {
			runes += utf8.RuneCountInString(w)
			seen[w] = struct{}{}
		}
		sig.AvgWordLength = float64(runes) / float64(len(words))
		sig.LexicalDiversity = float64(len(seen)) / float64(len(words))
	}

	value := math.Min(tokenPointsMax, float64(sig.Tokens)*tokenPointsMax/tokenSaturation)
	value += math.Min(reasoningPointsMax, float64(sig.ReasoningKeywords)*reasoningPointsEach)
	value += math.Min(constraintPointsMax, float64(sig.ConstraintKeywords)*constraintPointsEach)
	value += math.Min(codePointsMax, float64(sig.CodeTokens)*codePointsEach)
	value += sig.LexicalDiversity * diversityPointsMax
	if sig.StructuredOutput {
		value += structuredPoints
	}
	value += math.Min(subTaskPointsMax, float64(sig.SubTasks)*subTaskPointsEach)
	if sig.ContextDependent {
		value += contextDepPoints
	}
	value = math.Max(0, math.Min(100, value))

	level := LevelFor(value)
	s.logger.Debug("prompt scored",
		zap.Float64("score", value),
		zap.String("level", string(level)),
		zap.Int("tokens", sig.Tokens),
	)
	return Score{
		Value:           value,
		Level:           level,
		RecommendedTier: level.RecommendedTier(),
		Signals:         sig,
	}
}

func (s *Scorer) lookup(prompt string) (Score, bool) {
	if len(prompt) > cacheablePromptMax {
		return Score{}, false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	sc, ok := s.cache[prompt]
	return sc, ok
}

func (s *Scorer) store(prompt string, sc Score) {
	if len(prompt) > cacheablePromptMax {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.cache[prompt]; ok {
		return
	}
	if len(s.order) >= maxCacheEntries {
		delete(s.cache, s.order[0])
		copy(s.order, s.order[1:])
		s.order = s.order[:len(s.order)-1]
	}
	s.cache[prompt] = sc
	s.order = append(s.order, prompt)
}
