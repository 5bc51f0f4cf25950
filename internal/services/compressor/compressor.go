// Package compressor rewrites verbose prompts into shorter equivalents
// without touching code, URLs, or caller-protected spans. The rewrite
// is lexical only: phrase contractions, filler removal, adjacent
// duplicate sentence removal, and abbreviation of repeated entities.
// Compress never mutates shared state and is safe for concurrent use.
package compressor

import (
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"unicode"
	"unicode/utf8"

	"go.uber.org/zap"

	"github.com/amerfu/spendgate/internal/services/tokenizer"
	"github.com/amerfu/spendgate/internal/textutil"
)

const (
	defaultMinSavings = 5

	// Results this far below the input size are treated as broken
	// rewrites and discarded.
	shortPromptFloor  = 0.3
	longPromptFloor   = 0.6
	shortPromptTokens = 50

	// Entities must repeat at least this often before an abbreviation
	// pays for its parenthetical introduction.
	entityMinOccurrences = 3
)

// Phase names reported in Result.Phases.
const (
	PhaseWhitespace   = "whitespace"
	PhaseContractions = "contractions"
	PhaseFillers      = "fillers"
	PhaseDedupe       = "dedupe"
	PhaseEntities     = "entities"
)

var (
	fencedCodeRe = regexp.MustCompile("(?s)```.*?```")
	inlineCodeRe = regexp.MustCompile("`[^`\n]+`")
	urlRe        = regexp.MustCompile(`https?://\S+`)

	horizontalRe  = regexp.MustCompile(`[ \t]+`)
	newlineEdgeRe = regexp.MustCompile(`[ \t]*\n[ \t]*`)
	newlineRunRe  = regexp.MustCompile(`\n{3,}`)

	// Two or more capitalized words in a row. All-caps tokens are left
	// alone so existing acronyms never get re-abbreviated.
	entityRe = regexp.MustCompile(`\p{Lu}\p{Ll}+(?: \p{Lu}\p{Ll}+)+`)
)

// entityDeterminers are trimmed from the head of an entity match so
// "The Acme Cloud Platform" and "Acme Cloud Platform" count as one.
var entityDeterminers = map[string]struct{}{
	"The": {},
	"A":   {},
	"An":  {},
}

// fillerWords are stripped outside sentence-initial position. Hedges
// that change technical meaning ("highly", "extremely") are excluded.
var fillerWords = []string{
	"actually", "basically", "certainly", "definitely", "essentially",
	"frankly", "honestly", "just", "kindly", "literally", "obviously",
	"quite", "really", "simply", "somewhat", "totally", "truly", "very",
}

var fillerRe = regexp.MustCompile(`(?i)[ \t]+(?:` + strings.Join(fillerWords, "|") + `)\b,?`)

type rewriteRule struct {
	re *regexp.Regexp
	to string
}

// contractions maps verbose phrases to their short forms. Matching is
// case-insensitive; a capitalized match capitalizes the replacement.
var contractions = buildContractions([]struct{ from, to string }{
	{"in spite of the fact that", "although"},
	{"despite the fact that", "although"},
	{"due to the fact that", "because"},
	{"in light of the fact that", "because"},
	{"it is important to note that", "note that"},
	{"it should be noted that", "note that"},
	{"a sufficient amount of", "enough"},
	{"take into consideration", "consider"},
	{"at this point in time", "now"},
	{"at the present time", "now"},
	{"in the near future", "soon"},
	{"in the event that", "if"},
	{"in the process of", "while"},
	{"for the purpose of", "for"},
	{"a large number of", "many"},
	{"a small number of", "few"},
	{"on a regular basis", "regularly"},
	{"in a timely manner", "promptly"},
	{"has the ability to", "can"},
	{"take into account", "consider"},
	{"the majority of", "most"},
	{"first and foremost", "first"},
	{"make a decision", "decide"},
	{"with regard to", "regarding"},
	{"with respect to", "regarding"},
	{"whether or not", "whether"},
	{"each and every", "every"},
	{"is able to", "can"},
	{"in order to", "to"},
	{"subsequent to", "after"},
	{"prior to", "before"},
})

func buildContractions(pairs []struct{ from, to string }) []rewriteRule {
	rules := make([]rewriteRule, 0, len(pairs))
	for _, p := range pairs {
		rules = append(rules, rewriteRule{
			re: regexp.MustCompile(`(?i)\b` + regexp.QuoteMeta(p.from) + `\b`),
			to: p.to,
		})
	}
	return rules
}

// Result reports what the rewrite did. When Applied is false Text is
// the unchanged input and the token fields describe the original.
type Result struct {
	Text             string
	OriginalTokens   int
	CompressedTokens int
	SavedTokens      int
	Applied          bool
	Phases           []string
}

// Config for the compressor. Zero values take the documented defaults.
type Config struct {
	// MinSavingsTokens is the smallest saving worth applying. Zero
	// means the default of 5; negative always applies.
	MinSavingsTokens int
	// PreservePatterns are extra regexes whose matches are never
	// rewritten, on top of code blocks, inline code and URLs.
	PreservePatterns []string
	Counter          tokenizer.Counter
	Logger           *zap.Logger
}

// Compressor applies the rewrite pipeline. Stateless after New.
type Compressor struct {
	minSavings int
	preserve   []*regexp.Regexp
	counter    tokenizer.Counter
	logger     *zap.Logger
}

func New(cfg Config) (*Compressor, error) {
	minSavings := cfg.MinSavingsTokens
	switch {
	case minSavings == 0:
		minSavings = defaultMinSavings
	case minSavings < 0:
		minSavings = 0
	}
	counter := cfg.Counter
	if counter == nil {
		counter = tokenizer.New()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	preserve := make([]*regexp.Regexp, 0, 3+len(cfg.PreservePatterns))
	preserve = append(preserve, fencedCodeRe, inlineCodeRe, urlRe)
	for _, pat := range cfg.PreservePatterns {
		re, err := regexp.Compile(pat)
		if err != nil {
			return nil, fmt.Errorf("compressor: preserve pattern %q: %w", pat, err)
		}
		preserve = append(preserve, re)
	}
	return &Compressor{
		minSavings: minSavings,
		preserve:   preserve,
		counter:    counter,
		logger:     logger,
	}, nil
}

// Compress rewrites text and reports the saving. The original comes
// back untouched when the rewrite is unsafe or not worth applying.
func (c *Compressor) Compress(text string) Result {
	original := text
	originalTokens := c.counter.Count(text)
	if strings.TrimSpace(text) == "" {
		return c.unchanged(original, originalTokens)
	}

	work, spans := c.extract(text)

	var phases []string
	step := func(name string, fn func(string) string) {
		out := fn(work)
		if out != work {
			phases = append(phases, name)
			work = out
		}
	}
	step(PhaseWhitespace, collapseWhitespace)
	step(PhaseContractions, applyContractions)
	step(PhaseFillers, stripFillers)
	step(PhaseDedupe, dedupeSentences)
	step(PhaseEntities, abbreviateEntities)

	work = restore(work, spans)
	if work == original {
		return c.unchanged(original, originalTokens)
	}

	compressedTokens := c.counter.Count(work)
	floor := longPromptFloor
	if originalTokens < shortPromptTokens {
		floor = shortPromptFloor
	}
	if float64(compressedTokens) < floor*float64(originalTokens) {
		c.logger.Debug("compression discarded below safety floor",
			zap.Int("original_tokens", originalTokens),
			zap.Int("compressed_tokens", compressedTokens))
		return c.unchanged(original, originalTokens)
	}

	savedTokens := originalTokens - compressedTokens
	if savedTokens < c.minSavings {
		return c.unchanged(original, originalTokens)
	}

	c.logger.Debug("compression applied",
		zap.Int("saved_tokens", savedTokens),
		zap.Strings("phases", phases))
	return Result{
		Text:             work,
		OriginalTokens:   originalTokens,
		CompressedTokens: compressedTokens,
		SavedTokens:      savedTokens,
		Applied:          true,
		Phases:           phases,
	}
}

func (c *Compressor) unchanged(original string, tokens int) Result {
	return Result{
		Text:             original,
		OriginalTokens:   tokens,
		CompressedTokens: tokens,
	}
}

// extract swaps protected spans for opaque placeholders so later
// phases cannot touch them. restore puts them back.
func (c *Compressor) extract(text string) (string, []string) {
	var spans []string
	for _, re := range c.preserve {
		text = re.ReplaceAllStringFunc(text, func(m string) string {
			spans = append(spans, m)
			return placeholder(len(spans) - 1)
		})
	}
	return text, spans
}

func placeholder(i int) string {
	return "\x00" + strconv.Itoa(i) + "\x00"
}

func restore(text string, spans []string) string {
	for i, s := range spans {
		text = strings.Replace(text, placeholder(i), s, 1)
	}
	return text
}

func collapseWhitespace(text string) string {
	text = strings.ReplaceAll(text, "\r\n", "\n")
	text = horizontalRe.ReplaceAllString(text, " ")
	text = newlineEdgeRe.ReplaceAllString(text, "\n")
	text = newlineRunRe.ReplaceAllString(text, "\n\n")
	return strings.TrimSpace(text)
}

func applyContractions(text string) string {
	for _, rule := range contractions {
		text = rule.re.ReplaceAllStringFunc(text, func(m string) string {
			return matchCase(m, rule.to)
		})
	}
	return text
}

// matchCase capitalizes the replacement when the matched phrase was
// capitalized, so sentence starts survive the rewrite.
func matchCase(matched, repl string) string {
	r, _ := utf8.DecodeRuneInString(matched)
	if !unicode.IsUpper(r) {
		return repl
	}
	first, size := utf8.DecodeRuneInString(repl)
	return string(unicode.ToUpper(first)) + repl[size:]
}

// stripFillers removes filler words everywhere except sentence-initial
// position, where dropping the word would break capitalization.
func stripFillers(text string) string {
	locs := fillerRe.FindAllStringIndex(text, -1)
	if len(locs) == 0 {
		return text
	}
	var b strings.Builder
	b.Grow(len(text))
	last := 0
	for _, loc := range locs {
		start, end := loc[0], loc[1]
		// The match starts with whitespace, so the byte before it is
		// the preceding character. A terminator there means the filler
		// opens the next sentence.
		if start > 0 {
			switch text[start-1] {
			case '.', '!', '?':
				continue
			}
		}
		b.WriteString(text[last:start])
		last = end
	}
	b.WriteString(text[last:])
	return b.String()
}

// dedupeSentences drops runs of adjacent sentences that are identical
// after fingerprint normalization. Paragraphs without duplicates are
// left byte-for-byte intact.
func dedupeSentences(text string) string {
	paras := strings.Split(text, "\n\n")
	changed := false
	for pi, para := range paras {
		sentences := textutil.SplitSentences(para)
		if len(sentences) < 2 {
			continue
		}
		kept := sentences[:1]
		prev := textutil.NormalizePrompt(sentences[0])
		removed := false
		for _, s := range sentences[1:] {
			norm := textutil.NormalizePrompt(s)
			if norm != "" && norm == prev {
				removed = true
				continue
			}
			kept = append(kept, s)
			prev = norm
		}
		if removed {
			paras[pi] = strings.Join(kept, " ")
			changed = true
		}
	}
	if !changed {
		return text
	}
	return strings.Join(paras, "\n\n")
}

// abbreviateEntities finds multi-word capitalized names repeated at
// least three times, introduces the abbreviation on the first use and
// substitutes it everywhere after.
func abbreviateEntities(text string) string {
	matches := entityRe.FindAllStringIndex(text, -1)
	if len(matches) == 0 {
		return text
	}

	type span struct{ start, end int }
	occurrences := make(map[string][]span)
	var order []string
	for _, m := range matches {
		start, end := m[0], m[1]
		name := text[start:end]
		if sp := strings.IndexByte(name, ' '); sp > 0 {
			if _, det := entityDeterminers[name[:sp]]; det && strings.Contains(name[sp+1:], " ") {
				start += sp + 1
				name = text[start:end]
			}
		}
		if _, seen := occurrences[name]; !seen {
			order = append(order, name)
		}
		occurrences[name] = append(occurrences[name], span{start, end})
	}

	type replacement struct {
		start, end int
		text       string
	}
	var repls []replacement
	for _, name := range order {
		spans := occurrences[name]
		if len(spans) < entityMinOccurrences {
			continue
		}
		abbr := initials(name)
		if utf8.RuneCountInString(abbr) < 2 {
			continue
		}
		for i, s := range spans {
			if i == 0 {
				repls = append(repls, replacement{s.start, s.end, name + " (" + abbr + ")"})
			} else {
				repls = append(repls, replacement{s.start, s.end, abbr})
			}
		}
	}
	if len(repls) == 0 {
		return text
	}

	sort.Slice(repls, func(i, j int) bool { return repls[i].start < repls[j].start })
	var b strings.Builder
	b.Grow(len(text))
	last := 0
	for _, r := range repls {
		b.WriteString(text[last:r.start])
		b.WriteString(r.text)
		last = r.end
	}
	b.WriteString(text[last:])
	return b.String()
}

func initials(entity string) string {
	var b strings.Builder
	for _, w := range strings.Fields(entity) {
		r, _ := utf8.DecodeRuneInString(w)
		b.WriteRune(unicode.ToUpper(r))
	}
	return b.String()
}
