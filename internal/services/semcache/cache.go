// Package semcache caches model responses keyed by (model, normalized
// prompt) with optional fuzzy matching, so repeated or near-duplicate
// prompts are answered without a provider call. Entries from one model
// never satisfy lookups for another.
package semcache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sync"
	"time"
	"unicode/utf8"

	lru "github.com/hashicorp/golang-lru/v2"
	"go.uber.org/zap"

	"github.com/amerfu/spendgate/internal/services/persist"
)

const (
	StrategyBigram  = "bigram"
	StrategyMinhash = "minhash"

	defaultMaxEntries = 500
	defaultTTL        = time.Hour
	defaultThreshold  = 0.85

	// Prompts shorter than this match under a tightened threshold.
	shortPromptRunes      = 10
	shortPromptTightening = 0.05
	persistedEntryPrefix  = "cache:"
)

// Entry is one cached response.
type Entry struct {
	Key              string    `json:"key"`
	NormalizedPrompt string    `json:"normalized_prompt"`
	Prompt           string    `json:"prompt"`
	Response         string    `json:"response"`
	ModelID          string    `json:"model_id"`
	InputTokens      int       `json:"input_tokens"`
	OutputTokens     int       `json:"output_tokens"`
	CreatedAt        time.Time `json:"created_at"`
	LastAccessed     time.Time `json:"last_accessed"`
	AccessCount      int       `json:"access_count"`
}

// Hit is a successful lookup. Entry is a copy; mutating it does not
// affect the cache.
type Hit struct {
	Entry      Entry
	Similarity float64
	MatchType  string // exact or fuzzy
}

// Config for the cache. Zero values take the documented defaults.
type Config struct {
	MaxEntries          int
	TTL                 time.Duration
	SimilarityThreshold float64
	Strategy            string
	Store               persist.Store // nil disables persistence
	Logger              *zap.Logger
}

func (c *Config) applyDefaults() {
	if c.MaxEntries <= 0 {
		c.MaxEntries = defaultMaxEntries
	}
	if c.TTL <= 0 {
		c.TTL = defaultTTL
	}
	if c.SimilarityThreshold == 0 {
		c.SimilarityThreshold = defaultThreshold
	}
	if c.Strategy == "" {
		c.Strategy = StrategyBigram
	}
	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}
}

// Stats is a point-in-time counter snapshot.
type Stats struct {
	Entries     int     `json:"entries"`
	Lookups     int64   `json:"lookups"`
	Hits        int64   `json:"hits"`
	ExactHits   int64   `json:"exact_hits"`
	FuzzyHits   int64   `json:"fuzzy_hits"`
	HitRate     float64 `json:"hit_rate"`
	SavedTokens int64   `json:"saved_tokens"`
}

// Cache is safe for concurrent use. One mutex covers entries, indexes
// and counters; the fuzzy scan is bounded by MaxEntries.
type Cache struct {
	cfg    Config
	logger *zap.Logger

	mu      sync.Mutex
	entries *lru.Cache[string, *Entry]
	byModel map[string]map[string]struct{}
	sigs    map[string][]uint64
	bands   [lshBands]map[uint64]map[string]struct{}

	lookups     int64
	exactHits   int64
	fuzzyHits   int64
	savedTokens int64
}

func New(cfg Config) (*Cache, error) {
	cfg.applyDefaults()
	if cfg.SimilarityThreshold < 0 || cfg.SimilarityThreshold > 1 {
		return nil, fmt.Errorf("similarity threshold %v outside [0,1]", cfg.SimilarityThreshold)
	}
	if cfg.Strategy != StrategyBigram && cfg.Strategy != StrategyMinhash {
		return nil, fmt.Errorf("unknown cache strategy %q", cfg.Strategy)
	}

	c := &Cache{
		cfg:     cfg,
		logger:  cfg.Logger,
		byModel: make(map[string]map[string]struct{}),
		sigs:    make(map[string][]uint64),
	}
	for i := range c.bands {
		c.bands[i] = make(map[uint64]map[string]struct{})
	}

	// The eviction callback always runs with c.mu held: every LRU
	// mutation below happens inside a locked section.
	store, err := lru.NewWithEvict[string, *Entry](cfg.MaxEntries, c.unindex)
	if err != nil {
		return nil, fmt.Errorf("build lru store: %w", err)
	}
	c.entries = store
	return c, nil
}

// keyFor derives the cache key from the model id and the normalized
// prompt fingerprint.
func keyFor(modelID, normalized string) string {
	sum := sha256.Sum256([]byte(modelID + "\x00" + normalized))
	return hex.EncodeToString(sum[:])
}

func (c *Cache) expired(e *Entry, now time.Time) bool {
	return now.Sub(e.CreatedAt) >= c.cfg.TTL
}

func (c *Cache) unindex(key string, e *Entry) {
	if keys, ok := c.byModel[e.ModelID]; ok {
		delete(keys, key)
		if len(keys) == 0 {
			delete(c.byModel, e.ModelID)
		}
	}
	if sig, ok := c.sigs[key]; ok {
		for band, h := range bandHashes(sig) {
			if bucket, ok := c.bands[band][h]; ok {
				delete(bucket, key)
				if len(bucket) == 0 {
					delete(c.bands[band], h)
				}
			}
		}
		delete(c.sigs, key)
	}
}

func (c *Cache) index(key string, e *Entry) {
	keys, ok := c.byModel[e.ModelID]
	if !ok {
		keys = make(map[string]struct{})
		c.byModel[e.ModelID] = keys
	}
	keys[key] = struct{}{}

	if c.cfg.Strategy == StrategyMinhash {
		sig := minhashSignature(e.NormalizedPrompt)
		c.sigs[key] = sig
		for band, h := range bandHashes(sig) {
			bucket, ok := c.bands[band][h]
			if !ok {
				bucket = make(map[string]struct{})
				c.bands[band][h] = bucket
			}
			bucket[key] = struct{}{}
		}
	}
}

// Lookup returns a hit for the prompt under the given model, or nil.
// Exact match first; fuzzy candidates are considered only when the
// configured threshold is below 1. Hits bump recency and counters.
func (c *Cache) Lookup(ctx context.Context, modelID, prompt string) *Hit {
	norm := Normalize(prompt)
	key := keyFor(modelID, norm)
	now := time.Now()

	c.mu.Lock()
	defer c.mu.Unlock()
	c.lookups++

	if e, ok := c.entries.Get(key); ok {
		if c.expired(e, now) {
			c.entries.Remove(key)
		} else {
			return c.recordHit(e, 1, "exact", now)
		}
	}

	if c.cfg.SimilarityThreshold >= 1 {
		return nil
	}
	effective := c.cfg.SimilarityThreshold
	if utf8.RuneCountInString(norm) < shortPromptRunes {
		effective += shortPromptTightening
	}

	bestKey, bestSim := c.scanFuzzy(modelID, norm, now)
	if bestKey == "" || bestSim < effective {
		return nil
	}
	e, ok := c.entries.Get(bestKey)
	if !ok {
		return nil
	}
	return c.recordHit(e, bestSim, "fuzzy", now)
}

// Peek answers what Lookup would return without touching counters,
// recency, or access counts. Expired entries found along the way are
// still collected.
func (c *Cache) Peek(ctx context.Context, modelID, prompt string) *Hit {
	norm := Normalize(prompt)
	key := keyFor(modelID, norm)
	now := time.Now()

	c.mu.Lock()
	defer c.mu.Unlock()

	if e, ok := c.entries.Peek(key); ok {
		if c.expired(e, now) {
			c.entries.Remove(key)
		} else {
			return &Hit{Entry: *e, Similarity: 1, MatchType: "exact"}
		}
	}

	if c.cfg.SimilarityThreshold >= 1 {
		return nil
	}
	effective := c.cfg.SimilarityThreshold
	if utf8.RuneCountInString(norm) < shortPromptRunes {
		effective += shortPromptTightening
	}

	bestKey, bestSim := c.scanFuzzy(modelID, norm, now)
	if bestKey == "" || bestSim < effective {
		return nil
	}
	e, ok := c.entries.Peek(bestKey)
	if !ok {
		return nil
	}
	return &Hit{Entry: *e, Similarity: bestSim, MatchType: "fuzzy"}
}

// scanFuzzy finds the most similar live same-model entry. Expired
// entries encountered along the way are removed. Caller holds c.mu.
func (c *Cache) scanFuzzy(modelID, norm string, now time.Time) (string, float64) {
	var (
		expired []string
		bestKey string
		bestSim float64
	)
	var querySig []uint64
	if c.cfg.Strategy == StrategyMinhash {
		querySig = minhashSignature(norm)
	}

	consider := func(key string) {
		e, ok := c.entries.Peek(key)
		if !ok || e.ModelID != modelID {
			return
		}
		if c.expired(e, now) {
			expired = append(expired, key)
			return
		}
		var sim float64
		if querySig != nil {
			sim = signatureSimilarity(querySig, c.sigs[key])
		} else {
			sim = diceSimilarity(norm, e.NormalizedPrompt)
		}
		if sim > bestSim {
			bestKey, bestSim = key, sim
		}
	}

	if querySig != nil {
		seen := make(map[string]struct{})
		for band, h := range bandHashes(querySig) {
			for key := range c.bands[band][h] {
				if _, dup := seen[key]; dup {
					continue
				}
				seen[key] = struct{}{}
				consider(key)
			}
		}
	} else {
		for key := range c.byModel[modelID] {
			consider(key)
		}
	}

	for _, key := range expired {
		c.entries.Remove(key)
	}
	return bestKey, bestSim
}

func (c *Cache) recordHit(e *Entry, sim float64, matchType string, now time.Time) *Hit {
	e.AccessCount++
	e.LastAccessed = now
	if matchType == "exact" {
		c.exactHits++
	} else {
		c.fuzzyHits++
	}
	c.savedTokens += int64(e.InputTokens + e.OutputTokens)
	return &Hit{Entry: *e, Similarity: sim, MatchType: matchType}
}

// Store inserts a response. Insertion may evict the least-recently
// used entry. When persistence is configured the entry is written
// through; write failures are logged and otherwise ignored.
func (c *Cache) Store(ctx context.Context, modelID, prompt, response string, inputTokens, outputTokens int) {
	norm := Normalize(prompt)
	key := keyFor(modelID, norm)
	now := time.Now()
	e := &Entry{
		Key:              key,
		NormalizedPrompt: norm,
		Prompt:           prompt,
		Response:         response,
		ModelID:          modelID,
		InputTokens:      inputTokens,
		OutputTokens:     outputTokens,
		CreatedAt:        now,
		LastAccessed:     now,
	}

	c.mu.Lock()
	if prev, ok := c.entries.Peek(key); ok {
		c.unindex(key, prev)
	}
	c.entries.Add(key, e)
	c.index(key, e)
	c.mu.Unlock()

	if c.cfg.Store == nil {
		return
	}
	data, err := json.Marshal(e)
	if err != nil {
		c.logger.Debug("cache entry marshal failed", zap.Error(err))
		return
	}
	if err := c.cfg.Store.Set(ctx, persistedEntryPrefix+key, data, c.cfg.TTL); err != nil {
		c.logger.Debug("cache entry persist failed", zap.String("key", key), zap.Error(err))
	}
}

// LoadPersisted restores entries written by a previous process. Ages
// are respected: expired entries are skipped. Returns how many were
// restored.
func (c *Cache) LoadPersisted(ctx context.Context) (int, error) {
	if c.cfg.Store == nil {
		return 0, nil
	}
	keys, err := c.cfg.Store.Keys(ctx, persistedEntryPrefix)
	if err != nil {
		return 0, fmt.Errorf("list persisted cache entries: %w", err)
	}
	now := time.Now()
	loaded := 0
	for _, k := range keys {
		data, err := c.cfg.Store.Get(ctx, k)
		if err != nil {
			continue
		}
		var e Entry
		if err := json.Unmarshal(data, &e); err != nil || e.Key == "" {
			continue
		}
		if c.expired(&e, now) {
			continue
		}
		entry := e
		c.mu.Lock()
		c.entries.Add(entry.Key, &entry)
		c.index(entry.Key, &entry)
		c.mu.Unlock()
		loaded++
	}
	if loaded > 0 {
		c.logger.Info("semantic cache restored from persistence", zap.Int("entries", loaded))
	}
	return loaded, nil
}

// Clear drops all entries and resets counters. Persisted entries are
// removed best-effort.
func (c *Cache) Clear(ctx context.Context) {
	c.mu.Lock()
	c.entries.Purge()
	c.byModel = make(map[string]map[string]struct{})
	c.sigs = make(map[string][]uint64)
	for i := range c.bands {
		c.bands[i] = make(map[uint64]map[string]struct{})
	}
	c.lookups, c.exactHits, c.fuzzyHits, c.savedTokens = 0, 0, 0, 0
	c.mu.Unlock()

	if c.cfg.Store == nil {
		return
	}
	keys, err := c.cfg.Store.Keys(ctx, persistedEntryPrefix)
	if err != nil {
		return
	}
	for _, k := range keys {
		_ = c.cfg.Store.Delete(ctx, k)
	}
}

// Len reports live entry count (including not-yet-collected expired
// entries awaiting lazy removal).
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.entries.Len()
}

// Stats snapshots the counters.
func (c *Cache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	hits := c.exactHits + c.fuzzyHits
	s := Stats{
		Entries:     c.entries.Len(),
		Lookups:     c.lookups,
		Hits:        hits,
		ExactHits:   c.exactHits,
		FuzzyHits:   c.fuzzyHits,
		SavedTokens: c.savedTokens,
	}
	if c.lookups > 0 {
		s.HitRate = float64(hits) / float64(c.lookups)
	}
	return s
}
