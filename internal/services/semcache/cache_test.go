package semcache

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/amerfu/spendgate/internal/services/persist"
)

func newTestCache(t *testing.T, cfg Config) *Cache {
	t.Helper()
	c, err := New(cfg)
	require.NoError(t, err)
	return c
}

func TestExactLookup(t *testing.T) {
	ctx := context.Background()
	c := newTestCache(t, Config{})

	c.Store(ctx, "gpt-4o", "What is TypeScript?", "TS is a typed superset of JS.", 10, 20)

	t.Run("hit on same prompt", func(t *testing.T) {
		hit := c.Lookup(ctx, "gpt-4o", "What is TypeScript?")
		require.NotNil(t, hit)
		assert.Equal(t, "exact", hit.MatchType)
		assert.Equal(t, 1.0, hit.Similarity)
		assert.Equal(t, "TS is a typed superset of JS.", hit.Entry.Response)
		assert.Equal(t, 10, hit.Entry.InputTokens)
		assert.Equal(t, 20, hit.Entry.OutputTokens)
	})

	t.Run("normalization folds case and punctuation", func(t *testing.T) {
		hit := c.Lookup(ctx, "gpt-4o", "what is typescript")
		require.NotNil(t, hit)
		assert.Equal(t, "exact", hit.MatchType)
	})

	t.Run("access bump", func(t *testing.T) {
		before := c.Lookup(ctx, "gpt-4o", "What is TypeScript?")
		after := c.Lookup(ctx, "gpt-4o", "What is TypeScript?")
		require.NotNil(t, before)
		require.NotNil(t, after)
		assert.Equal(t, before.Entry.AccessCount+1, after.Entry.AccessCount)
	})

	t.Run("model isolation", func(t *testing.T) {
		assert.Nil(t, c.Lookup(ctx, "claude-sonnet-4", "What is TypeScript?"))
	})
}

func TestFuzzyLookupBigram(t *testing.T) {
	ctx := context.Background()
	c := newTestCache(t, Config{SimilarityThreshold: 0.85})

	c.Store(ctx, "gpt-4o", "what is the capital of france", "Paris.", 8, 3)

	t.Run("near duplicate hits", func(t *testing.T) {
		hit := c.Lookup(ctx, "gpt-4o", "what is the capitol of france")
		require.NotNil(t, hit)
		assert.Equal(t, "fuzzy", hit.MatchType)
		assert.GreaterOrEqual(t, hit.Similarity, 0.85)
		assert.Equal(t, "Paris.", hit.Entry.Response)
	})

	t.Run("unrelated prompt misses", func(t *testing.T) {
		assert.Nil(t, c.Lookup(ctx, "gpt-4o", "explain quantum mechanics"))
	})

	t.Run("same prompt other model misses", func(t *testing.T) {
		assert.Nil(t, c.Lookup(ctx, "gpt-4o-mini", "what is the capitol of france"))
	})
}

func TestShortPromptTightening(t *testing.T) {
	ctx := context.Background()

	// dice("abcdefgh","abcdefgx") = 2*6/14 ≈ 0.857 and both prompts are
	// under ten runes, so the effective threshold gets +0.05.
	t.Run("blocked at 0.85 for short prompts", func(t *testing.T) {
		c := newTestCache(t, Config{SimilarityThreshold: 0.85})
		c.Store(ctx, "m", "abcdefgh", "resp", 1, 1)
		assert.Nil(t, c.Lookup(ctx, "m", "abcdefgx"))
	})

	t.Run("allowed when configured threshold leaves headroom", func(t *testing.T) {
		c := newTestCache(t, Config{SimilarityThreshold: 0.80})
		c.Store(ctx, "m", "abcdefgh", "resp", 1, 1)
		hit := c.Lookup(ctx, "m", "abcdefgx")
		require.NotNil(t, hit)
		assert.GreaterOrEqual(t, hit.Similarity, 0.85)
	})
}

func TestFuzzyDisabledAtThresholdOne(t *testing.T) {
	ctx := context.Background()
	c := newTestCache(t, Config{SimilarityThreshold: 1})

	c.Store(ctx, "m", "what is the capital of france", "Paris.", 8, 3)
	assert.Nil(t, c.Lookup(ctx, "m", "what is the capitol of france"))
	assert.NotNil(t, c.Lookup(ctx, "m", "what is the capital of france"))
}

func TestTTLExpiry(t *testing.T) {
	ctx := context.Background()
	c := newTestCache(t, Config{TTL: 15 * time.Millisecond})

	c.Store(ctx, "m", "ephemeral prompt", "resp", 5, 5)
	require.NotNil(t, c.Lookup(ctx, "m", "ephemeral prompt"))

	time.Sleep(30 * time.Millisecond)
	assert.Nil(t, c.Lookup(ctx, "m", "ephemeral prompt"))
	assert.Equal(t, 0, c.Len(), "expired entry lazily removed on access")
}

func TestLRUEviction(t *testing.T) {
	ctx := context.Background()
	c := newTestCache(t, Config{MaxEntries: 2})

	c.Store(ctx, "m", "first prompt text", "r1", 1, 1)
	c.Store(ctx, "m", "second prompt text", "r2", 1, 1)
	c.Store(ctx, "m", "third prompt text", "r3", 1, 1)

	assert.Equal(t, 2, c.Len())
	assert.Nil(t, c.Lookup(ctx, "m", "first prompt text"), "oldest entry evicted")
	assert.NotNil(t, c.Lookup(ctx, "m", "third prompt text"))

	t.Run("recency protects entries", func(t *testing.T) {
		c := newTestCache(t, Config{MaxEntries: 2})
		c.Store(ctx, "m", "alpha prompt", "r1", 1, 1)
		c.Store(ctx, "m", "beta prompt", "r2", 1, 1)
		require.NotNil(t, c.Lookup(ctx, "m", "alpha prompt")) // bump alpha
		c.Store(ctx, "m", "gamma prompt", "r3", 1, 1)         // evicts beta

		assert.NotNil(t, c.Lookup(ctx, "m", "alpha prompt"))
		assert.Nil(t, c.Lookup(ctx, "m", "beta prompt"))
	})
}

func TestMinhashStrategy(t *testing.T) {
	ctx := context.Background()
	c := newTestCache(t, Config{
		Strategy:            StrategyMinhash,
		SimilarityThreshold: 0.5,
	})

	base := "please summarize the attached quarterly report for the finance team"
	c.Store(ctx, "gpt-4o", base, "Summary of the report.", 20, 40)

	t.Run("near duplicate hits through banding", func(t *testing.T) {
		hit := c.Lookup(ctx, "gpt-4o", base+" today")
		require.NotNil(t, hit)
		assert.Equal(t, "fuzzy", hit.MatchType)
		assert.GreaterOrEqual(t, hit.Similarity, 0.5)
	})

	t.Run("unrelated prompt has no candidate bands", func(t *testing.T) {
		assert.Nil(t, c.Lookup(ctx, "gpt-4o", "write a haiku about distributed consensus"))
	})

	t.Run("model isolation holds under minhash", func(t *testing.T) {
		assert.Nil(t, c.Lookup(ctx, "other-model", base+" today"))
	})

	t.Run("eviction unhooks band index", func(t *testing.T) {
		small := newTestCache(t, Config{
			Strategy:            StrategyMinhash,
			SimilarityThreshold: 0.5,
			MaxEntries:          1,
		})
		small.Store(ctx, "m", base, "r1", 1, 1)
		small.Store(ctx, "m", "a completely different replacement entry text", "r2", 1, 1)
		assert.Nil(t, small.Lookup(ctx, "m", base+" today"))
	})
}

func TestStats(t *testing.T) {
	ctx := context.Background()
	c := newTestCache(t, Config{SimilarityThreshold: 0.85})

	c.Store(ctx, "m", "what is the capital of france", "Paris.", 8, 3)

	c.Lookup(ctx, "m", "what is the capital of france") // exact
	c.Lookup(ctx, "m", "what is the capitol of france") // fuzzy
	c.Lookup(ctx, "m", "unrelated question here")       // miss

	s := c.Stats()
	assert.Equal(t, int64(3), s.Lookups)
	assert.Equal(t, int64(2), s.Hits)
	assert.Equal(t, int64(1), s.ExactHits)
	assert.Equal(t, int64(1), s.FuzzyHits)
	assert.InDelta(t, 2.0/3.0, s.HitRate, 1e-9)
	assert.Equal(t, int64(22), s.SavedTokens)
	assert.Equal(t, 1, s.Entries)

	t.Run("clear resets entries and counters", func(t *testing.T) {
		c.Clear(ctx)
		s := c.Stats()
		assert.Zero(t, s.Lookups)
		assert.Zero(t, s.Hits)
		assert.Zero(t, s.Entries)
		assert.Zero(t, s.SavedTokens)
		assert.Nil(t, c.Lookup(ctx, "m", "what is the capital of france"))
	})
}

func TestPersistence(t *testing.T) {
	ctx := context.Background()
	store := persist.NewMemoryStore()

	first := newTestCache(t, Config{Store: store})
	first.Store(ctx, "gpt-4o", "persisted prompt text", "persisted response", 7, 9)

	second := newTestCache(t, Config{Store: store})
	loaded, err := second.LoadPersisted(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, loaded)

	hit := second.Lookup(ctx, "gpt-4o", "persisted prompt text")
	require.NotNil(t, hit)
	assert.Equal(t, "persisted response", hit.Entry.Response)

	t.Run("clear removes persisted entries", func(t *testing.T) {
		second.Clear(ctx)
		third := newTestCache(t, Config{Store: store})
		loaded, err := third.LoadPersisted(ctx)
		require.NoError(t, err)
		assert.Zero(t, loaded)
	})
}

func TestConfigValidation(t *testing.T) {
	_, err := New(Config{SimilarityThreshold: 1.5})
	assert.Error(t, err)

	_, err = New(Config{Strategy: "simhash"})
	assert.Error(t, err)
}

func TestConcurrentAccess(t *testing.T) {
	ctx := context.Background()
	c := newTestCache(t, Config{MaxEntries: 64, SimilarityThreshold: 0.85})

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				prompt := fmt.Sprintf("worker %d prompt number %d with some padding text", n, j)
				c.Store(ctx, "m", prompt, "resp", 5, 5)
				c.Lookup(ctx, "m", prompt)
			}
		}(i)
	}
	wg.Wait()

	s := c.Stats()
	assert.Equal(t, int64(400), s.Lookups)
	assert.LessOrEqual(t, s.Entries, 64)
}

func BenchmarkLookupExact(b *testing.B) {
	ctx := context.Background()
	c, err := New(Config{MaxEntries: 1000})
	if err != nil {
		b.Fatal(err)
	}
	for i := 0; i < 500; i++ {
		c.Store(ctx, "m", fmt.Sprintf("benchmark prompt %d with body text", i), "resp", 10, 10)
	}

	b.ResetTimer()
	b.RunParallel(func(pb *testing.PB) {
		for pb.Next() {
			c.Lookup(ctx, "m", "benchmark prompt 250 with body text")
		}
	})
}
