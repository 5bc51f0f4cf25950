package pricing

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"net/http"
	"net/url"
	"sync"
	"time"

	"go.uber.org/zap"
)

// DefaultRegistryURL is the LiteLLM community price registry.
const DefaultRegistryURL = "https://raw.githubusercontent.com/BerriAI/litellm/main/model_prices_and_context_window.json"

const (
	defaultFetchTimeout = 5 * time.Second
	minFetchInterval    = time.Hour
	maxContextWindow    = 50_000_000
)

// defaultAllowedHosts is the built-in fetch allow-list. Callers may
// extend it per fetch but never bypass it.
var defaultAllowedHosts = map[string]struct{}{
	"raw.githubusercontent.com": {},
	"openrouter.ai":             {},
	"cdn.jsdelivr.net":          {},
}

// FetchOptions tune a single registry fetch.
type FetchOptions struct {
	Timeout      time.Duration
	Force        bool
	AllowedHosts []string
}

// FetchResult summarizes what a fetch changed.
type FetchResult struct {
	Updated   int  `json:"updated"`
	Added     int  `json:"added"`
	Errors    int  `json:"errors"`
	FromCache bool `json:"from_cache"`
}

// Fetcher pulls remote price registries into a Table. Invalid entries
// are rejected per-field; the table is never replaced wholesale.
type Fetcher struct {
	table  *Table
	client *http.Client
	logger *zap.Logger

	mu        sync.Mutex
	lastFetch time.Time
}

func NewFetcher(table *Table, logger *zap.Logger) *Fetcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Fetcher{
		table:  table,
		client: &http.Client{},
		logger: logger,
	}
}

// registryEntry is the LiteLLM registry row shape. Costs are USD per
// single token; pointer fields distinguish absent from zero.
type registryEntry struct {
	InputCostPerToken  *float64 `json:"input_cost_per_token"`
	OutputCostPerToken *float64 `json:"output_cost_per_token"`
	MaxInputTokens     *int     `json:"max_input_tokens"`
	MaxTokens          *int     `json:"max_tokens"`
	Provider           string   `json:"litellm_provider"`
	Mode               string   `json:"mode"`
	SupportsVision     bool     `json:"supports_vision"`
}

// Fetch downloads the registry at rawURL and merges valid chat-model
// entries into the table. HTTPS only; the host must appear in the
// allow-list. Unless forced, fetches within an hour of the previous
// successful one are answered from cache.
func (f *Fetcher) Fetch(ctx context.Context, rawURL string, opts FetchOptions) (*FetchResult, error) {
	if rawURL == "" {
		rawURL = DefaultRegistryURL
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("parse registry url: %w", err)
	}
	if u.Scheme != "https" {
		return nil, fmt.Errorf("registry url must use https, got %q", u.Scheme)
	}
	if !f.hostAllowed(u.Hostname(), opts.AllowedHosts) {
		return nil, fmt.Errorf("registry host %q not in allow-list", u.Hostname())
	}

	f.mu.Lock()
	recent := !f.lastFetch.IsZero() && time.Since(f.lastFetch) < minFetchInterval
	f.mu.Unlock()
	if recent && !opts.Force {
		return &FetchResult{FromCache: true}, nil
	}

	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = defaultFetchTimeout
	}
	reqCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, fmt.Errorf("build registry request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", "spendgate/1.0")

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch registry: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("registry fetch returned status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 32<<20))
	if err != nil {
		return nil, fmt.Errorf("read registry body: %w", err)
	}

	var raw map[string]json.RawMessage
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, fmt.Errorf("parse registry body: %w", err)
	}

	result := &FetchResult{}
	for modelID, blob := range raw {
		if modelID == "sample_spec" {
			continue
		}
		price, ok := parseEntry(blob)
		if !ok {
			result.Errors++
			continue
		}
		if f.table.Has(modelID) {
			result.Updated++
		} else {
			result.Added++
		}
		f.table.Register(modelID, price)
	}

	f.mu.Lock()
	f.lastFetch = time.Now()
	f.mu.Unlock()

	f.logger.Info("pricing registry fetched",
		zap.String("host", u.Hostname()),
		zap.Int("added", result.Added),
		zap.Int("updated", result.Updated),
		zap.Int("rejected", result.Errors))
	return result, nil
}

func (f *Fetcher) hostAllowed(host string, extra []string) bool {
	if _, ok := defaultAllowedHosts[host]; ok {
		return true
	}
	for _, h := range extra {
		if h == host {
			return true
		}
	}
	return false
}

// parseEntry validates one registry row and converts it to a Price.
func parseEntry(blob json.RawMessage) (Price, bool) {
	var e registryEntry
	if err := json.Unmarshal(blob, &e); err != nil {
		return Price{}, false
	}
	if e.Mode != "" && e.Mode != "chat" {
		return Price{}, false
	}
	if e.InputCostPerToken == nil || e.OutputCostPerToken == nil {
		return Price{}, false
	}
	in, out := *e.InputCostPerToken, *e.OutputCostPerToken
	if !validRate(in) || !validRate(out) || (in == 0 && out == 0) {
		return Price{}, false
	}

	ctxWindow := 8192
	if e.MaxInputTokens != nil {
		ctxWindow = *e.MaxInputTokens
	} else if e.MaxTokens != nil {
		ctxWindow = *e.MaxTokens
	}
	if ctxWindow <= 0 || ctxWindow > maxContextWindow {
		return Price{}, false
	}

	inPM := in * 1_000_000
	outPM := out * 1_000_000
	caps := []string{"chat"}
	if e.SupportsVision {
		caps = append(caps, "vision")
	}
	provider := e.Provider
	if provider == "" {
		provider = "unknown"
	}
	return Price{
		InputPerMillion:  inPM,
		OutputPerMillion: outPM,
		ContextWindow:    ctxWindow,
		Provider:         provider,
		Tier:             inferTier(inPM),
		Capabilities:     caps,
	}, true
}

func validRate(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0) && v >= 0
}

// inferTier buckets fetched models by input rate; the seeded registry
// carries curated tiers instead.
func inferTier(inputPerMillion float64) Tier {
	switch {
	case inputPerMillion < 0.5:
		return TierBudget
	case inputPerMillion < 3:
		return TierStandard
	case inputPerMillion < 10:
		return TierPremium
	default:
		return TierFlagship
	}
}
