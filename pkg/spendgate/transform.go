package spendgate

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/amerfu/spendgate/internal/services/budget"
	"github.com/amerfu/spendgate/internal/services/guard"
	"github.com/amerfu/spendgate/internal/services/routing"
	"github.com/amerfu/spendgate/internal/services/trimmer"
	"github.com/amerfu/spendgate/pkg/events"
	"github.com/amerfu/spendgate/pkg/llm"
)

// Sidecar carries one request's pipeline state from Transform to
// Record. Callers treat it as opaque; exactly one Record call settles
// it.
type Sidecar struct {
	RequestID       string
	UserID          string
	OriginalModel   string
	Model           string // final model after routing
	OriginalTokens  int    // prompt footprint before any rewriting
	InputTokens     int    // prompt footprint handed to the provider
	PredictedOutput int
	EstimatedCost   float64

	CacheHit   *CacheHit
	Route      *RouteInfo
	Holdback   bool
	Complexity float64

	ContextSaved    int // tokens
	CompressorSaved int
	DeltaSaved      int
	RouterSavedUSD  float64

	DryRun bool

	prompt      string
	reservation *budget.Reservation
	handle      *guard.Handle
	params      *llm.Params
}

// CacheHit is a cached response attached to the sidecar. Record turns
// it into the returned result without a provider call.
type CacheHit struct {
	Response     string  `json:"response"`
	InputTokens  int     `json:"input_tokens"`
	OutputTokens int     `json:"output_tokens"`
	Similarity   float64 `json:"similarity"`
	MatchType    string  `json:"match_type"`
	SavedCost    float64 `json:"saved_cost"`
}

// RouteInfo describes a model substitution made by the router.
type RouteInfo struct {
	From          string  `json:"from"`
	To            string  `json:"to"`
	Provider      string  `json:"provider"`
	CrossProvider bool    `json:"cross_provider"`
	Reason        string  `json:"reason"`
	SavedUSD      float64 `json:"saved_usd"`
}

// Transform runs the pre-call pipeline: spend admission, budget
// reservation, guard checks, cache lookup, and the prompt rewrites.
// On a cache hit the returned sidecar carries the response and the
// caller skips the provider entirely. A *BlockedError means the
// request must not be sent; any reservation has already been
// released.
func (m *Middleware) Transform(ctx context.Context, params *llm.Params) (*llm.Params, *Sidecar, error) {
	if params == nil {
		return nil, nil, errors.New("spendgate: nil params")
	}
	if params.Model == "" {
		return nil, nil, errors.New("spendgate: params.Model is required")
	}

	p := params.Clone()
	prompt := p.PromptText()
	promptTokens := m.estimator.CountParams(p)
	predicted := p.MaxTokens
	if predicted <= 0 {
		predicted = defaultPredictedOutput
	}
	estimated, price := m.table.Cost(p.Model, promptTokens, predicted)

	sc := &Sidecar{
		RequestID:       uuid.New().String(),
		OriginalModel:   p.Model,
		Model:           p.Model,
		OriginalTokens:  promptTokens,
		PredictedOutput: predicted,
		EstimatedCost:   estimated,
		DryRun:          m.cfg.DryRun,
		prompt:          prompt,
	}

	if price.Fallback {
		m.bus.Emit(events.CostFallback, events.FallbackPayload{
			Model:    p.Model,
			InputPM:  price.InputPerMillion,
			OutputPM: price.OutputPerMillion,
		})
	}

	if m.cfg.DryRun {
		return m.dryRun(ctx, p, sc)
	}

	if ctx.Err() != nil {
		return nil, nil, m.cancelled(sc)
	}

	// Global ceiling first: rejected work never holds budget.
	if res := m.breaker.Check(estimated); !res.Allowed {
		be := m.blocked(sc, ReasonBreakerLimit, res.Reason)
		m.emitBlocked(sc, be)
		return nil, nil, be
	}

	userID, err := m.resolveUser(p)
	if err != nil {
		return nil, nil, err
	}
	sc.UserID = userID

	reservation, err := m.budget.Reserve(userID, estimated, p.Model)
	if err != nil {
		var exceeded *budget.ExceededError
		if errors.As(err, &exceeded) {
			// The budget manager has already published the exceeded
			// event with the window detail.
			return nil, nil, m.blocked(sc, ReasonBudgetExceeded, exceeded.Error())
		}
		return nil, nil, err
	}
	sc.reservation = reservation

	if ctx.Err() != nil {
		return nil, nil, m.cancelled(sc)
	}

	if m.guard != nil {
		if d := m.guard.Check(prompt, promptTokens, estimated); !d.Allowed {
			m.releaseHeld(sc)
			be := m.blocked(sc, d.Reason, humanizeReason(d.Reason))
			m.emitBlocked(sc, be)
			return nil, nil, be
		}
	}

	m.bus.Emit(events.RequestAllowed, events.AllowedPayload{
		UserID:          userID,
		Model:           p.Model,
		EstimatedTokens: promptTokens,
		EstimatedCost:   estimated,
	})

	if m.cache != nil {
		if hit := m.cache.Lookup(ctx, p.Model, prompt); hit != nil {
			sc.CacheHit = &CacheHit{
				Response:     hit.Entry.Response,
				InputTokens:  hit.Entry.InputTokens,
				OutputTokens: hit.Entry.OutputTokens,
				Similarity:   hit.Similarity,
				MatchType:    hit.MatchType,
				SavedCost:    m.table.EstimateCost(p.Model, hit.Entry.InputTokens, hit.Entry.OutputTokens),
			}
			m.bus.Emit(events.CacheHit, events.CachePayload{
				Model:       p.Model,
				Key:         hit.Entry.Key,
				MatchType:   hit.MatchType,
				Similarity:  hit.Similarity,
				SavedTokens: hit.Entry.InputTokens + hit.Entry.OutputTokens,
			})
			sc.InputTokens = promptTokens
			sc.params = p
			return p, sc, nil
		}
		m.bus.Emit(events.CacheMiss, events.CachePayload{Model: p.Model})
	}

	if m.guard != nil {
		sc.handle = m.guard.StartRequest(prompt)
	}

	if m.trimmer != nil {
		maxIn := m.cfg.Context.MaxInputTokens
		if maxIn <= 0 {
			maxIn = price.ContextWindow
		}
		res := m.trimmer.Trim(trimRequest(p, maxIn, m.cfg.Context.ReserveForOutput, predicted))
		if res.Dropped > 0 {
			p.Messages = res.Messages
			sc.ContextSaved = res.SavedTokens
			m.bus.Emit(events.ContextTrimmed, events.TrimPayload{
				DroppedMessages: res.Dropped,
				SavedTokens:     res.SavedTokens,
			})
		}
	}

	if m.compressor != nil {
		m.compressUserTurns(p, sc)
	}

	if m.delta != nil {
		res := m.delta.Encode(p.Messages)
		if res.Applied {
			p.Messages = res.Messages
			sc.DeltaSaved = res.SavedTokens
			m.bus.Emit(events.DeltaApplied, events.DeltaPayload{
				ReplacedParagraphs: res.ReplacedParagraphs,
				DroppedParagraphs:  res.DroppedParagraphs,
				SavedTokens:        res.SavedTokens,
			})
		}
	}

	if m.router != nil {
		m.route(p, sc, prompt, predicted)
	}

	if m.mods.Prefix {
		p.Messages = reorderForPrefixCaching(p.Messages)
	}

	if ctx.Err() != nil {
		return nil, nil, m.cancelled(sc)
	}

	sc.InputTokens = m.estimator.CountParams(p)
	sc.params = p
	return p, sc, nil
}

// compressUserTurns rewrites each user text part in place and emits
// one aggregate event when anything was saved.
func (m *Middleware) compressUserTurns(p *llm.Params, sc *Sidecar) {
	var saved, original, compressed int
	var phases []string
	for i := range p.Messages {
		if p.Messages[i].Role != llm.RoleUser {
			continue
		}
		for j := range p.Messages[i].Parts {
			part := &p.Messages[i].Parts[j]
			if part.Text == "" {
				continue
			}
			res := m.compressor.Compress(part.Text)
			if !res.Applied {
				continue
			}
			part.Text = res.Text
			saved += res.SavedTokens
			original += res.OriginalTokens
			compressed += res.CompressedTokens
			phases = mergePhases(phases, res.Phases)
		}
	}
	if saved == 0 {
		return
	}
	sc.CompressorSaved = saved
	m.bus.Emit(events.CompressApplied, events.CompressPayload{
		OriginalTokens:   original,
		CompressedTokens: compressed,
		SavedTokens:      saved,
		Phases:           phases,
	})
}

// route consults the router and applies its decision to the params.
func (m *Middleware) route(p *llm.Params, sc *Sidecar, prompt string, predicted int) {
	decision := m.router.Route(routing.Request{
		Model:           p.Model,
		Prompt:          prompt,
		Score:           m.scorer.Analyze(prompt),
		PromptTokens:    m.estimator.CountParams(p),
		PredictedOutput: predicted,
		Constraints:     constraintsFor(p),
	})
	sc.Complexity = decision.Score.Value

	switch {
	case decision.Holdback:
		sc.Holdback = true
		m.bus.Emit(events.RouterHoldback, events.RoutePayload{
			FromModel:  p.Model,
			ToModel:    p.Model,
			Provider:   decision.Provider,
			Complexity: decision.Score.Value,
		})
	case decision.Model != p.Model:
		sc.Route = &RouteInfo{
			From:          p.Model,
			To:            decision.Model,
			Provider:      decision.Provider,
			CrossProvider: decision.CrossProvider,
			Reason:        decision.Reason,
			SavedUSD:      decision.SavingsVsDefault,
		}
		sc.RouterSavedUSD = decision.SavingsVsDefault
		m.bus.Emit(events.RouterDowngrade, events.RoutePayload{
			FromModel:     p.Model,
			ToModel:       decision.Model,
			Provider:      decision.Provider,
			CrossProvider: decision.CrossProvider,
			Complexity:    decision.Score.Value,
			SavingsUSD:    decision.SavingsVsDefault,
		})
		p.Model = decision.Model
		sc.Model = decision.Model
	}
}

// dryRun exercises every stage read-only and reports what each would
// have done. The params come back unchanged and no counter moves.
func (m *Middleware) dryRun(ctx context.Context, p *llm.Params, sc *Sidecar) (*llm.Params, *Sidecar, error) {
	note := func(step, action string) {
		if m.cfg.OnDryRun != nil {
			m.cfg.OnDryRun(DryRunNote{Step: step, Action: action})
		}
	}

	if res := m.breaker.Preview(sc.EstimatedCost); !res.Allowed {
		note("breaker", "would block: "+res.Reason)
	} else {
		note("breaker", "would allow")
	}

	userID, err := m.resolveUser(p)
	if err != nil {
		return nil, nil, err
	}
	sc.UserID = userID
	if err := m.budget.Preview(userID, sc.EstimatedCost); err != nil {
		note("budget", fmt.Sprintf("would block: %v", err))
	} else {
		note("budget", fmt.Sprintf("would reserve $%.6f for %s", sc.EstimatedCost, userID))
	}

	if m.guard != nil {
		if d := m.guard.Preview(sc.prompt, sc.OriginalTokens, sc.EstimatedCost); !d.Allowed {
			note("guard", "would block: "+d.Reason)
		} else {
			note("guard", "would allow")
		}
	}

	if m.cache != nil {
		if hit := m.cache.Peek(ctx, p.Model, sc.prompt); hit != nil {
			sc.CacheHit = &CacheHit{
				Response:     hit.Entry.Response,
				InputTokens:  hit.Entry.InputTokens,
				OutputTokens: hit.Entry.OutputTokens,
				Similarity:   hit.Similarity,
				MatchType:    hit.MatchType,
				SavedCost:    m.table.EstimateCost(p.Model, hit.Entry.InputTokens, hit.Entry.OutputTokens),
			}
			note("cache", fmt.Sprintf("%s hit, similarity %.2f", hit.MatchType, hit.Similarity))
		} else {
			note("cache", "miss")
		}
	}

	if m.trimmer != nil {
		maxIn := m.cfg.Context.MaxInputTokens
		if maxIn <= 0 {
			maxIn = m.table.Lookup(p.Model).ContextWindow
		}
		res := m.trimmer.Trim(trimRequest(p, maxIn, m.cfg.Context.ReserveForOutput, sc.PredictedOutput))
		if res.Dropped > 0 {
			note("context", fmt.Sprintf("would drop %d messages, saving %d tokens", res.Dropped, res.SavedTokens))
		} else {
			note("context", "within limits")
		}
	}

	if m.compressor != nil {
		saved := 0
		for _, msg := range p.Messages {
			if msg.Role != llm.RoleUser {
				continue
			}
			for _, part := range msg.Parts {
				if part.Text == "" {
					continue
				}
				if res := m.compressor.Compress(part.Text); res.Applied {
					saved += res.SavedTokens
				}
			}
		}
		if saved > 0 {
			note("compressor", fmt.Sprintf("would save %d tokens", saved))
		} else {
			note("compressor", "no savings")
		}
	}

	if m.delta != nil {
		if res := m.delta.Encode(p.Messages); res.Applied {
			note("delta", fmt.Sprintf("would save %d tokens", res.SavedTokens))
		} else {
			note("delta", "no restatements")
		}
	}

	if m.router != nil {
		decision := m.router.Route(routing.Request{
			Model:           p.Model,
			Prompt:          sc.prompt,
			Score:           m.scorer.Analyze(sc.prompt),
			PromptTokens:    sc.OriginalTokens,
			PredictedOutput: sc.PredictedOutput,
			Constraints:     constraintsFor(p),
		})
		sc.Complexity = decision.Score.Value
		switch {
		case decision.Holdback:
			note("router", "would hold back for baseline")
		case decision.Model != p.Model:
			note("router", fmt.Sprintf("would reroute %s to %s, saving $%.6f",
				p.Model, decision.Model, decision.SavingsVsDefault))
		default:
			note("router", "would keep "+p.Model)
		}
	}

	// Prefix reordering is skipped entirely: a dry run never touches
	// message order.
	sc.InputTokens = sc.OriginalTokens
	sc.params = p
	return p, sc, nil
}

func (m *Middleware) resolveUser(p *llm.Params) (string, error) {
	if p.User != "" {
		return p.User, nil
	}
	if m.cfg.GetUserID != nil {
		id := m.cfg.GetUserID()
		if id == "" {
			return "", errors.New("spendgate: GetUserID returned an empty user id")
		}
		return id, nil
	}
	return anonymousUser, nil
}

// blocked builds the refusal error and notifies the caller's hook.
func (m *Middleware) blocked(sc *Sidecar, reason, message string) *BlockedError {
	be := &BlockedError{Reason: reason, Message: message, EstimatedCost: sc.EstimatedCost}
	if m.cfg.OnBlocked != nil {
		m.cfg.OnBlocked(BlockedNotice{
			Reason:        reason,
			Message:       message,
			UserID:        sc.UserID,
			Model:         sc.OriginalModel,
			EstimatedCost: sc.EstimatedCost,
		})
	}
	return be
}

func (m *Middleware) emitBlocked(sc *Sidecar, be *BlockedError) {
	m.bus.Emit(events.RequestBlocked, events.BlockedPayload{
		Reason:        be.Reason,
		Message:       be.Message,
		UserID:        sc.UserID,
		Model:         sc.OriginalModel,
		EstimatedCost: be.EstimatedCost,
	})
}

// cancelled releases anything held and reports the refusal. Caller
// cancellation is not an admission failure, so no blocked event or
// hook fires.
func (m *Middleware) cancelled(sc *Sidecar) error {
	m.releaseHeld(sc)
	return &BlockedError{
		Reason:        ReasonCancelled,
		Message:       "context cancelled before dispatch",
		EstimatedCost: sc.EstimatedCost,
	}
}

// releaseHeld returns the budget reservation and clears the in-flight
// slot with zero-cost accounting.
func (m *Middleware) releaseHeld(sc *Sidecar) {
	if sc.reservation != nil {
		m.budget.Release(sc.reservation)
	}
	if sc.handle != nil {
		m.guard.CompleteRequest(sc.prompt, 0)
		sc.handle = nil
	}
}

func trimRequest(p *llm.Params, maxIn, reserve, predicted int) trimmer.Request {
	return trimmer.Request{
		Messages:         p.Messages,
		Tools:            p.Tools,
		Model:            p.Model,
		MaxInputTokens:   maxIn,
		ReserveForOutput: reserve,
		PredictedOutput:  predicted,
	}
}

// constraintsFor derives routing constraints from the request itself.
// Image content restricts candidates to vision-capable models.
func constraintsFor(p *llm.Params) routing.Constraints {
	var c routing.Constraints
	for _, msg := range p.Messages {
		for _, part := range msg.Parts {
			if part.ImageURL != nil {
				c.RequiredCapabilities = []string{"vision"}
				return c
			}
		}
	}
	return c
}

func mergePhases(have, add []string) []string {
	for _, phase := range add {
		found := false
		for _, existing := range have {
			if existing == phase {
				found = true
				break
			}
		}
		if !found {
			have = append(have, phase)
		}
	}
	return have
}

func humanizeReason(reason string) string {
	return strings.ReplaceAll(reason, "_", " ")
}
