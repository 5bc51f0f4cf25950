package spendgate

import (
	"errors"
	"fmt"
)

// Block reasons raised by the pipeline itself. Guard refusals carry
// the guard's own reason strings instead (too_short, input_too_large,
// deduped, in_flight, debounced, rate_limited, hourly_cost_cap).
const (
	ReasonBreakerLimit   = "breaker_limit"
	ReasonBudgetExceeded = "budget_exceeded"
	ReasonCancelled      = "cancelled"
)

// BlockedError reports an admission refusal. The request never reached
// a provider; EstimatedCost is what it would plausibly have cost.
type BlockedError struct {
	Reason        string
	Message       string
	EstimatedCost float64
}

func (e *BlockedError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("request blocked (%s)", e.Reason)
	}
	return fmt.Sprintf("request blocked (%s): %s", e.Reason, e.Message)
}

// IsBlocked unwraps err as an admission refusal.
func IsBlocked(err error) (*BlockedError, bool) {
	var be *BlockedError
	if errors.As(err, &be) {
		return be, true
	}
	return nil, false
}
