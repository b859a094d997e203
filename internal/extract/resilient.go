package extract

import (
	"context"

	"go.uber.org/zap"

	"github.com/sells-group/docflow/internal/resilience"
)

// Resilient retries transient extractor failures and trips a circuit
// breaker when the service keeps failing.
type Resilient struct {
	next    Extractor
	policy  resilience.Policy
	breaker *resilience.Breaker
}

// NewResilient wraps next. Only transient errors count against the breaker,
// so rejected documents never open it.
func NewResilient(next Extractor, policy resilience.Policy, bc resilience.BreakerConfig) *Resilient {
	if bc.Counts == nil {
		bc.Counts = resilience.IsTransient
	}
	if bc.OnStateChange == nil {
		bc.OnStateChange = func(from, to resilience.State) {
			zap.L().Warn("extractor circuit changed state",
				zap.String("component", "extract"),
				zap.String("from", from.String()),
				zap.String("to", to.String()),
			)
		}
	}
	if policy.OnRetry == nil {
		policy.OnRetry = resilience.LogRetries("extract", "call")
	}
	return &Resilient{next: next, policy: policy, breaker: resilience.NewBreaker(bc)}
}

func (r *Resilient) Submit(ctx context.Context, req Request) (string, error) {
	return resilience.DoVal(ctx, r.policy, func(ctx context.Context) (string, error) {
		return resilience.Call(ctx, r.breaker, func(ctx context.Context) (string, error) {
			return r.next.Submit(ctx, req)
		})
	})
}

func (r *Resilient) Poll(ctx context.Context, operationID string) (*Result, error) {
	return resilience.DoVal(ctx, r.policy, func(ctx context.Context) (*Result, error) {
		return resilience.Call(ctx, r.breaker, func(ctx context.Context) (*Result, error) {
			return r.next.Poll(ctx, operationID)
		})
	})
}

// Breaker exposes the circuit state for health reporting.
func (r *Resilient) Breaker() *resilience.Breaker {
	return r.breaker
}
