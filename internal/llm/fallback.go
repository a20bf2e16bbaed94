package llm

import (
	"context"
	"fmt"

	"github.com/conclave-run/conclave/internal/backoff"
	"github.com/conclave-run/conclave/internal/errs"
)

// Registry resolves a provider by name, populated from config.LLMConfig
// (spec §4.7 step 5's "static llmOptions on the agent").
type Registry map[string]Provider

// FallbackProvider wraps a primary and a single optional fallback,
// grounded in the teacher's FailoverOrchestrator (internal/agent/
// failover.go) but simplified to the spec's one-retry budget: no circuit
// breaker, no per-provider health tracking (see DESIGN.md). Transient
// primary failures get a short backoff.RetryWithBackoff budget
// (internal/backoff) before falling over to the secondary provider.
type FallbackProvider struct {
	primary  Provider
	fallback Provider
	policy   backoff.BackoffPolicy
	attempts int
}

// NewFallbackProvider builds an orchestrator; fallback may be nil.
func NewFallbackProvider(primary, fallback Provider) *FallbackProvider {
	return &FallbackProvider{
		primary:  primary,
		fallback: fallback,
		policy:   backoff.AggressivePolicy(),
		attempts: 2,
	}
}

func (f *FallbackProvider) Name() string { return f.primary.Name() }

// Complete retries the primary provider against transient failures
// (classified via errs.ClassifyOf) under a short backoff budget, then
// falls over once to the fallback provider if still failing. Non-transient
// errors are not retried and do not trigger failover.
func (f *FallbackProvider) Complete(ctx context.Context, req Request) (<-chan Chunk, error) {
	retryCtx, stopRetry := context.WithCancel(ctx)
	defer stopRetry()
	result, retryErr := backoff.RetryWithBackoff(retryCtx, f.policy, f.attempts, func(attempt int) (<-chan Chunk, error) {
		chunks, err := f.primary.Complete(ctx, req)
		if err != nil && errs.ClassifyOf(err) != errs.KindTransient {
			stopRetry()
			return nil, backoffErr{err}
		}
		return chunks, err
	})
	if retryErr == nil {
		return result.Value, nil
	}
	err := unwrapBackoffErr(result.LastError)

	if f.fallback == nil || errs.ClassifyOf(err) != errs.KindTransient {
		return nil, err
	}

	fallbackChunks, fallbackErr := f.fallback.Complete(ctx, req)
	if fallbackErr != nil {
		return nil, errs.Wrap(errs.KindTransient, fmt.Errorf("primary %q failed (%w); fallback %q also failed: %v", f.primary.Name(), err, f.fallback.Name(), fallbackErr))
	}
	return fallbackChunks, nil
}

// backoffErr marks a non-transient primary error. RetryWithBackoff's
// generic retry loop has no KindLogic/KindValidation concept of its own, so
// Complete also cancels the loop's context when it returns one, which ends
// the loop after the first attempt instead of burning the retry budget.
type backoffErr struct{ err error }

func (e backoffErr) Error() string { return e.err.Error() }
func (e backoffErr) Unwrap() error { return e.err }

func unwrapBackoffErr(err error) error {
	if wrapped, ok := err.(backoffErr); ok {
		return wrapped.err
	}
	return err
}
