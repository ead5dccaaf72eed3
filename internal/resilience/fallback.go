package resilience

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/MrWong99/voxgate/internal/observe"
)

// ErrAllFailed is returned when every provider in a [FallbackGroup] failed or
// sat behind an open breaker.
var ErrAllFailed = errors.New("all providers failed")

// FallbackConfig configures a [FallbackGroup].
type FallbackConfig struct {
	// Kind labels the provider class in logs and metrics ("stt", "tts").
	// Defaults to "provider".
	Kind string

	// CircuitBreaker is the per-provider breaker template. Name is set per
	// entry.
	CircuitBreaker CircuitBreakerConfig
}

// chainLink pairs one provider with its dedicated breaker.
type chainLink[T any] struct {
	name     string
	provider T
	breaker  *CircuitBreaker
}

// FallbackGroup chains a primary and zero or more fallback providers of the
// same kind. Calls walk the chain in registration order, skipping tripped
// breakers, until one provider succeeds. Breaker trips are counted on the
// provider error metric so a dashboard shows which backend keeps getting
// bypassed.
//
// FallbackGroup is safe for concurrent use once assembled; AddFallback must
// finish before the first call.
type FallbackGroup[T any] struct {
	kind  string
	links []chainLink[T]
	cfg   FallbackConfig
}

// NewFallbackGroup creates a group with primary as its first link. Register
// more providers with [FallbackGroup.AddFallback].
func NewFallbackGroup[T any](primary T, primaryName string, cfg FallbackConfig) *FallbackGroup[T] {
	if cfg.Kind == "" {
		cfg.Kind = "provider"
	}
	fg := &FallbackGroup[T]{kind: cfg.Kind, cfg: cfg}
	fg.links = append(fg.links, fg.newLink(primaryName, primary))
	return fg
}

// AddFallback appends a provider tried after everything registered before it.
func (fg *FallbackGroup[T]) AddFallback(name string, fallback T) {
	fg.links = append(fg.links, fg.newLink(name, fallback))
}

func (fg *FallbackGroup[T]) newLink(name string, p T) chainLink[T] {
	cbCfg := fg.cfg.CircuitBreaker
	cbCfg.Name = name
	chained := cbCfg.OnStateChange
	cbCfg.OnStateChange = func(from, to State) {
		if to == StateOpen {
			observe.DefaultMetrics().RecordProviderError(
				context.Background(), name, "breaker-open")
		}
		if chained != nil {
			chained(from, to)
		}
	}
	return chainLink[T]{name: name, provider: p, breaker: NewCircuitBreaker(cbCfg)}
}

// Execute walks the chain with fn until one provider succeeds. It returns
// [ErrAllFailed] wrapped with the last error when the whole chain is down.
func (fg *FallbackGroup[T]) Execute(fn func(T) error) error {
	_, err := ExecuteWithResult(fg, func(p T) (struct{}, error) {
		return struct{}{}, fn(p)
	})
	return err
}

// ExecuteWithResult walks fg's chain with fn until one provider succeeds and
// returns its result. A package-level function because Go methods cannot add
// type parameters.
func ExecuteWithResult[T any, R any](fg *FallbackGroup[T], fn func(T) (R, error)) (R, error) {
	var lastErr error
	for i := range fg.links {
		link := &fg.links[i]
		var result R
		err := link.breaker.Execute(func() error {
			var callErr error
			result, callErr = fn(link.provider)
			return callErr
		})
		if err == nil {
			return result, nil
		}
		lastErr = err
		if errors.Is(err, ErrCircuitOpen) {
			slog.Debug("skipping tripped provider",
				"kind", fg.kind, "provider", link.name)
			continue
		}
		slog.Warn("provider failed, trying next in chain",
			"kind", fg.kind, "provider", link.name, "err", err)
	}
	var zero R
	return zero, fmt.Errorf("%s: %w: %v", fg.kind, ErrAllFailed, lastErr)
}
