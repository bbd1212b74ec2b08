package resilience

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
)

// ErrAllFailed is returned when every backend in a [FallbackGroup] failed
// or was skipped by its breaker.
var ErrAllFailed = errors.New("all providers failed")

// FallbackConfig is the breaker template applied to each backend in a
// [FallbackGroup]. Name is overwritten with the backend name.
type FallbackConfig struct {
	CircuitBreaker CircuitBreakerConfig
}

type member[T any] struct {
	name    string
	backend T
	cb      *CircuitBreaker
}

// FallbackGroup tries backends of one kind in order, each behind its own
// breaker. Members must be added before the group is shared.
type FallbackGroup[T any] struct {
	members []member[T]
	tmpl    CircuitBreakerConfig
}

// NewFallbackGroup starts a group with primary as the first member.
func NewFallbackGroup[T any](primary T, primaryName string, cfg FallbackConfig) *FallbackGroup[T] {
	g := &FallbackGroup[T]{tmpl: cfg.CircuitBreaker}
	g.AddFallback(primaryName, primary)
	return g
}

// AddFallback appends a backend tried after the ones already present.
func (g *FallbackGroup[T]) AddFallback(name string, backend T) {
	cfg := g.tmpl
	cfg.Name = name
	g.members = append(g.members, member[T]{name: name, backend: backend, cb: NewCircuitBreaker(cfg)})
}

// Names lists members in the order they are tried.
func (g *FallbackGroup[T]) Names() []string {
	names := make([]string, 0, len(g.members))
	for _, m := range g.members {
		names = append(names, m.name)
	}
	return names
}

// States reports each member's breaker state by name.
func (g *FallbackGroup[T]) States() map[string]State {
	states := make(map[string]State, len(g.members))
	for _, m := range g.members {
		states[m.name] = m.cb.State()
	}
	return states
}

// Execute runs fn against members in order until one succeeds.
func (g *FallbackGroup[T]) Execute(ctx context.Context, fn func(T) error) error {
	_, err := executeNamed(ctx, g, func(_ string, b T) (struct{}, error) { return struct{}{}, fn(b) })
	return err
}

// ExecuteWithResult runs fn against members in order and returns the first
// result. Members with an open breaker are skipped. When ctx ends, no
// further member is tried and the context error comes back without
// [ErrAllFailed].
func ExecuteWithResult[T any, R any](ctx context.Context, g *FallbackGroup[T], fn func(T) (R, error)) (R, error) {
	return executeNamed(ctx, g, func(_ string, b T) (R, error) { return fn(b) })
}

// executeNamed is ExecuteWithResult with the member name passed to fn. The
// final error joins every member's error so a log line names them all.
func executeNamed[T any, R any](ctx context.Context, g *FallbackGroup[T], fn func(string, T) (R, error)) (R, error) {
	var (
		zero R
		errs []error
	)
	for _, m := range g.members {
		if err := ctx.Err(); err != nil {
			return zero, err
		}
		var out R
		err := m.cb.Execute(func() (err error) {
			out, err = fn(m.name, m.backend)
			return err
		})
		switch {
		case err == nil:
			return out, nil
		case ctx.Err() != nil:
			return zero, err
		case errors.Is(err, ErrCircuitOpen):
			slog.Debug("fallback: skipping backend with open breaker", "provider", m.name)
		default:
			slog.Warn("fallback: backend failed, trying next", "provider", m.name, "err", err)
		}
		errs = append(errs, fmt.Errorf("%s: %w", m.name, err))
	}
	return zero, fmt.Errorf("%w: %w", ErrAllFailed, errors.Join(errs...))
}
