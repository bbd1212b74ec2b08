package resilience

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"
)

func TestFallbackGroup_PrimarySuccess(t *testing.T) {
	fg := NewFallbackGroup("primary", "primary", FallbackConfig{})
	fg.AddFallback("secondary", "secondary")

	var called []string
	err := fg.Execute(context.Background(), func(v string) error {
		called = append(called, v)
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(called) != 1 || called[0] != "primary" {
		t.Fatalf("called = %v, want [primary]", called)
	}
}

func TestFallbackGroup_PrimaryFailFallbackSuccess(t *testing.T) {
	fg := NewFallbackGroup("primary", "primary", FallbackConfig{})
	fg.AddFallback("secondary", "secondary")

	got, err := ExecuteWithResult(context.Background(), fg, func(v string) (string, error) {
		if v == "primary" {
			return "", errTest
		}
		return "answer from " + v, nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != "answer from secondary" {
		t.Fatalf("got %q", got)
	}
}

func TestFallbackGroup_AllFail(t *testing.T) {
	fg := NewFallbackGroup("primary", "primary", FallbackConfig{})
	fg.AddFallback("secondary", "secondary")

	err := fg.Execute(context.Background(), func(string) error { return errTest })
	if !errors.Is(err, ErrAllFailed) {
		t.Fatalf("err = %v, want ErrAllFailed", err)
	}
	if !errors.Is(err, errTest) {
		t.Fatalf("err = %v, want wrapped errTest", err)
	}
}

func TestFallbackGroup_SkipsOpenProvider(t *testing.T) {
	fg := NewFallbackGroup("primary", "primary", FallbackConfig{
		CircuitBreaker: CircuitBreakerConfig{MaxFailures: 2, ResetTimeout: time.Hour},
	})
	fg.AddFallback("secondary", "secondary")

	for range 2 {
		_ = fg.Execute(context.Background(), func(v string) error {
			if v == "primary" {
				return errTest
			}
			return nil
		})
	}
	if fg.States()["primary"] != StateOpen {
		t.Fatalf("primary state = %v, want open", fg.States()["primary"])
	}

	primaryCalled := false
	_ = fg.Execute(context.Background(), func(v string) error {
		if v == "primary" {
			primaryCalled = true
		}
		return nil
	})
	if primaryCalled {
		t.Error("primary should be skipped while its circuit is open")
	}
}

func TestFallbackGroup_CancelledContextStops(t *testing.T) {
	fg := NewFallbackGroup("primary", "primary", FallbackConfig{})
	fg.AddFallback("secondary", "secondary")

	ctx, cancel := context.WithCancel(context.Background())
	var called []string
	err := fg.Execute(ctx, func(v string) error {
		called = append(called, v)
		cancel()
		return ctx.Err()
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
	if errors.Is(err, ErrAllFailed) {
		t.Error("cancellation must not be reported as ErrAllFailed")
	}
	if len(called) != 1 {
		t.Errorf("called = %v, want only the primary", called)
	}
	if fg.States()["primary"] != StateClosed {
		t.Error("cancellation must not count against the breaker")
	}
}

func TestFallbackGroup_Names(t *testing.T) {
	fg := NewFallbackGroup(1, "gemini", FallbackConfig{})
	fg.AddFallback("openai", 2)
	names := fg.Names()
	if len(names) != 2 || names[0] != "gemini" || names[1] != "openai" {
		t.Errorf("Names = %v", names)
	}
}

func TestFallbackGroup_AllFailNamesEveryBackend(t *testing.T) {
	fg := NewFallbackGroup("gemini", "gemini", FallbackConfig{})
	fg.AddFallback("ollama", "ollama")

	err := fg.Execute(context.Background(), func(v string) error {
		return errors.New(v + " unreachable")
	})
	for _, want := range []string{"gemini: gemini unreachable", "ollama: ollama unreachable"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("error %q missing %q", err, want)
		}
	}
}
