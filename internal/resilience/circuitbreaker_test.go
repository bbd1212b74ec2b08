package resilience

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/farmgpt/krishimitra/internal/clock"
)

var errTest = errors.New("test error")

// step is one action in a breaker script: a call outcome or a clock jump.
type step struct {
	call    error // outcome returned by fn; ignored when advance is set
	advance time.Duration
	want    State
	wantErr error // error Execute must return, checked with errors.Is
}

var (
	okStep     = step{}
	failStep   = step{call: errTest, wantErr: errTest}
	cancelStep = step{call: fmt.Errorf("llm: %w", context.Canceled), wantErr: context.Canceled}
)

func (s step) then(want State) step { s.want = want; return s }

func wait(d time.Duration, want State) step { return step{advance: d, want: want} }

func TestCircuitBreaker_Scripts(t *testing.T) {
	rejected := step{wantErr: ErrCircuitOpen}

	tests := []struct {
		name        string
		maxFailures int
		halfOpenMax int
		steps       []step
	}{
		{
			name: "opens after consecutive failures", maxFailures: 3, halfOpenMax: 1,
			steps: []step{
				failStep.then(StateClosed), failStep.then(StateClosed), failStep.then(StateOpen),
				rejected.then(StateOpen),
			},
		},
		{
			name: "success resets the count", maxFailures: 3, halfOpenMax: 1,
			steps: []step{
				failStep.then(StateClosed), failStep.then(StateClosed), okStep.then(StateClosed),
				failStep.then(StateClosed), failStep.then(StateClosed),
			},
		},
		{
			name: "cancellation is not a failure", maxFailures: 2, halfOpenMax: 1,
			steps: []step{
				cancelStep.then(StateClosed), cancelStep.then(StateClosed), cancelStep.then(StateClosed),
				failStep.then(StateClosed),
			},
		},
		{
			name: "half-open needs every probe to pass", maxFailures: 2, halfOpenMax: 2,
			steps: []step{
				failStep.then(StateClosed), failStep.then(StateOpen),
				wait(9*time.Second, StateOpen), wait(time.Second, StateHalfOpen),
				okStep.then(StateHalfOpen), okStep.then(StateClosed),
			},
		},
		{
			name: "half-open failure reopens", maxFailures: 2, halfOpenMax: 3,
			steps: []step{
				failStep.then(StateClosed), failStep.then(StateOpen),
				wait(10*time.Second, StateHalfOpen),
				failStep.then(StateOpen), rejected.then(StateOpen),
			},
		},
		{
			name: "cancelled probe frees its slot", maxFailures: 1, halfOpenMax: 1,
			steps: []step{
				failStep.then(StateOpen),
				wait(10*time.Second, StateHalfOpen),
				cancelStep.then(StateHalfOpen), okStep.then(StateClosed),
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			clk := clock.NewFake(time.Unix(0, 0))
			cb := NewCircuitBreaker(CircuitBreakerConfig{
				Name:         "llm/test",
				MaxFailures:  tt.maxFailures,
				ResetTimeout: 10 * time.Second,
				HalfOpenMax:  tt.halfOpenMax,
				Clock:        clk,
			})
			for i, s := range tt.steps {
				if s.advance > 0 {
					clk.Advance(s.advance)
				} else {
					ran := false
					err := cb.Execute(func() error { ran = true; return s.call })
					if !errors.Is(err, s.wantErr) || (s.wantErr == nil && err != nil) {
						t.Fatalf("step %d: err = %v, want %v", i, err, s.wantErr)
					}
					if errors.Is(s.wantErr, ErrCircuitOpen) && ran {
						t.Fatalf("step %d: fn ran while the breaker was open", i)
					}
				}
				if got := cb.State(); got != s.want {
					t.Fatalf("step %d: state = %v, want %v", i, got, s.want)
				}
			}
		})
	}
}

func TestNewCircuitBreaker_Defaults(t *testing.T) {
	cb := NewCircuitBreaker(CircuitBreakerConfig{Name: "stt/deepgram"})
	want := CircuitBreakerConfig{MaxFailures: 5, ResetTimeout: 30 * time.Second, HalfOpenMax: 3}
	if cb.cfg.MaxFailures != want.MaxFailures || cb.cfg.ResetTimeout != want.ResetTimeout || cb.cfg.HalfOpenMax != want.HalfOpenMax {
		t.Errorf("defaults = %d/%v/%d, want %d/%v/%d",
			cb.cfg.MaxFailures, cb.cfg.ResetTimeout, cb.cfg.HalfOpenMax,
			want.MaxFailures, want.ResetTimeout, want.HalfOpenMax)
	}
	if cb.cfg.Clock == nil {
		t.Error("default clock not set")
	}
	if cb.Name() != "stt/deepgram" || cb.State() != StateClosed {
		t.Errorf("Name/State = %q/%v", cb.Name(), cb.State())
	}
}

func TestCircuitBreaker_OnStateChange(t *testing.T) {
	clk := clock.NewFake(time.Unix(0, 0))
	var (
		mu   sync.Mutex
		seen []string
	)
	cb := NewCircuitBreaker(CircuitBreakerConfig{
		Name:         "gemini",
		MaxFailures:  1,
		ResetTimeout: time.Second,
		HalfOpenMax:  1,
		Clock:        clk,
		OnStateChange: func(name string, from, to State) {
			mu.Lock()
			defer mu.Unlock()
			seen = append(seen, name+":"+from.String()+"->"+to.String())
		},
	})

	_ = cb.Execute(func() error { return errTest })
	clk.Advance(time.Second)
	_ = cb.Execute(func() error { return nil })
	_ = cb.Execute(func() error { return errTest })
	cb.Reset()
	cb.Reset()

	want := []string{
		"gemini:closed->open",
		"gemini:open->half-open",
		"gemini:half-open->closed",
		"gemini:closed->open",
		"gemini:open->closed",
	}
	mu.Lock()
	defer mu.Unlock()
	if !slices.Equal(seen, want) {
		t.Errorf("transitions = %v, want %v", seen, want)
	}
}

func TestState_String(t *testing.T) {
	for s, want := range map[State]string{
		StateClosed:   "closed",
		StateOpen:     "open",
		StateHalfOpen: "half-open",
		State(99):     "unknown",
	} {
		if got := s.String(); got != want {
			t.Errorf("State(%d).String() = %q, want %q", int(s), got, want)
		}
	}
}
