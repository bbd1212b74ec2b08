// Package silence stops a listening period after sustained quiet input.
//
// A [Watchdog] is edge-armed: its timer is scheduled only on the transition
// into "recording and below threshold" and is cancelled, never rescheduled,
// when the level rises or recording stops. Level updates that keep the input
// quiet do not restart the countdown.
package silence

import (
	"sync"
	"time"

	"github.com/farmgpt/krishimitra/internal/clock"
)

const (
	// DefaultThreshold is the level (0–100) under which input counts as silent.
	DefaultThreshold = 5

	// DefaultTimeout is how long input must stay silent before firing.
	DefaultTimeout = 6000 * time.Millisecond
)

// Option configures a [Watchdog].
type Option func(*Watchdog)

// WithThreshold sets the silence threshold on the 0–100 level scale.
func WithThreshold(level int) Option {
	return func(w *Watchdog) {
		if level > 0 && level <= 100 {
			w.threshold = level
		}
	}
}

// WithTimeout sets how long input must stay silent before firing.
func WithTimeout(d time.Duration) Option {
	return func(w *Watchdog) {
		if d > 0 {
			w.timeout = d
		}
	}
}

// Watchdog fires a callback once per arming when input stays silent.
//
// All methods are safe for concurrent use. The callback runs on the clock's
// timer goroutine without any watchdog lock held.
type Watchdog struct {
	mu        sync.Mutex
	clk       clock.Clock
	onSilence func()

	threshold int
	timeout   time.Duration

	recording bool
	level     int
	timer     clock.Timer
	gen       uint64
	stopped   bool
}

// New creates a Watchdog that calls onSilence when it fires.
func New(clk clock.Clock, onSilence func(), opts ...Option) *Watchdog {
	if clk == nil {
		clk = clock.Real()
	}
	w := &Watchdog{
		clk:       clk,
		onSilence: onSilence,
		threshold: DefaultThreshold,
		timeout:   DefaultTimeout,
	}
	for _, o := range opts {
		o(w)
	}
	return w
}

// SetRecording marks the start or end of a recording period. Starting a
// recording while the last observed level is below the threshold arms the
// timer; ending it disarms the timer.
func (w *Watchdog) SetRecording(recording bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.stopped || w.recording == recording {
		return
	}
	w.recording = recording
	if recording && w.level < w.threshold {
		w.armLocked()
		return
	}
	w.disarmLocked()
}

// Observe records a new level.
func (w *Watchdog) Observe(level int) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.stopped {
		return
	}
	wasQuiet := w.level < w.threshold
	w.level = level
	quiet := level < w.threshold

	switch {
	case !w.recording:
	case quiet && !wasQuiet:
		w.armLocked()
	case !quiet:
		w.disarmLocked()
	}
}

// Reconfigure changes threshold and timeout. A pending countdown keeps its
// original deadline.
func (w *Watchdog) Reconfigure(threshold int, timeout time.Duration) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if threshold > 0 && threshold <= 100 {
		w.threshold = threshold
	}
	if timeout > 0 {
		w.timeout = timeout
	}
}

// Armed reports whether a countdown is pending.
func (w *Watchdog) Armed() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.timer != nil
}

// Stop disarms the watchdog permanently. Safe to call multiple times.
func (w *Watchdog) Stop() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.stopped = true
	w.recording = false
	w.disarmLocked()
}

func (w *Watchdog) armLocked() {
	if w.timer != nil {
		return
	}
	w.gen++
	gen := w.gen
	w.timer = w.clk.AfterFunc(w.timeout, func() { w.fire(gen) })
}

func (w *Watchdog) disarmLocked() {
	if w.timer == nil {
		return
	}
	w.timer.Stop()
	w.timer = nil
	w.gen++
}

func (w *Watchdog) fire(gen uint64) {
	w.mu.Lock()
	if w.stopped || !w.recording || gen != w.gen || w.timer == nil {
		w.mu.Unlock()
		return
	}
	w.timer = nil
	w.gen++
	w.mu.Unlock()

	if w.onSilence != nil {
		w.onSilence()
	}
}
