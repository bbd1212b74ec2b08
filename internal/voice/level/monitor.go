// Package level turns live microphone PCM into a 0–100 loudness level.
//
// The computation follows a browser AnalyserNode with fftSize 256: the most
// recent 256 samples are Blackman-windowed and transformed, bin magnitudes are
// smoothed across frames, converted to decibels and mapped onto bytes 0–255
// between the minimum and maximum decibel bounds. The level is the mean byte
// value times two, clamped to [0, 100].
package level

import (
	"context"
	"math"
	"sync"
	"time"
)

const (
	// FFTSize is the analysis window length in samples.
	FFTSize = 256

	// BinCount is the number of frequency bins reported per frame.
	BinCount = FFTSize / 2

	defaultSmoothing = 0.8
	defaultMinDB     = -100.0
	defaultMaxDB     = -30.0
	defaultInterval  = 16 * time.Millisecond
)

// Option configures a [Monitor].
type Option func(*Monitor)

// WithInterval sets how often [Monitor.Run] publishes a level. The default is
// 16ms, one display frame at 60Hz.
func WithInterval(d time.Duration) Option {
	return func(m *Monitor) {
		if d > 0 {
			m.interval = d
		}
	}
}

// WithSmoothing sets the time-smoothing constant in [0, 1).
func WithSmoothing(s float64) Option {
	return func(m *Monitor) {
		if s >= 0 && s < 1 {
			m.smoothing = s
		}
	}
}

// WithDecibelRange sets the decibel bounds mapped onto 0 and 255.
func WithDecibelRange(minDB, maxDB float64) Option {
	return func(m *Monitor) {
		if minDB < maxDB {
			m.minDB, m.maxDB = minDB, maxDB
		}
	}
}

// Monitor computes loudness levels from pushed PCM samples.
//
// Push, Level, Run and Stop are safe for concurrent use.
type Monitor struct {
	mu       sync.Mutex
	ring     []float64
	pos      int
	smoothed []float64
	window   []float64
	buf      []complex128
	last     int

	smoothing    float64
	minDB, maxDB float64
	interval     time.Duration

	stopOnce sync.Once
	done     chan struct{}
}

// New creates a Monitor with the given options.
func New(opts ...Option) *Monitor {
	m := &Monitor{
		ring:      make([]float64, FFTSize),
		smoothed:  make([]float64, BinCount),
		window:    blackman(FFTSize),
		buf:       make([]complex128, FFTSize),
		smoothing: defaultSmoothing,
		minDB:     defaultMinDB,
		maxDB:     defaultMaxDB,
		interval:  defaultInterval,
		done:      make(chan struct{}),
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

// Push appends signed 16-bit samples to the analysis window. Only the most
// recent [FFTSize] samples are retained.
func (m *Monitor) Push(samples []int16) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, s := range samples {
		m.ring[m.pos] = float64(s) / 32768.0
		m.pos = (m.pos + 1) % FFTSize
	}
}

// PushPCM appends little-endian 16-bit PCM bytes. A trailing odd byte is
// ignored.
func (m *Monitor) PushPCM(pcm []byte) {
	samples := make([]int16, len(pcm)/2)
	for i := range samples {
		samples[i] = int16(uint16(pcm[2*i]) | uint16(pcm[2*i+1])<<8)
	}
	m.Push(samples)
}

// Level analyses the current window, advances the smoothing state by one
// frame and returns the resulting level.
func (m *Monitor) Level() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	for i := 0; i < FFTSize; i++ {
		sample := m.ring[(m.pos+i)%FFTSize]
		m.buf[i] = complex(sample*m.window[i], 0)
	}
	fft(m.buf)

	scale := 255.0 / (m.maxDB - m.minDB)
	var sum float64
	for k := 0; k < BinCount; k++ {
		re, im := real(m.buf[k]), imag(m.buf[k])
		mag := math.Sqrt(re*re+im*im) / FFTSize
		m.smoothed[k] = m.smoothing*m.smoothed[k] + (1-m.smoothing)*mag

		db := 20 * math.Log10(m.smoothed[k])
		b := math.Floor(scale * (db - m.minDB))
		switch {
		case math.IsNaN(b) || b < 0:
			b = 0
		case b > 255:
			b = 255
		}
		sum += b
	}

	avg := sum / BinCount
	lvl := int(math.Round(math.Min(100, math.Max(0, avg*2))))
	m.last = lvl
	return lvl
}

// Last returns the most recently computed level without analysing.
func (m *Monitor) Last() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.last
}

// Run publishes a fresh level every interval until ctx is cancelled or
// [Monitor.Stop] is called. It blocks; callers run it in a goroutine.
func (m *Monitor) Run(ctx context.Context, publish func(int)) {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-m.done:
			return
		case <-ticker.C:
			lvl := m.Level()
			select {
			case <-m.done:
				return
			default:
			}
			publish(lvl)
		}
	}
}

// Stop ends [Monitor.Run] and resets the window, the smoothing state and the
// last level to zero. Safe to call multiple times.
func (m *Monitor) Stop() {
	m.stopOnce.Do(func() { close(m.done) })
	m.mu.Lock()
	defer m.mu.Unlock()
	clear(m.ring)
	clear(m.smoothed)
	m.pos = 0
	m.last = 0
}
