// Package health serves the liveness and readiness probes.
//
// GET /healthz answers 200 while the process can serve HTTP. GET /readyz
// runs every registered [Checker] concurrently and reports each one:
//
//	{"status":"degraded","checks":{
//	  "llm":{"status":"ok","duration_ms":2},
//	  "microphone":{"status":"warn","error":"no input device"}}}
//
// A failing required check turns the probe into a 503. A failing optional
// check only marks the service degraded, since farmers can still type
// questions when the microphone is gone.
package health

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"golang.org/x/sync/errgroup"
)

// Overall and per-check status values.
const (
	StatusOK       = "ok"
	StatusWarn     = "warn"
	StatusFail     = "fail"
	StatusDegraded = "degraded"
)

// DefaultCheckTimeout bounds each check when no [WithCheckTimeout] is given.
const DefaultCheckTimeout = 5 * time.Second

// Checker probes one dependency. Check returns nil when it is usable.
type Checker struct {
	Name     string
	Check    func(ctx context.Context) error
	Optional bool
}

// CheckResult is one entry of the readiness report.
type CheckResult struct {
	Status     string `json:"status"`
	Error      string `json:"error,omitempty"`
	DurationMs int64  `json:"duration_ms"`
}

// Report is the JSON body of both probes.
type Report struct {
	Status  string                 `json:"status"`
	UptimeS int64                  `json:"uptime_s,omitempty"`
	Checks  map[string]CheckResult `json:"checks,omitempty"`
}

// Handler serves the probes. The checker list is fixed at construction.
type Handler struct {
	checkers []Checker
	timeout  time.Duration
	started  time.Time
	now      func() time.Time
}

// Option configures a [Handler].
type Option func(*Handler)

// WithCheckTimeout overrides [DefaultCheckTimeout].
func WithCheckTimeout(d time.Duration) Option {
	return func(h *Handler) {
		if d > 0 {
			h.timeout = d
		}
	}
}

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(h *Handler) { h.now = now }
}

// New returns a handler running checkers on every readiness probe.
func New(checkers []Checker, opts ...Option) *Handler {
	h := &Handler{
		checkers: append([]Checker(nil), checkers...),
		timeout:  DefaultCheckTimeout,
		now:      time.Now,
	}
	for _, o := range opts {
		o(h)
	}
	h.started = h.now()
	return h
}

// Register mounts /healthz and /readyz on mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /healthz", h.Healthz)
	mux.HandleFunc("GET /readyz", h.Readyz)
}

// Healthz is the liveness probe.
func (h *Handler) Healthz(w http.ResponseWriter, _ *http.Request) {
	writeReport(w, http.StatusOK, Report{
		Status:  StatusOK,
		UptimeS: int64(h.now().Sub(h.started) / time.Second),
	})
}

// Readyz is the readiness probe.
func (h *Handler) Readyz(w http.ResponseWriter, r *http.Request) {
	rep := h.Check(r.Context())
	code := http.StatusOK
	if rep.Status == StatusFail {
		code = http.StatusServiceUnavailable
	}
	writeReport(w, code, rep)
}

// Check runs every checker and folds the results into a report.
func (h *Handler) Check(ctx context.Context) Report {
	results := make([]CheckResult, len(h.checkers))
	var g errgroup.Group
	for i, c := range h.checkers {
		g.Go(func() error {
			results[i] = h.run(ctx, c)
			return nil
		})
	}
	_ = g.Wait()

	rep := Report{Status: StatusOK, Checks: make(map[string]CheckResult, len(results))}
	for i, res := range results {
		rep.Checks[h.checkers[i].Name] = res
		switch {
		case res.Status == StatusFail:
			rep.Status = StatusFail
		case res.Status == StatusWarn && rep.Status == StatusOK:
			rep.Status = StatusDegraded
		}
	}
	return rep
}

func (h *Handler) run(ctx context.Context, c Checker) CheckResult {
	ctx, cancel := context.WithTimeout(ctx, h.timeout)
	defer cancel()

	start := h.now()
	err := c.Check(ctx)
	res := CheckResult{Status: StatusOK, DurationMs: h.now().Sub(start).Milliseconds()}
	if err != nil {
		res.Error = err.Error()
		res.Status = StatusFail
		if c.Optional {
			res.Status = StatusWarn
		}
	}
	return res
}

func writeReport(w http.ResponseWriter, code int, rep Report) {
	body, err := json.Marshal(rep)
	if err != nil {
		http.Error(w, `{"status":"fail"}`, http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)
	_, _ = w.Write(append(body, '\n'))
}
