// Package health serves the liveness and readiness probes for the VerseCast
// server.
//
// /healthz answers 200 for any process that can still serve HTTP. /readyz
// runs the registered checks (session store, realtime provider reachability)
// and answers 503 until all of them pass, so a deployment is not routed
// traffic before its dependencies are up.
package health

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

// checkTimeout bounds one readiness check. A hung dependency turns the probe
// into a failure instead of a stall.
const checkTimeout = 5 * time.Second

// Checker probes one dependency. Check returns nil when the dependency is
// usable and must respect context cancellation.
type Checker struct {
	// Name keys the check's result in the readiness response, e.g. "store".
	Name string

	Check func(ctx context.Context) error
}

// Pinger is the connectivity probe the database pool exposes.
type Pinger interface {
	Ping(ctx context.Context) error
}

// PingChecker adapts a connection pool into a named readiness check.
func PingChecker(name string, p Pinger) Checker {
	return Checker{Name: name, Check: p.Ping}
}

// Handler serves the probe endpoints. The checker set is fixed at
// construction; requests may be served concurrently.
type Handler struct {
	checkers []Checker
}

// New creates a Handler over the given checkers.
func New(checkers ...Checker) *Handler {
	c := make([]Checker, len(checkers))
	copy(c, checkers)
	return &Handler{checkers: c}
}

// probeResult is the JSON body of both probes.
type probeResult struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks,omitempty"`
}

// Healthz reports liveness. It never fails: a process that reached this
// handler is alive.
func (h *Handler) Healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, probeResult{Status: "ok"})
}

// Readyz runs every registered check concurrently, each under its own
// deadline, and reports 503 if any of them fails. Failing checks carry the
// error text prefixed with "fail: " so operators can read the cause straight
// off the probe.
func (h *Handler) Readyz(w http.ResponseWriter, r *http.Request) {
	var (
		mu     sync.Mutex
		checks = make(map[string]string, len(h.checkers))
	)

	// A plain group, not WithContext: one failing dependency must not cancel
	// the probes of its siblings.
	var g errgroup.Group
	for _, c := range h.checkers {
		g.Go(func() error {
			cctx, cancel := context.WithTimeout(r.Context(), checkTimeout)
			err := c.Check(cctx)
			cancel()

			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				checks[c.Name] = "fail: " + err.Error()
				return err
			}
			checks[c.Name] = "ok"
			return nil
		})
	}

	res := probeResult{Status: "ok", Checks: checks}
	status := http.StatusOK
	if g.Wait() != nil {
		res.Status = "fail"
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, res)
}

// Register adds both probe routes to mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /healthz", h.Healthz)
	mux.HandleFunc("GET /readyz", h.Readyz)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, `{"status":"error"}`, http.StatusInternalServerError)
	}
}
