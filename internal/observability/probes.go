package observability

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"
)

// componentStatus is the readiness report of a single dependency.
type componentStatus struct {
	Status    string `json:"status"`
	Error     string `json:"error,omitempty"`
	LatencyMS int64  `json:"latency_ms"`
}

// liveness answers 200 while the process can serve HTTP at all.
func (s *Server) liveness(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

// readiness runs every checker in parallel under the configured timeout and
// answers 503 when any of them fails.
func (s *Server) readiness(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), s.cfg.Timeout)
	defer cancel()

	results := make([]componentStatus, len(s.checkers))

	var wg sync.WaitGroup
	for i, checker := range s.checkers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results[i] = s.runCheck(ctx, checker)
		}()
	}
	wg.Wait()

	report := make(map[string]componentStatus, len(results))
	ready := true
	for i, checker := range s.checkers {
		report[checker.Name()] = results[i]
		if results[i].Status != "up" {
			ready = false
		}
	}

	w.Header().Set("Content-Type", "application/json")
	if ready {
		w.WriteHeader(http.StatusOK)
	} else {
		w.WriteHeader(http.StatusServiceUnavailable)
	}

	// Status code is already sent; the body is for humans.
	_ = json.NewEncoder(w).Encode(map[string]any{
		"ready":      ready,
		"components": report,
	})
}

func (s *Server) runCheck(ctx context.Context, c Checker) componentStatus {
	start := time.Now()
	err := c.Check(ctx)
	st := componentStatus{Status: "up", LatencyMS: time.Since(start).Milliseconds()}
	if err != nil {
		// WARN rather than ERROR: the orchestrator polls again shortly.
		s.logger.Warn("readiness check failed",
			slog.String("component", c.Name()),
			slog.String("error", err.Error()),
		)
		st.Status = "down"
		st.Error = err.Error()
	}
	return st
}
