package observability

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"
)

// Version and Commit are set from the binary's ldflags at startup.
var (
	Version = "dev"
	Commit  = "unknown"
)

const (
	checkOK    = "ok"
	checkError = "error"

	// dependencyCheckTimeout bounds each readiness probe.
	dependencyCheckTimeout = 2 * time.Second
)

// HealthResponse is the liveness body.
type HealthResponse struct {
	Status  string `json:"status"`
	Version string `json:"version"`
	Commit  string `json:"commit"`
}

// ReadinessResponse is the readiness body. Status is "ready" only when every
// check reports ok.
type ReadinessResponse struct {
	Status string                 `json:"status"`
	Checks map[string]CheckResult `json:"checks"`
}

// CheckResult reports one readiness probe.
type CheckResult struct {
	Status    string `json:"status"`
	LatencyMs int64  `json:"latency_ms"`
	Error     string `json:"error,omitempty"`
}

// HealthChecker is a dependency the readiness endpoint can probe.
type HealthChecker interface {
	HealthCheck(ctx context.Context) error
}

// CheckFunc lets a Ping method stand in for a HealthChecker.
type CheckFunc func(ctx context.Context) error

func (f CheckFunc) HealthCheck(ctx context.Context) error { return f(ctx) }

// ReadinessChecks configures /ready.
type ReadinessChecks struct {
	// CatalogLoaded reports whether any approval module is registered. A nil
	// func counts as not loaded.
	CatalogLoaded func() bool

	// Dependencies are probed concurrently under their map key. Nil entries
	// are skipped.
	Dependencies map[string]HealthChecker
}

// HandleHealth serves liveness with the build version.
func HandleHealth() http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		writeProbe(w, http.StatusOK, HealthResponse{Status: "ok", Version: Version, Commit: Commit})
	}
}

// HandleReady serves readiness. Any failing check turns the response into
// a 503 with status not_ready.
func HandleReady(checks ReadinessChecks) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		results := probeAll(r.Context(), checks)

		resp := ReadinessResponse{Status: "ready", Checks: results}
		code := http.StatusOK
		for _, res := range results {
			if res.Status != checkOK {
				resp.Status = "not_ready"
				code = http.StatusServiceUnavailable
				break
			}
		}
		writeProbe(w, code, resp)
	}
}

func probeAll(ctx context.Context, checks ReadinessChecks) map[string]CheckResult {
	results := map[string]CheckResult{"catalog": catalogResult(checks.CatalogLoaded)}

	var (
		mu sync.Mutex
		wg sync.WaitGroup
	)
	for name, dep := range checks.Dependencies {
		if dep == nil {
			continue
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			res := probe(ctx, dep)
			mu.Lock()
			results[name] = res
			mu.Unlock()
		}()
	}
	wg.Wait()
	return results
}

func catalogResult(loaded func() bool) CheckResult {
	if loaded != nil && loaded() {
		return CheckResult{Status: checkOK}
	}
	return CheckResult{Status: checkError, Error: "no approval modules loaded"}
}

func probe(parent context.Context, dep HealthChecker) CheckResult {
	ctx, cancel := context.WithTimeout(parent, dependencyCheckTimeout)
	defer cancel()

	began := time.Now()
	err := dep.HealthCheck(ctx)
	res := CheckResult{Status: checkOK, LatencyMs: time.Since(began).Milliseconds()}
	if err != nil {
		res.Status, res.Error = checkError, err.Error()
	}
	return res
}

func writeProbe(w http.ResponseWriter, code int, body any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(body)
}
