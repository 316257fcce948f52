package observability

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

// Build-time variables injected via ldflags.
var (
	Version = "dev"
	Commit  = "unknown"
)

// HealthChecker can verify its own health.
type HealthChecker interface {
	HealthCheck(ctx context.Context) error
}

// DefinitionSet is the live set of case definitions. The portal cannot
// accept cases until at least one definition is deployed.
type DefinitionSet interface {
	Len() int
	Checksum() string
}

// CheckResult is the outcome of one dependency check.
type CheckResult struct {
	Status    string `json:"status"`
	LatencyMs int64  `json:"latency_ms"`
	Error     string `json:"error,omitempty"`
}

// DefinitionsReport describes the deployed definition set.
type DefinitionsReport struct {
	Count    int    `json:"count"`
	Checksum string `json:"checksum,omitempty"`
}

// ReadinessReport is the body of the readiness endpoint.
type ReadinessReport struct {
	Status      string                 `json:"status"`
	Version     string                 `json:"version"`
	Definitions DefinitionsReport      `json:"definitions"`
	Checks      map[string]CheckResult `json:"checks,omitempty"`
}

// Ready reports whether the portal can serve case requests.
func (r ReadinessReport) Ready() bool { return r.Status == "ready" }

type namedCheck struct {
	name    string
	checker HealthChecker
}

// Readiness runs the dependency checks behind /ready. Checks run
// concurrently, each bounded by its own timeout.
type Readiness struct {
	definitions DefinitionSet
	checks      []namedCheck
	timeout     time.Duration
}

// NewReadiness creates a Readiness over the deployed definition set.
func NewReadiness(definitions DefinitionSet) *Readiness {
	return &Readiness{definitions: definitions, timeout: 2 * time.Second}
}

// Add registers a dependency check. It accepts any value and only keeps it
// when it implements HealthChecker, so memory-backed stores are skipped.
func (r *Readiness) Add(name string, dependency any) *Readiness {
	if hc, ok := dependency.(HealthChecker); ok && hc != nil {
		r.checks = append(r.checks, namedCheck{name: name, checker: hc})
	}
	return r
}

// Check runs every registered check.
func (r *Readiness) Check(ctx context.Context) ReadinessReport {
	report := ReadinessReport{Status: "ready", Version: Version}
	if r.definitions != nil {
		report.Definitions = DefinitionsReport{
			Count:    r.definitions.Len(),
			Checksum: r.definitions.Checksum(),
		}
	}
	if report.Definitions.Count == 0 {
		report.Status = "not_ready"
	}
	if len(r.checks) == 0 {
		return report
	}

	report.Checks = make(map[string]CheckResult, len(r.checks))
	var mu sync.Mutex
	var g errgroup.Group
	for _, c := range r.checks {
		g.Go(func() error {
			result := r.run(ctx, c.checker)
			mu.Lock()
			report.Checks[c.name] = result
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	for _, result := range report.Checks {
		if result.Status != "ok" {
			report.Status = "not_ready"
		}
	}
	return report
}

func (r *Readiness) run(parent context.Context, checker HealthChecker) CheckResult {
	ctx, cancel := context.WithTimeout(parent, r.timeout)
	defer cancel()

	start := time.Now()
	err := checker.HealthCheck(ctx)
	result := CheckResult{Status: "ok", LatencyMs: time.Since(start).Milliseconds()}
	if err != nil {
		result.Status = "error"
		result.Error = err.Error()
	}
	return result
}

// Handler serves the readiness report, 503 while not ready.
func (r *Readiness) Handler() http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		report := r.Check(req.Context())
		status := http.StatusOK
		if !report.Ready() {
			status = http.StatusServiceUnavailable
		}
		writeJSON(w, status, report)
	}
}

// HandleHealth serves the liveness endpoint.
func HandleHealth() http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{
			"status":  "ok",
			"version": Version,
			"commit":  Commit,
		})
	}
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
