package health

import (
	"context"
	"encoding/json"
	"maps"
	"net/http"
	"slices"
	"sort"
	"sync"
	"time"
)

// Status represents the health status
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusDegraded  Status = "degraded"
	StatusUnhealthy Status = "unhealthy"
)

// CheckResult represents the result of a health check
type CheckResult struct {
	Name      string         `json:"name"`
	Status    Status         `json:"status"`
	Message   string         `json:"message,omitempty"`
	Duration  time.Duration  `json:"duration"`
	Details   map[string]any `json:"details,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
	Error     string         `json:"error,omitempty"`
}

// Checker defines the interface for health checks
type Checker interface {
	Check(ctx context.Context) CheckResult
	Name() string
}

// CheckerFunc is a function adapter for Checker
type CheckerFunc struct {
	name string
	fn   func(ctx context.Context) CheckResult
}

// NewCheckerFunc creates a function based checker
func NewCheckerFunc(name string, fn func(ctx context.Context) CheckResult) *CheckerFunc {
	return &CheckerFunc{name: name, fn: fn}
}

func (c *CheckerFunc) Check(ctx context.Context) CheckResult {
	return c.fn(ctx)
}

func (c *CheckerFunc) Name() string {
	return c.name
}

// Report is what one service answers on /healthz: its role, the worst
// status of its checks and every check result by name
type Report struct {
	Role      string                 `json:"role,omitempty"`
	Status    Status                 `json:"status"`
	Failing   []string               `json:"failing,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
	Duration  time.Duration          `json:"duration"`
	Checks    map[string]CheckResult `json:"checks"`
	Metadata  map[string]any         `json:"metadata,omitempty"`
}

func (s Status) severity() int {
	switch s {
	case StatusHealthy:
		return 0
	case StatusDegraded:
		return 1
	default:
		return 2
	}
}

type registration struct {
	checker Checker
	roles   []string
}

func (r registration) servesRole(role string) bool {
	return role == "" || len(r.roles) == 0 || slices.Contains(r.roles, role)
}

// Registry holds the checks of every role running in the process. A gateway
// reports its pending requests, a storage service its lead store, and all of
// them the shared transport.
type Registry struct {
	mu       sync.RWMutex
	checks   map[string]registration
	metadata map[string]any
}

// NewRegistry creates an empty registry
func NewRegistry() *Registry {
	return &Registry{
		checks:   make(map[string]registration),
		metadata: make(map[string]any),
	}
}

// Register adds checker, replacing any with the same name. Without roles the
// check is reported by every role.
func (r *Registry) Register(checker Checker, roles ...string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.checks[checker.Name()] = registration{checker: checker, roles: roles}
}

// Names returns the sorted names of the checks reported for role. An empty
// role means every check.
func (r *Registry) Names(role string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var names []string
	for name, reg := range r.checks {
		if reg.servesRole(role) {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names
}

// SetMetadata sets a value reported with every Report
func (r *Registry) SetMetadata(key string, value any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.metadata[key] = value
}

// Check runs the checks of role concurrently. A check still running when ctx
// ends is reported unhealthy with the context error.
func (r *Registry) Check(ctx context.Context, role string) Report {
	start := time.Now()

	r.mu.RLock()
	var checkers []Checker
	for _, reg := range r.checks {
		if reg.servesRole(role) {
			checkers = append(checkers, reg.checker)
		}
	}
	metadata := maps.Clone(r.metadata)
	r.mu.RUnlock()

	var (
		mu      sync.Mutex
		results = make(map[string]CheckResult, len(checkers))
		wg      sync.WaitGroup
	)
	for _, checker := range checkers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			result := checker.Check(ctx)
			mu.Lock()
			results[checker.Name()] = result
			mu.Unlock()
		}()
	}

	finished := make(chan struct{})
	go func() {
		wg.Wait()
		close(finished)
	}()
	select {
	case <-finished:
	case <-ctx.Done():
	}

	report := Report{
		Role:     role,
		Status:   StatusHealthy,
		Checks:   make(map[string]CheckResult, len(checkers)),
		Metadata: metadata,
	}

	mu.Lock()
	for _, checker := range checkers {
		name := checker.Name()
		result, ok := results[name]
		if !ok {
			result = CheckResult{
				Name:      name,
				Status:    StatusUnhealthy,
				Message:   "Check timed out",
				Duration:  time.Since(start),
				Timestamp: time.Now(),
				Error:     ctx.Err().Error(),
			}
		}
		report.Checks[name] = result
		if result.Status.severity() > report.Status.severity() {
			report.Status = result.Status
		}
		if result.Status != StatusHealthy {
			report.Failing = append(report.Failing, name)
		}
	}
	mu.Unlock()

	sort.Strings(report.Failing)
	report.Timestamp = time.Now()
	report.Duration = time.Since(start)
	return report
}

// Handler serves the report of one role as JSON
type Handler struct {
	registry *Registry
	role     string
	timeout  time.Duration
}

// NewHandler creates a health report handler for role. An empty role
// reports every check.
func NewHandler(registry *Registry, role string, timeout time.Duration) *Handler {
	return &Handler{
		registry: registry,
		role:     role,
		timeout:  timeout,
	}
}

// ServeHTTP implements http.Handler. Degraded is still 200.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	report := h.registry.Check(ctx, h.role)

	statusCode := http.StatusOK
	if report.Status == StatusUnhealthy {
		statusCode = http.StatusServiceUnavailable
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)

	encoder := json.NewEncoder(w)
	encoder.SetIndent("", "  ")
	_ = encoder.Encode(report)
}

// ReadinessHandler answers 503 while any check of role is unhealthy
func ReadinessHandler(registry *Registry, role string, timeout time.Duration) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), timeout)
		defer cancel()

		if registry.Check(ctx, role).Status == StatusUnhealthy {
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte("not ready"))
			return
		}

		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
	}
}

// LivenessHandler answers 200 while the process serves HTTP
func LivenessHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("alive"))
	}
}

// Mount registers /healthz, /readyz and /livez of role on mux
func Mount(mux *http.ServeMux, registry *Registry, role string, timeout time.Duration) {
	mux.Handle("GET /healthz", NewHandler(registry, role, timeout))
	mux.Handle("GET /readyz", ReadinessHandler(registry, role, timeout))
	mux.Handle("GET /livez", LivenessHandler())
}
