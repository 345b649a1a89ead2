package health

import (
	"context"
	"fmt"
	"runtime"
	"time"

	"github.com/kiarashjv/SaaS-LeadSystem/interceptors"
	"github.com/kiarashjv/SaaS-LeadSystem/messaging"
)

// TransportChecker reports broker connectivity
type TransportChecker struct {
	pinger messaging.Pinger
}

// NewTransportChecker creates a connectivity checker
func NewTransportChecker(pinger messaging.Pinger) *TransportChecker {
	return &TransportChecker{pinger: pinger}
}

func (c *TransportChecker) Name() string {
	return "transport"
}

func (c *TransportChecker) Check(ctx context.Context) CheckResult {
	start := time.Now()
	result := CheckResult{
		Name:      c.Name(),
		Timestamp: start,
		Details:   make(map[string]any),
	}

	if err := c.pinger.Ping(ctx); err != nil {
		result.Status = StatusUnhealthy
		result.Message = "Transport is not connected"
		result.Error = err.Error()
		result.Duration = time.Since(start)
		return result
	}

	result.Status = StatusHealthy
	result.Message = "Transport is connected"
	result.Duration = time.Since(start)
	result.Details["response_time_ms"] = result.Duration.Milliseconds()
	return result
}

// PendingSource is a correlation registry seen from outside.
// *messaging.Registry satisfies it.
type PendingSource interface {
	Len() int
	Oldest() time.Duration
}

// PendingChecker reports requests awaiting a queue reply. It degrades when
// more than maxPending are waiting or the oldest has waited longer than maxAge.
type PendingChecker struct {
	name       string
	source     PendingSource
	maxPending int
	maxAge     time.Duration
}

// NewPendingChecker creates a pending request gauge for one operation
func NewPendingChecker(operation string, source PendingSource, maxPending int, maxAge time.Duration) *PendingChecker {
	return &PendingChecker{
		name:       fmt.Sprintf("pending_%s", operation),
		source:     source,
		maxPending: maxPending,
		maxAge:     maxAge,
	}
}

func (c *PendingChecker) Name() string {
	return c.name
}

func (c *PendingChecker) Check(ctx context.Context) CheckResult {
	start := time.Now()
	pending := c.source.Len()
	oldest := c.source.Oldest()

	result := CheckResult{
		Name:      c.Name(),
		Timestamp: start,
		Status:    StatusHealthy,
		Message:   "Pending requests within limits",
		Details: map[string]any{
			"pending":        pending,
			"oldest_wait_ms": oldest.Milliseconds(),
		},
	}

	switch {
	case c.maxPending > 0 && pending > c.maxPending:
		result.Status = StatusDegraded
		result.Message = fmt.Sprintf("%d requests awaiting a reply", pending)
	case c.maxAge > 0 && oldest > c.maxAge:
		result.Status = StatusDegraded
		result.Message = fmt.Sprintf("Oldest request has waited %s", oldest.Round(time.Millisecond))
	}

	result.Duration = time.Since(start)
	return result
}

// DeadLetterChecker reports messages parked in dead letter queues. Any dead
// letter degrades the service; failing to inspect a queue is unhealthy.
type DeadLetterChecker struct {
	inspector messaging.Inspector
	queues    []string
}

// NewDeadLetterChecker watches the dead letter queue of each queue given
func NewDeadLetterChecker(inspector messaging.Inspector, queues ...string) *DeadLetterChecker {
	dlqs := make([]string, len(queues))
	for i, q := range queues {
		dlqs[i] = messaging.DeadLetterQueue(q)
	}
	return &DeadLetterChecker{inspector: inspector, queues: dlqs}
}

func (c *DeadLetterChecker) Name() string {
	return "dead_letters"
}

func (c *DeadLetterChecker) Check(ctx context.Context) CheckResult {
	start := time.Now()
	result := CheckResult{
		Name:      c.Name(),
		Timestamp: start,
		Status:    StatusHealthy,
		Message:   "No dead letters",
		Details:   make(map[string]any),
	}

	total := 0
	for _, q := range c.queues {
		stats, err := c.inspector.Inspect(ctx, q)
		if err != nil {
			result.Status = StatusUnhealthy
			result.Message = fmt.Sprintf("Queue %s not accessible", q)
			result.Error = err.Error()
			result.Duration = time.Since(start)
			return result
		}
		result.Details[q] = stats.Messages
		total += stats.Messages
	}

	if total > 0 {
		result.Status = StatusDegraded
		result.Message = fmt.Sprintf("%d dead lettered messages", total)
	}
	result.Duration = time.Since(start)
	return result
}

// DeliveryStatsChecker reports delivery totals gathered by the metrics
// interceptor. It is informational and always healthy.
type DeliveryStatsChecker struct {
	stats *interceptors.Stats
}

// NewDeliveryStatsChecker creates a delivery totals checker
func NewDeliveryStatsChecker(stats *interceptors.Stats) *DeliveryStatsChecker {
	return &DeliveryStatsChecker{stats: stats}
}

func (c *DeliveryStatsChecker) Name() string {
	return "deliveries"
}

func (c *DeliveryStatsChecker) Check(ctx context.Context) CheckResult {
	start := time.Now()
	details := make(map[string]any)
	for _, st := range c.stats.Snapshot() {
		details[st.Type] = st
	}
	return CheckResult{
		Name:      c.Name(),
		Status:    StatusHealthy,
		Message:   "Delivery totals",
		Details:   details,
		Timestamp: start,
		Duration:  time.Since(start),
	}
}

// RuntimeChecker degrades on goroutine growth
type RuntimeChecker struct {
	warnGoroutines     int
	criticalGoroutines int
}

// NewRuntimeChecker creates a runtime checker
func NewRuntimeChecker(warnGoroutines, criticalGoroutines int) *RuntimeChecker {
	return &RuntimeChecker{
		warnGoroutines:     warnGoroutines,
		criticalGoroutines: criticalGoroutines,
	}
}

func (c *RuntimeChecker) Name() string {
	return "runtime"
}

func (c *RuntimeChecker) Check(ctx context.Context) CheckResult {
	start := time.Now()
	result := CheckResult{
		Name:      c.Name(),
		Timestamp: start,
		Details:   make(map[string]any),
	}

	var m runtime.MemStats
	runtime.ReadMemStats(&m)
	goroutines := runtime.NumGoroutine()

	result.Details["memory_used_mb"] = float64(m.Sys) / 1024 / 1024
	result.Details["gc_runs"] = m.NumGC
	result.Details["goroutines"] = goroutines

	switch {
	case goroutines > c.criticalGoroutines:
		result.Status = StatusUnhealthy
		result.Message = fmt.Sprintf("Too many goroutines: %d", goroutines)
	case goroutines > c.warnGoroutines:
		result.Status = StatusDegraded
		result.Message = fmt.Sprintf("High goroutine count: %d", goroutines)
	default:
		result.Status = StatusHealthy
		result.Message = "Runtime is normal"
	}

	result.Duration = time.Since(start)
	return result
}
