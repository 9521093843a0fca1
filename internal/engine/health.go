package engine

import (
	"context"
	"sync"
	"time"

	"forwardctl/internal/models"
)

type HealthChecker interface {
	HealthCheck(ctx context.Context) error
}

// RecoveryRequester asks for a forced sync once the engine is deemed
// unhealthy.
type RecoveryRequester interface {
	Submit(trigger models.SyncTrigger, force bool, priority int)
}

type HealthOptions struct {
	Timeout     time.Duration
	MaxFailures int
	// OnStatus is told about every transition between healthy and unhealthy.
	OnStatus func(healthy bool)
}

// HealthMonitor counts consecutive failed health checks and requests a
// recovery sync when the threshold is reached.
type HealthMonitor struct {
	checker     HealthChecker
	recovery    RecoveryRequester
	timeout     time.Duration
	maxFailures int
	onStatus    func(bool)

	mu       sync.Mutex
	failures int
	healthy  bool
}

func NewHealthMonitor(checker HealthChecker, recovery RecoveryRequester, opts HealthOptions) *HealthMonitor {
	if opts.Timeout <= 0 {
		opts.Timeout = defaultControlTimeout
	}
	if opts.MaxFailures <= 0 {
		opts.MaxFailures = 3
	}
	return &HealthMonitor{
		checker:     checker,
		recovery:    recovery,
		timeout:     opts.Timeout,
		maxFailures: opts.MaxFailures,
		onStatus:    opts.OnStatus,
		healthy:     true,
	}
}

// Check runs one health probe. It is the body of the health loop.
func (h *HealthMonitor) Check(ctx context.Context) {
	hCtx, cancel := context.WithTimeout(ctx, h.timeout)
	err := h.checker.HealthCheck(hCtx)
	cancel()

	h.mu.Lock()
	wasHealthy := h.healthy
	requestRecovery := false
	if err == nil {
		h.failures = 0
		h.healthy = true
	} else {
		h.failures++
		engineLogger().Warn("health check failed", "failure_count", h.failures, "failure_threshold", h.maxFailures, "error", err)
		if h.failures >= h.maxFailures {
			h.failures = 0
			h.healthy = false
			requestRecovery = true
		}
	}
	nowHealthy := h.healthy
	h.mu.Unlock()

	if requestRecovery {
		engineLogger().Warn("engine unhealthy, requesting recovery sync")
		h.recovery.Submit(models.TriggerEngineRecovery, true, 8)
	}
	if wasHealthy != nowHealthy && h.onStatus != nil {
		h.onStatus(nowHealthy)
	}
}

func (h *HealthMonitor) Healthy() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.healthy
}
