package health

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/devrev/bsr/internal/model"
	"go.uber.org/zap"
)

// KernelSource is what the checker inspects
type KernelSource interface {
	Kernels() []model.KernelInfo
	MissingKernels() []string
	Stats() []model.EngineStats
}

// HealthChecker performs periodic health checks of the kernel service
type HealthChecker struct {
	source   KernelSource
	interval time.Duration
	logger   *zap.Logger

	mu          sync.RWMutex
	lastCheck   time.Time
	status      model.NodeStatus
	checks      map[string]CheckResult
	metrics     model.HealthMetrics
	livenessOK  bool
	readinessOK bool
	draining    bool
}

// CheckResult represents the result of a health check
type CheckResult struct {
	Name      string    `json:"name"`
	Status    string    `json:"status"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}

const (
	statusHealthy  = "healthy"
	statusWarning  = "warning"
	statusCritical = "critical"
)

// segmentUsageWarning is the segment budget share above which the
// buffers are considered under pressure.
const segmentUsageWarning = 0.95

// NewHealthChecker creates a new health checker
func NewHealthChecker(source KernelSource, interval time.Duration, logger *zap.Logger) *HealthChecker {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &HealthChecker{
		source:     source,
		interval:   interval,
		logger:     logger,
		checks:     make(map[string]CheckResult),
		livenessOK: true,
		status:     model.NodeStatusHealthy,
	}
}

// Start runs the checks until ctx is done
func (h *HealthChecker) Start(ctx context.Context) {
	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()

	h.RunChecks()

	for {
		select {
		case <-ticker.C:
			h.RunChecks()
		case <-ctx.Done():
			h.logger.Info("Health checker stopped")
			return
		}
	}
}

// RunChecks runs every check once and updates the status
func (h *HealthChecker) RunChecks() {
	kernels := h.source.Kernels()
	missing := h.source.MissingKernels()
	stats := h.source.Stats()
	hm := healthMetrics(kernels, missing, stats)

	results := []CheckResult{
		checkKernelsLoaded(hm),
		checkKernelsPresent(missing),
		checkSegmentBudget(hm),
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	h.lastCheck = time.Now()
	h.metrics = hm

	healthy, ready := true, true
	for _, r := range results {
		h.checks[r.Name] = r
		if r.Status != statusHealthy {
			healthy = false
		}
		if r.Status == statusCritical {
			ready = false
		}
	}

	switch {
	case !ready:
		h.status = model.NodeStatusUnhealthy
	case !healthy:
		h.status = model.NodeStatusDegraded
	default:
		h.status = model.NodeStatusHealthy
	}
	h.livenessOK = true
	h.readinessOK = ready && !h.draining

	h.logger.Debug("Health check completed",
		zap.String("status", string(h.status)),
		zap.Int("loaded_kernels", hm.LoadedKernels),
		zap.Int("missing_kernels", hm.MissingKernels),
		zap.Bool("readiness", h.readinessOK))
}

func healthMetrics(kernels []model.KernelInfo, missing []string, stats []model.EngineStats) model.HealthMetrics {
	hm := model.HealthMetrics{
		LoadedKernels:  len(kernels),
		MissingKernels: len(missing),
	}

	var lookups, reused uint64
	for _, s := range stats {
		lookups += s.Lookups
		reused += s.ReuseHits
		if s.MaxSegments > 0 {
			if u := float64(s.Segments) / float64(s.MaxSegments); u > hm.SegmentUsage {
				hm.SegmentUsage = u
			}
		}
	}
	if lookups > 0 {
		hm.ReuseRate = float64(reused) / float64(lookups)
	}
	return hm
}

// checkKernelsLoaded fails readiness until at least one kernel is loaded
func checkKernelsLoaded(hm model.HealthMetrics) CheckResult {
	if hm.LoadedKernels == 0 {
		return CheckResult{
			Name:      "kernels_loaded",
			Status:    statusCritical,
			Message:   "No kernels loaded",
			Timestamp: time.Now(),
		}
	}
	return CheckResult{
		Name:      "kernels_loaded",
		Status:    statusHealthy,
		Message:   fmt.Sprintf("%d kernels loaded", hm.LoadedKernels),
		Timestamp: time.Now(),
	}
}

// checkKernelsPresent warns about loaded kernels deleted from disk. Open
// archives keep serving, but a reload would fail.
func checkKernelsPresent(missing []string) CheckResult {
	if len(missing) > 0 {
		return CheckResult{
			Name:      "kernels_present",
			Status:    statusWarning,
			Message:   fmt.Sprintf("%d loaded kernels missing on disk: %v", len(missing), missing),
			Timestamp: time.Now(),
		}
	}
	return CheckResult{
		Name:      "kernels_present",
		Status:    statusHealthy,
		Message:   "All loaded kernels present on disk",
		Timestamp: time.Now(),
	}
}

func checkSegmentBudget(hm model.HealthMetrics) CheckResult {
	if hm.SegmentUsage > segmentUsageWarning {
		return CheckResult{
			Name:      "segment_budget",
			Status:    statusWarning,
			Message:   fmt.Sprintf("Segment budget usage high: %.2f%%", hm.SegmentUsage*100),
			Timestamp: time.Now(),
		}
	}
	return CheckResult{
		Name:      "segment_budget",
		Status:    statusHealthy,
		Message:   fmt.Sprintf("Segment budget usage: %.2f%%", hm.SegmentUsage*100),
		Timestamp: time.Now(),
	}
}

// IsLive returns whether the service is live (liveness probe)
func (h *HealthChecker) IsLive() bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.livenessOK
}

// IsReady returns whether the service is ready (readiness probe)
func (h *HealthChecker) IsReady() bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.readinessOK
}

// GetStatus returns the current health status
func (h *HealthChecker) GetStatus() model.HealthStatus {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.statusLocked()
}

func (h *HealthChecker) statusLocked() model.HealthStatus {
	return model.HealthStatus{
		Status:    h.status,
		Timestamp: h.lastCheck.Unix(),
		Metrics:   h.metrics,
	}
}

// GetChecks returns all check results
func (h *HealthChecker) GetChecks() map[string]CheckResult {
	h.mu.RLock()
	defer h.mu.RUnlock()

	checks := make(map[string]CheckResult, len(h.checks))
	for k, v := range h.checks {
		checks[k] = v
	}
	return checks
}

// SetReadiness marks the service as draining (false) or not. A draining
// service stays unready whatever the checks say.
func (h *HealthChecker) SetReadiness(ready bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.draining = !ready
	if !ready {
		h.readinessOK = false
	}
}

// LivenessHandler handles HTTP liveness probe requests
func (h *HealthChecker) LivenessHandler(w http.ResponseWriter, r *http.Request) {
	h.mu.RLock()
	live := h.livenessOK
	status := h.statusLocked()
	h.mu.RUnlock()

	code := http.StatusOK
	if !live {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, map[string]interface{}{
		"healthy":   live,
		"status":    status.Status,
		"timestamp": time.Now().Format(time.RFC3339),
	})
}

// ReadinessHandler handles HTTP readiness probe requests
func (h *HealthChecker) ReadinessHandler(w http.ResponseWriter, r *http.Request) {
	h.mu.RLock()
	ready := h.readinessOK
	status := h.statusLocked()
	checks := make([]CheckResult, 0, len(h.checks))
	for _, c := range h.checks {
		checks = append(checks, c)
	}
	h.mu.RUnlock()

	code := http.StatusOK
	if !ready {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, map[string]interface{}{
		"ready":   ready,
		"status":  status.Status,
		"metrics": status.Metrics,
		"checks":  checks,
	})
}

func writeJSON(w http.ResponseWriter, code int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(body)
}
