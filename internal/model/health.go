package model

// HealthStatus represents the health state of the kernel service
type HealthStatus struct {
	Status    NodeStatus    `json:"status"`
	Timestamp int64         `json:"timestamp"`
	Metrics   HealthMetrics `json:"metrics"`
}

// NodeStatus defines the operational status of the service
type NodeStatus string

const (
	NodeStatusHealthy   NodeStatus = "healthy"
	NodeStatusDegraded  NodeStatus = "degraded"
	NodeStatusUnhealthy NodeStatus = "unhealthy"
)

// HealthMetrics contains the figures the health checker looks at
type HealthMetrics struct {
	LoadedKernels  int     `json:"loaded_kernels"`
	MissingKernels int     `json:"missing_kernels"`
	ReuseRate      float64 `json:"reuse_rate"`
	SegmentUsage   float64 `json:"segment_usage"`
}
