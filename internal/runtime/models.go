package runtime

import "time"

// ResourceUsage is a coarse sample of the process's CPU and memory use.
type ResourceUsage struct {
	CPUPercent  float64 `json:"cpu_percent"`
	MemoryBytes uint64  `json:"memory_bytes"`
	Goroutines  int     `json:"goroutines"`
}

// TransportStatus describes the active broker backend.
type TransportStatus struct {
	Name              string `json:"name"`
	SupportsRetained  bool   `json:"supports_retained"`
	SupportsWildcards bool   `json:"supports_wildcards"`
	SupportsAck       bool   `json:"supports_ack"`
	// Recovery is true when discovery topics from earlier runs are read back.
	Recovery bool `json:"recovery"`
}

// Status is served by /api/status.
type Status struct {
	State         string          `json:"state"`
	StartedAt     time.Time       `json:"started_at,omitempty"`
	UptimeSeconds float64         `json:"uptime_seconds"`
	Stops         []string        `json:"stops"`
	Entities      int             `json:"entities"`
	Transport     TransportStatus `json:"transport"`
	Metrics       MetricsSnapshot `json:"metrics"`
	Resource      ResourceUsage   `json:"resource"`
}

// EntityList is served by /api/entities.
type EntityList struct {
	Count  int      `json:"count"`
	Topics []string `json:"topics"`
}

// Lifecycle states reported in Status.State.
const (
	StateCreated  = "created"
	StateStarting = "starting"
	StateRunning  = "running"
	StateStopping = "stopping"
	StateStopped  = "stopped"
)
