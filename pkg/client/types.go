package client

import "time"

// RunRequest is a command execution request.
type RunRequest struct {
	Command   []string          `json:"command"`
	Cwd       string            `json:"cwd,omitempty"`
	Env       map[string]string `json:"env,omitempty"`
	TimeoutMs *int64            `json:"timeout_ms,omitempty"`
}

// RunResult is the outcome of a command execution.
type RunResult struct {
	Success   bool   `json:"success"`
	Stdout    string `json:"stdout"`
	Stderr    string `json:"stderr"`
	ExitCode  int    `json:"exit_code"`
	ElapsedMs int64  `json:"elapsed_ms"`
	TimedOut  bool   `json:"timed_out"`
}

// BackendState is the supervisor snapshot.
type BackendState struct {
	Mode      string          `json:"mode"`
	Phase     string          `json:"phase"`
	Port      int             `json:"port"`
	IsSidecar bool            `json:"is_sidecar"`
	HasChild  bool            `json:"has_child"`
	PID       int             `json:"pid,omitempty"`
	Ready     bool            `json:"ready"`
	StartedAt time.Time       `json:"started_at,omitzero"`
	Resources *ResourceSample `json:"resources,omitempty"`
}

// ResourceSample is the latest backend resource sample.
type ResourceSample struct {
	PID        int32     `json:"pid"`
	CPUPercent float64   `json:"cpu_percent"`
	MemoryMB   float64   `json:"memory_mb"`
	MemoryRSS  uint64    `json:"memory_rss"`
	MemoryVMS  uint64    `json:"memory_vms"`
	NumThreads int32     `json:"num_threads"`
	NumFDs     int32     `json:"num_fds"`
	Timestamp  time.Time `json:"timestamp"`
}

// NodeInfo describes the sidecar host.
type NodeInfo struct {
	NodeID       string   `json:"node_id"`
	DisplayName  string   `json:"display_name"`
	Platform     string   `json:"platform"`
	Version      string   `json:"version"`
	Capabilities []string `json:"capabilities"`
}

// Event is one supervisor notification.
type Event struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Payload   any       `json:"payload"`
	Timestamp time.Time `json:"timestamp"`
}

// Token is an issued bearer token.
type Token struct {
	Type      string    `json:"type"`
	Value     string    `json:"value"`
	ExpiresAt time.Time `json:"expires_at"`
}

// ErrorResponse represents an API error response
type ErrorResponse struct {
	Error string `json:"error"`
}
