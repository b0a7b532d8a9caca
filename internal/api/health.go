package api

import "time"

type HealthResponse struct {
	SchemaVersion    string    `json:"schema_version"`
	GeneratedAt      time.Time `json:"generated_at"`
	Status           string    `json:"status"`
	SessionID        string    `json:"session_id,omitempty"`
	PendingApprovals int       `json:"pending_approvals"`
	ActiveProcesses  int       `json:"active_processes"`
	Subscribers      int       `json:"subscribers"`
}
