package api

import "time"

type APIError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type ErrorResponse struct {
	SchemaVersion string    `json:"schema_version"`
	GeneratedAt   time.Time `json:"generated_at"`
	Error         APIError  `json:"error"`
}

// IntentRequest is the transport form of one intent. Kind selects which
// optional fields are required.
type IntentRequest struct {
	Kind          string `json:"kind"`
	SessionID     string `json:"session_id"`
	CorrelationID string `json:"correlation_id"`
	Command       string `json:"command,omitempty"`
	RequestID     string `json:"request_id,omitempty"`
}

type IntentResponse struct {
	SchemaVersion string    `json:"schema_version"`
	GeneratedAt   time.Time `json:"generated_at"`
	Status        string    `json:"status"`
	SessionID     string    `json:"session_id"`
	CorrelationID string    `json:"correlation_id"`
}

type EventItem struct {
	EventID       string `json:"event_id"`
	EventType     string `json:"event_type"`
	SessionID     string `json:"session_id"`
	CorrelationID string `json:"correlation_id"`
	EventTime     string `json:"event_time"`
	PID           int64  `json:"pid,omitempty"`
	Data          string `json:"data,omitempty"`
	Truncated     bool   `json:"truncated,omitempty"`
	ExitCode      *int   `json:"exit_code,omitempty"`
	Severity      string `json:"severity,omitempty"`
	Message       string `json:"message,omitempty"`
	Code          string `json:"code,omitempty"`
	RequestID     string `json:"request_id,omitempty"`
	Command       string `json:"command,omitempty"`
}

type EventsEnvelope struct {
	SchemaVersion string      `json:"schema_version"`
	GeneratedAt   time.Time   `json:"generated_at"`
	SessionID     string      `json:"session_id"`
	Events        []EventItem `json:"events"`
}

type SessionRequest struct {
	SessionID string `json:"session_id"`
}

type SessionResponse struct {
	SchemaVersion string    `json:"schema_version"`
	GeneratedAt   time.Time `json:"generated_at"`
	SessionID     string    `json:"session_id"`
}
