package model

import "time"

// Header ties an intent or event to its session and command lifecycle.
type Header struct {
	SessionID     string
	CorrelationID string
	Timestamp     time.Time
}

type IntentKind string

const (
	IntentExecuteCommand  IntentKind = "execute_command"
	IntentGrantPermission IntentKind = "grant_permission"
	IntentDenyPermission  IntentKind = "deny_permission"
	IntentCancel          IntentKind = "cancel"
)

// Intent is the tagged union consumed from the transport layer.
// Kind selects which payload fields are meaningful.
type Intent struct {
	Kind      IntentKind
	Header    Header
	Command   string
	RequestID string
}

type EventKind string

const (
	EventSysReady            EventKind = "sys_ready"
	EventProcessStarted      EventKind = "process_started"
	EventStdoutChunk         EventKind = "stdout_chunk"
	EventStderrChunk         EventKind = "stderr_chunk"
	EventProcessExited       EventKind = "process_exited"
	EventSecurityViolation   EventKind = "security_violation"
	EventPermissionRequested EventKind = "permission_requested"
	EventWorkflowError       EventKind = "workflow_error"
)

type Severity string

const (
	SeverityInfo    Severity = "info"
	SeverityWarning Severity = "warning"
	SeverityFatal   Severity = "fatal"
)

// Violation codes carried by security_violation events.
const (
	ViolationCommandDenied = "COMMAND_DENIED"
	ViolationPermissionTTL = "PERMISSION_TTL_EXPIRED"
)

// RuntimeEvent is the tagged union the orchestrator emits. Kind selects
// which payload fields are meaningful; within one correlation id the
// ledger and the live stream both observe start, then chunks, then exit.
type RuntimeEvent struct {
	EventID   string
	Kind      EventKind
	Header    Header
	PID       int64
	Data      string
	Truncated bool
	ExitCode  int
	Severity  Severity
	Message   string
	Code      string
	RequestID string
	Command   string
}

type Session struct {
	SessionID    string
	CreatedAt    time.Time
	LastActiveAt time.Time
}

type Snapshot struct {
	SnapshotID string
	SessionID  string
	Marker     string
	Context    string
	CreatedAt  time.Time
}

// Error codes defined by API contract.
const (
	ErrIntentInvalid     = "E_INTENT_INVALID"
	ErrSessionInvalid    = "E_SESSION_INVALID"
	ErrSessionUnknown    = "E_SESSION_UNKNOWN"
	ErrRateLimited       = "E_RATE_LIMITED"
	ErrStreamUnsupported = "E_STREAM_UNSUPPORTED"
	ErrInternal          = "E_INTERNAL"
)
