package orchestrator

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/g960059/agexec/internal/audit"
	"github.com/g960059/agexec/internal/model"
	"github.com/g960059/agexec/internal/policy"
	"github.com/g960059/agexec/internal/security"
	"github.com/g960059/agexec/internal/stream"
)

const (
	DefaultApprovalTTL   = 10 * time.Minute
	DefaultSweepInterval = 60 * time.Second
)

// Ledger is the persistence collaborator. Both the SQLite store and the
// in-memory store satisfy it; which one backs the orchestrator is decided
// at construction, never inside the core.
type Ledger interface {
	CreateSession(ctx context.Context, sessionID string) error
	LatestSessionID(ctx context.Context) (string, error)
	SessionExists(ctx context.Context, sessionID string) (bool, error)
	AppendEvent(ctx context.Context, sessionID string, ev model.RuntimeEvent) error
	RecentEvents(ctx context.Context, sessionID string, limit int) ([]model.RuntimeEvent, error)
	SaveSnapshot(ctx context.Context, sessionID, marker, contextText string) error
	PruneEvents(ctx context.Context, cutoff time.Time) (int64, error)
}

// Executor runs approved commands and reports their lifecycle on a FIFO
// event channel.
type Executor interface {
	Execute(header model.Header, program string, args []string)
	Cancel(correlationID string)
	ActiveCount() int
	Events() <-chan model.RuntimeEvent
	Close()
}

type Options struct {
	ApprovalTTL   time.Duration
	SweepInterval time.Duration
}

type Deps struct {
	Ledger     Ledger
	Executor   Executor
	Classifier *policy.Classifier
	Hub        *stream.Hub
	Audit      audit.Recorder
}

// Orchestrator routes intents through the classifier, drives the executor
// or parks commands pending approval, and is the sole writer of the event
// stream. One orchestrator owns one active session at a time and handles
// one intent at a time.
type Orchestrator struct {
	ledger     Ledger
	exec       Executor
	classifier *policy.Classifier
	hub        *stream.Hub
	auditor    audit.Recorder
	opts       Options

	// dispatchMu serializes Dispatch, SwitchSession, and Close: an intent
	// runs to completion before the next is admitted. mu only guards the
	// fields below it.
	dispatchMu sync.Mutex

	mu      sync.Mutex
	session string
	pending map[string]*pendingApproval
	byCorr  map[string]string
	started bool
	closed  bool

	done chan struct{}
	wg   sync.WaitGroup
}

type pendingApproval struct {
	requestID string
	header    model.Header
	command   *policy.ParsedCommand
	raw       string
	createdAt time.Time
}

func New(deps Deps, opts Options) *Orchestrator {
	if opts.ApprovalTTL <= 0 {
		opts.ApprovalTTL = DefaultApprovalTTL
	}
	if opts.SweepInterval <= 0 {
		opts.SweepInterval = DefaultSweepInterval
	}
	auditor := deps.Audit
	if auditor == nil {
		auditor = audit.NopRecorder{}
	}
	return &Orchestrator{
		ledger:     deps.Ledger,
		exec:       deps.Executor,
		classifier: deps.Classifier,
		hub:        deps.Hub,
		auditor:    auditor,
		opts:       opts,
		pending:    make(map[string]*pendingApproval),
		byCorr:     make(map[string]string),
		done:       make(chan struct{}),
	}
}

// Start registers the session, announces readiness, and launches the
// executor relay and the TTL sweep.
func (o *Orchestrator) Start(ctx context.Context, sessionID string) error {
	if strings.TrimSpace(sessionID) == "" {
		return fmt.Errorf("session id is required")
	}
	o.mu.Lock()
	if o.started {
		o.mu.Unlock()
		return fmt.Errorf("orchestrator already started")
	}
	o.started = true
	o.session = sessionID
	o.mu.Unlock()

	if err := o.ledger.CreateSession(ctx, sessionID); err != nil {
		return fmt.Errorf("register session: %w", err)
	}
	o.emit(ctx, model.RuntimeEvent{
		Kind:     model.EventSysReady,
		Header:   model.Header{SessionID: sessionID, CorrelationID: "sys"},
		Severity: model.SeverityInfo,
		Message:  "session ready",
	})

	o.wg.Add(2)
	go o.relay()
	go o.sweepLoop()
	return nil
}

func (o *Orchestrator) ActiveSession() string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.session
}

func (o *Orchestrator) PendingCount() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.pending)
}

func (o *Orchestrator) ActiveProcesses() int {
	return o.exec.ActiveCount()
}

// Dispatch handles one intent to completion. Semantic misses (unknown
// request id, nothing to cancel) surface as warning events, not errors;
// an error return means the intent itself was malformed.
func (o *Orchestrator) Dispatch(ctx context.Context, intent model.Intent) error {
	if err := validateIntent(intent); err != nil {
		return err
	}

	o.dispatchMu.Lock()
	defer o.dispatchMu.Unlock()

	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return fmt.Errorf("orchestrator is closed")
	}
	active := o.session
	o.mu.Unlock()

	if intent.Header.SessionID != active {
		if err := o.switchSession(ctx, intent.Header.SessionID); err != nil {
			return err
		}
	}

	switch intent.Kind {
	case model.IntentExecuteCommand:
		o.handleExecute(ctx, intent)
	case model.IntentGrantPermission:
		o.handleGrant(ctx, intent)
	case model.IntentDenyPermission:
		o.handleDeny(ctx, intent)
	case model.IntentCancel:
		o.handleCancel(ctx, intent)
	}
	return nil
}

func validateIntent(intent model.Intent) error {
	if strings.TrimSpace(intent.Header.SessionID) == "" {
		return fmt.Errorf("intent session id is required")
	}
	if strings.TrimSpace(intent.Header.CorrelationID) == "" {
		return fmt.Errorf("intent correlation id is required")
	}
	switch intent.Kind {
	case model.IntentExecuteCommand:
		if strings.TrimSpace(intent.Command) == "" {
			return fmt.Errorf("execute intent requires a command")
		}
	case model.IntentGrantPermission, model.IntentDenyPermission:
		if strings.TrimSpace(intent.RequestID) == "" {
			return fmt.Errorf("%s intent requires a request id", intent.Kind)
		}
	case model.IntentCancel:
	default:
		return fmt.Errorf("unknown intent kind %q", intent.Kind)
	}
	return nil
}

func (o *Orchestrator) handleExecute(ctx context.Context, intent model.Intent) {
	decision := o.classifier.Classify(intent.Command)
	switch decision.Kind {
	case policy.Allow:
		o.exec.Execute(corrHeader(intent.Header), decision.Command.Program, decision.Command.Args)
	case policy.RequirePermission:
		o.parkApproval(ctx, intent, decision)
	case policy.Deny:
		o.emit(ctx, model.RuntimeEvent{
			Kind:     model.EventSecurityViolation,
			Header:   corrHeader(intent.Header),
			Severity: model.SeverityWarning,
			Code:     model.ViolationCommandDenied,
			Command:  intent.Command,
			Message:  decision.Reason,
		})
		o.emit(ctx, model.RuntimeEvent{
			Kind:     model.EventWorkflowError,
			Header:   corrHeader(intent.Header),
			Severity: model.SeverityWarning,
			Message:  fmt.Sprintf("command rejected: %s", decision.Reason),
		})
		o.auditor.Record(audit.Entry{
			Kind:          audit.KindCommandDenied,
			SessionID:     intent.Header.SessionID,
			CorrelationID: intent.Header.CorrelationID,
			Command:       intent.Command,
			Reason:        decision.Reason,
		})
	}
}

// parkApproval stores the command under a fresh request id. A correlation
// id holds at most one pending approval; a newer request replaces the
// older one instead of piling up.
func (o *Orchestrator) parkApproval(ctx context.Context, intent model.Intent, decision policy.Decision) {
	p := &pendingApproval{
		requestID: uuid.NewString(),
		header:    intent.Header,
		command:   decision.Command,
		raw:       intent.Command,
		createdAt: time.Now().UTC(),
	}

	o.mu.Lock()
	if prev, ok := o.byCorr[intent.Header.CorrelationID]; ok {
		delete(o.pending, prev)
	}
	o.pending[p.requestID] = p
	o.byCorr[intent.Header.CorrelationID] = p.requestID
	o.mu.Unlock()

	o.emit(ctx, model.RuntimeEvent{
		Kind:      model.EventPermissionRequested,
		Header:    corrHeader(intent.Header),
		Severity:  model.SeverityInfo,
		RequestID: p.requestID,
		Command:   intent.Command,
		Message:   decision.Reason,
	})
	o.emit(ctx, model.RuntimeEvent{
		Kind:     model.EventWorkflowError,
		Header:   corrHeader(intent.Header),
		Severity: model.SeverityWarning,
		Message:  fmt.Sprintf("approval required: %s", decision.Reason),
	})
	o.auditor.Record(audit.Entry{
		Kind:          audit.KindPermissionRequested,
		SessionID:     intent.Header.SessionID,
		CorrelationID: intent.Header.CorrelationID,
		RequestID:     p.requestID,
		Command:       intent.Command,
		Reason:        decision.Reason,
	})
}

func (o *Orchestrator) handleGrant(ctx context.Context, intent model.Intent) {
	o.mu.Lock()
	p, ok := o.pending[intent.RequestID]
	if ok {
		delete(o.pending, intent.RequestID)
		delete(o.byCorr, p.header.CorrelationID)
	}
	o.mu.Unlock()

	if !ok {
		o.emit(ctx, model.RuntimeEvent{
			Kind:      model.EventWorkflowError,
			Header:    corrHeader(intent.Header),
			Severity:  model.SeverityWarning,
			RequestID: intent.RequestID,
			Message:   fmt.Sprintf("no pending approval for request %s", intent.RequestID),
		})
		return
	}

	o.auditor.Record(audit.Entry{
		Kind:          audit.KindPermissionGranted,
		SessionID:     p.header.SessionID,
		CorrelationID: p.header.CorrelationID,
		RequestID:     p.requestID,
		Command:       p.raw,
	})
	o.exec.Execute(corrHeader(p.header), p.command.Program, p.command.Args)
}

func (o *Orchestrator) handleDeny(ctx context.Context, intent model.Intent) {
	o.mu.Lock()
	p, ok := o.pending[intent.RequestID]
	if ok {
		delete(o.pending, intent.RequestID)
		delete(o.byCorr, p.header.CorrelationID)
	}
	o.mu.Unlock()

	msg := fmt.Sprintf("no pending approval for request %s", intent.RequestID)
	if ok {
		msg = fmt.Sprintf("permission denied for %q", p.raw)
	}
	o.emit(ctx, model.RuntimeEvent{
		Kind:      model.EventWorkflowError,
		Header:    corrHeader(intent.Header),
		Severity:  model.SeverityWarning,
		RequestID: intent.RequestID,
		Message:   msg,
	})
	if ok {
		o.auditor.Record(audit.Entry{
			Kind:          audit.KindPermissionDenied,
			SessionID:     p.header.SessionID,
			CorrelationID: p.header.CorrelationID,
			RequestID:     p.requestID,
			Command:       p.raw,
		})
	}
}

func (o *Orchestrator) handleCancel(ctx context.Context, intent model.Intent) {
	o.exec.Cancel(intent.Header.CorrelationID)
	o.emit(ctx, model.RuntimeEvent{
		Kind:     model.EventWorkflowError,
		Header:   corrHeader(intent.Header),
		Severity: model.SeverityWarning,
		Message:  fmt.Sprintf("cancellation requested for correlation %s", intent.Header.CorrelationID),
	})
}

// SwitchSession makes sessionID the active session. Pending approvals
// never carry across sessions, so the table is cleared; the outgoing
// session gets a snapshot recording what was dropped.
func (o *Orchestrator) SwitchSession(ctx context.Context, sessionID string) error {
	o.dispatchMu.Lock()
	defer o.dispatchMu.Unlock()
	return o.switchSession(ctx, sessionID)
}

// switchSession does the work; callers hold dispatchMu.
func (o *Orchestrator) switchSession(ctx context.Context, sessionID string) error {
	if strings.TrimSpace(sessionID) == "" {
		return fmt.Errorf("session id is required")
	}
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return fmt.Errorf("orchestrator is closed")
	}
	prev := o.session
	if prev == sessionID {
		o.mu.Unlock()
		return o.ledger.CreateSession(ctx, sessionID)
	}
	cleared := len(o.pending)
	o.pending = make(map[string]*pendingApproval)
	o.byCorr = make(map[string]string)
	o.session = sessionID
	o.mu.Unlock()

	if prev != "" {
		snapCtx := fmt.Sprintf(`{"pending_cleared":%d,"next_session":%q}`, cleared, sessionID)
		_ = o.ledger.SaveSnapshot(ctx, prev, "session-switch", snapCtx)
	}
	if err := o.ledger.CreateSession(ctx, sessionID); err != nil {
		return fmt.Errorf("register session: %w", err)
	}
	o.emit(ctx, model.RuntimeEvent{
		Kind:     model.EventSysReady,
		Header:   model.Header{SessionID: sessionID, CorrelationID: "sys"},
		Severity: model.SeverityInfo,
		Message:  "session ready",
	})
	return nil
}

// Close waits for any in-flight intent, stops the sweep, shuts the
// executor down, drains its channel, and closes the live stream. Safe to
// call more than once.
func (o *Orchestrator) Close() error {
	o.dispatchMu.Lock()
	defer o.dispatchMu.Unlock()

	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return nil
	}
	o.closed = true
	session := o.session
	o.mu.Unlock()

	close(o.done)
	o.exec.Close()
	o.wg.Wait()

	if session != "" {
		_ = o.ledger.SaveSnapshot(context.Background(), session, "shutdown", `{"reason":"shutdown"}`)
	}
	o.hub.Close()
	return nil
}

func (o *Orchestrator) relay() {
	defer o.wg.Done()
	for ev := range o.exec.Events() {
		o.emit(context.Background(), ev)
	}
}

func (o *Orchestrator) sweepLoop() {
	defer o.wg.Done()
	ticker := time.NewTicker(o.opts.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-o.done:
			return
		case <-ticker.C:
			o.sweepExpired(context.Background())
		}
	}
}

// sweepExpired drops pending approvals older than the TTL. Each expiry is
// observable twice: as a user-facing workflow warning and as an auditable
// security violation.
func (o *Orchestrator) sweepExpired(ctx context.Context) {
	now := time.Now().UTC()

	o.mu.Lock()
	var expired []*pendingApproval
	for id, p := range o.pending {
		if now.Sub(p.createdAt) > o.opts.ApprovalTTL {
			expired = append(expired, p)
			delete(o.pending, id)
			delete(o.byCorr, p.header.CorrelationID)
		}
	}
	o.mu.Unlock()

	for _, p := range expired {
		o.emit(ctx, model.RuntimeEvent{
			Kind:      model.EventWorkflowError,
			Header:    corrHeader(p.header),
			Severity:  model.SeverityWarning,
			RequestID: p.requestID,
			Message:   fmt.Sprintf("permission request %s timed out", p.requestID),
		})
		o.emit(ctx, model.RuntimeEvent{
			Kind:      model.EventSecurityViolation,
			Header:    corrHeader(p.header),
			Severity:  model.SeverityWarning,
			Code:      model.ViolationPermissionTTL,
			RequestID: p.requestID,
			Command:   p.raw,
			Message:   "permission request expired before a decision",
		})
		o.auditor.Record(audit.Entry{
			Kind:          audit.KindPermissionExpired,
			SessionID:     p.header.SessionID,
			CorrelationID: p.header.CorrelationID,
			RequestID:     p.requestID,
			Command:       p.raw,
		})
	}
}

// emit persists the event and publishes it to live subscribers. Output
// chunks are redacted before they hit the ledger; the live copy keeps the
// original bytes. A persistence failure never fails the caller, it is
// reported on the live stream instead.
func (o *Orchestrator) emit(ctx context.Context, ev model.RuntimeEvent) {
	if ev.EventID == "" {
		ev.EventID = uuid.NewString()
	}
	if ev.Header.Timestamp.IsZero() {
		ev.Header.Timestamp = time.Now().UTC()
	}

	persisted := ev
	if ev.Kind == model.EventStdoutChunk || ev.Kind == model.EventStderrChunk {
		persisted.Data = security.RedactForStorage(ev.Data)
	}
	if err := o.ledger.AppendEvent(ctx, persisted.Header.SessionID, persisted); err != nil {
		o.hub.Broadcast(model.RuntimeEvent{
			EventID: uuid.NewString(),
			Kind:    model.EventWorkflowError,
			Header: model.Header{
				SessionID:     ev.Header.SessionID,
				CorrelationID: ev.Header.CorrelationID,
				Timestamp:     time.Now().UTC(),
			},
			Severity: model.SeverityWarning,
			Message:  fmt.Sprintf("persist %s event: %v", ev.Kind, err),
		})
	}
	o.hub.Broadcast(ev)
}

func corrHeader(h model.Header) model.Header {
	return model.Header{SessionID: h.SessionID, CorrelationID: h.CorrelationID}
}
