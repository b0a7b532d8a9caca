package daemon

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"golang.org/x/time/rate"

	"github.com/g960059/agexec/internal/api"
	"github.com/g960059/agexec/internal/audit"
	"github.com/g960059/agexec/internal/config"
	"github.com/g960059/agexec/internal/db"
	"github.com/g960059/agexec/internal/model"
	"github.com/g960059/agexec/internal/orchestrator"
	"github.com/g960059/agexec/internal/stream"
)

const heartbeatInterval = 30 * time.Second

// Server exposes the orchestrator over a unix domain socket. It owns the
// socket lifecycle and the wire encoding; all command semantics live in
// the orchestrator.
type Server struct {
	cfg         config.Config
	httpSrv     *http.Server
	listener    net.Listener
	lockFile    *os.File
	orc         *orchestrator.Orchestrator
	ledger      orchestrator.Ledger
	hub         *stream.Hub
	auditor     audit.Recorder
	limiter     *rate.Limiter
	mu          sync.Mutex
	done        chan struct{}
	shutdown    sync.Once
	shutdownErr error
}

func NewServer(cfg config.Config) *Server {
	return NewServerWithDeps(cfg, nil, nil, nil, nil)
}

func NewServerWithDeps(cfg config.Config, orc *orchestrator.Orchestrator, ledger orchestrator.Ledger, hub *stream.Hub, auditor audit.Recorder) *Server {
	mux := http.NewServeMux()
	s := &Server{
		cfg:     cfg,
		orc:     orc,
		ledger:  ledger,
		hub:     hub,
		auditor: auditor,
		done:    make(chan struct{}),
		httpSrv: &http.Server{
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		},
	}
	if s.auditor == nil {
		s.auditor = audit.NopRecorder{}
	}
	if cfg.RatePerSecond > 0 {
		s.limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSecond), cfg.RateBurst)
	}

	mux.HandleFunc("/v1/health", s.healthHandler)
	if orc != nil {
		mux.HandleFunc("/v1/intents", s.intentsHandler)
		mux.HandleFunc("/v1/events", s.eventsHandler)
		mux.HandleFunc("/v1/stream", s.streamHandler)
		mux.HandleFunc("/v1/sessions", s.sessionsHandler)
		mux.HandleFunc("/v1/sessions/latest", s.latestSessionHandler)
	}
	return s
}

func (s *Server) Start(ctx context.Context) error {
	if err := os.MkdirAll(filepath.Dir(s.cfg.SocketPath), 0o755); err != nil {
		return fmt.Errorf("create socket dir: %w", err)
	}
	if err := s.acquireLock(); err != nil {
		return err
	}
	if st, err := os.Lstat(s.cfg.SocketPath); err == nil {
		if st.Mode()&os.ModeSocket == 0 {
			s.releaseLock() //nolint:errcheck
			return fmt.Errorf("socket path exists and is not unix socket: %s", s.cfg.SocketPath)
		}
		if err := os.Remove(s.cfg.SocketPath); err != nil {
			s.releaseLock() //nolint:errcheck
			return fmt.Errorf("remove stale socket: %w", err)
		}
	} else if !errors.Is(err, os.ErrNotExist) {
		s.releaseLock() //nolint:errcheck
		return fmt.Errorf("stat socket path: %w", err)
	}
	ln, err := net.Listen("unix", s.cfg.SocketPath)
	if err != nil {
		s.releaseLock()
		return fmt.Errorf("listen uds: %w", err)
	}
	if err := os.Chmod(s.cfg.SocketPath, 0o600); err != nil {
		ln.Close() //nolint:errcheck
		s.releaseLock()
		return fmt.Errorf("chmod socket: %w", err)
	}
	s.mu.Lock()
	s.listener = ln
	s.mu.Unlock()

	errCh := make(chan error, 1)
	go func() {
		if err := s.httpSrv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.Shutdown(shutdownCtx)
		return ctx.Err()
	case err := <-errCh:
		if err != nil {
			_ = s.Shutdown(context.Background())
			return fmt.Errorf("serve uds: %w", err)
		}
		return nil
	}
}

func (s *Server) Shutdown(ctx context.Context) error {
	s.shutdown.Do(func() {
		var errs []error
		close(s.done)
		if s.httpSrv != nil {
			if err := s.httpSrv.Shutdown(ctx); err != nil {
				errs = append(errs, err)
			}
		}
		s.mu.Lock()
		listener := s.listener
		s.listener = nil
		s.mu.Unlock()
		if listener != nil {
			if err := listener.Close(); err != nil {
				errs = append(errs, err)
			}
		}
		if s.cfg.SocketPath != "" {
			if err := os.Remove(s.cfg.SocketPath); err != nil && !errors.Is(err, os.ErrNotExist) {
				errs = append(errs, err)
			}
		}
		if err := s.releaseLock(); err != nil {
			errs = append(errs, err)
		}
		if len(errs) > 0 {
			s.shutdownErr = fmt.Errorf("shutdown errors: %v", errs)
		}
	})
	return s.shutdownErr
}

func (s *Server) healthHandler(w http.ResponseWriter, _ *http.Request) {
	resp := api.HealthResponse{
		SchemaVersion: "v1",
		GeneratedAt:   time.Now().UTC(),
		Status:        "ok",
	}
	if s.orc != nil {
		resp.SessionID = s.orc.ActiveSession()
		resp.PendingApprovals = s.orc.PendingCount()
		resp.ActiveProcesses = s.orc.ActiveProcesses()
	}
	if s.hub != nil {
		resp.Subscribers = s.hub.SubscriberCount()
	}
	s.writeJSON(w, http.StatusOK, resp)
}

func (s *Server) intentsHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.methodNotAllowed(w, http.MethodPost)
		return
	}
	// The limiter gates intents before the body is read, so a flood is
	// rejected without attributing each request.
	if s.limiter != nil && !s.limiter.Allow() {
		s.auditor.Record(audit.Entry{
			Kind:   audit.KindRateLimited,
			Reason: "intent rate exceeded",
		})
		s.writeError(w, http.StatusTooManyRequests, model.ErrRateLimited, "intent rate exceeded")
		return
	}

	var req api.IntentRequest
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, model.ErrIntentInvalid, "invalid request body")
		return
	}

	intent := model.Intent{
		Kind: model.IntentKind(strings.TrimSpace(req.Kind)),
		Header: model.Header{
			SessionID:     strings.TrimSpace(req.SessionID),
			CorrelationID: strings.TrimSpace(req.CorrelationID),
			Timestamp:     time.Now().UTC(),
		},
		Command:   req.Command,
		RequestID: strings.TrimSpace(req.RequestID),
	}
	if err := s.orc.Dispatch(r.Context(), intent); err != nil {
		s.writeError(w, http.StatusBadRequest, model.ErrIntentInvalid, err.Error())
		return
	}
	resp := api.IntentResponse{
		SchemaVersion: "v1",
		GeneratedAt:   time.Now().UTC(),
		Status:        "accepted",
		SessionID:     intent.Header.SessionID,
		CorrelationID: intent.Header.CorrelationID,
	}
	s.writeJSON(w, http.StatusAccepted, resp)
}

func (s *Server) eventsHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.methodNotAllowed(w, http.MethodGet)
		return
	}
	sessionID := strings.TrimSpace(r.URL.Query().Get("session"))
	if sessionID == "" {
		sessionID = s.orc.ActiveSession()
	}
	if sessionID == "" {
		s.writeError(w, http.StatusBadRequest, model.ErrSessionInvalid, "no session selected")
		return
	}
	limit := 0
	if raw := strings.TrimSpace(r.URL.Query().Get("limit")); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			s.writeError(w, http.StatusBadRequest, model.ErrIntentInvalid, "invalid limit")
			return
		}
		limit = n
	}
	exists, err := s.ledger.SessionExists(r.Context(), sessionID)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, model.ErrInternal, "failed to check session")
		return
	}
	if !exists {
		s.writeError(w, http.StatusNotFound, model.ErrSessionUnknown, fmt.Sprintf("unknown session: %s", sessionID))
		return
	}
	events, err := s.ledger.RecentEvents(r.Context(), sessionID, limit)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, model.ErrInternal, "failed to load events")
		return
	}
	items := make([]api.EventItem, 0, len(events))
	for _, ev := range events {
		items = append(items, eventItem(ev))
	}
	resp := api.EventsEnvelope{
		SchemaVersion: "v1",
		GeneratedAt:   time.Now().UTC(),
		SessionID:     sessionID,
		Events:        items,
	}
	s.writeJSON(w, http.StatusOK, resp)
}

// streamHandler serves live events as SSE. Each event goes out as an
// "event:" line named after the event type with the JSON item as data;
// heartbeats keep idle connections from being reaped.
func (s *Server) streamHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.methodNotAllowed(w, http.MethodGet)
		return
	}
	sessionID := strings.TrimSpace(r.URL.Query().Get("session"))

	flusher, ok := w.(http.Flusher)
	if !ok {
		s.writeError(w, http.StatusInternalServerError, model.ErrStreamUnsupported, "streaming unsupported")
		return
	}
	sub := s.hub.Subscribe()
	if sub == nil {
		s.writeError(w, http.StatusServiceUnavailable, model.ErrInternal, "server shutting down")
		return
	}
	defer s.hub.Unsubscribe(sub)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	flusher.Flush()

	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-s.done:
			return
		case <-ticker.C:
			if _, err := fmt.Fprint(w, "event: heartbeat\ndata: {}\n\n"); err != nil {
				return
			}
			flusher.Flush()
		case ev, ok := <-sub:
			if !ok {
				return
			}
			if sessionID != "" && ev.Header.SessionID != sessionID {
				continue
			}
			payload, err := json.Marshal(eventItem(ev))
			if err != nil {
				continue
			}
			if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Kind, payload); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

func (s *Server) sessionsHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.methodNotAllowed(w, http.MethodPost)
		return
	}
	var req api.SessionRequest
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, model.ErrSessionInvalid, "invalid request body")
		return
	}
	sessionID := strings.TrimSpace(req.SessionID)
	if sessionID == "" {
		s.writeError(w, http.StatusBadRequest, model.ErrSessionInvalid, "session_id is required")
		return
	}
	if err := s.orc.SwitchSession(r.Context(), sessionID); err != nil {
		s.writeError(w, http.StatusInternalServerError, model.ErrInternal, err.Error())
		return
	}
	resp := api.SessionResponse{
		SchemaVersion: "v1",
		GeneratedAt:   time.Now().UTC(),
		SessionID:     sessionID,
	}
	s.writeJSON(w, http.StatusOK, resp)
}

func (s *Server) latestSessionHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.methodNotAllowed(w, http.MethodGet)
		return
	}
	sessionID, err := s.ledger.LatestSessionID(r.Context())
	if err != nil {
		if errors.Is(err, db.ErrNotFound) {
			s.writeError(w, http.StatusNotFound, model.ErrSessionUnknown, "no sessions recorded")
			return
		}
		s.writeError(w, http.StatusInternalServerError, model.ErrInternal, "failed to load latest session")
		return
	}
	resp := api.SessionResponse{
		SchemaVersion: "v1",
		GeneratedAt:   time.Now().UTC(),
		SessionID:     sessionID,
	}
	s.writeJSON(w, http.StatusOK, resp)
}

func eventItem(ev model.RuntimeEvent) api.EventItem {
	item := api.EventItem{
		EventID:       ev.EventID,
		EventType:     string(ev.Kind),
		SessionID:     ev.Header.SessionID,
		CorrelationID: ev.Header.CorrelationID,
		EventTime:     ev.Header.Timestamp.UTC().Format(time.RFC3339Nano),
		PID:           ev.PID,
		Data:          ev.Data,
		Truncated:     ev.Truncated,
		Severity:      string(ev.Severity),
		Message:       ev.Message,
		Code:          ev.Code,
		RequestID:     ev.RequestID,
		Command:       ev.Command,
	}
	if ev.Kind == model.EventProcessExited {
		code := ev.ExitCode
		item.ExitCode = &code
	}
	return item
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func (s *Server) writeError(w http.ResponseWriter, status int, code, msg string) {
	resp := api.ErrorResponse{
		SchemaVersion: "v1",
		GeneratedAt:   time.Now().UTC(),
		Error: api.APIError{
			Code:    code,
			Message: msg,
		},
	}
	s.writeJSON(w, status, resp)
}

func (s *Server) methodNotAllowed(w http.ResponseWriter, allow ...string) {
	if len(allow) > 0 {
		w.Header().Set("Allow", strings.Join(allow, ", "))
	}
	s.writeError(w, http.StatusMethodNotAllowed, model.ErrIntentInvalid, "method not allowed")
}

func (s *Server) acquireLock() error {
	lockPath := s.cfg.SocketPath + ".lock"
	if err := os.MkdirAll(filepath.Dir(lockPath), 0o755); err != nil {
		return fmt.Errorf("create lock dir: %w", err)
	}
	f, err := os.OpenFile(lockPath, os.O_CREATE|os.O_RDWR, 0o600)
	if err != nil {
		return fmt.Errorf("open lock file: %w", err)
	}
	if err := syscall.Flock(int(f.Fd()), syscall.LOCK_EX|syscall.LOCK_NB); err != nil {
		f.Close() //nolint:errcheck
		return fmt.Errorf("daemon already running")
	}
	s.mu.Lock()
	s.lockFile = f
	s.mu.Unlock()
	return nil
}

func (s *Server) releaseLock() error {
	s.mu.Lock()
	f := s.lockFile
	s.lockFile = nil
	s.mu.Unlock()
	if f == nil {
		return nil
	}
	if err := syscall.Flock(int(f.Fd()), syscall.LOCK_UN); err != nil {
		f.Close() //nolint:errcheck
		return err
	}
	return f.Close()
}
