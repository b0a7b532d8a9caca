package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/g960059/agexec/internal/api"
	"github.com/g960059/agexec/internal/appclient"
)

func newTestRunner(srv *httptest.Server) (*Runner, *bytes.Buffer, *bytes.Buffer) {
	out := &bytes.Buffer{}
	errOut := &bytes.Buffer{}
	client := appclient.NewWithClient(srv.URL, srv.Client())
	return NewRunnerWithClient(client, out, errOut), out, errOut
}

func TestExecSendsIntent(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/intents", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Fatalf("expected POST, got %s", r.Method)
		}
		var req api.IntentRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Fatalf("decode body: %v", err)
		}
		if req.Kind != "execute_command" || req.SessionID != "s1" || req.CorrelationID != "c1" {
			t.Fatalf("unexpected request: %+v", req)
		}
		if req.Command != "git status" {
			t.Fatalf("command=%q want=git status", req.Command)
		}
		w.WriteHeader(http.StatusAccepted)
		_, _ = io.WriteString(w, `{"schema_version":"v1","generated_at":"2026-02-13T00:00:00Z","status":"accepted","session_id":"s1","correlation_id":"c1"}`)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	r, out, errOut := newTestRunner(srv)
	code := r.Run(context.Background(), []string{"exec", "--session", "s1", "--correlation", "c1", "git", "status"})
	if code != 0 {
		t.Fatalf("expected exit 0, got %d stderr=%s", code, errOut.String())
	}
	if !strings.Contains(out.String(), "accepted session=s1 correlation=c1") {
		t.Fatalf("unexpected output: %s", out.String())
	}
}

func TestExecResolvesLatestSession(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/sessions/latest", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			t.Fatalf("expected GET, got %s", r.Method)
		}
		_, _ = io.WriteString(w, `{"schema_version":"v1","generated_at":"2026-02-13T00:00:00Z","session_id":"s9"}`)
	})
	mux.HandleFunc("/v1/intents", func(w http.ResponseWriter, r *http.Request) {
		var req api.IntentRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Fatalf("decode body: %v", err)
		}
		if req.SessionID != "s9" {
			t.Fatalf("session_id=%q want=s9", req.SessionID)
		}
		w.WriteHeader(http.StatusAccepted)
		_, _ = fmt.Fprintf(w, `{"schema_version":"v1","generated_at":"2026-02-13T00:00:00Z","status":"accepted","session_id":"s9","correlation_id":%q}`, req.CorrelationID)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	r, _, errOut := newTestRunner(srv)
	if code := r.Run(context.Background(), []string{"exec", "ls"}); code != 0 {
		t.Fatalf("expected exit 0, got %d stderr=%s", code, errOut.String())
	}
}

func TestGrantSendsIntent(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/intents", func(w http.ResponseWriter, r *http.Request) {
		var req api.IntentRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Fatalf("decode body: %v", err)
		}
		if req.Kind != "grant_permission" || req.RequestID != "req-1" {
			t.Fatalf("unexpected request: %+v", req)
		}
		w.WriteHeader(http.StatusAccepted)
		_, _ = io.WriteString(w, `{"schema_version":"v1","generated_at":"2026-02-13T00:00:00Z","status":"accepted","session_id":"s1","correlation_id":"c1"}`)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	r, out, errOut := newTestRunner(srv)
	code := r.Run(context.Background(), []string{"grant", "--session", "s1", "--request", "req-1"})
	if code != 0 {
		t.Fatalf("expected exit 0, got %d stderr=%s", code, errOut.String())
	}
	if !strings.Contains(out.String(), "grant sent request=req-1") {
		t.Fatalf("unexpected output: %s", out.String())
	}
}

func TestGrantRequiresRequestID(t *testing.T) {
	srv := httptest.NewServer(http.NewServeMux())
	defer srv.Close()

	r, _, errOut := newTestRunner(srv)
	if code := r.Run(context.Background(), []string{"grant"}); code != 2 {
		t.Fatalf("expected exit 2, got %d", code)
	}
	if !strings.Contains(errOut.String(), "usage: agexec grant") {
		t.Fatalf("expected usage message, got: %s", errOut.String())
	}
}

func TestCancelPositionalCorrelation(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/intents", func(w http.ResponseWriter, r *http.Request) {
		var req api.IntentRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Fatalf("decode body: %v", err)
		}
		if req.Kind != "cancel" || req.CorrelationID != "c77" {
			t.Fatalf("unexpected request: %+v", req)
		}
		w.WriteHeader(http.StatusAccepted)
		_, _ = io.WriteString(w, `{"schema_version":"v1","generated_at":"2026-02-13T00:00:00Z","status":"accepted","session_id":"s1","correlation_id":"c77"}`)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	r, out, errOut := newTestRunner(srv)
	code := r.Run(context.Background(), []string{"cancel", "--session", "s1", "c77"})
	if code != 0 {
		t.Fatalf("expected exit 0, got %d stderr=%s", code, errOut.String())
	}
	if !strings.Contains(out.String(), "cancel sent correlation=c77") {
		t.Fatalf("unexpected output: %s", out.String())
	}
}

func TestEventsTableOutput(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/events", func(w http.ResponseWriter, r *http.Request) {
		if got := r.URL.Query().Get("limit"); got != "10" {
			t.Fatalf("limit=%q want=10", got)
		}
		_, _ = io.WriteString(w, `{"schema_version":"v1","generated_at":"2026-02-13T00:00:00Z","session_id":"s1","events":[`+
			`{"event_id":"e1","event_type":"process_started","session_id":"s1","correlation_id":"c1","event_time":"2026-02-13T00:00:01Z","pid":4321,"command":"echo hi"},`+
			`{"event_id":"e2","event_type":"process_exited","session_id":"s1","correlation_id":"c1","event_time":"2026-02-13T00:00:02Z","exit_code":0}]}`)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	r, out, errOut := newTestRunner(srv)
	code := r.Run(context.Background(), []string{"events", "--limit", "10"})
	if code != 0 {
		t.Fatalf("expected exit 0, got %d stderr=%s", code, errOut.String())
	}
	if !strings.Contains(out.String(), "pid 4321 echo hi") {
		t.Fatalf("expected started row, got: %s", out.String())
	}
	if !strings.Contains(out.String(), "exit code 0") {
		t.Fatalf("expected exited row, got: %s", out.String())
	}

	out.Reset()
	if code := r.Run(context.Background(), []string{"events", "--limit", "10", "--json"}); code != 0 {
		t.Fatalf("expected exit 0, got %d stderr=%s", code, errOut.String())
	}
	if !strings.Contains(out.String(), `"events"`) {
		t.Fatalf("expected events JSON output, got: %s", out.String())
	}
}

func TestStatusOutput(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/health", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = io.WriteString(w, `{"schema_version":"v1","generated_at":"2026-02-13T00:00:00Z","status":"ok","session_id":"s1","pending_approvals":2,"active_processes":1,"subscribers":3}`)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	r, out, errOut := newTestRunner(srv)
	if code := r.Run(context.Background(), []string{"status"}); code != 0 {
		t.Fatalf("expected exit 0, got %d stderr=%s", code, errOut.String())
	}
	for _, want := range []string{"status: ok", "session: s1", "pending approvals: 2", "active processes: 1", "subscribers: 3"} {
		if !strings.Contains(out.String(), want) {
			t.Fatalf("missing %q in output: %s", want, out.String())
		}
	}
}

func TestSessionNewAndLatest(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/sessions", func(w http.ResponseWriter, r *http.Request) {
		var req api.SessionRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Fatalf("decode body: %v", err)
		}
		if req.SessionID != "s5" {
			t.Fatalf("session_id=%q want=s5", req.SessionID)
		}
		_, _ = io.WriteString(w, `{"schema_version":"v1","generated_at":"2026-02-13T00:00:00Z","session_id":"s5"}`)
	})
	mux.HandleFunc("/v1/sessions/latest", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = io.WriteString(w, `{"schema_version":"v1","generated_at":"2026-02-13T00:00:00Z","session_id":"s5"}`)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	r, out, errOut := newTestRunner(srv)
	if code := r.Run(context.Background(), []string{"session", "new", "--id", "s5"}); code != 0 {
		t.Fatalf("expected exit 0, got %d stderr=%s", code, errOut.String())
	}
	if !strings.Contains(out.String(), "session s5") {
		t.Fatalf("unexpected output: %s", out.String())
	}

	out.Reset()
	if code := r.Run(context.Background(), []string{"session", "latest"}); code != 0 {
		t.Fatalf("expected exit 0, got %d stderr=%s", code, errOut.String())
	}
	if strings.TrimSpace(out.String()) != "s5" {
		t.Fatalf("unexpected output: %s", out.String())
	}
}

func TestExecFollowStreamsUntilExit(t *testing.T) {
	gate := make(chan struct{})
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/stream", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		flusher := w.(http.Flusher)
		flusher.Flush()
		<-gate
		writeSSE(t, w, api.EventItem{EventID: "e1", EventType: "process_started", SessionID: "s1", CorrelationID: "c1", EventTime: "2026-02-13T00:00:01Z", PID: 4321, Command: "echo hi"})
		writeSSE(t, w, api.EventItem{EventID: "e2", EventType: "stdout_chunk", SessionID: "s1", CorrelationID: "c1", EventTime: "2026-02-13T00:00:02Z", Data: "hi\n"})
		code := 0
		writeSSE(t, w, api.EventItem{EventID: "e3", EventType: "process_exited", SessionID: "s1", CorrelationID: "c1", EventTime: "2026-02-13T00:00:03Z", ExitCode: &code})
		flusher.Flush()
	})
	mux.HandleFunc("/v1/intents", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusAccepted)
		_, _ = io.WriteString(w, `{"schema_version":"v1","generated_at":"2026-02-13T00:00:00Z","status":"accepted","session_id":"s1","correlation_id":"c1"}`)
		close(gate)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	r, out, errOut := newTestRunner(srv)
	code := r.Run(context.Background(), []string{"exec", "--follow", "--session", "s1", "--correlation", "c1", "echo", "hi"})
	if code != 0 {
		t.Fatalf("expected exit 0, got %d stderr=%s", code, errOut.String())
	}
	if out.String() != "hi\n" {
		t.Fatalf("stdout=%q want=%q", out.String(), "hi\n")
	}
	if !strings.Contains(errOut.String(), "started pid=4321") {
		t.Fatalf("expected start notice, got: %s", errOut.String())
	}
	if !strings.Contains(errOut.String(), "exit code 0") {
		t.Fatalf("expected exit notice, got: %s", errOut.String())
	}
}

func TestExecFollowDenied(t *testing.T) {
	gate := make(chan struct{})
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/stream", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		w.(http.Flusher).Flush()
		<-gate
		writeSSE(t, w, api.EventItem{EventID: "e1", EventType: "security_violation", SessionID: "s1", CorrelationID: "c1", EventTime: "2026-02-13T00:00:01Z", Severity: "warning", Code: "COMMAND_DENIED", Message: "deny-listed program: rm", Command: "rm -rf /tmp/x"})
		w.(http.Flusher).Flush()
	})
	mux.HandleFunc("/v1/intents", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusAccepted)
		_, _ = io.WriteString(w, `{"schema_version":"v1","generated_at":"2026-02-13T00:00:00Z","status":"accepted","session_id":"s1","correlation_id":"c1"}`)
		close(gate)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	r, _, errOut := newTestRunner(srv)
	code := r.Run(context.Background(), []string{"exec", "--follow", "--session", "s1", "--correlation", "c1", "rm", "-rf", "/tmp/x"})
	if code != 1 {
		t.Fatalf("expected exit 1, got %d stderr=%s", code, errOut.String())
	}
	if !strings.Contains(errOut.String(), "denied: deny-listed program: rm (COMMAND_DENIED)") {
		t.Fatalf("expected denial notice, got: %s", errOut.String())
	}
}

func TestWatchSurfacesStreamErrors(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/stream", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = io.WriteString(w, `{"schema_version":"v1","generated_at":"2026-02-13T00:00:00Z","error":{"code":"E_SESSION_INVALID","message":"no session selected"}}`)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	r, _, errOut := newTestRunner(srv)
	if code := r.Run(context.Background(), []string{"watch"}); code != 1 {
		t.Fatalf("expected exit 1, got %d", code)
	}
	if !strings.Contains(errOut.String(), "E_SESSION_INVALID") {
		t.Fatalf("expected error code in output, got: %s", errOut.String())
	}
}

func TestInitDryRunPlan(t *testing.T) {
	srv := httptest.NewServer(http.NewServeMux())
	defer srv.Close()

	home := t.TempDir()
	r, out, errOut := newTestRunner(srv)
	if code := r.Run(context.Background(), []string{"init", "--home", home, "--dry-run"}); code != 0 {
		t.Fatalf("expected exit 0, got %d stderr=%s", code, errOut.String())
	}
	if !strings.Contains(out.String(), "init dry-run:") {
		t.Fatalf("unexpected output: %s", out.String())
	}
	if !strings.Contains(out.String(), "policy.yaml") {
		t.Fatalf("expected policy path in plan: %s", out.String())
	}
}

func TestUnknownCommand(t *testing.T) {
	srv := httptest.NewServer(http.NewServeMux())
	defer srv.Close()

	r, _, errOut := newTestRunner(srv)
	if code := r.Run(context.Background(), []string{"reboot"}); code != 2 {
		t.Fatalf("expected exit 2, got %d", code)
	}
	if !strings.Contains(errOut.String(), "unknown command: reboot") {
		t.Fatalf("expected unknown command message, got: %s", errOut.String())
	}
	if !strings.Contains(errOut.String(), "usage: agexec") {
		t.Fatalf("expected usage, got: %s", errOut.String())
	}
}

func TestEventSummaryShapes(t *testing.T) {
	code := 7
	cases := []struct {
		item api.EventItem
		want string
	}{
		{api.EventItem{EventType: "stdout_chunk", Data: "abc", Truncated: true}, "3 bytes (truncated)"},
		{api.EventItem{EventType: "process_exited", ExitCode: &code}, "exit code 7"},
		{api.EventItem{EventType: "security_violation", Code: "COMMAND_DENIED", Message: "nope"}, "COMMAND_DENIED nope"},
		{api.EventItem{EventType: "workflow_error", Severity: "warning", Message: "approval required"}, "warning: approval required"},
		{api.EventItem{EventType: "sys_ready", Message: "session ready"}, "session ready"},
	}
	for _, tc := range cases {
		if got := eventSummary(tc.item); got != tc.want {
			t.Fatalf("summary=%q want=%q", got, tc.want)
		}
	}
}

func writeSSE(t *testing.T, w io.Writer, item api.EventItem) {
	t.Helper()
	payload, err := json.Marshal(item)
	if err != nil {
		t.Fatalf("marshal event: %v", err)
	}
	if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", item.EventType, payload); err != nil {
		t.Fatalf("write sse: %v", err)
	}
}
