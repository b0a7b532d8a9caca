package sandbox_test

import (
	"os/exec"
	"strings"
	"testing"
	"time"

	"github.com/g960059/agexec/internal/model"
	"github.com/g960059/agexec/internal/sandbox"
)

func requireTool(t *testing.T, name string) {
	t.Helper()
	if _, err := exec.LookPath(name); err != nil {
		t.Skipf("%s not found in PATH", name)
	}
}

func header(correlation string) model.Header {
	return model.Header{SessionID: "s1", CorrelationID: correlation}
}

func nextEvent(t *testing.T, events <-chan model.RuntimeEvent, timeout time.Duration) model.RuntimeEvent {
	t.Helper()
	select {
	case ev, ok := <-events:
		if !ok {
			t.Fatalf("event channel closed early")
		}
		return ev
	case <-time.After(timeout):
		t.Fatalf("timed out waiting for event")
	}
	return model.RuntimeEvent{}
}

func collectUntilExit(t *testing.T, events <-chan model.RuntimeEvent, timeout time.Duration) []model.RuntimeEvent {
	t.Helper()
	var out []model.RuntimeEvent
	deadline := time.After(timeout)
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				t.Fatalf("event channel closed before exit event")
			}
			out = append(out, ev)
			if ev.Kind == model.EventProcessExited {
				return out
			}
		case <-deadline:
			t.Fatalf("timed out before exit event, got %d events", len(out))
		}
	}
}

func TestExecuteLifecycleOrdering(t *testing.T) {
	requireTool(t, "echo")
	r := sandbox.New(sandbox.Options{})
	defer r.Close()

	r.Execute(header("c1"), "echo", []string{"hello"})
	got := collectUntilExit(t, r.Events(), 5*time.Second)

	if got[0].Kind != model.EventProcessStarted {
		t.Fatalf("first event=%s want=%s", got[0].Kind, model.EventProcessStarted)
	}
	if got[0].PID <= 0 {
		t.Fatalf("started pid=%d want>0", got[0].PID)
	}
	if got[0].Command != "echo hello" {
		t.Fatalf("started command=%q", got[0].Command)
	}
	last := got[len(got)-1]
	if last.Kind != model.EventProcessExited || last.ExitCode != 0 {
		t.Fatalf("last event=%s code=%d", last.Kind, last.ExitCode)
	}

	var stdout strings.Builder
	for _, ev := range got[1 : len(got)-1] {
		if ev.Kind != model.EventStdoutChunk && ev.Kind != model.EventStderrChunk {
			t.Fatalf("unexpected middle event %s", ev.Kind)
		}
		if ev.Kind == model.EventStdoutChunk {
			stdout.WriteString(ev.Data)
		}
	}
	if stdout.String() != "hello\n" {
		t.Fatalf("stdout=%q want=%q", stdout.String(), "hello\n")
	}
	for _, ev := range got {
		if ev.Header.SessionID != "s1" || ev.Header.CorrelationID != "c1" {
			t.Fatalf("header not preserved: %+v", ev.Header)
		}
		if ev.Header.Timestamp.IsZero() {
			t.Fatalf("event %s missing timestamp", ev.Kind)
		}
	}
}

func TestExecuteNonZeroExit(t *testing.T) {
	requireTool(t, "false")
	r := sandbox.New(sandbox.Options{})
	defer r.Close()

	r.Execute(header("c1"), "false", nil)
	got := collectUntilExit(t, r.Events(), 5*time.Second)
	last := got[len(got)-1]
	if last.ExitCode != 1 {
		t.Fatalf("exit code=%d want=1", last.ExitCode)
	}
}

func TestExecuteSpawnFailureEmitsFatal(t *testing.T) {
	r := sandbox.New(sandbox.Options{})

	r.Execute(header("c1"), "agexec-no-such-binary-5f21", nil)
	ev := nextEvent(t, r.Events(), 5*time.Second)
	if ev.Kind != model.EventWorkflowError {
		t.Fatalf("event=%s want=%s", ev.Kind, model.EventWorkflowError)
	}
	if ev.Severity != model.SeverityFatal {
		t.Fatalf("severity=%s want=%s", ev.Severity, model.SeverityFatal)
	}
	if !strings.Contains(ev.Message, "agexec-no-such-binary-5f21") {
		t.Fatalf("message=%q", ev.Message)
	}
	if n := r.ActiveCount(); n != 0 {
		t.Fatalf("active=%d want=0", n)
	}

	r.Close()
	for range r.Events() {
		t.Fatalf("unexpected trailing event")
	}
}

func TestStreamCapSingleTruncationMarker(t *testing.T) {
	requireTool(t, "head")
	r := sandbox.New(sandbox.Options{MaxStreamBytes: 8 * 1024})
	defer r.Close()

	r.Execute(header("c1"), "head", []string{"-c", "65536", "/dev/zero"})
	got := collectUntilExit(t, r.Events(), 10*time.Second)

	total := 0
	markers := 0
	for _, ev := range got {
		if ev.Kind != model.EventStdoutChunk {
			continue
		}
		total += len(ev.Data)
		if ev.Truncated {
			markers++
		}
	}
	if total > 8*1024 {
		t.Fatalf("forwarded %d bytes, cap is %d", total, 8*1024)
	}
	if markers != 1 {
		t.Fatalf("truncation markers=%d want=1", markers)
	}
	last := got[len(got)-1]
	if last.Kind != model.EventProcessExited {
		t.Fatalf("last event=%s", last.Kind)
	}
}

func TestTimeoutKillsProcess(t *testing.T) {
	requireTool(t, "sleep")
	r := sandbox.New(sandbox.Options{Timeout: 100 * time.Millisecond})
	defer r.Close()

	r.Execute(header("c1"), "sleep", []string{"30"})
	got := collectUntilExit(t, r.Events(), 10*time.Second)
	last := got[len(got)-1]
	if last.ExitCode >= 0 {
		t.Fatalf("exit code=%d want negative signal code", last.ExitCode)
	}
	if n := r.ActiveCount(); n != 0 {
		t.Fatalf("active=%d want=0", n)
	}
}

func TestCancelDeregistersImmediately(t *testing.T) {
	requireTool(t, "sleep")
	r := sandbox.New(sandbox.Options{})

	r.Execute(header("c1"), "sleep", []string{"30"})
	ev := nextEvent(t, r.Events(), 5*time.Second)
	if ev.Kind != model.EventProcessStarted {
		t.Fatalf("event=%s want=%s", ev.Kind, model.EventProcessStarted)
	}

	r.Cancel("c1")
	if n := r.ActiveCount(); n != 0 {
		t.Fatalf("active=%d want=0 right after cancel", n)
	}

	// The killed process's exit is swallowed, not reported.
	select {
	case ev, ok := <-r.Events():
		if ok {
			t.Fatalf("unexpected event after cancel: %s", ev.Kind)
		}
	case <-time.After(300 * time.Millisecond):
	}

	// Cancelling an unknown correlation id is a no-op.
	r.Cancel("c-unknown")
	r.Close()
}

func TestDuplicateCorrelationEmitsWarning(t *testing.T) {
	requireTool(t, "sleep")
	r := sandbox.New(sandbox.Options{})

	r.Execute(header("c1"), "sleep", []string{"30"})
	ev := nextEvent(t, r.Events(), 5*time.Second)
	if ev.Kind != model.EventProcessStarted {
		t.Fatalf("event=%s want=%s", ev.Kind, model.EventProcessStarted)
	}

	r.Execute(header("c1"), "sleep", []string{"30"})
	ev = nextEvent(t, r.Events(), 5*time.Second)
	if ev.Kind != model.EventWorkflowError || ev.Severity != model.SeverityWarning {
		t.Fatalf("event=%s severity=%s", ev.Kind, ev.Severity)
	}
	if !strings.Contains(ev.Message, "c1") {
		t.Fatalf("message=%q", ev.Message)
	}
	if !strings.Contains(ev.Message, "running for") {
		t.Fatalf("warning should report how long the first process has run: %q", ev.Message)
	}

	r.Cancel("c1")
	r.Close()
}

func TestExecuteScrubsEnvironment(t *testing.T) {
	requireTool(t, "env")
	t.Setenv("AGEXEC_FAKE_SECRET", "hunter2")
	t.Setenv("MY_API_TOKEN", "tok-123")

	r := sandbox.New(sandbox.Options{})
	defer r.Close()

	r.Execute(header("c1"), "env", nil)
	got := collectUntilExit(t, r.Events(), 5*time.Second)

	var stdout strings.Builder
	for _, ev := range got {
		if ev.Kind == model.EventStdoutChunk {
			stdout.WriteString(ev.Data)
		}
	}
	out := stdout.String()
	if strings.Contains(out, "hunter2") || strings.Contains(out, "tok-123") {
		t.Fatalf("sensitive values leaked into child environment")
	}
	if strings.Contains(out, "AGEXEC_FAKE_SECRET") || strings.Contains(out, "MY_API_TOKEN") {
		t.Fatalf("sensitive names leaked into child environment")
	}
	if !strings.Contains(out, "PATH=") {
		t.Fatalf("allow-listed PATH missing from child environment")
	}
}
