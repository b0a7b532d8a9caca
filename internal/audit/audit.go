package audit

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

type Kind string

const (
	KindCommandDenied       Kind = "COMMAND_DENIED"
	KindPermissionRequested Kind = "PERMISSION_REQUESTED"
	KindPermissionGranted   Kind = "PERMISSION_GRANTED"
	KindPermissionDenied    Kind = "PERMISSION_DENIED"
	KindPermissionExpired   Kind = "PERMISSION_EXPIRED"
	KindRateLimited         Kind = "RATE_LIMITED"
)

// Entry is one security-relevant decision. Entries are append-only
// key=value lines, one per decision.
type Entry struct {
	Time          time.Time
	Kind          Kind
	SessionID     string
	CorrelationID string
	RequestID     string
	Command       string
	Reason        string
}

// Format renders the entry as a single log line:
// 2024-01-15T14:32:05Z COMMAND_DENIED session=s1 correlation=c1 cmd="rm -rf /" reason="deny-listed program: rm"
func (e *Entry) Format() string {
	var b strings.Builder
	b.WriteString(e.Time.UTC().Format(time.RFC3339))
	b.WriteString(" ")
	b.WriteString(string(e.Kind))
	b.WriteString(" session=")
	b.WriteString(e.SessionID)
	b.WriteString(" correlation=")
	b.WriteString(e.CorrelationID)
	writeOptionalField(&b, "request", e.RequestID)
	writeOptionalField(&b, "cmd", e.Command)
	writeOptionalField(&b, "reason", e.Reason)
	return b.String()
}

func writeOptionalField(b *strings.Builder, key, value string) {
	if value == "" {
		return
	}
	b.WriteString(" ")
	b.WriteString(key)
	b.WriteString("=")
	b.WriteString(fmt.Sprintf("%q", value))
}

// Recorder is the one-way sink consulted for security-relevant decisions.
// Implementations must never block the caller.
type Recorder interface {
	Record(e Entry)
}

// NopRecorder discards every entry.
type NopRecorder struct{}

func (NopRecorder) Record(Entry) {}

const sinkBufSize = 256

// Sink writes entries to a writer from a drain goroutine. Record is
// non-blocking: when the buffer is full the entry is dropped rather than
// stalling the orchestrator.
type Sink struct {
	mu      sync.RWMutex
	closed  bool
	entries chan Entry
	done    chan struct{}
	closer  io.Closer
}

func NewSink(w io.Writer) *Sink {
	s := &Sink{
		entries: make(chan Entry, sinkBufSize),
		done:    make(chan struct{}),
	}
	if c, ok := w.(io.Closer); ok {
		s.closer = c
	}
	go s.drain(w)
	return s
}

// OpenSink appends to the audit file at path, creating it 0600.
func OpenSink(path string) (*Sink, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("create audit dir: %w", err)
	}
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, fmt.Errorf("open audit log: %w", err)
	}
	return NewSink(f), nil
}

func (s *Sink) Record(e Entry) {
	if e.Time.IsZero() {
		e.Time = time.Now().UTC()
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return
	}
	select {
	case s.entries <- e:
	default:
	}
}

func (s *Sink) drain(w io.Writer) {
	defer close(s.done)
	for e := range s.entries {
		_, _ = fmt.Fprintln(w, e.Format())
	}
}

// Close stops the drain goroutine after flushing buffered entries.
func (s *Sink) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.mu.Unlock()
	close(s.entries)
	<-s.done
	if s.closer != nil {
		s.closer.Close() //nolint:errcheck
	}
}
