package sandbox

import (
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/g960059/agexec/internal/model"
	"github.com/g960059/agexec/internal/security"
)

const (
	DefaultTimeout        = 10 * time.Minute
	DefaultMaxStreamBytes = 512 * 1024

	chunkSize          = 32 * 1024
	defaultEventBuffer = 256
)

type Options struct {
	Timeout        time.Duration
	MaxStreamBytes int
	EventBuffer    int
}

// Runner spawns approved commands directly, never through a shell, and
// reports everything that happens on a single FIFO event channel. Events
// for one correlation id always arrive as started, then output chunks,
// then exited.
type Runner struct {
	opts   Options
	events chan model.RuntimeEvent

	mu     sync.Mutex
	active map[string]*activeProcess
	closed bool

	wg sync.WaitGroup
}

type activeProcess struct {
	pgid      int
	cancelled bool
	startedAt time.Time
}

func New(opts Options) *Runner {
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	if opts.MaxStreamBytes <= 0 {
		opts.MaxStreamBytes = DefaultMaxStreamBytes
	}
	if opts.EventBuffer <= 0 {
		opts.EventBuffer = defaultEventBuffer
	}
	return &Runner{
		opts:   opts,
		events: make(chan model.RuntimeEvent, opts.EventBuffer),
		active: make(map[string]*activeProcess),
	}
}

func (r *Runner) Events() <-chan model.RuntimeEvent {
	return r.events
}

func (r *Runner) ActiveCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.active)
}

// Execute reserves the correlation id and spawns the process in the
// background. All outcomes, including spawn failure, are delivered on the
// event channel.
func (r *Runner) Execute(header model.Header, program string, args []string) {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	if cur, ok := r.active[header.CorrelationID]; ok {
		age := time.Since(cur.startedAt).Round(time.Millisecond)
		r.wg.Add(1)
		r.mu.Unlock()
		go func() {
			defer r.wg.Done()
			r.emit(model.RuntimeEvent{
				Kind:     model.EventWorkflowError,
				Header:   stamp(header),
				Severity: model.SeverityWarning,
				Message:  fmt.Sprintf("correlation %s already has an active process (running for %s)", header.CorrelationID, age),
			})
		}()
		return
	}
	proc := &activeProcess{startedAt: time.Now().UTC()}
	r.active[header.CorrelationID] = proc
	r.wg.Add(1)
	r.mu.Unlock()

	go r.run(header, program, args, proc)
}

// Cancel kills the whole process tree for the correlation id and drops the
// registration immediately. The eventual exit of the killed process is
// swallowed; cancelling an unknown correlation id is a no-op.
func (r *Runner) Cancel(correlationID string) {
	r.mu.Lock()
	proc, ok := r.active[correlationID]
	if !ok {
		r.mu.Unlock()
		return
	}
	delete(r.active, correlationID)
	proc.cancelled = true
	pgid := proc.pgid
	r.mu.Unlock()

	if pgid > 0 {
		killTree(pgid)
	}
}

// Close kills every active process, waits for in-flight goroutines to
// finish emitting, and closes the event channel.
func (r *Runner) Close() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	var pgids []int
	for id, proc := range r.active {
		proc.cancelled = true
		if proc.pgid > 0 {
			pgids = append(pgids, proc.pgid)
		}
		delete(r.active, id)
	}
	r.mu.Unlock()

	for _, pgid := range pgids {
		killTree(pgid)
	}
	r.wg.Wait()
	close(r.events)
}

func (r *Runner) run(header model.Header, program string, args []string, proc *activeProcess) {
	defer r.wg.Done()

	cmd := exec.Command(program, args...)
	cmd.Env = security.ScrubEnviron(os.Environ())
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		r.dropReservation(header.CorrelationID, proc)
		r.emitSpawnFailure(header, program, err)
		return
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		r.dropReservation(header.CorrelationID, proc)
		r.emitSpawnFailure(header, program, err)
		return
	}
	if err := cmd.Start(); err != nil {
		r.dropReservation(header.CorrelationID, proc)
		r.emitSpawnFailure(header, program, err)
		return
	}

	pid := cmd.Process.Pid

	r.mu.Lock()
	if proc.cancelled || r.closed {
		r.mu.Unlock()
		killTree(pid)
		cmd.Wait() //nolint:errcheck
		return
	}
	proc.pgid = pid
	r.mu.Unlock()

	r.emit(model.RuntimeEvent{
		Kind:    model.EventProcessStarted,
		Header:  stamp(header),
		PID:     int64(pid),
		Command: commandLine(program, args),
	})

	timer := time.AfterFunc(r.opts.Timeout, func() {
		killTree(pid)
	})
	defer timer.Stop()

	var pumps sync.WaitGroup
	pumps.Add(2)
	go func() {
		defer pumps.Done()
		r.pump(header, model.EventStdoutChunk, int64(pid), stdout)
	}()
	go func() {
		defer pumps.Done()
		r.pump(header, model.EventStderrChunk, int64(pid), stderr)
	}()
	pumps.Wait()
	waitErr := cmd.Wait()

	r.mu.Lock()
	late := proc.cancelled
	if !late {
		delete(r.active, header.CorrelationID)
	}
	r.mu.Unlock()
	if late {
		return
	}

	r.emit(model.RuntimeEvent{
		Kind:     model.EventProcessExited,
		Header:   stamp(header),
		PID:      int64(pid),
		ExitCode: exitCode(waitErr),
	})
}

// pump forwards one stream as chunk events until EOF. Once the per-stream
// cap is hit, exactly one chunk carries the truncation flag and all later
// bytes are drained without being forwarded, so the child never blocks on
// a full pipe.
func (r *Runner) pump(header model.Header, kind model.EventKind, pid int64, rd io.Reader) {
	remaining := r.opts.MaxStreamBytes
	truncated := false
	buf := make([]byte, chunkSize)
	for {
		n, err := rd.Read(buf)
		if n > 0 && !truncated {
			switch {
			case remaining == 0:
				r.emit(model.RuntimeEvent{
					Kind:      kind,
					Header:    stamp(header),
					PID:       pid,
					Truncated: true,
				})
				truncated = true
			case n > remaining:
				r.emit(model.RuntimeEvent{
					Kind:      kind,
					Header:    stamp(header),
					PID:       pid,
					Data:      string(buf[:remaining]),
					Truncated: true,
				})
				truncated = true
				remaining = 0
			default:
				r.emit(model.RuntimeEvent{
					Kind:   kind,
					Header: stamp(header),
					PID:    pid,
					Data:   string(buf[:n]),
				})
				remaining -= n
			}
		}
		if err != nil {
			return
		}
	}
}

func (r *Runner) dropReservation(correlationID string, proc *activeProcess) {
	r.mu.Lock()
	if cur, ok := r.active[correlationID]; ok && cur == proc {
		delete(r.active, correlationID)
	}
	r.mu.Unlock()
}

func (r *Runner) emitSpawnFailure(header model.Header, program string, err error) {
	r.emit(model.RuntimeEvent{
		Kind:     model.EventWorkflowError,
		Header:   stamp(header),
		Severity: model.SeverityFatal,
		Message:  fmt.Sprintf("spawn %s: %v", program, err),
	})
}

func (r *Runner) emit(ev model.RuntimeEvent) {
	r.events <- ev
}

func stamp(header model.Header) model.Header {
	header.Timestamp = time.Now().UTC()
	return header
}

func commandLine(program string, args []string) string {
	if len(args) == 0 {
		return program
	}
	return program + " " + strings.Join(args, " ")
}

// exitCode maps a Wait error to the exit event code: the real code for a
// normal exit, a negative signal number when the process was killed, -1
// for anything else.
func exitCode(err error) int {
	if err == nil {
		return 0
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		code := exitErr.ExitCode()
		if code >= 0 {
			return code
		}
		if ws, ok := exitErr.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
			return -int(ws.Signal())
		}
		return -1
	}
	return -1
}

func killTree(pgid int) {
	_ = syscall.Kill(-pgid, syscall.SIGKILL)
}
