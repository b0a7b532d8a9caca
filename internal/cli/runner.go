package cli

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/google/uuid"

	"github.com/g960059/agexec/internal/api"
	"github.com/g960059/agexec/internal/appclient"
	"github.com/g960059/agexec/internal/config"
	"github.com/g960059/agexec/internal/integration"
	"github.com/g960059/agexec/internal/model"
)

type Runner struct {
	client     *appclient.Client
	out        io.Writer
	errOut     io.Writer
	ownsSocket bool
}

func NewRunner(socketPath string, out, errOut io.Writer) *Runner {
	r := NewRunnerWithClient(appclient.New(socketPath), out, errOut)
	r.ownsSocket = true
	return r
}

func NewRunnerWithClient(client *appclient.Client, out, errOut io.Writer) *Runner {
	if out == nil {
		out = os.Stdout
	}
	if errOut == nil {
		errOut = os.Stderr
	}
	return &Runner{
		client: client,
		out:    out,
		errOut: errOut,
	}
}

func (r *Runner) Run(ctx context.Context, args []string) int {
	socketPath, rest, err := parseGlobalArgs(args)
	if err != nil {
		_, _ = fmt.Fprintf(r.errOut, "error: %v\n", err)
		return 2
	}
	if socketPath != "" && r.ownsSocket {
		r.client = appclient.New(socketPath)
	}
	if len(rest) == 0 {
		r.printUsage()
		return 2
	}
	switch rest[0] {
	case "exec":
		return r.runExec(ctx, rest[1:])
	case "grant":
		return r.runDecision(ctx, "grant", rest[1:])
	case "deny":
		return r.runDecision(ctx, "deny", rest[1:])
	case "cancel":
		return r.runCancel(ctx, rest[1:])
	case "events":
		return r.runEvents(ctx, rest[1:])
	case "watch":
		return r.runWatch(ctx, rest[1:])
	case "session":
		return r.runSession(ctx, rest[1:])
	case "status":
		return r.runStatus(ctx, rest[1:])
	case "init":
		return r.runInit(rest[1:])
	case "doctor":
		return r.runDoctor(socketPath, rest[1:])
	case "help":
		r.printUsage()
		return 0
	default:
		_, _ = fmt.Fprintf(r.errOut, "unknown command: %s\n", rest[0])
		r.printUsage()
		return 2
	}
}

func parseGlobalArgs(args []string) (string, []string, error) {
	socket := config.DefaultConfig().SocketPath
	rest := make([]string, 0, len(args))
	for i := 0; i < len(args); i++ {
		if args[i] == "--socket" {
			if i+1 >= len(args) {
				return "", nil, fmt.Errorf("--socket requires value")
			}
			socket = args[i+1]
			i++
			continue
		}
		rest = append(rest, args[i])
	}
	return socket, rest, nil
}

func (r *Runner) runExec(ctx context.Context, args []string) int {
	fs := flag.NewFlagSet("exec", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	session := fs.String("session", "", "session id (defaults to the daemon's latest)")
	correlation := fs.String("correlation", "", "correlation id (defaults to a new uuid)")
	follow := fs.Bool("follow", false, "stream this command's events until it finishes")
	jsonOut := fs.Bool("json", false, "output JSON")
	if err := fs.Parse(args); err != nil {
		_, _ = fmt.Fprintf(r.errOut, "error: %v\n", err)
		return 2
	}
	command := strings.TrimSpace(strings.Join(fs.Args(), " "))
	if command == "" {
		_, _ = fmt.Fprintln(r.errOut, "usage: agexec exec [--session <id>] [--follow] '<command>'")
		return 2
	}
	sessionID, code := r.resolveSession(ctx, *session)
	if code != 0 {
		return code
	}
	correlationID := strings.TrimSpace(*correlation)
	if correlationID == "" {
		correlationID = uuid.NewString()
	}
	req := api.IntentRequest{
		Kind:          string(model.IntentExecuteCommand),
		SessionID:     sessionID,
		CorrelationID: correlationID,
		Command:       command,
	}
	if *follow {
		return r.execFollow(ctx, req)
	}
	resp, err := r.client.SendIntent(ctx, req)
	if err != nil {
		return r.handleErr(err)
	}
	if *jsonOut {
		return r.printJSON(resp)
	}
	_, _ = fmt.Fprintf(r.out, "accepted session=%s correlation=%s\n", resp.SessionID, resp.CorrelationID)
	return 0
}

var errFollowDone = errors.New("follow complete")

// execFollow subscribes before dispatching, so no event for the command
// can slip past between acceptance and the first stream read.
func (r *Runner) execFollow(ctx context.Context, req api.IntentRequest) int {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	ready := make(chan struct{})
	result := make(chan int, 1)
	streamErr := make(chan error, 1)

	go func() {
		streamErr <- r.client.Stream(ctx, appclient.StreamOptions{
			Session:   req.SessionID,
			OnConnect: func() { close(ready) },
		}, func(item api.EventItem) error {
			if item.CorrelationID != req.CorrelationID {
				return nil
			}
			return r.renderFollowEvent(item, result)
		})
	}()

	select {
	case <-ready:
	case err := <-streamErr:
		if err == nil {
			err = fmt.Errorf("stream closed before subscription")
		}
		return r.handleErr(err)
	case <-ctx.Done():
		return r.handleErr(ctx.Err())
	}

	if _, err := r.client.SendIntent(ctx, req); err != nil {
		return r.handleErr(err)
	}

	select {
	case code := <-result:
		cancel()
		<-streamErr
		return code
	case err := <-streamErr:
		if errors.Is(err, errFollowDone) {
			return <-result
		}
		if err != nil && !errors.Is(err, context.Canceled) {
			return r.handleErr(err)
		}
		_, _ = fmt.Fprintln(r.errOut, "stream closed before the command finished")
		return 1
	}
}

func (r *Runner) renderFollowEvent(item api.EventItem, result chan<- int) error {
	switch item.EventType {
	case string(model.EventProcessStarted):
		_, _ = fmt.Fprintf(r.errOut, "started pid=%d\n", item.PID)
	case string(model.EventStdoutChunk):
		_, _ = io.WriteString(r.out, item.Data)
		if item.Truncated {
			_, _ = fmt.Fprintln(r.errOut, "[stdout truncated]")
		}
	case string(model.EventStderrChunk):
		_, _ = io.WriteString(r.errOut, item.Data)
		if item.Truncated {
			_, _ = fmt.Fprintln(r.errOut, "[stderr truncated]")
		}
	case string(model.EventProcessExited):
		exitCode := 1
		if item.ExitCode != nil {
			exitCode = *item.ExitCode
		}
		_, _ = fmt.Fprintf(r.errOut, "exit code %d\n", exitCode)
		if exitCode < 0 || exitCode > 255 {
			exitCode = 1
		}
		result <- exitCode
		return errFollowDone
	case string(model.EventSecurityViolation):
		_, _ = fmt.Fprintf(r.errOut, "denied: %s (%s)\n", item.Message, item.Code)
		result <- 1
		return errFollowDone
	case string(model.EventPermissionRequested):
		_, _ = fmt.Fprintf(r.errOut, "approval required: %s\n", item.Message)
		_, _ = fmt.Fprintf(r.errOut, "grant with: agexec grant --request %s\n", item.RequestID)
		result <- 3
		return errFollowDone
	case string(model.EventWorkflowError):
		if item.Severity == string(model.SeverityFatal) {
			_, _ = fmt.Fprintf(r.errOut, "error: %s\n", item.Message)
			result <- 1
			return errFollowDone
		}
		_, _ = fmt.Fprintf(r.errOut, "warning: %s\n", item.Message)
	}
	return nil
}

func (r *Runner) runDecision(ctx context.Context, verb string, args []string) int {
	fs := flag.NewFlagSet(verb, flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	session := fs.String("session", "", "session id (defaults to the daemon's latest)")
	correlation := fs.String("correlation", "", "correlation id (defaults to a new uuid)")
	request := fs.String("request", "", "pending request id")
	jsonOut := fs.Bool("json", false, "output JSON")
	if err := fs.Parse(args); err != nil {
		_, _ = fmt.Fprintf(r.errOut, "error: %v\n", err)
		return 2
	}
	requestID := strings.TrimSpace(*request)
	if requestID == "" && fs.NArg() > 0 {
		requestID = strings.TrimSpace(fs.Arg(0))
	}
	if requestID == "" {
		_, _ = fmt.Fprintf(r.errOut, "usage: agexec %s --request <id>\n", verb)
		return 2
	}
	sessionID, code := r.resolveSession(ctx, *session)
	if code != 0 {
		return code
	}
	correlationID := strings.TrimSpace(*correlation)
	if correlationID == "" {
		correlationID = uuid.NewString()
	}
	kind := model.IntentGrantPermission
	if verb == "deny" {
		kind = model.IntentDenyPermission
	}
	resp, err := r.client.SendIntent(ctx, api.IntentRequest{
		Kind:          string(kind),
		SessionID:     sessionID,
		CorrelationID: correlationID,
		RequestID:     requestID,
	})
	if err != nil {
		return r.handleErr(err)
	}
	if *jsonOut {
		return r.printJSON(resp)
	}
	_, _ = fmt.Fprintf(r.out, "%s sent request=%s\n", verb, requestID)
	return 0
}

func (r *Runner) runCancel(ctx context.Context, args []string) int {
	fs := flag.NewFlagSet("cancel", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	session := fs.String("session", "", "session id (defaults to the daemon's latest)")
	correlation := fs.String("correlation", "", "correlation id of the running command")
	jsonOut := fs.Bool("json", false, "output JSON")
	if err := fs.Parse(args); err != nil {
		_, _ = fmt.Fprintf(r.errOut, "error: %v\n", err)
		return 2
	}
	correlationID := strings.TrimSpace(*correlation)
	if correlationID == "" && fs.NArg() > 0 {
		correlationID = strings.TrimSpace(fs.Arg(0))
	}
	if correlationID == "" {
		_, _ = fmt.Fprintln(r.errOut, "usage: agexec cancel --correlation <id>")
		return 2
	}
	sessionID, code := r.resolveSession(ctx, *session)
	if code != 0 {
		return code
	}
	resp, err := r.client.SendIntent(ctx, api.IntentRequest{
		Kind:          string(model.IntentCancel),
		SessionID:     sessionID,
		CorrelationID: correlationID,
	})
	if err != nil {
		return r.handleErr(err)
	}
	if *jsonOut {
		return r.printJSON(resp)
	}
	_, _ = fmt.Fprintf(r.out, "cancel sent correlation=%s\n", correlationID)
	return 0
}

func (r *Runner) runEvents(ctx context.Context, args []string) int {
	fs := flag.NewFlagSet("events", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	session := fs.String("session", "", "session id (defaults to the daemon's active session)")
	limit := fs.Int("limit", 0, "maximum number of events")
	jsonOut := fs.Bool("json", false, "output JSON")
	if err := fs.Parse(args); err != nil {
		_, _ = fmt.Fprintf(r.errOut, "error: %v\n", err)
		return 2
	}
	env, err := r.client.Events(ctx, *session, *limit)
	if err != nil {
		return r.handleErr(err)
	}
	if *jsonOut {
		return r.printJSON(env)
	}
	for _, item := range env.Events {
		_, _ = fmt.Fprintf(r.out, "%s\t%s\t%s\t%s\n", item.EventTime, item.EventType, item.CorrelationID, eventSummary(item))
	}
	return 0
}

func (r *Runner) runWatch(ctx context.Context, args []string) int {
	fs := flag.NewFlagSet("watch", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	session := fs.String("session", "", "only stream events for this session")
	jsonOut := fs.Bool("json", false, "output JSON lines")
	if err := fs.Parse(args); err != nil {
		_, _ = fmt.Fprintf(r.errOut, "error: %v\n", err)
		return 2
	}
	err := r.client.StreamLoop(ctx, appclient.StreamLoopOptions{Session: *session}, func(item api.EventItem) error {
		if *jsonOut {
			b, err := json.Marshal(item)
			if err != nil {
				return err
			}
			_, _ = fmt.Fprintln(r.out, string(b))
			return nil
		}
		_, _ = fmt.Fprintf(r.out, "%s\t%s\t%s\t%s\n", item.EventTime, item.EventType, item.CorrelationID, eventSummary(item))
		return nil
	})
	if err != nil && !errors.Is(err, context.Canceled) {
		return r.handleErr(err)
	}
	return 0
}

func (r *Runner) runSession(ctx context.Context, args []string) int {
	if len(args) == 0 {
		_, _ = fmt.Fprintln(r.errOut, "usage: agexec session <new|latest>")
		return 2
	}
	switch args[0] {
	case "new":
		fs := flag.NewFlagSet("session new", flag.ContinueOnError)
		fs.SetOutput(io.Discard)
		id := fs.String("id", "", "session id (defaults to a new uuid)")
		jsonOut := fs.Bool("json", false, "output JSON")
		if err := fs.Parse(args[1:]); err != nil {
			_, _ = fmt.Fprintf(r.errOut, "error: %v\n", err)
			return 2
		}
		sessionID := strings.TrimSpace(*id)
		if sessionID == "" {
			sessionID = uuid.NewString()
		}
		resp, err := r.client.CreateSession(ctx, sessionID)
		if err != nil {
			return r.handleErr(err)
		}
		if *jsonOut {
			return r.printJSON(resp)
		}
		_, _ = fmt.Fprintf(r.out, "session %s\n", resp.SessionID)
		return 0
	case "latest":
		fs := flag.NewFlagSet("session latest", flag.ContinueOnError)
		fs.SetOutput(io.Discard)
		jsonOut := fs.Bool("json", false, "output JSON")
		if err := fs.Parse(args[1:]); err != nil {
			_, _ = fmt.Fprintf(r.errOut, "error: %v\n", err)
			return 2
		}
		resp, err := r.client.LatestSession(ctx)
		if err != nil {
			return r.handleErr(err)
		}
		if *jsonOut {
			return r.printJSON(resp)
		}
		_, _ = fmt.Fprintln(r.out, resp.SessionID)
		return 0
	default:
		_, _ = fmt.Fprintf(r.errOut, "unknown session command: %s\n", args[0])
		return 2
	}
}

func (r *Runner) runStatus(ctx context.Context, args []string) int {
	fs := flag.NewFlagSet("status", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	jsonOut := fs.Bool("json", false, "output JSON")
	if err := fs.Parse(args); err != nil {
		_, _ = fmt.Fprintf(r.errOut, "error: %v\n", err)
		return 2
	}
	health, err := r.client.Health(ctx)
	if err != nil {
		return r.handleErr(err)
	}
	if *jsonOut {
		return r.printJSON(health)
	}
	_, _ = fmt.Fprintf(r.out, "status: %s\n", health.Status)
	if health.SessionID != "" {
		_, _ = fmt.Fprintf(r.out, "session: %s\n", health.SessionID)
	}
	_, _ = fmt.Fprintf(r.out, "pending approvals: %d\n", health.PendingApprovals)
	_, _ = fmt.Fprintf(r.out, "active processes: %d\n", health.ActiveProcesses)
	_, _ = fmt.Fprintf(r.out, "subscribers: %d\n", health.Subscribers)
	return 0
}

func (r *Runner) runInit(args []string) int {
	fs := flag.NewFlagSet("init", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	homeDir := fs.String("home", "", "home directory")
	force := fs.Bool("force", false, "replace an existing policy file, backing it up")
	dryRun := fs.Bool("dry-run", false, "print plan without writing files")
	jsonOut := fs.Bool("json", false, "output JSON")
	if err := fs.Parse(args); err != nil {
		_, _ = fmt.Fprintf(r.errOut, "error: %v\n", err)
		return 2
	}
	if fs.NArg() > 0 {
		_, _ = fmt.Fprintln(r.errOut, "usage: agexec init [--force] [--dry-run] [--json]")
		return 2
	}

	result, err := integration.Install(integration.InstallOptions{
		HomeDir: strings.TrimSpace(*homeDir),
		Force:   *force,
		DryRun:  *dryRun,
	})
	if err != nil {
		return r.handleErr(err)
	}
	if *jsonOut {
		return r.printJSON(result)
	}

	if result.DryRun {
		_, _ = fmt.Fprintln(r.out, "init dry-run:")
	} else {
		_, _ = fmt.Fprintln(r.out, "init complete:")
	}
	for _, path := range result.FilesWritten {
		_, _ = fmt.Fprintf(r.out, "  write %s\n", path)
	}
	for _, dir := range result.DirsCreated {
		_, _ = fmt.Fprintf(r.out, "  mkdir %s\n", dir)
	}
	for _, path := range result.Backups {
		_, _ = fmt.Fprintf(r.out, "  backup %s\n", path)
	}
	for _, warn := range result.Warnings {
		_, _ = fmt.Fprintf(r.out, "  warn: %s\n", warn)
	}
	return 0
}

func (r *Runner) runDoctor(socketPath string, args []string) int {
	fs := flag.NewFlagSet("doctor", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	jsonOut := fs.Bool("json", false, "output JSON")
	if err := fs.Parse(args); err != nil {
		_, _ = fmt.Fprintf(r.errOut, "error: %v\n", err)
		return 2
	}
	if fs.NArg() > 0 {
		_, _ = fmt.Fprintln(r.errOut, "usage: agexec doctor [--json]")
		return 2
	}

	cfg := config.DefaultConfig()
	if socketPath != "" {
		cfg.SocketPath = socketPath
	}
	result, err := integration.Doctor(integration.DoctorOptions{Config: cfg})
	if err != nil {
		return r.handleErr(err)
	}
	if *jsonOut {
		b, err := json.Marshal(result)
		if err != nil {
			return r.handleErr(err)
		}
		_, _ = r.out.Write(b)
		_, _ = fmt.Fprintln(r.out)
	} else {
		for _, check := range result.Checks {
			_, _ = fmt.Fprintf(r.out, "[%s] %s: %s", strings.ToUpper(check.Status), check.Name, check.Message)
			if check.Path != "" {
				_, _ = fmt.Fprintf(r.out, " (%s)", check.Path)
			}
			_, _ = fmt.Fprintln(r.out)
		}
		if result.OK {
			_, _ = fmt.Fprintln(r.out, "doctor: OK")
		} else {
			_, _ = fmt.Fprintln(r.out, "doctor: FAIL")
		}
	}
	if result.OK {
		return 0
	}
	return 1
}

func eventSummary(item api.EventItem) string {
	switch item.EventType {
	case string(model.EventProcessStarted):
		return fmt.Sprintf("pid %d %s", item.PID, item.Command)
	case string(model.EventStdoutChunk), string(model.EventStderrChunk):
		summary := fmt.Sprintf("%d bytes", len(item.Data))
		if item.Truncated {
			summary += " (truncated)"
		}
		return summary
	case string(model.EventProcessExited):
		if item.ExitCode != nil {
			return fmt.Sprintf("exit code %d", *item.ExitCode)
		}
		return "exited"
	case string(model.EventSecurityViolation):
		return fmt.Sprintf("%s %s", item.Code, item.Message)
	case string(model.EventPermissionRequested):
		return fmt.Sprintf("request %s %s", item.RequestID, item.Message)
	case string(model.EventWorkflowError):
		return fmt.Sprintf("%s: %s", item.Severity, item.Message)
	default:
		return item.Message
	}
}

func (r *Runner) resolveSession(ctx context.Context, flagValue string) (string, int) {
	sessionID := strings.TrimSpace(flagValue)
	if sessionID != "" {
		return sessionID, 0
	}
	resp, err := r.client.LatestSession(ctx)
	if err != nil {
		_, _ = fmt.Fprintf(r.errOut, "error: resolve session: %v\n", err)
		return "", 1
	}
	return resp.SessionID, 0
}

func (r *Runner) printJSON(v any) int {
	b, err := json.Marshal(v)
	if err != nil {
		return r.handleErr(err)
	}
	_, _ = r.out.Write(b)
	_, _ = fmt.Fprintln(r.out)
	return 0
}

func (r *Runner) handleErr(err error) int {
	_, _ = fmt.Fprintf(r.errOut, "error: %v\n", err)
	return 1
}

func (r *Runner) printUsage() {
	_, _ = fmt.Fprintln(r.errOut, "usage: agexec [--socket <path>] <exec|grant|deny|cancel|events|watch|session|status|init|doctor> ...")
}
