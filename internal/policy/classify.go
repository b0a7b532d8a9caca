package policy

import (
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"
)

// DecisionKind orders outcomes by restrictiveness. Deny is the zero value,
// so an uninitialized Decision is the safest one.
type DecisionKind int

const (
	Deny DecisionKind = iota
	RequirePermission
	Allow
)

func (k DecisionKind) String() string {
	switch k {
	case Deny:
		return "deny"
	case RequirePermission:
		return "require_permission"
	case Allow:
		return "allow"
	default:
		return "unknown"
	}
}

// ParsedCommand is the tokenized form of one raw command line, immutable
// once produced. Program and Args go to the sandbox verbatim; no shell
// ever reinterprets them.
type ParsedCommand struct {
	Original string
	Program  string
	Args     []string
}

// Decision is the classification outcome. Command is nil when Kind is Deny.
type Decision struct {
	Kind    DecisionKind
	Command *ParsedCommand
	Reason  string
}

type Classifier struct {
	tables Tables
}

func NewClassifier(tables Tables) *Classifier {
	return &Classifier{tables: tables}
}

// Classify maps one raw command line to a decision. It is total and pure:
// no side effects, no errors, and for a fixed table set the same input
// always yields the same decision. The most restrictive applicable rule
// wins; deny beats require-permission beats allow.
func (c *Classifier) Classify(raw string) Decision {
	if strings.TrimSpace(raw) == "" {
		return deny("empty command")
	}
	if utf8.RuneCountInString(raw) > c.tables.MaxCommandLen {
		return deny(fmt.Sprintf("command exceeds %d characters", c.tables.MaxCommandLen))
	}
	if reason := substitutionReason(raw); reason != "" {
		return deny(reason)
	}
	tokens, err := tokenize(raw)
	if err != nil {
		var opErr *operatorError
		if errors.As(err, &opErr) {
			return deny("disallowed " + opErr.Error())
		}
		return deny(err.Error())
	}
	if len(tokens) == 0 || tokens[0] == "" {
		return deny("empty program")
	}
	cmd := &ParsedCommand{Original: raw, Program: tokens[0], Args: tokens[1:]}

	switch {
	case c.tables.DenyPrograms[cmd.Program]:
		return deny("deny-listed program: " + cmd.Program)
	case c.tables.PermissionPrograms[cmd.Program]:
		return requirePermission(cmd, "program requires approval: "+cmd.Program)
	case !c.tables.AllowPrograms[cmd.Program]:
		return requirePermission(cmd, "unlisted program: "+cmd.Program)
	}

	if reason := suspiciousArgReason(cmd.Args); reason != "" {
		return requirePermission(cmd, reason)
	}
	if reason := c.subcommandReason(cmd); reason != "" {
		return requirePermission(cmd, reason)
	}
	return Decision{Kind: Allow, Command: cmd}
}

func substitutionReason(raw string) string {
	switch {
	case strings.Contains(raw, "$("):
		return "command substitution is not allowed"
	case strings.Contains(raw, "${"):
		return "variable expansion is not allowed"
	case strings.Contains(raw, "`"):
		return "backtick substitution is not allowed"
	case strings.ContainsAny(raw, "\n\r\x00"):
		return "control characters are not allowed"
	}
	return ""
}

// suspiciousArgReason screens arguments of allow-listed programs; a hit
// downgrades the decision, never denies outright.
func suspiciousArgReason(args []string) string {
	for _, arg := range args {
		switch {
		case strings.Contains(arg, ".."):
			return "path traversal in argument: " + arg
		case strings.HasPrefix(arg, "~"):
			return "home-relative path in argument: " + arg
		case hasSystemPathPrefix(arg):
			return "system path in argument: " + arg
		}
	}
	return ""
}

func hasSystemPathPrefix(arg string) bool {
	for _, prefix := range []string{"/etc", "/proc", "/sys"} {
		if arg == prefix || strings.HasPrefix(arg, prefix+"/") {
			return true
		}
	}
	return false
}

func (c *Classifier) subcommandReason(cmd *ParsedCommand) string {
	var safe map[string]bool
	switch cmd.Program {
	case "npm":
		safe = c.tables.NpmSubcommands
	case "git":
		safe = c.tables.GitSubcommands
	default:
		return ""
	}
	if len(cmd.Args) == 0 {
		return cmd.Program + " without a subcommand requires approval"
	}
	if !safe[cmd.Args[0]] {
		return cmd.Program + " subcommand requires approval: " + cmd.Args[0]
	}
	return ""
}

func deny(reason string) Decision {
	return Decision{Kind: Deny, Reason: reason}
}

func requirePermission(cmd *ParsedCommand, reason string) Decision {
	return Decision{Kind: RequirePermission, Command: cmd, Reason: reason}
}
