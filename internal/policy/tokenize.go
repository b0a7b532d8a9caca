package policy

import (
	"errors"
	"fmt"
)

var errUnterminatedQuote = errors.New("unterminated quoting")

type operatorError struct {
	op rune
}

func (e *operatorError) Error() string {
	return fmt.Sprintf("shell operator %q", e.op)
}

// tokenize splits raw into argv tokens with shell-quoting semantics:
// double and single quotes group, a backslash escapes the next rune
// outside single quotes. Commands are executed without a shell, so any
// unquoted operator character can only be an injection attempt and fails
// the whole parse.
func tokenize(raw string) ([]string, error) {
	var tokens []string
	var cur []rune
	hasToken := false
	inSingle := false
	inDouble := false
	escaped := false

	flush := func() {
		if hasToken {
			tokens = append(tokens, string(cur))
			cur = cur[:0]
			hasToken = false
		}
	}

	for _, ch := range raw {
		if escaped {
			cur = append(cur, ch)
			hasToken = true
			escaped = false
			continue
		}
		switch {
		case ch == '\\' && !inSingle:
			escaped = true
		case ch == '\'' && !inDouble:
			inSingle = !inSingle
			hasToken = true
		case ch == '"' && !inSingle:
			inDouble = !inDouble
			hasToken = true
		case inSingle || inDouble:
			cur = append(cur, ch)
			hasToken = true
		case ch == '|' || ch == '&' || ch == ';' || ch == '<' || ch == '>':
			return nil, &operatorError{op: ch}
		case ch == ' ' || ch == '\t':
			flush()
		default:
			cur = append(cur, ch)
			hasToken = true
		}
	}
	if inSingle || inDouble || escaped {
		return nil, errUnterminatedQuote
	}
	flush()
	return tokens, nil
}
