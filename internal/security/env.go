package security

import "strings"

// envAllowList is the only set of variable names a sandboxed child may
// inherit from the daemon's own environment.
var envAllowList = map[string]struct{}{
	"PATH":      {},
	"HOME":      {},
	"USER":      {},
	"SHELL":     {},
	"LANG":      {},
	"LANGUAGE":  {},
	"LC_ALL":    {},
	"LC_CTYPE":  {},
	"TERM":      {},
	"COLORTERM": {},
	"TMPDIR":    {},
	"TMP":       {},
	"TEMP":      {},
}

// sensitiveNameParts screens names a second time; a match drops the
// variable even when its name is allow-listed.
var sensitiveNameParts = []string{"SECRET", "TOKEN", "PASSWORD", "KEY", "AUTH", "CREDENTIAL"}

// ScrubEnviron filters environ entries ("NAME=value" form, as returned by
// os.Environ) down to the allow-listed, non-sensitive subset.
func ScrubEnviron(environ []string) []string {
	out := make([]string, 0, len(envAllowList))
	for _, kv := range environ {
		name, _, ok := strings.Cut(kv, "=")
		if !ok {
			continue
		}
		if _, allowed := envAllowList[name]; !allowed {
			continue
		}
		if SensitiveEnvName(name) {
			continue
		}
		out = append(out, kv)
	}
	return out
}

func SensitiveEnvName(name string) bool {
	upper := strings.ToUpper(name)
	for _, part := range sensitiveNameParts {
		if strings.Contains(upper, part) {
			return true
		}
	}
	return false
}
