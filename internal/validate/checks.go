package validate

import (
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/xrash/smetrics"
)

// componentRef matches JSX-style component references: an opening tag whose
// name starts uppercase.
var componentRef = regexp.MustCompile(`<([A-Z][A-Za-z0-9_]*)`)

// ScopeCheck flags components referenced in the payload but absent from the
// capability manifest, with a closest-name suggestion.
type ScopeCheck struct{}

func (ScopeCheck) Category() string { return "scope-check" }

func (ScopeCheck) Check(in Input) ([]Notice, error) {
	declared := make(map[string]struct{}, len(in.Capabilities))
	for _, name := range in.Capabilities {
		name = strings.TrimSpace(name)
		if name != "" {
			declared[name] = struct{}{}
		}
	}

	seen := map[string]struct{}{}
	var unknown []string
	for _, m := range componentRef.FindAllStringSubmatch(in.Code, -1) {
		name := m[1]
		if _, ok := declared[name]; ok {
			continue
		}
		if _, dup := seen[name]; dup {
			continue
		}
		seen[name] = struct{}{}
		unknown = append(unknown, name)
	}
	sort.Strings(unknown)

	var notices []Notice
	for _, name := range unknown {
		msg := fmt.Sprintf("unknown component %q is not declared in the capability manifest", name)
		details := map[string]string{"identifier": name}
		if suggestion := closestName(name, in.Capabilities); suggestion != "" {
			msg += fmt.Sprintf(" (did you mean %q?)", suggestion)
			details["suggestion"] = suggestion
		}
		notices = append(notices, Notice{
			Severity: SeverityError,
			Category: "scope-check",
			Message:  msg,
			Details:  details,
		})
	}
	return notices, nil
}

// closestName prefers a case-insensitive substring match, then falls back to
// Jaro-Winkler similarity. A convenience, not a correctness guarantee.
func closestName(name string, available []string) string {
	lower := strings.ToLower(name)
	for _, cand := range available {
		cl := strings.ToLower(strings.TrimSpace(cand))
		if cl == "" {
			continue
		}
		if strings.Contains(cl, lower) || strings.Contains(lower, cl) {
			return strings.TrimSpace(cand)
		}
	}

	best := ""
	bestScore := 0.0
	for _, cand := range available {
		cand = strings.TrimSpace(cand)
		if cand == "" {
			continue
		}
		score := smetrics.JaroWinkler(lower, strings.ToLower(cand), 0.7, 4)
		if score > bestScore {
			best, bestScore = cand, score
		}
	}
	if bestScore < 0.75 {
		return ""
	}
	return best
}

const (
	sizeWarnBytes  = 64 * 1024
	sizeErrorBytes = 256 * 1024
)

// SizeCheck flags oversized payloads in two tiers by byte size.
type SizeCheck struct{}

func (SizeCheck) Category() string { return "size-check" }

func (SizeCheck) Check(in Input) ([]Notice, error) {
	size := len(in.Code)
	switch {
	case size > sizeErrorBytes:
		return []Notice{{
			Severity: SeverityError,
			Category: "size-check",
			Message:  fmt.Sprintf("payload is %d bytes, over the %d byte limit", size, sizeErrorBytes),
			Details:  map[string]string{"bytes": fmt.Sprintf("%d", size)},
		}}, nil
	case size > sizeWarnBytes:
		return []Notice{{
			Severity: SeverityWarning,
			Category: "size-check",
			Message:  fmt.Sprintf("payload is %d bytes, over the %d byte warning threshold", size, sizeWarnBytes),
			Details:  map[string]string{"bytes": fmt.Sprintf("%d", size)},
		}}, nil
	}
	return nil, nil
}

// SyntaxCheck is a cheap structural sanity pass: unbalanced brackets outside
// string literals and line comments.
type SyntaxCheck struct{}

func (SyntaxCheck) Category() string { return "syntax-check" }

func (SyntaxCheck) Check(in Input) ([]Notice, error) {
	var stack []byte
	pairs := map[byte]byte{')': '(', ']': '[', '}': '{'}

	code := in.Code
	line := 1
	for i := 0; i < len(code); i++ {
		c := code[i]
		switch c {
		case '\n':
			line++
		case '"', '\'', '`':
			i = skipString(code, i, c, &line)
		case '/':
			if i+1 < len(code) && code[i+1] == '/' {
				for i < len(code) && code[i] != '\n' {
					i++
				}
				if i < len(code) {
					line++
				}
			}
		case '(', '[', '{':
			stack = append(stack, c)
		case ')', ']', '}':
			if len(stack) == 0 || stack[len(stack)-1] != pairs[c] {
				return []Notice{{
					Severity: SeverityError,
					Category: "syntax-check",
					Message:  fmt.Sprintf("unmatched %q at line %d", string(c), line),
					Details:  map[string]string{"line": fmt.Sprintf("%d", line)},
				}}, nil
			}
			stack = stack[:len(stack)-1]
		}
	}
	if len(stack) > 0 {
		return []Notice{{
			Severity: SeverityError,
			Category: "syntax-check",
			Message:  fmt.Sprintf("unclosed %q at end of payload", string(stack[len(stack)-1])),
		}}, nil
	}
	return nil, nil
}

func skipString(code string, start int, quote byte, line *int) int {
	for i := start + 1; i < len(code); i++ {
		switch code[i] {
		case '\\':
			i++
		case '\n':
			if quote != '`' {
				// Unterminated single-line string; hand the position back and
				// let the bracket scan resume.
				*line++
				return i
			}
			*line++
		case quote:
			return i
		}
	}
	return len(code) - 1
}
