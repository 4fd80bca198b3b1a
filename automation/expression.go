package automation

import (
	"fmt"
	"log/slog"
	"regexp"
	"strings"
)

// Conditions of kind "expression" use a deliberately small grammar:
//
//	operand [== | !=] operand
//
// where an operand is an action lookup ({{actions.<id>.status}} or
// {{actions.<id>.output.<field>}}), a quoted or bare string literal, or the
// keyword null. Anything outside the grammar evaluates to true with a
// warning so a misconfigured rule degrades to running its action instead of
// silently dropping it.

var lookupPattern = regexp.MustCompile(`^\{\{\s*actions\.([^.}\s]+)\.(status|output\.[^}\s]+)\s*\}\}$`)

type operand struct {
	value  string
	isNull bool
}

// evalExpression evaluates a condition expression against prior results.
func evalExpression(expr string, byID map[string]*ActionResult) bool {
	trimmed := strings.TrimSpace(expr)
	if trimmed == "" {
		return true
	}

	op, lhs, rhs, ok := splitComparison(trimmed)
	if !ok {
		// Bare operand: truthy when present and non-empty.
		operand, err := resolveOperand(trimmed, byID)
		if err != nil {
			slog.Warn("unevaluable condition expression, defaulting to run", "expression", expr, "error", err)
			return true
		}
		return !operand.isNull && operand.value != ""
	}

	left, err := resolveOperand(lhs, byID)
	if err != nil {
		slog.Warn("unevaluable condition expression, defaulting to run", "expression", expr, "error", err)
		return true
	}
	right, err := resolveOperand(rhs, byID)
	if err != nil {
		slog.Warn("unevaluable condition expression, defaulting to run", "expression", expr, "error", err)
		return true
	}

	equal := left.isNull == right.isNull && left.value == right.value
	if op == "==" {
		return equal
	}
	return !equal
}

func splitComparison(expr string) (op, lhs, rhs string, ok bool) {
	for _, candidate := range []string{"!=", "=="} {
		if idx := strings.Index(expr, candidate); idx >= 0 {
			return candidate, strings.TrimSpace(expr[:idx]), strings.TrimSpace(expr[idx+len(candidate):]), true
		}
	}
	return "", "", "", false
}

func resolveOperand(raw string, byID map[string]*ActionResult) (operand, error) {
	if raw == "null" {
		return operand{isNull: true}, nil
	}
	if len(raw) >= 2 && (raw[0] == '\'' || raw[0] == '"') && raw[len(raw)-1] == raw[0] {
		return operand{value: raw[1 : len(raw)-1]}, nil
	}
	if m := lookupPattern.FindStringSubmatch(raw); m != nil {
		return lookupAction(m[1], m[2], byID)
	}
	if strings.Contains(raw, "{{") {
		return operand{}, fmt.Errorf("unsupported lookup %q", raw)
	}
	// Bare literal.
	return operand{value: raw}, nil
}

func lookupAction(actionID, path string, byID map[string]*ActionResult) (operand, error) {
	result, ok := byID[actionID]
	if !ok {
		return operand{isNull: true}, nil
	}
	if path == "status" {
		return operand{value: result.Status}, nil
	}
	field := strings.TrimPrefix(path, "output.")
	if result.Output == nil {
		return operand{isNull: true}, nil
	}
	v, ok := result.Output[field]
	if !ok || v == nil {
		return operand{isNull: true}, nil
	}
	return operand{value: fmt.Sprintf("%v", v)}, nil
}
