package automation

import (
	"fmt"
	"regexp"
	"strings"
)

// Placeholders usable inside action configs. Values come from the execution
// context; a missing value substitutes the empty string. Substitution is
// idempotent as long as substituted values carry no placeholders themselves.
var placeholderPattern = regexp.MustCompile(`\{\{\s*([a-zA-Z0-9_]+(?:\.[a-zA-Z0-9_-]+)*)\s*\}\}`)

// substituteConfig deep-copies an action config with every string value
// template-expanded. Non-string values pass through untouched.
func substituteConfig(config map[string]any, ec *Context, byID map[string]*ActionResult) map[string]any {
	if config == nil {
		return nil
	}
	out := make(map[string]any, len(config))
	for k, v := range config {
		out[k] = substituteValue(v, ec, byID)
	}
	return out
}

func substituteValue(v any, ec *Context, byID map[string]*ActionResult) any {
	switch t := v.(type) {
	case string:
		return SubstituteTemplate(t, ec, byID)
	case map[string]any:
		return substituteConfig(t, ec, byID)
	case []any:
		out := make([]any, len(t))
		for i, item := range t {
			out[i] = substituteValue(item, ec, byID)
		}
		return out
	default:
		return v
	}
}

// SubstituteTemplate expands the supported placeholders in one string.
func SubstituteTemplate(s string, ec *Context, byID map[string]*ActionResult) string {
	return placeholderPattern.ReplaceAllStringFunc(s, func(match string) string {
		key := strings.TrimSpace(strings.TrimSuffix(strings.TrimPrefix(match, "{{"), "}}"))
		return resolvePlaceholder(key, ec, byID)
	})
}

func resolvePlaceholder(key string, ec *Context, byID map[string]*ActionResult) string {
	if strings.HasPrefix(key, "actions.") {
		parts := strings.SplitN(key, ".", 4)
		// actions.<id>.output.<field>
		if len(parts) == 4 && parts[2] == "output" {
			if op, err := lookupAction(parts[1], "output."+parts[3], byID); err == nil && !op.isNull {
				return op.value
			}
		}
		if len(parts) == 3 && parts[2] == "status" {
			if op, err := lookupAction(parts[1], "status", byID); err == nil && !op.isNull {
				return op.value
			}
		}
		return ""
	}

	switch key {
	case "ruleId":
		return ec.RuleID
	case "ruleName":
		return ec.RuleName
	case "firstName":
		if ec.Guest != nil {
			return ec.Guest.FirstName
		}
	case "lastName":
		if ec.Guest != nil {
			return ec.Guest.LastName
		}
	case "roomNumber":
		if ec.Reservation != nil {
			return ec.Reservation.RoomNumber
		}
	case "arrivalDate":
		if ec.Reservation != nil {
			return ec.Reservation.ArrivalDate
		}
	case "departureDate":
		if ec.Reservation != nil {
			return ec.Reservation.DepartureDate
		}
	default:
		if ec.Event != nil {
			if v, ok := ec.Event[key]; ok && v != nil {
				return fmt.Sprintf("%v", v)
			}
		}
	}
	return ""
}
