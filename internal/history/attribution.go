package history

import (
	"errors"
	"fmt"
	"strings"
)

// AttributionField names a piece of attribution a collection may require.
type AttributionField string

const (
	AttributionUser   AttributionField = "user"
	AttributionReason AttributionField = "reason"
)

// ErrUnknownAttribution indicates a required field outside {user, reason}.
var ErrUnknownAttribution = errors.New("history: unknown attribution field")

// Attribution is the actor and justification attached to a mutation.
type Attribution struct {
	User   string
	Reason string
}

func (a *Attribution) value(field AttributionField) string {
	if a == nil {
		return ""
	}
	switch field {
	case AttributionUser:
		return strings.TrimSpace(a.User)
	case AttributionReason:
		return strings.TrimSpace(a.Reason)
	default:
		return ""
	}
}

// AttributionSource describes where a call site carries attribution.
// Options wins over Fallback when both are present.
type AttributionSource struct {
	Options  *Attribution
	Fallback *Attribution
}

// Allows reports whether the source satisfies every required field. A source
// with neither carrier is allowed.
func Allows(required []AttributionField, source AttributionSource) bool {
	if source.Options == nil && source.Fallback == nil {
		return true
	}
	carrier := source.Options
	if carrier == nil {
		carrier = source.Fallback
	}
	for _, field := range required {
		if carrier.value(field) == "" {
			return false
		}
	}
	return true
}

// ParseRequired accepts a field name or a list of them.
func ParseRequired(raw any) ([]AttributionField, error) {
	var names []string
	switch typed := raw.(type) {
	case nil:
		return nil, nil
	case string:
		names = []string{typed}
	case []string:
		names = typed
	case []AttributionField:
		for _, field := range typed {
			names = append(names, string(field))
		}
	case []any:
		for _, item := range typed {
			name, ok := item.(string)
			if !ok {
				return nil, fmt.Errorf("%w: %v", ErrUnknownAttribution, item)
			}
			names = append(names, name)
		}
	default:
		return nil, fmt.Errorf("%w: expects string or list of strings, got %T", ErrUnknownAttribution, raw)
	}

	fields := make([]AttributionField, 0, len(names))
	for _, name := range names {
		field := AttributionField(strings.ToLower(strings.TrimSpace(name)))
		switch field {
		case AttributionUser, AttributionReason:
			fields = append(fields, field)
		default:
			return nil, fmt.Errorf("%w: %q", ErrUnknownAttribution, name)
		}
	}
	return fields, nil
}
