package docstore

import (
	"fmt"
	"sort"
	"strings"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

// OperatorKind names an update operator.
type OperatorKind string

const (
	// OperatorAssign groups plain top-level keys of an update; they behave as $set.
	OperatorAssign      OperatorKind = "assign"
	OperatorSet         OperatorKind = "$set"
	OperatorUnset       OperatorKind = "$unset"
	OperatorInc         OperatorKind = "$inc"
	OperatorPush        OperatorKind = "$push"
	OperatorSetOnInsert OperatorKind = "$setOnInsert"
)

func parseOperatorKind(raw string) (OperatorKind, bool) {
	switch kind := OperatorKind(raw); kind {
	case OperatorSet, OperatorUnset, OperatorInc, OperatorPush, OperatorSetOnInsert:
		return kind, true
	default:
		return "", false
	}
}

// Operator is one member of an update: a kind and the fields it touches.
type Operator struct {
	Kind   OperatorKind
	Fields map[string]any
}

// Update is an ordered list of operators.
type Update struct {
	Operators []Operator
}

// ParseUpdate converts a raw update document. Operator keys are applied in
// lexical order and plain keys are gathered into a trailing Assign operator.
func ParseUpdate(raw map[string]any) (Update, error) {
	if len(raw) == 0 {
		return Update{}, fmt.Errorf("%w: empty", ErrInvalidUpdate)
	}
	keys := make([]string, 0, len(raw))
	for key := range raw {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	var update Update
	assign := Operator{Kind: OperatorAssign, Fields: map[string]any{}}
	for _, key := range keys {
		value := raw[key]
		if !strings.HasPrefix(key, "$") {
			if err := ValidatePath(key); err != nil {
				return Update{}, fmt.Errorf("%w: %v", ErrInvalidUpdate, err)
			}
			assign.Fields[key] = value
			continue
		}
		kind, ok := parseOperatorKind(key)
		if !ok {
			return Update{}, fmt.Errorf("%w: unsupported operator %q", ErrInvalidUpdate, key)
		}
		operand, ok := asObject(value)
		if !ok {
			return Update{}, fmt.Errorf("%w: %s expects an object, got %T", ErrInvalidUpdate, key, value)
		}
		for field := range operand {
			if err := ValidatePath(field); err != nil {
				return Update{}, fmt.Errorf("%w: %s: %v", ErrInvalidUpdate, key, err)
			}
		}
		update.Operators = append(update.Operators, Operator{Kind: kind, Fields: operand})
	}
	if len(assign.Fields) > 0 {
		update.Operators = append(update.Operators, assign)
	}
	return update, nil
}

func asObject(value any) (map[string]any, bool) {
	switch typed := value.(type) {
	case map[string]any:
		return typed, true
	case Document:
		return map[string]any(typed), true
	default:
		return nil, false
	}
}

// Keys returns the sorted union of every field named by any operator.
func (u Update) Keys() []string {
	seen := make(map[string]struct{})
	keys := make([]string, 0)
	for _, operator := range u.Operators {
		for field := range operator.Fields {
			if _, ok := seen[field]; ok {
				continue
			}
			seen[field] = struct{}{}
			keys = append(keys, field)
		}
	}
	sort.Strings(keys)
	return keys
}

// IsEmpty reports whether the update names no field.
func (u Update) IsEmpty() bool {
	for _, operator := range u.Operators {
		if len(operator.Fields) > 0 {
			return false
		}
	}
	return true
}

// Restrict drops fields the schema does not allow.
func (u Update) Restrict(schema Schema) Update {
	restricted := Update{Operators: make([]Operator, 0, len(u.Operators))}
	for _, operator := range u.Operators {
		fields := make(map[string]any, len(operator.Fields))
		for field, value := range operator.Fields {
			if schema.Allows(field) {
				fields[field] = value
			}
		}
		if len(fields) > 0 {
			restricted.Operators = append(restricted.Operators, Operator{Kind: operator.Kind, Fields: fields})
		}
	}
	return restricted
}

func (u Update) touchesIdentity() bool {
	for _, operator := range u.Operators {
		if operator.Kind == OperatorSetOnInsert {
			continue
		}
		for field := range operator.Fields {
			if field == IDField || strings.HasPrefix(field, IDField+".") {
				return true
			}
		}
	}
	return false
}

// apply executes the operators against a JSON body. inserting enables
// $setOnInsert.
func (u Update) apply(body []byte, inserting bool) ([]byte, error) {
	var err error
	for _, operator := range u.Operators {
		for _, field := range sortedFields(operator.Fields) {
			value := operator.Fields[field]
			switch operator.Kind {
			case OperatorAssign, OperatorSet:
				body, err = sjson.SetBytes(body, field, value)
			case OperatorSetOnInsert:
				if inserting {
					body, err = sjson.SetBytes(body, field, value)
				}
			case OperatorUnset:
				body, err = sjson.DeleteBytes(body, field)
			case OperatorInc:
				body, err = incrementField(body, field, value)
			case OperatorPush:
				body, err = pushField(body, field, value)
			default:
				err = fmt.Errorf("%w: unsupported operator %q", ErrInvalidUpdate, operator.Kind)
			}
			if err != nil {
				return nil, fmt.Errorf("%s %s: %w", operator.Kind, field, err)
			}
		}
	}
	return body, nil
}

func incrementField(body []byte, field string, value any) ([]byte, error) {
	amount, ok := numberValue(value)
	if !ok {
		return nil, fmt.Errorf("%w: increment must be numeric, got %T", ErrInvalidUpdate, value)
	}
	current := gjson.GetBytes(body, field)
	if current.Exists() && current.Type != gjson.Number {
		return nil, fmt.Errorf("%w: cannot increment non-numeric value", ErrInvalidUpdate)
	}
	return sjson.SetBytes(body, field, current.Float()+amount)
}

func pushField(body []byte, field string, value any) ([]byte, error) {
	current := gjson.GetBytes(body, field)
	if !current.Exists() {
		return sjson.SetBytes(body, field, []any{value})
	}
	if !current.IsArray() {
		return nil, fmt.Errorf("%w: cannot push to non-array value", ErrInvalidUpdate)
	}
	return sjson.SetBytes(body, field+".-1", value)
}

func numberValue(value any) (float64, bool) {
	switch typed := value.(type) {
	case float64:
		return typed, true
	case float32:
		return float64(typed), true
	case int:
		return float64(typed), true
	case int32:
		return float64(typed), true
	case int64:
		return float64(typed), true
	default:
		return 0, false
	}
}

func sortedFields(fields map[string]any) []string {
	keys := make([]string, 0, len(fields))
	for key := range fields {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}
