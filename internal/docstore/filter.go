package docstore

import (
	"fmt"
	"reflect"
	"strings"

	"github.com/MarcoPoloResearchLab/revision/internal/diffpatch"
	"github.com/tidwall/gjson"
)

const (
	filterEq     = "$eq"
	filterNe     = "$ne"
	filterIn     = "$in"
	filterExists = "$exists"
)

// Filter selects documents by field equality, $eq, $ne, $in and $exists.
// Arrays match an equality condition when any element does.
type Filter map[string]any

type fieldCondition struct {
	path     string
	operator string
	operand  any
}

type compiledFilter struct {
	conditions []fieldCondition
	identity   string
}

func compileFilter(filter map[string]any) (compiledFilter, error) {
	var compiled compiledFilter
	for path, raw := range filter {
		if err := ValidatePath(path); err != nil || strings.HasPrefix(path, "$") {
			return compiledFilter{}, fmt.Errorf("%w: field %q", ErrInvalidFilter, path)
		}
		operators, isOperatorMap := operatorMap(raw)
		if !isOperatorMap {
			normalized, err := diffpatch.Normalize(raw)
			if err != nil {
				return compiledFilter{}, fmt.Errorf("%w: %v", ErrInvalidFilter, err)
			}
			if path == IDField {
				normalized = storedIdentity(normalized)
			}
			compiled.conditions = append(compiled.conditions, fieldCondition{path: path, operator: filterEq, operand: normalized})
			if identity, ok := normalized.(string); ok && path == IDField {
				compiled.identity = identity
			}
			continue
		}
		for operator, operand := range operators {
			condition, err := compileOperator(path, operator, operand)
			if err != nil {
				return compiledFilter{}, err
			}
			compiled.conditions = append(compiled.conditions, condition)
		}
	}
	return compiled, nil
}

// storedIdentity converts a scalar identity operand to the string form Save
// stores, so {"_id": 5} matches a document saved with _id 5.
func storedIdentity(value any) any {
	switch value.(type) {
	case string, float64, int, int64:
		return Document{IDField: value}.ID()
	default:
		return value
	}
}

func operatorMap(raw any) (map[string]any, bool) {
	object, ok := asObject(raw)
	if !ok || len(object) == 0 {
		return nil, false
	}
	for key := range object {
		if !strings.HasPrefix(key, "$") {
			return nil, false
		}
	}
	return object, true
}

func compileOperator(path, operator string, operand any) (fieldCondition, error) {
	switch operator {
	case filterEq, filterNe:
		normalized, err := diffpatch.Normalize(operand)
		if err != nil {
			return fieldCondition{}, fmt.Errorf("%w: %v", ErrInvalidFilter, err)
		}
		if path == IDField {
			normalized = storedIdentity(normalized)
		}
		return fieldCondition{path: path, operator: operator, operand: normalized}, nil
	case filterIn:
		normalized, err := diffpatch.Normalize(operand)
		if err != nil {
			return fieldCondition{}, fmt.Errorf("%w: %v", ErrInvalidFilter, err)
		}
		candidates, ok := normalized.([]any)
		if !ok {
			return fieldCondition{}, fmt.Errorf("%w: %s on %q expects a list", ErrInvalidFilter, operator, path)
		}
		if path == IDField {
			for index, candidate := range candidates {
				candidates[index] = storedIdentity(candidate)
			}
		}
		return fieldCondition{path: path, operator: operator, operand: normalized}, nil
	case filterExists:
		flag, ok := operand.(bool)
		if !ok {
			return fieldCondition{}, fmt.Errorf("%w: %s on %q expects a boolean", ErrInvalidFilter, operator, path)
		}
		return fieldCondition{path: path, operator: operator, operand: flag}, nil
	default:
		return fieldCondition{}, fmt.Errorf("%w: unsupported operator %q", ErrInvalidFilter, operator)
	}
}

func (f compiledFilter) matches(body []byte) bool {
	for _, condition := range f.conditions {
		if !condition.matches(gjson.GetBytes(body, condition.path)) {
			return false
		}
	}
	return true
}

func (c fieldCondition) matches(result gjson.Result) bool {
	switch c.operator {
	case filterEq:
		return valueEquals(result, c.operand)
	case filterNe:
		return !valueEquals(result, c.operand)
	case filterIn:
		for _, candidate := range c.operand.([]any) {
			if valueEquals(result, candidate) {
				return true
			}
		}
		return false
	case filterExists:
		return result.Exists() == c.operand.(bool)
	default:
		return false
	}
}

func valueEquals(result gjson.Result, expected any) bool {
	if !result.Exists() {
		return expected == nil
	}
	actual := result.Value()
	if reflect.DeepEqual(actual, expected) {
		return true
	}
	if elements, ok := actual.([]any); ok {
		if _, expectedIsList := expected.([]any); !expectedIsList {
			for _, element := range elements {
				if reflect.DeepEqual(element, expected) {
					return true
				}
			}
		}
	}
	return false
}
