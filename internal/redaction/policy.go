// Package redaction trims structural deltas before they are persisted.
package redaction

import (
	"errors"
	"fmt"
	"reflect"
	"strings"

	"github.com/MarcoPoloResearchLab/revision/internal/diffpatch"
)

// ErrInvalidPolicy indicates a malformed omit or pick declaration.
var ErrInvalidPolicy = errors.New("redaction: invalid policy")

// ConfigError describes which declaration was rejected.
type ConfigError struct {
	Field  string
	Value  any
	Reason string
}

func (configError *ConfigError) Error() string {
	if configError.Reason != "" {
		return fmt.Sprintf("redaction: %s %s", configError.Field, configError.Reason)
	}
	return fmt.Sprintf("redaction: %s expects string or list of strings, instead got %T", configError.Field, configError.Value)
}

func (configError *ConfigError) Unwrap() error {
	return ErrInvalidPolicy
}

// ParseFieldList accepts a single dotted path or a list of them.
func ParseFieldList(field string, raw any) ([]string, error) {
	switch typed := raw.(type) {
	case nil:
		return nil, nil
	case string:
		return validatePaths(field, []string{typed})
	case []string:
		return validatePaths(field, typed)
	case []any:
		paths := make([]string, 0, len(typed))
		for _, item := range typed {
			path, ok := item.(string)
			if !ok {
				return nil, &ConfigError{Field: field, Value: raw}
			}
			paths = append(paths, path)
		}
		return validatePaths(field, paths)
	default:
		return nil, &ConfigError{Field: field, Value: raw}
	}
}

func validatePaths(field string, paths []string) ([]string, error) {
	cleaned := make([]string, 0, len(paths))
	for _, path := range paths {
		trimmed := strings.TrimSpace(path)
		if trimmed == "" {
			return nil, &ConfigError{Field: field, Value: path, Reason: "contains an empty path"}
		}
		for _, segment := range strings.Split(trimmed, ".") {
			if segment == "" {
				return nil, &ConfigError{Field: field, Value: path, Reason: fmt.Sprintf("contains malformed path %q", path)}
			}
		}
		cleaned = append(cleaned, trimmed)
	}
	return cleaned, nil
}

// Policy removes omitted paths and then keeps only picked paths.
// The zero Policy is the identity.
type Policy struct {
	omit [][]string
	pick [][]string
}

// NewPolicy validates omit and pick declarations and builds a Policy.
func NewPolicy(omit, pick any) (*Policy, error) {
	omitPaths, err := ParseFieldList("omit", omit)
	if err != nil {
		return nil, err
	}
	pickPaths, err := ParseFieldList("pick", pick)
	if err != nil {
		return nil, err
	}
	return &Policy{omit: splitPaths(omitPaths), pick: splitPaths(pickPaths)}, nil
}

func splitPaths(paths []string) [][]string {
	if len(paths) == 0 {
		return nil
	}
	split := make([][]string, 0, len(paths))
	for _, path := range paths {
		split = append(split, strings.Split(path, "."))
	}
	return split
}

// Omit returns the omitted paths in dotted form.
func (policy *Policy) Omit() []string {
	return joinPaths(policy.omitPaths())
}

// Pick returns the picked paths in dotted form.
func (policy *Policy) Pick() []string {
	return joinPaths(policy.pickPaths())
}

func (policy *Policy) omitPaths() [][]string {
	if policy == nil {
		return nil
	}
	return policy.omit
}

func (policy *Policy) pickPaths() [][]string {
	if policy == nil {
		return nil
	}
	return policy.pick
}

func joinPaths(paths [][]string) []string {
	joined := make([]string, 0, len(paths))
	for _, path := range paths {
		joined = append(joined, strings.Join(path, "."))
	}
	return joined
}

// Apply returns a redacted copy of patch, or nil when nothing survives.
func (policy *Policy) Apply(patch map[string]any) map[string]any {
	if len(patch) == 0 {
		return nil
	}
	redacted, _ := deepCopy(patch).(map[string]any)

	if omitPaths := policy.omitPaths(); len(omitPaths) > 0 {
		omitDeep(redacted, omitPaths)
		pruneEmpty(redacted)
	}
	if pickPaths := policy.pickPaths(); len(pickPaths) > 0 {
		redacted = pickFrom(redacted, pickPaths)
	}
	if isEmptyDelta(redacted) {
		return nil
	}
	return redacted
}

// omitDeep unsets every path relative to every object reachable from value,
// including objects recorded inside delta leaves.
func omitDeep(value any, paths [][]string) {
	switch typed := value.(type) {
	case map[string]any:
		for _, path := range paths {
			unsetPath(typed, path)
		}
		for _, child := range typed {
			omitDeep(child, paths)
		}
	case []any:
		for _, child := range typed {
			omitDeep(child, paths)
		}
	}
}

// unsetPath removes path from object. A segment that lands on a list applies
// the rest of the path to each object in it, which covers both delta leaves
// and recorded arrays.
func unsetPath(object map[string]any, path []string) {
	head := path[0]
	if len(path) == 1 {
		delete(object, head)
		return
	}
	switch child := object[head].(type) {
	case map[string]any:
		unsetPath(child, path[1:])
	case []any:
		for _, item := range child {
			if nested, ok := item.(map[string]any); ok {
				unsetPath(nested, path[1:])
			}
		}
	}
}

// pruneEmpty drops nested deltas left empty and modifications whose recorded
// values became equal.
func pruneEmpty(delta map[string]any) {
	for key, child := range delta {
		switch typed := child.(type) {
		case map[string]any:
			pruneEmpty(typed)
			if isEmptyDelta(typed) {
				delete(delta, key)
			}
		case []any:
			if len(typed) == 2 && reflect.DeepEqual(typed[0], typed[1]) {
				delete(delta, key)
			}
		}
	}
}

func isEmptyDelta(delta map[string]any) bool {
	if len(delta) == 0 {
		return true
	}
	if len(delta) == 1 && diffpatch.IsArrayDelta(delta) {
		return true
	}
	return false
}

func pickFrom(delta map[string]any, paths [][]string) map[string]any {
	picked := make(map[string]any)
	for _, path := range paths {
		value, found := lookupPath(delta, path)
		if !found {
			continue
		}
		assignPath(picked, delta, path, value)
	}
	return picked
}

func lookupPath(delta map[string]any, path []string) (any, bool) {
	current := delta
	for index, segment := range path {
		value, found := current[segment]
		if !found {
			return nil, false
		}
		if index == len(path)-1 {
			return value, true
		}
		nested, ok := value.(map[string]any)
		if !ok {
			return nil, false
		}
		current = nested
	}
	return nil, false
}

// assignPath copies value into target at path, keeping the array marker of
// every array delta crossed in source.
func assignPath(target, source map[string]any, path []string, value any) {
	current := target
	for _, segment := range path[:len(path)-1] {
		source, _ = source[segment].(map[string]any)
		nested, ok := current[segment].(map[string]any)
		if !ok {
			nested = make(map[string]any)
			if diffpatch.IsArrayDelta(source) {
				nested[diffpatch.ArrayMarkerKey] = diffpatch.ArrayMarkerValue
			}
			current[segment] = nested
		}
		current = nested
	}
	current[path[len(path)-1]] = value
}

func deepCopy(value any) any {
	switch typed := value.(type) {
	case map[string]any:
		copied := make(map[string]any, len(typed))
		for key, child := range typed {
			copied[key] = deepCopy(child)
		}
		return copied
	case []any:
		copied := make([]any, len(typed))
		for index, child := range typed {
			copied[index] = deepCopy(child)
		}
		return copied
	default:
		return value
	}
}
