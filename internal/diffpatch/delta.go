// Package diffpatch computes, applies and reverts structural deltas between
// JSON-compatible values.
//
// Deltas use the jsondiffpatch wire shape so that stored history stays
// readable by existing tooling:
//
//	added      [new]
//	modified   [old, new]
//	deleted    [old, 0, 0]
//	object     {"field": <delta>, ...}
//	array      {"_t": "a", "<newIndex>": <delta>, "_<oldIndex>": [old, 0, 0] | ["", newIndex, 3]}
package diffpatch

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
)

const (
	// ArrayMarkerKey marks an object delta as an array delta.
	ArrayMarkerKey = "_t"
	// ArrayMarkerValue is the value stored under ArrayMarkerKey.
	ArrayMarkerValue = "a"

	opDeleted = 0
	opMoved   = 3
)

var (
	// ErrUnsupportedValue indicates that an input cannot be represented as JSON.
	ErrUnsupportedValue = errors.New("diffpatch: value is not json encodable")
	// ErrInvalidDelta indicates that a delta does not match the value it is applied to.
	ErrInvalidDelta = errors.New("diffpatch: invalid delta")
)

// Normalize round-trips value through encoding/json so that every map is a
// map[string]any, every array a []any and every number a float64.
func Normalize(value any) (any, error) {
	encoded, err := json.Marshal(value)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnsupportedValue, err)
	}
	var decoded any
	if err := json.Unmarshal(encoded, &decoded); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnsupportedValue, err)
	}
	return decoded, nil
}

// IsArrayDelta reports whether delta describes changes to an array.
func IsArrayDelta(delta map[string]any) bool {
	marker, ok := delta[ArrayMarkerKey].(string)
	return ok && marker == ArrayMarkerValue
}

// IsDeleted reports whether leaf is a deletion entry.
func IsDeleted(leaf []any) bool {
	return len(leaf) == 3 && opcodeIs(leaf[2], opDeleted)
}

// IsMoved reports whether leaf is an array move entry.
func IsMoved(leaf []any) bool {
	return len(leaf) == 3 && opcodeIs(leaf[2], opMoved)
}

func opcodeIs(value any, opcode int) bool {
	parsed, ok := toInt(value)
	return ok && parsed == opcode
}

func toInt(value any) (int, bool) {
	switch typed := value.(type) {
	case int:
		return typed, true
	case int64:
		return int(typed), true
	case float64:
		if typed != math.Trunc(typed) {
			return 0, false
		}
		return int(typed), true
	case json.Number:
		parsed, err := typed.Int64()
		if err != nil {
			return 0, false
		}
		return int(parsed), true
	default:
		return 0, false
	}
}

func indexKey(index int) string {
	return strconv.Itoa(index)
}

func removedKey(index int) string {
	return "_" + strconv.Itoa(index)
}

func isContainer(value any) bool {
	switch value.(type) {
	case map[string]any, []any:
		return true
	default:
		return false
	}
}
