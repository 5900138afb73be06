package diffpatch

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// Patch applies delta to a copy of value and returns the result.
func (engine *Engine) Patch(value, delta any) (any, error) {
	target, err := Normalize(value)
	if err != nil {
		return nil, err
	}
	if delta == nil {
		return target, nil
	}
	normalizedDelta, err := Normalize(delta)
	if err != nil {
		return nil, err
	}
	return patchValue(target, normalizedDelta)
}

// Unpatch reverts delta on a copy of value and returns the result.
func (engine *Engine) Unpatch(value, delta any) (any, error) {
	target, err := Normalize(value)
	if err != nil {
		return nil, err
	}
	if delta == nil {
		return target, nil
	}
	normalizedDelta, err := Normalize(delta)
	if err != nil {
		return nil, err
	}
	return unpatchValue(target, normalizedDelta)
}

func patchValue(value, delta any) (any, error) {
	switch typed := delta.(type) {
	case []any:
		switch {
		case len(typed) == 1:
			return typed[0], nil
		case len(typed) == 2:
			return typed[1], nil
		case IsDeleted(typed):
			return nil, nil
		}
		return nil, fmt.Errorf("%w: unexpected leaf of length %d", ErrInvalidDelta, len(typed))
	case map[string]any:
		if IsArrayDelta(typed) {
			array, ok := value.([]any)
			if !ok {
				return nil, fmt.Errorf("%w: array delta applied to %T", ErrInvalidDelta, value)
			}
			return patchArray(array, typed)
		}
		object, ok := value.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("%w: object delta applied to %T", ErrInvalidDelta, value)
		}
		return patchObject(object, typed)
	default:
		return nil, fmt.Errorf("%w: unexpected delta %T", ErrInvalidDelta, delta)
	}
}

func patchObject(object, delta map[string]any) (map[string]any, error) {
	for key, child := range delta {
		if leaf, ok := child.([]any); ok && IsDeleted(leaf) {
			delete(object, key)
			continue
		}
		patched, err := patchValue(object[key], child)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", key, err)
		}
		object[key] = patched
	}
	return object, nil
}

type arrayRemoval struct {
	index int
	leaf  []any
}

type arrayInsertion struct {
	index int
	value any
}

type arrayChange struct {
	index int
	delta any
}

type arrayDelta struct {
	removals      []arrayRemoval
	insertions    []arrayInsertion
	modifications []arrayChange
}

func splitArrayDelta(delta map[string]any) (arrayDelta, error) {
	var parts arrayDelta
	for key, child := range delta {
		if key == ArrayMarkerKey {
			continue
		}
		if strings.HasPrefix(key, "_") {
			index, err := strconv.Atoi(key[1:])
			if err != nil {
				return arrayDelta{}, fmt.Errorf("%w: array key %q", ErrInvalidDelta, key)
			}
			leaf, ok := child.([]any)
			if !ok || (!IsDeleted(leaf) && !IsMoved(leaf)) {
				return arrayDelta{}, fmt.Errorf("%w: array key %q must delete or move", ErrInvalidDelta, key)
			}
			parts.removals = append(parts.removals, arrayRemoval{index: index, leaf: leaf})
			continue
		}
		index, err := strconv.Atoi(key)
		if err != nil {
			return arrayDelta{}, fmt.Errorf("%w: array key %q", ErrInvalidDelta, key)
		}
		if leaf, ok := child.([]any); ok && len(leaf) == 1 {
			parts.insertions = append(parts.insertions, arrayInsertion{index: index, value: leaf[0]})
			continue
		}
		parts.modifications = append(parts.modifications, arrayChange{index: index, delta: child})
	}
	sort.Slice(parts.modifications, func(i, j int) bool {
		return parts.modifications[i].index < parts.modifications[j].index
	})
	return parts, nil
}

func patchArray(array []any, delta map[string]any) ([]any, error) {
	parts, err := splitArrayDelta(delta)
	if err != nil {
		return nil, err
	}

	sort.Slice(parts.removals, func(i, j int) bool {
		return parts.removals[i].index > parts.removals[j].index
	})
	insertions := parts.insertions
	for _, removal := range parts.removals {
		if removal.index < 0 || removal.index >= len(array) {
			return nil, fmt.Errorf("%w: remove index %d out of range", ErrInvalidDelta, removal.index)
		}
		removed := array[removal.index]
		array = append(array[:removal.index], array[removal.index+1:]...)
		if IsMoved(removal.leaf) {
			target, ok := toInt(removal.leaf[1])
			if !ok {
				return nil, fmt.Errorf("%w: move target %v", ErrInvalidDelta, removal.leaf[1])
			}
			insertions = append(insertions, arrayInsertion{index: target, value: removed})
		}
	}

	sort.SliceStable(insertions, func(i, j int) bool {
		return insertions[i].index < insertions[j].index
	})
	for _, insertion := range insertions {
		if insertion.index < 0 || insertion.index > len(array) {
			return nil, fmt.Errorf("%w: insert index %d out of range", ErrInvalidDelta, insertion.index)
		}
		array = append(array, nil)
		copy(array[insertion.index+1:], array[insertion.index:])
		array[insertion.index] = insertion.value
	}

	for _, change := range parts.modifications {
		if change.index < 0 || change.index >= len(array) {
			return nil, fmt.Errorf("%w: modify index %d out of range", ErrInvalidDelta, change.index)
		}
		patched, err := patchValue(array[change.index], change.delta)
		if err != nil {
			return nil, fmt.Errorf("[%d]: %w", change.index, err)
		}
		array[change.index] = patched
	}
	return array, nil
}

func unpatchValue(value, delta any) (any, error) {
	switch typed := delta.(type) {
	case []any:
		switch {
		case len(typed) == 1:
			return nil, nil
		case len(typed) == 2:
			return typed[0], nil
		case IsDeleted(typed):
			return typed[0], nil
		}
		return nil, fmt.Errorf("%w: unexpected leaf of length %d", ErrInvalidDelta, len(typed))
	case map[string]any:
		if IsArrayDelta(typed) {
			array, ok := value.([]any)
			if !ok {
				return nil, fmt.Errorf("%w: array delta reverted on %T", ErrInvalidDelta, value)
			}
			return unpatchArray(array, typed)
		}
		object, ok := value.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("%w: object delta reverted on %T", ErrInvalidDelta, value)
		}
		return unpatchObject(object, typed)
	default:
		return nil, fmt.Errorf("%w: unexpected delta %T", ErrInvalidDelta, delta)
	}
}

func unpatchObject(object, delta map[string]any) (map[string]any, error) {
	for key, child := range delta {
		if leaf, ok := child.([]any); ok && len(leaf) == 1 {
			delete(object, key)
			continue
		}
		restored, err := unpatchValue(object[key], child)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", key, err)
		}
		object[key] = restored
	}
	return object, nil
}

// unpatchArray rebuilds the original array: inserted positions and move
// targets are dropped, the untouched elements keep their relative order, and
// deleted and moved elements return to their original indexes.
func unpatchArray(array []any, delta map[string]any) ([]any, error) {
	parts, err := splitArrayDelta(delta)
	if err != nil {
		return nil, err
	}

	for _, change := range parts.modifications {
		if change.index < 0 || change.index >= len(array) {
			return nil, fmt.Errorf("%w: modify index %d out of range", ErrInvalidDelta, change.index)
		}
		restored, err := unpatchValue(array[change.index], change.delta)
		if err != nil {
			return nil, fmt.Errorf("[%d]: %w", change.index, err)
		}
		array[change.index] = restored
	}

	skipped := make(map[int]bool, len(parts.insertions)+len(parts.removals))
	for _, insertion := range parts.insertions {
		skipped[insertion.index] = true
	}
	deleted := make(map[int]any)
	movedFrom := make(map[int]int)
	for _, removal := range parts.removals {
		if IsDeleted(removal.leaf) {
			deleted[removal.index] = removal.leaf[0]
			continue
		}
		target, ok := toInt(removal.leaf[1])
		if !ok || target < 0 || target >= len(array) {
			return nil, fmt.Errorf("%w: move target %v", ErrInvalidDelta, removal.leaf[1])
		}
		movedFrom[removal.index] = target
		skipped[target] = true
	}

	retained := make([]any, 0, len(array))
	for index, item := range array {
		if !skipped[index] {
			retained = append(retained, item)
		}
	}

	original := make([]any, len(retained)+len(deleted)+len(movedFrom))
	next := 0
	for index := range original {
		if value, ok := deleted[index]; ok {
			original[index] = value
			continue
		}
		if target, ok := movedFrom[index]; ok {
			original[index] = array[target]
			continue
		}
		if next >= len(retained) {
			return nil, fmt.Errorf("%w: array delta does not fit %d elements", ErrInvalidDelta, len(array))
		}
		original[index] = retained[next]
		next++
	}
	if next != len(retained) {
		return nil, fmt.Errorf("%w: array delta does not fit %d elements", ErrInvalidDelta, len(array))
	}
	return original, nil
}
