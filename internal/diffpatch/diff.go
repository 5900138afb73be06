package diffpatch

import (
	"encoding/json"
	"strconv"
)

// Differ computes deltas and applies them in either direction.
type Differ interface {
	Diff(before, after any) (any, error)
	Patch(value, delta any) (any, error)
	Unpatch(value, delta any) (any, error)
}

// ObjectHash derives a stable identity for an array element so that elements
// can be correlated between two versions of the same array.
type ObjectHash func(item any, index int) string

// DefaultObjectHash uses the element's own _id or id field and falls back to
// its position in the array.
func DefaultObjectHash(item any, index int) string {
	if object, ok := item.(map[string]any); ok {
		if identity, found := identityOf(object["_id"]); found {
			return "id:" + identity
		}
		if identity, found := identityOf(object["id"]); found {
			return "id:" + identity
		}
	}
	return "$$index:" + strconv.Itoa(index)
}

// identityOf treats absent and zero values as missing identities.
func identityOf(value any) (string, bool) {
	switch typed := value.(type) {
	case nil:
		return "", false
	case string:
		if typed == "" {
			return "", false
		}
	case bool:
		if !typed {
			return "", false
		}
	case float64:
		if typed == 0 {
			return "", false
		}
	}
	encoded, err := json.Marshal(value)
	if err != nil {
		return "", false
	}
	return string(encoded), true
}

// Option customizes an Engine.
type Option func(*Engine)

// WithObjectHash replaces the array element identity function.
func WithObjectHash(hash ObjectHash) Option {
	return func(engine *Engine) {
		if hash != nil {
			engine.objectHash = hash
		}
	}
}

// Engine is a stateless Differ. It is safe for concurrent use.
type Engine struct {
	objectHash ObjectHash
}

// New constructs an Engine.
func New(options ...Option) *Engine {
	engine := &Engine{objectHash: DefaultObjectHash}
	for _, option := range options {
		option(engine)
	}
	return engine
}

// Diff returns the delta transforming before into after, or nil when the two
// values are deeply equal.
func (engine *Engine) Diff(before, after any) (any, error) {
	left, err := Normalize(before)
	if err != nil {
		return nil, err
	}
	right, err := Normalize(after)
	if err != nil {
		return nil, err
	}
	return engine.diffValues(left, right), nil
}

func (engine *Engine) diffValues(left, right any) any {
	leftObject, leftIsObject := left.(map[string]any)
	rightObject, rightIsObject := right.(map[string]any)
	if leftIsObject && rightIsObject {
		return engine.diffObjects(leftObject, rightObject)
	}

	leftArray, leftIsArray := left.([]any)
	rightArray, rightIsArray := right.([]any)
	if leftIsArray && rightIsArray {
		return engine.diffArrays(leftArray, rightArray)
	}

	// same-typed containers were handled above, so this comparison cannot panic
	if left == right {
		return nil
	}
	return []any{left, right}
}

func (engine *Engine) diffObjects(left, right map[string]any) any {
	delta := make(map[string]any)
	for key, leftValue := range left {
		rightValue, present := right[key]
		if !present {
			delta[key] = []any{leftValue, opDeleted, opDeleted}
			continue
		}
		if child := engine.diffValues(leftValue, rightValue); child != nil {
			delta[key] = child
		}
	}
	for key, rightValue := range right {
		if _, present := left[key]; !present {
			delta[key] = []any{rightValue}
		}
	}
	if len(delta) == 0 {
		return nil
	}
	return delta
}

func (engine *Engine) diffArrays(left, right []any) any {
	items := newItemMatcher(engine.objectHash, left, right)
	delta := map[string]any{ArrayMarkerKey: ArrayMarkerValue}
	leftLength := len(left)
	rightLength := len(right)

	head := 0
	for head < leftLength && head < rightLength && items.match(head, head) {
		engine.addChild(delta, head, left[head], right[head])
		head++
	}

	tail := 0
	for head+tail < leftLength && head+tail < rightLength && items.match(leftLength-1-tail, rightLength-1-tail) {
		engine.addChild(delta, rightLength-1-tail, left[leftLength-1-tail], right[rightLength-1-tail])
		tail++
	}

	switch {
	case head+tail == leftLength:
		for index := head; index < rightLength-tail; index++ {
			delta[indexKey(index)] = []any{right[index]}
		}
	case head+tail == rightLength:
		for index := head; index < leftLength-tail; index++ {
			delta[removedKey(index)] = []any{left[index], opDeleted, opDeleted}
		}
	default:
		leftToRight, rightToLeft := items.longestCommonSubsequence(head, leftLength-tail, head, rightLength-tail)

		removed := make([]int, 0, leftLength-tail-head)
		for index := head; index < leftLength-tail; index++ {
			if _, kept := leftToRight[index]; kept {
				continue
			}
			delta[removedKey(index)] = []any{left[index], opDeleted, opDeleted}
			removed = append(removed, index)
		}

		for index := head; index < rightLength-tail; index++ {
			if leftIndex, kept := rightToLeft[index]; kept {
				engine.addChild(delta, index, left[leftIndex], right[index])
				continue
			}
			moved := false
			for position, leftIndex := range removed {
				if !items.match(leftIndex, index) {
					continue
				}
				delta[removedKey(leftIndex)] = []any{"", index, opMoved}
				engine.addChild(delta, index, left[leftIndex], right[index])
				removed = append(removed[:position], removed[position+1:]...)
				moved = true
				break
			}
			if !moved {
				delta[indexKey(index)] = []any{right[index]}
			}
		}
	}

	if len(delta) == 1 {
		return nil
	}
	return delta
}

func (engine *Engine) addChild(delta map[string]any, index int, left, right any) {
	if child := engine.diffValues(left, right); child != nil {
		delta[indexKey(index)] = child
	}
}

type itemMatcher struct {
	left        []any
	right       []any
	leftHashes  []string
	rightHashes []string
}

func newItemMatcher(hash ObjectHash, left, right []any) *itemMatcher {
	matcher := &itemMatcher{
		left:        left,
		right:       right,
		leftHashes:  make([]string, len(left)),
		rightHashes: make([]string, len(right)),
	}
	for index, item := range left {
		if isContainer(item) {
			matcher.leftHashes[index] = hash(item, index)
		}
	}
	for index, item := range right {
		if isContainer(item) {
			matcher.rightHashes[index] = hash(item, index)
		}
	}
	return matcher
}

func (matcher *itemMatcher) match(leftIndex, rightIndex int) bool {
	left := matcher.left[leftIndex]
	right := matcher.right[rightIndex]
	leftContainer := isContainer(left)
	rightContainer := isContainer(right)
	if !leftContainer && !rightContainer {
		return left == right
	}
	if leftContainer != rightContainer {
		return false
	}
	return matcher.leftHashes[leftIndex] == matcher.rightHashes[rightIndex]
}

// longestCommonSubsequence matches the half-open ranges of both arrays and
// returns the matched pairs keyed by absolute index in each direction.
func (matcher *itemMatcher) longestCommonSubsequence(leftStart, leftEnd, rightStart, rightEnd int) (map[int]int, map[int]int) {
	rows := leftEnd - leftStart
	columns := rightEnd - rightStart
	table := make([][]int, rows+1)
	for row := range table {
		table[row] = make([]int, columns+1)
	}
	for row := 1; row <= rows; row++ {
		for column := 1; column <= columns; column++ {
			if matcher.match(leftStart+row-1, rightStart+column-1) {
				table[row][column] = table[row-1][column-1] + 1
				continue
			}
			table[row][column] = max(table[row-1][column], table[row][column-1])
		}
	}

	leftToRight := make(map[int]int)
	rightToLeft := make(map[int]int)
	row, column := rows, columns
	for row > 0 && column > 0 {
		leftIndex := leftStart + row - 1
		rightIndex := rightStart + column - 1
		if matcher.match(leftIndex, rightIndex) {
			leftToRight[leftIndex] = rightIndex
			rightToLeft[rightIndex] = leftIndex
			row--
			column--
			continue
		}
		if table[row][column-1] > table[row-1][column] {
			column--
		} else {
			row--
		}
	}
	return leftToRight, rightToLeft
}
