package history

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/MarcoPoloResearchLab/revision/internal/diffpatch"
)

// Change is a human-readable summary of a Record.
type Change struct {
	Version          int64  `json:"version"`
	User             string `json:"user,omitempty"`
	Reason           string `json:"reason,omitempty"`
	ChangedAtSeconds int64  `json:"changed_at_s"`
	Comment          string `json:"comment"`
}

// Describe summarizes the top-level fields touched by a record.
func Describe(record Record) Change {
	change := Change{
		Version:          record.Version,
		ChangedAtSeconds: record.CreatedAtSeconds,
	}
	if record.User != nil {
		change.User = *record.User
	}
	if record.Reason != nil {
		change.Reason = *record.Reason
	}

	keys := make([]string, 0, len(record.Diff))
	for key := range record.Diff {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	parts := make([]string, 0, len(keys))
	for _, key := range keys {
		parts = append(parts, describeField(key, record.Diff[key]))
	}
	change.Comment = strings.Join(parts, ", ")
	return change
}

func describeField(key string, delta any) string {
	leaf, ok := delta.([]any)
	if !ok {
		return "modified " + key
	}
	switch {
	case len(leaf) == 1:
		return fmt.Sprintf("added %s", key)
	case len(leaf) == 2:
		return fmt.Sprintf("modified %s from %s to %s", key, formatValue(leaf[0]), formatValue(leaf[1]))
	case diffpatch.IsDeleted(leaf):
		return fmt.Sprintf("removed %s", key)
	default:
		return "modified " + key
	}
}

func formatValue(value any) string {
	encoded, err := json.Marshal(value)
	if err != nil {
		return fmt.Sprint(value)
	}
	return string(encoded)
}
