// Package docstore is a small document store over a relational table. Each
// collection holds JSON documents keyed by their _id field.
package docstore

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/MarcoPoloResearchLab/revision/internal/history"
)

// IDField is the identity field of every document.
const IDField = "_id"

var (
	// ErrNotFound indicates that no document matched.
	ErrNotFound = errors.New("docstore: document not found")
	// ErrInvalidDocument indicates a document that cannot be stored.
	ErrInvalidDocument = errors.New("docstore: invalid document")
	// ErrInvalidFilter indicates a malformed filter.
	ErrInvalidFilter = errors.New("docstore: invalid filter")
	// ErrInvalidUpdate indicates a malformed update.
	ErrInvalidUpdate = errors.New("docstore: invalid update")
	// ErrInvalidPath indicates a field path that cannot be addressed.
	ErrInvalidPath = errors.New("docstore: invalid path")
)

// Document is a JSON object.
type Document map[string]any

// ID returns the document identity in string form, or "" when absent.
func (d Document) ID() string {
	switch value := d[IDField].(type) {
	case nil:
		return ""
	case string:
		return strings.TrimSpace(value)
	case float64:
		return strconv.FormatFloat(value, 'f', -1, 64)
	case int:
		return strconv.Itoa(value)
	case int64:
		return strconv.FormatInt(value, 10)
	default:
		return fmt.Sprint(value)
	}
}

// Clone returns a deep copy.
func (d Document) Clone() Document {
	if d == nil {
		return nil
	}
	cloned, _ := cloneValue(map[string]any(d)).(map[string]any)
	return Document(cloned)
}

func cloneValue(value any) any {
	switch typed := value.(type) {
	case Document:
		return cloneValue(map[string]any(typed))
	case map[string]any:
		copied := make(map[string]any, len(typed))
		for key, child := range typed {
			copied[key] = cloneValue(child)
		}
		return copied
	case []any:
		copied := make([]any, len(typed))
		for index, child := range typed {
			copied[index] = cloneValue(child)
		}
		return copied
	default:
		return value
	}
}

func encodeDocument(document Document) ([]byte, error) {
	if document == nil {
		return []byte("{}"), nil
	}
	encoded, err := json.Marshal(document)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidDocument, err)
	}
	return encoded, nil
}

func decodeDocument(body []byte) (Document, error) {
	var document Document
	if err := json.Unmarshal(body, &document); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidDocument, err)
	}
	if document == nil {
		document = Document{}
	}
	return document, nil
}

// Schema declares the fields of a collection. Strict collections drop
// undeclared fields.
type Schema struct {
	Fields []string
	Strict bool
}

// StrictFor resolves a per-call override against the schema default.
func (s Schema) StrictFor(override *bool) bool {
	if override != nil {
		return *override
	}
	return s.Strict
}

// Allows reports whether path is declared, lies under a declared path, or
// is a parent of one. The identity field is always allowed.
func (s Schema) Allows(path string) bool {
	if path == IDField {
		return true
	}
	for _, declared := range s.Fields {
		if path == declared || strings.HasPrefix(path, declared+".") || strings.HasPrefix(declared, path+".") {
			return true
		}
	}
	return false
}

// Paths returns the declared fields plus the identity field.
func (s Schema) Paths() []string {
	paths := make([]string, 0, len(s.Fields)+1)
	paths = append(paths, IDField)
	for _, field := range s.Fields {
		if field != IDField {
			paths = append(paths, field)
		}
	}
	return paths
}

// CallOptions carries attribution and an optional transaction for a call.
type CallOptions struct {
	User    string
	Reason  string
	Session history.Session
}

// UpdateOptions extends CallOptions for filter-based updates.
type UpdateOptions struct {
	CallOptions
	Upsert bool
	// Strict overrides the collection schema's strictness when set.
	Strict *bool
}

// UpdateResult reports the outcome of UpdateOne and UpdateMany.
type UpdateResult struct {
	Matched    int64
	Modified   int64
	UpsertedID string
}
