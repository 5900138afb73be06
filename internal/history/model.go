package history

import (
	"errors"
	"fmt"
	"strings"

	"gorm.io/gorm"
)

const maxIdentifierLength = 190

var (
	// ErrInvalidEntityKey indicates that a collection name or document id is empty or exceeds storage bounds.
	ErrInvalidEntityKey = errors.New("history: invalid entity key")
	// ErrEmptyDiff indicates an attempt to persist a record without changes.
	ErrEmptyDiff = errors.New("history: diff is empty")
	// ErrNotFound indicates that an entity has no history records.
	ErrNotFound = errors.New("history: no records")
	// ErrInvalidQuery indicates malformed paging or version bounds.
	ErrInvalidQuery = errors.New("history: invalid query")
)

// Session is a caller-owned transaction handle. A nil Session means the
// store's own connection.
type Session = *gorm.DB

// EntityKey identifies a tracked document.
type EntityKey struct {
	Collection string
	ID         string
}

// NewEntityKey validates raw input and returns an EntityKey.
func NewEntityKey(collection, id string) (EntityKey, error) {
	trimmedCollection := strings.TrimSpace(collection)
	trimmedID := strings.TrimSpace(id)
	if trimmedCollection == "" {
		return EntityKey{}, fmt.Errorf("%w: empty collection", ErrInvalidEntityKey)
	}
	if trimmedID == "" {
		return EntityKey{}, fmt.Errorf("%w: empty id", ErrInvalidEntityKey)
	}
	if len(trimmedCollection) > maxIdentifierLength || len(trimmedID) > maxIdentifierLength {
		return EntityKey{}, fmt.Errorf("%w: exceeds %d characters", ErrInvalidEntityKey, maxIdentifierLength)
	}
	return EntityKey{Collection: trimmedCollection, ID: trimmedID}, nil
}

func (key EntityKey) String() string {
	return key.Collection + "/" + key.ID
}

// Diff is the structural delta stored with a record.
type Diff map[string]any

// Record is one immutable entry of an entity's change history.
type Record struct {
	ID               string  `gorm:"column:id;primaryKey;size:190;not null" json:"id"`
	CollectionName   string  `gorm:"column:collection_name;size:190;not null;index:idx_histories_entity_version,priority:1" json:"collection_name"`
	CollectionID     string  `gorm:"column:collection_id;size:190;not null;index:idx_histories_entity_version,priority:2" json:"collection_id"`
	Diff             Diff    `gorm:"column:diff;type:text;not null;serializer:json" json:"diff"`
	User             *string `gorm:"column:user;size:190" json:"user,omitempty"`
	Reason           *string `gorm:"column:reason;type:text" json:"reason,omitempty"`
	Version          int64   `gorm:"column:version;not null;index:idx_histories_entity_version,priority:3" json:"version"`
	CreatedAtSeconds int64   `gorm:"column:created_at_s;not null" json:"created_at_s"`
}

// TableName provides the explicit table binding for GORM.
func (Record) TableName() string {
	return "histories"
}

// Key returns the entity the record belongs to.
func (record Record) Key() EntityKey {
	return EntityKey{Collection: record.CollectionName, ID: record.CollectionID}
}

// Query narrows a history listing. Results are ordered by version.
type Query struct {
	Limit       int
	Offset      int
	FromVersion *int64
	ToVersion   *int64
	Descending  bool
}

func (query Query) validate() error {
	if query.Limit < 0 {
		return fmt.Errorf("%w: negative limit %d", ErrInvalidQuery, query.Limit)
	}
	if query.Offset < 0 {
		return fmt.Errorf("%w: negative offset %d", ErrInvalidQuery, query.Offset)
	}
	if query.FromVersion != nil && query.ToVersion != nil && *query.FromVersion > *query.ToVersion {
		return fmt.Errorf("%w: from version %d exceeds to version %d", ErrInvalidQuery, *query.FromVersion, *query.ToVersion)
	}
	return nil
}

// StringPointer returns nil for blank input so that absent attribution is
// stored as NULL.
func StringPointer(value string) *string {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return nil
	}
	return &trimmed
}
