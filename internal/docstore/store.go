package docstore

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/revision/internal/history"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	defaultBatchSize = 100

	opStoreNew       = "docstore.store.new"
	opCollectionNew  = "docstore.collection.new"
	opFindByID       = "docstore.find_by_id"
	opFind           = "docstore.find"
	opSave           = "docstore.save"
	opUpdate         = "docstore.update"
	opDelete         = "docstore.delete"
	maxNameLength    = 190
	storeErrorPrefix = "docstore error"
)

var (
	errMissingDatabase = errors.New("database handle is required")
	noOpLogger         = zap.NewNop()
)

// StoredDocument is the table row backing a document.
type StoredDocument struct {
	Collection       string `gorm:"column:collection;primaryKey;size:190;not null"`
	DocumentID       string `gorm:"column:document_id;primaryKey;size:190;not null"`
	BodyJSON         string `gorm:"column:body_json;type:text;not null"`
	CreatedAtSeconds int64  `gorm:"column:created_at_s;not null"`
	UpdatedAtSeconds int64  `gorm:"column:updated_at_s;not null"`
}

// TableName provides the explicit table binding for GORM.
func (StoredDocument) TableName() string {
	return "documents"
}

// Repository is the document API a collection exposes. Tracked repositories
// wrap it to record history.
type Repository interface {
	Name() string
	Schema() Schema
	FindByID(ctx context.Context, id string, session history.Session) (Document, error)
	Find(ctx context.Context, filter map[string]any, session history.Session) (*Cursor, error)
	Save(ctx context.Context, document Document, options CallOptions) (Document, error)
	UpdateOne(ctx context.Context, filter map[string]any, update Update, options UpdateOptions) (UpdateResult, error)
	UpdateMany(ctx context.Context, filter map[string]any, update Update, options UpdateOptions) (UpdateResult, error)
	Delete(ctx context.Context, document Document, options CallOptions) error
}

type StoreConfig struct {
	Database   *gorm.DB
	Clock      func() time.Time
	IDProvider history.IDProvider
	Logger     *zap.Logger
	BatchSize  int
}

// Store owns the documents table and hands out collections.
type Store struct {
	db         *gorm.DB
	clock      func() time.Time
	idProvider history.IDProvider
	logger     *zap.Logger
	batchSize  int
}

func NewStore(cfg StoreConfig) (*Store, error) {
	if cfg.Database == nil {
		return nil, history.NewServiceError(opStoreNew, "missing_database", errMissingDatabase)
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	idProvider := cfg.IDProvider
	if idProvider == nil {
		idProvider = history.NewUUIDProvider()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	batchSize := cfg.BatchSize
	if batchSize <= 0 {
		batchSize = defaultBatchSize
	}
	return &Store{
		db:         cfg.Database,
		clock:      clock,
		idProvider: idProvider,
		logger:     logger,
		batchSize:  batchSize,
	}, nil
}

// Collection returns a handle for the named collection.
func (s *Store) Collection(name string, schema Schema) (*Collection, error) {
	trimmed := strings.TrimSpace(name)
	if trimmed == "" || len(trimmed) > maxNameLength {
		return nil, history.NewServiceError(opCollectionNew, "invalid_name", fmt.Errorf("%w: collection name %q", ErrInvalidDocument, name))
	}
	for _, field := range schema.Fields {
		if err := ValidatePath(field); err != nil {
			return nil, history.NewServiceError(opCollectionNew, "invalid_schema", err)
		}
	}
	return &Collection{store: s, name: trimmed, schema: schema}, nil
}

func (s *Store) handle(ctx context.Context, session history.Session) *gorm.DB {
	if session != nil {
		return session.WithContext(ctx)
	}
	return s.db.WithContext(ctx)
}

func (s *Store) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	s.logger.Error(storeErrorPrefix, attrs...)
}

// Collection is a Repository over one named collection.
type Collection struct {
	store  *Store
	name   string
	schema Schema
}

func (c *Collection) Name() string {
	return c.name
}

func (c *Collection) Schema() Schema {
	return c.schema
}

func (c *Collection) FindByID(ctx context.Context, id string, session history.Session) (Document, error) {
	var row StoredDocument
	err := c.store.handle(ctx, session).
		Where("collection = ? AND document_id = ?", c.name, id).
		Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		c.store.logError(opFindByID, "query_failed", err, c.fields(id)...)
		return nil, history.NewServiceError(opFindByID, "query_failed", err)
	}
	return decodeDocument([]byte(row.BodyJSON))
}

// Find returns a cursor over the documents matching filter, in id order.
func (c *Collection) Find(ctx context.Context, filter map[string]any, session history.Session) (*Cursor, error) {
	compiled, err := compileFilter(filter)
	if err != nil {
		return nil, history.NewServiceError(opFind, "invalid_filter", err)
	}
	return newCursor(c, compiled, session), nil
}

// Save inserts the document or replaces the stored copy. A missing _id is
// assigned.
func (c *Collection) Save(ctx context.Context, document Document, options CallOptions) (Document, error) {
	saved := document.Clone()
	if saved == nil {
		saved = Document{}
	}
	id := saved.ID()
	if id == "" {
		generated, err := c.store.idProvider.NewID()
		if err != nil {
			c.store.logError(opSave, "id_generation_failed", err, zap.String("collection", c.name))
			return nil, history.NewServiceError(opSave, "id_generation_failed", err)
		}
		id = generated
	}
	if len(id) > maxNameLength {
		return nil, history.NewServiceError(opSave, "invalid_id", fmt.Errorf("%w: id exceeds %d characters", ErrInvalidDocument, maxNameLength))
	}
	saved[IDField] = id

	if c.schema.Strict {
		picked, err := PickPaths(saved, c.schema.Paths())
		if err != nil {
			return nil, history.NewServiceError(opSave, "strict_filter_failed", err)
		}
		saved = picked
	}

	body, err := encodeDocument(saved)
	if err != nil {
		return nil, history.NewServiceError(opSave, "encode_failed", err)
	}

	now := c.store.clock().UTC().Unix()
	db := c.store.handle(ctx, options.Session)
	result := db.Model(&StoredDocument{}).
		Where("collection = ? AND document_id = ?", c.name, id).
		Updates(map[string]any{"body_json": string(body), "updated_at_s": now})
	if result.Error != nil {
		c.store.logError(opSave, "update_failed", result.Error, c.fields(id)...)
		return nil, history.NewServiceError(opSave, "update_failed", result.Error)
	}
	if result.RowsAffected == 0 {
		row := StoredDocument{
			Collection:       c.name,
			DocumentID:       id,
			BodyJSON:         string(body),
			CreatedAtSeconds: now,
			UpdatedAtSeconds: now,
		}
		if err := db.Create(&row).Error; err != nil {
			c.store.logError(opSave, "insert_failed", err, c.fields(id)...)
			return nil, history.NewServiceError(opSave, "insert_failed", err)
		}
	}
	return saved, nil
}

// UpdateOne applies update to the first matching document.
func (c *Collection) UpdateOne(ctx context.Context, filter map[string]any, update Update, options UpdateOptions) (UpdateResult, error) {
	return c.update(ctx, filter, update, options, false)
}

// UpdateMany applies update to every matching document.
func (c *Collection) UpdateMany(ctx context.Context, filter map[string]any, update Update, options UpdateOptions) (UpdateResult, error) {
	return c.update(ctx, filter, update, options, true)
}

func (c *Collection) update(ctx context.Context, filter map[string]any, update Update, options UpdateOptions, multi bool) (UpdateResult, error) {
	if c.schema.StrictFor(options.Strict) {
		update = update.Restrict(c.schema)
	}
	if update.IsEmpty() {
		return UpdateResult{}, history.NewServiceError(opUpdate, "empty_update", fmt.Errorf("%w: no fields", ErrInvalidUpdate))
	}
	if update.touchesIdentity() {
		return UpdateResult{}, history.NewServiceError(opUpdate, "identity_update", fmt.Errorf("%w: %s is immutable", ErrInvalidUpdate, IDField))
	}

	cursor, err := c.Find(ctx, filter, options.Session)
	if err != nil {
		return UpdateResult{}, err
	}
	var matched []StoredDocument
	for cursor.Next(ctx) {
		matched = append(matched, cursor.row())
		if !multi {
			break
		}
	}
	if err := cursor.Err(); err != nil {
		c.store.logError(opUpdate, "cursor_failed", err, zap.String("collection", c.name))
		return UpdateResult{}, history.NewServiceError(opUpdate, "cursor_failed", err)
	}

	result := UpdateResult{Matched: int64(len(matched))}
	if len(matched) == 0 {
		if !options.Upsert {
			return result, nil
		}
		upsertedID, err := c.upsert(ctx, filter, update, options.Session)
		if err != nil {
			return UpdateResult{}, err
		}
		result.UpsertedID = upsertedID
		return result, nil
	}

	db := c.store.handle(ctx, options.Session)
	now := c.store.clock().UTC().Unix()
	for _, row := range matched {
		original := []byte(row.BodyJSON)
		updated, err := update.apply(append([]byte(nil), original...), false)
		if err != nil {
			return result, history.NewServiceError(opUpdate, "apply_failed", err)
		}
		if bytes.Equal(original, updated) {
			continue
		}
		if err := db.Model(&StoredDocument{}).
			Where("collection = ? AND document_id = ?", c.name, row.DocumentID).
			Updates(map[string]any{"body_json": string(updated), "updated_at_s": now}).Error; err != nil {
			c.store.logError(opUpdate, "write_failed", err, c.fields(row.DocumentID)...)
			return result, history.NewServiceError(opUpdate, "write_failed", err)
		}
		result.Modified++
	}
	return result, nil
}

// upsert creates a document from the filter's equality conditions and the
// update, including $setOnInsert.
func (c *Collection) upsert(ctx context.Context, filter map[string]any, update Update, session history.Session) (string, error) {
	seed := Document{}
	for _, path := range sortedFields(filter) {
		condition := filter[path]
		if _, isOperatorMap := operatorMap(condition); isOperatorMap {
			continue
		}
		next, err := SetPath(seed, path, condition)
		if err != nil {
			return "", history.NewServiceError(opUpdate, "upsert_seed_failed", err)
		}
		seed = next
	}
	body, err := encodeDocument(seed)
	if err != nil {
		return "", history.NewServiceError(opUpdate, "upsert_seed_failed", err)
	}
	body, err = update.apply(body, true)
	if err != nil {
		return "", history.NewServiceError(opUpdate, "apply_failed", err)
	}
	document, err := decodeDocument(body)
	if err != nil {
		return "", history.NewServiceError(opUpdate, "apply_failed", err)
	}
	saved, err := c.Save(ctx, document, CallOptions{Session: session})
	if err != nil {
		return "", err
	}
	return saved.ID(), nil
}

// Delete removes the stored copy of document.
func (c *Collection) Delete(ctx context.Context, document Document, options CallOptions) error {
	id := document.ID()
	if id == "" {
		return history.NewServiceError(opDelete, "missing_id", fmt.Errorf("%w: %s is required", ErrInvalidDocument, IDField))
	}
	result := c.store.handle(ctx, options.Session).
		Where("collection = ? AND document_id = ?", c.name, id).
		Delete(&StoredDocument{})
	if result.Error != nil {
		c.store.logError(opDelete, "delete_failed", result.Error, c.fields(id)...)
		return history.NewServiceError(opDelete, "delete_failed", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func (c *Collection) fields(id string) []zap.Field {
	return []zap.Field{
		zap.String("collection", c.name),
		zap.String("document_id", id),
	}
}
