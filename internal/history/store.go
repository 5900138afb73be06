// Package history persists and sequences the change records produced for
// tracked documents.
package history

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

var (
	errMissingDatabase   = errors.New("database handle is required")
	errMissingIDProvider = errors.New("id provider is required")
	errMissingRecord     = errors.New("record is required")
	noOpLogger           = zap.NewNop()
)

const (
	opStoreNew        = "history.store.new"
	opStoreInsert     = "history.insert"
	opStoreFindLatest = "history.find_latest"
	opStoreList       = "history.list"
)

// Store is the append-only persistence for history records.
type Store interface {
	Insert(ctx context.Context, record *Record, session Session) error
	FindLatest(ctx context.Context, key EntityKey, session Session) (*Record, error)
	List(ctx context.Context, key EntityKey, query Query) ([]Record, error)
}

type GormStoreConfig struct {
	Database   *gorm.DB
	Clock      func() time.Time
	IDProvider IDProvider
	Logger     *zap.Logger
}

// GormStore keeps history records in the histories table. It never updates
// or deletes rows.
type GormStore struct {
	db         *gorm.DB
	clock      func() time.Time
	idProvider IDProvider
	logger     *zap.Logger
}

func NewGormStore(cfg GormStoreConfig) (*GormStore, error) {
	if cfg.Database == nil {
		return nil, NewServiceError(opStoreNew, "missing_database", errMissingDatabase)
	}

	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}

	idProvider := cfg.IDProvider
	if idProvider == nil {
		idProvider = NewUUIDProvider()
	}

	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}

	return &GormStore{
		db:         cfg.Database,
		clock:      clock,
		idProvider: idProvider,
		logger:     logger,
	}, nil
}

// Insert assigns the record id and creation time and writes it through the
// session when one is supplied.
func (s *GormStore) Insert(ctx context.Context, record *Record, session Session) error {
	if record == nil {
		return NewServiceError(opStoreInsert, "missing_record", errMissingRecord)
	}
	key, err := NewEntityKey(record.CollectionName, record.CollectionID)
	if err != nil {
		return NewServiceError(opStoreInsert, "invalid_entity_key", err)
	}
	if len(record.Diff) == 0 {
		return NewServiceError(opStoreInsert, "empty_diff", ErrEmptyDiff)
	}
	if record.Version < 0 {
		return NewServiceError(opStoreInsert, "negative_version", errors.New("version must not be negative"))
	}

	if record.ID == "" {
		recordID, err := s.idProvider.NewID()
		if err != nil {
			s.logError(opStoreInsert, "id_generation_failed", err, keyFields(key)...)
			return NewServiceError(opStoreInsert, "id_generation_failed", err)
		}
		record.ID = recordID
	}
	record.CollectionName = key.Collection
	record.CollectionID = key.ID
	record.CreatedAtSeconds = s.clock().UTC().Unix()

	if err := s.handle(ctx, session).Create(record).Error; err != nil {
		s.logError(opStoreInsert, "insert_failed", err, append(keyFields(key), zap.Int64("version", record.Version))...)
		return NewServiceError(opStoreInsert, "insert_failed", err)
	}
	return nil
}

// FindLatest returns the record with the highest version or ErrNotFound.
func (s *GormStore) FindLatest(ctx context.Context, key EntityKey, session Session) (*Record, error) {
	var record Record
	err := s.handle(ctx, session).
		Where("collection_name = ? AND collection_id = ?", key.Collection, key.ID).
		Order("version DESC").
		Take(&record).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		s.logError(opStoreFindLatest, "query_failed", err, keyFields(key)...)
		return nil, NewServiceError(opStoreFindLatest, "query_failed", err)
	}
	return &record, nil
}

// List returns the entity's records ordered by version.
func (s *GormStore) List(ctx context.Context, key EntityKey, query Query) ([]Record, error) {
	if err := query.validate(); err != nil {
		return nil, NewServiceError(opStoreList, "invalid_query", err)
	}

	statement := s.db.WithContext(ctx).
		Where("collection_name = ? AND collection_id = ?", key.Collection, key.ID)
	if query.FromVersion != nil {
		statement = statement.Where("version >= ?", *query.FromVersion)
	}
	if query.ToVersion != nil {
		statement = statement.Where("version <= ?", *query.ToVersion)
	}
	if query.Descending {
		statement = statement.Order("version DESC").Order("created_at_s DESC").Order("id DESC")
	} else {
		statement = statement.Order("version ASC").Order("created_at_s ASC").Order("id ASC")
	}
	if query.Offset > 0 {
		statement = statement.Offset(query.Offset)
	}
	if query.Limit > 0 {
		statement = statement.Limit(query.Limit)
	}

	var records []Record
	if err := statement.Find(&records).Error; err != nil {
		s.logError(opStoreList, "query_failed", err, keyFields(key)...)
		return nil, NewServiceError(opStoreList, "query_failed", err)
	}
	return records, nil
}

func (s *GormStore) handle(ctx context.Context, session Session) *gorm.DB {
	if session != nil {
		return session.WithContext(ctx)
	}
	return s.db.WithContext(ctx)
}

func (s *GormStore) loggerOrDefault() *zap.Logger {
	if s == nil || s.logger == nil {
		return noOpLogger
	}
	return s.logger
}

func (s *GormStore) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	s.loggerOrDefault().Error("history store error", attrs...)
}

func keyFields(key EntityKey) []zap.Field {
	return []zap.Field{
		zap.String("collection_name", key.Collection),
		zap.String("collection_id", key.ID),
	}
}
