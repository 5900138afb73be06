package history

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	opSequencerNew  = "history.sequencer.new"
	opSequencerNext = "history.sequencer.next"

	defaultRedisKeyPrefix = "revision:version:"
)

var (
	errMissingStore       = errors.New("history store is required")
	errMissingRedisClient = errors.New("redis client is required")
)

// Sequencer hands out the next version for an entity.
type Sequencer interface {
	Next(ctx context.Context, key EntityKey, session Session) (int64, error)
}

// LatestVersionSequencer reads the latest stored version and adds one.
// Two writers that read before either inserts receive the same version.
type LatestVersionSequencer struct {
	store Store
}

func NewLatestVersionSequencer(store Store) (*LatestVersionSequencer, error) {
	if store == nil {
		return nil, NewServiceError(opSequencerNew, "missing_store", errMissingStore)
	}
	return &LatestVersionSequencer{store: store}, nil
}

func (s *LatestVersionSequencer) Next(ctx context.Context, key EntityKey, session Session) (int64, error) {
	return nextAfterLatest(ctx, s.store, key, session)
}

func nextAfterLatest(ctx context.Context, store Store, key EntityKey, session Session) (int64, error) {
	latest, err := store.FindLatest(ctx, key, session)
	if errors.Is(err, ErrNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return latest.Version + 1, nil
}

// RedisCounter is the subset of the go-redis client used for sequencing.
type RedisCounter interface {
	Exists(ctx context.Context, keys ...string) *redis.IntCmd
	SetNX(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.BoolCmd
	Incr(ctx context.Context, key string) *redis.IntCmd
}

type RedisSequencerConfig struct {
	Client    RedisCounter
	Store     Store
	KeyPrefix string
	Logger    *zap.Logger
}

// RedisSequencer keeps one atomic counter per entity. A missing counter is
// seeded from the store so that existing histories continue without gaps.
type RedisSequencer struct {
	client    RedisCounter
	store     Store
	keyPrefix string
	logger    *zap.Logger
}

func NewRedisSequencer(cfg RedisSequencerConfig) (*RedisSequencer, error) {
	if cfg.Client == nil {
		return nil, NewServiceError(opSequencerNew, "missing_redis_client", errMissingRedisClient)
	}
	if cfg.Store == nil {
		return nil, NewServiceError(opSequencerNew, "missing_store", errMissingStore)
	}
	keyPrefix := cfg.KeyPrefix
	if keyPrefix == "" {
		keyPrefix = defaultRedisKeyPrefix
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &RedisSequencer{
		client:    cfg.Client,
		store:     cfg.Store,
		keyPrefix: keyPrefix,
		logger:    logger,
	}, nil
}

func (s *RedisSequencer) Next(ctx context.Context, key EntityKey, session Session) (int64, error) {
	counterKey := s.counterKey(key)

	exists, err := s.client.Exists(ctx, counterKey).Result()
	if err != nil {
		s.logError("exists_failed", err, key)
		return 0, NewServiceError(opSequencerNext, "exists_failed", err)
	}
	if exists == 0 {
		seed, err := nextAfterLatest(ctx, s.store, key, session)
		if err != nil {
			return 0, err
		}
		// a concurrent seeder may win; its value is equivalent
		if err := s.client.SetNX(ctx, counterKey, seed, 0).Err(); err != nil {
			s.logError("seed_failed", err, key)
			return 0, NewServiceError(opSequencerNext, "seed_failed", err)
		}
	}

	value, err := s.client.Incr(ctx, counterKey).Result()
	if err != nil {
		s.logError("incr_failed", err, key)
		return 0, NewServiceError(opSequencerNext, "incr_failed", err)
	}
	return value - 1, nil
}

func (s *RedisSequencer) counterKey(key EntityKey) string {
	return s.keyPrefix + key.Collection + ":" + key.ID
}

func (s *RedisSequencer) logError(reason string, err error, key EntityKey) {
	attrs := []zap.Field{
		zap.String("operation", opSequencerNext),
		zap.String("reason", reason),
		zap.Error(err),
	}
	attrs = append(attrs, keyFields(key)...)
	s.logger.Error("history sequencer error", attrs...)
}
