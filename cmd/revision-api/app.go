package main

import (
	"errors"
	"time"

	"github.com/MarcoPoloResearchLab/revision/internal/config"
	"github.com/MarcoPoloResearchLab/revision/internal/database"
	"github.com/MarcoPoloResearchLab/revision/internal/docstore"
	"github.com/MarcoPoloResearchLab/revision/internal/history"
	"github.com/MarcoPoloResearchLab/revision/internal/interceptor"
	"github.com/MarcoPoloResearchLab/revision/internal/logging"
	"github.com/MarcoPoloResearchLab/revision/internal/server"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// application holds the components shared by the server and the CLI commands.
type application struct {
	logger      *zap.Logger
	db          *gorm.DB
	redis       *redis.Client
	interceptor *interceptor.Interceptor
	catalog     *interceptor.Catalog
	feed        *server.HistoryFeed
}

func newApplication(appConfig config.AppConfig) (*application, error) {
	logger, err := logging.NewLogger(appConfig.LogLevel, appConfig.LogFormat)
	if err != nil {
		return nil, err
	}

	db, err := database.OpenSQLite(appConfig.DatabasePath, database.Options{MaxOpenConns: appConfig.DatabaseMaxConns}, logger)
	if err != nil {
		return nil, err
	}
	app := &application{logger: logger, db: db, feed: server.NewHistoryFeed()}

	historyStore, err := history.NewGormStore(history.GormStoreConfig{
		Database:   db,
		Clock:      time.Now,
		IDProvider: history.NewUUIDProvider(),
		Logger:     logger,
	})
	if err != nil {
		app.Close()
		return nil, err
	}

	var sequencer history.Sequencer
	if appConfig.SequencerMode == config.SequencerModeRedis {
		app.redis = redis.NewClient(&redis.Options{
			Addr:     appConfig.RedisAddress,
			Password: appConfig.RedisPassword,
			DB:       appConfig.RedisDB,
		})
		sequencer, err = history.NewRedisSequencer(history.RedisSequencerConfig{
			Client:    app.redis,
			Store:     historyStore,
			KeyPrefix: appConfig.RedisKeyPrefix,
			Logger:    logger,
		})
		if err != nil {
			app.Close()
			return nil, err
		}
	}

	app.interceptor, err = interceptor.New(interceptor.Config{
		Store:     historyStore,
		Sequencer: sequencer,
		Logger:    logger,
		OnRecord:  app.feed.ObserveRecord,
	})
	if err != nil {
		app.Close()
		return nil, err
	}

	schemas := make(map[string]docstore.Schema, len(appConfig.CollectionPolicies))
	for _, name := range appConfig.CollectionNames() {
		collection := appConfig.CollectionPolicies[name]
		if err := app.interceptor.RegisterPolicyConfig(name, collection.Policy); err != nil {
			app.Close()
			return nil, err
		}
		schemas[name] = docstore.Schema{Fields: collection.Fields, Strict: collection.Strict}
	}

	documents, err := docstore.NewStore(docstore.StoreConfig{
		Database:   db,
		Clock:      time.Now,
		IDProvider: history.NewUUIDProvider(),
		Logger:     logger,
		BatchSize:  appConfig.CursorBatchSize,
	})
	if err != nil {
		app.Close()
		return nil, err
	}
	app.catalog = app.interceptor.NewCatalog(documents, schemas)

	return app, nil
}

func (a *application) Close() {
	var errs []error
	if a.redis != nil {
		errs = append(errs, a.redis.Close())
	}
	if a.db != nil {
		if sqlDB, err := a.db.DB(); err == nil {
			errs = append(errs, sqlDB.Close())
		}
	}
	if err := errors.Join(errs...); err != nil {
		a.logger.Warn("shutdown cleanup failed", zap.Error(err))
	}
	_ = a.logger.Sync()
}
