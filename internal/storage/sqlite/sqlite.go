package sqlite

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/goodtune/storyguard/internal/storage"
	"github.com/rs/zerolog"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"
)

// kvEntry is a single row in the kv_entries table.
type kvEntry struct {
	Key       string `gorm:"primaryKey;column:entry_key"`
	Value     string `gorm:"column:value;not null"`
	UpdatedAt time.Time
}

func (kvEntry) TableName() string { return "kv_entries" }

// Store implements storage.Store on a local SQLite file.
type Store struct {
	db      *gorm.DB
	kvStore *kvStore
}

// pragmas tune sqlite for a single writer on local flash.
var pragmas = []string{
	"PRAGMA journal_mode=WAL",
	"PRAGMA busy_timeout=5000",
	"PRAGMA synchronous=NORMAL",
}

// Open opens (creating if needed) the database at path.
func Open(path string, log zerolog.Logger) (*Store, error) {
	if err := storage.EnsureParentDir(path); err != nil {
		return nil, fmt.Errorf("failed to create storage directory: %w", err)
	}

	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		NowFunc: func() time.Time { return time.Now().UTC() },
		Logger:  newGormLogger(log),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get database handle: %w", err)
	}
	// Pragmas are per connection, and sqlite allows a single writer anyway
	sqlDB.SetMaxOpenConns(1)
	sqlDB.SetMaxIdleConns(1)

	for _, pragma := range pragmas {
		if err := db.Exec(pragma).Error; err != nil {
			log.Warn().Err(err).Str("pragma", pragma).Msg("Failed to apply sqlite pragma")
		}
	}

	if err := db.AutoMigrate(&kvEntry{}); err != nil {
		return nil, fmt.Errorf("failed to migrate kv_entries: %w", err)
	}

	return &Store{db: db, kvStore: &kvStore{db: db}}, nil
}

// Close closes the underlying connection pool.
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// KV returns the KVStore implementation.
func (s *Store) KV() storage.KVStore {
	return s.kvStore
}

type kvStore struct {
	db *gorm.DB
}

func (s *kvStore) Get(ctx context.Context, key storage.Key) (string, error) {
	var row kvEntry
	err := s.db.WithContext(ctx).Where("entry_key = ?", key.String()).Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return "", storage.ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("sqlite get %s: %w", key, err)
	}
	return row.Value, nil
}

func (s *kvStore) Set(ctx context.Context, key storage.Key, value string) error {
	if err := upsert(s.db.WithContext(ctx), key, value); err != nil {
		return fmt.Errorf("sqlite set %s: %w", key, err)
	}
	return nil
}

func (s *kvStore) SetAll(ctx context.Context, entries ...storage.Entry) error {
	if len(entries) == 0 {
		return nil
	}

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for _, e := range entries {
			if err := upsert(tx, e.Key, e.Value); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("sqlite set batch: %w", err)
	}
	return nil
}

func (s *kvStore) Delete(ctx context.Context, keys ...storage.Key) error {
	if len(keys) == 0 {
		return nil
	}

	names := make([]string, len(keys))
	for i, k := range keys {
		names[i] = k.String()
	}

	if err := s.db.WithContext(ctx).Where("entry_key IN ?", names).Delete(&kvEntry{}).Error; err != nil {
		return fmt.Errorf("sqlite delete: %w", err)
	}
	return nil
}

func upsert(db *gorm.DB, key storage.Key, value string) error {
	row := kvEntry{Key: key.String(), Value: value}
	return db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "entry_key"}},
		DoUpdates: clause.AssignmentColumns([]string{"value", "updated_at"}),
	}).Create(&row).Error
}

// gormLogger forwards GORM messages to zerolog.
type gormLogger struct {
	log   zerolog.Logger
	level logger.LogLevel
}

func newGormLogger(log zerolog.Logger) logger.Interface {
	return &gormLogger{
		log:   log.With().Str("component", "sqlite").Logger(),
		level: logger.Warn,
	}
}

func (l *gormLogger) LogMode(level logger.LogLevel) logger.Interface {
	return &gormLogger{log: l.log, level: level}
}

func (l *gormLogger) Info(ctx context.Context, msg string, data ...interface{}) {
	if l.level >= logger.Info {
		l.log.Info().Msgf(msg, data...)
	}
}

func (l *gormLogger) Warn(ctx context.Context, msg string, data ...interface{}) {
	if l.level >= logger.Warn {
		l.log.Warn().Msgf(msg, data...)
	}
}

func (l *gormLogger) Error(ctx context.Context, msg string, data ...interface{}) {
	if l.level >= logger.Error {
		l.log.Error().Msgf(msg, data...)
	}
}

// Trace logs failed and slow statements; everything else only at debug.
func (l *gormLogger) Trace(ctx context.Context, begin time.Time, fc func() (sql string, rowsAffected int64), err error) {
	if l.level <= logger.Silent {
		return
	}

	elapsed := time.Since(begin)
	sql, rows := fc()

	switch {
	case err != nil && !errors.Is(err, gorm.ErrRecordNotFound):
		l.log.Error().Err(err).Dur("duration", elapsed).Str("sql", sql).Int64("rows", rows).Msg("Query failed")
	case elapsed > 200*time.Millisecond:
		l.log.Warn().Dur("duration", elapsed).Str("sql", sql).Int64("rows", rows).Msg("Slow query")
	default:
		l.log.Debug().Dur("duration", elapsed).Str("sql", sql).Int64("rows", rows).Msg("Query")
	}
}
