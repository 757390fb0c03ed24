// Package cache persists the fingerprint to batch-id mapping that lets a
// reissued request attach to an in-flight or finished batch instead of being
// resubmitted.
//
// Grounded on the teacher's framework/logstore package: newSqliteLogStore's
// WAL-mode DSN tuning (framework/logstore/sqlite.go) and LogsCleaner's
// jittered periodic-goroutine shape (framework/logstore/cleaner.go),
// re-scoped from log retention to cache-row retention.
package cache

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"

	"github.com/batchlinghq/batchling/schemas"
)

// Retention is the sliding TTL for cache entries.
const Retention = 30 * 24 * time.Hour

// Entry is one row of the request-hash -> batch-id mapping.
type Entry struct {
	RequestHash string `gorm:"primaryKey;column:request_hash"`
	Provider    string
	Endpoint    string
	Model       string
	Host        string
	BatchID     string `gorm:"column:batch_id"`
	CustomID    string `gorm:"column:custom_id"`
	CreatedAt   time.Time `gorm:"index"`
}

func (Entry) TableName() string { return "cache_entries" }

// Store is the durable cache backing the Batcher's cache-hit path.
type Store struct {
	db  *gorm.DB
	log schemas.Logger

	cleaner *Cleaner // set by StartCleaner; stopped by Close
}

// Open opens (creating if necessary) a SQLite-backed Store at path, running
// schema migration and arming WAL mode for safe concurrent access from
// multiple in-process Batchers.
func Open(path string, log schemas.Logger) (*Store, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("cache: create cache dir: %w", err)
		}
	}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		f, err := os.Create(path)
		if err != nil {
			return nil, fmt.Errorf("cache: create cache file: %w", err)
		}
		_ = f.Close()
	}

	dsn := fmt.Sprintf("%s?_journal_mode=WAL&_synchronous=NORMAL&_busy_timeout=60000&_foreign_keys=1", path)
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	if err != nil {
		return nil, fmt.Errorf("cache: open db: %w", err)
	}
	if err := db.AutoMigrate(&Entry{}); err != nil {
		return nil, fmt.Errorf("cache: migrate: %w", err)
	}
	return &Store{db: db, log: log}, nil
}

// DefaultPath resolves the cache location: BATCHLING_CACHE_PATH if set,
// otherwise a user-cache-dir subdirectory, created on demand.
func DefaultPath() (string, error) {
	if p := os.Getenv("BATCHLING_CACHE_PATH"); p != "" {
		return p, nil
	}
	dir, err := os.UserCacheDir()
	if err != nil {
		return "", fmt.Errorf("cache: resolve user cache dir: %w", err)
	}
	return filepath.Join(dir, "batchling", "cache.db"), nil
}

// GetByHash looks up a cache row by request_hash. Returns (nil, nil) on miss.
func (s *Store) GetByHash(ctx context.Context, hash string) (*Entry, error) {
	var e Entry
	err := s.db.WithContext(ctx).Where("request_hash = ?", hash).First(&e).Error
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, nil
		}
		return nil, fmt.Errorf("cache: get by hash: %w", err)
	}
	return &e, nil
}

// UpsertMany inserts or replaces rows by request_hash.
func (s *Store) UpsertMany(ctx context.Context, entries []Entry) error {
	if len(entries) == 0 {
		return nil
	}
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "request_hash"}},
		DoUpdates: clause.AssignmentColumns([]string{"provider", "endpoint", "model", "host", "batch_id", "custom_id", "created_at"}),
	}).Create(&entries).Error
	if err != nil {
		return fmt.Errorf("cache: upsert many: %w", err)
	}
	return nil
}

// DeleteOlderThan removes every row with created_at before ts.
func (s *Store) DeleteOlderThan(ctx context.Context, ts time.Time) error {
	err := s.db.WithContext(ctx).Where("created_at < ?", ts).Delete(&Entry{}).Error
	if err != nil {
		return fmt.Errorf("cache: delete older than: %w", err)
	}
	return nil
}

// DeleteByHashes invalidates specific rows, used when a cached batch is found
// to be stale (missing result, decode error) so the next call falls back to a
// fresh submission.
func (s *Store) DeleteByHashes(ctx context.Context, hashes []string) error {
	if len(hashes) == 0 {
		return nil
	}
	err := s.db.WithContext(ctx).Where("request_hash IN ?", hashes).Delete(&Entry{}).Error
	if err != nil {
		return fmt.Errorf("cache: delete by hashes: %w", err)
	}
	return nil
}

// StartCleaner launches a jittered daily retention sweep over s, stopped
// automatically when s.Close is called.
func (s *Store) StartCleaner() {
	s.cleaner = NewCleaner(s)
	s.cleaner.Start()
}

// Close stops any running cleaner and releases the underlying database
// connection.
func (s *Store) Close() error {
	if s.cleaner != nil {
		s.cleaner.Stop()
	}
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
