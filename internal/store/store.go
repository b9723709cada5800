// Package store is the durable resource repository backed by SQLite.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"sync"

	"github.com/rs/zerolog"
	_ "modernc.org/sqlite"

	"github.com/p-blackswan/resource-kernel/internal/cache"
	kerrors "github.com/p-blackswan/resource-kernel/internal/errors"
	"github.com/p-blackswan/resource-kernel/internal/event"
	"github.com/p-blackswan/resource-kernel/internal/models"
	"github.com/p-blackswan/resource-kernel/internal/repository"
	"github.com/p-blackswan/resource-kernel/internal/retry"
)

// DefaultCacheSize is the number of resources kept in the read cache.
const DefaultCacheSize = 1024

// Config locates the database and sizes the read cache.
type Config struct {
	Path      string
	CacheSize int
	Retry     retry.Config
}

// Store manages the SQLite database. Writes are serialized by mu; the
// engine's transactions make each call atomic across processes.
type Store struct {
	db        *sql.DB
	logger    zerolog.Logger
	mu        sync.RWMutex
	validator repository.Validator
	bus       *event.Bus
	settings  repository.Settings
	cache     *cache.LRU[string, *models.Resource]
	retry     retry.Config
	fts       bool
}

var _ repository.Repository = (*Store)(nil)

// New opens (or creates) the SQLite database and runs migrations.
func New(cfg Config, v repository.Validator, bus *event.Bus, logger zerolog.Logger, opts ...repository.Option) (*Store, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("store path is required")
	}
	db, err := sql.Open("sqlite", dsn(cfg.Path))
	if err != nil {
		return nil, kerrors.Storage("open", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, kerrors.Storage("ping", err)
	}

	if cfg.CacheSize == 0 {
		cfg.CacheSize = DefaultCacheSize
	}
	if cfg.Retry.MaxAttempts == 0 {
		cfg.Retry = retry.DefaultConfig()
	}

	s := &Store{
		db:        db,
		logger:    logger.With().Str("component", "store").Logger(),
		validator: v,
		bus:       bus,
		settings:  repository.ApplyOptions(opts),
		cache:     cache.New[string, *models.Resource](cfg.CacheSize),
		retry:     cfg.Retry,
	}

	if err := s.migrate(context.Background()); err != nil {
		db.Close()
		return nil, fmt.Errorf("migration failed: %w", err)
	}

	s.logger.Info().
		Str("path", cfg.Path).
		Bool("full_text", s.fts).
		Int("cache_size", cfg.CacheSize).
		Msg("store initialized")
	return s, nil
}

// dsn applies connection pragmas through the driver so that every pooled
// connection gets them, not only the first.
func dsn(path string) string {
	sep := "?"
	if strings.Contains(path, "?") {
		sep = "&"
	}
	return path + sep + strings.Join([]string{
		"_pragma=journal_mode(WAL)",
		"_pragma=busy_timeout(5000)",
		"_pragma=foreign_keys(1)",
	}, "&")
}

// Close closes the database connection.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// Ping checks the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return kerrors.Storage("ping", s.db.PingContext(ctx))
}

// FullTextEnabled reports whether the engine provides the native full-text index.
func (s *Store) FullTextEnabled() bool { return s.fts }

// CacheStats exposes read cache counters.
func (s *Store) CacheStats() cache.Stats { return s.cache.Stats() }

// DB returns the underlying database connection (for testing).
func (s *Store) DB() *sql.DB {
	return s.db
}
