// Package persistence owns the PostgreSQL pool and schema migrations.
package persistence

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	werr "github.com/next-trace/scg-warehouse/contract/errors"
)

// Config selects the database.
type Config struct {
	URL      string
	MaxConns int32
}

// DB is a lazily opened pgx pool.
type DB struct {
	url    string
	cfg    *pgxpool.Config
	logger *zap.Logger

	mu     sync.Mutex
	pool   *pgxpool.Pool
	closed bool
}

// New parses cfg without connecting.
func New(cfg Config) (*DB, error) {
	pc, err := pgxpool.ParseConfig(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("parse database url: %w", errors.Join(werr.ErrPersistenceInit, err))
	}

	if cfg.MaxConns > 0 {
		pc.MaxConns = cfg.MaxConns
	}

	pc.MaxConnIdleTime = 5 * time.Minute

	return &DB{url: cfg.URL, cfg: pc, logger: zap.NewNop()}, nil
}

// Init opens the pool and checks the server answers.
func Init(ctx context.Context, db *DB, logger *zap.Logger) error {
	if logger != nil {
		db.logger = logger
	}

	db.mu.Lock()
	defer db.mu.Unlock()

	if db.closed {
		return fmt.Errorf("init database: %w: already closed", werr.ErrPersistenceInit)
	}

	if db.pool != nil {
		return nil
	}

	pool, err := pgxpool.NewWithConfig(ctx, db.cfg)
	if err != nil {
		return fmt.Errorf("create pool: %w", errors.Join(werr.ErrPersistenceInit, err))
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return fmt.Errorf("ping database: %w", errors.Join(werr.ErrPersistenceInit, err))
	}

	db.pool = pool
	db.logger.Info("database connected",
		zap.String("host", db.cfg.ConnConfig.Host),
		zap.String("database", db.cfg.ConnConfig.Database),
	)

	return nil
}

// Pool returns the open pool, or nil before Init.
func (db *DB) Pool() *pgxpool.Pool {
	db.mu.Lock()
	defer db.mu.Unlock()

	return db.pool
}

// Close releases the pool. Safe to call more than once.
func (db *DB) Close() {
	db.mu.Lock()
	defer db.mu.Unlock()

	if db.closed {
		return
	}

	db.closed = true

	if db.pool != nil {
		db.pool.Close()
		db.logger.Info("database connection closed")
	}
}

// Provider hands out the pool once it is open.
type Provider interface {
	Pool() *pgxpool.Pool
}

// Acquire returns the provider's pool or an ErrPersistenceInit while it is not open yet.
func Acquire(p Provider) (*pgxpool.Pool, error) {
	if p == nil {
		return nil, fmt.Errorf("acquire pool: %w: no database", werr.ErrPersistenceInit)
	}

	pool := p.Pool()
	if pool == nil {
		return nil, fmt.Errorf("acquire pool: %w: database not initialized", werr.ErrPersistenceInit)
	}

	return pool, nil
}
