// Package postgres provides a PostgreSQL implementation of the subsync.Storage interface.
// Records are stored as JSONB documents next to a version column; compare-and-swap is a
// single conditional UPDATE.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/mihaimyh/gosubsync/pkg/subsync"
)

const (
	defaultTableName = "subscription_records"
	scanBatchSize    = 500
	uniqueViolation  = "23505"
)

// Storage implements subsync.Storage and subsync.TimeSource using PostgreSQL
type Storage struct {
	pool   *pgxpool.Pool
	config Config
	table  string
}

var (
	_ subsync.Storage    = (*Storage)(nil)
	_ subsync.TimeSource = (*Storage)(nil)
)

// Config holds PostgreSQL storage configuration
type Config struct {
	// ConnectionString is the PostgreSQL connection string
	ConnectionString string

	// TableName holds the records (default: subscription_records)
	TableName string

	// Pool configuration
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
	MaxConnIdleTime time.Duration

	// AutoMigrate creates the table and indexes on New.
	AutoMigrate bool
}

// DefaultConfig returns a Config with sensible defaults
func DefaultConfig() Config {
	return Config{
		TableName:       defaultTableName,
		MaxConns:        10,
		MinConns:        2,
		MaxConnLifetime: time.Hour,
		MaxConnIdleTime: 30 * time.Minute,
		AutoMigrate:     true,
	}
}

// New creates a new PostgreSQL storage adapter
func New(ctx context.Context, config Config) (*Storage, error) {
	if config.ConnectionString == "" {
		return nil, fmt.Errorf("connection string is required")
	}
	if config.TableName == "" {
		config.TableName = defaultTableName
	}

	poolConfig, err := pgxpool.ParseConfig(config.ConnectionString)
	if err != nil {
		return nil, fmt.Errorf("failed to parse connection string: %w", err)
	}
	if config.MaxConns > 0 {
		poolConfig.MaxConns = config.MaxConns
	}
	if config.MinConns > 0 {
		poolConfig.MinConns = config.MinConns
	}
	if config.MaxConnLifetime > 0 {
		poolConfig.MaxConnLifetime = config.MaxConnLifetime
	}
	if config.MaxConnIdleTime > 0 {
		poolConfig.MaxConnIdleTime = config.MaxConnIdleTime
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	s := NewWithPool(pool, config)
	if config.AutoMigrate {
		if err := s.Migrate(ctx); err != nil {
			pool.Close()
			return nil, err
		}
	}
	return s, nil
}

// NewWithPool wraps an existing pool. The pool is closed by Close.
func NewWithPool(pool *pgxpool.Pool, config Config) *Storage {
	if config.TableName == "" {
		config.TableName = defaultTableName
	}
	return &Storage{
		pool:   pool,
		config: config,
		table:  pgx.Identifier{config.TableName}.Sanitize(),
	}
}

// Migrate creates the records table and the customer id index.
func (s *Storage) Migrate(ctx context.Context) error {
	index := pgx.Identifier{s.config.TableName + "_customer_idx"}.Sanitize()
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS ` + s.table + ` (
			user_id             TEXT PRIMARY KEY,
			billing_customer_id TEXT,
			version             BIGINT NOT NULL,
			data                JSONB NOT NULL,
			updated_at          TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE INDEX IF NOT EXISTS ` + index + ` ON ` + s.table + ` (billing_customer_id)`,
	}
	for _, stmt := range stmts {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("failed to migrate: %w", err)
		}
	}
	return nil
}

// Close closes the PostgreSQL connection pool
func (s *Storage) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

// Ping checks the PostgreSQL connection
func (s *Storage) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// GetRecord implements subsync.Storage
func (s *Storage) GetRecord(ctx context.Context, userID string) (*subsync.Record, error) {
	var data []byte
	err := s.pool.QueryRow(ctx,
		`SELECT data FROM `+s.table+` WHERE user_id = $1`, userID).Scan(&data)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, subsync.ErrRecordNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get record: %w", err)
	}
	return decode(data)
}

// CreateRecord implements subsync.Storage
func (s *Storage) CreateRecord(ctx context.Context, rec *subsync.Record) error {
	if rec == nil || rec.UserID == "" {
		return fmt.Errorf("invalid record")
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to encode record: %w", err)
	}

	tag, err := s.pool.Exec(ctx,
		`INSERT INTO `+s.table+` (user_id, billing_customer_id, version, data, updated_at)
			VALUES ($1, NULLIF($2, ''), $3, $4, NOW())
			ON CONFLICT (user_id) DO NOTHING`,
		rec.UserID, rec.BillingCustomerID, rec.Version, data,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return subsync.ErrRecordExists
		}
		return fmt.Errorf("failed to create record: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return subsync.ErrRecordExists
	}
	return nil
}

// CompareAndSwapRecord implements subsync.Storage with a single conditional UPDATE
func (s *Storage) CompareAndSwapRecord(ctx context.Context, rec *subsync.Record, expectedVersion int64) error {
	if rec == nil || rec.UserID == "" {
		return fmt.Errorf("invalid record")
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to encode record: %w", err)
	}

	tag, err := s.pool.Exec(ctx,
		`UPDATE `+s.table+`
			SET billing_customer_id = NULLIF($2, ''), version = $3, data = $4, updated_at = NOW()
			WHERE user_id = $1 AND version = $5`,
		rec.UserID, rec.BillingCustomerID, rec.Version, data, expectedVersion,
	)
	if err != nil {
		return fmt.Errorf("failed to update record: %w", err)
	}
	if tag.RowsAffected() == 1 {
		return nil
	}

	// Nothing updated: either the row is gone or another writer got there first
	var exists bool
	if err := s.pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM `+s.table+` WHERE user_id = $1)`, rec.UserID).Scan(&exists); err != nil {
		return fmt.Errorf("failed to check record: %w", err)
	}
	if !exists {
		return subsync.ErrRecordNotFound
	}
	return subsync.ErrVersionConflict
}

// FindByCustomerID implements subsync.Storage
func (s *Storage) FindByCustomerID(ctx context.Context, customerID string) ([]*subsync.Record, error) {
	if customerID == "" {
		return nil, nil
	}
	rows, err := s.pool.Query(ctx,
		`SELECT data FROM `+s.table+` WHERE billing_customer_id = $1 ORDER BY user_id`, customerID)
	if err != nil {
		return nil, fmt.Errorf("failed to find records: %w", err)
	}
	return collect(rows)
}

// ScanRecords implements subsync.Storage. Records are read in user id order in
// batches, and no connection is held while fn runs.
func (s *Storage) ScanRecords(ctx context.Context, fn func(*subsync.Record) bool) error {
	after := ""
	for {
		rows, err := s.pool.Query(ctx,
			`SELECT data FROM `+s.table+` WHERE user_id > $1 ORDER BY user_id LIMIT $2`,
			after, scanBatchSize)
		if err != nil {
			return fmt.Errorf("failed to scan records: %w", err)
		}
		batch, err := collect(rows)
		if err != nil {
			return err
		}
		for _, rec := range batch {
			if !fn(rec) {
				return nil
			}
		}
		if len(batch) < scanBatchSize {
			return nil
		}
		after = batch[len(batch)-1].UserID
	}
}

// Now implements subsync.TimeSource using the database clock
func (s *Storage) Now(ctx context.Context) (time.Time, error) {
	var now time.Time
	if err := s.pool.QueryRow(ctx, `SELECT NOW()`).Scan(&now); err != nil {
		return time.Time{}, fmt.Errorf("failed to read database time: %w", err)
	}
	return now.UTC(), nil
}

func collect(rows pgx.Rows) ([]*subsync.Record, error) {
	raw, err := pgx.CollectRows(rows, pgx.RowTo[[]byte])
	if err != nil {
		return nil, fmt.Errorf("failed to read records: %w", err)
	}
	out := make([]*subsync.Record, 0, len(raw))
	for _, data := range raw {
		rec, err := decode(data)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, nil
}

func decode(data []byte) (*subsync.Record, error) {
	var rec subsync.Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("failed to decode record: %w", err)
	}
	return &rec, nil
}
