package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "github.com/glebarez/sqlite"
)

// Payment statuses persisted for operators and callers polling results.
const (
	StatusPending   = "pending"
	StatusFulfilled = "fulfilled"
	StatusExpired   = "expired"
	StatusFailed    = "failed"
)

// ErrIdempotencyMismatch flags a replayed idempotency key whose request body
// differs from the original.
var ErrIdempotencyMismatch = errors.New("idempotency key reused with a different request")

const schema = `
CREATE TABLE IF NOT EXISTS payments (
    id TEXT PRIMARY KEY,
    request_id TEXT NOT NULL,
    execution_condition TEXT NOT NULL,
    status TEXT NOT NULL,
    params TEXT NOT NULL,
    fulfillment TEXT NOT NULL DEFAULT '',
    last_error TEXT NOT NULL DEFAULT '',
    created_at TIMESTAMP NOT NULL,
    updated_at TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS payments_condition ON payments(execution_condition);

CREATE TABLE IF NOT EXISTS idempotency (
    key TEXT PRIMARY KEY,
    request_hash TEXT NOT NULL,
    status INTEGER NOT NULL,
    body BLOB NOT NULL,
    created_at TIMESTAMP NOT NULL
);
`

// SQLiteStore persists payment records and idempotency entries.
type SQLiteStore struct {
	db *sql.DB
}

// PaymentRecord is the stored view of a pay attempt.
type PaymentRecord struct {
	ID                 string    `json:"id"`
	RequestID          string    `json:"request_id"`
	ExecutionCondition string    `json:"execution_condition"`
	Status             string    `json:"status"`
	Params             string    `json:"params"`
	Fulfillment        string    `json:"fulfillment,omitempty"`
	LastError          string    `json:"last_error,omitempty"`
	CreatedAt          time.Time `json:"created_at"`
	UpdatedAt          time.Time `json:"updated_at"`
}

// IdempotentResponse is a cached response for a replayed idempotency key.
type IdempotentResponse struct {
	Status int
	Body   []byte
}

// NewSQLiteStore opens (or creates) the backing database and applies the
// schema.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	trimmed := strings.TrimSpace(path)
	if trimmed == "" {
		return nil, errors.New("payd storage path must be configured")
	}
	db, err := sql.Open("sqlite", trimmed)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

// Close releases database resources.
func (s *SQLiteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// InsertPayment records a new pending pay attempt.
func (s *SQLiteStore) InsertPayment(ctx context.Context, rec PaymentRecord) error {
	if s == nil {
		return errors.New("storage not configured")
	}
	_, err := s.db.ExecContext(ctx, `
        INSERT INTO payments(id, request_id, execution_condition, status, params, fulfillment, last_error, created_at, updated_at)
        VALUES(?, ?, ?, ?, ?, '', '', ?, ?)
    `, rec.ID, rec.RequestID, rec.ExecutionCondition, rec.Status, rec.Params, rec.CreatedAt.UTC(), rec.CreatedAt.UTC())
	if err != nil {
		return fmt.Errorf("insert payment: %w", err)
	}
	return nil
}

// SettlePayment records the terminal outcome of a pay attempt.
func (s *SQLiteStore) SettlePayment(ctx context.Context, id, status, fulfillment, lastError string, at time.Time) error {
	if s == nil {
		return errors.New("storage not configured")
	}
	res, err := s.db.ExecContext(ctx, `
        UPDATE payments SET status = ?, fulfillment = ?, last_error = ?, updated_at = ?
        WHERE id = ?
    `, status, fulfillment, lastError, at.UTC(), id)
	if err != nil {
		return fmt.Errorf("settle payment: %w", err)
	}
	if affected, err := res.RowsAffected(); err == nil && affected == 0 {
		return sql.ErrNoRows
	}
	return nil
}

// GetPayment loads a payment record by its identifier.
func (s *SQLiteStore) GetPayment(ctx context.Context, id string) (PaymentRecord, error) {
	rec := PaymentRecord{}
	if s == nil {
		return rec, errors.New("storage not configured")
	}
	row := s.db.QueryRowContext(ctx, `
        SELECT id, request_id, execution_condition, status, params, fulfillment, last_error, created_at, updated_at
        FROM payments WHERE id = ?
    `, id)
	err := row.Scan(&rec.ID, &rec.RequestID, &rec.ExecutionCondition, &rec.Status,
		&rec.Params, &rec.Fulfillment, &rec.LastError, &rec.CreatedAt, &rec.UpdatedAt)
	if err != nil {
		return rec, err
	}
	return rec, nil
}

// LookupIdempotency returns the cached response for key, nil when the key is
// unknown, or ErrIdempotencyMismatch when the key was used with a different
// request body.
func (s *SQLiteStore) LookupIdempotency(ctx context.Context, key, requestHash string) (*IdempotentResponse, error) {
	if s == nil {
		return nil, errors.New("storage not configured")
	}
	row := s.db.QueryRowContext(ctx, `
        SELECT request_hash, status, body FROM idempotency WHERE key = ?
    `, key)
	var storedHash string
	resp := &IdempotentResponse{}
	if err := row.Scan(&storedHash, &resp.Status, &resp.Body); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("lookup idempotency: %w", err)
	}
	if storedHash != requestHash {
		return nil, ErrIdempotencyMismatch
	}
	return resp, nil
}

// SaveIdempotency caches the response produced for an idempotency key.
func (s *SQLiteStore) SaveIdempotency(ctx context.Context, key, requestHash string, status int, body []byte, at time.Time) error {
	if s == nil {
		return errors.New("storage not configured")
	}
	_, err := s.db.ExecContext(ctx, `
        INSERT INTO idempotency(key, request_hash, status, body, created_at)
        VALUES(?, ?, ?, ?, ?)
        ON CONFLICT(key) DO NOTHING
    `, key, requestHash, status, body, at.UTC())
	if err != nil {
		return fmt.Errorf("save idempotency: %w", err)
	}
	return nil
}
