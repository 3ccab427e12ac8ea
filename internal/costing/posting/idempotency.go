package posting

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
)

// IdempotencyState tracks per-line posting progress.
type IdempotencyState string

const (
	// StatePending marks a line whose external call is in flight.
	StatePending IdempotencyState = "PENDING"
	// StateSuccess marks a fully resolved line; retries skip it entirely.
	StateSuccess IdempotencyState = "SUCCESS"
	// StateFailed marks a line whose last attempt failed; retries re-run it
	// using the recorded request.
	StateFailed IdempotencyState = "FAILED"
)

// IdempotencyRecord stores the external call's request and response for
// audit and for safe retry detection.
type IdempotencyRecord struct {
	Key       string
	ReceiptID uuid.UUID
	LineID    uuid.UUID
	State     IdempotencyState
	// TargetQty is the absolute on-hand quantity requested from the stock
	// system. Retries re-send this exact value so a half-applied line is
	// never double-counted. It stays NULL for lines that failed before the
	// stock read: no update was ever sent, so a retry reads current stock.
	TargetQty  decimal.NullDecimal
	ResultQty  decimal.NullDecimal
	ErrMessage string
	UpdatedAt  time.Time
}

// PostingKey builds the idempotency key for a posting line.
func PostingKey(receiptID, lineID uuid.UUID) string {
	return fmt.Sprintf("%s-LINE-%s", receiptID, lineID)
}

// ReversalKey builds the idempotency key for a reversal line. The prefix
// keeps it collision-free against posting keys.
func ReversalKey(reversalReceiptID, lineID uuid.UUID) string {
	return fmt.Sprintf("REVERSAL-%s-LINE-%s", reversalReceiptID, lineID)
}

// IdempotencyStore persists per-line posting state in PostgreSQL.
type IdempotencyStore struct {
	pool *pgxpool.Pool
}

// NewIdempotencyStore constructs the store.
func NewIdempotencyStore(pool *pgxpool.Pool) *IdempotencyStore {
	return &IdempotencyStore{pool: pool}
}

// ErrRecordNotFound indicates no record exists for the key.
var ErrRecordNotFound = errors.New("posting: idempotency record not found")

// Get loads the record for a key.
func (s *IdempotencyStore) Get(ctx context.Context, key string) (IdempotencyRecord, error) {
	if s == nil {
		return IdempotencyRecord{}, errors.New("idempotency store not initialised")
	}
	var rec IdempotencyRecord
	var state string
	err := s.pool.QueryRow(ctx, `
		SELECT key, receipt_id, line_id, state, target_qty, result_qty, err_message, updated_at
		FROM posting_idempotency WHERE key=$1`, key).
		Scan(&rec.Key, &rec.ReceiptID, &rec.LineID, &state, &rec.TargetQty, &rec.ResultQty, &rec.ErrMessage, &rec.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return IdempotencyRecord{}, ErrRecordNotFound
		}
		return IdempotencyRecord{}, err
	}
	rec.State = IdempotencyState(state)
	return rec, nil
}

// MarkPending upserts the record into PENDING with the requested target
// quantity. SUCCESS records are never downgraded.
func (s *IdempotencyStore) MarkPending(ctx context.Context, rec IdempotencyRecord) error {
	if s == nil {
		return errors.New("idempotency store not initialised")
	}
	if rec.Key == "" {
		return errors.New("idempotency key required")
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO posting_idempotency (key, receipt_id, line_id, state, target_qty, err_message, updated_at)
		VALUES ($1, $2, $3, $4, $5, '', $6)
		ON CONFLICT (key) DO UPDATE
		SET state=EXCLUDED.state, target_qty=EXCLUDED.target_qty, err_message='', updated_at=EXCLUDED.updated_at
		WHERE posting_idempotency.state <> 'SUCCESS'`,
		rec.Key, rec.ReceiptID, rec.LineID, string(StatePending), rec.TargetQty, time.Now().UTC())
	return err
}

// MarkSuccess records the confirmed quantity returned by the stock system.
func (s *IdempotencyStore) MarkSuccess(ctx context.Context, key string, resultQty decimal.Decimal) error {
	if s == nil {
		return errors.New("idempotency store not initialised")
	}
	_, err := s.pool.Exec(ctx, `
		UPDATE posting_idempotency SET state=$2, result_qty=$3, err_message='', updated_at=$4 WHERE key=$1`,
		key, string(StateSuccess), decimal.NewNullDecimal(resultQty), time.Now().UTC())
	return err
}

// MarkFailed records the failure message for audit visibility. It upserts:
// a line can fail before MarkPending ever created its row, and that failure
// still needs a record. An existing row keeps its recorded target quantity.
func (s *IdempotencyStore) MarkFailed(ctx context.Context, rec IdempotencyRecord, message string) error {
	if s == nil {
		return errors.New("idempotency store not initialised")
	}
	if rec.Key == "" {
		return errors.New("idempotency key required")
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO posting_idempotency (key, receipt_id, line_id, state, target_qty, err_message, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (key) DO UPDATE
		SET state=EXCLUDED.state, err_message=EXCLUDED.err_message, updated_at=EXCLUDED.updated_at
		WHERE posting_idempotency.state <> 'SUCCESS'`,
		rec.Key, rec.ReceiptID, rec.LineID, string(StateFailed), rec.TargetQty, message, time.Now().UTC())
	return err
}

// Cleanup removes terminal records older than the retention window.
func (s *IdempotencyStore) Cleanup(ctx context.Context, olderThan time.Duration) (int64, error) {
	if s == nil {
		return 0, nil
	}
	cutoff := time.Now().Add(-olderThan)
	tag, err := s.pool.Exec(ctx, `
		DELETE FROM posting_idempotency WHERE state <> 'PENDING' AND updated_at < $1`, cutoff)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}
