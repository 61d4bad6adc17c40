package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// IdempotencyStore implements the idempotency guard on the table's primary
// key. The insert either wins atomically or loses to an earlier operation;
// there is no read-then-write window. Records are
// kept indefinitely because payment-provider retries can arrive hours apart.
type IdempotencyStore struct {
	pool *pgxpool.Pool
}

func NewIdempotencyStore(pool *pgxpool.Pool) *IdempotencyStore {
	return &IdempotencyStore{pool: pool}
}

// Check reads whether operationKey was already claimed, without claiming it.
// Callers use it to skip work whose claim was recorded after the work became
// durable.
func (s *IdempotencyStore) Check(ctx context.Context, operationKey string) (bool, string, error) {
	var prior string
	err := s.pool.QueryRow(ctx,
		`SELECT result FROM idempotency_records WHERE operation_key = $1`,
		operationKey).Scan(&prior)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, "", nil
	}
	if err != nil {
		return false, "", fmt.Errorf("read idempotency record: %w", err)
	}

	return true, prior, nil
}

// CheckAndRecord claims operationKey with result. If the key is new it
// returns (true, "", nil); if it was already claimed it returns
// (false, priorResult, nil) so the caller can reproduce the first outcome.
func (s *IdempotencyStore) CheckAndRecord(ctx context.Context, operationKey, result string) (bool, string, error) {
	tag, err := s.pool.Exec(ctx, `
		INSERT INTO idempotency_records (operation_key, result)
		VALUES ($1, $2)
		ON CONFLICT (operation_key) DO NOTHING`,
		operationKey, result)
	if err != nil {
		return false, "", fmt.Errorf("insert idempotency record: %w", err)
	}

	if tag.RowsAffected() > 0 {
		return true, "", nil
	}

	var prior string
	err = s.pool.QueryRow(ctx,
		`SELECT result FROM idempotency_records WHERE operation_key = $1`,
		operationKey).Scan(&prior)
	if err != nil {
		return false, "", fmt.Errorf("read prior result: %w", err)
	}

	return false, prior, nil
}
