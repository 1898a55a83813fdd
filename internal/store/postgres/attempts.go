package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/forgelab/sandboxd/internal/model"
)

const maxAttemptNumberRetries = 5

// AttemptStore is the Attempt Recorder's Postgres-backed repository.
// Attempt numbers are assigned inside a transaction by reading the current
// max and inserting max+1; the unique index on (owner, exercise_id,
// attempt_number) makes concurrent assignments collide loudly, and the
// bounded retry loop re-runs the losing transaction, so the sequence stays
// dense with no gaps.
type AttemptStore struct {
	pool *pgxpool.Pool
}

func NewAttemptStore(pool *pgxpool.Pool) *AttemptStore {
	return &AttemptStore{pool: pool}
}

// Insert assigns attempt.AttemptNumber densely (1, 2, 3, ...) per
// (Owner, ExerciseID) and persists the row.
func (a *AttemptStore) Insert(ctx context.Context, attempt model.Attempt) (model.Attempt, error) {
	attempt.ID = uuid.New()

	reportJSON, err := json.Marshal(attempt.TestReport)
	if err != nil {
		return model.Attempt{}, fmt.Errorf("marshaling test report: %w", err)
	}

	var lastErr error
	for try := 0; try < maxAttemptNumberRetries; try++ {
		tx, err := a.pool.Begin(ctx)
		if err != nil {
			return model.Attempt{}, fmt.Errorf("beginning attempt transaction: %w", err)
		}

		next, err := nextAttemptNumber(ctx, tx, attempt.Owner, attempt.ExerciseID)
		if err != nil {
			_ = tx.Rollback(ctx)
			return model.Attempt{}, err
		}
		attempt.AttemptNumber = next

		_, err = tx.Exec(ctx, `
			INSERT INTO attempts (id, owner, exercise_id, code, stdout, stderr, test_report, passed,
				wall_time_secs, hints_used, attempt_number, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, now())
			RETURNING created_at`,
			attempt.ID, attempt.Owner, attempt.ExerciseID, attempt.Code, attempt.Stdout, attempt.Stderr,
			reportJSON, attempt.Passed, attempt.WallTimeSecs, attempt.HintsUsed, attempt.AttemptNumber,
		)
		if isUniqueViolation(err) {
			_ = tx.Rollback(ctx)
			lastErr = err
			continue
		}
		if err != nil {
			_ = tx.Rollback(ctx)
			return model.Attempt{}, fmt.Errorf("inserting attempt: %w", err)
		}

		if err := tx.Commit(ctx); err != nil {
			lastErr = err
			continue
		}

		return attempt, nil
	}

	return model.Attempt{}, fmt.Errorf("assigning attempt number after %d retries: %w", maxAttemptNumberRetries, lastErr)
}

// nextAttemptNumber reads the current max without locking: two concurrent
// transactions can both read the same max, but only one insert of the
// resulting number survives the unique index — the loser's 23505 is what
// the retry loop in Insert absorbs.
func nextAttemptNumber(ctx context.Context, tx pgx.Tx, owner, exerciseID string) (int, error) {
	var max int
	err := tx.QueryRow(ctx, `
		SELECT COALESCE(MAX(attempt_number), 0)
		FROM attempts
		WHERE owner = $1 AND exercise_id = $2`,
		owner, exerciseID).Scan(&max)
	if errors.Is(err, pgx.ErrNoRows) {
		return 1, nil
	}
	if err != nil {
		return 0, fmt.Errorf("reading attempt sequence for %s/%s: %w", owner, exerciseID, err)
	}

	return max + 1, nil
}

// CountForExercise returns how many attempts owner has made on
// exerciseID, used to enforce Exercise.MaxAttempts.
func (a *AttemptStore) CountForExercise(ctx context.Context, owner, exerciseID string) (int, error) {
	var count int
	err := a.pool.QueryRow(ctx, `
		SELECT count(*) FROM attempts WHERE owner = $1 AND exercise_id = $2`,
		owner, exerciseID).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("counting attempts for %s/%s: %w", owner, exerciseID, err)
	}

	return count, nil
}
