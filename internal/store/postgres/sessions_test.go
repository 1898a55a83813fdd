package postgres

import (
	"context"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/forgelab/sandboxd/internal/model"
)

type fakeDBTX struct {
	execFunc     func(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	queryRowFunc func(ctx context.Context, sql string, args ...any) pgx.Row
}

func (f *fakeDBTX) Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	return f.execFunc(ctx, sql, args...)
}

func (f *fakeDBTX) Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error) {
	return nil, nil
}

func (f *fakeDBTX) QueryRow(ctx context.Context, sql string, args ...any) pgx.Row {
	return f.queryRowFunc(ctx, sql, args...)
}

type fakeRow struct {
	err error
}

func (r *fakeRow) Scan(dest ...any) error { return r.err }

func TestInsertStarting_HappyPath(t *testing.T) {
	t.Parallel()

	db := &fakeDBTX{
		execFunc: func(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
			return pgconn.NewCommandTag("INSERT 1"), nil
		},
	}
	store := NewSessionStore(db)

	sess, err := store.InsertStarting(context.Background(), "alice", 30*time.Minute)
	require.NoError(t, err)
	assert.Equal(t, "alice", sess.Owner)
	assert.Equal(t, model.SessionStarting, sess.State)
}

func TestInsertStarting_UniqueViolationBecomesAlreadyActive(t *testing.T) {
	t.Parallel()

	db := &fakeDBTX{
		execFunc: func(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
			return pgconn.CommandTag{}, &pgconn.PgError{Code: sqlStateUniqueViolation}
		},
	}
	store := NewSessionStore(db)

	_, err := store.InsertStarting(context.Background(), "bob", 30*time.Minute)
	require.Error(t, err)

	var alreadyActive *AlreadyActiveError
	require.ErrorAs(t, err, &alreadyActive)
	assert.Equal(t, "bob", alreadyActive.Owner)
}

func TestFindActive_NoRowsReturnsFalseNotError(t *testing.T) {
	t.Parallel()

	db := &fakeDBTX{
		queryRowFunc: func(ctx context.Context, sql string, args ...any) pgx.Row {
			return &fakeRow{err: pgx.ErrNoRows}
		},
	}
	store := NewSessionStore(db)

	_, found, err := store.FindActive(context.Background(), "carol")
	require.NoError(t, err)
	assert.False(t, found)
}

func TestTerminate_RejectsNonTerminalState(t *testing.T) {
	t.Parallel()

	db := &fakeDBTX{}
	store := NewSessionStore(db)

	err := store.Terminate(context.Background(), (model.Session{}).ID, model.SessionRunning)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "terminal state")
}
