package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/forgelab/sandboxd/internal/model"
	"github.com/forgelab/sandboxd/internal/store/postgres/retry"
)

// AlreadyActiveError is returned by InsertStarting when the owner already
// has a non-terminal session row. The Session Registry's partial unique
// index (state IN ('starting','running')) is what actually enforces this;
// this error just turns the resulting 23505 into something callers can
// branch on.
type AlreadyActiveError struct {
	Owner string
}

func (e *AlreadyActiveError) Error() string {
	return fmt.Sprintf("user %q already has an active sandbox session", e.Owner)
}

// SessionStore is the session registry's Postgres-backed repository.
type SessionStore struct {
	db retry.DBTX
}

func NewSessionStore(db retry.DBTX) *SessionStore {
	return &SessionStore{db: db}
}

func (s *SessionStore) FindActive(ctx context.Context, owner string) (model.Session, bool, error) {
	row := s.db.QueryRow(ctx, `
		SELECT id, owner, topology_name, controller_id, state, created_at, expires_at, last_activity
		FROM sandbox_sessions
		WHERE owner = $1 AND state = $2 AND expires_at > now()
		ORDER BY created_at DESC
		LIMIT 1`,
		owner, model.SessionRunning)

	var sess model.Session
	err := row.Scan(&sess.ID, &sess.Owner, &sess.TopologyName, &sess.ControllerID, &sess.State,
		&sess.CreatedAt, &sess.ExpiresAt, &sess.LastActivity)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.Session{}, false, nil
	}
	if err != nil {
		return model.Session{}, false, fmt.Errorf("finding active session for %q: %w", owner, err)
	}

	return sess, true, nil
}

// InsertStarting creates a new session row in the starting state, owning
// the window before the Topology Manager has finished provisioning.
func (s *SessionStore) InsertStarting(ctx context.Context, owner string, ttl time.Duration) (model.Session, error) {
	now := time.Now()
	sess := model.Session{
		ID:           uuid.New(),
		Owner:        owner,
		State:        model.SessionStarting,
		CreatedAt:    now,
		ExpiresAt:    now.Add(ttl),
		LastActivity: now,
	}

	_, err := s.db.Exec(ctx, `
		INSERT INTO sandbox_sessions (id, owner, state, created_at, expires_at, last_activity)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		sess.ID, sess.Owner, sess.State, sess.CreatedAt, sess.ExpiresAt, sess.LastActivity)
	if isUniqueViolation(err) {
		return model.Session{}, &AlreadyActiveError{Owner: owner}
	}
	if err != nil {
		return model.Session{}, fmt.Errorf("inserting starting session for %q: %w", owner, err)
	}

	return sess, nil
}

// Promote marks a starting session as running once the topology and
// controller container exist.
func (s *SessionStore) Promote(ctx context.Context, id uuid.UUID, topologyName, controllerID string) error {
	tag, err := s.db.Exec(ctx, `
		UPDATE sandbox_sessions
		SET state = $2, topology_name = $3, controller_id = $4
		WHERE id = $1 AND state = $5`,
		id, model.SessionRunning, topologyName, controllerID, model.SessionStarting)
	if err != nil {
		return fmt.Errorf("promoting session %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("promoting session %s: no starting row found", id)
	}

	return nil
}

// Touch refreshes a running session's expiry and activity timestamp.
func (s *SessionStore) Touch(ctx context.Context, id uuid.UUID, newExpiresAt time.Time) error {
	_, err := s.db.Exec(ctx, `
		UPDATE sandbox_sessions
		SET last_activity = now(), expires_at = $2
		WHERE id = $1 AND state = $3`,
		id, newExpiresAt, model.SessionRunning)
	if err != nil {
		return fmt.Errorf("touching session %s: %w", id, err)
	}

	return nil
}

// Terminate moves a session into a terminal state (stopped, error, or
// expired).
func (s *SessionStore) Terminate(ctx context.Context, id uuid.UUID, newState model.SessionState) error {
	if !newState.IsTerminal() {
		return fmt.Errorf("terminate requires a terminal state, got %q", newState)
	}

	_, err := s.db.Exec(ctx, `
		UPDATE sandbox_sessions SET state = $2 WHERE id = $1`,
		id, newState)
	if err != nil {
		return fmt.Errorf("terminating session %s: %w", id, err)
	}

	return nil
}

// FindExpiredRunning lists running sessions whose expires_at has passed,
// for the Sweeper.
func (s *SessionStore) FindExpiredRunning(ctx context.Context, now time.Time) ([]model.Session, error) {
	rows, err := s.db.Query(ctx, `
		SELECT id, owner, topology_name, controller_id, state, created_at, expires_at, last_activity
		FROM sandbox_sessions
		WHERE state = $1 AND expires_at <= $2`,
		model.SessionRunning, now)
	if err != nil {
		return nil, fmt.Errorf("listing expired sessions: %w", err)
	}
	defer rows.Close()

	var out []model.Session
	for rows.Next() {
		var sess model.Session
		if err := rows.Scan(&sess.ID, &sess.Owner, &sess.TopologyName, &sess.ControllerID, &sess.State,
			&sess.CreatedAt, &sess.ExpiresAt, &sess.LastActivity); err != nil {
			return nil, fmt.Errorf("scanning expired session row: %w", err)
		}
		out = append(out, sess)
	}

	return out, rows.Err()
}

// FindStrandedStarting lists sessions stuck in starting past the
// recovery window, meaning the process that was provisioning them likely
// died before promoting or failing them.
func (s *SessionStore) FindStrandedStarting(ctx context.Context, olderThan time.Time) ([]model.Session, error) {
	rows, err := s.db.Query(ctx, `
		SELECT id, owner, topology_name, controller_id, state, created_at, expires_at, last_activity
		FROM sandbox_sessions
		WHERE state = $1 AND created_at <= $2`,
		model.SessionStarting, olderThan)
	if err != nil {
		return nil, fmt.Errorf("listing stranded starting sessions: %w", err)
	}
	defer rows.Close()

	var out []model.Session
	for rows.Next() {
		var sess model.Session
		if err := rows.Scan(&sess.ID, &sess.Owner, &sess.TopologyName, &sess.ControllerID, &sess.State,
			&sess.CreatedAt, &sess.ExpiresAt, &sess.LastActivity); err != nil {
			return nil, fmt.Errorf("scanning stranded session row: %w", err)
		}
		out = append(out, sess)
	}

	return out, rows.Err()
}
