// Package attempt records graded submissions: it enforces an exercise's
// max-attempts limit, persists the attempt with a dense per-(owner,
// exercise) attempt number, and, best effort after the row is safely
// committed, awards ledger points net of a hint penalty.
package attempt

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/forgelab/sandboxd/internal/ledger"
	"github.com/forgelab/sandboxd/internal/model"
)

// MaxAttemptsExceededError is returned when owner has already used up
// exercise's attempt budget. A zero MaxAttempts means unlimited.
type MaxAttemptsExceededError struct {
	Owner      string
	ExerciseID string
	Limit      int
}

func (e *MaxAttemptsExceededError) Error() string {
	return fmt.Sprintf("user %q has reached the %d attempt limit for exercise %q", e.Owner, e.Limit, e.ExerciseID)
}

// Store is the persistence collaborator the Recorder needs.
type Store interface {
	CountForExercise(ctx context.Context, owner, exerciseID string) (int, error)
	Insert(ctx context.Context, attempt model.Attempt) (model.Attempt, error)
}

// Recorder persists attempts and drives their side effects.
type Recorder struct {
	store               Store
	ledger              ledger.Ledger
	hintPenaltyFraction float64
	log                 *zap.Logger
}

func New(store Store, led ledger.Ledger, hintPenaltyFraction float64, log *zap.Logger) *Recorder {
	return &Recorder{store: store, ledger: led, hintPenaltyFraction: hintPenaltyFraction, log: log}
}

// RecordInput bundles what the Submission Orchestrator has assembled by
// the time an attempt is ready to be recorded.
type RecordInput struct {
	Owner        string
	Exercise     model.Exercise
	Code         string
	Stdout       string
	Stderr       string
	Report       model.TestReport
	WallTimeSecs *float64
	HintsUsed    int
}

// PrecheckMaxAttempts fails fast with a *MaxAttemptsExceededError before
// the Orchestrator spends a container run on a submission that cannot be
// recorded anyway. Record calls this again immediately before inserting,
// since a concurrent submission could have exhausted the budget between
// the precheck and the attempt actually finishing execution.
func (r *Recorder) PrecheckMaxAttempts(ctx context.Context, owner string, exercise model.Exercise) error {
	if exercise.MaxAttempts <= 0 {
		return nil
	}

	count, err := r.store.CountForExercise(ctx, owner, exercise.ID)
	if err != nil {
		return fmt.Errorf("checking attempt count: %w", err)
	}
	if count >= exercise.MaxAttempts {
		return &MaxAttemptsExceededError{Owner: owner, ExerciseID: exercise.ID, Limit: exercise.MaxAttempts}
	}

	return nil
}

// Record enforces the exercise's max-attempts limit, persists the
// attempt, and — if it passed — awards ledger points net of the hint
// penalty. A Ledger failure is logged but never fails the attempt: the
// attempt record is the attempt's source of truth, the ledger is a
// side effect of it.
func (r *Recorder) Record(ctx context.Context, in RecordInput) (model.Attempt, error) {
	if err := r.PrecheckMaxAttempts(ctx, in.Owner, in.Exercise); err != nil {
		return model.Attempt{}, err
	}

	attempt := model.Attempt{
		Owner:        in.Owner,
		ExerciseID:   in.Exercise.ID,
		Code:         in.Code,
		Stdout:       in.Stdout,
		Stderr:       in.Stderr,
		TestReport:   in.Report,
		Passed:       in.Report.Passed,
		WallTimeSecs: in.WallTimeSecs,
		HintsUsed:    in.HintsUsed,
	}

	saved, err := r.store.Insert(ctx, attempt)
	if err != nil {
		return model.Attempt{}, fmt.Errorf("persisting attempt: %w", err)
	}

	if saved.Passed {
		points := r.pointsAfterHintPenalty(in.Exercise.Points, in.HintsUsed)
		if err := r.ledger.AwardPoints(ctx, in.Owner, points); err != nil {
			r.log.Warn("ledger award failed after attempt committed",
				zap.String("owner", in.Owner), zap.String("exercise_id", in.Exercise.ID), zap.Error(err))
		}
	}

	return saved, nil
}

// pointsAfterHintPenalty deducts hintPenaltyFraction per hint used,
// clamped so points never go negative.
func (r *Recorder) pointsAfterHintPenalty(basePoints, hintsUsed int) int {
	if hintsUsed <= 0 {
		return basePoints
	}

	deduction := float64(basePoints) * r.hintPenaltyFraction * float64(hintsUsed)
	points := float64(basePoints) - deduction
	if points < 0 {
		points = 0
	}

	return int(points)
}
