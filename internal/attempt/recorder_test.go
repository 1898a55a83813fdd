package attempt

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/forgelab/sandboxd/internal/model"
)

type fakeStore struct {
	count      int
	countErr   error
	insertErr  error
	lastInsert model.Attempt
}

func (f *fakeStore) CountForExercise(ctx context.Context, owner, exerciseID string) (int, error) {
	return f.count, f.countErr
}

func (f *fakeStore) Insert(ctx context.Context, attempt model.Attempt) (model.Attempt, error) {
	if f.insertErr != nil {
		return model.Attempt{}, f.insertErr
	}
	attempt.AttemptNumber = f.count + 1
	f.lastInsert = attempt
	return attempt, nil
}

type fakeLedger struct {
	awarded  int
	awardErr error
}

func (f *fakeLedger) AwardPoints(ctx context.Context, owner string, amount int) error {
	f.awarded = amount
	return f.awardErr
}

func TestRecord_MaxAttemptsExceeded(t *testing.T) {
	t.Parallel()

	store := &fakeStore{count: 3}
	rec := New(store, &fakeLedger{}, 0.1, zaptest.NewLogger(t))

	_, err := rec.Record(context.Background(), RecordInput{
		Owner:    "alice",
		Exercise: model.Exercise{ID: "ex1", MaxAttempts: 3, Points: 100},
	})

	require.Error(t, err)
	var maxErr *MaxAttemptsExceededError
	require.ErrorAs(t, err, &maxErr)
}

func TestRecord_UnlimitedAttemptsWhenMaxAttemptsZero(t *testing.T) {
	t.Parallel()

	store := &fakeStore{count: 999}
	led := &fakeLedger{}
	rec := New(store, led, 0.1, zaptest.NewLogger(t))

	attempt, err := rec.Record(context.Background(), RecordInput{
		Owner:    "bob",
		Exercise: model.Exercise{ID: "ex1", MaxAttempts: 0, Points: 100},
		Report:   model.TestReport{Passed: true},
	})

	require.NoError(t, err)
	assert.Equal(t, 1000, attempt.AttemptNumber)
}

func TestRecord_HintPenaltyReducesAwardedPoints(t *testing.T) {
	t.Parallel()

	store := &fakeStore{}
	led := &fakeLedger{}
	rec := New(store, led, 0.1, zaptest.NewLogger(t))

	_, err := rec.Record(context.Background(), RecordInput{
		Owner:     "carol",
		Exercise:  model.Exercise{ID: "ex1", Points: 100},
		Report:    model.TestReport{Passed: true},
		HintsUsed: 2,
	})

	require.NoError(t, err)
	assert.Equal(t, 80, led.awarded) // 100 - 2*10%
}

func TestRecord_HintPenaltyClampsAtZero(t *testing.T) {
	t.Parallel()

	store := &fakeStore{}
	led := &fakeLedger{}
	rec := New(store, led, 0.5, zaptest.NewLogger(t))

	_, err := rec.Record(context.Background(), RecordInput{
		Owner:     "dave",
		Exercise:  model.Exercise{ID: "ex1", Points: 100},
		Report:    model.TestReport{Passed: true},
		HintsUsed: 5,
	})

	require.NoError(t, err)
	assert.Equal(t, 0, led.awarded)
}

func TestRecord_LedgerFailureDoesNotFailTheAttempt(t *testing.T) {
	t.Parallel()

	store := &fakeStore{}
	led := &fakeLedger{awardErr: assertErr{}}
	rec := New(store, led, 0.1, zaptest.NewLogger(t))

	attempt, err := rec.Record(context.Background(), RecordInput{
		Owner:    "erin",
		Exercise: model.Exercise{ID: "ex1", Points: 100},
		Report:   model.TestReport{Passed: true},
	})

	require.NoError(t, err)
	assert.True(t, attempt.Passed)
}

func TestRecord_FailedAttemptDoesNotAwardPoints(t *testing.T) {
	t.Parallel()

	store := &fakeStore{}
	led := &fakeLedger{}
	rec := New(store, led, 0.1, zaptest.NewLogger(t))

	_, err := rec.Record(context.Background(), RecordInput{
		Owner:    "frank",
		Exercise: model.Exercise{ID: "ex1", Points: 100},
		Report:   model.TestReport{Passed: false},
	})

	require.NoError(t, err)
	assert.Equal(t, 0, led.awarded)
}

type assertErr struct{}

func (assertErr) Error() string { return "ledger unavailable" }
