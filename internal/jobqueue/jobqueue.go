// Package jobqueue wraps github.com/riverqueue/river over the same
// Postgres pool the durable store uses, giving the engine two things
// from one dependency: a deferred-submission worker (the async variant
// of submission.Orchestrator.Submit) and the sweeper's periodic
// schedule, instead of a hand-rolled ticker goroutine.
package jobqueue

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/riverqueue/river"
	"github.com/riverqueue/river/riverdriver/riverpgxv5"
	"github.com/riverqueue/river/rivertype"
	"go.uber.org/zap"

	"github.com/forgelab/sandboxd/internal/sweeper"
)

// QueueName is the single River queue this service uses. Submissions and
// sweeps are both low-volume relative to a typical River deployment, so
// one queue with a generous worker count is enough.
const QueueName = "sandboxd"

// SubmitPlaybookArgs is the deferred form of a submission: the HTTP
// handler posts one of these and returns a job handle instead of
// blocking on container execution.
type SubmitPlaybookArgs struct {
	Owner      string `json:"owner"`
	ExerciseID string `json:"exercise_id"`
	Code       string `json:"code"`
	HintsUsed  int    `json:"hints_used"`
}

// Kind implements river.JobArgs.
func (SubmitPlaybookArgs) Kind() string { return "submit_playbook" }

// sweepArgs carries no payload; the periodic schedule is what matters.
type sweepArgs struct{}

// Kind implements river.JobArgs.
func (sweepArgs) Kind() string { return "sweep_sessions" }

// Submitter runs the synchronous submit pipeline, discarding its
// response: the deferred path observes the outcome out-of-band, via the
// attempt the pipeline records, rather than through the job's return
// value. It is satisfied by a thin adapter over
// *submission.Orchestrator so this package doesn't import submission's
// full surface.
type Submitter interface {
	Submit(ctx context.Context, owner, exerciseID, code string, hintsUsed int) error
}

// submitWorker adapts Submitter into a river.Worker. Errors are returned
// as-is so River's own retry/backoff policy governs redelivery; a job
// that keeps failing past its max attempts lands in River's discarded
// state for operator inspection rather than being silently dropped.
type submitWorker struct {
	river.WorkerDefaults[SubmitPlaybookArgs]
	submit Submitter
	log    *zap.Logger
}

func (w *submitWorker) Work(ctx context.Context, job *river.Job[SubmitPlaybookArgs]) error {
	err := w.submit.Submit(ctx, job.Args.Owner, job.Args.ExerciseID, job.Args.Code, job.Args.HintsUsed)
	if err != nil {
		w.log.Warn("deferred submission failed",
			zap.String("owner", job.Args.Owner), zap.String("exercise_id", job.Args.ExerciseID), zap.Error(err))
	}
	return err
}

// sweepWorker adapts *sweeper.Sweeper into a river.Worker driven by a
// periodic schedule rather than by explicit inserts.
type sweepWorker struct {
	river.WorkerDefaults[sweepArgs]
	sweep *sweeper.Sweeper
	log   *zap.Logger
}

func (w *sweepWorker) Work(ctx context.Context, _ *river.Job[sweepArgs]) error {
	res := w.sweep.Sweep(ctx)
	w.log.Info("sweep complete",
		zap.Int("expired", res.Expired), zap.Int("stranded_recovered", res.StrandedRecovered), zap.Int("failures", res.Failures))
	return nil
}

// Queue wraps a *river.Client[pgx.Tx] configured with this engine's two
// workers and the Sweeper's periodic schedule.
type Queue struct {
	client *river.Client[pgx.Tx]
}

// New builds a Queue backed by pool, wiring submit and sweep workers in
// and scheduling the sweep on sweepInterval.
func New(pool *pgxpool.Pool, submit Submitter, sweep *sweeper.Sweeper, sweepInterval time.Duration, log *zap.Logger) (*Queue, error) {
	workers := river.NewWorkers()
	if err := river.AddWorkerSafely(workers, &submitWorker{submit: submit, log: log}); err != nil {
		return nil, fmt.Errorf("registering submit worker: %w", err)
	}
	if err := river.AddWorkerSafely(workers, &sweepWorker{sweep: sweep, log: log}); err != nil {
		return nil, fmt.Errorf("registering sweep worker: %w", err)
	}

	client, err := river.NewClient(riverpgxv5.New(pool), &river.Config{
		Queues: map[string]river.QueueConfig{
			QueueName: {MaxWorkers: 10},
		},
		Workers: workers,
		PeriodicJobs: []*river.PeriodicJob{
			river.NewPeriodicJob(
				river.PeriodicInterval(sweepInterval),
				func() (river.JobArgs, *river.InsertOpts) {
					return sweepArgs{}, &river.InsertOpts{Queue: QueueName}
				},
				&river.PeriodicJobOpts{RunOnStart: true},
			),
		},
	})
	if err != nil {
		return nil, fmt.Errorf("creating river client: %w", err)
	}

	return &Queue{client: client}, nil
}

// Start begins processing jobs. It returns once River has finished
// starting up; job processing continues in background goroutines until
// Stop is called.
func (q *Queue) Start(ctx context.Context) error {
	return q.client.Start(ctx)
}

// Stop drains in-flight jobs and stops the client, honoring ctx's
// deadline for graceful shutdown.
func (q *Queue) Stop(ctx context.Context) error {
	return q.client.Stop(ctx)
}

// EnqueueSubmit posts a deferred submission job and returns the inserted
// job row as the handle the HTTP layer hands back to the client.
func (q *Queue) EnqueueSubmit(ctx context.Context, args SubmitPlaybookArgs) (*rivertype.JobRow, error) {
	res, err := q.client.Insert(ctx, args, &river.InsertOpts{Queue: QueueName})
	if err != nil {
		return nil, fmt.Errorf("enqueuing submission job: %w", err)
	}
	return res.Job, nil
}
