// Package submission is the public entry point that drives every other
// core component: validate, acquire-or-create a session, execute, score,
// record, touch, respond.
package submission

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/forgelab/sandboxd/internal/attempt"
	"github.com/forgelab/sandboxd/internal/model"
	"github.com/forgelab/sandboxd/internal/testrunner"
	"github.com/forgelab/sandboxd/internal/validator"
)

// ValidationFailedError surfaces Validator's errors/warnings to the caller
// without ever reaching the Executor.
type ValidationFailedError struct {
	Errors   []string
	Warnings []string
}

func (e *ValidationFailedError) Error() string {
	return fmt.Sprintf("playbook failed validation: %v", e.Errors)
}

// ProvisioningFailedError wraps a Topology Manager failure encountered
// while auto-provisioning a session for a submission.
type ProvisioningFailedError struct {
	Owner string
	Err   error
}

func (e *ProvisioningFailedError) Error() string {
	return fmt.Sprintf("provisioning a sandbox session for %q failed: %v", e.Owner, e.Err)
}

func (e *ProvisioningFailedError) Unwrap() error { return e.Err }

// ContentStore supplies exercise definitions.
type ContentStore interface {
	GetExercise(ctx context.Context, id string) (model.Exercise, error)
}

// SessionRegistry is the subset of the Session Registry the Orchestrator
// drives directly.
type SessionRegistry interface {
	FindActive(ctx context.Context, owner string) (model.Session, bool, error)
	InsertStarting(ctx context.Context, owner string, ttl time.Duration) (model.Session, error)
	Promote(ctx context.Context, id uuid.UUID, topologyName, controllerID string) error
	Touch(ctx context.Context, id uuid.UUID, newExpiresAt time.Time) error
	Terminate(ctx context.Context, id uuid.UUID, newState model.SessionState) error
}

// TopologyManager is the subset of the Topology Manager the Orchestrator
// drives directly.
type TopologyManager interface {
	Create(ctx context.Context, userID string) (controllerID, topologyName string, err error)
	Destroy(ctx context.Context, topologyName string) (bool, error)
}

// Executor runs a playbook against a provisioned controller.
type Executor interface {
	Execute(ctx context.Context, controllerID, playbookText string, timeoutSeconds int) model.ExecutionResult
}

// Recorder persists the graded attempt.
type Recorder interface {
	PrecheckMaxAttempts(ctx context.Context, owner string, exercise model.Exercise) error
	Record(ctx context.Context, in attempt.RecordInput) (model.Attempt, error)
}

// Orchestrator drives the full submission pipeline.
type Orchestrator struct {
	content    ContentStore
	validate   *validator.Validator
	sessions   SessionRegistry
	topology   TopologyManager
	executor   Executor
	recorder   Recorder
	sessionTTL time.Duration
	log        *zap.Logger
}

func New(content ContentStore, v *validator.Validator, sessions SessionRegistry, topology TopologyManager,
	executor Executor, recorder Recorder, sessionTTL time.Duration, log *zap.Logger) *Orchestrator {
	return &Orchestrator{
		content:    content,
		validate:   v,
		sessions:   sessions,
		topology:   topology,
		executor:   executor,
		recorder:   recorder,
		sessionTTL: sessionTTL,
		log:        log,
	}
}

// Response is submit's composite reply. It never carries solution code —
// Exercise.SolutionCode is tagged json:"-" in model, and nothing here
// re-exposes it.
type Response struct {
	ExecutionResult model.ExecutionResult
	TestReport      model.TestReport
	Passed          bool
	Warnings        []string
}

// Submit runs the full validate -> acquire-or-create -> execute -> score
// -> record -> touch pipeline for one submission.
func (o *Orchestrator) Submit(ctx context.Context, owner, exerciseID, code string, hintsUsed int) (Response, error) {
	exercise, err := o.content.GetExercise(ctx, exerciseID)
	if err != nil {
		return Response{}, err
	}
	if exercise.TimeLimitSeconds <= 0 {
		return Response{}, fmt.Errorf("exercise %q has a non-positive time limit", exerciseID)
	}

	result := o.validate.Validate(code)
	if !result.Valid {
		return Response{}, &ValidationFailedError{Errors: result.Errors, Warnings: result.Warnings}
	}

	if err := o.recorder.PrecheckMaxAttempts(ctx, owner, exercise); err != nil {
		return Response{}, err
	}

	session, err := o.acquireSession(ctx, owner)
	if err != nil {
		return Response{}, err
	}

	execResult := o.executor.Execute(ctx, session.controllerID, code, exercise.TimeLimitSeconds)
	report := testrunner.RunTests(exercise.TestCases, execResult)

	var wallTime *float64
	if execResult.WallTime > 0 {
		secs := execResult.WallTime.Seconds()
		wallTime = &secs
	}

	_, err = o.recorder.Record(ctx, attempt.RecordInput{
		Owner:        owner,
		Exercise:     exercise,
		Code:         code,
		Stdout:       execResult.Stdout,
		Stderr:       execResult.Stderr,
		Report:       report,
		WallTimeSecs: wallTime,
		HintsUsed:    hintsUsed,
	})
	if err != nil {
		o.log.Error("failed to record attempt", zap.String("owner", owner), zap.String("exercise_id", exerciseID), zap.Error(err))
		return Response{}, fmt.Errorf("recording attempt: %w", err)
	}

	if err := o.sessions.Touch(ctx, session.id, time.Now().Add(o.sessionTTL)); err != nil {
		o.log.Warn("failed to touch session after submission", zap.String("owner", owner), zap.Error(err))
	}

	return Response{
		ExecutionResult: execResult,
		TestReport:      report,
		Passed:          report.Passed,
		Warnings:        result.Warnings,
	}, nil
}

// EnsureSession backs `POST /sandbox/create`: it reuses owner's running
// session if one exists, otherwise provisions and promotes a new one.
// created reports whether a new topology was provisioned, so the HTTP
// handler can pick 200 vs 201.
func (o *Orchestrator) EnsureSession(ctx context.Context, owner string) (session model.Session, created bool, err error) {
	existing, found, err := o.sessions.FindActive(ctx, owner)
	if err != nil {
		return model.Session{}, false, fmt.Errorf("looking up active session: %w", err)
	}
	if found {
		return existing, false, nil
	}

	active, err := o.acquireSession(ctx, owner)
	if err != nil {
		return model.Session{}, false, err
	}

	return model.Session{
		ID:           active.id,
		Owner:        owner,
		ControllerID: active.controllerID,
		State:        model.SessionRunning,
	}, true, nil
}

// DestroySession backs `POST /sandbox/destroy`: it tears down owner's
// active session's topology and marks the row stopped. destroyed is
// false when owner had no active session to destroy, which the HTTP
// handler surfaces as 404.
func (o *Orchestrator) DestroySession(ctx context.Context, owner string) (destroyed bool, err error) {
	session, found, err := o.sessions.FindActive(ctx, owner)
	if err != nil {
		return false, fmt.Errorf("looking up active session: %w", err)
	}
	if !found {
		return false, nil
	}

	if session.TopologyName != "" {
		if _, err := o.topology.Destroy(ctx, session.TopologyName); err != nil {
			return false, fmt.Errorf("destroying topology %q: %w", session.TopologyName, err)
		}
	}

	if err := o.sessions.Terminate(ctx, session.ID, model.SessionStopped); err != nil {
		return false, fmt.Errorf("terminating session %s: %w", session.ID, err)
	}

	return true, nil
}

type activeSession struct {
	id           uuid.UUID
	controllerID string
}

// acquireSession implements step 4: reuse a running session, or
// provision and promote a new one.
func (o *Orchestrator) acquireSession(ctx context.Context, owner string) (activeSession, error) {
	existing, found, err := o.sessions.FindActive(ctx, owner)
	if err != nil {
		return activeSession{}, fmt.Errorf("looking up active session: %w", err)
	}
	if found {
		return activeSession{id: existing.ID, controllerID: existing.ControllerID}, nil
	}

	starting, err := o.sessions.InsertStarting(ctx, owner, o.sessionTTL)
	if err != nil {
		return activeSession{}, fmt.Errorf("creating starting session: %w", err)
	}

	controllerID, topologyName, err := o.topology.Create(ctx, owner)
	if err != nil {
		// Fail the row immediately rather than leaving it for the
		// Sweeper's recovery window: a stuck "starting" row blocks the
		// owner from provisioning again until it clears.
		if termErr := o.sessions.Terminate(ctx, starting.ID, model.SessionError); termErr != nil {
			o.log.Warn("failed to mark session error after provisioning failure",
				zap.String("owner", owner), zap.Error(termErr))
		}
		return activeSession{}, &ProvisioningFailedError{Owner: owner, Err: err}
	}

	if err := o.sessions.Promote(ctx, starting.ID, topologyName, controllerID); err != nil {
		if _, destroyErr := o.topology.Destroy(ctx, topologyName); destroyErr != nil {
			o.log.Warn("failed to destroy topology after promote failure",
				zap.String("topology_name", topologyName), zap.Error(destroyErr))
		}
		if termErr := o.sessions.Terminate(ctx, starting.ID, model.SessionError); termErr != nil {
			o.log.Warn("failed to mark session error after promote failure",
				zap.String("owner", owner), zap.Error(termErr))
		}
		return activeSession{}, fmt.Errorf("promoting session: %w", err)
	}

	return activeSession{id: starting.ID, controllerID: controllerID}, nil
}
