// Package httpapi is the engine's public HTTP surface: /sandbox/create,
// /sandbox/execute, /sandbox/destroy, plus the operational
// /admin/sandbox/reap and /health endpoints. Handlers are methods on a
// single APIStore that bundles every collaborator they need.
package httpapi

import (
	"context"
	"errors"
	"net/http"
	"sync/atomic"

	"github.com/gin-gonic/gin"
	"github.com/riverqueue/river/rivertype"
	"go.uber.org/zap"

	"github.com/forgelab/sandboxd/internal/attempt"
	"github.com/forgelab/sandboxd/internal/content"
	"github.com/forgelab/sandboxd/internal/jobqueue"
	"github.com/forgelab/sandboxd/internal/ratelimit"
	"github.com/forgelab/sandboxd/internal/submission"
)

// RateLimiter throttles submissions at the request boundary.
type RateLimiter interface {
	Allow(ctx context.Context, owner string) error
}

// Reaper exposes the topology manager's administrative cleanup path.
type Reaper interface {
	ReapAllLabelled(ctx context.Context) (int, error)
}

// JobQueue is the deferred-submission path. When set, a request carrying
// the `X-Async: true` header is enqueued and answered with a job handle
// instead of blocking on container execution; both paths drive the exact
// same submission.Orchestrator.Submit contract.
type JobQueue interface {
	EnqueueSubmit(ctx context.Context, args jobqueue.SubmitPlaybookArgs) (*rivertype.JobRow, error)
}

// APIStore bundles the collaborators every handler needs.
type APIStore struct {
	orchestrator *submission.Orchestrator
	limiter      RateLimiter
	identity     IdentityProvider
	reaper       Reaper
	jobs         JobQueue
	log          *zap.Logger

	// Healthy starts true and is flipped off by main's shutdown path
	// before the listener drains, so a load balancer polling /health
	// stops routing new work to a terminating instance.
	Healthy atomic.Bool
}

// NewAPIStore builds an APIStore. limiter and jobs may be nil to disable
// rate limiting / deferred execution (e.g. in a test harness without
// Redis or River).
func NewAPIStore(orchestrator *submission.Orchestrator, limiter RateLimiter, identity IdentityProvider, reaper Reaper, jobs JobQueue, log *zap.Logger) *APIStore {
	store := &APIStore{
		orchestrator: orchestrator,
		limiter:      limiter,
		identity:     identity,
		reaper:       reaper,
		jobs:         jobs,
		log:          log,
	}
	store.Healthy.Store(true)
	return store
}

// RegisterRoutes wires every endpoint onto r.
func (a *APIStore) RegisterRoutes(r gin.IRouter) {
	r.GET("/health", a.getHealth)
	r.POST("/sandbox/create", a.postSandboxCreate)
	r.POST("/sandbox/execute", a.postSandboxExecute)
	r.POST("/sandbox/destroy", a.postSandboxDestroy)
	r.POST("/admin/sandbox/reap", a.postAdminReap)
}

func (a *APIStore) getHealth(c *gin.Context) {
	if !a.Healthy.Load() {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "draining"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// postSandboxCreate handles `POST /sandbox/create`: 201 on a freshly
// provisioned topology, 200 when an existing session is reused, 500
// when provisioning fails.
func (a *APIStore) postSandboxCreate(c *gin.Context) {
	userID, err := a.identity.UserID(c)
	if err != nil {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": err.Error()})
		return
	}

	sess, created, err := a.orchestrator.EnsureSession(c.Request.Context(), userID)
	if err != nil {
		a.log.Error("sandbox create failed", zap.String("user_id", userID), zap.Error(err))
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "failed to provision sandbox"})
		return
	}

	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	c.JSON(status, gin.H{
		"session_id":    sess.ID,
		"topology_name": sess.TopologyName,
		"state":         sess.State,
	})
}

type executeRequest struct {
	Code       string `json:"code" binding:"required"`
	ExerciseID string `json:"exercise_id"`
	HintsUsed  int    `json:"hints_used"`
}

// postSandboxExecute handles `POST /sandbox/execute`.
func (a *APIStore) postSandboxExecute(c *gin.Context) {
	userID, err := a.identity.UserID(c)
	if err != nil {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": err.Error()})
		return
	}

	var req executeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	if a.limiter != nil {
		if err := a.limiter.Allow(c.Request.Context(), userID); err != nil {
			var limitErr *ratelimit.LimitExceededError
			if errors.As(err, &limitErr) {
				c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{"error": limitErr.Error()})
				return
			}
			a.log.Warn("rate limiter unavailable, allowing submission through", zap.Error(err))
		}
	}

	if a.jobs != nil && c.GetHeader("X-Async") == "true" {
		job, err := a.jobs.EnqueueSubmit(c.Request.Context(), jobqueue.SubmitPlaybookArgs{
			Owner: userID, ExerciseID: req.ExerciseID, Code: req.Code, HintsUsed: req.HintsUsed,
		})
		if err != nil {
			a.log.Error("enqueuing deferred submission failed", zap.String("user_id", userID), zap.Error(err))
			c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "failed to enqueue submission"})
			return
		}
		c.JSON(http.StatusAccepted, gin.H{"job_id": job.ID, "state": job.State})
		return
	}

	resp, err := a.orchestrator.Submit(c.Request.Context(), userID, req.ExerciseID, req.Code, req.HintsUsed)
	if err != nil {
		a.respondSubmitError(c, userID, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"success":        resp.ExecutionResult.Success,
		"exit_code":      resp.ExecutionResult.ExitCode,
		"stdout":         resp.ExecutionResult.Stdout,
		"stderr":         resp.ExecutionResult.Stderr,
		"execution_time": resp.ExecutionResult.WallTime.Seconds(),
		"test_results":   resp.TestReport.TestResults,
		"is_passed":      resp.Passed,
		"warnings":       resp.Warnings,
	})
}

// respondSubmitError maps the submission pipeline's typed errors onto
// status codes.
func (a *APIStore) respondSubmitError(c *gin.Context, userID string, err error) {
	var notFound *content.NotFoundError
	if errors.As(err, &notFound) {
		c.AbortWithStatusJSON(http.StatusNotFound, gin.H{"error": notFound.Error()})
		return
	}

	var valErr *submission.ValidationFailedError
	if errors.As(err, &valErr) {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"errors": valErr.Errors, "warnings": valErr.Warnings})
		return
	}

	var limitErr *attempt.MaxAttemptsExceededError
	if errors.As(err, &limitErr) {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": limitErr.Error()})
		return
	}

	var provErr *submission.ProvisioningFailedError
	if errors.As(err, &provErr) {
		c.AbortWithStatusJSON(http.StatusServiceUnavailable, gin.H{"error": provErr.Error()})
		return
	}

	a.log.Error("submission failed", zap.String("user_id", userID), zap.Error(err))
	c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
}

// postSandboxDestroy handles `POST /sandbox/destroy`.
func (a *APIStore) postSandboxDestroy(c *gin.Context) {
	userID, err := a.identity.UserID(c)
	if err != nil {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": err.Error()})
		return
	}

	destroyed, err := a.orchestrator.DestroySession(c.Request.Context(), userID)
	if err != nil {
		a.log.Error("sandbox destroy failed", zap.String("user_id", userID), zap.Error(err))
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "failed to destroy sandbox"})
		return
	}
	if !destroyed {
		c.AbortWithStatusJSON(http.StatusNotFound, gin.H{"error": "no active sandbox session"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"status": "destroyed"})
}

// postAdminReap is a last-resort operational hammer over the topology
// manager's label-based cleanup.
func (a *APIStore) postAdminReap(c *gin.Context) {
	count, err := a.reaper.ReapAllLabelled(c.Request.Context())
	if err != nil {
		a.log.Error("admin reap failed", zap.Error(err))
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{"removed": count})
}
