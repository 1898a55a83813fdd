// Command sandboxd runs the sandbox execution engine's HTTP surface and
// its background job queue worker (submissions dispatched asynchronously,
// plus the periodic sweeper).
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/forgelab/sandboxd/internal/attempt"
	"github.com/forgelab/sandboxd/internal/cfg"
	"github.com/forgelab/sandboxd/internal/content"
	"github.com/forgelab/sandboxd/internal/executor"
	"github.com/forgelab/sandboxd/internal/httpapi"
	"github.com/forgelab/sandboxd/internal/jobqueue"
	"github.com/forgelab/sandboxd/internal/ledger"
	"github.com/forgelab/sandboxd/internal/logging"
	"github.com/forgelab/sandboxd/internal/ratelimit"
	"github.com/forgelab/sandboxd/internal/store/postgres"
	"github.com/forgelab/sandboxd/internal/submission"
	"github.com/forgelab/sandboxd/internal/sweeper"
	"github.com/forgelab/sandboxd/internal/topology"
	"github.com/forgelab/sandboxd/internal/validator"
)

func main() {
	os.Exit(run())
}

func run() int {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	config, err := cfg.Parse()
	if err != nil {
		fmt.Fprintf(os.Stderr, "parsing config: %v\n", err)
		return 1
	}

	log, err := logging.New(config.Debug)
	if err != nil {
		fmt.Fprintf(os.Stderr, "building logger: %v\n", err)
		return 1
	}
	defer log.Sync() //nolint:errcheck

	pool, err := postgres.Connect(ctx, config.PostgresConnectionString)
	if err != nil {
		log.Error("connecting to postgres", zap.Error(err))
		return 1
	}
	defer pool.Close()

	topoManager, err := topology.New(config, log)
	if err != nil {
		log.Error("initializing topology manager", zap.Error(err))
		return 1
	}
	defer topoManager.Close() //nolint:errcheck

	// The executor gets its own Docker Engine client handle rather than
	// reaching into the topology manager's.
	execDocker, err := topology.NewDockerClientAdapter(config.DockerHost)
	if err != nil {
		log.Error("initializing executor docker client", zap.Error(err))
		return 1
	}
	defer execDocker.Close() //nolint:errcheck

	sessions := postgres.NewSessionStore(pool.Retrying)
	attempts := postgres.NewAttemptStore(pool.Pool)
	exec := executor.New(execDocker)
	recorder := attempt.New(attempts, ledger.NewLoggingLedger(log), config.HintPenaltyFraction, log)

	sessionTTL := time.Duration(config.SessionTTLSeconds) * time.Second
	orchestrator := submission.New(content.NewStaticStore(), validator.New(), sessions, topoManager, exec, recorder, sessionTTL, log)

	sweep := sweeper.New(sessions, topoManager, time.Duration(config.StartingRecoveryWindowSeconds)*time.Second, log)

	queue, err := jobqueue.New(pool.Pool, &orchestratorSubmitter{orchestrator: orchestrator}, sweep,
		time.Duration(config.SweepIntervalSecs)*time.Second, log)
	if err != nil {
		log.Error("initializing job queue", zap.Error(err))
		return 1
	}
	if err := queue.Start(ctx); err != nil {
		log.Error("starting job queue", zap.Error(err))
		return 1
	}
	defer func() {
		stopCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := queue.Stop(stopCtx); err != nil {
			log.Warn("stopping job queue", zap.Error(err))
		}
	}()

	var limiter httpapi.RateLimiter
	if config.RedisURL != "" {
		opts, err := redis.ParseURL(config.RedisURL)
		if err != nil {
			log.Error("parsing redis URL", zap.Error(err))
			return 1
		}
		redisClient := redis.NewClient(opts)
		defer redisClient.Close()
		limiter = ratelimit.New(redisClient, config.SubmissionsPerUserPerMinute, time.Minute)
	}

	store := httpapi.NewAPIStore(orchestrator, limiter, httpapi.NewHeaderIdentityProvider(""), topoManager, queue, log)
	server := httpapi.NewServer(ctx, store, log, config.HTTPPort)

	serverErr := make(chan error, 1)
	go func() {
		log.Info("listening", zap.String("addr", server.Addr))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serverErr <- err
			return
		}
		serverErr <- nil
	}()

	select {
	case <-ctx.Done():
		log.Info("shutting down")
	case err := <-serverErr:
		if err != nil {
			log.Error("server error", zap.Error(err))
			return 1
		}
	}

	// Flip /health to 503 before draining so the load balancer stops
	// routing new submissions to this instance.
	store.Healthy.Store(false)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("graceful shutdown failed", zap.Error(err))
		return 1
	}

	return 0
}

// orchestratorSubmitter adapts *submission.Orchestrator to
// jobqueue.Submitter, discarding the synchronous response since the
// deferred path observes its outcome through the recorded attempt
// instead.
type orchestratorSubmitter struct {
	orchestrator *submission.Orchestrator
}

func (o *orchestratorSubmitter) Submit(ctx context.Context, owner, exerciseID, code string, hintsUsed int) error {
	_, err := o.orchestrator.Submit(ctx, owner, exerciseID, code, hintsUsed)
	return err
}
