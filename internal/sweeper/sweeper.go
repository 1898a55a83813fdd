// Package sweeper implements the periodic reaper: it expires running
// sessions whose TTL has passed and ages out sessions stranded in
// "starting" by a process that died mid-provision. It is driven by
// internal/jobqueue as a River periodic job, and reads its work set from
// the session registry rather than any process-local map, since only the
// registry survives a restart.
package sweeper

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/forgelab/sandboxd/internal/model"
)

// Registry is the subset of the Session Registry the Sweeper drives.
type Registry interface {
	FindExpiredRunning(ctx context.Context, now time.Time) ([]model.Session, error)
	FindStrandedStarting(ctx context.Context, olderThan time.Time) ([]model.Session, error)
	Terminate(ctx context.Context, id uuid.UUID, newState model.SessionState) error
}

// TopologyManager is the subset of the Topology Manager the Sweeper
// drives: it only ever tears down, never creates.
type TopologyManager interface {
	Destroy(ctx context.Context, topologyName string) (bool, error)
}

// Sweeper reaps expired and stranded sessions. One Sweep call is one
// pass; the caller (a River periodic job in production) decides the
// cadence.
type Sweeper struct {
	registry       Registry
	topology       TopologyManager
	recoveryWindow time.Duration
	log            *zap.Logger
}

func New(registry Registry, topology TopologyManager, recoveryWindow time.Duration, log *zap.Logger) *Sweeper {
	return &Sweeper{
		registry:       registry,
		topology:       topology,
		recoveryWindow: recoveryWindow,
		log:            log,
	}
}

// Result tallies what one Sweep pass did, useful for logging and tests.
type Result struct {
	Expired           int
	StrandedRecovered int
	Failures          int
}

// Sweep runs one pass of both duties: expiring running sessions past
// their TTL, and erroring out sessions stuck in "starting" past the
// recovery window. A failure on one session is logged and does not stop
// the pass from reaching the rest.
func (s *Sweeper) Sweep(ctx context.Context) Result {
	var res Result

	now := time.Now()

	expired, err := s.registry.FindExpiredRunning(ctx, now)
	if err != nil {
		s.log.Error("sweeper: listing expired sessions failed", zap.Error(err))
	}
	for _, sess := range expired {
		if err := s.expireOne(ctx, sess); err != nil {
			res.Failures++
			s.log.Error("sweeper: failed to expire session",
				zap.String("topology_name", sess.TopologyName), zap.Error(err))
			continue
		}
		res.Expired++
	}

	stranded, err := s.registry.FindStrandedStarting(ctx, now.Add(-s.recoveryWindow))
	if err != nil {
		s.log.Error("sweeper: listing stranded starting sessions failed", zap.Error(err))
	}
	for _, sess := range stranded {
		if err := s.registry.Terminate(ctx, sess.ID, model.SessionError); err != nil {
			res.Failures++
			s.log.Error("sweeper: failed to age out stranded session",
				zap.String("owner", sess.Owner), zap.Error(err))
			continue
		}
		res.StrandedRecovered++
	}

	return res
}

// expireOne tears down a session's topology and only then marks the row
// expired, so a crash between the two leaves the row reaped again on the
// next pass rather than orphaning the containers.
func (s *Sweeper) expireOne(ctx context.Context, sess model.Session) error {
	if sess.TopologyName != "" {
		ok, err := s.topology.Destroy(ctx, sess.TopologyName)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("topology %q was only partially destroyed", sess.TopologyName)
		}
	}

	return s.registry.Terminate(ctx, sess.ID, model.SessionExpired)
}
