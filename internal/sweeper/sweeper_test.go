package sweeper

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"go.uber.org/zap/zaptest"

	"github.com/forgelab/sandboxd/internal/model"
)

type fakeRegistry struct {
	expired      []model.Session
	stranded     []model.Session
	terminated   map[uuid.UUID]model.SessionState
	expiredErr   error
	strandedErr  error
	terminateErr error
}

func newFakeRegistry() *fakeRegistry {
	return &fakeRegistry{terminated: map[uuid.UUID]model.SessionState{}}
}

func (f *fakeRegistry) FindExpiredRunning(ctx context.Context, now time.Time) ([]model.Session, error) {
	return f.expired, f.expiredErr
}

func (f *fakeRegistry) FindStrandedStarting(ctx context.Context, olderThan time.Time) ([]model.Session, error) {
	return f.stranded, f.strandedErr
}

func (f *fakeRegistry) Terminate(ctx context.Context, id uuid.UUID, newState model.SessionState) error {
	if f.terminateErr != nil {
		return f.terminateErr
	}
	f.terminated[id] = newState
	return nil
}

type fakeTopology struct {
	destroyed []string
	err       error
}

func (f *fakeTopology) Destroy(ctx context.Context, topologyName string) (bool, error) {
	if f.err != nil {
		return false, f.err
	}
	f.destroyed = append(f.destroyed, topologyName)
	return true, nil
}

func TestSweep_ExpiresRunningSessionsPastTTL(t *testing.T) {
	t.Parallel()

	id := uuid.New()
	registry := newFakeRegistry()
	registry.expired = []model.Session{{ID: id, TopologyName: "ansible-sandbox_alice_abc"}}
	topo := &fakeTopology{}

	s := New(registry, topo, time.Minute, zaptest.NewLogger(t))
	res := s.Sweep(context.Background())

	assert.Equal(t, 1, res.Expired)
	assert.Equal(t, 0, res.Failures)
	assert.Equal(t, []string{"ansible-sandbox_alice_abc"}, topo.destroyed)
	assert.Equal(t, model.SessionExpired, registry.terminated[id])
}

func TestSweep_AgesOutStrandedStartingSessions(t *testing.T) {
	t.Parallel()

	id := uuid.New()
	registry := newFakeRegistry()
	registry.stranded = []model.Session{{ID: id, Owner: "bob"}}

	s := New(registry, &fakeTopology{}, time.Minute, zaptest.NewLogger(t))
	res := s.Sweep(context.Background())

	assert.Equal(t, 1, res.StrandedRecovered)
	assert.Equal(t, model.SessionError, registry.terminated[id])
}

func TestSweep_DestroyFailureIsLoggedAndDoesNotStopThePass(t *testing.T) {
	t.Parallel()

	okID, failID := uuid.New(), uuid.New()
	registry := newFakeRegistry()
	registry.expired = []model.Session{
		{ID: failID, TopologyName: "ansible-sandbox_carol_bad"},
		{ID: okID, TopologyName: "ansible-sandbox_dave_ok"},
	}
	topo := &failOnceTopology{failTopology: "ansible-sandbox_carol_bad"}

	s := New(registry, topo, time.Minute, zaptest.NewLogger(t))
	res := s.Sweep(context.Background())

	assert.Equal(t, 1, res.Expired)
	assert.Equal(t, 1, res.Failures)
	assert.Equal(t, model.SessionExpired, registry.terminated[okID])
	_, sawFailID := registry.terminated[failID]
	assert.False(t, sawFailID, "a destroy failure must not mark the row expired")
}

type failOnceTopology struct {
	failTopology string
}

func (f *failOnceTopology) Destroy(ctx context.Context, topologyName string) (bool, error) {
	if topologyName == f.failTopology {
		return false, assertError("docker daemon unreachable")
	}
	return true, nil
}

type assertError string

func (e assertError) Error() string { return string(e) }
