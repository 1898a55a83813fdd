// Package content declares the content store collaborator: an external
// system, out of scope for this engine, that owns exercise definitions.
// Only its interface to the core lives here.
package content

import (
	"context"
	"fmt"
	"sync"

	"github.com/forgelab/sandboxd/internal/model"
)

// NotFoundError is returned when an exercise id has no backing record.
type NotFoundError struct {
	ExerciseID string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("exercise %q not found", e.ExerciseID)
}

// Store is the interface the Submission Orchestrator uses to load exercise
// definitions. A real deployment backs this with the course/module/lesson
// content model; this engine never implements it.
type Store interface {
	// GetExercise returns the exercise record for id, or a *NotFoundError.
	GetExercise(ctx context.Context, id string) (model.Exercise, error)
}

// StaticStore is a fixed in-memory Store, useful for running this engine
// standalone (no course/module/lesson content model wired up) and in
// tests. It is not a production content store — the real one lives
// outside this engine.
type StaticStore struct {
	mu        sync.RWMutex
	exercises map[string]model.Exercise
}

// NewStaticStore builds a StaticStore seeded with exercises.
func NewStaticStore(exercises ...model.Exercise) *StaticStore {
	s := &StaticStore{exercises: make(map[string]model.Exercise, len(exercises))}
	for _, ex := range exercises {
		s.exercises[ex.ID] = ex
	}
	return s
}

// Put inserts or replaces an exercise record.
func (s *StaticStore) Put(ex model.Exercise) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.exercises[ex.ID] = ex
}

func (s *StaticStore) GetExercise(_ context.Context, id string) (model.Exercise, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ex, ok := s.exercises[id]
	if !ok {
		return model.Exercise{}, &NotFoundError{ExerciseID: id}
	}
	return ex, nil
}
