package content

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/forgelab/sandboxd/internal/model"
)

func TestStaticStore_GetExercise(t *testing.T) {
	t.Parallel()

	store := NewStaticStore(model.Exercise{ID: "ex1", Points: 50})

	ex, err := store.GetExercise(context.Background(), "ex1")
	require.NoError(t, err)
	assert.Equal(t, 50, ex.Points)

	_, err = store.GetExercise(context.Background(), "missing")
	var notFound *NotFoundError
	require.ErrorAs(t, err, &notFound)
	assert.Equal(t, "missing", notFound.ExerciseID)
}

func TestStaticStore_PutReplacesExisting(t *testing.T) {
	t.Parallel()

	store := NewStaticStore(model.Exercise{ID: "ex1", Points: 50})
	store.Put(model.Exercise{ID: "ex1", Points: 75})

	ex, err := store.GetExercise(context.Background(), "ex1")
	require.NoError(t, err)
	assert.Equal(t, 75, ex.Points)
}
