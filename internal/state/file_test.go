package state

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/fyrsmithlabs/devloop/internal/logging"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *FileStore {
	t.Helper()
	path := filepath.Join(t.TempDir(), "state.json")
	store, err := NewFileStore(path, logging.NewTestLogger().Logger)
	require.NoError(t, err)
	return store
}

func TestReadCreatesDefaultOnce(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	first, err := store.Read(ctx)
	require.NoError(t, err)
	assert.Equal(t, StatusStarted, first.Status)
	assert.Empty(t, first.CurrentTaskID)
	assert.Equal(t, 0, first.IterationCount)
	assert.Equal(t, DefaultMaxIterations, first.MaxIterations)
	assert.False(t, first.LastUpdated.IsZero())

	// Repeated reads return the same record, no re-creation.
	second, err := store.Read(ctx)
	require.NoError(t, err)
	assert.Equal(t, first, second)
}

func TestWriteStampsLastUpdated(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	st := DefaultState()
	require.NoError(t, store.Write(ctx, st))

	got, err := store.Read(ctx)
	require.NoError(t, err)
	assert.False(t, got.LastUpdated.IsZero())
}

func TestUpdatePartial(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	id := "abc123"
	got, err := store.Update(ctx, Update{CurrentTaskID: &id})
	require.NoError(t, err)
	assert.Equal(t, "abc123", got.CurrentTaskID)
	assert.Equal(t, StatusStarted, got.Status) // untouched

	stopped := StatusStopped
	got, err = store.Update(ctx, Update{Status: &stopped})
	require.NoError(t, err)
	assert.Equal(t, StatusStopped, got.Status)
	assert.Equal(t, "abc123", got.CurrentTaskID) // untouched
}

func TestStopStartLoop(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	_, err := store.IncrementIteration(ctx)
	require.NoError(t, err)
	n, err := store.IncrementIteration(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	require.NoError(t, store.StopLoop(ctx))
	st, err := store.Read(ctx)
	require.NoError(t, err)
	assert.Equal(t, StatusStopped, st.Status)
	assert.Equal(t, 2, st.IterationCount) // stop does not reset the counter

	require.NoError(t, store.StartLoop(ctx))
	st, err = store.Read(ctx)
	require.NoError(t, err)
	assert.Equal(t, StatusStarted, st.Status)
	assert.Equal(t, 0, st.IterationCount) // start does
}

func TestReset(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.SetCurrentTask(ctx, "abc123"))
	require.NoError(t, store.StopLoop(ctx))

	require.NoError(t, store.Reset(ctx))
	st, err := store.Read(ctx)
	require.NoError(t, err)
	assert.Equal(t, StatusStarted, st.Status)
	assert.Empty(t, st.CurrentTaskID)
	assert.Equal(t, 0, st.IterationCount)
}

func TestReadCorruptFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.json")
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0o644))

	store, err := NewFileStore(path, logging.NewTestLogger().Logger)
	require.NoError(t, err)

	_, err = store.Read(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrStorage)
}

func TestNewFileStoreValidation(t *testing.T) {
	_, err := NewFileStore("", logging.NewTestLogger().Logger)
	require.Error(t, err)

	_, err = NewFileStore("/tmp/x.json", nil)
	require.Error(t, err)
}
