package staging

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/devloop/internal/logging"
)

func TestNewStagerValidation(t *testing.T) {
	_, err := NewStager("", logging.NewTestLogger().Logger)
	assert.Error(t, err)

	_, err = NewStager("token", nil)
	assert.Error(t, err)

	s, err := NewStager("token", logging.NewTestLogger().Logger)
	require.NoError(t, err)
	assert.NotNil(t, s)
}

func TestStageValidation(t *testing.T) {
	s, err := NewStager("token", logging.NewTestLogger().Logger)
	require.NoError(t, err)

	_, err = s.Stage(context.Background(), "", "repo", "main")
	assert.ErrorIs(t, err, ErrStaging)

	_, err = s.Stage(context.Background(), "owner", "", "main")
	assert.ErrorIs(t, err, ErrStaging)

	_, err = s.Stage(context.Background(), "owner", "repo", "")
	assert.ErrorIs(t, err, ErrStaging)
}

func TestStageCleansUpOnCloneFailure(t *testing.T) {
	s, err := NewStager("token", logging.NewTestLogger().Logger)
	require.NoError(t, err)

	// Cancelled context guarantees the clone fails without network I/O.
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	before := stagingDirs(t)
	_, err = s.Stage(ctx, "owner", "repo", "main")
	assert.ErrorIs(t, err, ErrStaging)
	assert.Equal(t, before, stagingDirs(t), "partial staging dir left behind")
}

func TestReleaseIdempotent(t *testing.T) {
	dir, err := os.MkdirTemp("", "devloop-stage-*")
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "f"), []byte("x"), 0o644))

	w := &Workspace{Dir: dir, log: logging.NewTestLogger().Logger}
	w.Release()
	assert.NoDirExists(t, dir)
	assert.Empty(t, w.Dir)

	w.Release()

	var nilWS *Workspace
	nilWS.Release()
}

// stagingDirs lists leftover staging temp dirs.
func stagingDirs(t *testing.T) []string {
	t.Helper()
	matches, err := filepath.Glob(filepath.Join(os.TempDir(), "devloop-stage-*"))
	require.NoError(t, err)
	return matches
}
