// Package staging materializes a shallow working copy of the target
// repository for LLM calls that need file context on disk.
package staging

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	githttp "github.com/go-git/go-git/v5/plumbing/transport/http"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/devloop/internal/config"
	"github.com/fyrsmithlabs/devloop/internal/logging"
)

// ErrStaging is returned when a working copy cannot be materialized.
// Partial state is cleaned up before the error surfaces.
var ErrStaging = errors.New("staging failed")

// Stager clones repositories into temporary directories.
type Stager struct {
	token config.Secret
	log   *logging.Logger
}

// Workspace is a staged working copy. Callers must Release it.
type Workspace struct {
	// Dir is the root of the checked-out tree.
	Dir string

	log *logging.Logger
}

// NewStager builds a Stager using the given host token for clone auth.
func NewStager(token config.Secret, log *logging.Logger) (*Stager, error) {
	if token.Value() == "" {
		return nil, fmt.Errorf("host token is required")
	}
	if log == nil {
		return nil, fmt.Errorf("logger is required")
	}
	return &Stager{token: token, log: log.Named("staging")}, nil
}

// Stage clones owner/repo at branch into a fresh temporary directory.
// The clone is shallow and single-branch: the staged tree is read-only
// context for the model, never a push source.
func (s *Stager) Stage(ctx context.Context, owner, repo, branch string) (*Workspace, error) {
	if owner == "" || repo == "" || branch == "" {
		return nil, fmt.Errorf("%w: owner, repo and branch are required", ErrStaging)
	}

	dir, err := os.MkdirTemp("", "devloop-stage-*")
	if err != nil {
		return nil, fmt.Errorf("%w: create staging dir: %v", ErrStaging, err)
	}

	url := fmt.Sprintf("https://github.com/%s/%s.git", owner, repo)
	_, err = git.PlainCloneContext(ctx, dir, false, &git.CloneOptions{
		URL:           url,
		ReferenceName: plumbing.NewBranchReferenceName(branch),
		SingleBranch:  true,
		Depth:         1,
		Auth: &githttp.BasicAuth{
			Username: "x-access-token",
			Password: s.token.Value(),
		},
	})
	if err != nil {
		os.RemoveAll(dir)
		return nil, fmt.Errorf("%w: clone %s@%s: %v", ErrStaging, url, branch, err)
	}

	s.log.Info(ctx, "staged repository",
		zap.String("repo", owner+"/"+repo),
		zap.String("branch", branch),
		zap.String("dir", dir))
	return &Workspace{Dir: dir, log: s.log}, nil
}

// Release removes the staged tree. Safe to call more than once.
func (w *Workspace) Release() {
	if w == nil || w.Dir == "" {
		return
	}
	if err := os.RemoveAll(w.Dir); err != nil {
		w.log.Warn(context.Background(), "failed to remove staging dir",
			zap.String("dir", w.Dir), zap.Error(err))
		return
	}
	w.Dir = ""
}
