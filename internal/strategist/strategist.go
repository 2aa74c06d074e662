// Package strategist turns merged work into updated planning documents
// and restarts the loop.
package strategist

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/fyrsmithlabs/devloop/internal/llm"
	"github.com/fyrsmithlabs/devloop/internal/logging"
	"github.com/fyrsmithlabs/devloop/internal/orchestrator"
	"github.com/fyrsmithlabs/devloop/internal/staging"
	"github.com/fyrsmithlabs/devloop/internal/state"
)

// Marker commit messages for the strategist's own commits. Webhook
// routing excludes pushes carrying these so the pipeline does not feed
// on itself.
const (
	MemoryCommitMessage = "chore: update agent memory after merge"
	TasksCommitMessage  = "chore: update tasks after merge"
)

// IncidentLabel marks issues filed when a learning cycle fails.
const IncidentLabel = "devloop-error"

// Host is the slice of the source-host client the strategist consumes.
type Host interface {
	CommitDiff(ctx context.Context, sha string) (string, error)
	FileContent(ctx context.Context, path, ref string) (string, error)
	UpdateFile(ctx context.Context, path, content, message, branch string) error
	CreateIssue(ctx context.Context, title, body string, labels []string) error
}

// Learner runs the two post-merge model calls.
type Learner interface {
	ExtractLessons(ctx context.Context, currentAgents, mergeDiff string, opts llm.GenerateOptions) (string, error)
	UpdateTasks(ctx context.Context, currentTasks, mergeDiff string, opts llm.GenerateOptions) (string, error)
}

// Stager materializes repository working copies.
type Stager interface {
	Stage(ctx context.Context, owner, repo, branch string) (*staging.Workspace, error)
}

// PlannerRunner starts the next planning cycle.
type PlannerRunner interface {
	Run(ctx context.Context) error
}

// Strategist learns from merged commits.
type Strategist struct {
	host    Host
	stager  Stager
	llm     Learner
	store   state.Store
	planner PlannerRunner
	owner   string
	repo    string
	branch  string
	log     *logging.Logger

	// inFlight rejects a concurrent second cycle for the same commit.
	// Process-local: it does not guard multiple service instances.
	mu       sync.Mutex
	inFlight map[string]struct{}
}

// Deps bundles the Strategist's collaborators.
type Deps struct {
	Host    Host
	Stager  Stager
	LLM     Learner
	Store   state.Store
	Planner PlannerRunner
	Owner   string
	Repo    string
	Branch  string
	Log     *logging.Logger
}

// New builds a Strategist.
func New(deps Deps) (*Strategist, error) {
	if deps.Host == nil || deps.Stager == nil || deps.LLM == nil || deps.Store == nil || deps.Planner == nil {
		return nil, fmt.Errorf("all strategist collaborators are required")
	}
	if deps.Owner == "" || deps.Repo == "" || deps.Branch == "" {
		return nil, fmt.Errorf("owner, repo and branch are required")
	}
	if deps.Log == nil {
		return nil, fmt.Errorf("logger is required")
	}
	return &Strategist{
		host:     deps.Host,
		stager:   deps.Stager,
		llm:      deps.LLM,
		store:    deps.Store,
		planner:  deps.Planner,
		owner:    deps.Owner,
		repo:     deps.Repo,
		branch:   deps.Branch,
		log:      deps.Log.Named("strategist"),
		inFlight: make(map[string]struct{}),
	}, nil
}

// Run executes one learning cycle for a merged commit. A second
// concurrent call for the same SHA is a logged no-op. Errors file an
// incident issue instead of retrying.
func (s *Strategist) Run(ctx context.Context, commitSHA string) error {
	if commitSHA == "" {
		return fmt.Errorf("commit SHA is required")
	}
	if !s.tryAcquire(commitSHA) {
		s.log.Info(ctx, "commit already being processed, skipping",
			zap.String("sha", commitSHA))
		return nil
	}
	defer s.release(commitSHA)

	if err := s.run(ctx, commitSHA); err != nil {
		s.log.Error(ctx, "learning cycle failed",
			zap.String("sha", commitSHA), zap.Error(err))
		s.fileIncident(ctx, commitSHA, err)
		return err
	}
	return nil
}

func (s *Strategist) run(ctx context.Context, commitSHA string) error {
	ws, err := s.stager.Stage(ctx, s.owner, s.repo, s.branch)
	if err != nil {
		return fmt.Errorf("stage repository: %w", err)
	}
	defer ws.Release()

	diff, err := s.host.CommitDiff(ctx, commitSHA)
	if err != nil {
		return fmt.Errorf("fetch commit diff: %w", err)
	}

	var agents, tasks string
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var ferr error
		agents, ferr = s.host.FileContent(gctx, orchestrator.AgentsDoc, s.branch)
		return ferr
	})
	g.Go(func() error {
		var ferr error
		tasks, ferr = s.host.FileContent(gctx, orchestrator.TasksDoc, s.branch)
		return ferr
	})
	if err := g.Wait(); err != nil {
		return fmt.Errorf("fetch planning documents: %w", err)
	}

	opts := llm.GenerateOptions{WorkingDir: ws.Dir}
	newAgents, err := s.llm.ExtractLessons(ctx, agents, diff, opts)
	if err != nil {
		return fmt.Errorf("extract lessons: %w", err)
	}
	newTasks, err := s.llm.UpdateTasks(ctx, tasks, diff, opts)
	if err != nil {
		return fmt.Errorf("update tasks: %w", err)
	}

	// Unchanged memory is a valid model answer; skip the no-op commit.
	if newAgents != agents {
		if err := s.host.UpdateFile(ctx, orchestrator.AgentsDoc, newAgents, MemoryCommitMessage, s.branch); err != nil {
			return fmt.Errorf("commit updated memory: %w", err)
		}
	}
	if err := s.host.UpdateFile(ctx, orchestrator.TasksDoc, newTasks, TasksCommitMessage, s.branch); err != nil {
		return fmt.Errorf("commit updated tasks: %w", err)
	}

	if err := s.store.StartLoop(ctx); err != nil {
		return fmt.Errorf("restart loop: %w", err)
	}

	s.log.Info(ctx, "learning cycle complete, planning next task",
		zap.String("sha", commitSHA))
	if err := s.planner.Run(ctx); err != nil {
		return fmt.Errorf("plan next task: %w", err)
	}
	return nil
}

func (s *Strategist) tryAcquire(sha string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, busy := s.inFlight[sha]; busy {
		return false
	}
	s.inFlight[sha] = struct{}{}
	return true
}

func (s *Strategist) release(sha string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.inFlight, sha)
}

func (s *Strategist) fileIncident(ctx context.Context, commitSHA string, runErr error) {
	title := fmt.Sprintf("Strategist failed for commit %.12s", commitSHA)
	body := fmt.Sprintf("The post-merge learning cycle for commit `%s` failed:\n\n```\n%v\n```\n\n"+
		"The loop was not restarted. Resolve the failure and re-trigger via POST /run.",
		commitSHA, runErr)
	if err := s.host.CreateIssue(ctx, title, body, []string{IncidentLabel}); err != nil {
		s.log.Error(ctx, "failed to file incident issue", zap.Error(err))
	}
}
