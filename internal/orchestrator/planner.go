package orchestrator

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/fyrsmithlabs/devloop/internal/agent"
	"github.com/fyrsmithlabs/devloop/internal/llm"
	"github.com/fyrsmithlabs/devloop/internal/logging"
	"github.com/fyrsmithlabs/devloop/internal/state"
)

// activePlannerStates suppress duplicate task creation.
var activePlannerStates = map[agent.SessionState]bool{
	agent.StateQueued:     true,
	agent.StatePlanning:   true,
	agent.StateInProgress: true,
}

// PlanGenerator produces a work plan from the repository documents.
type PlanGenerator interface {
	GeneratePlan(ctx context.Context, in llm.PlanInputs, opts llm.GenerateOptions) (string, error)
}

// Planner starts the next unit of agent work.
type Planner struct {
	agent  AgentAPI
	host   Host
	stager Stager
	llm    PlanGenerator
	store  state.Store
	owner  string
	repo   string
	branch string
	log    *logging.Logger
}

// PlannerDeps bundles the Planner's collaborators.
type PlannerDeps struct {
	Agent  AgentAPI
	Host   Host
	Stager Stager
	LLM    PlanGenerator
	Store  state.Store
	Owner  string
	Repo   string
	Branch string
	Log    *logging.Logger
}

// NewPlanner builds a Planner.
func NewPlanner(deps PlannerDeps) (*Planner, error) {
	if deps.Agent == nil || deps.Host == nil || deps.Stager == nil || deps.LLM == nil || deps.Store == nil {
		return nil, fmt.Errorf("all planner collaborators are required")
	}
	if deps.Owner == "" || deps.Repo == "" || deps.Branch == "" {
		return nil, fmt.Errorf("owner, repo and branch are required")
	}
	if deps.Log == nil {
		return nil, fmt.Errorf("logger is required")
	}
	return &Planner{
		agent:  deps.Agent,
		host:   deps.Host,
		stager: deps.Stager,
		llm:    deps.LLM,
		store:  deps.Store,
		owner:  deps.Owner,
		repo:   deps.Repo,
		branch: deps.Branch,
		log:    deps.Log.Named("planner"),
	}, nil
}

// Run plans and starts the next task, unless one is already underway.
func (p *Planner) Run(ctx context.Context) error {
	active, err := p.hasActiveSession(ctx)
	if err != nil {
		return err
	}
	if active {
		p.log.Info(ctx, "active session exists, skipping planning cycle")
		return nil
	}

	ws, err := p.stager.Stage(ctx, p.owner, p.repo, p.branch)
	if err != nil {
		return fmt.Errorf("stage repository: %w", err)
	}
	defer ws.Release()

	docs, err := p.fetchPlanningDocs(ctx)
	if err != nil {
		return err
	}

	plan, err := p.llm.GeneratePlan(ctx, docs, llm.GenerateOptions{WorkingDir: ws.Dir})
	if err != nil {
		return fmt.Errorf("generate plan: %w", err)
	}

	session, err := p.agent.CreateSession(ctx, p.owner, p.repo, p.branch, plan)
	if err != nil {
		return fmt.Errorf("create agent session: %w", err)
	}

	if err := p.store.SetCurrentTask(ctx, session.ID()); err != nil {
		return fmt.Errorf("persist session id: %w", err)
	}
	count, err := p.store.IncrementIteration(ctx)
	if err != nil {
		return fmt.Errorf("increment iteration: %w", err)
	}

	p.log.Info(ctx, "planning cycle complete",
		zap.String("session", session.ID()),
		zap.Int("iteration", count))
	return nil
}

// hasActiveSession is the idempotency guard. A stale persisted id is
// tolerated: log and plan a fresh task rather than failing the cycle.
func (p *Planner) hasActiveSession(ctx context.Context) (bool, error) {
	st, err := p.store.Read(ctx)
	if err != nil {
		return false, fmt.Errorf("read state: %w", err)
	}
	if st.CurrentTaskID == "" {
		return false, nil
	}

	session, err := p.agent.GetSession(ctx, st.CurrentTaskID)
	if err != nil {
		if errors.Is(err, agent.ErrSessionNotFound) {
			p.log.Warn(ctx, "persisted session is stale, planning new task",
				zap.String("session", st.CurrentTaskID))
			return false, nil
		}
		return false, fmt.Errorf("check current session: %w", err)
	}
	return activePlannerStates[session.State], nil
}

// fetchPlanningDocs pulls the four planning documents concurrently.
// The fetches are independent reads at the same ref.
func (p *Planner) fetchPlanningDocs(ctx context.Context) (llm.PlanInputs, error) {
	var docs llm.PlanInputs
	g, gctx := errgroup.WithContext(ctx)

	for _, f := range []struct {
		path string
		dst  *string
	}{
		{GoalsDoc, &docs.Goals},
		{TasksDoc, &docs.Tasks},
		{ContextMapDoc, &docs.ContextMap},
		{AgentsDoc, &docs.Agents},
	} {
		g.Go(func() error {
			content, err := p.host.FileContent(gctx, f.path, p.branch)
			if err != nil {
				return fmt.Errorf("fetch %s: %w", f.path, err)
			}
			*f.dst = content
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return llm.PlanInputs{}, err
	}
	return docs, nil
}
