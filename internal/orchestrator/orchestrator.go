// Package orchestrator holds the control loop: the heartbeat state
// machine, the planner that seeds agent work, the troubleshooter that
// unblocks waiting sessions, and the notify/recover subroutine shared
// by the pipelines.
package orchestrator

import (
	"context"

	"github.com/fyrsmithlabs/devloop/internal/agent"
	"github.com/fyrsmithlabs/devloop/internal/staging"
)

// Planning documents the loop reads from the target repository.
const (
	GoalsDoc        = "GOALS.md"
	TasksDoc        = "TASKS.md"
	ContextMapDoc   = "CONTEXT_MAP.md"
	AgentsDoc       = "AGENTS.md"
	ConstitutionDoc = "CONSTITUTION.md"
)

// AgentAPI is the slice of the task-agent client the loop consumes.
type AgentAPI interface {
	ListSessions(ctx context.Context, pageSize int) ([]agent.Session, error)
	GetSession(ctx context.Context, id string) (*agent.Session, error)
	CreateSession(ctx context.Context, owner, repo, branch, prompt string) (*agent.Session, error)
	SendMessage(ctx context.Context, id, text string) error
	Status(ctx context.Context) (agent.StatusSummary, error)
}

// Host is the slice of the source-host client the loop consumes.
type Host interface {
	FileContent(ctx context.Context, path, ref string) (string, error)
	CreateIssue(ctx context.Context, title, body string, labels []string) error
}

// Stager materializes repository working copies.
type Stager interface {
	Stage(ctx context.Context, owner, repo, branch string) (*staging.Workspace, error)
}
