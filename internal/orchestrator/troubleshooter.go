package orchestrator

import (
	"context"
	"fmt"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/fyrsmithlabs/devloop/internal/llm"
	"github.com/fyrsmithlabs/devloop/internal/logging"
)

// TextGenerator produces free-form model output.
type TextGenerator interface {
	Generate(ctx context.Context, prompt string, opts llm.GenerateOptions) (string, error)
}

// AgentNotifier forwards a message to the current agent session.
type AgentNotifier interface {
	NotifyAgent(ctx context.Context, message string) error
}

const troubleshootPrompt = `You are the Troubleshooter for an autonomous development system.

An agent session working on this repository is waiting for input:

### Question
%s

### CONTEXT_MAP.md
` + "```" + `
%s
` + "```" + `

### AGENTS.md
` + "```" + `
%s
` + "```" + `

Answer the question decisively using the repository context above. If the
question asks for a decision, make one and justify it briefly. Respond with
only the answer to send back to the agent, no preamble.`

// Troubleshooter answers sessions stuck waiting for user input.
type Troubleshooter struct {
	host     Host
	stager   Stager
	llm      TextGenerator
	notifier AgentNotifier
	owner    string
	repo     string
	branch   string
	log      *logging.Logger
}

// TroubleshooterDeps bundles the Troubleshooter's collaborators.
type TroubleshooterDeps struct {
	Host     Host
	Stager   Stager
	LLM      TextGenerator
	Notifier AgentNotifier
	Owner    string
	Repo     string
	Branch   string
	Log      *logging.Logger
}

// NewTroubleshooter builds a Troubleshooter.
func NewTroubleshooter(deps TroubleshooterDeps) (*Troubleshooter, error) {
	if deps.Host == nil || deps.Stager == nil || deps.LLM == nil || deps.Notifier == nil {
		return nil, fmt.Errorf("all troubleshooter collaborators are required")
	}
	if deps.Owner == "" || deps.Repo == "" || deps.Branch == "" {
		return nil, fmt.Errorf("owner, repo and branch are required")
	}
	if deps.Log == nil {
		return nil, fmt.Errorf("logger is required")
	}
	return &Troubleshooter{
		host:     deps.Host,
		stager:   deps.Stager,
		llm:      deps.LLM,
		notifier: deps.Notifier,
		owner:    deps.Owner,
		repo:     deps.Repo,
		branch:   deps.Branch,
		log:      deps.Log.Named("troubleshooter"),
	}, nil
}

// Run answers the session's question with repository context and sends
// the answer back through the notify/recover path.
func (t *Troubleshooter) Run(ctx context.Context, sessionID, question string) error {
	if question == "" {
		return fmt.Errorf("question is required")
	}
	if sessionID != "" && logging.IsValidID(sessionID) {
		ctx = logging.WithSessionID(ctx, sessionID)
	}

	ws, err := t.stager.Stage(ctx, t.owner, t.repo, t.branch)
	if err != nil {
		return fmt.Errorf("stage repository: %w", err)
	}
	defer ws.Release()

	var contextMap, agents string
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var ferr error
		contextMap, ferr = t.host.FileContent(gctx, ContextMapDoc, t.branch)
		return ferr
	})
	g.Go(func() error {
		var ferr error
		agents, ferr = t.host.FileContent(gctx, AgentsDoc, t.branch)
		return ferr
	})
	if err := g.Wait(); err != nil {
		return fmt.Errorf("fetch context documents: %w", err)
	}

	prompt := fmt.Sprintf(troubleshootPrompt, question, contextMap, agents)
	answer, err := t.llm.Generate(ctx, prompt, llm.GenerateOptions{WorkingDir: ws.Dir})
	if err != nil {
		return fmt.Errorf("generate answer: %w", err)
	}

	if err := t.notifier.NotifyAgent(ctx, answer); err != nil {
		return fmt.Errorf("send answer: %w", err)
	}
	t.log.Info(ctx, "troubleshooter answered waiting session",
		zap.Int("answer_len", len(answer)))
	return nil
}
