// Package enforcer gates pull requests: CI must be green, then an LLM
// audit against the repository constitution decides request-changes or
// approve-and-merge.
package enforcer

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/go-github/v57/github"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/fyrsmithlabs/devloop/internal/githost"
	"github.com/fyrsmithlabs/devloop/internal/llm"
	"github.com/fyrsmithlabs/devloop/internal/logging"
	"github.com/fyrsmithlabs/devloop/internal/orchestrator"
	"github.com/fyrsmithlabs/devloop/internal/staging"
)

const logTailBytes = 4096

// Host is the slice of the source-host client the enforcer consumes.
type Host interface {
	PR(ctx context.Context, number int) (*github.PullRequest, error)
	PRDiff(ctx context.Context, number int) (string, error)
	WorkflowRunsForSHA(ctx context.Context, sha string) ([]githost.WorkflowRun, error)
	JobLogsTail(ctx context.Context, runID int64, maxBytes int) (string, error)
	Comment(ctx context.Context, number int, body string) error
	RequestChanges(ctx context.Context, number int, body string) error
	Approve(ctx context.Context, number int, body string) error
	MarkReadyForReview(ctx context.Context, nodeID string) error
	Merge(ctx context.Context, number int, commitMessage string) error
	FileContent(ctx context.Context, path, ref string) (string, error)
}

// Auditor reviews a diff against the constitution.
type Auditor interface {
	AuditPR(ctx context.Context, constitution, tasks, diff string, opts llm.GenerateOptions) (llm.AuditResult, error)
}

// Stager materializes repository working copies.
type Stager interface {
	Stage(ctx context.Context, owner, repo, branch string) (*staging.Workspace, error)
}

// Notifier forwards a message to the current agent session.
type Notifier interface {
	NotifyAgent(ctx context.Context, message string) error
}

// Enforcer runs the merge-gating pipeline for one pull request.
type Enforcer struct {
	host     Host
	stager   Stager
	llm      Auditor
	notifier Notifier
	owner    string
	repo     string
	log      *logging.Logger
}

// Deps bundles the Enforcer's collaborators.
type Deps struct {
	Host     Host
	Stager   Stager
	LLM      Auditor
	Notifier Notifier
	Owner    string
	Repo     string
	Log      *logging.Logger
}

// New builds an Enforcer.
func New(deps Deps) (*Enforcer, error) {
	if deps.Host == nil || deps.Stager == nil || deps.LLM == nil || deps.Notifier == nil {
		return nil, fmt.Errorf("all enforcer collaborators are required")
	}
	if deps.Owner == "" || deps.Repo == "" {
		return nil, fmt.Errorf("owner and repo are required")
	}
	if deps.Log == nil {
		return nil, fmt.Errorf("logger is required")
	}
	return &Enforcer{
		host:     deps.Host,
		stager:   deps.Stager,
		llm:      deps.LLM,
		notifier: deps.Notifier,
		owner:    deps.Owner,
		repo:     deps.Repo,
		log:      deps.Log.Named("enforcer"),
	}, nil
}

// Run gates one pull request. Any uncaught pipeline error becomes a
// visible PR comment before it surfaces to the caller.
func (e *Enforcer) Run(ctx context.Context, prNumber int) error {
	err := e.run(ctx, prNumber)
	if err != nil {
		body := fmt.Sprintf("Enforcer failed while processing this PR:\n\n```\n%v\n```", err)
		if cerr := e.host.Comment(ctx, prNumber, body); cerr != nil {
			e.log.Error(ctx, "failed to post error comment",
				zap.Int("pr", prNumber), zap.Error(cerr))
		}
	}
	return err
}

func (e *Enforcer) run(ctx context.Context, prNumber int) error {
	pr, err := e.host.PR(ctx, prNumber)
	if err != nil {
		return fmt.Errorf("fetch PR #%d: %w", prNumber, err)
	}
	headSHA := pr.GetHead().GetSHA()

	proceed, err := e.ciGate(ctx, prNumber, headSHA)
	if err != nil || !proceed {
		return err
	}

	result, err := e.audit(ctx, pr)
	if err != nil {
		return err
	}
	return e.act(ctx, pr, result)
}

// ciGate returns false when the pipeline must stop here: a detected CI
// failure notifies the agent and halts; pending runs abort silently and
// rely on the completion event to re-trigger.
func (e *Enforcer) ciGate(ctx context.Context, prNumber int, headSHA string) (bool, error) {
	runs, err := e.host.WorkflowRunsForSHA(ctx, headSHA)
	if err != nil {
		return false, fmt.Errorf("list CI runs: %w", err)
	}

	// Pending wins over an observed failure: with runs still in flight the
	// batch is not a final verdict, and the workflow_run completion event
	// re-enters this gate once it settles.
	for _, run := range runs {
		if run.Status != "completed" {
			e.log.Info(ctx, "CI still running, waiting for completion event",
				zap.Int("pr", prNumber),
				zap.String("run", run.Name),
				zap.String("status", run.Status))
			return false, nil
		}
	}

	for _, run := range runs {
		if run.Conclusion != "failure" && run.Conclusion != "timed_out" {
			continue
		}
		tail, lerr := e.host.JobLogsTail(ctx, run.ID, logTailBytes)
		if lerr != nil {
			e.log.Warn(ctx, "could not fetch failing job logs",
				zap.Int64("run_id", run.ID), zap.Error(lerr))
			tail = fmt.Sprintf("(logs unavailable: %v)", lerr)
		}

		report := fmt.Sprintf(
			"CI failed on PR #%d (workflow %q concluded %s). Fix the build before the PR can be reviewed.\n\n%s",
			prNumber, run.Name, run.Conclusion, tail)
		if nerr := e.notifier.NotifyAgent(ctx, report); nerr != nil {
			e.log.Error(ctx, "failed to forward CI failure to agent", zap.Error(nerr))
		}
		e.log.Info(ctx, "CI failure forwarded, gating merge",
			zap.Int("pr", prNumber), zap.String("run", run.Name))
		return false, nil
	}
	return true, nil
}

// audit stages the base branch and asks the model for a verdict.
func (e *Enforcer) audit(ctx context.Context, pr *github.PullRequest) (llm.AuditResult, error) {
	baseRef := pr.GetBase().GetRef()

	ws, err := e.stager.Stage(ctx, e.owner, e.repo, baseRef)
	if err != nil {
		return llm.AuditResult{}, fmt.Errorf("stage base branch: %w", err)
	}
	defer ws.Release()

	var constitution, tasks, diff string
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var ferr error
		constitution, ferr = e.host.FileContent(gctx, orchestrator.ConstitutionDoc, baseRef)
		return ferr
	})
	g.Go(func() error {
		var ferr error
		tasks, ferr = e.host.FileContent(gctx, orchestrator.TasksDoc, baseRef)
		return ferr
	})
	g.Go(func() error {
		var ferr error
		diff, ferr = e.host.PRDiff(gctx, pr.GetNumber())
		return ferr
	})
	if err := g.Wait(); err != nil {
		return llm.AuditResult{}, fmt.Errorf("fetch audit inputs: %w", err)
	}

	result, err := e.llm.AuditPR(ctx, constitution, tasks, diff, llm.GenerateOptions{WorkingDir: ws.Dir})
	if err != nil {
		return llm.AuditResult{}, fmt.Errorf("audit PR #%d: %w", pr.GetNumber(), err)
	}
	return result, nil
}

// act applies the audit verdict.
func (e *Enforcer) act(ctx context.Context, pr *github.PullRequest, result llm.AuditResult) error {
	number := pr.GetNumber()

	if !result.Compliant {
		body := violationsReview(result.Violations)
		if err := e.host.RequestChanges(ctx, number, body); err != nil {
			return fmt.Errorf("request changes on PR #%d: %w", number, err)
		}
		if err := e.notifier.NotifyAgent(ctx, body); err != nil {
			e.log.Error(ctx, "failed to forward violations to agent", zap.Error(err))
		}
		e.log.Info(ctx, "requested changes",
			zap.Int("pr", number), zap.Int("violations", len(result.Violations)))
		return nil
	}

	if err := e.host.Approve(ctx, number, "All CI runs passed and the audit found no violations."); err != nil {
		return fmt.Errorf("approve PR #%d: %w", number, err)
	}
	if pr.GetDraft() {
		if err := e.host.MarkReadyForReview(ctx, pr.GetNodeID()); err != nil {
			return fmt.Errorf("mark PR #%d ready: %w", number, err)
		}
	}
	if err := e.host.Merge(ctx, number, pr.GetTitle()); err != nil {
		return fmt.Errorf("merge PR #%d: %w", number, err)
	}
	e.log.Info(ctx, "merged compliant PR", zap.Int("pr", number))
	return nil
}

func violationsReview(violations []string) string {
	var b strings.Builder
	b.WriteString("The audit found the following violations:\n\n")
	for i, v := range violations {
		fmt.Fprintf(&b, "%d. %s\n", i+1, v)
	}
	b.WriteString("\nPlease address each item and push an update.")
	return b.String()
}
