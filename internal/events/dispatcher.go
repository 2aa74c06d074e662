package events

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/devloop/internal/logging"
)

// EnforcerRunner gates a pull request.
type EnforcerRunner interface {
	Run(ctx context.Context, prNumber int) error
}

// StrategistRunner learns from a merged commit.
type StrategistRunner interface {
	Run(ctx context.Context, commitSHA string) error
}

// prActions are the pull_request actions that trigger enforcement.
var prActions = map[string]bool{
	"opened":      true,
	"synchronize": true,
	"reopened":    true,
}

// Dispatcher routes parsed events to the pipelines.
type Dispatcher struct {
	enforcer   EnforcerRunner
	strategist StrategistRunner
	branch     string
	markers    []string
	log        *logging.Logger
}

// NewDispatcher builds a Dispatcher. branch is the tracked mainline;
// markers are commit-message prefixes of the orchestrator's own commits,
// which must not re-trigger the learning pipeline.
func NewDispatcher(enforcer EnforcerRunner, strategist StrategistRunner, branch string, markers []string, log *logging.Logger) (*Dispatcher, error) {
	if enforcer == nil || strategist == nil {
		return nil, fmt.Errorf("enforcer and strategist are required")
	}
	if branch == "" {
		return nil, fmt.Errorf("tracked branch is required")
	}
	if log == nil {
		return nil, fmt.Errorf("logger is required")
	}
	return &Dispatcher{
		enforcer:   enforcer,
		strategist: strategist,
		branch:     branch,
		markers:    markers,
		log:        log.Named("dispatcher"),
	}, nil
}

// Dispatch routes one event. Events outside the routing table are logged
// and dropped, never an error.
func (d *Dispatcher) Dispatch(ctx context.Context, ev Event) error {
	ctx = logging.WithEventID(ctx, ev.EventID())

	switch e := ev.(type) {
	case PullRequestEvent:
		if !prActions[e.Action] {
			d.log.Debug(ctx, "ignoring pull_request action", zap.String("action", e.Action))
			return nil
		}
		d.log.Info(ctx, "dispatching pull_request to enforcer",
			zap.Int("pr", e.Number), zap.String("action", e.Action))
		return d.enforcer.Run(ctx, e.Number)

	case PushEvent:
		if e.Ref != "refs/heads/"+d.branch {
			d.log.Debug(ctx, "ignoring push to untracked ref", zap.String("ref", e.Ref))
			return nil
		}
		if d.isMarkerCommit(e.HeadMessage) {
			d.log.Debug(ctx, "ignoring own marker commit", zap.String("sha", e.HeadSHA))
			return nil
		}
		d.log.Info(ctx, "dispatching push to strategist", zap.String("sha", e.HeadSHA))
		return d.strategist.Run(ctx, e.HeadSHA)

	case WorkflowRunEvent:
		if e.Action != "completed" || len(e.PRNumbers) == 0 {
			d.log.Debug(ctx, "ignoring workflow_run",
				zap.String("action", e.Action), zap.Int("prs", len(e.PRNumbers)))
			return nil
		}
		d.log.Info(ctx, "dispatching workflow_run to enforcer",
			zap.Int("pr", e.PRNumbers[0]), zap.String("conclusion", e.Conclusion))
		return d.enforcer.Run(ctx, e.PRNumbers[0])

	default:
		d.log.Debug(ctx, "no route for event", zap.String("kind", ev.Kind()))
		return nil
	}
}

func (d *Dispatcher) isMarkerCommit(message string) bool {
	for _, m := range d.markers {
		if strings.HasPrefix(message, m) {
			return true
		}
	}
	return false
}
