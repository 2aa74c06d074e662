package orchestrator

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/devloop/internal/agent"
	"github.com/fyrsmithlabs/devloop/internal/logging"
	"github.com/fyrsmithlabs/devloop/internal/state"
)

// blockedIssueLabel marks issues filed when the loop halts itself.
const blockedIssueLabel = "devloop-blocked"

// waitingQuestion is what the troubleshooter investigates when the agent
// is waiting on input.
const waitingQuestion = "The agent session is waiting for user input. " +
	"Review its question and provide an answer based on the repository's context documents."

// PlannerRunner starts a planning cycle.
type PlannerRunner interface {
	Run(ctx context.Context) error
}

// TroubleshooterRunner answers a waiting session.
type TroubleshooterRunner interface {
	Run(ctx context.Context, sessionID, question string) error
}

// Heartbeat is the per-tick control loop state machine.
type Heartbeat struct {
	store          state.Store
	agent          AgentAPI
	planner        PlannerRunner
	troubleshooter TroubleshooterRunner
	host           Host
	log            *logging.Logger
}

// NewHeartbeat builds a Heartbeat.
func NewHeartbeat(store state.Store, agentAPI AgentAPI, planner PlannerRunner, troubleshooter TroubleshooterRunner, host Host, log *logging.Logger) (*Heartbeat, error) {
	if store == nil || agentAPI == nil || planner == nil || troubleshooter == nil || host == nil {
		return nil, fmt.Errorf("all heartbeat collaborators are required")
	}
	if log == nil {
		return nil, fmt.Errorf("logger is required")
	}
	return &Heartbeat{
		store:          store,
		agent:          agentAPI,
		planner:        planner,
		troubleshooter: troubleshooter,
		host:           host,
		log:            log.Named("heartbeat"),
	}, nil
}

// Run executes one tick. Each tick is independent: the dispatch decision
// is a pure function of the state snapshot and the aggregate status.
func (h *Heartbeat) Run(ctx context.Context) error {
	st, err := h.store.Read(ctx)
	if err != nil {
		return fmt.Errorf("read state: %w", err)
	}
	if st.Status == state.StatusStopped {
		h.log.Info(ctx, "loop is stopped, heartbeat idle")
		return nil
	}

	summary, err := h.agent.Status(ctx)
	if err != nil {
		return fmt.Errorf("aggregate agent status: %w", err)
	}

	h.log.Info(ctx, "heartbeat tick",
		zap.String("status", string(summary.Status)),
		zap.Int("iteration", st.IterationCount))

	switch summary.Status {
	case agent.StatusNoneActive:
		return h.planner.Run(ctx)

	case agent.StatusWaitingForInput:
		return h.troubleshooter.Run(ctx, st.CurrentTaskID, waitingQuestion)

	case agent.StatusBlocked:
		return h.handleBlocked(ctx, summary)

	case agent.StatusInProgress:
		h.log.Debug(ctx, "work in progress, nothing to do")
		return nil

	default:
		return fmt.Errorf("unknown aggregate status %q", summary.Status)
	}
}

// handleBlocked halts the loop and escalates to a human via a repository
// issue. No automated retry follows.
func (h *Heartbeat) handleBlocked(ctx context.Context, summary agent.StatusSummary) error {
	if err := h.store.StopLoop(ctx); err != nil {
		return fmt.Errorf("stop loop: %w", err)
	}
	h.log.Warn(ctx, "loop stopped: blocked sessions detected",
		zap.Int("blocked", summary.BlockedCount))

	body := fmt.Sprintf(
		"The development loop stopped itself: %d session(s) are blocked (failed, paused, or awaiting plan approval).\n\n"+
			"Inspect the agent sessions, resolve the blockage, then restart the loop via POST /debug/reset-state or the agent dashboard.",
		summary.BlockedCount)
	if err := h.host.CreateIssue(ctx, "Development loop blocked", body, []string{blockedIssueLabel}); err != nil {
		h.log.Error(ctx, "failed to file blocked-loop issue", zap.Error(err))
	}
	return nil
}
