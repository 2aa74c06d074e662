package orchestrator

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/devloop/internal/agent"
	"github.com/fyrsmithlabs/devloop/internal/logging"
	"github.com/fyrsmithlabs/devloop/internal/state"
)

// recoverableStates are the session states worth re-targeting a
// notification at after the persisted id went stale.
var recoverableStates = []agent.SessionState{
	agent.StateInProgress,
	agent.StateAwaitingUserFeedback,
	agent.StatePlanning,
}

// Notifier forwards messages to the agent's current session, recovering
// from stale session references.
type Notifier struct {
	agent AgentAPI
	store state.Store
	log   *logging.Logger
}

// NewNotifier builds a Notifier.
func NewNotifier(agentAPI AgentAPI, store state.Store, log *logging.Logger) (*Notifier, error) {
	if agentAPI == nil || store == nil {
		return nil, fmt.Errorf("agent client and state store are required")
	}
	if log == nil {
		return nil, fmt.Errorf("logger is required")
	}
	return &Notifier{agent: agentAPI, store: store, log: log.Named("notifier")}, nil
}

// NotifyAgent sends message to the persisted current session. No persisted
// session is a no-op. A stale reference is recovered by re-targeting the
// first live session; other send failures are logged, never retried.
func (n *Notifier) NotifyAgent(ctx context.Context, message string) error {
	st, err := n.store.Read(ctx)
	if err != nil {
		return fmt.Errorf("read state: %w", err)
	}
	if st.CurrentTaskID == "" {
		n.log.Debug(ctx, "no current session, skipping notification")
		return nil
	}

	// The session ID came from the agent API; an unexpected format must
	// not take down the caller's goroutine.
	if logging.IsValidID(st.CurrentTaskID) {
		ctx = logging.WithSessionID(ctx, st.CurrentTaskID)
	}
	err = n.agent.SendMessage(ctx, st.CurrentTaskID, message)
	if err == nil {
		return nil
	}
	if !errors.Is(err, agent.ErrSessionNotFound) {
		n.log.Warn(ctx, "failed to notify agent", zap.Error(err))
		return nil
	}

	n.log.Warn(ctx, "current session is stale, attempting recovery")
	recovered, rerr := n.recoverSession(ctx)
	if rerr != nil {
		return rerr
	}
	if recovered == "" {
		n.log.Warn(ctx, "no live session found, giving up on notification")
		return nil
	}

	if err := n.agent.SendMessage(ctx, recovered, message); err != nil {
		n.log.Warn(ctx, "failed to notify recovered session",
			zap.String("recovered_session", recovered), zap.Error(err))
		return nil
	}
	if err := n.store.SetCurrentTask(ctx, recovered); err != nil {
		return fmt.Errorf("persist recovered session id: %w", err)
	}
	n.log.Info(ctx, "recovered stale session reference",
		zap.String("recovered_session", recovered))
	return nil
}

// recoverSession returns the first live session's id, or "".
func (n *Notifier) recoverSession(ctx context.Context) (string, error) {
	sessions, err := n.agent.ListSessions(ctx, 0)
	if err != nil {
		return "", fmt.Errorf("list sessions for recovery: %w", err)
	}
	for _, s := range sessions {
		for _, want := range recoverableStates {
			if s.State == want {
				return s.ID(), nil
			}
		}
	}
	return "", nil
}
