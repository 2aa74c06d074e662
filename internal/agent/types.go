// Package agent provides the task-execution agent API client.
//
// The agent owns the session state machine; devloop only lists, creates,
// and messages sessions, then reduces the session list to one aggregate
// status that drives the heartbeat dispatch.
package agent

// SessionState is the agent-side state of one unit of work.
type SessionState string

const (
	StateUnspecified          SessionState = "STATE_UNSPECIFIED"
	StateQueued               SessionState = "QUEUED"
	StatePlanning             SessionState = "PLANNING"
	StateAwaitingPlanApproval SessionState = "AWAITING_PLAN_APPROVAL"
	StateInProgress           SessionState = "IN_PROGRESS"
	StateAwaitingUserFeedback SessionState = "AWAITING_USER_FEEDBACK"
	StatePaused               SessionState = "PAUSED"
	StateFailed               SessionState = "FAILED"
	StateCompleted            SessionState = "COMPLETED"
)

// Session is one unit of agent work.
type Session struct {
	// Name is the full resource name, e.g. "sessions/{id}".
	Name       string       `json:"name"`
	State      SessionState `json:"state"`
	CreateTime string       `json:"createTime,omitempty"`
	UpdateTime string       `json:"updateTime,omitempty"`
}

// ID returns the last path segment of the session resource name.
func (s Session) ID() string {
	name := s.Name
	for i := len(name) - 1; i >= 0; i-- {
		if name[i] == '/' {
			return name[i+1:]
		}
	}
	return name
}

// AggregateStatus is the reduction of all sessions to one loop signal.
type AggregateStatus string

const (
	StatusNoneActive      AggregateStatus = "none_active"
	StatusInProgress      AggregateStatus = "in_progress"
	StatusWaitingForInput AggregateStatus = "waiting_for_input"
	StatusBlocked         AggregateStatus = "blocked"
)

// StatusSummary is the derived aggregate over a session listing.
type StatusSummary struct {
	Status       AggregateStatus
	BlockedCount int
	Sessions     []Session
}

// blockedStates halt the loop outright.
var blockedStates = map[SessionState]bool{
	StateFailed:               true,
	StatePaused:               true,
	StateAwaitingPlanApproval: true,
	StateUnspecified:          true,
}

// activeStates mean work is underway.
var activeStates = map[SessionState]bool{
	StateQueued:     true,
	StatePlanning:   true,
	StateInProgress: true,
}

// Summarize reduces sessions to an aggregate status.
//
// Precedence: blocked > waiting_for_input > in_progress > none_active.
// A single blocked session halts the loop even when other sessions are
// progressing; the whole pipeline depends on blocked being dominant.
func Summarize(sessions []Session) StatusSummary {
	summary := StatusSummary{Sessions: sessions}

	waiting := false
	active := false
	for _, s := range sessions {
		switch {
		case blockedStates[s.State]:
			summary.BlockedCount++
		case s.State == StateAwaitingUserFeedback:
			waiting = true
		case activeStates[s.State]:
			active = true
		}
	}

	switch {
	case summary.BlockedCount > 0:
		summary.Status = StatusBlocked
	case waiting:
		summary.Status = StatusWaitingForInput
	case active:
		summary.Status = StatusInProgress
	default:
		summary.Status = StatusNoneActive
	}
	return summary
}
