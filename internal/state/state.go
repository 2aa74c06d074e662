// Package state persists the lifecycle record that drives the autonomous
// development loop.
//
// A single JSON document is the record of truth: whether the loop is
// running, which agent session is active, and how many iterations have
// run. The document is created with defaults on first read and mutated
// only through read-modify-write updates.
//
// Updates are NOT atomic: two concurrent updates can interleave and lose
// a write. Callers that need stronger guarantees must serialize their own
// mutations (see the strategist's commit guard for the one place this is
// done in-process).
package state

import (
	"context"
	"errors"
	"time"
)

// ErrStorage indicates an I/O failure reading or writing the state record.
// The calling cycle aborts; there is no retry at this layer.
var ErrStorage = errors.New("state storage failure")

// Status is the lifecycle run/stop bit.
type Status string

const (
	// StatusStarted means the loop is running and heartbeats act.
	StatusStarted Status = "started"
	// StatusStopped means no automated action is taken until an external
	// restart.
	StatusStopped Status = "stopped"
)

// DefaultMaxIterations bounds a cycle before a human should look at it.
const DefaultMaxIterations = 10

// LifecycleState is the persisted loop record.
type LifecycleState struct {
	Status         Status    `json:"status"`
	CurrentTaskID  string    `json:"current_task_id,omitempty"`
	LastUpdated    time.Time `json:"last_updated"`
	IterationCount int       `json:"iteration_count"`
	MaxIterations  int       `json:"max_iterations"`
}

// DefaultState returns the record created on first read and by Reset.
func DefaultState() LifecycleState {
	return LifecycleState{
		Status:         StatusStarted,
		CurrentTaskID:  "",
		IterationCount: 0,
		MaxIterations:  DefaultMaxIterations,
	}
}

// Update describes a partial state mutation. Nil fields are left unchanged.
type Update struct {
	Status         *Status
	CurrentTaskID  *string
	IterationCount *int
}

// Store reads and mutates the lifecycle record.
//
// Read creates the default record if none exists. Write stamps
// LastUpdated. Update is read-merge-write and can race with a concurrent
// Update (lost update); it is not a compare-and-swap.
type Store interface {
	Read(ctx context.Context) (LifecycleState, error)
	Write(ctx context.Context, s LifecycleState) error
	Update(ctx context.Context, u Update) (LifecycleState, error)

	// Convenience mutations, all built on Update.
	StopLoop(ctx context.Context) error
	StartLoop(ctx context.Context) error
	SetCurrentTask(ctx context.Context, id string) error
	IncrementIteration(ctx context.Context) (int, error)
	Reset(ctx context.Context) error
}
