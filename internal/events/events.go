// Package events models inbound webhook deliveries as a tagged union and
// routes them to the pipelines that care.
package events

import (
	"errors"
	"fmt"

	"github.com/google/go-github/v57/github"
	"github.com/google/uuid"
)

// ErrUnhandledEvent is returned for deliveries no pipeline consumes.
var ErrUnhandledEvent = errors.New("unhandled event type")

// Event is one parsed webhook delivery.
type Event interface {
	// EventID is the delivery's generated correlation id.
	EventID() string
	// Kind names the event type for logging and bus subjects.
	Kind() string
}

type meta struct {
	id string
}

func (m meta) EventID() string { return m.id }

// PullRequestEvent is a pull_request delivery.
type PullRequestEvent struct {
	meta
	Action  string
	Number  int
	HeadSHA string
	BaseRef string
	Draft   bool
	NodeID  string
}

func (PullRequestEvent) Kind() string { return "pull_request" }

// PushEvent is a push delivery.
type PushEvent struct {
	meta
	Ref         string
	HeadSHA     string
	HeadMessage string
}

func (PushEvent) Kind() string { return "push" }

// WorkflowRunEvent is a workflow_run delivery.
type WorkflowRunEvent struct {
	meta
	Action     string
	Status     string
	Conclusion string
	HeadSHA    string
	PRNumbers  []int
}

func (WorkflowRunEvent) Kind() string { return "workflow_run" }

// Parse validates and converts a raw webhook payload into an Event. The
// eventName is the X-GitHub-Event header value.
func Parse(eventName string, payload []byte) (Event, error) {
	raw, err := github.ParseWebHook(eventName, payload)
	if err != nil {
		return nil, fmt.Errorf("parse %s payload: %w", eventName, err)
	}

	m := meta{id: uuid.NewString()}
	switch e := raw.(type) {
	case *github.PullRequestEvent:
		return PullRequestEvent{
			meta:    m,
			Action:  e.GetAction(),
			Number:  e.GetNumber(),
			HeadSHA: e.GetPullRequest().GetHead().GetSHA(),
			BaseRef: e.GetPullRequest().GetBase().GetRef(),
			Draft:   e.GetPullRequest().GetDraft(),
			NodeID:  e.GetPullRequest().GetNodeID(),
		}, nil
	case *github.PushEvent:
		return PushEvent{
			meta:        m,
			Ref:         e.GetRef(),
			HeadSHA:     e.GetHeadCommit().GetID(),
			HeadMessage: e.GetHeadCommit().GetMessage(),
		}, nil
	case *github.WorkflowRunEvent:
		ev := WorkflowRunEvent{
			meta:       m,
			Action:     e.GetAction(),
			Status:     e.GetWorkflowRun().GetStatus(),
			Conclusion: e.GetWorkflowRun().GetConclusion(),
			HeadSHA:    e.GetWorkflowRun().GetHeadSHA(),
		}
		for _, pr := range e.GetWorkflowRun().PullRequests {
			ev.PRNumbers = append(ev.PRNumbers, pr.GetNumber())
		}
		return ev, nil
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnhandledEvent, eventName)
	}
}
