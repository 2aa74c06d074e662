package orchestrator

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/devloop/internal/agent"
	"github.com/fyrsmithlabs/devloop/internal/llm"
	"github.com/fyrsmithlabs/devloop/internal/logging"
	"github.com/fyrsmithlabs/devloop/internal/staging"
	"github.com/fyrsmithlabs/devloop/internal/state"
)

func newTestStore(t *testing.T) state.Store {
	t.Helper()
	store, err := state.NewFileStore(filepath.Join(t.TempDir(), "state.json"), logging.NewTestLogger().Logger)
	require.NoError(t, err)
	return store
}

type fakeAgent struct {
	sessions    []agent.Session
	listErr     error
	getErr      error
	created     []string
	createErr   error
	sent        map[string][]string
	sendErr     map[string]error
	nextSession string
}

func newFakeAgent() *fakeAgent {
	return &fakeAgent{sent: map[string][]string{}, sendErr: map[string]error{}, nextSession: "sessions/new-1"}
}

func (f *fakeAgent) ListSessions(context.Context, int) ([]agent.Session, error) {
	return f.sessions, f.listErr
}

func (f *fakeAgent) GetSession(_ context.Context, id string) (*agent.Session, error) {
	if f.getErr != nil {
		return nil, f.getErr
	}
	for _, s := range f.sessions {
		if s.ID() == id {
			return &s, nil
		}
	}
	return nil, fmt.Errorf("%w: %s", agent.ErrSessionNotFound, id)
}

func (f *fakeAgent) CreateSession(_ context.Context, _, _, _, prompt string) (*agent.Session, error) {
	if f.createErr != nil {
		return nil, f.createErr
	}
	f.created = append(f.created, prompt)
	return &agent.Session{Name: f.nextSession, State: agent.StateQueued}, nil
}

func (f *fakeAgent) SendMessage(_ context.Context, id, text string) error {
	if err := f.sendErr[id]; err != nil {
		return err
	}
	f.sent[id] = append(f.sent[id], text)
	return nil
}

func (f *fakeAgent) Status(ctx context.Context) (agent.StatusSummary, error) {
	if f.listErr != nil {
		return agent.StatusSummary{}, f.listErr
	}
	return agent.Summarize(f.sessions), nil
}

type fakeHost struct {
	files    map[string]string
	fileErr  error
	issues   []string
	issueErr error
	labels   [][]string
}

func newFakeHost() *fakeHost {
	return &fakeHost{files: map[string]string{
		GoalsDoc:      "# Goals",
		TasksDoc:      "# Tasks",
		ContextMapDoc: "# Context map",
		AgentsDoc:     "# Lessons",
	}}
}

func (f *fakeHost) FileContent(_ context.Context, path, _ string) (string, error) {
	if f.fileErr != nil {
		return "", f.fileErr
	}
	content, ok := f.files[path]
	if !ok {
		return "", fmt.Errorf("no such file %s", path)
	}
	return content, nil
}

func (f *fakeHost) CreateIssue(_ context.Context, title, _ string, labels []string) error {
	if f.issueErr != nil {
		return f.issueErr
	}
	f.issues = append(f.issues, title)
	f.labels = append(f.labels, labels)
	return nil
}

type fakeStager struct {
	t        *testing.T
	stageErr error
	staged   int
}

func (f *fakeStager) Stage(context.Context, string, string, string) (*staging.Workspace, error) {
	if f.stageErr != nil {
		return nil, f.stageErr
	}
	f.staged++
	return &staging.Workspace{Dir: f.t.TempDir()}, nil
}

type fakePlanGenerator struct {
	plan string
	err  error
	got  llm.PlanInputs
}

func (f *fakePlanGenerator) GeneratePlan(_ context.Context, in llm.PlanInputs, _ llm.GenerateOptions) (string, error) {
	f.got = in
	return f.plan, f.err
}

type fakeTextGenerator struct {
	text    string
	err     error
	prompts []string
}

func (f *fakeTextGenerator) Generate(_ context.Context, prompt string, _ llm.GenerateOptions) (string, error) {
	f.prompts = append(f.prompts, prompt)
	return f.text, f.err
}

type fakePlannerRunner struct {
	runs int
	err  error
}

func (f *fakePlannerRunner) Run(context.Context) error {
	f.runs++
	return f.err
}

type fakeTroubleshooterRunner struct {
	sessionIDs []string
	questions  []string
	err        error
}

func (f *fakeTroubleshooterRunner) Run(_ context.Context, sessionID, question string) error {
	f.sessionIDs = append(f.sessionIDs, sessionID)
	f.questions = append(f.questions, question)
	return f.err
}

type fakeNotifier struct {
	messages []string
	err      error
}

func (f *fakeNotifier) NotifyAgent(_ context.Context, message string) error {
	if f.err != nil {
		return f.err
	}
	f.messages = append(f.messages, message)
	return nil
}
