// Package githost wraps the GitHub API for one configured repository.
package githost

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/go-github/v57/github"
	"golang.org/x/oauth2"

	"github.com/fyrsmithlabs/devloop/internal/config"
	"github.com/fyrsmithlabs/devloop/internal/logging"
	"github.com/fyrsmithlabs/devloop/internal/retry"
)

var (
	// ErrExternalService wraps any non-2xx response from the host.
	ErrExternalService = errors.New("source host error")

	// ErrNotFound marks a 404 for a resource the caller referenced.
	ErrNotFound = errors.New("resource not found")
)

// Client is a thin, repo-bound wrapper over go-github.
type Client struct {
	gh    *github.Client
	owner string
	repo  string
	log   *logging.Logger

	// retry governs job-log fetches, the one flaky endpoint here: GitHub
	// serves logs from blob storage that can lag the run's completion.
	retry retry.Policy
}

// WorkflowRun is a reduced view of a CI run.
type WorkflowRun struct {
	ID         int64
	Name       string
	Status     string
	Conclusion string
}

// NewClient builds a Client bound to cfg's owner/repo.
func NewClient(ctx context.Context, cfg config.GitHubConfig, log *logging.Logger) (*Client, error) {
	if !cfg.Token.IsSet() {
		return nil, fmt.Errorf("GitHub token not set")
	}
	if cfg.Owner() == "" || cfg.Repo() == "" {
		return nil, fmt.Errorf("repository must be owner/repo, got %q", cfg.Repository)
	}
	if log == nil {
		return nil, fmt.Errorf("logger is required")
	}

	ts := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: cfg.Token.Value()})
	tc := oauth2.NewClient(ctx, ts)

	return &Client{
		gh:    github.NewClient(tc),
		owner: cfg.Owner(),
		repo:  cfg.Repo(),
		log:   log.Named("githost"),
		retry: logRetryPolicy(),
	}, nil
}

// newFromGitHub is the test seam: it accepts a prebuilt go-github client.
func newFromGitHub(gh *github.Client, owner, repo string, log *logging.Logger) *Client {
	return &Client{gh: gh, owner: owner, repo: repo, log: log, retry: logRetryPolicy()}
}

// wrapErr converts go-github errors into the package taxonomy.
func wrapErr(op string, resp *github.Response, err error) error {
	if err == nil {
		return nil
	}
	if resp != nil && resp.StatusCode == http.StatusNotFound {
		return fmt.Errorf("%w: %s: %v", ErrNotFound, op, err)
	}
	return fmt.Errorf("%w: %s: %v", ErrExternalService, op, err)
}

// FileContent fetches a file's decoded content at ref. A missing file is
// an error; callers that tolerate absence check ErrNotFound.
func (c *Client) FileContent(ctx context.Context, path, ref string) (string, error) {
	file, _, resp, err := c.gh.Repositories.GetContents(ctx, c.owner, c.repo, path,
		&github.RepositoryContentGetOptions{Ref: ref})
	if err != nil {
		return "", wrapErr("get contents "+path, resp, err)
	}
	if file == nil {
		return "", fmt.Errorf("%w: %s is a directory", ErrExternalService, path)
	}
	content, err := file.GetContent()
	if err != nil {
		return "", fmt.Errorf("%w: decode %s: %v", ErrExternalService, path, err)
	}
	return content, nil
}

// UpdateFile commits new content for path on branch, creating the file if
// it does not exist yet.
func (c *Client) UpdateFile(ctx context.Context, path, content, message, branch string) error {
	opts := &github.RepositoryContentFileOptions{
		Message: github.String(message),
		Content: []byte(content),
		Branch:  github.String(branch),
	}

	existing, _, resp, err := c.gh.Repositories.GetContents(ctx, c.owner, c.repo, path,
		&github.RepositoryContentGetOptions{Ref: branch})
	switch {
	case err == nil && existing != nil:
		opts.SHA = existing.SHA
	case resp != nil && resp.StatusCode == http.StatusNotFound:
		// New file: no blob SHA.
	case err != nil:
		return wrapErr("get contents "+path, resp, err)
	}

	_, resp, err = c.gh.Repositories.UpdateFile(ctx, c.owner, c.repo, path, opts)
	return wrapErr("update "+path, resp, err)
}

// PR fetches one pull request.
func (c *Client) PR(ctx context.Context, number int) (*github.PullRequest, error) {
	pr, resp, err := c.gh.PullRequests.Get(ctx, c.owner, c.repo, number)
	if err != nil {
		return nil, wrapErr(fmt.Sprintf("get PR #%d", number), resp, err)
	}
	return pr, nil
}

// ListOpenPRs lists open pull requests, newest first.
func (c *Client) ListOpenPRs(ctx context.Context) ([]*github.PullRequest, error) {
	prs, resp, err := c.gh.PullRequests.List(ctx, c.owner, c.repo, &github.PullRequestListOptions{
		State:     "open",
		Sort:      "created",
		Direction: "desc",
	})
	if err != nil {
		return nil, wrapErr("list open PRs", resp, err)
	}
	return prs, nil
}

// PRDiff returns the unified diff of a pull request.
func (c *Client) PRDiff(ctx context.Context, number int) (string, error) {
	diff, resp, err := c.gh.PullRequests.GetRaw(ctx, c.owner, c.repo, number,
		github.RawOptions{Type: github.Diff})
	if err != nil {
		return "", wrapErr(fmt.Sprintf("get diff for PR #%d", number), resp, err)
	}
	return diff, nil
}

// Comment posts an issue comment on a pull request.
func (c *Client) Comment(ctx context.Context, number int, body string) error {
	_, resp, err := c.gh.Issues.CreateComment(ctx, c.owner, c.repo, number,
		&github.IssueComment{Body: github.String(body)})
	return wrapErr(fmt.Sprintf("comment on PR #%d", number), resp, err)
}

// RequestChanges submits a REQUEST_CHANGES review.
func (c *Client) RequestChanges(ctx context.Context, number int, body string) error {
	_, resp, err := c.gh.PullRequests.CreateReview(ctx, c.owner, c.repo, number,
		&github.PullRequestReviewRequest{
			Body:  github.String(body),
			Event: github.String("REQUEST_CHANGES"),
		})
	return wrapErr(fmt.Sprintf("request changes on PR #%d", number), resp, err)
}

// Approve submits an APPROVE review.
func (c *Client) Approve(ctx context.Context, number int, body string) error {
	_, resp, err := c.gh.PullRequests.CreateReview(ctx, c.owner, c.repo, number,
		&github.PullRequestReviewRequest{
			Body:  github.String(body),
			Event: github.String("APPROVE"),
		})
	return wrapErr(fmt.Sprintf("approve PR #%d", number), resp, err)
}

// MarkReadyForReview flips a draft PR to ready. The v3 REST API cannot
// clear the draft flag, so this goes through the GraphQL mutation.
func (c *Client) MarkReadyForReview(ctx context.Context, nodeID string) error {
	if nodeID == "" {
		return fmt.Errorf("%w: mark ready: empty node id", ErrExternalService)
	}
	payload := map[string]any{
		"query": `mutation($id: ID!) {
  markPullRequestReadyForReview(input: {pullRequestId: $id}) {
    pullRequest { isDraft }
  }
}`,
		"variables": map[string]any{"id": nodeID},
	}
	req, err := c.gh.NewRequest(http.MethodPost, "graphql", payload)
	if err != nil {
		return fmt.Errorf("%w: mark ready: %v", ErrExternalService, err)
	}

	var result struct {
		Errors []struct {
			Message string `json:"message"`
		} `json:"errors"`
	}
	resp, err := c.gh.Do(ctx, req, &result)
	if err != nil {
		return wrapErr("mark ready for review", resp, err)
	}
	if len(result.Errors) > 0 {
		return fmt.Errorf("%w: mark ready: %s", ErrExternalService, result.Errors[0].Message)
	}
	return nil
}

// Merge squash-merges a pull request.
func (c *Client) Merge(ctx context.Context, number int, commitMessage string) error {
	result, resp, err := c.gh.PullRequests.Merge(ctx, c.owner, c.repo, number, commitMessage,
		&github.PullRequestOptions{MergeMethod: "squash"})
	if err != nil {
		return wrapErr(fmt.Sprintf("merge PR #%d", number), resp, err)
	}
	if !result.GetMerged() {
		return fmt.Errorf("%w: merge PR #%d: %s", ErrExternalService, number, result.GetMessage())
	}
	return nil
}

// gateIrrelevant are run conclusions that carry no signal for the CI gate.
var gateIrrelevant = map[string]bool{
	"skipped":   true,
	"neutral":   true,
	"cancelled": true,
}

// WorkflowRunsForSHA returns the workflow runs for a head SHA, dropping
// runs whose conclusion carries no gate signal.
func (c *Client) WorkflowRunsForSHA(ctx context.Context, sha string) ([]WorkflowRun, error) {
	runs, resp, err := c.gh.Actions.ListRepositoryWorkflowRuns(ctx, c.owner, c.repo,
		&github.ListWorkflowRunsOptions{HeadSHA: sha})
	if err != nil {
		return nil, wrapErr("list workflow runs for "+sha, resp, err)
	}

	out := make([]WorkflowRun, 0, len(runs.WorkflowRuns))
	for _, r := range runs.WorkflowRuns {
		if gateIrrelevant[r.GetConclusion()] {
			continue
		}
		out = append(out, WorkflowRun{
			ID:         r.GetID(),
			Name:       r.GetName(),
			Status:     r.GetStatus(),
			Conclusion: r.GetConclusion(),
		})
	}
	return out, nil
}

// JobLogsTail fetches the logs of every job in a run and returns the last
// maxBytes of each, concatenated. Log URLs lag run completion, so the
// fetch retries briefly.
func (c *Client) JobLogsTail(ctx context.Context, runID int64, maxBytes int) (string, error) {
	if maxBytes <= 0 {
		maxBytes = 4096
	}

	jobs, resp, err := c.gh.Actions.ListWorkflowJobs(ctx, c.owner, c.repo, runID,
		&github.ListWorkflowJobsOptions{Filter: "latest"})
	if err != nil {
		return "", wrapErr(fmt.Sprintf("list jobs for run %d", runID), resp, err)
	}

	var b strings.Builder
	for _, job := range jobs.Jobs {
		if job.GetConclusion() != "failure" && job.GetConclusion() != "timed_out" {
			continue
		}

		var tail string
		err := c.retry.Do(ctx, c.log, fmt.Sprintf("fetch logs for job %d", job.GetID()), func() error {
			var ferr error
			tail, ferr = c.fetchJobLogTail(ctx, job.GetID(), maxBytes)
			return ferr
		})
		if err != nil {
			tail = fmt.Sprintf("(logs unavailable: %v)", err)
		}

		fmt.Fprintf(&b, "### Job: %s (%s)\n%s\n\n", job.GetName(), job.GetConclusion(), tail)
	}
	return strings.TrimSpace(b.String()), nil
}

// logRetryPolicy is the narrow retry shape for log fetches.
func logRetryPolicy() retry.Policy {
	return retry.Policy{
		MaxAttempts:    3,
		InitialBackoff: 2 * time.Second,
		MaxBackoff:     30 * time.Second,
		Multiplier:     2.0,
	}
}

func (c *Client) fetchJobLogTail(ctx context.Context, jobID int64, maxBytes int) (string, error) {
	logURL, resp, err := c.gh.Actions.GetWorkflowJobLogs(ctx, c.owner, c.repo, jobID, 1)
	if err != nil {
		return "", wrapErr(fmt.Sprintf("get log URL for job %d", jobID), resp, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, logURL.String(), nil)
	if err != nil {
		return "", fmt.Errorf("%w: build log request: %v", ErrExternalService, err)
	}
	res, err := c.gh.Client().Do(req)
	if err != nil {
		return "", fmt.Errorf("%w: fetch logs: %v", ErrExternalService, err)
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusOK {
		return "", fmt.Errorf("%w: fetch logs: status %d", ErrExternalService, res.StatusCode)
	}

	data, err := io.ReadAll(res.Body)
	if err != nil {
		return "", fmt.Errorf("%w: read logs: %v", ErrExternalService, err)
	}
	if len(data) > maxBytes {
		data = data[len(data)-maxBytes:]
	}
	return string(data), nil
}

// CommitDiff returns the concatenated file patches of one commit.
func (c *Client) CommitDiff(ctx context.Context, sha string) (string, error) {
	commit, resp, err := c.gh.Repositories.GetCommit(ctx, c.owner, c.repo, sha, nil)
	if err != nil {
		return "", wrapErr("get commit "+sha, resp, err)
	}

	var b strings.Builder
	for _, f := range commit.Files {
		fmt.Fprintf(&b, "--- %s ---\n%s\n", f.GetFilename(), f.GetPatch())
	}
	return b.String(), nil
}

// LatestCommitDiff returns the diff of the branch's head commit.
func (c *Client) LatestCommitDiff(ctx context.Context, branch string) (string, error) {
	ref, resp, err := c.gh.Git.GetRef(ctx, c.owner, c.repo, "heads/"+branch)
	if err != nil {
		return "", wrapErr("get ref "+branch, resp, err)
	}
	return c.CommitDiff(ctx, ref.GetObject().GetSHA())
}

// CreateIssue files a repository issue.
func (c *Client) CreateIssue(ctx context.Context, title, body string, labels []string) error {
	_, resp, err := c.gh.Issues.Create(ctx, c.owner, c.repo, &github.IssueRequest{
		Title:  github.String(title),
		Body:   github.String(body),
		Labels: &labels,
	})
	return wrapErr("create issue", resp, err)
}
