package githost

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/google/go-github/v57/github"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/devloop/internal/config"
	"github.com/fyrsmithlabs/devloop/internal/logging"
	"github.com/fyrsmithlabs/devloop/internal/retry"
)

// newTestHost wires a Client against a fake GitHub API.
func newTestHost(t *testing.T, mux *http.ServeMux) *Client {
	t.Helper()
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	gh := github.NewClient(nil)
	base, err := url.Parse(srv.URL + "/")
	require.NoError(t, err)
	gh.BaseURL = base
	gh.UploadURL = base

	return newFromGitHub(gh, "acme", "widgets", logging.NewTestLogger().Logger)
}

func TestNewClientValidation(t *testing.T) {
	log := logging.NewTestLogger().Logger
	ctx := context.Background()

	_, err := NewClient(ctx, config.GitHubConfig{Repository: "acme/widgets"}, log)
	assert.Error(t, err)

	_, err = NewClient(ctx, config.GitHubConfig{Token: "t", Repository: "nonsense"}, log)
	assert.Error(t, err)

	_, err = NewClient(ctx, config.GitHubConfig{Token: "t", Repository: "acme/widgets"}, nil)
	assert.Error(t, err)

	c, err := NewClient(ctx, config.GitHubConfig{Token: "t", Repository: "acme/widgets"}, log)
	require.NoError(t, err)
	assert.Equal(t, "acme", c.owner)
	assert.Equal(t, "widgets", c.repo)
}

func TestFileContent(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/repos/acme/widgets/contents/TASKS.md", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "main", r.URL.Query().Get("ref"))
		json.NewEncoder(w).Encode(map[string]any{
			"type":     "file",
			"encoding": "base64",
			"content":  base64.StdEncoding.EncodeToString([]byte("# Tasks\n- one\n")),
		})
	})

	content, err := newTestHost(t, mux).FileContent(context.Background(), "TASKS.md", "main")
	require.NoError(t, err)
	assert.Equal(t, "# Tasks\n- one\n", content)
}

func TestFileContentNotFound(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/repos/acme/widgets/contents/MISSING.md", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		fmt.Fprint(w, `{"message": "Not Found"}`)
	})

	_, err := newTestHost(t, mux).FileContent(context.Background(), "MISSING.md", "main")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.NotErrorIs(t, err, ErrExternalService)
}

func TestUpdateFileExisting(t *testing.T) {
	var gotSHA string
	mux := http.NewServeMux()
	mux.HandleFunc("/repos/acme/widgets/contents/AGENTS.md", func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodGet:
			json.NewEncoder(w).Encode(map[string]any{
				"type": "file", "sha": "oldsha",
				"encoding": "base64",
				"content":  base64.StdEncoding.EncodeToString([]byte("old")),
			})
		case http.MethodPut:
			var req struct {
				Message string `json:"message"`
				SHA     string `json:"sha"`
				Branch  string `json:"branch"`
			}
			require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
			gotSHA = req.SHA
			assert.Equal(t, "chore: update agent memory after merge", req.Message)
			assert.Equal(t, "main", req.Branch)
			fmt.Fprint(w, `{}`)
		}
	})

	err := newTestHost(t, mux).UpdateFile(context.Background(),
		"AGENTS.md", "new content", "chore: update agent memory after merge", "main")
	require.NoError(t, err)
	assert.Equal(t, "oldsha", gotSHA)
}

func TestUpdateFileNew(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/repos/acme/widgets/contents/NEW.md", func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodGet:
			w.WriteHeader(http.StatusNotFound)
			fmt.Fprint(w, `{"message": "Not Found"}`)
		case http.MethodPut:
			var req struct {
				SHA string `json:"sha"`
			}
			require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
			assert.Empty(t, req.SHA)
			fmt.Fprint(w, `{}`)
		}
	})

	err := newTestHost(t, mux).UpdateFile(context.Background(), "NEW.md", "hi", "add file", "main")
	assert.NoError(t, err)
}

func TestPRDiff(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/repos/acme/widgets/pulls/7", func(w http.ResponseWriter, r *http.Request) {
		assert.Contains(t, r.Header.Get("Accept"), "diff")
		fmt.Fprint(w, "diff --git a/main.go b/main.go\n")
	})

	diff, err := newTestHost(t, mux).PRDiff(context.Background(), 7)
	require.NoError(t, err)
	assert.Contains(t, diff, "diff --git")
}

func TestMergeSquash(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/repos/acme/widgets/pulls/7/merge", func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			MergeMethod string `json:"merge_method"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "squash", req.MergeMethod)
		fmt.Fprint(w, `{"merged": true, "message": "Pull Request successfully merged"}`)
	})

	assert.NoError(t, newTestHost(t, mux).Merge(context.Background(), 7, "merge it"))
}

func TestMergeRefused(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/repos/acme/widgets/pulls/7/merge", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"merged": false, "message": "Base branch was modified"}`)
	})

	err := newTestHost(t, mux).Merge(context.Background(), 7, "merge it")
	require.ErrorIs(t, err, ErrExternalService)
	assert.Contains(t, err.Error(), "Base branch was modified")
}

func TestWorkflowRunsForSHAFiltersNoise(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/repos/acme/widgets/actions/runs", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "abc123", r.URL.Query().Get("head_sha"))
		json.NewEncoder(w).Encode(map[string]any{
			"total_count": 4,
			"workflow_runs": []map[string]any{
				{"id": 1, "name": "ci", "status": "completed", "conclusion": "success"},
				{"id": 2, "name": "lint", "status": "completed", "conclusion": "skipped"},
				{"id": 3, "name": "docs", "status": "completed", "conclusion": "neutral"},
				{"id": 4, "name": "old", "status": "completed", "conclusion": "cancelled"},
			},
		})
	})

	runs, err := newTestHost(t, mux).WorkflowRunsForSHA(context.Background(), "abc123")
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, int64(1), runs[0].ID)
	assert.Equal(t, "success", runs[0].Conclusion)
}

func TestReviews(t *testing.T) {
	var events []string
	mux := http.NewServeMux()
	mux.HandleFunc("/repos/acme/widgets/pulls/9/reviews", func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Event string `json:"event"`
			Body  string `json:"body"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		events = append(events, req.Event)
		fmt.Fprint(w, `{}`)
	})

	host := newTestHost(t, mux)
	require.NoError(t, host.RequestChanges(context.Background(), 9, "violations found"))
	require.NoError(t, host.Approve(context.Background(), 9, "all checks passed"))
	assert.Equal(t, []string{"REQUEST_CHANGES", "APPROVE"}, events)
}

func TestMarkReadyForReview(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/graphql", func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Query     string         `json:"query"`
			Variables map[string]any `json:"variables"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Contains(t, req.Query, "markPullRequestReadyForReview")
		assert.Equal(t, "PR_node_123", req.Variables["id"])
		fmt.Fprint(w, `{"data": {"markPullRequestReadyForReview": {"pullRequest": {"isDraft": false}}}}`)
	})

	assert.NoError(t, newTestHost(t, mux).MarkReadyForReview(context.Background(), "PR_node_123"))
}

func TestMarkReadyForReviewGraphQLError(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/graphql", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"errors": [{"message": "not a draft"}]}`)
	})

	err := newTestHost(t, mux).MarkReadyForReview(context.Background(), "PR_node_123")
	require.ErrorIs(t, err, ErrExternalService)
	assert.Contains(t, err.Error(), "not a draft")
}

func TestJobLogsTail(t *testing.T) {
	mux := http.NewServeMux()
	var logsURL string
	mux.HandleFunc("/repos/acme/widgets/actions/runs/42/jobs", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{
			"total_count": 2,
			"jobs": []map[string]any{
				{"id": 101, "name": "build", "conclusion": "success"},
				{"id": 102, "name": "test", "conclusion": "failure"},
			},
		})
	})
	mux.HandleFunc("/repos/acme/widgets/actions/jobs/102/logs", func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, logsURL, http.StatusFound)
	})
	mux.HandleFunc("/raw-logs", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "line 1\nline 2\nFAIL: TestThing\n")
	})

	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	logsURL = srv.URL + "/raw-logs"

	gh := github.NewClient(nil)
	base, err := url.Parse(srv.URL + "/")
	require.NoError(t, err)
	gh.BaseURL = base
	host := newFromGitHub(gh, "acme", "widgets", logging.NewTestLogger().Logger)

	tail, err := host.JobLogsTail(context.Background(), 42, 16)
	require.NoError(t, err)
	assert.Contains(t, tail, "### Job: test (failure)")
	assert.Contains(t, tail, "FAIL: TestThing")
	assert.NotContains(t, tail, "line 1", "tail should be truncated to maxBytes")
	assert.NotContains(t, tail, "build")
}

func TestJobLogsTailUsesConfiguredRetry(t *testing.T) {
	mux := http.NewServeMux()
	var logsURL string
	var attempts int
	mux.HandleFunc("/repos/acme/widgets/actions/runs/42/jobs", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{
			"total_count": 1,
			"jobs": []map[string]any{
				{"id": 102, "name": "test", "conclusion": "failure"},
			},
		})
	})
	mux.HandleFunc("/repos/acme/widgets/actions/jobs/102/logs", func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, logsURL, http.StatusFound)
	})
	mux.HandleFunc("/raw-logs", func(w http.ResponseWriter, r *http.Request) {
		attempts++
		if attempts == 1 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		fmt.Fprint(w, "FAIL: TestThing\n")
	})

	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	logsURL = srv.URL + "/raw-logs"

	gh := github.NewClient(nil)
	base, err := url.Parse(srv.URL + "/")
	require.NoError(t, err)
	gh.BaseURL = base
	host := newFromGitHub(gh, "acme", "widgets", logging.NewTestLogger().Logger)
	host.retry = retry.Policy{
		MaxAttempts:    2,
		InitialBackoff: time.Millisecond,
		MaxBackoff:     time.Millisecond,
		Multiplier:     1.0,
	}

	tail, err := host.JobLogsTail(context.Background(), 42, 1024)
	require.NoError(t, err)
	assert.Equal(t, 2, attempts)
	assert.Contains(t, tail, "FAIL: TestThing")
}

func TestCommitDiff(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/repos/acme/widgets/commits/abc123", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{
			"sha": "abc123",
			"files": []map[string]any{
				{"filename": "a.go", "patch": "@@ -1 +1 @@\n-old\n+new"},
				{"filename": "b.go", "patch": "@@ -2 +2 @@\n-x\n+y"},
			},
		})
	})

	diff, err := newTestHost(t, mux).CommitDiff(context.Background(), "abc123")
	require.NoError(t, err)
	assert.Contains(t, diff, "--- a.go ---")
	assert.Contains(t, diff, "--- b.go ---")
	assert.Contains(t, diff, "+new")
}

func TestLatestCommitDiff(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/repos/acme/widgets/git/ref/heads/main", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{
			"ref":    "refs/heads/main",
			"object": map[string]any{"sha": "headsha", "type": "commit"},
		})
	})
	mux.HandleFunc("/repos/acme/widgets/commits/headsha", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{
			"sha":   "headsha",
			"files": []map[string]any{{"filename": "c.go", "patch": "+z"}},
		})
	})

	diff, err := newTestHost(t, mux).LatestCommitDiff(context.Background(), "main")
	require.NoError(t, err)
	assert.Contains(t, diff, "--- c.go ---")
}

func TestCreateIssue(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/repos/acme/widgets/issues", func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Title  string   `json:"title"`
			Labels []string `json:"labels"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "Strategist failed", req.Title)
		assert.Equal(t, []string{"devloop-error"}, req.Labels)
		w.WriteHeader(http.StatusCreated)
		fmt.Fprint(w, `{}`)
	})

	err := newTestHost(t, mux).CreateIssue(context.Background(),
		"Strategist failed", "details", []string{"devloop-error"})
	assert.NoError(t, err)
}
