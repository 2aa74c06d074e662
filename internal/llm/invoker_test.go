package llm

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/devloop/internal/config"
	"github.com/fyrsmithlabs/devloop/internal/logging"
)

// writeFakeCLI installs a shell script standing in for the model CLI.
func writeFakeCLI(t *testing.T, script string) string {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("shell-script CLI stub requires a POSIX shell")
	}
	path := filepath.Join(t.TempDir(), "fake-cli")
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\n"+script), 0o755))
	return path
}

func newTestInvoker(t *testing.T, cliPath string) *Invoker {
	t.Helper()
	inv, err := NewInvoker(config.LLMConfig{
		APIKey:        config.Secret("llm-key"),
		CLIPath:       cliPath,
		Model:         "primary-model",
		FallbackModel: "fallback-model",
		Timeout:       config.Duration(30 * time.Second),
	}, logging.NewTestLogger().Logger)
	require.NoError(t, err)
	return inv
}

func TestGenerateParsesResponse(t *testing.T) {
	cli := writeFakeCLI(t, `cat >/dev/null
echo '{"response": "This is the answer", "stats": {"some": "stat"}}'`)

	text, err := newTestInvoker(t, cli).Generate(context.Background(), "prompt", GenerateOptions{})
	require.NoError(t, err)
	assert.Equal(t, "This is the answer", text)
}

func TestGeneratePassesPromptAndModel(t *testing.T) {
	dir := t.TempDir()
	cli := writeFakeCLI(t, `cat > `+filepath.Join(dir, "prompt.txt")+`
echo "$@" > `+filepath.Join(dir, "args.txt")+`
echo "$GEMINI_API_KEY" > `+filepath.Join(dir, "key.txt")+`
echo '{"response": "ok"}'`)

	_, err := newTestInvoker(t, cli).Generate(context.Background(), "hello model", GenerateOptions{Model: "gemini-ultra"})
	require.NoError(t, err)

	prompt, err := os.ReadFile(filepath.Join(dir, "prompt.txt"))
	require.NoError(t, err)
	assert.Equal(t, "hello model", string(prompt))

	args, err := os.ReadFile(filepath.Join(dir, "args.txt"))
	require.NoError(t, err)
	assert.Contains(t, string(args), "--output-format json")
	assert.Contains(t, string(args), "--model gemini-ultra")

	key, err := os.ReadFile(filepath.Join(dir, "key.txt"))
	require.NoError(t, err)
	assert.Equal(t, "llm-key\n", string(key))
}

func TestGenerateModelError(t *testing.T) {
	cli := writeFakeCLI(t, `cat >/dev/null
echo '{"error": {"type": "ApiError", "message": "Something went wrong", "code": 123}}'
exit 1`)

	_, err := newTestInvoker(t, cli).Generate(context.Background(), "prompt", GenerateOptions{})
	require.Error(t, err)

	var me *ModelError
	require.ErrorAs(t, err, &me)
	assert.Equal(t, "Something went wrong (ApiError)", me.Error())
	assert.NotErrorIs(t, err, ErrQuotaExceeded)
}

func TestGenerateMalformedOutput(t *testing.T) {
	cli := writeFakeCLI(t, `cat >/dev/null
echo 'Not JSON'`)

	_, err := newTestInvoker(t, cli).Generate(context.Background(), "prompt", GenerateOptions{})
	assert.ErrorIs(t, err, ErrInvocation)
}

func TestGenerateStderrOnFailure(t *testing.T) {
	cli := writeFakeCLI(t, `cat >/dev/null
echo 'Fatal error occurred' >&2
exit 1`)

	_, err := newTestInvoker(t, cli).Generate(context.Background(), "prompt", GenerateOptions{})
	require.ErrorIs(t, err, ErrInvocation)
	assert.Contains(t, err.Error(), "Fatal error occurred")
}

func TestGenerateQuotaFallback(t *testing.T) {
	dir := t.TempDir()
	marker := filepath.Join(dir, "attempted")
	// First invocation reports quota exhaustion; second succeeds. The
	// script records the model arg of each attempt.
	cli := writeFakeCLI(t, `cat >/dev/null
echo "$@" >> `+filepath.Join(dir, "args.log")+`
if [ ! -f `+marker+` ]; then
  touch `+marker+`
  echo '{"error": {"type": "QuotaError", "message": "You have exhausted your capacity", "code": 429}}'
  exit 1
fi
echo '{"response": "fallback success"}'`)

	text, err := newTestInvoker(t, cli).Generate(context.Background(), "prompt", GenerateOptions{})
	require.NoError(t, err)
	assert.Equal(t, "fallback success", text)

	argsLog, err := os.ReadFile(filepath.Join(dir, "args.log"))
	require.NoError(t, err)
	lines := string(argsLog)
	assert.Contains(t, lines, "--model primary-model")
	assert.Contains(t, lines, "--model fallback-model")
}

func TestGenerateQuotaOnFallbackSurfaces(t *testing.T) {
	dir := t.TempDir()
	cli := writeFakeCLI(t, `cat >/dev/null
echo run >> `+filepath.Join(dir, "runs.log")+`
echo '{"error": {"message": "quota exceeded", "code": 429}}'
exit 1`)

	_, err := newTestInvoker(t, cli).Generate(context.Background(), "prompt", GenerateOptions{})
	assert.ErrorIs(t, err, ErrQuotaExceeded)

	runs, rerr := os.ReadFile(filepath.Join(dir, "runs.log"))
	require.NoError(t, rerr)
	assert.Equal(t, "run\nrun\n", string(runs))
}

func TestGenerateNoFallbackOnOtherErrors(t *testing.T) {
	dir := t.TempDir()
	cli := writeFakeCLI(t, `cat >/dev/null
echo run >> `+filepath.Join(dir, "runs.log")+`
echo '{"error": {"message": "Some other error", "code": 500}}'
exit 1`)

	_, err := newTestInvoker(t, cli).Generate(context.Background(), "prompt", GenerateOptions{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "Some other error")

	runs, rerr := os.ReadFile(filepath.Join(dir, "runs.log"))
	require.NoError(t, rerr)
	assert.Equal(t, "run\n", string(runs))
}

func TestGenerateQuotaFromStderr(t *testing.T) {
	dir := t.TempDir()
	marker := filepath.Join(dir, "attempted")
	cli := writeFakeCLI(t, `cat >/dev/null
if [ ! -f `+marker+` ]; then
  touch `+marker+`
  echo 'RESOURCE_EXHAUSTED: out of capacity' >&2
  exit 1
fi
echo '{"response": "recovered"}'`)

	text, err := newTestInvoker(t, cli).Generate(context.Background(), "prompt", GenerateOptions{})
	require.NoError(t, err)
	assert.Equal(t, "recovered", text)
}

func TestGenerateTimeout(t *testing.T) {
	cli := writeFakeCLI(t, `cat >/dev/null
sleep 30
echo '{"response": "too late"}'`)

	inv, err := NewInvoker(config.LLMConfig{
		APIKey:  config.Secret("llm-key"),
		CLIPath: cli,
		Timeout: config.Duration(100 * time.Millisecond),
	}, logging.NewTestLogger().Logger)
	require.NoError(t, err)

	_, err = inv.Generate(context.Background(), "prompt", GenerateOptions{})
	assert.ErrorIs(t, err, ErrInvocation)
}

func TestGenerateEmptyPrompt(t *testing.T) {
	cli := writeFakeCLI(t, `echo '{"response": "ok"}'`)
	_, err := newTestInvoker(t, cli).Generate(context.Background(), "", GenerateOptions{})
	assert.ErrorIs(t, err, ErrInvocation)
}

func TestGenerateWorkingDir(t *testing.T) {
	dir := t.TempDir()
	cli := writeFakeCLI(t, `cat >/dev/null
pwd > `+filepath.Join(dir, "cwd.txt")+`
echo '{"response": "ok"}'`)

	workdir := t.TempDir()
	_, err := newTestInvoker(t, cli).Generate(context.Background(), "prompt", GenerateOptions{WorkingDir: workdir})
	require.NoError(t, err)

	cwd, err := os.ReadFile(filepath.Join(dir, "cwd.txt"))
	require.NoError(t, err)
	resolved, err := filepath.EvalSymlinks(workdir)
	require.NoError(t, err)
	got, err := filepath.EvalSymlinks(string(cwd[:len(cwd)-1]))
	require.NoError(t, err)
	assert.Equal(t, resolved, got)
}

func TestNewInvokerValidation(t *testing.T) {
	log := logging.NewTestLogger().Logger

	_, err := NewInvoker(config.LLMConfig{APIKey: "k"}, log)
	assert.Error(t, err)

	_, err = NewInvoker(config.LLMConfig{CLIPath: "gemini"}, log)
	assert.Error(t, err)

	_, err = NewInvoker(config.LLMConfig{APIKey: "k", CLIPath: "gemini"}, nil)
	assert.Error(t, err)
}

func TestIsQuota(t *testing.T) {
	assert.True(t, isQuota(&ModelError{Message: "quota hit", Code: 0}))
	assert.True(t, isQuota(&ModelError{Code: 429}))
	assert.True(t, isQuota(ErrQuotaExceeded))
	assert.False(t, isQuota(&ModelError{Message: "bad request", Code: 400}))
	assert.False(t, isQuota(errors.New("boom")))
}
