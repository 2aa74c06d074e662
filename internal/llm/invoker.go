// Package llm invokes a language-model CLI as a subprocess with a
// JSON-only output contract and a one-shot quota fallback to a
// secondary model.
package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/devloop/internal/config"
	"github.com/fyrsmithlabs/devloop/internal/logging"
)

const (
	defaultTimeout       = 5 * time.Minute
	defaultFallbackModel = "gemini-2.5-flash"

	apiKeyEnv = "GEMINI_API_KEY"
)

// Invoker runs the model CLI. One process per call, prompt on stdin,
// JSON on stdout.
type Invoker struct {
	cliPath       string
	apiKey        config.Secret
	model         string
	fallbackModel string
	timeout       time.Duration
	log           *logging.Logger
}

// GenerateOptions override the invoker defaults for one call.
type GenerateOptions struct {
	Model         string
	FallbackModel string
	WorkingDir    string
}

// NewInvoker builds an Invoker from configuration.
func NewInvoker(cfg config.LLMConfig, log *logging.Logger) (*Invoker, error) {
	if cfg.CLIPath == "" {
		return nil, fmt.Errorf("llm CLI path is required")
	}
	if cfg.APIKey.Value() == "" {
		return nil, fmt.Errorf("llm API key is required")
	}
	if log == nil {
		return nil, fmt.Errorf("logger is required")
	}

	timeout := cfg.Timeout.Duration()
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	fallback := cfg.FallbackModel
	if fallback == "" {
		fallback = defaultFallbackModel
	}
	return &Invoker{
		cliPath:       cfg.CLIPath,
		apiKey:        cfg.APIKey,
		model:         cfg.Model,
		fallbackModel: fallback,
		timeout:       timeout,
		log:           log.Named("llm"),
	}, nil
}

type cliResponse struct {
	Response string      `json:"response"`
	Error    *ModelError `json:"error"`
}

// Generate runs the CLI with the given prompt and returns the model text.
//
// Quota errors on the first attempt trigger exactly one retry against the
// fallback model; a second quota error or any other error surfaces. The
// fallback is one-shot on purpose: looping onto ever-weaker models would
// silently degrade output quality.
func (inv *Invoker) Generate(ctx context.Context, prompt string, opts GenerateOptions) (string, error) {
	if prompt == "" {
		return "", fmt.Errorf("%w: empty prompt", ErrInvocation)
	}

	model := opts.Model
	if model == "" {
		model = inv.model
	}
	fallback := opts.FallbackModel
	if fallback == "" {
		fallback = inv.fallbackModel
	}

	text, err := inv.runCLI(ctx, prompt, model, opts.WorkingDir)
	if err == nil {
		return text, nil
	}
	if !isQuota(err) || fallback == "" || fallback == model {
		return "", err
	}

	inv.log.Warn(ctx, "quota exceeded, retrying with fallback model",
		zap.String("model", model),
		zap.String("fallback_model", fallback),
		zap.Error(err))

	text, ferr := inv.runCLI(ctx, prompt, fallback, opts.WorkingDir)
	if ferr != nil {
		return "", ferr
	}
	return text, nil
}

func isQuota(err error) bool {
	var me *ModelError
	if errors.As(err, &me) && me.isQuotaError() {
		return true
	}
	return errors.Is(err, ErrQuotaExceeded)
}

func (inv *Invoker) runCLI(ctx context.Context, prompt, model, workdir string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, inv.timeout)
	defer cancel()

	args := []string{"--output-format", "json", "--yolo"}
	if model != "" {
		args = append(args, "--model", model)
	}

	cmd := exec.CommandContext(ctx, inv.cliPath, args...)
	cmd.Stdin = strings.NewReader(prompt)
	cmd.Dir = workdir
	cmd.Env = append(os.Environ(), apiKeyEnv+"="+inv.apiKey.Value())

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	start := time.Now()
	runErr := cmd.Run()
	inv.log.Debug(ctx, "model CLI finished",
		zap.String("model", model),
		zap.Duration("elapsed", time.Since(start)),
		zap.Bool("ok", runErr == nil))

	out := strings.TrimSpace(stdout.String())
	errText := strings.TrimSpace(stderr.String())

	// The CLI reports failures as a JSON error payload on stdout, with a
	// non-zero exit. Prefer the payload over the raw exit status.
	var resp cliResponse
	if out != "" && json.Unmarshal([]byte(out), &resp) == nil {
		if resp.Error != nil {
			if resp.Error.isQuotaError() {
				return "", fmt.Errorf("%w: %w", ErrQuotaExceeded, resp.Error)
			}
			return "", resp.Error
		}
		if runErr == nil {
			return resp.Response, nil
		}
	}

	if runErr != nil {
		if ctx.Err() != nil {
			return "", fmt.Errorf("%w: %v", ErrInvocation, ctx.Err())
		}
		if isQuotaText(errText) {
			return "", fmt.Errorf("%w: stderr: %s", ErrQuotaExceeded, errText)
		}
		return "", fmt.Errorf("%w: exit error: %v: stderr: %s", ErrInvocation, runErr, errText)
	}
	return "", fmt.Errorf("%w: unparseable CLI output: %q", ErrInvocation, truncate(out, 200))
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
