// Devloopd is the autonomous development-loop daemon.
//
// It watches a GitHub repository, plans work for a cloud coding agent,
// reviews the agent's pull requests against the repository constitution,
// merges compliant work, and learns from each merge.
//
// Configuration is loaded from environment variables, optionally layered
// over a YAML file. See internal/config for details.
//
// Usage:
//
//	# Start the daemon with defaults
//	devloopd
//
//	# Configure via environment
//	SERVER_PORT=9090 GITHUB_REPOSITORY=acme/widgets devloopd
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/devloop/internal/agent"
	"github.com/fyrsmithlabs/devloop/internal/bus"
	"github.com/fyrsmithlabs/devloop/internal/config"
	"github.com/fyrsmithlabs/devloop/internal/enforcer"
	"github.com/fyrsmithlabs/devloop/internal/events"
	"github.com/fyrsmithlabs/devloop/internal/githost"
	"github.com/fyrsmithlabs/devloop/internal/llm"
	"github.com/fyrsmithlabs/devloop/internal/logging"
	"github.com/fyrsmithlabs/devloop/internal/orchestrator"
	"github.com/fyrsmithlabs/devloop/internal/server"
	"github.com/fyrsmithlabs/devloop/internal/staging"
	"github.com/fyrsmithlabs/devloop/internal/state"
	"github.com/fyrsmithlabs/devloop/internal/strategist"
)

// Version information (set via ldflags during build)
var (
	version   = "dev"
	gitCommit = "unknown"
	buildDate = "unknown"
)

func main() {
	configPath := flag.String("config", "", "path to YAML config file (optional)")
	flag.Parse()
	args := flag.Args()

	if len(args) > 0 {
		switch args[0] {
		case "version":
			printVersion()
			os.Exit(0)
		default:
			fmt.Fprintf(os.Stderr, "Unknown command: %s\n", args[0])
			fmt.Fprintf(os.Stderr, "\nUsage:\n")
			fmt.Fprintf(os.Stderr, "  devloopd           Start the devloop daemon\n")
			fmt.Fprintf(os.Stderr, "  devloopd version   Show version information\n")
			os.Exit(1)
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, *configPath); err != nil {
		log.Fatalf("devloopd: %v", err)
	}

	log.Println("Shutdown complete")
}

func printVersion() {
	fmt.Printf("devloopd by Fyrsmith Labs\n")
	fmt.Printf("Version:    %s\n", version)
	fmt.Printf("Commit:     %s\n", gitCommit)
	fmt.Printf("Build Date: %s\n", buildDate)
}

// run wires every pipeline and blocks until the context is cancelled.
func run(ctx context.Context, configPath string) error {
	cfg, err := config.LoadWithFile(configPath)
	if err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	logger, err := initLogger(cfg)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer func() {
		_ = logger.Sync()
	}()

	logger.Info(ctx, "starting devloopd",
		zap.String("version", version),
		zap.Int("port", cfg.Server.Port),
		zap.String("repository", cfg.GitHub.Repository),
		zap.String("branch", cfg.GitHub.Branch),
	)

	// Infrastructure clients.
	store, err := state.NewFileStore(cfg.State.Path, logger.Named("state"))
	if err != nil {
		return fmt.Errorf("failed to open state store: %w", err)
	}

	host, err := githost.NewClient(ctx, cfg.GitHub, logger.Named("githost"))
	if err != nil {
		return fmt.Errorf("failed to create github client: %w", err)
	}

	agentClient, err := agent.NewClient(cfg.Agent, logger.Named("agent"))
	if err != nil {
		return fmt.Errorf("failed to create agent client: %w", err)
	}

	invoker, err := llm.NewInvoker(cfg.LLM, logger.Named("llm"))
	if err != nil {
		return fmt.Errorf("failed to create llm invoker: %w", err)
	}

	stager, err := staging.NewStager(cfg.GitHub.Token, logger.Named("staging"))
	if err != nil {
		return fmt.Errorf("failed to create repository stager: %w", err)
	}

	eventBus, err := bus.Connect(cfg.NATS, logger.Named("bus"))
	if err != nil {
		return fmt.Errorf("failed to connect event bus: %w", err)
	}
	if eventBus != nil {
		defer eventBus.Close()
	}

	owner, repo := cfg.GitHub.Owner(), cfg.GitHub.Repo()

	// Pipelines.
	notifier, err := orchestrator.NewNotifier(agentClient, store, logger.Named("notifier"))
	if err != nil {
		return fmt.Errorf("failed to create notifier: %w", err)
	}

	planner, err := orchestrator.NewPlanner(orchestrator.PlannerDeps{
		Agent:  agentClient,
		Host:   host,
		Stager: stager,
		LLM:    invoker,
		Store:  store,
		Owner:  owner,
		Repo:   repo,
		Branch: cfg.GitHub.Branch,
		Log:    logger.Named("planner"),
	})
	if err != nil {
		return fmt.Errorf("failed to create planner: %w", err)
	}

	troubleshooter, err := orchestrator.NewTroubleshooter(orchestrator.TroubleshooterDeps{
		Host:     host,
		Stager:   stager,
		LLM:      invoker,
		Notifier: notifier,
		Owner:    owner,
		Repo:     repo,
		Branch:   cfg.GitHub.Branch,
		Log:      logger.Named("troubleshooter"),
	})
	if err != nil {
		return fmt.Errorf("failed to create troubleshooter: %w", err)
	}

	heartbeat, err := orchestrator.NewHeartbeat(store, agentClient, planner, troubleshooter, host, logger.Named("heartbeat"))
	if err != nil {
		return fmt.Errorf("failed to create heartbeat: %w", err)
	}

	enf, err := enforcer.New(enforcer.Deps{
		Host:     host,
		Stager:   stager,
		LLM:      invoker,
		Notifier: notifier,
		Owner:    owner,
		Repo:     repo,
		Log:      logger.Named("enforcer"),
	})
	if err != nil {
		return fmt.Errorf("failed to create enforcer: %w", err)
	}

	strat, err := strategist.New(strategist.Deps{
		Host:    host,
		Stager:  stager,
		LLM:     invoker,
		Store:   store,
		Planner: planner,
		Owner:   owner,
		Repo:    repo,
		Branch:  cfg.GitHub.Branch,
		Log:     logger.Named("strategist"),
	})
	if err != nil {
		return fmt.Errorf("failed to create strategist: %w", err)
	}

	markers := []string{strategist.MemoryCommitMessage, strategist.TasksCommitMessage}
	dispatcher, err := events.NewDispatcher(enf, strat, cfg.GitHub.Branch, markers, logger.Named("dispatcher"))
	if err != nil {
		return fmt.Errorf("failed to create dispatcher: %w", err)
	}

	// When the bus is enabled, webhook deliveries are published and
	// consumed here; otherwise the server dispatches inline.
	var publisher server.Publisher
	if eventBus != nil {
		publisher = eventBus
		sub, err := eventBus.SubscribeEvents(ctx, func(ctx context.Context, env bus.Envelope) {
			ev, err := events.Parse(env.Kind, env.Payload)
			if err != nil {
				logger.Warn(ctx, "dropping undecodable bus event",
					zap.String("event_id", env.EventID),
					zap.String("kind", env.Kind),
					zap.Error(err),
				)
				return
			}
			if err := dispatcher.Dispatch(ctx, ev); err != nil {
				logger.Error(ctx, "event dispatch failed",
					zap.String("event_id", env.EventID),
					zap.Error(err),
				)
			}
		})
		if err != nil {
			return fmt.Errorf("failed to subscribe to event bus: %w", err)
		}
		defer func() {
			_ = sub.Unsubscribe()
		}()
	}

	srv, err := server.New(server.Deps{
		Heartbeat:      heartbeat,
		Planner:        planner,
		Enforcer:       enf,
		Troubleshooter: troubleshooter,
		Dispatcher:     dispatcher,
		Publisher:      publisher,
		Store:          store,
		Host:           host,
		WebhookSecret:  cfg.Webhook.Secret,
		Log:            logger.Named("http"),
	})
	if err != nil {
		return fmt.Errorf("failed to create http server: %w", err)
	}

	// Optional in-process heartbeat schedule. External schedulers can
	// drive POST /heartbeat instead.
	if cfg.Heartbeat.Cron != "" {
		scheduler := cron.New()
		_, err := scheduler.AddFunc(cfg.Heartbeat.Cron, func() {
			hbCtx, cancel := context.WithTimeout(ctx, 10*time.Minute)
			defer cancel()
			if err := heartbeat.Run(hbCtx); err != nil {
				logger.Error(hbCtx, "scheduled heartbeat failed", zap.Error(err))
			}
		})
		if err != nil {
			return fmt.Errorf("invalid heartbeat cron %q: %w", cfg.Heartbeat.Cron, err)
		}
		scheduler.Start()
		defer scheduler.Stop()
		logger.Info(ctx, "heartbeat scheduled", zap.String("cron", cfg.Heartbeat.Cron))
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start(fmt.Sprintf(":%d", cfg.Server.Port))
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout.Duration())
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return <-errCh
}

// initLogger maps daemon config onto the logging package's config.
func initLogger(cfg *config.Config) (*logging.Logger, error) {
	logCfg := logging.NewDefaultConfig()
	logCfg.Format = cfg.Logging.Format

	level, err := logging.LevelFromString(cfg.Logging.Level)
	if err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", cfg.Logging.Level, err)
	}
	logCfg.Level = level

	return logging.NewLogger(logCfg, nil)
}
