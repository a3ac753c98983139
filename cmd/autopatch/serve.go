package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/jxucoder/autopatch/internal/agent"
	"github.com/jxucoder/autopatch/internal/autofix"
	"github.com/jxucoder/autopatch/internal/config"
	"github.com/jxucoder/autopatch/internal/credentials"
	"github.com/jxucoder/autopatch/internal/engine"
	"github.com/jxucoder/autopatch/internal/github"
	"github.com/jxucoder/autopatch/internal/hosting"
	"github.com/jxucoder/autopatch/internal/llm"
	"github.com/jxucoder/autopatch/internal/notify"
	"github.com/jxucoder/autopatch/internal/sandbox"
	"github.com/jxucoder/autopatch/internal/server"
	"github.com/jxucoder/autopatch/internal/store"
)

// shutdownTimeout bounds how long in-flight tasks get to record their outcome.
const shutdownTimeout = 30 * time.Second

var configPath string

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the autopatch server",
	Long: `Start the autopatch API server. It accepts deployment webhooks from the
hosting platform, runs coding agents in Docker sandboxes and opens pull
requests with their fixes.

Settings come from the config file, then environment variables.`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().StringVarP(&configPath, "config", "c", envOr("AUTOPATCH_CONFIG", config.DefaultConfigPath()), "config file")
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	logger := newLogger(cfg.LogFormat, cfg.LogLevel)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	st, err := store.Open(cfg.DatabasePath)
	if err != nil {
		return fmt.Errorf("opening store: %w", err)
	}
	defer st.Close()

	docker := sandbox.NewDocker(sandbox.DockerConfig{
		Image:   cfg.DockerImage,
		Network: cfg.DockerNetwork,
	})
	if err := docker.EnsureNetwork(ctx); err != nil {
		logger.Warn("ensuring docker network", "network", cfg.DockerNetwork, "error", err)
	}
	sandboxes := sandbox.NewManager(docker, sandbox.NewRegistry(), logger)

	eng := engine.New(engine.Config{
		TaskTimeout:    cfg.TaskTimeout.Duration,
		TimeoutWarning: cfg.TimeoutWarning.Duration,
		BranchWait:     cfg.BranchNameWait.Duration,
		BranchPrefix:   cfg.BranchPrefix,
		Resources: sandbox.Resources{
			CPUs:     cfg.SandboxCPUs,
			MemoryMB: cfg.SandboxMemoryMB,
		},
		SandboxTTL:      cfg.SandboxTTL.Duration,
		Agent:           cfg.Agent,
		DefaultProvider: cfg.DefaultProvider,
	}, engine.Deps{
		Store:       st,
		Sandboxes:   sandboxes,
		Agent:       agent.NewExecutor(logger),
		Git:         github.NewClient(),
		Credentials: credentials.FromConfig(cfg),
		LLM:         llm.New(cfg.AnthropicAPIKey, cfg.OpenAIAPIKey, cfg.LLMModel),
		Logger:      logger,
	})

	fixDeps := autofix.Deps{
		Store:        st,
		Fixer:        eng,
		BranchPrefix: cfg.BranchPrefix,
		Logger:       logger,
	}
	opts := server.Options{
		WebhookSecret:       cfg.WebhookSecret,
		GitHubWebhookSecret: cfg.GitHubWebhookSecret,
		PublicURL:           cfg.PublicURL,
		Logger:              logger,
	}
	if cfg.HostingEnabled() {
		hc, err := hosting.NewClient(hosting.Config{
			BaseURL: cfg.HostingBaseURL,
			Token:   cfg.HostingToken,
			TeamID:  cfg.HostingTeamID,
			Logger:  logger,
		})
		if err != nil {
			return fmt.Errorf("creating hosting client: %w", err)
		}
		fixDeps.Logs = hc
		opts.Hosting = hc
		logger.Info("hosting platform API enabled", "base_url", cfg.HostingBaseURL)
	}
	if fixDeps.Notifier, err = notifiers(cfg, logger); err != nil {
		return err
	}

	fixes := autofix.New(fixDeps)
	eng.SetDeploymentSink(fixes)
	if err := recoverState(ctx, logger, eng, fixes, sandboxes); err != nil {
		return err
	}
	sweeper, err := sandboxes.StartSweeper(ctx, cfg.SweepSchedule)
	if err != nil {
		return fmt.Errorf("starting sandbox sweeper: %w", err)
	}
	defer sweeper.Stop()
	if n, err := fixes.ResumePending(ctx); err != nil {
		logger.Warn("resuming pending deployments", "error", err)
	} else if n > 0 {
		logger.Info("resumed pending deployments", "count", n)
	}

	srvErr := server.New(st, eng, fixes, opts).ListenAndServe(ctx, cfg.ServerAddr)
	stop()

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	fixes.Close()
	if err := eng.Close(shutdownCtx); err != nil {
		logger.Warn("waiting for tasks", "error", err)
	}
	if err := sandboxes.Close(shutdownCtx); err != nil {
		logger.Warn("closing sandboxes", "error", err)
	}
	return srvErr
}

// recoverState settles what the previous process left behind. Runs in flight
// are failed along with their deployments, kept-alive sandboxes are adopted,
// and only then is every other container reaped.
func recoverState(ctx context.Context, logger *slog.Logger, eng *engine.Engine, fixes *autofix.Pipeline, sandboxes *sandbox.Manager) error {
	n, err := eng.FailInterrupted(ctx)
	if err != nil {
		return err
	}
	if n > 0 {
		logger.Warn("failed interrupted tasks", "count", n)
	}
	if n, err = fixes.FailInterrupted(ctx, engine.InterruptedReason); err != nil {
		return fmt.Errorf("failing interrupted deployments: %w", err)
	}
	if n > 0 {
		logger.Warn("failed interrupted deployments", "count", n)
	}
	if n, err = eng.AdoptKeptAlive(ctx); err != nil {
		logger.Warn("adopting kept-alive sandboxes", "error", err)
	} else if n > 0 {
		logger.Info("adopted kept-alive sandboxes", "count", n)
	}
	if n, err = sandboxes.ReapOrphans(ctx); err != nil {
		logger.Warn("reaping orphaned sandboxes", "error", err)
	} else if n > 0 {
		logger.Info("reaped orphaned sandboxes", "count", n)
	}
	return nil
}

// notifiers builds the configured chat notifiers; nil when none are set.
func notifiers(cfg *config.Config, logger *slog.Logger) (notify.Notifier, error) {
	var out notify.Multi
	if cfg.SlackEnabled() {
		out = append(out, notify.NewSlack(cfg.SlackBotToken, cfg.SlackChannel))
		logger.Info("slack notifications enabled", "channel", cfg.SlackChannel)
	}
	if cfg.TelegramEnabled() {
		tg, err := notify.NewTelegram(cfg.TelegramBotToken, cfg.TelegramChatID)
		if err != nil {
			return nil, fmt.Errorf("creating telegram notifier: %w", err)
		}
		out = append(out, tg)
		logger.Info("telegram notifications enabled")
	}
	switch len(out) {
	case 0:
		return nil, nil
	case 1:
		return out[0], nil
	}
	return out, nil
}

func newLogger(format, level string) *slog.Logger {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(strings.ToUpper(level))); err != nil {
		lvl = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: lvl}
	if format == "json" {
		return slog.New(slog.NewJSONHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stderr, opts))
}
