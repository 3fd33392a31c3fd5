package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/lespaceman/athena/internal/config"
	"github.com/lespaceman/athena/internal/facade"
	"github.com/lespaceman/athena/internal/mapper"
	"github.com/lespaceman/athena/internal/queue"
	"github.com/lespaceman/athena/internal/rules"
	"github.com/lespaceman/athena/internal/store"
	"github.com/lespaceman/athena/internal/telemetry"
)

func buildServeCmd() *cobra.Command {
	var (
		projectDir string
		configPath string
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the Athena hook broker for a project directory",
		Long: `Start the Athena hook broker.

The broker will:
1. Load configuration from athena.yaml (or defaults if absent)
2. Open the durable session store
3. Listen on the project's Unix-domain socket for harness connections
4. Apply the rule engine to auto-resolve routine tool calls
5. Queue permission requests and AskUserQuestion calls for operator
   resolution, and pass everything else through after the auto-passthrough
   deadline

Graceful shutdown is handled on SIGINT/SIGTERM.`,
		Example: `  # Start against the current directory
  athena serve

  # Start against a specific project, custom config
  athena serve --project-dir /path/to/project --config /path/to/athena.yaml`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), projectDir, configPath)
		},
	}

	cmd.Flags().StringVarP(&projectDir, "project-dir", "p", ".", "Project directory the harness runs in")
	cmd.Flags().StringVarP(&configPath, "config", "c", "athena.yaml", "Path to YAML configuration file")

	return cmd
}

func runServe(ctx context.Context, projectDir, configPath string) error {
	cfg, err := config.Load(configPath, projectDir)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger := telemetry.NewLogger(telemetry.LogConfig{Level: cfg.LogLevel, Format: cfg.LogFormat})
	metrics := telemetry.NewMetrics()

	loadedRules, err := config.LoadRules(cfg.RulesPath, cfg.Rules)
	if err != nil {
		return fmt.Errorf("load rules: %w", err)
	}

	st, err := store.Open(cfg.StorePath)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}

	hookLog, err := telemetry.OpenHookLog(cfg.HookLogPath)
	if err != nil {
		st.Close()
		return fmt.Errorf("open hook log: %w", err)
	}
	defer hookLog.Close()

	instanceID := fmt.Sprintf("pid-%d", os.Getpid())
	locker := st.NewSessionLocker(instanceID, store.DefaultLockTTL)
	if err := locker.Lock(ctx, cfg.ProjectDir); err != nil {
		st.Close()
		return fmt.Errorf("acquire project lock: %w", err)
	}
	defer locker.Unlock(context.Background(), cfg.ProjectDir)

	refreshCtx, stopRefresh := context.WithCancel(context.Background())
	defer stopRefresh()
	go func() {
		ticker := time.NewTicker(store.DefaultLockTTL / 2)
		defer ticker.Stop()
		for {
			select {
			case <-refreshCtx.Done():
				return
			case <-ticker.C:
				_ = locker.Refresh(refreshCtx, cfg.ProjectDir)
			}
		}
	}()

	f := facade.New(facade.Config{
		ProjectDir: cfg.ProjectDir,
		RulesPath:  cfg.RulesPath,
		Mapper:     mapper.New(),
		Store:      st,
		Rules:      rules.NewEngine(loadedRules),
		Permission: queue.NewPermissionQueue(),
		Question:   queue.NewQuestionQueue(),
		Logger:     logger.Component("facade"),
		Metrics:    metrics,
		HookLog:    hookLog,
		AutoPassMs: cfg.AutoPassthroughMs,
		SocketPath: cfg.SocketPath(),
	})

	if cfg.MetricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", metrics.Handler())
		metricsSrv := &http.Server{Addr: cfg.MetricsAddr, Handler: mux}
		go func() {
			if err := metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.Error(ctx, "metrics server failed", "error", err.Error())
			}
		}()
		defer metricsSrv.Close()
	}

	if err := f.Start(); err != nil {
		return fmt.Errorf("start broker: %w", err)
	}
	logger.Info(ctx, "athena broker listening", "socket", cfg.SocketPath())

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-ctx.Done():
	case sig := <-sigCh:
		logger.Info(ctx, "received signal, shutting down", "signal", sig.String())
	}

	if err := f.Stop(); err != nil {
		return fmt.Errorf("stop broker: %w", err)
	}
	return nil
}
