package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/user/agentfs/internal/config"
	"github.com/user/agentfs/internal/content"
	"github.com/user/agentfs/internal/delivery"
	"github.com/user/agentfs/internal/generator"
	"github.com/user/agentfs/internal/ingress"
	"github.com/user/agentfs/internal/jobs"
	"github.com/user/agentfs/internal/orchestrator"
	"github.com/user/agentfs/internal/runtime"
	"github.com/user/agentfs/internal/sandbox"
	"github.com/user/agentfs/internal/state"
	"github.com/user/agentfs/internal/types"
	"github.com/user/agentfs/pkg/llm"
	"github.com/user/agentfs/pkg/llm/openai"
)

func init() {
	rootCmd.AddCommand(serveCmd)
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the agentfs daemon",
	Args:  cobra.NoArgs,
	RunE:  runServe,
}

func writePIDFile(dataDir string) (string, error) {
	pidPath := filepath.Join(dataDir, pidFileName)
	pid := os.Getpid()
	if err := os.WriteFile(pidPath, []byte(strconv.Itoa(pid)+"\n"), 0644); err != nil {
		return "", fmt.Errorf("write PID file: %w", err)
	}
	return pidPath, nil
}

// daemon holds everything serve starts so that shutdown can unwind it in
// order before exit or re-exec.
type daemon struct {
	orch   *orchestrator.Orchestrator
	runner *jobs.Runner
	http   *http.Server
	cancel context.CancelFunc
}

func (d *daemon) shutdown() {
	d.cancel()
	if d.http != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		d.http.Shutdown(ctx)
		cancel()
	}
	if d.runner != nil {
		d.runner.Stop()
	}
	if err := d.orch.Stop(); err != nil {
		slog.Error("stop orchestrator", "error", err)
	}
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg := loadConfig()
	setupLogging(cfg)
	if err := cfg.Validate(); err != nil {
		return err
	}
	durations, err := cfg.Durations()
	if err != nil {
		return err
	}

	if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}
	lock, err := lockDataDir(cfg.DataDir)
	if err != nil {
		return err
	}
	defer lock.Close()

	pidPath, err := writePIDFile(cfg.DataDir)
	if err != nil {
		return err
	}
	defer os.Remove(pidPath)

	d, err := startDaemon(cfg, durations)
	if err != nil {
		return err
	}

	slog.Info("agentfs started",
		"data_dir", cfg.DataDir,
		"log_level", cfg.LogLevel,
		"max_concurrent_agents", cfg.MaxConcurrent,
		"review_policy", cfg.Review.Policy,
		"llm_provider", cfg.LLM.Provider,
		"llm_model", cfg.LLM.Model,
		"pid_file", pidPath,
	)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP, syscall.SIGUSR1)

	for {
		sig := <-sigChan
		switch sig {
		case syscall.SIGUSR1:
			if d.runner == nil {
				continue
			}
			if err := d.runner.Reload(); err != nil {
				slog.Error("reload schedules", "error", err)
			} else {
				slog.Info("schedules reloaded", "entries", d.runner.Entries())
			}
			continue
		case syscall.SIGHUP:
			slog.Info("received SIGHUP, restarting")
			execPath, err := os.Executable()
			if err != nil {
				slog.Error("failed to get executable path", "error", err)
				continue
			}
			d.shutdown()
			// The lock fd is close-on-exec, so the new process can take it.
			os.Remove(pidPath)
			lock.Close()
			if err := syscall.Exec(execPath, os.Args, os.Environ()); err != nil {
				return fmt.Errorf("re-exec: %w", err)
			}
		}
		slog.Info("shutting down", "signal", sig)
		d.shutdown()
		return nil
	}
}

func startDaemon(cfg *config.Config, durations config.Durations) (*daemon, error) {
	logger := slog.Default()

	review, err := runtime.ParseReviewPolicy(cfg.Review.Policy)
	if err != nil {
		return nil, err
	}
	compression, err := content.ParsePolicy(cfg.Content.Compression)
	if err != nil {
		return nil, err
	}

	// LLM provider
	provider := openai.New(&llm.Config{
		BaseURL:     cfg.LLM.BaseURL,
		APIKey:      cfg.LLM.APIKey,
		Model:       cfg.LLM.Model,
		MaxTokens:   cfg.LLM.MaxTokens,
		Temperature: cfg.LLM.Temperature,
		Timeout:     durations.LLMTimeout,
	})
	engine, err := generator.New(cfg.LLM.Model, cfg.LLM.MaxContextTokens, cfg.LLM.OutputReserve, "", sandbox.Packages())
	if err != nil {
		return nil, fmt.Errorf("create prompt engine: %w", err)
	}
	retry := runtime.DefaultRetryPolicy()
	if cfg.LLM.MaxAttempts > 0 {
		retry.MaxAttempts = cfg.LLM.MaxAttempts
	}

	deliveryReg := delivery.NewRegistry()
	orch, err := orchestrator.New(context.Background(), orchestrator.Options{
		DataDir:       cfg.DataDir,
		MaxConcurrent: int64(cfg.MaxConcurrent),
		Limits: types.Limits{
			Timeout:     durations.ExecutionTimeout,
			MemoryBytes: cfg.Execution.MemoryLimitBytes,
		},
		Review:      review,
		Retry:       retry,
		Compression: compression,
		SyncRoot:    cfg.Sync.Root,
		SyncIgnore:  cfg.Sync.Ignore,
		Generator:   generator.NewGenerator(provider, engine, logger),
		Executor:    sandbox.NewExecutor(logger),
		Delivery:    deliveryReg,
		Logger:      logger,
	})
	if err != nil {
		return nil, fmt.Errorf("create orchestrator: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	d := &daemon{orch: orch, cancel: cancel}
	if err := orch.Start(ctx); err != nil {
		cancel()
		orch.Stop()
		return nil, fmt.Errorf("start orchestrator: %w", err)
	}

	templates := state.NewTemplateStore(filepath.Join(cfg.DataDir, "templates.json"))
	dispatcher := ingress.NewDispatcher(orch, templates, logger)

	// Telegram adapter
	if cfg.Telegram.Token != "" {
		bot, err := ingress.NewTelegram(cfg.Telegram.Token, dispatcher, cfg.Telegram.AllowedChats, logger)
		if err != nil {
			d.shutdown()
			return nil, fmt.Errorf("create telegram adapter: %w", err)
		}
		go bot.Start(ctx)
		deliveryReg.Register("telegram:", bot.Deliver)
		slog.Info("telegram adapter started")
	} else {
		slog.Warn("telegram adapter disabled (no token)")
	}

	// Signal directory
	if cfg.Signals.Enabled {
		sig, err := ingress.NewSignals(filepath.Join(cfg.DataDir, "signals"), durations.SignalInterval, dispatcher, logger)
		if err != nil {
			d.shutdown()
			return nil, err
		}
		go sig.Run(ctx)
		slog.Info("signal directory watched", "dir", sig.Dir())
	}

	// Scheduled templates and maintenance
	d.runner = jobs.New(templates, func(tpl *state.Template) {
		cmd := ingress.Command{Kind: ingress.KindRun, Template: tpl.Name, Origin: types.NewOrigin("cron", tpl.Name)}
		if _, err := dispatcher.Dispatch(ctx, cmd); err != nil {
			slog.Error("scheduled template failed", "template", tpl.Name, "error", err)
		}
	}, logger)
	if err := d.runner.AddJob(jobs.Job{
		Name:     "retention",
		Schedule: cfg.Retention.Schedule,
		Run: func() {
			n, err := orch.Prune(ctx, durations.RetentionWindow)
			if err != nil {
				slog.Error("prune agent records", "error", err)
				return
			}
			if n > 0 {
				slog.Info("pruned agent records", "count", n)
			}
		},
	}); err != nil {
		d.shutdown()
		return nil, err
	}
	if cfg.Sync.Root != "" {
		if err := d.runner.AddJob(jobs.Job{
			Name:     "sync",
			Schedule: cfg.Sync.Schedule,
			Run: func() {
				if _, err := orch.Sync(ctx); err != nil {
					slog.Error("scheduled sync failed", "error", err)
				}
			},
		}); err != nil {
			d.shutdown()
			return nil, err
		}
	}
	if err := d.runner.Start(); err != nil {
		d.shutdown()
		return nil, fmt.Errorf("start jobs: %w", err)
	}
	slog.Info("jobs started", "entries", d.runner.Entries())

	// HTTP ingress
	if cfg.HTTP.Enabled {
		d.http = &http.Server{
			Addr:    cfg.HTTP.Listen,
			Handler: ingress.NewServer(dispatcher, logger),
		}
		go func() {
			slog.Info("http server started", "listen", cfg.HTTP.Listen)
			if err := d.http.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				slog.Error("http server error", "error", err)
			}
		}()
	}
	return d, nil
}
