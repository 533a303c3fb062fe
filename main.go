/******************************************************************************
 * Copyright (c) 2025-2026 Tenebris Technologies Inc.                         *
 * Please see the LICENSE file for details                                    *
 ******************************************************************************/

package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/PivotLLM/Surveyor/config"
	"github.com/PivotLLM/Surveyor/global"
	"github.com/PivotLLM/Surveyor/llm"
	"github.com/PivotLLM/Surveyor/logging"
	"github.com/PivotLLM/Surveyor/retrieval"
	"github.com/PivotLLM/Surveyor/runner"
	"github.com/PivotLLM/Surveyor/server"
	"github.com/PivotLLM/Surveyor/store"
	"github.com/PivotLLM/Surveyor/telemetry"
	"github.com/PivotLLM/Surveyor/templates"
)

func main() {
	// Top-level panic recovery
	defer func() {
		if rec := recover(); rec != nil {
			_, _ = fmt.Fprintf(os.Stderr, "FATAL PANIC: %v\n", rec)
			os.Exit(2)
		}
	}()

	if err := newRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "surveyor",
		Short: "Surveyor - AI task execution engine for legal and policy research",
		Long: `Surveyor runs research questions about economies through AI model providers.

Each AI request covers a batch of (economy, question) tasks. Every task gets
exactly one recorded result; answers that pass the response contract are
written to the task's draft for human review.

With no subcommand Surveyor runs as an MCP server on stdio.`,
		Version:      global.Version,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return serve(configPath)
		},
	}
	cmd.PersistentFlags().StringVar(&configPath, "config", "",
		fmt.Sprintf("Path to configuration file (default: $%s or %s/%s)", global.ConfigEnvVar, global.DefaultBaseDir, global.DefaultConfigFileName))

	cmd.AddCommand(&cobra.Command{
		Use:   "serve",
		Short: "Run the MCP server on stdio",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return serve(configPath)
		},
	})

	var requestID string
	runCmd := &cobra.Command{
		Use:   "run",
		Short: "Execute one queued AI request and print its summary",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(configPath, func(ctx context.Context, a *app) error {
				summary, err := a.runner.RunRequest(ctx, requestID)
				if err != nil {
					return err
				}
				return printJSON(cmd, summary)
			})
		},
	}
	runCmd.Flags().StringVar(&requestID, "request", "", "AI request ID")
	_ = runCmd.MarkFlagRequired("request")
	cmd.AddCommand(runCmd)

	cmd.AddCommand(&cobra.Command{
		Use:   "sweep",
		Short: "Execute every queued AI request, oldest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(configPath, func(ctx context.Context, a *app) error {
				sweep, err := a.runner.ProcessQueue(ctx)
				if errors.Is(err, runner.ErrSweepInProgress) {
					a.logger.Info("Another sweep is running; nothing to do")
					_, _ = fmt.Fprintln(cmd.ErrOrStderr(), err)
					return nil
				}
				if err != nil {
					return err
				}
				return printJSON(cmd, sweep)
			})
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "%s v%s\n", global.ProgramName, global.Version)
		},
	})

	return cmd
}

// app holds the wired components shared by every command
type app struct {
	cfg       *config.Config
	logger    *logging.Logger
	store     *store.Store
	llm       *llm.Service
	retrieval *retrieval.Augmenter
	runner    *runner.Runner
	shutdown  func(context.Context) error
}

// newApp loads configuration and builds the component graph
func newApp(ctx context.Context, configPath string) (*app, error) {
	var opts []config.Option
	if configPath != "" {
		opts = append(opts, config.WithConfigPath(configPath))
	}
	cfg := config.New(opts...)
	if err := cfg.Load(); err != nil {
		return nil, fmt.Errorf("configuration error: %w", err)
	}

	logger := logging.NewWithWriter(os.Stderr)
	if cfg.LogFile() != "" {
		var err error
		if logger, err = logging.New(cfg.LogFile()); err != nil {
			return nil, fmt.Errorf("failed to initialize logging: %w", err)
		}
	}
	logger.SetLevel(cfg.LogLevel())
	logger.Infof("%s v%s starting", global.ProgramName, global.Version)
	if cfg.IsFirstRun() {
		logger.Infof("First run detected - created default configuration at %s", cfg.ConfigPath())
	}

	a := &app{cfg: cfg, logger: logger}

	if tc := cfg.Telemetry(); tc.Enabled {
		shutdown, err := telemetry.Init(ctx, telemetry.Config{
			ServiceName:    tc.ServiceName,
			ServiceVersion: global.Version,
			OTLPEndpoint:   tc.OTLPEndpoint,
			Insecure:       tc.Insecure,
		})
		if err != nil {
			// Tracing is optional; keep running without it
			logger.Warnf("Failed to initialize telemetry: %v", err)
		} else {
			a.shutdown = shutdown
			logger.Infof("Tracing enabled, exporting to %s", tc.OTLPEndpoint)
		}
	}

	st, err := store.Open(cfg.DatabasePath())
	if err != nil {
		a.close()
		return nil, fmt.Errorf("failed to open database %s: %w", cfg.DatabasePath(), err)
	}
	a.store = st

	rc := cfg.Runner()
	a.llm = llm.NewService(logger, llm.WithQuotaPatterns(rc.QuotaPatterns))
	a.retrieval = retrieval.New(cfg.Retrieval(), logger, nil)
	if !a.retrieval.Configured() {
		logger.Info("No retrieval provider configured; firecrawl_only requests will fail with MISSING_CONFIG")
	}
	a.runner = runner.New(rc, cfg.SweepLockPath(), st, a.llm, a.retrieval, templates.New(logger), logger)

	return a, nil
}

// close releases resources in reverse order of creation
func (a *app) close() {
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			a.logger.Warnf("Failed to close database: %v", err)
		}
	}
	if a.shutdown != nil {
		if err := a.shutdown(context.Background()); err != nil {
			a.logger.Warnf("Failed to flush telemetry: %v", err)
		}
	}
	_ = a.logger.Sync()
	_ = a.logger.Close()
}

// withApp builds the app for a one-shot command. SIGINT/SIGTERM cancel the
// context so an interrupted request is marked failed rather than left running.
func withApp(configPath string, fn func(ctx context.Context, a *app) error) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, configPath)
	if err != nil {
		return err
	}
	defer a.close()

	if err := fn(ctx, a); err != nil {
		a.logger.Errorf("%v", err)
		return err
	}
	return nil
}

// serve runs the MCP server until stdin closes or a signal arrives
func serve(configPath string) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM, syscall.SIGHUP)
	defer stop()

	a, err := newApp(ctx, configPath)
	if err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err)
		return err
	}
	defer a.close()

	srv := server.New(a.logger, a.store, a.llm, a.retrieval, a.runner,
		server.WithMarkNonDestructive(a.cfg.MarkNonDestructive()))
	return srv.Run(ctx)
}

func printJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
