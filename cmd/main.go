// Stageflow
//
// Staged workflow orchestration engine. One binary serves the gRPC health
// endpoint and admin HTTP API, runs a single request from the command line,
// or prints the stage catalog.
//
// Usage:
//
//	stageflow serve --config stageflow.yaml
//	echo "summarise the logs" | stageflow run --config stageflow.yaml
//	stageflow stages --yaml
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	goruntime "runtime"
	"strings"
	"syscall"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/jeeves-cluster-organization/stageflow/coreengine/config"
	"github.com/jeeves-cluster-organization/stageflow/coreengine/logging"
	"github.com/jeeves-cluster-organization/stageflow/coreengine/stages"
	"github.com/jeeves-cluster-organization/stageflow/coreengine/workflow"
)

const (
	Version   = "0.1.0"
	BuildTime = "dev"
	appName   = "stageflow"
)

func main() {
	defer func() {
		if r := recover(); r != nil {
			buf := make([]byte, 4096)
			n := goruntime.Stack(buf, false)
			_, _ = fmt.Fprintf(os.Stderr, "PANIC: %v\nStack trace:\n%s\n", r, string(buf[:n]))
			os.Exit(2)
		}
	}()

	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

type globalFlags struct {
	configPath string
	logLevel   string
	logFormat  string
}

func rootCmd() *cobra.Command {
	flags := &globalFlags{}

	cmd := &cobra.Command{
		Use:   appName,
		Short: "Staged workflow orchestration engine",
		Long: `Stageflow routes each request through a configurable pipeline of
stages (classification, planning, execution, verification and recovery)
backed by language-model backends with circuit breakers and fallback.`,
		SilenceUsage: true,
	}

	pf := cmd.PersistentFlags()
	pf.StringVarP(&flags.configPath, "config", "c", "", "Config file path (YAML)")
	pf.StringVar(&flags.logLevel, "log-level", "", "Log level (debug, info, warn, error); overrides config")
	pf.StringVar(&flags.logFormat, "log-format", "", "Log format (json, console); overrides config")

	cmd.AddCommand(serveCmd(flags), runCmd(flags), stagesCmd(flags), versionCmd())
	return cmd
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "%s version %s (build: %s)\n", appName, Version, BuildTime)
		},
	}
}

func serveCmd(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Serve the gRPC health endpoint and admin API",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := setup(flags)
			if err != nil {
				return err
			}
			defer func() { _ = logger.Sync() }()

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			app, err := Build(ctx, cfg, logger, buildOptions{})
			if err != nil {
				return err
			}
			defer func() {
				if err := app.Close(context.WithoutCancel(ctx)); err != nil {
					logger.Warn("shutdown_incomplete", "error", err.Error())
				}
			}()

			logger.Info("stageflow_starting", "version", Version, "build", BuildTime)
			err = app.Serve(ctx)
			logger.Info("stageflow_stopped")
			return err
		},
	}
}

func runCmd(flags *globalFlags) *cobra.Command {
	var requestID string

	cmd := &cobra.Command{
		Use:   "run [request]",
		Short: "Run one request to completion and print its snapshot as JSON",
		Long: `Run executes a single workflow in-process. The request text is taken
from the argument, or from stdin when no argument is given.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			input, err := readInput(cmd.InOrStdin(), args)
			if err != nil {
				return err
			}
			cfg, logger, err := setup(flags)
			if err != nil {
				return err
			}
			defer func() { _ = logger.Sync() }()

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			app, err := Build(ctx, cfg, logger, buildOptions{})
			if err != nil {
				return err
			}
			defer func() { _ = app.Close(context.WithoutCancel(ctx)) }()

			if requestID == "" {
				requestID = uuid.NewString()
			}
			return runOnce(ctx, app, requestID, input, cmd.OutOrStdout())
		},
	}
	cmd.Flags().StringVar(&requestID, "request-id", "", "Request id (generated when empty)")
	return cmd
}

// runOnce executes one workflow and writes its snapshot. A workflow that
// finishes unsuccessfully still prints its snapshot before the error.
func runOnce(ctx context.Context, app *App, requestID, input string, out io.Writer) error {
	wc, runErr := app.Engine.Run(ctx, requestID, input)
	snap := wc.Snapshot()

	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	if err := enc.Encode(snap); err != nil {
		return fmt.Errorf("encode snapshot: %w", err)
	}
	if runErr != nil {
		return runErr
	}
	if snap.Status != workflow.StatusSuccess {
		return fmt.Errorf("workflow %s finished %s: %s", requestID, snap.Status, snap.TerminationReason)
	}
	return nil
}

func readInput(in io.Reader, args []string) (string, error) {
	if len(args) == 1 {
		return validInput(args[0])
	}
	data, err := io.ReadAll(io.LimitReader(in, 1<<20))
	if err != nil {
		return "", fmt.Errorf("read stdin: %w", err)
	}
	return validInput(string(data))
}

func validInput(s string) (string, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return "", errors.New("request text is required")
	}
	return s, nil
}

func stagesCmd(flags *globalFlags) *cobra.Command {
	var asYAML bool

	cmd := &cobra.Command{
		Use:   "stages",
		Short: "Print the validated stage catalog",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(flags.configPath)
			if err != nil {
				return err
			}
			reg, err := stages.NewRegistry(cfg.StageCatalog(), stages.DefaultConditions(cfg.MaxRetryCycles))
			if err != nil {
				return err
			}
			return writeStages(cmd.OutOrStdout(), reg.Stages(), asYAML)
		},
	}
	cmd.Flags().BoolVar(&asYAML, "yaml", false, "Print YAML instead of JSON")
	return cmd
}

func writeStages(out io.Writer, defs []*config.StageDefinition, asYAML bool) error {
	if asYAML {
		enc := yaml.NewEncoder(out)
		enc.SetIndent(2)
		if err := enc.Encode(defs); err != nil {
			return fmt.Errorf("encode stages: %w", err)
		}
		return enc.Close()
	}
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(defs)
}

func loadConfig(path string) (*config.WorkflowConfig, error) {
	cfg, err := config.Load(path)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	return cfg, nil
}

// setup loads configuration and builds the process logger. Flags override
// the configured logging settings.
func setup(flags *globalFlags) (*config.WorkflowConfig, *logging.ZapLogger, error) {
	cfg, err := loadConfig(flags.configPath)
	if err != nil {
		return nil, nil, err
	}
	if flags.logLevel != "" {
		cfg.Logging.Level = flags.logLevel
	}
	if flags.logFormat != "" {
		cfg.Logging.Format = flags.logFormat
	}
	logger, err := logging.New(cfg.Logging.Level, cfg.Logging.Format)
	if err != nil {
		return nil, nil, fmt.Errorf("configure logging: %w", err)
	}
	return cfg, logger, nil
}
