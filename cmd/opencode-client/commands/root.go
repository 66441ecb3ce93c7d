// Package commands provides the CLI commands for the OpenCode client.
package commands

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/opencode-ai/opencode-client/internal/api"
	"github.com/opencode-ai/opencode-client/internal/config"
	"github.com/opencode-ai/opencode-client/internal/logging"
	"github.com/opencode-ai/opencode-client/internal/orchestrator"
)

var (
	// Version information set at build time
	Version   = "0.1.0"
	BuildTime = "dev"
)

// Global flags
var (
	printLogs bool
	logLevel  string
	serverURL string
	workDir   string
)

var rootCmd = &cobra.Command{
	Use:   "opencode-client",
	Short: "OpenCode client - drive an OpenCode server from the command line",
	Long: `opencode-client talks to a running OpenCode server: it sends prompts
into sessions and reconciles the server's event stream into streamed text,
tool-call progress, and permission prompts.

Run 'opencode-client run' for a streaming exchange, 'opencode-client chat'
for a single-shot answer, or 'opencode-client batch' for many prompts.`,
	Version: Version,
	Run: func(cmd *cobra.Command, args []string) {
		cmd.Help()
	},
}

func init() {
	rootCmd.PersistentFlags().BoolVar(&printLogs, "print-logs", false, "Print logs to stderr")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "Log level (debug|info|warn|error)")
	rootCmd.PersistentFlags().StringVar(&serverURL, "server", "", "Server base URL (overrides config)")
	rootCmd.PersistentFlags().StringVarP(&workDir, "directory", "C", "", "Working directory")

	rootCmd.SetVersionTemplate(fmt.Sprintf("opencode-client %s (%s)\n", Version, BuildTime))

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(chatCmd)
	rootCmd.AddCommand(batchCmd)
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

// setup loads config, initializes logging, builds the orchestrator, and
// starts the event pump. The returned cancel stops the pump.
func setup(ctx context.Context, opts orchestrator.Options) (*orchestrator.Orchestrator, *config.Config, context.CancelFunc, error) {
	dir := workDir
	if dir == "" {
		var err error
		dir, err = os.Getwd()
		if err != nil {
			return nil, nil, nil, err
		}
	}

	cfg, err := config.Load(dir)
	if err != nil {
		return nil, nil, nil, err
	}
	if serverURL != "" {
		cfg.ServerURL = serverURL
	}
	if cfg.LogLevel != "" && !rootCmd.PersistentFlags().Changed("log-level") {
		logLevel = cfg.LogLevel
	}

	logCfg := logging.Config{
		Level:  logging.ParseLevel(logLevel),
		Output: io.Discard,
		Pretty: true,
	}
	if printLogs {
		logCfg.Output = os.Stderr
	}
	logging.Init(logCfg)

	o := orchestrator.New(cfg, opts)

	pumpCtx, cancel := context.WithCancel(ctx)
	pump := api.NewEventPump(cfg.ServerURL, o.Bus())
	go func() {
		if err := pump.Run(pumpCtx); err != nil && pumpCtx.Err() == nil {
			logging.Error().Err(err).Msg("event stream stopped")
		}
	}()

	return o, cfg, cancel, nil
}
