package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/ternarybob/arbor"

	"github.com/ternarybob/authkeeper/internal/app"
	"github.com/ternarybob/authkeeper/internal/common"
)

var (
	// Command-line flags
	configFiles []string // Multiple -config flags supported, later files override earlier ones
	authDir     string
	logLevel    string
	headless    bool

	// Global state
	config *common.Config
	logger arbor.ILogger
)

var rootCmd = &cobra.Command{
	Use:           "authkeeper",
	Short:         "Keeps service cookies, storage state and tokens fresh",
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if cmd.Name() == versionCmd.Name() {
			return nil
		}
		return loadConfig(cmd)
	},
}

func init() {
	rootCmd.PersistentFlags().StringArrayVarP(&configFiles, "config", "c", nil, "Configuration file path (repeatable, later files override earlier ones)")
	rootCmd.PersistentFlags().StringVar(&authDir, "auth-dir", "", "Auth state directory (overrides config)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Log level: debug, info, warn, error (overrides config)")
	rootCmd.PersistentFlags().BoolVar(&headless, "headless", true, "Run the browser headless; manual login needs --headless=false")

	rootCmd.AddCommand(checkCmd, refreshCmd, refreshAllCmd, serveCmd, historyCmd, versionCmd)
}

func main() {
	defer common.RecoverWithCrashFile()

	// SIGINT/SIGTERM cancel in-flight refreshes; the orchestrator writes nothing after cancellation
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := rootCmd.ExecuteContext(ctx)
	stop()
	if err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(exitCode(err))
	}
}

// loadConfig runs the startup sequence: config (defaults -> files -> env), CLI overrides,
// logger, crash handler, banner
func loadConfig(cmd *cobra.Command) error {
	if len(configFiles) == 0 {
		for _, candidate := range []string{"authkeeper.toml", "authkeeper.yaml", "deployments/local/authkeeper.toml"} {
			if _, err := os.Stat(candidate); err == nil {
				configFiles = append(configFiles, candidate)
				break
			}
		}
	}

	loaded, err := common.LoadFromFiles(configFiles...)
	if err != nil {
		return fmt.Errorf("failed to load configuration %v: %w", configFiles, err)
	}

	overrides := common.FlagOverrides{AuthDir: authDir, LogLevel: logLevel}
	if cmd.Flags().Changed("headless") {
		overrides.Headless = &headless
	}
	config, err = common.ApplyFlagOverrides(loaded, overrides)
	if err != nil {
		return err
	}

	logger = common.InitLogger(config)
	if dir, err := common.LogDir(config); err == nil {
		common.InstallCrashHandler(dir)
	}
	common.PrintBanner(config)

	logger.Debug().
		Strs("config_files", configFiles).
		Str("auth_dir", config.Storage.AuthDir).
		Str("log_level", config.Logging.Level).
		Bool("headless", config.Browser.Headless).
		Strs("services", config.EnabledServices()).
		Msg("Resolved configuration")
	return nil
}

func newApp() (*app.App, error) {
	application, err := app.New(config, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize application: %w", err)
	}
	return application, nil
}

// exitError carries a process exit code out of a command
type exitError struct {
	code int
	msg  string
}

func (e *exitError) Error() string { return e.msg }

func exitCode(err error) int {
	var e *exitError
	if errors.As(err, &e) {
		return e.code
	}
	return 1
}
