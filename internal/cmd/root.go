// Package cmd implements the agora command line interface.
package cmd

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/openagora/agora/internal/config"
	"github.com/openagora/agora/internal/coordinator"
	"github.com/openagora/agora/internal/event"
	"github.com/openagora/agora/internal/logging"
	"github.com/openagora/agora/internal/proc"
	"github.com/openagora/agora/internal/store"
	"github.com/openagora/agora/internal/worktree"
)

var rootCmd = &cobra.Command{
	Use:   "agora",
	Short: "Multi-runtime agent orchestrator",
	Long: `Agora dispatches one task to several AI coding agents in parallel,
each in an isolated git worktree, and reconciles their outputs under a
coordination mode: competition, ensemble, or debate.`,
}

// Execute runs the root command
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	cobra.OnInitialize(initConfig)

	// Global flags
	rootCmd.PersistentFlags().StringP("config", "c", "", "config file (default is $HOME/.config/agora/config.yaml)")
	_ = viper.BindPFlag("config", rootCmd.PersistentFlags().Lookup("config"))
}

func initConfig() {
	// Set defaults first so they're available even without a config file
	config.SetDefaults()

	if cfgFile := viper.GetString("config"); cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		viper.SetConfigName("config")
		viper.SetConfigType("yaml")
		viper.AddConfigPath(config.ConfigDir())
		viper.AddConfigPath(".")
	}

	viper.AutomaticEnv()
	viper.SetEnvPrefix("AGORA")
	// AGORA_ORCHESTRATOR_MAX_CONCURRENT maps to orchestrator.max_concurrent
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	// Read config file if it exists (ignore error if not found)
	_ = viper.ReadInConfig()
}

// buildCoordinator wires the orchestrator stack from the effective
// configuration. The returned logger must be closed by the caller.
func buildCoordinator() (*coordinator.Coordinator, *logging.Logger, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, err
	}

	dataDir := cfg.Paths.ResolveDataDir()

	logger := logging.NopLogger()
	if cfg.Logging.Enabled {
		fileLogger, err := logging.NewLogger(filepath.Join(dataDir, "logs"), cfg.Logging.Level)
		if err != nil {
			fmt.Fprintf(os.Stderr, "warning: file logging disabled: %v\n", err)
		} else {
			logger = fileLogger
		}
	}

	coord := coordinator.New(cfg, proc.NewTmuxHost(logger), store.NewFileStore(dataDir), event.NewBus(), logger, nil)
	return coord, logger, nil
}

// workspacePath resolves the workspace the command operates on: the
// enclosing git repository root, or the working directory outside one.
func workspacePath() (string, error) {
	cwd, err := os.Getwd()
	if err != nil {
		return "", fmt.Errorf("failed to get current directory: %w", err)
	}
	if root, err := worktree.FindGitRoot(cwd); err == nil {
		return root, nil
	}
	return cwd, nil
}
