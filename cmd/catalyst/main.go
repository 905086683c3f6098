// Command catalyst runs the news-driven trading service and its operator
// commands.
package main

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"catalyst/internal/config"
	"catalyst/internal/util"
)

var version = "dev"

var (
	configPath string
	serverURL  string
)

func main() {
	// A missing .env is fine; real environment variables still apply.
	_ = godotenv.Load()

	rootCmd := &cobra.Command{
		Use:           "catalyst",
		Short:         "Trade bracket orders on scored news items",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", os.Getenv("CATALYST_CONFIG"),
		"path to YAML config (env CATALYST_CONFIG)")
	rootCmd.PersistentFlags().StringVar(&serverURL, "server", os.Getenv("CATALYST_SERVER"),
		"base URL of a running catalyst server (default derived from config)")

	rootCmd.AddCommand(runCmd())
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(reconcileCmd())
	rootCmd.AddCommand(positionsCmd())
	rootCmd.AddCommand(submitCmd())
	rootCmd.AddCommand(closeCmd())
	rootCmd.AddCommand(accountCmd())
	rootCmd.AddCommand(versionCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// setup loads the configuration and builds the process logger.
func setup() (*config.Config, *zap.Logger, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, nil, fmt.Errorf("loading config: %w", err)
	}
	log, err := util.NewLogger(cfg.Logging.Level, cfg.Logging.Format)
	if err != nil {
		return nil, nil, fmt.Errorf("building logger: %w", err)
	}
	util.SetDefault(log)
	return cfg, log, nil
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "catalyst %s\n", version)
		},
	}
}
