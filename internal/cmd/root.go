// Package cmd implements the kiro command line.
package cmd

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/eldavier/Kiro-sub000/internal/app"
	"github.com/eldavier/Kiro-sub000/internal/config"
)

var rootCmd = &cobra.Command{
	Use:   "kiro",
	Short: "Multi-agent execution core",
	Long: `Kiro turns a goal into an analysed, planned and dispatched set of coding
tasks, running every model call through a bounded execution pool and
gating agent shell commands behind an approval policy.`,
	SilenceUsage: true,
}

// Execute runs the root command.
func Execute(ctx context.Context) error {
	return rootCmd.ExecuteContext(ctx)
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringP("config", "c", "", "config file (default is $HOME/.config/kiro/config.yaml)")
	rootCmd.PersistentFlags().String("log-level", "", "log level (debug, info, warn, error)")
	_ = viper.BindPFlag("config", rootCmd.PersistentFlags().Lookup("config"))
	_ = viper.BindPFlag("logging.level", rootCmd.PersistentFlags().Lookup("log-level"))
}

func initConfig() {
	// Defaults first so they apply even without a config file
	config.SetDefaults()

	if cfgFile := viper.GetString("config"); cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		viper.SetConfigName("config")
		viper.SetConfigType("yaml")
		viper.AddConfigPath(config.ConfigDir())
		viper.AddConfigPath(".")
	}

	// e.g. KIRO_COMMANDS_MODE for commands.mode
	config.BindEnv(viper.GetViper())

	// Read config file if it exists (ignore error if not found)
	_ = viper.ReadInConfig()
}

// loadApp reads the effective configuration and builds the core.
func loadApp(cmd *cobra.Command, opts ...app.Option) (*app.App, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return app.New(cmd.Context(), cfg, opts...)
}
