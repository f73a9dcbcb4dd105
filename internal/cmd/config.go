package cmd

import (
	"fmt"
	"slices"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/eldavier/Kiro-sub000/internal/config"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Inspect kiro configuration",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show the effective configuration",
	Long: `Show the effective configuration: defaults, overlaid by the config file,
overlaid by KIRO_* environment variables. API keys are redacted.`,
	Args: cobra.NoArgs,
	RunE: runConfigShow,
}

var configPathCmd = &cobra.Command{
	Use:   "path",
	Short: "Show the config file path",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		if used := viper.ConfigFileUsed(); used != "" {
			fmt.Fprintln(cmd.OutOrStdout(), used)
			return
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s (not found, using defaults)\n", config.ConfigFile())
	},
}

var configValidateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Check the configuration for invalid values",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		if _, err := config.Load(); err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), "configuration is valid")
		return nil
	},
}

var configFormat string

func init() {
	configShowCmd.Flags().StringVarP(&configFormat, "format", "f", config.FormatYAML,
		fmt.Sprintf("output format (%s)", strings.Join(config.ValidFormats(), ", ")))
	configCmd.AddCommand(configShowCmd, configPathCmd, configValidateCmd)
	rootCmd.AddCommand(configCmd)
}

func runConfigShow(cmd *cobra.Command, args []string) error {
	if !slices.Contains(config.ValidFormats(), strings.ToLower(configFormat)) {
		return fmt.Errorf("invalid format %q\nValid options: %s", configFormat, strings.Join(config.ValidFormats(), ", "))
	}
	out, err := config.Marshal(config.Effective(viper.GetViper()), configFormat)
	if err != nil {
		return fmt.Errorf("failed to render configuration: %w", err)
	}
	_, err = cmd.OutOrStdout().Write(out)
	return err
}
