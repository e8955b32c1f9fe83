package commands

import (
	"github.com/spf13/cobra"
)

var (
	// configPath is the path to the TOML config file.
	configPath string

	// dbPath overrides the database path from the config.
	dbPath string

	// outputFormat controls output format (text, json).
	outputFormat string
)

// rootCmd is the base command for the CLI.
var rootCmd = &cobra.Command{
	Use:   "scrivano",
	Short: "Scrivano email automation CLI",
	Long: `Scrivano CLI manages automation rules and their generated actions.

Use this CLI to create and test rules, inspect ingested records, trigger
rule evaluation, and drive or inspect the action queue.`,
}

// Execute runs the CLI.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	// Global flags.
	rootCmd.PersistentFlags().StringVar(
		&configPath, "config", "",
		"Path to TOML config file (default: built-in defaults)",
	)
	rootCmd.PersistentFlags().StringVar(
		&dbPath, "db", "",
		"Path to SQLite database (overrides config)",
	)
	rootCmd.PersistentFlags().StringVar(
		&outputFormat, "format", "text",
		"Output format: text, json",
	)

	// Add subcommands.
	rootCmd.AddCommand(rulesCmd)
	rootCmd.AddCommand(actionsCmd)
	rootCmd.AddCommand(recordsCmd)
	rootCmd.AddCommand(evaluateCmd)
	rootCmd.AddCommand(versionCmd)
}
