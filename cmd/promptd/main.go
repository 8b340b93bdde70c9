package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var buildVersion = "dev"

var noColor bool

var rootCmd = &cobra.Command{
	Use:   "promptd",
	Short: "Priority queue and multi-model executor for document prompts",
	Long: `promptd queues document prompts, fans each one out across multiple
LLM providers, pauses on ambiguous answers until a human clarifies, and
assembles the completed prompts into a versioned result document.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().BoolVar(&noColor, "no-color", false, "disable colored output")

	rootCmd.AddCommand(startCmd)
	rootCmd.AddCommand(stopCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(submitCmd)
	rootCmd.AddCommand(sessionCmd)
	rootCmd.AddCommand(clarificationsCmd)
	rootCmd.AddCommand(resultCmd)
	rootCmd.AddCommand(configCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}
