package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "sochen",
	Short: "Sochen is a multi-agent engine for code tasks",
	Long: `Sochen routes a code task through specialized agents (architect, coder, reviewer,
tester...) until it completes, fails or needs a human decision.

Configuration is read from an optional YAML file and SOCHEN_* environment variables.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringP("config", "c", "", "Path to a YAML config file")
	rootCmd.PersistentFlags().String("log-level", "", "Override log.level (debug, info, warn, error)")
	rootCmd.PersistentFlags().String("dir", "", "Override storage.dir (workflows, graph and memory)")
	rootCmd.PersistentFlags().String("workspace", ".", "Directory file paths are relative to")
}
