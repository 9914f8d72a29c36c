package main

import (
	"os"

	"github.com/aretw0/sochen/internal/cli"
	"github.com/spf13/cobra"
)

var runCmd = &cobra.Command{
	Use:   "run <task>",
	Short: "Run one workflow in the terminal",
	Long: `Runs a task through the agents and prompts at every human checkpoint.
With --headless the session ends at the first checkpoint; answer it later over
the WebSocket or with another tool.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		opts := cli.RunOptions{Task: args[0]}
		opts.FilePaths, _ = cmd.Flags().GetStringSlice("file")
		opts.Focus, _ = cmd.Flags().GetString("focus")
		opts.WorkflowID, _ = cmd.Flags().GetString("id")
		opts.Headless, _ = cmd.Flags().GetBool("headless")
		opts.JSON, _ = cmd.Flags().GetBool("json")
		opts.Apply, _ = cmd.Flags().GetBool("apply")

		sigCtx := cli.NewSignalContext(cmd.Context())
		defer sigCtx.Cancel()

		engine, _, err := newEngine(cmd, cfg)
		if err != nil {
			return err
		}
		defer engine.Close()

		_, err = cli.NewSession(engine, os.Stdin, cmd.OutOrStdout()).Run(sigCtx, opts)
		return err
	},
}

func init() {
	rootCmd.AddCommand(runCmd)

	runCmd.Flags().StringSliceP("file", "f", nil, "File to load, relative to --workspace (repeatable)")
	runCmd.Flags().String("focus", "", "File to work on first")
	runCmd.Flags().String("id", "", "Workflow ID to use instead of a generated one")
	runCmd.Flags().Bool("headless", false, "Never prompt: stop at the first human checkpoint")
	runCmd.Flags().Bool("json", false, "Print the final results event as JSON")
	runCmd.Flags().Bool("apply", false, "Write accepted changes to the workspace")
}
