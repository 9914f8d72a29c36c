package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var applyCmd = &cobra.Command{
	Use:   "apply <workflow-id>",
	Short: "Write the accepted changes of a workflow to the workspace",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		engine, _, err := newEngine(cmd, cfg)
		if err != nil {
			return err
		}
		defer engine.Close()

		paths, err := engine.Apply(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		if len(paths) == 0 {
			fmt.Fprintln(cmd.OutOrStdout(), "No accepted changes.")
		}
		for _, p := range paths {
			fmt.Fprintf(cmd.OutOrStdout(), "wrote %s\n", p)
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(applyCmd)
}
