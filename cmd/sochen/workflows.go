package main

import (
	"fmt"
	"text/tabwriter"

	"github.com/aretw0/sochen/internal/presentation/tui"
	"github.com/spf13/cobra"
)

var workflowsCmd = &cobra.Command{
	Use:   "workflows",
	Short: "List stored workflows and their status",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		engine, logger, err := newEngine(cmd, cfg)
		if err != nil {
			return err
		}
		defer engine.Close()

		ids, err := engine.Ledger().List(cmd.Context())
		if err != nil {
			return err
		}
		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tSTATUS\tSTEPS\tTASK")
		for _, id := range ids {
			state, err := engine.Ledger().Load(cmd.Context(), id)
			if err != nil {
				logger.Warn("Skipping unreadable workflow", "workflow_id", id, "error", err)
				continue
			}
			fmt.Fprintf(w, "%s\t%s\t%d\t%s\n", state.ID, tui.Status(state.Status), len(state.History), state.Task)
		}
		return w.Flush()
	},
}

func init() {
	rootCmd.AddCommand(workflowsCmd)
}
