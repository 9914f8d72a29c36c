package main

import (
	"fmt"

	"github.com/aretw0/sochen/internal/presentation/graph"
	"github.com/spf13/cobra"
)

var graphCmd = &cobra.Command{
	Use:   "graph [artifact...]",
	Short: "Export the dependency graph visualization",
	Long: `Outputs a Mermaid diagram (graph LR) of the persisted dependency graph.
Artifacts given as arguments are highlighted as changed, and everything that
depends on them as affected.`,
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

		var overlay *graph.Overlay
		if len(args) > 0 {
			overlay = &graph.Overlay{Changed: args, Affected: engine.Graph().Affected(args)}
		}
		fmt.Fprint(cmd.OutOrStdout(), graph.GenerateMermaid(engine.Graph(), overlay))
		return nil
	},
}

func init() {
	rootCmd.AddCommand(graphCmd)
}
