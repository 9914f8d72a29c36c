package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var memoryCmd = &cobra.Command{
	Use:   "memory",
	Short: "Inspect the memory of past agent actions",
}

var memorySearchCmd = &cobra.Command{
	Use:   "search <query>",
	Short: "Print the memories closest to a query",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		k, _ := cmd.Flags().GetInt("k")

		engine, _, err := newEngine(cmd, cfg)
		if err != nil {
			return err
		}
		defer engine.Close()

		mem := engine.Memory()
		if mem == nil {
			return fmt.Errorf("memory store disabled")
		}
		matches, err := mem.Recall(cmd.Context(), args[0], k)
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		if len(matches) == 0 {
			fmt.Fprintln(out, "No memories found.")
			return nil
		}
		for i, m := range matches {
			fmt.Fprintf(out, "%d. [%.4f] %s\n", i+1, m.Distance, m.Text)
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(memoryCmd)
	memoryCmd.AddCommand(memorySearchCmd)
	memorySearchCmd.Flags().IntP("k", "k", 5, "Number of memories to return")
}
