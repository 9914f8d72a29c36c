package main

import (
	"fmt"
	"strings"

	"github.com/aretw0/sochen"
	"github.com/spf13/cobra"
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version number of sochen",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintf(cmd.OutOrStdout(), "sochen version %s\n", strings.TrimSpace(sochen.Version))
	},
}

func init() {
	rootCmd.AddCommand(versionCmd)
}
