package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/lkarlslund/llmrelay/pkg/version"
)

func init() {
	rootCmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print llmrelay version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintln(cmd.OutOrStdout(), version.Detailed())
		},
	})
}
