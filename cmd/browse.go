package cmd

import (
	"github.com/spf13/cobra"
)

func newBrowseCmd() *cobra.Command {
	var page, rows int
	var full bool
	cmd := &cobra.Command{
		Use:   "browse NAME",
		Short: "Page through the extracted records of a job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			appInstance, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			result, err := appInstance.Crawls().Browse(cmd.Context(), args[0], page, rows, full)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), result)
		},
	}
	cmd.Flags().IntVar(&page, "page", 0, "0-based page number")
	cmd.Flags().IntVar(&rows, "rows", 20, "records per page")
	cmd.Flags().BoolVar(&full, "full-content", false, "include each record's text content")
	return cmd
}
