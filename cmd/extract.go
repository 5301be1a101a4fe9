package cmd

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/JakeFAU/sitecrawler/internal/crawler"
)

func newExtractCmd() *cobra.Command {
	var rulesFile string
	var quiet bool
	cmd := &cobra.Command{
		Use:   "extract NAME",
		Short: "Run the extraction phase over a fetched job",
		Long: `Evaluates extraction rules over every content page stored for NAME and
prints the resulting records. The rules file holds either a list of rules
or an object with a "rules" list.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			appInstance, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			var rules crawler.RuleSet
			if rulesFile != "" {
				data, err := os.ReadFile(rulesFile)
				if err != nil {
					return fmt.Errorf("read rules: %w", err)
				}
				if err := json.Unmarshal(data, &rules); err != nil {
					return fmt.Errorf("%w: decode rules: %v", crawler.ErrInvalidConfig, err)
				}
			}
			records, err := appInstance.Crawls().RunExtractionPhase(cmd.Context(), args[0], rules)
			if err != nil {
				return fmt.Errorf("extraction phase: %w", err)
			}
			if quiet {
				return printJSON(cmd.OutOrStdout(), map[string]int{"records": len(records)})
			}
			return printJSON(cmd.OutOrStdout(), records)
		},
	}
	cmd.Flags().StringVarP(&rulesFile, "rules", "r", "", "path to a JSON rules file")
	cmd.Flags().BoolVarP(&quiet, "quiet", "q", false, "print only the record count")
	return cmd
}
