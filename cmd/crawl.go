package cmd

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/JakeFAU/sitecrawler/internal/crawler"
)

type crawlOptions struct {
	jobFile string
	name    string
	extract bool
}

// crawlResult is printed by the crawl command.
type crawlResult struct {
	Stats   crawler.Stats `json:"stats"`
	Records int           `json:"records,omitempty"`
}

// newCrawlCmd runs phase 1, and optionally phase 2, for one job file.
func newCrawlCmd() *cobra.Command {
	opts := &crawlOptions{}
	cmd := &cobra.Command{
		Use:   "crawl",
		Short: "Run the fetch phase for a job config",
		Long: `Reads a JSON CrawlConfig and fetches every reachable page into the
store, printing the resulting stats. Pages already stored for the job name
are served from the cache. With --extract the extraction phase runs next
using the config's extraction_rules.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runCrawl(cmd, opts)
		},
	}
	cmd.Flags().StringVarP(&opts.jobFile, "job", "j", "", "path to the JSON job config (required)")
	cmd.Flags().StringVar(&opts.name, "name", "", "job name, overriding the config's name")
	cmd.Flags().BoolVar(&opts.extract, "extract", false, "run the extraction phase after fetching")
	_ = cmd.MarkFlagRequired("job")
	return cmd
}

func runCrawl(cmd *cobra.Command, opts *crawlOptions) error {
	appInstance, err := resolveApp(cmd.Context())
	if err != nil {
		return err
	}
	data, err := os.ReadFile(opts.jobFile)
	if err != nil {
		return fmt.Errorf("read job config: %w", err)
	}
	cfg, err := crawler.ParseCrawlConfig(data, appInstance.JobDefaults())
	if err != nil {
		return err
	}
	if opts.name != "" {
		cfg.Name = opts.name
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	crawls := appInstance.Crawls()
	st, err := crawls.RunFetchPhase(ctx, cfg.Name, cfg)
	if err != nil {
		return fmt.Errorf("fetch phase: %w", err)
	}
	result := crawlResult{Stats: st}
	if opts.extract {
		records, err := crawls.RunExtractionPhase(ctx, cfg.Name, cfg.ExtractionRules)
		if err != nil {
			return fmt.Errorf("extraction phase: %w", err)
		}
		result.Records = len(records)
	}
	return printJSON(cmd.OutOrStdout(), result)
}
