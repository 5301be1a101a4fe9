// Package cmd defines and implements the CLI commands for the sitecrawler executable.
package cmd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/sitecrawler/internal/config"
	"github.com/JakeFAU/sitecrawler/internal/crawler"
	"github.com/JakeFAU/sitecrawler/internal/logging"
	"github.com/JakeFAU/sitecrawler/internal/server"
)

// Crawls exposes the four crawl entry points.
type Crawls interface {
	RunFetchPhase(ctx context.Context, job string, cfg crawler.CrawlConfig) (crawler.Stats, error)
	RunExtractionPhase(ctx context.Context, job string, rules crawler.RuleSet) ([]crawler.ExtractedRecord, error)
	GetStats(ctx context.Context, job string) (crawler.Stats, error)
	Browse(ctx context.Context, job string, page, rows int, fullContent bool) (crawler.BrowsePage, error)
}

// App defines the application interface that commands use.
// This allows us to inject a fake app during tests.
type App interface {
	Crawls() Crawls
	JobDefaults() crawler.CrawlConfig
	Run(ctx context.Context) error
	Close()
}

// appFactory builds the App once configuration has been loaded.
type appFactory func(ctx context.Context, cfgFile string) (App, error)

type appKeyType struct{}

// builtApp adapts *server.App to App.
type builtApp struct {
	*server.App
	cfg config.Config
}

func (b builtApp) Crawls() Crawls { return b.Service() }

func (b builtApp) JobDefaults() crawler.CrawlConfig { return server.JobDefaults(b.cfg) }

func buildApp(ctx context.Context, cfgFile string) (App, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	logger, err := logging.New(cfg.Logging.Development, cfg.Logging.Level)
	if err != nil {
		return nil, fmt.Errorf("logger init failed: %w", err)
	}
	zap.ReplaceGlobals(logger)
	app, err := server.Build(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}
	return builtApp{App: app, cfg: cfg}, nil
}

// newRootCmd creates and configures the root command.
func newRootCmd(factory appFactory) *cobra.Command {
	var cfgFile string
	cmd := &cobra.Command{
		Use:   "sitecrawler",
		Short: "Crawl websites and extract structured records",
		Long: `sitecrawler fetches every page of a site into a deduplicating store
(phase 1) and evaluates extraction rules over the stored content (phase 2).
Run it as an HTTP service with "serve" or drive single jobs from the CLI.`,
		SilenceUsage: true,

		// Runs after flags are parsed but before the subcommand's RunE.
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			appInstance, err := factory(cmd.Context(), cfgFile)
			if err != nil {
				return fmt.Errorf("failed to initialize application services: %w", err)
			}
			cmd.SetContext(context.WithValue(cmd.Context(), appKeyType{}, appInstance))
			return nil
		},

		PersistentPostRun: func(cmd *cobra.Command, _ []string) {
			if appInstance, ok := cmd.Context().Value(appKeyType{}).(App); ok && appInstance != nil {
				appInstance.Close()
			}
		},
	}

	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "service config file (yaml, json or toml)")

	cmd.AddCommand(
		newServeCmd(),
		newCrawlCmd(),
		newExtractCmd(),
		newStatsCmd(),
		newBrowseCmd(),
	)
	return cmd
}

// Execute is the main entry point.
func Execute() {
	if err := newRootCmd(buildApp).ExecuteContext(context.Background()); err != nil {
		os.Exit(1)
	}
}

func resolveApp(ctx context.Context) (App, error) {
	appInstance, ok := ctx.Value(appKeyType{}).(App)
	if !ok || appInstance == nil {
		return nil, errors.New("application services not initialized")
	}
	return appInstance, nil
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return fmt.Errorf("write output: %w", err)
	}
	return nil
}
