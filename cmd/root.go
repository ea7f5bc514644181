// Package cmd defines the feedcrawler CLI commands.
package cmd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/JakeFAU/feedcrawler/internal/config"
	"github.com/JakeFAU/feedcrawler/internal/server"
)

type appKeyType struct{}

var appKey appKeyType

// newApp is the application factory; tests replace it.
var newApp = func(ctx context.Context, cfgPath string) (*server.App, error) {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	return server.Build(ctx, cfg)
}

func newRootCmd() *cobra.Command {
	var cfgFile string
	cmd := &cobra.Command{
		Use:   "feedcrawler",
		Short: "Scheduled RSS and web page crawler.",
		Long: `feedcrawler keeps a set of RSS feeds and web pages under watch, crawls each
on its own interval through an optional proxy pool, and hands new articles
to the ingestion pipeline.`,
		SilenceUsage: true,

		// Build the application once the flags are parsed.
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			app, err := newApp(cmd.Context(), cfgFile)
			if err != nil {
				return fmt.Errorf("failed to initialize application services: %w", err)
			}
			cmd.SetContext(context.WithValue(cmd.Context(), appKey, app))
			return nil
		},
		PersistentPostRunE: func(cmd *cobra.Command, _ []string) error {
			if app, ok := cmd.Context().Value(appKey).(*server.App); ok && app != nil {
				return app.Close(context.WithoutCancel(cmd.Context()))
			}
			return nil
		},
	}

	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (environment variables use the CRAWLER_ prefix)")

	cmd.AddCommand(
		newServeCmd(),
		newCrawlDueCmd(),
		newCrawlSourceCmd(),
		newScrapeCmd(),
		newProxiesCmd(),
		newSourcesCmd(),
		newStatusCmd(),
	)
	return cmd
}

// Execute is the main entry point.
func Execute() {
	if err := newRootCmd().ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func resolveApp(ctx context.Context) (*server.App, error) {
	app, ok := ctx.Value(appKey).(*server.App)
	if !ok || app == nil {
		return nil, errors.New("application services not initialized")
	}
	return app, nil
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return fmt.Errorf("encode output: %w", err)
	}
	return nil
}
