package cmd

import (
	"errors"
	"fmt"
	"strconv"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

func newCrawlDueCmd() *cobra.Command {
	var userID int64
	cmd := &cobra.Command{
		Use:   "crawl-due",
		Short: "Crawl every source that is due now",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			app, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			var filter *int64
			if cmd.Flags().Changed("user") {
				filter = &userID
			}
			stats := app.RSS.CrawlAllDueSources(cmd.Context(), filter)
			app.Logger().Info("due sources crawled",
				zap.Int("sources", stats.TotalSources),
				zap.Int("successful", stats.Successful),
				zap.Int("failed", stats.Failed),
				zap.Int("articles", stats.TotalArticles),
			)
			return printJSON(cmd.OutOrStdout(), stats)
		},
	}
	cmd.Flags().Int64Var(&userID, "user", 0, "only crawl sources owned by this user")
	return cmd
}

func newCrawlSourceCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "crawl-source <source-id>",
		Short: "Crawl one source immediately, ignoring its schedule",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			sourceID, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil {
				return fmt.Errorf("invalid source id %q: %w", args[0], err)
			}
			app, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			result := app.Scheduler.TriggerImmediateCrawl(cmd.Context(), sourceID)
			if err := printJSON(cmd.OutOrStdout(), result); err != nil {
				return err
			}
			if !result.Success {
				if result.Err != nil {
					return result.Err
				}
				return errors.New(result.Message)
			}
			return nil
		},
	}
}
