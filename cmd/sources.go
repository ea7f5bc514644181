package cmd

import (
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/JakeFAU/feedcrawler/internal/crawler"
)

func newSourcesCmd() *cobra.Command {
	var due bool
	cmd := &cobra.Command{
		Use:   "sources",
		Short: "List active sources and their crawl statistics",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			app, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			var sources []crawler.Source
			if due {
				sources, err = app.Sources.GetDueSources(cmd.Context(), nil)
			} else {
				sources, err = app.Sources.ListActive(cmd.Context())
			}
			if err != nil {
				return fmt.Errorf("list sources: %w", err)
			}
			return writeSources(cmd.OutOrStdout(), sources)
		},
	}
	cmd.Flags().BoolVar(&due, "due", false, "only list sources due for a crawl")
	return cmd
}

func writeSources(w io.Writer, sources []crawler.Source) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tTYPE\tNAME\tEVERY\tNEXT CRAWL\tARTICLES\tSUCCESS\tLAST ERROR")
	for _, src := range sources {
		next := "now"
		if src.NextCrawlAt != nil {
			next = src.NextCrawlAt.UTC().Format(time.RFC3339)
		}
		fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%s\t%d\t%.0f%%\t%s\n",
			src.ID, src.Type, src.Name, src.Frequency(), next,
			src.TotalArticles, src.SuccessRate(), src.LastError)
	}
	if err := tw.Flush(); err != nil {
		return fmt.Errorf("write sources: %w", err)
	}
	return nil
}
