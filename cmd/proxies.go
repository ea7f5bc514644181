package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newProxiesCmd() *cobra.Command {
	var check bool
	cmd := &cobra.Command{
		Use:   "proxies",
		Short: "Show proxy pool health",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			app, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			if check {
				if _, err := app.Proxies.HealthCheckProxies(cmd.Context()); err != nil {
					return fmt.Errorf("health check: %w", err)
				}
			}
			return printJSON(cmd.OutOrStdout(), app.Proxies.GetProxyStats())
		},
	}
	cmd.Flags().BoolVar(&check, "check", false, "probe every proxy before reporting")
	return cmd
}
