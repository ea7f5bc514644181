package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/spf13/cobra"
)

// serverStatus is what the status command prints.
type serverStatus struct {
	Scheduler json.RawMessage `json:"scheduler"`
	Jobs      json.RawMessage `json:"jobs"`
}

func newStatusCmd() *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show scheduler stats and jobs of a running server",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			app, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			cfg := app.Config()
			if addr == "" {
				addr = fmt.Sprintf("http://127.0.0.1:%d", cfg.Server.Port)
			}
			addr = strings.TrimRight(addr, "/")

			client := &http.Client{Timeout: 10 * time.Second}
			var status serverStatus
			if err := getOps(cmd.Context(), client, addr+"/v1/scheduler", cfg.Auth.APIKey, &status.Scheduler); err != nil {
				return err
			}
			if err := getOps(cmd.Context(), client, addr+"/v1/jobs", cfg.Auth.APIKey, &status.Jobs); err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), status)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "base URL of the running server (default http://127.0.0.1:<server.port>)")
	return cmd
}

func getOps(ctx context.Context, client *http.Client, url, apiKey string, out *json.RawMessage) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	if apiKey != "" {
		req.Header.Set("X-API-Key", apiKey)
	}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("query %s: %w", url, err)
	}
	defer resp.Body.Close() //nolint:errcheck // body fully read below
	body, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return fmt.Errorf("read %s: %w", url, err)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("query %s: %s: %s", url, resp.Status, strings.TrimSpace(string(body)))
	}
	*out = body
	return nil
}
