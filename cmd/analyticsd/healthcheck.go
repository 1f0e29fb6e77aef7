package main

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/spf13/cobra"

	"github.com/loykin/analyticsd/pkg/client"
)

// HealthcheckFlags holds flags for the healthcheck command
type HealthcheckFlags struct {
	URL     string
	Timeout time.Duration
}

// createHealthcheckCommand creates a probe suitable for container HEALTHCHECK.
// It succeeds only for HTTP 200 with overall status healthy.
func createHealthcheckCommand() *cobra.Command {
	flags := &HealthcheckFlags{}
	cmd := &cobra.Command{
		Use:   "healthcheck",
		Short: "Probe /health and exit non-zero unless healthy",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runHealthcheck(cmd.Context(), cmd, *flags)
		},
	}
	cmd.Flags().StringVar(&flags.URL, "url", "http://localhost:8000", "service root URL")
	cmd.Flags().DurationVar(&flags.Timeout, "timeout", 5*time.Second, "request timeout")
	return cmd
}

func runHealthcheck(ctx context.Context, cmd *cobra.Command, flags HealthcheckFlags) error {
	if ctx == nil {
		ctx = context.Background()
	}
	c := client.New(client.Config{BaseURL: flags.URL, Timeout: flags.Timeout})
	h, code, err := c.Health(ctx)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	if code != http.StatusOK || !h.Healthy() {
		return fmt.Errorf("service unhealthy: HTTP %d, status %q, errors %v", code, h.Status, h.Errors)
	}
	_, _ = fmt.Fprintf(cmd.OutOrStdout(), "healthy (version %s, uptime %.0fs)\n", h.Version, h.Uptime)
	return nil
}
