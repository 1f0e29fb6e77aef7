package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/loykin/analyticsd/internal/analytics"
	"github.com/loykin/analyticsd/pkg/client"
)

// APIFlags holds the remote connection flags shared by client commands
type APIFlags struct {
	URL      string
	BasePath string
	Timeout  time.Duration
}

func (f *APIFlags) bind(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.URL, "api-url", "http://localhost:8000", "service root URL")
	cmd.Flags().StringVar(&f.BasePath, "base-path", "/api/v1", "API base path")
	cmd.Flags().DurationVar(&f.Timeout, "api-timeout", 10*time.Second, "request timeout")
}

func (f *APIFlags) client() *client.Client {
	return client.New(client.Config{BaseURL: f.URL, BasePath: f.BasePath, Timeout: f.Timeout})
}

// SubmitFlags holds flags for job submit
type SubmitFlags struct {
	APIFlags
	Kind   string
	Params string
	Wait   bool
	Poll   time.Duration
}

func createJobCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "job",
		Short: "Submit and inspect async jobs",
	}
	cmd.AddCommand(createJobSubmitCommand(), createJobStatusCommand(), createJobListCommand())
	return cmd
}

func createJobSubmitCommand() *cobra.Command {
	flags := &SubmitFlags{}
	cmd := &cobra.Command{
		Use:   "submit",
		Short: "Submit an analysis, report or retrain job",
		Long: `Submit an async job and print its id.

Examples:
  analyticsd job submit --kind=analysis
  analyticsd job submit --kind=report --params='{"start_date":"2024-01-01T00:00:00Z"}' --wait`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSubmit(cmd.Context(), cmd.OutOrStdout(), *flags)
		},
	}
	flags.bind(cmd)
	cmd.Flags().StringVar(&flags.Kind, "kind", "", "job kind: "+strings.Join(analytics.Kinds(), ", ")+" (required)")
	cmd.Flags().StringVar(&flags.Params, "params", "", "JSON params")
	cmd.Flags().BoolVar(&flags.Wait, "wait", false, "poll until the job finishes")
	cmd.Flags().DurationVar(&flags.Poll, "poll", 500*time.Millisecond, "poll interval with --wait")
	if err := cmd.MarkFlagRequired("kind"); err != nil {
		panic(err)
	}
	return cmd
}

func runSubmit(ctx context.Context, out io.Writer, flags SubmitFlags) error {
	var params any
	if flags.Params != "" {
		raw := json.RawMessage(flags.Params)
		if !json.Valid(raw) {
			return errors.New("--params must be valid JSON")
		}
		params = raw
	}
	c := flags.client()
	id, err := c.Submit(ctx, flags.Kind, params)
	if err != nil {
		return err
	}
	if !flags.Wait {
		_, _ = fmt.Fprintln(out, id)
		return nil
	}
	st, err := c.Wait(ctx, id, flags.Poll)
	if err != nil {
		return err
	}
	printJSON(out, st)
	if st.State == "Failed" {
		return fmt.Errorf("job %s failed: %s", id, st.Error)
	}
	return nil
}

func createJobStatusCommand() *cobra.Command {
	flags := &APIFlags{}
	var id string
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show the state of a job",
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := flags.client().Status(cmd.Context(), id)
			if err != nil {
				return err
			}
			printJSON(cmd.OutOrStdout(), st)
			return nil
		},
	}
	flags.bind(cmd)
	cmd.Flags().StringVar(&id, "id", "", "job id (required)")
	if err := cmd.MarkFlagRequired("id"); err != nil {
		panic(err)
	}
	return cmd
}

func createJobListCommand() *cobra.Command {
	flags := &APIFlags{}
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List queryable jobs",
		RunE: func(cmd *cobra.Command, args []string) error {
			jobs, err := flags.client().Jobs(cmd.Context())
			if err != nil {
				return err
			}
			printJSON(cmd.OutOrStdout(), jobs)
			return nil
		},
	}
	flags.bind(cmd)
	return cmd
}

func createSchedulesCommand() *cobra.Command {
	flags := &APIFlags{}
	cmd := &cobra.Command{
		Use:   "schedules",
		Short: "List periodic jobs and their last run",
		RunE: func(cmd *cobra.Command, args []string) error {
			sch, err := flags.client().Schedules(cmd.Context())
			if err != nil {
				return err
			}
			printJSON(cmd.OutOrStdout(), sch)
			return nil
		},
	}
	flags.bind(cmd)
	return cmd
}

func printJSON(w io.Writer, v any) {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	_ = enc.Encode(v)
}
