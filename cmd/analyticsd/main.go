package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func main() {
	root := buildRoot()
	if err := root.Execute(); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// GlobalFlags holds minimal global/persistent flags for CLI commands
type GlobalFlags struct {
	ConfigPath string
}

// buildRoot creates the root command with its subcommands
func buildRoot() *cobra.Command {
	globalFlags := &GlobalFlags{}
	root := createRootCommand(globalFlags)
	root.AddCommand(
		createServeCommand(globalFlags),
		createHealthcheckCommand(),
		createJobCommand(),
		createSchedulesCommand(),
	)
	return root
}

// createRootCommand creates the root command with minimal persistent flags
func createRootCommand(flags *GlobalFlags) *cobra.Command {
	root := &cobra.Command{
		Use:   "analyticsd",
		Short: "Analytics service with periodic and async jobs",
		Long: `analyticsd connects to its data stores, runs periodic analytics jobs,
tracks on-demand async jobs and reports composite health over HTTP.

Examples:
  analyticsd serve --config=analyticsd.toml
  analyticsd healthcheck --url=http://localhost:8000
  analyticsd job submit --kind=report --wait
  analyticsd job status --id=<job id>`,
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVar(&flags.ConfigPath, "config", "", "path to TOML config file (optional)")
	return root
}
