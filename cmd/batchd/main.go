package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"batchd/cmd/batchd/commands"
	"batchd/logger"
)

var rootCmd = &cobra.Command{
	Use:   "batchd",
	Short: "batchd - distributed batch job and workflow scheduler",
	Long: `batchd - distributed batch job and workflow scheduler.

batchd materializes recurring job and workflow schedules into broker tasks,
executes them through a worker pool with bounded retry, and reports results
to an external log API.

Available commands:
  scheduler - Run the schedule materializer polling loop
  worker    - Run the task worker pool (with crash recovery at start)
  jobs      - Inspect job definitions and preview schedules

Examples:
  batchd scheduler            # Start a scheduler instance
  batchd worker --workers 8   # Start a worker pool
  batchd jobs list            # List configured jobs
  batchd jobs preview job-1   # Show a job's next occurrences`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if err := logger.Initialize(false); err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().CountP("verbose", "v", "Increase output verbosity (repeat for more detail: -v, -vv, -vvv)")

	rootCmd.AddCommand(commands.SchedulerCmd)
	rootCmd.AddCommand(commands.WorkerCmd)
	rootCmd.AddCommand(commands.JobsCmd)
	rootCmd.AddCommand(commands.VersionCmd)
}

func main() {
	defer logger.Cleanup()
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
