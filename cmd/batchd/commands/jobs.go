package commands

import (
	"database/sql"
	"time"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"batchd/batch"
	"batchd/broker"
	"batchd/config"
	"batchd/lifecycle"
	"batchd/marker"
	"batchd/report"
	"batchd/rrule"
)

// JobsCmd groups the job inspection and operator commands.
var JobsCmd = &cobra.Command{
	Use:   "jobs",
	Short: "Inspect job definitions and schedules",
	RunE: func(cmd *cobra.Command, args []string) error {
		return cmd.Help()
	},
}

var jobsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List job definitions",
	RunE: func(cmd *cobra.Command, args []string) error {
		database, err := openDatabase("")
		if err != nil {
			return err
		}
		defer database.Close()

		jobs, err := batch.NewJobStore(database).ListJobs()
		if err != nil {
			return err
		}
		if len(jobs) == 0 {
			pterm.Info.Println("No jobs defined")
			return nil
		}

		for _, job := range jobs {
			state := pterm.Green("enabled")
			if !job.Enabled {
				state = pterm.Gray("disabled")
			}
			if job.Retired(time.Now().UTC()) {
				state = pterm.Yellow("retired")
			}

			pterm.Printf("%s  %s  [%s]\n", pterm.LightCyan(job.ID), job.Name, state)
			pterm.Printf("    rule: %s  queue: %s", job.RepeatInterval, job.QueueName)
			if job.WorkflowID != "" {
				pterm.Printf("  workflow: %s (priority %d)", job.WorkflowID, job.Priority)
			}
			pterm.Println()
			if job.NextRunDate != nil {
				pterm.Printf("    next run: %s", job.NextRunDate.Format(time.RFC3339))
				if job.LastStatus != "" {
					pterm.Printf("  last status: %s", job.LastStatus)
				}
				pterm.Println()
			}
		}
		pterm.Printf("\n%d job(s)\n", len(jobs))
		return nil
	},
}

var jobsPreviewCmd = &cobra.Command{
	Use:   "preview <job-id>",
	Short: "Preview a job's upcoming occurrences",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		count, _ := cmd.Flags().GetInt("count")

		database, err := openDatabase("")
		if err != nil {
			return err
		}
		defer database.Close()

		job, err := batch.NewJobStore(database).GetJob(args[0])
		if err != nil {
			return err
		}

		occurrences, err := rrule.Enumerate(job.RepeatInterval, job.StartDate, count, job.EndDate, job.Timezone)
		if err != nil {
			return err
		}

		pterm.Printf("%s  %s\n", pterm.LightCyan(job.ID), job.RepeatInterval)
		if len(occurrences) == 0 {
			pterm.Warning.Println("Schedule has no remaining occurrences")
			return nil
		}
		for _, occurrence := range occurrences {
			pterm.Printf("  %s\n", occurrence.Format(time.RFC3339))
		}
		return nil
	},
}

var jobsRunCmd = &cobra.Command{
	Use:   "run <job-id>",
	Short: "Dispatch a manual run of a job, bypassing the schedule",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		account, _ := cmd.Flags().GetString("account")

		runner, database, err := openLifecycleRunner()
		if err != nil {
			return err
		}
		defer database.Close()

		id, err := runner.DispatchManualRun(args[0], account)
		if err != nil {
			return err
		}
		pterm.Success.Printf("Manual run dispatched for %s (execution %s)\n", args[0], id)
		return nil
	},
}

var jobsStopCmd = &cobra.Command{
	Use:   "stop <task-name>",
	Short: "Force-stop an execution and revoke its queued work",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		runner, database, err := openLifecycleRunner()
		if err != nil {
			return err
		}
		defer database.Close()

		revoked, err := runner.ForceStop(args[0])
		if err != nil {
			return err
		}
		pterm.Success.Printf("Execution %s stopped (%d broker task(s) revoked)\n", args[0], len(revoked))
		return nil
	},
}

func openLifecycleRunner() (*lifecycle.Runner, *sql.DB, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, err
	}
	database, err := openDatabase("")
	if err != nil {
		return nil, nil, err
	}
	queue := broker.NewQueue(broker.NewStore(database))
	runner := lifecycle.NewRunner(database, queue,
		report.New(cfg.Report), marker.NewTaskStore(cfg.Marker.Dir), cfg.Worker.Queue)
	return runner, database, nil
}

func init() {
	jobsPreviewCmd.Flags().IntP("count", "n", 30, "Number of occurrences to show")
	jobsRunCmd.Flags().String("account", "", "Run account to execute under (defaults to the job's)")
	JobsCmd.AddCommand(jobsListCmd)
	JobsCmd.AddCommand(jobsPreviewCmd)
	JobsCmd.AddCommand(jobsRunCmd)
	JobsCmd.AddCommand(jobsStopCmd)
}
