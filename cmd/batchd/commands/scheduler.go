package commands

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"batchd/broker"
	"batchd/config"
	"batchd/errors"
	"batchd/logger"
	"batchd/sched"
)

// SchedulerCmd runs the schedule materializer loop.
var SchedulerCmd = &cobra.Command{
	Use:   "scheduler",
	Short: "Run the schedule materializer",
	Long: `Run the schedule materializer polling loop in foreground mode.

Each cycle finds enabled jobs and workflows whose next occurrence has no
live trigger and arms one: a trigger row plus a broker entry at the
occurrence's time. Multiple scheduler processes may run against the same
database; per-entity locks keep materialization single-shot.

Example:
  batchd scheduler                      # defaults from batchd.toml
  batchd scheduler --interval 10        # poll every 10 seconds`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return errors.Wrap(err, "failed to load config")
		}
		if interval, _ := cmd.Flags().GetInt("interval"); interval > 0 {
			cfg.Scheduler.PollIntervalSeconds = interval
		}

		database, err := openDatabase("")
		if err != nil {
			return err
		}
		defer database.Close()

		queue := broker.NewQueue(broker.NewStore(database))
		materializer := sched.New(database, queue, cfg.Scheduler)

		if path := config.ActiveConfigFile(); path != "" {
			watcher, werr := config.NewConfigWatcher(path)
			if werr != nil {
				logger.Warnw("Config watcher unavailable, edits need a restart",
					"path", path, "error", werr)
			} else {
				watcher.OnReload(func(newCfg *config.Config) error {
					materializer.UpdateSettings(newCfg.Scheduler)
					return nil
				})
				watcher.Start()
				defer watcher.Stop()
			}
		}

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		go func() {
			sigChan := make(chan os.Signal, 1)
			signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
			<-sigChan
			fmt.Println("\nShutting down scheduler...")
			cancel()
		}()

		fmt.Printf("Scheduler started (interval %v, cooldown %v)\n",
			cfg.Scheduler.PollInterval(), cfg.Scheduler.Cooldown())
		if err := materializer.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return nil
	},
}

func init() {
	SchedulerCmd.Flags().Int("interval", 0, "Poll interval in seconds (overrides config)")
}
