package commands

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"batchd/batch"
	"batchd/broker"
	"batchd/config"
	"batchd/errors"
	"batchd/lifecycle"
	"batchd/logger"
	"batchd/marker"
	"batchd/recovery"
	"batchd/report"
	"batchd/workflow"
)

// WorkerCmd runs the broker worker pool.
var WorkerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Run the task worker pool",
	Long: `Run the broker worker pool in foreground mode.

On start the worker records its start time, runs the crash-recovery pass
over leftover local markers, then claims and executes due tasks (job runs,
workflow fan-outs and joins) until interrupted.

Example:
  batchd worker                    # defaults from batchd.toml
  batchd worker --workers 8        # 8 concurrent workers
  batchd worker --queue reports    # serve a dedicated queue`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return errors.Wrap(err, "failed to load config")
		}
		if workers, _ := cmd.Flags().GetInt("workers"); workers > 0 {
			cfg.Worker.Count = workers
		}
		if queue, _ := cmd.Flags().GetString("queue"); queue != "" {
			cfg.Worker.Queue = queue
		}

		database, err := openDatabase("")
		if err != nil {
			return err
		}
		defer database.Close()

		// A restartable worker keeps the previous start time so work
		// materialized before the restart is not treated as stale.
		workers := batch.NewWorkerStateStore(database)
		if !cfg.Worker.Restartable {
			if err := workers.SetStartTime(cfg.Worker.Queue, time.Now().UTC()); err != nil {
				return errors.Wrap(err, "failed to record worker start time")
			}
		}

		reports := report.New(cfg.Report)
		taskMarkers := marker.NewTaskStore(cfg.Marker.Dir)
		workflowMarkers := marker.NewWorkflowStore(cfg.Marker.Dir)

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		recovery.New(database, reports, taskMarkers, workflowMarkers).Sweep(ctx)

		poolCfg := broker.DefaultWorkerPoolConfig()
		poolCfg.Workers = cfg.Worker.Count
		poolCfg.Queue = cfg.Worker.Queue
		if interval := cfg.Worker.TickerInterval(); interval > 0 {
			poolCfg.PollInterval = interval
		}
		pool := broker.NewWorkerPool(ctx, database, poolCfg, logger.Logger)

		executor := lifecycle.NewRunner(database, pool.Queue(), reports, taskMarkers, cfg.Worker.Queue)
		workflows := workflow.NewRunner(database, pool.Queue(), reports, workflowMarkers, cfg.Workflow)

		pool.Registry().Register(lifecycle.TargetJobRun, executor.Handle)
		pool.Registry().Register(workflow.TargetWorkflowRun, workflows.HandleRun)
		pool.Registry().Register(workflow.TargetWorkflowJoin, workflows.HandleJoin)

		pool.Start()

		// Worker count and poll interval follow config edits live; the queue
		// stays fixed for the process lifetime so pending entries are never
		// stranded mid-run.
		if path := config.ActiveConfigFile(); path != "" {
			watcher, werr := config.NewConfigWatcher(path)
			if werr != nil {
				logger.Warnw("Config watcher unavailable, edits need a restart",
					"path", path, "error", werr)
			} else {
				watcher.OnReload(func(newCfg *config.Config) error {
					next := poolCfg
					if newCfg.Worker.Count > 0 {
						next.Workers = newCfg.Worker.Count
					}
					if v := newCfg.Worker.TickerInterval(); v > 0 {
						next.PollInterval = v
					}
					if next != poolCfg {
						pool.Reconfigure(next)
						poolCfg = next
					}
					return nil
				})
				watcher.Start()
				defer watcher.Stop()
			}
		}

		fmt.Printf("Worker pool started (queue %q, %d workers)\n", poolCfg.Queue, poolCfg.Workers)
		fmt.Println("Press Ctrl+C for graceful shutdown")

		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
		<-sigChan

		fmt.Println("\nShutting down worker pool...")
		pool.Stop()
		cancel()

		fmt.Println("Worker pool stopped")
		return nil
	},
}

func init() {
	WorkerCmd.Flags().Int("workers", 0, "Number of concurrent workers (overrides config)")
	WorkerCmd.Flags().String("queue", "", "Broker queue to serve (overrides config)")
}
