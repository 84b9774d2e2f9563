package config

import "github.com/spf13/viper"

// SetDefaults configures default values for all configuration options
func SetDefaults(v *viper.Viper) {
	// Database defaults
	v.SetDefault("database.path", "batchd.db")

	// Scheduler defaults
	v.SetDefault("scheduler.poll_interval_seconds", 30)
	v.SetDefault("scheduler.cooldown_seconds", 60)
	v.SetDefault("scheduler.lock_ttl_seconds", 300)

	// Worker defaults
	v.SetDefault("worker.count", 4)
	v.SetDefault("worker.queue", "default")
	v.SetDefault("worker.ticker_interval_seconds", 1)
	v.SetDefault("worker.restartable", false)

	// Workflow planning caps
	v.SetDefault("workflow.max_interval", 1000)
	v.SetDefault("workflow.max_priority", 100)

	// Report API defaults
	v.SetDefault("report.base_url", "")
	v.SetDefault("report.timeout_seconds", 10)
	v.SetDefault("report.requests_per_second", 5.0)

	// Marker storage defaults
	v.SetDefault("marker.dir", defaultMarkerDir())
}
