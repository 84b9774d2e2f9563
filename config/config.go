// Package config holds batchd runtime configuration, loaded from TOML files
// and environment variables via Viper.
package config

import "time"

// Config is the top-level batchd configuration.
type Config struct {
	Database  DatabaseConfig  `mapstructure:"database"`
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
	Worker    WorkerConfig    `mapstructure:"worker"`
	Workflow  WorkflowConfig  `mapstructure:"workflow"`
	Report    ReportConfig    `mapstructure:"report"`
	Marker    MarkerConfig    `mapstructure:"marker"`
}

// DatabaseConfig configures the shared SQLite database.
type DatabaseConfig struct {
	Path string `mapstructure:"path"`
}

// SchedulerConfig configures the schedule materializer loop.
type SchedulerConfig struct {
	PollIntervalSeconds int `mapstructure:"poll_interval_seconds"`
	CooldownSeconds     int `mapstructure:"cooldown_seconds"`
	LockTTLSeconds      int `mapstructure:"lock_ttl_seconds"`
}

// PollInterval returns the materializer poll interval as a duration.
func (c SchedulerConfig) PollInterval() time.Duration {
	return time.Duration(c.PollIntervalSeconds) * time.Second
}

// Cooldown returns the per-job materialization cooldown as a duration.
func (c SchedulerConfig) Cooldown() time.Duration {
	return time.Duration(c.CooldownSeconds) * time.Second
}

// LockTTL returns the distributed lock time-to-live as a duration.
func (c SchedulerConfig) LockTTL() time.Duration {
	return time.Duration(c.LockTTLSeconds) * time.Second
}

// WorkerConfig configures the task worker pool.
type WorkerConfig struct {
	Count                 int    `mapstructure:"count"`
	Queue                 string `mapstructure:"queue"`
	TickerIntervalSeconds int    `mapstructure:"ticker_interval_seconds"`
	Restartable           bool   `mapstructure:"restartable"`
}

// TickerInterval returns the worker poll interval as a duration.
func (c WorkerConfig) TickerInterval() time.Duration {
	return time.Duration(c.TickerIntervalSeconds) * time.Second
}

// WorkflowConfig bounds workflow planning: member jobs must carry a priority
// and recurrence interval within these caps.
type WorkflowConfig struct {
	MaxInterval int `mapstructure:"max_interval"`
	MaxPriority int `mapstructure:"max_priority"`
}

// ReportConfig configures the external log/report API client.
type ReportConfig struct {
	BaseURL           string  `mapstructure:"base_url"`
	TimeoutSeconds    int     `mapstructure:"timeout_seconds"`
	RequestsPerSecond float64 `mapstructure:"requests_per_second"`
}

// Timeout returns the report client request timeout as a duration.
func (c ReportConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSeconds) * time.Second
}

// MarkerConfig configures durable crash-recovery marker storage.
type MarkerConfig struct {
	Dir string `mapstructure:"dir"`
}
