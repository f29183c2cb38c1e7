package config

import (
	"github.com/spf13/viper"
)

// SetDefaults configures default values for all configuration options
func SetDefaults(v *viper.Viper) {
	// Database defaults
	v.SetDefault("database.path", "ade.db")

	// Storage defaults
	v.SetDefault("storage.root", "ade-data")

	// Engine defaults
	v.SetDefault("engine.version", "1.4.0")
	v.SetDefault("engine.spec", "ade-engine==1.4.0")
	v.SetDefault("engine.interpreter", "python3")

	// Worker defaults
	v.SetDefault("worker.max_concurrency", 2)   // parallel builds+runs
	v.SetDefault("worker.queue_size", 10)       // admitted-but-waiting jobs before backpressure
	v.SetDefault("worker.job_timeout_seconds", 300)
	v.SetDefault("worker.cpu_seconds", 60)
	v.SetDefault("worker.mem_mb", 512)
	v.SetDefault("worker.fsize_mb", 100)

	// Safe mode: skip actual engine execution, return fixed completions
	v.SetDefault("safe_mode", false)
}

// BindOperatorEnvVars binds the short operator-facing environment variable
// names to their config keys. These predate the ADE_<SECTION>_<KEY> scheme
// and are kept for compatibility with existing deployments.
func BindOperatorEnvVars(v *viper.Viper) {
	v.BindEnv("worker.max_concurrency", "ADE_MAX_CONCURRENCY")
	v.BindEnv("worker.queue_size", "ADE_QUEUE_SIZE")
	v.BindEnv("worker.job_timeout_seconds", "ADE_JOB_TIMEOUT_SECONDS")
	v.BindEnv("worker.cpu_seconds", "ADE_WORKER_CPU_SECONDS")
	v.BindEnv("worker.mem_mb", "ADE_WORKER_MEM_MB")
	v.BindEnv("worker.fsize_mb", "ADE_WORKER_FSIZE_MB")
	v.BindEnv("safe_mode", "ADE_SAFE_MODE")
}
