// Package config loads and watches the ADE core configuration.
package config

// Config represents the core ADE configuration
type Config struct {
	Database DatabaseConfig `mapstructure:"database"`
	Server   ServerConfig   `mapstructure:"server"`
	Storage  StorageConfig  `mapstructure:"storage"`
	Engine   EngineConfig   `mapstructure:"engine"`
	Worker   WorkerConfig   `mapstructure:"worker"`
	SafeMode bool           `mapstructure:"safe_mode"`
}

// DatabaseConfig configures the SQLite database
type DatabaseConfig struct {
	Path string `mapstructure:"path"`
}

// ServerConfig configures the ADE HTTP server
type ServerConfig struct {
	Port           *int     `mapstructure:"port"` // nil = default 8420, 0 is invalid (omit for default)
	AllowedOrigins []string `mapstructure:"allowed_origins"`
}

// DefaultServerPort is used when server.port is omitted.
const DefaultServerPort = 8420

// StorageConfig configures where environments and run artifacts live
type StorageConfig struct {
	Root string `mapstructure:"root"` // base directory for envs/ and runs/
}

// EngineConfig pins the document-processing engine installed into every
// environment
type EngineConfig struct {
	Version     string `mapstructure:"version"`     // semver of the pinned engine
	Spec        string `mapstructure:"spec"`        // pip requirement spec (e.g. "ade-engine==1.4.0")
	Interpreter string `mapstructure:"interpreter"` // python interpreter used to create venvs
}

// WorkerConfig configures the build/run worker pool and per-process limits
type WorkerConfig struct {
	MaxConcurrency    int `mapstructure:"max_concurrency"`     // simultaneous builds+runs (default: 2)
	QueueSize         int `mapstructure:"queue_size"`          // admission queue depth before rejection (default: 10)
	JobTimeoutSeconds int `mapstructure:"job_timeout_seconds"` // wall-clock timeout per job (default: 300)
	CPUSeconds        int `mapstructure:"cpu_seconds"`         // RLIMIT_CPU per subprocess (default: 60)
	MemoryMB          int `mapstructure:"mem_mb"`              // RLIMIT_AS per subprocess (default: 512)
	FileSizeMB        int `mapstructure:"fsize_mb"`            // RLIMIT_FSIZE per subprocess (default: 100)
}
