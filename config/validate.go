package config

import (
	"github.com/Masterminds/semver/v3"

	"github.com/tabulist/ade/errors"
)

// Validate checks that the configuration is valid
func (c *Config) Validate() error {
	// Server port: 0 is invalid (omit for default), negative is invalid
	if c.Server.Port != nil && *c.Server.Port == 0 {
		return errors.Newf("server.port cannot be 0 (omit for default port %d)", DefaultServerPort)
	}
	if c.Server.Port != nil && *c.Server.Port < 0 {
		return errors.Newf("server.port must be positive, got %d", *c.Server.Port)
	}

	if c.Worker.MaxConcurrency < 1 {
		return errors.Newf("worker.max_concurrency must be >= 1, got %d", c.Worker.MaxConcurrency)
	}
	if c.Worker.QueueSize < 1 {
		return errors.Newf("worker.queue_size must be >= 1, got %d", c.Worker.QueueSize)
	}
	if c.Worker.JobTimeoutSeconds <= 0 {
		return errors.Newf("worker.job_timeout_seconds must be > 0, got %d", c.Worker.JobTimeoutSeconds)
	}

	// Resource ceilings: 0 = no ceiling, negative = invalid
	if c.Worker.CPUSeconds < 0 {
		return errors.Newf("worker.cpu_seconds must be >= 0, got %d", c.Worker.CPUSeconds)
	}
	if c.Worker.MemoryMB < 0 {
		return errors.Newf("worker.mem_mb must be >= 0, got %d", c.Worker.MemoryMB)
	}
	if c.Worker.FileSizeMB < 0 {
		return errors.Newf("worker.fsize_mb must be >= 0, got %d", c.Worker.FileSizeMB)
	}

	// The engine version participates in environment digests, so it must
	// parse as a semver or digests become meaningless.
	if c.Engine.Version != "" {
		if _, err := semver.NewVersion(c.Engine.Version); err != nil {
			return errors.Wrapf(err, "engine.version %q is not a valid semver", c.Engine.Version)
		}
	}

	return nil
}
