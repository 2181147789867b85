package bgt

import (
	"runtime"

	"github.com/grailbio/base/errors"
	"github.com/kelseyhightower/envconfig"
)

// Config holds process-wide defaults. Fields are read from BGT_* environment
// variables by LoadConfig; command-line flags override them.
type Config struct {
	// MaxGenotypes bounds the number of genotypes one query decodes. Output
	// stops once the bound is exceeded.
	MaxGenotypes int64 `envconfig:"MAX_GENOTYPES" default:"10000000"`
	// MinGroupSize is the smallest sample group for which aggregate
	// statistics are reported.
	MinGroupSize int `envconfig:"MIN_GROUP_SIZE" default:"0"`
	// Parallelism is the number of stores opened or scanned concurrently. If
	// <= 0, runtime.NumCPU() is used.
	Parallelism int `envconfig:"PARALLELISM" default:"0"`
	// SitesPerBlock is the number of sites per site-stream block on import.
	SitesPerBlock int `envconfig:"SITES_PER_BLOCK" default:"4096"`
	// CheckpointShift is log2 of the number of rows between permutation
	// checkpoints on import.
	CheckpointShift int `envconfig:"CHECKPOINT_SHIFT" default:"13"`
}

// DefaultConfig is used when no configuration is given.
var DefaultConfig = Config{
	MaxGenotypes:    10000000,
	SitesPerBlock:   4096,
	CheckpointShift: 13,
}

// LoadConfig reads the configuration from the environment.
func LoadConfig() (Config, error) {
	var cfg Config
	if err := envconfig.Process("bgt", &cfg); err != nil {
		return cfg, errors.E(errors.Invalid, err, "bgt config")
	}
	if cfg.CheckpointShift < 0 || cfg.CheckpointShift > 30 {
		return cfg, errors.E(errors.Invalid, "bgt config: BGT_CHECKPOINT_SHIFT must be in [0,30]")
	}
	return cfg, nil
}

func (c Config) parallelism() int {
	if c.Parallelism <= 0 {
		return runtime.NumCPU()
	}
	return c.Parallelism
}
