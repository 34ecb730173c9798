package main

import (
	"fmt"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/untoldecay/varmesh/internal/config"
)

// tomlConfig mirrors config.Config's fields under the key names a
// .varmesh/config.toml would naturally use. Durations are read as Go
// duration strings ("100ms") the same way internal/config's yaml chain
// stores them.
type tomlConfig struct {
	DefaultUpdate        string `toml:"default_update"`
	IncomingUpdatePeriod string `toml:"incoming_update_period"`
	Verbosity            int    `toml:"verbosity"`
	IndicateStart        bool   `toml:"indicate_start"`
	VerboseOIDs          bool   `toml:"verbose_oids"`
	MutationBufferSize   int    `toml:"mutation_buffer_size"`
	IncomingQueueSize    int    `toml:"incoming_queue_size"`
	MuteAfterFailures    int    `toml:"mute_after_failures"`
	LongRunningThreshold string `toml:"long_running_threshold"`
}

// loadTOMLConfig is the alternate config reader --config-toml asks for: it
// fills in config.Default() for anything the file leaves unset, the same
// fallback behavior config.Load() gives the yaml discovery chain.
func loadTOMLConfig(path string) (config.Config, error) {
	d := config.Default()
	var raw tomlConfig
	if _, err := toml.DecodeFile(path, &raw); err != nil {
		return config.Config{}, fmt.Errorf("decode %s: %w", path, err)
	}

	cfg := d
	if raw.DefaultUpdate != "" {
		v, err := time.ParseDuration(raw.DefaultUpdate)
		if err != nil {
			return config.Config{}, fmt.Errorf("default_update: %w", err)
		}
		cfg.DefaultUpdate = v
	}
	if raw.IncomingUpdatePeriod != "" {
		v, err := time.ParseDuration(raw.IncomingUpdatePeriod)
		if err != nil {
			return config.Config{}, fmt.Errorf("incoming_update_period: %w", err)
		}
		cfg.IncomingUpdatePeriod = v
	}
	if raw.LongRunningThreshold != "" {
		v, err := time.ParseDuration(raw.LongRunningThreshold)
		if err != nil {
			return config.Config{}, fmt.Errorf("long_running_threshold: %w", err)
		}
		cfg.LongRunningThreshold = v
	}
	if raw.Verbosity != 0 {
		cfg.Verbosity = raw.Verbosity
	}
	if raw.MutationBufferSize != 0 {
		cfg.MutationBufferSize = raw.MutationBufferSize
	}
	if raw.IncomingQueueSize != 0 {
		cfg.IncomingQueueSize = raw.IncomingQueueSize
	}
	if raw.MuteAfterFailures != 0 {
		cfg.MuteAfterFailures = raw.MuteAfterFailures
	}
	cfg.IndicateStart = raw.IndicateStart
	cfg.VerboseOIDs = raw.VerboseOIDs

	return cfg, nil
}
