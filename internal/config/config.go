// Package config loads runtime defaults for a connection: update periods,
// verbosity, buffer sizes and failure-muting thresholds. It follows the
// teacher's viper-based discovery order: a project-local config file found
// by walking up from cwd, then the user's XDG config dir, then the home
// directory.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds the resolved runtime defaults for a Connection (spec.md §6,
// §3). Values are read once at Initialize and copied out, rather than read
// live from viper on every access, so a connection's behavior doesn't shift
// under a concurrently-edited config file.
type Config struct {
	// DefaultUpdate is the outgoing_update_period fallback (spec.md §6):
	// used when no monitor specifies a period.
	DefaultUpdate time.Duration
	// IncomingUpdatePeriod bounds how long the INPUT pump may block inside
	// a single get_updates call.
	IncomingUpdatePeriod time.Duration
	// Verbosity gates Debug/Info logging; see internal/rtlog.
	Verbosity int
	// IndicateStart causes "READY" to be printed on the first successful
	// outgoing tick (spec.md §6).
	IndicateStart bool
	// VerboseOIDs includes a human repr alongside ref OIDs in walked JSON
	// (spec.md §4.3).
	VerboseOIDs bool

	// MutationBufferSize is read from config but not passed to the
	// connection runtime, which has no change-notification channel to
	// size with it.
	MutationBufferSize int
	// IncomingQueueSize is the per-worker queue capacity cmd/varmesh
	// passes to the runtime as conn.Options.QueueSize.
	IncomingQueueSize int

	// MuteAfterFailures is read from config but not passed to the
	// connection runtime: each worker logs its first 3 consecutive
	// failures individually and then mutes, regardless of this value
	// (spec.md §5).
	MuteAfterFailures int
	// LongRunningThreshold is how long a sync/async callable may run before
	// the ACCOUNTING worker warns about it.
	LongRunningThreshold time.Duration
}

// Default returns the built-in defaults named throughout spec.md §6.
func Default() Config {
	return Config{
		DefaultUpdate:        100 * time.Millisecond,
		IncomingUpdatePeriod: 2 * time.Second,
		Verbosity:            0,
		IndicateStart:        false,
		VerboseOIDs:          false,
		MutationBufferSize:   512,
		IncomingQueueSize:    256,
		MuteAfterFailures:    3,
		LongRunningThreshold: 5 * time.Second,
	}
}

var v *viper.Viper

// Initialize sets up the viper configuration singleton. Should be called
// once at process startup by cmd/varmesh; library embedders may skip it
// and construct a Config directly with Default() or Load().
func Initialize() error {
	v = viper.New()
	v.SetConfigType("yaml")

	configFileSet := false

	// 1. Walk up from CWD to find project .varmesh/config.yaml.
	cwd, err := os.Getwd()
	if err == nil {
		for dir := cwd; dir != filepath.Dir(dir); dir = filepath.Dir(dir) {
			configPath := filepath.Join(dir, ".varmesh", "config.yaml")
			if _, statErr := os.Stat(configPath); statErr == nil {
				v.SetConfigFile(configPath)
				configFileSet = true
				break
			}
		}
	}

	// 2. XDG config directory.
	if !configFileSet {
		if configDir, err := os.UserConfigDir(); err == nil {
			configPath := filepath.Join(configDir, "varmesh", "config.yaml")
			if _, statErr := os.Stat(configPath); statErr == nil {
				v.SetConfigFile(configPath)
				configFileSet = true
			}
		}
	}

	// 3. Home directory.
	if !configFileSet {
		if homeDir, err := os.UserHomeDir(); err == nil {
			configPath := filepath.Join(homeDir, ".varmesh", "config.yaml")
			if _, statErr := os.Stat(configPath); statErr == nil {
				v.SetConfigFile(configPath)
				configFileSet = true
			}
		}
	}

	v.SetEnvPrefix("VARMESH")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	d := Default()
	v.SetDefault("default-update", d.DefaultUpdate.String())
	v.SetDefault("incoming-update-period", d.IncomingUpdatePeriod.String())
	v.SetDefault("verbosity", d.Verbosity)
	v.SetDefault("indicate-start", d.IndicateStart)
	v.SetDefault("verbose-oids", d.VerboseOIDs)
	v.SetDefault("mutation-buffer-size", d.MutationBufferSize)
	v.SetDefault("incoming-queue-size", d.IncomingQueueSize)
	v.SetDefault("mute-after-failures", d.MuteAfterFailures)
	v.SetDefault("long-running-threshold", d.LongRunningThreshold.String())

	if configFileSet {
		if err := v.ReadInConfig(); err != nil {
			return fmt.Errorf("error reading config file: %w", err)
		}
	}

	return nil
}

// Load returns a Config built from whatever Initialize discovered,
// falling back to built-in defaults for any unset key.
func Load() Config {
	if v == nil {
		return Default()
	}
	return Config{
		DefaultUpdate:        v.GetDuration("default-update"),
		IncomingUpdatePeriod: v.GetDuration("incoming-update-period"),
		Verbosity:            v.GetInt("verbosity"),
		IndicateStart:        v.GetBool("indicate-start"),
		VerboseOIDs:          v.GetBool("verbose-oids"),
		MutationBufferSize:   v.GetInt("mutation-buffer-size"),
		IncomingQueueSize:    v.GetInt("incoming-queue-size"),
		MuteAfterFailures:    v.GetInt("mute-after-failures"),
		LongRunningThreshold: v.GetDuration("long-running-threshold"),
	}
}
