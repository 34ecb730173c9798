package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/untoldecay/varmesh/internal/config"
)

var (
	flagName          string
	flagTransport     string
	flagAddr          string
	flagPipeIn        string
	flagPipeOut       string
	flagScriptsDir    string
	flagWasm          bool
	flagEvalTimeout   time.Duration
	flagLogLevel      string
	flagLogFile       string
	flagIndicateStart bool
	flagRegister      bool
	flagConfigTOML    string
)

var rootCmd = &cobra.Command{
	Use:   "varmesh",
	Short: "Run a variable-mesh connection",
	Long: `varmesh starts one connection of the variable-mesh engine against a
chosen transport, prints READY on the first successful outgoing tick when
asked to, and runs until interrupted.

Config is resolved the same way a library embedder gets it from
internal/config: a .varmesh/config.yaml walked up from the current
directory, then XDG, then the home directory. Pass --config-toml to read
an alternate .varmesh/config.toml instead.`,
	RunE: runConnection,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&flagLogLevel, "log-level", "info", "debug, info, warn, or error")
	rootCmd.PersistentFlags().StringVar(&flagLogFile, "log-file", "", "rotate logs to this file instead of stderr")

	rootCmd.Flags().StringVar(&flagName, "name", "varmesh", "connection name, also its registry key")
	rootCmd.Flags().StringVar(&flagTransport, "transport", "memory", "memory, ws, or pipe")
	rootCmd.Flags().StringVar(&flagAddr, "addr", ":8420", "listen address for --transport ws")
	rootCmd.Flags().StringVar(&flagPipeIn, "pipe-in", "", "inbound spool directory for --transport pipe")
	rootCmd.Flags().StringVar(&flagPipeOut, "pipe-out", "", "outbound spool directory for --transport pipe")
	rootCmd.Flags().StringVar(&flagScriptsDir, "scripts-dir", "", "enable hookexec code blocks rooted at this directory")
	rootCmd.Flags().BoolVar(&flagWasm, "wasm", false, "enable the wasmeval code-block evaluator instead of hookexec")
	rootCmd.Flags().DurationVar(&flagEvalTimeout, "eval-timeout", 0, "code-block evaluation timeout (0 uses the evaluator's default)")
	rootCmd.Flags().BoolVar(&flagIndicateStart, "indicate-start", false, "print READY on the first successful outgoing tick")
	rootCmd.Flags().BoolVar(&flagRegister, "register", true, "register this connection in ~/.varmesh/registry.json")
	rootCmd.Flags().StringVar(&flagConfigTOML, "config-toml", "", "read defaults from this .toml file instead of the yaml discovery chain")

	rootCmd.AddCommand(listCmd)
}

func loadConfig() (config.Config, error) {
	if flagConfigTOML != "" {
		return loadTOMLConfig(flagConfigTOML)
	}
	if err := config.Initialize(); err != nil {
		return config.Config{}, fmt.Errorf("initialize config: %w", err)
	}
	return config.Load(), nil
}
