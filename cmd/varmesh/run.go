package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/untoldecay/varmesh"
	"github.com/untoldecay/varmesh/internal/evaluator/hookexec"
	"github.com/untoldecay/varmesh/internal/evaluator/wasmeval"
	"github.com/untoldecay/varmesh/internal/registry"
	"github.com/untoldecay/varmesh/internal/rtlog"
	"github.com/untoldecay/varmesh/internal/transport/memory"
	"github.com/untoldecay/varmesh/internal/transport/pipe"
	"github.com/untoldecay/varmesh/internal/transport/wsbroker"
)

const shutdownGrace = 5 * time.Second

func buildLogger() (rtlog.Logger, error) {
	level := map[string]rtlog.Level{
		"debug": rtlog.LevelDebug,
		"info":  rtlog.LevelInfo,
		"warn":  rtlog.LevelWarn,
		"error": rtlog.LevelError,
	}[flagLogLevel]

	if flagLogFile == "" {
		return rtlog.New(level, nil), nil
	}
	return rtlog.NewRotating(level, flagLogFile, 50, 5, 30), nil
}

// buildTransport constructs the chosen transport and, for --transport ws,
// starts the HTTP server it needs and returns a stop func for it.
func buildTransport(log rtlog.Logger) (varmesh.Transport, func(), error) {
	switch flagTransport {
	case "memory":
		return memory.New(0, 0), func() {}, nil

	case "ws":
		t := wsbroker.New(log)
		mux := http.NewServeMux()
		mux.HandleFunc("/ws", t.Handler())
		srv := &http.Server{Addr: flagAddr, Handler: mux}
		go func() {
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Errorf("ws transport: serve: %v", err)
			}
		}()
		stop := func() {
			ctx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
			defer cancel()
			_ = srv.Shutdown(ctx)
		}
		return t, stop, nil

	case "pipe":
		if flagPipeIn == "" || flagPipeOut == "" {
			return nil, nil, fmt.Errorf("--transport pipe requires --pipe-in and --pipe-out")
		}
		t, err := pipe.New(flagPipeIn, flagPipeOut, log)
		if err != nil {
			return nil, nil, fmt.Errorf("pipe transport: %w", err)
		}
		return t, func() {}, nil

	default:
		return nil, nil, fmt.Errorf("unknown --transport %q (want memory, ws, or pipe)", flagTransport)
	}
}

// buildEvaluator returns nil, nil, nil when no code-block backend was
// requested: a connection with no Evaluator just logs and skips code
// blocks, which is a valid configuration (spec.md §4.5).
func buildEvaluator(ctx context.Context) (varmesh.Evaluator, func(), error) {
	switch {
	case flagWasm:
		ev, err := wasmeval.New(ctx, flagEvalTimeout)
		if err != nil {
			return nil, nil, fmt.Errorf("wasm evaluator: %w", err)
		}
		stop := func() { _ = ev.Close(context.Background()) }
		return ev, stop, nil

	case flagScriptsDir != "":
		return hookexec.New(flagScriptsDir, flagEvalTimeout), func() {}, nil

	default:
		return nil, func() {}, nil
	}
}

func runConnection(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()

	log, err := buildLogger()
	if err != nil {
		return err
	}

	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	transport, stopTransport, err := buildTransport(log)
	if err != nil {
		return err
	}
	defer stopTransport()

	evaluator, stopEvaluator, err := buildEvaluator(ctx)
	if err != nil {
		return err
	}
	defer stopEvaluator()

	var reg *registry.Registry
	if flagRegister {
		reg, err = registry.New()
		if err != nil {
			log.Warnf("registry unavailable, continuing without it: %v", err)
			reg = nil
		}
	}

	indicateStart := flagIndicateStart || cfg.IndicateStart

	opts := varmesh.Options{
		TransportKind: flagTransport,
		Endpoint:      flagAddr,
		Registry:      reg,
	}
	opts.Logger = log
	opts.DefaultUpdate = cfg.DefaultUpdate
	opts.IndicateStart = indicateStart
	opts.QueueSize = cfg.IncomingQueueSize
	opts.AccountingThreshold = cfg.LongRunningThreshold
	opts.Evaluator = evaluator

	if _, err := varmesh.Start(ctx, flagName, nil, nil, transport, opts); err != nil {
		return fmt.Errorf("start connection: %w", err)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	signal.Stop(sigCh)

	log.Infof("shutting down on %s", sig)
	varmesh.Shutdown(fmt.Sprintf("received %s", sig))
	return nil
}
