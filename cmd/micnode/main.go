// micnode is the firmware entry point for one microphone node: it loads
// config, wires the wake-word/session/link pipeline, and runs it until
// SIGINT or SIGTERM.
package main

import (
	"context"
	"fmt"
	"io"
	stdlog "log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	"github.com/wakenode/micnode/internal/config"
	"github.com/wakenode/micnode/internal/logger"
	"github.com/wakenode/micnode/internal/supervisor"
)

// shutdownTimeout sets the deadline of the context handed to Shutdown;
// Shutdown does not currently consult it.
const shutdownTimeout = 5 * time.Second

func main() {
	configPath := pflag.StringP("config", "c", "config.yaml", "path to the node's YAML config file")
	verbose := pflag.BoolP("verbose", "v", false, "enable verbose/debug logging")
	quiet := pflag.Bool("quiet", false, "disable all logging")
	logFile := pflag.String("log-file", "", "file to write logs to (default: stderr)")
	pflag.Parse()

	logLevel := logger.LevelNormal
	if *verbose {
		logLevel = logger.LevelVerbose
	}
	if *quiet {
		logLevel = logger.LevelOff
	}

	var logOut io.Writer = os.Stderr
	if *logFile != "" {
		dir := filepath.Dir(*logFile)
		if dir != "" && dir != "." {
			os.MkdirAll(dir, 0o755)
		}
		f, err := os.OpenFile(*logFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			fmt.Fprintf(os.Stderr, "warning: could not open log file %s: %v (falling back to stderr)\n", *logFile, err)
		} else {
			logOut = f
			defer f.Close()
		}
	}

	// Third-party libraries (malgo, onnxruntime_go) log through the
	// stdlib logger; route them to the same sink.
	stdlog.SetOutput(logOut)
	stdlog.SetFlags(stdlog.Ltime)

	log := logger.New(logLevel, logOut)

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "micnode: config: %v\n", err)
		os.Exit(1)
	}

	trust, err := config.LoadTrustMaterial(cfg.TrustDir)
	if err != nil {
		fmt.Fprintf(os.Stderr, "micnode: trust material: %v\n", err)
		os.Exit(1)
	}

	node, err := supervisor.New(*cfg, trust, log)
	if err != nil {
		fmt.Fprintf(os.Stderr, "micnode: supervisor init: %v\n", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	log.Info("micnode: starting room=%q node=%q server=%q", cfg.RoomID, cfg.NodeID, cfg.ServerURI)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	if err := node.Run(ctx); err != nil {
		log.Error("micnode: supervisor exited with error: %v", err)
		node.Shutdown(shutdownCtx)
		os.Exit(1)
	}

	node.Shutdown(shutdownCtx)
	log.Info("micnode: shut down cleanly")
}
