// Package main provides the relay node's origin-facing executable: it
// loads configuration, brings up the local circuit table, and exposes a
// SOCKS5 front door for applications that want to originate streams
// through this node.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/torfoil/relaycore/pkg/circuit"
	"github.com/torfoil/relaycore/pkg/config"
	"github.com/torfoil/relaycore/pkg/extorport"
	"github.com/torfoil/relaycore/pkg/logger"
	"github.com/torfoil/relaycore/pkg/microdesc"
	"github.com/torfoil/relaycore/pkg/oom"
	"github.com/torfoil/relaycore/pkg/socks"
)

// defaultMaxMemInQueues is the queue-memory budget applied when the
// operator leaves MaxMemInQueues unset.
const defaultMaxMemInQueues = 256 << 20

var (
	version   = "0.1.0-dev"
	buildTime = "unknown"
)

func main() {
	configFile := flag.String("config", "", "Path to configuration file (torrc format)")
	socksPort := flag.Int("socks-port", 0, "SOCKS5 proxy port (default: auto-detect or 9050)")
	controlPort := flag.Int("control-port", 0, "Control protocol port (default: 9051)")
	dataDir := flag.String("data-dir", "", "Data directory for persistent state (default: auto-detect)")
	logLevel := flag.String("log-level", "info", "Log level (debug, info, warn, error)")
	showVersion := flag.Bool("version", false, "Show version information")
	flag.Parse()

	if *showVersion {
		fmt.Printf("relaycore version %s (built %s)\n", version, buildTime)
		os.Exit(0)
	}

	var cfg *config.Config
	if *configFile != "" {
		cfg = config.DefaultConfig()
		if err := config.LoadFromFile(*configFile, cfg); err != nil {
			fmt.Fprintf(os.Stderr, "Failed to load config file: %v\n", err)
			os.Exit(1)
		}
	} else {
		cfg = config.DefaultConfig()
		fmt.Printf("[INFO] Using zero-configuration mode\n")
		fmt.Printf("[INFO] Data directory: %s\n", cfg.DataDirectory)
	}

	if *socksPort != 0 {
		cfg.SocksPort = *socksPort
	}
	if *controlPort != 0 {
		cfg.ControlPort = *controlPort
	}
	if *dataDir != "" {
		cfg.DataDirectory = *dataDir
	}
	if *logLevel != "" {
		cfg.LogLevel = *logLevel
	}

	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "Invalid configuration: %v\n", err)
		os.Exit(1)
	}

	level, err := logger.ParseLevel(cfg.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Invalid log level: %v\n", err)
		os.Exit(1)
	}
	log := logger.New(level, os.Stdout)

	log.Info("Starting relaycore", "version", version, "build_time", buildTime)
	log.Info("Configuration loaded",
		"socks_port", cfg.SocksPort,
		"control_port", cfg.ControlPort,
		"data_directory", cfg.DataDirectory,
		"log_level", cfg.LogLevel)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ctx = logger.WithContext(ctx, log)

	if err := run(ctx, cfg, log); err != nil {
		log.Error("Application error", "error", err)
		os.Exit(1)
	}

	log.Info("Shutdown complete")
}

// run brings up the local origin-circuit manager and SOCKS front door, then
// blocks until a shutdown signal arrives.
//
// TODO: wire the relay-facing ORPort listener (pkg/dispatch's CREATE-family
// admission plus pkg/relaypipeline's cell dispatch) once both land; today
// this binary only originates circuits locally, it does not yet accept
// inbound relay connections.
func run(ctx context.Context, cfg *config.Config, log *logger.Logger) error {
	if err := os.MkdirAll(cfg.DataDirectory, 0o700); err != nil {
		return fmt.Errorf("creating data directory: %w", err)
	}

	consensusPath := filepath.Join(cfg.DataDirectory, "consensus-params.toml")
	params, err := config.LoadConsensusParams(consensusPath)
	if err != nil {
		return fmt.Errorf("loading consensus parameter overlay: %w", err)
	}
	log.Info("Consensus parameters loaded",
		"circ_max_cell_queue_size", params.CircMaxCellQueueSize,
		"sendme_emit_min_version", params.SendmeEmitMinVersion)

	mdCache, err := microdesc.Open(cfg.DataDirectory)
	if err != nil {
		return fmt.Errorf("opening microdescriptor cache: %w", err)
	}
	defer mdCache.Close()
	log.Info("Microdescriptor cache opened", "entries", mdCache.Len(), "dir", cfg.DataDirectory)

	cookiePath := extorport.CookiePath(cfg.DataDirectory, cfg.ExtORPortCookieAuthFile)
	if _, err := extorport.LoadOrCreateCookie(cookiePath); err != nil {
		return fmt.Errorf("initializing ext-orport auth cookie: %w", err)
	}
	log.Info("Ext-ORPort auth cookie ready", "path", cookiePath)

	circuitMgr := circuit.NewOriginManager()
	defer circuitMgr.Close(context.Background())

	// The relay-facing circuit table. The ORPort listener (see the TODO
	// above) will populate it; the memory-pressure handler sheds from it
	// either way.
	table := circuit.NewTable()
	defer table.Close()

	budget := cfg.MaxMemInQueues
	if budget == 0 {
		budget = defaultMaxMemInQueues
	}
	oomHandler := oom.NewHandler(uint64(budget), uint64(cfg.MaxMemInQueuesLowThreshold), table, log)
	go func() {
		ticker := time.NewTicker(30 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if freed := oomHandler.Check(); freed > 0 {
					log.Warn("Memory pressure handled", "freed_bytes", freed)
				}
			}
		}
	}()

	var socksServer *socks.Server
	if cfg.SocksPort > 0 {
		addr := fmt.Sprintf("127.0.0.1:%d", cfg.SocksPort)
		socksServer = socks.NewServer(addr, circuitMgr, log)

		errCh := make(chan error, 1)
		go func() { errCh <- socksServer.ListenAndServe(ctx) }()

		log.Info("SOCKS proxy listening",
			"address", addr,
			"url", fmt.Sprintf("socks5://%s", addr))
		fmt.Println()
		fmt.Println("Example: Test with curl")
		fmt.Printf("  curl --socks5 %s https://check.torproject.org\n", addr)
		fmt.Println()

		go func() {
			if err := <-errCh; err != nil {
				log.Warn("SOCKS server stopped", "error", err)
			}
		}()
	} else {
		log.Info("SOCKS proxy disabled (socks_port=0)")
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	log.Info("Press Ctrl+C to exit")

	select {
	case sig := <-sigChan:
		log.Info("Received shutdown signal", "signal", sig.String())
	case <-ctx.Done():
		log.Info("Context cancelled", "reason", ctx.Err())
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	log.Info("Initiating graceful shutdown...")

	if err := circuitMgr.CloseWithDeadline(30 * time.Second); err != nil {
		log.Warn("Error closing circuits during shutdown", "error", err)
	}

	select {
	case <-shutdownCtx.Done():
		log.Warn("Shutdown timeout exceeded, forcing exit")
		return shutdownCtx.Err()
	default:
	}

	return nil
}
