// Command gridwatcher is the grid-watcher CLI: opens a live interface,
// feeds IPv4/TCP traffic through the detection engine, and exposes its
// control surface over HTTP. Grounded on the teacher's
// daemon/cmd/netty-daemon/main.go for the Go idiom (stdlib flag,
// signal.Notify, deferred cleanup) and on original_source/src/cli_main.cpp
// and grid_watcher.cpp for the flag set and shutdown sequence.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/iolloyd/gridwatcher/internal/capture"
	"github.com/iolloyd/gridwatcher/internal/config"
	"github.com/iolloyd/gridwatcher/internal/engine"
	"github.com/iolloyd/gridwatcher/internal/logger"
	"github.com/iolloyd/gridwatcher/internal/web"
)

const version = "3.0.0"

func main() {
	os.Exit(run())
}

func run() int {
	var (
		listInterfaces = flag.Bool("list-interfaces", false, "List capturable network interfaces and exit")
		iface          = flag.String("interface", "any", "Network interface to monitor")
		filter         = flag.String("filter", capture.DefaultFilter, "BPF filter expression")
		threads        = flag.Int("threads", runtime.NumCPU(), "Number of worker threads")
		logFile        = flag.String("log", "grid_watcher.log", "Log file path")
		port           = flag.Int("port", 8080, "HTTP API/websocket/metrics port")
		configFile     = flag.String("config", "", "Configuration file")
		verbose        = flag.Bool("verbose", false, "Enable debug-level logging")
		showVersion    = flag.Bool("version", false, "Show version and exit")
	)
	flag.Usage = printHelp
	flag.Parse()

	if *threads <= 0 {
		*threads = runtime.NumCPU()
	}

	if *showVersion {
		fmt.Printf("grid-watcher %s\n", version)
		return 0
	}

	if *listInterfaces {
		return runListInterfaces()
	}

	cfg := config.Default()
	if *configFile != "" {
		loaded, err := config.Load(*configFile)
		if err != nil {
			fmt.Fprintf(os.Stderr, "[FATAL] load config: %v\n", err)
			return 1
		}
		cfg = loaded
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "[FATAL] invalid configuration: %v\n", err)
		return 1
	}

	minLevel := logger.Info
	if *verbose {
		minLevel = logger.Debug
	}
	log, err := logger.New(*logFile, minLevel, true)
	if err != nil {
		fmt.Fprintf(os.Stderr, "[FATAL] open log file: %v\n", err)
		return 1
	}
	log.Start()
	defer log.Stop()

	log.Info("startup", fmt.Sprintf("grid-watcher %s starting", version))
	log.Info("startup", fmt.Sprintf("interface=%s filter=%q threads=%d port=%d", *iface, *filter, *threads, *port))

	eng := engine.New(cfg, log, engine.WithWorkers(*threads))

	var watcher *config.Watcher
	if *configFile != "" {
		watcher, err = config.NewWatcher(*configFile)
		if err != nil {
			log.Warning("config", fmt.Sprintf("hot-reload disabled: %v", err))
		} else {
			defer watcher.Close()
			go func() {
				for reloaded := range watcher.Changes {
					log.Info("config", fmt.Sprintf("configuration reloaded from %s", *configFile))
					eng.SetConfig(reloaded)
				}
			}()
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	eng.Start(ctx)

	pc, err := capture.Open(*iface, *filter, eng)
	if err != nil {
		fmt.Fprintf(os.Stderr, "[FATAL] open capture: %v\n", err)
		eng.Shutdown()
		return 1
	}
	defer pc.Close()

	captureDone := make(chan struct{})
	go func() {
		pc.Run(captureDone)
	}()

	srv := web.New(fmt.Sprintf(":%d", *port), eng)
	go func() {
		if err := srv.Start(); err != nil {
			log.Error("web", fmt.Sprintf("server error: %v", err))
		}
	}()

	log.Info("startup", "grid-watcher is now monitoring network traffic")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	log.Info("shutdown", "signal received, shutting down gracefully")

	close(captureDone)
	if err := srv.Shutdown(); err != nil {
		log.Warning("shutdown", fmt.Sprintf("web server: %v", err))
	}
	eng.Shutdown()

	stats := eng.StatisticsSnapshot()
	log.Info("shutdown", fmt.Sprintf("final stats: processed=%d allowed=%d dropped=%d threats=%d uptime=%.0fs",
		stats.PacketsProcessed, stats.PacketsAllowed, stats.PacketsDropped, stats.ThreatsDetected, stats.UptimeSeconds))
	log.Info("shutdown", "grid-watcher shutdown complete")

	time.Sleep(50 * time.Millisecond) // let the async logger flush its last entries
	return 0
}

func runListInterfaces() int {
	ifaces, err := capture.ListInterfaces()
	if err != nil {
		fmt.Fprintf(os.Stderr, "[FATAL] list interfaces: %v\n", err)
		return 1
	}
	for _, i := range ifaces {
		fmt.Printf("%-16s %s %v\n", i.Name, i.Description, i.Addresses)
	}
	return 0
}

func printHelp() {
	fmt.Fprintf(os.Stderr, `grid-watcher %s - SCADA/Modbus intrusion detection and prevention

Usage: gridwatcher [OPTIONS]

Options:
  --config FILE          Configuration file
  --interface NAME       Network interface to monitor (default: any)
  --filter EXPRESSION    BPF filter expression (default: %q)
  --threads N            Number of worker threads (default: CPU count)
  --log FILE             Log file path (default: grid_watcher.log)
  --port PORT            HTTP API/websocket/metrics port (default: 8080)
  --list-interfaces      List capturable network interfaces and exit
  --verbose              Enable debug-level logging
  --version              Show version and exit
  -h, --help             Show this help

Examples:
  gridwatcher --interface eth0 --threads 8
  gridwatcher --config /etc/grid-watcher.conf --verbose
  gridwatcher --list-interfaces
`, version, capture.DefaultFilter)
}
