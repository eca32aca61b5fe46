// Command communicatord connects to robots over TCP, serial, Bluetooth or
// simulated links, and exports their events over MQTT, InfluxDB, a SQLite
// journal, a websocket feed and an HTTP status API.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/Zereker/communicator/config"
	"github.com/Zereker/communicator/internal/logging"
)

// Set at build time with -ldflags "-X main.version=1.2.3 -X main.commit=abc".
var (
	version = "dev"
	commit  = "unknown"
)

func main() {
	configPath := flag.String("config", os.Getenv("COMMUNICATOR_CONFIG"), "path to the YAML configuration file")
	flag.Parse()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	log := logging.New(cfg.Logging, version)
	log.Info("starting communicatord", "version", version, "commit", commit, "config", *configPath)

	if err := run(ctx, cfg, log); err != nil {
		log.Error("communicatord failed", "error", err)
		os.Exit(1)
	}
	log.Info("communicatord stopped")
}
