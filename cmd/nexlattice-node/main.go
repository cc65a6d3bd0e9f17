package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"nexlattice/internal/config"
	"nexlattice/internal/logging"
	"nexlattice/internal/mesh"
)

func main() {
	os.Exit(run(os.Args[1:], os.Stderr))
}

func run(args []string, stderr io.Writer) int {
	fs := flag.NewFlagSet("nexlattice-node", flag.ContinueOnError)
	fs.SetOutput(stderr)
	configPath := fs.String("config", "", "path to YAML config file")
	if err := fs.Parse(args); err != nil {
		return 1
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(stderr, "config: %v\n", err)
		return 1
	}
	log, err := logging.New(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		fmt.Fprintf(stderr, "logging: %v\n", err)
		return 1
	}
	defer func() { _ = log.Sync() }()

	node, err := mesh.New(cfg, log)
	if err != nil {
		log.Error("node init failed", zap.Error(err))
		return 1
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	log.Info("starting",
		zap.String("node", node.ID()),
		zap.String("name", cfg.NodeName),
		zap.Int("discovery_port", cfg.DiscoveryPort),
		zap.Int("message_port", cfg.MessagePort))

	if err := node.Run(ctx); err != nil {
		log.Error("node exited", zap.Error(err))
		return 1
	}
	return 0
}
