package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/Artfain/reserve-node/config"
)

func main() {
	var (
		configPath = flag.String("config", "", "path to a YAML config file")
		dataDir    = flag.String("data", "", "data directory")
		listen     = flag.String("listen", "", "peer listen address")
		apiAddr    = flag.String("api", "", "status API address")
		peers      = flag.String("peer", "", "comma separated seed peers (host:port)")
		adjudicate = flag.Bool("adjudicate", false, "run adjudication rounds for the Fortis pool")
		join       = flag.String("join", "", "pool URL to join as a validator")
		address    = flag.String("address", "", "validator address used in the pool")
	)
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	if *dataDir != "" {
		cfg.Node.DataDir = *dataDir
	}
	if *listen != "" {
		cfg.Node.Listen = *listen
	}
	if *apiAddr != "" {
		cfg.Node.API = *apiAddr
	}
	if *peers != "" {
		cfg.Node.Peers = strings.Split(*peers, ",")
	}
	if *adjudicate {
		cfg.Round.Adjudicate = true
	}
	if *join != "" {
		cfg.Pool.Join = *join
	}
	if *address != "" {
		cfg.Pool.Address = *address
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	level, _ := cfg.Level()
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	n, err := newNode(cfg, logger)
	if err != nil {
		logger.Error("Failed to start node", "error", err)
		os.Exit(1)
	}
	err = n.run(ctx)
	n.close()
	if err != nil {
		logger.Error("Node stopped", "error", err)
		os.Exit(1)
	}
	logger.Info("Node stopped")
}
