// Copyright 2025 The RemoteLLMconnector Authors. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

// The relay-broker command runs the publicly reachable half of the relay:
// the OpenAI-compatible API, the connector endpoint, and the health
// surface.
package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/viljo/RemoteLLMconnector/broker"
	"github.com/viljo/RemoteLLMconnector/internal/config"
)

func main() {
	configPath := flag.String("config", "broker.yaml", "path to the broker configuration file")
	debug := flag.Bool("debug", false, "enable debug logging")
	flag.Parse()

	level := slog.LevelInfo
	if *debug {
		level = slog.LevelDebug
	}
	log := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(log)

	cfg, err := config.LoadBroker(*configPath)
	if err != nil {
		log.Error("loading configuration", "err", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	log.Info("broker starting",
		"api", cfg.APIAddr, "connect", cfg.ConnectAddr, "health", cfg.HealthAddr)
	if err := broker.New(cfg, log).Run(ctx); err != nil {
		log.Error("broker exited", "err", err)
		os.Exit(1)
	}
}
