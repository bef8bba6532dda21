// Copyright 2025 The RemoteLLMconnector Authors. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

// The relay-connector command runs next to a local OpenAI-compatible
// inference backend and keeps an outbound session to the broker.
package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/viljo/RemoteLLMconnector/connector"
	"github.com/viljo/RemoteLLMconnector/internal/config"
)

func main() {
	configPath := flag.String("config", "connector.yaml", "path to the connector configuration file")
	debug := flag.Bool("debug", false, "enable debug logging")
	flag.Parse()

	level := slog.LevelInfo
	if *debug {
		level = slog.LevelDebug
	}
	log := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(log)

	cfg, err := config.LoadConnector(*configPath)
	if err != nil {
		log.Error("loading configuration", "err", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	log.Info("connector starting", "broker", cfg.BrokerURL, "models", cfg.Models)
	if err := connector.New(cfg, log).Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		log.Error("connector exited", "err", err)
		os.Exit(1)
	}
}
