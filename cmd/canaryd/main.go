// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Command canaryd runs the canary detection service.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/AleutianAI/AleutianCanary/pkg/logging"
	"github.com/AleutianAI/AleutianCanary/services/canary"
	"github.com/AleutianAI/AleutianCanary/services/canary/config"
)

func main() {
	os.Exit(run())
}

func run() int {
	configPath := flag.String("config", "", "path to canary.yaml (overrides CANARY_CONFIG)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "canaryd: %v\n", err)
		return 1
	}

	level, err := logging.ParseLevel(cfg.Logging.Level)
	if err != nil {
		fmt.Fprintf(os.Stderr, "canaryd: %v\n", err)
		return 1
	}
	logger := logging.New(logging.Config{
		Level:   level,
		Format:  logging.Format(cfg.Logging.Format),
		LogDir:  cfg.Logging.Dir,
		Service: canary.ServiceName,
	})
	defer logger.Close()
	slog.SetDefault(logger.Slog())

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	svc, err := canary.New(ctx, *cfg, logger.Slog())
	if err != nil {
		slog.Error("failed to start canaryd", slog.String("error", err.Error()))
		return 1
	}
	if err := svc.Run(ctx); err != nil {
		slog.Error("canaryd stopped with error", slog.String("error", err.Error()))
		return 1
	}
	slog.Info("canaryd stopped")
	return 0
}
