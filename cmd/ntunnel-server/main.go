// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by an MIT-style license
// that can be found in the LICENSE file.

package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/nishisan-dev/n-tunnel/internal/config"
	"github.com/nishisan-dev/n-tunnel/internal/logging"
	"github.com/nishisan-dev/n-tunnel/internal/server"
)

func main() {
	configPath := flag.String("config", "/etc/ntunnel/server.yaml", "path to server config file")
	logLevel := flag.String("log-level", "", "override logging.level from the config file")
	logFormat := flag.String("log-format", "", "override logging.format from the config file")
	snapshotCron := flag.String("metrics-snapshot-cron", "", "override metrics.snapshot_cron from the config file")
	s3Bucket := flag.String("s3-archive-bucket", "", "override metrics.s3_archive_bucket from the config file")
	flag.Parse()

	cfg, err := config.LoadServerConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
		os.Exit(1)
	}

	if *logLevel != "" {
		cfg.Logging.Level = *logLevel
	}
	if *logFormat != "" {
		cfg.Logging.Format = *logFormat
	}
	if *snapshotCron != "" {
		cfg.Metrics.SnapshotCron = *snapshotCron
	}
	if *s3Bucket != "" {
		cfg.Metrics.S3ArchiveBucket = *s3Bucket
	}

	logger, logCloser := logging.NewLogger(cfg.Logging.Level, cfg.Logging.Format, cfg.Logging.File)
	defer logCloser.Close()

	srv, err := server.New(cfg, logger)
	if err != nil {
		logger.Error("building server", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := srv.Run(ctx); err != nil {
		logger.Error("server error", "error", err)
		os.Exit(1)
	}
}
