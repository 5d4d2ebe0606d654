// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

// SPDX-License-Identifier: MIT

// Command scanorchd demonstrates the composition root named in SPEC_FULL §9:
// it builds one Orchestrator via orchestrator.Builder, wiring stub leaf
// actors (real filesystem scanning, media analysis, metadata enrichment,
// indexing and image fetching are out of scope for this module) and runs it
// until interrupted.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/scanwright/scanorch/internal/actor"
	"github.com/scanwright/scanorch/internal/config"
	"github.com/scanwright/scanorch/internal/dispatcher"
	xglog "github.com/scanwright/scanorch/internal/log"
	"github.com/scanwright/scanorch/internal/model"
	"github.com/scanwright/scanorch/internal/orchestrator"
)

var (
	version = "v0.1.0"
	commit  = "none"
)

func main() {
	showVersion := flag.Bool("version", false, "print version and exit")
	configPath := flag.String("config", "", "path to config file (YAML)")
	dataDir := flag.String("data-dir", "/var/lib/scanorchd", "directory for the queue, cursor and series stores")
	libraryID := flag.String("library-id", "", "library id to scan (required)")
	libraryRoots := flag.String("library-roots", "", "comma-separated root paths for the library (required)")
	watch := flag.Bool("watch", true, "watch library roots for filesystem changes")
	flag.Parse()

	if *showVersion {
		fmt.Printf("scanorchd %s (commit: %s)\n", version, commit)
		os.Exit(0)
	}

	xglog.Configure(xglog.Config{Level: "info", Service: "scanorchd", Version: version})
	logger := xglog.WithComponent("main")

	if strings.TrimSpace(*libraryID) == "" || strings.TrimSpace(*libraryRoots) == "" {
		logger.Fatal().Msg("both --library-id and --library-roots are required")
	}

	cfg := config.Default()
	if strings.TrimSpace(*configPath) != "" {
		loaded, err := config.Load(*configPath)
		if err != nil {
			logger.Fatal().Err(err).Str("path", *configPath).Msg("failed to load configuration")
		}
		cfg = loaded
	}
	xglog.Configure(xglog.Config{Level: cfg.LogLevel, Service: "scanorchd", Version: version})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := os.MkdirAll(*dataDir, 0o755); err != nil {
		logger.Fatal().Err(err).Str("data_dir", *dataDir).Msg("failed to create data directory")
	}

	var roots []actor.Root
	for i, p := range strings.Split(*libraryRoots, ",") {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		roots = append(roots, actor.Root{ID: fmt.Sprintf("root-%d", i), Path: p})
	}
	if len(roots) == 0 {
		logger.Fatal().Msg("--library-roots resolved to no usable paths")
	}

	orch, err := orchestrator.NewBuilder(cfg).
		WithQueue(filepath.Join(*dataDir, "queue.db")).
		WithCursorStore(filepath.Join(*dataDir, "cursors.db")).
		WithSeriesStore(filepath.Join(*dataDir, "series"), nil).
		WithLeafActors(stubFolderScan{logger: xglog.WithComponent("folder_scan")},
			stubMediaAnalyze{logger: xglog.WithComponent("media_analyze")},
			stubMetadata{logger: xglog.WithComponent("metadata")},
			stubIndexer{logger: xglog.WithComponent("indexer")},
			stubImageFetch{logger: xglog.WithComponent("image_fetch")}).
		WithLibrary(orchestrator.LibraryDef{ID: *libraryID, Roots: roots, Watch: *watch}).
		Build()
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to build orchestrator")
	}

	errCh := make(chan error, 1)
	go func() { errCh <- orch.Run(ctx) }()

	if _, err := orch.StartScan(*libraryID, model.ReasonBulkSeed); err != nil {
		logger.Error().Err(err).Msg("failed to start initial scan")
	} else {
		logger.Info().Str("library_id", *libraryID).Msg("initial scan started")
	}

	select {
	case <-ctx.Done():
		logger.Info().Msg("shutdown signal received")
	case err := <-errCh:
		if err != nil {
			logger.Error().Err(err).Msg("orchestrator run loop exited with error")
		}
	}

	if err := orch.Shutdown(15 * time.Second); err != nil {
		logger.Error().Err(err).Msg("orchestrator shutdown did not complete cleanly")
	}
	logger.Info().Msg("scanorchd exiting")
}

// The stub*/ types below satisfy the dispatcher's leaf actor ports with
// logging-only behaviour. Real filesystem scanning, media analysis, metadata
// enrichment, indexing and image fetching are out of scope for this module
// (SPEC_FULL §9) and belong in a separate binary that wires its own
// implementations through the same Builder.

type stubFolderScan struct{ logger zerolog.Logger }

func (s stubFolderScan) Scan(ctx context.Context, libraryID, folderPath string) (dispatcher.Listing, error) {
	s.logger.Info().Str("library_id", libraryID).Str("folder", folderPath).Msg("stub scan: no entries discovered")
	return dispatcher.Listing{ListingHash: "stub", EntryCount: 0}, nil
}

type stubMediaAnalyze struct{ logger zerolog.Logger }

func (s stubMediaAnalyze) Analyze(ctx context.Context, libraryID, path string) (dispatcher.AnalyzedMedia, error) {
	s.logger.Info().Str("library_id", libraryID).Str("path", path).Msg("stub analyze: no-op")
	return dispatcher.AnalyzedMedia{Path: path}, nil
}

type stubMetadata struct{ logger zerolog.Logger }

func (s stubMetadata) Enrich(ctx context.Context, libraryID, path, seriesID string) (dispatcher.EnrichedMetadata, error) {
	s.logger.Info().Str("library_id", libraryID).Str("path", path).Msg("stub enrich: no-op")
	return dispatcher.EnrichedMetadata{}, nil
}

type stubIndexer struct{ logger zerolog.Logger }

func (s stubIndexer) Upsert(ctx context.Context, libraryID, path string) (string, error) {
	s.logger.Info().Str("library_id", libraryID).Str("path", path).Msg("stub index: no-op")
	return "noop", nil
}

type stubImageFetch struct{ logger zerolog.Logger }

func (s stubImageFetch) Fetch(ctx context.Context, libraryID, url string) error {
	s.logger.Info().Str("library_id", libraryID).Str("url", url).Msg("stub fetch: no-op")
	return nil
}
