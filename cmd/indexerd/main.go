// Copyright 2024 The Chainindex Authors
// This file is part of Chainindex.
//
// Chainindex is free software: you can redistribute it and/or modify
// it under the terms of the GNU Lesser General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// Chainindex is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Lesser General Public License for more details.
//
// You should have received a copy of the GNU Lesser General Public License
// along with Chainindex. If not, see <http://www.gnu.org/licenses/>.

// Command indexerd boots the store side of the runtime (metadata cache
// and flush controller) against a configured database. It does not
// construct a dispatcher.
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	libcommon "github.com/chainindex/corelib/common"

	"github.com/chainindex/runtime/config"
	"github.com/chainindex/runtime/db"
	"github.com/chainindex/runtime/store"
	"github.com/chainindex/runtime/telemetry"
)

// metadataIncrementKeys are the closed set of metadata keys this
// deployment treats as accumulate-only rather than last-writer-wins.
var metadataIncrementKeys = []string{"processedBlockCount", "schemaMigrationCount"}

var configPath string

func init() {
	rootCmd.Flags().StringVar(&configPath, "config", "chainindexd.toml", "path to the TOML configuration file")
}

var rootCmd = &cobra.Command{
	Use:   "indexerd",
	Short: "Run the chain indexer's metadata cache and flush controller",
	RunE: func(cmd *cobra.Command, args []string) error {
		return run(cmd.Context(), configPath)
	},
}

func main() {
	ctx, cancel := libcommon.RootContext()
	defer cancel()
	rootCmd.SetContext(ctx)
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// run wires config -> logger/metrics -> DB pool -> store.Metadata ->
// store.Controller, and blocks until ctx is cancelled or the controller
// reports a fatal flush error. It constructs neither dispatch.Base nor
// dispatch.Serial: those require a chain.Fetcher and chain.Indexer, and registering the
// project's entity schemas with the Controller — both are supplied by
// the embedding project (see chain.Fetcher/chain.Indexer and
// store.NewEntities), not by the core runtime itself.
func run(ctx context.Context, path string) error {
	cfg, err := config.Load(path)
	if err != nil {
		return err
	}

	log, err := telemetry.NewLogger(cfg.Log.Level, false)
	if err != nil {
		return fmt.Errorf("indexerd: logger: %w", err)
	}
	defer log.Sync()

	events, err := telemetry.NewPromEvents(prometheus.DefaultRegisterer)
	if err != nil {
		return fmt.Errorf("indexerd: metrics: %w", err)
	}

	repo, err := db.NewPostgres(ctx, cfg.DB.DSN)
	if err != nil {
		return fmt.Errorf("indexerd: db: %w", err)
	}
	defer repo.Close()

	metadata := store.NewMetadata(repo, cfg.Cache.MaxEntries, cfg.Cache.TTL, metadataIncrementKeys...)
	metadata.SetEvents(events)
	controller := store.NewController(repo, metadata, cfg.Flush.RecordThreshold, events, log)

	// A real deployment registers its entity schemas with controller
	// (store.NewEntities + controller.Register) and constructs
	// dispatch.NewBase/NewSerial with its chain.Fetcher/chain.Indexer
	// before calling EnqueueBlocks. Both are project-specific and out
	// of scope for this entrypoint.

	log.Info("indexerd ready; register entity schemas and a chain.Fetcher/chain.Indexer to begin indexing",
		zap.Int("batch_size", cfg.BatchSize), zap.Bool("profiler", cfg.Profiler))

	select {
	case <-ctx.Done():
		log.Info("shutting down")
		return nil
	case err := <-controller.Fatal():
		log.Error("fatal store error", zap.Error(err))
		return err
	}
}
