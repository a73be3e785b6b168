package main

import (
	"context"
	"fmt"

	"github.com/hashicorp/go-hclog"

	"infiniquotient/blockstore"
)

// openStore opens the configured backend, restricts it to the allowed
// codecs and puts the membership filter in front of it.
func openStore(ctx context.Context, cfg *Config, logger hclog.Logger) (*blockstore.Filtered, error) {
	backend, err := blockstore.Open(cfg.Datastore.Type, cfg.Datastore.Path)
	if err != nil {
		return nil, err
	}
	if len(cfg.Datastore.AllowedCodecs) > 0 {
		codecs, err := blockstore.ParseCodecs(cfg.Datastore.AllowedCodecs)
		if err != nil {
			backend.Close()
			return nil, err
		}
		backend = blockstore.NewTypeLimited(backend, codecs...)
	}

	store := blockstore.NewFiltered(backend, nil, logger)
	if err := rebuildFilter(ctx, cfg, store, logger); err != nil {
		store.Close()
		return nil, err
	}
	return store, nil
}

// rebuildFilter sizes a fresh filter for the blocks the store holds and
// swaps it in.
func rebuildFilter(ctx context.Context, cfg *Config, store *blockstore.Filtered, logger hclog.Logger) error {
	if cfg.Filter.Type != "infini" {
		store.SetFilter(blockstore.NoFilter{})
		return nil
	}
	f, err := blockstore.BuildInfiniFilter(ctx, store, cfg.Filter.FalsePositiveRate, logger,
		cfg.filterOptions(logger.Named("filter"))...)
	if err != nil {
		return fmt.Errorf("building filter: %w", err)
	}
	store.SetFilter(f)
	stats := store.Stats()
	logger.Info("filter ready", "entries", stats.Entries, "bits_per_entry", stats.BitsPerEntry,
		"policy", cfg.Filter.Policy, "hash", cfg.Filter.Hash)
	return nil
}
