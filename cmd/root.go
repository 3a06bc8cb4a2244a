// Package cmd implements the memoclaw CLI: administrative access to
// the memory store: queries, fact/memory listing and deletion, stats
// and config inspection.
package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/memoclaw/internal/config"
	"github.com/nextlevelbuilder/memoclaw/internal/ingest"
	"github.com/nextlevelbuilder/memoclaw/internal/policy"
	"github.com/nextlevelbuilder/memoclaw/internal/retrieval"
	"github.com/nextlevelbuilder/memoclaw/internal/service"
	"github.com/nextlevelbuilder/memoclaw/internal/store"
)

var configPath string

// Execute runs the root command.
func Execute() {
	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:           "memoclaw",
		Short:         "Long-term memory engine for chat agents",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.PersistentFlags().StringVar(&configPath, "config", "memoclaw.json5", "config file path")

	cmd.AddCommand(queryCmd())
	cmd.AddCommand(factsCmd())
	cmd.AddCommand(memoriesCmd())
	cmd.AddCommand(statsCmd())
	cmd.AddCommand(configCmd())
	return cmd
}

// loadManager reads the config file, falling back to defaults when the
// file does not exist.
func loadManager() (*config.Manager, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		if os.IsNotExist(err) {
			return config.NewManager(config.Default()), nil
		}
		// Unwrap to check the underlying error from os.ReadFile.
		if pe, ok := err.(interface{ Unwrap() error }); ok && os.IsNotExist(pe.Unwrap()) {
			return config.NewManager(config.Default()), nil
		}
		return nil, err
	}
	return config.NewManager(cfg), nil
}

// openService assembles the full facade over the configured store.
// The CLI has no extraction or history collaborators, so the buffer is
// inert and only the store-backed operations are live.
func openService() (*service.Service, *store.Store, error) {
	mgr, err := loadManager()
	if err != nil {
		return nil, nil, err
	}
	cfg := mgr.Get()

	st, err := store.Open(cfg.Store.Path, store.Options{
		Tokenizer:       cfg.Store.Tokenizer,
		VectorDimension: cfg.Store.VectorDimension,
		EmbedModel:      cfg.Store.EmbedModel,
		EmbedRPM:        cfg.Embed.RPM,
	})
	if err != nil {
		return nil, nil, err
	}

	pol := policy.New(mgr)
	buffer := ingest.NewBuffer(mgr, st, nil)
	engine := retrieval.New(mgr, st)
	return service.New(pol, st, buffer, engine), st, nil
}
