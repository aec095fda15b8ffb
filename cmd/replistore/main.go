package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/astromechza/replistore/pkg/attachment"
	"github.com/astromechza/replistore/pkg/config"
	"github.com/astromechza/replistore/pkg/logger"
	"github.com/astromechza/replistore/pkg/store"
)

var (
	configPath string
	cfg        *config.Config
	logCloser  io.Closer

	rootCmd = &cobra.Command{
		Use:           "replistore",
		Short:         "A replicated document store built on CRDT fields",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			var err error
			if cfg, err = config.Load(configPath); err != nil {
				return err
			}
			l, closer, err := logger.New(cfg.Log)
			if err != nil {
				return err
			}
			logCloser = closer
			slog.SetDefault(l)
			return nil
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			if logCloser != nil {
				_ = logCloser.Close()
			}
		},
	}
)

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "replistore.yaml", "the config file to load, ignored when missing")
	rootCmd.AddCommand(serveCmd, syncCmd, inspectCmd, renderCmd, importCmd, exportCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		slog.Error(err.Error())
		os.Exit(1)
	}
}

// openStore opens the document store of the configured replica.
func openStore(ctx context.Context) (*store.Store, *store.SQLitePersister, error) {
	if err := os.MkdirAll(cfg.Replica.DataDir, 0o750); err != nil {
		return nil, nil, fmt.Errorf("failed to create data dir: %w", err)
	}
	if err := cfg.PinReplicaID(); err != nil {
		return nil, nil, err
	}
	persister, err := store.OpenSQLite(cfg.DocumentsPath())
	if err != nil {
		return nil, nil, err
	}
	s, err := store.Open(ctx, cfg.Replica.ID, store.Options{
		MaxDepth:           cfg.Limits.MaxDepth,
		SoftLimit:          cfg.Limits.SoftBytes,
		HardLimit:          cfg.Limits.HardBytes,
		TombstoneRetention: cfg.Tombstones.Retention,
		Persister:          persister,
		Logger:             slog.Default(),
	})
	if err != nil {
		_ = persister.Close()
		return nil, nil, fmt.Errorf("failed to open store: %w", err)
	}
	return s, persister, nil
}

func openAttachments() (*attachment.Store, error) {
	return attachment.Open(attachment.Config{
		Path:         cfg.AttachmentsPath(),
		SyncWrites:   true,
		CacheEntries: cfg.Attachments.CacheEntries,
		Logger:       slog.Default(),
	})
}
