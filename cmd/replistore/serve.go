package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/astromechza/replistore/pkg/attachment"
	"github.com/astromechza/replistore/pkg/replication"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the document API and replicate with the configured peers",
	Args:  cobra.NoArgs,
	RunE:  runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	peers := make([]string, 0, len(cfg.Server.Peers))
	for _, peer := range cfg.Server.Peers {
		u, err := syncURL(peer)
		if err != nil {
			return err
		}
		peers = append(peers, u)
	}

	slog.Info("Opening stores", "data_dir", cfg.Replica.DataDir)
	s, _, err := openStore(ctx)
	if err != nil {
		return err
	}
	defer s.Close()
	blobs, err := openAttachments()
	if err != nil {
		return err
	}
	defer blobs.Close()

	source := &peerSource{client: &http.Client{}, peers: cfg.Server.Peers}
	srv := &server{
		store:       s,
		attachments: blobs,
		fetcher:     attachment.NewFetcher(blobs, source, cfg.Attachments.FetchTimeout, slog.Default()),
		logger:      slog.Default(),
	}
	httpServer := &http.Server{Addr: cfg.Server.Addr, Handler: srv.router()}

	eg, ctx := errgroup.WithContext(ctx)
	eg.Go(func() error {
		slog.Info("Listening", "addr", cfg.Server.Addr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server listen failed: %w", err)
		}
		return nil
	})
	eg.Go(func() error {
		<-ctx.Done()
		slog.Info("Shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})

	collector := attachment.NewCollector(blobs, s, cfg.Attachments.Debounce, slog.Default())
	eg.Go(func() error {
		return attachment.NewRunner(collector, cfg.Attachments.GCInterval, slog.Default()).Run(ctx)
	})
	eg.Go(func() error {
		t := time.NewTicker(cfg.Attachments.GCInterval)
		defer t.Stop()
		for {
			select {
			case <-t.C:
				if _, err := s.CompactTombstones(ctx); err != nil {
					slog.Error("failed to compact tombstones", "err", err)
				}
			case <-ctx.Done():
				return nil
			}
		}
	})

	for _, u := range peers {
		eg.Go(func() error {
			replication.DialContinuously(ctx, u, cfg.Server.SyncInterval, s, slog.Default())
			return nil
		})
	}

	return eg.Wait()
}
