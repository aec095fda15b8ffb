package main

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/spf13/cobra"

	"github.com/astromechza/replistore/pkg/replication"
)

var syncDuration time.Duration

var syncCmd = &cobra.Command{
	Use:   "sync [peer-url]",
	Short: "Exchange documents with one peer for a fixed duration and exit",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		u, err := syncURL(args[0])
		if err != nil {
			return err
		}
		s, _, err := openStore(cmd.Context())
		if err != nil {
			return err
		}
		defer s.Close()

		ctx, cancel := context.WithTimeout(cmd.Context(), syncDuration)
		defer cancel()
		before := len(s.IDs())
		if err := replication.Dial(ctx, u, s, slog.Default()); err != nil && !errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return err
		}
		slog.Info("sync finished", "peer", u, "documents_before", before, "documents_after", len(s.IDs()), "clock", s.Clock())
		return nil
	},
}

func init() {
	syncCmd.Flags().DurationVar(&syncDuration, "duration", 5*time.Second, "how long to stay connected")
}
