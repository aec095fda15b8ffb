package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/astromechza/replistore/pkg/delta"
	"github.com/astromechza/replistore/pkg/document"
	"github.com/astromechza/replistore/pkg/interop"
	"github.com/astromechza/replistore/pkg/stamp"
)

var importID string

var importCmd = &cobra.Command{
	Use:   "import-automerge [file]",
	Short: "Import a saved automerge document as a local write",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		raw, err := os.ReadFile(args[0])
		if err != nil {
			return fmt.Errorf("failed to read input file: %w", err)
		}
		s, _, err := openStore(cmd.Context())
		if err != nil {
			return err
		}
		defer s.Close()

		var id document.ID
		if importID != "" {
			if id, err = parseID(importID); err != nil {
				return err
			}
		}
		// Stamps continue from the store's clock under this replica, and the
		// merge advances the store clock past them.
		rc := stamp.NewReplicaContext(s.ReplicaID(), s.Clock())
		doc, err := interop.Load(rc, id, raw)
		if err != nil {
			return err
		}
		changed, err := s.Merge(cmd.Context(), delta.FromDocument(doc))
		if err != nil {
			return fmt.Errorf("failed to merge %s: %w", doc.ID, err)
		}
		slog.Info("imported", "id", doc.ID, "changed", changed)
		return nil
	},
}

var exportCmd = &cobra.Command{
	Use:   "export-automerge [id] [file]",
	Short: "Save the visible state of a document as an automerge document",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		s, _, err := openStore(cmd.Context())
		if err != nil {
			return err
		}
		defer s.Close()

		id, err := parseID(args[0])
		if err != nil {
			return err
		}
		doc, err := s.Get(id)
		if err != nil {
			return err
		}
		am, err := interop.Export(doc)
		if err != nil {
			return err
		}
		if err := os.WriteFile(args[1], am.Save(), 0o644); err != nil {
			return fmt.Errorf("failed to write output file: %w", err)
		}
		slog.Info("exported", "id", id, "heads", am.Heads())
		return nil
	},
}

func init() {
	importCmd.Flags().StringVar(&importID, "id", "", "the document id, defaults to the document's own _id")
}
