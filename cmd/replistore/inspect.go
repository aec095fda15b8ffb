package main

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/astromechza/replistore/pkg/document"
	"github.com/astromechza/replistore/pkg/sizeguard"
)

var inspectCmd = &cobra.Command{
	Use:   "inspect [id]",
	Short: "Print a document with its field stamps, or list every document id",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		s, persister, err := openStore(cmd.Context())
		if err != nil {
			return err
		}
		defer s.Close()

		if len(args) == 0 {
			for _, id := range s.IDs() {
				fmt.Println(id.Key())
			}
			return nil
		}

		id, err := parseID(args[0])
		if err != nil {
			return err
		}
		doc, err := s.Get(id)
		if err != nil {
			return err
		}
		size, err := sizeguard.Size(doc)
		if err != nil {
			return err
		}
		slog.Info("loaded doc", "id", id, "size", size, "clock", doc.Clock())

		stamps, err := persister.FieldStamps(cmd.Context(), id)
		if err != nil {
			return fmt.Errorf("failed to read field stamps: %w", err)
		}
		for _, fs := range stamps {
			slog.Info("field stamp", "path", fs.Path, "replica", fs.Replica, "counter", fs.Counter)
		}

		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(doc.Value())
	},
}

// parseID accepts a JSON object for composite ids and treats anything else
// as a string id.
func parseID(raw string) (document.ID, error) {
	if strings.HasPrefix(raw, "{") {
		return document.ParseID(raw)
	}
	return document.StringID(raw), nil
}
