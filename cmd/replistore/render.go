package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/astromechza/replistore/pkg/viz"
)

var renderOutput string

var renderCmd = &cobra.Command{
	Use:   "render [id]",
	Short: "Render a document's field tree and stamps as an SVG",
	Args:  cobra.ExactArgs(1),
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

		if renderOutput == "" {
			path, err := viz.RenderToTemp(doc)
			if err != nil {
				return err
			}
			slog.Info("rendered", "id", id, "path", path)
			return nil
		}
		f, err := os.Create(renderOutput)
		if err != nil {
			return fmt.Errorf("failed to create output file: %w", err)
		}
		defer f.Close()
		if err := viz.Render(doc, f); err != nil {
			return err
		}
		slog.Info("rendered", "id", id, "path", renderOutput)
		return nil
	},
}

func init() {
	renderCmd.Flags().StringVarP(&renderOutput, "output", "o", "", "the svg file to write, a temp file when empty")
}
