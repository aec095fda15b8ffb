// Package viz renders the replicated state of a document as a graphviz tree
// so the causal metadata behind each field can be inspected.
package viz

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"math/rand"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/goccy/go-graphviz"
	"github.com/goccy/go-graphviz/cgraph"

	"github.com/astromechza/replistore/pkg/crdt"
	"github.com/astromechza/replistore/pkg/document"
)

// Render writes an SVG of doc to w. Every map entry becomes a node labelled
// with its value and stamps; removed entries are drawn dashed.
func Render(doc *document.Document, w io.Writer) error {
	g := graphviz.New()
	defer g.Close()

	graph, err := g.Graph()
	if err != nil {
		return fmt.Errorf("failed to setup graph: %w", err)
	}
	defer graph.Close()

	r := &renderer{graph: graph}
	label := doc.ID.String()
	if doc.IsDeleted() {
		label += " deleted " + doc.Deleted.String()
	}
	root, err := r.node(label)
	if err != nil {
		return err
	}
	root.SetShape(cgraph.BoxShape)
	if err := r.walk(root, doc.Fields); err != nil {
		return err
	}

	if err := g.Render(graph, graphviz.SVG, w); err != nil {
		return fmt.Errorf("failed to render: %w", err)
	}
	return nil
}

// RenderToTemp renders doc into a new file in the temp dir and returns its
// path.
func RenderToTemp(doc *document.Document) (string, error) {
	var buff bytes.Buffer
	if err := Render(doc, &buff); err != nil {
		return "", err
	}
	tf := filepath.Join(os.TempDir(), fmt.Sprintf("%d%d.svg", time.Now().UnixNano(), rand.Int()))
	if err := os.WriteFile(tf, buff.Bytes(), 0o644); err != nil {
		return "", fmt.Errorf("failed to write %s: %w", tf, err)
	}
	return tf, nil
}

type renderer struct {
	graph *cgraph.Graph
	nodes int
	edges int
}

func (r *renderer) node(label string) (*cgraph.Node, error) {
	r.nodes++
	n, err := r.graph.CreateNode("n" + strconv.Itoa(r.nodes))
	if err != nil {
		return nil, fmt.Errorf("failed to create node: %w", err)
	}
	n.SetLabel(label)
	return n, nil
}

func (r *renderer) edge(from, to *cgraph.Node) error {
	r.edges++
	if _, err := r.graph.CreateEdge("e"+strconv.Itoa(r.edges), from, to); err != nil {
		return fmt.Errorf("failed to create edge: %w", err)
	}
	return nil
}

func (r *renderer) walk(parent *cgraph.Node, m *crdt.Map) error {
	for _, key := range m.AllKeys() {
		e, _ := m.Entry(key)
		n, err := r.node(entryLabel(key, e))
		if err != nil {
			return err
		}
		if !e.Live() {
			n.SetStyle(cgraph.DashedNodeStyle)
		}
		if err := r.edge(parent, n); err != nil {
			return err
		}
		if child, ok := e.Value.(*crdt.Map); ok {
			if err := r.walk(n, child); err != nil {
				return err
			}
		}
	}
	return nil
}

func entryLabel(key string, e *crdt.Entry) string {
	parts := []string{key}
	switch v := e.Value.(type) {
	case *crdt.Register:
		encoded, _ := json.Marshal(v.Value)
		parts = append(parts, "= "+string(encoded)+" ("+v.Stamp.String()+")")
	case *crdt.Counter:
		parts = append(parts, fmt.Sprintf("counter %d epoch %s", v.Value(), v.Epoch))
	case *crdt.Map:
		parts = append(parts, "map")
	}
	if len(e.Dots) > 0 {
		dots := make([]string, 0, len(e.Dots))
		for _, d := range e.Dots {
			dots = append(dots, d.String())
		}
		parts = append(parts, "dots "+strings.Join(dots, ","))
	}
	if len(e.Tombstones) > 0 {
		var by []string
		for _, t := range e.Tombstones {
			if s := t.By.String(); !slices.Contains(by, s) {
				by = append(by, s)
			}
		}
		parts = append(parts, "removed by "+strings.Join(by, ","))
	}
	return strings.Join(parts, "\n")
}
