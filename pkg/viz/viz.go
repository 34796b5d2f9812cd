// Package viz renders a map's snapshot lineage as an SVG for debugging
// merge behavior.
package viz

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/goccy/go-graphviz"
	"github.com/goccy/go-graphviz/cgraph"

	"github.com/mlied/featsync/pkg/store"
)

// Digest is a short content fingerprint of a snapshot's feature list, used
// to label lineage nodes and spot identical states at a glance.
func Digest(snapshot store.SnapshotInfo) string {
	h := sha256.New()
	for _, f := range snapshot.Features {
		h.Write(f)
		h.Write([]byte{'\n'})
	}
	return hex.EncodeToString(h.Sum(nil))[:8]
}

func RenderLineageToSvg(lineage []store.SnapshotInfo, outputPath string) error {
	g := graphviz.New()

	graph, err := g.Graph()
	if err != nil {
		return fmt.Errorf("failed to setup graph: %w", err)
	}

	var previous *cgraph.Node
	var edgeCounter int
	for _, snapshot := range lineage {
		n, err := graph.CreateNode(strconv.FormatInt(snapshot.Version, 10))
		if err != nil {
			return fmt.Errorf("failed to create node: %w", err)
		}
		n.SetLabel(fmt.Sprintf("v%d %s #%d", snapshot.Version, Digest(snapshot), len(snapshot.Features)))

		if previous != nil {
			edgeCounter++
			if _, err := graph.CreateEdge(strconv.Itoa(edgeCounter), previous, n); err != nil {
				return fmt.Errorf("failed to create edge: %w", err)
			}
		}
		previous = n
	}

	var buff bytes.Buffer
	if err := g.Render(graph, graphviz.SVG, &buff); err != nil {
		return fmt.Errorf("failed to render: %w", err)
	}

	if err := os.WriteFile(outputPath, buff.Bytes(), os.ModePerm); err != nil {
		return fmt.Errorf("failed to write")
	}
	return nil
}

func RenderToTemp(lineage []store.SnapshotInfo) (string, error) {
	tf := filepath.Join(os.TempDir(), fmt.Sprintf("%d%d.svg", time.Now().UnixNano(), rand.Int()))
	if err := RenderLineageToSvg(lineage, tf); err != nil {
		return "", err
	}
	return tf, nil
}
