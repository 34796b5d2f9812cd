package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"

	"github.com/mlied/featsync/pkg/store"
	"github.com/mlied/featsync/pkg/viz"
)

// Dumps the snapshot lineage of a map, either as DOT on stdout or rendered
// to a temporary SVG.
func main() {
	if err := mainInner(); err != nil {
		slog.Error(err.Error())
		os.Exit(1)
	}
}

func mainInner() error {
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{})))

	dbVar := flag.String("db", "featsync.sqlite3", "the sqlite database to open")
	mapVar := flag.String("map", "default", "the map to inspect")
	svgVar := flag.Bool("svg", false, "render an SVG instead of printing DOT")
	flag.Parse()

	st, err := store.Open(*dbVar)
	if err != nil {
		return err
	}
	defer st.Close()

	lineage, err := st.Lineage(context.Background(), *mapVar)
	if err != nil {
		return fmt.Errorf("failed to load lineage: %w", err)
	}
	slog.Info("loaded lineage", "map", *mapVar, "snapshots", len(lineage))

	if *svgVar {
		path, err := viz.RenderToTemp(lineage)
		if err != nil {
			return fmt.Errorf("failed to render: %w", err)
		}
		slog.Info("rendered", "map", *mapVar, "path", "file://"+path)
		return nil
	}

	fmt.Println(`digraph "lineage" {`)
	for i, snapshot := range lineage {
		fmt.Printf("    \"v%d\" [label=\"v%d %s #%d\"]\n", snapshot.Version, snapshot.Version, viz.Digest(snapshot), len(snapshot.Features))
		if i > 0 {
			fmt.Printf("    \"v%d\" -> \"v%d\"\n", lineage[i-1].Version, snapshot.Version)
		}
	}
	fmt.Println("}")
	return nil
}
