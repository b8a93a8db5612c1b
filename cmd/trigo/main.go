package main

import (
	"context"
	"fmt"
	"log"
	"log/slog"
	"os"
	"sort"

	"github.com/aleksaelezovic/trigodb/internal/bptree"
	"github.com/aleksaelezovic/trigodb/internal/config"
	"github.com/aleksaelezovic/trigodb/internal/store"
	"github.com/aleksaelezovic/trigodb/pkg/rdf"
	pstore "github.com/aleksaelezovic/trigodb/pkg/store"
)

func main() {
	if len(os.Args) < 2 {
		fmt.Println("Usage: trigo <command> [args]")
		fmt.Println("Commands:")
		fmt.Println("  demo [dir]   - Load sample data into a store (default: ./trigo_data)")
		fmt.Println("  check <dir>  - Verify every index of a store")
		fmt.Println("  stats <dir>  - Print index sizes and named graphs")
		fmt.Println()
		fmt.Println("Environment:")
		fmt.Println("  TRIGO_CONFIG     - TOML configuration file")
		fmt.Println("  TRIGO_LOG_LEVEL  - debug, info, warn or error (overrides the config)")
		os.Exit(1)
	}

	cfg, err := config.Load(os.Getenv("TRIGO_CONFIG"))
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}
	logger := newLogger(cfg)

	command := os.Args[1]

	switch command {
	case "demo":
		dir := "./trigo_data"
		if len(os.Args) >= 3 {
			dir = os.Args[2]
		}
		runDemo(dir, cfg, logger)
	case "check", "stats":
		if len(os.Args) < 3 {
			fmt.Printf("Usage: trigo %s <dir>\n", command)
			os.Exit(1)
		}
		if command == "check" {
			runCheck(os.Args[2], cfg, logger)
		} else {
			runStats(os.Args[2], cfg, logger)
		}
	default:
		fmt.Printf("Unknown command: %s\n", command)
		os.Exit(1)
	}
}

func newLogger(cfg *config.Config) *slog.Logger {
	levelName := cfg.Log.Level
	if env := os.Getenv("TRIGO_LOG_LEVEL"); env != "" {
		levelName = env
	}
	level, err := config.ParseLevel(levelName)
	if err != nil {
		log.Fatalf("Invalid log level: %v", err)
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)
	return logger
}

func openStore(dir string, cfg *config.Config, logger *slog.Logger) *store.TripleStore {
	s, err := store.Open(dir, cfg, logger)
	if err != nil {
		log.Fatalf("Failed to open store at %s: %v", dir, err)
	}
	return s
}

func runDemo(dir string, cfg *config.Config, logger *slog.Logger) {
	fmt.Println("=== Trigo Store Demo ===")
	fmt.Println()
	fmt.Printf("Opening store at: %s\n", dir)

	s := openStore(dir, cfg, logger)
	defer s.Close()

	alice := rdf.NewNamedNode("http://example.org/alice")
	bob := rdf.NewNamedNode("http://example.org/bob")
	carol := rdf.NewNamedNode("http://example.org/carol")

	knows := rdf.NewNamedNode("http://xmlns.com/foaf/0.1/knows")
	name := rdf.NewNamedNode("http://xmlns.com/foaf/0.1/name")
	age := rdf.NewNamedNode("http://xmlns.com/foaf/0.1/age")

	fmt.Println("Inserting sample data...")
	triples := []*rdf.Triple{
		rdf.NewTriple(alice, name, rdf.NewLiteral("Alice")),
		rdf.NewTriple(alice, age, rdf.NewIntegerLiteral(30)),
		rdf.NewTriple(alice, knows, bob),

		rdf.NewTriple(bob, name, rdf.NewLiteral("Bob")),
		rdf.NewTriple(bob, age, rdf.NewIntegerLiteral(25)),
		rdf.NewTriple(bob, knows, carol),

		rdf.NewTriple(carol, name, rdf.NewLiteralWithLanguage("Carol", "en")),
		rdf.NewTriple(carol, age, rdf.NewIntegerLiteral(28)),
	}
	for _, triple := range triples {
		added, err := s.InsertTriple(triple)
		if err != nil {
			log.Fatalf("Failed to insert triple: %v", err)
		}
		mark := "✓"
		if !added {
			mark = "="
		}
		fmt.Printf("  %s %s\n", mark, triple)
	}

	fmt.Println("\nInserting data into named graphs...")
	graph1 := rdf.NewNamedNode("http://example.org/graph1")
	graph2 := rdf.NewNamedNode("http://example.org/graph2")
	quads := []*rdf.Quad{
		rdf.NewQuad(alice, name, rdf.NewLiteral("Alice in Graph1"), graph1),
		rdf.NewQuad(bob, name, rdf.NewLiteral("Bob in Graph1"), graph1),
		rdf.NewQuad(alice, name, rdf.NewLiteral("Alice in Graph2"), graph2),
		rdf.NewQuad(carol, name, rdf.NewLiteral("Carol in Graph2"), graph2),
	}
	added, err := s.InsertQuadsBatch(quads)
	if err != nil {
		log.Fatalf("Failed to insert quads: %v", err)
	}
	fmt.Printf("  ✓ %d new quads\n", added)

	count, err := s.Count()
	if err != nil {
		log.Fatalf("Failed to count quads: %v", err)
	}
	fmt.Printf("\nTotal quads stored: %d\n", count)

	fmt.Println()
	fmt.Println("=== Querying Data ===")
	fmt.Println()

	printQuery(s, "Who does alice know?", &pstore.Pattern{Subject: alice, Predicate: knows})
	printQuery(s, "Every name in every named graph:", &pstore.Pattern{Predicate: name, Graph: pstore.NewVariable("g")})
	printQuery(s, "Everything in graph1:", &pstore.Pattern{Graph: graph1})

	if err := s.Sync(context.Background()); err != nil {
		log.Fatalf("Failed to sync store: %v", err)
	}
	fmt.Println("Store synced")
}

func printQuery(s *store.TripleStore, title string, pattern *pstore.Pattern) {
	fmt.Println(title)
	it, err := s.Query(pattern)
	if err != nil {
		log.Fatalf("Query failed: %v", err)
	}
	defer it.Close()

	n := 0
	for it.Next() {
		q, err := it.Quad()
		if err != nil {
			log.Fatalf("Failed to resolve quad: %v", err)
		}
		fmt.Printf("  %s\n", q)
		n++
	}
	if err := it.Err(); err != nil {
		log.Fatalf("Query failed: %v", err)
	}
	fmt.Printf("  (%d results)\n\n", n)
}

func runCheck(dir string, cfg *config.Config, logger *slog.Logger) {
	s := openStore(dir, cfg, logger)
	defer s.Close()

	if err := s.Check(); err != nil {
		fmt.Printf("Store at %s is inconsistent:\n%v\n", dir, err)
		s.Close()
		os.Exit(2)
	}
	fmt.Printf("Store at %s is consistent\n", dir)
}

func runStats(dir string, cfg *config.Config, logger *slog.Logger) {
	s := openStore(dir, cfg, logger)
	defer s.Close()

	count, err := s.Count()
	if err != nil {
		log.Fatalf("Failed to count quads: %v", err)
	}
	fmt.Printf("Quads: %d\n", count)

	sizes := s.Sizes()
	tables := make([]string, 0, len(sizes))
	for tbl := range sizes {
		tables = append(tables, tbl)
	}
	sort.Strings(tables)
	fmt.Println("Indexes:")
	for _, name := range tables {
		line := fmt.Sprintf("  %-5s %d records", name, sizes[name])
		tbl, err := pstore.ParseTable(name)
		if err != nil {
			log.Fatalf("Unexpected index %s: %v", name, err)
		}
		if tree, ok := s.Index(tbl).(interface{ Stats() (bptree.Stats, error) }); ok {
			st, err := tree.Stats()
			if err != nil {
				log.Fatalf("Failed to read %s stats: %v", name, err)
			}
			line += fmt.Sprintf(", depth %d, %d node blocks, %d record blocks", st.Depth, st.NodeBlocks, st.RecordBlocks)
		}
		fmt.Println(line)
	}

	graphs, err := s.Graphs()
	if err != nil {
		log.Fatalf("Failed to list graphs: %v", err)
	}
	fmt.Printf("Named graphs: %d\n", len(graphs))
	for _, g := range graphs {
		fmt.Printf("  %s\n", g)
	}
}
