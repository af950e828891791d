// Command memori provides CLI access to a memori database: NDJSON
// export/import, embedding backfill, bulk purge, and vacuum.
//
// Usage:
//
//	memori export --db path/to/db.sqlite [--output=path]
//	memori import --db path/to/db.sqlite [--new-ids] file.ndjson
//	memori backfill --db path/to/db.sqlite [--batch-size=50] [--ollama=url] [--model=name]
//	memori purge --db path/to/db.sqlite [--before=RFC3339] [--type=name] [--commit]
//	memori vacuum --db path/to/db.sqlite
package main

import (
	"context"
	"database/sql"
	"flag"
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"github.com/mattn/go-isatty"
	"github.com/ncruces/go-strftime"
	_ "modernc.org/sqlite"

	"github.com/memori-dev/memori"
	"github.com/memori-dev/memori/internal/config"
	"github.com/memori-dev/memori/internal/purge"
)

func main() {
	log.SetFlags(0)

	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "export":
		runExport(os.Args[2:])
	case "import":
		runImport(os.Args[2:])
	case "backfill":
		runBackfill(os.Args[2:])
	case "purge":
		runPurge(os.Args[2:])
	case "vacuum":
		runVacuum(os.Args[2:])
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %q\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Fprintln(os.Stderr, `Usage: memori <command> [flags]

Commands:
  export    Export all memories as newline-delimited JSON
  import    Import memories from a newline-delimited JSON export
  backfill  Compute embeddings for memories that don't have one
  purge     Bulk-delete memories by age and/or type
  vacuum    Reclaim disk space after deletes`)
}

func openDB(path string) (*sql.DB, error) {
	if path == "" {
		return nil, fmt.Errorf("--db is required")
	}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil, fmt.Errorf("database not found: %s", path)
	}
	return sql.Open("sqlite", path)
}

// summaryf prints an operation summary to stderr, prefixed with "done: "
// when stderr is a terminal — piped/redirected output stays plain and
// machine-parseable.
func summaryf(format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	if isatty.IsTerminal(os.Stderr.Fd()) {
		msg = "done: " + msg
	}
	fmt.Fprintln(os.Stderr, msg)
}

func runExport(args []string) {
	fs := flag.NewFlagSet("export", flag.ExitOnError)
	dbPath := fs.String("db", "", "path to memori database (required)")
	output := fs.String("output", "", "write to file instead of stdout")
	fs.Parse(args)

	db, err := openDB(*dbPath)
	if err != nil {
		log.Fatal(err)
	}
	defer db.Close()

	var w *os.File
	if *output != "" {
		f, err := os.Create(*output)
		if err != nil {
			log.Fatalf("create: %v", err)
		}
		defer f.Close()
		w = f
	} else {
		w = os.Stdout
	}

	if err := memori.Export(context.Background(), db, w); err != nil {
		log.Fatalf("export: %v", err)
	}
	if *output != "" {
		summaryf("Exported to %s", *output)
	}
}

func runImport(args []string) {
	fs := flag.NewFlagSet("import", flag.ExitOnError)
	dbPath := fs.String("db", "", "path to memori database (required)")
	newIDs := fs.Bool("new-ids", false, "generate fresh ids instead of preserving imported ones")
	fs.Parse(args)

	if fs.NArg() == 0 {
		fmt.Fprintln(os.Stderr, "Usage: memori import --db path/to/db.sqlite [--new-ids] file.ndjson")
		os.Exit(1)
	}

	f, err := os.Open(fs.Arg(0))
	if err != nil {
		log.Fatalf("open: %v", err)
	}
	defer f.Close()

	db, err := openDB(*dbPath)
	if err != nil {
		log.Fatal(err)
	}
	defer db.Close()

	result, err := memori.Import(context.Background(), db, f, memori.ImportOpts{
		NewIDs: *newIDs,
	})
	if err != nil {
		log.Fatalf("import: %v", err)
	}

	summaryf("Imported %d memories, %d errors.", result.Imported, len(result.Errors))
	for _, e := range result.Errors {
		fmt.Fprintf(os.Stderr, "  %v\n", e)
	}
}

func runBackfill(args []string) {
	fs := flag.NewFlagSet("backfill", flag.ExitOnError)
	defaults := config.Default()
	dbPath := fs.String("db", "", "path to memori database (required)")
	batchSize := fs.Int("batch-size", 50, "number of memories to embed per batch")
	ollamaURL := fs.String("ollama", defaults.OllamaURL, "Ollama base URL")
	model := fs.String("model", defaults.Model, "embedding model name")
	fs.Parse(args)

	db, err := openDB(*dbPath)
	if err != nil {
		log.Fatal(err)
	}
	defer db.Close()

	embedder := memori.NewOllamaEmbedder(*ollamaURL, *model)
	store, err := memori.NewSQLiteStore(db, embedder)
	if err != nil {
		log.Fatalf("initializing store: %v", err)
	}
	defer store.Close()

	n, err := store.BackfillEmbeddings(context.Background(), *batchSize)
	if err != nil {
		log.Fatalf("backfill: %v", err)
	}
	summaryf("Embedded %d memories.", n)
}

func runPurge(args []string) {
	fs := flag.NewFlagSet("purge", flag.ExitOnError)
	dbPath := fs.String("db", "", "path to memori database (required)")
	before := fs.String("before", "", "RFC3339 timestamp; matches memories created before this time")
	typ := fs.String("type", "", "matches memories with this metadata.type")
	commit := fs.Bool("commit", false, "actually delete instead of previewing")
	fs.Parse(args)

	db, err := openDB(*dbPath)
	if err != nil {
		log.Fatal(err)
	}
	defer db.Close()

	pred := purge.Predicate{Type: strings.TrimSpace(*typ)}
	thresholdDesc := ""
	if *before != "" {
		ts, err := time.Parse(time.RFC3339, *before)
		if err != nil {
			log.Fatalf("--before must be RFC3339: %v", err)
		}
		pred.Before = &ts
		thresholdDesc = fmt.Sprintf(" before %s", strftime.Format("%Y-%m-%d %H:%M:%S UTC", ts.UTC()))
	}

	ctx := context.Background()
	if !*commit {
		ids, err := purge.Preview(ctx, db, pred)
		if err != nil {
			log.Fatalf("purge preview: %v", err)
		}
		summaryf("Would delete %d memories%s.", len(ids), thresholdDesc)
		for _, id := range ids {
			fmt.Println(id)
		}
		return
	}

	n, err := purge.Commit(ctx, db, pred)
	if err != nil {
		log.Fatalf("purge commit: %v", err)
	}
	summaryf("Deleted %d memories%s.", n, thresholdDesc)
}

func runVacuum(args []string) {
	fs := flag.NewFlagSet("vacuum", flag.ExitOnError)
	dbPath := fs.String("db", "", "path to memori database (required)")
	fs.Parse(args)

	db, err := openDB(*dbPath)
	if err != nil {
		log.Fatal(err)
	}
	defer db.Close()

	store, err := memori.NewSQLiteStore(db, nil)
	if err != nil {
		log.Fatalf("initializing store: %v", err)
	}
	defer store.Close()

	if err := store.Vacuum(context.Background()); err != nil {
		log.Fatalf("vacuum: %v", err)
	}
	summaryf("Vacuum complete.")
}
