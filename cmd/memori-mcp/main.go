// Command memori-mcp is an MCP server that gives an agent persistent,
// searchable memory backed by SQLite with hybrid FTS5 + vector search.
//
// Usage:
//
//	memori-mcp [flags]
//
// Flags:
//
//	--db      Path to SQLite database (default: ~/.local/share/memori/memory.db)
//	--ollama  Ollama base URL (default: http://localhost:11434)
//	--model   Embedding model name (default: embeddinggemma)
//
// The server communicates over stdio using newline-delimited JSON-RPC
// (the MCP stdio transport). Register it with an MCP-capable client via:
//
//	claude mcp add memori -s user -- /path/to/memori-mcp [flags]
package main

import (
	"context"
	"database/sql"
	"flag"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	_ "modernc.org/sqlite"

	"github.com/memori-dev/memori"
	"github.com/memori-dev/memori/internal/config"
	"github.com/memori-dev/memori/internal/logging"
	"github.com/memori-dev/memori/mcpserver"
)

func main() {
	defaults := config.Default()

	dbPath := flag.String("db", defaults.DBPath, "path to SQLite database")
	ollamaURL := flag.String("ollama", defaults.OllamaURL, "Ollama base URL")
	model := flag.String("model", defaults.Model, "embedding model name")
	logLevel := flag.String("log-level", defaults.LogLevel, "log level: debug, info, warn, error")
	flag.Parse()

	cfg := config.ApplyEnv(defaults)
	set := map[string]bool{}
	flag.Visit(func(f *flag.Flag) { set[f.Name] = true })
	if set["db"] {
		cfg.DBPath = *dbPath
	}
	if set["ollama"] {
		cfg.OllamaURL = *ollamaURL
	}
	if set["model"] {
		cfg.Model = *model
	}
	if set["log-level"] {
		cfg.LogLevel = *logLevel
	}

	logger := logging.SetupDefault(cfg.LogLevel)

	if err := os.MkdirAll(filepath.Dir(cfg.DBPath), 0700); err != nil {
		logger.Error("creating db directory", "error", err)
		os.Exit(1)
	}

	db, err := sql.Open("sqlite", cfg.DBPath+"?_pragma=journal_mode(wal)&_pragma=busy_timeout(5000)")
	if err != nil {
		logger.Error("opening database", "error", err)
		os.Exit(1)
	}
	defer db.Close()

	// Single connection for WAL-mode correctness with the store's internal mutex.
	db.SetMaxOpenConns(1)

	embedder := memori.NewOllamaEmbedder(cfg.OllamaURL, cfg.Model)

	store, err := memori.NewSQLiteStore(db, embedder)
	if err != nil {
		logger.Error("initializing store", "error", err)
		os.Exit(1)
	}
	defer store.Close()

	memorySrv := mcpserver.NewMemoryServer(store, db)

	server := mcp.NewServer(&mcp.Implementation{
		Name:    "memori",
		Version: "0.1.0",
	}, nil)

	memorySrv.Register(server)

	logger.Info("memori-mcp starting", slog.String("db", cfg.DBPath), slog.String("model", cfg.Model))

	if err := server.Run(context.Background(), &mcp.StdioTransport{}); err != nil {
		logger.Error("server error", "error", err)
		os.Exit(1)
	}
}
