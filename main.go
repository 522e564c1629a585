package main

import (
	"flag"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/sanadflow/collab/internal/persist"
	"github.com/sanadflow/collab/internal/relay"
)

func main() {
	addr := flag.String("addr", ":8080", "listen address")
	dbPath := flag.String("db", "", "sqlite database path (in-memory storage when empty)")
	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))

	// Pick the snapshot store
	var store persist.Store

	if *dbPath != "" {
		sqliteStore, err := persist.OpenSQLiteStore(*dbPath)
		if err != nil {
			logger.Error("failed to open database", "path", *dbPath, "error", err)
			os.Exit(1)
		}

		defer sqliteStore.Close()

		store = sqliteStore
	} else {
		store = persist.NewMemoryStore()
	}

	// Initialize the relay
	server := relay.NewServer(relay.ServerConfig{
		Store:  store,
		Hub:    relay.NewHub(),
		Logger: logger,
	})

	// Configure HTTP server with timeouts
	httpServer := &http.Server{
		Addr:              *addr,
		Handler:           server.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	logger.Info("starting relay", "addr", *addr)

	if err := httpServer.ListenAndServe(); err != nil {
		logger.Error("server error", "error", err)
		os.Exit(1)
	}
}
