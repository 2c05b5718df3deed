// Command server is the research engine's service entrypoint (spec §6):
// it wires storage, the session manager, the research graph, the search
// service and both transports (HTTP, WebSocket) together behind a single
// http.Server, and shuts down gracefully on SIGINT/SIGTERM.
//
// Grounded on basegraphhq-basegraph's relay/cmd/server/main.go: config
// load -> datastore connect -> service construction -> router build ->
// http.Server with timeouts, run in a goroutine, then signal.Notify and a
// context.WithTimeout shutdown.
package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"deepresearch/internal/adapters/scrape"
	"deepresearch/internal/adapters/search"
	"deepresearch/internal/agents"
	"deepresearch/internal/checkpoint"
	"deepresearch/internal/config"
	"deepresearch/internal/filestore"
	"deepresearch/internal/graph"
	"deepresearch/internal/httpapi"
	"deepresearch/internal/llm"
	"deepresearch/internal/pdfexport"
	"deepresearch/internal/ports"
	"deepresearch/internal/queue"
	"deepresearch/internal/searchservice"
	"deepresearch/internal/session"
	"deepresearch/internal/storage"
	"deepresearch/internal/streaming"
	"deepresearch/internal/wsapi"
)

func main() {
	ctx := context.Background()
	cfg := config.Load()

	if cfg.IsProduction {
		slog.SetLogLoggerLevel(slog.LevelInfo)
	} else {
		slog.SetLogLoggerLevel(slog.LevelDebug)
	}

	if cfg.OpenAIAPIKey == "" {
		slog.ErrorContext(ctx, "OPENAI_API_KEY not set")
		os.Exit(1)
	}

	db, err := storage.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		slog.ErrorContext(ctx, "failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer db.Close()
	slog.InfoContext(ctx, "database connected")

	cpStore, err := checkpoint.New(cfg.EventStoreDir)
	if err != nil {
		slog.ErrorContext(ctx, "failed to open checkpoint store", "error", err)
		os.Exit(1)
	}

	store, err := filestore.New(cfg.VaultPath)
	if err != nil {
		slog.ErrorContext(ctx, "failed to open agent file store", "error", err)
		os.Exit(1)
	}

	client := llm.NewClient(cfg)
	client.SetModel(cfg.Model)

	searchProvider := search.NewFallback(
		newSearxNGIfConfigured(cfg),
		newBraveIfConfigured(cfg),
	)
	scraper := scrape.NewHTTPScraper(cfg.ScraperTimeout)

	sessions := session.NewManager(db, cfg.SessionExpiryHours)
	bus := streaming.NewBus()
	gen := streaming.NewGenerator(bus, db)

	searchSvc := searchservice.NewService(client, searchProvider, scraper, cfg)

	reviewQueue := queue.New()
	researcher := agents.NewResearcher(client, searchProvider, scraper, store, reviewQueue, bus, cfg)
	supervisor := agents.NewSupervisor(client, store, bus)

	g := graph.New(
		client,
		researcher,
		supervisor,
		reviewQueue,
		store,
		bus,
		gen,
		cpStore,
		sessions,
		nil, // memory: no vector index wired yet (search_memory degrades to a no-op)
		searchSvc,
		cfg,
	)

	exporter := pdfexport.NewExporter(cfg.FontDir, cfg.FontFile)

	httpServer := httpapi.NewServer(g, sessions, bus, gen, exporter, cfg, cfg.IsProduction)
	wsHub := wsapi.NewHub(g, sessions, bus, gen, cfg)

	engine := httpServer.Engine()
	engine.GET("/ws/chat", wsHub.HandleWS)

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           engine,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       cfg.RequestTimeout,
		WriteTimeout:      cfg.WorkerTimeout,
		IdleTimeout:       120 * time.Second,
	}

	go func() {
		slog.InfoContext(ctx, "http server starting", "port", cfg.Port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.ErrorContext(ctx, "http server error", "error", err)
			os.Exit(1)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	slog.InfoContext(ctx, "shutting down...")
	shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.ErrorContext(shutdownCtx, "http server shutdown error", "error", err)
	}
	slog.InfoContext(shutdownCtx, "shutdown complete")
}

// newSearxNGIfConfigured returns a nil ports.SearchProvider interface value
// (not a typed nil *search.SearxNG) when unconfigured, so NewFallback's
// nil-skip check works correctly.
func newSearxNGIfConfigured(cfg *config.Config) ports.SearchProvider {
	if cfg.SearxngURL == "" {
		return nil
	}
	return search.NewSearxNG(cfg.SearxngURL)
}

func newBraveIfConfigured(cfg *config.Config) ports.SearchProvider {
	if cfg.BraveAPIKey == "" {
		return nil
	}
	return search.NewBrave(cfg.BraveAPIKey)
}
