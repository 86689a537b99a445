package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"opencampus.dev/assistant/internal/api"
	"opencampus.dev/assistant/internal/config"
	"opencampus.dev/assistant/internal/core"
	"opencampus.dev/assistant/internal/hub"
	"opencampus.dev/assistant/internal/ingest"
	"opencampus.dev/assistant/internal/store"
)

func main() {
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})

	// Load configuration
	config.LoadConfig()

	if level, err := zerolog.ParseLevel(config.AppConfig.LogLevel); err == nil {
		zerolog.SetGlobalLevel(level)
	}

	// Command line flag for running data ingestion without a client
	ingestFlag := flag.Bool("ingest", false, "Run document ingestion and exit")
	flag.Parse()

	// Initialize database store
	dbStore, err := store.NewSQLiteStore(config.AppConfig.DatabaseURL)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialize database")
	}
	defer dbStore.Close()

	// Initialize LLM service
	llmService := core.NewLLMService()
	defer llmService.Close()

	ingester := ingest.NewIngester(llmService, dbStore, config.AppConfig.DocumentsDir)

	// Handle data ingestion if flag is set
	if *ingestFlag {
		log.Info().Str("dir", config.AppConfig.DocumentsDir).Msg("starting document ingestion")
		result, err := ingester.RunIngestion(context.Background(), func(p ingest.Progress) {
			log.Info().
				Int("processed", p.Processed).
				Int("failed", p.Failed).
				Int("skipped", p.Skipped).
				Msg(p.Description)
		})
		if err != nil {
			log.Fatal().Err(err).Msg("document ingestion failed")
		}
		log.Info().Msg(result.Summary())
		return
	}

	// Initialize retrieval
	ragService, err := core.NewRAGService(dbStore, llmService)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialize retrieval")
	}

	// Initialize chat orchestration and the connection hub
	chatService := core.NewChatService(dbStore, ragService, llmService, config.AppConfig.StreamBufferSize)
	identityService := core.NewIdentityService(dbStore)
	chatHub := hub.NewHub(chatService, identityService, reloadingIngester{ingester, ragService})

	// Initialize API handler and router
	apiHandler := api.NewAPIHandler(dbStore, chatHub)
	router := api.NewRouter(apiHandler)

	serverAddr := fmt.Sprintf(":%s", config.AppConfig.HTTPPort)

	srv := &http.Server{
		Addr:        serverAddr,
		Handler:     router,
		ReadTimeout: 15 * time.Second,
		// No WriteTimeout: websocket streams outlive any fixed deadline.
		IdleTimeout: 120 * time.Second,
	}

	// Graceful shutdown handling
	go func() {
		log.Info().Str("addr", serverAddr).Msg("starting server, press Ctrl+C to quit")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Str("addr", serverAddr).Msg("server failed")
		}
	}()

	// Wait for interrupt signal to gracefully shutdown the server
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Info().Msg("shutting down server")

	// Give active connections time to finish.
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		log.Fatal().Err(err).Msg("server forced to shutdown")
	}

	log.Info().Msg("server exiting gracefully")
}

// reloadingIngester refreshes the retrieval snapshot after a successful
// hub-triggered ingestion so new documents are immediately searchable.
type reloadingIngester struct {
	*ingest.Ingester
	rag *core.RAGService
}

func (r reloadingIngester) RunIngestion(ctx context.Context, onProgress func(ingest.Progress)) (ingest.Result, error) {
	result, err := r.Ingester.RunIngestion(ctx, onProgress)
	if err == nil {
		if reloadErr := r.rag.Reload(); reloadErr != nil {
			log.Warn().Err(reloadErr).Msg("failed to reload retrieval snapshot after ingestion")
		}
	}
	return result, err
}
