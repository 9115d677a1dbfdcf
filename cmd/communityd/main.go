// Communityd is the AI indexing and retrieval daemon of the college
// community platform.
//
// It watches nothing by itself: content is indexed on request through the
// HTTP API, embedded via an OpenAI-compatible service, stored per college,
// and served back through semantic search and retrieval-augmented answers.
//
// Usage:
//
//	# Start with defaults
//	communityd
//
//	# Start with a config file; environment variables override it
//	communityd -config config.yaml
//	SERVER_PORT=9090 EMBEDDINGS_API_KEY=sk-... communityd
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/ayrusarun/college-community-api/internal/chat"
	"github.com/ayrusarun/college-community-api/internal/config"
	"github.com/ayrusarun/college-community-api/internal/contentstore"
	"github.com/ayrusarun/college-community-api/internal/conversation"
	"github.com/ayrusarun/college-community-api/internal/embeddings"
	"github.com/ayrusarun/college-community-api/internal/extraction"
	"github.com/ayrusarun/college-community-api/internal/httpapi"
	"github.com/ayrusarun/college-community-api/internal/indexer"
	"github.com/ayrusarun/college-community-api/internal/logging"
	"github.com/ayrusarun/college-community-api/internal/retrieval"
	"github.com/ayrusarun/college-community-api/internal/vectorstore"
)

// Version information (set via ldflags during build)
var (
	version   = "dev"
	gitCommit = "unknown"
	buildDate = "unknown"
)

func main() {
	configPath := flag.String("config", "", "path to the YAML config file")
	flag.Parse()

	if args := flag.Args(); len(args) > 0 {
		switch args[0] {
		case "version":
			printVersion()
			os.Exit(0)
		default:
			fmt.Fprintf(os.Stderr, "Unknown command: %s\n", args[0])
			fmt.Fprintf(os.Stderr, "\nUsage:\n")
			fmt.Fprintf(os.Stderr, "  communityd           Start the daemon\n")
			fmt.Fprintf(os.Stderr, "  communityd version   Show version information\n")
			os.Exit(1)
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		log.Printf("Received signal %v, shutting down gracefully...", sig)
		cancel()
	}()

	if err := run(ctx, *configPath); err != nil && err != http.ErrServerClosed {
		log.Fatalf("Server error: %v", err)
	}

	log.Println("Server shutdown complete")
}

func printVersion() {
	fmt.Printf("communityd\n")
	fmt.Printf("Version:    %s\n", version)
	fmt.Printf("Commit:     %s\n", gitCommit)
	fmt.Printf("Build Date: %s\n", buildDate)
}

// run initializes every component and blocks until the context is cancelled:
// config, logger, content database, vector store, embedding and chat clients,
// the indexing orchestrator, the retrieval service, and the HTTP server.
func run(ctx context.Context, configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading configuration: %w", err)
	}

	logger, err := logging.New(cfg.Logging.Level, cfg.Logging.Format)
	if err != nil {
		return fmt.Errorf("initializing logger: %w", err)
	}
	defer func() {
		_ = logger.Sync() // best-effort on shutdown
	}()

	logger.Info("starting communityd",
		zap.String("version", version),
		zap.Int("port", cfg.Server.Port),
		zap.String("database", cfg.Database.Path),
	)

	content, err := contentstore.Open(cfg.Database.Path)
	if err != nil {
		return fmt.Errorf("opening content store: %w", err)
	}
	defer content.Close()

	tasks, err := indexer.NewTaskStore(content.DB())
	if err != nil {
		return fmt.Errorf("initializing task store: %w", err)
	}
	conversations, err := conversation.NewStore(content.DB())
	if err != nil {
		return fmt.Errorf("initializing conversation store: %w", err)
	}

	vectors, err := vectorstore.New(vectorstore.Config{
		Path:          cfg.VectorStore.Path,
		MinSimilarity: cfg.VectorStore.MinSimilarity,
	}, logger)
	if err != nil {
		return fmt.Errorf("initializing vector store: %w", err)
	}

	embedder, err := embeddings.New(embeddings.Config{
		BaseURL:       cfg.Embeddings.BaseURL,
		Model:         cfg.Embeddings.Model,
		APIKey:        cfg.Embeddings.APIKey.Value(),
		Dimension:     cfg.Embeddings.Dimension,
		MaxInputChars: cfg.Embeddings.MaxInputChars,
		MaxRetries:    cfg.Embeddings.MaxRetries,
		Timeout:       time.Duration(cfg.Embeddings.Timeout),
	}, logger)
	if err != nil {
		return fmt.Errorf("initializing embedding client: %w", err)
	}

	chatClient, err := chat.New(chat.Config{
		BaseURL:     cfg.Chat.BaseURL,
		Model:       cfg.Chat.Model,
		APIKey:      cfg.Chat.APIKey.Value(),
		MaxTokens:   cfg.Chat.MaxTokens,
		Temperature: cfg.Chat.Temperature,
		Timeout:     time.Duration(cfg.Chat.Timeout),
	}, logger)
	if err != nil {
		return fmt.Errorf("initializing chat client: %w", err)
	}

	extractor := extraction.New(extraction.Config{
		TesseractBin:  cfg.OCR.TesseractBin,
		RasterizerBin: cfg.OCR.RasterizerBin,
		PDFTextBin:    cfg.OCR.PDFTextBin,
		DPI:           cfg.OCR.DPI,
	}, logger)

	orchestrator, err := indexer.New(indexer.Config{
		Workers:        cfg.Indexer.Workers,
		QueueSize:      cfg.Indexer.QueueSize,
		MaxAttempts:    cfg.Indexer.MaxAttempts,
		RetryDelay:     time.Duration(cfg.Indexer.RetryDelay),
		ExtractTimeout: time.Duration(cfg.OCR.Timeout),
	}, tasks, content, extractor, embedder, vectors, logger)
	if err != nil {
		return fmt.Errorf("initializing indexer: %w", err)
	}
	if err := orchestrator.Start(ctx); err != nil {
		return fmt.Errorf("starting indexer: %w", err)
	}
	defer orchestrator.Stop()

	retrievalSvc := retrieval.New(retrieval.Config{
		DefaultK:      cfg.Retrieval.DefaultK,
		ContextBudget: cfg.Retrieval.ContextBudget,
	}, embedder, vectors, chatClient, conversations, logger)

	server, err := httpapi.NewServer(httpapi.Config{
		Host: cfg.Server.Host,
		Port: cfg.Server.Port,
	}, orchestrator, retrievalSvc, vectors, conversations, logger)
	if err != nil {
		return fmt.Errorf("initializing http server: %w", err)
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.Start()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown failed", zap.Error(err))
	}
	return <-errCh
}
