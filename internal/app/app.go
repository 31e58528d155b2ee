package app

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/docmill/docmill/internal/config"
	"github.com/docmill/docmill/internal/core"
	db "github.com/docmill/docmill/internal/core/database"
	"github.com/docmill/docmill/internal/core/embedding_engine"
	"github.com/docmill/docmill/internal/core/llm"
	objectclient "github.com/docmill/docmill/internal/core/object-client"
	"github.com/docmill/docmill/internal/core/parsing_engine"
	"github.com/docmill/docmill/internal/services"
)

type App struct {
	DBClient     core.DbClient
	ObjectClient core.ObjectClient
	Orchestrator *parsing_engine.Orchestrator
	Pipeline     *embedding_engine.EmbeddingPipeline
	Server       *Server
}

func NewApp(ctx context.Context, cfg *config.Config) (*App, error) {
	appCtx, cancel := context.WithTimeout(ctx, 5*time.Minute)
	defer cancel()

	dbClient, err := db.NewDatabaseClient(appCtx, cfg)
	if err != nil {
		return nil, err
	}
	log.Println("Database initialized and ready.")

	objClient, err := objectclient.NewS3Client(appCtx, cfg)
	if err != nil {
		return nil, err
	}
	log.Println("Object client initialized and ready.")

	embedder, err := llm.NewGeminiEmbedder(appCtx, cfg.AIAPIKey, cfg.EmbedModel)
	if err != nil {
		return nil, fmt.Errorf("couldn't initialize the embedder, %w", err)
	}

	llmProvider, err := llm.NewGeminiLLM(appCtx, cfg.AIAPIKey, cfg.GenModel)
	if err != nil {
		return nil, fmt.Errorf("couldn't initialize the llm provider, %w", err)
	}

	parsers := []core.DocumentParser{
		parsing_engine.NewLlamaParse(parsing_engine.LlamaParseConfig{
			APIKey:       cfg.LlamaAPIKey,
			BaseURL:      cfg.LlamaBaseURL,
			PollInterval: time.Duration(cfg.PollIntervalSec) * time.Second,
			MaxAttempts:  cfg.MaxPollAttempts,
		}),
		parsing_engine.NewMistralOCR(parsing_engine.MistralOCRConfig{
			APIKey:             cfg.MistralAPIKey,
			BaseURL:            cfg.MistralBaseURL,
			Model:              cfg.OCRModel,
			AnnotationMaxPages: cfg.AnnotationMaxPages,
		}),
	}

	orchestrator := parsing_engine.NewOrchestrator(dbClient, objClient, cfg.BucketName, parsers, int64(cfg.MaxParseWorkers), 15*time.Minute)

	pipeline := embedding_engine.NewEmbeddingPipeline(dbClient, embedder, &embedding_engine.EmbedConfig{
		BatchSize:     cfg.EmbedBatchSize,
		MaxChunkChars: cfg.MaxChunkChars,
	})

	docService := services.NewDocumentService(dbClient, objClient, cfg.BucketName)

	server := NewServer(cfg, dbClient, docService, orchestrator, pipeline, embedder, llmProvider)

	return &App{
		DBClient:     dbClient,
		ObjectClient: objClient,
		Orchestrator: orchestrator,
		Pipeline:     pipeline,
		Server:       server,
	}, nil
}

func (a *App) Close() {
	if a.DBClient != nil {
		_ = a.DBClient.Close()
	}
}
