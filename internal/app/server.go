package app

import (
	"context"
	"log"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/docmill/docmill/internal/api/handlers"
	appMiddleware "github.com/docmill/docmill/internal/api/middlewares"
	"github.com/docmill/docmill/internal/config"
	"github.com/docmill/docmill/internal/core"
	"github.com/docmill/docmill/internal/core/embedding_engine"
	"github.com/docmill/docmill/internal/core/parsing_engine"
	"github.com/docmill/docmill/internal/services"
)

// Server wraps the HTTP server instance and its handlers.
type Server struct {
	httpServer *http.Server
}

// NewServer builds and wires all routes.
func NewServer(
	cfg *config.Config,
	db core.DbClient,
	docs *services.DocumentService,
	orch *parsing_engine.Orchestrator,
	pipeline *embedding_engine.EmbeddingPipeline,
	emb core.EmbeddingProvider,
	llm core.LLMProvider,
) *Server {
	authHandler := handlers.NewAuthHandler(db)
	docHandler := handlers.NewDocumentHandler(docs, orch)
	embHandler := handlers.NewEmbeddingHandler(db, pipeline)
	searchHandler := handlers.NewSearchHandler(db, emb, llm)

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"http://localhost:5173", "http://localhost:8888"},
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: true,
	}))

	r.Route("/api", func(api chi.Router) {
		// public endpoints
		api.Post("/signup", authHandler.Signup)
		api.Post("/login", authHandler.Login)

		// protected endpoints
		api.Group(func(protected chi.Router) {
			protected.Use(appMiddleware.JWTMiddleware)

			protected.Post("/documents/parse", docHandler.ParseDocument)
			protected.Get("/documents", docHandler.GetDocuments)
			protected.Get("/documents/{id}/status", docHandler.GetStatus)

			protected.Post("/documents/{id}/embedding/start", embHandler.StartEmbedding)
			protected.Post("/documents/{id}/embedding/stop", embHandler.StopEmbedding)

			protected.Post("/search", searchHandler.SearchPages)
			protected.Post("/search/ask", searchHandler.AskDocument)
		})
	})

	httpSrv := &http.Server{
		Addr:    ":" + cfg.Port,
		Handler: r,
	}

	return &Server{httpServer: httpSrv}
}

// Start runs the HTTP server.
func (s *Server) Start() {
	log.Printf("HTTP server listening on %s", s.httpServer.Addr)
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Fatalf("server error: %v", err)
	}
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	log.Println("Shutting down HTTP server...")
	return s.httpServer.Shutdown(ctx)
}
