package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/docmill/docmill/internal/core"
	"github.com/docmill/docmill/internal/core/embedding_engine"
	"github.com/docmill/docmill/internal/models"
)

type EmbeddingHandler struct {
	dbclient core.DbClient
	pipeline *embedding_engine.EmbeddingPipeline
}

func NewEmbeddingHandler(dbclient core.DbClient, pipeline *embedding_engine.EmbeddingPipeline) *EmbeddingHandler {
	return &EmbeddingHandler{dbclient: dbclient, pipeline: pipeline}
}

// StartEmbedding kicks off the background embedding run for a parsed document.
func (h *EmbeddingHandler) StartEmbedding(w http.ResponseWriter, r *http.Request) {
	userID, ok := r.Context().Value("user_id").(string)
	if !ok {
		http.Error(w, "user_id not found in context", http.StatusUnauthorized)
		return
	}
	docID := chi.URLParam(r, "id")

	doc, err := h.dbclient.GetDocumentByID(r.Context(), docID)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if doc == nil {
		http.Error(w, "document not found", http.StatusNotFound)
		return
	}
	if doc.UserID != userID {
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}
	if doc.ParsingStatus != models.ParsingCompleted {
		http.Error(w, "document is not parsed yet", http.StatusConflict)
		return
	}

	outcome, err := h.pipeline.StartEmbedding(r.Context(), docID)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	status := http.StatusAccepted
	switch outcome {
	case embedding_engine.AlreadyRunning, embedding_engine.AlreadyCompleted:
		status = http.StatusConflict
	case embedding_engine.NotFound:
		status = http.StatusNotFound
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"outcome": string(outcome)})
}

// StopEmbedding cancels further batches for a running embedding and resets
// the document so a future start is accepted.
func (h *EmbeddingHandler) StopEmbedding(w http.ResponseWriter, r *http.Request) {
	userID, ok := r.Context().Value("user_id").(string)
	if !ok {
		http.Error(w, "user_id not found in context", http.StatusUnauthorized)
		return
	}
	docID := chi.URLParam(r, "id")

	doc, err := h.dbclient.GetDocumentByID(r.Context(), docID)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if doc == nil {
		http.Error(w, "document not found", http.StatusNotFound)
		return
	}
	if doc.UserID != userID {
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}

	wasRunning := h.pipeline.StopEmbedding(docID)

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]bool{"was_running": wasRunning})
}
