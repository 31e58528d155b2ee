package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"mime"
	"net/http"
	"path/filepath"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/docmill/docmill/internal/core"
	"github.com/docmill/docmill/internal/core/parsing_engine"
	"github.com/docmill/docmill/internal/services"
)

type DocumentHandler struct {
	docs         *services.DocumentService
	orchestrator *parsing_engine.Orchestrator
}

func NewDocumentHandler(docs *services.DocumentService, orch *parsing_engine.Orchestrator) *DocumentHandler {
	return &DocumentHandler{docs: docs, orchestrator: orch}
}

type parseURLRequest struct {
	URL      string `json:"url"`
	Parser   string `json:"parser"`
	Title    string `json:"title"`
	Author   string `json:"author"`
	Category string `json:"category"`
	Annotate bool   `json:"annotate"`
}

// ParseDocument accepts a multipart file upload or a JSON url payload,
// stores the source, and submits it for background parsing. The response is
// the freshly created document record; parsing progress is polled separately.
func (h *DocumentHandler) ParseDocument(w http.ResponseWriter, r *http.Request) {
	userID, ok := r.Context().Value("user_id").(string)
	if !ok {
		http.Error(w, "user_id not found in context", http.StatusUnauthorized)
		return
	}

	var req parsing_engine.SubmitRequest
	req.UserID = userID
	var storedKey string

	if isJSONRequest(r) {
		var body parseURLRequest
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			http.Error(w, "invalid body", http.StatusBadRequest)
			return
		}
		if body.URL == "" {
			http.Error(w, "url is required", http.StatusBadRequest)
			return
		}
		req.FileName = filepath.Base(body.URL)
		req.StorageURL = body.URL
		req.SourceType = "url"
		req.Title, req.Author, req.Category = body.Title, body.Author, body.Category
		req.Parser = body.Parser
		req.Annotate = body.Annotate
		req.Source = core.Source{Kind: core.SourceURL, URL: body.URL, FileName: req.FileName}
	} else {
		if err := r.ParseMultipartForm(52 << 20); err != nil {
			http.Error(w, "invalid multipart form", http.StatusBadRequest)
			return
		}

		file, header, err := r.FormFile("file")
		if err != nil {
			http.Error(w, "invalid file", http.StatusBadRequest)
			return
		}
		defer file.Close()

		data, err := io.ReadAll(file)
		if err != nil {
			http.Error(w, "read file", http.StatusBadRequest)
			return
		}

		contentType := header.Header.Get("Content-Type")
		if contentType == "" {
			contentType = "application/octet-stream"
		}
		cleanFilename := filepath.Base(header.Filename)

		uploadCtx, cancel := context.WithTimeout(r.Context(), 5*time.Minute)
		defer cancel()

		url, key, err := h.docs.StoreSource(uploadCtx, userID, uuid.NewString(), cleanFilename, contentType, data)
		if err != nil {
			http.Error(w, fmt.Sprintf("upload failed: %v", err), http.StatusInternalServerError)
			return
		}
		storedKey = key

		req.FileName = cleanFilename
		req.ContentType = contentType
		req.StorageURL = url
		req.SourceType = "upload"
		req.Title = r.FormValue("title")
		req.Author = r.FormValue("author")
		req.Category = r.FormValue("category")
		req.Parser = r.FormValue("parser")
		req.Annotate = r.FormValue("annotate") == "true"
		// The orchestrator reads the stored object back; the upload bytes are
		// not carried through the submit request.
		req.Source = core.Source{
			Kind:        core.SourceFile,
			FileName:    cleanFilename,
			ContentType: contentType,
			ObjectKey:   key,
		}
	}

	doc, err := h.orchestrator.SubmitForParsing(r.Context(), req)
	if err != nil {
		if storedKey != "" {
			if derr := h.docs.DeleteSource(r.Context(), storedKey); derr != nil {
				log.Printf("documents: orphaned source %s cleanup failed: %v", storedKey, derr)
			}
		}
		if errors.Is(err, parsing_engine.ErrUnknownParser) {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		http.Error(w, fmt.Sprintf("submit failed: %v", err), http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	json.NewEncoder(w).Encode(doc)
}

// GetStatus is the polling endpoint: processing, completed (with result), or
// failed (with error).
func (h *DocumentHandler) GetStatus(w http.ResponseWriter, r *http.Request) {
	userID, ok := r.Context().Value("user_id").(string)
	if !ok {
		http.Error(w, "user_id not found in context", http.StatusUnauthorized)
		return
	}
	role, _ := r.Context().Value("role").(string)
	docID := chi.URLParam(r, "id")

	status, err := h.orchestrator.GetStatus(r.Context(), docID, userID, role)
	if err != nil {
		switch {
		case errors.Is(err, parsing_engine.ErrDocumentNotFound):
			http.Error(w, "document not found", http.StatusNotFound)
		case errors.Is(err, parsing_engine.ErrNotOwner):
			http.Error(w, "forbidden", http.StatusForbidden)
		default:
			http.Error(w, err.Error(), http.StatusInternalServerError)
		}
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(status)
}

func (h *DocumentHandler) GetDocuments(w http.ResponseWriter, r *http.Request) {
	userID, ok := r.Context().Value("user_id").(string)
	if !ok {
		http.Error(w, "user_id not found in context", http.StatusUnauthorized)
		return
	}

	documents, err := h.docs.ListByUser(r.Context(), userID)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(documents)
}

// isJSONRequest matches on the media type alone, so parameter spelling
// (charset, spacing) never routes a JSON body into the multipart branch.
func isJSONRequest(r *http.Request) bool {
	mt, _, err := mime.ParseMediaType(r.Header.Get("Content-Type"))
	return err == nil && mt == "application/json"
}
