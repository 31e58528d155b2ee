package parsing_engine

import (
	"context"
	"encoding/base64"
	"fmt"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/docmill/docmill/internal/core"
)

// MistralOCR is the direct-call parser variant: submit, monitor and fetch
// collapse into one synchronous request against the OCR endpoint.
type MistralOCR struct {
	http            *resty.Client
	model           string
	annotationLimit int
}

type MistralOCRConfig struct {
	APIKey  string
	BaseURL string
	Model   string

	// AnnotationMaxPages is the backend's page ceiling for the document
	// annotation feature. Requests above it are rejected wholesale, so the
	// orchestrator disables annotation instead of submitting them.
	AnnotationMaxPages int
}

func NewMistralOCR(cfg MistralOCRConfig) *MistralOCR {
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://api.mistral.ai"
	}
	if cfg.Model == "" {
		cfg.Model = "mistral-ocr-latest"
	}
	if cfg.AnnotationMaxPages <= 0 {
		cfg.AnnotationMaxPages = 8
	}

	client := resty.New().
		SetBaseURL(cfg.BaseURL).
		SetAuthToken(cfg.APIKey).
		SetTimeout(5 * time.Minute)

	return &MistralOCR{
		http:            client,
		model:           cfg.Model,
		annotationLimit: cfg.AnnotationMaxPages,
	}
}

func (p *MistralOCR) Name() string { return "mistral" }

func (p *MistralOCR) AnnotationPageLimit() int { return p.annotationLimit }

type ocrDocument struct {
	Type        string `json:"type"`
	DocumentURL string `json:"document_url"`
}

type ocrRequest struct {
	Model              string                 `json:"model"`
	Document           ocrDocument            `json:"document"`
	IncludeImageBase64 bool                   `json:"include_image_base64"`
	AnnotationFormat   map[string]interface{} `json:"document_annotation_format,omitempty"`
}

type ocrPage struct {
	Index    int    `json:"index"`
	Markdown string `json:"markdown"`
	Images   []struct {
		ID          string `json:"id"`
		ImageBase64 string `json:"image_base64"`
	} `json:"images"`
}

type ocrResponse struct {
	Pages     []ocrPage `json:"pages"`
	Model     string    `json:"model"`
	UsageInfo struct {
		PagesProcessed int `json:"pages_processed"`
		DocSizeBytes   int `json:"doc_size_bytes"`
	} `json:"usage_info"`
	DocumentAnnotation string `json:"document_annotation"`
}

func (p *MistralOCR) Parse(ctx context.Context, src core.Source, opts core.ParseOptions) (*core.ParseResult, error) {
	doc, err := buildOCRDocument(src)
	if err != nil {
		return nil, err
	}

	body := ocrRequest{
		Model:    p.model,
		Document: doc,
	}
	if opts.Annotate {
		body.AnnotationFormat = annotationSchema()
	}

	var out ocrResponse
	resp, err := p.http.R().
		SetContext(ctx).
		SetBody(&body).
		SetResult(&out).
		Post("/v1/ocr")
	if err != nil {
		return nil, fmt.Errorf("mistral ocr: %w", err)
	}
	if resp.IsError() {
		return nil, &core.BackendError{
			Backend: p.Name(),
			Status:  resp.Status(),
			Message: truncateBody(resp.String()),
		}
	}

	// Blank-page suppression: no text and no embedded images means the page
	// carries nothing worth normalizing.
	pages := make([]core.RawPage, 0, len(out.Pages))
	for _, op := range out.Pages {
		if op.Markdown == "" && len(op.Images) == 0 {
			continue
		}
		rp := core.RawPage{
			Page:     op.Index + 1, // backend index is 0-based
			Text:     op.Markdown,
			Markdown: op.Markdown,
		}
		for _, img := range op.Images {
			rp.Images = append(rp.Images, img.ID)
		}
		pages = append(pages, rp)
	}

	return &core.ParseResult{
		Pages: pages,
		Model: out.Model,
		Usage: core.ParseUsageInfo{
			PagesProcessed: out.UsageInfo.PagesProcessed,
			DocSizeBytes:   out.UsageInfo.DocSizeBytes,
		},
		Annotation: out.DocumentAnnotation,
	}, nil
}

func buildOCRDocument(src core.Source) (ocrDocument, error) {
	switch src.Kind {
	case core.SourceURL:
		return ocrDocument{Type: "document_url", DocumentURL: src.URL}, nil
	case core.SourceFile:
		ct := src.ContentType
		if ct == "" {
			ct = "application/pdf"
		}
		dataURL := fmt.Sprintf("data:%s;base64,%s", ct, base64.StdEncoding.EncodeToString(src.Data))
		return ocrDocument{Type: "document_url", DocumentURL: dataURL}, nil
	default:
		return ocrDocument{}, fmt.Errorf("unsupported source kind: %q", src.Kind)
	}
}

// annotationSchema asks the backend for a structured document-level
// annotation: title, authors, a short summary and a category guess.
func annotationSchema() map[string]interface{} {
	return map[string]interface{}{
		"type": "json_schema",
		"json_schema": map[string]interface{}{
			"name": "document_annotation",
			"schema": map[string]interface{}{
				"type": "object",
				"properties": map[string]interface{}{
					"title":    map[string]interface{}{"type": "string"},
					"authors":  map[string]interface{}{"type": "array", "items": map[string]interface{}{"type": "string"}},
					"summary":  map[string]interface{}{"type": "string"},
					"category": map[string]interface{}{"type": "string"},
				},
			},
		},
	}
}

var _ core.DocumentParser = (*MistralOCR)(nil)
