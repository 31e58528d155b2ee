package parsing_engine

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/avast/retry-go/v4"
	"github.com/go-resty/resty/v2"

	"github.com/docmill/docmill/internal/core"
)

// LlamaParse is the job-based parser variant: upload, then poll the job until
// it reaches a terminal status, then fetch the result.
type LlamaParse struct {
	http         *resty.Client
	pollInterval time.Duration
	maxAttempts  int
}

type LlamaParseConfig struct {
	APIKey       string
	BaseURL      string
	PollInterval time.Duration
	MaxAttempts  int
}

func NewLlamaParse(cfg LlamaParseConfig) *LlamaParse {
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://api.cloud.llamaindex.ai/api/v1/parsing"
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 2 * time.Second
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 300 // ~10 minutes at the default interval
	}

	client := resty.New().
		SetBaseURL(cfg.BaseURL).
		SetAuthToken(cfg.APIKey).
		SetTimeout(60 * time.Second)

	return &LlamaParse{
		http:         client,
		pollInterval: cfg.PollInterval,
		maxAttempts:  cfg.MaxAttempts,
	}
}

func (p *LlamaParse) Name() string { return "llamaparse" }

// AnnotationPageLimit is 0: this backend has no annotation feature.
func (p *LlamaParse) AnnotationPageLimit() int { return 0 }

func (p *LlamaParse) Parse(ctx context.Context, src core.Source, opts core.ParseOptions) (*core.ParseResult, error) {
	jobID, err := p.submit(ctx, src)
	if err != nil {
		return nil, fmt.Errorf("llamaparse submit: %w", err)
	}
	if err := p.monitor(ctx, jobID); err != nil {
		return nil, err
	}
	result, err := p.fetchResult(ctx, jobID)
	if err != nil {
		return nil, err
	}
	result.JobID = jobID
	return result, nil
}

type llamaJobResponse struct {
	ID     string `json:"id"`
	Status string `json:"status"`
	Error  string `json:"error_message"`
}

// submit uploads a file or registers a URL reference and returns the job handle.
func (p *LlamaParse) submit(ctx context.Context, src core.Source) (string, error) {
	req := p.http.R().SetContext(ctx)

	switch src.Kind {
	case core.SourceFile:
		req.SetFileReader("file", src.FileName, bytes.NewReader(src.Data))
	case core.SourceURL:
		req.SetFormData(map[string]string{"input_url": src.URL})
	default:
		return "", fmt.Errorf("unsupported source kind: %q", src.Kind)
	}

	var out llamaJobResponse
	resp, err := req.SetResult(&out).Post("/upload")
	if err != nil {
		return "", err
	}
	if resp.IsError() {
		return "", &core.BackendError{
			Backend: p.Name(),
			Status:  resp.Status(),
			Message: truncateBody(resp.String()),
		}
	}
	if out.ID == "" {
		return "", fmt.Errorf("upload response carried no job id")
	}
	return out.ID, nil
}

var errJobPending = errors.New("job still pending")

// monitor polls the job on a fixed interval up to the attempt bound.
// Exhausting the bound is a timeout, deliberately distinct from a
// backend-reported failure.
func (p *LlamaParse) monitor(ctx context.Context, jobID string) error {
	poll := func() error {
		var out llamaJobResponse
		resp, err := p.http.R().
			SetContext(ctx).
			SetResult(&out).
			Get("/job/" + jobID)
		if err != nil {
			return err
		}
		if resp.IsError() {
			return retry.Unrecoverable(&core.BackendError{
				Backend: p.Name(),
				Status:  resp.Status(),
				Message: truncateBody(resp.String()),
			})
		}

		switch strings.ToUpper(out.Status) {
		case "SUCCESS":
			return nil
		case "ERROR", "FAILED", "CANCELED":
			return retry.Unrecoverable(&core.BackendError{
				Backend: p.Name(),
				Status:  out.Status,
				Message: out.Error,
			})
		default:
			return errJobPending
		}
	}

	err := retry.Do(poll,
		retry.Context(ctx),
		retry.Attempts(uint(p.maxAttempts)),
		retry.Delay(p.pollInterval),
		retry.DelayType(retry.FixedDelay),
		retry.LastErrorOnly(true),
	)
	if err != nil {
		if errors.Is(err, errJobPending) {
			return fmt.Errorf("%w: job %s not terminal after %d attempts", core.ErrPollTimeout, jobID, p.maxAttempts)
		}
		return err
	}
	return nil
}

type llamaJSONResult struct {
	Pages []struct {
		Page   int    `json:"page"`
		Text   string `json:"text"`
		Md     string `json:"md"`
		Images []struct {
			Name string `json:"name"`
		} `json:"images"`
		Items []struct {
			Type string `json:"type"`
			Md   string `json:"md"`
		} `json:"items"`
	} `json:"pages"`
	JobMetadata struct {
		JobPages int `json:"job_pages"`
	} `json:"job_metadata"`
}

type llamaMarkdownResult struct {
	Markdown string `json:"markdown"`
}

// fetchResult prefers the structured page-array format and falls back to the
// flat markdown format when the structured result is absent or malformed. The
// fallback degrades granularity (all text becomes one page), never errors.
func (p *LlamaParse) fetchResult(ctx context.Context, jobID string) (*core.ParseResult, error) {
	var structured llamaJSONResult
	resp, err := p.http.R().
		SetContext(ctx).
		SetResult(&structured).
		Get("/job/" + jobID + "/result/json")

	if err == nil && !resp.IsError() && len(structured.Pages) > 0 {
		pages := make([]core.RawPage, 0, len(structured.Pages))
		for _, sp := range structured.Pages {
			rp := core.RawPage{
				Page:     sp.Page,
				Text:     sp.Text,
				Markdown: sp.Md,
			}
			for _, img := range sp.Images {
				rp.Images = append(rp.Images, img.Name)
			}
			for _, item := range sp.Items {
				if item.Type == "table" {
					rp.Tables = append(rp.Tables, item.Md)
				}
			}
			pages = append(pages, rp)
		}
		return &core.ParseResult{
			Pages: pages,
			Model: p.Name(),
			Usage: core.ParseUsageInfo{PagesProcessed: structured.JobMetadata.JobPages},
		}, nil
	}

	var flat llamaMarkdownResult
	resp, err = p.http.R().
		SetContext(ctx).
		SetResult(&flat).
		Get("/job/" + jobID + "/result/markdown")
	if err != nil {
		return nil, fmt.Errorf("llamaparse fetch result: %w", err)
	}
	if resp.IsError() {
		return nil, &core.BackendError{
			Backend: p.Name(),
			Status:  resp.Status(),
			Message: truncateBody(resp.String()),
		}
	}

	return &core.ParseResult{
		Pages: []core.RawPage{{Page: 1, Text: flat.Markdown, Markdown: flat.Markdown}},
		Model: p.Name(),
		Usage: core.ParseUsageInfo{PagesProcessed: 1},
	}, nil
}

func truncateBody(s string) string {
	const max = 512
	if len(s) > max {
		return s[:max]
	}
	return s
}

var _ core.DocumentParser = (*LlamaParse)(nil)
