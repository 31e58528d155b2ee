package core

import (
	"context"
	"errors"
	"fmt"
)

// SourceKind says where the document bytes come from.
type SourceKind string

const (
	SourceFile SourceKind = "file"
	SourceURL  SourceKind = "url"
)

// Source is one document to parse: raw bytes, an object-storage key the
// orchestrator reads back before submission, or a remote URL the backend
// fetches itself.
type Source struct {
	Kind        SourceKind
	FileName    string
	ContentType string
	Data        []byte
	ObjectKey   string
	URL         string
}

// ParseOptions tunes a single parse submission.
//
// Annotate asks the backend for a structured document-level annotation
// (title/author/summary extraction). PageCount is the pre-submission probe
// result; 0 means unknown.
type ParseOptions struct {
	Annotate  bool
	PageCount int
}

// RawPage is a backend page before normalization. Fields are optional;
// different backends fill different subsets.
type RawPage struct {
	Page       int      `json:"page"`
	Text       string   `json:"text"`
	Markdown   string   `json:"md"`
	CleanText  string   `json:"clean_text"`
	Summary    string   `json:"summary"`
	Confidence float64  `json:"confidence"`
	Tables     []string `json:"tables"`
	Images     []string `json:"images"`
}

// ParseUsageInfo is the backend's cost accounting for one job.
type ParseUsageInfo struct {
	PagesProcessed int
	DocSizeBytes   int
}

// ParseResult is the uniform shape every parser variant resolves to, whether
// completion was immediate or required polling.
type ParseResult struct {
	Pages      []RawPage
	Model      string
	JobID      string
	Usage      ParseUsageInfo
	Annotation string
}

// DocumentParser is the capability contract for one parsing backend. The
// job-based variant submits, polls and fetches internally; the direct-call
// variant resolves in a single request. Either way Parse blocks until the
// backend reaches a terminal state, so the orchestrator stays agnostic to
// which variant it holds.
type DocumentParser interface {
	Name() string

	// AnnotationPageLimit reports the backend's page ceiling for the
	// annotation feature. 0 means the backend has no such feature.
	AnnotationPageLimit() int

	Parse(ctx context.Context, src Source, opts ParseOptions) (*ParseResult, error)
}

// ErrPollTimeout reports that a job-based backend never reached a terminal
// status within the attempt budget. It is deliberately distinct from a
// backend-reported failure.
var ErrPollTimeout = errors.New("parse job polling timed out")

// BackendError is a failure the backend itself reported (ERROR/FAILED job
// status, or a non-2xx response).
type BackendError struct {
	Backend string
	Status  string
	Message string
}

func (e *BackendError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("%s: backend reported %s", e.Backend, e.Status)
	}
	return fmt.Sprintf("%s: backend reported %s: %s", e.Backend, e.Status, e.Message)
}

// IsBackendError reports whether err (or anything it wraps) is a
// backend-reported failure rather than a timeout or transport problem.
func IsBackendError(err error) bool {
	var be *BackendError
	return errors.As(err, &be)
}
