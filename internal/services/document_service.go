package services

import (
	"context"
	"path"
	"strings"

	"github.com/docmill/docmill/internal/core"
	"github.com/docmill/docmill/internal/models"
)

type DocumentService struct {
	db      core.DbClient
	storage core.ObjectClient
	bucket  string
}

func NewDocumentService(db core.DbClient, storage core.ObjectClient, bucket string) *DocumentService {
	return &DocumentService{db: db, storage: storage, bucket: bucket}
}

// StoreSource uploads the raw source bytes so parsing can read them back from
// object storage instead of holding the upload in memory. Returns the storage
// URL and the object key.
func (s *DocumentService) StoreSource(ctx context.Context, userID, docKey, filename, contentType string, data []byte) (string, string, error) {
	key := s.objectKey(userID, docKey, filename)
	url, err := s.storage.UploadFile(ctx, s.bucket, key, data, contentType)
	if err != nil {
		return "", "", err
	}
	return url, key, nil
}

// DeleteSource removes a stored source object, used when a submission fails
// after its upload already landed.
func (s *DocumentService) DeleteSource(ctx context.Context, key string) error {
	return s.storage.DeleteFile(ctx, s.bucket, key)
}

func (s *DocumentService) Get(ctx context.Context, id string) (*models.Document, error) {
	return s.db.GetDocumentByID(ctx, id)
}

func (s *DocumentService) ListByUser(ctx context.Context, userID string) ([]models.Document, error) {
	return s.db.ListDocumentsByUser(ctx, userID)
}

// objectKey creates a consistent S3 key layout.
func (s *DocumentService) objectKey(userID, docKey, filename string) string {
	filename = strings.TrimSpace(filename)
	filename = strings.ReplaceAll(filename, " ", "_")
	return path.Join("users", userID, "documents", docKey, filename)
}
