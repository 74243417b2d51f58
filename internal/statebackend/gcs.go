package statebackend

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"cloud.google.com/go/storage"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/iterator"
)

// GCSAPI is the subset of Cloud Storage used by [GCSManager].
type GCSAPI interface {
	BucketExists(ctx context.Context, bucket string) (bool, error)
	CreateBucket(ctx context.Context, projectID, bucket string, attrs *storage.BucketAttrs) error
	ListObjects(ctx context.Context, bucket, prefix string) ([]string, error)
	DeleteObject(ctx context.Context, bucket, name string) error
}

// GCSManager keeps Terraform state in a GCS bucket. GCS provides native
// state locking, so no lock table is needed.
type GCSManager struct {
	api       GCSAPI
	projectID string
	location  string
	logger    *slog.Logger
}

// NewGCSManager creates a [GCSManager] for projectID.
func NewGCSManager(api GCSAPI, projectID, location string, logger *slog.Logger) *GCSManager {
	if logger == nil {
		logger = slog.Default()
	}
	if location == "" {
		location = "us-central1"
	}
	return &GCSManager{api: api, projectID: projectID, location: location, logger: logger}
}

// NewGCSManagerFromClient wraps a storage client built from the user's
// credentials.
func NewGCSManagerFromClient(client *storage.Client, projectID, location string, logger *slog.Logger) *GCSManager {
	return NewGCSManager(&storageAPI{client: client}, projectID, location, logger)
}

func (m *GCSManager) EnsureBackend(ctx context.Context, project string) (Backend, error) {
	bucket := BucketName(m.projectID)

	exists, err := m.api.BucketExists(ctx, bucket)
	if err != nil {
		return Backend{}, fmt.Errorf("failed to check state bucket %s: %w", bucket, err)
	}
	if !exists {
		err := m.api.CreateBucket(ctx, m.projectID, bucket, &storage.BucketAttrs{
			Location:          m.location,
			StorageClass:      "STANDARD",
			VersioningEnabled: true,
			UniformBucketLevelAccess: storage.UniformBucketLevelAccess{
				Enabled: true,
			},
			PublicAccessPrevention: storage.PublicAccessPreventionEnforced,
		})
		switch {
		case err == nil:
			m.logger.Info("created state bucket", "bucket", bucket, "location", m.location)
		case isConflict(err):
			m.logger.Info("state bucket created concurrently", "bucket", bucket)
		default:
			return Backend{}, fmt.Errorf("failed to create state bucket %s: %w", bucket, err)
		}
	}

	return Backend{
		Kind:   "gcs",
		Bucket: bucket,
		Key:    StatePrefix(project) + "/default.tfstate",
		Prefix: StatePrefix(project),
		Region: m.location,
	}, nil
}

func (m *GCSManager) Cleanup(ctx context.Context, project string) {
	bucket := BucketName(m.projectID)
	prefix := StatePrefix(project) + "/"

	names, err := m.api.ListObjects(ctx, bucket, prefix)
	if err != nil {
		m.logger.Warn("failed to list state objects", "bucket", bucket, "prefix", prefix, "error", err)
		return
	}
	for _, name := range names {
		if err := m.api.DeleteObject(ctx, bucket, name); err != nil {
			m.logger.Warn("failed to delete state object", "bucket", bucket, "object", name, "error", err)
		}
	}
	m.logger.Info("cleaned up state", "bucket", bucket, "prefix", prefix, "objects", len(names))
}

func isConflict(err error) bool {
	var gerr *googleapi.Error
	return errors.As(err, &gerr) && gerr.Code == http.StatusConflict
}

// storageAPI adapts *storage.Client to [GCSAPI].
type storageAPI struct {
	client *storage.Client
}

func (s *storageAPI) BucketExists(ctx context.Context, bucket string) (bool, error) {
	_, err := s.client.Bucket(bucket).Attrs(ctx)
	if errors.Is(err, storage.ErrBucketNotExist) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (s *storageAPI) CreateBucket(ctx context.Context, projectID, bucket string, attrs *storage.BucketAttrs) error {
	return s.client.Bucket(bucket).Create(ctx, projectID, attrs)
}

func (s *storageAPI) ListObjects(ctx context.Context, bucket, prefix string) ([]string, error) {
	it := s.client.Bucket(bucket).Objects(ctx, &storage.Query{Prefix: prefix})
	var names []string
	for {
		attrs, err := it.Next()
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			return nil, err
		}
		names = append(names, attrs.Name)
	}
	return names, nil
}

func (s *storageAPI) DeleteObject(ctx context.Context, bucket, name string) error {
	err := s.client.Bucket(bucket).Object(name).Delete(ctx)
	if errors.Is(err, storage.ErrObjectNotExist) {
		return nil
	}
	return err
}
