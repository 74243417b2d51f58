package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"

	gcstorage "cloud.google.com/go/storage"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"
)

// GCS is a [Store] on a Cloud Storage bucket.
type GCS struct {
	client *gcstorage.Client
	bucket string
	logger *slog.Logger
}

// NewGCS opens a client using credentialsFile, or application default
// credentials when it is empty.
func NewGCS(ctx context.Context, bucket, credentialsFile string, logger *slog.Logger) (*GCS, error) {
	var opts []option.ClientOption
	if credentialsFile != "" {
		opts = append(opts, option.WithCredentialsFile(credentialsFile))
	}
	client, err := gcstorage.NewClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create storage client: %w", err)
	}
	return NewGCSFromClient(client, bucket, logger), nil
}

// NewGCSFromClient wraps an existing client.
func NewGCSFromClient(client *gcstorage.Client, bucket string, logger *slog.Logger) *GCS {
	if logger == nil {
		logger = slog.Default()
	}
	return &GCS{client: client, bucket: bucket, logger: logger}
}

// Close releases the underlying client.
func (g *GCS) Close() error {
	return g.client.Close()
}

func (g *GCS) Upload(ctx context.Context, path, content string) (string, error) {
	w := g.client.Bucket(g.bucket).Object(path).NewWriter(ctx)
	w.ContentType = "text/plain"
	if _, err := io.WriteString(w, content); err != nil {
		_ = w.Close()
		return "", fmt.Errorf("failed to upload %s: %w", path, err)
	}
	if err := w.Close(); err != nil {
		return "", fmt.Errorf("failed to upload %s: %w", path, err)
	}
	g.logger.Debug("uploaded artifact", "bucket", g.bucket, "path", path, "bytes", len(content))
	return "gs://" + g.bucket + "/" + path, nil
}

func (g *GCS) DeleteAll(ctx context.Context, prefix string) (int, error) {
	paths, err := g.List(ctx, prefix)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, p := range paths {
		err := g.client.Bucket(g.bucket).Object(p).Delete(ctx)
		if err != nil && !errors.Is(err, gcstorage.ErrObjectNotExist) {
			return n, fmt.Errorf("failed to delete %s: %w", p, err)
		}
		n++
	}
	return n, nil
}

func (g *GCS) List(ctx context.Context, prefix string) ([]string, error) {
	it := g.client.Bucket(g.bucket).Objects(ctx, &gcstorage.Query{Prefix: prefix})
	var out []string
	for {
		attrs, err := it.Next()
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("failed to list %s: %w", prefix, err)
		}
		out = append(out, attrs.Name)
	}
	sort.Strings(out)
	return out, nil
}

func (g *GCS) Download(ctx context.Context, path string) (string, bool, error) {
	r, err := g.client.Bucket(g.bucket).Object(path).NewReader(ctx)
	if errors.Is(err, gcstorage.ErrObjectNotExist) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("failed to download %s: %w", path, err)
	}
	defer r.Close()

	data, err := io.ReadAll(r)
	if err != nil {
		return "", false, fmt.Errorf("failed to download %s: %w", path, err)
	}
	return string(data), true, nil
}
