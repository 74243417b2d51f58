// Package storage keeps generated artifacts (Dockerfile, Terraform files)
// keyed by "{owner}/{repo}/{path}".
//
// Key types:
//   - [Store] is the artifact storage contract
//   - [GCS] stores artifacts in a Cloud Storage bucket
//   - [Memory] is an in-process store for tests and local runs
package storage

import (
	"context"
	"sort"
	"strings"
	"sync"
)

// Store persists generated artifacts.
type Store interface {
	// Upload writes content at path and returns its storage key.
	Upload(ctx context.Context, path, content string) (string, error)

	// DeleteAll removes every object under prefix and returns how many
	// were deleted.
	DeleteAll(ctx context.Context, prefix string) (int, error)

	// List returns the paths under prefix in lexical order.
	List(ctx context.Context, prefix string) ([]string, error)

	// Download returns the content at path. A missing object yields
	// found == false and no error.
	Download(ctx context.Context, path string) (content string, found bool, err error)
}

// Memory is a [Store] backed by a map.
type Memory struct {
	mu      sync.RWMutex
	objects map[string]string
}

// NewMemory returns an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{objects: make(map[string]string)}
}

func (m *Memory) Upload(ctx context.Context, path, content string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.objects[path] = content
	return "memory://" + path, nil
}

func (m *Memory) DeleteAll(ctx context.Context, prefix string) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for k := range m.objects {
		if strings.HasPrefix(k, prefix) {
			delete(m.objects, k)
			n++
		}
	}
	return n, nil
}

func (m *Memory) List(ctx context.Context, prefix string) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []string
	for k := range m.objects {
		if strings.HasPrefix(k, prefix) {
			out = append(out, k)
		}
	}
	sort.Strings(out)
	return out, nil
}

func (m *Memory) Download(ctx context.Context, path string) (string, bool, error) {
	if err := ctx.Err(); err != nil {
		return "", false, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.objects[path]
	return c, ok, nil
}

// Reader is the read half of [Store].
type Reader interface {
	List(ctx context.Context, prefix string) ([]string, error)
	Download(ctx context.Context, path string) (content string, found bool, err error)
}

// DownloadPrefix returns every object under prefix whose name ends with
// suffix, keyed by the path relative to prefix.
func DownloadPrefix(ctx context.Context, s Reader, prefix, suffix string) (map[string]string, error) {
	paths, err := s.List(ctx, prefix)
	if err != nil {
		return nil, err
	}
	out := make(map[string]string)
	for _, p := range paths {
		if !strings.HasSuffix(p, suffix) {
			continue
		}
		content, found, err := s.Download(ctx, p)
		if err != nil {
			return nil, err
		}
		if found {
			out[strings.TrimPrefix(p, prefix)] = content
		}
	}
	return out, nil
}
