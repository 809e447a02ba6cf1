// Package storage persists uploaded CV documents as blobs, in S3 or on local
// disk for development.
package storage

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// ErrPresignUnsupported is returned by backends that cannot issue upload URLs.
var ErrPresignUnsupported = errors.New("presigned uploads require s3 storage")

// BlobStore is the document blob boundary used by the API and worker.
type BlobStore interface {
	Put(ctx context.Context, key string, body []byte, contentType string) (string, error)
	Get(ctx context.Context, key string) ([]byte, error)
	PresignPut(ctx context.Context, key, contentType string, ttl time.Duration) (string, time.Time, error)
}

// LocalStore writes blobs under a base directory. Dev fallback when no S3
// bucket is configured.
type LocalStore struct {
	baseDir string
}

func NewLocalStore(baseDir string) *LocalStore {
	if baseDir == "" {
		baseDir = "./data/documents"
	}
	return &LocalStore{baseDir: baseDir}
}

func (l *LocalStore) Put(_ context.Context, key string, body []byte, _ string) (string, error) {
	path := filepath.Join(l.baseDir, sanitizeKey(key))
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", fmt.Errorf("create dirs: %w", err)
	}
	if err := os.WriteFile(path, body, 0o644); err != nil {
		return "", fmt.Errorf("write file: %w", err)
	}
	return path, nil
}

func (l *LocalStore) Get(_ context.Context, key string) ([]byte, error) {
	data, err := os.ReadFile(filepath.Join(l.baseDir, sanitizeKey(key)))
	if err != nil {
		return nil, fmt.Errorf("read blob: %w", err)
	}
	return data, nil
}

func (l *LocalStore) PresignPut(context.Context, string, string, time.Duration) (string, time.Time, error) {
	return "", time.Time{}, ErrPresignUnsupported
}

// sanitizeKey normalizes a blob key and strips anything that could climb out
// of the base directory.
func sanitizeKey(key string) string {
	key = filepath.ToSlash(filepath.Clean(key))
	parts := strings.Split(key, "/")
	kept := parts[:0]
	for _, p := range parts {
		if p == "" || p == "." || p == ".." {
			continue
		}
		kept = append(kept, p)
	}
	return filepath.Join(kept...)
}

// ExtractText decodes a document blob into plain text for the pipeline.
// Only text-shaped content is decoded; binary formats must arrive with their
// text extracted client-side (the upload API stores it alongside).
func ExtractText(key, contentType string, body []byte) (string, error) {
	lowered := strings.ToLower(key)
	switch {
	case strings.HasSuffix(lowered, ".txt"),
		strings.HasSuffix(lowered, ".md"),
		strings.HasPrefix(contentType, "text/"):
		return string(body), nil
	default:
		return "", fmt.Errorf("no text extractor for %q (%s)", key, contentType)
	}
}
