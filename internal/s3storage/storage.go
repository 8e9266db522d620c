// Package s3storage holds the durable blob stores mirrored assets are copied
// into: Supabase Storage through its S3 endpoint in production, MinIO for
// local development and an in-memory store for tests and dry runs.
package s3storage

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"github.com/dharsanguruparan/foliosync/internal/config"
)

// Object is one listed blob.
type Object struct {
	Key  string
	Size int64
}

// Backend is the blob store contract used by the materializer and the CLI.
type Backend interface {
	// EnsureBucket checks the configured bucket exists, creating it when the
	// backend allows.
	EnsureBucket(ctx context.Context) error
	Upload(ctx context.Context, key string, data []byte, contentType string) error
	// PublicURL returns the permanent URL for key. It does not check that the
	// object exists.
	PublicURL(key string) string
	List(ctx context.Context, prefix string) ([]Object, error)
}

// New builds the backend selected by cfg.Backend.
func New(ctx context.Context, cfg config.StorageConfig) (Backend, error) {
	switch cfg.Backend {
	case "supabase":
		return NewSupabase(ctx, cfg)
	case "minio":
		return NewMinio(cfg)
	case "memory":
		return NewMemory(cfg.Bucket, cfg.PublicBaseURL), nil
	default:
		return nil, fmt.Errorf("unknown storage backend %q", cfg.Backend)
	}
}

var keyUnsafe = regexp.MustCompile(`[^a-z0-9]+`)

// ObjectKey builds the mirror key "project/tool/name.ext". Every segment is
// lower-cased and runs of characters outside [a-z0-9] become a single dash.
func ObjectKey(project, tool, name, ext string) string {
	key := segment(project) + "/" + segment(tool) + "/" + segment(name)
	if ext = keyUnsafe.ReplaceAllString(strings.ToLower(ext), ""); ext != "" {
		key += "." + ext
	}
	return key
}

func segment(s string) string {
	s = strings.Trim(keyUnsafe.ReplaceAllString(strings.ToLower(s), "-"), "-")
	if s == "" {
		return "untitled"
	}
	return s
}

func joinURL(base string, parts ...string) string {
	out := strings.TrimRight(base, "/")
	for _, p := range parts {
		out += "/" + strings.Trim(p, "/")
	}
	return out
}
