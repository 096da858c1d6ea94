// Package blob stores cached media files behind a backend-neutral interface.
// Local disk is the default; S3-compatible object storage is selected with
// storage.backend = "s3".
package blob

import (
	"context"
	"errors"
	"io"
	"strings"
	"time"

	"github.com/stamns/flow2api/internal/config"
)

// ErrNotFound is returned for keys with no stored object.
var ErrNotFound = errors.New("blob: object not found")

type PutOptions struct {
	ContentType string
}

type ObjectInfo struct {
	Key         string
	Size        int64
	ContentType string
	ModTime     time.Time
}

// Store is the media file boundary. List exposes object ages so the cache
// sweeper can purge expired entries regardless of backend.
type Store interface {
	Put(ctx context.Context, key string, body io.Reader, opts PutOptions) (ObjectInfo, error)
	Get(ctx context.Context, key string) (io.ReadCloser, ObjectInfo, error)
	Exists(ctx context.Context, key string) (bool, error)
	Delete(ctx context.Context, key string) error
	List(ctx context.Context) ([]ObjectInfo, error)
	// PublicURL reports a directly servable URL for the key when the
	// backend has one (S3 with a public domain). When false, files are
	// served through the gateway's own /files route.
	PublicURL(key string) (string, bool)
}

// New builds the backend named by the configuration.
func New(ctx context.Context, cfg config.StorageConfig) (Store, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Backend)) {
	case "s3":
		return newS3Store(ctx, cfg.S3)
	default:
		return newLocalStore(cfg.Local)
	}
}
