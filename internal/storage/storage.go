// Package storage persists uploaded session videos and hands out
// time-limited references to them.
package storage

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"session-analyzer/internal/config"
)

// ErrNotFound is returned when a path has no stored object.
var ErrNotFound = errors.New("object not found")

// Object identifies one stored video.
type Object struct {
	// Path is the backend-relative key, "<owner>/<unix-millis>_<name>".
	Path string
	// URL is the backend-qualified location, e.g. s3://bucket/key.
	URL string
}

// Backend is the storage collaborator used by the pipeline and the restart
// supervisor.
type Backend interface {
	Upload(ctx context.Context, data []byte, ownerID, fileName, contentType string) (Object, error)
	SignedURL(ctx context.Context, path string, ttl time.Duration) (string, error)
}

// New selects the backend named by cfg.StorageBackend.
func New(ctx context.Context, cfg config.Config) (Backend, error) {
	switch strings.ToLower(cfg.StorageBackend) {
	case "s3":
		if cfg.S3Bucket == "" {
			return nil, errors.New("storage backend s3 requires S3_BUCKET")
		}
		return NewS3(ctx, cfg)
	case "local", "":
		return NewLocal(cfg.StorageLocalDir)
	default:
		return nil, fmt.Errorf("unknown storage backend %q", cfg.StorageBackend)
	}
}

var unsafeName = regexp.MustCompile(`[^A-Za-z0-9._-]+`)

// ObjectKey builds the storage key for an upload.
func ObjectKey(ownerID, fileName string, now time.Time) string {
	return fmt.Sprintf("%s/%d_%s", sanitizeSegment(ownerID), now.UnixMilli(), sanitizeName(fileName))
}

// OwnerPrefix is the key prefix ObjectKey files ownerID's uploads under.
func OwnerPrefix(ownerID string) string {
	return sanitizeSegment(ownerID) + "/"
}

// OwnsKey reports whether key is a canonical key under ownerID's prefix. Keys
// that only reach the prefix after normalization are refused.
func OwnsKey(ownerID, key string) bool {
	clean, err := sanitizeKey(key)
	if err != nil || clean != key {
		return false
	}
	return strings.HasPrefix(clean, OwnerPrefix(ownerID))
}

func sanitizeName(name string) string {
	name = filepath.Base(strings.ReplaceAll(name, "\\", "/"))
	name = unsafeName.ReplaceAllString(name, "_")
	name = strings.Trim(name, "._")
	if name == "" {
		return "video"
	}
	return name
}

// sanitizeSegment escapes an owner id into one path segment. Distinct ids
// always map to distinct segments.
func sanitizeSegment(s string) string {
	switch s {
	case "":
		return "_"
	case ".", "..":
		return strings.ReplaceAll(s, ".", "%2E")
	}
	return url.PathEscape(s)
}

// sanitizeKey normalizes a caller-supplied path so it cannot escape the
// backend root.
func sanitizeKey(key string) (string, error) {
	key = filepath.ToSlash(filepath.Clean("/" + key))
	key = strings.TrimPrefix(key, "/")
	if key == "" || key == "." {
		return "", errors.New("empty storage path")
	}
	return key, nil
}
