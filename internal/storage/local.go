package storage

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"os"
	"path/filepath"
	"time"
)

// Local stores videos under a directory on disk. References are file:// URLs
// and do not expire.
type Local struct {
	baseDir string
	now     func() time.Time
}

func NewLocal(baseDir string) (*Local, error) {
	if baseDir == "" {
		baseDir = "./videos"
	}
	abs, err := filepath.Abs(baseDir)
	if err != nil {
		return nil, fmt.Errorf("resolve storage dir: %w", err)
	}
	return &Local{baseDir: abs, now: time.Now}, nil
}

func (l *Local) Upload(_ context.Context, data []byte, ownerID, fileName, _ string) (Object, error) {
	key := ObjectKey(ownerID, fileName, l.now())
	path := filepath.Join(l.baseDir, filepath.FromSlash(key))
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return Object{}, fmt.Errorf("create dirs: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return Object{}, fmt.Errorf("write file: %w", err)
	}
	return Object{Path: key, URL: fileURL(path)}, nil
}

func (l *Local) SignedURL(_ context.Context, path string, _ time.Duration) (string, error) {
	key, err := sanitizeKey(path)
	if err != nil {
		return "", err
	}
	full := filepath.Join(l.baseDir, filepath.FromSlash(key))
	if _, err := os.Stat(full); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return "", fmt.Errorf("%w: %s", ErrNotFound, key)
		}
		return "", fmt.Errorf("stat %s: %w", key, err)
	}
	return fileURL(full), nil
}

func fileURL(path string) string {
	return (&url.URL{Scheme: "file", Path: filepath.ToSlash(path)}).String()
}
