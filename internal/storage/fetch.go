package storage

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"time"
)

// Fetcher downloads a signed reference back into memory.
type Fetcher struct {
	httpClient *http.Client
	maxBytes   int64
}

// NewFetcher returns a fetcher that refuses bodies over maxBytes
// (25 MiB when zero).
func NewFetcher(timeout time.Duration, maxBytes int64) *Fetcher {
	if timeout <= 0 {
		timeout = 5 * time.Minute
	}
	if maxBytes <= 0 {
		maxBytes = 25 * 1024 * 1024
	}
	return &Fetcher{httpClient: &http.Client{Timeout: timeout}, maxBytes: maxBytes}
}

// Fetch reads an http(s) or file URL and returns the body and its content
// type when known.
func (f *Fetcher) Fetch(ctx context.Context, ref string) ([]byte, string, error) {
	u, err := url.Parse(ref)
	if err != nil {
		return nil, "", fmt.Errorf("parse reference: %w", err)
	}
	switch u.Scheme {
	case "http", "https":
		return f.fetchHTTP(ctx, ref)
	case "file":
		return f.fetchFile(u.Path)
	default:
		return nil, "", fmt.Errorf("unsupported reference scheme %q", u.Scheme)
	}
}

func (f *Fetcher) fetchHTTP(ctx context.Context, ref string) ([]byte, string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, ref, nil)
	if err != nil {
		return nil, "", fmt.Errorf("build request: %w", err)
	}
	resp, err := f.httpClient.Do(req)
	if err != nil {
		return nil, "", fmt.Errorf("download video: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		return nil, "", fmt.Errorf("download video: status %d", resp.StatusCode)
	}
	body, err := f.readLimited(resp.Body)
	if err != nil {
		return nil, "", err
	}
	return body, resp.Header.Get("Content-Type"), nil
}

func (f *Fetcher) fetchFile(path string) ([]byte, string, error) {
	file, err := os.Open(filepath.FromSlash(path))
	if err != nil {
		return nil, "", fmt.Errorf("open video: %w", err)
	}
	defer file.Close()
	body, err := f.readLimited(file)
	if err != nil {
		return nil, "", err
	}
	return body, http.DetectContentType(body), nil
}

func (f *Fetcher) readLimited(r io.Reader) ([]byte, error) {
	body, err := io.ReadAll(io.LimitReader(r, f.maxBytes+1))
	if err != nil {
		return nil, fmt.Errorf("read video: %w", err)
	}
	if int64(len(body)) > f.maxBytes {
		return nil, fmt.Errorf("video too large (>%d bytes)", f.maxBytes)
	}
	return body, nil
}
