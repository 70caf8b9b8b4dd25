// Package store provides key/value access to the objects of a remote or local
// source: Zarr metadata and chunks, or byte ranges of a tiled image.
package store

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// ErrNotFound is returned when a key does not exist in the store.
var ErrNotFound = errors.New("store: key not found")

// Store reads whole objects.
type Store interface {
	Get(ctx context.Context, key string) ([]byte, error)
}

// RangeStore also reads byte ranges of an object.
type RangeStore interface {
	Store
	GetRange(ctx context.Context, key string, off, n int64) ([]byte, error)
}

// Open returns a store for a URL: http(s) URLs read over HTTP, file:// URLs
// and bare paths read from the local filesystem.
func Open(rawURL string) (RangeStore, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse source url: %w", err)
	}
	switch u.Scheme {
	case "http", "https":
		return NewHTTPStore(rawURL, nil), nil
	case "file":
		return NewLocalStore(u.Path), nil
	case "":
		return NewLocalStore(rawURL), nil
	}
	return nil, fmt.Errorf("unsupported source scheme %q", u.Scheme)
}

// LocalStore reads objects below a root directory.
type LocalStore struct {
	root string
}

// NewLocalStore creates a store rooted at root. A root naming a regular file
// serves that file under the empty key.
func NewLocalStore(root string) *LocalStore {
	return &LocalStore{root: root}
}

func (s *LocalStore) path(key string) string {
	if key == "" {
		return s.root
	}
	return filepath.Join(s.root, filepath.FromSlash(key))
}

// Get reads a file.
func (s *LocalStore) Get(_ context.Context, key string) ([]byte, error) {
	data, err := os.ReadFile(s.path(key))
	if os.IsNotExist(err) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, key)
	}
	return data, err
}

// GetRange reads n bytes at off. Ranges past the end of the file are truncated.
func (s *LocalStore) GetRange(_ context.Context, key string, off, n int64) ([]byte, error) {
	f, err := os.Open(s.path(key))
	if os.IsNotExist(err) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, key)
	}
	if err != nil {
		return nil, err
	}
	defer f.Close()

	buf := make([]byte, n)
	read, err := f.ReadAt(buf, off)
	if err != nil && err != io.EOF {
		return nil, err
	}
	return buf[:read], nil
}

// HTTPStore reads objects below a base URL.
type HTTPStore struct {
	base   string
	client *http.Client
}

// NewHTTPStore creates an HTTP store. A nil client uses http.DefaultClient.
func NewHTTPStore(base string, client *http.Client) *HTTPStore {
	if client == nil {
		client = http.DefaultClient
	}
	return &HTTPStore{base: strings.TrimRight(base, "/"), client: client}
}

func (s *HTTPStore) url(key string) string {
	if key == "" {
		return s.base
	}
	return s.base + "/" + key
}

// Get fetches an object.
func (s *HTTPStore) Get(ctx context.Context, key string) ([]byte, error) {
	data, _, err := s.do(ctx, key, "")
	return data, err
}

// GetRange fetches a byte range with a Range request. Servers ignoring the
// header answer 200 with the full body, which is sliced to the range.
func (s *HTTPStore) GetRange(ctx context.Context, key string, off, n int64) ([]byte, error) {
	data, status, err := s.do(ctx, key, fmt.Sprintf("bytes=%d-%d", off, off+n-1))
	if err != nil {
		return nil, err
	}
	if status == http.StatusOK {
		if off >= int64(len(data)) {
			return nil, nil
		}
		end := min(off+n, int64(len(data)))
		return data[off:end], nil
	}
	return data, nil
}

func (s *HTTPStore) do(ctx context.Context, key, byteRange string) ([]byte, int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.url(key), nil)
	if err != nil {
		return nil, 0, err
	}
	if byteRange != "" {
		req.Header.Set("Range", byteRange)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to fetch %s: %w", key, err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK, http.StatusPartialContent:
	case http.StatusNotFound, http.StatusForbidden:
		return nil, resp.StatusCode, fmt.Errorf("%w: %s", ErrNotFound, key)
	default:
		return nil, resp.StatusCode, fmt.Errorf("failed to fetch %s: unexpected status %s", key, resp.Status)
	}
	data, err := io.ReadAll(resp.Body)
	return data, resp.StatusCode, err
}

// MemoryStore keeps objects in a map.
type MemoryStore struct {
	mu      sync.RWMutex
	objects map[string][]byte
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{objects: make(map[string][]byte)}
}

// Set stores an object.
func (s *MemoryStore) Set(key string, data []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.objects[key] = data
}

// Get returns an object.
func (s *MemoryStore) Get(_ context.Context, key string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	data, ok := s.objects[key]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, key)
	}
	return data, nil
}

// GetRange returns part of an object.
func (s *MemoryStore) GetRange(ctx context.Context, key string, off, n int64) ([]byte, error) {
	data, err := s.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	if off >= int64(len(data)) {
		return nil, nil
	}
	end := min(off+n, int64(len(data)))
	return data[off:end], nil
}
