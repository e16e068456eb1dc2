package s3storage

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/dharsanguruparan/clippedset/internal/signing"
)

// Memory keeps objects in a map and serves signed PUT/GET URLs through
// ServeHTTP, so presigned flows work without MinIO.
type Memory struct {
	mu      sync.RWMutex
	objects map[string]memObject
	baseURL string
	signer  *signing.Signer
}

type memObject struct {
	data        []byte
	contentType string
	modified    time.Time
}

// NewMemory creates a Memory store whose URLs are rooted at baseURL, for
// example "http://localhost:8080/v1/objects".
func NewMemory(baseURL string, signer *signing.Signer) *Memory {
	return &Memory{
		objects: make(map[string]memObject),
		baseURL: strings.TrimRight(baseURL, "/"),
		signer:  signer,
	}
}

func (m *Memory) signedURL(method, key string, ttl time.Duration) string {
	expires, sig := m.signer.SignFor(method+":"+key, ttl)
	q := url.Values{"expires": {expires}, "signature": {sig}}
	return m.baseURL + "/" + key + "?" + q.Encode()
}

func (m *Memory) PresignPut(_ context.Context, key string, ttl time.Duration) (string, error) {
	return m.signedURL(http.MethodPut, key, ttl), nil
}

func (m *Memory) PresignGet(_ context.Context, key string, ttl time.Duration) (string, error) {
	return m.signedURL(http.MethodGet, key, ttl), nil
}

func (m *Memory) Put(_ context.Context, key string, r io.Reader, _ int64, contentType string) error {
	data, err := io.ReadAll(r)
	if err != nil {
		return fmt.Errorf("read object %s: %w", key, err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.objects[key] = memObject{data: data, contentType: contentType, modified: time.Now().UTC()}
	return nil
}

func (m *Memory) Get(_ context.Context, key string) (io.ReadCloser, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	obj, ok := m.objects[key]
	if !ok {
		return nil, ErrObjectNotFound
	}
	return io.NopCloser(bytes.NewReader(obj.data)), nil
}

func (m *Memory) Stat(_ context.Context, key string) (ObjectInfo, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	obj, ok := m.objects[key]
	if !ok {
		return ObjectInfo{}, ErrObjectNotFound
	}
	return ObjectInfo{Key: key, Size: int64(len(obj.data)), ContentType: obj.contentType, LastModified: obj.modified}, nil
}

func (m *Memory) Remove(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.objects, key)
	return nil
}

// ServeHTTP handles PUT and GET on signed object URLs. It expects to be
// mounted with the base path stripped, so r.URL.Path is "/{key}".
func (m *Memory) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	key := strings.TrimPrefix(r.URL.Path, "/")
	q := r.URL.Query()
	if key == "" || !m.signer.Validate(r.Method+":"+key, q.Get("expires"), q.Get("signature")) {
		http.Error(w, "invalid or expired signature", http.StatusForbidden)
		return
	}

	switch r.Method {
	case http.MethodPut:
		if err := m.Put(r.Context(), key, r.Body, r.ContentLength, r.Header.Get("Content-Type")); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		w.WriteHeader(http.StatusOK)
	case http.MethodGet:
		m.mu.RLock()
		obj, ok := m.objects[key]
		m.mu.RUnlock()
		if !ok {
			http.NotFound(w, r)
			return
		}
		if obj.contentType != "" {
			w.Header().Set("Content-Type", obj.contentType)
		}
		_, _ = w.Write(obj.data)
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}
