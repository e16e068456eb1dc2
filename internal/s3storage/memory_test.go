package s3storage

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/dharsanguruparan/clippedset/internal/signing"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemory_PutStatGetRemove(t *testing.T) {
	m := NewMemory("http://example.test/objects", signing.NewSigner([]byte("s")))
	ctx := context.Background()

	_, err := m.Stat(ctx, "user-1/up-1.mp3")
	assert.ErrorIs(t, err, ErrObjectNotFound)

	require.NoError(t, m.Put(ctx, "user-1/up-1.mp3", strings.NewReader("abc"), 3, "audio/mpeg"))
	info, err := m.Stat(ctx, "user-1/up-1.mp3")
	require.NoError(t, err)
	assert.Equal(t, int64(3), info.Size)
	assert.Equal(t, "audio/mpeg", info.ContentType)

	rc, err := m.Get(ctx, "user-1/up-1.mp3")
	require.NoError(t, err)
	data, _ := io.ReadAll(rc)
	assert.Equal(t, "abc", string(data))

	require.NoError(t, m.Remove(ctx, "user-1/up-1.mp3"))
	_, err = m.Get(ctx, "user-1/up-1.mp3")
	assert.ErrorIs(t, err, ErrObjectNotFound)
}

func TestMemory_ServesSignedURLs(t *testing.T) {
	signer := signing.NewSigner([]byte("s"))
	var m *Memory
	srv := httptest.NewServer(http.StripPrefix("/objects", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		m.ServeHTTP(w, r)
	})))
	defer srv.Close()
	m = NewMemory(srv.URL+"/objects", signer)
	ctx := context.Background()

	putURL, err := m.PresignPut(ctx, "user-1/up-1.wav", time.Minute)
	require.NoError(t, err)
	req, _ := http.NewRequest(http.MethodPut, putURL, strings.NewReader("RIFF"))
	req.Header.Set("Content-Type", "audio/wav")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	getURL, err := m.PresignGet(ctx, "user-1/up-1.wav", time.Minute)
	require.NoError(t, err)
	resp, err = http.Get(getURL)
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	assert.Equal(t, "RIFF", string(body))

	// A PUT signature does not authorize a GET.
	resp, err = http.Get(putURL)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
}
