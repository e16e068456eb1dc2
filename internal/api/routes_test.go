package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/dharsanguruparan/clippedset/internal/artifacts"
	"github.com/dharsanguruparan/clippedset/internal/auth"
	"github.com/dharsanguruparan/clippedset/internal/clips"
	"github.com/dharsanguruparan/clippedset/internal/config"
	"github.com/dharsanguruparan/clippedset/internal/jobs"
	"github.com/dharsanguruparan/clippedset/internal/logging"
	"github.com/dharsanguruparan/clippedset/internal/model"
	"github.com/dharsanguruparan/clippedset/internal/query"
	"github.com/dharsanguruparan/clippedset/internal/s3storage"
	"github.com/dharsanguruparan/clippedset/internal/signing"
	"github.com/dharsanguruparan/clippedset/internal/storage"
	"github.com/dharsanguruparan/clippedset/internal/upload"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingDispatcher struct{ jobs []model.Job }

func (d *recordingDispatcher) Dispatch(_ context.Context, j model.Job) error {
	d.jobs = append(d.jobs, j)
	return nil
}

type testEnv struct {
	store   *storage.MemoryStore
	objects *s3storage.Memory
	disp    *recordingDispatcher
	orch    *jobs.Orchestrator
	auth    *auth.Provider
	trigger *signing.Signer
	router  http.Handler
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	logger := logging.Discard()
	e := &testEnv{
		store:   storage.NewMemoryStore(),
		objects: s3storage.NewMemory("http://api.test"+ObjectsPrefix, signing.NewSigner([]byte("objects"))),
		disp:    &recordingDispatcher{},
		auth:    auth.NewProvider([]byte("jwt-secret"), time.Hour),
		trigger: signing.NewSigner([]byte("trigger")),
	}
	cfg := &config.Config{
		MaxFileSize:   4 << 30,
		AllowedTypes:  []string{"audio/mpeg", "video/mp4"},
		UploadURLTTL:  15 * time.Minute,
		VerifyObjects: true,
	}
	e.orch = jobs.New(e.store, e.disp, nil, logger, jobs.Options{})
	mat := artifacts.New(e.store, e.objects, artifacts.ManifestRenderer{}, time.Hour, logger)
	e.router = NewRouter(ServerConfig{
		Auth:         e.auth,
		Users:        e.store,
		Uploads:      upload.New(e.store, e.objects, e.orch, cfg, logger),
		Orchestrator: e.orch,
		Query:        query.New(e.store, mat, e.objects, logger),
		Clips:        clips.New(e.store, logger),
		Trigger:      e.trigger,
		Objects:      e.objects,
		Logger:       logger,
		StartTime:    time.Now(),
	})
	return e
}

func (e *testEnv) token(t *testing.T, user string) string {
	t.Helper()
	tok, err := e.auth.Issue(user, user+"@example.com")
	require.NoError(t, err)
	return tok
}

func (e *testEnv) do(t *testing.T, method, path, token string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rr := httptest.NewRecorder()
	e.router.ServeHTTP(rr, req)
	return rr
}

func decode[T any](t *testing.T, rr *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &out), rr.Body.String())
	return out
}

// uploadSet runs presign, the signed PUT and complete for user.
func (e *testEnv) uploadSet(t *testing.T, token string) model.Upload {
	t.Helper()
	rr := e.do(t, http.MethodPost, "/v1/uploads/presign", token, PresignRequest{
		Filename: "set.mp3", ContentType: "audio/mpeg", FileSize: 5,
	})
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	loc := decode[upload.Location](t, rr)

	put := httptest.NewRequest(http.MethodPut, loc.UploadURL, strings.NewReader("audio"))
	put.Header.Set("Content-Type", "audio/mpeg")
	putRR := httptest.NewRecorder()
	e.router.ServeHTTP(putRR, put)
	require.Equal(t, http.StatusOK, putRR.Code, putRR.Body.String())

	rr = e.do(t, http.MethodPost, "/v1/uploads/complete", token, CompleteRequest{
		UploadID: loc.UploadID, FilePath: loc.StoragePath, Filename: "set.mp3", FileSize: 5,
	})
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	return decode[model.Upload](t, rr)
}

func TestHealth(t *testing.T) {
	e := newTestEnv(t)
	rr := e.do(t, http.MethodGet, "/healthz", "", nil)
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.NotEmpty(t, rr.Header().Get("X-Request-ID"))
}

func TestAuth_MissingAndInvalidToken(t *testing.T) {
	e := newTestEnv(t)

	rr := e.do(t, http.MethodGet, "/v1/uploads", "", nil)
	assert.Equal(t, http.StatusUnauthorized, rr.Code)
	body := decode[ErrorResponse](t, rr)
	assert.Equal(t, "UNAUTHORIZED", body.Code)
	assert.NotEmpty(t, body.Error)

	rr = e.do(t, http.MethodGet, "/v1/uploads", "garbage", nil)
	assert.Equal(t, http.StatusUnauthorized, rr.Code)
}

func TestSession_EnsuresUser(t *testing.T) {
	e := newTestEnv(t)
	rr := e.do(t, http.MethodGet, "/v1/session", e.token(t, "user-1"), nil)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "user-1", decode[SessionResponse](t, rr).User.ID)
}

func TestPresign_ValidationErrors(t *testing.T) {
	e := newTestEnv(t)
	tok := e.token(t, "user-1")

	rr := e.do(t, http.MethodPost, "/v1/uploads/presign", tok, map[string]any{"filename": "a.mp3", "contentType": "audio/mpeg"})
	assert.Equal(t, http.StatusBadRequest, rr.Code)
	assert.Contains(t, decode[ErrorResponse](t, rr).Error, "fileSize")

	rr = e.do(t, http.MethodPost, "/v1/uploads/presign", tok, PresignRequest{Filename: "a.pdf", ContentType: "application/pdf", FileSize: 10})
	assert.Equal(t, http.StatusBadRequest, rr.Code)
	assert.Equal(t, "BAD_REQUEST", decode[ErrorResponse](t, rr).Code)

	rr = e.do(t, http.MethodPost, "/v1/uploads/presign", tok, PresignRequest{Filename: "a.mp3", ContentType: "audio/mpeg", FileSize: 4<<30 + 1})
	assert.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestUploadFlow_CompleteListAndDetail(t *testing.T) {
	e := newTestEnv(t)
	tok := e.token(t, "user-1")

	u := e.uploadSet(t, tok)
	assert.Equal(t, model.UploadPending, u.Status)
	require.Len(t, u.Jobs, 1)
	assert.Len(t, e.disp.jobs, 1)

	rr := e.do(t, http.MethodGet, "/v1/uploads", tok, nil)
	require.Equal(t, http.StatusOK, rr.Code)
	list := decode[UploadsResponse](t, rr)
	require.Len(t, list.Uploads, 1)
	assert.Equal(t, u.ID, list.Uploads[0].ID)

	rr = e.do(t, http.MethodGet, "/v1/uploads/"+u.ID, tok, nil)
	require.Equal(t, http.StatusOK, rr.Code)
	var raw map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &raw))
	assert.Equal(t, "null", string(raw["downloadUrls"]))

	rr = e.do(t, http.MethodGet, "/v1/uploads/"+u.ID, e.token(t, "user-2"), nil)
	assert.Equal(t, http.StatusNotFound, rr.Code)
}

func TestUploadDetail_CompletedHasDownloadURLs(t *testing.T) {
	e := newTestEnv(t)
	tok := e.token(t, "user-1")
	u := e.uploadSet(t, tok)
	ctx := context.Background()

	job, err := e.orch.Start(ctx, u.Jobs[0].ID)
	require.NoError(t, err)
	_, err = e.orch.Complete(ctx, job.ID, model.DetectionResult{
		DurationSeconds: 300,
		Cuts: []model.CutCandidate{
			{StartTime: 30.5, Confidence: 0.95},
			{StartTime: 125.2, Confidence: 0.87},
			{StartTime: 240.8, Confidence: 0.92},
		},
	})
	require.NoError(t, err)

	rr := e.do(t, http.MethodGet, "/v1/uploads/"+u.ID, tok, nil)
	require.Equal(t, http.StatusOK, rr.Code)
	d := decode[UploadDetailResponse](t, rr)
	assert.Equal(t, model.UploadCompleted, d.Upload.Status)
	require.Len(t, d.Upload.Cuts, 3)
	require.NotNil(t, d.DownloadURLs)
	assert.NotEmpty(t, d.DownloadURLs.CSVURL)
	assert.True(t, d.DownloadURLs.ExpiresAt.After(time.Now()), "expiresAt %s is not in the future", d.DownloadURLs.ExpiresAt)

	get := httptest.NewRequest(http.MethodGet, d.DownloadURLs.CSVURL, nil)
	getRR := httptest.NewRecorder()
	e.router.ServeHTTP(getRR, get)
	require.Equal(t, http.StatusOK, getRR.Code)
	assert.Equal(t, "time_seconds,time_formatted,confidence\n"+
		"30.5,0:30.500,0.95\n"+
		"125.2,2:05.200,0.87\n"+
		"240.8,4:00.800,0.92\n", getRR.Body.String())
}

func TestComplete_MissingObjectIsRejected(t *testing.T) {
	e := newTestEnv(t)
	tok := e.token(t, "user-1")
	rr := e.do(t, http.MethodPost, "/v1/uploads/complete", tok, CompleteRequest{
		UploadID: "6f1c1d2e-4b7a-4c53-9a43-2f0d3e8b9a10", FilePath: "user-1/6f1c1d2e-4b7a-4c53-9a43-2f0d3e8b9a10.mp3",
		Filename: "set.mp3", FileSize: 5,
	})
	assert.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestProcess_RequiresSignature(t *testing.T) {
	e := newTestEnv(t)
	u := e.uploadSet(t, e.token(t, "user-1"))

	rr := e.do(t, http.MethodPost, "/v1/uploads/process", "", ProcessRequest{UploadID: u.ID})
	assert.Equal(t, http.StatusUnauthorized, rr.Code)

	expires, sig := e.trigger.SignFor(u.ID, time.Minute)
	body, _ := json.Marshal(ProcessRequest{UploadID: u.ID})
	req := httptest.NewRequest(http.MethodPost, "/v1/uploads/process", bytes.NewReader(body))
	req.Header.Set(signing.HeaderExpires, expires)
	req.Header.Set(signing.HeaderSignature, sig)
	signed := httptest.NewRecorder()
	e.router.ServeHTTP(signed, req)

	require.Equal(t, http.StatusAccepted, signed.Code, signed.Body.String())
	assert.Equal(t, u.Jobs[0].ID, decode[ProcessResponse](t, signed).JobID)
	assert.Len(t, e.disp.jobs, 2)
}

func TestRetry_OnlyFailedUploads(t *testing.T) {
	e := newTestEnv(t)
	tok := e.token(t, "user-1")
	u := e.uploadSet(t, tok)

	rr := e.do(t, http.MethodPost, "/v1/uploads/"+u.ID+"/retry", tok, nil)
	assert.Equal(t, http.StatusConflict, rr.Code)
	assert.Equal(t, "CONFLICT", decode[ErrorResponse](t, rr).Code)

	_, err := e.orch.Fail(context.Background(), u.Jobs[0].ID, "decoder crashed")
	require.NoError(t, err)

	rr = e.do(t, http.MethodPost, "/v1/uploads/"+u.ID+"/retry", tok, nil)
	require.Equal(t, http.StatusAccepted, rr.Code, rr.Body.String())
	job := decode[JobResponse](t, rr).Job
	assert.Equal(t, 2, job.Attempt)
}

func TestClipsCRUD(t *testing.T) {
	e := newTestEnv(t)
	tok := e.token(t, "user-1")
	u := e.uploadSet(t, tok)

	start, end := 30.0, 60.0
	rr := e.do(t, http.MethodPost, "/v1/clips", tok, ClipRequest{UploadID: u.ID, Name: "Intro", StartTime: &start, EndTime: &end})
	require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())
	clip := decode[model.Clip](t, rr)
	assert.Equal(t, model.AspectLandscape, clip.AspectRatio)

	rr = e.do(t, http.MethodPost, "/v1/clips", tok, map[string]any{"uploadId": u.ID, "name": "x", "startTime": 0, "endTime": 1, "aspectRatio": "2:1"})
	assert.Equal(t, http.StatusBadRequest, rr.Code)

	portrait := "9:16"
	rr = e.do(t, http.MethodPatch, "/v1/clips/"+clip.ID, tok, ClipPatchRequest{AspectRatio: &portrait})
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	assert.Equal(t, model.AspectPortrait, decode[model.Clip](t, rr).AspectRatio)

	rr = e.do(t, http.MethodGet, "/v1/clips?uploadId="+u.ID, tok, nil)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Len(t, decode[ClipsResponse](t, rr).Clips, 1)

	rr = e.do(t, http.MethodDelete, "/v1/clips/"+clip.ID, e.token(t, "user-2"), nil)
	assert.Equal(t, http.StatusNotFound, rr.Code)
	rr = e.do(t, http.MethodDelete, "/v1/clips/"+clip.ID, tok, nil)
	assert.Equal(t, http.StatusNoContent, rr.Code)
}

func TestDeleteUpload(t *testing.T) {
	e := newTestEnv(t)
	tok := e.token(t, "user-1")
	u := e.uploadSet(t, tok)

	rr := e.do(t, http.MethodDelete, "/v1/uploads/"+u.ID, tok, nil)
	assert.Equal(t, http.StatusNoContent, rr.Code)
	rr = e.do(t, http.MethodGet, "/v1/uploads/"+u.ID, tok, nil)
	assert.Equal(t, http.StatusNotFound, rr.Code)
	_, err := e.objects.Stat(context.Background(), u.StoragePath)
	assert.ErrorIs(t, err, s3storage.ErrObjectNotFound)
}

func TestRecovery_PanicBecomesInternalError(t *testing.T) {
	h := RecoveryMiddleware(logging.Discard())(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("boom")
	}))
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/", nil))

	assert.Equal(t, http.StatusInternalServerError, rr.Code)
	assert.Equal(t, "INTERNAL_ERROR", decode[ErrorResponse](t, rr).Code)
}
