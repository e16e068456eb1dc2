// Package client talks to the clippedset HTTP API: it uploads a set through
// the presigned flow and polls until detection finishes.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/dharsanguruparan/clippedset/internal/api"
	"github.com/dharsanguruparan/clippedset/internal/model"
	"github.com/dharsanguruparan/clippedset/internal/signing"
	"github.com/dharsanguruparan/clippedset/internal/upload"
)

// ErrPollTimeout means polling stopped while the upload was still pending or
// processing. The outcome is unknown, not failed.
var ErrPollTimeout = errors.New("upload still processing after polling limit")

// APIError is a non-2xx response from the API.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api: HTTP %d %s: %s", e.StatusCode, e.Code, e.Message)
}

// IsRetryable returns true for server errors. Client errors are permanent.
func (e *APIError) IsRetryable() bool {
	return e.StatusCode >= 500
}

// Client calls the API with a bearer token.
type Client struct {
	baseURL    string
	token      string
	trigger    *signing.Signer
	httpClient *http.Client
	logger     *slog.Logger
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the default HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// WithTriggerSigner makes UploadFile call the processing trigger after
// confirming, signed with the shared trigger secret.
func WithTriggerSigner(s *signing.Signer) Option {
	return func(c *Client) { c.trigger = s }
}

func New(baseURL, token string, logger *slog.Logger, opts ...Option) *Client {
	c := &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		token:      token,
		httpClient: &http.Client{Timeout: 60 * time.Second},
		logger:     logger,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// UploadFile runs presign, the direct PUT, and complete for the file at
// path. The trigger is called only when a trigger signer is configured.
func (c *Client) UploadFile(ctx context.Context, path string) (*model.Upload, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("stat %s: %w", path, err)
	}

	filename := filepath.Base(path)
	contentType := ContentTypeFor(filename)

	var loc upload.Location
	if err := c.call(ctx, http.MethodPost, "/v1/uploads/presign", api.PresignRequest{
		Filename: filename, ContentType: contentType, FileSize: info.Size(),
	}, &loc); err != nil {
		return nil, fmt.Errorf("presign: %w", err)
	}

	if err := c.put(ctx, loc.UploadURL, f, info.Size(), contentType); err != nil {
		return nil, fmt.Errorf("upload object: %w", err)
	}
	c.logger.Info("media uploaded", "upload_id", loc.UploadID, "bytes", info.Size())

	var u model.Upload
	if err := c.call(ctx, http.MethodPost, "/v1/uploads/complete", api.CompleteRequest{
		UploadID: loc.UploadID, FilePath: loc.StoragePath, Filename: filename, FileSize: info.Size(),
		ContentType: contentType,
	}, &u); err != nil {
		return nil, fmt.Errorf("complete: %w", err)
	}

	if c.trigger != nil {
		if err := c.Trigger(ctx, u.ID); err != nil {
			// complete already dispatched the job; the trigger only nudges it.
			c.logger.Warn("processing trigger failed", "upload_id", u.ID, "error", err)
		}
	}
	return &u, nil
}

// Trigger asks the API to dispatch the upload's active detect job again.
func (c *Client) Trigger(ctx context.Context, uploadID string) error {
	if c.trigger == nil {
		return errors.New("no trigger secret configured")
	}
	body, err := json.Marshal(api.ProcessRequest{UploadID: uploadID})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/uploads/process", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	expires, sig := c.trigger.SignFor(uploadID, 5*time.Minute)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(signing.HeaderExpires, expires)
	req.Header.Set(signing.HeaderSignature, sig)
	return c.send(req, nil)
}

// GetUpload returns the detail view of one upload.
func (c *Client) GetUpload(ctx context.Context, uploadID string) (*api.UploadDetailResponse, error) {
	var out api.UploadDetailResponse
	if err := c.call(ctx, http.MethodGet, "/v1/uploads/"+uploadID, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ListUploads returns the caller's uploads, newest first.
func (c *Client) ListUploads(ctx context.Context) ([]model.Upload, error) {
	var out api.UploadsResponse
	if err := c.call(ctx, http.MethodGet, "/v1/uploads", nil, &out); err != nil {
		return nil, err
	}
	return out.Uploads, nil
}

var mediaTypes = map[string]string{
	".mp3":  "audio/mpeg",
	".wav":  "audio/wav",
	".flac": "audio/flac",
	".aac":  "audio/aac",
	".mp4":  "video/mp4",
	".mov":  "video/quicktime",
	".avi":  "video/x-msvideo",
	".webm": "video/webm",
}

// ContentTypeFor guesses the media type of filename from its extension.
func ContentTypeFor(filename string) string {
	ext := strings.ToLower(filepath.Ext(filename))
	if t, ok := mediaTypes[ext]; ok {
		return t
	}
	t := mime.TypeByExtension(ext)
	if i := strings.IndexByte(t, ';'); i >= 0 {
		t = t[:i]
	}
	if t == "" {
		return "application/octet-stream"
	}
	return t
}

// PollOptions bounds WaitForResult.
type PollOptions struct {
	Interval    time.Duration
	MaxAttempts int
}

const (
	defaultPollInterval    = 5 * time.Second
	defaultPollMaxAttempts = 120
)

// WaitForResult polls the detail endpoint until the upload is completed or
// failed. After MaxAttempts reads it returns the last detail together with
// ErrPollTimeout.
func (c *Client) WaitForResult(ctx context.Context, uploadID string, opts PollOptions) (*api.UploadDetailResponse, error) {
	if opts.Interval <= 0 {
		opts.Interval = defaultPollInterval
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = defaultPollMaxAttempts
	}

	var last *api.UploadDetailResponse
	for attempt := 1; attempt <= opts.MaxAttempts; attempt++ {
		d, err := c.GetUpload(ctx, uploadID)
		if err != nil {
			var apiErr *APIError
			if !errors.As(err, &apiErr) || !apiErr.IsRetryable() {
				return last, err
			}
			c.logger.Warn("poll failed; retrying", "upload_id", uploadID, "attempt", attempt, "error", err)
		} else {
			last = d
			if d.Upload.Status == model.UploadCompleted || d.Upload.Status == model.UploadFailed {
				return d, nil
			}
		}
		if attempt == opts.MaxAttempts {
			break
		}
		select {
		case <-ctx.Done():
			return last, ctx.Err()
		case <-time.After(opts.Interval):
		}
	}
	return last, ErrPollTimeout
}

func (c *Client) call(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		body = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	return c.send(req, out)
}

func (c *Client) send(req *http.Request, out any) error {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("http request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		apiErr := &APIError{StatusCode: resp.StatusCode, Message: strings.TrimSpace(string(data))}
		var er api.ErrorResponse
		if json.Unmarshal(data, &er) == nil && er.Error != "" {
			apiErr.Code, apiErr.Message = er.Code, er.Error
		}
		return apiErr
	}
	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func (c *Client) put(ctx context.Context, url string, r io.Reader, size int64, contentType string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, url, r)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.ContentLength = size
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("http request failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return &APIError{StatusCode: resp.StatusCode, Message: strings.TrimSpace(string(data))}
	}
	return nil
}
