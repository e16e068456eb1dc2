// Package detect defines the contract with the drop detection service and the
// implementations the worker can run against.
package detect

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/dharsanguruparan/clippedset/internal/apperr"
	"github.com/dharsanguruparan/clippedset/internal/model"
)

// MediaRef points the detector at an upload's media object.
type MediaRef struct {
	UploadID    string
	StoragePath string
	URL         string
}

// Detector analyzes media and returns the detected drops and total duration.
// Implementations return apperr TransientWorker errors for failures worth
// retrying and FatalWorker errors for everything else.
type Detector interface {
	Detect(ctx context.Context, ref MediaRef) (model.DetectionResult, error)
}

// HTTPDetector calls an external detection service.
type HTTPDetector struct {
	endpoint   string
	httpClient *http.Client
	logger     *slog.Logger
}

func NewHTTPDetector(endpoint string, timeout time.Duration, logger *slog.Logger) *HTTPDetector {
	return &HTTPDetector{
		endpoint:   endpoint,
		httpClient: &http.Client{Timeout: timeout},
		logger:     logger,
	}
}

type detectRequest struct {
	UploadID string `json:"upload_id"`
	MediaURL string `json:"media_url"`
}

func (d *HTTPDetector) Detect(ctx context.Context, ref MediaRef) (model.DetectionResult, error) {
	body, err := json.Marshal(detectRequest{UploadID: ref.UploadID, MediaURL: ref.URL})
	if err != nil {
		return model.DetectionResult{}, apperr.FatalWorker("marshal detect request", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.endpoint, bytes.NewReader(body))
	if err != nil {
		return model.DetectionResult{}, apperr.FatalWorker("build detect request", err)
	}
	req.Header.Set("Content-Type", "application/json")

	start := time.Now()
	resp, err := d.httpClient.Do(req)
	if err != nil {
		return model.DetectionResult{}, apperr.TransientWorker("detector unreachable", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return model.DetectionResult{}, apperr.TransientWorker(
			fmt.Sprintf("detector returned HTTP %d", resp.StatusCode), fmt.Errorf("%s", bytes.TrimSpace(msg)))
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return model.DetectionResult{}, apperr.FatalWorker(
			fmt.Sprintf("detector rejected media with HTTP %d", resp.StatusCode), fmt.Errorf("%s", bytes.TrimSpace(msg)))
	}

	var result model.DetectionResult
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return model.DetectionResult{}, apperr.FatalWorker("malformed detector response", err)
	}
	d.logger.Info("detection finished",
		"upload_id", ref.UploadID,
		"cuts", len(result.Cuts),
		"duration_seconds", result.DurationSeconds,
		"elapsed_ms", time.Since(start).Milliseconds())
	return result, nil
}

// Static returns the same result for every upload. It backs local runs when
// no detection service is configured.
type Static struct {
	Result model.DetectionResult
}

// NewStatic returns a Static detector with a representative set of drops.
func NewStatic() *Static {
	return &Static{Result: model.DetectionResult{
		DurationSeconds: 405.2,
		Cuts: []model.CutCandidate{
			{StartTime: 45.2, Confidence: 0.92, Type: "drop"},
			{StartTime: 132.75, Confidence: 0.81, Type: "drop"},
			{StartTime: 228.4, Confidence: 0.67, Type: "breakdown"},
			{StartTime: 345.2, Confidence: 0.88, Type: "drop"},
		},
	}}
}

func (s *Static) Detect(ctx context.Context, _ MediaRef) (model.DetectionResult, error) {
	if err := ctx.Err(); err != nil {
		return model.DetectionResult{}, apperr.TransientWorker("detection cancelled", err)
	}
	out := s.Result
	out.Cuts = append([]model.CutCandidate(nil), s.Result.Cuts...)
	return out, nil
}
