// Package clips manages user-defined excerpts of an upload.
package clips

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/dharsanguruparan/clippedset/internal/apperr"
	"github.com/dharsanguruparan/clippedset/internal/logging"
	"github.com/dharsanguruparan/clippedset/internal/model"
	"github.com/dharsanguruparan/clippedset/internal/repository"
)

// Input describes a new clip.
type Input struct {
	UploadID     string
	Name         string
	StartTime    float64
	EndTime      float64
	AspectRatio  model.AspectRatio
	TimelineJSON json.RawMessage
}

// Patch changes the non-nil fields of a clip.
type Patch struct {
	Name         *string
	StartTime    *float64
	EndTime      *float64
	AspectRatio  *model.AspectRatio
	TimelineJSON json.RawMessage
	ExportPath   *string
}

type Service struct {
	repo   repository.Repository
	logger *slog.Logger
	now    func() time.Time
	newID  func() string
}

func New(repo repository.Repository, logger *slog.Logger) *Service {
	return &Service{
		repo:   repo,
		logger: logging.WithComponent(logger, "clips"),
		now:    func() time.Time { return time.Now().UTC() },
		newID:  uuid.NewString,
	}
}

// Create stores a clip on an upload owned by userID. An empty aspect ratio
// becomes 16:9.
func (s *Service) Create(ctx context.Context, userID string, in Input) (*model.Clip, error) {
	u, err := s.ownedUpload(ctx, userID, in.UploadID)
	if err != nil {
		return nil, err
	}
	if in.AspectRatio == "" {
		in.AspectRatio = model.DefaultAspectRatio
	}
	now := s.now()
	c := &model.Clip{
		ID:           s.newID(),
		UploadID:     u.ID,
		UserID:       userID,
		Name:         strings.TrimSpace(in.Name),
		StartTime:    in.StartTime,
		EndTime:      in.EndTime,
		AspectRatio:  in.AspectRatio,
		TimelineJSON: in.TimelineJSON,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := validate(c, u.DurationSeconds); err != nil {
		return nil, err
	}
	if err := s.repo.InsertClip(ctx, c); err != nil {
		return nil, fmt.Errorf("insert clip: %w", err)
	}
	logging.WithUploadID(s.logger, u.ID).Info("clip created", "clip_id", c.ID, "seconds", c.Duration())
	return c, nil
}

// Update applies p to a clip owned by userID.
func (s *Service) Update(ctx context.Context, userID, clipID string, p Patch) (*model.Clip, error) {
	c, err := s.owned(ctx, userID, clipID)
	if err != nil {
		return nil, err
	}
	if p.Name != nil {
		c.Name = strings.TrimSpace(*p.Name)
	}
	if p.StartTime != nil {
		c.StartTime = *p.StartTime
	}
	if p.EndTime != nil {
		c.EndTime = *p.EndTime
	}
	if p.AspectRatio != nil {
		c.AspectRatio = *p.AspectRatio
	}
	if p.TimelineJSON != nil {
		c.TimelineJSON = p.TimelineJSON
	}
	if p.ExportPath != nil {
		path := *p.ExportPath
		c.ExportPath = &path
	}

	u, err := s.ownedUpload(ctx, userID, c.UploadID)
	if err != nil {
		return nil, err
	}
	if err := validate(c, u.DurationSeconds); err != nil {
		return nil, err
	}
	c.UpdatedAt = s.now()
	if err := s.repo.UpdateClip(ctx, c); err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, apperr.NotFound("clip not found")
		}
		return nil, fmt.Errorf("update clip: %w", err)
	}
	return c, nil
}

// Delete removes a clip owned by userID.
func (s *Service) Delete(ctx context.Context, userID, clipID string) error {
	c, err := s.owned(ctx, userID, clipID)
	if err != nil {
		return err
	}
	if err := s.repo.DeleteClip(ctx, c.ID); err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return apperr.NotFound("clip not found")
		}
		return fmt.Errorf("delete clip: %w", err)
	}
	return nil
}

// List returns the user's clips newest first, optionally for one upload.
func (s *Service) List(ctx context.Context, userID, uploadID string) ([]model.Clip, error) {
	out, err := s.repo.ListClips(ctx, userID, uploadID)
	if err != nil {
		return nil, fmt.Errorf("list clips: %w", err)
	}
	if out == nil {
		out = []model.Clip{}
	}
	return out, nil
}

func validate(c *model.Clip, duration *float64) error {
	if c.Name == "" {
		return apperr.Validation("clip name is required")
	}
	if !c.AspectRatio.Valid() {
		return apperr.Validation("unsupported aspect ratio %q", c.AspectRatio)
	}
	if math.IsNaN(c.StartTime) || math.IsNaN(c.EndTime) || c.StartTime < 0 || c.EndTime <= c.StartTime {
		return apperr.Validation("clip range must satisfy 0 <= start < end")
	}
	if duration != nil && c.EndTime > *duration {
		return apperr.Validation("clip ends at %.3f, after the set ends at %.3f", c.EndTime, *duration)
	}
	if len(c.TimelineJSON) > 0 && !json.Valid(c.TimelineJSON) {
		return apperr.Validation("timeline must be valid JSON")
	}
	return nil
}

func (s *Service) owned(ctx context.Context, userID, clipID string) (*model.Clip, error) {
	c, err := s.repo.GetClip(ctx, clipID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, apperr.NotFound("clip not found")
		}
		return nil, fmt.Errorf("get clip: %w", err)
	}
	if c.UserID != userID {
		return nil, apperr.NotFound("clip not found")
	}
	return c, nil
}

func (s *Service) ownedUpload(ctx context.Context, userID, uploadID string) (*model.Upload, error) {
	u, err := s.repo.GetUpload(ctx, uploadID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, apperr.NotFound("upload not found")
		}
		return nil, fmt.Errorf("get upload: %w", err)
	}
	if u.UserID != userID {
		return nil, apperr.NotFound("upload not found")
	}
	return u, nil
}
