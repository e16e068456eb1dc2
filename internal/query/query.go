// Package query serves the read side of uploads: listings, the detail view
// with download links, and owner-scoped deletion.
package query

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/dharsanguruparan/clippedset/internal/apperr"
	"github.com/dharsanguruparan/clippedset/internal/artifacts"
	"github.com/dharsanguruparan/clippedset/internal/logging"
	"github.com/dharsanguruparan/clippedset/internal/model"
	"github.com/dharsanguruparan/clippedset/internal/repository"
)

// ArtifactSigner returns download URLs for a completed upload.
type ArtifactSigner interface {
	URLs(ctx context.Context, u *model.Upload) (*artifacts.Artifacts, error)
}

// ObjectRemover deletes stored objects.
type ObjectRemover interface {
	Remove(ctx context.Context, key string) error
}

// Detail is one upload with its download links. DownloadURLs is nil until
// the upload completes.
type Detail struct {
	Upload       *model.Upload        `json:"upload"`
	DownloadURLs *artifacts.Artifacts `json:"downloadUrls"`
}

type Service struct {
	repo      repository.Repository
	artifacts ArtifactSigner
	objects   ObjectRemover
	logger    *slog.Logger
}

func New(repo repository.Repository, signer ArtifactSigner, objects ObjectRemover, logger *slog.Logger) *Service {
	return &Service{
		repo:      repo,
		artifacts: signer,
		objects:   objects,
		logger:    logging.WithComponent(logger, "query"),
	}
}

// ListUploads returns the user's uploads newest first, each with its jobs
// and cuts.
func (s *Service) ListUploads(ctx context.Context, userID string) ([]model.Upload, error) {
	uploads, err := s.repo.ListUploadsByUser(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("list uploads: %w", err)
	}
	jobs, err := s.repo.ListJobsByUser(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	cuts, err := s.repo.ListCutsByUser(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("list cuts: %w", err)
	}

	jobsByUpload := make(map[string][]model.Job)
	for _, j := range jobs {
		jobsByUpload[j.UploadID] = append(jobsByUpload[j.UploadID], j)
	}
	cutsByUpload := make(map[string][]model.Cut)
	for _, c := range cuts {
		cutsByUpload[c.UploadID] = append(cutsByUpload[c.UploadID], c)
	}
	for i := range uploads {
		uploads[i].Jobs = nonNil(jobsByUpload[uploads[i].ID])
		uploads[i].Cuts = nonNil(cutsByUpload[uploads[i].ID])
	}
	if uploads == nil {
		uploads = []model.Upload{}
	}
	return uploads, nil
}

// GetUploadDetail returns one upload owned by userID. Missing and foreign
// uploads are indistinguishable to the caller.
func (s *Service) GetUploadDetail(ctx context.Context, userID, uploadID string) (*Detail, error) {
	u, err := s.owned(ctx, userID, uploadID)
	if err != nil {
		return nil, err
	}
	jobs, err := s.repo.ListJobsByUpload(ctx, u.ID)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	cuts, err := s.repo.ListCuts(ctx, u.ID)
	if err != nil {
		return nil, fmt.Errorf("list cuts: %w", err)
	}
	u.Jobs = nonNil(jobs)
	u.Cuts = nonNil(cuts)

	d := &Detail{Upload: u}
	if u.Status == model.UploadCompleted && s.artifacts != nil {
		urls, err := s.artifacts.URLs(ctx, u)
		if err != nil {
			// The detail view stays usable; links come back on the next read.
			logging.WithUploadID(s.logger, u.ID).Warn("sign artifacts failed", "error", err)
		} else {
			d.DownloadURLs = urls
		}
	}
	return d, nil
}

// DeleteUpload removes the upload with its jobs, cuts and clips. Stored
// objects are removed afterwards; failures there are only logged.
func (s *Service) DeleteUpload(ctx context.Context, userID, uploadID string) error {
	u, err := s.owned(ctx, userID, uploadID)
	if err != nil {
		return err
	}
	if err := s.repo.DeleteUpload(ctx, u.ID); err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return apperr.NotFound("upload not found")
		}
		return fmt.Errorf("delete upload: %w", err)
	}

	if s.objects != nil {
		log := logging.WithUploadID(s.logger, u.ID)
		for _, key := range []string{u.StoragePath, u.OutputPrefix + artifacts.CSVName, u.OutputPrefix + artifacts.ZIPName} {
			if err := s.objects.Remove(ctx, key); err != nil {
				log.Warn("remove object failed", "key", key, "error", err)
			}
		}
	}
	return nil
}

func (s *Service) owned(ctx context.Context, userID, uploadID string) (*model.Upload, error) {
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

func nonNil[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}
