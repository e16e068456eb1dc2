// Package upload hands out presigned upload locations and records finished
// uploads together with their first detect job.
package upload

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/dharsanguruparan/clippedset/internal/apperr"
	"github.com/dharsanguruparan/clippedset/internal/auth"
	"github.com/dharsanguruparan/clippedset/internal/config"
	"github.com/dharsanguruparan/clippedset/internal/jobs"
	"github.com/dharsanguruparan/clippedset/internal/logging"
	"github.com/dharsanguruparan/clippedset/internal/model"
	"github.com/dharsanguruparan/clippedset/internal/repository"
	"github.com/dharsanguruparan/clippedset/internal/s3storage"
)

// ObjectStore is the storage subset the coordinator needs.
type ObjectStore interface {
	PresignPut(ctx context.Context, key string, ttl time.Duration) (string, error)
	Stat(ctx context.Context, key string) (s3storage.ObjectInfo, error)
}

// Location is where the client should PUT the raw media.
type Location struct {
	UploadID    string    `json:"uploadId"`
	UploadURL   string    `json:"uploadUrl"`
	StoragePath string    `json:"storagePath"`
	ExpiresAt   time.Time `json:"expiresAt"`
}

// Confirmation is what the client reports after its PUT finished.
type Confirmation struct {
	UploadID    string
	StoragePath string
	Filename    string
	Size        int64
	// ContentType is optional; when empty it is taken from the stored object.
	ContentType string
}

// Coordinator implements the presign and confirm steps of an upload.
type Coordinator struct {
	store         repository.Store
	objects       ObjectStore
	orch          *jobs.Orchestrator
	logger        *slog.Logger
	maxSize       int64
	allowed       map[string]bool
	urlTTL        time.Duration
	verifyObjects bool
	now           func() time.Time
	newID         func() string
}

// New builds a Coordinator from the upload limits in cfg.
func New(store repository.Store, objects ObjectStore, orch *jobs.Orchestrator, cfg *config.Config, logger *slog.Logger) *Coordinator {
	allowed := make(map[string]bool, len(cfg.AllowedTypes))
	for _, t := range cfg.AllowedTypes {
		allowed[strings.ToLower(t)] = true
	}
	return &Coordinator{
		store:         store,
		objects:       objects,
		orch:          orch,
		logger:        logging.WithComponent(logger, "upload"),
		maxSize:       cfg.MaxFileSize,
		allowed:       allowed,
		urlTTL:        cfg.UploadURLTTL,
		verifyObjects: cfg.VerifyObjects,
		now:           func() time.Time { return time.Now().UTC() },
		newID:         uuid.NewString,
	}
}

// RequestUploadLocation validates the announced file and returns a presigned
// PUT URL under the caller's prefix. Nothing is recorded yet.
func (c *Coordinator) RequestUploadLocation(ctx context.Context, session auth.Session, filename, contentType string, size int64) (Location, error) {
	if err := c.validateFile(filename, size); err != nil {
		return Location{}, err
	}
	if !c.allowed[strings.ToLower(contentType)] {
		return Location{}, apperr.Validation("unsupported file type %q", contentType)
	}

	id := c.newID()
	key := StoragePath(session.UserID, id, filename)
	url, err := c.objects.PresignPut(ctx, key, c.urlTTL)
	if err != nil {
		return Location{}, fmt.Errorf("presign upload: %w", err)
	}
	return Location{
		UploadID:    id,
		UploadURL:   url,
		StoragePath: key,
		ExpiresAt:   c.now().Add(c.urlTTL),
	}, nil
}

func (c *Coordinator) validateFile(filename string, size int64) error {
	switch {
	case strings.TrimSpace(filename) == "":
		return apperr.Validation("filename is required")
	case size <= 0:
		return apperr.Validation("file size must be positive")
	case size > c.maxSize:
		return apperr.Validation("file size %d exceeds the %d byte limit", size, c.maxSize)
	}
	return nil
}

// StoragePath is the object key of a raw upload: {userId}/{uploadId}.{ext}.
func StoragePath(userID, uploadID, filename string) string {
	ext := strings.TrimPrefix(path.Ext(filename), ".")
	if ext == "" {
		return userID + "/" + uploadID
	}
	return userID + "/" + uploadID + "." + strings.ToLower(ext)
}

// OutputPrefix is where artifacts of an upload are written.
func OutputPrefix(userID, uploadID string) string {
	return "outputs/" + userID + "/" + uploadID + "/"
}

// ConfirmUploadComplete records the upload and its first detect job in one
// transaction, then dispatches the job. Confirming the same upload again with
// the same details returns the stored upload and creates nothing.
func (c *Coordinator) ConfirmUploadComplete(ctx context.Context, session auth.Session, in Confirmation) (*model.Upload, error) {
	if _, err := uuid.Parse(in.UploadID); err != nil {
		return nil, apperr.Validation("uploadId must be a UUID")
	}
	if err := c.validateFile(in.Filename, in.Size); err != nil {
		return nil, err
	}
	if !strings.HasPrefix(in.StoragePath, session.UserID+"/") || strings.Contains(in.StoragePath, "..") {
		return nil, apperr.Validation("filePath is outside the caller's upload prefix")
	}
	if stem := strings.TrimSuffix(in.StoragePath, path.Ext(in.StoragePath)); stem != session.UserID+"/"+in.UploadID {
		return nil, apperr.Validation("filePath does not belong to upload %s", in.UploadID)
	}

	contentType := in.ContentType
	if c.verifyObjects {
		info, err := c.objects.Stat(ctx, in.StoragePath)
		if err != nil {
			if errors.Is(err, s3storage.ErrObjectNotFound) {
				return nil, apperr.Validation("no object was uploaded at %s", in.StoragePath)
			}
			return nil, fmt.Errorf("stat upload: %w", err)
		}
		if contentType == "" {
			contentType = info.ContentType
		}
	}

	var (
		upload *model.Upload
		job    *model.Job
	)
	err := c.store.WithTx(ctx, func(ctx context.Context, tx repository.Repository) error {
		if err := tx.EnsureUser(ctx, &model.User{ID: session.UserID, Email: session.Email}); err != nil {
			return err
		}
		now := c.now()
		u := &model.Upload{
			ID:           in.UploadID,
			UserID:       session.UserID,
			Filename:     in.Filename,
			ContentType:  contentType,
			StoragePath:  in.StoragePath,
			OutputPrefix: OutputPrefix(session.UserID, in.UploadID),
			Size:         in.Size,
			Status:       model.UploadPending,
			CreatedAt:    now,
			UpdatedAt:    now,
		}
		inserted, err := tx.InsertUpload(ctx, u)
		if err != nil {
			return err
		}
		if !inserted {
			existing, err := sameUpload(ctx, tx, u)
			if err != nil {
				return err
			}
			upload = existing
			return nil
		}
		j, err := c.orch.EnqueueTx(ctx, tx, u.ID, model.JobDetect)
		if err != nil {
			return err
		}
		u.Jobs = []model.Job{*j}
		upload, job = u, j
		return nil
	})
	if err != nil {
		return nil, err
	}

	if job != nil {
		logging.WithUploadID(c.logger, upload.ID).Info("upload confirmed",
			"user_id", upload.UserID, "bytes", upload.Size, "job_id", job.ID)
		c.orch.Dispatch(ctx, upload, *job)
	}
	return upload, nil
}

// sameUpload loads the stored upload with want's id and checks it describes
// the same file for the same owner.
func sameUpload(ctx context.Context, tx repository.Repository, want *model.Upload) (*model.Upload, error) {
	got, err := tx.GetUpload(ctx, want.ID)
	if err != nil {
		return nil, err
	}
	if got.UserID != want.UserID || got.StoragePath != want.StoragePath ||
		got.Filename != want.Filename || got.Size != want.Size {
		return nil, apperr.Conflict("upload %s was already confirmed with different details", want.ID)
	}
	js, err := tx.ListJobsByUpload(ctx, got.ID)
	if err != nil {
		return nil, err
	}
	got.Jobs = js
	return got, nil
}
