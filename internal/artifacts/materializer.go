// Package artifacts writes the downloadable results of a completed upload
// (cuts.csv and, when clips exist, clips.zip) and signs URLs for them.
package artifacts

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"regexp"
	"strings"
	"time"

	"github.com/klauspost/compress/zip"

	"github.com/dharsanguruparan/clippedset/internal/apperr"
	"github.com/dharsanguruparan/clippedset/internal/logging"
	"github.com/dharsanguruparan/clippedset/internal/model"
	"github.com/dharsanguruparan/clippedset/internal/repository"
	"github.com/dharsanguruparan/clippedset/internal/s3storage"
)

const (
	CSVName = "cuts.csv"
	ZIPName = "clips.zip"

	defaultURLTTL = time.Hour
)

// ObjectStore is the storage subset the materializer needs.
type ObjectStore interface {
	Put(ctx context.Context, key string, r io.Reader, size int64, contentType string) error
	Stat(ctx context.Context, key string) (s3storage.ObjectInfo, error)
	PresignGet(ctx context.Context, key string, ttl time.Duration) (string, error)
	Remove(ctx context.Context, key string) error
}

// Reader is the repository subset the materializer needs.
type Reader interface {
	GetUpload(ctx context.Context, id string) (*model.Upload, error)
	ListCuts(ctx context.Context, uploadID string) ([]model.Cut, error)
	ListClips(ctx context.Context, userID, uploadID string) ([]model.Clip, error)
}

// Artifacts holds signed download URLs. ZIPURL is empty when no archive exists.
type Artifacts struct {
	CSVURL    string    `json:"csv"`
	ZIPURL    string    `json:"zip,omitempty"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// Materializer generates artifacts under an upload's output prefix.
type Materializer struct {
	repo     Reader
	objects  ObjectStore
	renderer ClipRenderer
	ttl      time.Duration
	logger   *slog.Logger
	now      func() time.Time
}

// New builds a Materializer. A nil renderer disables clips.zip.
func New(repo Reader, objects ObjectStore, renderer ClipRenderer, ttl time.Duration, logger *slog.Logger) *Materializer {
	if ttl <= 0 {
		ttl = defaultURLTTL
	}
	return &Materializer{
		repo:     repo,
		objects:  objects,
		renderer: renderer,
		ttl:      ttl,
		logger:   logging.WithComponent(logger, "artifacts"),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// EnsureArtifacts (re)writes the artifacts of a completed upload and returns
// fresh signed URLs. Objects are overwritten whole, never appended to.
func (m *Materializer) EnsureArtifacts(ctx context.Context, uploadID string) (Artifacts, error) {
	u, err := m.repo.GetUpload(ctx, uploadID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return Artifacts{}, apperr.NotFound("upload not found")
		}
		return Artifacts{}, err
	}
	if u.Status != model.UploadCompleted {
		return Artifacts{}, apperr.Conflict("upload %s is %s; artifacts need a completed upload", u.ID, u.Status)
	}

	cuts, err := m.repo.ListCuts(ctx, u.ID)
	if err != nil {
		return Artifacts{}, fmt.Errorf("list cuts: %w", err)
	}
	var csvBuf bytes.Buffer
	if err := WriteCSV(&csvBuf, cuts); err != nil {
		return Artifacts{}, fmt.Errorf("write csv: %w", err)
	}
	if err := m.objects.Put(ctx, u.OutputPrefix+CSVName, bytes.NewReader(csvBuf.Bytes()), int64(csvBuf.Len()), "text/csv"); err != nil {
		return Artifacts{}, err
	}

	hasZip := false
	if m.renderer != nil {
		clips, err := m.repo.ListClips(ctx, u.UserID, u.ID)
		if err != nil {
			return Artifacts{}, fmt.Errorf("list clips: %w", err)
		}
		if len(clips) == 0 {
			// An archive from before the last clip was deleted must not be served.
			if err := m.objects.Remove(ctx, u.OutputPrefix+ZIPName); err != nil && !errors.Is(err, s3storage.ErrObjectNotFound) {
				return Artifacts{}, fmt.Errorf("remove stale archive: %w", err)
			}
		} else {
			data, err := m.buildZip(ctx, u, clips, csvBuf.Bytes())
			if err != nil {
				return Artifacts{}, err
			}
			if err := m.objects.Put(ctx, u.OutputPrefix+ZIPName, bytes.NewReader(data), int64(len(data)), "application/zip"); err != nil {
				return Artifacts{}, err
			}
			hasZip = true
		}
	}

	logging.WithUploadID(m.logger, u.ID).Info("artifacts written", "cuts", len(cuts), "zip", hasZip)
	return m.sign(ctx, u, hasZip)
}

// URLs signs the existing artifacts of a completed upload, regenerating them
// when the CSV is missing. It returns nil for uploads that are not completed.
func (m *Materializer) URLs(ctx context.Context, u *model.Upload) (*Artifacts, error) {
	if u.Status != model.UploadCompleted {
		return nil, nil
	}
	if _, err := m.objects.Stat(ctx, u.OutputPrefix+CSVName); err != nil {
		if !errors.Is(err, s3storage.ErrObjectNotFound) {
			return nil, err
		}
		a, err := m.EnsureArtifacts(ctx, u.ID)
		if err != nil {
			return nil, err
		}
		return &a, nil
	}

	hasZip, err := m.hasArchive(ctx, u)
	if err != nil {
		return nil, err
	}
	a, err := m.sign(ctx, u, hasZip)
	if err != nil {
		return nil, err
	}
	return &a, nil
}

// hasArchive reports whether the upload's clips archive exists and still has
// clips behind it.
func (m *Materializer) hasArchive(ctx context.Context, u *model.Upload) (bool, error) {
	if m.renderer == nil {
		return false, nil
	}
	if _, err := m.objects.Stat(ctx, u.OutputPrefix+ZIPName); err != nil {
		if errors.Is(err, s3storage.ErrObjectNotFound) {
			return false, nil
		}
		return false, err
	}
	clips, err := m.repo.ListClips(ctx, u.UserID, u.ID)
	if err != nil {
		return false, fmt.Errorf("list clips: %w", err)
	}
	return len(clips) > 0, nil
}

func (m *Materializer) sign(ctx context.Context, u *model.Upload, hasZip bool) (Artifacts, error) {
	out := Artifacts{ExpiresAt: m.now().Add(m.ttl)}
	var err error
	if out.CSVURL, err = m.objects.PresignGet(ctx, u.OutputPrefix+CSVName, m.ttl); err != nil {
		return Artifacts{}, err
	}
	if hasZip {
		if out.ZIPURL, err = m.objects.PresignGet(ctx, u.OutputPrefix+ZIPName, m.ttl); err != nil {
			return Artifacts{}, err
		}
	}
	return out, nil
}

var unsafeName = regexp.MustCompile(`[^a-zA-Z0-9_-]+`)

func entryName(i int, clip model.Clip, ext string) string {
	slug := strings.Trim(unsafeName.ReplaceAllString(strings.ToLower(clip.Name), "-"), "-")
	if slug == "" {
		slug = "clip"
	}
	return fmt.Sprintf("clips/%02d-%s.%s", i+1, slug, ext)
}

func (m *Materializer) buildZip(ctx context.Context, u *model.Upload, clips []model.Clip, csvData []byte) ([]byte, error) {
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)

	w, err := zw.Create(CSVName)
	if err != nil {
		return nil, fmt.Errorf("zip %s: %w", CSVName, err)
	}
	if _, err := w.Write(csvData); err != nil {
		return nil, fmt.Errorf("zip %s: %w", CSVName, err)
	}

	for i, clip := range clips {
		var entry bytes.Buffer
		ext, err := m.renderer.Render(ctx, *u, clip, &entry)
		if err != nil {
			return nil, fmt.Errorf("render clip %s: %w", clip.ID, err)
		}
		w, err := zw.Create(entryName(i, clip, ext))
		if err != nil {
			return nil, fmt.Errorf("zip clip %s: %w", clip.ID, err)
		}
		if _, err := w.Write(entry.Bytes()); err != nil {
			return nil, fmt.Errorf("zip clip %s: %w", clip.ID, err)
		}
	}
	if err := zw.Close(); err != nil {
		return nil, fmt.Errorf("close zip: %w", err)
	}
	return buf.Bytes(), nil
}
