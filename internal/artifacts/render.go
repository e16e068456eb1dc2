package artifacts

import (
	"context"
	"encoding/json"
	"io"

	"github.com/dharsanguruparan/clippedset/internal/model"
)

// ClipRenderer writes one clip's archive entry and returns the file
// extension for it.
type ClipRenderer interface {
	Render(ctx context.Context, upload model.Upload, clip model.Clip, w io.Writer) (ext string, err error)
}

// ManifestRenderer writes an edit decision entry per clip: the source object,
// the time range and the output format. Editing tools consume these to cut
// the source without re-uploading it.
type ManifestRenderer struct{}

type clipManifest struct {
	UploadID    string            `json:"upload_id"`
	Source      string            `json:"source"`
	ClipID      string            `json:"clip_id"`
	Name        string            `json:"name"`
	StartTime   float64           `json:"start_time"`
	EndTime     float64           `json:"end_time"`
	Duration    float64           `json:"duration"`
	Start       string            `json:"start"`
	End         string            `json:"end"`
	AspectRatio model.AspectRatio `json:"aspect_ratio"`
	Timeline    json.RawMessage   `json:"timeline,omitempty"`
}

func (ManifestRenderer) Render(_ context.Context, upload model.Upload, clip model.Clip, w io.Writer) (string, error) {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	err := enc.Encode(clipManifest{
		UploadID:    upload.ID,
		Source:      upload.StoragePath,
		ClipID:      clip.ID,
		Name:        clip.Name,
		StartTime:   clip.StartTime,
		EndTime:     clip.EndTime,
		Duration:    clip.Duration(),
		Start:       FormatTimestamp(clip.StartTime),
		End:         FormatTimestamp(clip.EndTime),
		AspectRatio: clip.AspectRatio,
		Timeline:    clip.TimelineJSON,
	})
	return "json", err
}
