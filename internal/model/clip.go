package model

import (
	"encoding/json"
	"time"
)

// Cut is one detected drop candidate inside an upload's timeline. Cuts are
// written by the detection worker and only ever replaced wholesale.
type Cut struct {
	ID         string    `json:"id"`
	UploadID   string    `json:"upload_id"`
	StartTime  float64   `json:"start_time"`
	EndTime    *float64  `json:"end_time,omitempty"`
	Confidence float64   `json:"confidence"`
	Type       *string   `json:"cut_type,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}

// AspectRatio is a supported social media output format.
type AspectRatio string

const (
	AspectLandscape AspectRatio = "16:9"
	AspectPortrait  AspectRatio = "9:16"
	AspectSquare    AspectRatio = "1:1"
	AspectFeed      AspectRatio = "4:5"
)

// DefaultAspectRatio is used when a clip is created without one.
const DefaultAspectRatio = AspectLandscape

// Valid reports whether a is one of the supported formats.
func (a AspectRatio) Valid() bool {
	switch a {
	case AspectLandscape, AspectPortrait, AspectSquare, AspectFeed:
		return true
	}
	return false
}

// Clip is a user authored time range over an upload.
type Clip struct {
	ID           string          `json:"id"`
	UploadID     string          `json:"upload_id"`
	UserID       string          `json:"user_id"`
	Name         string          `json:"name"`
	StartTime    float64         `json:"start_time"`
	EndTime      float64         `json:"end_time"`
	AspectRatio  AspectRatio     `json:"aspect_ratio"`
	TimelineJSON json.RawMessage `json:"timeline_json,omitempty"`
	ExportPath   *string         `json:"export_path,omitempty"`
	CreatedAt    time.Time       `json:"created_at"`
	UpdatedAt    time.Time       `json:"updated_at"`
}

// Duration returns the clip length in seconds.
func (c Clip) Duration() float64 {
	return c.EndTime - c.StartTime
}
