package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/dharsanguruparan/clippedset/internal/apperr"
	"github.com/dharsanguruparan/clippedset/internal/artifacts"
	"github.com/dharsanguruparan/clippedset/internal/model"
)

const maxBodyBytes = 1 << 20

type ErrorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

type HealthResponse struct {
	Status  string `json:"status"`
	UptimeS int64  `json:"uptime_s"`
}

type UserResponse struct {
	ID    string `json:"id"`
	Email string `json:"email,omitempty"`
}

type SessionResponse struct {
	User UserResponse `json:"user"`
}

type PresignRequest struct {
	Filename    string `json:"filename" validate:"required"`
	ContentType string `json:"contentType" validate:"required"`
	FileSize    int64  `json:"fileSize" validate:"required,gt=0"`
}

type CompleteRequest struct {
	UploadID    string `json:"uploadId" validate:"required,uuid"`
	FilePath    string `json:"filePath" validate:"required"`
	Filename    string `json:"filename" validate:"required"`
	FileSize    int64  `json:"fileSize" validate:"required,gt=0"`
	ContentType string `json:"contentType,omitempty"`
}

type ProcessRequest struct {
	UploadID string `json:"uploadId" validate:"required"`
}

type ProcessResponse struct {
	UploadID string `json:"uploadId"`
	JobID    string `json:"jobId"`
	Status   string `json:"status"`
}

type UploadsResponse struct {
	Uploads []model.Upload `json:"uploads"`
}

type UploadDetailResponse struct {
	Upload       *model.Upload        `json:"upload"`
	DownloadURLs *artifacts.Artifacts `json:"downloadUrls"`
}

type JobResponse struct {
	Job *model.Job `json:"job"`
}

type ClipRequest struct {
	UploadID    string          `json:"uploadId" validate:"required"`
	Name        string          `json:"name" validate:"required"`
	StartTime   *float64        `json:"startTime" validate:"required"`
	EndTime     *float64        `json:"endTime" validate:"required"`
	AspectRatio string          `json:"aspectRatio,omitempty" validate:"omitempty,oneof=16:9 9:16 1:1 4:5"`
	Timeline    json.RawMessage `json:"timelineJson,omitempty"`
}

type ClipPatchRequest struct {
	Name        *string         `json:"name,omitempty" validate:"omitempty,min=1"`
	StartTime   *float64        `json:"startTime,omitempty"`
	EndTime     *float64        `json:"endTime,omitempty"`
	AspectRatio *string         `json:"aspectRatio,omitempty" validate:"omitempty,oneof=16:9 9:16 1:1 4:5"`
	Timeline    json.RawMessage `json:"timelineJson,omitempty"`
	ExportPath  *string         `json:"exportPath,omitempty"`
}

type ClipsResponse struct {
	Clips []model.Clip `json:"clips"`
}

var validate = newValidator()

// newValidator reports fields by their JSON names.
func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// decodeRequest reads a JSON body into dst and runs its validate tags.
func decodeRequest(r *http.Request, dst any) error {
	body := io.LimitReader(r.Body, maxBodyBytes)
	dec := json.NewDecoder(body)
	if err := dec.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return apperr.Validation("request body is required")
		}
		return apperr.Validation("invalid request body: %v", err)
	}
	if err := validate.Struct(dst); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			return apperr.Validation("%s", describe(verrs))
		}
		return apperr.Validation("invalid request: %v", err)
	}
	return nil
}

func describe(verrs validator.ValidationErrors) string {
	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		field := fe.Field()
		switch fe.Tag() {
		case "required":
			msgs = append(msgs, field+" is required")
		case "oneof":
			msgs = append(msgs, fmt.Sprintf("%s must be one of %s", field, fe.Param()))
		default:
			msgs = append(msgs, fmt.Sprintf("%s is invalid (%s)", field, fe.Tag()))
		}
	}
	return strings.Join(msgs, "; ")
}
