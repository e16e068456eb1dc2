package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/dharsanguruparan/clippedset/internal/auth"
	"github.com/dharsanguruparan/clippedset/internal/clips"
	"github.com/dharsanguruparan/clippedset/internal/model"
	"github.com/dharsanguruparan/clippedset/internal/signing"
	"github.com/dharsanguruparan/clippedset/internal/upload"
)

// ObjectsPrefix is where memory-mode object URLs are served.
const ObjectsPrefix = "/v1/objects"

func NewRouter(cfg ServerConfig) *chi.Mux {
	r := chi.NewRouter()

	r.Use(RequestIDMiddleware())
	r.Use(RecoveryMiddleware(cfg.Logger))
	r.Use(LoggingMiddleware(cfg.Logger))

	r.Get("/healthz", healthHandler(cfg))
	r.Post("/v1/uploads/process", processHandler(cfg))
	if cfg.Objects != nil {
		r.Handle(ObjectsPrefix+"/*", http.StripPrefix(ObjectsPrefix, cfg.Objects))
	}

	r.Group(func(r chi.Router) {
		r.Use(AuthMiddleware(cfg.Auth, cfg.Logger))

		r.Get("/v1/session", sessionHandler(cfg))
		r.Post("/v1/uploads/presign", presignHandler(cfg))
		r.Post("/v1/uploads/complete", completeHandler(cfg))
		r.Get("/v1/uploads", listUploadsHandler(cfg))
		r.Get("/v1/uploads/{id}", getUploadHandler(cfg))
		r.Post("/v1/uploads/{id}/retry", retryHandler(cfg))
		r.Delete("/v1/uploads/{id}", deleteUploadHandler(cfg))
		r.Get("/v1/clips", listClipsHandler(cfg))
		r.Post("/v1/clips", createClipHandler(cfg))
		r.Patch("/v1/clips/{id}", updateClipHandler(cfg))
		r.Delete("/v1/clips/{id}", deleteClipHandler(cfg))
	})

	return r
}

func session(r *http.Request) auth.Session {
	s, _ := auth.FromContext(r.Context())
	return s
}

func healthHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		WriteJSON(w, http.StatusOK, HealthResponse{
			Status:  "ok",
			UptimeS: int64(time.Since(cfg.StartTime).Seconds()),
		})
	}
}

func sessionHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		s := session(r)
		if err := cfg.Users.EnsureUser(r.Context(), &model.User{ID: s.UserID, Email: s.Email}); err != nil {
			writeAppError(w, r, cfg.Logger, err)
			return
		}
		WriteJSON(w, http.StatusOK, SessionResponse{User: UserResponse{ID: s.UserID, Email: s.Email}})
	}
}

func presignHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req PresignRequest
		if err := decodeRequest(r, &req); err != nil {
			writeAppError(w, r, cfg.Logger, err)
			return
		}
		loc, err := cfg.Uploads.RequestUploadLocation(r.Context(), session(r), req.Filename, req.ContentType, req.FileSize)
		if err != nil {
			writeAppError(w, r, cfg.Logger, err)
			return
		}
		WriteJSON(w, http.StatusOK, loc)
	}
}

func completeHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req CompleteRequest
		if err := decodeRequest(r, &req); err != nil {
			writeAppError(w, r, cfg.Logger, err)
			return
		}
		u, err := cfg.Uploads.ConfirmUploadComplete(r.Context(), session(r), upload.Confirmation{
			UploadID:    req.UploadID,
			StoragePath: req.FilePath,
			Filename:    req.Filename,
			Size:        req.FileSize,
			ContentType: req.ContentType,
		})
		if err != nil {
			writeAppError(w, r, cfg.Logger, err)
			return
		}
		WriteJSON(w, http.StatusOK, u)
	}
}

// processHandler re-dispatches an upload's active detect job. Callers are
// services holding the trigger secret, not end users.
func processHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req ProcessRequest
		if err := decodeRequest(r, &req); err != nil {
			writeAppError(w, r, cfg.Logger, err)
			return
		}
		if cfg.Trigger == nil || !cfg.Trigger.Validate(req.UploadID,
			r.Header.Get(signing.HeaderExpires), r.Header.Get(signing.HeaderSignature)) {
			WriteError(w, http.StatusUnauthorized, "invalid or expired signature", "UNAUTHORIZED")
			return
		}
		job, err := cfg.Orchestrator.Redispatch(r.Context(), req.UploadID, model.JobDetect)
		if err != nil {
			writeAppError(w, r, cfg.Logger, err)
			return
		}
		WriteJSON(w, http.StatusAccepted, ProcessResponse{UploadID: req.UploadID, JobID: job.ID, Status: string(job.Status)})
	}
}

func listUploadsHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		uploads, err := cfg.Query.ListUploads(r.Context(), session(r).UserID)
		if err != nil {
			writeAppError(w, r, cfg.Logger, err)
			return
		}
		WriteJSON(w, http.StatusOK, UploadsResponse{Uploads: uploads})
	}
}

func getUploadHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		d, err := cfg.Query.GetUploadDetail(r.Context(), session(r).UserID, chi.URLParam(r, "id"))
		if err != nil {
			writeAppError(w, r, cfg.Logger, err)
			return
		}
		WriteJSON(w, http.StatusOK, UploadDetailResponse{Upload: d.Upload, DownloadURLs: d.DownloadURLs})
	}
}

func retryHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		job, err := cfg.Orchestrator.Retry(r.Context(), session(r).UserID, chi.URLParam(r, "id"))
		if err != nil {
			writeAppError(w, r, cfg.Logger, err)
			return
		}
		WriteJSON(w, http.StatusAccepted, JobResponse{Job: job})
	}
}

func deleteUploadHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := cfg.Query.DeleteUpload(r.Context(), session(r).UserID, chi.URLParam(r, "id")); err != nil {
			writeAppError(w, r, cfg.Logger, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

func listClipsHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		out, err := cfg.Clips.List(r.Context(), session(r).UserID, r.URL.Query().Get("uploadId"))
		if err != nil {
			writeAppError(w, r, cfg.Logger, err)
			return
		}
		WriteJSON(w, http.StatusOK, ClipsResponse{Clips: out})
	}
}

func createClipHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req ClipRequest
		if err := decodeRequest(r, &req); err != nil {
			writeAppError(w, r, cfg.Logger, err)
			return
		}
		c, err := cfg.Clips.Create(r.Context(), session(r).UserID, clips.Input{
			UploadID:     req.UploadID,
			Name:         req.Name,
			StartTime:    *req.StartTime,
			EndTime:      *req.EndTime,
			AspectRatio:  model.AspectRatio(req.AspectRatio),
			TimelineJSON: req.Timeline,
		})
		if err != nil {
			writeAppError(w, r, cfg.Logger, err)
			return
		}
		WriteJSON(w, http.StatusCreated, c)
	}
}

func updateClipHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req ClipPatchRequest
		if err := decodeRequest(r, &req); err != nil {
			writeAppError(w, r, cfg.Logger, err)
			return
		}
		patch := clips.Patch{
			Name:         req.Name,
			StartTime:    req.StartTime,
			EndTime:      req.EndTime,
			TimelineJSON: req.Timeline,
			ExportPath:   req.ExportPath,
		}
		if req.AspectRatio != nil {
			ar := model.AspectRatio(*req.AspectRatio)
			patch.AspectRatio = &ar
		}
		c, err := cfg.Clips.Update(r.Context(), session(r).UserID, chi.URLParam(r, "id"), patch)
		if err != nil {
			writeAppError(w, r, cfg.Logger, err)
			return
		}
		WriteJSON(w, http.StatusOK, c)
	}
}

func deleteClipHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := cfg.Clips.Delete(r.Context(), session(r).UserID, chi.URLParam(r, "id")); err != nil {
			writeAppError(w, r, cfg.Logger, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}
