// Package events pushes job state changes to subscribers over NATS so clients
// can react without polling.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/dharsanguruparan/clippedset/internal/model"
)

// SubjectPrefix is the root of every subject; the full subject is
// clippedset.uploads.{userId}.{uploadId}.
const SubjectPrefix = "clippedset.uploads"

// Event types.
const (
	JobQueued    = "job.queued"
	JobStarted   = "job.started"
	JobCompleted = "job.completed"
	JobFailed    = "job.failed"
)

// JobEvent is published on every job transition.
type JobEvent struct {
	Type         string             `json:"type"`
	UserID       string             `json:"user_id"`
	UploadID     string             `json:"upload_id"`
	JobID        string             `json:"job_id"`
	JobType      model.JobType      `json:"job_type"`
	JobStatus    model.JobStatus    `json:"job_status"`
	UploadStatus model.UploadStatus `json:"upload_status"`
	Attempt      int                `json:"attempt"`
	Error        string             `json:"error,omitempty"`
	At           time.Time          `json:"at"`
}

// Subject returns the subject for one user's upload.
func Subject(userID, uploadID string) string {
	return fmt.Sprintf("%s.%s.%s", SubjectPrefix, userID, uploadID)
}

// Publisher delivers job events.
type Publisher interface {
	Publish(ctx context.Context, ev JobEvent) error
}

// Noop drops every event.
type Noop struct{}

func (Noop) Publish(context.Context, JobEvent) error { return nil }

// NATSPublisher publishes JSON events with core NATS.
type NATSPublisher struct {
	conn *nats.Conn
}

func NewNATSPublisher(conn *nats.Conn) *NATSPublisher {
	return &NATSPublisher{conn: conn}
}

func (p *NATSPublisher) Publish(_ context.Context, ev JobEvent) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	if err := p.conn.Publish(Subject(ev.UserID, ev.UploadID), data); err != nil {
		return fmt.Errorf("publish event: %w", err)
	}
	return nil
}

// Connect dials NATS with reconnect forever and logs connection changes.
func Connect(url string, logger *slog.Logger) (*nats.Conn, error) {
	nc, err := nats.Connect(url,
		nats.Name("clippedset"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn("nats disconnected", "error", err)
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("nats reconnected", "url", nc.ConnectedUrl())
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connect nats: %w", err)
	}
	return nc, nil
}

// Subscribe delivers events for a user's uploads, or for a single upload when
// uploadID is non-empty. Malformed messages are logged and skipped.
func Subscribe(conn *nats.Conn, userID, uploadID string, logger *slog.Logger, handle func(JobEvent)) (*nats.Subscription, error) {
	subject := Subject(userID, "*")
	if uploadID != "" {
		subject = Subject(userID, uploadID)
	}
	sub, err := conn.Subscribe(subject, func(msg *nats.Msg) {
		ev, err := Decode(msg.Data)
		if err != nil {
			logger.Error("decode job event", "subject", msg.Subject, "error", err)
			return
		}
		handle(ev)
	})
	if err != nil {
		return nil, fmt.Errorf("subscribe %s: %w", subject, err)
	}
	return sub, nil
}

// Decode parses a JobEvent payload.
func Decode(data []byte) (JobEvent, error) {
	var ev JobEvent
	if err := json.Unmarshal(data, &ev); err != nil {
		return JobEvent{}, fmt.Errorf("unmarshal event: %w", err)
	}
	return ev, nil
}
