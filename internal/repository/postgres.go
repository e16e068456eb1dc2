package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/dharsanguruparan/clippedset/internal/dbx"
	"github.com/dharsanguruparan/clippedset/internal/model"
	"github.com/jackc/pgx/v5/pgconn"
)

const uniqueViolation = "23505"

// PostgresRepository runs every query against a DBTX, so the same code serves
// both the pooled connection and an open transaction.
type PostgresRepository struct {
	db dbx.DBTX
}

func NewPostgresRepository(db dbx.DBTX) *PostgresRepository {
	return &PostgresRepository{db: db}
}

// PostgresStore adds transactions on top of PostgresRepository.
type PostgresStore struct {
	*PostgresRepository
	sqlDB *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{PostgresRepository: NewPostgresRepository(db), sqlDB: db}
}

// WithTx runs fn with a repository bound to a single transaction.
func (s *PostgresStore) WithTx(ctx context.Context, fn func(ctx context.Context, tx Repository) error) error {
	return dbx.WithTx(ctx, s.sqlDB, nil, func(ctx context.Context, tx dbx.DBTX) error {
		return fn(ctx, NewPostgresRepository(tx))
	})
}

func (r *PostgresRepository) EnsureUser(ctx context.Context, u *model.User) error {
	query :=
		`INSERT INTO users (id, email, created_at)
		 VALUES ($1, $2, $3)
		 ON CONFLICT (id) DO UPDATE SET email = EXCLUDED.email
		 RETURNING created_at`

	if u.CreatedAt.IsZero() {
		u.CreatedAt = time.Now().UTC()
	}
	if err := r.db.QueryRowContext(ctx, query, u.ID, u.Email, u.CreatedAt).Scan(&u.CreatedAt); err != nil {
		return fmt.Errorf("ensure user: %w", err)
	}
	return nil
}

func (r *PostgresRepository) InsertUpload(ctx context.Context, u *model.Upload) (bool, error) {
	query :=
		`INSERT INTO uploads (id, user_id, filename, content_type, file_path, output_prefix, file_size, duration_seconds, status, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		 ON CONFLICT (id) DO NOTHING`

	res, err := r.db.ExecContext(ctx, query,
		u.ID, u.UserID, u.Filename, u.ContentType, u.StoragePath, u.OutputPrefix, u.Size,
		u.DurationSeconds, u.Status, u.CreatedAt, u.UpdatedAt)
	if err != nil {
		return false, fmt.Errorf("insert upload: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("insert upload: %w", err)
	}
	return n == 1, nil
}

const uploadColumns = `id, user_id, filename, content_type, file_path, output_prefix, file_size, duration_seconds, status, created_at, updated_at`

type scanner interface {
	Scan(dest ...any) error
}

func scanUpload(s scanner) (*model.Upload, error) {
	var (
		u        model.Upload
		duration sql.NullFloat64
	)
	if err := s.Scan(&u.ID, &u.UserID, &u.Filename, &u.ContentType, &u.StoragePath, &u.OutputPrefix,
		&u.Size, &duration, &u.Status, &u.CreatedAt, &u.UpdatedAt); err != nil {
		return nil, err
	}
	if duration.Valid {
		d := duration.Float64
		u.DurationSeconds = &d
	}
	u.Jobs = []model.Job{}
	u.Cuts = []model.Cut{}
	return &u, nil
}

func (r *PostgresRepository) GetUpload(ctx context.Context, id string) (*model.Upload, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+uploadColumns+` FROM uploads WHERE id = $1`, id)
	u, err := scanUpload(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("select upload: %w", err)
	}
	return u, nil
}

func (r *PostgresRepository) ListUploadsByUser(ctx context.Context, userID string) ([]model.Upload, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+uploadColumns+` FROM uploads WHERE user_id = $1 ORDER BY created_at DESC, id DESC`, userID)
	if err != nil {
		return nil, fmt.Errorf("list uploads: %w", err)
	}
	defer rows.Close()

	out := []model.Upload{}
	for rows.Next() {
		u, err := scanUpload(rows)
		if err != nil {
			return nil, fmt.Errorf("scan upload: %w", err)
		}
		out = append(out, *u)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list uploads: %w", err)
	}
	return out, nil
}

func (r *PostgresRepository) UpdateUploadStatus(ctx context.Context, id string, status model.UploadStatus, duration *float64) error {
	query :=
		`UPDATE uploads
		 SET status = $1,
			 duration_seconds = COALESCE($2, duration_seconds),
			 updated_at = $3
		 WHERE id = $4`

	res, err := r.db.ExecContext(ctx, query, status, duration, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("update upload: %w", err)
	}
	return expectOne(res, "update upload")
}

func (r *PostgresRepository) DeleteUpload(ctx context.Context, id string) error {
	res, err := r.db.ExecContext(ctx, `DELETE FROM uploads WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete upload: %w", err)
	}
	return expectOne(res, "delete upload")
}

const jobColumns = `id, upload_id, job_type, status, attempt, error_message, created_at, started_at, completed_at`

func scanJob(s scanner) (*model.Job, error) {
	var (
		j         model.Job
		errMsg    sql.NullString
		started   sql.NullTime
		completed sql.NullTime
	)
	if err := s.Scan(&j.ID, &j.UploadID, &j.Type, &j.Status, &j.Attempt, &errMsg,
		&j.QueuedAt, &started, &completed); err != nil {
		return nil, err
	}
	if errMsg.Valid {
		msg := errMsg.String
		j.ErrorMessage = &msg
	}
	if started.Valid {
		ts := started.Time
		j.StartedAt = &ts
	}
	if completed.Valid {
		ts := completed.Time
		j.CompletedAt = &ts
	}
	return &j, nil
}

func (r *PostgresRepository) InsertJob(ctx context.Context, j *model.Job) error {
	query :=
		`INSERT INTO jobs (id, upload_id, job_type, status, attempt, error_message, created_at, started_at, completed_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`

	_, err := r.db.ExecContext(ctx, query, j.ID, j.UploadID, j.Type, j.Status, j.Attempt,
		j.ErrorMessage, j.QueuedAt, j.StartedAt, j.CompletedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return ErrActiveJobExists
		}
		return fmt.Errorf("insert job: %w", err)
	}
	return nil
}

func (r *PostgresRepository) GetJob(ctx context.Context, id string) (*model.Job, error) {
	return r.getJob(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = $1`, id)
}

func (r *PostgresRepository) GetJobForUpdate(ctx context.Context, id string) (*model.Job, error) {
	return r.getJob(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = $1 FOR UPDATE`, id)
}

func (r *PostgresRepository) getJob(ctx context.Context, query, id string) (*model.Job, error) {
	j, err := scanJob(r.db.QueryRowContext(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("select job: %w", err)
	}
	return j, nil
}

func (r *PostgresRepository) UpdateJob(ctx context.Context, j *model.Job) error {
	query :=
		`UPDATE jobs
		 SET status = $1, attempt = $2, error_message = $3, started_at = $4, completed_at = $5
		 WHERE id = $6`

	res, err := r.db.ExecContext(ctx, query, j.Status, j.Attempt, j.ErrorMessage, j.StartedAt, j.CompletedAt, j.ID)
	if err != nil {
		return fmt.Errorf("update job: %w", err)
	}
	return expectOne(res, "update job")
}

func (r *PostgresRepository) ListJobsByUpload(ctx context.Context, uploadID string) ([]model.Job, error) {
	return r.listJobs(ctx,
		`SELECT `+jobColumns+` FROM jobs WHERE upload_id = $1 ORDER BY created_at, attempt`, uploadID)
}

func (r *PostgresRepository) ListJobsByUser(ctx context.Context, userID string) ([]model.Job, error) {
	return r.listJobs(ctx,
		`SELECT j.id, j.upload_id, j.job_type, j.status, j.attempt, j.error_message, j.created_at, j.started_at, j.completed_at
		 FROM jobs j JOIN uploads u ON u.id = j.upload_id
		 WHERE u.user_id = $1 ORDER BY j.created_at, j.attempt`, userID)
}

func (r *PostgresRepository) ListStaleJobs(ctx context.Context, status model.JobStatus, cutoff time.Time) ([]model.Job, error) {
	column := "created_at"
	if status == model.JobProcessing {
		column = "started_at"
	}
	return r.listJobs(ctx,
		`SELECT `+jobColumns+` FROM jobs WHERE status = $1 AND `+column+` < $2 ORDER BY `+column,
		status, cutoff)
}

func (r *PostgresRepository) listJobs(ctx context.Context, query string, args ...any) ([]model.Job, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	defer rows.Close()

	out := []model.Job{}
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan job: %w", err)
		}
		out = append(out, *j)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	return out, nil
}

// ReplaceCuts deletes the upload's cuts and inserts the new set. Callers run
// it inside WithTx so readers never observe a partial set.
func (r *PostgresRepository) ReplaceCuts(ctx context.Context, uploadID string, cuts []model.Cut) error {
	if _, err := r.db.ExecContext(ctx, `DELETE FROM cuts WHERE upload_id = $1`, uploadID); err != nil {
		return fmt.Errorf("delete cuts: %w", err)
	}
	query :=
		`INSERT INTO cuts (id, upload_id, start_time, end_time, confidence, cut_type, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`
	for _, c := range cuts {
		if _, err := r.db.ExecContext(ctx, query, c.ID, uploadID, c.StartTime, c.EndTime, c.Confidence, c.Type, c.CreatedAt); err != nil {
			return fmt.Errorf("insert cut: %w", err)
		}
	}
	return nil
}

const cutColumns = `id, upload_id, start_time, end_time, confidence, cut_type, created_at`

func (r *PostgresRepository) ListCuts(ctx context.Context, uploadID string) ([]model.Cut, error) {
	return r.listCuts(ctx,
		`SELECT `+cutColumns+` FROM cuts WHERE upload_id = $1 ORDER BY start_time`, uploadID)
}

func (r *PostgresRepository) ListCutsByUser(ctx context.Context, userID string) ([]model.Cut, error) {
	return r.listCuts(ctx,
		`SELECT c.id, c.upload_id, c.start_time, c.end_time, c.confidence, c.cut_type, c.created_at
		 FROM cuts c JOIN uploads u ON u.id = c.upload_id
		 WHERE u.user_id = $1 ORDER BY c.start_time`, userID)
}

func (r *PostgresRepository) listCuts(ctx context.Context, query string, args ...any) ([]model.Cut, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list cuts: %w", err)
	}
	defer rows.Close()

	out := []model.Cut{}
	for rows.Next() {
		var (
			c       model.Cut
			end     sql.NullFloat64
			cutType sql.NullString
		)
		if err := rows.Scan(&c.ID, &c.UploadID, &c.StartTime, &end, &c.Confidence, &cutType, &c.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan cut: %w", err)
		}
		if end.Valid {
			v := end.Float64
			c.EndTime = &v
		}
		if cutType.Valid {
			v := cutType.String
			c.Type = &v
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list cuts: %w", err)
	}
	return out, nil
}

const clipColumns = `id, upload_id, user_id, name, start_time, end_time, aspect_ratio, timeline_json, export_path, created_at, updated_at`

func scanClip(s scanner) (*model.Clip, error) {
	var (
		c        model.Clip
		timeline []byte
		export   sql.NullString
	)
	if err := s.Scan(&c.ID, &c.UploadID, &c.UserID, &c.Name, &c.StartTime, &c.EndTime, &c.AspectRatio,
		&timeline, &export, &c.CreatedAt, &c.UpdatedAt); err != nil {
		return nil, err
	}
	if len(timeline) > 0 {
		c.TimelineJSON = timeline
	}
	if export.Valid {
		v := export.String
		c.ExportPath = &v
	}
	return &c, nil
}

// nullJSON keeps an empty timeline as SQL NULL instead of an invalid JSONB literal.
func nullJSON(raw []byte) any {
	if len(raw) == 0 {
		return nil
	}
	return string(raw)
}

func (r *PostgresRepository) InsertClip(ctx context.Context, c *model.Clip) error {
	query :=
		`INSERT INTO clips (id, upload_id, user_id, name, start_time, end_time, aspect_ratio, timeline_json, export_path, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`

	_, err := r.db.ExecContext(ctx, query, c.ID, c.UploadID, c.UserID, c.Name, c.StartTime, c.EndTime,
		c.AspectRatio, nullJSON(c.TimelineJSON), c.ExportPath, c.CreatedAt, c.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert clip: %w", err)
	}
	return nil
}

func (r *PostgresRepository) GetClip(ctx context.Context, id string) (*model.Clip, error) {
	c, err := scanClip(r.db.QueryRowContext(ctx, `SELECT `+clipColumns+` FROM clips WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("select clip: %w", err)
	}
	return c, nil
}

func (r *PostgresRepository) UpdateClip(ctx context.Context, c *model.Clip) error {
	query :=
		`UPDATE clips
		 SET name = $1, start_time = $2, end_time = $3, aspect_ratio = $4, timeline_json = $5, export_path = $6, updated_at = $7
		 WHERE id = $8`

	res, err := r.db.ExecContext(ctx, query, c.Name, c.StartTime, c.EndTime, c.AspectRatio,
		nullJSON(c.TimelineJSON), c.ExportPath, c.UpdatedAt, c.ID)
	if err != nil {
		return fmt.Errorf("update clip: %w", err)
	}
	return expectOne(res, "update clip")
}

func (r *PostgresRepository) DeleteClip(ctx context.Context, id string) error {
	res, err := r.db.ExecContext(ctx, `DELETE FROM clips WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete clip: %w", err)
	}
	return expectOne(res, "delete clip")
}

func (r *PostgresRepository) ListClips(ctx context.Context, userID, uploadID string) ([]model.Clip, error) {
	query := `SELECT ` + clipColumns + ` FROM clips WHERE user_id = $1`
	args := []any{userID}
	if uploadID != "" {
		query += ` AND upload_id = $2`
		args = append(args, uploadID)
	}
	query += ` ORDER BY created_at DESC, id DESC`

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list clips: %w", err)
	}
	defer rows.Close()

	out := []model.Clip{}
	for rows.Next() {
		c, err := scanClip(rows)
		if err != nil {
			return nil, fmt.Errorf("scan clip: %w", err)
		}
		out = append(out, *c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list clips: %w", err)
	}
	return out, nil
}

func expectOne(res sql.Result, op string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}
