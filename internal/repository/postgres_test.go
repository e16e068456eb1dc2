package repository

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/dharsanguruparan/clippedset/internal/model"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newStoreWithMock(t *testing.T) (*PostgresStore, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return NewPostgresStore(db), mock
}

func sampleUpload() *model.Upload {
	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	return &model.Upload{
		ID:           "up-1",
		UserID:       "user-1",
		Filename:     "set.mp3",
		ContentType:  "audio/mpeg",
		StoragePath:  "user-1/up-1.mp3",
		OutputPrefix: "outputs/user-1/up-1/",
		Size:         1024,
		Status:       model.UploadPending,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
}

func TestInsertUpload_InsertedAndDuplicate(t *testing.T) {
	store, mock := newStoreWithMock(t)
	u := sampleUpload()

	q := `(?s)^INSERT\s+INTO\s+uploads.*ON\s+CONFLICT\s+\(id\)\s+DO\s+NOTHING$`
	mock.ExpectExec(q).
		WithArgs(u.ID, u.UserID, u.Filename, u.ContentType, u.StoragePath, u.OutputPrefix, u.Size,
			nil, u.Status, u.CreatedAt, u.UpdatedAt).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(q).WillReturnResult(sqlmock.NewResult(0, 0))

	inserted, err := store.InsertUpload(context.Background(), u)
	require.NoError(t, err)
	assert.True(t, inserted)

	inserted, err = store.InsertUpload(context.Background(), u)
	require.NoError(t, err)
	assert.False(t, inserted)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGetUpload_FoundAndNotFound(t *testing.T) {
	store, mock := newStoreWithMock(t)
	u := sampleUpload()

	cols := []string{"id", "user_id", "filename", "content_type", "file_path", "output_prefix", "file_size",
		"duration_seconds", "status", "created_at", "updated_at"}
	mock.ExpectQuery(`(?s)^SELECT\s+id,.*FROM\s+uploads\s+WHERE\s+id\s*=\s*\$1$`).
		WithArgs("up-1").
		WillReturnRows(sqlmock.NewRows(cols).AddRow(u.ID, u.UserID, u.Filename, u.ContentType, u.StoragePath,
			u.OutputPrefix, u.Size, 3600.5, "completed", u.CreatedAt, u.UpdatedAt))
	mock.ExpectQuery(`(?s)^SELECT\s+id,.*FROM\s+uploads\s+WHERE\s+id\s*=\s*\$1$`).
		WithArgs("ghost").
		WillReturnError(sql.ErrNoRows)

	got, err := store.GetUpload(context.Background(), "up-1")
	require.NoError(t, err)
	assert.Equal(t, model.UploadCompleted, got.Status)
	require.NotNil(t, got.DurationSeconds)
	assert.InDelta(t, 3600.5, *got.DurationSeconds, 1e-9)
	assert.NotNil(t, got.Jobs)
	assert.NotNil(t, got.Cuts)

	_, err = store.GetUpload(context.Background(), "ghost")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestInsertJob_UniqueViolationIsActiveJobExists(t *testing.T) {
	store, mock := newStoreWithMock(t)

	mock.ExpectExec(`(?s)^INSERT\s+INTO\s+jobs`).
		WillReturnError(&pgconn.PgError{Code: "23505", ConstraintName: "uq_jobs_active"})

	err := store.InsertJob(context.Background(), &model.Job{
		ID: "j-2", UploadID: "up-1", Type: model.JobDetect, Status: model.JobPending, Attempt: 1,
		QueuedAt: time.Now().UTC(),
	})
	assert.ErrorIs(t, err, ErrActiveJobExists)
}

func TestInsertJob_OtherErrorIsWrapped(t *testing.T) {
	store, mock := newStoreWithMock(t)

	mock.ExpectExec(`(?s)^INSERT\s+INTO\s+jobs`).WillReturnError(errors.New("db down"))

	err := store.InsertJob(context.Background(), &model.Job{ID: "j-2"})
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrActiveJobExists)
	assert.Contains(t, err.Error(), "insert job: db down")
}

func TestGetJobForUpdate_LocksRow(t *testing.T) {
	store, mock := newStoreWithMock(t)
	queued := time.Now().UTC()
	started := queued.Add(time.Second)

	cols := []string{"id", "upload_id", "job_type", "status", "attempt", "error_message", "created_at", "started_at", "completed_at"}
	mock.ExpectQuery(`(?s)FROM\s+jobs\s+WHERE\s+id\s*=\s*\$1\s+FOR\s+UPDATE$`).
		WithArgs("j-1").
		WillReturnRows(sqlmock.NewRows(cols).AddRow("j-1", "up-1", "detect", "processing", 1, nil, queued, started, nil))

	j, err := store.GetJobForUpdate(context.Background(), "j-1")
	require.NoError(t, err)
	assert.Equal(t, model.JobProcessing, j.Status)
	require.NotNil(t, j.StartedAt)
	assert.Nil(t, j.CompletedAt)
	assert.Nil(t, j.ErrorMessage)
}

func TestListStaleJobs_ColumnDependsOnStatus(t *testing.T) {
	store, mock := newStoreWithMock(t)
	cutoff := time.Now().UTC()
	cols := []string{"id", "upload_id", "job_type", "status", "attempt", "error_message", "created_at", "started_at", "completed_at"}

	mock.ExpectQuery(`(?s)WHERE\s+status\s*=\s*\$1\s+AND\s+started_at\s*<\s*\$2`).
		WithArgs(model.JobProcessing, cutoff).
		WillReturnRows(sqlmock.NewRows(cols))
	mock.ExpectQuery(`(?s)WHERE\s+status\s*=\s*\$1\s+AND\s+created_at\s*<\s*\$2`).
		WithArgs(model.JobPending, cutoff).
		WillReturnRows(sqlmock.NewRows(cols))

	_, err := store.ListStaleJobs(context.Background(), model.JobProcessing, cutoff)
	require.NoError(t, err)
	_, err = store.ListStaleJobs(context.Background(), model.JobPending, cutoff)
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestUpdateUploadStatus_NotFound(t *testing.T) {
	store, mock := newStoreWithMock(t)

	mock.ExpectExec(`(?s)^UPDATE\s+uploads`).WillReturnResult(sqlmock.NewResult(0, 0))

	err := store.UpdateUploadStatus(context.Background(), "ghost", model.UploadFailed, nil)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestWithTx_ReplaceCutsRollsBackOnInsertFailure(t *testing.T) {
	store, mock := newStoreWithMock(t)

	mock.ExpectBegin()
	mock.ExpectExec(`(?s)^DELETE\s+FROM\s+cuts\s+WHERE\s+upload_id\s*=\s*\$1$`).
		WithArgs("up-1").
		WillReturnResult(sqlmock.NewResult(0, 3))
	mock.ExpectExec(`(?s)^INSERT\s+INTO\s+cuts`).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`(?s)^INSERT\s+INTO\s+cuts`).WillReturnError(errors.New("check violation"))
	mock.ExpectRollback()

	now := time.Now().UTC()
	cuts := []model.Cut{
		{ID: "c1", StartTime: 10, Confidence: 0.9, CreatedAt: now},
		{ID: "c2", StartTime: 20, Confidence: 1.5, CreatedAt: now},
	}
	err := store.WithTx(context.Background(), func(ctx context.Context, tx Repository) error {
		if err := tx.ReplaceCuts(ctx, "up-1", cuts); err != nil {
			return err
		}
		return tx.UpdateUploadStatus(ctx, "up-1", model.UploadCompleted, nil)
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "insert cut")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestListCuts_OrderedByStart(t *testing.T) {
	store, mock := newStoreWithMock(t)
	now := time.Now().UTC()

	cols := []string{"id", "upload_id", "start_time", "end_time", "confidence", "cut_type", "created_at"}
	mock.ExpectQuery(`(?s)FROM\s+cuts\s+WHERE\s+upload_id\s*=\s*\$1\s+ORDER\s+BY\s+start_time$`).
		WithArgs("up-1").
		WillReturnRows(sqlmock.NewRows(cols).
			AddRow("c1", "up-1", 45.2, nil, 0.8, "drop", now).
			AddRow("c2", "up-1", 90.0, 95.0, 0.6, nil, now))

	cuts, err := store.ListCuts(context.Background(), "up-1")
	require.NoError(t, err)
	require.Len(t, cuts, 2)
	assert.Nil(t, cuts[0].EndTime)
	require.NotNil(t, cuts[0].Type)
	assert.Equal(t, "drop", *cuts[0].Type)
	require.NotNil(t, cuts[1].EndTime)
	assert.InDelta(t, 95.0, *cuts[1].EndTime, 1e-9)
}

func TestListClips_FiltersByUpload(t *testing.T) {
	store, mock := newStoreWithMock(t)
	now := time.Now().UTC()
	cols := []string{"id", "upload_id", "user_id", "name", "start_time", "end_time", "aspect_ratio",
		"timeline_json", "export_path", "created_at", "updated_at"}

	mock.ExpectQuery(`(?s)FROM\s+clips\s+WHERE\s+user_id\s*=\s*\$1\s+AND\s+upload_id\s*=\s*\$2\s+ORDER\s+BY\s+created_at\s+DESC`).
		WithArgs("user-1", "up-1").
		WillReturnRows(sqlmock.NewRows(cols).
			AddRow("clip-1", "up-1", "user-1", "intro", 0.0, 30.0, "9:16", []byte(`{"tracks":[]}`), nil, now, now))
	mock.ExpectQuery(`(?s)FROM\s+clips\s+WHERE\s+user_id\s*=\s*\$1\s+ORDER\s+BY`).
		WithArgs("user-1").
		WillReturnRows(sqlmock.NewRows(cols))

	clips, err := store.ListClips(context.Background(), "user-1", "up-1")
	require.NoError(t, err)
	require.Len(t, clips, 1)
	assert.Equal(t, model.AspectPortrait, clips[0].AspectRatio)
	assert.JSONEq(t, `{"tracks":[]}`, string(clips[0].TimelineJSON))

	clips, err = store.ListClips(context.Background(), "user-1", "")
	require.NoError(t, err)
	assert.Empty(t, clips)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestEnsureUser_Upserts(t *testing.T) {
	store, mock := newStoreWithMock(t)
	created := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	mock.ExpectQuery(`(?s)^INSERT\s+INTO\s+users.*ON\s+CONFLICT\s+\(id\)\s+DO\s+UPDATE`).
		WithArgs("user-1", "dj@example.com", sqlmock.AnyArg()).
		WillReturnRows(sqlmock.NewRows([]string{"created_at"}).AddRow(created))

	u := &model.User{ID: "user-1", Email: "dj@example.com"}
	require.NoError(t, store.EnsureUser(context.Background(), u))
	assert.Equal(t, created, u.CreatedAt)
}
